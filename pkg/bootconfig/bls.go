// Package bootconfig implements the two boot-entry text formats this
// installer writes and reads: Boot Loader Specification (BLS) entries and
// GRUB menuentry blocks used for UKI chainloading.
package bootconfig

import (
	"bufio"
	"fmt"
	"sort"
	"strings"
)

// BLSConfig is a single Boot Loader Specification entry
// (https://uapi-group.org/specifications/specs/boot_loader_specification/).
type BLSConfig struct {
	Title      string
	Version    string
	Linux      string
	Initrd     []string
	Options    string
	MachineID  string
	SortKey    string
	HasOptions bool
	// Extra holds any key/value pairs not recognized above, in the order
	// they were first seen.
	Extra     map[string]string
	extraKeys []string
}

// ParseBLSConfig parses a BLS entry's text. linux and version are
// mandatory; their absence is a parse error. Duplicate linux/options keys
// last-wins; initrd lines accumulate.
func ParseBLSConfig(text string) (*BLSConfig, error) {
	cfg := &BLSConfig{Extra: map[string]string{}}
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := splitKV(line)
		if !ok {
			continue
		}
		switch key {
		case "title":
			cfg.Title = value
		case "version":
			cfg.Version = value
		case "linux":
			cfg.Linux = value
		case "initrd":
			cfg.Initrd = append(cfg.Initrd, value)
		case "options":
			cfg.Options = value
			cfg.HasOptions = true
		case "machine-id":
			cfg.MachineID = value
		case "sort-key":
			cfg.SortKey = value
		default:
			if _, seen := cfg.Extra[key]; !seen {
				cfg.extraKeys = append(cfg.extraKeys, key)
			}
			cfg.Extra[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading BLS config: %w", err)
	}
	if cfg.Linux == "" {
		return nil, fmt.Errorf("BLS config missing required key: linux")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("BLS config missing required key: version")
	}
	return cfg, nil
}

// splitKV trims leading spaces and tabs, then splits the line at its
// first space into key and value (the value is trimmed of surrounding
// whitespace). A tab does not separate key from value.
func splitKV(line string) (key, value string, ok bool) {
	fields := strings.SplitN(strings.TrimLeft(line, " \t"), " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		return "", "", false
	}
	key = fields[0]
	if len(fields) == 2 {
		value = strings.TrimSpace(fields[1])
	}
	return key, value, true
}

// String serializes the entry with keys in the canonical order: title,
// version, linux, each initrd, options, machine-id, sort-key, then extras
// in first-seen order.
func (c *BLSConfig) String() string {
	var b strings.Builder
	if c.Title != "" {
		fmt.Fprintf(&b, "title %s\n", c.Title)
	}
	fmt.Fprintf(&b, "version %s\n", c.Version)
	fmt.Fprintf(&b, "linux %s\n", c.Linux)
	for _, initrd := range c.Initrd {
		fmt.Fprintf(&b, "initrd %s\n", initrd)
	}
	if c.HasOptions {
		fmt.Fprintf(&b, "options %s\n", c.Options)
	}
	if c.MachineID != "" {
		fmt.Fprintf(&b, "machine-id %s\n", c.MachineID)
	}
	if c.SortKey != "" {
		fmt.Fprintf(&b, "sort-key %s\n", c.SortKey)
	}
	for _, k := range c.extraKeys {
		fmt.Fprintf(&b, "%s %s\n", k, c.Extra[k])
	}
	return b.String()
}

// Less implements the Boot Loader Specification total order: sort_key
// ascending, then machine_id ascending, then version descending. A missing
// sort_key or machine_id on either side is skipped rather than treated as
// greater or lesser, falling through to the next tiebreaker.
func Less(a, b *BLSConfig) bool {
	return compareBLS(a, b) < 0
}

func compareBLS(a, b *BLSConfig) int {
	if a.SortKey != "" && b.SortKey != "" && a.SortKey != b.SortKey {
		if a.SortKey < b.SortKey {
			return -1
		}
		return 1
	}
	if a.MachineID != "" && b.MachineID != "" && a.MachineID != b.MachineID {
		if a.MachineID < b.MachineID {
			return -1
		}
		return 1
	}
	// Version descending: reverse the comparator's sign.
	return -CompareVersions(a.Version, b.Version)
}

// SortBLSConfigs sorts entries in place per the Boot Loader Specification
// total order (see Less), stably.
func SortBLSConfigs(entries []*BLSConfig) {
	sort.SliceStable(entries, func(i, j int) bool {
		return Less(entries[i], entries[j])
	})
}
