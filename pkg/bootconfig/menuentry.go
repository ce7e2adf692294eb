package bootconfig

import (
	"fmt"
	"sort"
	"strings"
)

// MenuEntry models a GRUB `menuentry "<title>" { <body> }` block used for
// chainloading a UKI from the EFI System Partition.
type MenuEntry struct {
	Title       string
	Insmod      []string
	Search      string
	Chainloader string
	Extra       map[string]string
	extraKeys   []string
}

// NewUKIMenuEntry builds the convention-following menuentry for a UKI boot
// label/id pair: inserts the fat and chain modules, searches by the EFI
// partition's filesystem UUID, and chainloads the UKI from EFI/Linux.
func NewUKIMenuEntry(bootLabel, ukiID string) *MenuEntry {
	return &MenuEntry{
		Title:       fmt.Sprintf("%s: (%s)", bootLabel, ukiID),
		Insmod:      []string{"fat", "chain"},
		Search:      `--no-floppy --set=root --fs-uuid "${EFI_PART_UUID}"`,
		Chainloader: fmt.Sprintf("/EFI/Linux/%s.efi", ukiID),
	}
}

// String renders the menuentry block.
func (m *MenuEntry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "menuentry \"%s\" {\n", escapeTitle(m.Title))
	for _, mod := range m.Insmod {
		fmt.Fprintf(&b, "  insmod %s\n", mod)
	}
	if m.Search != "" {
		fmt.Fprintf(&b, "  search %s\n", m.Search)
	}
	if m.Chainloader != "" {
		fmt.Fprintf(&b, "  chainloader %s\n", m.Chainloader)
	}
	for _, k := range m.extraKeys {
		fmt.Fprintf(&b, "  %s %s\n", k, m.Extra[k])
	}
	b.WriteString("}\n")
	return b.String()
}

func escapeTitle(title string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return r.Replace(title)
}

// ParseMenuEntries scans text for menuentry blocks, tolerating other text
// (comments, `if`/`fi`, `set` lines at top level) between them. Nested
// braces and backslash-escaped braces within a block body are balanced
// correctly.
func ParseMenuEntries(text string) ([]*MenuEntry, error) {
	var entries []*MenuEntry
	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], "menuentry")
		if idx < 0 {
			break
		}
		start := i + idx
		title, afterTitle, err := parseQuotedTitle(text, start+len("menuentry"))
		if err != nil {
			return nil, err
		}
		bodyStart := strings.IndexByte(text[afterTitle:], '{')
		if bodyStart < 0 {
			return nil, fmt.Errorf("menuentry %q: missing opening brace", title)
		}
		bodyStart += afterTitle + 1
		body, bodyEnd, err := scanBalancedBody(text, bodyStart)
		if err != nil {
			return nil, err
		}
		entry, err := parseMenuEntryBody(title, body)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		i = bodyEnd
	}
	return entries, nil
}

// parseQuotedTitle finds the first double-quoted string at or after pos,
// unescaping \" and \\, and returns the title and the offset just past the
// closing quote.
func parseQuotedTitle(text string, pos int) (string, int, error) {
	q := strings.IndexByte(text[pos:], '"')
	if q < 0 {
		return "", 0, fmt.Errorf("menuentry: missing opening quote")
	}
	start := pos + q + 1
	var sb strings.Builder
	i := start
	for i < len(text) {
		c := text[i]
		if c == '\\' && i+1 < len(text) && (text[i+1] == '"' || text[i+1] == '\\') {
			sb.WriteByte(text[i+1])
			i += 2
			continue
		}
		if c == '"' {
			return sb.String(), i + 1, nil
		}
		sb.WriteByte(c)
		i++
	}
	return "", 0, fmt.Errorf("menuentry: unterminated title")
}

// scanBalancedBody returns the text between the brace at openPos-1 (already
// consumed) and its matching close brace, tolerating nested and
// backslash-escaped braces, plus the offset just past the close brace.
func scanBalancedBody(text string, openPos int) (string, int, error) {
	depth := 1
	i := openPos
	for i < len(text) {
		c := text[i]
		switch {
		case c == '\\' && i+1 < len(text):
			i += 2
			continue
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[openPos:i], i + 1, nil
			}
		}
		i++
	}
	return "", 0, fmt.Errorf("menuentry: unbalanced braces")
}

func parseMenuEntryBody(title, body string) (*MenuEntry, error) {
	if title == "" {
		return nil, fmt.Errorf("menuentry: empty title")
	}
	entry := &MenuEntry{Title: title, Extra: map[string]string{}}
	for _, line := range strings.Split(body, "\n") {
		key, value, ok := splitKV(line)
		if !ok {
			continue
		}
		switch key {
		case "insmod":
			entry.Insmod = append(entry.Insmod, value)
		case "chainloader":
			entry.Chainloader = value
		case "search":
			entry.Search = value
		case "set":
			// ignored
		default:
			if _, seen := entry.Extra[key]; !seen {
				entry.extraKeys = append(entry.extraKeys, key)
			}
			entry.Extra[key] = value
		}
	}
	return entry, nil
}

// ExtraKeys returns the extra keys sorted by name (used by tests
// asserting the extra-key set survives a round trip).
func (m *MenuEntry) ExtraKeys() []string {
	keys := append([]string(nil), m.extraKeys...)
	sort.Strings(keys)
	return keys
}
