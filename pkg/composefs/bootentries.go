package composefs

import (
	"fmt"
	"regexp"
	"sort"
)

// BootEntryKind tags the shape of a discovered BootEntry.
type BootEntryKind int

const (
	// BootEntryType1 is a BLS entry with explicit linux/initrd paths
	// supplied directly by the caller. Reserved: this importer never
	// produces one itself, only UsrLibModulesVmLinuz below.
	BootEntryType1 BootEntryKind = iota
	// BootEntryType2 is a standalone UKI with an embedded cmdline.
	BootEntryType2
	// BootEntryUsrLibModulesUki is a UKI found under
	// /usr/lib/modules/<kver>/*.efi.
	BootEntryUsrLibModulesUki
	// BootEntryUsrLibModulesVmLinuz is a vmlinuz+initramfs pair found
	// under /usr/lib/modules/<kver>/.
	BootEntryUsrLibModulesVmLinuz
)

// BootEntry is one bootable artifact extracted from an imported image
// tree by TransformForBoot.
type BootEntry struct {
	Kind         BootEntryKind
	KernelRelease string // <kver> from /usr/lib/modules/<kver>

	// UsrLibModulesVmLinuz
	VmlinuzPath string
	InitrdPaths []string // sorted; the first one becomes InitrdObject

	// UsrLibModulesUki / Type2
	UkiPath   string
	UkiObject string

	// Linux/Initrd are the object-store digests of VmlinuzPath and the
	// first of InitrdPaths, filled in by TransformForBoot.
	LinuxObject  string
	InitrdObject string
}

var (
	vmlinuzRe  = regexp.MustCompile(`^usr/lib/modules/([^/]+)/vmlinuz$`)
	initramfsRe = regexp.MustCompile(`^usr/lib/modules/([^/]+)/initramfs-.*$`)
	ukiRe      = regexp.MustCompile(`^usr/lib/modules/([^/]+)/[^/]+\.efi$`)
)

// TransformForBoot scans a flattened image tree for kernel/initramfs pairs
// and UKIs under /usr/lib/modules/<kver>/, producing one vmlinuz
// BootEntry per kernel release that has a vmlinuz and one UKI BootEntry
// per *.efi file. A release with both a vmlinuz and at least one
// *.efi is reported as both kinds: the caller (install orchestrator)
// picks UKI over BLS when both are present, per the target's boot
// protocol.
func TransformForBoot(result *ImportResult) ([]*BootEntry, error) {
	type perRelease struct {
		vmlinuz  string
		initrds  []string
		ukis     []string
	}
	releases := map[string]*perRelease{}

	paths := make([]string, 0, len(result.Entries))
	for p, e := range result.Entries {
		if e.Kind != TreeEntryRegular {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if m := vmlinuzRe.FindStringSubmatch(p); m != nil {
			rel := releases[m[1]]
			if rel == nil {
				rel = &perRelease{}
				releases[m[1]] = rel
			}
			rel.vmlinuz = p
			continue
		}
		if m := initramfsRe.FindStringSubmatch(p); m != nil {
			rel := releases[m[1]]
			if rel == nil {
				rel = &perRelease{}
				releases[m[1]] = rel
			}
			rel.initrds = append(rel.initrds, p)
			continue
		}
		if m := ukiRe.FindStringSubmatch(p); m != nil {
			rel := releases[m[1]]
			if rel == nil {
				rel = &perRelease{}
				releases[m[1]] = rel
			}
			rel.ukis = append(rel.ukis, p)
			continue
		}
	}

	var entries []*BootEntry
	kvers := make([]string, 0, len(releases))
	for k := range releases {
		kvers = append(kvers, k)
	}
	sort.Strings(kvers)

	for _, kver := range kvers {
		rel := releases[kver]
		if rel.vmlinuz != "" {
			sort.Strings(rel.initrds)
			vmlinuzEntry := result.Entries[rel.vmlinuz]
			e := &BootEntry{
				Kind:          BootEntryUsrLibModulesVmLinuz,
				KernelRelease: kver,
				VmlinuzPath:   rel.vmlinuz,
				InitrdPaths:   rel.initrds,
				LinuxObject:   vmlinuzEntry.ObjectHash,
			}
			if len(rel.initrds) > 0 {
				e.InitrdObject = result.Entries[rel.initrds[0]].ObjectHash
			}
			entries = append(entries, e)
		}
		for _, uki := range rel.ukis {
			entries = append(entries, &BootEntry{
				Kind:          BootEntryUsrLibModulesUki,
				KernelRelease: kver,
				UkiPath:       uki,
				UkiObject:     result.Entries[uki].ObjectHash,
			})
		}
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("no boot entries found under usr/lib/modules/*")
	}
	return entries, nil
}

// Label returns a short human string for logging, e.g. "vmlinuz+initrd
// 6.0.0" or "uki 6.0.0".
func (e *BootEntry) Label() string {
	switch e.Kind {
	case BootEntryUsrLibModulesVmLinuz:
		return "vmlinuz+initrd " + e.KernelRelease
	case BootEntryUsrLibModulesUki:
		return "uki " + e.KernelRelease
	case BootEntryType2:
		return "uki (standalone)"
	default:
		return "bls (explicit)"
	}
}
