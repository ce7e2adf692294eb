// Package types holds the value objects shared across the installer
// pipeline: image references, gathered source info, the target root
// setup, mount specs, and the user-visible status/spec records.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Transport is the scheme half of an ImageReference.
type Transport string

const (
	TransportRegistry        Transport = "registry"
	TransportContainersStorage Transport = "containers-storage"
	TransportOCI              Transport = "oci"
	TransportOCIArchive       Transport = "oci-archive"
	TransportDir              Transport = "dir"
	TransportOstreeRemote     Transport = "ostree-remote"
)

// ImageReference is a value type naming a container image. For the
// registry transport, if both a tag and digest are present the tag is
// dropped: digest pins uniquely, so carrying a tag alongside it is
// always redundant and sometimes actively misleading (the tag can move
// while the digest cannot).
type ImageReference struct {
	Transport Transport
	Image     string
	Signature string
}

// Canonicalize drops a registry-transport tag when a digest is also
// present, returning a new value (ImageReference is treated as
// immutable elsewhere).
func (r ImageReference) Canonicalize() ImageReference {
	if r.Transport != TransportRegistry {
		return r
	}
	at := strings.Index(r.Image, "@")
	if at < 0 {
		return r
	}
	name, digest := r.Image[:at], r.Image[at:]
	if colon := strings.LastIndex(name, ":"); colon > strings.LastIndex(name, "/") {
		name = name[:colon]
	}
	r.Image = name + digest
	return r
}

func (r ImageReference) String() string {
	return fmt.Sprintf("%s:%s", r.Transport, r.Image)
}

// SourceInfo is gathered once at install start and is immutable
// thereafter.
type SourceInfo struct {
	Image                  ImageReference
	Digest                 string
	SELinuxPresentInSource bool
	InHostMountNS          bool
}

// MountSpec is one fstab-like line: source, target, fstype (defaulting
// to "auto"), and mount options.
type MountSpec struct {
	Source  string
	Target  string
	FSType  string
	Options []string
}

// ParseMountSpec parses a single fstab-shaped line: "src tgt fs opts".
// A trailing dump/pass pair (as in a real fstab line) is accepted and
// ignored.
func ParseMountSpec(line string) (*MountSpec, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, fmt.Errorf("malformed mount spec line %q: need at least source, target, fstype", line)
	}
	ms := &MountSpec{Source: fields[0], Target: fields[1], FSType: fields[2]}
	if len(fields) >= 4 {
		ms.Options = strings.Split(fields[3], ",")
	}
	return ms, nil
}

// SourceUUID extracts the hex UUID from a `UUID=<…>` source, or "" if
// the source isn't UUID-addressed.
func (m *MountSpec) SourceUUID() string {
	const prefix = "UUID="
	if strings.HasPrefix(m.Source, prefix) {
		return strings.TrimPrefix(m.Source, prefix)
	}
	return ""
}

// String renders "src tgt fs opts 0 0", matching fstab's conventional
// dump/pass trailer.
func (m *MountSpec) String() string {
	fstype := m.FSType
	if fstype == "" {
		fstype = "auto"
	}
	opts := "defaults"
	if len(m.Options) > 0 {
		opts = strings.Join(m.Options, ",")
	}
	return fmt.Sprintf("%s %s %s %s 0 0", m.Source, m.Target, fstype, opts)
}

// RootSetup is created after target-disk preparation and consumed by
// the install-to-filesystem implementation. The orchestrator exclusively
// owns it until finalize.
type RootSetup struct {
	PhysicalRootPath string
	RootFSUUID       string
	BootMount        *MountSpec
	Kargs            []string
	SkipFinalize     bool
	LUKSDeviceName   string
}

// BootKind distinguishes the two supported boot schemes.
type BootKind string

const (
	BootKindBLS BootKind = "bls"
	BootKindUKI BootKind = "uki"
)

// DeploymentRole is the role a deployment currently plays, as derived
// from on-disk state at query time. A machine has at most one Booted,
// one Staged, and one Rollback; every other deployment is Other.
type DeploymentRole string

const (
	RoleBooted   DeploymentRole = "booted"
	RoleStaged   DeploymentRole = "staged"
	RoleRollback DeploymentRole = "rollback"
	RoleOther    DeploymentRole = "other"
)

// BootEntryStatus is the user-visible view of one on-disk deployment
// (not the importer's internal BootEntry in pkg/composefs, which is a
// pre-commit artifact). Nothing in this repository populates it yet.
type BootEntryStatus struct {
	ID                string
	Role              DeploymentRole
	Image             ImageReference
	Digest            string
	Arch              string
	Version           string
	Timestamp         time.Time
	OstreeCommit      string
	ComposefsVerity   string
	Pinned            bool
	SoftRebootCapable bool
	Incompatible      bool
	BootType          BootKind
}

// InstallAleph is the provenance record written once, at initial
// install, to /.bootc-aleph.json in the target root, and never mutated
// afterward.
type InstallAleph struct {
	Image     string    `json:"image"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Kernel    string    `json:"kernel"`
	SELinux   string    `json:"selinux"`
}

// MarshalCanonicalJSON renders a as two-space-indented JSON with keys in
// struct declaration order (fields are declared in the order they should
// render), followed by a single trailing newline.
func (a *InstallAleph) MarshalCanonicalJSON() ([]byte, error) {
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling aleph record: %w", err)
	}
	return append(b, '\n'), nil
}

// HostSpec is the user-supplied desired state: which image to track and
// how.
type HostSpec struct {
	Image             ImageReference `json:"image" yaml:"image"`
	SkipFinalize      bool           `json:"skipFinalize,omitempty" yaml:"skipFinalize,omitempty"`
	InsecureComposefs bool           `json:"insecureComposefs,omitempty" yaml:"insecureComposefs,omitempty"`
}

// HostStatus is the full user-visible status object: the host's
// configured HostSpec plus every known deployment.
type HostStatus struct {
	Spec       HostSpec          `json:"spec" yaml:"spec"`
	Booted     *BootEntryStatus  `json:"booted,omitempty" yaml:"booted,omitempty"`
	Staged     *BootEntryStatus  `json:"staged,omitempty" yaml:"staged,omitempty"`
	Rollback   *BootEntryStatus  `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	Other      []BootEntryStatus `json:"other,omitempty" yaml:"other,omitempty"`
}
