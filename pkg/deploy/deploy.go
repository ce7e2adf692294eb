// Package deploy writes boot entries and the per-deployment state
// directory once an image has been pulled and committed: either BLS
// text entries (kernel/initrd copied under /boot/<id>/) or UKI entries
// (EFI binary written to the ESP), plus the .origin ini file, the
// staged-deployment marker, and GRUB's efiuuid.cfg/user.cfg fragments.
package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/rsturla/bootc/internal/atomicfile"
	"github.com/rsturla/bootc/internal/logx"
	"github.com/rsturla/bootc/pkg/bootconfig"
)

const (
	cmdlineKargComposefs = "composefs"
	kargRW               = "rw"

	bootLoaderEntriesDir       = "entries"
	stagedBootLoaderEntriesDir = "entries.staged"

	stagedDeploymentMarker = "/run/composefs/staged-deployment"
)

// Manager writes boot entries and state for one physical root.
type Manager struct {
	// Root is the physical root path ("/" for install-to-existing-root,
	// or the target mountpoint for install-to-disk/filesystem).
	Root   string
	Logger *logx.Logger
}

// New returns a Manager rooted at root.
func New(root string, log *logx.Logger) *Manager {
	if log == nil {
		log = logx.Default()
	}
	return &Manager{Root: root, Logger: log}
}

func (m *Manager) bootDir() string  { return filepath.Join(m.Root, "boot") }
func (m *Manager) stateDir() string { return filepath.Join(m.Root, "state", "deploy") }

// ComputeBootDigest hashes vmlinuz's bytes followed by every initrd's
// bytes, in order, returning the hex digest used as the dedup key and
// recorded as the [boot] digest in the deployment's origin file.
func ComputeBootDigest(vmlinuz io.Reader, initrds ...io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, vmlinuz); err != nil {
		return "", fmt.Errorf("hashing vmlinuz: %w", err)
	}
	for _, r := range initrds {
		if _, err := io.Copy(h, r); err != nil {
			return "", fmt.Errorf("hashing initrd: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FindBootDigestDuplicate scans every <root>/state/deploy/<id>/<id>.origin
// file for a matching "[boot] digest=" value, returning the id of the
// first match. Deployments sharing a boot digest share their
// /boot/<id>/{vmlinuz,initrd} files rather than duplicating them on disk.
func (m *Manager) FindBootDigestDuplicate(digest string) (string, bool, error) {
	entries, err := os.ReadDir(m.stateDir())
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading state directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		origin, err := m.ReadOrigin(id)
		if err != nil {
			continue
		}
		if origin.BootType == BootTypeBLS && origin.Digest == digest {
			return id, true, nil
		}
	}
	return "", false, nil
}

// Origin describes a deployment's generating source, recorded in
// <state>/<id>/<id>.origin at creation time.
type Origin struct {
	Container string
	BootType  string // "bls" or "uki"
	Digest    string // hex, only meaningful when BootType == "bls"
}

// BootTypeBLS and BootTypeUKI are the two values an origin file's
// [boot] boot_type key may hold.
const (
	BootTypeBLS = "bls"
	BootTypeUKI = "uki"
)

// WriteOrigin writes <state>/<id>/<id>.origin atomically.
func (m *Manager) WriteOrigin(id string, o Origin) error {
	cfg := ini.Empty()
	origin, err := cfg.NewSection("origin")
	if err != nil {
		return err
	}
	if _, err := origin.NewKey("container", o.Container); err != nil {
		return err
	}
	boot, err := cfg.NewSection("boot")
	if err != nil {
		return err
	}
	if _, err := boot.NewKey("boot_type", o.BootType); err != nil {
		return err
	}
	if o.BootType == BootTypeBLS {
		if _, err := boot.NewKey("digest", o.Digest); err != nil {
			return err
		}
	}

	var buf strings.Builder
	if _, err := cfg.WriteTo(&buf); err != nil {
		return fmt.Errorf("rendering origin file: %w", err)
	}
	path := filepath.Join(m.stateDir(), id, id+".origin")
	return atomicfile.Write(path, []byte(buf.String()), 0o644)
}

// ReadOrigin reads and parses <state>/<id>/<id>.origin.
func (m *Manager) ReadOrigin(id string) (*Origin, error) {
	path := filepath.Join(m.stateDir(), id, id+".origin")
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("reading origin file %s: %w", path, err)
	}
	o := &Origin{
		Container: cfg.Section("origin").Key("container").String(),
		BootType:  cfg.Section("boot").Key("boot_type").String(),
		Digest:    cfg.Section("boot").Key("digest").String(),
	}
	return o, nil
}

// EnsureStateDir creates <state>/<id>/{etc/upper,etc/work} and a `var`
// symlink pointing at the shared /var, then writes the origin file. It
// is safe to call again for the same id (MkdirAll is idempotent; the
// symlink is only created if absent).
func (m *Manager) EnsureStateDir(id string, o Origin) error {
	dir := filepath.Join(m.stateDir(), id)
	for _, sub := range []string{"etc/upper", "etc/work"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("creating state dir %s/%s: %w", dir, sub, err)
		}
	}
	varLink := filepath.Join(dir, "var")
	if _, err := os.Lstat(varLink); os.IsNotExist(err) {
		if err := os.Symlink(filepath.Join(m.Root, "var"), varLink); err != nil {
			return fmt.Errorf("creating var symlink for %s: %w", id, err)
		}
	}
	if err := atomicfile.SyncDir(dir); err != nil {
		return fmt.Errorf("fsyncing state dir %s: %w", dir, err)
	}
	return m.WriteOrigin(id, o)
}

// MarkStaged records id as the staged deployment for status readers.
func (m *Manager) MarkStaged(id string) error {
	return atomicfile.Write(stagedDeploymentMarker, []byte(id+"\n"), 0o644)
}

func composefsKarg(idHex string, insecure bool) string {
	if insecure {
		return fmt.Sprintf("%s=?%s", cmdlineKargComposefs, idHex)
	}
	return fmt.Sprintf("%s=%s", cmdlineKargComposefs, idHex)
}

// BLSWriteRequest carries everything WriteBLSEntry needs to write one
// BLS-path deployment.
type BLSWriteRequest struct {
	ID          string
	Vmlinuz     io.Reader // nil if this deployment dedups onto DuplicateOf
	Initrd      io.Reader
	DuplicateOf string // non-empty: reuse /boot/<DuplicateOf>/{vmlinuz,initrd}
	RootKargs   []string
	Insecure    bool
	IsUpgrade   bool
	// BootedEntryID identifies the currently-booted entry that must be
	// demoted to sort_key "0" when staging an upgrade.
	BootedEntryID string
}

// WriteBLSEntry implements the BLS path of §4.5: it writes (or dedups)
// /boot/<id>/{vmlinuz,initrd}, builds a BLSConfig with sort_key "1" for
// the new entry, and for an upgrade also rewrites the previously-booted
// entry's config with sort_key "0" so the new entry is listed first.
// Both configs are emitted into loader/entries.staged/ on upgrade (to be
// atomically promoted to loader/entries/ by a separate out-of-scope
// service at shutdown), or directly into loader/entries/ on install.
func (m *Manager) WriteBLSEntry(req BLSWriteRequest) error {
	linux := fmt.Sprintf("/boot/%s/vmlinuz", req.ID)
	initrd := fmt.Sprintf("/boot/%s/initrd", req.ID)

	if req.DuplicateOf != "" {
		linux = fmt.Sprintf("/boot/%s/vmlinuz", req.DuplicateOf)
		initrd = fmt.Sprintf("/boot/%s/initrd", req.DuplicateOf)
	} else {
		dir := filepath.Join(m.bootDir(), req.ID)
		if err := writeAtomicFromReader(filepath.Join(dir, "vmlinuz"), req.Vmlinuz); err != nil {
			return fmt.Errorf("writing vmlinuz for %s: %w", req.ID, err)
		}
		if err := writeAtomicFromReader(filepath.Join(dir, "initrd"), req.Initrd); err != nil {
			return fmt.Errorf("writing initrd for %s: %w", req.ID, err)
		}
		if err := atomicfile.SyncDir(dir); err != nil {
			return fmt.Errorf("fsyncing %s: %w", dir, err)
		}
	}

	options := strings.Join(req.RootKargs, " ")
	if options != "" {
		options += " "
	}
	options += kargRW + " " + composefsKarg(req.ID, req.Insecure)

	newEntry := &bootconfig.BLSConfig{
		Title:      req.ID,
		Version:    req.ID,
		SortKey:    "1",
		Linux:      linux,
		Initrd:     []string{initrd},
		Options:    options,
		HasOptions: true,
	}

	entriesSub := bootLoaderEntriesDir
	var demoted *bootconfig.BLSConfig
	if req.IsUpgrade {
		entriesSub = stagedBootLoaderEntriesDir
		if req.BootedEntryID != "" {
			booted, err := m.readEntryConfig(bootLoaderEntriesDir, req.BootedEntryID)
			if err == nil {
				booted.SortKey = "0"
				demoted = booted
			}
		}
	}

	entriesDir := filepath.Join(m.bootDir(), "loader", entriesSub)
	if err := os.MkdirAll(entriesDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", entriesDir, err)
	}
	if err := atomicfile.Write(
		filepath.Join(entriesDir, fmt.Sprintf("bootc-composefs-%s.conf", newEntry.SortKey)),
		[]byte(newEntry.String()), 0o644,
	); err != nil {
		return fmt.Errorf("writing BLS entry for %s: %w", req.ID, err)
	}
	if demoted != nil {
		if err := atomicfile.Write(
			filepath.Join(entriesDir, fmt.Sprintf("bootc-composefs-%s.conf", demoted.SortKey)),
			[]byte(demoted.String()), 0o644,
		); err != nil {
			return fmt.Errorf("writing demoted booted BLS entry: %w", err)
		}
	}
	return atomicfile.SyncDir(entriesDir)
}

func (m *Manager) readEntryConfig(sub, id string) (*bootconfig.BLSConfig, error) {
	entriesDir := filepath.Join(m.bootDir(), "loader", sub)
	matches, err := filepath.Glob(filepath.Join(entriesDir, "bootc-composefs-*.conf"))
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		cfg, err := bootconfig.ParseBLSConfig(string(b))
		if err != nil {
			continue
		}
		if cfg.Title == id || cfg.Version == id {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("no entry found for booted id %s under %s", id, entriesDir)
}

func writeAtomicFromReader(path string, r io.Reader) error {
	if r == nil {
		return fmt.Errorf("nil content reader for %s", path)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return atomicfile.Write(path, data, 0o644)
}
