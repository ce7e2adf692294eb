package install

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rsturla/bootc/internal/atomicfile"
	"github.com/rsturla/bootc/pkg/types"
)

const alephPath = ".bootc-aleph.json"

// WriteAleph writes /.bootc-aleph.json in the target root once, at
// initial install. It is never rewritten afterward: upgrades leave it
// untouched as the provenance record of how the machine was first
// installed.
func WriteAleph(targetRoot string, source types.SourceInfo, version string, selinuxState SELinuxState, now time.Time) error {
	kernel, err := runningKernelRelease()
	if err != nil {
		return fmt.Errorf("determining running kernel release: %w", err)
	}
	aleph := &types.InstallAleph{
		Image:     source.Image.String(),
		Version:   version,
		Timestamp: now,
		Kernel:    kernel,
		SELinux:   selinuxStateString(selinuxState),
	}
	data, err := aleph.MarshalCanonicalJSON()
	if err != nil {
		return err
	}
	return atomicfile.Write(filepath.Join(targetRoot, alephPath), data, 0o644)
}

func selinuxStateString(s SELinuxState) string {
	switch s {
	case SELinuxMatched:
		return "enabled"
	case SELinuxHostDisabled:
		return "host-disabled"
	case SELinuxForceTargetDisabled:
		return "force-disabled"
	default:
		return "not-needed"
	}
}

// runningKernelRelease runs `uname -r`, matching the aleph record's
// "kernel" field contract: the running kernel at install time, not the
// target image's kernel.
func runningKernelRelease() (string, error) {
	out, err := exec.Command("uname", "-r").Output()
	if err != nil {
		return "", fmt.Errorf("uname -r: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// WriteFstab writes /etc/fstab for the target root: one line for /boot
// when a separate boot mount was detected, marked ro since /boot is
// only ever written atomically by the boot-entry manager, never
// mounted rw by the running system.
func WriteFstab(targetRoot string, boot *types.MountSpec) error {
	if boot == nil {
		return nil
	}
	spec := *boot
	spec.Options = append(append([]string{}, spec.Options...), "ro")
	content := "# Generated at install time.\n" + spec.String() + "\n"
	return atomicfile.Write(filepath.Join(targetRoot, "etc", "fstab"), []byte(content), 0o644)
}

const rootSSHTmpfilesSnippet = `d /root/.ssh 0700 root root -
f /root/.ssh/authorized_keys 0600 root root -
`

// InjectRootSSHTmpfiles writes etc/tmpfiles.d/bootc-root-ssh.conf so
// systemd-tmpfiles creates /root/.ssh with the right mode on first
// boot; it does not itself write any key material.
func InjectRootSSHTmpfiles(targetRoot string) error {
	path := filepath.Join(targetRoot, "etc", "tmpfiles.d", "bootc-root-ssh.conf")
	return atomicfile.Write(path, []byte(rootSSHTmpfilesSnippet), 0o644)
}
