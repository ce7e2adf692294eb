package install

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"k8s.io/mount-utils"

	"github.com/rsturla/bootc/internal/logx"
)

// tmpfsMagic is statfs's f_type value for a tmpfs mount (TMPFS_MAGIC).
const tmpfsMagic = 0x01021994

// bindMirrors are host-namespace directories that must be visible
// inside the install environment so that device nodes and large writes
// land on host storage rather than inside an ephemeral container
// filesystem.
var bindMirrors = []string{"/dev", "/var/lib/containers", "/var/tmp"}

// PrepareEnvironment idempotently bind-mirrors host directories, ensures
// /tmp is a real tmpfs, and mounts efivarfs/selinuxfs if the host
// exposes them. Every step is safe to run again: bind mounts are
// skipped if the target is already the same mount, tmpfs is only
// (re)mounted if /tmp isn't one already.
func PrepareEnvironment(mounter mount.Interface, log *logx.Logger) error {
	if log == nil {
		log = logx.Default()
	}
	for _, dir := range bindMirrors {
		notMnt, err := mount.IsNotMountPoint(mounter, dir)
		if err != nil {
			return fmt.Errorf("checking mount state of %s: %w", dir, err)
		}
		if !notMnt {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating bind-mirror target %s: %w", dir, err)
		}
		if err := mounter.Mount("/proc/1/root"+dir, dir, "", []string{"bind"}); err != nil {
			return fmt.Errorf("bind-mirroring %s: %w", dir, err)
		}
		log.Debugf("bind-mirrored %s from host namespace", dir)
	}

	if err := ensureTmpfsTmp(mounter, log); err != nil {
		return err
	}

	for _, m := range []struct{ path, fstype string }{
		{"/sys/firmware/efi/efivars", "efivarfs"},
		{"/sys/fs/selinux", "selinuxfs"},
	} {
		if _, err := os.Stat(m.path); err != nil {
			continue // not present on this host/architecture; not an error
		}
		notMnt, err := mount.IsNotMountPoint(mounter, m.path)
		if err != nil {
			return fmt.Errorf("checking mount state of %s: %w", m.path, err)
		}
		if !notMnt {
			continue
		}
		if err := mounter.Mount(m.fstype, m.path, m.fstype, nil); err != nil {
			log.Warnf("mounting %s at %s: %v (continuing without it)", m.fstype, m.path, err)
			continue
		}
		log.Debugf("mounted %s at %s", m.fstype, m.path)
	}
	return nil
}

func ensureTmpfsTmp(mounter mount.Interface, log *logx.Logger) error {
	var st unix.Statfs_t
	if err := unix.Statfs("/tmp", &st); err != nil {
		return fmt.Errorf("statfs /tmp: %w", err)
	}
	if int64(st.Type) == tmpfsMagic {
		return nil
	}
	if err := mounter.Mount("tmpfs", "/tmp", "tmpfs", nil); err != nil {
		return fmt.Errorf("mounting tmpfs at /tmp: %w", err)
	}
	log.Debugf("mounted tmpfs at /tmp")
	return nil
}
