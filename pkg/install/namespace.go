package install

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// EnterPrivateMountNamespace unshares a new mount namespace for this
// process unless skip is set (BOOTC_SKIP_UNSHARE), so that the bind
// mirrors and tmpfs mount set up by PrepareEnvironment never leak back
// into the caller's namespace.
func EnterPrivateMountNamespace(skip bool) error {
	if skip {
		return nil
	}
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("unsharing mount namespace: %w", err)
	}
	// Without this, mount/unmount events inside our new namespace would
	// still propagate to and from the parent namespace's peer group.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mount tree private: %w", err)
	}
	return nil
}
