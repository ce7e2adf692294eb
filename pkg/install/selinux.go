package install

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/rsturla/bootc/internal/logx"
)

// SELinuxState is the resolved combination of host and target SELinux
// support for this install.
type SELinuxState int

const (
	// SELinuxMatched: host has SELinux, target ships labels, we will
	// re-exec into install_t.
	SELinuxMatched SELinuxState = iota
	// SELinuxHostDisabled: host has no SELinux but the target needs
	// labels; proceed without relabeling.
	SELinuxHostDisabled
	// SELinuxForceTargetDisabled: caller overrode; selinux=0 is added to
	// the final kargs.
	SELinuxForceTargetDisabled
	// SELinuxNotNeeded: target carries no SELinux labels.
	SELinuxNotNeeded
)

const selinuxFSMagicPath = "/sys/fs/selinux"

// HostSELinuxEnabled reports whether the host kernel has SELinux
// enabled, by checking whether selinuxfs is mounted and its "enforce"
// node is readable.
func HostSELinuxEnabled() bool {
	_, err := os.Stat(selinuxFSMagicPath + "/enforce")
	return err == nil
}

// ResolveSELinuxState decides the SELinux handling for this install.
func ResolveSELinuxState(targetHasLabels, forceDisable bool) SELinuxState {
	if forceDisable {
		return SELinuxForceTargetDisabled
	}
	if !targetHasLabels {
		return SELinuxNotNeeded
	}
	if HostSELinuxEnabled() {
		return SELinuxMatched
	}
	return SELinuxHostDisabled
}

// ReexecForSELinux re-execs the current process under the install_t
// SELinux context via runcon, guarded by guardEnv so it only happens
// once. It returns (true, nil) if it performed the re-exec (the caller
// should treat this as "never returns": exec replaces the process
// image), or (false, nil) if the guard was already set.
func ReexecForSELinux(guardEnv string, log *logx.Logger) (bool, error) {
	if log == nil {
		log = logx.Default()
	}
	if os.Getenv(guardEnv) != "" {
		return false, nil
	}
	self, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("resolving self executable for SELinux re-exec: %w", err)
	}
	runcon, err := exec.LookPath("runcon")
	if err != nil {
		return false, fmt.Errorf("runcon not found: %w", err)
	}
	args := append([]string{runcon, "-t", "install_t"}, append([]string{self}, os.Args[1:]...)...)
	env := append(os.Environ(), guardEnv+"=1")
	log.Debugf("re-executing under install_t via runcon")
	return true, syscall.Exec(runcon, args, env)
}
