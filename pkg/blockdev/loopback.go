package blockdev

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/rsturla/bootc/internal/logx"
	"github.com/rsturla/bootc/internal/runner"
)

// CleanupHelperEnv gates the hidden `loopback-cleanup-helper` subcommand;
// the subcommand's action in cmd/bootc refuses to run unless it is set.
const CleanupHelperEnv = "BOOTC_LOOPBACK_CLEANUP_HELPER"

// DirectIOEnv selects --direct-io=on|off for losetup.
const DirectIOEnv = "BOOTC_DIRECT_IO"

// LoopbackDevice owns a /dev/loopN binding created via losetup, plus an
// optional child process that releases the device if this process dies
// unexpectedly.
type LoopbackDevice struct {
	device string
	runner runner.Runner
	logger *logx.Logger
	helper *exec.Cmd

	mu     sync.Mutex
	closed bool
}

// SelfExecPath returns the path to re-exec for the cleanup helper; callers
// (normally the install orchestrator) pass os.Args[0] resolved via
// os.Executable.
func SelfExecPath() (string, error) {
	p, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving self executable path: %w", err)
	}
	return p, nil
}

// NewLoopbackDevice runs `losetup --show --direct-io=<on|off> -P --find
// <path>` to allocate a loop device for path, then best-effort spawns a
// cleanup helper: a re-exec of selfExec with "loopback-cleanup-helper
// --device <loop>", which sets its parent-death signal to SIGTERM and runs
// `losetup -d` if it receives it. Helper-spawn failure is logged but
// non-fatal, matching spec.md's contract that the helper is a crash-safety
// net, not a correctness requirement.
func NewLoopbackDevice(r runner.Runner, log *logx.Logger, selfExec, path string) (*LoopbackDevice, error) {
	if log == nil {
		log = logx.Default()
	}
	directIO := "off"
	if os.Getenv(DirectIOEnv) == "on" {
		directIO = "on"
	}
	out, err := r.Run("losetup", "--show", fmt.Sprintf("--direct-io=%s", directIO), "-P", "--find", path)
	if err != nil {
		return nil, fmt.Errorf("losetup --find %s: %w: %s", path, err, out)
	}
	dev := strings.TrimSpace(string(out))
	if dev == "" {
		return nil, fmt.Errorf("losetup --find %s: no device returned", path)
	}

	ld := &LoopbackDevice{device: dev, runner: r, logger: log}
	if selfExec == "" {
		log.Warnf("no self-exec path available, skipping loopback cleanup helper for %s", dev)
		return ld, nil
	}
	helper := exec.Command(selfExec, "loopback-cleanup-helper", "--device", dev)
	helper.Env = append(os.Environ(), CleanupHelperEnv+"=1")
	helper.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
	if err := helper.Start(); err != nil {
		log.Warnf("failed to spawn loopback cleanup helper for %s: %v", dev, err)
		return ld, nil
	}
	ld.helper = helper
	return ld, nil
}

// Device returns the allocated /dev/loopN path.
func (l *LoopbackDevice) Device() string { return l.device }

// Close releases the loop device via `losetup -d` and terminates the
// cleanup helper (best-effort). Close is idempotent: a second call is a
// no-op and issues no further `losetup -d`.
func (l *LoopbackDevice) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var err error
	if out, rerr := l.runner.Run("losetup", "-d", l.device); rerr != nil {
		err = fmt.Errorf("losetup -d %s: %w: %s", l.device, rerr, out)
	}
	if l.helper != nil && l.helper.Process != nil {
		_ = l.helper.Process.Kill()
		_, _ = l.helper.Process.Wait()
	}
	return err
}

// RunCleanupHelper implements the `loopback-cleanup-helper --device <loop>`
// subcommand: it blocks until it receives a signal on sig (normally
// SIGTERM delivered via PR_SET_PDEATHSIG when the parent dies), then
// runs `losetup -d` on device as a last resort.
func RunCleanupHelper(r runner.Runner, log *logx.Logger, device string, sig <-chan os.Signal) {
	<-sig
	if log != nil {
		log.Infof("loopback cleanup helper: parent died, releasing %s", device)
	}
	if out, err := r.Run("losetup", "-d", device); err != nil && log != nil {
		log.Errorf("loopback cleanup helper: losetup -d %s failed: %v: %s", device, err, out)
	}
}
