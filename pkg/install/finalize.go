package install

import (
	"fmt"

	"github.com/rsturla/bootc/internal/logx"
	"github.com/rsturla/bootc/internal/runner"
)

// Finalize runs the end-of-install filesystem settling steps on every
// mounted target filesystem: fstrim (ignoring filesystems that don't
// support it), remount read-only, then freeze/thaw to force the
// journal out to disk before the caller unmounts. Skipped entirely when
// skipFinalize is set (the caller's --skip-finalize).
func Finalize(r runner.Runner, mountpoints []string, skipFinalize bool, log *logx.Logger) error {
	if skipFinalize {
		return nil
	}
	if log == nil {
		log = logx.Default()
	}
	for _, mp := range mountpoints {
		if out, err := r.Run("fstrim", "--quiet-unsupported", mp); err != nil {
			log.Warnf("fstrim %s: %v: %s", mp, err, out)
		}
		if out, err := r.Run("mount", "-o", "remount,ro", mp); err != nil {
			return fmt.Errorf("remounting %s read-only: %w: %s", mp, err, out)
		}
		if out, err := r.Run("fsfreeze", "-f", mp); err != nil {
			return fmt.Errorf("freezing %s: %w: %s", mp, err, out)
		}
		if out, err := r.Run("fsfreeze", "-u", mp); err != nil {
			return fmt.Errorf("thawing %s: %w: %s", mp, err, out)
		}
		log.Debugf("finalized %s: trimmed, remounted ro, journal flushed", mp)
	}
	return nil
}

// Teardown releases resources the orchestrator owns: unmounts target
// filesystems (reverse order, typically boot before root), closes any
// LUKS mapping, and releases any loopback device. All steps are still
// attempted after a failure so the rest isn't leaked; the first error
// encountered is returned and every error is logged.
func Teardown(r runner.Runner, mountpoints []string, luksDeviceName string, loop interface{ Close() error }, log *logx.Logger) error {
	if log == nil {
		log = logx.Default()
	}
	var firstErr error
	for i := len(mountpoints) - 1; i >= 0; i-- {
		if out, err := r.Run("umount", mountpoints[i]); err != nil {
			log.Errorf("unmounting %s: %v: %s", mountpoints[i], err, out)
			if firstErr == nil {
				firstErr = fmt.Errorf("unmounting %s: %w", mountpoints[i], err)
			}
		}
	}
	if luksDeviceName != "" {
		if out, err := r.Run("cryptsetup", "close", luksDeviceName); err != nil {
			log.Errorf("closing LUKS device %s: %v: %s", luksDeviceName, err, out)
			if firstErr == nil {
				firstErr = fmt.Errorf("closing LUKS device %s: %w", luksDeviceName, err)
			}
		}
	}
	if loop != nil {
		if err := loop.Close(); err != nil {
			log.Errorf("releasing loopback device: %v", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("releasing loopback device: %w", err)
			}
		}
	}
	return firstErr
}
