package install

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rsturla/bootc/pkg/blockdev"
	"github.com/rsturla/bootc/pkg/types"
)

// EmptyRootMode selects how aggressively EnforceEmptyRoot clears an
// existing root before installing into it.
type EmptyRootMode int

const (
	// EmptyRootDefault requires the target to already be empty except
	// for lost+found and an (optionally EFI-containing) empty boot/.
	EmptyRootDefault EmptyRootMode = iota
	// EmptyRootWipe recursively deletes everything under the target,
	// without crossing device boundaries.
	EmptyRootWipe
	// EmptyRootAlongside clears only /boot (and /boot/efi on EFI
	// architectures), leaving the rest of the target untouched.
	EmptyRootAlongside
)

// PrepareTargetFilesystem inspects an already-mounted target root for
// install-to-filesystem: verifies it is a mountpoint, resolves its
// filesystem UUID, detects a separate /boot mount, and composes the
// final kernel args.
func PrepareTargetFilesystem(fc *blockdev.Facade, root string, inheritKargs []string, btrfsSubvol string) (*types.RootSetup, error) {
	target, mounted := fc.FindMountpoint(root)
	if !mounted || target == "" {
		if _, statErr := os.Stat(root); statErr != nil {
			return nil, fmt.Errorf("target root %s does not exist: %w", root, statErr)
		}
		return nil, fmt.Errorf("target root %s is not a mountpoint", root)
	}

	rootDev, err := deviceBackingMount(fc, root)
	if err != nil {
		return nil, fmt.Errorf("resolving device backing %s: %w", root, err)
	}
	uuid, err := fc.BlkidUUID(rootDev)
	if err != nil {
		return nil, fmt.Errorf("resolving UUID of %s: %w", rootDev, err)
	}

	setup := &types.RootSetup{
		PhysicalRootPath: root,
		RootFSUUID:       uuid,
		Kargs:            []string{fmt.Sprintf("root=UUID=%s", uuid), "rw"},
	}
	if btrfsSubvol != "" {
		setup.Kargs = append(setup.Kargs, fmt.Sprintf("rootflags=subvol=%s", btrfsSubvol))
	}

	bootPath := filepath.Join(root, "boot")
	if bootTarget, bootMounted := fc.FindMountpoint(bootPath); bootMounted && bootTarget != "" {
		bootDev, err := deviceBackingMount(fc, bootPath)
		if err == nil {
			bootUUID, err := fc.BlkidUUID(bootDev)
			if err == nil {
				setup.BootMount = &types.MountSpec{Source: "UUID=" + bootUUID, Target: "/boot", FSType: "auto"}
				setup.Kargs = append(setup.Kargs, fmt.Sprintf("boot=UUID=%s", bootUUID))
			}
		}
	}

	setup.Kargs = append(setup.Kargs, inheritRdKargs(inheritKargs)...)
	return setup, nil
}

// deviceBackingMount walks up lsblk's inverse view of mountPath to find
// the physical disk/loop/mpath device it is backed by.
func deviceBackingMount(fc *blockdev.Facade, mountPath string) (string, error) {
	parents, err := fc.FindParentDevices(mountPath)
	if err != nil {
		return "", err
	}
	if len(parents) == 0 {
		return "", fmt.Errorf("no parent device found for %s", mountPath)
	}
	return parents[len(parents)-1], nil
}

// inheritRdKargs copies only rd.* kargs forward from a caller-supplied
// karg list (normally the running /proc/cmdline, when installing onto
// the already-booted root).
func inheritRdKargs(kargs []string) []string {
	var out []string
	for _, k := range kargs {
		if strings.HasPrefix(k, "rd.") {
			out = append(out, k)
		}
	}
	return out
}

// EnforceEmptyRoot validates or clears root per mode before the image is
// committed into it. Default mode requires root to contain at most
// lost+found and an empty boot/ (itself containing at most EFI and
// lost+found); wipe deletes everything under root without crossing
// mount/device boundaries; alongside clears only boot/ (and boot/efi).
func EnforceEmptyRoot(root string, mode EmptyRootMode) error {
	switch mode {
	case EmptyRootWipe:
		return wipeWithinDevice(root)
	case EmptyRootAlongside:
		return clearBootOnly(root)
	default:
		return requireEmpty(root)
	}
}

func requireEmpty(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("reading target root %s: %w", root, err)
	}
	for _, e := range entries {
		switch e.Name() {
		case "lost+found":
			continue
		case "boot":
			if err := requireEmptyBoot(filepath.Join(root, "boot")); err != nil {
				return err
			}
			continue
		default:
			return fmt.Errorf("target root %s is not empty: found %s", root, e.Name())
		}
	}
	return nil
}

func requireEmptyBoot(boot string) error {
	entries, err := os.ReadDir(boot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", boot, err)
	}
	for _, e := range entries {
		if e.Name() != "lost+found" && e.Name() != "EFI" {
			return fmt.Errorf("%s is not empty: found %s", boot, e.Name())
		}
	}
	return nil
}

func clearBootOnly(root string) error {
	boot := filepath.Join(root, "boot")
	entries, err := os.ReadDir(boot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", boot, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(boot, e.Name())); err != nil {
			return fmt.Errorf("clearing %s/%s: %w", boot, e.Name(), err)
		}
	}
	return nil
}

// wipeWithinDevice recursively removes everything under root, stopping
// at mount-point boundaries so a target root containing nested mounts
// (e.g. a pre-mounted /boot) doesn't have its storage device's sibling
// content destroyed.
func wipeWithinDevice(root string) error {
	rootDev, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("statting %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("reading %s: %w", root, err)
	}
	rootSys := deviceID(rootDev)
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		info, err := os.Lstat(path)
		if err != nil {
			continue
		}
		if deviceID(info) != rootSys {
			continue // crosses a device boundary: leave it mounted and alone
		}
		if info.IsDir() {
			if err := wipeWithinDevice(path); err != nil {
				return err
			}
			// ENOTEMPTY here means a nested mount was left in place below.
			if err := os.Remove(path); err != nil && !errors.Is(err, syscall.ENOTEMPTY) {
				return fmt.Errorf("wiping %s: %w", path, err)
			}
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("wiping %s: %w", path, err)
		}
	}
	return nil
}

// deviceID extracts the st_dev field identifying which filesystem an
// entry lives on, so wipeWithinDevice can detect a mount-point boundary.
func deviceID(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev)
	}
	return 0
}
