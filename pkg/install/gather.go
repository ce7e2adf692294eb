// Package install implements the top-level install-to-disk and
// install-to-filesystem pipelines: gathering source info, preparing the
// environment and target, pulling and committing the image, writing
// boot entries and state, and finalizing the target filesystems.
package install

import (
	"fmt"
	"os"
	"syscall"

	"github.com/rsturla/bootc/pkg/types"
)

// GatherSourceInfo builds a SourceInfo either from an explicit image
// reference (sourceImgref non-empty) or by inspecting the running
// container: this requires the host PID namespace (checked by /proc/1
// being uid 0 and this process not itself being pid 1) and a privileged,
// not rootless, container.
func GatherSourceInfo(sourceImgref string, selinuxPresent bool) (*types.SourceInfo, error) {
	if sourceImgref != "" {
		ref, err := ParseImageReference(sourceImgref)
		if err != nil {
			return nil, fmt.Errorf("parsing --source-imgref: %w", err)
		}
		return &types.SourceInfo{
			Image:                  ref.Canonicalize(),
			SELinuxPresentInSource: selinuxPresent,
		}, nil
	}

	inHostMountNS, err := runningInHostPIDNamespace()
	if err != nil {
		return nil, err
	}
	if !inHostMountNS {
		return nil, fmt.Errorf("no --source-imgref given and not running with host PID namespace access; cannot discover the running container's image")
	}

	ref, err := containersStorageSelfReference()
	if err != nil {
		return nil, fmt.Errorf("resolving running container's own image: %w", err)
	}
	return &types.SourceInfo{
		Image:                  ref.Canonicalize(),
		SELinuxPresentInSource: selinuxPresent,
		InHostMountNS:          true,
	}, nil
}

// runningInHostPIDNamespace reports whether /proc/1 is owned by root and
// this process is not itself pid 1: both conditions must hold for us to
// be running inside a privileged container sharing the host PID
// namespace rather than an unprivileged/rootless one.
func runningInHostPIDNamespace() (bool, error) {
	if os.Getpid() == 1 {
		return false, nil
	}
	info, err := os.Stat("/proc/1")
	if err != nil {
		return false, fmt.Errorf("statting /proc/1: %w", err)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Uid == 0, nil
	}
	return true, nil
}

// containersStorageSelfReference resolves the image backing the
// currently running container via the containers-storage transport. The
// real lookup shells out to the container-image-storage backend (out of
// scope per spec.md §1); this records the canonical reference shape it
// is expected to return.
func containersStorageSelfReference() (types.ImageReference, error) {
	env := os.Getenv("BOOTC_SELF_IMAGE")
	if env == "" {
		return types.ImageReference{}, fmt.Errorf("cannot determine running container's image reference: containers-storage backend is out of scope; set BOOTC_SELF_IMAGE for install-to-existing-root without --source-imgref")
	}
	return types.ImageReference{Transport: types.TransportContainersStorage, Image: env}, nil
}

// ParseImageReference parses a "<transport>:<image>" string, defaulting
// to the registry transport when no scheme is present.
func ParseImageReference(s string) (types.ImageReference, error) {
	for _, t := range []types.Transport{
		types.TransportRegistry, types.TransportContainersStorage, types.TransportOCI,
		types.TransportOCIArchive, types.TransportDir, types.TransportOstreeRemote,
	} {
		prefix := string(t) + ":"
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return types.ImageReference{Transport: t, Image: s[len(prefix):]}, nil
		}
	}
	if s == "" {
		return types.ImageReference{}, fmt.Errorf("empty image reference")
	}
	return types.ImageReference{Transport: types.TransportRegistry, Image: s}, nil
}
