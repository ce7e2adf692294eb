package install

import (
	"fmt"
	"runtime"

	"github.com/rsturla/bootc/internal/runner"
)

// InstallBootloader invokes the external bootloader helper appropriate
// to the host architecture: bootupd on x86_64/aarch64, zipl on s390x.
// Both are out-of-scope collaborators (spec.md §1); this only shells
// out to them. bootupd is given only the partition table device; zipl
// is given the device and deploymentPath. physicalRoot is not passed
// to either helper.
func InstallBootloader(r runner.Runner, device, physicalRoot, deploymentPath string) error {
	switch runtime.GOARCH {
	case "amd64", "arm64":
		out, err := r.Run("bootupd", "install", "--auto", "--device", device, "--write-uuid")
		if err != nil {
			return fmt.Errorf("bootupd install on %s: %w: %s", device, err, out)
		}
		return nil
	case "s390x":
		out, err := r.Run("zipl", "--targetbase", device, "--image", deploymentPath)
		if err != nil {
			return fmt.Errorf("zipl --targetbase %s: %w: %s", device, err, out)
		}
		return nil
	default:
		return fmt.Errorf("no bootloader helper known for architecture %s", runtime.GOARCH)
	}
}
