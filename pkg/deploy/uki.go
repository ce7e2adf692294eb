package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rsturla/bootc/internal/atomicfile"
	"github.com/rsturla/bootc/internal/runner"
	"github.com/rsturla/bootc/pkg/bootconfig"
)

const (
	userCfg       = "user.cfg"
	userCfgStaged = "user.cfg.staged"
	efiUUIDCfg    = "efiuuid.cfg"
)

// UKIWriteRequest carries everything WriteUKIEntry needs for the UKI
// path of §4.5.
type UKIWriteRequest struct {
	ID             string
	UKIContent     []byte
	EmbeddedCmdline string // extracted by the caller (pkg/install) from the UKI's .cmdline PE section
	Insecure       bool
	IsUpgrade      bool

	// ESP mount parameters.
	ESPDevice   string
	ESPMounted  bool   // true if already mounted at ESPMountpoint
	ESPMountpoint string
	ESPUUID     string
}

// WriteUKIEntry mounts the ESP if needed, writes EFI/Linux/<id>.efi
// atomically, then writes GRUB's efiuuid.cfg and user.cfg (or
// user.cfg.staged on upgrade) so the firmware/GRUB chain loads the new
// UKI on next boot. It validates, but does not enforce, that the UKI's
// embedded cmdline carries a matching composefs= karg: a mismatch
// between the caller's insecure flag and the embedded one is only ever
// a warning, never a failure, per spec.
func (m *Manager) WriteUKIEntry(r runner.Runner, req UKIWriteRequest) error {
	wantKarg := composefsKarg(req.ID, req.Insecure)
	if !strings.Contains(req.EmbeddedCmdline, "composefs="+req.ID) &&
		!strings.Contains(req.EmbeddedCmdline, "composefs=?"+req.ID) {
		m.Logger.Warnf("UKI %s embedded cmdline does not reference composefs=%s", req.ID, req.ID)
	} else if !strings.Contains(req.EmbeddedCmdline, wantKarg) {
		m.Logger.Warnf("UKI %s embedded cmdline insecure flag does not match install-time request (%s)", req.ID, wantKarg)
	}

	espRoot := filepath.Join(m.Root, "esp")
	mountedHere := false
	if !req.ESPMounted {
		if err := os.MkdirAll(espRoot, 0o755); err != nil {
			return fmt.Errorf("creating ESP mountpoint %s: %w", espRoot, err)
		}
		if out, err := r.Run("mount", req.ESPDevice, espRoot); err != nil {
			return fmt.Errorf("mounting ESP %s at %s: %w: %s", req.ESPDevice, espRoot, err, out)
		}
		mountedHere = true
	} else {
		espRoot = req.ESPMountpoint
	}
	defer func() {
		if !mountedHere {
			return
		}
		if out, err := r.Run("umount", espRoot); err != nil {
			m.Logger.Errorf("unmounting ESP %s: %v: %s", espRoot, err, out)
			return
		}
		if err := os.Remove(espRoot); err != nil {
			m.Logger.Warnf("removing ESP mountpoint %s: %v", espRoot, err)
		}
	}()

	linuxDir := filepath.Join(espRoot, "EFI", "Linux")
	if err := os.MkdirAll(linuxDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", linuxDir, err)
	}
	ukiPath := filepath.Join(linuxDir, req.ID+".efi")
	if err := atomicfile.Write(ukiPath, req.UKIContent, 0o644); err != nil {
		return fmt.Errorf("writing UKI %s: %w", ukiPath, err)
	}

	if err := m.writeEFIUUIDCfg(req.ESPUUID); err != nil {
		return err
	}
	return m.writeUserCfg(req)
}

func (m *Manager) writeEFIUUIDCfg(espUUID string) error {
	content := fmt.Sprintf("set EFI_PART_UUID=%q\n", espUUID)
	path := filepath.Join(m.bootDir(), "grub2", efiUUIDCfg)
	return atomicfile.Write(path, []byte(content), 0o644)
}

// writeUserCfg emits a menuentry for the new deployment only, after a
// source of efiuuid.cfg that only runs if present. Entries for other
// existing deployments are not written to the file.
func (m *Manager) writeUserCfg(req UKIWriteRequest) error {
	var b strings.Builder
	fmt.Fprintf(&b, "if [ -f ($root)/efiuuid.cfg ]; then\n  source ($root)/efiuuid.cfg\nfi\n")

	entry := bootconfig.NewUKIMenuEntry(req.ID, req.ID)
	b.WriteString(entry.String())
	b.WriteString("\n")

	name := userCfg
	if req.IsUpgrade {
		name = userCfgStaged
	}
	path := filepath.Join(m.bootDir(), "grub2", name)
	return atomicfile.Write(path, []byte(b.String()), 0o644)
}
