package install

import (
	"time"

	"k8s.io/mount-utils"

	"github.com/rsturla/bootc/internal/logx"
	"github.com/rsturla/bootc/internal/runner"
	"github.com/rsturla/bootc/pkg/blockdev"
	"github.com/rsturla/bootc/pkg/cmdline"
	"github.com/rsturla/bootc/pkg/composefs"
	"github.com/rsturla/bootc/pkg/deploy"
	"github.com/rsturla/bootc/pkg/types"
)

// Options gathers every user-facing knob the CLI layer collects before
// handing off to the orchestrator.
type Options struct {
	SourceImgref      string
	TargetRoot        string // mountpoint for install-to-filesystem/existing-root
	Device            string // block device for install-to-disk
	EmptyRootMode     EmptyRootMode
	Insecure          bool
	SkipFinalize      bool
	SkipUnshare       bool
	ForceSELinuxOff   bool
	DesiredVerity     composefs.Tristate
	BtrfsSubvol       string
	InjectRootSSH     bool
	IsUpgrade         bool
	BootedEntryID     string
	ESPDevice         string
	AppVersion        string
}

// Result is what a successful install or upgrade run reports back to
// the CLI layer.
type Result struct {
	DeploymentID string
	RootSetup    *types.RootSetup
}

// InstallToFilesystem implements install-to-filesystem and
// install-to-existing-root (the two differ only in whether TargetRoot
// is a separately-mounted filesystem or the running "/"): gather,
// prepare environment, resolve SELinux, enter a private namespace,
// inspect/validate the target, enforce emptiness, pull and commit the
// image, install the bootloader, write boot entries and state, write
// the aleph record and fstab, optionally inject root SSH tmpfiles, and
// finalize.
func InstallToFilesystem(opts Options, cfg Collaborators) (*Result, error) {
	log := cfg.Logger
	if log == nil {
		log = logx.Default()
	}

	source, err := GatherSourceInfo(opts.SourceImgref, false)
	if err != nil {
		return nil, err
	}

	mounter := mount.New("")
	if err := PrepareEnvironment(mounter, log); err != nil {
		return nil, err
	}

	selinuxState := ResolveSELinuxState(source.SELinuxPresentInSource, opts.ForceSELinuxOff)
	if selinuxState == SELinuxMatched {
		reexeced, err := ReexecForSELinux("BOOTC_SELINUX_REEXEC_DONE", log)
		if err != nil {
			return nil, err
		}
		if reexeced {
			return nil, nil // process image was replaced; unreachable in practice
		}
	}

	if err := EnterPrivateMountNamespace(opts.SkipUnshare); err != nil {
		return nil, err
	}

	fc := blockdev.New(cfg.Runner, log)
	rootSetup, err := PrepareTargetFilesystem(fc, opts.TargetRoot, currentProcCmdline(), opts.BtrfsSubvol)
	if err != nil {
		return nil, err
	}
	if selinuxState == SELinuxForceTargetDisabled {
		rootSetup.Kargs = append(rootSetup.Kargs, "selinux=0")
	}

	if !opts.IsUpgrade {
		if err := EnforceEmptyRoot(opts.TargetRoot, opts.EmptyRootMode); err != nil {
			return nil, err
		}
	}

	pulled, err := PullAndCommit(rootSetup.PhysicalRootPath, source.Image, opts.DesiredVerity, log)
	if err != nil {
		return nil, err
	}

	entry, err := SelectBootEntry(pulled.BootEntries)
	if err != nil {
		return nil, err
	}

	if device, devErr := deviceBackingMount(fc, opts.TargetRoot); devErr == nil {
		if err := InstallBootloader(cfg.Runner, device, rootSetup.PhysicalRootPath, pulled.DeploymentID); err != nil {
			log.Warnf("bootloader install failed: %v", err)
		}
	}

	mgr := deploy.New(rootSetup.PhysicalRootPath, log)
	if err := WriteBootEntryAndState(mgr, cfg.Runner, pulled.Repo, entry, pulled.DeploymentID, source.Image, BootWriteOptions{
		RootKargs: rootSetup.Kargs, Insecure: opts.Insecure, IsUpgrade: opts.IsUpgrade,
		BootedEntryID: opts.BootedEntryID, ESPDevice: opts.ESPDevice,
	}); err != nil {
		return nil, err
	}

	if !opts.IsUpgrade {
		if err := WriteAleph(rootSetup.PhysicalRootPath, *source, opts.AppVersion, selinuxState, cfg.Now()); err != nil {
			return nil, err
		}
	}
	if err := WriteFstab(rootSetup.PhysicalRootPath, rootSetup.BootMount); err != nil {
		return nil, err
	}
	if opts.InjectRootSSH {
		if err := InjectRootSSHTmpfiles(rootSetup.PhysicalRootPath); err != nil {
			return nil, err
		}
	}

	mountpoints := []string{opts.TargetRoot}
	if rootSetup.BootMount != nil {
		mountpoints = append(mountpoints, rootSetup.BootMount.Target)
	}
	if !rootSetup.SkipFinalize && !opts.SkipFinalize {
		if err := Finalize(cfg.Runner, mountpoints, false, log); err != nil {
			return nil, err
		}
	}

	return &Result{DeploymentID: pulled.DeploymentID, RootSetup: rootSetup}, nil
}

// InstallToDisk implements install-to-disk: unlike install-to-filesystem,
// target-disk partitioning itself is delegated to the external baseline
// partitioner (spec.md §1, out of scope), which this function expects
// the caller to have already run, producing rootSetup. Everything after
// that point — pull, commit, bootloader, boot entries, aleph, finalize —
// is identical to the filesystem path, so this reuses it by pretending
// rootSetup.PhysicalRootPath is already mounted and populated.
func InstallToDisk(opts Options, cfg Collaborators, rootSetup *types.RootSetup) (*Result, error) {
	opts.TargetRoot = rootSetup.PhysicalRootPath
	opts.EmptyRootMode = EmptyRootWipe // a freshly partitioned target is never pre-populated
	return InstallToFilesystem(opts, cfg)
}

// Collaborators bundles the process-wide dependencies the orchestrator
// needs injected rather than constructing itself, so tests can swap a
// fake Runner/clock in.
type Collaborators struct {
	Runner runner.Runner
	Logger *logx.Logger
	Clock  func() time.Time
}

// Now returns the configured clock, or time.Now if unset.
func (c Collaborators) Now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// currentProcCmdline returns every token of the running kernel's command
// line, as raw strings, so PrepareTargetFilesystem can pick out the rd.*
// ones to carry forward onto the new deployment's kargs. A read failure
// (e.g. not running under Linux /proc) just means nothing is inherited.
func currentProcCmdline() []string {
	cl, err := cmdline.FromProc()
	if err != nil {
		return nil
	}
	var out []string
	for _, p := range cl.Iter() {
		out = append(out, string(p.Raw))
	}
	return out
}
