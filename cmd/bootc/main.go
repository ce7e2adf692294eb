package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/rsturla/bootc/pkg/blockdev"
	"github.com/rsturla/bootc/pkg/composefs"
	"github.com/rsturla/bootc/pkg/config"
	"github.com/rsturla/bootc/pkg/install"
)

// version is set at build time via -ldflags; it has no meaning unset.
var version = "dev"

var sourceImgrefFlag = &cli.StringFlag{
	Name:  "source-imgref",
	Usage: "explicit `transport:image` to install; defaults to discovering the running container's own image",
}

var targetFlag = &cli.StringFlag{
	Name:     "target",
	Usage:    "already-mounted target root to install into",
	Required: true,
}

var insecureFlag = &cli.BoolFlag{
	Name:  "insecure",
	Usage: "accept a composefs digest whose fs-verity measurement could not be verified",
}

var skipFinalizeFlag = &cli.BoolFlag{
	Name:  "skip-finalize",
	Usage: "skip fstrim/remount-ro/freeze-thaw at the end of install",
}

var wipeFlag = &cli.BoolFlag{
	Name:  "wipe",
	Usage: "recursively clear the target root before installing, instead of requiring it empty",
}

var alongsideFlag = &cli.BoolFlag{
	Name:  "alongside",
	Usage: "install alongside an existing system, clearing only /boot",
}

func emptyRootMode(c *cli.Context) install.EmptyRootMode {
	switch {
	case c.Bool("wipe"):
		return install.EmptyRootWipe
	case c.Bool("alongside"):
		return install.EmptyRootAlongside
	default:
		return install.EmptyRootDefault
	}
}

func runInstall(c *cli.Context, upgrade bool, modeOverride *install.EmptyRootMode) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	desiredVerity := composefs.TristateEnabled
	if c.Bool("insecure") {
		desiredVerity = composefs.TristateDisabled
	}

	mode := emptyRootMode(c)
	if modeOverride != nil {
		mode = *modeOverride
	}

	opts := install.Options{
		SourceImgref:  c.String("source-imgref"),
		TargetRoot:    c.String("target"),
		EmptyRootMode: mode,
		Insecure:      c.Bool("insecure"),
		SkipFinalize:  c.Bool("skip-finalize") || cfg.SkipUnshare,
		SkipUnshare:   cfg.SkipUnshare,
		DesiredVerity: desiredVerity,
		InjectRootSSH: true,
		IsUpgrade:     upgrade,
		BootedEntryID: c.String("booted-entry-id"),
		AppVersion:    version,
	}

	result, err := install.InstallToFilesystem(opts, install.Collaborators{
		Runner: cfg.Runner,
		Logger: cfg.Logger,
	})
	if err != nil {
		return err
	}
	if result != nil {
		cfg.Logger.Debugf("installed deployment %s at %s", result.DeploymentID, opts.TargetRoot)
		fmt.Println(result.DeploymentID)
	}
	return nil
}

var installCommand = &cli.Command{
	Name:  "install",
	Usage: "install a bootable container image onto a target",
	Subcommands: []*cli.Command{
		{
			Name:  "to-filesystem",
			Usage: "install onto an already-mounted, empty target filesystem",
			Flags: []cli.Flag{sourceImgrefFlag, targetFlag, insecureFlag, skipFinalizeFlag, wipeFlag, alongsideFlag},
			Action: func(c *cli.Context) error {
				return runInstall(c, false, nil)
			},
		},
		{
			Name:  "to-existing-root",
			Usage: "install alongside the currently running system",
			Flags: []cli.Flag{sourceImgrefFlag, targetFlag, insecureFlag, skipFinalizeFlag},
			Action: func(c *cli.Context) error {
				mode := install.EmptyRootAlongside
				return runInstall(c, false, &mode)
			},
		},
		{
			Name:  "to-disk",
			Usage: "partition a target block device (via the external partitioner) and install onto it",
			Flags: []cli.Flag{
				sourceImgrefFlag, insecureFlag, skipFinalizeFlag,
				&cli.StringFlag{Name: "device", Required: true, Usage: "target block device"},
			},
			Action: func(c *cli.Context) error {
				return fmt.Errorf("install to-disk on %s requires the external baseline partitioner (creates ESP/boot/root, optionally LUKS) to run first and mount its root; that collaborator is out of scope here, use 'install to-filesystem --target <mounted-root>' once it has", c.String("device"))
			},
		},
	},
}

var upgradeCommand = &cli.Command{
	Name:  "upgrade",
	Usage: "pull and stage a new deployment of the currently running image",
	Flags: []cli.Flag{sourceImgrefFlag, targetFlag, insecureFlag, skipFinalizeFlag,
		&cli.StringFlag{Name: "booted-entry-id", Usage: "deployment id of the currently booted entry, for BLS sort_key demotion"}},
	Action: func(c *cli.Context) error {
		return runInstall(c, true, nil)
	},
}

var loopbackCleanupHelperCommand = &cli.Command{
	Name:   "loopback-cleanup-helper",
	Hidden: true,
	Usage:  "internal: releases a loopback device if its owning process dies (see pkg/blockdev)",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "device", Required: true},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if !cfg.LoopbackHelperMode {
			return fmt.Errorf("loopback-cleanup-helper is internal and runs only with %s set", config.EnvLoopbackCleanupHelper)
		}
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
		blockdev.RunCleanupHelper(cfg.Runner, cfg.Logger, c.String("device"), sig)
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:    "bootc",
		Version: version,
		Usage:   "deploy and manage bootable OCI container images",
		Commands: []*cli.Command{
			installCommand,
			upgradeCommand,
			loopbackCleanupHelperCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
