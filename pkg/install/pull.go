package install

import (
	"fmt"
	"io"
	"os"

	"github.com/google/go-containerregistry/pkg/authn"

	"github.com/rsturla/bootc/internal/logx"
	"github.com/rsturla/bootc/internal/runner"
	"github.com/rsturla/bootc/pkg/composefs"
	"github.com/rsturla/bootc/pkg/deploy"
	"github.com/rsturla/bootc/pkg/types"
)

func openObject(repo *composefs.Repository, digestHex string) (*os.File, error) {
	return os.Open(repo.ObjectPath(digestHex))
}

func readAllClose(f *os.File) ([]byte, error) {
	return io.ReadAll(f)
}

// PullResult bundles everything downstream boot-entry writing needs
// after a successful image pull and commit.
type PullResult struct {
	DeploymentID string
	BootEntries  []*composefs.BootEntry
	Repo         *composefs.Repository
}

// PullAndCommit opens (creating if absent) a composefs repository under
// physicalRoot/composefs, pulls source, enables fs-verity across the
// store if required, extracts boot entries from the image tree, and
// commits it under the computed deployment id.
func PullAndCommit(physicalRoot string, source types.ImageReference, desiredVerity composefs.Tristate, log *logx.Logger) (*PullResult, error) {
	if log == nil {
		log = logx.Default()
	}
	repo, err := composefs.Open(physicalRoot+"/composefs", desiredVerity, log)
	if err != nil {
		return nil, fmt.Errorf("opening composefs repository: %w", err)
	}

	ref := source.String()
	if source.Transport == types.TransportRegistry {
		ref = source.Image
	}
	img, _, _, err := composefs.FetchManifestAndConfig(ref, authn.DefaultKeychain)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest/config for %s: %w", ref, err)
	}

	result, err := composefs.ImportImage(repo, img, log)
	if err != nil {
		return nil, fmt.Errorf("importing %s: %w", ref, err)
	}

	if desiredVerity == composefs.TristateEnabled {
		if err := repo.EnsureVerity(); err != nil {
			return nil, fmt.Errorf("enabling fs-verity: %w", err)
		}
	}

	entries, err := composefs.TransformForBoot(result)
	if err != nil {
		return nil, fmt.Errorf("extracting boot entries: %w", err)
	}

	id, err := composefs.CommitImage(repo, result, "")
	if err != nil {
		return nil, fmt.Errorf("committing image: %w", err)
	}

	return &PullResult{DeploymentID: id, BootEntries: entries, Repo: repo}, nil
}

// SelectBootEntry picks the one BootEntry the rest of the pipeline acts
// on: a UKI entry if present (preferred boot protocol when available),
// else the first BLS (vmlinuz+initrd) entry.
func SelectBootEntry(entries []*composefs.BootEntry) (*composefs.BootEntry, error) {
	var bls *composefs.BootEntry
	for _, e := range entries {
		if e.Kind == composefs.BootEntryUsrLibModulesUki || e.Kind == composefs.BootEntryType2 {
			return e, nil
		}
		if bls == nil && e.Kind == composefs.BootEntryUsrLibModulesVmLinuz {
			bls = e
		}
	}
	if bls != nil {
		return bls, nil
	}
	return nil, fmt.Errorf("no usable boot entry found in image")
}

// BootWriteOptions carries the install-time choices WriteBootEntryAndState
// needs that aren't derivable from the BootEntry or SourceInfo alone.
type BootWriteOptions struct {
	RootKargs []string
	Insecure  bool
	IsUpgrade bool
	// BootedEntryID is the currently-booted deployment id, only used
	// (and only meaningful) on upgrade.
	BootedEntryID string
	// UKI-path-only: the ESP device and, if the caller already has it
	// mounted (e.g. an install-to-disk flow that mounted it for
	// partitioning), its mountpoint.
	ESPDevice     string
	ESPMounted    bool
	ESPMountpoint string
	ESPUUID       string
}

// WriteBootEntryAndState opens the BLS or UKI object(s) the BootEntry
// points at from repo's object store, dispatches to the matching deploy
// path, then writes the per-deployment state directory shared by both
// paths.
func WriteBootEntryAndState(mgr *deploy.Manager, r runner.Runner, repo *composefs.Repository, entry *composefs.BootEntry, id string, source types.ImageReference, req BootWriteOptions) error {
	origin := deploy.Origin{Container: "ostree-unverified-image:" + source.String()}

	switch entry.Kind {
	case composefs.BootEntryUsrLibModulesVmLinuz:
		vmlinuz, err := openObject(repo, entry.LinuxObject)
		if err != nil {
			return fmt.Errorf("opening vmlinuz object: %w", err)
		}
		defer vmlinuz.Close()
		initrd, err := openObject(repo, entry.InitrdObject)
		if err != nil {
			return fmt.Errorf("opening initrd object: %w", err)
		}
		defer initrd.Close()

		bootDigest, err := deploy.ComputeBootDigest(vmlinuz, initrd)
		if err != nil {
			return fmt.Errorf("computing boot digest: %w", err)
		}
		if _, err := vmlinuz.Seek(0, 0); err != nil {
			return err
		}
		if _, err := initrd.Seek(0, 0); err != nil {
			return err
		}

		dupOf, found, err := mgr.FindBootDigestDuplicate(bootDigest)
		if err != nil {
			return fmt.Errorf("scanning for boot digest duplicates: %w", err)
		}

		writeReq := deploy.BLSWriteRequest{
			ID: id, RootKargs: req.RootKargs, Insecure: req.Insecure,
			IsUpgrade: req.IsUpgrade, BootedEntryID: req.BootedEntryID,
		}
		if found {
			writeReq.DuplicateOf = dupOf
		} else {
			writeReq.Vmlinuz, writeReq.Initrd = vmlinuz, initrd
		}
		if err := mgr.WriteBLSEntry(writeReq); err != nil {
			return fmt.Errorf("writing BLS boot entry: %w", err)
		}

		origin.BootType = deploy.BootTypeBLS
		origin.Digest = bootDigest

	case composefs.BootEntryUsrLibModulesUki, composefs.BootEntryType2:
		uki, err := openObject(repo, entry.UkiObject)
		if err != nil {
			return fmt.Errorf("opening UKI object: %w", err)
		}
		defer uki.Close()
		content, err := readAllClose(uki)
		if err != nil {
			return fmt.Errorf("reading UKI object: %w", err)
		}
		embeddedCmdline, err := ExtractUKICmdline(content)
		if err != nil {
			return fmt.Errorf("extracting embedded cmdline from UKI: %w", err)
		}
		if err := mgr.WriteUKIEntry(r, deploy.UKIWriteRequest{
			ID: id, UKIContent: content, EmbeddedCmdline: embeddedCmdline,
			Insecure: req.Insecure, IsUpgrade: req.IsUpgrade,
			ESPDevice: req.ESPDevice, ESPMounted: req.ESPMounted,
			ESPMountpoint: req.ESPMountpoint, ESPUUID: req.ESPUUID,
		}); err != nil {
			return fmt.Errorf("writing UKI boot entry: %w", err)
		}
		origin.BootType = deploy.BootTypeUKI

	default:
		return fmt.Errorf("unsupported boot entry kind %v", entry.Kind)
	}

	if err := mgr.EnsureStateDir(id, origin); err != nil {
		return fmt.Errorf("writing deployment state for %s: %w", id, err)
	}
	if req.IsUpgrade {
		if err := mgr.MarkStaged(id); err != nil {
			return fmt.Errorf("marking %s as staged: %w", id, err)
		}
	}
	return nil
}
