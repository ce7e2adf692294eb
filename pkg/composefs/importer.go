package composefs

import (
	"archive/tar"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/hashicorp/go-multierror"
	digest "github.com/opencontainers/go-digest"

	"github.com/rsturla/bootc/internal/logx"
)

// TreeEntryKind distinguishes the three node shapes a layer tar can
// contribute to an image tree.
type TreeEntryKind int

const (
	TreeEntryRegular TreeEntryKind = iota
	TreeEntryDirectory
	TreeEntrySymlink
)

// TreeEntry is one path materialized from a layer's tar stream, already
// folded onto whatever whiteouts and overwrites later layers applied.
type TreeEntry struct {
	Path       string
	Kind       TreeEntryKind
	ObjectHash string // set for TreeEntryRegular: the object store digest
	LinkTarget string // set for TreeEntrySymlink
	Mode       int64
	UID, GID   int
	Size       int64
}

// ImportResult is the flattened, whiteout-resolved tree produced by
// pulling every layer of an image in order.
type ImportResult struct {
	ManifestDigest string
	ConfigDigest   string
	Entries        map[string]*TreeEntry // keyed by path, later layers win
}

// FetchManifestAndConfig resolves ref (any go-containerregistry-parseable
// reference: tag, digest, or bare name defaulting to latest) and returns
// its remote.Image handle along with the manifest and config digests,
// without pulling any layer content yet.
func FetchManifestAndConfig(ref string, keychain authn.Keychain) (v1.Image, string, string, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return nil, "", "", fmt.Errorf("parsing image reference %q: %w", ref, err)
	}
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}
	img, err := remote.Image(r, remote.WithAuthFromKeychain(keychain))
	if err != nil {
		return nil, "", "", fmt.Errorf("fetching manifest for %q: %w", ref, err)
	}
	manifestDigest, err := img.Digest()
	if err != nil {
		return nil, "", "", fmt.Errorf("computing manifest digest for %q: %w", ref, err)
	}
	cfgDigest, err := img.ConfigName()
	if err != nil {
		return nil, "", "", fmt.Errorf("computing config digest for %q: %w", ref, err)
	}
	return img, manifestDigest.String(), cfgDigest.String(), nil
}

// ImportImage pulls every layer of img into repo in order, folding each
// layer's tar entries (including whiteouts) onto the running tree, and
// returns the flattened result. Layers are fetched and unpacked one at a
// time; within a layer, fetching the compressed stream (the "driver") and
// walking its tar entries (the "worker") run concurrently over a pipe so
// that unpacking of entry N+1 begins while entry N's object is still
// being hashed into the store.
func ImportImage(repo *Repository, img v1.Image, log *logx.Logger) (*ImportResult, error) {
	if log == nil {
		log = logx.Default()
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("listing image layers: %w", err)
	}
	manifestDigest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("computing manifest digest: %w", err)
	}
	cfgDigest, err := img.ConfigName()
	if err != nil {
		return nil, fmt.Errorf("computing config digest: %w", err)
	}

	result := &ImportResult{
		ManifestDigest: manifestDigest.String(),
		ConfigDigest:   cfgDigest.String(),
		Entries:        map[string]*TreeEntry{},
	}

	for i, layer := range layers {
		mt, err := layer.MediaType()
		if err != nil {
			return nil, fmt.Errorf("layer %d media type: %w", i, err)
		}
		log.Debugf("importing layer %d/%d (%s)", i+1, len(layers), mt)
		if err := importLayer(repo, layer, LayerMediaType(mt), result); err != nil {
			return nil, fmt.Errorf("importing layer %d/%d: %w", i+1, len(layers), err)
		}
	}
	return result, nil
}

// importLayer runs the fetch ("driver") and tar-unpack ("worker") halves
// of one layer concurrently. A worker error is returned on its own: if
// the worker fails first and closes its end of the pipe, the driver's
// subsequent write sees a closed-pipe error that carries no information
// the worker's real error doesn't already explain, so it is dropped. A
// driver error is returned only when the worker succeeded and the error
// is not a closed-pipe error.
func importLayer(repo *Repository, layer v1.Layer, mt LayerMediaType, result *ImportResult) error {
	rc, err := layer.Compressed()
	if err != nil {
		return fmt.Errorf("opening layer blob: %w", err)
	}

	dec, err := NewDecompressor(mt, rc)
	if err != nil {
		return fmt.Errorf("selecting decompressor: %w", err)
	}

	var wg sync.WaitGroup
	var driverErr, workerErr error

	pr, pw := io.Pipe()
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer dec.Finish()
		_, err := io.Copy(pw, dec)
		if err != nil {
			pw.CloseWithError(err)
			driverErr = fmt.Errorf("reading layer stream: %w", err)
			return
		}
		pw.Close()
	}()

	go func() {
		defer wg.Done()
		workerErr = unpackTar(pr, repo, result)
		if workerErr != nil {
			pr.CloseWithError(workerErr)
		}
	}()

	wg.Wait()

	if workerErr != nil {
		return fmt.Errorf("unpacking layer tar: %w", workerErr)
	}
	if driverErr != nil && !isBrokenPipe(driverErr) {
		return driverErr
	}
	if driverErr != nil && workerErr != nil {
		return multierror.Append(workerErr, driverErr).ErrorOrNil()
	}
	return nil
}

func isBrokenPipe(err error) bool {
	return err != nil && strings.Contains(err.Error(), "closed pipe")
}

const whiteoutPrefix = ".wh."
const whiteoutOpaque = ".wh..wh..opq"

// unpackTar reads a single layer's tar stream, writing each regular
// file's content into the object store and folding every entry
// (including OCI whiteouts) onto result.Entries.
func unpackTar(r io.Reader, repo *Repository, result *ImportResult) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar header: %w", err)
		}
		path := strings.TrimSuffix(strings.TrimPrefix(hdr.Name, "./"), "/")
		if path == "" || path == "." {
			continue
		}
		dir, base := splitDirBase(path)

		if base == whiteoutOpaque {
			removeTreePrefix(result.Entries, dir)
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			removed := joinDirBase(dir, strings.TrimPrefix(base, whiteoutPrefix))
			delete(result.Entries, removed)
			removeTreePrefix(result.Entries, removed+"/")
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			result.Entries[path] = &TreeEntry{Path: path, Kind: TreeEntryDirectory, Mode: hdr.Mode, UID: hdr.Uid, GID: hdr.Gid}
		case tar.TypeSymlink:
			result.Entries[path] = &TreeEntry{Path: path, Kind: TreeEntrySymlink, LinkTarget: hdr.Linkname, Mode: hdr.Mode, UID: hdr.Uid, GID: hdr.Gid}
		case tar.TypeReg, tar.TypeRegA:
			objDigest, err := repo.WriteObject(tr)
			if err != nil {
				return fmt.Errorf("writing object for %s: %w", path, err)
			}
			result.Entries[path] = &TreeEntry{
				Path: path, Kind: TreeEntryRegular, ObjectHash: objDigest,
				Mode: hdr.Mode, UID: hdr.Uid, GID: hdr.Gid, Size: hdr.Size,
			}
		default:
			// Hardlinks, devices, fifos: not meaningful in a composefs
			// image tree built from container layers. Skip.
		}
	}
}

func splitDirBase(path string) (dir, base string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func joinDirBase(dir, base string) string {
	if dir == "" {
		return base
	}
	return dir + "/" + base
}

func removeTreePrefix(entries map[string]*TreeEntry, prefix string) {
	for p := range entries {
		if strings.HasPrefix(p, prefix) {
			delete(entries, p)
		}
	}
}

// VerifyConfigDigest checks a fetched config blob against the digest the
// manifest claimed, guarding against a registry serving mismatched content.
func VerifyConfigDigest(content []byte, want string) error {
	got := digest.FromBytes(content)
	if got.String() != want {
		return fmt.Errorf("config digest mismatch: manifest claims %s, fetched content hashes to %s", want, got)
	}
	return nil
}
