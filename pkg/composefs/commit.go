package composefs

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// CommitImage writes the final image tree file for result under name (or,
// if name is empty, under the computed deployment id) and returns the
// deployment id: a SHA-256 digest over a canonical, sorted listing of
// every tree entry's path, kind, mode, ownership and content hash. Two
// pulls of bit-identical image content always produce the same id,
// independent of the order layers happened to stream their tar entries
// in, because the listing is sorted by path before hashing.
//
// The pack carries no Go library that emits an EROFS superblock, so the
// on-disk image tree file is this canonical listing itself rather than a
// real EROFS image; composefs mounting is out of scope here the same way
// the external image proxy and bootloader helpers are (spec.md §4.4,
// §4.6 step 9).
func CommitImage(repo *Repository, result *ImportResult, name string) (string, error) {
	paths := make([]string, 0, len(result.Entries))
	for p := range result.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		e := result.Entries[p]
		fmt.Fprintf(h, "%s\x00%d\x00%s\x00%o\x00%d\x00%d\x00%d\n",
			e.Path, e.Kind, e.ObjectHash, e.Mode, e.UID, e.GID, e.Size)
		if e.Kind == TreeEntrySymlink {
			fmt.Fprintf(h, "link=%s\n", e.LinkTarget)
		}
	}
	id := hex.EncodeToString(h.Sum(nil))

	target := name
	if target == "" {
		target = id
	}
	if err := writeImageTree(repo.ImagePath(target), paths, result); err != nil {
		return "", fmt.Errorf("committing image tree %s: %w", target, err)
	}
	return id, nil
}

func writeImageTree(path string, sortedPaths []string, result *ImportResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-image-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "manifest=%s\nconfig=%s\n", result.ManifestDigest, result.ConfigDigest)
	for _, p := range sortedPaths {
		e := result.Entries[p]
		switch e.Kind {
		case TreeEntryRegular:
			fmt.Fprintf(w, "f %s %o %d:%d %s %d\n", e.Path, e.Mode, e.UID, e.GID, e.ObjectHash, e.Size)
		case TreeEntryDirectory:
			fmt.Fprintf(w, "d %s %o %d:%d\n", e.Path, e.Mode, e.UID, e.GID)
		case TreeEntrySymlink:
			fmt.Fprintf(w, "l %s %o %d:%d %s\n", e.Path, e.Mode, e.UID, e.GID, e.LinkTarget)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return fsyncDir(filepath.Dir(path))
}
