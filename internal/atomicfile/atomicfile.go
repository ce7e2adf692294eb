// Package atomicfile implements the write-tempfile-then-rename-then-
// fsync-directory discipline used everywhere a file is observed by the
// bootloader or by a later boot: boot entries, GRUB config fragments,
// and the aleph record go through here. The composefs object store
// implements the same discipline in its own WriteObject.
package atomicfile

import (
	"os"
	"path/filepath"
)

// Write atomically replaces path with data: writes to a tempfile in the
// same directory, fsyncs it, renames over path, then fsyncs the
// directory so the rename itself survives a crash.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
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
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return SyncDir(dir)
}

// SyncDir fsyncs dir itself, needed after any rename/create/remove of an
// entry within it to make the directory-entry change durable.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
