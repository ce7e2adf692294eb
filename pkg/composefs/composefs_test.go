package composefs

import (
	"archive/tar"
	"bytes"
	"os"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestComposefsSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "composefs test suite")
}

var _ = Describe("Repository.WriteObject", func() {
	It("is content-addressed and idempotent", func() {
		dir, err := os.MkdirTemp("", "composefs-repo-")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() { os.RemoveAll(dir) })

		repo, err := Open(dir, TristateUnset, nil)
		Expect(err).ToNot(HaveOccurred())

		d1, err := repo.WriteObject(strings.NewReader("hello world"))
		Expect(err).ToNot(HaveOccurred())
		d2, err := repo.WriteObject(strings.NewReader("hello world"))
		Expect(err).ToNot(HaveOccurred())
		Expect(d1).To(Equal(d2))

		b, err := os.ReadFile(repo.ObjectPath(d1))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(b)).To(Equal("hello world"))
	})

	It("shards objects by the first two hex characters", func() {
		dir, err := os.MkdirTemp("", "composefs-repo-")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() { os.RemoveAll(dir) })

		repo, err := Open(dir, TristateUnset, nil)
		Expect(err).ToNot(HaveOccurred())
		d, err := repo.WriteObject(strings.NewReader("shard me"))
		Expect(err).ToNot(HaveOccurred())
		Expect(repo.ObjectPath(d)).To(HavePrefix(dir + "/objects/" + d[:2] + "/"))
	})
})

func buildTar(entries ...func(*tar.Writer) error) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		if err := e(tw); err != nil {
			panic(err)
		}
	}
	tw.Close()
	return buf.Bytes()
}

func tarFile(name, content string) func(*tar.Writer) error {
	return func(tw *tar.Writer) error {
		if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Size: int64(len(content)), Mode: 0o644}); err != nil {
			return err
		}
		_, err := tw.Write([]byte(content))
		return err
	}
}

func tarDir(name string) func(*tar.Writer) error {
	return func(tw *tar.Writer) error {
		return tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0o755})
	}
}

var _ = Describe("unpackTar", func() {
	It("writes regular files as objects and records dirs/symlinks", func() {
		dir, err := os.MkdirTemp("", "composefs-repo-")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() { os.RemoveAll(dir) })
		repo, err := Open(dir, TristateUnset, nil)
		Expect(err).ToNot(HaveOccurred())

		data := buildTar(
			tarDir("etc/"),
			tarFile("etc/hostname", "box\n"),
		)
		result := &ImportResult{Entries: map[string]*TreeEntry{}}
		Expect(unpackTar(bytes.NewReader(data), repo, result)).To(Succeed())

		Expect(result.Entries).To(HaveKey("etc"))
		Expect(result.Entries["etc"].Kind).To(Equal(TreeEntryDirectory))
		Expect(result.Entries).To(HaveKey("etc/hostname"))
		Expect(result.Entries["etc/hostname"].Kind).To(Equal(TreeEntryRegular))
		Expect(result.Entries["etc/hostname"].ObjectHash).ToNot(BeEmpty())
	})

	It("applies whiteouts against entries from earlier layers", func() {
		dir, err := os.MkdirTemp("", "composefs-repo-")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() { os.RemoveAll(dir) })
		repo, err := Open(dir, TristateUnset, nil)
		Expect(err).ToNot(HaveOccurred())

		result := &ImportResult{Entries: map[string]*TreeEntry{}}
		base := buildTar(tarDir("var/"), tarFile("var/log.txt", "line1\n"))
		Expect(unpackTar(bytes.NewReader(base), repo, result)).To(Succeed())
		Expect(result.Entries).To(HaveKey("var/log.txt"))

		wh := buildTar(tarFile("var/.wh.log.txt", ""))
		Expect(unpackTar(bytes.NewReader(wh), repo, result)).To(Succeed())
		Expect(result.Entries).ToNot(HaveKey("var/log.txt"))
		Expect(result.Entries).To(HaveKey("var"))
	})
})

var _ = Describe("TransformForBoot", func() {
	It("pairs vmlinuz with sorted initramfs files per kernel release", func() {
		result := &ImportResult{Entries: map[string]*TreeEntry{
			"usr/lib/modules/6.0.0/vmlinuz":           {Path: "usr/lib/modules/6.0.0/vmlinuz", Kind: TreeEntryRegular, ObjectHash: "aa"},
			"usr/lib/modules/6.0.0/initramfs-6.0.0.img": {Path: "usr/lib/modules/6.0.0/initramfs-6.0.0.img", Kind: TreeEntryRegular, ObjectHash: "bb"},
		}}
		entries, err := TransformForBoot(result)
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Kind).To(Equal(BootEntryUsrLibModulesVmLinuz))
		Expect(entries[0].KernelRelease).To(Equal("6.0.0"))
		Expect(entries[0].LinuxObject).To(Equal("aa"))
		Expect(entries[0].InitrdObject).To(Equal("bb"))
	})

	It("reports a UKI entry discovered under usr/lib/modules", func() {
		result := &ImportResult{Entries: map[string]*TreeEntry{
			"usr/lib/modules/6.0.0/linux.efi": {Path: "usr/lib/modules/6.0.0/linux.efi", Kind: TreeEntryRegular, ObjectHash: "cc"},
		}}
		entries, err := TransformForBoot(result)
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Kind).To(Equal(BootEntryUsrLibModulesUki))
		Expect(entries[0].UkiObject).To(Equal("cc"))
	})

	It("errors when nothing bootable is found", func() {
		_, err := TransformForBoot(&ImportResult{Entries: map[string]*TreeEntry{}})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("CommitImage", func() {
	It("is deterministic regardless of map iteration order", func() {
		dir, err := os.MkdirTemp("", "composefs-repo-")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() { os.RemoveAll(dir) })
		repo, err := Open(dir, TristateUnset, nil)
		Expect(err).ToNot(HaveOccurred())

		result := &ImportResult{
			ManifestDigest: "sha256:m",
			ConfigDigest:   "sha256:c",
			Entries: map[string]*TreeEntry{
				"a": {Path: "a", Kind: TreeEntryRegular, ObjectHash: "1"},
				"b": {Path: "b", Kind: TreeEntryDirectory},
				"c": {Path: "c", Kind: TreeEntrySymlink, LinkTarget: "a"},
			},
		}
		id1, err := CommitImage(repo, result, "")
		Expect(err).ToNot(HaveOccurred())
		id2, err := CommitImage(repo, result, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(id1).To(Equal(id2))

		_, err = os.Stat(repo.ImagePath(id1))
		Expect(err).ToNot(HaveOccurred())
	})
})
