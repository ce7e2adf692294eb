package install_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rsturla/bootc/pkg/install"
	"github.com/rsturla/bootc/pkg/types"
)

func TestInstallSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "install test suite")
}

var _ = Describe("ParseImageReference", func() {
	It("defaults to the registry transport", func() {
		ref, err := install.ParseImageReference("quay.io/example/os:latest")
		Expect(err).ToNot(HaveOccurred())
		Expect(ref.Transport).To(Equal(types.TransportRegistry))
		Expect(ref.Image).To(Equal("quay.io/example/os:latest"))
	})

	It("recognizes an explicit transport prefix", func() {
		ref, err := install.ParseImageReference("containers-storage:localhost/os")
		Expect(err).ToNot(HaveOccurred())
		Expect(ref.Transport).To(Equal(types.TransportContainersStorage))
		Expect(ref.Image).To(Equal("localhost/os"))
	})

	It("rejects an empty reference", func() {
		_, err := install.ParseImageReference("")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("GatherSourceInfo", func() {
	It("uses an explicit source imgref without touching the host PID namespace", func() {
		info, err := install.GatherSourceInfo("oci:/var/lib/image", true)
		Expect(err).ToNot(HaveOccurred())
		Expect(info.Image.Transport).To(Equal(types.TransportOCI))
		Expect(info.SELinuxPresentInSource).To(BeTrue())
		Expect(info.InHostMountNS).To(BeFalse())
	})
})

var _ = Describe("EnforceEmptyRoot", func() {
	var root string

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "install-root-")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() { os.RemoveAll(root) })
	})

	It("accepts an empty root with only lost+found", func() {
		Expect(os.Mkdir(filepath.Join(root, "lost+found"), 0o700)).To(Succeed())
		Expect(install.EnforceEmptyRoot(root, install.EmptyRootDefault)).To(Succeed())
	})

	It("rejects a populated default-mode root", func() {
		Expect(os.WriteFile(filepath.Join(root, "etc-release"), []byte("x"), 0o644)).To(Succeed())
		Expect(install.EnforceEmptyRoot(root, install.EmptyRootDefault)).ToNot(Succeed())
	})

	It("wipe mode recursively removes everything", func() {
		nested := filepath.Join(root, "var", "lib")
		Expect(os.MkdirAll(nested, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(nested, "data"), []byte("x"), 0o644)).To(Succeed())
		Expect(install.EnforceEmptyRoot(root, install.EmptyRootWipe)).To(Succeed())

		entries, err := os.ReadDir(root)
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(BeEmpty())
	})

	It("alongside mode clears only boot/", func() {
		Expect(os.MkdirAll(filepath.Join(root, "boot", "loader"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(root, "etc-release"), []byte("x"), 0o644)).To(Succeed())
		Expect(install.EnforceEmptyRoot(root, install.EmptyRootAlongside)).To(Succeed())

		Expect(filepath.Join(root, "etc-release")).To(BeAnExistingFile())
		bootEntries, err := os.ReadDir(filepath.Join(root, "boot"))
		Expect(err).ToNot(HaveOccurred())
		Expect(bootEntries).To(BeEmpty())
	})
})

var _ = Describe("SELinux state resolution", func() {
	It("forces disabled when requested regardless of target labels", func() {
		Expect(install.ResolveSELinuxState(true, true)).To(Equal(install.SELinuxForceTargetDisabled))
	})

	It("reports not-needed when the target ships no labels", func() {
		Expect(install.ResolveSELinuxState(false, false)).To(Equal(install.SELinuxNotNeeded))
	})
})

var _ = Describe("Aleph and fstab writing", func() {
	var root string

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "aleph-root-")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() { os.RemoveAll(root) })
	})

	It("writes a fstab line with ro forced for a separate boot mount", func() {
		boot := &types.MountSpec{Source: "UUID=1234", Target: "/boot", FSType: "ext4", Options: []string{"defaults"}}
		Expect(install.WriteFstab(root, boot)).To(Succeed())

		b, err := os.ReadFile(filepath.Join(root, "etc", "fstab"))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(b)).To(ContainSubstring("UUID=1234"))
		Expect(string(b)).To(ContainSubstring("ro"))
	})

	It("is a no-op with no boot mount", func() {
		Expect(install.WriteFstab(root, nil)).To(Succeed())
		_, err := os.Stat(filepath.Join(root, "etc", "fstab"))
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("writes the aleph record once with the running kernel release", func() {
		source := types.SourceInfo{Image: types.ImageReference{Transport: types.TransportRegistry, Image: "quay.io/example/os:latest"}}
		now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		Expect(install.WriteAleph(root, source, "1.2.3", install.SELinuxNotNeeded, now)).To(Succeed())

		b, err := os.ReadFile(filepath.Join(root, ".bootc-aleph.json"))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(b)).To(ContainSubstring("\"image\""))
		Expect(string(b)).To(ContainSubstring("1.2.3"))
	})

	It("injects a root ssh tmpfiles snippet", func() {
		Expect(install.InjectRootSSHTmpfiles(root)).To(Succeed())
		b, err := os.ReadFile(filepath.Join(root, "etc", "tmpfiles.d", "bootc-root-ssh.conf"))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(b)).To(ContainSubstring("/root/.ssh"))
	})
})
