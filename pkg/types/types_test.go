package types_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rsturla/bootc/pkg/types"
)

func TestTypesSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "types test suite")
}

var _ = Describe("ImageReference", func() {
	It("drops the tag when a digest is also present on a registry ref", func() {
		r := types.ImageReference{Transport: types.TransportRegistry, Image: "quay.io/example/os:latest@sha256:abcd"}
		got := r.Canonicalize()
		Expect(got.Image).To(Equal("quay.io/example/os@sha256:abcd"))
	})

	It("leaves a tag-only reference untouched", func() {
		r := types.ImageReference{Transport: types.TransportRegistry, Image: "quay.io/example/os:latest"}
		got := r.Canonicalize()
		Expect(got.Image).To(Equal("quay.io/example/os:latest"))
	})

	It("does not touch non-registry transports", func() {
		r := types.ImageReference{Transport: types.TransportContainersStorage, Image: "localhost/os:latest@sha256:abcd"}
		got := r.Canonicalize()
		Expect(got.Image).To(Equal(r.Image))
	})
})

var _ = Describe("MountSpec", func() {
	It("parses and round-trips a simple fstab-shaped line", func() {
		ms, err := types.ParseMountSpec("UUID=1234-5678 /boot ext4 ro,noatime 0 0")
		Expect(err).ToNot(HaveOccurred())
		Expect(ms.SourceUUID()).To(Equal("1234-5678"))
		Expect(ms.Target).To(Equal("/boot"))
		Expect(ms.String()).To(Equal("UUID=1234-5678 /boot ext4 ro,noatime 0 0"))
	})

	It("defaults fstype and options when absent", func() {
		ms := &types.MountSpec{Source: "/dev/sda1", Target: "/boot"}
		Expect(ms.String()).To(Equal("/dev/sda1 /boot auto defaults 0 0"))
	})

	It("errors on too few fields", func() {
		_, err := types.ParseMountSpec("/dev/sda1 /boot")
		Expect(err).To(HaveOccurred())
	})
})
