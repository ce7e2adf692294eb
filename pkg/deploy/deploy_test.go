package deploy_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rsturla/bootc/pkg/deploy"
)

func TestDeploySuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "deploy test suite")
}

var _ = Describe("Manager", func() {
	var root string

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "deploy-root-")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(func() { os.RemoveAll(root) })
	})

	It("computes a stable boot digest over vmlinuz+initrd bytes", func() {
		d1, err := deploy.ComputeBootDigest(strings.NewReader("KERNEL"), strings.NewReader("INITRD"))
		Expect(err).ToNot(HaveOccurred())
		d2, err := deploy.ComputeBootDigest(strings.NewReader("KERNEL"), strings.NewReader("INITRD"))
		Expect(err).ToNot(HaveOccurred())
		Expect(d1).To(Equal(d2))

		d3, err := deploy.ComputeBootDigest(strings.NewReader("OTHER"), strings.NewReader("INITRD"))
		Expect(err).ToNot(HaveOccurred())
		Expect(d3).ToNot(Equal(d1))
	})

	It("writes and reads back an origin file", func() {
		m := deploy.New(root, nil)
		Expect(m.EnsureStateDir("abc123", deploy.Origin{
			Container: "ostree-unverified-image:registry:quay.io/example/os:latest",
			BootType:  deploy.BootTypeBLS,
			Digest:    "deadbeef",
		})).To(Succeed())

		got, err := m.ReadOrigin("abc123")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.BootType).To(Equal(deploy.BootTypeBLS))
		Expect(got.Digest).To(Equal("deadbeef"))

		varInfo, err := os.Lstat(filepath.Join(root, "state", "deploy", "abc123", "var"))
		Expect(err).ToNot(HaveOccurred())
		Expect(varInfo.Mode() & os.ModeSymlink).ToNot(BeZero())
	})

	It("finds a boot digest duplicate across deployments", func() {
		m := deploy.New(root, nil)
		Expect(m.EnsureStateDir("first", deploy.Origin{BootType: deploy.BootTypeBLS, Digest: "sharedhash"})).To(Succeed())

		id, found, err := m.FindBootDigestDuplicate("sharedhash")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(id).To(Equal("first"))

		_, found, err = m.FindBootDigestDuplicate("nomatch")
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeFalse())
	})

	It("writes a fresh install BLS entry into loader/entries", func() {
		m := deploy.New(root, nil)
		err := m.WriteBLSEntry(deploy.BLSWriteRequest{
			ID:        "newid",
			Vmlinuz:   strings.NewReader("KERNEL"),
			Initrd:    strings.NewReader("INITRD"),
			RootKargs: []string{"root=UUID=1234"},
			IsUpgrade: false,
		})
		Expect(err).ToNot(HaveOccurred())

		Expect(filepath.Join(root, "boot", "newid", "vmlinuz")).To(BeAnExistingFile())
		confPath := filepath.Join(root, "boot", "loader", "entries", "bootc-composefs-1.conf")
		b, err := os.ReadFile(confPath)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(b)).To(ContainSubstring("composefs=newid"))
	})

	It("dedups onto an existing id's vmlinuz/initrd when requested", func() {
		m := deploy.New(root, nil)
		err := m.WriteBLSEntry(deploy.BLSWriteRequest{
			ID:          "dup",
			DuplicateOf: "shared",
			RootKargs:   []string{"root=UUID=1234"},
		})
		Expect(err).ToNot(HaveOccurred())
		_, statErr := os.Stat(filepath.Join(root, "boot", "dup"))
		Expect(os.IsNotExist(statErr)).To(BeTrue())

		confPath := filepath.Join(root, "boot", "loader", "entries", "bootc-composefs-1.conf")
		b, err := os.ReadFile(confPath)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(b)).To(ContainSubstring("/boot/shared/vmlinuz"))
	})
})
