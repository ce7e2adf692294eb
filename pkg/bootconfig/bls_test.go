package bootconfig_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rsturla/bootc/pkg/bootconfig"
)

func TestBootconfigSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "bootconfig test suite")
}

const sampleBLS = `title Fedora 42 (CoreOS)
version 2
linux /boot/abc/vmlinuz-5.14.10
initrd /boot/abc/initramfs-5.14.10.img
options root=UUID=abc rw composefs=abc
custom1 v1
`

var _ = Describe("BLSConfig", func() {
	It("parses required and extra fields", func() {
		cfg, err := bootconfig.ParseBLSConfig(sampleBLS)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Title).To(Equal("Fedora 42 (CoreOS)"))
		Expect(cfg.Version).To(Equal("2"))
		Expect(cfg.Linux).To(Equal("/boot/abc/vmlinuz-5.14.10"))
		Expect(cfg.Initrd).To(Equal([]string{"/boot/abc/initramfs-5.14.10.img"}))
		Expect(cfg.Options).To(Equal("root=UUID=abc rw composefs=abc"))
		Expect(cfg.Extra).To(HaveKeyWithValue("custom1", "v1"))
	})

	It("round-trips through String/Parse", func() {
		cfg, err := bootconfig.ParseBLSConfig(sampleBLS)
		Expect(err).ToNot(HaveOccurred())
		reparsed, err := bootconfig.ParseBLSConfig(cfg.String())
		Expect(err).ToNot(HaveOccurred())
		Expect(reparsed).To(Equal(cfg))
	})

	It("errors when linux or version are missing", func() {
		_, err := bootconfig.ParseBLSConfig("title x\n")
		Expect(err).To(HaveOccurred())

		_, err = bootconfig.ParseBLSConfig("linux /boot/vmlinuz\n")
		Expect(err).To(HaveOccurred())
	})

	It("skips blank and comment lines", func() {
		cfg, err := bootconfig.ParseBLSConfig("# comment\n\nversion 1\nlinux /x\n")
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Version).To(Equal("1"))
	})

	It("orders by sort_key ascending, then version descending", func() {
		a := &bootconfig.BLSConfig{SortKey: "0", Version: "1.0", Linux: "/x"}
		b := &bootconfig.BLSConfig{SortKey: "1", Version: "1.0", Linux: "/x"}
		entries := []*bootconfig.BLSConfig{b, a}
		bootconfig.SortBLSConfigs(entries)
		Expect(entries[0]).To(Equal(a))
		Expect(entries[1]).To(Equal(b))
	})

	It("orders entries with the same sort_key by version descending, the tilde pre-release after the final release", func() {
		rc := &bootconfig.BLSConfig{Version: "1.0~rc1", Linux: "/x"}
		final := &bootconfig.BLSConfig{Version: "1.0", Linux: "/x"}
		entries := []*bootconfig.BLSConfig{rc, final}
		bootconfig.SortBLSConfigs(entries)
		Expect(entries[0]).To(Equal(final))
		Expect(entries[1]).To(Equal(rc))
	})

	It("orders by machine_id when sort_key is absent", func() {
		a := &bootconfig.BLSConfig{MachineID: "aaa", Version: "1", Linux: "/x"}
		b := &bootconfig.BLSConfig{MachineID: "bbb", Version: "1", Linux: "/x"}
		entries := []*bootconfig.BLSConfig{b, a}
		bootconfig.SortBLSConfigs(entries)
		Expect(entries[0]).To(Equal(a))
	})
})

var _ = Describe("MenuEntry", func() {
	It("parses a title with escaped quotes, insmod and chainloader", func() {
		input := "menuentry \"A \\\"quoted\\\" title\" {\n  insmod fat\n  chainloader /EFI/Linux/x.efi\n}\n"
		entries, err := bootconfig.ParseMenuEntries(input)
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Title).To(Equal(`A "quoted" title`))
		Expect(entries[0].Insmod).To(Equal([]string{"fat"}))
		Expect(entries[0].Chainloader).To(Equal("/EFI/Linux/x.efi"))
	})

	It("builds the UKI convenience constructor", func() {
		e := bootconfig.NewUKIMenuEntry("Fedora CoreOS", "deadbeef")
		Expect(e.Title).To(Equal("Fedora CoreOS: (deadbeef)"))
		Expect(e.Insmod).To(Equal([]string{"fat", "chain"}))
		Expect(e.Chainloader).To(Equal("/EFI/Linux/deadbeef.efi"))
		Expect(e.String()).To(ContainSubstring(`search --no-floppy --set=root --fs-uuid "${EFI_PART_UUID}"`))
	})

	It("round-trips title and extra keys", func() {
		input := `menuentry "Title" {
  insmod fat
  insmod chain
  search --no-floppy
  chainloader /EFI/Linux/x.efi
  set foo=bar
  custom extra1
}
`
		entries, err := bootconfig.ParseMenuEntries(input)
		Expect(err).ToNot(HaveOccurred())
		e := entries[0]
		Expect(e.ExtraKeys()).To(Equal([]string{"custom"}))

		again, err := bootconfig.ParseMenuEntries(e.String())
		Expect(err).ToNot(HaveOccurred())
		Expect(again[0].Title).To(Equal(e.Title))
		Expect(again[0].ExtraKeys()).To(Equal(e.ExtraKeys()))
	})

	It("tolerates other text and multiple blocks, including nested braces", func() {
		input := `
# leading comment
if [ x ]; then
  echo hi
fi
menuentry "One" {
  insmod fat
  chainloader /EFI/Linux/one.efi
}
menuentry "Two" {
  insmod part_gpt { nested }
  chainloader /EFI/Linux/two.efi
}
`
		entries, err := bootconfig.ParseMenuEntries(input)
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(2))
		Expect(entries[0].Title).To(Equal("One"))
		Expect(entries[1].Title).To(Equal("Two"))
	})

	It("errors on an empty title", func() {
		_, err := bootconfig.ParseMenuEntries(`menuentry "" { insmod fat }`)
		Expect(err).To(HaveOccurred())
	})
})
