package cmdline_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rsturla/bootc/pkg/cmdline"
)

func TestCmdlineSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "cmdline test suite")
}

var _ = Describe("Cmdline", func() {
	It("splits on whitespace and quoted spans", func() {
		c := cmdline.New([]byte(`foo=1 bar="a b c" baz`))
		params := c.Iter()
		Expect(params).To(HaveLen(3))
		Expect(string(params[1].Key)).To(Equal("bar"))
		Expect(string(params[1].Value)).To(Equal("a b c"))
	})

	It("strips only the outermost quote pair", func() {
		p := cmdline.ParseParameter([]byte(`foo="quoted value"`))
		Expect(string(p.Value)).To(Equal("quoted value"))
	})

	It("treats dashes and underscores as equivalent in keys", func() {
		a := cmdline.ParseParameter([]byte("a-b=1"))
		b := cmdline.ParseParameter([]byte("a_b=1"))
		Expect(a.Equal(b)).To(BeTrue())
	})

	It("does not equate a key-only parameter with a key=value one", func() {
		a := cmdline.ParseParameter([]byte("same_key"))
		b := cmdline.ParseParameter([]byte("same_key=val"))
		Expect(a.Equal(b)).To(BeFalse())
	})

	It("does not match on leading substrings", func() {
		a := cmdline.ParseParameter([]byte("foo"))
		b := cmdline.ParseParameter([]byte("foobar"))
		Expect(a.Equal(b)).To(BeFalse())
	})

	It("finds the first matching parameter by key", func() {
		c := cmdline.New([]byte("root=UUID=abc rw composefs=deadbeef"))
		v := c.ValueOf([]byte("root"))
		Expect(string(v)).To(Equal("UUID=abc"))
	})

	It("finds all parameters with a given prefix, preserving order", func() {
		c := cmdline.New([]byte("rd.foo=1 root=x rd.bar rd.baz=2"))
		found := c.FindAllStartingWith([]byte("rd."))
		Expect(found).To(HaveLen(3))
		Expect(string(found[0].Key)).To(Equal("rd.foo"))
		Expect(string(found[2].Key)).To(Equal("rd.baz"))
	})

	It("surfaces non-UTF-8 tokens distinctly from absent ones", func() {
		c := cmdline.New([]byte("foo=\xff\xfe bar=ok"))
		_, _, _, err := c.FindStr("foo")
		Expect(err).To(Equal(cmdline.ErrNotUTF8))

		v, err := c.ValueOfUTF8("bar")
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal("ok"))

		_, err = c.ValueOfUTF8("missing")
		Expect(err).ToNot(HaveOccurred())
	})
})
