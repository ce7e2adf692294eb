package blockdev_test

import (
	"fmt"
	"os/exec"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rsturla/bootc/pkg/blockdev"
)

func TestBlockdevSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "blockdev test suite")
}

// fakeRunner is a minimal runner.Runner double that returns canned output
// per command name, recording every invocation for assertions.
type fakeRunner struct {
	outputs map[string][]byte
	errs    map[string]error
	calls   [][]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string][]byte{}, errs: map[string]error{}}
}

func (f *fakeRunner) InitCmd(command string, args ...string) *exec.Cmd {
	return exec.Command(command, args...)
}

func (f *fakeRunner) RunCmd(cmd *exec.Cmd) ([]byte, error) {
	return nil, fmt.Errorf("not implemented in fake")
}

func (f *fakeRunner) Run(command string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{command}, args...))
	return f.outputs[command], f.errs[command]
}

var _ = Describe("ParseSizeMiB", func() {
	DescribeTable("parses and rejects size expressions",
		func(input string, want uint64, wantErr bool) {
			got, err := blockdev.ParseSizeMiB(input)
			if wantErr {
				Expect(err).To(HaveOccurred())
				return
			}
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("zero bare", "0", uint64(0), false),
		Entry("zero with M", "0M", uint64(0), false),
		Entry("bare integer means MiB", "10", uint64(10), false),
		Entry("MiB suffix", "10MiB", uint64(10), false),
		Entry("G suffix", "1G", uint64(1024), false),
		Entry("9G", "9G", uint64(9216), false),
		Entry("11T", "11T", uint64(11*1024*1024), false),
		Entry("unknown suffix errors", "10X", uint64(0), true),
	)

	It("round-trips via FormatSizeMiB", func() {
		for _, n := range []uint64{0, 1, 1024, 123456} {
			got, err := blockdev.ParseSizeMiB(blockdev.FormatSizeMiB(n))
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(n))
		}
	})
})

var _ = Describe("Facade", func() {
	It("parses sfdisk -J output into a 1-indexed PartitionTable", func() {
		r := newFakeRunner()
		r.outputs["sfdisk"] = []byte(`{
			"partitiontable": {
				"label": "gpt",
				"id": "1234",
				"device": "/dev/sda",
				"partitions": [
					{"node": "/dev/sda1", "start": 2048, "size": 1048576, "type": "C12A7328-F81F-11D2-BA4B-00A0C93EC93B", "uuid": "u1", "name": "ESP"},
					{"node": "/dev/sda2", "start": 1050624, "size": 2048000, "type": "0FC63DAF-8483-4772-8E79-3D69D8477DE4", "uuid": "u2", "name": "root"}
				]
			}
		}`)
		f := blockdev.New(r, nil)
		pt, err := f.PartitionsOf("/dev/sda")
		Expect(err).ToNot(HaveOccurred())
		Expect(pt.Label).To(Equal(blockdev.LabelGPT))
		Expect(pt.Partitions).To(HaveLen(2))

		p1, err := pt.FindPartno(1)
		Expect(err).ToNot(HaveOccurred())
		Expect(p1.Node).To(Equal("/dev/sda1"))

		_, err = pt.FindPartno(3)
		Expect(err).To(HaveOccurred())
	})

	It("finds the disk backing a partition via lsblk --inverse", func() {
		r := newFakeRunner()
		r.outputs["lsblk"] = []byte(`NAME="/dev/sda1" TYPE="part"
NAME="/dev/sda" TYPE="disk"
`)
		f := blockdev.New(r, nil)
		parents, err := f.FindParentDevices("/dev/sda1")
		Expect(err).ToNot(HaveOccurred())
		Expect(parents).To(Equal([]string{"/dev/sda"}))
	})

	It("reads the filesystem UUID via blkid", func() {
		r := newFakeRunner()
		r.outputs["blkid"] = []byte("abcd-1234\n")
		f := blockdev.New(r, nil)
		uuid, err := f.BlkidUUID("/dev/sda2")
		Expect(err).ToNot(HaveOccurred())
		Expect(uuid).To(Equal("abcd-1234"))
	})
})

var _ = Describe("LoopbackDevice", func() {
	It("is idempotent: closing twice issues a single losetup -d", func() {
		r := newFakeRunner()
		r.outputs["losetup"] = []byte("/dev/loop7\n")
		ld, err := blockdev.NewLoopbackDevice(r, nil, "", "/tmp/image.raw")
		Expect(err).ToNot(HaveOccurred())
		Expect(ld.Device()).To(Equal("/dev/loop7"))

		Expect(ld.Close()).To(Succeed())
		Expect(ld.Close()).To(Succeed())

		dCount := 0
		for _, c := range r.calls {
			if len(c) >= 2 && c[0] == "losetup" && c[1] == "-d" {
				dCount++
			}
		}
		Expect(dCount).To(Equal(1))
	})
})
