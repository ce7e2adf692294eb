// Package blockdev is the façade over external block-device utilities:
// it shells out to lsblk, sfdisk, blkid, findmnt and losetup, parses their
// JSON (or, for the fallback path, lsblk --pairs key=value lines), and
// manages loopback device lifetime with a crash-safe cleanup helper.
package blockdev

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rsturla/bootc/internal/logx"
	"github.com/rsturla/bootc/internal/runner"
)

// Device is a node in the lsblk device tree.
type Device struct {
	Name      string    `json:"name"`
	Serial    string    `json:"serial,omitempty"`
	Model     string    `json:"model,omitempty"`
	PartLabel string    `json:"partlabel,omitempty"`
	PartType  string    `json:"parttype,omitempty"`
	PartUUID  string    `json:"partuuid,omitempty"`
	Size      int64     `json:"size,omitempty,string"`
	MajMin    string    `json:"maj:min,omitempty"`
	Start     *int64    `json:"start,omitempty,string"`
	Label     string    `json:"label,omitempty"`
	FSType    string    `json:"fstype,omitempty"`
	Path      string    `json:"path,omitempty"`
	Type      string    `json:"type,omitempty"`
	Children  []*Device `json:"children,omitempty"`
}

type lsblkOutput struct {
	BlockDevices []*Device `json:"blockdevices"`
}

// Facade wraps the external tools behind a Runner, so call sites can be
// driven by a fake Runner in tests instead of shelling out for real.
type Facade struct {
	Runner runner.Runner
	Logger *logx.Logger
}

// New builds a Facade with the given Runner; a nil Logger uses the package
// default.
func New(r runner.Runner, log *logx.Logger) *Facade {
	if log == nil {
		log = logx.Default()
	}
	return &Facade{Runner: r, Logger: log}
}

// ListDev runs `lsblk -J -b -O <path>` and returns the device tree,
// recursively back-filling `start` from /sys/dev/block/<maj:min>/start when
// the installed lsblk is too old to report it.
func (f *Facade) ListDev(path string) (*Device, error) {
	out, err := f.Runner.Run("lsblk", "-J", "-b", "-O", path)
	if err != nil {
		if dev, perr := f.listDevPairs(path); perr == nil {
			return dev, nil
		}
		return nil, fmt.Errorf("lsblk -J -b -O %s: %w: %s", path, err, out)
	}
	var parsed lsblkOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parsing lsblk JSON for %s: %w", path, err)
	}
	if len(parsed.BlockDevices) == 0 {
		return nil, fmt.Errorf("lsblk returned no devices for %s", path)
	}
	root := parsed.BlockDevices[0]
	f.backfillStart(root)
	return root, nil
}

// listDevPairs is the fallback for lsblk versions without -J/-O support: it
// parses `lsblk --pairs --paths --inverse --output NAME,TYPE` key=value
// lines.
func (f *Facade) listDevPairs(path string) (*Device, error) {
	out, err := f.Runner.Run("lsblk", "--pairs", "--paths", "--inverse", "--output", "NAME,TYPE", path)
	if err != nil {
		return nil, fmt.Errorf("lsblk --pairs fallback for %s: %w: %s", path, err, out)
	}
	devices := parsePairsLines(string(out))
	if len(devices) == 0 {
		return nil, fmt.Errorf("lsblk --pairs returned no devices for %s", path)
	}
	return devices[0], nil
}

func parsePairsLines(out string) []*Device {
	var devices []*Device
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := parseKVPairs(line)
		devices = append(devices, &Device{Name: fields["NAME"], Type: fields["TYPE"]})
	}
	return devices
}

// parseKVPairs parses `KEY="value" KEY2="value2"` style lines as emitted by
// lsblk --pairs.
func parseKVPairs(line string) map[string]string {
	fields := map[string]string{}
	for _, tok := range splitQuoted(line) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return fields
}

func splitQuoted(s string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for _, c := range s {
		if c == '"' {
			inQuotes = !inQuotes
		}
		if c == ' ' && !inQuotes {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteRune(c)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// backfillStart recursively fills in Device.Start from sysfs when lsblk
// didn't report it.
func (f *Facade) backfillStart(d *Device) {
	if d.Start == nil && d.MajMin != "" {
		p := filepath.Join("/sys/dev/block", d.MajMin, "start")
		if b, err := os.ReadFile(p); err == nil {
			if v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64); err == nil {
				d.Start = &v
			}
		}
	}
	for _, c := range d.Children {
		f.backfillStart(c)
	}
}

// PartitionTableLabel is the disklabel kind reported by sfdisk.
type PartitionTableLabel string

const (
	LabelDOS   PartitionTableLabel = "dos"
	LabelGPT   PartitionTableLabel = "gpt"
	LabelOther PartitionTableLabel = "" // carries the raw string separately
)

// Partition is one entry of a PartitionTable, 1-indexed by FindPartno.
type Partition struct {
	Node     string `json:"node"`
	Start    int64  `json:"start"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	PartNo   int    `json:"-"`
}

// PartitionTable is the result of `sfdisk -J <device>`.
type PartitionTable struct {
	Label      PartitionTableLabel
	LabelOther string
	ID         string
	Device     string
	Partitions []Partition
}

type sfdiskOutput struct {
	PartitionTable struct {
		Label      string `json:"label"`
		ID         string `json:"id"`
		Device     string `json:"device"`
		Partitions []struct {
			Node string `json:"node"`
			Start int64  `json:"start"`
			Size  int64  `json:"size"`
			Type  string `json:"type"`
			UUID  string `json:"uuid"`
			Name  string `json:"name"`
		} `json:"partitions"`
	} `json:"partitiontable"`
}

// PartitionsOf runs `sfdisk -J <path>` and returns the partition table in
// on-disk order, 1-indexed.
func (f *Facade) PartitionsOf(path string) (*PartitionTable, error) {
	out, err := f.Runner.Run("sfdisk", "-J", path)
	if err != nil {
		return nil, fmt.Errorf("sfdisk -J %s: %w: %s", path, err, out)
	}
	var parsed sfdiskOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parsing sfdisk JSON for %s: %w", path, err)
	}
	pt := &PartitionTable{
		ID:     parsed.PartitionTable.ID,
		Device: parsed.PartitionTable.Device,
	}
	switch parsed.PartitionTable.Label {
	case "dos":
		pt.Label = LabelDOS
	case "gpt":
		pt.Label = LabelGPT
	default:
		pt.Label = LabelOther
		pt.LabelOther = parsed.PartitionTable.Label
	}
	for i, p := range parsed.PartitionTable.Partitions {
		pt.Partitions = append(pt.Partitions, Partition{
			Node: p.Node, Start: p.Start, Size: p.Size,
			Type: p.Type, UUID: p.UUID, Name: p.Name, PartNo: i + 1,
		})
	}
	return pt, nil
}

// FindPartno returns the 1-based partition n, or an error if out of range.
func (pt *PartitionTable) FindPartno(n int) (*Partition, error) {
	if n < 1 || n > len(pt.Partitions) {
		return nil, fmt.Errorf("partition %d not found on %s (have %d partitions)", n, pt.Device, len(pt.Partitions))
	}
	return &pt.Partitions[n-1], nil
}

// FindParentDevices walks up the lsblk hierarchy from path and returns the
// block devices of type disk/loop/mpath backing it. Walking stops at the
// first mpath device encountered, since its constituent disks are not
// independently relevant to bootloader installation.
func (f *Facade) FindParentDevices(path string) ([]string, error) {
	out, err := f.Runner.Run("lsblk", "--pairs", "--paths", "--inverse", "--output", "NAME,TYPE", path)
	if err != nil {
		return nil, fmt.Errorf("lsblk --inverse for %s: %w: %s", path, err, out)
	}
	var parents []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := parseKVPairs(line)
		name, kind := fields["NAME"], fields["TYPE"]
		switch kind {
		case "disk", "loop":
			parents = append(parents, name)
		case "mpath":
			parents = append(parents, name)
			return parents, nil
		}
	}
	return parents, nil
}

// BlkidUUID runs `blkid -s UUID -o value <path>` and returns the
// filesystem UUID.
func (f *Facade) BlkidUUID(path string) (string, error) {
	out, err := f.Runner.Run("blkid", "-s", "UUID", "-o", "value", path)
	if err != nil {
		return "", fmt.Errorf("blkid -s UUID -o value %s: %w: %s", path, err, out)
	}
	return strings.TrimSpace(string(out)), nil
}

// FindMountpoint runs `findmnt -n -o TARGET <source>` and reports whether
// source is currently mounted, and where.
func (f *Facade) FindMountpoint(source string) (string, bool) {
	out, err := f.Runner.Run("findmnt", "-n", "-o", "TARGET", source)
	if err != nil {
		return "", false
	}
	target := strings.TrimSpace(string(out))
	if target == "" {
		return "", false
	}
	return target, true
}
