package blockdev

import (
	"fmt"
	"strconv"
	"strings"
)

// sizeSuffixes is checked in order; the first suffix that ends the
// string is stripped once and sets the multiplier. "MiB" is listed
// before "M" (and likewise for G and T) so the longer form is matched
// first.
var sizeSuffixes = []struct {
	suffix string
	mul    uint64
}{
	{"MiB", 1},
	{"M", 1},
	{"GiB", 1024},
	{"G", 1024},
	{"TiB", 1024 * 1024},
	{"T", 1024 * 1024},
}

// ParseSizeMiB parses a size expression like "10", "10MiB", "1G", "11T"
// into a mebibyte count. A bare integer is interpreted as MiB. Any text
// trailing a recognized suffix is an error.
func ParseSizeMiB(s string) (uint64, error) {
	orig := s
	mul := uint64(1)
	for _, suf := range sizeSuffixes {
		if rest, ok := cutSuffix(s, suf.suffix); ok {
			s = rest
			mul = suf.mul
			break
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing size %q: %w", orig, err)
	}
	return v * mul, nil
}

// cutSuffix finds the last occurrence of suffix in s and reports the text
// before it, erroring semantics are left to the caller: any text after the
// suffix makes for an invalid remaining numeric parse, which ParseSizeMiB
// surfaces via strconv.ParseUint failing on the leftover garbage.
func cutSuffix(s, suffix string) (string, bool) {
	idx := strings.LastIndex(s, suffix)
	if idx < 0 {
		return s, false
	}
	if idx+len(suffix) != len(s) {
		return s, false
	}
	return s[:idx], true
}

// FormatSizeMiB renders a mebibyte count back to the canonical "NMiB"
// form consumed by ParseSizeMiB, satisfying the round-trip law
// ParseSizeMiB(FormatSizeMiB(n)) == n.
func FormatSizeMiB(n uint64) string {
	return fmt.Sprintf("%dMiB", n)
}
