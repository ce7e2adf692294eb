// Package cmdline parses /proc/cmdline-shaped byte buffers: a whitespace
// separated sequence of key or key=value tokens, with double-quoted values
// and hyphen/underscore-equivalent keys.
package cmdline

import (
	"bytes"
	"fmt"
	"os"
	"unicode/utf8"
)

// ProcCmdlinePath is the default source read by FromProc.
const ProcCmdlinePath = "/proc/cmdline"

// Cmdline holds the raw bytes of a kernel command line.
type Cmdline struct {
	raw []byte
}

// New wraps raw bytes (or a string, via []byte(s)) as a Cmdline.
func New(raw []byte) Cmdline {
	return Cmdline{raw: raw}
}

// FromProc reads /proc/cmdline from disk.
func FromProc() (Cmdline, error) {
	b, err := os.ReadFile(ProcCmdlinePath)
	if err != nil {
		return Cmdline{}, fmt.Errorf("reading %s: %w", ProcCmdlinePath, err)
	}
	return New(b), nil
}

// Parameter is a single key, or key=value, token.
type Parameter struct {
	// Raw is the full original token.
	Raw []byte
	// Key is the token's key, raw bytes (not dedashed).
	Key []byte
	// Value is the token's value, if any, with the outermost quote pair
	// stripped.
	Value    []byte
	hasValue bool
}

// HasValue reports whether the parameter had an '=' separator at all
// (a bare switch like "quiet" has no value, but "foo=" has an empty one).
func (p Parameter) HasValue() bool { return p.hasValue }

func dedash(b byte) byte {
	if b == '-' {
		return '_'
	}
	return b
}

// KeyEqual reports whether two keys are equal after mapping '-' to '_' in
// both.
func KeyEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if dedash(a[i]) != dedash(b[i]) {
			return false
		}
	}
	return true
}

// ParseParameter parses a single whitespace-delimited token into a
// Parameter. It splits on the first '=' only; the value (if present) has
// only its outermost double-quote pair stripped.
func ParseParameter(tok []byte) Parameter {
	if i := bytes.IndexByte(tok, '='); i >= 0 {
		key := tok[:i]
		value := tok[i+1:]
		value = bytes.TrimPrefix(value, []byte(`"`))
		value = bytes.TrimSuffix(value, []byte(`"`))
		return Parameter{Raw: tok, Key: key, Value: value, hasValue: true}
	}
	return Parameter{Raw: tok, Key: tok}
}

// Equal reports whether two parameters compare equal: same key (dedashed)
// and, when both have a value, the same value; a key-only parameter is
// never equal to a key=value parameter with the same key.
func (p Parameter) Equal(o Parameter) bool {
	if !KeyEqual(p.Key, o.Key) {
		return false
	}
	return p.hasValue == o.hasValue && (!p.hasValue || bytes.Equal(p.Value, o.Value))
}

// splitFields tokenizes raw on ASCII whitespace, treating a '"' as toggling
// an in-quotes state during which whitespace does not split.
func splitFields(raw []byte) [][]byte {
	var fields [][]byte
	var cur []byte
	inQuotes := false
	flush := func() {
		if len(cur) > 0 {
			fields = append(fields, cur)
			cur = nil
		}
	}
	for _, c := range raw {
		if c == '"' {
			inQuotes = !inQuotes
		}
		if !inQuotes && isASCIISpace(c) {
			flush()
			continue
		}
		cur = append(cur, c)
	}
	flush()
	return fields
}

func isASCIISpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	default:
		return false
	}
}

// Iter returns every parameter on the command line, in order.
func (c Cmdline) Iter() []Parameter {
	fields := splitFields(c.raw)
	params := make([]Parameter, 0, len(fields))
	for _, f := range fields {
		params = append(params, ParseParameter(f))
	}
	return params
}

// Find returns the first parameter whose key matches, or false.
func (c Cmdline) Find(key []byte) (Parameter, bool) {
	for _, p := range c.Iter() {
		if KeyEqual(p.Key, key) {
			return p, true
		}
	}
	return Parameter{}, false
}

// ValueOf returns the value of the first matching parameter, or nil if
// absent or key-only.
func (c Cmdline) ValueOf(key []byte) []byte {
	p, ok := c.Find(key)
	if !ok || !p.hasValue {
		return nil
	}
	return p.Value
}

// FindAllStartingWith returns every parameter whose key starts with prefix,
// in order, comparing raw bytes.
func (c Cmdline) FindAllStartingWith(prefix []byte) []Parameter {
	var out []Parameter
	for _, p := range c.Iter() {
		if bytes.HasPrefix(p.Key, prefix) {
			out = append(out, p)
		}
	}
	return out
}

// ErrNotUTF8 is returned by the UTF-8 variants when a matched token is not
// valid UTF-8.
var ErrNotUTF8 = fmt.Errorf("kernel command line token is not valid UTF-8")

// FindStr is the Find variant that requires key and value to be valid
// UTF-8; a non-UTF-8 match is reported via ErrNotUTF8 rather than being
// silently skipped, so callers can distinguish "absent" from "present but
// binary".
func (c Cmdline) FindStr(key string) (string, string, bool, error) {
	p, ok := c.Find([]byte(key))
	if !ok {
		return "", "", false, nil
	}
	if !utf8.Valid(p.Key) || (p.hasValue && !utf8.Valid(p.Value)) {
		return "", "", false, ErrNotUTF8
	}
	return string(p.Key), string(p.Value), p.hasValue, nil
}

// ValueOfUTF8 is the UTF-8 variant of ValueOf.
func (c Cmdline) ValueOfUTF8(key string) (string, error) {
	_, v, has, err := c.FindStr(key)
	if err != nil {
		return "", err
	}
	if !has {
		return "", nil
	}
	return v, nil
}

// FindAllStartingWithStr is the UTF-8 filtered variant of
// FindAllStartingWith: non-UTF-8 parameters are silently skipped rather
// than erroring, matching the "ignored" semantics of the prefix search.
func (c Cmdline) FindAllStartingWithStr(prefix string) []string {
	var out []string
	for _, p := range c.Iter() {
		if !utf8.Valid(p.Key) {
			continue
		}
		key := string(p.Key)
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		if p.hasValue && !utf8.Valid(p.Value) {
			continue
		}
		raw := key
		if p.hasValue {
			raw = key + "=" + string(p.Value)
		}
		out = append(out, raw)
	}
	return out
}

// String returns the Cmdline's raw text unchanged, byte-identical to the
// source it was parsed from.
func (c Cmdline) String() string { return string(c.raw) }

// Bytes returns the raw underlying bytes.
func (c Cmdline) Bytes() []byte { return c.raw }
