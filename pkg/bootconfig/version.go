package bootconfig

import "unicode"

// CompareVersions compares two version strings per the UAPI Version Format
// Specification (https://uapi-group.org/specifications/specs/version_format_specification/),
// which is systemd's strverscmp algorithm: the string is walked in
// alternating runs of digits and non-digits, digit runs compare
// numerically (ignoring leading zeros, with more leading zeros losing a
// tie), non-digit runs compare byte-by-byte, and a leading '~' sorts
// before everything, including the empty string. It returns <0, 0, >0
// for a<b, a==b, a>b respectively, so "1.0~rc1" < "1.0".
func CompareVersions(a, b string) int {
	ar, br := []rune(a), []rune(b)
	i, j := 0, 0
	for i < len(ar) || j < len(br) {
		// A tilde sorts before everything, including running out of string.
		aTilde := i < len(ar) && ar[i] == '~'
		bTilde := j < len(br) && br[j] == '~'
		if aTilde || bTilde {
			if aTilde && !bTilde {
				return -1
			}
			if !aTilde && bTilde {
				return 1
			}
			i++
			j++
			continue
		}
		if i >= len(ar) && j >= len(br) {
			return 0
		}
		if i >= len(ar) {
			return -1
		}
		if j >= len(br) {
			return 1
		}

		aDigit := unicode.IsDigit(ar[i])
		bDigit := unicode.IsDigit(br[j])
		if aDigit != bDigit {
			// Digit runs sort after non-digit runs at the same position,
			// matching systemd's strverscmp ordering.
			if aDigit {
				return 1
			}
			return -1
		}

		if aDigit {
			si, sj := i, j
			for i < len(ar) && unicode.IsDigit(ar[i]) {
				i++
			}
			for j < len(br) && unicode.IsDigit(br[j]) {
				j++
			}
			numA, leadingA := trimLeadingZeros(string(ar[si:i]))
			numB, leadingB := trimLeadingZeros(string(br[sj:j]))
			if c := compareDecimal(numA, numB); c != 0 {
				return c
			}
			// Equal numeric value: fewer leading zeros sorts later.
			if leadingA != leadingB {
				if leadingA < leadingB {
					return 1
				}
				return -1
			}
			continue
		}

		si, sj := i, j
		for i < len(ar) && !unicode.IsDigit(ar[i]) && ar[i] != '~' {
			i++
		}
		for j < len(br) && !unicode.IsDigit(br[j]) && br[j] != '~' {
			j++
		}
		runeA, runeB := string(ar[si:i]), string(br[sj:j])
		if runeA != runeB {
			if runeA < runeB {
				return -1
			}
			return 1
		}
	}
	return 0
}

// trimLeadingZeros strips leading zeros (keeping at least one digit) and
// reports how many were stripped, so equal-value runs can be tie-broken.
func trimLeadingZeros(s string) (string, int) {
	n := 0
	for n < len(s)-1 && s[n] == '0' {
		n++
	}
	return s[n:], n
}

// compareDecimal compares two non-negative decimal strings (no leading
// zeros beyond a single "0") numerically without overflow risk.
func compareDecimal(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}
