package delta

import (
	"unicode/utf16"
	"unicode/utf8"
)

// utf16Len returns the length of s in UTF-16 code units.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 && r <= utf8.MaxRune {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// utf16Slice returns s[from:to] with from and to measured in UTF-16 code
// units. ok is false when either bound falls inside a surrogate pair.
func utf16Slice(s string, from, to int) (string, bool) {
	units := utf16.Encode([]rune(s))
	if from < 0 || to > len(units) || from > to {
		return "", false
	}
	if splitsPair(units, from) || splitsPair(units, to) {
		return "", false
	}
	return string(utf16.Decode(units[from:to])), true
}

func splitsPair(units []uint16, i int) bool {
	if i <= 0 || i >= len(units) {
		return false
	}
	return utf16.IsSurrogate(rune(units[i-1])) && units[i-1] < 0xdc00 && units[i] >= 0xdc00 && units[i] <= 0xdfff
}
