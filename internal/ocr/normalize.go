package ocr

import (
	"strings"
	"unicode"
)

// Normalize deletes every whitespace rune from s, including the ideographic
// space U+3000 and a stray byte order mark.
func Normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '\uFEFF' {
			return -1
		}
		return r
	}, s)
}
