package model

import (
	"fmt"
	"strconv"
	"strings"
)

// needsEscape reports membership in CONTROLS ∪ {space, ", comma, ;, (, )} per spec, plus '%'
// itself so the encoding stays reversible when the input already contains
// a literal percent sign.
func needsEscape(b byte) bool {
	if b < 0x20 || b == 0x7f {
		return true
	}
	switch b {
	case ' ', '"', ',', ';', '(', ')', '%':
		return true
	}
	return false
}

// PercentEncode escapes the reserved separator set so a string can be
// embedded in a statement's comma-parenthesized entity list or an
// opinion's semicolon-separated comment field without ambiguity.
func PercentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if needsEscape(c) {
			fmt.Fprintf(&b, "%%%02X", c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// PercentDecode reverses PercentEncode. Malformed escapes are passed
// through verbatim rather than erroring, matching the original's
// best-effort decoding of untrusted wire content.
func PercentDecode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
