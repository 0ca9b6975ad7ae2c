// Package pathutil turns arbitrary mail metadata into filesystem-safe path
// segments that stay within Windows path limits.
package pathutil

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
)

const (
	Placeholder       = '_'
	DefaultMaxSegment = 255
	TokenLength       = 8
)

var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// Sanitize makes segment usable as a single file or directory name.
//
// Forbidden characters are replaced one-to-one with '_', surrounding whitespace
// and placeholders are trimmed along with trailing dots, and the result is cut to
// maxLength runes. A segment that ends up empty is replaced by Token(segment), so
// the result is never empty. maxLength <= 0 selects DefaultMaxSegment.
func Sanitize(segment string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultMaxSegment
	}

	out := trim(replaceForbidden(segment))
	if utf8.RuneCountInString(out) > maxLength {
		out = trim(truncate(out, maxLength))
	}
	if out == "" {
		return truncate(Token(segment), maxLength)
	}
	return guardReserved(out, maxLength)
}

// SanitizeUnique behaves like Sanitize but keeps distinct long inputs distinct:
// when the segment had to be truncated, a hash token of the full input replaces
// its tail.
func SanitizeUnique(segment string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultMaxSegment
	}

	full := trim(replaceForbidden(segment))
	if utf8.RuneCountInString(full) <= maxLength {
		return Sanitize(segment, maxLength)
	}

	token := Token(segment)
	if maxLength < 2*TokenLength {
		return truncate(token, maxLength)
	}
	prefix := trim(truncate(full, maxLength-TokenLength-1))
	if prefix == "" {
		return token
	}
	return prefix + string(Placeholder) + token
}

// Token returns a fixed-width hex name derived from s.
func Token(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))[:TokenLength]
}

func isForbidden(r rune) bool {
	switch r {
	case '\\', '/', ':', '*', '?', '"', '<', '>', '|':
		return true
	}
	return r < 0x20 || r == 0x7f
}

// replaceForbidden composes s to NFC first so names from decomposing mail
// clients compare and truncate like their precomposed forms.
func replaceForbidden(s string) string {
	return strings.Map(func(r rune) rune {
		if r == utf8.RuneError || isForbidden(r) {
			return Placeholder
		}
		return r
	}, norm.NFC.String(s))
}

func trim(s string) string {
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == Placeholder
	})
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == Placeholder || r == '.'
	})
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func guardReserved(s string, maxLength int) string {
	stem, rest := s, ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		stem, rest = s[:idx], s[idx:]
	}
	if _, reserved := reservedNames[strings.ToUpper(stem)]; !reserved {
		return s
	}
	if utf8.RuneCountInString(stem) >= maxLength {
		return truncate(Token(s), maxLength)
	}
	return truncate(stem+string(Placeholder)+rest, maxLength)
}
