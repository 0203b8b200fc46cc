// Package plate normalizes raw OCR output into candidate plate strings,
// validates them against the registered plate formats, and consolidates a
// buffer of noisy readings into a single best string.
package plate

import (
	"regexp"
	"strings"
)

// MinLen is the minimum length a cleaned reading must reach before it is
// considered a candidate plate at all.
const MinLen = 3

// Confusable glyph maps. The first three plate positions are alphabetic in
// every supported format, so digit-like glyphs there are mapped to the
// letters they are usually misread from; positions three to five are
// numeric, so letter-like glyphs are mapped back to digits.
var (
	digitToLetter = map[byte]byte{
		'0': 'O', '1': 'I', '2': 'Z', '3': 'B', '4': 'A', '5': 'S', '6': 'G', '8': 'B',
	}
	letterToDigit = map[byte]byte{
		'O': '0', 'Q': '0', 'D': '0', 'I': '1', 'L': '1', 'B': '8', 'S': '5', 'G': '6', 'Z': '2',
	}
)

var patterns = []*regexp.Regexp{
	regexp.MustCompile(`^[A-Z]{3}[0-9]{3}$`),      // cars
	regexp.MustCompile(`^[A-Z]{3}[0-9]{2}[A-Z]$`), // motorcycles
	regexp.MustCompile(`^[0-9]{3}[A-Z]{3}$`),      // mototaxis
	regexp.MustCompile(`^[A-Z]{2}[0-9]{4}$`),      // newer series
	regexp.MustCompile(`^[A-Z]{3}[0-9]{2}$`),      // partial reads
}

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]`)

// Normalize uppercases the text, strips separators, and applies the
// positional confusable-glyph substitution.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ToUpper(text)
	for _, sep := range []string{" ", "-", ".", "·"} {
		text = strings.ReplaceAll(text, sep, "")
	}
	b := []byte(text)
	for i := 0; i < len(b) && i < 3; i++ {
		if c, ok := digitToLetter[b[i]]; ok {
			b[i] = c
		}
	}
	for i := 3; i < len(b) && i < 6; i++ {
		if c, ok := letterToDigit[b[i]]; ok {
			b[i] = c
		}
	}
	return string(b)
}

// Clean is the aggressive variant applied to raw OCR output: it removes
// every non-alphanumeric rune, collapses runs of repeated characters, and
// then normalizes.
func Clean(text string) string {
	text = strings.ToUpper(text)
	text = nonAlnum.ReplaceAllString(text, "")
	if len(text) > 1 {
		var b strings.Builder
		b.Grow(len(text))
		var prev byte
		for i := 0; i < len(text); i++ {
			if i > 0 && text[i] == prev {
				continue
			}
			prev = text[i]
			b.WriteByte(prev)
		}
		text = b.String()
	}
	return Normalize(text)
}

// ValidFormat reports whether the text matches one of the registered plate
// patterns. The empty string never validates.
func ValidFormat(text string) bool {
	if text == "" {
		return false
	}
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
