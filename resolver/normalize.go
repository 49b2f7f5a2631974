package resolver

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// asciiFold decomposes accented characters and drops everything outside ASCII,
// so "Pérez" folds to "Perez".
var asciiFold = transform.Chain(
	norm.NFKD,
	runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
)

// Normalize case-folds, strips diacritics, replaces every character that is not
// a letter, digit or space with a space, and collapses whitespace.
func Normalize(text string) string {
	folded, _, err := transform.String(asciiFold, text)
	if err != nil {
		folded = text
	}
	folded = strings.ToLower(folded)

	mapped := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return ' '
	}, folded)

	return strings.Join(strings.Fields(mapped), " ")
}
