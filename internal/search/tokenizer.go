package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var fold = cases.Fold()

// Tokenize splits text into Unicode-normalized, case-folded word
// tokens. Every term that ever reaches the index or a query goes
// through this first, so "Café", "café", and "CAFÉ" all collide
// on the same posting list. Accents are kept: "CAFE" folds to "cafe",
// a different term.
func Tokenize(text string) []string {
	normalized := norm.NFKC.String(text)
	folded := fold.String(normalized)

	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
