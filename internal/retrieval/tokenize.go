package retrieval

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tokenize lower-cases text, replaces everything except letters and digits
// with spaces, and drops tokens shorter than two characters. Letters outside
// ASCII (umlauts, accents) are kept.
func Tokenize(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)

	fields := strings.Fields(cleaned)
	tokens := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
