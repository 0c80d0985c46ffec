package risk

import (
	"strings"
)

// Normalize lowercases text, strips ASCII punctuation other than the
// apostrophe and collapses whitespace runs to single spaces. Punctuation is
// removed before collapsing so that "a , b" becomes "a b", which keeps
// Normalize idempotent.
func Normalize(text string) string {
	stripped := strings.Map(func(r rune) rune {
		if r != '\'' && isASCIIPunct(r) {
			return -1
		}
		return r
	}, strings.ToLower(text))
	return strings.Join(strings.Fields(stripped), " ")
}

func isASCIIPunct(r rune) bool {
	return (r >= '!' && r <= '/') || (r >= ':' && r <= '@') || (r >= '[' && r <= '`') || (r >= '{' && r <= '~')
}
