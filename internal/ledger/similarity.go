package ledger

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// headlineTokens folds case, strips diacritics and punctuation, and returns
// the set of words in s.
func headlineTokens(s string) map[string]bool {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	folded := cases.Fold().String(stripped)

	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '%' && r != '.'
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".")
		if w != "" {
			set[w] = true
		}
	}
	return set
}

// jaccard returns |a∩b| / |a∪b|, or 0 when either set is empty.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// headlineSimilarity compares two headlines after normalisation.
func headlineSimilarity(a, b string) float64 {
	return jaccard(headlineTokens(a), headlineTokens(b))
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func summarize(headline string, maxChars int) string {
	r := []rune(strings.TrimSpace(headline))
	if maxChars <= 0 || len(r) <= maxChars {
		return string(r)
	}
	return strings.TrimSpace(string(r[:maxChars])) + "…"
}
