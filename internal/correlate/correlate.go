// Package correlate scores topical overlap between two texts.
//
// The score is a cheap, deterministic, order-independent gate for
// deciding whether a lower layer's output is worth injecting into the
// Gateway's context. Callers apply a single threshold; the score is
// not a ranking.
package correlate

import (
	"strings"
	"unicode"
)

// Score returns the Jaccard index over significant terms of the two
// texts, in [0,1]. Tokens are split on whitespace, stripped of
// surrounding non-alphanumeric characters, and discarded when 3
// characters or shorter. Returns 0 if either term set is empty.
func Score(textA, textB string) float64 {
	setA := termSet(textA)
	setB := termSet(textB)

	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	intersection := 0
	for term := range setA {
		if _, ok := setB[term]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection

	return float64(intersection) / float64(union)
}

func termSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, raw := range strings.Fields(text) {
		term := strings.TrimFunc(raw, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len(term) <= 3 {
			continue
		}
		set[term] = struct{}{}
	}
	return set
}
