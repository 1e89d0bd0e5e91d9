package core

import (
	"sort"
	"strings"
	"unicode"

	"github.com/anthropics/cascade-engine/internal/textutil"
)

// selectSeed picks the most information-dense paragraphs of a core's
// output, with a recency bias, that fit in the token budget (plus a 10%
// overshoot allowance). Selected paragraphs keep their original order.
// When no whole paragraph fits, the trailing slice of the text stands
// in so a compaction never hands the peer an empty seed.
func selectSeed(text string, budgetTokens int) string {
	var paragraphs []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	if len(paragraphs) == 0 {
		return text
	}

	type scored struct {
		index int
		score float64
		text  string
	}

	total := len(paragraphs)
	ranked := make([]scored, 0, total)
	for i, p := range paragraphs {
		words := strings.Fields(p)
		totalTerms := len(words)
		if totalTerms == 0 {
			totalTerms = 1
		}
		unique := make(map[string]struct{})
		for _, w := range words {
			w = strings.TrimFunc(w, func(r rune) bool {
				return !unicode.IsLetter(r) && !unicode.IsDigit(r)
			})
			if w != "" {
				unique[w] = struct{}{}
			}
		}

		density := float64(len(unique)) / float64(totalTerms)
		recency := (float64(i) + 1.0) / float64(total)
		ranked = append(ranked, scored{index: i, score: density*0.7 + recency*0.3, text: p})
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].score > ranked[b].score
	})

	budgetChars := budgetTokens * 4
	maxChars := budgetChars + budgetChars/10
	var selected []scored
	totalChars := 0
	for _, cand := range ranked {
		if totalChars+len(cand.text) > maxChars {
			continue
		}
		selected = append(selected, cand)
		totalChars += len(cand.text)
	}

	if len(selected) == 0 {
		return textutil.Tail(strings.TrimSpace(text), maxChars)
	}

	sort.Slice(selected, func(a, b int) bool {
		return selected[a].index < selected[b].index
	})

	parts := make([]string, len(selected))
	for i, s := range selected {
		parts[i] = s.text
	}
	return strings.Join(parts, "\n\n")
}
