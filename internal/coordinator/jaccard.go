package coordinator

import "strings"

// tokenize lowercases text and splits it into alphanumeric terms.
func tokenize(text string) map[string]bool {
	terms := make(map[string]bool)
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			terms[b.String()] = true
			b.Reset()
		}
	}
	if b.Len() > 0 {
		terms[b.String()] = true
	}
	return terms
}

// jaccard returns the Jaccard similarity of two texts over their term
// sets, 0 when either side is empty.
func jaccard(a, b string) float64 {
	ta := tokenize(a)
	tb := tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for term := range ta {
		if tb[term] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
