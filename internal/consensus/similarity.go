package consensus

import "strings"

// tokenize normalizes a response into a token set: lowercased, split on
// non-alphanumeric runes. Whitespace and formatting differences between two
// otherwise identical answers therefore carry no weight.
func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			out[b.String()] = struct{}{}
			b.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

// jaccard is the token-set similarity of two responses: symmetric,
// deterministic, and 1.0 for identical normalized content.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

// meanPairwiseSimilarity averages jaccard over all unordered pairs. A single
// response agrees perfectly with itself. The mean over unordered pairs makes
// the metric invariant under permutation of the response set.
func meanPairwiseSimilarity(texts []string) float64 {
	if len(texts) < 2 {
		return 1.0
	}
	sets := make([]map[string]struct{}, len(texts))
	for i, t := range texts {
		sets[i] = tokenize(t)
	}
	sum, pairs := 0.0, 0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			sum += jaccard(sets[i], sets[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}
