package consensus

import "strings"

// Similarity weights: token overlap dominates, raw length closes the gap
// for texts that share vocabulary but differ wildly in size.
const (
	tokenWeight  = 0.7
	lengthWeight = 0.3
)

// Similarity scores two texts in [0,1] as
// 0.7*(token overlap ratio) + 0.3*(1 - normalized length difference).
// Symmetric: Similarity(a, b) == Similarity(b, a).
func Similarity(a, b string) float64 {
	return tokenWeight*tokenOverlap(a, b) + lengthWeight*lengthSimilarity(a, b)
}

// tokenOverlap returns |intersection of lowercased word sets| divided by
// the larger set's size. Two empty texts count as fully overlapping.
func tokenOverlap(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)

	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}

	larger := len(ta)
	if len(tb) > larger {
		larger = len(tb)
	}

	shared := 0
	for w := range ta {
		if _, ok := tb[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(larger)
}

// lengthSimilarity returns 1 - |len(a)-len(b)| / max(len(a), len(b)),
// with two empty texts counting as identical.
func lengthSimilarity(a, b string) float64 {
	la, lb := len(a), len(b)
	if la == 0 && lb == 0 {
		return 1
	}

	longer := la
	diff := la - lb
	if lb > la {
		longer = lb
		diff = lb - la
	}
	return 1 - float64(diff)/float64(longer)
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}
