package consensus

import (
	"math"
	"testing"
)

func TestJaccard_IdenticalTexts(t *testing.T) {
	a := tokenize("func main() { fmt.Println(\"hi\") }")
	b := tokenize("func main() { fmt.Println(\"hi\") }")
	if got := jaccard(a, b); got != 1.0 {
		t.Errorf("jaccard(identical) = %v, want 1.0", got)
	}
}

func TestJaccard_FormattingIsIgnored(t *testing.T) {
	a := tokenize("package main\n\nfunc run() error")
	b := tokenize("package   main; func run() error")
	if got := jaccard(a, b); got != 1.0 {
		t.Errorf("jaccard(reformatted) = %v, want 1.0", got)
	}
}

func TestJaccard_Symmetric(t *testing.T) {
	a := tokenize("alpha beta gamma")
	b := tokenize("beta gamma delta")
	if jaccard(a, b) != jaccard(b, a) {
		t.Error("jaccard is not symmetric")
	}
	// 2 shared of 4 distinct tokens.
	if got := jaccard(a, b); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("jaccard = %v, want 0.5", got)
	}
}

func TestJaccard_Disjoint(t *testing.T) {
	if got := jaccard(tokenize("one two"), tokenize("three four")); got != 0.0 {
		t.Errorf("jaccard(disjoint) = %v, want 0.0", got)
	}
}

func TestMeanPairwiseSimilarity_SingleResponse(t *testing.T) {
	if got := meanPairwiseSimilarity([]string{"anything"}); got != 1.0 {
		t.Errorf("meanPairwiseSimilarity(one text) = %v, want 1.0", got)
	}
}

func TestMeanPairwiseSimilarity_PermutationInvariant(t *testing.T) {
	texts := []string{"alpha beta", "beta gamma", "gamma delta"}
	perm := []string{"gamma delta", "alpha beta", "beta gamma"}
	if meanPairwiseSimilarity(texts) != meanPairwiseSimilarity(perm) {
		t.Error("mean similarity depends on response ordering")
	}
}
