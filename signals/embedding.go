package signals

import (
	"fmt"

	"github.com/serplab/scamscope/vecmath"
)

// DefaultEmbeddingThreshold is deliberately looser than the 0.80
// legitimate-zone threshold: obfuscated scam variants sit further from
// their seed phrase than legitimate queries sit from their category.
const DefaultEmbeddingThreshold = 0.70

// SeedVector is a seed phrase with its precomputed embedding.
type SeedVector struct {
	Text     string
	Category string
	Severity string
	Vec      []float32
	Norm     float64
}

// Embedding finds the best cosine similarity between the query vector and
// the known seed-phrase vectors. A nil query vector or empty seed set
// (embedding service degraded, cache cold) reports inactive.
func Embedding(queryVec []float32, queryNorm float64, seeds []SeedVector, threshold float64) Signal {
	sig := Signal{Type: TypeEmbedding, Confidence: EmbeddingConfidence}
	if threshold <= 0 {
		threshold = DefaultEmbeddingThreshold
	}
	if len(queryVec) == 0 || len(seeds) == 0 {
		sig.Details = "no embedding data"
		return sig
	}
	if queryNorm == 0 {
		queryNorm = vecmath.Norm(queryVec)
	}

	best := -1.0
	var bestSeed SeedVector
	for _, s := range seeds {
		sim := vecmath.CosineWithNorms(queryVec, s.Vec, queryNorm, s.Norm)
		if sim > best {
			best = sim
			bestSeed = s
		}
	}
	if best < 0 {
		best = 0
	}

	sig.Strength = clamp01(best)
	sig.Active = best >= threshold
	sig.Metadata = map[string]any{
		"matched_phrase": bestSeed.Text,
		"category":       bestSeed.Category,
		"severity":       bestSeed.Severity,
		"similarity":     best,
	}
	if sig.Active {
		sig.Details = fmt.Sprintf("similar to known scam phrase %q (%.2f)", bestSeed.Text, best)
	} else {
		sig.Details = fmt.Sprintf("best seed similarity %.2f below threshold %.2f", best, threshold)
	}
	return sig
}
