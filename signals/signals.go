// Package signals implements the independent detection signals the
// convergence scorer combines: embedding similarity to known scam phrases,
// CTR anomaly against position benchmarks, lexical pattern matches, and
// impression-growth velocity.
//
// Every evaluator is a pure function from a comparison record (plus
// auxiliary context) to a normalized Signal. Absence of data is never an
// error — a missing embedding or benchmark yields an inactive signal and
// the pipeline continues with reduced coverage.
package signals

// Type identifies a signal family.
type Type string

const (
	TypeEmbedding  Type = "embedding"
	TypeCTRAnomaly Type = "ctr_anomaly"
	TypePattern    Type = "pattern_match"
	TypeVelocity   Type = "velocity"
	TypeTrends     Type = "trends"
)

// Signal is one evaluator's normalized verdict.
type Signal struct {
	Type       Type           `json:"type"`
	Active     bool           `json:"active"`
	Strength   float64        `json:"strength"`   // [0,1]
	Confidence float64        `json:"confidence"` // [0,1]
	Details    string         `json:"details"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Per-signal trust levels. Embedding matches are the most trusted signal;
// patterns are curated but coarse; CTR is empirically strong; velocity is
// the noisiest.
const (
	EmbeddingConfidence = 0.9
	PatternConfidence   = 0.8
	CTRConfidence       = 0.85
	VelocityConfidence  = 0.7
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
