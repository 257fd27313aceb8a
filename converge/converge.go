// Package converge combines the independent detection signals into one
// 0–100 convergence score and a flag decision, honoring the semantic-zone
// exclusion policy.
//
// Decision order matters: the high-confidence legitimate short-circuit is
// checked before any evaluator runs, so an unambiguous legitimate query
// costs one classification and nothing else.
package converge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/serplab/scamscope/analytics"
	"github.com/serplab/scamscope/embedder"
	"github.com/serplab/scamscope/seedcache"
	"github.com/serplab/scamscope/semzone"
	"github.com/serplab/scamscope/signals"
	"github.com/serplab/scamscope/trends"
)

// Fixed signal weights. The trends slot is reserved for the optional
// external enrichment; without a provider it simply never contributes.
var defaultWeights = map[signals.Type]float64{
	signals.TypeEmbedding:  0.35,
	signals.TypeCTRAnomaly: 0.25,
	signals.TypePattern:    0.20,
	signals.TypeVelocity:   0.12,
	signals.TypeTrends:     0.08,
}

const (
	// ShortCircuitSimilarity gates the early legitimate exit. Stricter
	// than the 0.80 zone threshold: the gap is a deliberate hysteresis
	// band, not an inconsistency — queries between 0.80 and 0.85 still
	// get evaluated, they just cannot be flagged.
	ShortCircuitSimilarity = 0.85

	// LegitExclusionSimilarity suppresses flagging for queries inside
	// the legitimate zone even when signals fired.
	LegitExclusionSimilarity = 0.80

	// FlagScoreFloor is the convergence score that flags a query even
	// with signals individually inactive.
	FlagScoreFloor = 15.0
)

// Result is the combined verdict for one query.
type Result struct {
	Query            string           `json:"query"`
	Signals          []signals.Signal `json:"signals"`
	ActiveSignals    int              `json:"activeSignals"`
	ConvergenceScore float64          `json:"convergenceScore"`
	ShouldFlag       bool             `json:"shouldFlag"`
	FlagReason       string           `json:"flagReason"`
	SemanticZone     semzone.Result   `json:"semanticZone"`
	Degraded         bool             `json:"degraded,omitempty"`
}

// Config tunes the scorer. Zero values take the package defaults; the
// service layer merges admin overrides in before construction.
type Config struct {
	EmbeddingThreshold float64 // default signals.DefaultEmbeddingThreshold
	ShortCircuit       float64 // default ShortCircuitSimilarity
	LegitExclusion     float64 // default LegitExclusionSimilarity
	FlagFloor          float64 // default FlagScoreFloor
	Weights            map[signals.Type]float64
}

func (c *Config) defaults() {
	if c.EmbeddingThreshold <= 0 {
		c.EmbeddingThreshold = signals.DefaultEmbeddingThreshold
	}
	if c.ShortCircuit <= 0 {
		c.ShortCircuit = ShortCircuitSimilarity
	}
	if c.LegitExclusion <= 0 {
		c.LegitExclusion = LegitExclusionSimilarity
	}
	if c.FlagFloor <= 0 {
		c.FlagFloor = FlagScoreFloor
	}
	if c.Weights == nil {
		c.Weights = defaultWeights
	}
}

// Scorer evaluates one comparison record at a time. Safe for concurrent
// use; all state lives in the injected caches.
type Scorer struct {
	emb        embedder.Embedder
	classifier *semzone.Classifier
	seeds      *seedcache.Cache
	trends     trends.Provider
	cfg        Config
	now        func() time.Time
}

// New creates a Scorer. trendsProvider may be nil.
func New(emb embedder.Embedder, classifier *semzone.Classifier, seeds *seedcache.Cache, trendsProvider trends.Provider, cfg Config) *Scorer {
	cfg.defaults()
	if trendsProvider == nil {
		trendsProvider = trends.Noop{}
	}
	return &Scorer{
		emb:        emb,
		classifier: classifier,
		seeds:      seeds,
		trends:     trendsProvider,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Evaluate scores one comparison, embedding its query in a single call.
// An embedding outage degrades to signal-free evaluation instead of
// failing: CTR, pattern, and velocity still run.
func (s *Scorer) Evaluate(ctx context.Context, cmp analytics.PeriodComparison, bench map[string]analytics.CTRBenchmark, periodDays int) (Result, error) {
	query := semzone.Normalize(cmp.Query)
	vec, err := s.emb.Embed(ctx, query)
	if err != nil {
		res := s.EvaluateVector(ctx, cmp, nil, bench, periodDays)
		res.Degraded = true
		return res, nil
	}
	return s.EvaluateVector(ctx, cmp, vec, bench, periodDays), nil
}

// EvaluateVector scores a comparison whose query embedding the caller
// already holds. The ranking path embeds a whole candidate batch once and
// reuses the vectors here. vec may be nil (degraded mode).
func (s *Scorer) EvaluateVector(ctx context.Context, cmp analytics.PeriodComparison, vec []float32, bench map[string]analytics.CTRBenchmark, periodDays int) Result {
	query := semzone.Normalize(cmp.Query)
	res := Result{Query: query}

	zone, err := s.classifier.ClassifyVector(ctx, query, vec)
	if err != nil {
		// Classifier never initialized: proceed with an unknown zone —
		// fail open toward evaluation, surface the degradation.
		zone = semzone.Result{Query: query}
		res.Degraded = true
	}
	res.SemanticZone = zone

	// Step 1: unambiguous legitimate queries skip all evaluators.
	if zone.IsLegitimate && zone.Similarity >= s.cfg.ShortCircuit {
		res.FlagReason = fmt.Sprintf("high-confidence legitimate match to %q (%.2f)",
			zone.NearestCategory, zone.Similarity)
		return res
	}

	// Step 2: run every evaluator.
	seedVecs, err := s.seeds.Entries(ctx)
	if err != nil {
		seedVecs = nil
		res.Degraded = true
	}
	res.Signals = []signals.Signal{
		signals.Embedding(vec, 0, seedVecs, s.cfg.EmbeddingThreshold),
		signals.CTRAnomaly(cmp.Current, bench),
		signals.Pattern(query, s.now()),
		signals.Velocity(cmp, periodDays),
		trends.Evaluate(ctx, s.trends, query),
	}

	// Step 3: weighted sum over active signals only.
	var score float64
	var reasons []string
	for _, sig := range res.Signals {
		if !sig.Active {
			continue
		}
		res.ActiveSignals++
		score += sig.Strength * sig.Confidence * s.cfg.Weights[sig.Type]
		reasons = append(reasons, sig.Details)
	}
	score *= 100
	if score > 100 {
		score = 100
	}
	res.ConvergenceScore = score

	// Step 4: permissive high-sensitivity flagging, overridden by the
	// legitimate zone. Proximity alone (0.60–0.80 similarity, nothing
	// active) never flags.
	res.ShouldFlag = res.ActiveSignals > 0 || score >= s.cfg.FlagFloor
	if res.ShouldFlag && zone.IsLegitimate && zone.Similarity >= s.cfg.LegitExclusion {
		res.ShouldFlag = false
		res.FlagReason = fmt.Sprintf("suppressed: within legitimate zone %q (%.2f)",
			zone.NearestCategory, zone.Similarity)
		return res
	}

	// Step 5: human-readable reason.
	if res.ShouldFlag {
		res.FlagReason = strings.Join(reasons, "; ")
	} else {
		res.FlagReason = "no active signals"
	}
	return res
}
