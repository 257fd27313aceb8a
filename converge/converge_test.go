package converge

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/serplab/scamscope/analytics"
	"github.com/serplab/scamscope/seedcache"
	"github.com/serplab/scamscope/semzone"
	"github.com/serplab/scamscope/signals"
	"github.com/serplab/scamscope/termstore"
)

// vecFor builds a unit vector at a chosen cosine similarity to the
// generalInquiry centroid axis {1,0,0,0}.
func vecFor(sim float64) []float32 {
	ortho := math.Sqrt(1 - sim*sim)
	return []float32{float32(sim), float32(ortho), 0, 0}
}

type mapEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (m *mapEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (m *mapEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := m.vecs[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 0, 1}
		}
	}
	return out, nil
}

func (m *mapEmbedder) Dimension() int               { return 4 }
func (m *mapEmbedder) Healthy(context.Context) bool { return m.err == nil }

type staticSeeds struct{ phrases []termstore.SeedPhrase }

func (s *staticSeeds) SeedPhrases(context.Context) ([]termstore.SeedPhrase, error) {
	return s.phrases, nil
}

type staticExemplars struct{ byCat map[string][]string }

func (s *staticExemplars) Exemplars(context.Context) (map[string][]string, error) {
	return s.byCat, nil
}

func newScorer(t *testing.T, emb *mapEmbedder) *Scorer {
	t.Helper()
	if emb.vecs == nil {
		emb.vecs = map[string][]float32{}
	}
	emb.vecs["cra my account login"] = []float32{1, 0, 0, 0}
	emb.vecs["pay cra with gift card"] = []float32{0, 0, 1, 0}

	classifier := semzone.New(emb, &staticExemplars{byCat: map[string][]string{
		"generalInquiry": {"cra my account login"},
	}}, semzone.Config{})
	seeds := seedcache.New(emb, &staticSeeds{phrases: []termstore.SeedPhrase{
		{Text: "pay cra with gift card", Category: "payment_scam", Severity: "critical"},
	}}, seedcache.Config{})

	s := New(emb, classifier, seeds, nil, Config{})
	s.now = func() time.Time { return time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC) }
	return s
}

func scamComparison() analytics.PeriodComparison {
	return analytics.NewComparison(analytics.QueryMetricRecord{
		Query: "cra gift card payment $500 urgent", Impressions: 300, Clicks: 3,
		CTR: 0.01, Position: 2,
	}, nil)
}

func TestScamQueryFlagged(t *testing.T) {
	emb := &mapEmbedder{vecs: map[string][]float32{
		"cra gift card payment $500 urgent": {0, 0.2, 0.97, 0},
	}}
	s := newScorer(t, emb)

	res, err := s.Evaluate(context.Background(), scamComparison(),
		analytics.DefaultBenchmarks(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ShouldFlag {
		t.Fatalf("scam query not flagged: %+v", res)
	}
	if res.ActiveSignals < 3 {
		t.Fatalf("expected embedding+ctr+pattern active, got %d", res.ActiveSignals)
	}
	if res.ConvergenceScore <= 0 || res.ConvergenceScore > 100 {
		t.Fatalf("score out of bounds: %f", res.ConvergenceScore)
	}
	if res.FlagReason == "" {
		t.Fatal("flag reason empty")
	}

	active := map[signals.Type]bool{}
	for _, sig := range res.Signals {
		if sig.Active {
			active[sig.Type] = true
		}
	}
	for _, want := range []signals.Type{signals.TypeEmbedding, signals.TypeCTRAnomaly, signals.TypePattern} {
		if !active[want] {
			t.Fatalf("signal %s not active", want)
		}
	}
}

func TestShortCircuitLegitimate(t *testing.T) {
	emb := &mapEmbedder{}
	s := newScorer(t, emb)

	// Exact exemplar: similarity 1.0 ≥ 0.85 short-circuit.
	cmp := analytics.NewComparison(analytics.QueryMetricRecord{
		Query: "cra my account login", Impressions: 10000, Clicks: 1800,
		CTR: 0.18, Position: 1,
	}, nil)

	res, err := s.Evaluate(context.Background(), cmp, analytics.DefaultBenchmarks(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.ShouldFlag {
		t.Fatalf("legitimate query flagged: %+v", res)
	}
	if len(res.Signals) != 0 {
		t.Fatalf("short circuit must skip evaluators, got %d signals", len(res.Signals))
	}
	if res.ConvergenceScore != 0 {
		t.Fatalf("score = %f", res.ConvergenceScore)
	}
}

func TestLegitZoneSuppressesActiveSignals(t *testing.T) {
	// Similarity 0.82: legitimate but below the 0.85 short-circuit.
	// Signals run; flagging is suppressed.
	emb := &mapEmbedder{vecs: map[string][]float32{
		"cra account urgent $99 login": vecFor(0.82),
	}}
	s := newScorer(t, emb)

	cmp := analytics.NewComparison(analytics.QueryMetricRecord{
		Query: "cra account urgent $99 login", Impressions: 300, Clicks: 3,
		CTR: 0.01, Position: 2,
	}, nil)

	res, err := s.Evaluate(context.Background(), cmp, analytics.DefaultBenchmarks(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Signals) == 0 {
		t.Fatal("signals should have been evaluated below the short-circuit band")
	}
	if res.ActiveSignals == 0 {
		t.Fatalf("pattern/ctr should be active: %+v", res)
	}
	if res.ShouldFlag {
		t.Fatalf("legitimate zone must suppress flagging: %+v", res)
	}
}

// Raising a query's similarity to a legitimate centroid must never turn a
// non-flagged query into a flagged one.
func TestMonotonicExclusion(t *testing.T) {
	flaggedAt := func(sim float64) bool {
		query := "cra account urgent $99 login"
		emb := &mapEmbedder{vecs: map[string][]float32{query: vecFor(sim)}}
		s := newScorer(t, emb)
		cmp := analytics.NewComparison(analytics.QueryMetricRecord{
			Query: query, Impressions: 300, Clicks: 3, CTR: 0.01, Position: 2,
		}, nil)
		res, err := s.Evaluate(context.Background(), cmp, analytics.DefaultBenchmarks(), 7)
		if err != nil {
			t.Fatal(err)
		}
		return res.ShouldFlag
	}

	if !flaggedAt(0.79) {
		t.Fatal("0.79 similarity with active signals should flag")
	}
	if flaggedAt(0.82) {
		t.Fatal("0.82 similarity must suppress")
	}
	if flaggedAt(0.86) {
		t.Fatal("0.86 similarity must short-circuit")
	}
}

// Proximity alone, with nothing active, never flags.
func TestNoSignalNoFlag(t *testing.T) {
	emb := &mapEmbedder{vecs: map[string][]float32{
		"cra mail delivery time": vecFor(0.70),
	}}
	s := newScorer(t, emb)

	// Healthy CTR, shrinking impressions, no lexical patterns.
	cmp := analytics.NewComparison(analytics.QueryMetricRecord{
		Query: "cra mail delivery time", Impressions: 80, Clicks: 18,
		CTR: 0.225, Position: 2,
	}, &analytics.QueryMetricRecord{Query: "cra mail delivery time", Impressions: 100, CTR: 0.2, Position: 2})

	res, err := s.Evaluate(context.Background(), cmp, analytics.DefaultBenchmarks(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.ActiveSignals != 0 {
		t.Fatalf("expected no active signals: %+v", res)
	}
	if res.ShouldFlag {
		t.Fatalf("no-signal query flagged: %+v", res)
	}
}

func TestEmbedderOutageDegrades(t *testing.T) {
	emb := &mapEmbedder{err: errors.New("server down")}
	s := newScorer(t, emb)

	res, err := s.Evaluate(context.Background(), scamComparison(),
		analytics.DefaultBenchmarks(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded {
		t.Fatal("degraded flag not set")
	}
	// CTR and pattern still carry the evaluation.
	if !res.ShouldFlag {
		t.Fatalf("ctr+pattern should still flag: %+v", res)
	}
	for _, sig := range res.Signals {
		if sig.Type == signals.TypeEmbedding && sig.Active {
			t.Fatal("embedding signal active without embeddings")
		}
	}
}

func TestScoreBounds(t *testing.T) {
	emb := &mapEmbedder{vecs: map[string][]float32{
		"free secret refund money 2099 act now $5,000 urgent": {0, 0, 1, 0},
	}}
	s := newScorer(t, emb)

	// Everything maximally active: exact seed match, total CTR shortfall,
	// saturated velocity, all patterns.
	cmp := analytics.NewComparison(analytics.QueryMetricRecord{
		Query: "free secret refund money 2099 act now $5,000 urgent",
		Impressions: 50000, Clicks: 0, CTR: 0, Position: 1,
	}, nil)

	res, err := s.Evaluate(context.Background(), cmp, analytics.DefaultBenchmarks(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.ConvergenceScore < 0 || res.ConvergenceScore > 100 {
		t.Fatalf("score out of bounds: %f", res.ConvergenceScore)
	}
}
