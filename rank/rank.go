// Package rank turns period-over-period query comparisons into a bounded,
// paginated, descending-risk list of emerging threats. It owns the
// pre-filters, the hard exclusion filters, the risk-score blend, and the
// level mapping; per-query signal evaluation is delegated to converge.
package rank

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/serplab/scamscope/analytics"
	"github.com/serplab/scamscope/converge"
	"github.com/serplab/scamscope/embedder"
	"github.com/serplab/scamscope/seedcache"
	"github.com/serplab/scamscope/semzone"
	"github.com/serplab/scamscope/signals"
	"github.com/serplab/scamscope/termstore"
)

// Risk levels in descending order of severity.
const (
	LevelCritical = "critical"
	LevelHigh     = "high"
	LevelMedium   = "medium"
	LevelLow      = "low"
)

const (
	// MaxThreats bounds the full retained list per invocation.
	MaxThreats = 5000

	// PageSize is the fixed page length.
	PageSize = 500

	// MaxPages bounds pagination depth.
	MaxPages = 10

	// MinRiskScore drops the long tail entirely.
	MinRiskScore = 15
)

// Level cut points: score ≥76 critical, ≥51 high, ≥31 medium, else low.
const (
	criticalCut = 76
	highCut     = 51
	mediumCut   = 31
)

// Candidate pre-filter gates.
const (
	newMinImpressions    = 20
	growthMinPercent     = 50.0
	growthMinImpressions = 50
	volumeMinImpressions = 500
)

// Risk-blend weight profiles. The embedding profile applies when a seed
// phrase matched; without one, the analytics-only weights redistribute
// its share.
type riskWeights struct {
	embedding float64
	ctr       float64
	position  float64
	volume    float64
	emergence float64
	velocity  float64
}

var (
	embeddingWeights = riskWeights{embedding: 0.30, ctr: 0.22, position: 0.13, volume: 0.13, emergence: 0.10, velocity: 0.12}
	analyticsWeights = riskWeights{ctr: 0.35, position: 0.22, volume: 0.18, emergence: 0.13, velocity: 0.12}
)

// Flat bonuses on top of the weighted blend.
const (
	patternBonus    = 5
	patternBonusCap = 15
	lexicalBonus    = 5
	lexicalBonusCap = 10
)

// contextStopwords are generic agency-domain words. An embedding match
// whose only token overlap with its seed phrase is through these is a
// coincidental-vocabulary match, not a scam variant.
//
// The list is deliberately small and fixed; do not grow it without a
// labeled evaluation set to measure the false-negative cost.
var contextStopwords = map[string]bool{
	"cra": true, "tax": true, "taxes": true, "canada": true,
	"revenue": true, "agency": true, "gst": true, "hst": true,
	"account": true, "my": true, "the": true, "a": true, "in": true,
	"for": true, "to": true, "of": true,
}

// EmergingThreat is one ranked candidate, rebuilt fresh per invocation.
type EmergingThreat struct {
	Query            string                       `json:"query"`
	RiskScore        int                          `json:"riskScore"`
	RiskLevel        string                       `json:"riskLevel"`
	ConvergenceScore float64                      `json:"convergenceScore"`
	CTRAnomaly       float64                      `json:"ctrAnomaly"`
	MatchedPatterns  []string                     `json:"matchedPatterns,omitempty"`
	SimilarScams     []string                     `json:"similarScams,omitempty"`
	Current          analytics.QueryMetricRecord  `json:"current"`
	Previous         *analytics.QueryMetricRecord `json:"previous,omitempty"`
	Change           analytics.Change             `json:"change"`
	Velocity         float64                      `json:"velocity"` // impressions/day
	IsNew            bool                         `json:"isNew"`
	Status           string                       `json:"status"`
}

// StatusPending marks freshly detected threats awaiting review.
const StatusPending = "pending_review"

// Summary counts levels over the full bounded list, not one page.
type Summary struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Total    int `json:"total"`
}

// Pagination describes the returned window.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalPages int `json:"totalPages"`
	Total      int `json:"total"`
}

// Result is one ranking invocation's output.
type Result struct {
	Threats    []EmergingThreat `json:"threats"`
	Summary    Summary          `json:"summary"`
	Pagination Pagination       `json:"pagination"`
	Degraded   bool             `json:"degraded,omitempty"`
}

// TermSource supplies the curated vocabulary the ranking filters read
// directly (termstore in production): the legitimate-query regex list and
// the seed-phrase texts. Texts need no embedding, so these filters hold
// even when the embedder is down.
type TermSource interface {
	LegitimatePatterns(ctx context.Context) ([]string, error)
	SeedPhrases(ctx context.Context) ([]termstore.SeedPhrase, error)
}

// Config tunes the ranker; zero values take package defaults.
type Config struct {
	MaxThreats int
	PageSize   int
	MaxPages   int
	MinScore   int
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxThreats <= 0 {
		c.MaxThreats = MaxThreats
	}
	if c.PageSize <= 0 {
		c.PageSize = PageSize
	}
	if c.MaxPages <= 0 {
		c.MaxPages = MaxPages
	}
	if c.MinScore <= 0 {
		c.MinScore = MinRiskScore
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Ranker is safe for concurrent use; all mutable state lives in the
// injected caches.
type Ranker struct {
	emb    embedder.Embedder
	scorer *converge.Scorer
	seeds  *seedcache.Cache
	terms  TermSource
	cfg    Config
}

// New creates a Ranker.
func New(emb embedder.Embedder, scorer *converge.Scorer, seeds *seedcache.Cache, terms TermSource, cfg Config) *Ranker {
	cfg.defaults()
	return &Ranker{emb: emb, scorer: scorer, seeds: seeds, terms: terms, cfg: cfg}
}

// Rank runs the full pipeline: pre-filter, one batched embedding call for
// the whole candidate set, per-candidate convergence evaluation, hard
// exclusions, risk scoring, level mapping, bounding, pagination. page is
// 1-based.
func (r *Ranker) Rank(ctx context.Context, comps []analytics.PeriodComparison, bench map[string]analytics.CTRBenchmark, days, page int) (Result, error) {
	seedVecs, err := r.seeds.Entries(ctx)
	degraded := false
	if err != nil {
		r.cfg.Logger.Warn("ranking without seed embeddings", "error", err)
		seedVecs = nil
		degraded = true
	}

	candidates := prefilter(comps, r.knownSeeds(ctx, seedVecs))

	legitRes := r.legitPatterns(ctx)

	// One embedding call for the entire candidate set; vectors are reused
	// for both zone classification and the embedding signal. An embedder
	// outage degrades to analytics-only signals.
	var vecs [][]float32
	if len(candidates) > 0 {
		texts := make([]string, len(candidates))
		for i, c := range candidates {
			texts[i] = semzone.Normalize(c.Query)
		}
		vecs, err = r.emb.EmbedBatch(ctx, texts)
		if err != nil {
			r.cfg.Logger.Warn("candidate embedding failed, ranking degraded", "error", err)
			vecs = nil
			degraded = true
		}
	}

	threats := make([]EmergingThreat, 0, len(candidates))
	for i, cmp := range candidates {
		var vec []float32
		if vecs != nil {
			vec = vecs[i]
		}
		conv := r.scorer.EvaluateVector(ctx, cmp, vec, bench, days)
		if conv.Degraded {
			degraded = true
		}
		if !conv.ShouldFlag {
			continue
		}
		query := conv.Query
		if matchesAny(query, legitRes) {
			continue
		}

		embSig := signalByType(conv.Signals, signals.TypeEmbedding)
		if contextOnlyMatch(query, embSig) {
			continue
		}
		patSig := signalByType(conv.Signals, signals.TypePattern)
		similar := similarScams(query, embSig, seedVecs)

		// Retention requires a positive scam indicator. CTR anomaly alone
		// never qualifies: plenty of well-ranked irrelevant queries have
		// naturally low CTR.
		if !embSig.Active && !patSig.Active && len(similar) == 0 {
			continue
		}

		score := riskScore(cmp, conv, similar)
		if score < r.cfg.MinScore {
			continue
		}

		ctrSig := signalByType(conv.Signals, signals.TypeCTRAnomaly)
		threats = append(threats, EmergingThreat{
			Query:            query,
			RiskScore:        score,
			RiskLevel:        levelFor(score),
			ConvergenceScore: conv.ConvergenceScore,
			CTRAnomaly:       ctrSig.Strength,
			MatchedPatterns:  matchedPatterns(patSig),
			SimilarScams:     similar,
			Current:          cmp.Current,
			Previous:         cmp.Previous,
			Change:           cmp.Change,
			Velocity:         perDay(cmp, days),
			IsNew:            cmp.IsNew,
			Status:           StatusPending,
		})
	}

	sort.SliceStable(threats, func(i, j int) bool {
		return threats[i].RiskScore > threats[j].RiskScore
	})
	if len(threats) > r.cfg.MaxThreats {
		threats = threats[:r.cfg.MaxThreats]
	}

	res := Result{Threats: nil, Degraded: degraded}
	for _, t := range threats {
		switch t.RiskLevel {
		case LevelCritical:
			res.Summary.Critical++
		case LevelHigh:
			res.Summary.High++
		case LevelMedium:
			res.Summary.Medium++
		default:
			res.Summary.Low++
		}
	}
	res.Summary.Total = len(threats)

	res.Pagination = paginate(len(threats), page, r.cfg.PageSize, r.cfg.MaxPages)
	start := (res.Pagination.Page - 1) * res.Pagination.PageSize
	end := start + res.Pagination.PageSize
	if start < len(threats) {
		if end > len(threats) {
			end = len(threats)
		}
		res.Threats = threats[start:end]
	} else {
		res.Threats = []EmergingThreat{}
	}
	return res, nil
}

// prefilter keeps a comparison iff it is new with real volume, growing
// sharply, or simply large — and is not a verbatim known seed phrase
// (confirmed keywords are not re-surfaced).
func prefilter(comps []analytics.PeriodComparison, known map[string]bool) []analytics.PeriodComparison {
	out := make([]analytics.PeriodComparison, 0, len(comps))
	for _, c := range comps {
		q := semzone.Normalize(c.Query)
		if q == "" || known[q] {
			continue
		}
		switch {
		case c.IsNew && c.Current.Impressions >= newMinImpressions:
		case c.Change.ImpressionsPercent >= growthMinPercent && c.Current.Impressions >= growthMinImpressions:
		case c.Current.Impressions >= volumeMinImpressions:
		default:
			continue
		}
		out = append(out, c)
	}
	return out
}

// knownSeeds returns the normalized confirmed seed-phrase texts, read
// straight from the term store so the verbatim-seed exclusion holds when
// the embedder is down and the vector cache is empty. A store failure
// falls back to whatever generation the vector cache has.
func (r *Ranker) knownSeeds(ctx context.Context, fallback []signals.SeedVector) map[string]bool {
	known := make(map[string]bool)
	if r.terms != nil {
		phrases, err := r.terms.SeedPhrases(ctx)
		if err == nil {
			for _, p := range phrases {
				known[semzone.Normalize(p.Text)] = true
			}
			return known
		}
		r.cfg.Logger.Warn("seed phrase load failed, using cached vectors", "error", err)
	}
	for _, s := range fallback {
		known[semzone.Normalize(s.Text)] = true
	}
	return known
}

// legitPatterns compiles the curated legitimate-query regex list. Store
// errors and bad patterns degrade to an empty list, never abort ranking.
func (r *Ranker) legitPatterns(ctx context.Context) []*regexp.Regexp {
	if r.terms == nil {
		return nil
	}
	raw, err := r.terms.LegitimatePatterns(ctx)
	if err != nil {
		r.cfg.Logger.Warn("legitimate pattern load failed", "error", err)
		return nil
	}
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		re, err := regexp.Compile(p)
		if err != nil {
			r.cfg.Logger.Warn("skipping invalid legitimate pattern", "pattern", p, "error", err)
			continue
		}
		out = append(out, re)
	}
	return out
}

func matchesAny(query string, res []*regexp.Regexp) bool {
	for _, re := range res {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

func signalByType(sigs []signals.Signal, t signals.Type) signals.Signal {
	for _, s := range sigs {
		if s.Type == t {
			return s
		}
	}
	return signals.Signal{Type: t}
}

func matchedPatterns(patSig signals.Signal) []string {
	names, _ := patSig.Metadata["patterns"].([]string)
	return names
}

// contextOnlyMatch reports whether an embedding match overlaps its seed
// phrase only through generic domain-context words — a coincidental
// shared-vocabulary match, discarded outright.
func contextOnlyMatch(query string, embSig signals.Signal) bool {
	if !embSig.Active {
		return false
	}
	phrase, _ := embSig.Metadata["matched_phrase"].(string)
	shared := sharedTokens(query, phrase)
	if len(shared) == 0 {
		return false
	}
	for _, tok := range shared {
		if !contextStopwords[tok] {
			return false
		}
	}
	return true
}

func sharedTokens(a, b string) []string {
	inA := make(map[string]bool)
	for _, t := range strings.Fields(semzone.Normalize(a)) {
		inA[t] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, t := range strings.Fields(semzone.Normalize(b)) {
		if inA[t] && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// similarScams lists the seed phrases this query resembles: the embedding
// match plus lexical matches (substring containment or ≥2 shared
// meaningful tokens).
func similarScams(query string, embSig signals.Signal, seeds []signals.SeedVector) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(text string) {
		if text != "" && !seen[text] {
			seen[text] = true
			out = append(out, text)
		}
	}
	if embSig.Active {
		phrase, _ := embSig.Metadata["matched_phrase"].(string)
		add(phrase)
	}
	for _, s := range seeds {
		text := semzone.Normalize(s.Text)
		if strings.Contains(query, text) {
			add(s.Text)
			continue
		}
		meaningful := 0
		for _, tok := range sharedTokens(query, text) {
			if !contextStopwords[tok] {
				meaningful++
			}
		}
		if meaningful >= 2 {
			add(s.Text)
		}
	}
	return out
}

// riskScore blends the analytics components with the embedding term when
// one exists, applies the seed severity multiplier, and adds the flat
// pattern/lexical bonuses. Result ∈ [0,100].
func riskScore(cmp analytics.PeriodComparison, conv converge.Result, similar []string) int {
	embSig := signalByType(conv.Signals, signals.TypeEmbedding)
	ctrSig := signalByType(conv.Signals, signals.TypeCTRAnomaly)
	patSig := signalByType(conv.Signals, signals.TypePattern)
	velSig := signalByType(conv.Signals, signals.TypeVelocity)

	w := analyticsWeights
	if embSig.Active {
		w = embeddingWeights
	}

	base := w.embedding*embSig.Strength +
		w.ctr*ctrSig.Strength +
		w.position*positionSparsity(cmp.Current) +
		w.volume*volumeGrowth(cmp) +
		w.emergence*emergence(cmp) +
		w.velocity*velSig.Strength
	score := 100 * base

	if embSig.Active {
		severity, _ := embSig.Metadata["severity"].(string)
		score *= termstore.SeverityMultiplier(severity)
	}

	if n := len(matchedPatterns(patSig)); n > 0 {
		score += math.Min(float64(n*patternBonus), patternBonusCap)
	}
	if n := len(similar); n > 0 {
		score += math.Min(float64(n*lexicalBonus), lexicalBonusCap)
	}

	s := int(math.Round(score))
	if s < 0 {
		s = 0
	}
	if s > 100 {
		s = 100
	}
	return s
}

// positionSparsity is high when a query ranks well but draws almost no
// clicks — searchers finding the official result and choosing something
// else.
func positionSparsity(rec analytics.QueryMetricRecord) float64 {
	posFactor := (11 - rec.Position) / 10
	if posFactor < 0 {
		posFactor = 0
	}
	if posFactor > 1 {
		posFactor = 1
	}
	sparsity := 1 - rec.CTR*5
	if sparsity < 0 {
		sparsity = 0
	}
	return posFactor * sparsity
}

// volumeGrowth normalizes impression growth: new terms by absolute
// volume, returning terms by percent change (200% saturates).
func volumeGrowth(cmp analytics.PeriodComparison) float64 {
	if cmp.IsNew {
		v := float64(cmp.Current.Impressions) / 1000
		if v > 1 {
			v = 1
		}
		return v
	}
	v := cmp.Change.ImpressionsPercent / 200
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v
}

// emergence scores novelty: new terms fully, doubling terms at half.
func emergence(cmp analytics.PeriodComparison) float64 {
	switch {
	case cmp.IsNew:
		return 1
	case cmp.Change.ImpressionsPercent > 100:
		return 0.5
	default:
		return 0
	}
}

func perDay(cmp analytics.PeriodComparison, days int) float64 {
	if days < 1 {
		days = 1
	}
	return float64(cmp.Change.Impressions) / float64(days)
}

func levelFor(score int) string {
	switch {
	case score >= criticalCut:
		return LevelCritical
	case score >= highCut:
		return LevelHigh
	case score >= mediumCut:
		return LevelMedium
	default:
		return LevelLow
	}
}

// paginate clamps the requested page into the bounded window.
func paginate(total, page, pageSize, maxPages int) Pagination {
	if page < 1 {
		page = 1
	}
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages > maxPages {
		totalPages = maxPages
	}
	if totalPages < 1 {
		totalPages = 1
	}
	if page > totalPages {
		page = totalPages
	}
	return Pagination{Page: page, PageSize: pageSize, TotalPages: totalPages, Total: total}
}

// CacheKey is the single-flight result-cache key for one (days, page)
// invocation.
func CacheKey(days, page int) string {
	return fmt.Sprintf("rank:%d:%d", days, page)
}
