// Package scamscope is the service orchestrator for the search-query
// scam-threat detector. It wires the term store, the embedding client, the
// derived caches, the semantic zone classifier, the convergence scorer,
// and the threat ranker behind one API, and keeps the derived state
// coherent across admin mutations.
package scamscope

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/serplab/scamscope/analytics"
	"github.com/serplab/scamscope/audit"
	"github.com/serplab/scamscope/converge"
	"github.com/serplab/scamscope/embedder"
	"github.com/serplab/scamscope/flightcache"
	"github.com/serplab/scamscope/rank"
	"github.com/serplab/scamscope/seedcache"
	"github.com/serplab/scamscope/semzone"
	"github.com/serplab/scamscope/termstore"
	"github.com/serplab/scamscope/trends"
)

// Override names accepted in the termstore threshold overlay. The base
// Config stays immutable; overrides win at pipeline-build time.
const (
	OverrideZoneThreshold      = "zone_threshold"
	OverrideShortCircuit       = "short_circuit"
	OverrideLegitExclusion     = "legit_exclusion"
	OverrideEmbeddingThreshold = "embedding_threshold"
	OverrideFlagFloor          = "flag_floor"
	OverrideMinRiskScore       = "min_risk_score"
)

// Config is the immutable base configuration loaded at startup. Admin
// overrides from the term store are merged on top when the pipeline is
// (re)built, never written back into it.
type Config struct {
	ZoneThreshold      float64 `yaml:"zone_threshold" json:"zone_threshold"`
	ShortCircuit       float64 `yaml:"short_circuit" json:"short_circuit"`
	LegitExclusion     float64 `yaml:"legit_exclusion" json:"legit_exclusion"`
	EmbeddingThreshold float64 `yaml:"embedding_threshold" json:"embedding_threshold"`
	FlagFloor          float64 `yaml:"flag_floor" json:"flag_floor"`
	MinRiskScore       int     `yaml:"min_risk_score" json:"min_risk_score"`

	// SeedTTL and CentroidTTL bound the embedding-derived caches.
	SeedTTL     time.Duration `yaml:"seed_ttl" json:"seed_ttl"`
	CentroidTTL time.Duration `yaml:"centroid_ttl" json:"centroid_ttl"`

	// RankTTL bounds cached ranking results; it should track the
	// freshness of the analytics snapshots (default 15m).
	RankTTL time.Duration `yaml:"rank_ttl" json:"rank_ttl"`

	// BenchmarkTTL bounds cached CTR benchmark tables (default 24h).
	BenchmarkTTL time.Duration `yaml:"benchmark_ttl" json:"benchmark_ttl"`

	// DefaultDays is the ranking window when the caller passes none.
	DefaultDays int `yaml:"default_days" json:"default_days"`

	// WatchInterval is the termstore data_version poll period.
	WatchInterval time.Duration `yaml:"watch_interval" json:"watch_interval"`

	// AuditRetention prunes old audit rows; zero keeps everything.
	AuditRetention time.Duration `yaml:"audit_retention" json:"audit_retention"`
}

func (c *Config) defaults() {
	if c.ZoneThreshold <= 0 {
		c.ZoneThreshold = semzone.DefaultThreshold
	}
	if c.ShortCircuit <= 0 {
		c.ShortCircuit = converge.ShortCircuitSimilarity
	}
	if c.LegitExclusion <= 0 {
		c.LegitExclusion = converge.LegitExclusionSimilarity
	}
	if c.FlagFloor <= 0 {
		c.FlagFloor = converge.FlagScoreFloor
	}
	if c.MinRiskScore <= 0 {
		c.MinRiskScore = rank.MinRiskScore
	}
	if c.SeedTTL <= 0 {
		c.SeedTTL = 24 * time.Hour
	}
	if c.CentroidTTL <= 0 {
		c.CentroidTTL = 24 * time.Hour
	}
	if c.RankTTL <= 0 {
		c.RankTTL = 15 * time.Minute
	}
	if c.BenchmarkTTL <= 0 {
		c.BenchmarkTTL = 24 * time.Hour
	}
	if c.DefaultDays <= 0 {
		c.DefaultDays = 7
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = 30 * time.Second
	}
}

// BenchmarkBuilder is implemented by analytics sources that can compute
// CTR benchmarks from their own history (the SQLite snapshot store does).
type BenchmarkBuilder interface {
	BuildBenchmarks(ctx context.Context, rng analytics.DateRange) (map[string]analytics.CTRBenchmark, error)
}

// MetricImporter is implemented by analytics sources that accept row
// imports.
type MetricImporter interface {
	Import(ctx context.Context, rows []analytics.MetricRow) (int, error)
}

// Service is the detection orchestrator. Safe for concurrent use.
type Service struct {
	store  *termstore.Store
	source analytics.Source
	emb    embedder.Embedder
	cache  *flightcache.Cache
	audit  audit.Logger
	trends trends.Provider
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	// The evaluation pipeline is rebuilt when admin overrides change; the
	// mutex guards the swap, not the components themselves.
	mu         sync.RWMutex
	seeds      *seedcache.Cache
	classifier *semzone.Classifier
	scorer     *converge.Scorer
	ranker     *rank.Ranker
}

// Option configures a Service during creation.
type Option func(*Service)

// WithAudit sets the audit logger for admin mutations and ranking runs.
func WithAudit(a audit.Logger) Option {
	return func(s *Service) { s.audit = a }
}

// WithTrends sets the optional external search-interest provider.
func WithTrends(p trends.Provider) Option {
	return func(s *Service) { s.trends = p }
}

// WithClock overrides the time source; tests pin it.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service and builds the evaluation pipeline, merging any
// stored admin overrides into the base config.
func New(ctx context.Context, store *termstore.Store, source analytics.Source, emb embedder.Embedder, cfg Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		return nil, fmt.Errorf("scamscope: term store is required")
	}
	if emb == nil {
		return nil, fmt.Errorf("scamscope: embedder is required")
	}

	s := &Service{
		store:  store,
		source: source,
		emb:    emb,
		cache:  flightcache.New(cfg.RankTTL, 5*time.Minute),
		audit:  audit.Noop{},
		trends: trends.Noop{},
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.rebuild(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// rebuild constructs the pipeline from base config + stored overrides and
// swaps it in. Override-read failures fall back to the base config:
// detection keeps running on defaults rather than refusing to start.
func (s *Service) rebuild(ctx context.Context) error {
	cfg := s.cfg
	overrides, err := s.store.Overrides(ctx)
	if err != nil {
		s.logger.Warn("override load failed, using base config", "error", err)
		overrides = nil
	}
	if v, ok := overrides[OverrideZoneThreshold]; ok && v > 0 {
		cfg.ZoneThreshold = v
	}
	if v, ok := overrides[OverrideShortCircuit]; ok && v > 0 {
		cfg.ShortCircuit = v
	}
	if v, ok := overrides[OverrideLegitExclusion]; ok && v > 0 {
		cfg.LegitExclusion = v
	}
	if v, ok := overrides[OverrideEmbeddingThreshold]; ok && v > 0 {
		cfg.EmbeddingThreshold = v
	}
	if v, ok := overrides[OverrideFlagFloor]; ok && v > 0 {
		cfg.FlagFloor = v
	}
	if v, ok := overrides[OverrideMinRiskScore]; ok && v > 0 {
		cfg.MinRiskScore = int(v)
	}

	seeds := seedcache.New(s.emb, s.store, seedcache.Config{
		TTL:    cfg.SeedTTL,
		Logger: s.logger,
	})
	classifier := semzone.New(s.emb, s.store, semzone.Config{
		Threshold: cfg.ZoneThreshold,
		TTL:       cfg.CentroidTTL,
		Logger:    s.logger,
	})
	scorer := converge.New(s.emb, classifier, seeds, s.trends, converge.Config{
		EmbeddingThreshold: cfg.EmbeddingThreshold,
		ShortCircuit:       cfg.ShortCircuit,
		LegitExclusion:     cfg.LegitExclusion,
		FlagFloor:          cfg.FlagFloor,
	})
	ranker := rank.New(s.emb, scorer, seeds, s.store, rank.Config{
		MinScore: cfg.MinRiskScore,
		Logger:   s.logger,
	})

	s.mu.Lock()
	s.seeds = seeds
	s.classifier = classifier
	s.scorer = scorer
	s.ranker = ranker
	s.mu.Unlock()
	return nil
}

func (s *Service) pipeline() (*seedcache.Cache, *semzone.Classifier, *converge.Scorer, *rank.Ranker) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seeds, s.classifier, s.scorer, s.ranker
}

// ClassifySemanticZone classifies one query against the legitimate-intent
// centroids.
func (s *Service) ClassifySemanticZone(ctx context.Context, query string) (semzone.Result, error) {
	_, classifier, _, _ := s.pipeline()
	return classifier.Classify(ctx, query)
}

// EvaluateConvergence scores one period comparison with the current
// benchmark table.
func (s *Service) EvaluateConvergence(ctx context.Context, cmp analytics.PeriodComparison, periodDays int) (converge.Result, error) {
	if periodDays <= 0 {
		periodDays = s.cfg.DefaultDays
	}
	bench, err := s.Benchmarks(ctx, periodDays)
	if err != nil {
		return converge.Result{}, err
	}
	_, _, scorer, _ := s.pipeline()
	return scorer.Evaluate(ctx, cmp, bench, periodDays)
}

// RankEmergingThreats runs (or serves from cache) a full ranking pass over
// the trailing window. Results are cached per (days, page) with
// single-flight semantics; a seed/exemplar mutation flushes them.
func (s *Service) RankEmergingThreats(ctx context.Context, days, page int) (rank.Result, error) {
	if days <= 0 {
		days = s.cfg.DefaultDays
	}
	if page < 1 {
		page = 1
	}

	v, err := s.cache.GetOrSet(ctx, rank.CacheKey(days, page), s.cfg.RankTTL,
		func(ctx context.Context) (any, error) {
			res, err := s.rankOnce(ctx, days, page)
			if err != nil {
				return nil, err
			}
			return res, nil
		})
	if err != nil {
		return rank.Result{}, err
	}
	return v.(rank.Result), nil
}

func (s *Service) rankOnce(ctx context.Context, days, page int) (rank.Result, error) {
	if s.source == nil {
		return rank.Result{}, fmt.Errorf("rank: no analytics source configured")
	}
	current, previous := analytics.LastNDays(s.now(), days)
	comps, err := s.source.Comparisons(ctx, current, previous)
	if err != nil {
		return rank.Result{}, fmt.Errorf("rank: load comparisons: %w", err)
	}
	bench, err := s.Benchmarks(ctx, days)
	if err != nil {
		return rank.Result{}, err
	}

	_, _, _, ranker := s.pipeline()
	res, err := ranker.Rank(ctx, comps, bench, days, page)
	if err != nil {
		return rank.Result{}, err
	}

	details, _ := json.Marshal(map[string]any{
		"days": days, "page": page,
		"candidates": len(comps), "threats": res.Summary.Total,
		"degraded": res.Degraded,
	})
	s.audit.Record(ctx, audit.Entry{
		Action:  "rank_run",
		Entity:  rank.CacheKey(days, page),
		Details: string(details),
	})
	if res.Degraded {
		s.logger.Warn("ranking ran degraded", "days", days, "page", page)
	}
	return res, nil
}

// Benchmarks returns the CTR benchmark table for the window, computed from
// analytics history when the source supports it, cached per day-window.
func (s *Service) Benchmarks(ctx context.Context, days int) (map[string]analytics.CTRBenchmark, error) {
	builder, ok := s.source.(BenchmarkBuilder)
	if !ok {
		return analytics.DefaultBenchmarks(), nil
	}
	key := fmt.Sprintf("bench:%d", days)
	v, err := s.cache.GetOrSet(ctx, key, s.cfg.BenchmarkTTL,
		func(ctx context.Context) (any, error) {
			current, _ := analytics.LastNDays(s.now(), days)
			return builder.BuildBenchmarks(ctx, current)
		})
	if err != nil {
		// Benchmark failures are not fatal to detection.
		s.logger.Warn("benchmark build failed, using defaults", "error", err)
		return analytics.DefaultBenchmarks(), nil
	}
	return v.(map[string]analytics.CTRBenchmark), nil
}

// ImportMetrics loads analytics rows into the snapshot store and drops
// cached ranking results and benchmarks built on the old data.
func (s *Service) ImportMetrics(ctx context.Context, rows []analytics.MetricRow) (int, error) {
	importer, ok := s.source.(MetricImporter)
	if !ok {
		return 0, fmt.Errorf("analytics source does not accept imports")
	}
	n, err := importer.Import(ctx, rows)
	if err != nil {
		return n, err
	}
	s.cache.InvalidatePrefix("rank:")
	s.cache.InvalidatePrefix("bench:")
	s.audit.Record(ctx, audit.Entry{
		Action:  "metrics_import",
		Details: fmt.Sprintf(`{"rows":%d}`, n),
	})
	return n, nil
}

// AddSeedPhrase stores a seed phrase and invalidates everything derived
// from the seed vocabulary.
func (s *Service) AddSeedPhrase(ctx context.Context, actor string, p termstore.SeedPhrase) error {
	if err := s.store.AddSeedPhrase(ctx, p); err != nil {
		return err
	}
	seeds, _, _, _ := s.pipeline()
	seeds.Invalidate()
	s.cache.InvalidatePrefix("rank:")
	s.audit.Record(ctx, audit.Entry{
		Action: "seed_phrase_add", Entity: p.Text, Actor: actor,
	})
	return nil
}

// RemoveSeedPhrase deletes a seed phrase and invalidates derived caches.
func (s *Service) RemoveSeedPhrase(ctx context.Context, actor, text string) error {
	if err := s.store.RemoveSeedPhrase(ctx, text); err != nil {
		return err
	}
	seeds, _, _, _ := s.pipeline()
	seeds.Invalidate()
	s.cache.InvalidatePrefix("rank:")
	s.audit.Record(ctx, audit.Entry{
		Action: "seed_phrase_remove", Entity: text, Actor: actor,
	})
	return nil
}

// SeedPhrases lists the current seed vocabulary.
func (s *Service) SeedPhrases(ctx context.Context) ([]termstore.SeedPhrase, error) {
	return s.store.SeedPhrases(ctx)
}

// AddExemplar records a legitimate query example and rebuilds the category
// centroids on next use.
func (s *Service) AddExemplar(ctx context.Context, actor, category, text string) error {
	if err := s.store.AddExemplar(ctx, category, text); err != nil {
		return err
	}
	_, classifier, _, _ := s.pipeline()
	classifier.Invalidate()
	s.cache.InvalidatePrefix("rank:")
	s.audit.Record(ctx, audit.Entry{
		Action: "exemplar_add", Entity: category + ": " + text, Actor: actor,
	})
	return nil
}

// AddLegitimatePattern stores a hard-exclusion regex.
func (s *Service) AddLegitimatePattern(ctx context.Context, actor, pattern, note string) error {
	if err := s.store.AddLegitimatePattern(ctx, pattern, note); err != nil {
		return err
	}
	s.cache.InvalidatePrefix("rank:")
	s.audit.Record(ctx, audit.Entry{
		Action: "legit_pattern_add", Entity: pattern, Actor: actor,
	})
	return nil
}

// SetOverride upserts one threshold override and rebuilds the pipeline so
// the merged config takes effect immediately.
func (s *Service) SetOverride(ctx context.Context, actor, name string, value float64) error {
	if err := s.store.SetOverride(ctx, name, value); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		Action: "override_set", Entity: name, Actor: actor,
		Details: fmt.Sprintf(`{"value":%g}`, value),
	})
	return s.Reload(ctx)
}

// Overrides returns the stored admin overlay.
func (s *Service) Overrides(ctx context.Context) (map[string]float64, error) {
	return s.store.Overrides(ctx)
}

// Reload rebuilds the pipeline from store state and flushes every derived
// cache. Called on admin mutations and external store changes.
func (s *Service) Reload(ctx context.Context) error {
	if err := s.rebuild(ctx); err != nil {
		return err
	}
	s.cache.InvalidatePrefix("rank:")
	s.logger.Info("detection pipeline reloaded")
	return nil
}

// StartWatch runs the termstore change poller until ctx is cancelled,
// reloading on out-of-band edits. Call in a goroutine.
func (s *Service) StartWatch(ctx context.Context) {
	s.store.Watch(ctx, s.cfg.WatchInterval, s.logger, func() {
		if err := s.Reload(ctx); err != nil {
			s.logger.Error("reload after external change failed", "error", err)
		}
	})
}

// Stats reports the service's derived-state shape for the stats endpoint.
func (s *Service) Stats(ctx context.Context) map[string]any {
	seeds, classifier, _, _ := s.pipeline()
	phrases, err := s.store.SeedPhrases(ctx)
	if err != nil {
		s.logger.Warn("stats: seed phrase count failed", "error", err)
	}
	return map[string]any{
		"seed_phrases":        len(phrases),
		"seed_vectors":        seeds.Len(),
		"centroid_categories": len(classifier.Categories()),
		"embedder_healthy":    s.emb.Healthy(ctx),
		"zone_threshold":      classifier.Threshold(),
	}
}
