// Package semzone classifies queries against centroid-defined regions of
// embedding space representing known-legitimate query intent categories.
// A query close enough to its nearest category centroid is "in the
// legitimate zone" and is excluded from (or short-circuits) scam scoring.
//
// Centroids are the mean embedding of each category's exemplars, rebuilt
// lazily when exemplars change or the 24h expiry passes — embedding
// computation is the dominant cost.
package semzone

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/serplab/scamscope/embedder"
	"github.com/serplab/scamscope/vecmath"
)

// DefaultThreshold is the similarity above which a query counts as
// legitimate.
const DefaultThreshold = 0.80

// confidenceBand is the half-width of the linear confidence ramp around a
// category's threshold.
const confidenceBand = 0.10

// failureBackoff is how long a failed cold centroid build is remembered,
// so a dead embedding server is probed once per window instead of once
// per classified query.
const failureBackoff = 30 * time.Second

// ExemplarSource supplies legitimate query exemplars per category
// (termstore in production).
type ExemplarSource interface {
	Exemplars(ctx context.Context) (map[string][]string, error)
}

// CategoryCentroid is one legitimate-intent region.
type CategoryCentroid struct {
	Name          string    `json:"name"`
	Centroid      []float32 `json:"-"`
	Norm          float64   `json:"-"`
	ExemplarCount int       `json:"exemplarCount"`
	Threshold     float64   `json:"threshold"`
}

// CategoryScore is one category's distance to a query.
type CategoryScore struct {
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"`
}

// Result is the classification outcome for one query.
type Result struct {
	Query           string          `json:"query"`
	IsLegitimate    bool            `json:"isLegitimate"`
	NearestCategory string          `json:"nearestCategory"`
	Similarity      float64         `json:"similarity"`
	AllCategories   []CategoryScore `json:"allCategories"`
}

// Config tunes the classifier.
type Config struct {
	// Threshold overrides DefaultThreshold when positive.
	Threshold float64

	// TTL bounds centroid age. Default: 24h.
	TTL time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Classifier is safe for concurrent use.
type Classifier struct {
	emb       embedder.Embedder
	src       ExemplarSource
	threshold float64
	ttl       time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	centroids []CategoryCentroid
	builtAt   time.Time
	lastErr   error
	failedAt  time.Time
}

// New creates a Classifier; centroids build lazily on first use.
func New(emb embedder.Embedder, src ExemplarSource, cfg Config) *Classifier {
	cfg.defaults()
	return &Classifier{
		emb:       emb,
		src:       src,
		threshold: cfg.Threshold,
		ttl:       cfg.TTL,
		logger:    cfg.Logger,
	}
}

// Threshold returns the active legitimate-zone threshold.
func (c *Classifier) Threshold() float64 { return c.threshold }

// Normalize is the canonical query form used throughout the pipeline.
func Normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Classify classifies a single query, embedding it in one call.
func (c *Classifier) Classify(ctx context.Context, query string) (Result, error) {
	results, err := c.ClassifyBatch(ctx, []string{query})
	if err != nil {
		return Result{Query: Normalize(query)}, err
	}
	return results[0], nil
}

// ClassifyBatch classifies queries with one batched embedding call.
// Results are positionally aligned with the input.
func (c *Classifier) ClassifyBatch(ctx context.Context, queries []string) ([]Result, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	cents, err := c.ensureCentroids(ctx)
	if err != nil {
		return nil, err
	}

	normalized := make([]string, len(queries))
	for i, q := range queries {
		normalized[i] = Normalize(q)
	}

	// With no centroids every query is not-legitimate with zero
	// similarity — fail open toward flagging — and embedding the batch
	// would be wasted work.
	if len(cents) == 0 {
		out := make([]Result, len(queries))
		for i, q := range normalized {
			out[i] = Result{Query: q}
		}
		return out, nil
	}

	vecs, err := c.emb.EmbedBatch(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("embed %d queries: %w", len(queries), err)
	}

	out := make([]Result, len(queries))
	for i, q := range normalized {
		out[i] = scoreAgainst(q, vecs[i], cents, c.threshold)
	}
	return out, nil
}

// ClassifyVector classifies a query whose embedding the caller already
// holds — the batch ranking path embeds candidates once and reuses the
// vectors for both zone classification and the embedding signal.
func (c *Classifier) ClassifyVector(ctx context.Context, query string, vec []float32) (Result, error) {
	cents, err := c.ensureCentroids(ctx)
	if err != nil {
		return Result{Query: Normalize(query)}, err
	}
	return scoreAgainst(Normalize(query), vec, cents, c.threshold), nil
}

func scoreAgainst(query string, vec []float32, cents []CategoryCentroid, threshold float64) Result {
	res := Result{Query: query}
	if len(cents) == 0 || len(vec) == 0 {
		return res
	}

	qNorm := vecmath.Norm(vec)
	res.AllCategories = make([]CategoryScore, 0, len(cents))
	for _, cat := range cents {
		sim := vecmath.CosineWithNorms(vec, cat.Centroid, qNorm, cat.Norm)
		res.AllCategories = append(res.AllCategories, CategoryScore{
			Name:       cat.Name,
			Similarity: sim,
			Distance:   1 - sim,
			Confidence: rampConfidence(sim, cat.Threshold),
		})
	}
	sort.SliceStable(res.AllCategories, func(i, j int) bool {
		return res.AllCategories[i].Similarity > res.AllCategories[j].Similarity
	})

	best := res.AllCategories[0]
	res.NearestCategory = best.Name
	res.Similarity = best.Similarity
	res.IsLegitimate = best.Similarity >= threshold
	return res
}

// rampConfidence interpolates linearly across the ±confidenceBand window
// around the category threshold.
func rampConfidence(sim, threshold float64) float64 {
	lo := threshold - confidenceBand
	hi := threshold + confidenceBand
	switch {
	case sim < lo:
		return 0
	case sim >= hi:
		return 1
	default:
		return (sim - lo) / (hi - lo)
	}
}

// ensureCentroids returns the current centroid set, rebuilding when cold
// or expired. Categories with no exemplars are skipped, not an error.
func (c *Classifier) ensureCentroids(ctx context.Context) ([]CategoryCentroid, error) {
	c.mu.Lock()
	if c.centroids != nil && time.Since(c.builtAt) < c.ttl {
		defer c.mu.Unlock()
		return c.centroids, nil
	}
	// Cold classifier: a recent failed build is served from memory so the
	// embedding server is probed once per backoff window, not per query.
	if c.centroids == nil && c.lastErr != nil && time.Since(c.failedAt) < failureBackoff {
		defer c.mu.Unlock()
		return nil, c.lastErr
	}
	c.mu.Unlock()

	byCat, err := c.src.Exemplars(ctx)
	if err != nil {
		// Expired-but-present centroids keep serving through source
		// outages.
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.centroids != nil {
			return c.centroids, nil
		}
		err = fmt.Errorf("load exemplars: %w", err)
		c.lastErr = err
		c.failedAt = time.Now()
		return nil, err
	}

	// One batched embed call across all categories.
	names := make([]string, 0, len(byCat))
	for name, texts := range byCat {
		if len(texts) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var texts []string
	offsets := make(map[string][2]int, len(names))
	for _, name := range names {
		start := len(texts)
		for _, t := range byCat[name] {
			texts = append(texts, Normalize(t))
		}
		offsets[name] = [2]int{start, len(texts)}
	}

	cents := []CategoryCentroid{}
	if len(texts) > 0 {
		vecs, err := c.emb.EmbedBatch(ctx, texts)
		if err != nil {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.centroids != nil {
				return c.centroids, nil
			}
			err = fmt.Errorf("embed %d exemplars: %w", len(texts), err)
			c.lastErr = err
			c.failedAt = time.Now()
			return nil, err
		}
		for _, name := range names {
			o := offsets[name]
			centroid := vecmath.Centroid(vecs[o[0]:o[1]])
			if centroid == nil {
				continue
			}
			cents = append(cents, CategoryCentroid{
				Name:          name,
				Centroid:      centroid,
				Norm:          vecmath.Norm(centroid),
				ExemplarCount: o[1] - o[0],
				Threshold:     c.threshold,
			})
		}
	}

	c.mu.Lock()
	c.centroids = cents
	c.builtAt = time.Now()
	c.lastErr = nil
	c.failedAt = time.Time{}
	c.mu.Unlock()
	c.logger.Info("semantic zone centroids rebuilt", "categories", len(cents))
	return cents, nil
}

// Invalidate drops the centroid set; the next classification rebuilds it.
// Called after every exemplar mutation.
func (c *Classifier) Invalidate() {
	c.mu.Lock()
	c.centroids = nil
	c.builtAt = time.Time{}
	c.lastErr = nil
	c.failedAt = time.Time{}
	c.mu.Unlock()
}

// Categories reports the current centroid set without rebuilding.
func (c *Classifier) Categories() []CategoryCentroid {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.centroids
}
