// Package embedder converts query text to float32 vectors via any
// OpenAI-compatible embedding server (vLLM, Ollama, ONNX serving, OpenAI).
//
// The detection pipeline treats embeddings as a best-effort signal: when the
// server is down or slow, callers receive an error and degrade to
// zero-similarity results instead of blocking. Batch calls are chunked
// internally so callers can hand over an entire candidate set in one call.
//
// Usage:
//
//	emb := embedder.New(embedder.Config{
//	    Endpoint: "http://localhost:8003",
//	    Model:    "multilingual-e5-large",
//	})
//	vecs, err := emb.EmbedBatch(ctx, queries)
package embedder

import (
	"context"
	"log/slog"
	"time"
)

// Embedder converts text to vectors.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embeddings for multiple texts, order-preserving.
	// Inputs beyond the per-request limit are chunked into sequential
	// sub-requests.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimension, or 0 before the first call
	// when auto-detection is configured.
	Dimension() int

	// Healthy reports whether the backing server answers within the
	// configured timeout. Always true for the noop embedder.
	Healthy(ctx context.Context) bool
}

// Config configures the embedding client.
type Config struct {
	// Endpoint is the base URL of the embedding server. Empty means no
	// server: New returns a noop embedder producing zero vectors.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Model is the model name sent with each request.
	Model string `json:"model" yaml:"model"`

	// Dimension is the expected vector dimension. 0 auto-detects on the
	// first successful call.
	Dimension int `json:"dimension" yaml:"dimension"`

	// MaxBatch is the maximum number of inputs per HTTP request.
	// Default: 512. Providers commonly reject batches past ~2000 inputs.
	MaxBatch int `json:"max_batch" yaml:"max_batch"`

	// Timeout bounds each HTTP request. Default: 30s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 512
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New creates an Embedder from config. An empty Endpoint yields a noop
// embedder so tests and degraded deployments run without a server.
func New(cfg Config) Embedder {
	cfg.defaults()
	if cfg.Endpoint == "" {
		dim := cfg.Dimension
		if dim <= 0 {
			dim = 768
		}
		return &noop{dim: dim}
	}
	return newClient(cfg)
}

// WaitReady polls Healthy until it succeeds or the deadline passes.
// Returns false on timeout; callers then start in degraded mode rather
// than blocking startup indefinitely.
func WaitReady(ctx context.Context, emb Embedder, deadline time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		if emb.Healthy(ctx) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
}

// noop produces zero vectors of a fixed dimension.
type noop struct {
	dim int
}

func (n *noop) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, n.dim), nil
}

func (n *noop) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, n.dim)
	}
	return out, nil
}

func (n *noop) Dimension() int                 { return n.dim }
func (n *noop) Healthy(_ context.Context) bool { return true }
