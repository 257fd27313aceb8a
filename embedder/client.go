package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// client implements Embedder against the OpenAI /v1/embeddings format.
type client struct {
	base     string
	model    string
	maxBatch int
	http     *http.Client
	logger   *slog.Logger

	mu  sync.Mutex
	dim int // auto-detected when Config.Dimension was 0
}

func newClient(cfg Config) *client {
	return &client{
		base:     strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		maxBatch: cfg.MaxBatch,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   cfg.Logger,
		dim:      cfg.Dimension,
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func (c *client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for lo := 0; lo < len(texts); lo += c.maxBatch {
		hi := lo + c.maxBatch
		if hi > len(texts) {
			hi = len(texts)
		}
		vecs, err := c.post(ctx, texts[lo:hi])
		if err != nil {
			return nil, fmt.Errorf("embed chunk [%d:%d]: %w", lo, hi, err)
		}
		copy(out[lo:hi], vecs)
	}
	return out, nil
}

func (c *client) post(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(apiRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	url := c.base + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, string(snippet))
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("no embeddings returned from %s", url)
	}

	if len(parsed.Data[0].Embedding) > 0 {
		c.mu.Lock()
		if c.dim == 0 {
			c.dim = len(parsed.Data[0].Embedding)
			c.logger.Info("embedding dimension detected", "dimension", c.dim, "model", parsed.Model)
		}
		c.mu.Unlock()
	}

	// Providers return results sorted by index; reassemble in input order
	// and refuse partial responses.
	vecs := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return vecs, nil
}

func (c *client) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}

// Healthy probes the server with a one-item request. Any transport or
// protocol failure counts as unhealthy.
func (c *client) Healthy(ctx context.Context) bool {
	_, err := c.post(ctx, []string{"ping"})
	return err == nil
}
