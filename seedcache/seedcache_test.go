package seedcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/serplab/scamscope/termstore"
)

// fakeEmbedder returns one-hot vectors by input order. batches counts
// successful calls, attempts counts every call including failures.
type fakeEmbedder struct {
	batches  atomic.Int64
	attempts atomic.Int64
	fail     atomic.Bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.attempts.Add(1)
	if f.fail.Load() {
		return nil, errors.New("embedding server down")
	}
	f.batches.Add(1)
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, 8)
		v[i%8] = 1
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int               { return 8 }
func (f *fakeEmbedder) Healthy(context.Context) bool { return !f.fail.Load() }

type staticSource struct {
	phrases []termstore.SeedPhrase
	err     error
}

func (s *staticSource) SeedPhrases(context.Context) ([]termstore.SeedPhrase, error) {
	return s.phrases, s.err
}

func TestEntriesBatchesOnce(t *testing.T) {
	emb := &fakeEmbedder{}
	src := &staticSource{phrases: []termstore.SeedPhrase{
		{Text: "pay cra with gift card", Category: "payment_scam", Severity: "critical"},
		{Text: "cra bitcoin payment", Category: "payment_scam", Severity: "critical"},
		{Text: "cra refund e-transfer", Category: "phishing", Severity: "high"},
	}}
	c := New(emb, src, Config{TTL: time.Hour})
	ctx := context.Background()

	entries, err := c.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Norm == 0 {
		t.Fatal("norm not precomputed")
	}

	// Repeated reads hit the cached generation: still one batch call.
	for i := 0; i < 5; i++ {
		if _, err := c.Entries(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := emb.batches.Load(); got != 1 {
		t.Fatalf("embed batches = %d, want 1", got)
	}
}

func TestInvalidateForcesRebuild(t *testing.T) {
	emb := &fakeEmbedder{}
	src := &staticSource{phrases: []termstore.SeedPhrase{{Text: "a", Severity: "high"}}}
	c := New(emb, src, Config{TTL: time.Hour})
	ctx := context.Background()

	if _, err := c.Entries(ctx); err != nil {
		t.Fatal(err)
	}

	src.phrases = append(src.phrases, termstore.SeedPhrase{Text: "b", Severity: "low"})
	c.Invalidate()

	entries, err := c.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("rebuild missed mutation: %d entries", len(entries))
	}
	if emb.batches.Load() != 2 {
		t.Fatalf("embed batches = %d, want 2", emb.batches.Load())
	}
}

func TestColdCacheEmbedderDown(t *testing.T) {
	emb := &fakeEmbedder{}
	emb.fail.Store(true)
	src := &staticSource{phrases: []termstore.SeedPhrase{{Text: "a"}}}
	c := New(emb, src, Config{TTL: time.Hour})

	if _, err := c.Entries(context.Background()); err == nil {
		t.Fatal("cold cache with dead embedder must error")
	}
	if c.Len() != 0 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestFailedRebuildRemembered(t *testing.T) {
	emb := &fakeEmbedder{}
	emb.fail.Store(true)
	src := &staticSource{phrases: []termstore.SeedPhrase{{Text: "a"}}}
	c := New(emb, src, Config{TTL: time.Hour})
	ctx := context.Background()

	// A ranking pass reads Entries once per candidate. The first failure
	// is remembered; later reads get the same error without another probe.
	for i := 0; i < 10; i++ {
		if _, err := c.Entries(ctx); err == nil {
			t.Fatal("expected error while embedder is down")
		}
	}
	if got := emb.attempts.Load(); got != 1 {
		t.Fatalf("upstream attempts = %d, want 1 within the backoff window", got)
	}

	// A vocabulary mutation clears the memo so the retry is immediate.
	emb.fail.Store(false)
	c.Invalidate()
	entries, err := c.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries after recovery", len(entries))
	}
}

func TestStaleServedWhileRebuilding(t *testing.T) {
	emb := &fakeEmbedder{}
	src := &staticSource{phrases: []termstore.SeedPhrase{{Text: "a"}}}
	c := New(emb, src, Config{TTL: 10 * time.Millisecond})
	ctx := context.Background()

	if _, err := c.Entries(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond) // expire the generation

	// Embedder breaks; expired reads still serve the stale generation.
	emb.fail.Store(true)
	entries, err := c.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("stale generation not served: %d entries", len(entries))
	}
}

func TestEmptySeedSet(t *testing.T) {
	emb := &fakeEmbedder{}
	c := New(emb, &staticSource{}, Config{TTL: time.Hour})

	entries, err := c.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d entries", len(entries))
	}
	if emb.batches.Load() != 0 {
		t.Fatal("embedded an empty phrase list")
	}
}
