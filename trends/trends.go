// Package trends defines the optional search-interest enrichment hook.
// The convergence weights reserve a slot for it; deployments without a
// trends backend run with the Noop provider and the signal simply never
// activates.
package trends

import (
	"context"
	"fmt"

	"github.com/serplab/scamscope/signals"
)

// Interest is one query's external search-interest reading.
type Interest struct {
	Query  string  `json:"query"`
	Score  float64 `json:"score"` // normalized [0,1] interest growth
	Rising bool    `json:"rising"`
}

// Provider looks up external interest data. The boolean reports whether
// any data exists for the query.
type Provider interface {
	Interest(ctx context.Context, query string) (Interest, bool, error)
}

// Noop has no data for anything.
type Noop struct{}

func (Noop) Interest(context.Context, string) (Interest, bool, error) {
	return Interest{}, false, nil
}

// activeScore is the interest level at which the trends signal activates.
const activeScore = 0.5

// trendsConfidence reflects that external interest data correlates with,
// but does not identify, scam campaigns.
const trendsConfidence = 0.6

// Evaluate converts a provider lookup into a detection signal. Missing
// data and provider errors both yield an inactive signal.
func Evaluate(ctx context.Context, p Provider, query string) signals.Signal {
	sig := signals.Signal{Type: signals.TypeTrends, Confidence: trendsConfidence}
	if p == nil {
		sig.Details = "no trends provider"
		return sig
	}
	interest, ok, err := p.Interest(ctx, query)
	if err != nil || !ok {
		sig.Details = "no trends data"
		return sig
	}
	if interest.Score < 0 {
		interest.Score = 0
	}
	if interest.Score > 1 {
		interest.Score = 1
	}
	sig.Strength = interest.Score
	sig.Active = interest.Rising && interest.Score >= activeScore
	sig.Metadata = map[string]any{"rising": interest.Rising, "score": interest.Score}
	if sig.Active {
		sig.Details = fmt.Sprintf("external search interest rising (%.2f)", interest.Score)
	} else {
		sig.Details = "external search interest flat"
	}
	return sig
}
