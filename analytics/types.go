// Package analytics defines the query-analytics data model consumed by the
// detection pipeline — per-query metric records, period-over-period
// comparisons, CTR benchmarks — plus a SQLite-backed Source that serves
// comparisons from imported search-analytics rows.
package analytics

import (
	"context"
	"math"
	"strings"
	"time"
)

// QueryMetricRecord is one query's analytics for a period.
type QueryMetricRecord struct {
	Query       string  `json:"query"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	CTR         float64 `json:"ctr"`
	Position    float64 `json:"position"`
}

// Sanitize normalizes a record defensively: trimmed lowercase query,
// non-finite or negative numerics treated as zero, CTR clamped to [0,1],
// position floored at 1. One malformed upstream row must never abort a
// batch.
func (r QueryMetricRecord) Sanitize() QueryMetricRecord {
	r.Query = strings.ToLower(strings.TrimSpace(r.Query))
	if r.Impressions < 0 {
		r.Impressions = 0
	}
	if r.Clicks < 0 {
		r.Clicks = 0
	}
	if math.IsNaN(r.CTR) || math.IsInf(r.CTR, 0) || r.CTR < 0 {
		r.CTR = 0
	}
	if r.CTR > 1 {
		r.CTR = 1
	}
	if math.IsNaN(r.Position) || math.IsInf(r.Position, 0) || r.Position < 1 {
		r.Position = 1
	}
	return r
}

// Change holds the period-over-period deltas.
type Change struct {
	Impressions        int64   `json:"impressions"`
	ImpressionsPercent float64 `json:"impressionsPercent"`
	Position           float64 `json:"position"`
}

// PeriodComparison pairs a query's current and previous records. Previous
// is nil for queries first seen this period.
type PeriodComparison struct {
	Query    string             `json:"query"`
	Current  QueryMetricRecord  `json:"current"`
	Previous *QueryMetricRecord `json:"previous,omitempty"`
	Change   Change             `json:"change"`
	IsNew    bool               `json:"isNew"`
}

// NewComparison derives a PeriodComparison. A previous period with zero
// impressions counts as "new" rather than dividing by zero: the percent
// change is left at 0 and IsNew carries the information.
func NewComparison(current QueryMetricRecord, previous *QueryMetricRecord) PeriodComparison {
	current = current.Sanitize()
	cmp := PeriodComparison{Query: current.Query, Current: current}
	if previous == nil || previous.Impressions == 0 {
		cmp.IsNew = true
		cmp.Change.Impressions = current.Impressions
		if previous != nil {
			p := previous.Sanitize()
			cmp.Previous = &p
			cmp.Change.Position = current.Position - p.Position
		}
		return cmp
	}
	p := previous.Sanitize()
	cmp.Previous = &p
	cmp.Change.Impressions = current.Impressions - p.Impressions
	cmp.Change.ImpressionsPercent = 100 * float64(current.Impressions-p.Impressions) / float64(p.Impressions)
	cmp.Change.Position = current.Position - p.Position
	return cmp
}

// DateRange is a closed day interval.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the range length in whole days, minimum 1.
func (r DateRange) Days() int {
	d := int(r.End.Sub(r.Start).Hours()/24) + 1
	if d < 1 {
		return 1
	}
	return d
}

// LastNDays returns the current and previous ranges for a trailing window
// ending yesterday (analytics for today are always partial).
func LastNDays(now time.Time, days int) (current, previous DateRange) {
	if days < 1 {
		days = 1
	}
	end := now.AddDate(0, 0, -1).Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -(days - 1))
	current = DateRange{Start: start, End: end}
	previous = DateRange{Start: start.AddDate(0, 0, -days), End: start.AddDate(0, 0, -1)}
	return current, previous
}

// Source produces period comparisons; implementations wrap the analytics
// backend (Search Console export, warehouse table, the SQLite snapshot
// store below).
type Source interface {
	Comparisons(ctx context.Context, current, previous DateRange) ([]PeriodComparison, error)
}
