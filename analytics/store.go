package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MetricRow is one imported analytics row: a query's numbers for one day.
type MetricRow struct {
	Date        time.Time `json:"date"`
	Query       string    `json:"query"`
	Impressions int64     `json:"impressions"`
	Clicks      int64     `json:"clicks"`
	Position    float64   `json:"position"`
}

// SQLiteSource serves comparisons and benchmarks from imported rows. It is
// the batch-mode Source used in production: an external job dumps daily
// search-analytics rows in, the detector reads aggregated windows out.
type SQLiteSource struct {
	db *sql.DB
}

const metricsSchema = `
CREATE TABLE IF NOT EXISTS query_metrics (
    day         TEXT NOT NULL,
    query       TEXT NOT NULL,
    impressions INTEGER NOT NULL DEFAULT 0,
    clicks      INTEGER NOT NULL DEFAULT 0,
    position    REAL NOT NULL DEFAULT 1,
    PRIMARY KEY (day, query)
);
CREATE INDEX IF NOT EXISTS idx_query_metrics_day ON query_metrics (day);
`

// NewSQLiteSource initializes the snapshot table over an open database.
func NewSQLiteSource(ctx context.Context, db *sql.DB) (*SQLiteSource, error) {
	if _, err := db.ExecContext(ctx, metricsSchema); err != nil {
		return nil, fmt.Errorf("analytics schema: %w", err)
	}
	return &SQLiteSource{db: db}, nil
}

const dayFormat = "2006-01-02"

// Import upserts daily rows. Rows with empty queries after sanitization
// are skipped, not fatal.
func (s *SQLiteSource) Import(ctx context.Context, rows []MetricRow) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("import begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO query_metrics (day, query, impressions, clicks, position)
		VALUES (?,?,?,?,?)
		ON CONFLICT(day, query) DO UPDATE SET
		    impressions=excluded.impressions,
		    clicks=excluded.clicks,
		    position=excluded.position`)
	if err != nil {
		return 0, fmt.Errorf("import prepare: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, row := range rows {
		rec := QueryMetricRecord{
			Query:       row.Query,
			Impressions: row.Impressions,
			Clicks:      row.Clicks,
			Position:    row.Position,
		}.Sanitize()
		if rec.Query == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, row.Date.Format(dayFormat),
			rec.Query, rec.Impressions, rec.Clicks, rec.Position); err != nil {
			return n, fmt.Errorf("import row %q: %w", rec.Query, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return n, fmt.Errorf("import commit: %w", err)
	}
	return n, nil
}

// aggregate sums a range into one record per query, with an
// impression-weighted average position and derived CTR.
func (s *SQLiteSource) aggregate(ctx context.Context, rng DateRange) (map[string]QueryMetricRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT query,
		       SUM(impressions),
		       SUM(clicks),
		       CASE WHEN SUM(impressions) > 0
		            THEN SUM(position * impressions) * 1.0 / SUM(impressions)
		            ELSE AVG(position) END
		FROM query_metrics
		WHERE day >= ? AND day <= ?
		GROUP BY query`,
		rng.Start.Format(dayFormat), rng.End.Format(dayFormat))
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	defer rows.Close()

	out := make(map[string]QueryMetricRecord)
	for rows.Next() {
		var rec QueryMetricRecord
		if err := rows.Scan(&rec.Query, &rec.Impressions, &rec.Clicks, &rec.Position); err != nil {
			return nil, err
		}
		if rec.Impressions > 0 {
			rec.CTR = float64(rec.Clicks) / float64(rec.Impressions)
		}
		out[rec.Query] = rec.Sanitize()
	}
	return out, rows.Err()
}

// Comparisons implements Source: every query present in the current range
// is paired with its previous-range record when one exists.
func (s *SQLiteSource) Comparisons(ctx context.Context, current, previous DateRange) ([]PeriodComparison, error) {
	cur, err := s.aggregate(ctx, current)
	if err != nil {
		return nil, fmt.Errorf("current period: %w", err)
	}
	prev, err := s.aggregate(ctx, previous)
	if err != nil {
		return nil, fmt.Errorf("previous period: %w", err)
	}

	out := make([]PeriodComparison, 0, len(cur))
	for q, rec := range cur {
		var p *QueryMetricRecord
		if pr, ok := prev[q]; ok {
			p = &pr
		}
		out = append(out, NewComparison(rec, p))
	}
	return out, nil
}

// BuildBenchmarks computes per-bucket CTR percentiles from the rows in the
// range. Buckets with fewer than minBucketSample rows fall back to the
// default table.
func (s *SQLiteSource) BuildBenchmarks(ctx context.Context, rng DateRange) (map[string]CTRBenchmark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT impressions, clicks, position FROM query_metrics
		WHERE day >= ? AND day <= ? AND impressions > 0`,
		rng.Start.Format(dayFormat), rng.End.Format(dayFormat))
	if err != nil {
		return nil, fmt.Errorf("benchmarks: %w", err)
	}
	defer rows.Close()

	byBucket := make(map[string][]float64)
	for rows.Next() {
		var impressions, clicks int64
		var position float64
		if err := rows.Scan(&impressions, &clicks, &position); err != nil {
			return nil, err
		}
		ctr := float64(clicks) / float64(impressions)
		bucket := BucketForPosition(position)
		byBucket[bucket] = append(byBucket[bucket], ctr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := DefaultBenchmarks()
	for bucket, ctrs := range byBucket {
		if len(ctrs) >= minBucketSample {
			out[bucket] = buildBucket(ctrs)
		}
	}
	return out, nil
}
