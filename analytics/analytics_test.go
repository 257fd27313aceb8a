package analytics

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestSanitize(t *testing.T) {
	r := QueryMetricRecord{
		Query:       "  CRA Refund  ",
		Impressions: -5,
		Clicks:      -1,
		CTR:         math.NaN(),
		Position:    math.Inf(1),
	}.Sanitize()

	if r.Query != "cra refund" {
		t.Fatalf("query = %q", r.Query)
	}
	if r.Impressions != 0 || r.Clicks != 0 {
		t.Fatalf("negative counts not zeroed: %d/%d", r.Impressions, r.Clicks)
	}
	if r.CTR != 0 {
		t.Fatalf("NaN ctr = %f", r.CTR)
	}
	if r.Position != 1 {
		t.Fatalf("inf position = %f", r.Position)
	}

	if got := (QueryMetricRecord{CTR: 1.7}).Sanitize().CTR; got != 1 {
		t.Fatalf("ctr not clamped: %f", got)
	}
}

func TestNewComparisonZeroPrevious(t *testing.T) {
	cur := QueryMetricRecord{Query: "q", Impressions: 100, Position: 2}
	prev := QueryMetricRecord{Query: "q", Impressions: 0, Position: 3}

	cmp := NewComparison(cur, &prev)
	if !cmp.IsNew {
		t.Fatal("zero previous impressions must count as new")
	}
	if cmp.Change.ImpressionsPercent != 0 {
		t.Fatalf("percent should stay 0 for new queries, got %f", cmp.Change.ImpressionsPercent)
	}
	if cmp.Change.Impressions != 100 {
		t.Fatalf("impression delta = %d", cmp.Change.Impressions)
	}
}

func TestNewComparisonGrowth(t *testing.T) {
	cur := QueryMetricRecord{Query: "q", Impressions: 300, Position: 2}
	prev := QueryMetricRecord{Query: "q", Impressions: 100, Position: 5}

	cmp := NewComparison(cur, &prev)
	if cmp.IsNew {
		t.Fatal("should not be new")
	}
	if cmp.Change.ImpressionsPercent != 200 {
		t.Fatalf("percent = %f, want 200", cmp.Change.ImpressionsPercent)
	}
	if cmp.Change.Position != -3 {
		t.Fatalf("position delta = %f, want -3", cmp.Change.Position)
	}
}

func TestBucketForPosition(t *testing.T) {
	cases := map[float64]string{
		1: BucketTop, 3: BucketTop,
		3.5: BucketMid, 8: BucketMid,
		9: BucketLow, 15: BucketLow,
		16: BucketBottom, 40: BucketBottom,
	}
	for pos, want := range cases {
		if got := BucketForPosition(pos); got != want {
			t.Fatalf("BucketForPosition(%f) = %q, want %q", pos, got, want)
		}
	}
}

func openSource(t *testing.T) *SQLiteSource {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	src, err := NewSQLiteSource(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	return src
}

func day(s string) time.Time {
	d, _ := time.Parse("2006-01-02", s)
	return d
}

func TestSQLiteSourceComparisons(t *testing.T) {
	src := openSource(t)
	ctx := context.Background()

	rows := []MetricRow{
		// current window: aug 10-11
		{Date: day("2026-08-10"), Query: "cra refund status", Impressions: 100, Clicks: 20, Position: 2},
		{Date: day("2026-08-11"), Query: "cra refund status", Impressions: 200, Clicks: 30, Position: 3},
		{Date: day("2026-08-10"), Query: "cra gift card payment", Impressions: 50, Clicks: 1, Position: 4},
		// previous window: aug 8-9
		{Date: day("2026-08-08"), Query: "cra refund status", Impressions: 100, Clicks: 25, Position: 4},
	}
	if n, err := src.Import(ctx, rows); err != nil || n != 4 {
		t.Fatalf("import: n=%d err=%v", n, err)
	}

	current := DateRange{Start: day("2026-08-10"), End: day("2026-08-11")}
	previous := DateRange{Start: day("2026-08-08"), End: day("2026-08-09")}

	comps, err := src.Comparisons(ctx, current, previous)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 2 {
		t.Fatalf("got %d comparisons, want 2", len(comps))
	}

	byQuery := map[string]PeriodComparison{}
	for _, c := range comps {
		byQuery[c.Query] = c
	}

	refund := byQuery["cra refund status"]
	if refund.IsNew {
		t.Fatal("refund query has history, should not be new")
	}
	if refund.Current.Impressions != 300 {
		t.Fatalf("summed impressions = %d, want 300", refund.Current.Impressions)
	}
	// Weighted position: (2*100 + 3*200) / 300 = 2.666...
	if math.Abs(refund.Current.Position-8.0/3.0) > 1e-9 {
		t.Fatalf("weighted position = %f", refund.Current.Position)
	}
	if refund.Change.ImpressionsPercent != 200 {
		t.Fatalf("growth = %f, want 200", refund.Change.ImpressionsPercent)
	}

	gift := byQuery["cra gift card payment"]
	if !gift.IsNew {
		t.Fatal("gift card query should be new")
	}
}

func TestBuildBenchmarksFallsBackOnThinData(t *testing.T) {
	src := openSource(t)
	ctx := context.Background()

	// Only 3 top-bucket rows — below the sample floor.
	rows := []MetricRow{
		{Date: day("2026-08-10"), Query: "a", Impressions: 100, Clicks: 30, Position: 1},
		{Date: day("2026-08-10"), Query: "b", Impressions: 100, Clicks: 20, Position: 2},
		{Date: day("2026-08-10"), Query: "c", Impressions: 100, Clicks: 10, Position: 3},
	}
	if _, err := src.Import(ctx, rows); err != nil {
		t.Fatal(err)
	}

	bench, err := src.BuildBenchmarks(ctx, DateRange{Start: day("2026-08-01"), End: day("2026-08-31")})
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultBenchmarks()[BucketTop]
	if bench[BucketTop] != want {
		t.Fatalf("thin bucket should use defaults: got %+v", bench[BucketTop])
	}
}

func TestBuildBenchmarksPercentiles(t *testing.T) {
	src := openSource(t)
	ctx := context.Background()

	var rows []MetricRow
	for i := 0; i < 50; i++ {
		rows = append(rows, MetricRow{
			Date:        day("2026-08-10"),
			Query:       "q" + string(rune('a'+i%26)) + string(rune('a'+i/26)),
			Impressions: 100,
			Clicks:      int64(i + 1), // CTRs 0.01 .. 0.50
			Position:    2,
		})
	}
	if n, err := src.Import(ctx, rows); err != nil || n != 50 {
		t.Fatalf("import: n=%d err=%v", n, err)
	}

	bench, err := src.BuildBenchmarks(ctx, DateRange{Start: day("2026-08-01"), End: day("2026-08-31")})
	if err != nil {
		t.Fatal(err)
	}
	top := bench[BucketTop]
	if top.SampleSize != 50 {
		t.Fatalf("sample size = %d, want 50", top.SampleSize)
	}
	if !(top.Min < top.Expected && top.Expected < top.Max) {
		t.Fatalf("percentiles not ordered: %+v", top)
	}
}

func TestLastNDays(t *testing.T) {
	now := day("2026-08-27").Add(10 * time.Hour)
	current, previous := LastNDays(now, 7)

	if current.Days() != 7 || previous.Days() != 7 {
		t.Fatalf("window lengths: current=%d previous=%d", current.Days(), previous.Days())
	}
	if !current.End.Before(now) {
		t.Fatal("current window must end before now")
	}
	if !previous.End.Before(current.Start) {
		t.Fatal("windows overlap")
	}
}
