package analytics

import "sort"

// CTRBenchmark holds percentile CTR statistics for one position bucket.
type CTRBenchmark struct {
	Min        float64 `json:"min"`
	Expected   float64 `json:"expected"`
	Max        float64 `json:"max"`
	SampleSize int     `json:"sampleSize"`
}

// Position buckets. A query's average position selects the benchmark used
// by the CTR-anomaly evaluator.
const (
	BucketTop    = "1-3"
	BucketMid    = "4-8"
	BucketLow    = "9-15"
	BucketBottom = "16+"
)

// BucketForPosition maps an average position to its bucket name.
func BucketForPosition(pos float64) string {
	switch {
	case pos <= 3:
		return BucketTop
	case pos <= 8:
		return BucketMid
	case pos <= 15:
		return BucketLow
	default:
		return BucketBottom
	}
}

// DefaultBenchmarks is the fallback table used when the snapshot store has
// too little history to compute real percentiles. Values approximate
// published government-site CTR curves.
func DefaultBenchmarks() map[string]CTRBenchmark {
	return map[string]CTRBenchmark{
		BucketTop:    {Min: 0.08, Expected: 0.20, Max: 0.45, SampleSize: 0},
		BucketMid:    {Min: 0.03, Expected: 0.08, Max: 0.18, SampleSize: 0},
		BucketLow:    {Min: 0.01, Expected: 0.03, Max: 0.08, SampleSize: 0},
		BucketBottom: {Min: 0.002, Expected: 0.01, Max: 0.03, SampleSize: 0},
	}
}

// minBucketSample is the sample floor below which a computed bucket is
// replaced by its default: percentiles over a handful of rows are noise.
const minBucketSample = 20

// buildBucket computes {p10, p50, p90} over observed CTRs.
func buildBucket(ctrs []float64) CTRBenchmark {
	sort.Float64s(ctrs)
	n := len(ctrs)
	pick := func(p float64) float64 {
		idx := int(p * float64(n-1))
		return ctrs[idx]
	}
	return CTRBenchmark{
		Min:        pick(0.10),
		Expected:   pick(0.50),
		Max:        pick(0.90),
		SampleSize: n,
	}
}
