package signals

import (
	"fmt"

	"github.com/serplab/scamscope/analytics"
)

// CTRAnomalyThreshold is the minimum relative click shortfall that counts
// as anomalous on its own.
const CTRAnomalyThreshold = 0.30

// CTRAnomaly measures how far a query's actual CTR falls below the
// benchmark for its position bucket. A well-ranked page receiving far
// fewer clicks than typical means searchers are diverting to a
// non-official result — the core scam-relevance signal for this domain.
//
// Active iff the relative shortfall reaches CTRAnomalyThreshold, or the
// actual CTR is strictly below the bucket's observed minimum. Exactly at
// the minimum is not anomalous.
func CTRAnomaly(rec analytics.QueryMetricRecord, bench map[string]analytics.CTRBenchmark) Signal {
	sig := Signal{Type: TypeCTRAnomaly, Confidence: CTRConfidence}

	bucket := analytics.BucketForPosition(rec.Position)
	b, ok := bench[bucket]
	if !ok || b.Expected <= 0 {
		sig.Details = "no benchmark for position bucket " + bucket
		return sig
	}

	shortfall := clamp01((b.Expected - rec.CTR) / b.Expected)
	belowMin := rec.CTR < b.Min

	sig.Strength = shortfall
	sig.Active = shortfall >= CTRAnomalyThreshold || belowMin
	sig.Metadata = map[string]any{
		"bucket":    bucket,
		"actual":    rec.CTR,
		"expected":  b.Expected,
		"min":       b.Min,
		"shortfall": shortfall,
		"below_min": belowMin,
	}
	if sig.Active {
		sig.Details = fmt.Sprintf("CTR %.3f vs expected %.3f at position %.1f (bucket %s)",
			rec.CTR, b.Expected, rec.Position, bucket)
	} else {
		sig.Details = fmt.Sprintf("CTR %.3f within benchmark for bucket %s", rec.CTR, bucket)
	}
	return sig
}
