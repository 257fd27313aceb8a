package signals

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// patternCheck is one named lexical check.
type patternCheck struct {
	name string
	re   *regexp.Regexp
}

var patternChecks = []patternCheck{
	{"dollar_amount", regexp.MustCompile(`\$\s?\d[\d,]*`)},
	{"urgency", regexp.MustCompile(`(?i)\b(urgent(ly)?|immediately|right now|act now|final notice|last warning|expires?( today| soon)?)\b`)},
	{"money_bait", regexp.MustCompile(`(?i)\b(free|bonus|secret|hidden|unclaimed)\b.{0,40}\b(money|cash|refund|payment|deposit|cheque|check)\b`)},
}

var yearRe = regexp.MustCompile(`\b(20\d{2})\b`)

// patternStrengthStep: each matched check contributes 0.3 strength,
// capped at 1.
const patternStrengthStep = 0.3

// Pattern runs the curated lexical checks against a query: dollar amounts,
// urgency language, free-money bait, and future-dated years (scam
// campaigns advertise "2027 refund" before any such program exists).
func Pattern(query string, now time.Time) Signal {
	sig := Signal{Type: TypePattern, Confidence: PatternConfidence}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		sig.Details = "empty query"
		return sig
	}

	var matched []string
	for _, c := range patternChecks {
		if c.re.MatchString(query) {
			matched = append(matched, c.name)
		}
	}
	for _, m := range yearRe.FindAllString(query, -1) {
		if y, err := strconv.Atoi(m); err == nil && y > now.Year() {
			matched = append(matched, "future_year")
			break
		}
	}

	if len(matched) == 0 {
		sig.Details = "no lexical patterns matched"
		return sig
	}

	strength := patternStrengthStep * float64(len(matched))
	sig.Active = true
	sig.Strength = clamp01(strength)
	sig.Details = fmt.Sprintf("matched patterns: %s", strings.Join(matched, ", "))
	sig.Metadata = map[string]any{"patterns": matched}
	return sig
}
