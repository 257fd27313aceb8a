package termstore

import "context"

// defaultSeedPhrases is the built-in scam vocabulary shipped with the
// service. Admin additions extend it; it is only inserted when the
// seed_phrases table is empty so redeployments never resurrect phrases an
// admin deleted.
var defaultSeedPhrases = []SeedPhrase{
	{Text: "pay cra with gift card", Category: "payment_scam", Severity: SeverityCritical},
	{Text: "cra gift card payment", Category: "payment_scam", Severity: SeverityCritical},
	{Text: "cra bitcoin payment", Category: "payment_scam", Severity: SeverityCritical},
	{Text: "cra accepts crypto payment", Category: "payment_scam", Severity: SeverityHigh},
	{Text: "cra refund e-transfer text message", Category: "phishing", Severity: SeverityHigh},
	{Text: "cra refund claim link", Category: "phishing", Severity: SeverityHigh},
	{Text: "cra verify sin number online", Category: "identity_theft", Severity: SeverityHigh},
	{Text: "cra suspended sin call back", Category: "intimidation", Severity: SeverityHigh},
	{Text: "cra arrest warrant phone call", Category: "intimidation", Severity: SeverityHigh},
	{Text: "cra lawsuit final notice", Category: "intimidation", Severity: SeverityMedium},
	{Text: "cra secret refund program", Category: "phishing", Severity: SeverityMedium},
	{Text: "unlock cra refund bonus", Category: "phishing", Severity: SeverityMedium},
}

// defaultExemplars seeds the legitimate-query categories the classifier
// builds centroids from.
var defaultExemplars = map[string][]string{
	"generalInquiry": {
		"cra my account login",
		"cra my account sign in",
		"canada revenue agency contact number",
		"cra office hours",
	},
	"filing": {
		"how to file taxes online canada",
		"tax return deadline canada",
		"netfile certified software",
		"t4 slip online",
	},
	"benefits": {
		"gst hst credit payment dates",
		"canada child benefit amount",
		"climate action incentive payment",
		"disability tax credit application",
	},
	"payments": {
		"pay cra online banking",
		"cra payment arrangement",
		"cra instalment payments",
	},
}

// defaultLegitPatterns are curated lexical exclusions: branded tax software
// and common legitimate phrasings that must never surface as threats, no
// matter what the signals say.
var defaultLegitPatterns = []string{
	`(?i)\bturbotax\b`,
	`(?i)\bwealthsimple\b`,
	`(?i)\bh&r block\b`,
	`(?i)\bufile\b`,
	`(?i)\bstudiotax\b`,
	`(?i)\bnetfile\b`,
	`(?i)file (my |your )?taxes online free`,
	`(?i)\bcra login\b`,
}

// EnsureDefaults seeds empty tables with the built-in vocabulary.
// Idempotent; per-table so a partially customized store keeps its edits.
func (s *Store) EnsureDefaults(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seed_phrases`).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		for _, p := range defaultSeedPhrases {
			if err := s.AddSeedPhrase(ctx, p); err != nil {
				return err
			}
		}
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM legit_exemplars`).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		for category, texts := range defaultExemplars {
			for _, text := range texts {
				if err := s.AddExemplar(ctx, category, text); err != nil {
					return err
				}
			}
		}
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM legit_patterns`).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		for _, p := range defaultLegitPatterns {
			if err := s.AddLegitimatePattern(ctx, p, "built-in"); err != nil {
				return err
			}
		}
	}
	return nil
}
