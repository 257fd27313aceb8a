// Package termstore persists the curated detection vocabulary: scam seed
// phrases, legitimate-query exemplars per category, curated legitimate
// lexical patterns, and admin threshold overrides.
//
// Every mutation here obsoletes derived caches (seed embeddings, category
// centroids); callers invalidate those through the service layer, while
// out-of-band writers are caught by the data_version poller in watch.go.
package termstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// Severity of a seed phrase.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// NormalizeSeverity maps unknown severity strings to medium so one bad
// admin entry never breaks scoring.
func NormalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityLow:
		return SeverityLow
	case SeverityInfo:
		return SeverityInfo
	default:
		return SeverityMedium
	}
}

// SeverityMultiplier is the risk-score boost applied when an embedding
// match carries this severity.
func SeverityMultiplier(severity string) float64 {
	switch severity {
	case SeverityCritical:
		return 1.3
	case SeverityHigh:
		return 1.22
	default:
		return 1.15
	}
}

// SeedPhrase is one known scam-indicative phrase.
type SeedPhrase struct {
	Text     string `json:"text"`
	Category string `json:"category"`
	Severity string `json:"severity"`
}

// Store wraps the terms database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS seed_phrases (
    text       TEXT PRIMARY KEY,
    category   TEXT NOT NULL DEFAULT 'general',
    severity   TEXT NOT NULL DEFAULT 'medium',
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS legit_exemplars (
    category   TEXT NOT NULL,
    text       TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (category, text)
);
CREATE TABLE IF NOT EXISTS legit_patterns (
    pattern    TEXT PRIMARY KEY,
    note       TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS threshold_overrides (
    name       TEXT PRIMARY KEY,
    value      REAL NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// Open opens (creating if needed) the terms database with the production
// pragmas: WAL, busy_timeout, NORMAL synchronous, foreign keys on.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("termstore: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("termstore: open: %w", err)
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("termstore: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("termstore: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store for tests. MaxOpenConns(1) keeps
// every query on the same in-memory database.
func OpenMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	s.db.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for components sharing the same file (audit log).
func (s *Store) DB() *sql.DB { return s.db }

// normalizeText is the canonical key form for phrases and exemplars.
func normalizeText(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// SeedPhrases returns all seed phrases, normalized, ordered by text.
func (s *Store) SeedPhrases(ctx context.Context) ([]SeedPhrase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT text, category, severity FROM seed_phrases ORDER BY text`)
	if err != nil {
		return nil, fmt.Errorf("seed phrases: %w", err)
	}
	defer rows.Close()

	var out []SeedPhrase
	for rows.Next() {
		var p SeedPhrase
		if err := rows.Scan(&p.Text, &p.Category, &p.Severity); err != nil {
			return nil, err
		}
		p.Severity = NormalizeSeverity(p.Severity)
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddSeedPhrase inserts or updates a seed phrase. Empty text is rejected;
// unknown severities fall back to medium.
func (s *Store) AddSeedPhrase(ctx context.Context, p SeedPhrase) error {
	text := normalizeText(p.Text)
	if text == "" {
		return fmt.Errorf("seed phrase text is empty")
	}
	category := strings.TrimSpace(p.Category)
	if category == "" {
		category = "general"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seed_phrases (text, category, severity, created_at)
		VALUES (?,?,?,?)
		ON CONFLICT(text) DO UPDATE SET category=excluded.category, severity=excluded.severity`,
		text, category, NormalizeSeverity(p.Severity), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("add seed phrase: %w", err)
	}
	return nil
}

// RemoveSeedPhrase deletes a seed phrase. Removing a phrase that does not
// exist is not an error.
func (s *Store) RemoveSeedPhrase(ctx context.Context, text string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM seed_phrases WHERE text = ?`, normalizeText(text))
	if err != nil {
		return fmt.Errorf("remove seed phrase: %w", err)
	}
	return nil
}

// Exemplars returns legitimate-query exemplars grouped by category.
// Categories with no exemplars are simply absent.
func (s *Store) Exemplars(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, text FROM legit_exemplars ORDER BY category, text`)
	if err != nil {
		return nil, fmt.Errorf("exemplars: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var category, text string
		if err := rows.Scan(&category, &text); err != nil {
			return nil, err
		}
		out[category] = append(out[category], text)
	}
	return out, rows.Err()
}

// AddExemplar records a legitimate query example for a category.
func (s *Store) AddExemplar(ctx context.Context, category, text string) error {
	category = strings.TrimSpace(category)
	text = normalizeText(text)
	if category == "" || text == "" {
		return fmt.Errorf("exemplar category and text are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO legit_exemplars (category, text, created_at)
		VALUES (?,?,?)`, category, text, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("add exemplar: %w", err)
	}
	return nil
}

// LegitimatePatterns returns the curated lexical patterns that exclude a
// query from ranking regardless of score.
func (s *Store) LegitimatePatterns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pattern FROM legit_patterns ORDER BY pattern`)
	if err != nil {
		return nil, fmt.Errorf("legit patterns: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddLegitimatePattern stores a regex pattern with an optional note.
func (s *Store) AddLegitimatePattern(ctx context.Context, pattern, note string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("pattern is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO legit_patterns (pattern, note, created_at)
		VALUES (?,?,?)`, pattern, note, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("add legit pattern: %w", err)
	}
	return nil
}

// Overrides returns the admin threshold overlay. The base config stays
// immutable; these values win at merge-read time.
func (s *Store) Overrides(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM threshold_overrides`)
	if err != nil {
		return nil, fmt.Errorf("overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var value float64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

// SetOverride upserts one threshold override.
func (s *Store) SetOverride(ctx context.Context, name string, value float64) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("override name is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threshold_overrides (name, value, updated_at)
		VALUES (?,?,?)
		ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		name, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set override: %w", err)
	}
	return nil
}
