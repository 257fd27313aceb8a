// Package audit records the detection system's administrative trail:
// seed-phrase mutations, threshold overrides, ranking runs, and
// degradation events. Writes never block or fail the caller — a broken
// audit store is logged and ignored.
package audit

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"
)

// Entry is one audit row.
type Entry struct {
	EntryID   string `json:"entry_id"`
	Action    string `json:"action"`     // e.g. "seed_phrase_add", "rank_run"
	Entity    string `json:"entity"`     // the phrase, override name, or cache key involved
	Actor     string `json:"actor"`      // admin identity or "system"
	Details   string `json:"details"`    // optional JSON payload
	Status    string `json:"status"`     // "success" or "error"
	Timestamp int64  `json:"timestamp"`  // unix seconds
}

// Logger records entries. Implementations must be safe for concurrent use.
type Logger interface {
	Record(ctx context.Context, e Entry)
}

// Noop discards everything.
type Noop struct{}

func (Noop) Record(context.Context, Entry) {}

// SQLiteLogger writes entries to a detection_audit table.
type SQLiteLogger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteLogger creates a logger over an already-open database.
func NewSQLiteLogger(db *sql.DB, logger *slog.Logger) *SQLiteLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteLogger{db: db, logger: logger}
}

// Init creates the audit table if missing.
func (l *SQLiteLogger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS detection_audit (
		    entry_id   TEXT PRIMARY KEY,
		    action     TEXT NOT NULL,
		    entity     TEXT NOT NULL DEFAULT '',
		    actor      TEXT NOT NULL DEFAULT 'system',
		    details    TEXT NOT NULL DEFAULT '',
		    status     TEXT NOT NULL DEFAULT 'success',
		    created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_detection_audit_created
		    ON detection_audit (created_at)`)
	if err != nil {
		return fmt.Errorf("audit init: %w", err)
	}
	return nil
}

// Record inserts an entry, filling ID, status, and timestamp defaults.
// Insert failures are slog-logged, never propagated.
func (l *SQLiteLogger) Record(ctx context.Context, e Entry) {
	if e.EntryID == "" {
		e.EntryID = newEntryID()
	}
	if e.Status == "" {
		e.Status = "success"
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO detection_audit (entry_id, action, entity, actor, details, status, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		e.EntryID, e.Action, e.Entity, e.Actor, e.Details, e.Status, e.Timestamp)
	if err != nil {
		l.logger.Error("audit write failed", "error", err, "action", e.Action)
	}
}

// Cleanup deletes entries older than retention. Zero retention keeps
// everything.
func (l *SQLiteLogger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).Unix()
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM detection_audit WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func newEntryID() string {
	var b [8]byte
	rand.Read(b[:])
	return "adt_" + hex.EncodeToString(b[:])
}
