package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordFillsDefaults(t *testing.T) {
	db := setupDB(t)
	l := NewSQLiteLogger(db, nil)
	ctx := context.Background()
	if err := l.Init(ctx); err != nil {
		t.Fatal(err)
	}

	l.Record(ctx, Entry{Action: "seed_phrase_add", Entity: "pay cra with gift card"})

	var action, actor, status string
	var created int64
	err := db.QueryRow(`SELECT action, actor, status, created_at FROM detection_audit`).
		Scan(&action, &actor, &status, &created)
	if err != nil {
		t.Fatal(err)
	}
	if action != "seed_phrase_add" {
		t.Fatalf("action = %q", action)
	}
	if actor != "system" {
		t.Fatalf("actor = %q, want system", actor)
	}
	if status != "success" {
		t.Fatalf("status = %q, want success", status)
	}
	if created == 0 {
		t.Fatal("created_at not set")
	}
}

func TestRecordNeverPropagatesErrors(t *testing.T) {
	db := setupDB(t)
	l := NewSQLiteLogger(db, nil)
	// No Init: table missing. Record must not panic or error out.
	l.Record(context.Background(), Entry{Action: "rank_run"})
}

func TestCleanup(t *testing.T) {
	db := setupDB(t)
	l := NewSQLiteLogger(db, nil)
	ctx := context.Background()
	if err := l.Init(ctx); err != nil {
		t.Fatal(err)
	}

	l.Record(ctx, Entry{Action: "old", Timestamp: time.Now().Add(-48 * time.Hour).Unix()})
	l.Record(ctx, Entry{Action: "fresh"})

	n, err := l.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("cleanup removed %d rows, want 1", n)
	}

	var remaining int
	db.QueryRow(`SELECT COUNT(*) FROM detection_audit`).Scan(&remaining)
	if remaining != 1 {
		t.Fatalf("%d rows remain, want 1", remaining)
	}

	// Zero retention is a no-op.
	if n, err := l.Cleanup(ctx, 0); err != nil || n != 0 {
		t.Fatalf("zero retention: n=%d err=%v", n, err)
	}
}
