package termstore

import (
	"context"
	"log/slog"
	"time"
)

// DataVersion reads SQLite's data_version token. It advances whenever
// another connection commits a change, which is exactly the case the
// in-process invalidation hooks cannot see (manual sqlite3 edits, a second
// admin process on the same file).
func (s *Store) DataVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// Watch polls DataVersion at the given interval and calls onChange when it
// advances. Blocks until ctx is cancelled; run it in a goroutine. Poll
// errors are logged and the loop keeps going — a transiently locked file
// must not kill the watcher.
func (s *Store) Watch(ctx context.Context, interval time.Duration, logger *slog.Logger, onChange func()) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	last, err := s.DataVersion(ctx)
	if err != nil {
		logger.Warn("termstore watch: initial version read failed", "error", err)
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			v, err := s.DataVersion(ctx)
			if err != nil {
				logger.Warn("termstore watch: version read failed", "error", err)
				continue
			}
			if v != last {
				logger.Info("termstore changed externally, reloading", "old", last, "new", v)
				last = v
				onChange()
			}
		}
	}
}
