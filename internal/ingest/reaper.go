package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const defaultReapInterval = 30 * time.Second

// LeaseExpirer moves PROCESSING documents with lapsed leases to ERROR.
type LeaseExpirer interface {
	ExpireLeases(ctx context.Context, now time.Time) ([]string, error)
}

// Reaper periodically fails documents whose ingestion run died without
// releasing its lease, e.g. after a crash.
type Reaper struct {
	store    LeaseExpirer
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewReaper creates a Reaper. If interval is <= 0, it defaults to 30s.
func NewReaper(store LeaseExpirer, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	return &Reaper{
		store:    store,
		interval: interval,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run reaps once immediately, then every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper iteration failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}

// RunOnce expires stale leases and returns how many documents moved to ERROR.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	ids, err := r.store.ExpireLeases(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("expiring leases: %w", err)
	}
	for _, id := range ids {
		r.logger.Warn("ingestion lease expired, document moved to ERROR", "document_id", id)
	}
	return len(ids), nil
}
