package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/siacta/internal/storage"
)

// heartbeat renews the run's lease every lease/3 until stop is called. If the
// run loses ownership (the reaper expired it, or another run took over) the
// returned context is cancelled so the run stops writing.
func (p *Pipeline) heartbeat(parent context.Context, id, token string) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		interval := p.lease / 3
		if interval <= 0 {
			interval = p.lease
		}
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				err := p.deps.Documents.RenewLease(ctx, id, token, p.now().Add(p.lease))
				if err == nil || ctx.Err() != nil {
					continue
				}
				if errors.Is(err, storage.ErrConflict) {
					p.logger.Warn("lease lost, stopping ingestion", "document_id", id)
					cancel()
					return
				}
				p.logger.Warn("renewing lease failed", "document_id", id, "error", err)
			}
		}
	}()

	return ctx, func() {
		cancel()
		<-done
	}
}
