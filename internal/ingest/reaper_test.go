package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/siacta/internal/storage"
)

type mockExpirer struct {
	expireFn func(ctx context.Context, now time.Time) ([]string, error)
}

func (m *mockExpirer) ExpireLeases(ctx context.Context, now time.Time) ([]string, error) {
	return m.expireFn(ctx, now)
}

func TestReaper_RunOnceExpiresStaleLeases(t *testing.T) {
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	for _, id := range []string{"stale", "fresh"} {
		if _, err := st.CreateDocument(ctx, storage.Document{ID: id, Filename: id + ".txt"}); err != nil {
			t.Fatalf("CreateDocument: %v", err)
		}
	}
	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	if _, err := st.ClaimDocument(ctx, "stale", []storage.Status{storage.StatusUploaded}, "t1", past); err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	if _, err := st.ClaimDocument(ctx, "fresh", []storage.Status{storage.StatusUploaded}, "t2", future); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	n, err := NewReaper(st, 0).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("reaped %d, want 1", n)
	}

	stale, _ := st.GetDocument(ctx, "stale")
	fresh, _ := st.GetDocument(ctx, "fresh")
	if stale.Status != storage.StatusError || fresh.Status != storage.StatusProcessing {
		t.Errorf("stale = %s, fresh = %s", stale.Status, fresh.Status)
	}
}

func TestReaper_RunOnceError(t *testing.T) {
	r := NewReaper(&mockExpirer{expireFn: func(context.Context, time.Time) ([]string, error) {
		return nil, errors.New("database is locked")
	}}, 0)
	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	calls := make(chan struct{}, 16)
	r := NewReaper(&mockExpirer{expireFn: func(context.Context, time.Time) ([]string, error) {
		calls <- struct{}{}
		return nil, nil
	}}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// The first pass runs immediately, the second after one interval.
	<-calls
	<-calls
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
