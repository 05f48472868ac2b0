package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type flakyIndexer struct {
	failures int
	calls    int
}

func (f *flakyIndexer) Index(ctx context.Context, ping models.PositionPing) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("redis down")
	}
	return nil
}

func TestIndexWithRetrySucceedsAfterRetries(t *testing.T) {
	idx := &flakyIndexer{failures: 2}
	ping := models.PositionPing{DriverID: "d1", Lat: 1, Lng: 2, ReportedAt: time.Now()}

	if err := indexWithRetry(context.Background(), idx, ping, 3, time.Millisecond); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if idx.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", idx.calls)
	}
}

func TestIndexWithRetryFailsWhenExhausted(t *testing.T) {
	idx := &flakyIndexer{failures: 10}
	ping := models.PositionPing{DriverID: "d1", Lat: 1, Lng: 2, ReportedAt: time.Now()}

	if err := indexWithRetry(context.Background(), idx, ping, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error when attempts are exhausted")
	}
	if idx.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", idx.calls)
	}
}

func TestIndexWithRetryStopsOnFirstSuccess(t *testing.T) {
	idx := &flakyIndexer{}
	ping := models.PositionPing{DriverID: "d1", Lat: 1, Lng: 2, ReportedAt: time.Now()}

	if err := indexWithRetry(context.Background(), idx, ping, 3, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", idx.calls)
	}
}
