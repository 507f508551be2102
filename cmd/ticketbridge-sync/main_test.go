package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agentworkforce/ticketbridge/internal/config"
	"github.com/agentworkforce/ticketbridge/internal/contextstore"
)

type lockingPropertyStore struct {
	contextstore.PropertyStore
	lockedJob string
	released  bool
	closed    bool
}

func (s *lockingPropertyStore) AcquireJobLock(ctx context.Context, jobID string) (func(), error) {
	s.lockedJob = jobID
	return func() { s.released = true }, nil
}

func (s *lockingPropertyStore) Close() error {
	s.closed = true
	return nil
}

func TestBuildSyncerHoldsJobLockUntilCleanup(t *testing.T) {
	store := &lockingPropertyStore{PropertyStore: contextstore.NewInMemoryPropertyStore()}
	contextstore.RegisterPropertyStoreFactory("lockedtest", func(dsn string) (contextstore.PropertyStore, error) {
		return store, nil
	})

	cfg := &config.Config{
		Job:          config.JobConfig{ID: "sync-job", SyncTag: "ticket-sync"},
		Ticketing:    config.TicketingConfig{APIRoot: "https://instance.example/api/now", Username: "u", Password: "p"},
		CasePlatform: config.CasePlatformConfig{APIRoot: "https://soar.example/api", APIKey: "k"},
		State:        config.StateConfig{DSN: "lockedtest://state"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, cleanup, err := buildSyncer(cfg, logger)
	if err != nil {
		t.Fatalf("buildSyncer: %v", err)
	}
	if store.lockedJob != "sync-job" {
		t.Fatalf("job lock acquired for %q, want sync-job", store.lockedJob)
	}
	if store.released || store.closed {
		t.Fatal("lock released before cleanup")
	}
	cleanup()
	if !store.released {
		t.Fatal("cleanup did not release the job lock")
	}
	if !store.closed {
		t.Fatal("cleanup did not close the store")
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("TICKETBRIDGE_TEST_DURATION", "90s")
	got := durationEnv("TICKETBRIDGE_TEST_DURATION", time.Minute)
	if got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("TICKETBRIDGE_TEST_DURATION_BAD", "later")
	got := durationEnv("TICKETBRIDGE_TEST_DURATION_BAD", time.Minute)
	if got != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}
