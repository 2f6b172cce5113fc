package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kavexo/fetchengine/pkg/events"
	"github.com/kavexo/fetchengine/pkg/models"
)

func sameCtx(parent context.Context, _ int) (context.Context, context.CancelFunc) {
	return parent, func() {}
}

func TestRunSucceedsWithoutRetry(t *testing.T) {
	bus := events.New()
	e := New(DefaultConfig(), bus)
	calls := 0
	v, err := e.Run(context.Background(), &models.RequestContext{}, sameCtx, func(ctx context.Context, attempt int) (any, error) {
		calls++
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got (%v, %v)", v, err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRunRetriesOnRetryableStatus(t *testing.T) {
	bus := events.New()
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	e := New(cfg, bus)

	var retryEvents []map[string]any
	bus.On(events.Retry, func(d events.Data) { retryEvents = append(retryEvents, d.Payload) }, false)

	calls := 0
	v, err := e.Run(context.Background(), &models.RequestContext{}, sameCtx, func(ctx context.Context, attempt int) (any, error) {
		calls++
		if calls < 3 {
			return nil, &models.FetchError{Status: 503}
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got (%v, %v)", v, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(retryEvents) != 2 {
		t.Fatalf("expected 2 retry events, got %d", len(retryEvents))
	}
}

func TestRunNeverRetriesUserCancellation(t *testing.T) {
	bus := events.New()
	e := New(DefaultConfig(), bus)
	calls := 0
	_, err := e.Run(context.Background(), &models.RequestContext{}, sameCtx, func(ctx context.Context, attempt int) (any, error) {
		calls++
		return nil, &models.FetchError{Status: 499, Aborted: true, TimedOut: false}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for user cancellation, got %d", calls)
	}
}

func TestRunRetriesTimedOutAttemptWhenStatus499(t *testing.T) {
	bus := events.New()
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	e := New(cfg, bus)
	calls := 0
	v, err := e.Run(context.Background(), &models.RequestContext{}, sameCtx, func(ctx context.Context, attempt int) (any, error) {
		calls++
		if calls == 1 {
			return nil, &models.FetchError{Status: 499, Aborted: true, TimedOut: true}
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got (%v, %v)", v, err)
	}
	if calls != 2 {
		t.Fatalf("expected retry on timed-out attempt, got %d calls", calls)
	}
}

func TestRunNeverRetriesMissingStatus(t *testing.T) {
	bus := events.New()
	e := New(DefaultConfig(), bus)
	calls := 0
	_, err := e.Run(context.Background(), &models.RequestContext{}, sameCtx, func(ctx context.Context, attempt int) (any, error) {
		calls++
		return nil, &models.FetchError{Status: 0}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for unclassified error, got %d", calls)
	}
}

func TestRunExhaustsAttemptsAndReturnsOriginalError(t *testing.T) {
	bus := events.New()
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.BaseDelay = time.Millisecond
	e := New(cfg, bus)
	wantErr := &models.FetchError{Status: 503, Data: "boom"}
	calls := 0
	_, err := e.Run(context.Background(), &models.RequestContext{}, sameCtx, func(ctx context.Context, attempt int) (any, error) {
		calls++
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected original error surfaced, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly maxAttempts=2 calls, got %d", calls)
	}
}

func TestRunCustomShouldRetryExplicitDelay(t *testing.T) {
	bus := events.New()
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Second
	cfg.ShouldRetry = func(fe *models.FetchError) (bool, time.Duration) {
		return true, time.Millisecond
	}
	e := New(cfg, bus)

	var gotDelay int64 = -1
	bus.On(events.Retry, func(d events.Data) { gotDelay = d.Payload["delay"].(int64) }, false)

	calls := 0
	start := time.Now()
	_, err := e.Run(context.Background(), &models.RequestContext{}, sameCtx, func(ctx context.Context, attempt int) (any, error) {
		calls++
		if calls < 2 {
			return nil, &models.FetchError{Status: 500}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("expected custom short delay to be honored, took %v", time.Since(start))
	}
	if gotDelay != 1 {
		t.Fatalf("expected delay of 1ms reported, got %d", gotDelay)
	}
}

func TestRunDisabledSkipsRetryLoop(t *testing.T) {
	bus := events.New()
	cfg := DefaultConfig()
	cfg.Enabled = false
	e := New(cfg, bus)
	calls := 0
	_, err := e.Run(context.Background(), &models.RequestContext{}, sameCtx, func(ctx context.Context, attempt int) (any, error) {
		calls++
		return nil, &models.FetchError{Status: 503}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("disabled retry should attempt exactly once, got %d calls", calls)
	}
}
