package ratelimiter

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/kavexo/fetchengine/pkg/events"
	"github.com/kavexo/fetchengine/pkg/keys"
	"github.com/kavexo/fetchengine/pkg/models"
)

func serializeEndpoint(method, path string) (string, error) {
	u, err := url.Parse("https://example.test" + path)
	if err != nil {
		return "", err
	}
	return keys.Endpoint(keys.Context{Method: method, URL: u})
}

func TestAcquireAdmitsWithinCapacity(t *testing.T) {
	bus := events.New()
	cfg := DefaultConfig()
	cfg.MaxCalls = 2
	cfg.WindowMs = 60_000
	cfg.WaitForToken = false
	l, err := New(cfg, serializeEndpoint, bus)
	if err != nil {
		t.Fatal(err)
	}

	rc := &models.RequestContext{Method: "GET", Path: "/g"}
	if err := l.Acquire(context.Background(), rc); err != nil {
		t.Fatalf("1st acquire: %v", err)
	}
	if err := l.Acquire(context.Background(), rc); err != nil {
		t.Fatalf("2nd acquire: %v", err)
	}
}

func TestAcquireRejectsWhenExhaustedAndNotWaiting(t *testing.T) {
	bus := events.New()
	var rejected []map[string]any
	bus.On(events.RateLimitReject, func(d events.Data) { rejected = append(rejected, d.Payload) }, false)

	cfg := DefaultConfig()
	cfg.MaxCalls = 1
	cfg.WindowMs = 60_000
	cfg.WaitForToken = false
	l, err := New(cfg, serializeEndpoint, bus)
	if err != nil {
		t.Fatal(err)
	}

	rc := &models.RequestContext{Method: "GET", Path: "/g"}
	if err := l.Acquire(context.Background(), rc); err != nil {
		t.Fatalf("1st acquire should be admitted: %v", err)
	}
	err = l.Acquire(context.Background(), rc)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("2nd acquire: expected ErrRejected, got %v", err)
	}
	if len(rejected) != 1 {
		t.Fatalf("expected 1 reject event, got %d", len(rejected))
	}
}

func TestAcquireWaitsThenAdmits(t *testing.T) {
	bus := events.New()
	cfg := DefaultConfig()
	cfg.MaxCalls = 1
	cfg.WindowMs = 200 // 1 token per 200ms
	cfg.WaitForToken = true
	l, err := New(cfg, serializeEndpoint, bus)
	if err != nil {
		t.Fatal(err)
	}

	rc := &models.RequestContext{Method: "GET", Path: "/g"}
	if err := l.Acquire(context.Background(), rc); err != nil {
		t.Fatalf("1st acquire: %v", err)
	}

	start := time.Now()
	if err := l.Acquire(context.Background(), rc); err != nil {
		t.Fatalf("2nd acquire should wait then succeed: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Errorf("expected a meaningful wait, took %v", time.Since(start))
	}
}

func TestAcquireWaitCancellableByContext(t *testing.T) {
	bus := events.New()
	cfg := DefaultConfig()
	cfg.MaxCalls = 1
	cfg.WindowMs = 5_000
	cfg.WaitForToken = true
	l, err := New(cfg, serializeEndpoint, bus)
	if err != nil {
		t.Fatal(err)
	}

	rc := &models.RequestContext{Method: "GET", Path: "/g"}
	if err := l.Acquire(context.Background(), rc); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Acquire(ctx, rc)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline error, got %v", err)
	}
}

func TestDisabledPolicyBypassesBucket(t *testing.T) {
	bus := events.New()
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.MaxCalls = 1
	l, err := New(cfg, serializeEndpoint, bus)
	if err != nil {
		t.Fatal(err)
	}
	rc := &models.RequestContext{Method: "GET", Path: "/g"}
	for i := 0; i < 5; i++ {
		if err := l.Acquire(context.Background(), rc); err != nil {
			t.Fatalf("call %d: expected no rate limiting, got %v", i, err)
		}
	}
}

func TestPerRuleExtraOverridesMaxCalls(t *testing.T) {
	bus := events.New()
	cfg := DefaultConfig()
	cfg.MaxCalls = 100
	cfg.WindowMs = 60_000
	cfg.WaitForToken = false
	cfg.Rules = []models.PolicyRule{
		{
			Criteria: []models.MatchCriterion{{Kind: models.MatchStartsWith, Pattern: "/throttled"}},
			Extra:    Extra{MaxCalls: 1, WindowMs: 60_000, WaitForToken: false},
		},
	}
	l, err := New(cfg, serializeEndpoint, bus)
	if err != nil {
		t.Fatal(err)
	}

	rc := &models.RequestContext{Method: "GET", Path: "/throttled/x"}
	if err := l.Acquire(context.Background(), rc); err != nil {
		t.Fatalf("1st acquire should be admitted: %v", err)
	}
	if err := l.Acquire(context.Background(), rc); !errors.Is(err, ErrRejected) {
		t.Fatalf("2nd acquire: expected ErrRejected from the rule's maxCalls=1, got %v", err)
	}

	// A route not matching the rule keeps the policy-level capacity.
	other := &models.RequestContext{Method: "GET", Path: "/g"}
	for i := 0; i < 5; i++ {
		if err := l.Acquire(context.Background(), other); err != nil {
			t.Fatalf("unrelated route call %d: %v", i, err)
		}
	}
}

func TestShouldRateLimitBypass(t *testing.T) {
	bus := events.New()
	cfg := DefaultConfig()
	cfg.MaxCalls = 1
	cfg.WaitForToken = false
	cfg.ShouldRateLimit = func(*models.RequestContext) bool { return false }
	l, err := New(cfg, serializeEndpoint, bus)
	if err != nil {
		t.Fatal(err)
	}
	rc := &models.RequestContext{Method: "GET", Path: "/g"}
	for i := 0; i < 5; i++ {
		if err := l.Acquire(context.Background(), rc); err != nil {
			t.Fatalf("call %d: expected bypass, got %v", i, err)
		}
	}
}
