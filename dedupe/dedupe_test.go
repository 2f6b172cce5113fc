package dedupe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kavexo/fetchengine/pkg/events"
)

func TestDoSingleCallerActsAsInitiator(t *testing.T) {
	bus := events.New()
	r := New(bus)
	calls := 0
	var mu sync.Mutex

	val, err := r.Do(context.Background(), "k", func() (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "v", nil
	})
	if err != nil || val != "v" {
		t.Fatalf("got (%v, %v)", val, err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestConcurrentIdenticalRequestsCollapse(t *testing.T) {
	bus := events.New()
	var starts []map[string]any
	var joins []map[string]any
	var mu sync.Mutex
	bus.On(events.DedupeStart, func(d events.Data) { mu.Lock(); starts = append(starts, d.Payload); mu.Unlock() }, false)
	bus.On(events.DedupeJoin, func(d events.Data) { mu.Lock(); joins = append(joins, d.Payload); mu.Unlock() }, false)

	r := New(bus)
	var calls int32Counter
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]Result, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := r.Do(context.Background(), "shared", func() (any, error) {
				calls.inc()
				<-release
				return 42, nil
			})
			results[i] = Result{Value: v, Err: err}
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.get() != 1 {
		t.Fatalf("expected exactly 1 underlying call, got %d", calls.get())
	}
	for i, res := range results {
		if res.Err != nil || res.Value != 42 {
			t.Errorf("result %d = (%v, %v), want (42, nil)", i, res.Value, res.Err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 1 {
		t.Errorf("expected 1 dedupe-start, got %d", len(starts))
	}
	if len(joins) != 4 {
		t.Errorf("expected 4 dedupe-join (concurrent requesters - 1), got %d", len(joins))
	}
}

func TestJoinerTimeoutNeverAffectsInitiator(t *testing.T) {
	bus := events.New()
	r := New(bus)
	release := make(chan struct{})

	initiatorDone := make(chan Result, 1)
	go func() {
		v, err := r.Do(context.Background(), "slow", func() (any, error) {
			<-release
			return "ok", nil
		})
		initiatorDone <- Result{Value: v, Err: err}
	}()

	time.Sleep(10 * time.Millisecond) // let the initiator register

	joinerCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, joinErr := r.Do(joinerCtx, "slow", func() (any, error) {
		t.Fatal("joiner must not execute its own fn")
		return nil, nil
	})
	if !errors.Is(joinErr, context.DeadlineExceeded) {
		t.Fatalf("expected joiner timeout, got %v", joinErr)
	}

	close(release)
	initRes := <-initiatorDone
	if initRes.Err != nil || initRes.Value != "ok" {
		t.Fatalf("initiator affected by joiner timeout: %+v", initRes)
	}
}

func TestInitiatorErrorRejectsJoiners(t *testing.T) {
	bus := events.New()
	r := New(bus)
	wantErr := errors.New("boom")
	started := make(chan struct{})

	initiatorDone := make(chan Result, 1)
	go func() {
		v, err := r.Do(context.Background(), "fail", func() (any, error) {
			close(started)
			time.Sleep(15 * time.Millisecond)
			return nil, wantErr
		})
		initiatorDone <- Result{Value: v, Err: err}
	}()
	<-started

	_, joinErr := r.Do(context.Background(), "fail", func() (any, error) {
		t.Fatal("joiner must not execute its own fn")
		return nil, nil
	})
	if !errors.Is(joinErr, wantErr) {
		t.Fatalf("expected joiner to receive initiator's error, got %v", joinErr)
	}
	<-initiatorDone
}

func TestEntryRemovedAfterSettleAllowsFreshGroup(t *testing.T) {
	bus := events.New()
	var startCount int
	bus.On(events.DedupeStart, func(events.Data) { startCount++ }, false)
	r := New(bus)

	for i := 0; i < 2; i++ {
		_, err := r.Do(context.Background(), "k", func() (any, error) { return nil, nil })
		if err != nil {
			t.Fatal(err)
		}
	}
	if startCount != 2 {
		t.Errorf("expected 2 fetch-dedupe-start events across 2 sequential batches, got %d", startCount)
	}
	if r.InFlight() != 0 {
		t.Errorf("expected 0 in-flight after quiescence, got %d", r.InFlight())
	}
}

func TestInFlightNeverNegative(t *testing.T) {
	bus := events.New()
	r := New(bus)
	if r.InFlight() != 0 {
		t.Fatalf("expected 0, got %d", r.InFlight())
	}
	r.Forget("nonexistent")
	if r.InFlight() != 0 {
		t.Fatalf("Forget on missing key went negative: %d", r.InFlight())
	}
}

// int32Counter avoids importing sync/atomic just for one counter in tests.
type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
