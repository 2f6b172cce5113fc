// Package dedupe implements the deduplication registry (§4.4): concurrent
// identical requests collapse into one in-flight operation, with joiners
// able to cancel independently of the initiator.
//
// Grounded on warming/service.go's literal use of
// golang.org/x/sync/singleflight for the thundering-herd problem, and on
// the teacher's cache-manager/singleflight.go RequestCoalescer for the
// introspection surface (Forget/Clear/InFlight). singleflight.Group.Do
// itself gives every caller the same error when the shared call fails,
// with no way for one caller to walk away early — so each caller here
// goes through DoChan instead, which hands back a private channel per
// caller while the group still runs fn exactly once per key. That lets a
// joiner's own context cancellation apply only to that joiner, the same
// property the teacher's hand-rolled RequestCoalescer provided without
// singleflight.
package dedupe

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kavexo/fetchengine/pkg/events"
)

// Result is what the initiator's operation resolves to.
type Result struct {
	Value any
	Err   error
}

// Registry is the engine-instance-scoped dedup table.
type Registry struct {
	bus *events.Bus
	sg  singleflight.Group

	mu      sync.Mutex
	waiting map[string]int
}

// New creates an empty registry.
func New(bus *events.Bus) *Registry {
	return &Registry{bus: bus, waiting: make(map[string]int)}
}

// Do runs fn for key if no operation is already in flight for key
// (becoming the initiator); otherwise it joins the existing operation
// (§4.4). joinCtx governs only this caller's wait — cancelling it never
// aborts the initiator or other joiners (§3 invariant); fn itself always
// runs to completion once started, governed by whatever context the
// initiator closed over when it called Do.
func (r *Registry) Do(joinCtx context.Context, key string, fn func() (any, error)) (any, error) {
	r.mu.Lock()
	count := r.waiting[key]
	r.waiting[key] = count + 1
	r.mu.Unlock()

	isInitiator := count == 0
	if isInitiator {
		r.bus.Emit(events.Data{Name: events.DedupeStart, Payload: map[string]any{"key": key}})
	} else {
		r.bus.Emit(events.Data{Name: events.DedupeJoin, Payload: map[string]any{"key": key, "waitingCount": count + 1}})
	}

	defer func() {
		r.mu.Lock()
		if r.waiting[key] <= 1 {
			delete(r.waiting, key)
		} else {
			r.waiting[key]--
		}
		r.mu.Unlock()
	}()

	ch := r.sg.DoChan(key, func() (any, error) { return fn() })
	select {
	case res := <-ch:
		if isInitiator {
			if res.Err != nil {
				r.bus.Emit(events.Data{Name: events.DedupeError, Payload: map[string]any{"key": key, "error": res.Err}})
			} else {
				r.bus.Emit(events.Data{Name: events.DedupeComplete, Payload: map[string]any{"key": key}})
			}
		}
		return res.Val, res.Err
	case <-joinCtx.Done():
		// Strictly local: fn keeps running for every other caller sharing
		// this key (§4.4).
		return nil, joinCtx.Err()
	}
}

// InFlight returns the number of distinct keys with an in-flight
// initiator, mirroring the teacher's RequestCoalescer.InFlight() (§8:
// "inflightCount ≥ 0 at all observation points").
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}

// Forget removes key's in-flight entry without affecting callers already
// waiting on it (it only prevents a future caller from joining a stale
// entry); mirrors the teacher's Forget().
func (r *Registry) Forget(key string) {
	r.sg.Forget(key)
}

// Clear removes all entries, used by Engine.Destroy (§4.7).
func (r *Registry) Clear() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.waiting))
	for k := range r.waiting {
		keys = append(keys, k)
	}
	r.waiting = make(map[string]int)
	r.mu.Unlock()
	for _, k := range keys {
		r.sg.Forget(k)
	}
}
