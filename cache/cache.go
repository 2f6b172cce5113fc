// Package cache implements the cache store and stale-while-revalidate
// (SWR) coordinator (§4.5).
//
// Grounded on the teacher's cache-manager/cache.go L1Cache (RWMutex map +
// doubly-linked LRU list + lazy TTL expiry, DeletePattern/CleanupExpired)
// and cache-manager/policies.go's EvictionPolicy/PolicyEngine, retargeted
// from a distributed L1/L2 cache tier onto a single pluggable Adapter
// interface per §4.5 ("Adapter interface (user-pluggable, default
// in-memory)").
package cache

import (
	"container/list"
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kavexo/fetchengine/pkg/events"
	"github.com/kavexo/fetchengine/pkg/keys"
	"github.com/kavexo/fetchengine/pkg/models"
	"github.com/kavexo/fetchengine/pkg/rules"
)

// Adapter is the user-pluggable cache backing store (§4.5): 6 methods,
// all of which may be implemented asynchronously by a remote store.
type Adapter interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry *models.CacheEntry) error
	Delete(ctx context.Context, key string) (bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
}

// Extra carries the per-rule cache knobs resolved by pkg/rules.
type Extra struct {
	TTL          time.Duration
	StaleIn      time.Duration
	StaleTimeout time.Duration
}

// Config is the policy-level configuration (§6 cachePolicy).
type Config struct {
	Enabled      bool
	Methods      []string
	TTL          time.Duration
	StaleIn      time.Duration
	StaleTimeout time.Duration
	Serializer   string
	Adapter      Adapter
	Rules        []models.PolicyRule
}

// DefaultConfig returns the spec's default: GET only, caller-supplied TTL.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Methods:    []string{"GET"},
		Serializer: "request",
	}
}

// Stats is a point-in-time snapshot of cache activity, extending the
// teacher's L1Cache.Size()/invalidation.Metrics/monitoring.MetricsSnapshot
// pattern onto SWR-specific counters (§3 Supplemented Features).
type Stats struct {
	Hits              int64
	Misses            int64
	Stale             int64
	Sets              int64
	RevalidateErrors  int64
}

// Store composes an Adapter with the rule matcher and SWR coordination.
type Store struct {
	cfg     Config
	matcher *rules.Matcher
	adapter Adapter
	bus     *events.Bus
	now     func() time.Time

	mu    sync.Mutex
	stats Stats
	// revalidating tracks keys with an in-flight background revalidation
	// so a second stale hit doesn't start a duplicate one.
	revalidating map[string]bool
}

// Revalidator runs the full pipeline recursively for a stale key and
// returns the fresh entry to store, per §4.5 ("goes through the full
// pipeline recursively so it also dedupes and rate-limits").
type Revalidator func(ctx context.Context, rc *models.RequestContext) (*models.CacheEntry, error)

// New compiles cfg's rules; staleIn >= ttl (both set) is rejected synchronously (§7
// Configuration error: "staleIn ≥ ttl").
func New(cfg Config, now func() time.Time) (*Store, error) {
	if cfg.StaleIn > 0 && cfg.TTL > 0 && cfg.StaleIn >= cfg.TTL {
		return nil, errStaleInTooLarge
	}
	m, err := rules.Compile(rules.Config{
		Enabled:           cfg.Enabled,
		DefaultMethods:    cfg.Methods,
		DefaultSerializer: cfg.Serializer,
		Rules:             cfg.Rules,
	})
	if err != nil {
		return nil, err
	}
	adapter := cfg.Adapter
	if adapter == nil {
		adapter = NewMemoryAdapter(0)
	}
	if now == nil {
		now = time.Now
	}
	return &Store{cfg: cfg, matcher: m, adapter: adapter, now: now, revalidating: make(map[string]bool)}, nil
}

var errStaleInTooLarge = staleInError{}

type staleInError struct{}

func (staleInError) Error() string { return "cache: staleIn must be less than ttl" }

// Applies reports whether the policy applies to rc's route, resolving
// through the rule matcher.
func (s *Store) Applies(rc *models.RequestContext) bool {
	return s.matcher.Resolve(rc.Method, rc.Path) != nil
}

// Key resolves rc's cache key via the resolved rule's (or default)
// serializer, defaulting to the request serializer (§4.1, §4.5).
func (s *Store) Key(rc *models.RequestContext) (string, error) {
	resolved := s.matcher.Resolve(rc.Method, rc.Path)
	serializer := s.cfg.Serializer
	if resolved != nil && resolved.Serializer != "" {
		serializer = resolved.Serializer
	}
	kctx := keys.Context{Method: rc.Method, URL: rc.URL, Payload: rc.Payload, Headers: rc.Headers}
	if serializer == "endpoint" {
		return keys.Endpoint(kctx)
	}
	return keys.Request(kctx)
}

// Lookup implements §4.5's three-way cache decision for key, returning
// the stored entry itself (so its Status/Headers/Value all travel back
// to the caller, not just Value) rather than a bare value. bus events are
// emitted as described; on a stale hit it starts (and does not wait for,
// unless staleTimeout races it) a background revalidation via revalidate.
func (s *Store) Lookup(ctx context.Context, key string, rc *models.RequestContext, revalidate Revalidator) (entry *models.CacheEntry, hit bool, err error) {
	stored, found, err := s.adapter.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	now := s.now()

	if !found || stored.IsExpired(now) {
		s.mu.Lock()
		s.stats.Misses++
		s.mu.Unlock()
		s.bus.Emit(events.Data{Name: events.CacheMiss, Payload: map[string]any{"key": key}})
		return nil, false, nil
	}

	if stored.IsFresh(now) {
		s.mu.Lock()
		s.stats.Hits++
		s.mu.Unlock()
		s.bus.Emit(events.Data{Name: events.CacheHit, Payload: map[string]any{"key": key}})
		return stored, true, nil
	}

	// Stale (§4.5 step 3).
	s.mu.Lock()
	s.stats.Stale++
	s.mu.Unlock()
	s.bus.Emit(events.Data{Name: events.CacheStale, Payload: map[string]any{"key": key}})

	staleTimeout := s.resolveExtra(rc).StaleTimeout
	if staleTimeout <= 0 {
		s.startRevalidation(key, rc, revalidate, nil)
		return stored, true, nil
	}

	fresh := make(chan *models.CacheEntry, 1)
	s.startRevalidation(key, rc, revalidate, fresh)
	timer := time.NewTimer(staleTimeout)
	defer timer.Stop()
	select {
	case e := <-fresh:
		return e, true, nil
	case <-timer.C:
		return stored, true, nil
	case <-ctx.Done():
		return stored, true, nil
	}
}

func (s *Store) resolveExtra(rc *models.RequestContext) Extra {
	resolved := s.matcher.Resolve(rc.Method, rc.Path)
	if resolved != nil {
		if extra, ok := resolved.Extra.(Extra); ok {
			return extra
		}
	}
	return Extra{TTL: s.cfg.TTL, StaleIn: s.cfg.StaleIn, StaleTimeout: s.cfg.StaleTimeout}
}

// startRevalidation launches (at most once per key at a time) a
// background revalidation through the full pipeline, updating the cache
// on success and emitting fetch-cache-set or
// fetch-cache-revalidate-error (§4.5). Errors never propagate to the
// caller that received the stale value (§7 propagation policy).
// fresh, if non-nil, receives the revalidated entry once, on success only, so a
// caller racing it against staleTimeout can observe it without waiting
// for the full background revalidation's housekeeping.
func (s *Store) startRevalidation(key string, rc *models.RequestContext, revalidate Revalidator, fresh chan<- *models.CacheEntry) {
	s.mu.Lock()
	if s.revalidating[key] {
		s.mu.Unlock()
		return
	}
	s.revalidating[key] = true
	s.mu.Unlock()

	s.bus.Emit(events.Data{Name: events.CacheRevalidate, Payload: map[string]any{"key": key}})

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.revalidating, key)
			s.mu.Unlock()
		}()

		entry, err := revalidate(context.Background(), rc)
		if err != nil {
			s.mu.Lock()
			s.stats.RevalidateErrors++
			s.mu.Unlock()
			s.bus.Emit(events.Data{Name: events.CacheRevalidateError, Payload: map[string]any{"key": key, "error": err}})
			return
		}
		if err := s.adapter.Set(context.Background(), key, entry); err != nil {
			s.bus.Emit(events.Data{Name: events.CacheRevalidateError, Payload: map[string]any{"key": key, "error": err}})
			return
		}
		s.mu.Lock()
		s.stats.Sets++
		s.mu.Unlock()
		s.bus.Emit(events.Data{Name: events.CacheSet, Payload: map[string]any{"key": key}})
		if fresh != nil {
			select {
			case fresh <- entry:
			default:
			}
		}
	}()
}

// Store persists entry under key on a successful fetch (§4.5 step 1).
func (s *Store) Store(ctx context.Context, key string, entry *models.CacheEntry) error {
	if err := s.adapter.Set(ctx, key, entry); err != nil {
		return err
	}
	s.mu.Lock()
	s.stats.Sets++
	s.mu.Unlock()
	s.bus.Emit(events.Data{Name: events.CacheSet, Payload: map[string]any{"key": key}})
	return nil
}

// BuildEntry constructs a CacheEntry from a successful response and the
// resolved TTL/staleIn knobs for rc's route (§3: staleAt ≤ expiresAt).
func (s *Store) BuildEntry(rc *models.RequestContext, value any, status int, contentType string, parseType models.ParseType, respHeaders http.Header) *models.CacheEntry {
	extra := s.resolveExtra(rc)
	now := s.now()
	entry := &models.CacheEntry{
		Value:       value,
		Status:      status,
		ContentType: contentType,
		ParseType:   parseType,
		Headers:     respHeaders,
		StoredAt:    now,
	}
	if extra.TTL > 0 {
		entry.ExpiresAt = now.Add(extra.TTL)
	}
	if extra.StaleIn > 0 {
		entry.StaleAt = now.Add(extra.StaleIn)
	}
	return entry
}

// Delete removes key, not affecting in-flight requests (§4.5).
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	return s.adapter.Delete(ctx, key)
}

// Clear empties the adapter (§4.5 clearCache()).
func (s *Store) Clear(ctx context.Context) error {
	return s.adapter.Clear(ctx)
}

// StatsSnapshot returns a copy of current counters.
func (s *Store) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// PrometheusMetrics renders the current stats in the teacher's
// monitoring.MetricsSnapshot/SnapshotToPrometheusFormat shape, prefixed
// by prefix (e.g. "fetchengine_cache").
func (s *Store) PrometheusMetrics(prefix string) map[string]float64 {
	stats := s.StatsSnapshot()
	size, _ := s.adapter.Size(context.Background())
	snap := models.NewMetricSnapshot(uint64(stats.Hits), uint64(stats.Misses), uint64(stats.Sets), 0, 0, models.LatencySummary{})
	snap.L1Size = uint64(size)
	snap.TotalSize = uint64(size)
	return models.SnapshotToPrometheusFormat(snap, prefix)
}

// SetBus wires the store to an event bus; split from New so Store can be
// constructed before the engine's bus exists, mirroring the teacher's
// two-phase service init (initService() then later wiring).
func (s *Store) SetBus(bus *events.Bus) { s.bus = bus }

// --- in-memory default adapter -------------------------------------------------

type lruEntry struct {
	key     string
	entry   *models.CacheEntry
	element *list.Element
}

// MemoryAdapter is the default in-memory Adapter: an LRU-bounded map,
// directly modeled on the teacher's L1Cache (RWMutex + container/list).
type MemoryAdapter struct {
	mu         sync.RWMutex
	data       map[string]*lruEntry
	lru        *list.List
	maxEntries int
}

// NewMemoryAdapter creates a bounded in-memory adapter. maxEntries <= 0
// means unbounded.
func NewMemoryAdapter(maxEntries int) *MemoryAdapter {
	return &MemoryAdapter{data: make(map[string]*lruEntry), lru: list.New(), maxEntries: maxEntries}
}

func (a *MemoryAdapter) Get(_ context.Context, key string) (*models.CacheEntry, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.data[key]
	if !ok {
		return nil, false, nil
	}
	a.lru.MoveToFront(e.element)
	return e.entry, true, nil
}

func (a *MemoryAdapter) Set(_ context.Context, key string, entry *models.CacheEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.data[key]; ok {
		e.entry = entry
		a.lru.MoveToFront(e.element)
		return nil
	}
	if a.maxEntries > 0 && a.lru.Len() >= a.maxEntries {
		a.evictOldestLocked()
	}
	e := &lruEntry{key: key, entry: entry}
	e.element = a.lru.PushFront(e)
	a.data[key] = e
	return nil
}

func (a *MemoryAdapter) Delete(_ context.Context, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deleteLocked(key), nil
}

func (a *MemoryAdapter) deleteLocked(key string) bool {
	e, ok := a.data[key]
	if !ok {
		return false
	}
	a.lru.Remove(e.element)
	delete(a.data, key)
	return true
}

func (a *MemoryAdapter) Has(_ context.Context, key string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.data[key]
	return ok, nil
}

func (a *MemoryAdapter) Clear(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = make(map[string]*lruEntry)
	a.lru = list.New()
	return nil
}

func (a *MemoryAdapter) Size(_ context.Context) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.data), nil
}

// DeleteMatching removes every key matching pattern (exact, "prefix*",
// "*suffix", or "*contains*"), mirroring the teacher's
// L1Cache.DeletePattern.
func (a *MemoryAdapter) DeleteMatching(_ context.Context, pattern string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var toDelete []string
	for key := range a.data {
		if matchesPattern(key, pattern) {
			toDelete = append(toDelete, key)
		}
	}
	count := 0
	for _, key := range toDelete {
		if a.deleteLocked(key) {
			count++
		}
	}
	return count
}

func (a *MemoryAdapter) evictOldestLocked() {
	oldest := a.lru.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*lruEntry)
	a.lru.Remove(oldest)
	delete(a.data, e.key)
}

func matchesPattern(key, pattern string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1:
		return strings.Contains(key, strings.Trim(pattern, "*"))
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(key, strings.TrimPrefix(pattern, "*"))
	default:
		return key == pattern
	}
}
