// Package events implements the typed event bus (§6, §9): named listeners
// plus regex/pattern subscriptions, with a disposer returned from On/OnMatch.
// Grounded on the teacher's pkg/pubsub/events.go (Validate()/ToJSON() per
// event type, Version field) and pkg/pubsub/topics.go (topic constants,
// AllTopics/IsValidTopic), generalized from distributed Encore Pub/Sub
// topics to an in-process bus, and on invalidation/patterns.go's wildcard
// matcher reused here for pattern subscriptions.
package events

import (
	"regexp"
	"strings"
	"sync"
)

// Name is one of the fixed lifecycle event names (§6).
type Name string

const (
	Before                  Name = "fetch-before"
	After                   Name = "fetch-after"
	Response                Name = "fetch-response"
	Error                   Name = "fetch-error"
	Abort                   Name = "fetch-abort"
	Retry                   Name = "fetch-retry"
	DedupeStart             Name = "fetch-dedupe-start"
	DedupeJoin              Name = "fetch-dedupe-join"
	DedupeComplete          Name = "fetch-dedupe-complete"
	DedupeError             Name = "fetch-dedupe-error"
	CacheHit                Name = "fetch-cache-hit"
	CacheMiss               Name = "fetch-cache-miss"
	CacheStale              Name = "fetch-cache-stale"
	CacheSet                Name = "fetch-cache-set"
	CacheRevalidate         Name = "fetch-cache-revalidate"
	CacheRevalidateError    Name = "fetch-cache-revalidate-error"
	RateLimitAcquire        Name = "fetch-ratelimit-acquire"
	RateLimitWait           Name = "fetch-ratelimit-wait"
	RateLimitReject         Name = "fetch-ratelimit-reject"
)

// AllNames returns every fixed event name, mirroring the teacher's
// AllTopics()/IsValidTopic() introspection helpers.
func AllNames() []Name {
	return []Name{
		Before, After, Response, Error, Abort, Retry,
		DedupeStart, DedupeJoin, DedupeComplete, DedupeError,
		CacheHit, CacheMiss, CacheStale, CacheSet, CacheRevalidate, CacheRevalidateError,
		RateLimitAcquire, RateLimitWait, RateLimitReject,
	}
}

// Data is the payload delivered to a listener: a state snapshot plus a
// name-dependent field map (§3).
type Data struct {
	Name    Name
	State   map[string]any
	Payload map[string]any
}

// Listener receives event data for a named subscription.
type Listener func(Data)

// PatternListener receives event data for a pattern subscription, wrapped
// with the matched event name (§6: "Regex/pattern listeners receive
// {event, data}").
type PatternListener func(name Name, data Data)

// Disposer unsubscribes a listener; safe to call more than once.
type Disposer func()

// Bus is a typed, in-process, single-threaded-cooperative event bus (§5:
// no locking is strictly required since emit happens on the caller's
// goroutine between await points, but Bus itself is safe for concurrent
// On/OnMatch/Emit since multiple engines or goroutines may share one).
type Bus struct {
	mu        sync.RWMutex
	listeners map[Name][]*subscription
	patterns  []*patternSubscription
	seq       uint64
}

type subscription struct {
	id   uint64
	fn   Listener
	once bool
	dead bool
}

type patternSubscription struct {
	id      uint64
	pattern string
	fn      PatternListener
	once    bool
	dead    bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{listeners: make(map[Name][]*subscription)}
}

// On subscribes fn to events named name. once, if true, removes the
// listener after its first invocation.
func (b *Bus) On(name Name, fn Listener, once bool) Disposer {
	b.mu.Lock()
	b.seq++
	sub := &subscription{id: b.seq, fn: fn, once: once}
	b.listeners[name] = append(b.listeners[name], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		sub.dead = true
	}
}

// OnMatch subscribes fn to every event whose Name matches pattern, written
// as exact/prefix("x*")/suffix("*x")/contains("*x*")/"*" globs, or else a
// regex (the same operators pkg/rules offers as explicit match kinds, and,
// ultimately, the teacher's invalidation/patterns.go wildcard matcher).
func (b *Bus) OnMatch(pattern string, fn PatternListener, once bool) Disposer {
	b.mu.Lock()
	b.seq++
	sub := &patternSubscription{id: b.seq, pattern: pattern, fn: fn, once: once}
	b.patterns = append(b.patterns, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		sub.dead = true
	}
}

// Emit delivers data to every listener subscribed to data.Name, and to
// every matching pattern subscription.
func (b *Bus) Emit(data Data) {
	b.mu.Lock()
	direct := append([]*subscription(nil), b.listeners[data.Name]...)
	patterns := append([]*patternSubscription(nil), b.patterns...)
	b.mu.Unlock()

	var expiredDirect []uint64
	for _, sub := range direct {
		if sub.dead {
			continue
		}
		sub.fn(data)
		if sub.once {
			expiredDirect = append(expiredDirect, sub.id)
		}
	}

	var expiredPatterns []uint64
	for _, sub := range patterns {
		if sub.dead {
			continue
		}
		if !matchName(sub.pattern, string(data.Name)) {
			continue
		}
		sub.fn(data.Name, data)
		if sub.once {
			expiredPatterns = append(expiredPatterns, sub.id)
		}
	}

	if len(expiredDirect) == 0 && len(expiredPatterns) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.listeners[data.Name] {
		for _, id := range expiredDirect {
			if sub.id == id {
				sub.dead = true
			}
		}
	}
	for _, sub := range b.patterns {
		for _, id := range expiredPatterns {
			if sub.id == id {
				sub.dead = true
			}
		}
	}
}

// patternRegexCache memoizes compiled regex patterns across all buses,
// mirroring pkg/rules.Matcher's per-pattern regex cache.
var patternRegexCache sync.Map // string -> *regexp.Regexp (nil entry = invalid pattern)

func matchName(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1:
		return strings.Contains(name, strings.Trim(pattern, "*"))
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(name, strings.TrimPrefix(pattern, "*"))
	default:
		// Not a recognized glob shape: fall back to treating pattern as a
		// regex (§6 "regex/pattern subscriptions"), so callers can match
		// e.g. "^fetch-cache-.*$" without needing a glob-compatible form.
		if re := compiledPattern(pattern); re != nil {
			return re.MatchString(name)
		}
		return false
	}
}

func compiledPattern(pattern string) *regexp.Regexp {
	if v, ok := patternRegexCache.Load(pattern); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	actual, _ := patternRegexCache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp)
}
