// Package models defines the data shapes shared across fetchengine's
// policy packages: the per-request context, the response and error
// envelopes returned to callers, cache entries, and the resolved-rule
// shape produced by the rule matcher.
package models

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// ParseType is the declared or detected body parse strategy for a response.
type ParseType string

const (
	ParseJSON        ParseType = "json"
	ParseText        ParseType = "text"
	ParseBlob        ParseType = "blob"
	ParseArrayBuffer ParseType = "arrayBuffer"
	ParseFormData    ParseType = "formData"
	// ParseUseDefault is the sentinel a determineType hook may return to
	// defer to the engine's configured default type.
	ParseUseDefault ParseType = "useDefault"
)

// Step identifies which pipeline stage produced a FetchError (§3).
type Step string

const (
	StepFetch    Step = "fetch"
	StepParse    Step = "parse"
	StepResponse Step = "response"
)

// Status codes the pipeline assigns itself, distinct from real HTTP status.
const (
	StatusPreflight       = 0
	StatusAborted         = 499
	StatusConnectionLost  = 503
	StatusUnclassified    = 999
)

// RequestContext is constructed once per call and is immutable after
// pipeline entry except for the retry attempt counter (§3).
type RequestContext struct {
	Method  string
	Path    string
	URL     *url.URL
	Headers http.Header
	Payload any

	// State is an opaque snapshot the caller's modifyOptions/validate hooks
	// can read; fetchengine never interprets its contents.
	State map[string]any

	// Attempt is 1-based and mutates across a retry loop; every other
	// field is fixed at construction.
	Attempt int

	// AttemptTimeout/TotalTimeout are the configured budgets (0 = unset).
	AttemptTimeout time.Duration
	TotalTimeout   time.Duration

	// ParentCtx carries the total-timeout/user-cancellation deadline. The
	// per-attempt context is derived from it by the pipeline's retry loop
	// (fresh child when AttemptTimeout is set, otherwise ParentCtx itself)
	// per §4.7.
	ParentCtx context.Context
	CancelFn  context.CancelFunc

	// cached key serializations behind EndpointKey/RequestKey, populated
	// lazily on first call. dedupe.Policy and cache.Store do not use them;
	// each computes its own key.
	endpointKey string
	requestKey  string
	haveEndpoint bool
	haveRequest  bool
}

// EndpointKey returns the memoized endpoint-serializer key, computing it
// via fn on first use.
func (r *RequestContext) EndpointKey(fn func() string) string {
	if !r.haveEndpoint {
		r.endpointKey = fn()
		r.haveEndpoint = true
	}
	return r.endpointKey
}

// RequestKey returns the memoized request-serializer key, computing it via
// fn on first use.
func (r *RequestContext) RequestKey(fn func() string) string {
	if !r.haveRequest {
		r.requestKey = fn()
		r.haveRequest = true
	}
	return r.requestKey
}

// FetchResponse is the successful outcome of Engine.Request.
type FetchResponse struct {
	Data    any
	Status  int
	Headers http.Header
	Request *RequestContext
}

// FetchError is the sole error shape the pipeline surfaces to callers (§3, §7).
type FetchError struct {
	Status    int
	Method    string
	Path      string
	URL       string
	Data      any
	Aborted   bool
	TimedOut  bool
	Attempt   int
	Step      Step
	Headers   http.Header
	Cause     error
}

func (e *FetchError) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	if m, ok := e.Data.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok {
			return msg
		}
	}
	return "fetchengine: request failed"
}

func (e *FetchError) Unwrap() error { return e.Cause }

// IsTimeout reports whether the error resulted from a timer-driven abort.
func (e *FetchError) IsTimeout() bool { return e.TimedOut }

// IsCancelled reports whether the error resulted from a user-invoked abort
// (as opposed to a timer).
func (e *FetchError) IsCancelled() bool { return e.Aborted && !e.TimedOut }

// IsConnectionLost reports whether the error was mapped from an underlying
// connection-reset/refused/aborted condition.
func (e *FetchError) IsConnectionLost() bool { return e.Status == StatusConnectionLost }

// IsFetchError reports whether err is (or wraps) a *FetchError.
func IsFetchError(err error) bool {
	_, ok := AsFetchError(err)
	return ok
}

// AsFetchError extracts a *FetchError from err, following Unwrap chains.
func AsFetchError(err error) (*FetchError, bool) {
	for err != nil {
		if fe, ok := err.(*FetchError); ok {
			return fe, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// NewDefaultData builds the default error body shape, {"message": msg}.
func NewDefaultData(msg string) map[string]any {
	return map[string]any{"message": msg}
}

// CacheEntry is a stored cache value plus SWR metadata (§3).
type CacheEntry struct {
	Value       any
	Status      int
	Headers     http.Header
	ContentType string
	ParseType   ParseType
	StoredAt    time.Time
	ExpiresAt   time.Time
	StaleAt     time.Time

	// Revalidating is the optional revalidation-lock flag. cache.Store does
	// not set or read it; it tracks in-flight revalidations per key itself.
	Revalidating bool
}

// IsExpired reports whether the entry is past ExpiresAt at now (§3: "after
// expiresAt the entry is treated as absent").
func (c *CacheEntry) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// IsFresh reports whether now is strictly before StaleAt; an entry with no
// StaleAt is always fresh.
func (c *CacheEntry) IsFresh(now time.Time) bool {
	return c.StaleAt.IsZero() || now.Before(c.StaleAt)
}

// IsStale reports whether now falls in [StaleAt, ExpiresAt).
func (c *CacheEntry) IsStale(now time.Time) bool {
	if c.StaleAt.IsZero() {
		return false
	}
	return !now.Before(c.StaleAt) && !c.IsExpired(now)
}

// MatchKind enumerates the §3.2 rule match operators.
type MatchKind string

const (
	MatchIs         MatchKind = "is"
	MatchStartsWith MatchKind = "startsWith"
	MatchEndsWith   MatchKind = "endsWith"
	MatchIncludes   MatchKind = "includes"
	MatchRegex      MatchKind = "match"
)

// MatchCriterion is one predicate of a PolicyRule; multiple criteria on a
// rule combine with AND, except MatchIs which must be the rule's only
// criterion (§3, §4.2).
type MatchCriterion struct {
	Kind    MatchKind
	Pattern string
}

// PolicyRule is one ordered rule of a policy config (§3). Extra carries
// the policy-specific fields a rule can override (cache's ttl/staleIn,
// the rate limiter's maxCalls/windowMs, ...); each policy asserts it back
// to its own Extra type when reading ResolvedRule.Extra.
type PolicyRule struct {
	Criteria   []MatchCriterion
	Enabled    *bool // nil = inherit policy default
	Methods    []string
	Serializer string // "endpoint" or "request" (pkg/keys), "" = inherit default
	Extra      any
}

// ResolvedRule is the memoized, per-route outcome of the rule matcher
// (§3, §4.2). A nil *ResolvedRule means the policy does not apply.
type ResolvedRule struct {
	Enabled    bool
	Methods    map[string]struct{}
	Serializer string
	// Extra carries policy-specific knobs (ttl, staleIn, maxAttempts, ...)
	// as a policy-owned type asserted by the caller.
	Extra any
}

// MethodAllowed reports whether method is in the resolved rule's method set.
// An empty set means "all methods".
func (r *ResolvedRule) MethodAllowed(method string) bool {
	if r == nil {
		return false
	}
	if len(r.Methods) == 0 {
		return true
	}
	_, ok := r.Methods[method]
	return ok
}
