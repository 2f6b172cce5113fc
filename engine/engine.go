// Package engine is fetchengine's public front door: construction,
// option normalization, Request/Destroy, and the event subscription
// surface, wiring the four resilience policies around pipeline.Pipeline.
//
// Grounded on cache-manager/service.go's Service + Config +
// DefaultConfig()/initService() construction pattern, and on
// warming/service.go's SetOriginFetcher/SetCacheClient
// dependency-injection setters, mirrored here as the Config.Transport and
// Config.Now fields for testability.
package engine

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kavexo/fetchengine/cache"
	"github.com/kavexo/fetchengine/dedupe"
	"github.com/kavexo/fetchengine/pkg/events"
	"github.com/kavexo/fetchengine/pkg/headers"
	"github.com/kavexo/fetchengine/pkg/keys"
	"github.com/kavexo/fetchengine/pkg/logging"
	"github.com/kavexo/fetchengine/pkg/models"
	"github.com/kavexo/fetchengine/pipeline"
	"github.com/kavexo/fetchengine/ratelimiter"
	"github.com/kavexo/fetchengine/retry"
)

// ErrDestroyed is returned by Request once the engine has been
// destroyed (§4.7 "Destroyed engine").
var ErrDestroyed = errors.New("fetchengine: engine is destroyed")

// BoolOrConfig normalizes the spec's `true | false | struct` construction
// options (§6, §9 "a normalizer that maps true/false/object inputs to a
// single internal config variant") into one shape: Disabled explicitly
// turns a policy off; a nil Config with Disabled=false means "on with
// defaults"; a non-nil Config means "on with these overrides".
type BoolOrConfig[T any] struct {
	Disabled bool
	Config   *T
}

// Enabled reports whether the option resolves to "on".
func (b BoolOrConfig[T]) Enabled() bool { return !b.Disabled }

// Config is the engine construction configuration (§6 "Engine
// construction options").
type Config struct {
	BaseURL             string
	DefaultType         models.ParseType
	Headers             map[string][]string
	MethodHeaders       map[string]map[string][]string
	Params              map[string][]string
	MethodParams        map[string]map[string][]string
	Timeout             time.Duration
	TotalTimeout        time.Duration
	AttemptTimeout      time.Duration
	FormatHeaders       headers.FormatMode
	CustomHeaderFormat  func(http.Header) http.Header
	DetermineType       pipeline.DetermineTypeFunc
	ModifyOptions       pipeline.ModifyOptionsFunc
	ModifyMethodOptions map[string]pipeline.ModifyOptionsFunc
	ValidateHeaders     func(http.Header) error
	ValidateParams      func(map[string][]string) error
	ValidatePerRequest  func(http.Header, map[string][]string) error

	Retry           BoolOrConfig[retry.Config]
	DedupePolicy    BoolOrConfig[dedupe.Config]
	CachePolicy     BoolOrConfig[cache.Config]
	RateLimitPolicy BoolOrConfig[ratelimiter.Config]

	Transport Transport
	Logger    *zap.Logger
	Now       func() time.Time
}

// Transport is re-exported so callers configuring an Engine don't need
// to import pipeline directly.
type Transport = pipeline.Transport

// Engine is the constructed, request-serving client.
type Engine struct {
	bus      *events.Bus
	log      *logging.Logger
	pipeline *pipeline.Pipeline

	rateLimiter  *ratelimiter.Limiter
	dedupeReg    *dedupe.Registry
	dedupePolicy *dedupe.Policy
	cacheStore   *cache.Store

	mu        sync.Mutex
	destroyed bool
	// inFlight holds the cancel func for every call currently inside
	// Request, keyed by a monotonic id; Destroy cancels all of them so
	// in-flight requests abort instead of running to completion (§4.7
	// "Destroyed engine").
	inFlight map[uint64]context.CancelFunc
	nextID   uint64
}

// New validates cfg and constructs an Engine. Configuration errors are
// returned synchronously, never panicked (§7 "Configuration" errors are
// thrown synchronously from the constructor").
func New(cfg Config) (*Engine, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("fetchengine: baseUrl is required")
	}
	if cfg.DefaultType == "" {
		cfg.DefaultType = models.ParseJSON
	}
	validDefaultTypes := map[models.ParseType]bool{
		models.ParseJSON: true, models.ParseText: true, models.ParseBlob: true,
		models.ParseArrayBuffer: true, models.ParseFormData: true,
	}
	if !validDefaultTypes[cfg.DefaultType] {
		return nil, errors.New("fetchengine: invalid defaultType")
	}

	bus := events.New()
	log := logging.Nop()
	if cfg.Logger != nil {
		log = logging.New(cfg.Logger)
	}

	e := &Engine{bus: bus, log: log, inFlight: make(map[uint64]context.CancelFunc)}

	var rl *ratelimiter.Limiter
	if cfg.RateLimitPolicy.Enabled() {
		rlCfg := ratelimiter.DefaultConfig()
		if cfg.RateLimitPolicy.Config != nil {
			rlCfg = *cfg.RateLimitPolicy.Config
		}
		rlCfg.Enabled = true
		var err error
		rl, err = ratelimiter.New(rlCfg, defaultEndpointSerializer, bus)
		if err != nil {
			return nil, err
		}
	}
	e.rateLimiter = rl

	var dd *dedupe.Registry
	var ddPolicy *dedupe.Policy
	if cfg.DedupePolicy.Enabled() {
		ddCfg := dedupe.DefaultConfig()
		if cfg.DedupePolicy.Config != nil {
			ddCfg = *cfg.DedupePolicy.Config
		}
		ddCfg.Enabled = true
		var err error
		ddPolicy, err = dedupe.NewPolicy(ddCfg)
		if err != nil {
			return nil, err
		}
		dd = dedupe.New(bus)
	}
	e.dedupeReg = dd
	e.dedupePolicy = ddPolicy

	var cs *cache.Store
	if cfg.CachePolicy.Enabled() {
		cCfg := cache.DefaultConfig()
		if cfg.CachePolicy.Config != nil {
			cCfg = *cfg.CachePolicy.Config
		}
		cCfg.Enabled = true
		var err error
		cs, err = cache.New(cCfg, cfg.Now)
		if err != nil {
			return nil, err
		}
		cs.SetBus(bus)
	}
	e.cacheStore = cs

	var re *retry.Engine
	if cfg.Retry.Enabled() {
		rCfg := retry.DefaultConfig()
		if cfg.Retry.Config != nil {
			rCfg = *cfg.Retry.Config
		}
		rCfg.Enabled = true
		re = retry.New(rCfg, bus)
	}

	pcfg := pipeline.Config{
		BaseURL: cfg.BaseURL, DefaultType: cfg.DefaultType,
		Headers: cfg.Headers, MethodHeaders: cfg.MethodHeaders,
		Params: cfg.Params, MethodParams: cfg.MethodParams,
		FormatHeaders: cfg.FormatHeaders, CustomHeaderFormat: cfg.CustomHeaderFormat,
		Timeout: cfg.Timeout, TotalTimeout: cfg.TotalTimeout, AttemptTimeout: cfg.AttemptTimeout,
		DetermineType: cfg.DetermineType, ModifyOptions: cfg.ModifyOptions, ModifyMethodOptions: cfg.ModifyMethodOptions,
		ValidateHeaders: cfg.ValidateHeaders, ValidateParams: cfg.ValidateParams, ValidatePerRequest: cfg.ValidatePerRequest,
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultClient
	}

	var dedupeApplies func(rc *models.RequestContext) bool
	var dedupeKey func(rc *models.RequestContext) (string, error)
	if ddPolicy != nil {
		dedupeApplies = ddPolicy.Applies
		dedupeKey = ddPolicy.Key
	}

	var cacheApplies func(rc *models.RequestContext) bool
	var cacheKey func(rc *models.RequestContext) (string, error)
	if cs != nil {
		cacheApplies = cs.Applies
		cacheKey = cs.Key
	}

	pl, err := pipeline.New(pcfg, transport, bus, log, rl, dd, dedupeApplies, dedupeKey, cs, cacheApplies, cacheKey, re)
	if err != nil {
		return nil, err
	}
	e.pipeline = pl

	return e, nil
}

// defaultEndpointSerializer is the ratelimiter's fixed route-identity
// serializer (§4.1 endpoint): a pure function of (method, url.pathname).
func defaultEndpointSerializer(method, path string) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return keys.Endpoint(keys.Context{Method: method, URL: u})
}

// Request runs the full pipeline for one call (§6). The call's context is
// wrapped so Destroy can cancel it early even when the caller passed
// context.Background() and no per-call/engine timeout applies.
func (e *Engine) Request(ctx context.Context, method, path string, opts pipeline.CallOptions) (*models.FetchResponse, error) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil, ErrDestroyed
	}
	reqCtx, cancel := context.WithCancel(ctx)
	id := e.nextID
	e.nextID++
	e.inFlight[id] = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, id)
		e.mu.Unlock()
		cancel()
	}()

	return e.pipeline.Execute(reqCtx, method, path, opts)
}

// On subscribes fn to name, returning a disposer (§6 Events).
func (e *Engine) On(name events.Name, fn events.Listener, once bool) events.Disposer {
	return e.bus.On(name, fn, once)
}

// OnMatch subscribes fn to every event name matching pattern (§6, regex/
// '*' subscription).
func (e *Engine) OnMatch(pattern string, fn events.PatternListener, once bool) events.Disposer {
	return e.bus.OnMatch(pattern, fn, once)
}

// Destroy marks the engine destroyed: new requests fail immediately,
// every in-flight request's context is cancelled so it aborts rather than
// running to completion, and dedup/rate-limit state is cleared; repeated
// calls are a no-op (§4.7 "Destroyed engine", §8 "destroy() twice ==
// destroy() once").
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	e.destroyed = true
	for _, cancel := range e.inFlight {
		cancel()
	}
	e.inFlight = make(map[uint64]context.CancelFunc)
	if e.rateLimiter != nil {
		e.rateLimiter.Reset()
	}
	if e.dedupeReg != nil {
		e.dedupeReg.Clear()
	}
}

// IsDestroyed reports whether Destroy has been called.
func (e *Engine) IsDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}
