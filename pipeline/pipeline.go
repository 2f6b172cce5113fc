// Package pipeline composes the four resilience policies around a
// single request (§4.7), and parses/shapes the response or error
// (§4.8).
//
// Grounded on cache-manager/service.go's Service, which owns l1Cache,
// l2Cache, originFetch, coalescer and metrics and wires them together
// for every incoming request; Pipeline plays the identical wiring role
// here, substituting fetchengine's rate limiter/dedupe/cache/retry
// policies for the teacher's two-tier cache machinery.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kavexo/fetchengine/cache"
	"github.com/kavexo/fetchengine/dedupe"
	"github.com/kavexo/fetchengine/pkg/events"
	"github.com/kavexo/fetchengine/pkg/headers"
	"github.com/kavexo/fetchengine/pkg/keys"
	"github.com/kavexo/fetchengine/pkg/logging"
	"github.com/kavexo/fetchengine/pkg/models"
	"github.com/kavexo/fetchengine/ratelimiter"
	"github.com/kavexo/fetchengine/retry"
)

// Transport performs the underlying HTTP round trip; *http.Client
// satisfies this.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options is the effective per-attempt request configuration, the
// RequestInit equivalent (§4.7 step 1).
type Options struct {
	Headers http.Header
	Params  map[string][]string
	Payload any
	Body    []byte
}

// ModifyOptionsFunc can rewrite Options before the request is sent (§4.7
// step 1; §9 "final transform hook").
type ModifyOptionsFunc func(opts *Options, state map[string]any) error

// DetermineTypeFunc overrides response-type detection; returning
// models.ParseUseDefault falls through to content-type tables (§4.7
// step 8).
type DetermineTypeFunc func(resp *http.Response) models.ParseType

// Hooks are per-call lifecycle callbacks (§6 per-call options; §9 "small
// interface passed per call").
type Hooks struct {
	OnBeforeReq func(opts *Options)
	OnAfterReq  func(resp *http.Response)
	OnError     func(err *models.FetchError)
}

// Config is the pipeline-level construction configuration (§6).
type Config struct {
	BaseURL             string
	DefaultType         models.ParseType
	Headers             map[string][]string
	MethodHeaders       map[string]map[string][]string
	Params              map[string][]string
	MethodParams        map[string]map[string][]string
	FormatHeaders       headers.FormatMode
	CustomHeaderFormat  func(http.Header) http.Header
	Timeout             time.Duration // legacy total timeout
	TotalTimeout        time.Duration
	AttemptTimeout      time.Duration
	DetermineType       DetermineTypeFunc
	ModifyOptions       ModifyOptionsFunc
	ModifyMethodOptions map[string]ModifyOptionsFunc
	ValidateHeaders     func(http.Header) error
	ValidateParams      func(map[string][]string) error
	ValidatePerRequest  func(http.Header, map[string][]string) error
}

// CallOptions are per-call overrides (§6 "Per-call options").
type CallOptions struct {
	Headers map[string][]string
	Params  map[string][]string
	Timeout time.Duration
	Payload any
	State   map[string]any
	Hooks   Hooks
}

// Pipeline composes rate limiting, dedup, cache and retry around
// Transport for a single engine instance.
type Pipeline struct {
	cfg       Config
	baseURL   *url.URL
	transport Transport
	bus       *events.Bus
	log       *logging.Logger

	rateLimiter *ratelimiter.Limiter
	dedupeReg   *dedupe.Registry
	cacheStore  *cache.Store
	retryEngine *retry.Engine

	dedupeApplies func(rc *models.RequestContext) bool
	dedupeKey     func(rc *models.RequestContext) (string, error)
	cacheApplies  func(rc *models.RequestContext) bool
	cacheKey      func(rc *models.RequestContext) (string, error)
}

// New constructs a Pipeline. Any of rl/dd/cs/re may be nil to disable
// that policy entirely.
func New(
	cfg Config,
	transport Transport,
	bus *events.Bus,
	log *logging.Logger,
	rl *ratelimiter.Limiter,
	dd *dedupe.Registry,
	dedupeApplies func(rc *models.RequestContext) bool,
	dedupeKey func(rc *models.RequestContext) (string, error),
	cs *cache.Store,
	cacheApplies func(rc *models.RequestContext) bool,
	cacheKey func(rc *models.RequestContext) (string, error),
	re *retry.Engine,
) (*Pipeline, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("pipeline: invalid baseUrl: %w", err)
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("pipeline: baseUrl is required")
	}
	if cfg.DefaultType == "" {
		cfg.DefaultType = models.ParseJSON
	}
	return &Pipeline{
		cfg: cfg, baseURL: base, transport: transport, bus: bus, log: log,
		rateLimiter: rl, dedupeReg: dd, cacheStore: cs, retryEngine: re,
		dedupeApplies: dedupeApplies, dedupeKey: dedupeKey,
		cacheApplies: cacheApplies, cacheKey: cacheKey,
	}, nil
}

// Execute runs the full pipeline for one logical request (§4.7): rate
// limit → dedup → cache → retry-loop(attempt → parse).
func (p *Pipeline) Execute(ctx context.Context, method, path string, call CallOptions) (*models.FetchResponse, error) {
	method = strings.ToUpper(method)

	total := call.Timeout
	if total <= 0 {
		total = p.cfg.TotalTimeout
	}
	if total <= 0 {
		total = p.cfg.Timeout
	}
	parentCtx := ctx
	var cancelParent context.CancelFunc
	if total > 0 {
		parentCtx, cancelParent = context.WithTimeout(ctx, total)
		defer cancelParent()
	}

	rc := &models.RequestContext{
		Method: method, Path: path, ParentCtx: parentCtx,
		State: call.State, TotalTimeout: total, AttemptTimeout: p.cfg.AttemptTimeout,
	}
	if rc.State == nil {
		rc.State = map[string]any{}
	}
	u, err := p.resolveURL(path)
	if err != nil {
		return nil, p.fail(call, &models.FetchError{Status: models.StatusUnclassified, Method: method, Path: path, Step: models.StepFetch, Cause: err})
	}
	rc.URL = u

	if p.rateLimiter != nil {
		if err := p.rateLimiter.Acquire(parentCtx, rc); err != nil {
			return nil, p.fail(call, p.classifyNonHTTPError(err, method, path, models.StepFetch))
		}
	}

	runAttempts := func(ctx context.Context, rc *models.RequestContext) (any, *models.CacheEntry, error) {
		v, entry, err := p.runRetryLoop(ctx, rc, call)
		return v, entry, err
	}

	// doWork always resolves to the full *models.CacheEntry for a
	// successful attempt (cache hit or fresh fetch alike), not just its
	// Value, so Status/Headers survive back to Execute's FetchResponse
	// regardless of which branch served the request.
	doWork := func() (any, error) {
		if p.cacheStore != nil && p.cacheApplies != nil && p.cacheApplies(rc) {
			key, err := p.cacheKey(rc)
			if err != nil {
				return nil, &models.FetchError{Status: models.StatusUnclassified, Method: method, Path: path, Step: models.StepResponse, Cause: err}
			}
			revalidator := func(ctx context.Context, rc *models.RequestContext) (*models.CacheEntry, error) {
				_, entry, err := runAttempts(ctx, rc)
				return entry, err
			}
			if entry, hit, err := p.cacheStore.Lookup(parentCtx, key, rc, revalidator); err != nil {
				return nil, err
			} else if hit {
				return entry, nil
			}
			_, entry, err := runAttempts(parentCtx, rc)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				_ = p.cacheStore.Store(parentCtx, key, entry)
			}
			return entry, nil
		}
		_, entry, err := runAttempts(parentCtx, rc)
		return entry, err
	}

	// rc.Headers/rc.Payload must be populated before the dedup/cache keys
	// are resolved (§4.1): both serializers read rc.Payload (the request
	// body) and rc.Headers (filtered to authorization/accept/...), so two
	// requests that differ only in body or auth header must still hash to
	// distinct keys rather than colliding.
	rc.Payload = call.Payload
	rc.Headers = headers.MergeHeaders(p.cfg.FormatHeaders, p.cfg.CustomHeaderFormat,
		p.cfg.Headers, p.cfg.MethodHeaders[rc.Method], call.Headers)

	var result any
	if p.dedupeReg != nil && p.dedupeApplies != nil && p.dedupeApplies(rc) {
		key, err := p.dedupeKey(rc)
		if err != nil {
			return nil, p.fail(call, &models.FetchError{Status: models.StatusUnclassified, Method: method, Path: path, Step: models.StepResponse, Cause: err})
		}
		result, err = p.dedupeReg.Do(parentCtx, key, doWork)
		if err != nil {
			return nil, p.fail(call, p.asFetchError(err, method, path))
		}
	} else {
		v, err := doWork()
		if err != nil {
			return nil, p.fail(call, p.asFetchError(err, method, path))
		}
		result = v
	}

	status := 200
	var respHeaders http.Header
	var data any
	if entry, ok := result.(*models.CacheEntry); ok && entry != nil {
		data = entry.Value
		respHeaders = entry.Headers
		if entry.Status != 0 {
			status = entry.Status
		}
	}

	resp := &models.FetchResponse{Data: data, Status: status, Headers: respHeaders, Request: rc}
	p.bus.Emit(events.Data{Name: events.Response, Payload: map[string]any{"data": data, "status": status}})
	return resp, nil
}

func (p *Pipeline) asFetchError(err error, method, path string) *models.FetchError {
	if fe, ok := models.AsFetchError(err); ok {
		return fe
	}
	return p.classifyNonHTTPError(err, method, path, models.StepFetch)
}

func (p *Pipeline) classifyNonHTTPError(err error, method, path string, step models.Step) *models.FetchError {
	if errors.Is(err, context.Canceled) {
		return &models.FetchError{Status: models.StatusAborted, Method: method, Path: path, Step: step, Aborted: true, TimedOut: false, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.FetchError{Status: models.StatusAborted, Method: method, Path: path, Step: step, Aborted: true, TimedOut: true, Cause: err}
	}
	if errors.Is(err, ratelimiter.ErrRejected) {
		return &models.FetchError{Status: 429, Method: method, Path: path, Step: step, Cause: err}
	}
	return &models.FetchError{Status: models.StatusUnclassified, Method: method, Path: path, Step: step, Cause: err}
}

func (p *Pipeline) fail(call CallOptions, fe *models.FetchError) *models.FetchError {
	if call.Hooks.OnError != nil {
		call.Hooks.OnError(fe)
	}
	if fe.Aborted {
		p.bus.Emit(events.Data{Name: events.Abort, Payload: map[string]any{"error": fe}})
	} else {
		p.bus.Emit(events.Data{Name: events.Error, Payload: map[string]any{"error": fe}})
	}
	return fe
}

// runRetryLoop runs the retry engine around a single attempt+parse,
// returning both the parsed value and a CacheEntry suitable for storage
// on success (nil on failure).
func (p *Pipeline) runRetryLoop(ctx context.Context, rc *models.RequestContext, call CallOptions) (any, *models.CacheEntry, error) {
	nextCtx := func(parent context.Context, attemptNum int) (context.Context, context.CancelFunc) {
		if rc.AttemptTimeout > 0 {
			return context.WithTimeout(parent, rc.AttemptTimeout)
		}
		return parent, func() {}
	}

	var lastEntry *models.CacheEntry

	attempt := func(actx context.Context, attemptNum int) (any, error) {
		rc.Attempt = attemptNum
		v, entry, err := p.doAttempt(actx, rc, call)
		if err == nil {
			lastEntry = entry
		}
		return v, err
	}

	if p.retryEngine != nil {
		v, err := p.retryEngine.Run(ctx, rc, nextCtx, attempt)
		if err != nil {
			return nil, nil, err
		}
		return v, lastEntry, nil
	}

	actx, cancel := nextCtx(ctx, 1)
	defer cancel()
	v, err := attempt(actx, 1)
	if err != nil {
		return nil, nil, err
	}
	return v, lastEntry, nil
}

// doAttempt is one fetch + parse (§4.7 steps 1-10).
func (p *Pipeline) doAttempt(ctx context.Context, rc *models.RequestContext, call CallOptions) (any, *models.CacheEntry, error) {
	opts := &Options{
		Headers: headers.MergeHeaders(p.cfg.FormatHeaders, p.cfg.CustomHeaderFormat,
			p.cfg.Headers, p.cfg.MethodHeaders[rc.Method], call.Headers),
		Params:  mergeParamLayers(p.cfg.Params, p.cfg.MethodParams[rc.Method], call.Params),
		Payload: firstNonNil(call.Payload, rc.Payload),
	}

	if p.cfg.ModifyOptions != nil {
		if err := p.cfg.ModifyOptions(opts, rc.State); err != nil {
			return nil, nil, &models.FetchError{Status: models.StatusUnclassified, Method: rc.Method, Path: rc.Path, Step: models.StepFetch, Attempt: rc.Attempt, Cause: err}
		}
	}
	if fn, ok := p.cfg.ModifyMethodOptions[rc.Method]; ok && fn != nil {
		if err := fn(opts, rc.State); err != nil {
			return nil, nil, &models.FetchError{Status: models.StatusUnclassified, Method: rc.Method, Path: rc.Path, Step: models.StepFetch, Attempt: rc.Attempt, Cause: err}
		}
	}

	if p.cfg.ValidateHeaders != nil {
		if err := p.cfg.ValidateHeaders(opts.Headers); err != nil {
			return nil, nil, &models.FetchError{Status: models.StatusUnclassified, Method: rc.Method, Path: rc.Path, Step: models.StepFetch, Attempt: rc.Attempt, Cause: err}
		}
	}
	if p.cfg.ValidateParams != nil {
		if err := p.cfg.ValidateParams(opts.Params); err != nil {
			return nil, nil, &models.FetchError{Status: models.StatusUnclassified, Method: rc.Method, Path: rc.Path, Step: models.StepFetch, Attempt: rc.Attempt, Cause: err}
		}
	}

	if p.cfg.ValidatePerRequest != nil {
		if err := p.cfg.ValidatePerRequest(opts.Headers, opts.Params); err != nil {
			return nil, nil, &models.FetchError{Status: models.StatusUnclassified, Method: rc.Method, Path: rc.Path, Step: models.StepFetch, Attempt: rc.Attempt, Cause: err}
		}
	}

	finalURL := headers.MergeParams(rc.URL, opts.Params)
	rc.Headers = opts.Headers

	if isBodyMethod(rc.Method) && opts.Payload != nil && opts.Body == nil {
		if p.cfg.DefaultType == models.ParseJSON {
			b, err := json.Marshal(opts.Payload)
			if err != nil {
				return nil, nil, &models.FetchError{Status: models.StatusUnclassified, Method: rc.Method, Path: rc.Path, Step: models.StepFetch, Attempt: rc.Attempt, Cause: err}
			}
			opts.Body = b
		} else if b, ok := opts.Payload.([]byte); ok {
			opts.Body = b
		} else if s, ok := opts.Payload.(string); ok {
			opts.Body = []byte(s)
		}
	}

	if call.Hooks.OnBeforeReq != nil {
		call.Hooks.OnBeforeReq(opts)
	}
	p.bus.Emit(events.Data{Name: events.Before, Payload: map[string]any{
		"method": rc.Method, "url": finalURL.String(), "payload": opts.Payload, "state": rc.State,
	}})

	var bodyReader io.Reader
	if opts.Body != nil {
		bodyReader = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, rc.Method, finalURL.String(), bodyReader)
	if err != nil {
		return nil, nil, &models.FetchError{Status: models.StatusUnclassified, Method: rc.Method, Path: rc.Path, Step: models.StepFetch, Attempt: rc.Attempt, Cause: err}
	}
	req.Header = opts.Headers.Clone()

	resp, err := p.transport.Do(req)
	if err != nil {
		return nil, nil, p.classifyTransportError(err, rc)
	}
	defer resp.Body.Close()

	if call.Hooks.OnAfterReq != nil {
		call.Hooks.OnAfterReq(resp)
	}
	p.bus.Emit(events.Data{Name: events.After, Payload: map[string]any{"status": resp.StatusCode}})

	parseType := models.ParseUseDefault
	if p.cfg.DetermineType != nil {
		parseType = p.cfg.DetermineType(resp)
	}
	if parseType == models.ParseUseDefault {
		parseType, err = detectParseType(resp.Header.Get("Content-Type"), p.cfg.DefaultType)
		if err != nil {
			return nil, nil, &models.FetchError{Status: resp.StatusCode, Method: rc.Method, Path: rc.Path, Step: models.StepParse, Attempt: rc.Attempt, Cause: err}
		}
	}

	value, contentType, err := parseBody(resp, parseType)
	if err != nil {
		status := resp.StatusCode
		if status == 0 {
			status = models.StatusUnclassified
		}
		return nil, nil, &models.FetchError{Status: status, Method: rc.Method, Path: rc.Path, Step: models.StepParse, Attempt: rc.Attempt, Cause: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		respHeaders := resp.Header.Clone()
		entry := &models.CacheEntry{Value: value, Status: resp.StatusCode, ContentType: contentType, ParseType: parseType, Headers: respHeaders}
		if p.cacheStore != nil {
			entry = p.cacheStore.BuildEntry(rc, value, resp.StatusCode, contentType, parseType, respHeaders)
		}
		return value, entry, nil
	}

	return nil, nil, &models.FetchError{
		Status: resp.StatusCode, Method: rc.Method, Path: rc.Path, URL: finalURL.String(),
		Data: value, Step: models.StepResponse, Attempt: rc.Attempt, Headers: resp.Header,
	}
}

func (p *Pipeline) classifyTransportError(err error, rc *models.RequestContext) *models.FetchError {
	fe := &models.FetchError{Method: rc.Method, Path: rc.Path, Step: models.StepFetch, Attempt: rc.Attempt, Cause: err}
	switch {
	case errors.Is(err, context.Canceled):
		fe.Status = models.StatusAborted
		fe.Aborted = true
		fe.TimedOut = false
	case errors.Is(err, context.DeadlineExceeded):
		fe.Status = models.StatusAborted
		fe.Aborted = true
		fe.TimedOut = true
	case isConnectionError(err):
		fe.Status = models.StatusConnectionLost
	default:
		fe.Status = models.StatusUnclassified
	}
	return fe
}

func isConnectionError(err error) bool {
	msg := err.Error()
	for _, needle := range []string{"connection refused", "connection reset", "EOF", "connection aborted", "no such host"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func (p *Pipeline) resolveURL(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	return p.baseURL.ResolveReference(ref), nil
}

func isBodyMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func mergeParamLayers(layers ...map[string][]string) map[string][]string {
	out := map[string][]string{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func firstNonNil(vals ...any) any {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
