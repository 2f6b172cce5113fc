// Package retry implements the retry engine (§4.6): classify an attempt
// failure, compute a delay, loop around the attempt.
//
// Grounded on warming.Config's RetryAttempts/BackoffBase fields (the
// teacher's own origin-fetch retry knobs) and enriched from the wider
// example pack: both kgateway variants require
// github.com/avast/retry-go/v4, which is used here instead of a
// hand-rolled attempt loop.
package retry

import (
	"context"
	"math"
	"time"

	retrygo "github.com/avast/retry-go/v4"

	"github.com/kavexo/fetchengine/pkg/events"
	"github.com/kavexo/fetchengine/pkg/models"
)

// DefaultRetryableStatusCodes is the default retryable status set (§4.6).
var DefaultRetryableStatusCodes = map[int]struct{}{
	408: {}, 429: {}, 499: {}, 500: {}, 502: {}, 503: {}, 504: {},
}

// ShouldRetryFunc classifies an attempt error. It returns (retry, delay):
// delay > 0 is an explicit override (§4.6 step 1, "may return boolean or
// a number"); delay == 0 with retry true means "use the computed
// backoff."
type ShouldRetryFunc func(err *models.FetchError) (retry bool, delay time.Duration)

// Extra carries per-rule retry knobs resolved by pkg/rules.
type Extra struct {
	MaxAttempts           int
	BaseDelay             time.Duration
	MaxDelay              time.Duration
	UseExponentialBackoff bool
}

// Config is the policy-level configuration (§6 retry option).
type Config struct {
	Enabled               bool
	MaxAttempts           int
	BaseDelay             time.Duration
	MaxDelay              time.Duration
	UseExponentialBackoff bool
	RetryableStatusCodes  map[int]struct{}
	ShouldRetry           ShouldRetryFunc
}

// DefaultConfig returns the spec's defaults: 3 attempts, 1s base, 10s cap,
// exponential backoff on (§6).
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		MaxAttempts:           3,
		BaseDelay:             time.Second,
		MaxDelay:              10 * time.Second,
		UseExponentialBackoff: true,
		RetryableStatusCodes:  DefaultRetryableStatusCodes,
	}
}

// Engine runs the retry loop.
type Engine struct {
	cfg Config
	bus *events.Bus
}

// New constructs an Engine. A zero-value Config.RetryableStatusCodes
// falls back to DefaultRetryableStatusCodes.
func New(cfg Config, bus *events.Bus) *Engine {
	if cfg.RetryableStatusCodes == nil {
		cfg.RetryableStatusCodes = DefaultRetryableStatusCodes
	}
	return &Engine{cfg: cfg, bus: bus}
}

// Attempt is a single try of the underlying operation. It must return a
// *models.FetchError (or wrap one, inspectable via models.AsFetchError)
// on failure so shouldRetry can classify it; ctx is the per-attempt
// context the caller should have already derived per §4.6's attempt
// controller rules.
type Attempt func(ctx context.Context, attemptNum int) (any, error)

// NextAttemptCtx produces the context.Context for attempt N (1-based),
// implementing §4.6's attempt-controller distinction: when attemptTimeout
// is set, each attempt gets a fresh child of parent; otherwise parent is
// reused unmodified across all attempts.
type NextAttemptCtx func(parent context.Context, attemptNum int) (ctx context.Context, cancel context.CancelFunc)

// Run executes fn with retries per cfg (§4.6). parent is the operation's
// governing context (already carrying totalTimeout/legacy timeout, if
// configured); nextCtx derives each attempt's working context.
func (e *Engine) Run(parent context.Context, rc *models.RequestContext, nextCtx NextAttemptCtx, fn Attempt) (any, error) {
	if !e.cfg.Enabled || e.cfg.MaxAttempts <= 1 {
		ctx, cancel := nextCtx(parent, 1)
		defer cancel()
		return fn(ctx, 1)
	}

	var result any
	var lastErr error
	attempt := 0

	err := retrygo.Do(
		func() error {
			attempt++
			ctx, cancel := nextCtx(parent, attempt)
			defer cancel()
			v, err := fn(ctx, attempt)
			if err != nil {
				lastErr = err
				return err
			}
			result = v
			return nil
		},
		retrygo.Attempts(uint(e.cfg.MaxAttempts)),
		retrygo.RetryIf(func(err error) bool {
			retryOK, _ := e.shouldRetry(err, attempt)
			return retryOK
		}),
		retrygo.DelayType(func(n uint, err error, cfg *retrygo.Config) time.Duration {
			return e.computeDelay(err, n)
		}),
		retrygo.OnRetry(func(n uint, err error) {
			fe, _ := models.AsFetchError(err)
			delay := e.computeDelay(err, n)
			e.bus.Emit(events.Data{Name: events.Retry, Payload: map[string]any{
				"attempt":     int(n) + 1,
				"nextAttempt": int(n) + 2,
				"delay":       delay.Milliseconds(),
				"error":       fe,
			}})
		}),
		retrygo.LastErrorOnly(true),
		retrygo.Context(parent),
	)
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return result, nil
}

// shouldRetry applies §4.6 step 1's classification. attempt is the
// 1-based attempt number that just failed.
func (e *Engine) shouldRetry(err error, attempt int) (bool, time.Duration) {
	fe, ok := models.AsFetchError(err)
	if !ok {
		return false, 0
	}
	if fe.IsCancelled() {
		return false, 0
	}
	if fe.Status == 0 {
		return false, 0
	}
	if attempt >= e.cfg.MaxAttempts {
		return false, 0
	}
	if e.cfg.ShouldRetry != nil {
		return e.cfg.ShouldRetry(fe)
	}
	_, retryable := e.cfg.RetryableStatusCodes[fe.Status]
	return retryable, 0
}

// computeDelay implements §4.6 step 3. n is retry-go's 0-based count of
// attempts already failed (n=0 right after the 1st attempt fails), which
// is exactly the backoff exponent for the 1-based "attempt" the spec
// describes (exponent = attempt-1 = n).
func (e *Engine) computeDelay(err error, n uint) time.Duration {
	if fe, ok := models.AsFetchError(err); ok && e.cfg.ShouldRetry != nil {
		if _, delay := e.cfg.ShouldRetry(fe); delay > 0 {
			return delay
		}
	}
	if !e.cfg.UseExponentialBackoff {
		return e.cfg.BaseDelay
	}
	d := time.Duration(float64(e.cfg.BaseDelay) * math.Pow(2, float64(n)))
	if e.cfg.MaxDelay > 0 && d > e.cfg.MaxDelay {
		return e.cfg.MaxDelay
	}
	return d
}
