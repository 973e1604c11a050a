// Package resilience wraps units of work executed against a pooled
// connection with a timeout, retry with exponential backoff, and a keyed
// circuit breaker. Composition order, outermost first: timeout, retry,
// circuit breaker, single attempt (acquire, run, release or destroy).
package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/reservoir/pkg/config"
	"github.com/ajitpratap0/reservoir/pkg/pool"
	"github.com/ajitpratap0/reservoir/pkg/poolerrors"
)

// DefaultBreakerKey groups operations that do not name their own category.
const DefaultBreakerKey = "database-operations"

// Operation is a unit of work run against an acquired handle. It must not
// retain the handle after returning.
type Operation func(ctx context.Context, h pool.Handle) (interface{}, error)

// Options controls a single Execute call. Zero fields fall back to the
// executor's configured defaults.
type Options struct {
	// MaxAttempts bounds total attempts, first try included
	MaxAttempts int
	// BaseDelay seeds the exponential backoff
	BaseDelay time.Duration
	// MaxDelay caps the backoff
	MaxDelay time.Duration
	// Jitter randomizes backoff delays
	Jitter bool
	// Timeout bounds the whole call, acquisition included
	Timeout time.Duration
	// BreakerKey selects the circuit breaker guarding this operation
	BreakerKey string
	// RetryIf decides retry eligibility per error; defaults to
	// poolerrors.IsRetryable
	RetryIf func(error) bool
}

// Result is the uniform outcome of an Execute call. Exactly one of Data and
// Error is meaningful; no error ever crosses Execute's boundary any other way.
type Result struct {
	Success  bool
	Data     interface{}
	Error    error
	Attempts int
	Duration time.Duration
}

// Executor runs operations against the pool with resilience applied.
type Executor struct {
	pool   *pool.Pool
	cfg    config.ResilienceConfig
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// New creates an executor on top of a pool.
func New(p *pool.Pool, cfg config.ResilienceConfig, logger *zap.Logger) *Executor {
	return &Executor{
		pool:     p,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "executor")),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Execute runs op with retry, timeout, and circuit breaking. The returned
// Result always carries either data or a typed error; panics inside op are
// recovered into internal errors.
func (e *Executor) Execute(ctx context.Context, op Operation, opts Options) *Result {
	opts = e.withDefaults(opts)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	breaker := e.breaker(opts.BreakerKey)

	res := &Result{}
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		res.Attempts = attempt + 1

		if !breaker.Allow() {
			res.Error = poolerrors.New(poolerrors.ErrorTypeCircuitOpen, "circuit breaker is open").
				WithDetail("key", opts.BreakerKey)
			res.Duration = time.Since(start)
			return res
		}

		data, err := e.attempt(ctx, op)
		if err == nil {
			breaker.RecordSuccess()
			res.Success = true
			res.Data = data
			res.Duration = time.Since(start)
			return res
		}

		classified := poolerrors.Classify(err)

		// A validation-class failure still proves the backend answered, so
		// it counts as a healthy outcome for the breaker; in half-open it
		// resolves the admitted request instead of stranding the circuit.
		if poolerrors.IsType(classified, poolerrors.ErrorTypeValidation) ||
			poolerrors.IsType(classified, poolerrors.ErrorTypeNotFound) {
			breaker.RecordSuccess()
		} else {
			breaker.RecordFailure()
		}

		// The deadline covers the whole call: once it has passed, surface
		// a timeout regardless of remaining retry budget.
		if ctx.Err() != nil {
			res.Error = poolerrors.Wrap(ctx.Err(), poolerrors.ErrorTypeTimeout, "operation timed out")
			res.Duration = time.Since(start)
			return res
		}

		if !opts.RetryIf(classified) || attempt == opts.MaxAttempts-1 {
			res.Error = classified
			res.Duration = time.Since(start)
			return res
		}

		delay := backoff(opts.BaseDelay, opts.MaxDelay, attempt, opts.Jitter)
		e.logger.Debug("retrying operation",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(classified))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			res.Error = poolerrors.Wrap(ctx.Err(), poolerrors.ErrorTypeTimeout, "operation timed out")
			res.Duration = time.Since(start)
			return res
		}
	}

	// Unreachable: the loop always returns from its final iteration
	res.Duration = time.Since(start)
	return res
}

// attempt acquires a connection, runs op, and returns the connection. A
// connection-class failure or an in-flight timeout destroys the handle
// instead of releasing it, since its state is unknown.
func (e *Executor) attempt(ctx context.Context, op Operation) (interface{}, error) {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		data interface{}
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: poolerrors.New(poolerrors.ErrorTypeInternal, "operation panicked").
					WithDetail("panic", r)}
			}
		}()
		data, opErr := op(ctx, conn.Handle())
		done <- outcome{data: data, err: opErr}
	}()

	select {
	case out := <-done:
		conn.MarkQuery()
		if out.err != nil {
			classified := poolerrors.Classify(out.err)
			if poolerrors.IsConnectionError(classified) {
				e.pool.Destroy(conn)
			} else {
				e.pool.Release(conn)
			}
			return nil, classified
		}
		e.pool.Release(conn)
		return out.data, nil

	case <-ctx.Done():
		e.pool.Destroy(conn)
		return nil, poolerrors.Wrap(ctx.Err(), poolerrors.ErrorTypeTimeout, "operation timed out in flight")
	}
}

// BreakerState returns the state snapshot of the breaker for key, or nil if
// no operation has used that key yet.
func (e *Executor) BreakerState(key string) *BreakerState {
	e.mu.Lock()
	cb, ok := e.breakers[key]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	s := cb.State()
	return &s
}

// breaker returns the circuit breaker for key, creating it on first use.
func (e *Executor) breaker(key string) *CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	cb, ok := e.breakers[key]
	if !ok {
		cb = newCircuitBreaker(key, e.cfg, e.logger)
		e.breakers[key] = cb
	}
	return cb
}

func (e *Executor) withDefaults(opts Options) Options {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = e.cfg.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = e.cfg.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = e.cfg.MaxDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = e.cfg.OperationTimeout
	}
	opts.Jitter = opts.Jitter || e.cfg.Jitter
	if opts.BreakerKey == "" {
		opts.BreakerKey = DefaultBreakerKey
	}
	if opts.RetryIf == nil {
		opts.RetryIf = poolerrors.IsRetryable
	}
	return opts
}

// backoff computes the delay before retry number attempt+1: base doubled per
// attempt, capped at max, optionally jittered to half-to-full of the value.
func backoff(base, max time.Duration, attempt int, jitter bool) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	if jitter && delay > 0 {
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return delay
}
