package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/reservoir/pkg/config"
	"github.com/ajitpratap0/reservoir/pkg/pool"
	"github.com/ajitpratap0/reservoir/pkg/poolerrors"
)

type fakeHandle struct{}

func (fakeHandle) Ping(ctx context.Context) error  { return nil }
func (fakeHandle) Close(ctx context.Context) error { return nil }

func testPool(t *testing.T) *pool.Pool {
	t.Helper()
	cfg := config.PoolConfig{
		MinConnections: 1,
		MaxConnections: 2,
		AcquireTimeout: time.Second,
		CreateTimeout:  time.Second,
		IdleTimeout:    time.Minute,
		ReapInterval:   time.Hour,
		SampleInterval: time.Hour,
	}
	p, err := pool.New(cfg, func(ctx context.Context) (pool.Handle, error) {
		return fakeHandle{}, nil
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(time.Second) })
	return p
}

func testResilienceCfg() config.ResilienceConfig {
	return config.ResilienceConfig{
		MaxAttempts:      3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         10 * time.Millisecond,
		Jitter:           false,
		OperationTimeout: 2 * time.Second,
		FailureThreshold: 3,
		MonitoringPeriod: time.Minute,
		ResetTimeout:     100 * time.Millisecond,
	}
}

func newTestExecutor(t *testing.T) (*Executor, *pool.Pool) {
	t.Helper()
	p := testPool(t)
	return New(p, testResilienceCfg(), zap.NewNop()), p
}

func TestExecuteSuccess(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
		return 42, nil
	}, Options{})

	assert.True(t, res.Success)
	assert.Equal(t, 42, res.Data)
	assert.NoError(t, res.Error)
	assert.Equal(t, 1, res.Attempts)
}

func TestConnectionErrorRetriedToSuccess(t *testing.T) {
	e, _ := newTestExecutor(t)

	var calls int32
	res := e.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return "ok", nil
	}, Options{})

	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Data)
	assert.Equal(t, 3, res.Attempts)
}

func TestConnectionErrorExhaustsRetries(t *testing.T) {
	e, _ := newTestExecutor(t)

	var calls int32
	res := e.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("connection terminated")
	}, Options{MaxAttempts: 2})

	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.True(t, poolerrors.IsType(res.Error, poolerrors.ErrorTypeConnection))
}

func TestValidationErrorNeverRetried(t *testing.T) {
	e, _ := newTestExecutor(t)

	var calls int32
	res := e.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, poolerrors.New(poolerrors.ErrorTypeValidation, "validation failed")
	}, Options{})

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, poolerrors.IsType(res.Error, poolerrors.ErrorTypeValidation))
}

func TestConnectionErrorDestroysHandle(t *testing.T) {
	e, p := newTestExecutor(t)

	res := e.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
		return nil, errors.New("connection closed")
	}, Options{MaxAttempts: 1})

	assert.False(t, res.Success)
	assert.GreaterOrEqual(t, p.Stats().DestroyedConnections, int64(1),
		"a connection-class failure must destroy the handle, not release it")
}

func TestOperationTimeoutDestroysInFlightHandle(t *testing.T) {
	e, p := newTestExecutor(t)

	res := e.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
		// Deliberately ignores ctx: the executor must give up on its own
		time.Sleep(5 * time.Second)
		return nil, nil
	}, Options{Timeout: 50 * time.Millisecond})

	assert.False(t, res.Success)
	assert.True(t, poolerrors.IsType(res.Error, poolerrors.ErrorTypeTimeout), "got %v", res.Error)
	assert.GreaterOrEqual(t, p.Stats().DestroyedConnections, int64(1),
		"an in-flight timeout leaves the handle in unknown state; it must be destroyed")
}

func TestTimeoutSurfacesRegardlessOfRetryBudget(t *testing.T) {
	e, _ := newTestExecutor(t)

	var calls int32
	res := e.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(40 * time.Millisecond)
		return nil, errors.New("connection reset")
	}, Options{MaxAttempts: 10, Timeout: 60 * time.Millisecond})

	assert.False(t, res.Success)
	assert.True(t, poolerrors.IsType(res.Error, poolerrors.ErrorTypeTimeout), "got %v", res.Error)
	assert.Less(t, atomic.LoadInt32(&calls), int32(10))
}

func TestPanicRecoveredIntoResult(t *testing.T) {
	e, _ := newTestExecutor(t)

	var res *Result
	assert.NotPanics(t, func() {
		res = e.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
			panic("boom")
		}, Options{MaxAttempts: 1})
	})

	assert.False(t, res.Success)
	require.Error(t, res.Error)
	assert.True(t, poolerrors.IsType(res.Error, poolerrors.ErrorTypeInternal))
}

func TestCircuitBreakerOpensAndShedsLoad(t *testing.T) {
	p := testPool(t)
	cfg := testResilienceCfg()
	cfg.ResetTimeout = time.Minute // stays open for the whole test
	e := New(p, cfg, zap.NewNop())

	failing := func(ctx context.Context, h pool.Handle) (interface{}, error) {
		return nil, errors.New("network error")
	}

	// Three recorded failures reach the threshold and open the breaker.
	res := e.Execute(context.Background(), failing, Options{BreakerKey: "orders"})
	assert.False(t, res.Success)

	state := e.BreakerState("orders")
	require.NotNil(t, state)
	assert.Equal(t, "open", state.State)

	// Saturate the pool so any acquisition attempt would have to queue. A
	// shed call must return immediately without enqueueing.
	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	res = e.Execute(context.Background(), failing, Options{BreakerKey: "orders"})
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.True(t, poolerrors.IsType(res.Error, poolerrors.ErrorTypeCircuitOpen), "got %v", res.Error)
	assert.Equal(t, 1, res.Attempts)
	assert.Less(t, elapsed, 100*time.Millisecond, "shed calls must not wait on the pool")
	assert.Equal(t, 0, p.Stats().PendingRequests)

	p.Release(a)
	p.Release(b)
}

func TestCircuitBreakerHalfOpenProbeCloses(t *testing.T) {
	e, _ := newTestExecutor(t)

	failing := func(ctx context.Context, h pool.Handle) (interface{}, error) {
		return nil, errors.New("network error")
	}

	res := e.Execute(context.Background(), failing, Options{BreakerKey: "probe"})
	assert.False(t, res.Success)
	require.Equal(t, "open", e.BreakerState("probe").State)

	// After the reset timeout a single probe is admitted; its success closes
	// the circuit.
	time.Sleep(150 * time.Millisecond)

	res = e.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
		return "recovered", nil
	}, Options{BreakerKey: "probe"})
	assert.True(t, res.Success)
	assert.Equal(t, "closed", e.BreakerState("probe").State)
}

func TestCircuitBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	e, _ := newTestExecutor(t)

	failing := func(ctx context.Context, h pool.Handle) (interface{}, error) {
		return nil, errors.New("network error")
	}

	res := e.Execute(context.Background(), failing, Options{BreakerKey: "reopen"})
	assert.False(t, res.Success)
	require.Equal(t, "open", e.BreakerState("reopen").State)

	time.Sleep(150 * time.Millisecond)

	res = e.Execute(context.Background(), failing, Options{BreakerKey: "reopen", MaxAttempts: 1})
	assert.False(t, res.Success)
	assert.Equal(t, "open", e.BreakerState("reopen").State)
}

func TestValidationFailureResolvesHalfOpenCircuit(t *testing.T) {
	e, _ := newTestExecutor(t)

	failing := func(ctx context.Context, h pool.Handle) (interface{}, error) {
		return nil, errors.New("network error")
	}

	res := e.Execute(context.Background(), failing, Options{BreakerKey: "lookup"})
	assert.False(t, res.Success)
	require.Equal(t, "open", e.BreakerState("lookup").State)

	time.Sleep(150 * time.Millisecond)

	// The backend answered, even though the answer was a rejection; the
	// single half-open admission must close the circuit rather than leave
	// the key stuck shedding every later call.
	res = e.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
		return nil, poolerrors.New(poolerrors.ErrorTypeValidation, "no such column")
	}, Options{BreakerKey: "lookup"})
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "closed", e.BreakerState("lookup").State)

	res = e.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
		return "ok", nil
	}, Options{BreakerKey: "lookup"})
	assert.True(t, res.Success)
	assert.Equal(t, "closed", e.BreakerState("lookup").State)
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	e, _ := newTestExecutor(t)

	failing := func(ctx context.Context, h pool.Handle) (interface{}, error) {
		return nil, errors.New("network error")
	}

	res := e.Execute(context.Background(), failing, Options{BreakerKey: "bad"})
	assert.False(t, res.Success)
	require.Equal(t, "open", e.BreakerState("bad").State)

	res = e.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
		return "fine", nil
	}, Options{BreakerKey: "good"})
	assert.True(t, res.Success)
	assert.Equal(t, "closed", e.BreakerState("good").State)
}

func TestCustomRetryPredicate(t *testing.T) {
	e, _ := newTestExecutor(t)

	var calls int32
	res := e.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("connection reset")
	}, Options{RetryIf: func(error) bool { return false }})

	assert.False(t, res.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "predicate said no retry")
}

func TestBreakerStateUnknownKey(t *testing.T) {
	e, _ := newTestExecutor(t)
	assert.Nil(t, e.BreakerState("never-used"))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := 10 * time.Millisecond
	max := 50 * time.Millisecond

	assert.Equal(t, 10*time.Millisecond, backoff(base, max, 0, false))
	assert.Equal(t, 20*time.Millisecond, backoff(base, max, 1, false))
	assert.Equal(t, 40*time.Millisecond, backoff(base, max, 2, false))
	assert.Equal(t, 50*time.Millisecond, backoff(base, max, 3, false))
	assert.Equal(t, 50*time.Millisecond, backoff(base, max, 20, false))

	for i := 0; i < 50; i++ {
		j := backoff(base, max, 2, true)
		assert.GreaterOrEqual(t, j, 20*time.Millisecond)
		assert.LessOrEqual(t, j, 40*time.Millisecond)
	}
}
