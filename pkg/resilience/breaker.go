package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/reservoir/pkg/config"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows all requests to pass through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a single probe request to test recovery
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards one operation category against a consistently
// failing dependency. It opens after FailureThreshold failures inside
// MonitoringPeriod, waits ResetTimeout, then admits exactly one probe in
// half-open: probe success closes the circuit, probe failure reopens it.
type CircuitBreaker struct {
	key    string
	cfg    config.ResilienceConfig
	logger *zap.Logger

	// State
	state           int32 // 0: closed, 1: open, 2: half-open
	lastStateChange time.Time
	nextRetryTime   time.Time

	// Probe accounting in half-open
	halfOpenProbes int32

	window *slidingWindow

	mu sync.RWMutex
}

// BreakerState is a snapshot of a circuit breaker's state and window stats.
type BreakerState struct {
	Key             string    `json:"key"`
	State           string    `json:"state"`
	LastStateChange time.Time `json:"last_state_change"`
	TotalRequests   int64     `json:"total_requests"`
	FailedRequests  int64     `json:"failed_requests"`
	NextRetryTime   time.Time `json:"next_retry_time,omitempty"`
}

// newCircuitBreaker creates a breaker in the closed state. The failure
// window spans MonitoringPeriod split into six buckets.
func newCircuitBreaker(key string, cfg config.ResilienceConfig, logger *zap.Logger) *CircuitBreaker {
	period := cfg.MonitoringPeriod
	if period <= 0 {
		period = time.Minute
	}

	return &CircuitBreaker{
		key:             key,
		cfg:             cfg,
		logger:          logger.With(zap.String("component", "circuit_breaker"), zap.String("key", key)),
		state:           int32(StateClosed),
		lastStateChange: time.Now(),
		window:          newSlidingWindow(period/6, period),
	}
}

// Allow determines if a request should be admitted in the current state.
func (cb *CircuitBreaker) Allow() bool {
	state := CircuitState(atomic.LoadInt32(&cb.state))

	switch state {
	case StateClosed:
		return true

	case StateOpen:
		cb.mu.RLock()
		shouldProbe := time.Now().After(cb.nextRetryTime)
		cb.mu.RUnlock()

		if shouldProbe {
			cb.transitionToHalfOpen()
			return cb.allowProbe()
		}
		return false

	case StateHalfOpen:
		return cb.allowProbe()

	default:
		return false
	}
}

// RecordSuccess records a successful request. A successful half-open probe
// closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.window.record(true)

	if CircuitState(atomic.LoadInt32(&cb.state)) == StateHalfOpen {
		cb.transitionToClosed()
	}
}

// RecordFailure records a failed request. In closed state the circuit opens
// once the window holds FailureThreshold failures; in half-open any failure
// reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.window.record(false)

	switch CircuitState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		if cb.window.failures() >= int64(cb.cfg.FailureThreshold) {
			cb.transitionToOpen()
		}
	case StateHalfOpen:
		cb.transitionToOpen()
	}
}

// allowProbe admits at most one request while half-open.
func (cb *CircuitBreaker) allowProbe() bool {
	return atomic.CompareAndSwapInt32(&cb.halfOpenProbes, 0, 1)
}

func (cb *CircuitBreaker) transitionToOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&cb.state, int32(StateHalfOpen), int32(StateOpen)) {
		if !atomic.CompareAndSwapInt32(&cb.state, int32(StateClosed), int32(StateOpen)) {
			return
		}
	}

	cb.lastStateChange = time.Now()
	cb.nextRetryTime = time.Now().Add(cb.cfg.ResetTimeout)
	atomic.StoreInt32(&cb.halfOpenProbes, 0)

	cb.logger.Warn("circuit breaker opened",
		zap.Time("retry_after", cb.nextRetryTime),
		zap.Int64("window_failures", cb.window.failures()))
}

func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if atomic.CompareAndSwapInt32(&cb.state, int32(StateOpen), int32(StateHalfOpen)) {
		cb.lastStateChange = time.Now()
		atomic.StoreInt32(&cb.halfOpenProbes, 0)

		cb.logger.Info("circuit breaker half-open")
	}
}

func (cb *CircuitBreaker) transitionToClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if atomic.CompareAndSwapInt32(&cb.state, int32(StateHalfOpen), int32(StateClosed)) {
		cb.lastStateChange = time.Now()
		atomic.StoreInt32(&cb.halfOpenProbes, 0)
		// A stale failure window would instantly reopen on the next error
		cb.window.reset()

		cb.logger.Info("circuit breaker closed")
	}
}

// State returns the breaker's current state and window statistics.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	total, failed := cb.window.stats()

	return BreakerState{
		Key:             cb.key,
		State:           CircuitState(atomic.LoadInt32(&cb.state)).String(),
		LastStateChange: cb.lastStateChange,
		TotalRequests:   total,
		FailedRequests:  failed,
		NextRetryTime:   cb.nextRetryTime,
	}
}

// slidingWindow tracks request outcomes over a rolling time window.
type slidingWindow struct {
	buckets        []int64
	failureBuckets []int64
	bucketSize     time.Duration
	currentBucket  int
	lastUpdate     time.Time
	mu             sync.Mutex
}

func newSlidingWindow(bucketSize, windowSize time.Duration) *slidingWindow {
	numBuckets := int(windowSize / bucketSize)
	if numBuckets < 1 {
		numBuckets = 1
	}
	return &slidingWindow{
		buckets:        make([]int64, numBuckets),
		failureBuckets: make([]int64, numBuckets),
		bucketSize:     bucketSize,
		lastUpdate:     time.Now(),
	}
}

func (sw *slidingWindow) record(success bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.advance()

	sw.buckets[sw.currentBucket]++
	if !success {
		sw.failureBuckets[sw.currentBucket]++
	}
}

// advance rotates expired buckets forward. Caller holds mu.
func (sw *slidingWindow) advance() {
	now := time.Now()
	elapsed := now.Sub(sw.lastUpdate)

	if elapsed < sw.bucketSize {
		return
	}

	steps := int(elapsed / sw.bucketSize)
	if steps > len(sw.buckets) {
		steps = len(sw.buckets)
	}

	for i := 0; i < steps; i++ {
		sw.currentBucket = (sw.currentBucket + 1) % len(sw.buckets)
		sw.buckets[sw.currentBucket] = 0
		sw.failureBuckets[sw.currentBucket] = 0
	}

	sw.lastUpdate = now
}

func (sw *slidingWindow) failures() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.advance()

	var total int64
	for _, f := range sw.failureBuckets {
		total += f
	}
	return total
}

func (sw *slidingWindow) stats() (requests, failures int64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.advance()

	for i := range sw.buckets {
		requests += sw.buckets[i]
		failures += sw.failureBuckets[i]
	}
	return requests, failures
}

func (sw *slidingWindow) reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	for i := range sw.buckets {
		sw.buckets[i] = 0
		sw.failureBuckets[i] = 0
	}
}
