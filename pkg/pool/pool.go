package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/reservoir/pkg/config"
	"github.com/ajitpratap0/reservoir/pkg/poolerrors"
)

// drainPollInterval is how often shutdown re-checks the active count.
const drainPollInterval = 50 * time.Millisecond

// acquireResult resolves a pending request with exactly one of conn or err.
type acquireResult struct {
	conn *Conn
	err  error
}

// pendingRequest is a queued acquisition. It is resolved exactly once, under
// the pool mutex: fulfilled is flipped before anything is sent on ch, and ch
// is buffered so the sender never blocks while holding the lock.
type pendingRequest struct {
	id         string
	enqueuedAt time.Time
	ch         chan acquireResult
	fulfilled  bool
}

// Pool is a bounded connection pool with a strict FIFO waiting queue.
type Pool struct {
	cfg    config.PoolConfig
	dialer Dialer
	logger *zap.Logger

	mu       sync.Mutex
	conns    map[string]*Conn
	idle     []*Conn
	waiters  []*pendingRequest
	reserved int // creation slots claimed but not yet materialized
	closed   bool

	// exponential moving average of acquire wait, milliseconds; guarded by mu
	avgAcquireMs    float64
	acquireSampled  bool
	acquireObserver func(time.Duration)

	// lifetime counters, never reset
	created          int64
	destroyed        int64
	failedCreates    int64
	timedOutAcquires int64
	directHandoffs   int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool, eagerly dials the configured minimum number of
// connections, and starts the reaper and stats sampler. When
// PropagateCreateError is set any eager creation failure aborts
// construction; otherwise failures are logged and the pool starts short.
func New(cfg config.PoolConfig, dialer Dialer, logger *zap.Logger) (*Pool, error) {
	if cfg.MinConnections < 0 || cfg.MinConnections > cfg.MaxConnections {
		return nil, poolerrors.New(poolerrors.ErrorTypeConfig, "min_connections must be within [0, max_connections]").
			WithDetail("min", cfg.MinConnections).
			WithDetail("max", cfg.MaxConnections)
	}

	p := &Pool{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With(zap.String("component", "pool")),
		conns:  make(map[string]*Conn),
		stopCh: make(chan struct{}),
	}

	for i := 0; i < cfg.MinConnections; i++ {
		conn, err := p.dial()
		if err != nil {
			atomic.AddInt64(&p.failedCreates, 1)
			if cfg.PropagateCreateError {
				p.closeAll()
				return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeCreateFailed, "initial connection creation failed")
			}
			p.logger.Warn("initial connection creation failed",
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		p.mu.Lock()
		p.conns[conn.id] = conn
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}

	p.wg.Add(2)
	go p.reapLoop()
	go p.sampleLoop()

	return p, nil
}

// Acquire returns a connection checked out exclusively to the caller. It
// prefers an idle connection, grows the pool when below MaxConnections, and
// otherwise queues the caller FIFO. It fails with an acquire-timeout error
// after AcquireTimeout, or with a shutdown error once Shutdown has begun.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, poolerrors.New(poolerrors.ErrorTypeShutdown, "pool is shutting down")
	}

	// Fast path: an idle connection exists
	if conn := p.takeIdleLocked(); conn != nil {
		p.recordAcquireLocked(time.Since(start))
		p.mu.Unlock()
		return conn, nil
	}

	// Growth path: below the cap, dial a new connection. The slot is
	// reserved under the lock so concurrent growers cannot overshoot.
	if len(p.conns)+p.reserved < p.cfg.MaxConnections {
		p.reserved++
		p.mu.Unlock()

		conn, err := p.dial()

		p.mu.Lock()
		p.reserved--
		if err == nil {
			if p.closed {
				p.mu.Unlock()
				p.closeHandle(conn.handle)
				return nil, poolerrors.New(poolerrors.ErrorTypeShutdown, "pool is shutting down")
			}
			conn.active = true
			conn.lastUsedAt = time.Now()
			p.conns[conn.id] = conn
			p.recordAcquireLocked(time.Since(start))
			p.mu.Unlock()
			return conn, nil
		}

		atomic.AddInt64(&p.failedCreates, 1)
		if p.cfg.PropagateCreateError {
			p.mu.Unlock()
			return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeCreateFailed, "connection creation failed")
		}
		p.logger.Warn("connection creation failed, queueing caller", zap.Error(err))
		// fall through to the waiting queue, lock still held
	}

	req := &pendingRequest{
		id:         uuid.NewString(),
		enqueuedAt: time.Now(),
		ch:         make(chan acquireResult, 1),
	}
	p.waiters = append(p.waiters, req)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case res := <-req.ch:
		if res.err != nil {
			return nil, res.err
		}
		p.mu.Lock()
		p.recordAcquireLocked(time.Since(start))
		p.mu.Unlock()
		return res.conn, nil

	case <-timer.C:
		if res, raced := p.abandonWaiter(req); raced {
			// Fulfilment won the race; use the connection anyway.
			if res.err != nil {
				return nil, res.err
			}
			return res.conn, nil
		}
		atomic.AddInt64(&p.timedOutAcquires, 1)
		return nil, poolerrors.New(poolerrors.ErrorTypeAcquireTimeout, "no connection became available").
			WithDetail("waited", p.cfg.AcquireTimeout.String())

	case <-ctx.Done():
		if res, raced := p.abandonWaiter(req); raced {
			if res.err == nil {
				// Caller is gone; put the connection back.
				p.Release(res.conn)
			}
		}
		return nil, poolerrors.Wrap(ctx.Err(), poolerrors.ErrorTypeTimeout, "acquire cancelled")
	}
}

// abandonWaiter removes req from the queue. When the request was already
// fulfilled it returns the delivered result and raced=true; the two outcomes
// are mutually exclusive because fulfilled flips under the mutex.
func (p *Pool) abandonWaiter(req *pendingRequest) (acquireResult, bool) {
	p.mu.Lock()
	if req.fulfilled {
		p.mu.Unlock()
		return <-req.ch, true
	}
	req.fulfilled = true
	for i, w := range p.waiters {
		if w == req {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	return acquireResult{}, false
}

// Release returns a connection to the pool. If callers are queued the
// connection is handed directly to the oldest waiter and stays active; it is
// never reported idle across a handoff. Releasing an unknown or already-idle
// connection is a logged no-op.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		p.logger.Warn("release of nil connection ignored")
		return
	}

	p.mu.Lock()
	registered, ok := p.conns[conn.id]
	if !ok || registered != conn || !conn.active {
		p.mu.Unlock()
		p.logger.Warn("release of unknown or idle connection ignored",
			zap.String("conn_id", conn.id))
		return
	}

	conn.lastUsedAt = time.Now()

	if req := p.popWaiterLocked(); req != nil {
		atomic.AddInt64(&p.directHandoffs, 1)
		req.ch <- acquireResult{conn: conn}
		p.mu.Unlock()
		return
	}

	conn.active = false
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Destroy removes a connection from the pool and closes its handle. It is
// used for poisoned handles (connection-class failures, operation timeouts)
// that must not re-enter the idle set. Destroying an unknown connection is a
// no-op. If waiters are queued and capacity allows, a replacement is dialed.
func (p *Pool) Destroy(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.conns[conn.id]; !ok {
		p.mu.Unlock()
		return
	}
	p.removeLocked(conn)
	hasWaiters := len(p.waiters) > 0
	p.mu.Unlock()

	p.closeHandle(conn.handle)
	atomic.AddInt64(&p.destroyed, 1)
	p.logger.Debug("connection destroyed",
		zap.String("conn_id", conn.id),
		zap.Int64("total_queries", conn.TotalQueries()),
		zap.Duration("lifetime", time.Since(conn.createdAt)))

	if hasWaiters {
		go p.growForWaiter()
	}
}

// growForWaiter dials a replacement connection for the oldest waiter after a
// destruction freed capacity. A creation failure is logged; the waiter keeps
// waiting for a release or its own timeout.
func (p *Pool) growForWaiter() {
	p.mu.Lock()
	if p.closed || len(p.waiters) == 0 || len(p.conns)+p.reserved >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return
	}
	p.reserved++
	p.mu.Unlock()

	conn, err := p.dial()

	p.mu.Lock()
	p.reserved--
	if err != nil {
		p.mu.Unlock()
		atomic.AddInt64(&p.failedCreates, 1)
		p.logger.Warn("replacement connection creation failed", zap.Error(err))
		return
	}
	if p.closed {
		p.mu.Unlock()
		p.closeHandle(conn.handle)
		return
	}
	p.conns[conn.id] = conn
	if req := p.popWaiterLocked(); req != nil {
		conn.active = true
		conn.lastUsedAt = time.Now()
		req.ch <- acquireResult{conn: conn}
	} else {
		p.idle = append(p.idle, conn)
	}
	p.mu.Unlock()
}

// HealthCheck acquires a connection, pings it, and releases it. A failed
// probe reports unhealthy; the connection is destroyed only when the failure
// is connection-class.
func (p *Pool) HealthCheck(ctx context.Context) HealthStatus {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return HealthStatus{Healthy: false, Error: err.Error()}
	}

	start := time.Now()
	err = conn.handle.Ping(ctx)
	latency := time.Since(start)
	conn.MarkQuery()

	if err != nil {
		classified := poolerrors.Classify(err)
		if poolerrors.IsConnectionError(classified) {
			p.Destroy(conn)
		} else {
			p.Release(conn)
		}
		return HealthStatus{Healthy: false, Latency: latency, Error: classified.Error()}
	}

	p.Release(conn)
	return HealthStatus{Healthy: true, Latency: latency}
}

// Shutdown stops the background cycles, fails every queued acquisition,
// waits up to grace for active connections to be released, then force-closes
// whatever remains. Calling Shutdown more than once is safe.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	waiters := p.waiters
	p.waiters = nil
	for _, req := range waiters {
		if !req.fulfilled {
			req.fulfilled = true
			req.ch <- acquireResult{err: poolerrors.New(poolerrors.ErrorTypeShutdown, "pool is shutting down")}
		}
	}
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	p.logger.Info("pool shutting down",
		zap.Int("failed_waiters", len(waiters)),
		zap.Duration("grace", grace))

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		active := 0
		for _, c := range p.conns {
			if c.active {
				active++
			}
		}
		p.mu.Unlock()
		if active == 0 {
			break
		}
		time.Sleep(drainPollInterval)
	}

	p.mu.Lock()
	remaining := make([]*Conn, 0, len(p.conns))
	forced := 0
	for _, c := range p.conns {
		if c.active {
			forced++
		}
		remaining = append(remaining, c)
	}
	p.conns = make(map[string]*Conn)
	p.idle = nil
	p.mu.Unlock()

	for _, c := range remaining {
		p.closeHandle(c.handle)
		atomic.AddInt64(&p.destroyed, 1)
	}

	p.logger.Info("pool shut down",
		zap.Int("closed", len(remaining)),
		zap.Int("force_closed", forced))
}

// reapLoop runs the reaper and minimum-count maintenance on ReapInterval.
func (p *Pool) reapLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
			p.maintainMinimum()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdle destroys idle connections past IdleTimeout while the pool stays
// above MinConnections. Connections being handed to waiters are active and
// therefore never considered.
func (p *Pool) reapIdle() {
	now := time.Now()

	p.mu.Lock()
	var victims []*Conn
	for _, c := range p.idle {
		if len(p.conns)-len(victims) <= p.cfg.MinConnections {
			break
		}
		if now.Sub(c.lastUsedAt) > p.cfg.IdleTimeout {
			victims = append(victims, c)
		}
	}
	for _, c := range victims {
		p.removeLocked(c)
	}
	p.mu.Unlock()

	for _, c := range victims {
		p.closeHandle(c.handle)
		atomic.AddInt64(&p.destroyed, 1)
	}

	if len(victims) > 0 {
		p.logger.Info("reaped idle connections", zap.Int("count", len(victims)))
	}
}

// maintainMinimum recreates the shortfall below MinConnections. Individual
// failures are logged and never abort the cycle.
func (p *Pool) maintainMinimum() {
	for {
		p.mu.Lock()
		if p.closed || len(p.conns)+p.reserved >= p.cfg.MinConnections {
			p.mu.Unlock()
			return
		}
		p.reserved++
		p.mu.Unlock()

		conn, err := p.dial()

		p.mu.Lock()
		p.reserved--
		if err != nil {
			p.mu.Unlock()
			atomic.AddInt64(&p.failedCreates, 1)
			p.logger.Warn("minimum maintenance creation failed", zap.Error(err))
			return
		}
		if p.closed {
			p.mu.Unlock()
			p.closeHandle(conn.handle)
			return
		}
		p.conns[conn.id] = conn
		if req := p.popWaiterLocked(); req != nil {
			conn.active = true
			conn.lastUsedAt = time.Now()
			req.ch <- acquireResult{conn: conn}
		} else {
			p.idle = append(p.idle, conn)
		}
		p.mu.Unlock()
	}
}

// sampleLoop periodically logs a stats snapshot.
func (p *Pool) sampleLoop() {
	defer p.wg.Done()

	interval := p.cfg.SampleInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := p.Stats()
			p.logger.Debug("pool stats",
				zap.Int("active", s.ActiveConnections),
				zap.Int("idle", s.IdleConnections),
				zap.Int("pending", s.PendingRequests),
				zap.Float64("utilization", s.PoolUtilization),
				zap.Float64("avg_acquire_ms", s.AverageAcquireTimeMs))
		case <-p.stopCh:
			return
		}
	}
}

// dial creates a connection bounded by CreateTimeout.
func (p *Pool) dial() (*Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CreateTimeout)
	defer cancel()

	handle, err := p.dialer(ctx)
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&p.created, 1)
	conn := newConn(handle)
	p.logger.Debug("connection created", zap.String("conn_id", conn.id))
	return conn, nil
}

// takeIdleLocked pops an idle connection and marks it active. Caller holds mu.
func (p *Pool) takeIdleLocked() *Conn {
	if len(p.idle) == 0 {
		return nil
	}
	conn := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	conn.active = true
	conn.lastUsedAt = time.Now()
	return conn
}

// popWaiterLocked removes and returns the oldest pending request, marking it
// fulfilled. Caller holds mu.
func (p *Pool) popWaiterLocked() *pendingRequest {
	for len(p.waiters) > 0 {
		req := p.waiters[0]
		p.waiters = p.waiters[1:]
		if req.fulfilled {
			continue
		}
		req.fulfilled = true
		return req
	}
	return nil
}

// removeLocked deletes a connection from the registry and idle set. Caller
// holds mu.
func (p *Pool) removeLocked(conn *Conn) {
	delete(p.conns, conn.id)
	for i, c := range p.idle {
		if c == conn {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
}

// SetAcquireObserver registers a callback invoked with the wait of every
// successful acquisition. The callback runs under the pool mutex and must
// not call back into the pool.
func (p *Pool) SetAcquireObserver(fn func(time.Duration)) {
	p.mu.Lock()
	p.acquireObserver = fn
	p.mu.Unlock()
}

// recordAcquireLocked folds an acquire wait into the moving average. Caller
// holds mu.
func (p *Pool) recordAcquireLocked(wait time.Duration) {
	ms := float64(wait.Microseconds()) / 1000.0
	if p.acquireSampled {
		p.avgAcquireMs = p.avgAcquireMs*0.9 + ms*0.1
	} else {
		p.avgAcquireMs = ms
		p.acquireSampled = true
	}
	if p.acquireObserver != nil {
		p.acquireObserver(wait)
	}
}

// closeHandle closes a handle bounded by CreateTimeout.
func (p *Pool) closeHandle(h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CreateTimeout)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		p.logger.Warn("handle close failed", zap.Error(err))
	}
}

// closeAll tears down every connection; used when construction fails partway.
func (p *Pool) closeAll() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Conn)
	p.idle = nil
	p.mu.Unlock()

	for _, c := range conns {
		p.closeHandle(c.handle)
	}
}
