package pool

import (
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Stats is a point-in-time snapshot of pool state. Gauges are instantaneous;
// the lifetime counters are monotonic and never reset.
type Stats struct {
	TotalConnections  int     `json:"total_connections"`
	ActiveConnections int     `json:"active_connections"`
	IdleConnections   int     `json:"idle_connections"`
	PendingRequests   int     `json:"pending_requests"`
	MaxConnections    int     `json:"max_connections"`
	PoolUtilization   float64 `json:"pool_utilization"`

	AverageAcquireTimeMs        float64 `json:"average_acquire_time_ms"`
	AverageConnectionLifetimeMs float64 `json:"average_connection_lifetime_ms"`

	CreatedConnections       int64 `json:"created_connections"`
	DestroyedConnections     int64 `json:"destroyed_connections"`
	FailedConnectionAttempts int64 `json:"failed_connection_attempts"`
	TimedOutAcquires         int64 `json:"timed_out_acquires"`
	DirectHandoffs           int64 `json:"direct_handoffs"`
}

// HealthStatus is the result of a health probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Stats computes a snapshot of the pool's current state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := len(p.conns)
	idle := len(p.idle)
	active := total - idle

	var lifetimeMs float64
	if total > 0 {
		now := time.Now()
		var sum float64
		for _, c := range p.conns {
			sum += float64(now.Sub(c.createdAt).Microseconds()) / 1000.0
		}
		lifetimeMs = sum / float64(total)
	}

	utilization := 0.0
	if p.cfg.MaxConnections > 0 {
		utilization = float64(active) / float64(p.cfg.MaxConnections)
	}

	return Stats{
		TotalConnections:            total,
		ActiveConnections:           active,
		IdleConnections:             idle,
		PendingRequests:             len(p.waiters),
		MaxConnections:              p.cfg.MaxConnections,
		PoolUtilization:             utilization,
		AverageAcquireTimeMs:        p.avgAcquireMs,
		AverageConnectionLifetimeMs: lifetimeMs,
		CreatedConnections:          atomic.LoadInt64(&p.created),
		DestroyedConnections:        atomic.LoadInt64(&p.destroyed),
		FailedConnectionAttempts:    atomic.LoadInt64(&p.failedCreates),
		TimedOutAcquires:            atomic.LoadInt64(&p.timedOutAcquires),
		DirectHandoffs:              atomic.LoadInt64(&p.directHandoffs),
	}
}

// JSON renders the snapshot for log lines and debug endpoints.
func (s Stats) JSON() string {
	data, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(data)
}
