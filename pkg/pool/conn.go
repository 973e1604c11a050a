package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handle is the minimal surface the pool needs from a dialed backend handle.
// The production implementation wraps a pgx connection; tests use fakes.
type Handle interface {
	// Ping probes the handle for liveness
	Ping(ctx context.Context) error

	// Close releases the underlying resources
	Close(ctx context.Context) error
}

// Dialer creates a new backend handle. The context carries the creation
// timeout; implementations must respect it.
type Dialer func(ctx context.Context) (Handle, error)

// Conn is a pool-managed connection: the backend handle plus pool-local
// bookkeeping. The active flag and lastUsedAt are owned by the pool and
// mutated only under its mutex.
type Conn struct {
	id        string
	handle    Handle
	createdAt time.Time

	// guarded by the owning pool's mutex
	lastUsedAt time.Time
	active     bool

	totalQueries int64 // atomic
}

func newConn(handle Handle) *Conn {
	now := time.Now()
	return &Conn{
		id:         uuid.NewString(),
		handle:     handle,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// Handle returns the underlying backend handle. The handle is exclusively
// owned by the caller from Acquire until Release or Destroy.
func (c *Conn) Handle() Handle {
	return c.handle
}

// CreatedAt returns the connection's creation time.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// TotalQueries returns the number of operations executed through this handle.
func (c *Conn) TotalQueries() int64 {
	return atomic.LoadInt64(&c.totalQueries)
}

// MarkQuery increments the connection's query counter.
func (c *Conn) MarkQuery() {
	atomic.AddInt64(&c.totalQueries, 1)
}
