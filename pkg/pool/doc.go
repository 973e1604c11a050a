// Package pool implements a bounded, FIFO-fair connection pool for a small
// set of expensive external database handles shared by many concurrent
// callers.
//
// # Architecture
//
// The pool owns a registry of connections and a FIFO queue of pending
// acquisitions. All mutable state (registry, queue, counters) is guarded by
// a single mutex; acquire, release, reaping and minimum-count maintenance
// all serialize on it, so a connection can never be destroyed while it is
// being handed to a waiter and no connection is ever checked out to two
// callers at once.
//
// Core types:
//
//   - Pool: acquire/release/stats/health/shutdown surface
//   - Conn: a pooled handle plus bookkeeping (id, timestamps, query count)
//   - Handle: the minimal interface a dialed backend handle must satisfy
//   - Dialer: creates handles; the pgx-backed production dialer lives in
//     pgx.go, tests supply fakes
//
// # Acquisition
//
// Acquire returns an idle connection when one exists, grows the pool when
// below the maximum, and otherwise queues the caller. Queued requests are
// served strictly oldest-first; each carries its own timer and is resolved
// exactly once, either with a connection or with an acquire-timeout error.
// A released connection with waiters present is handed over directly and
// never becomes visibly idle.
//
// # Lifecycle
//
// A background cycle reaps connections idle past the configured timeout
// (while staying above the minimum count) and recreates the shortfall when
// the pool has fallen below it. Shutdown fails all waiters, drains active
// connections up to a grace period, then force-closes whatever remains.
package pool
