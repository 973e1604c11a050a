package pool

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxHandle adapts a single low-level pgx connection to the Handle interface.
// The pool, not pgxpool, owns lifecycle and sharing; each PgxHandle wraps
// exactly one wire connection.
type PgxHandle struct {
	conn *pgx.Conn
}

// PgxDialer returns a Dialer that opens one pgx connection per call. The
// dial context carries the pool's creation timeout.
func PgxDialer(connString string) Dialer {
	return func(ctx context.Context) (Handle, error) {
		conn, err := pgx.Connect(ctx, connString)
		if err != nil {
			return nil, err
		}
		return &PgxHandle{conn: conn}, nil
	}
}

// Ping probes the connection.
func (h *PgxHandle) Ping(ctx context.Context) error {
	return h.conn.Ping(ctx)
}

// Close closes the underlying connection.
func (h *PgxHandle) Close(ctx context.Context) error {
	return h.conn.Close(ctx)
}

// Exec runs a statement and returns its command tag.
func (h *PgxHandle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return h.conn.Exec(ctx, sql, args...)
}

// Query runs a query and returns its rows.
func (h *PgxHandle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return h.conn.Query(ctx, sql, args...)
}

// QueryRow runs a query expected to return at most one row.
func (h *PgxHandle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return h.conn.QueryRow(ctx, sql, args...)
}

// Conn exposes the wrapped pgx connection for callers that need the full
// driver surface. The exclusivity rules of the pool still apply.
func (h *PgxHandle) Conn() *pgx.Conn {
	return h.conn
}
