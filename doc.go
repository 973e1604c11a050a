// Package reservoir provides a bounded connection pool for expensive
// external database handles, plus a resilient execution layer on top of it.
//
// Many concurrent request handlers share a small set of connections; the
// pool bounds growth, serves waiters in strict FIFO order, reaps idle
// connections, and maintains a configured minimum. The resilience layer
// wraps units of work with a deadline, retry with exponential backoff, and
// a keyed circuit breaker, so transient backend failures do not cascade
// into callers.
//
// # Packages
//
//   - pkg/pool: the connection pool (acquire/release/stats/health/shutdown)
//   - pkg/resilience: retry, timeout, and circuit breaking over the pool
//   - pkg/poolerrors: typed error kinds for branching on failure class
//   - pkg/config: configuration with production/development profiles
//   - pkg/metrics: Prometheus gauges sampled from pool snapshots
//   - pkg/logger: structured logging via zap
//
// # Quick Start
//
//	cfg := config.NewConfig(config.ProfileProduction)
//	cfg.Pool.ConnString = os.Getenv("DATABASE_URL")
//
//	p, err := pool.New(cfg.Pool, pool.PgxDialer(cfg.Pool.ConnString), logger.Get())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Shutdown(cfg.Pool.ShutdownGrace)
//
//	exec := resilience.New(p, cfg.Resilience, logger.Get())
//	res := exec.Execute(ctx, func(ctx context.Context, h pool.Handle) (interface{}, error) {
//	    tag, err := h.(*pool.PgxHandle).Exec(ctx, "update accounts set ...")
//	    return tag, err
//	}, resilience.Options{BreakerKey: "accounts"})
package reservoir
