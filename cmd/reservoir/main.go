package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/reservoir/pkg/config"
	"github.com/ajitpratap0/reservoir/pkg/logger"
	"github.com/ajitpratap0/reservoir/pkg/metrics"
	"github.com/ajitpratap0/reservoir/pkg/pool"
	"github.com/ajitpratap0/reservoir/pkg/resilience"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	root := &cobra.Command{
		Use:   "reservoir",
		Short: "Reservoir - bounded connection pool with resilient execution",
		Long: `Reservoir manages a small, expensive set of database connections for many
concurrent callers: bounded growth, FIFO-fair waiting, idle reaping, and a
retry/timeout/circuit-breaker execution layer on top.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Reservoir v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile string

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run a one-shot health probe against the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(configFile)
		},
	}
	checkCmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file (YAML)")
	root.AddCommand(checkCmd)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pool with a metrics endpoint until terminated",
		Long: `Run constructs the pool from configuration, exposes Prometheus metrics,
and waits for SIGINT/SIGTERM. On termination the pool drains in-flight work
up to the configured grace period before force-closing remaining handles.

Example:
  reservoir run --config reservoir.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPool(configFile)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file (YAML)")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file when given, otherwise the environment.
func loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}
	return config.FromEnv()
}

func setup(configFile string) (*config.Config, *pool.Pool, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
	}); err != nil {
		return nil, nil, err
	}

	if cfg.Pool.ConnString == "" {
		return nil, nil, fmt.Errorf("no connection string configured (set pool.conn_string or RESERVOIR_CONN_STRING)")
	}

	p, err := pool.New(cfg.Pool, pool.PgxDialer(cfg.Pool.ConnString), logger.Get())
	if err != nil {
		return nil, nil, err
	}

	return cfg, p, nil
}

func runCheck(configFile string) error {
	cfg, p, err := setup(configFile)
	if err != nil {
		return err
	}
	defer p.Shutdown(cfg.Pool.ShutdownGrace)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.AcquireTimeout+cfg.Pool.CreateTimeout)
	defer cancel()

	status := p.HealthCheck(ctx)
	if !status.Healthy {
		return fmt.Errorf("unhealthy: %s", status.Error)
	}

	fmt.Printf("healthy (latency %s)\n", status.Latency)
	return nil
}

func runPool(configFile string) error {
	cfg, p, err := setup(configFile)
	if err != nil {
		return err
	}

	log := logger.Get()
	executor := resilience.New(p, cfg.Resilience, log)
	sampler := metrics.NewSampler(p, cfg.Pool.SampleInterval, log)
	sampler.Start()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			status := p.HealthCheck(r.Context())
			if !status.Healthy {
				http.Error(w, status.Error, http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintf(w, "ok %s\n", status.Latency)
		})

		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics server listening", zap.String("addr", cfg.Metrics.ListenAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	log.Info("reservoir started",
		zap.String("profile", string(cfg.Profile)),
		zap.Int("min_connections", cfg.Pool.MinConnections),
		zap.Int("max_connections", cfg.Pool.MaxConnections))

	// Periodic probe through the full resilience path, so the breaker state
	// reflects backend health even when the process is otherwise idle.
	probeStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Pool.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				res := executor.Execute(context.Background(), func(ctx context.Context, h pool.Handle) (interface{}, error) {
					return nil, h.Ping(ctx)
				}, resilience.Options{BreakerKey: "health-check"})
				if !res.Success {
					log.Warn("health probe failed", zap.Error(res.Error))
				}
				if state := executor.BreakerState("health-check"); state != nil && state.State != "closed" {
					log.Warn("health breaker degraded", zap.String("state", state.State))
				}
			case <-probeStop:
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info("termination signal received", zap.String("signal", sig.String()))

	close(probeStop)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	sampler.Stop()
	p.Shutdown(cfg.Pool.ShutdownGrace)

	_ = logger.Sync()
	return nil
}
