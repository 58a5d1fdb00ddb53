package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ridgeback/gpucache/internal/cache"
	"github.com/ridgeback/gpucache/internal/config"
	"github.com/ridgeback/gpucache/internal/dispatch"
	"github.com/ridgeback/gpucache/internal/gpudma"
	"github.com/ridgeback/gpucache/internal/memsys"
	"github.com/ridgeback/gpucache/internal/rdma"
	"github.com/ridgeback/gpucache/internal/server"
	"github.com/ridgeback/gpucache/internal/telemetry/log"
	"github.com/ridgeback/gpucache/internal/telemetry/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// maxInFlightFraction bounds the Copy Orchestrator's worker pool; the
// reference server has no configuration knob for this, so it scales with
// the allocator's slot count instead of a fixed constant.
const maxInFlightFraction = 4

// shutdownGrace bounds how long Stop waits for the accept loop to exit and
// in-flight copy batches to drain before giving up.
const shutdownGrace = 5 * time.Second

func main() {
	cfg := config.Default()

	rootCmd := &cobra.Command{
		Use:   "gpucached",
		Short: "Single-host GPU-adjacent RDMA key-value caching server",
		Long: `gpucached accepts pinned GPU buffers over TCP, stages them into a
registered host memory pool, and exposes that pool for zero-copy RDMA reads
and writes by remote peers.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	config.BindFlags(rootCmd.Flags(), &cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		log.L.WithError(err).Error("fatal")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.L.WithField("panic", r).WithField("stack", string(debug.Stack())).Error("fatal panic")
			err = fmt.Errorf("fatal panic: %v", r)
		}
	}()

	if err := cfg.Validate(); err != nil {
		return err
	}

	device, err := rdma.OpenDevice(rdma.NewDefaultProvider(), cfg.DeviceName)
	if err != nil {
		return fmt.Errorf("open rdma device: %w", err)
	}

	pool, err := memsys.NewPool(memsys.Config{
		TotalBytes: cfg.TotalBytes(),
		BlockBytes: int(cfg.BlockBytes),
	}, device)
	if err != nil {
		return fmt.Errorf("allocate pinned pool: %w", err)
	}

	gp := gpudma.NewSoftwareProvider()
	maxInFlight := pool.SlotCount() / maxInFlightFraction
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	orchestrator := gpudma.NewOrchestrator(gp, maxInFlight)

	index := cache.New()
	d := &dispatch.Dispatcher{
		Index:  index,
		Pool:   pool,
		Copies: orchestrator,
		Device: device,
	}

	addr := fmt.Sprintf(":%d", cfg.ServicePort)
	loop, err := server.Listen(addr, d, gp, device)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	opcodes := []string{"W", "R", "SYNC", "RDMA_EXCHANGE", "CHECK_EXIST", "GET_MATCH_LAST_IDX", "RDMA_WRITE", "RDMA_READ"}
	collector := metrics.NewCollector(metrics.Sources{
		SlabsInUse: pool.InUse,
		SlabsTotal: pool.SlotCount,
		CacheKeys:  index.Len,
		OpenConns:  loop.OpenConnections,
		// No aggregate RDMA-session or in-flight-copy counter exists yet
		// (sessions and InFlight live per-connection); exposed as 0 until
		// one is threaded through.
		RDMASessions:   func() int { return 0 },
		InFlightCopies: func() int64 { return 0 },
	}, opcodes)
	prometheus.MustRegister(collector)
	d.OnCount = collector.IncRequest
	serveMetrics(cfg)

	log.L.WithField("addr", addr).WithField("prealloc_gib", cfg.PreallocGiB).Info("gpucached starting")

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- loop.Run() }()

	select {
	case <-ctx.Done():
		log.L.Info("shutdown signal received, stopping")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if stopErr := loop.Stop(stopCtx); stopErr != nil {
			return fmt.Errorf("graceful stop: %w", stopErr)
		}
		return nil
	case runErr := <-runErrCh:
		return runErr
	}
}

// serveMetrics starts a background HTTP server exposing /metrics; failures
// are logged, not fatal, since metrics scraping is not on the data path.
func serveMetrics(cfg config.Config) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		addr := fmt.Sprintf(":%d", cfg.ServicePort+1)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.L.WithError(err).Warn("metrics server stopped")
		}
	}()
}
