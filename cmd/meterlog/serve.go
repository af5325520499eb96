package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/meterlog/internal/config"
	"github.com/lsm/meterlog/internal/observability"
	"github.com/lsm/meterlog/internal/parser"
	"github.com/lsm/meterlog/internal/pipeline"
	"github.com/lsm/meterlog/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

// serve runs the pipeline until SIGINT or SIGTERM. An error means a fatal
// initialization failure.
func serve(arg string, lookup func(string) (string, bool)) error {
	path := config.ResolvePath(arg, lookup)
	cfg, err := config.Load(path, lookup)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	logger, logCloser := observability.NewFileLogger("meterlog", observability.ParseLogLevel(cfg.Logging.Level), observability.LogFile{
		Path:        cfg.Logging.File,
		MaxBytes:    cfg.Logging.MaxBytes,
		BackupCount: cfg.Logging.BackupCount,
	})
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"path", path,
		"unit_id", cfg.UnitID,
		"reader", cfg.Reader.Type,
		"sinks", cfg.EnabledSinks(),
		"properties", cfg.Acquisition.Properties,
		"interval", cfg.Acquisition.Interval().String(),
		"energy_prescaled", cfg.Acquisition.EnergyPrescaled,
	)

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Observability.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server starting", "addr", cfg.Observability.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	tracer, shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:     cfg.Observability.TracingEnabled,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		ServiceName: "meterlog",
		UnitID:      cfg.UnitID,
	}, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build sinks: %w", err)
	}
	rd, err := buildReader(cfg, logger)
	if err != nil {
		closeSinks(sinks, logger)
		return fmt.Errorf("build reader: %w", err)
	}

	p := pipeline.New(rd,
		parser.New(parser.WithEnergyPrescaled(cfg.Acquisition.EnergyPrescaled)),
		sinks,
		pipeline.WithLogger(logger.With("subsystem", "pipeline")),
		pipeline.WithMetrics(metrics),
		pipeline.WithTracer(tracer),
		pipeline.WithUnitID(cfg.UnitID),
		pipeline.WithStateHook(func(s pipeline.State) {
			health.SetState(s.String(), s == pipeline.StateRunning)
		}),
	)

	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), shutdownTimeout)
	}

	if err := p.Start(ctx); err != nil {
		sctx, scancel := shutdownCtx()
		defer scancel()
		_ = p.Shutdown(sctx)
		_ = httpServer.Shutdown(sctx)
		_ = shutdownTracing(sctx)
		return err
	}

	// Run pipeline until shutdown
	pipelineErr := p.Run(ctx)

	sctx, scancel := shutdownCtx()
	defer scancel()

	if err := p.Shutdown(sctx); err != nil {
		logger.Error("pipeline shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(sctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(sctx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return pipelineErr
}
