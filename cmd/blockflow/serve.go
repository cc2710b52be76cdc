package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/urfave/cli/v3"

	"github.com/rendis/blockflow/internal/api"
	"github.com/rendis/blockflow/internal/logging"
	"github.com/rendis/blockflow/internal/scheduler"
	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/internal/telemetry"
	"github.com/rendis/blockflow/pkg/mcp"
)

const shutdownTimeout = 15 * time.Second

// routes rebuilds the root handler for a configuration. The API server and
// MCP transport are created once so reloads keep their state.
type routes struct {
	deps    api.Deps
	metrics http.Handler
	mcp     http.Handler
}

func (r *routes) build(cfg Config) http.Handler {
	deps := r.deps
	if cfg.Metrics {
		deps.Metrics = r.metrics
	}
	mux := http.NewServeMux()
	if cfg.MCP {
		mux.Handle("/mcp", r.mcp)
	}
	mux.Handle("/", api.NewServer(deps).Handler())
	return mux
}

func serve(ctx context.Context, cmd *cli.Command, cfg Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger
	hub := rt.engine.Hub()

	metrics := telemetry.New(true)
	defer metrics.Attach(hub)()

	if cfg.EventTopic != "" {
		bus := streaming.NewGoChannel(logger)
		bridge := streaming.NewBridge(bus, cfg.EventTopic, logger)
		if err := logBusEvents(ctx, bus, bridge.Topic(), logger); err != nil {
			return err
		}
		detach := hub.AddTap(bridge.Handle, streaming.EventFilter{})
		defer func() {
			detach()
			if err := bridge.Close(); err != nil {
				logger.Warn("close event bus", "error", err)
			}
		}()
		logger.Info("publishing execution events", "topic", bridge.Topic())
	}

	var jobs scheduler.JobStore = scheduler.NewMemoryJobStore()
	if rt.store != nil {
		jobs = rt.store
	}
	sched := scheduler.NewScheduler(jobs, rt.engine, logger, scheduler.WithInterval(cfg.SchedulerInterval))
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("recover missed jobs", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	deps := api.Deps{
		Engine:    rt.engine,
		Schedules: sched,
		Jobs:      jobs,
		Logger:    logger,
	}
	if rt.store != nil {
		deps.History = rt.store
	}
	mcpServer := mcp.NewBlockflowServer(mcp.ServerDeps{Engine: rt.engine, Logger: logger, Version: version})
	rs := &routes{deps: deps, metrics: metrics.Handler(), mcp: mcpServer.HTTPHandler()}

	swapper := newHandlerSwapper(rs.build(cfg))
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("blockflow listening", "addr", cfg.ListenAddr, "version", version, "mcp", cfg.MCP, "metrics", cfg.Metrics)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var serveErr error
	current := cfg
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case serveErr = <-errCh:
			break wait
		case <-hup:
			next, err := loadConfig(cmd)
			if err != nil {
				logger.Error("reload configuration", "error", err)
				continue
			}
			current = applyReload(current, next, rt, swapper, rs)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop", "error", err)
	}
	if err := rt.engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}
	return serveErr
}

// applyReload applies the settings that can change while serving and returns
// the configuration now in effect.
func applyReload(current, next Config, rt *runtime, swapper *handlerSwapper, rs *routes) Config {
	d := diffConfigs(current, next)
	if d.LogLevelChanged {
		rt.level.Set(logging.ParseLevel(next.LogLevel))
		current.LogLevel = next.LogLevel
		rt.logger.Info("log level changed", "level", next.LogLevel)
	}
	if d.MetricsChanged || d.MCPChanged {
		current.Metrics = next.Metrics
		current.MCP = next.MCP
		swapper.Swap(rs.build(current))
		rt.logger.Info("routes reloaded", "metrics", current.Metrics, "mcp", current.MCP)
	}
	if len(d.RestartNeeded) > 0 {
		rt.logger.Warn("settings changed that need a restart", "fields", d.RestartNeeded)
	}
	return current
}

// logBusEvents consumes the event topic and logs each message at debug level.
// The consumer stops when ctx ends or the bus closes.
func logBusEvents(ctx context.Context, sub message.Subscriber, topic string, logger *slog.Logger) error {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			logger.Debug("bus event",
				"topic", topic,
				"execution_id", msg.Metadata.Get(streaming.MetadataExecutionID),
				"event_type", msg.Metadata.Get(streaming.MetadataEventType),
				"node_id", msg.Metadata.Get(streaming.MetadataNodeID),
			)
			msg.Ack()
		}
	}()
	return nil
}

// serveStdio runs the MCP tools over stdin/stdout. Logs stay on stderr.
func serveStdio(ctx context.Context, cfg Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.close()

	srv := mcp.NewBlockflowServer(mcp.ServerDeps{Engine: rt.engine, Logger: rt.logger, Version: version})
	rt.logger.Info("serving MCP over stdio", "version", version)
	return srv.Serve(ctx)
}
