package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aegisflux/nets/internal/api"
	"aegisflux/nets/internal/collector"
	"aegisflux/nets/internal/config"
	"aegisflux/nets/internal/detect"
	"aegisflux/nets/internal/logging"
	"aegisflux/nets/internal/metrics"
	"aegisflux/nets/internal/normalizer"
	"aegisflux/nets/internal/pipeline"
	"aegisflux/nets/internal/policy"
	"aegisflux/nets/internal/rules"
	"aegisflux/nets/internal/store"
	"aegisflux/nets/internal/transport"
)

func main() {
	cfgPath := getEnv("NETS_CONFIG", "")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(logger.Logger)
	logger.LogSystemEvent("config_loaded",
		"path", cfgPath,
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"rules_dir", cfg.Rules.Dir,
		"hot_reload", cfg.Rules.HotReload,
		"enforcer", cfg.Policy.Enforcer,
		"workers", cfg.Pipeline.Workers)

	if err := run(cfg, logger, getEnv("NETS_INPUT", "-")); err != nil {
		logger.LogSystemEvent("pipeline_failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger, input string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()

	locals, err := normalizer.LoadLocalAddrs()
	if err != nil {
		logger.Warn("Failed to read local addresses, classifying by scope only", "error", err)
	}
	norm := normalizer.New(cfg.Normalizer, locals, logger.Logger, nil)

	engine := rules.NewEngine(logger.Logger, cfg.Pipeline.RuleShards)
	loader := rules.NewLoader(cfg.Rules.Dir, cfg.Rules.HotReload, cfg.Rules.Debounce, engine, logger.Logger)
	go logBundleEvents(ctx, loader.Subscribe(), logger)
	if _, err := loader.Load(); err != nil {
		logger.Warn("Starting without a rule bundle", "rules_dir", cfg.Rules.Dir, "error", err)
	}
	if err := loader.Watch(ctx); err != nil {
		logger.Warn("Rule hot reload unavailable", "error", err)
	}

	detectors := detect.NewSet(cfg.Detectors, logger.Logger)

	manager := policy.NewManager(cfg.Policy.Config, newEnforcer(cfg, logger.Logger), nil, logger.Logger)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Stop(stopCtx); err != nil {
			logger.Warn("Policy manager did not stop cleanly", "error", err)
		}
	}()

	sink, err := openSinks(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	if sink != nil {
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("Failed to close storage", "error", err)
			}
		}()
	}

	var publisher pipeline.Publisher
	if cfg.NATSURL != "" {
		bus, err := transport.Connect(cfg.NATSURL, "netsd", logger.Logger)
		if err != nil {
			return err
		}
		defer bus.Close()
		bus.OnError(func(string, error) { m.PublishErrors.Inc() })
		if err := bus.ServeCommands(manager); err != nil {
			return err
		}
		publisher = bus
	}

	memStore := store.NewMemoryStore(cfg.Storage.MaxAlerts, cfg.Storage.MaxFlows, 0)
	pipe := pipeline.New(pipeline.Config{
		QueueSize:     cfg.Pipeline.QueueSize,
		Workers:       cfg.Pipeline.Workers,
		WorkerQueue:   cfg.Pipeline.WorkerQueue,
		FlushInterval: cfg.Pipeline.FlushInterval,
		SweepInterval: cfg.Pipeline.SweepInterval,
		SinkRetries:   cfg.Pipeline.SinkRetries,
		ShedWhenFull:  cfg.Pipeline.ShedWhenFull,
	}, pipeline.Deps{
		Normalizer: norm,
		Engine:     engine,
		Detectors:  detectors,
		Policy:     manager,
		Store:      memStore,
		Sink:       sink,
		Publisher:  publisher,
		Metrics:    m,
		Logger:     logger.Logger,
	})

	srv, err := api.NewServer(api.Deps{
		Pipeline:  pipe,
		Store:     memStore,
		Engine:    engine,
		Loader:    loader,
		Decisions: manager,
		Metrics:   m,
		Logger:    logger.Logger,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.LogSystemEvent("http_server_started", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		logger.LogSystemEvent("http_server_stopped")
	}()

	src, closeInput, err := collector.Open(input, "", func(line int, err error) {
		m.EventsInvalid.Inc()
	}, logger.Logger)
	if err != nil {
		return err
	}
	defer closeInput()

	pipeDone := make(chan error, 1)
	go func() { pipeDone <- pipe.Run(ctx) }()
	go func() {
		// input ending drains the pipeline and stops the daemon
		defer pipe.CloseInput()
		if err := src.Run(ctx, collector.SinkFunc(pipe.Submit)); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Collector stopped", "source", src.Name(), "error", err)
		}
	}()

	logger.LogSystemEvent("daemon_started", "source", src.Name())
	select {
	case <-ctx.Done():
		logger.LogSystemEvent("shutdown_signal")
		err = <-pipeDone
	case err = <-pipeDone:
	}
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	st := pipe.Status()
	logger.LogSystemEvent("daemon_stopped", "flows", st.Processed, "alerts", st.Alerts, "shed", st.Shed)
	return nil
}

func newEnforcer(cfg *config.Config, logger *slog.Logger) policy.Enforcer {
	if cfg.Policy.Enforcer == config.EnforcerIptables {
		return policy.NewIptablesEnforcer(policy.ExecRunner{}, cfg.Policy.IptablesPath, logger)
	}
	return policy.NewNoopEnforcer(logger)
}

// openSinks returns nil when no persistence is configured
func openSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Sink, error) {
	var sinks store.MultiSink
	if cfg.Storage.ArchivePath != "" {
		archive, err := store.NewArchiveSink(cfg.Storage.ArchivePath, 0, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, archive)
	}
	if cfg.Storage.PostgresDSN != "" {
		pg, err := store.NewPostgresSink(ctx, cfg.Storage.PostgresDSN, logger)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, pg)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func logBundleEvents(ctx context.Context, results <-chan rules.ImportResult, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-results:
			switch {
			case !res.Accepted:
				logger.LogRuleEvent("bundle_rejected", "errors", len(res.Errors))
			case res.Unchanged:
				logger.LogRuleEvent("bundle_unchanged", "version", res.Version)
			default:
				logger.LogRuleEvent("bundle_loaded", "version", res.Version, "rules", len(res.Rules), "hash", res.Hash)
			}
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
