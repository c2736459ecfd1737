package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
	tlspkg "github.com/vyrodovalexey/avatls/internal/tls"
)

const tracerShutdownTimeout = 5 * time.Second

// application holds what a command needs once its configuration is loaded.
type application struct {
	config  *config.Config
	logger  observability.Logger
	metrics *tlspkg.Metrics
	tracer  *observability.Tracer
}

// newApplication loads the configuration for mode, applies override and the
// global flags, validates the result and initializes logging and tracing.
func newApplication(opts *globalOptions, mode tlspkg.Mode, override func(*config.Config)) (*application, error) {
	cfg, err := loadConfig(opts.configPath, mode)
	if err != nil {
		return nil, err
	}

	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}
	if override != nil {
		override(cfg)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := observability.NewTracer(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	if tracer.Enabled() {
		logger.Info("tracing enabled",
			observability.String("endpoint", cfg.Tracing.OTLPEndpoint),
			observability.String("service", cfg.Tracing.ServiceName),
		)
	}

	return &application{
		config:  cfg,
		logger:  logger,
		metrics: tlspkg.NewMetrics(cfg.Metrics.Namespace),
		tracer:  tracer,
	}, nil
}

// loadConfig reads path, or starts from defaults when path is empty. A file
// written for the other mode is rejected.
func loadConfig(path string, mode tlspkg.Mode) (*config.Config, error) {
	if path == "" {
		cfg := &config.Config{Mode: mode.String()}
		cfg.ApplyDefaults()
		return cfg, nil
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Mode != mode.String() {
		return nil, fmt.Errorf("configuration %s is for %s mode, command requires %s", path, cfg.Mode, mode)
	}
	return cfg, nil
}

// initLogger creates the process logger and makes it the global one.
func initLogger(cfg observability.LogConfig) (observability.Logger, error) {
	logger, err := observability.NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	observability.SetGlobalLogger(logger)
	return logger, nil
}

// engineOptions returns the configured engine options with the
// application's logger, metrics and tracer attached.
func (a *application) engineOptions() ([]tlspkg.Option, error) {
	opts, err := a.config.EngineOptions()
	if err != nil {
		return nil, err
	}
	return append(opts,
		tlspkg.WithLogger(a.logger),
		tlspkg.WithMetrics(a.metrics),
		tlspkg.WithTracer(a.tracer),
	), nil
}

// newEngine creates an engine for mode from the configuration.
func (a *application) newEngine(mode tlspkg.Mode) (*tlspkg.Engine, error) {
	certs, err := a.config.Certificates.Certificates()
	if err != nil {
		return nil, err
	}
	opts, err := a.engineOptions()
	if err != nil {
		return nil, err
	}

	engine, err := tlspkg.NewEngine(mode, certs, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS engine: %w", err)
	}
	return engine, nil
}

// startMetricsServerIfEnabled serves the metrics registry in g until ctx ends.
func (a *application) startMetricsServerIfEnabled(ctx context.Context, g *errgroup.Group) {
	if !a.config.Metrics.Enabled {
		return
	}

	cfg := observability.DefaultMetricsServerConfig()
	cfg.Address = a.config.Metrics.Address
	server := observability.NewMetricsServer(cfg, a.metrics.Registry(), a.logger)

	g.Go(func() error {
		return server.Start(ctx)
	})
}

// close flushes the tracer and the logger.
func (a *application) close() {
	ctx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
	defer cancel()

	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown tracer", observability.Error(err))
	}
	_ = a.logger.Sync()
}
