package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServerConfig holds configuration for the metrics server.
type MetricsServerConfig struct {
	// Address is the address to listen on.
	Address string

	// Path is the path to serve metrics on.
	Path string

	// ReadTimeout is the read timeout for the server.
	ReadTimeout time.Duration

	// WriteTimeout is the write timeout for the server.
	WriteTimeout time.Duration

	// EnableRuntimeMetrics registers Go runtime and process collectors on the registry.
	EnableRuntimeMetrics bool
}

// DefaultMetricsServerConfig returns a MetricsServerConfig with default values.
func DefaultMetricsServerConfig() *MetricsServerConfig {
	return &MetricsServerConfig{
		Address:              ":9090",
		Path:                 "/metrics",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		EnableRuntimeMetrics: true,
	}
}

// MetricsServer serves a Prometheus registry over HTTP.
type MetricsServer struct {
	config   *MetricsServerConfig
	registry *prometheus.Registry
	logger   Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewMetricsServer creates a metrics server for registry.
func NewMetricsServer(config *MetricsServerConfig, registry *prometheus.Registry, logger Logger) *MetricsServer {
	if config == nil {
		config = DefaultMetricsServerConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = NopLogger()
	}

	if config.EnableRuntimeMetrics {
		// Already registered collectors are fine; the registry may be shared.
		_ = registry.Register(collectors.NewGoCollector())
		_ = registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	return &MetricsServer{
		config:   config,
		registry: registry,
		logger:   logger,
	}
}

// Handler returns the HTTP handler of the server.
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorLog:            &promErrorLogger{logger: s.logger},
		ErrorHandling:       promhttp.ContinueOnError,
		Registry:            s.registry,
		MaxRequestsInFlight: 10,
		Timeout:             s.config.WriteTimeout,
		EnableOpenMetrics:   true,
	}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.logger.Debug("failed to write health response", Error(err))
		}
	})

	return mux
}

// Start listens on the configured address and serves until ctx is
// cancelled. Listen errors are returned before serving starts.
func (s *MetricsServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or Stop is called.
func (s *MetricsServer) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	s.mu.Lock()
	s.server = server
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting metrics server",
		String("address", ln.Addr().String()),
		String("path", s.config.Path),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.WriteTimeout)
		defer cancel()
		if err := s.Stop(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Stop gracefully stops the server.
func (s *MetricsServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	s.logger.Info("stopping metrics server")
	return server.Shutdown(ctx)
}

// Addr returns the listening address, or nil before Serve.
func (s *MetricsServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// promErrorLogger adapts Logger to the promhttp.Logger interface.
type promErrorLogger struct {
	logger Logger
}

// Println implements promhttp.Logger.
func (l *promErrorLogger) Println(v ...any) {
	l.logger.Error(fmt.Sprint(v...))
}
