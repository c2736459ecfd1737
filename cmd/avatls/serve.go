package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
	"github.com/vyrodovalexey/avatls/internal/server"
	tlspkg "github.com/vyrodovalexey/avatls/internal/tls"
	"github.com/vyrodovalexey/avatls/internal/transport"
)

// serveOptions holds the serve flags. Set flags override the configuration file.
type serveOptions struct {
	address           string
	certFile          string
	keyFile           string
	chainFile         string
	caFile            string
	metricsAddress    string
	reload            bool
	requireClientCert bool
}

func newServeCmd(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept TLS sessions and echo received data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, global, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.address, "address", "a", "", "Address to listen on")
	flags.StringVar(&opts.certFile, "cert-file", "", "PEM certificate file")
	flags.StringVar(&opts.keyFile, "key-file", "", "PEM private key file")
	flags.StringVar(&opts.chainFile, "chain-file", "", "PEM file holding key and certificate chain")
	flags.StringVar(&opts.caFile, "ca-file", "", "PEM CA bundle used to verify client certificates")
	flags.StringVar(&opts.metricsAddress, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.BoolVar(&opts.reload, "reload", false, "Reload certificates when their files change")
	flags.BoolVar(&opts.requireClientCert, "require-client-cert", false, "Require a verified client certificate")

	return cmd
}

// apply copies the set flags into cfg.
func (o *serveOptions) apply(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		if o.address != "" {
			cfg.Address = o.address
		}
		switch {
		case o.chainFile != "":
			cfg.Certificates.Type = config.CertificatesChain
			cfg.Certificates.ChainFile = o.chainFile
		case o.certFile != "" || o.keyFile != "":
			cfg.Certificates.Type = config.CertificatesKeyPair
			cfg.Certificates.CertFile = o.certFile
			cfg.Certificates.KeyFile = o.keyFile
		}
		if o.caFile != "" {
			cfg.Certificates.Trust = config.TrustSpec{Type: config.TrustCAFile, Path: o.caFile}
		}
		if o.metricsAddress != "" {
			cfg.Metrics.Enabled = true
			cfg.Metrics.Address = o.metricsAddress
		}
		if cmd.Flags().Changed("reload") {
			cfg.Reload.Enabled = o.reload
		}
		if cmd.Flags().Changed("require-client-cert") {
			cfg.RequireClientCert = o.requireClientCert
		}
	}
}

// runServe serves until SIGINT, SIGTERM or cancellation of the command
// context, then shuts the server down gracefully.
func runServe(cmd *cobra.Command, global *globalOptions, opts *serveOptions) error {
	app, err := newApplication(global, tlspkg.ModeServer, opts.apply(cmd))
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, closeSource, err := app.engineSource(ctx)
	if err != nil {
		return err
	}
	defer closeSource()

	srv := server.New(source, app.config.ServerSettings(), server.WithLogger(app.logger))

	ln, err := transport.Listen(ctx, transport.DefaultNetwork, app.config.Address)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	app.startMetricsServerIfEnabled(gctx, g)

	// Serve outlives gctx so Shutdown can drain; serveCtx only stops a
	// Serve that started after Shutdown already ran.
	serveCtx, cancelServe := context.WithCancel(context.WithoutCancel(gctx))
	defer cancelServe()

	g.Go(func() error {
		return srv.Serve(serveCtx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		defer cancelServe()

		app.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), app.config.Timeouts.Shutdown.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	app.logger.Info("server stopped")
	return nil
}

// engineSource returns a reloading engine source when reload is enabled and
// a static one otherwise. The returned func releases it.
func (a *application) engineSource(ctx context.Context) (server.EngineSource, func(), error) {
	if !a.config.Reload.Enabled {
		engine, err := a.newEngine(tlspkg.ModeServer)
		if err != nil {
			return nil, nil, err
		}
		return server.Static(engine), func() { _ = engine.Close() }, nil
	}

	certs, err := a.config.Certificates.Certificates()
	if err != nil {
		return nil, nil, err
	}
	engineOpts, err := a.engineOptions()
	if err != nil {
		return nil, nil, err
	}

	reloader, err := tlspkg.NewReloader(tlspkg.ModeServer, certs, engineOpts,
		tlspkg.WithDebounceDelay(a.config.Reload.Debounce.Duration()),
		tlspkg.WithReloaderLogger(a.logger),
		tlspkg.WithReloaderMetrics(a.metrics),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate reloader: %w", err)
	}
	if err := reloader.Start(ctx); err != nil {
		_ = reloader.Close()
		return nil, nil, fmt.Errorf("failed to start certificate reloader: %w", err)
	}

	go logReloadEvents(reloader.Events(), a.logger)

	return reloader, func() { _ = reloader.Close() }, nil
}

// logReloadEvents logs reload outcomes until events is closed.
func logReloadEvents(events <-chan tlspkg.ReloadEvent, logger observability.Logger) {
	for event := range events {
		switch event.Type {
		case tlspkg.ReloadEventReloaded:
			logger.Info("certificates reloaded")
		case tlspkg.ReloadEventError:
			logger.Error("certificate reload failed, keeping current engine",
				observability.Error(event.Error),
				observability.String("kind", tlspkg.KindOf(event.Error).String()),
			)
		}
	}
}
