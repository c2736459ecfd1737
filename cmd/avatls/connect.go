package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/avatls/internal/config"
	"github.com/vyrodovalexey/avatls/internal/observability"
	tlspkg "github.com/vyrodovalexey/avatls/internal/tls"
	"github.com/vyrodovalexey/avatls/internal/transport"
)

// connectOptions holds the connect flags. Set flags override the
// configuration file.
type connectOptions struct {
	address      string
	serverName   string
	caFile       string
	certFile     string
	keyFile      string
	alpn         []string
	insecure     bool
	noVerifyHost bool
	retries      int
}

func newConnectCmd(global *globalOptions) *cobra.Command {
	opts := &connectOptions{}

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open a TLS session and pipe stdin and stdout through it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConnect(cmd, global, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.address, "address", "a", "", "Address to connect to")
	flags.StringVar(&opts.serverName, "server-name", "", "Server name sent as SNI and verified (default: host of --address)")
	flags.StringVar(&opts.caFile, "ca-file", "", "PEM CA bundle used to verify the server")
	flags.StringVar(&opts.certFile, "cert-file", "", "PEM client certificate file")
	flags.StringVar(&opts.keyFile, "key-file", "", "PEM client private key file")
	flags.StringSliceVar(&opts.alpn, "alpn", nil, "Application protocols to offer")
	flags.BoolVarP(&opts.insecure, "insecure", "k", false, "Skip server certificate verification")
	flags.BoolVar(&opts.noVerifyHost, "no-verify-host", false, "Skip server host name verification")
	flags.IntVar(&opts.retries, "retries", transport.DefaultMaxRetries, "Dial retries on refused or timed out connections")

	return cmd
}

// apply copies the set flags into cfg.
func (o *connectOptions) apply(cfg *config.Config) {
	if o.address != "" {
		cfg.Address = o.address
	}
	if o.serverName != "" {
		cfg.ServerName = o.serverName
	}
	if o.certFile != "" || o.keyFile != "" {
		cfg.Certificates.Type = config.CertificatesKeyPair
		cfg.Certificates.CertFile = o.certFile
		cfg.Certificates.KeyFile = o.keyFile
	}
	if o.caFile != "" {
		cfg.Certificates.Trust = config.TrustSpec{Type: config.TrustCAFile, Path: o.caFile}
	}
	if len(o.alpn) > 0 {
		cfg.ALPN = o.alpn
	}
	if o.insecure {
		verify := false
		cfg.VerifyCertificates = &verify
	}
	if o.noVerifyHost {
		verify := false
		cfg.VerifyHost = &verify
	}
}

// runConnect dials, performs the handshake and pipes until the server
// closes the session.
func runConnect(cmd *cobra.Command, global *globalOptions, opts *connectOptions) error {
	app, err := newApplication(global, tlspkg.ModeClient, opts.apply)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.newEngine(tlspkg.ModeClient)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	dialer := &transport.Dialer{
		Timeout: app.config.Timeouts.Dial.Duration(),
		Logger:  app.logger,
	}
	if opts.retries > 0 {
		dialer.Retry = transport.DefaultRetryConfig()
		dialer.Retry.MaxRetries = opts.retries
	}

	address := app.config.Address
	conn, err := dialer.Dial(ctx, transport.DefaultNetwork, address)
	if err != nil {
		return err
	}

	serverName := app.config.ServerName
	if serverName == "" {
		if host, _, splitErr := net.SplitHostPort(address); splitErr == nil {
			serverName = host
		}
	}

	session, err := engine.Connect(ctx, conn, serverName)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("handshake with %s failed: %w", address, err)
	}
	defer func() { _ = session.Close() }()

	state := session.ConnectionState()
	app.logger.Info("session established",
		observability.String("session_id", session.ID()),
		observability.String("address", address),
		observability.String("version", tlspkg.TLSVersionName(state.Version)),
		observability.String("cipher_suite", tlspkg.CipherSuiteName(state.CipherSuite)),
		observability.String("alpn", state.NegotiatedProtocol),
	)

	if err := pipe(ctx, session, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
		return err
	}

	stats := session.Stats()
	app.logger.Info("session finished",
		observability.Int64("bytes_in", stats.BytesIn),
		observability.Int64("bytes_out", stats.BytesOut),
	)
	return nil
}

// pipe copies in to the session and the session to out. When in is
// exhausted the session is half-closed; pipe returns once the peer closes
// or ctx is cancelled.
func pipe(ctx context.Context, session *tlspkg.Session, in io.Reader, out io.Writer) error {
	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	sendErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(session, in)
		if err == nil {
			err = session.CloseWrite()
		}
		if err != nil {
			_ = session.Close()
		}
		sendErr <- err
	}()

	_, recvErr := io.Copy(out, session)
	if ctx.Err() != nil {
		return nil
	}

	select {
	case err := <-sendErr:
		if err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}
	default:
	}

	if recvErr != nil {
		return fmt.Errorf("failed to receive: %w", recvErr)
	}
	return nil
}
