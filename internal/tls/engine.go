package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// Mode fixes the side of the handshake an engine performs.
type Mode int

// Mode constants.
const (
	// ModeClient initiates handshakes.
	ModeClient Mode = iota

	// ModeServer answers handshakes.
	ModeServer
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	default:
		return "unknown"
	}
}

// ParseMode parses "client" or "server".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "client":
		return ModeClient, nil
	case "server":
		return ModeServer, nil
	default:
		return 0, fmt.Errorf("invalid mode %q: must be client or server", s)
	}
}

// Minimum protocol versions per mode.
const (
	clientMinVersion = tls.VersionTLS12
	serverMinVersion = tls.VersionTLS10
)

// runtimeState is process-wide state shared by every engine.
type runtimeState struct {
	systemRoots *x509.CertPool
	ciphers     *cipherIndex
}

// initRuntime loads the system trust store and the cipher index once.
// The returned error only concerns the system roots.
var initRuntime = sync.OnceValues(func() (*runtimeState, error) {
	rt := &runtimeState{ciphers: buildCipherIndex()}
	roots, err := x509.SystemCertPool()
	if err != nil {
		return rt, fmt.Errorf("failed to load system roots: %w", err)
	}
	rt.systemRoots = roots
	return rt, nil
})

func engineRuntime() *runtimeState {
	rt, _ := initRuntime()
	return rt
}

// options holds the configurable engine parameters.
type options struct {
	verifyHost         bool
	verifyCertificates bool
	cipherSuite        string
	handshakeTimeout   time.Duration
	requireClientCert  bool
	policy             PeerPolicy
	alpn               []string
	minVersion         uint16
	maxVersion         uint16
	maxSessions        int
	logger             observability.Logger
	metrics            MetricsRecorder
	tracer             *observability.Tracer
}

func defaultOptions() options {
	return options{
		verifyHost:         true,
		verifyCertificates: true,
		cipherSuite:        DefaultCipherString,
		logger:             observability.NopLogger(),
		metrics:            NewNopMetrics(),
		tracer:             observability.NoopTracer(),
	}
}

// Option is a functional option for configuring an Engine.
type Option func(*options)

// WithVerifyHost enables or disables server name verification on clients.
func WithVerifyHost(verify bool) Option {
	return func(o *options) {
		o.verifyHost = verify
	}
}

// WithVerifyCertificates enables or disables peer chain verification.
func WithVerifyCertificates(verify bool) Option {
	return func(o *options) {
		o.verifyCertificates = verify
	}
}

// WithCipherSuite sets the cipher string. See ParseCipherString.
func WithCipherSuite(ciphers string) Option {
	return func(o *options) {
		o.cipherSuite = ciphers
	}
}

// WithHandshakeTimeout bounds every handshake. Zero means no bound beyond the context.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = timeout
	}
}

// WithRequireClientCertificate makes server engines demand a client certificate.
func WithRequireClientCertificate(require bool) Option {
	return func(o *options) {
		o.requireClientCert = require
	}
}

// WithPeerPolicy restricts the accepted peer identities.
func WithPeerPolicy(policy PeerPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithALPN sets the application protocols offered or accepted, in preference order.
func WithALPN(protocols ...string) Option {
	return func(o *options) {
		o.alpn = protocols
	}
}

// WithMinVersion sets the minimum protocol version.
func WithMinVersion(version uint16) Option {
	return func(o *options) {
		o.minVersion = version
	}
}

// WithMaxVersion sets the maximum protocol version.
func WithMaxVersion(version uint16) Option {
	return func(o *options) {
		o.maxVersion = version
	}
}

// WithMaxSessions caps the number of concurrently tracked sessions.
func WithMaxSessions(limit int) Option {
	return func(o *options) {
		o.maxSessions = limit
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(o *options) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithTracer sets the tracer used for handshake spans.
func WithTracer(tracer *observability.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// Engine holds an immutable TLS configuration for one mode and creates
// sessions from it. It is safe for concurrent use.
type Engine struct {
	mode         Mode
	certificates Certificates
	opts         options

	config      *tls.Config
	roots       *x509.CertPool
	verifyChain bool

	tracker    *SessionTracker
	diagnostic atomic.Pointer[string]
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// NewEngine creates an engine for mode from certs.
func NewEngine(mode Mode, certs Certificates, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if mode != ModeClient && mode != ModeServer {
		return nil, newMessageError(KindCreateContext, fmt.Sprintf("invalid mode %d", mode))
	}

	rt, rootsErr := initRuntime()

	if certs == nil {
		certs = Defaults()
	}

	e := &Engine{
		mode:         mode,
		certificates: certs,
		opts:         o,
	}

	if err := e.configure(rt, rootsErr); err != nil {
		o.logger.Debug("engine construction failed",
			observability.String("mode", mode.String()),
			observability.String("kind", KindOf(err).String()),
			observability.Error(err),
		)
		return nil, err
	}

	e.tracker = NewSessionTracker(o.maxSessions, o.logger)

	if !e.verifyChain {
		o.logger.Warn("peer certificate verification disabled",
			observability.String("mode", mode.String()),
			observability.Bool("self_signed", AreSelfSigned(certs)),
		)
	}

	if len(e.config.Certificates) > 0 {
		o.metrics.UpdateCertificateExpiry(e.config.Certificates[0].Leaf)
	}

	o.logger.Debug("engine created",
		observability.String("mode", mode.String()),
		observability.String("min_version", TLSVersionName(e.config.MinVersion)),
		observability.Int("cipher_suites", len(e.config.CipherSuites)),
		observability.Bool("verify_host", o.verifyHost),
		observability.Bool("verify_certificates", e.verifyChain),
	)

	return e, nil
}

// configure builds the base tls.Config. Order of checks: options, ciphers,
// certificate material, trust anchors.
func (e *Engine) configure(rt *runtimeState, rootsErr error) error {
	cfg := &tls.Config{}

	if err := e.applyVersions(cfg); err != nil {
		return err
	}

	if err := validateProtocols(e.opts.alpn); err != nil {
		return err
	}
	cfg.NextProtos = slices.Clone(e.opts.alpn)

	if e.mode == ModeClient && e.opts.requireClientCert {
		return newMessageError(KindConfigureFailed, "client certificates can only be required by server engines")
	}

	selection, err := parseCipherString(rt.ciphers, e.opts.cipherSuite)
	if err != nil {
		return err
	}
	if selection.TLS13Only {
		if cfg.MaxVersion != 0 && cfg.MaxVersion < tls.VersionTLS13 {
			return newMessageError(KindCipherListFailed, "TLS 1.3 cipher suites selected but TLS 1.3 is disabled")
		}
		cfg.MinVersion = tls.VersionTLS13
	} else {
		cfg.CipherSuites = selection.Suites
	}

	m, err := loadCertificates(e.certificates)
	if err != nil {
		return err
	}
	if m.certificate != nil {
		cfg.Certificates = []tls.Certificate{*m.certificate}
	}

	e.verifyChain = e.opts.verifyCertificates && !AreSelfSigned(e.certificates)
	e.roots = m.roots
	if e.roots == nil && e.verifyChain {
		if rootsErr != nil {
			return newError(KindCreateContext, rootsErr)
		}
		e.roots = rt.systemRoots
	}

	// Verification runs in VerifyConnection so both checks can be
	// controlled independently.
	cfg.InsecureSkipVerify = true

	if e.mode == ModeServer {
		switch {
		case e.opts.requireClientCert:
			cfg.ClientAuth = tls.RequireAnyClientCert
		case !e.opts.policy.IsZero():
			cfg.ClientAuth = tls.RequestClientCert
		default:
			cfg.ClientAuth = tls.NoClientCert
		}
	}

	e.config = cfg
	return nil
}

func (e *Engine) applyVersions(cfg *tls.Config) error {
	floor := uint16(serverMinVersion)
	if e.mode == ModeClient {
		floor = clientMinVersion
	}

	for _, v := range []uint16{e.opts.minVersion, e.opts.maxVersion} {
		if v != 0 && (v < tls.VersionTLS10 || v > tls.VersionTLS13) {
			return newMessageError(KindConfigureFailed, fmt.Sprintf("unsupported protocol version %s", TLSVersionName(v)))
		}
	}

	cfg.MinVersion = floor
	if e.opts.minVersion != 0 {
		if e.opts.minVersion < floor {
			return newMessageError(KindConfigureFailed, fmt.Sprintf(
				"minimum version %s is below the %s floor of %s",
				TLSVersionName(e.opts.minVersion), e.mode, TLSVersionName(floor)))
		}
		cfg.MinVersion = e.opts.minVersion
	}

	if e.opts.maxVersion != 0 {
		if e.opts.maxVersion < cfg.MinVersion {
			return newMessageError(KindConfigureFailed, fmt.Sprintf(
				"maximum version %s is below minimum version %s",
				TLSVersionName(e.opts.maxVersion), TLSVersionName(cfg.MinVersion)))
		}
		cfg.MaxVersion = e.opts.maxVersion
	}

	return nil
}

// validateProtocols checks an ALPN list: names are non-empty, at most 255
// bytes and unique.
func validateProtocols(protocols []string) error {
	seen := make(map[string]bool, len(protocols))
	for _, p := range protocols {
		switch {
		case p == "":
			return newMessageError(KindParsingProtocolsFailed, "empty application protocol name")
		case len(p) > 255:
			return newMessageError(KindParsingProtocolsFailed, fmt.Sprintf("application protocol name too long: %d bytes", len(p)))
		case seen[p]:
			return newMessageError(KindParsingProtocolsFailed, fmt.Sprintf("duplicate application protocol %q", p))
		}
		seen[p] = true
	}
	return nil
}

// Mode returns the engine mode.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Certificates returns the certificate configuration the engine was built from.
func (e *Engine) Certificates() Certificates {
	return e.certificates
}

// VerifyHost reports whether clients verify the server name.
func (e *Engine) VerifyHost() bool {
	return e.opts.verifyHost
}

// VerifyCertificates reports whether peer chains are verified.
func (e *Engine) VerifyCertificates() bool {
	return e.verifyChain
}

// Tracker returns the tracker holding the engine's live sessions.
func (e *Engine) Tracker() *SessionTracker {
	return e.tracker
}

// TLSConfig returns a copy of the base configuration. Peer verification is
// installed per session and is not part of the copy.
func (e *Engine) TLSConfig() *tls.Config {
	return e.config.Clone()
}

// sessionConfig derives the configuration for one session.
func (e *Engine) sessionConfig(serverName string, extraProtocols []string) *tls.Config {
	cfg := e.config.Clone()
	if e.mode == ModeClient {
		cfg.ServerName = serverName
	}
	for _, p := range extraProtocols {
		if !slices.Contains(cfg.NextProtos, p) {
			cfg.NextProtos = append(cfg.NextProtos, p)
		}
	}
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		return e.verifyPeer(cs, serverName)
	}
	return cfg
}

// verifyPeer runs chain, host name and policy checks on a completed handshake.
func (e *Engine) verifyPeer(cs tls.ConnectionState, serverName string) error {
	var leaf *x509.Certificate
	if len(cs.PeerCertificates) > 0 {
		leaf = cs.PeerCertificates[0]
	}

	if e.verifyChain && len(cs.PeerCertificates) > 0 {
		usage := x509.ExtKeyUsageServerAuth
		if e.mode == ModeServer {
			usage = x509.ExtKeyUsageClientAuth
		}
		if err := verifyChain(cs.PeerCertificates, e.roots, usage); err != nil {
			return fmt.Errorf("certificate verify failed: %w", err)
		}
	} else if e.verifyChain && e.mode == ModeClient {
		return errors.New("certificate verify failed: server presented no certificate")
	}

	if e.mode == ModeClient && e.opts.verifyHost {
		if err := verifyHostname(leaf, serverName); err != nil {
			return err
		}
	}

	return e.opts.policy.Check(leaf)
}

// Connect performs a client handshake over transport. serverName is sent as
// SNI and, when host verification is on, checked against the peer certificate.
// An empty serverName fails host verification.
func (e *Engine) Connect(ctx context.Context, transport net.Conn, serverName string) (*Session, error) {
	if e.mode != ModeClient {
		return nil, e.fail(newError(KindConnect, ErrWrongMode))
	}
	s, err := e.NewSession(transport, serverName)
	if err != nil {
		return nil, err
	}
	if err := s.Handshake(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Dial connects the transport and performs a client handshake.
func (e *Engine) Dial(ctx context.Context, network, address, serverName string) (*Session, error) {
	if e.mode != ModeClient {
		return nil, e.fail(newError(KindConnect, ErrWrongMode))
	}
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	var d net.Dialer
	transport, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, e.fail(newError(KindConnect, err))
	}

	if serverName == "" {
		if host, _, splitErr := net.SplitHostPort(address); splitErr == nil {
			serverName = host
		}
	}

	s, err := e.Connect(ctx, transport, serverName)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Accept accepts one transport connection from listener and performs the
// server handshake. Cancelling ctx interrupts a pending accept when the
// listener supports deadlines.
func (e *Engine) Accept(ctx context.Context, listener net.Listener) (*Session, error) {
	if e.mode != ModeServer {
		return nil, e.fail(newError(KindAccept, ErrWrongMode))
	}
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	transport, err := acceptContext(ctx, listener)
	if err != nil {
		return nil, e.fail(newError(KindAccept, err))
	}

	s, err := e.NewSession(transport, "")
	if err != nil {
		return nil, err
	}
	if err := s.Handshake(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// deadlineListener is implemented by *net.TCPListener and *net.UnixListener.
type deadlineListener interface {
	SetDeadline(t time.Time) error
}

func acceptContext(ctx context.Context, listener net.Listener) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dl, ok := listener.(deadlineListener)
	if !ok {
		return listener.Accept()
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		_ = dl.SetDeadline(time.Now())
	})

	conn, err := listener.Accept()
	if !stop() {
		<-interrupted
		_ = dl.SetDeadline(time.Time{})
	}
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return conn, err
}

// NewSession binds transport to a new unopened session. serverName is
// ignored by server engines.
func (e *Engine) NewSession(transport net.Conn, serverName string) (*Session, error) {
	return e.newSession(transport, serverName, nil)
}

func (e *Engine) newSession(transport net.Conn, serverName string, extraProtocols []string) (*Session, error) {
	if err := e.checkOpen(); err != nil {
		if transport != nil {
			_ = transport.Close()
		}
		return nil, err
	}
	if transport == nil {
		return nil, e.fail(newMessageError(KindCreateContext, "nil transport"))
	}

	s := newSession(e, transport, serverName, e.sessionConfig(serverName, extraProtocols))
	if err := e.tracker.Add(s); err != nil {
		_ = transport.Close()
		return nil, e.fail(newError(KindCreateContext, err))
	}
	return s, nil
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return e.fail(newError(KindCreateContext, ErrEngineClosed))
	}
	return nil
}

// fail records the diagnostic of err for DiagnosticMessage and returns err.
func (e *Engine) fail(err error) error {
	msg := Diagnostic(err)
	e.diagnostic.Store(&msg)
	return err
}

// DiagnosticMessage returns and clears the most recent failure diagnostic
// recorded by this engine, or "Unknown" when nothing is queued. NewEngine
// failures return no engine; use Diagnostic on the returned error instead.
func (e *Engine) DiagnosticMessage() string {
	if msg := e.diagnostic.Swap(nil); msg != nil && *msg != "" {
		return *msg
	}
	return unknownDiagnostic
}

// Close closes every tracked session and prevents new ones. It is safe to
// call multiple times; only the first call does any work.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)

		var errs error
		for _, s := range e.tracker.List() {
			errs = multierr.Append(errs, s.Close())
		}
		e.closeErr = errs

		e.opts.logger.Debug("engine closed", observability.String("mode", e.mode.String()))
	})
	return e.closeErr
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	return e.closed.Load()
}
