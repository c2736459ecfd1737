package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

func TestMode_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "client", ModeClient.String())
	assert.Equal(t, "server", ModeServer.String())
	assert.Equal(t, "unknown", Mode(7).String())
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	m, err := ParseMode("server")
	require.NoError(t, err)
	assert.Equal(t, ModeServer, m)

	m, err = ParseMode("client")
	require.NoError(t, err)
	assert.Equal(t, ModeClient, m)

	_, err = ParseMode("proxy")
	assert.Error(t, err)
}

func TestNewEngine_Defaults(t *testing.T) {
	t.Parallel()

	client := newTestEngine(t, ModeClient, nil)

	assert.Equal(t, ModeClient, client.Mode())
	assert.Equal(t, None{}, client.Certificates())
	assert.True(t, client.VerifyHost())
	assert.True(t, client.VerifyCertificates())

	cfg := client.TLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, DefaultSecureCipherSuites(), cfg.CipherSuites)
	assert.Empty(t, cfg.Certificates)

	server := selfSignedServer(t)
	scfg := server.TLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS10), scfg.MinVersion)
	assert.Len(t, scfg.Certificates, 1)
	assert.Equal(t, tls.NoClientCert, scfg.ClientAuth)
	assert.False(t, server.VerifyCertificates(), "self-signed disables chain verification")
}

func TestNewEngine_TLSConfigIsCopy(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, ModeClient, None{})

	cfg := e.TLSConfig()
	cfg.MinVersion = tls.VersionTLS13
	cfg.CipherSuites[0] = 0

	again := e.TLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), again.MinVersion)
	assert.NotEqual(t, uint16(0), again.CipherSuites[0])
}

func TestNewEngine_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mode     Mode
		certs    Certificates
		opts     []Option
		wantKind Kind
	}{
		{name: "invalid mode", mode: Mode(5), wantKind: KindCreateContext},
		{name: "invalid cipher", mode: ModeClient, opts: []Option{WithCipherSuite("INVALID-CIPHER")}, wantKind: KindConfigCipher},
		{name: "empty cipher", mode: ModeServer, opts: []Option{WithCipherSuite("")}, wantKind: KindConfigCipher},
		{name: "cipher list empty", mode: ModeClient, opts: []Option{WithCipherSuite("FIPS:!ALL")}, wantKind: KindCipherListFailed},
		{
			name:     "tls 1.3 suites with tls 1.2 max",
			mode:     ModeClient,
			opts:     []Option{WithCipherSuite("TLS_AES_128_GCM_SHA256"), WithMaxVersion(tls.VersionTLS12)},
			wantKind: KindCipherListFailed,
		},
		{name: "client requires client cert", mode: ModeClient, opts: []Option{WithRequireClientCertificate(true)}, wantKind: KindConfigureFailed},
		{name: "min above max", mode: ModeServer, opts: []Option{WithMinVersion(tls.VersionTLS13), WithMaxVersion(tls.VersionTLS12)}, wantKind: KindConfigureFailed},
		{name: "client below floor", mode: ModeClient, opts: []Option{WithMinVersion(tls.VersionTLS10)}, wantKind: KindConfigureFailed},
		{name: "unknown version", mode: ModeServer, opts: []Option{WithMaxVersion(0x0500)}, wantKind: KindConfigureFailed},
		{name: "empty protocol", mode: ModeClient, opts: []Option{WithALPN("h2", "")}, wantKind: KindParsingProtocolsFailed},
		{name: "duplicate protocol", mode: ModeClient, opts: []Option{WithALPN("h2", "h2")}, wantKind: KindParsingProtocolsFailed},
		{name: "protocol too long", mode: ModeServer, opts: []Option{WithALPN(strings.Repeat("a", 256))}, wantKind: KindParsingProtocolsFailed},
		{name: "bad certificate", mode: ModeServer, certs: KeyPair{CertificateFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}, wantKind: KindConfigCertificateFile},
		{name: "bad CA", mode: ModeClient, certs: CertificateAuthority{Trust: CABytes{PEM: []byte("junk")}}, wantKind: KindConfigCABytes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, err := NewEngine(tt.mode, tt.certs, tt.opts...)

			require.Error(t, err)
			assert.Nil(t, e)
			assert.ErrorIs(t, err, tt.wantKind)
			assert.NotEqual(t, "Unknown", Diagnostic(err))
		})
	}
}

func TestNewEngine_CipherBeforeCertificates(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(ModeServer, KeyPair{CertificateFile: "/nonexistent"}, WithCipherSuite("bogus"))

	assert.ErrorIs(t, err, KindConfigCipher)
}

func TestNewEngine_Options(t *testing.T) {
	t.Parallel()

	ca := newTestAuthority(t)
	e := newTestEngine(t, ModeServer, CertificateAuthority{Trust: CABytes{PEM: ca.certPEM}},
		WithRequireClientCertificate(true),
		WithALPN("h2", "http/1.1"),
		WithMinVersion(tls.VersionTLS12),
		WithMaxVersion(tls.VersionTLS13),
		WithCipherSuite("FIPS"),
		WithVerifyHost(false),
	)

	cfg := e.TLSConfig()
	assert.Equal(t, tls.RequireAnyClientCert, cfg.ClientAuth)
	assert.Equal(t, []string{"h2", "http/1.1"}, cfg.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
	assert.False(t, e.VerifyHost())
	assert.True(t, e.VerifyCertificates())

	for _, id := range cfg.CipherSuites {
		suite, ok := GetCipherSuiteByID(id)
		require.True(t, ok)
		assert.True(t, suite.FIPS)
	}
}

func TestNewEngine_TLS13Only(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, ModeClient, None{}, WithCipherSuite("TLS_AES_256_GCM_SHA384"))

	assert.Equal(t, uint16(tls.VersionTLS13), e.TLSConfig().MinVersion)
}

func TestNewEngine_PolicyRequestsClientCert(t *testing.T) {
	t.Parallel()

	e := selfSignedServer(t, WithPeerPolicy(PeerPolicy{AllowedCNs: []string{"client"}}))

	assert.Equal(t, tls.RequestClientCert, e.TLSConfig().ClientAuth)
}

func TestNewEngine_ConcurrentFirstUse(t *testing.T) {
	t.Parallel()

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := NewEngine(ModeClient, None{})
			if err == nil {
				err = e.Close()
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestNewEngine_LogsVerificationDisabled(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := observability.NewLoggerFromZap(zap.New(core))

	newTestEngine(t, ModeClient, None{}, WithVerifyCertificates(false), WithLogger(logger))

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "peer certificate verification disabled", warnings[0].Message)
	assert.Equal(t, 1, logs.FilterMessage("engine created").Len())
}

func TestEngine_WrongMode(t *testing.T) {
	t.Parallel()

	server := selfSignedServer(t)
	client := newTestEngine(t, ModeClient, None{})
	ctx := context.Background()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := server.Connect(ctx, a, "localhost")
	assert.ErrorIs(t, err, KindConnect)
	assert.ErrorIs(t, err, ErrWrongMode)

	_, err = server.Dial(ctx, "tcp", "127.0.0.1:1", "")
	assert.ErrorIs(t, err, KindConnect)

	_, err = client.Accept(ctx, newListener(t))
	assert.ErrorIs(t, err, KindAccept)
	assert.ErrorIs(t, err, ErrWrongMode)
}

func TestEngine_DiagnosticMessage(t *testing.T) {
	t.Parallel()

	server := selfSignedServer(t)

	assert.Equal(t, "Unknown", server.DiagnosticMessage())

	_, err := server.Connect(context.Background(), nil, "")
	require.Error(t, err)

	assert.Equal(t, ErrWrongMode.Error(), server.DiagnosticMessage())
	assert.Equal(t, "Unknown", server.DiagnosticMessage(), "diagnostic is consumed")
}

func TestEngine_Close(t *testing.T) {
	t.Parallel()

	server := selfSignedServer(t)
	client := newTestEngine(t, ModeClient, None{}, WithVerifyCertificates(false), WithVerifyHost(false))

	srv, cli, srvErr, cliErr := handshakePair(t, server, client, "localhost")
	require.NoError(t, srvErr)
	require.NoError(t, cliErr)
	assert.Equal(t, 1, server.Tracker().Count())

	require.NoError(t, server.Close())
	assert.True(t, server.Closed())
	assert.Equal(t, StateClosed, srv.State())
	assert.Equal(t, 0, server.Tracker().Count())

	// Second close is a no-op.
	assert.NoError(t, server.Close())

	_, err := server.Accept(context.Background(), newListener(t))
	assert.ErrorIs(t, err, KindCreateContext)
	assert.ErrorIs(t, err, ErrEngineClosed)

	// The client sees the peer shutdown.
	require.NoError(t, cli.SetTimeout(5*time.Second))
	_, err = cli.Receive(16)
	assert.True(t, err != nil)
}

func TestEngine_AcceptContextCancelled(t *testing.T) {
	t.Parallel()

	server := selfSignedServer(t)
	ln := newListener(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := server.Accept(ctx, ln)

	require.Error(t, err)
	assert.ErrorIs(t, err, KindAccept)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestEngine_DialFailure(t *testing.T) {
	t.Parallel()

	client := newTestEngine(t, ModeClient, None{})
	ln := newListener(t)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err := client.Dial(context.Background(), "tcp", addr, "localhost")

	assert.ErrorIs(t, err, KindConnect)
}

func TestEngine_MaxSessions(t *testing.T) {
	t.Parallel()

	client := newTestEngine(t, ModeClient, None{}, WithMaxSessions(1))

	a, b := net.Pipe()
	defer b.Close()
	s, err := client.NewSession(a, "localhost")
	require.NoError(t, err)
	defer s.Close()

	c, d := net.Pipe()
	defer d.Close()
	_, err = client.NewSession(c, "localhost")
	assert.ErrorIs(t, err, KindCreateContext)
}
