// Package tls manages TLS client and server sessions on top of crypto/tls.
//
// The package owns certificate configuration, session lifecycle and the
// error taxonomy around handshake and I/O failures:
//
//   - Certificate configuration as a closed set of variants (Chain, KeyPair,
//     CertificateAuthority, InMemory, None) with trust anchors (SelfSigned,
//     CAFile, CADirectory, CABytes)
//   - Engines fixed to one mode, immutable after construction
//   - OpenSSL style cipher strings
//   - Host name verification independent of chain verification
//   - Sessions implementing net.Conn with explicit states
//   - Typed errors carrying a Kind for every failure point
//   - Prometheus metrics, OpenTelemetry handshake spans and gRPC credentials
//   - Engine hot-reload when referenced files change
//
// # Engines
//
// An engine is created once per mode:
//
//	engine, err := tls.NewEngine(tls.ModeServer, tls.KeyPair{
//	    CertificateFile: "/path/to/cert.pem",
//	    KeyFile:         "/path/to/key.pem",
//	    Trust:           tls.SelfSigned{},
//	}, tls.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	session, err := engine.Accept(ctx, listener)
//
// Clients connect over an existing transport or dial one:
//
//	engine, err := tls.NewEngine(tls.ModeClient, tls.Defaults())
//	session, err := engine.Dial(ctx, "tcp", "example.com:443", "example.com")
//
// # Verification
//
// Chain verification is skipped when WithVerifyCertificates(false) is given
// or the trust anchor is SelfSigned. Host name verification is controlled by
// WithVerifyHost alone; a mismatch fails the handshake with KindHandshake and
// the cause ErrHostnameMismatch.
//
// # Errors
//
// Every error returned by engines and sessions is an *Error and matches its
// Kind through errors.Is:
//
//	if errors.Is(err, tls.KindConfigCipher) {
//	    ...
//	}
//
// Receive returns io.EOF when the peer closes the session cleanly.
//
// # Metrics
//
// The package exposes Prometheus metrics for monitoring:
//
//   - avatls_tls_sessions_total: Sessions by mode and handshake result
//   - avatls_tls_handshake_duration_seconds: Handshake duration histogram
//   - avatls_tls_handshake_errors_total: Handshake errors by kind
//   - avatls_tls_bytes_total: Application bytes by direction
//   - avatls_tls_active_sessions: Established sessions by mode
//   - avatls_tls_certificate_expiry_seconds: Time until certificate expiry
//   - avatls_tls_engine_reload_total: Engine reload attempts by status
package tls
