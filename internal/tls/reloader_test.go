package tls

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitEvent reads events until one of the wanted type arrives.
func waitEvent(t *testing.T, r *Reloader, want ReloadEventType) ReloadEvent {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-r.Events():
			require.True(t, ok, "event channel closed")
			if event.Type == want {
				return event
			}
		case <-timeout:
			t.Fatalf("no %s event received", want)
		}
	}
}

func writeKeyPair(t *testing.T, dir string) KeyPair {
	t.Helper()

	certPEM, keyPEM := selfSignedPair(t)
	return KeyPair{
		CertificateFile: writeTempFile(t, dir, "tls.crt", certPEM),
		KeyFile:         writeTempFile(t, dir, "tls.key", keyPEM),
		Trust:           SelfSigned{},
	}
}

func TestReloadEventType_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "reloaded", ReloadEventReloaded.String())
	assert.Equal(t, "error", ReloadEventError.String())
	assert.Equal(t, "unknown", ReloadEventType(9).String())
}

func TestNewReloader_InvalidCertificates(t *testing.T) {
	t.Parallel()

	_, err := NewReloader(ModeServer, KeyPair{
		CertificateFile: "/nonexistent/tls.crt",
		KeyFile:         "/nonexistent/tls.key",
	}, nil)

	assert.Equal(t, KindConfigCertificateFile, KindOf(err))
}

func TestReloader_WatchesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certs := writeKeyPair(t, dir)
	metrics := NewMetrics("reload", WithRegistry(prometheus.NewRegistry()))

	r, err := NewReloader(ModeServer, certs, nil,
		WithDebounceDelay(50*time.Millisecond),
		WithReloaderMetrics(metrics),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	initial := r.Engine()
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))

	certPEM, keyPEM := selfSignedPair(t)
	require.NoError(t, os.WriteFile(certs.CertificateFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(certs.KeyFile, keyPEM, 0o600))

	event := waitEvent(t, r, ReloadEventReloaded)
	assert.NotSame(t, initial, event.Engine)
	assert.Same(t, event.Engine, r.Engine())
	assert.False(t, initial.Closed())
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.engineReloads.WithLabelValues("success")), float64(1))

	_ = initial.Close()
}

func TestReloader_WatchesCADirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	caDir := t.TempDir()
	writeTempFile(t, caDir, "a.pem", newTestAuthority(t).certPEM)

	certs := writeKeyPair(t, dir)
	certs.Trust = CADirectory{Path: caDir}

	r, err := NewReloader(ModeServer, certs, nil, WithDebounceDelay(50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	initial := r.Engine()
	require.NoError(t, r.Start(context.Background()))

	writeTempFile(t, caDir, "b.pem", newTestAuthority(t).certPEM)

	event := waitEvent(t, r, ReloadEventReloaded)
	assert.NotSame(t, initial, event.Engine)
	assert.Same(t, event.Engine, r.Engine())

	_ = initial.Close()
}

func TestReloader_KeepsEngineOnFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certs := writeKeyPair(t, dir)

	r, err := NewReloader(ModeServer, certs, nil, WithDebounceDelay(50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	initial := r.Engine()
	require.NoError(t, r.Start(context.Background()))

	require.NoError(t, os.WriteFile(certs.CertificateFile, []byte("not a certificate"), 0o600))

	event := waitEvent(t, r, ReloadEventError)
	assert.Equal(t, KindConfigCertificateFile, KindOf(event.Error))
	assert.Same(t, initial, r.Engine())
}

func TestReloader_ManualReload(t *testing.T) {
	t.Parallel()

	certPEM, keyPEM := selfSignedPair(t)
	r, err := NewReloader(ModeServer, InMemory{CertificateBytes: certPEM, KeyBytes: keyPEM}, nil)
	require.NoError(t, err)

	initial := r.Engine()
	require.NoError(t, r.Start(context.Background()), "nothing to watch")

	r.Reload()
	event := waitEvent(t, r, ReloadEventReloaded)
	assert.NotSame(t, initial, event.Engine)
	_ = initial.Close()

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.True(t, event.Engine.Closed())

	_, ok := <-r.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, r.Start(context.Background()), ErrEngineClosed)

	r.Reload()
	assert.Same(t, event.Engine, r.Engine())
}
