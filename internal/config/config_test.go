package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	tlspkg "github.com/vyrodovalexey/avatls/internal/tls"
)

// writeKeyPair writes a self-signed certificate and key into dir.
func writeKeyPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "tls.crt")
	keyFile = filepath.Join(dir, "tls.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, DefaultAddress, cfg.Address)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.Timeouts.Handshake.Duration())
	assert.Equal(t, DefaultDialTimeout, cfg.Timeouts.Dial.Duration())
	assert.Equal(t, tlspkg.DefaultMaxSessions, cfg.Server.MaxSessions)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, DefaultMetricsAddress, cfg.Metrics.Address)
	assert.Equal(t, DefaultServiceName, cfg.Tracing.ServiceName)
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certFile, keyFile := writeKeyPair(t, dir)

	content := `
mode: server
address: "127.0.0.1:9443"
certificates:
  type: keyPair
  certFile: ` + certFile + `
  keyFile: ` + keyFile + `
  trust:
    type: selfSigned
cipherSuite: "SECURE"
alpn: ["h2", "http/1.1"]
minVersion: "1.2"
timeouts:
  handshake: 5s
  idle: 1m
server:
  maxSessions: 100
  acceptRate: 50
logging:
  level: debug
  format: console
metrics:
  enabled: true
  address: ":9191"
`
	path := filepath.Join(dir, "avatls.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9443", cfg.Address)
	assert.Equal(t, CertificatesKeyPair, cfg.Certificates.Type)
	require.NotNil(t, cfg.CipherSuite)
	assert.Equal(t, "SECURE", *cfg.CipherSuite)
	assert.Equal(t, []string{"h2", "http/1.1"}, cfg.ALPN)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Handshake.Duration())
	assert.Equal(t, time.Minute, cfg.Timeouts.Idle.Duration())
	assert.Equal(t, 100, cfg.Server.MaxSessions)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Nil(t, cfg.VerifyHost)

	mode, err := cfg.EngineMode()
	require.NoError(t, err)
	certs, err := cfg.Certificates.Certificates()
	require.NoError(t, err)
	opts, err := cfg.EngineOptions()
	require.NoError(t, err)

	engine, err := tlspkg.NewEngine(mode, certs, opts...)
	require.NoError(t, err)
	defer engine.Close()

	tlsCfg := engine.TLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
	assert.Equal(t, []string{"h2", "http/1.1"}, tlsCfg.NextProtos)

	settings := cfg.ServerSettings()
	assert.Equal(t, "127.0.0.1:9443", settings.Address)
	assert.Equal(t, 100, settings.MaxSessions)
	assert.Equal(t, float64(50), settings.AcceptRate)
	assert.Equal(t, time.Minute, settings.IdleTimeout)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig("/nonexistent/path/avatls.yaml")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfigFromReader_Client(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(`
mode: client
address: "example.com:443"
serverName: example.com
verifyHost: false
verifyCertificates: false
`))
	require.NoError(t, err)

	require.NotNil(t, cfg.VerifyHost)
	assert.False(t, *cfg.VerifyHost)

	opts, err := cfg.EngineOptions()
	require.NoError(t, err)

	certs, err := cfg.Certificates.Certificates()
	require.NoError(t, err)

	engine, err := tlspkg.NewEngine(tlspkg.ModeClient, certs, opts...)
	require.NoError(t, err)
	defer engine.Close()

	assert.False(t, engine.VerifyHost())
	assert.False(t, engine.VerifyCertificates())
}

func TestLoadConfigFromReader_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "invalid yaml", content: "mode: [", want: "failed to parse YAML"},
		{name: "unknown field", content: "mode: client\nbogus: 1", want: "failed to parse YAML"},
		{name: "bad duration", content: "mode: client\ntimeouts:\n  idle: soon", want: "failed to parse YAML"},
		{name: "unknown mode", content: "mode: proxy", want: "mode"},
		{name: "server without certificate", content: "mode: server", want: "certificates.type"},
		{name: "bad address", content: "mode: client\naddress: nowhere", want: "address"},
		{name: "bad cipher", content: "mode: client\ncipherSuite: NOPE", want: "cipherSuite"},
		{name: "bad version", content: "mode: client\nminVersion: '2.0'", want: "minVersion"},
		{name: "inverted versions", content: "mode: client\nminVersion: '1.3'\nmaxVersion: '1.2'", want: "must not exceed"},
		{name: "duplicate alpn", content: "mode: client\nalpn: [h2, h2]", want: "duplicate protocol"},
		{name: "client cert on client", content: "mode: client\nrequireClientCert: true", want: "requireClientCert"},
		{name: "negative timeout", content: "mode: client\ntimeouts:\n  dial: -1s", want: "timeouts.dial"},
		{name: "negative rate", content: "mode: client\nserver:\n  acceptRate: -1", want: "server.acceptRate"},
		{name: "bad log level", content: "mode: client\nlogging:\n  level: loud", want: "logging.level"},
		{name: "bad sampling", content: "mode: client\ntracing:\n  enabled: true\n  samplingRate: 2", want: "tracing.samplingRate"},
		{name: "missing key file", content: "mode: client\ncertificates:\n  type: keyPair\n  certFile: /nonexistent.crt", want: "certificates"},
		{name: "unknown trust", content: "mode: client\ncertificates:\n  trust:\n    type: web", want: "unknown trust type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadConfigFromReader(strings.NewReader(tt.content))

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateConfig_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{Mode: "client", Address: "bad"}
	cfg.Server.MaxSessions = -1
	cfg.Logging.Format = "xml"

	err := ValidateConfig(cfg)

	var errs ValidationErrors
	require.True(t, errors.As(err, &errs))
	assert.Len(t, errs, 3)
	assert.Contains(t, err.Error(), "3 validation errors")

	assert.Error(t, ValidateConfig(nil))
}

func TestValidationError_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "mode: bad", (&ValidationError{Path: "mode", Message: "bad"}).Error())
	assert.Equal(t, "bad", (&ValidationError{Message: "bad"}).Error())
	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.False(t, ValidationErrors{}.HasErrors())
}

func TestCertificateSpec_Certificates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec CertificateSpec
		want tlspkg.Certificates
	}{
		{name: "default", spec: CertificateSpec{}, want: tlspkg.None{}},
		{
			name: "none with trust",
			spec: CertificateSpec{Trust: TrustSpec{Type: TrustCAFile, Path: "/ca.crt"}},
			want: tlspkg.CertificateAuthority{Trust: tlspkg.CAFile{Path: "/ca.crt"}},
		},
		{
			name: "chain",
			spec: CertificateSpec{Type: CertificatesChain, ChainFile: "/chain.pem"},
			want: tlspkg.Chain{CertificateChainFile: "/chain.pem"},
		},
		{
			name: "key pair",
			spec: CertificateSpec{Type: CertificatesKeyPair, CertFile: "/c", KeyFile: "/k", Trust: TrustSpec{Type: TrustSelfSigned}},
			want: tlspkg.KeyPair{CertificateFile: "/c", KeyFile: "/k", Trust: tlspkg.SelfSigned{}},
		},
		{
			name: "authority directory",
			spec: CertificateSpec{Type: CertificatesAuthority, Trust: TrustSpec{Type: TrustCADirectory, Path: "/cas"}},
			want: tlspkg.CertificateAuthority{Trust: tlspkg.CADirectory{Path: "/cas"}},
		},
		{
			name: "in memory",
			spec: CertificateSpec{Type: CertificatesInMemory, CertPEM: "c", KeyPEM: "k", Trust: TrustSpec{Type: TrustCABytes, PEM: "ca"}},
			want: tlspkg.InMemory{CertificateBytes: []byte("c"), KeyBytes: []byte("k"), Trust: tlspkg.CABytes{PEM: []byte("ca")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := tt.spec.Certificates()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := CertificateSpec{Type: "pkcs12"}.Certificates()
	assert.Error(t, err)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("AVATLS_TEST_ADDRESS", "127.0.0.1:7443")

	tests := []struct {
		input string
		want  string
	}{
		{input: "address: ${AVATLS_TEST_ADDRESS}", want: "address: 127.0.0.1:7443"},
		{input: "address: ${AVATLS_TEST_UNSET:-:8443}", want: "address: :8443"},
		{input: "address: ${AVATLS_TEST_UNSET}", want: "address: "},
		{input: "price: $$5", want: "price: $5"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteEnvVars(tt.input))
		})
	}
}

func TestDuration_YAML(t *testing.T) {
	t.Parallel()

	var v struct {
		Timeout Duration `yaml:"timeout"`
		Seconds Duration `yaml:"seconds"`
		Empty   Duration `yaml:"empty"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("timeout: 1h30m\nseconds: 45\nempty: ''"), &v))
	assert.Equal(t, 90*time.Minute, v.Timeout.Duration())
	assert.Equal(t, 45*time.Second, v.Seconds.Duration())
	assert.Zero(t, v.Empty)

	var bad struct {
		Timeout Duration `yaml:"timeout"`
	}
	err := yaml.Unmarshal([]byte("timeout: soon"), &bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
	require.Error(t, yaml.Unmarshal([]byte("timeout: [1s]"), &bad))

	out, err := yaml.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(out), "timeout: 1h30m0s")
	assert.Contains(t, string(out), "seconds: 45s")
}
