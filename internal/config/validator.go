package config

import (
	"fmt"
	"net"
	"strings"

	tlspkg "github.com/vyrodovalexey/avatls/internal/tls"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates a configuration, collecting every problem found.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates a configuration.
func ValidateConfig(config *Config) error {
	return NewValidator().Validate(config)
}

// Validate validates the configuration. The returned error is a
// ValidationErrors when anything is wrong.
func (v *Validator) Validate(config *Config) error {
	v.errors = nil

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	mode, err := config.EngineMode()
	if err != nil {
		v.addError("mode", err.Error())
	}

	v.validateAddress(config.Address)
	if err == nil {
		v.validateCertificates(mode, &config.Certificates)
	}
	v.validateTLS(config)
	v.validateTimeouts(&config.Timeouts)
	v.validateServer(&config.Server)
	v.validateLogging(config)
	v.validateObservability(config)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func (v *Validator) validateAddress(address string) {
	if address == "" {
		v.addError("address", "address is required")
		return
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		v.addError("address", fmt.Sprintf("invalid address %q: %v", address, err))
	}
}

func (v *Validator) validateCertificates(mode tlspkg.Mode, spec *CertificateSpec) {
	certs, err := spec.Certificates()
	if err != nil {
		v.addError("certificates", err.Error())
		return
	}

	if mode == tlspkg.ModeServer {
		switch spec.Type {
		case CertificatesChain, CertificatesKeyPair, CertificatesInMemory:
		default:
			v.addError("certificates.type", "server mode requires chain, keyPair or inMemory certificates")
			return
		}
	}

	if err := tlspkg.Validate(certs); err != nil {
		v.addError("certificates", err.Error())
	}
}

func (v *Validator) validateTLS(config *Config) {
	if config.CipherSuite != nil {
		if _, err := tlspkg.ParseCipherString(*config.CipherSuite); err != nil {
			v.addError("cipherSuite", err.Error())
		}
	}

	var minVersion, maxVersion uint16
	if config.MinVersion != "" {
		var err error
		if minVersion, err = parseTLSVersion(config.MinVersion); err != nil {
			v.addError("minVersion", err.Error())
		}
	}
	if config.MaxVersion != "" {
		var err error
		if maxVersion, err = parseTLSVersion(config.MaxVersion); err != nil {
			v.addError("maxVersion", err.Error())
		}
	}
	if minVersion != 0 && maxVersion != 0 && minVersion > maxVersion {
		v.addError("minVersion", "minVersion must not exceed maxVersion")
	}

	seen := make(map[string]bool, len(config.ALPN))
	for i, proto := range config.ALPN {
		path := fmt.Sprintf("alpn[%d]", i)
		switch {
		case proto == "":
			v.addError(path, "protocol must not be empty")
		case len(proto) > 255:
			v.addError(path, "protocol must not exceed 255 bytes")
		case seen[proto]:
			v.addError(path, fmt.Sprintf("duplicate protocol %q", proto))
		}
		seen[proto] = true
	}

	if config.RequireClientCert && config.Mode == tlspkg.ModeClient.String() {
		v.addError("requireClientCert", "only valid in server mode")
	}
}

func (v *Validator) validateTimeouts(t *TimeoutsConfig) {
	durations := map[string]Duration{
		"timeouts.handshake": t.Handshake,
		"timeouts.idle":      t.Idle,
		"timeouts.dial":      t.Dial,
		"timeouts.shutdown":  t.Shutdown,
	}
	for path, d := range durations {
		if d < 0 {
			v.addError(path, "must not be negative")
		}
	}
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s.MaxSessions < 0 {
		v.addError("server.maxSessions", "must not be negative")
	}
	if s.AcceptRate < 0 {
		v.addError("server.acceptRate", "must not be negative")
	}
	if s.AcceptBurst < 0 {
		v.addError("server.acceptBurst", "must not be negative")
	}
}

func (v *Validator) validateLogging(config *Config) {
	switch config.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("invalid log level %q", config.Logging.Level))
	}
	switch config.Logging.Format {
	case "", "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("invalid log format %q", config.Logging.Format))
	}
	switch config.Logging.Output {
	case "", "stdout", "stderr":
	default:
		v.addError("logging.output", fmt.Sprintf("invalid log output %q", config.Logging.Output))
	}
}

func (v *Validator) validateObservability(config *Config) {
	if config.Metrics.Enabled && config.Metrics.Address == "" {
		v.addError("metrics.address", "address is required when metrics are enabled")
	}
	if config.Tracing.Enabled {
		if rate := config.Tracing.SamplingRate; rate < 0 || rate > 1 {
			v.addError("tracing.samplingRate", "must be between 0 and 1")
		}
	}
}
