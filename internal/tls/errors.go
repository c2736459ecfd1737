package tls

import (
	"errors"
	"fmt"
)

// Kind classifies a failure point of the session manager.
// Every error returned by this package carries exactly one Kind.
type Kind int

// Error kinds.
const (
	// KindConfigCertificateFile indicates the certificate (or chain) file could not be used.
	KindConfigCertificateFile Kind = iota + 1

	// KindConfigKeyFile indicates the private key file could not be used or does not match.
	KindConfigKeyFile

	// KindConfigCAPath indicates the CA directory could not be loaded.
	KindConfigCAPath

	// KindConfigCAFile indicates the CA file could not be loaded.
	KindConfigCAFile

	// KindConfigCABytes indicates in-memory CA material could not be loaded.
	KindConfigCABytes

	// KindConfigCertificateBytes indicates in-memory certificate material could not be used.
	KindConfigCertificateBytes

	// KindConfigKeyBytes indicates in-memory key material could not be used or does not match.
	KindConfigKeyBytes

	// KindConfigCipher indicates the cipher suite string could not be applied.
	KindConfigCipher

	// KindCreateContext indicates the engine could not be created or is no longer usable.
	KindCreateContext

	// KindAccept indicates a transport connection could not be accepted.
	KindAccept

	// KindConnect indicates the transport could not be connected or the handshake timed out.
	KindConnect

	// KindHandshake indicates the TLS handshake failed.
	KindHandshake

	// KindSend indicates encrypted data could not be written.
	KindSend

	// KindReceive indicates encrypted data could not be read.
	KindReceive

	// KindClose indicates the session could not be shut down cleanly.
	KindClose

	// KindSetTimeout indicates transport deadlines could not be set.
	KindSetTimeout

	// KindCipherListFailed indicates the cipher string selected no usable suite.
	KindCipherListFailed

	// KindConfigureFailed indicates an invalid combination of engine options.
	KindConfigureFailed

	// KindParsingProtocolsFailed indicates a malformed application protocol list.
	KindParsingProtocolsFailed
)

var kindNames = map[Kind]string{
	KindConfigCertificateFile:  "configCertificateFile",
	KindConfigKeyFile:          "configKeyFile",
	KindConfigCAPath:           "configCAPath",
	KindConfigCAFile:           "configCAFile",
	KindConfigCABytes:          "configCABytes",
	KindConfigCertificateBytes: "configCertificateBytes",
	KindConfigKeyBytes:         "configKeyBytes",
	KindConfigCipher:           "configCipher",
	KindCreateContext:          "createContext",
	KindAccept:                 "accept",
	KindConnect:                "connect",
	KindHandshake:              "handshake",
	KindSend:                   "send",
	KindReceive:                "receive",
	KindClose:                  "close",
	KindSetTimeout:             "setTimeout",
	KindCipherListFailed:       "cipherListFailed",
	KindConfigureFailed:        "configureFailed",
	KindParsingProtocolsFailed: "parsingProtocolsFailed",
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// IsConfig returns true if the kind is reported at engine construction time.
func (k Kind) IsConfig() bool {
	switch k {
	case KindConfigCertificateFile, KindConfigKeyFile, KindConfigCAPath, KindConfigCAFile,
		KindConfigCABytes, KindConfigCertificateBytes, KindConfigKeyBytes, KindConfigCipher,
		KindCipherListFailed, KindConfigureFailed, KindParsingProtocolsFailed:
		return true
	default:
		return false
	}
}

// Error lets a Kind be used as an errors.Is target.
func (k Kind) Error() string {
	return "tls: " + k.String()
}

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindNames))
	for k := KindConfigCertificateFile; k <= KindParsingProtocolsFailed; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Sentinel causes wrapped by *Error.
var (
	// ErrHostnameMismatch indicates the peer certificate does not match the server name.
	ErrHostnameMismatch = errors.New("certificate does not match server name")

	// ErrEngineClosed indicates the engine has been closed.
	ErrEngineClosed = errors.New("engine closed")

	// ErrWrongMode indicates an operation was invoked on an engine of the other mode.
	ErrWrongMode = errors.New("operation not supported in this mode")

	// ErrNotEstablished indicates I/O was attempted on a session that is not established.
	ErrNotEstablished = errors.New("session not established")

	// ErrCertificateKeyMismatch indicates that the certificate and key do not match.
	ErrCertificateKeyMismatch = errors.New("key does not match certificate")

	// ErrNoPEMData indicates that no PEM block of the expected type was found.
	ErrNoPEMData = errors.New("no PEM data found")

	// ErrPeerNotAllowed indicates the peer identity was rejected by policy.
	ErrPeerNotAllowed = errors.New("peer identity not allowed")
)

// unknownDiagnostic is reported when no better description is available.
const unknownDiagnostic = "Unknown"

// Error is the error type returned by engines and sessions.
type Error struct {
	// Kind classifies the failure point.
	Kind Kind

	// Diagnostic is the engine or transport message, preserved verbatim.
	Diagnostic string

	// Path is the file or directory involved, if any.
	Path string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("tls %s error at %s: %s", e.Kind, e.Path, e.Diagnostic)
	}
	return fmt.Sprintf("tls %s error: %s", e.Kind, e.Diagnostic)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, a bare Kind, or the cause chain.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return t.Kind == e.Kind
	default:
		return false
	}
}

// newError creates an Error whose diagnostic is taken from cause.
func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Diagnostic: Diagnostic(cause), Cause: cause}
}

// newPathError creates an Error for a file system location.
func newPathError(kind Kind, path string, cause error) *Error {
	return &Error{Kind: kind, Diagnostic: Diagnostic(cause), Path: path, Cause: cause}
}

// newMessageError creates an Error with a fixed diagnostic.
func newMessageError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Diagnostic: message}
}

// KindOf returns the kind carried by err, or 0 if err is not from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Diagnostic decodes err into a human-readable string. It never returns an
// empty string: "Unknown" is reported when err is nil or carries no text.
func Diagnostic(err error) string {
	if err == nil {
		return unknownDiagnostic
	}

	var e *Error
	if errors.As(err, &e) && e.Diagnostic != "" {
		return e.Diagnostic
	}

	if msg := err.Error(); msg != "" {
		return msg
	}
	return unknownDiagnostic
}
