package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Certificates describes how a peer obtains its own credentials and how it
// validates the credentials of the other side. It is one of Chain, KeyPair,
// CertificateAuthority, InMemory or None.
type Certificates interface {
	// Signature returns the trust anchor configuration.
	Signature() Signature

	isCertificates()
}

// Signature describes the trust anchors used to validate peer certificates.
// It is one of SelfSigned, CAFile, CADirectory or CABytes.
type Signature interface {
	isSignature()
}

// Chain loads a PEM file holding the certificate chain (leaf first) and the
// private key of the leaf.
type Chain struct {
	CertificateChainFile string
	Trust                Signature
}

// KeyPair loads a PEM certificate and a PEM private key from separate files.
type KeyPair struct {
	CertificateFile string
	KeyFile         string
	Trust           Signature
}

// CertificateAuthority configures trust anchors only; no local certificate.
type CertificateAuthority struct {
	Trust Signature
}

// InMemory uses PEM-encoded certificate and key bytes.
type InMemory struct {
	CertificateBytes []byte
	KeyBytes         []byte
	Trust            Signature
}

// None carries no local certificate and trusts the system roots.
type None struct{}

// SelfSigned accepts peer certificates unconditionally.
type SelfSigned struct{}

// CAFile validates peers against the PEM certificates in a file.
type CAFile struct {
	Path string
}

// CADirectory validates peers against every PEM file in a directory.
type CADirectory struct {
	Path string
}

// CABytes validates peers against in-memory PEM certificates.
type CABytes struct {
	PEM []byte
}

func (Chain) isCertificates()                {}
func (KeyPair) isCertificates()              {}
func (CertificateAuthority) isCertificates() {}
func (InMemory) isCertificates()             {}
func (None) isCertificates()                 {}

func (SelfSigned) isSignature()  {}
func (CAFile) isSignature()      {}
func (CADirectory) isSignature() {}
func (CABytes) isSignature()     {}

// Signature implements Certificates.
func (c Chain) Signature() Signature { return c.Trust }

// Signature implements Certificates.
func (c KeyPair) Signature() Signature { return c.Trust }

// Signature implements Certificates.
func (c CertificateAuthority) Signature() Signature { return c.Trust }

// Signature implements Certificates.
func (c InMemory) Signature() Signature { return c.Trust }

// Signature implements Certificates.
func (None) Signature() Signature { return nil }

// Defaults returns the default certificate configuration.
func Defaults() Certificates {
	return None{}
}

// AreSelfSigned reports whether the configuration disables peer verification
// through a SelfSigned signature.
func AreSelfSigned(c Certificates) bool {
	c = deref(c)
	if c == nil {
		return false
	}
	_, ok := derefSignature(c.Signature()).(SelfSigned)
	return ok
}

// deref turns pointer variants into their value form.
func deref(c Certificates) Certificates {
	switch v := c.(type) {
	case *Chain:
		if v != nil {
			return *v
		}
	case *KeyPair:
		if v != nil {
			return *v
		}
	case *CertificateAuthority:
		if v != nil {
			return *v
		}
	case *InMemory:
		if v != nil {
			return *v
		}
	case *None:
		return None{}
	default:
		return c
	}
	return nil
}

// derefSignature turns pointer variants into their value form.
func derefSignature(s Signature) Signature {
	switch v := s.(type) {
	case *SelfSigned:
		return SelfSigned{}
	case *CAFile:
		if v != nil {
			return *v
		}
	case *CADirectory:
		if v != nil {
			return *v
		}
	case *CABytes:
		if v != nil {
			return *v
		}
	default:
		return s
	}
	return nil
}

// Validate checks c without touching the network: required fields are set,
// referenced files exist, PEM material decodes and keys match certificates.
func Validate(c Certificates) error {
	_, err := loadCertificates(c)
	return err
}

// material is the decoded form of a Certificates value.
type material struct {
	certificate *tls.Certificate
	roots       *x509.CertPool
}

// loadCertificates decodes certificate material first, then trust anchors,
// stopping at the first failure.
func loadCertificates(c Certificates) (*material, error) {
	c = deref(c)
	if c == nil {
		c = Defaults()
	}

	m := &material{}

	switch v := c.(type) {
	case Chain:
		cert, err := loadChainFile(v.CertificateChainFile)
		if err != nil {
			return nil, err
		}
		m.certificate = cert
	case KeyPair:
		cert, err := loadKeyPairFiles(v.CertificateFile, v.KeyFile)
		if err != nil {
			return nil, err
		}
		m.certificate = cert
	case InMemory:
		cert, err := loadKeyPairBytes(v.CertificateBytes, v.KeyBytes)
		if err != nil {
			return nil, err
		}
		m.certificate = cert
	case CertificateAuthority, None:
	default:
		return nil, newMessageError(KindConfigureFailed, fmt.Sprintf("unsupported certificate configuration %T", c))
	}

	roots, err := loadSignature(c.Signature())
	if err != nil {
		return nil, err
	}
	m.roots = roots

	return m, nil
}

// loadSignature builds the trust anchor pool. A nil pool means the system
// roots apply (or, for SelfSigned, that nothing is verified).
func loadSignature(s Signature) (*x509.CertPool, error) {
	switch v := derefSignature(s).(type) {
	case nil, SelfSigned:
		return nil, nil
	case CAFile:
		return loadCAFile(v.Path)
	case CADirectory:
		return loadCADirectory(v.Path)
	case CABytes:
		return loadCABytes(v.PEM)
	default:
		return nil, newMessageError(KindConfigureFailed, fmt.Sprintf("unsupported signature %T", s))
	}
}

func loadChainFile(path string) (*tls.Certificate, error) {
	if path == "" {
		return nil, newMessageError(KindConfigCertificateFile, "certificate chain file path required")
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		return nil, newPathError(KindConfigCertificateFile, path, err)
	}

	if !containsPEMBlock(data, "CERTIFICATE") {
		return nil, newPathError(KindConfigCertificateFile, path, ErrNoPEMData)
	}

	cert, err := tls.X509KeyPair(data, data)
	if err != nil {
		return nil, newPathError(KindConfigKeyFile, path, classifyKeyPairError(err))
	}

	return parseLeaf(cert, KindConfigCertificateFile, path)
}

func loadKeyPairFiles(certFile, keyFile string) (*tls.Certificate, error) {
	if certFile == "" {
		return nil, newMessageError(KindConfigCertificateFile, "certificate file path required")
	}
	if keyFile == "" {
		return nil, newMessageError(KindConfigKeyFile, "key file path required")
	}

	certPEM, err := os.ReadFile(certFile) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		return nil, newPathError(KindConfigCertificateFile, certFile, err)
	}
	if !containsPEMBlock(certPEM, "CERTIFICATE") {
		return nil, newPathError(KindConfigCertificateFile, certFile, ErrNoPEMData)
	}

	keyPEM, err := os.ReadFile(keyFile) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		return nil, newPathError(KindConfigKeyFile, keyFile, err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, newPathError(KindConfigKeyFile, keyFile, classifyKeyPairError(err))
	}

	return parseLeaf(cert, KindConfigCertificateFile, certFile)
}

func loadKeyPairBytes(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	if len(certPEM) == 0 {
		return nil, newMessageError(KindConfigCertificateBytes, "certificate bytes required")
	}
	if !containsPEMBlock(certPEM, "CERTIFICATE") {
		return nil, newError(KindConfigCertificateBytes, ErrNoPEMData)
	}
	if len(keyPEM) == 0 {
		return nil, newMessageError(KindConfigKeyBytes, "key bytes required")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, newError(KindConfigKeyBytes, classifyKeyPairError(err))
	}

	return parseLeaf(cert, KindConfigCertificateBytes, "")
}

// parseLeaf makes sure the leaf is a parseable X.509 certificate.
func parseLeaf(cert tls.Certificate, kind Kind, path string) (*tls.Certificate, error) {
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, newPathError(kind, path, err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// classifyKeyPairError wraps key/certificate mismatches in ErrCertificateKeyMismatch.
func classifyKeyPairError(err error) error {
	if strings.Contains(err.Error(), "does not match") {
		return fmt.Errorf("%w: %v", ErrCertificateKeyMismatch, err)
	}
	return err
}

func loadCAFile(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, newMessageError(KindConfigCAFile, "CA file path required")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, newPathError(KindConfigCAFile, path, err)
	}
	if info.IsDir() {
		return nil, newPathError(KindConfigCAFile, path, errors.New("CA file is a directory"))
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		return nil, newPathError(KindConfigCAFile, path, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, newPathError(KindConfigCAFile, path, ErrNoPEMData)
	}
	return pool, nil
}

func loadCADirectory(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, newMessageError(KindConfigCAPath, "CA directory path required")
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, newPathError(KindConfigCAPath, path, err)
	}

	pool := x509.NewCertPool()
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(path, entry.Name())) //nolint:gosec // directory comes from trusted configuration
		if err != nil {
			return nil, newPathError(KindConfigCAPath, path, err)
		}
		if pool.AppendCertsFromPEM(data) {
			loaded++
		}
	}

	if loaded == 0 {
		return nil, newPathError(KindConfigCAPath, path, ErrNoPEMData)
	}
	return pool, nil
}

func loadCABytes(data []byte) (*x509.CertPool, error) {
	if len(data) == 0 {
		return nil, newMessageError(KindConfigCABytes, "CA bytes required")
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, newError(KindConfigCABytes, ErrNoPEMData)
	}
	return pool, nil
}

// containsPEMBlock reports whether data holds at least one PEM block of the given type.
func containsPEMBlock(data []byte, blockType string) bool {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return false
		}
		if block.Type == blockType {
			return true
		}
	}
}

// watchedDirectory returns the CA directory c reads from, if any.
func watchedDirectory(c Certificates) string {
	c = deref(c)
	if c == nil {
		return ""
	}
	if s, ok := derefSignature(c.Signature()).(CADirectory); ok {
		return s.Path
	}
	return ""
}

// watchedPaths returns the files and directories c reads from.
func watchedPaths(c Certificates) []string {
	var paths []string

	c = deref(c)
	switch v := c.(type) {
	case Chain:
		paths = append(paths, v.CertificateChainFile)
	case KeyPair:
		paths = append(paths, v.CertificateFile, v.KeyFile)
	}

	if c != nil {
		switch s := derefSignature(c.Signature()).(type) {
		case CAFile:
			paths = append(paths, s.Path)
		case CADirectory:
			paths = append(paths, s.Path)
		}
	}

	return paths
}
