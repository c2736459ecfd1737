package config

import (
	"fmt"

	tlspkg "github.com/vyrodovalexey/avatls/internal/tls"
)

// Certificate source types.
const (
	CertificatesNone      = "none"
	CertificatesChain     = "chain"
	CertificatesKeyPair   = "keyPair"
	CertificatesAuthority = "authority"
	CertificatesInMemory  = "inMemory"
)

// Trust anchor types.
const (
	TrustSystem      = "system"
	TrustSelfSigned  = "selfSigned"
	TrustCAFile      = "caFile"
	TrustCADirectory = "caDirectory"
	TrustCABytes     = "caBytes"
)

// CertificateSpec describes the certificate material in YAML.
//
//	certificates:
//	  type: keyPair
//	  certFile: /etc/avatls/tls.crt
//	  keyFile: /etc/avatls/tls.key
//	  trust:
//	    type: caFile
//	    path: /etc/avatls/ca.crt
type CertificateSpec struct {
	Type      string    `yaml:"type,omitempty"`
	ChainFile string    `yaml:"chainFile,omitempty"`
	CertFile  string    `yaml:"certFile,omitempty"`
	KeyFile   string    `yaml:"keyFile,omitempty"`
	CertPEM   string    `yaml:"certPEM,omitempty"`
	KeyPEM    string    `yaml:"keyPEM,omitempty"`
	Trust     TrustSpec `yaml:"trust,omitempty"`
}

// TrustSpec describes the trust anchors in YAML.
type TrustSpec struct {
	Type string `yaml:"type,omitempty"`
	Path string `yaml:"path,omitempty"`
	PEM  string `yaml:"pem,omitempty"`
}

// Signature converts t into a tls.Signature. Nil selects the system roots.
func (t TrustSpec) Signature() (tlspkg.Signature, error) {
	switch t.Type {
	case "", TrustSystem:
		return nil, nil
	case TrustSelfSigned:
		return tlspkg.SelfSigned{}, nil
	case TrustCAFile:
		return tlspkg.CAFile{Path: t.Path}, nil
	case TrustCADirectory:
		return tlspkg.CADirectory{Path: t.Path}, nil
	case TrustCABytes:
		return tlspkg.CABytes{PEM: []byte(t.PEM)}, nil
	default:
		return nil, fmt.Errorf("unknown trust type %q", t.Type)
	}
}

// Certificates converts s into a tls.Certificates value.
func (s CertificateSpec) Certificates() (tlspkg.Certificates, error) {
	trust, err := s.Trust.Signature()
	if err != nil {
		return nil, err
	}

	switch s.Type {
	case "", CertificatesNone:
		if trust != nil {
			return tlspkg.CertificateAuthority{Trust: trust}, nil
		}
		return tlspkg.Defaults(), nil
	case CertificatesChain:
		return tlspkg.Chain{CertificateChainFile: s.ChainFile, Trust: trust}, nil
	case CertificatesKeyPair:
		return tlspkg.KeyPair{CertificateFile: s.CertFile, KeyFile: s.KeyFile, Trust: trust}, nil
	case CertificatesAuthority:
		return tlspkg.CertificateAuthority{Trust: trust}, nil
	case CertificatesInMemory:
		return tlspkg.InMemory{
			CertificateBytes: []byte(s.CertPEM),
			KeyBytes:         []byte(s.KeyPEM),
			Trust:            trust,
		}, nil
	default:
		return nil, fmt.Errorf("unknown certificates type %q", s.Type)
	}
}
