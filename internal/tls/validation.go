package tls

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// PeerIdentity represents the identity extracted from a peer certificate.
type PeerIdentity struct {
	// CommonName is the certificate's Common Name.
	CommonName string

	// DNSNames are the DNS names from the certificate's SAN.
	DNSNames []string

	// IPAddresses are the IP addresses from the certificate's SAN.
	IPAddresses []net.IP

	// URIs are the URIs from the certificate's SAN.
	URIs []string

	// Organization is the certificate's organization.
	Organization []string

	// SerialNumber is the certificate's serial number as a string.
	SerialNumber string

	// Issuer is the certificate issuer's Common Name.
	Issuer string

	// NotAfter is when the certificate expires.
	NotAfter time.Time

	// Fingerprint is the colon separated SHA-256 of the raw certificate.
	Fingerprint string
}

// ExtractPeerIdentity extracts identity information from a peer certificate.
func ExtractPeerIdentity(cert *x509.Certificate) *PeerIdentity {
	if cert == nil {
		return nil
	}

	identity := &PeerIdentity{
		CommonName:   cert.Subject.CommonName,
		Organization: cert.Subject.Organization,
		SerialNumber: cert.SerialNumber.String(),
		Issuer:       cert.Issuer.CommonName,
		NotAfter:     cert.NotAfter,
		Fingerprint:  Fingerprint(cert),
	}

	if len(cert.DNSNames) > 0 {
		identity.DNSNames = make([]string, len(cert.DNSNames))
		copy(identity.DNSNames, cert.DNSNames)
	}

	if len(cert.IPAddresses) > 0 {
		identity.IPAddresses = make([]net.IP, len(cert.IPAddresses))
		copy(identity.IPAddresses, cert.IPAddresses)
	}

	for _, uri := range cert.URIs {
		identity.URIs = append(identity.URIs, uri.String())
	}

	return identity
}

// PeerPolicy restricts which peer certificates are accepted after a
// successful handshake. Empty lists allow everything.
type PeerPolicy struct {
	// AllowedCNs lists acceptable Common Names. A leading "*." matches subdomains.
	AllowedCNs []string

	// AllowedSANs lists acceptable Subject Alternative Names.
	AllowedSANs []string
}

// IsZero reports whether the policy allows every peer.
func (p PeerPolicy) IsZero() bool {
	return len(p.AllowedCNs) == 0 && len(p.AllowedSANs) == 0
}

// Check validates a peer leaf certificate against the policy.
func (p PeerPolicy) Check(cert *x509.Certificate) error {
	if p.IsZero() {
		return nil
	}
	if cert == nil {
		return fmt.Errorf("%w: peer presented no certificate", ErrPeerNotAllowed)
	}

	if len(p.AllowedCNs) > 0 {
		cn := cert.Subject.CommonName
		if !matchAny(cn, p.AllowedCNs) {
			return fmt.Errorf("%w: common name %q not in allowed list", ErrPeerNotAllowed, cn)
		}
	}

	if len(p.AllowedSANs) > 0 {
		matched := false
		for _, san := range collectSANs(cert) {
			if matchAny(san, p.AllowedSANs) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("%w: no subject alternative name matches allowed list", ErrPeerNotAllowed)
		}
	}

	return nil
}

func matchAny(value string, patterns []string) bool {
	if value == "" {
		return false
	}
	for _, pattern := range patterns {
		if matchPattern(value, pattern) {
			return true
		}
	}
	return false
}

// collectSANs collects all Subject Alternative Names from a certificate.
func collectSANs(cert *x509.Certificate) []string {
	capacity := len(cert.DNSNames) + len(cert.IPAddresses) + len(cert.EmailAddresses) + len(cert.URIs)
	sans := make([]string, 0, capacity)

	sans = append(sans, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		sans = append(sans, ip.String())
	}
	sans = append(sans, cert.EmailAddresses...)
	for _, uri := range cert.URIs {
		sans = append(sans, uri.String())
	}

	return sans
}

// matchPattern matches a value against a pattern.
// Supports wildcards (*) at the beginning of the pattern.
func matchPattern(value, pattern string) bool {
	if pattern == "*" {
		return true
	}

	if strings.HasPrefix(pattern, "*.") {
		value, pattern = strings.ToLower(value), strings.ToLower(pattern)
		return strings.HasSuffix(value, pattern[1:]) || value == pattern[2:]
	}

	return strings.EqualFold(value, pattern)
}

// verifyHostname checks that the leaf is valid for host through its DNS or
// IP SANs. An empty host matches nothing.
func verifyHostname(leaf *x509.Certificate, host string) error {
	if host == "" {
		return fmt.Errorf("%w: no server name to verify", ErrHostnameMismatch)
	}
	if leaf == nil {
		return fmt.Errorf("%w: peer presented no certificate", ErrHostnameMismatch)
	}
	if err := leaf.VerifyHostname(host); err != nil {
		return fmt.Errorf("%w: %v", ErrHostnameMismatch, err)
	}
	return nil
}

// verifyChain verifies certs (leaf first) against roots. A nil roots pool
// selects the system roots.
func verifyChain(certs []*x509.Certificate, roots *x509.CertPool, usage x509.ExtKeyUsage) error {
	if len(certs) == 0 {
		return errors.New("empty certificate chain")
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   time.Now(),
		KeyUsages:     []x509.ExtKeyUsage{usage},
	})
	return err
}

// Fingerprint returns the SHA-256 fingerprint of a certificate.
func Fingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}

	hash := sha256.Sum256(cert.Raw)
	parts := make([]string, len(hash))
	for i, b := range hash {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// IsSelfSigned checks if a certificate is self-signed.
func IsSelfSigned(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}

	if cert.Issuer.String() != cert.Subject.String() {
		return false
	}

	return cert.CheckSignatureFrom(cert) == nil
}
