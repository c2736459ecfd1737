package tls

import (
	"crypto/tls"
	"fmt"
	"slices"
	"strings"
)

// DefaultCipherString is the cipher string applied when none is configured.
const DefaultCipherString = "DEFAULT"

// CipherSuite represents a TLS cipher suite with metadata.
type CipherSuite struct {
	// ID is the cipher suite ID.
	ID uint16

	// Name is the Go (IANA) cipher suite name.
	Name string

	// OpenSSLName is the OpenSSL spelling of the suite.
	OpenSSLName string

	// Secure indicates if this is a secure cipher suite.
	Secure bool

	// FIPS indicates if this cipher suite is FIPS-compliant.
	FIPS bool

	// TLS13 indicates if this is a TLS 1.3 cipher suite.
	TLS13 bool
}

// cipherSuites lists every suite known to the cipher string parser.
var cipherSuites = []CipherSuite{
	// TLS 1.3 suites are always enabled by crypto/tls and cannot be configured.
	{ID: tls.TLS_AES_128_GCM_SHA256, Name: "TLS_AES_128_GCM_SHA256", OpenSSLName: "TLS_AES_128_GCM_SHA256", Secure: true, FIPS: true, TLS13: true},
	{ID: tls.TLS_AES_256_GCM_SHA384, Name: "TLS_AES_256_GCM_SHA384", OpenSSLName: "TLS_AES_256_GCM_SHA384", Secure: true, FIPS: true, TLS13: true},
	{ID: tls.TLS_CHACHA20_POLY1305_SHA256, Name: "TLS_CHACHA20_POLY1305_SHA256", OpenSSLName: "TLS_CHACHA20_POLY1305_SHA256", Secure: true, TLS13: true},

	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", OpenSSLName: "ECDHE-ECDSA-AES128-GCM-SHA256", Secure: true, FIPS: true},
	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384, Name: "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384", OpenSSLName: "ECDHE-ECDSA-AES256-GCM-SHA384", Secure: true, FIPS: true},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, Name: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", OpenSSLName: "ECDHE-RSA-AES128-GCM-SHA256", Secure: true, FIPS: true},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, Name: "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384", OpenSSLName: "ECDHE-RSA-AES256-GCM-SHA384", Secure: true, FIPS: true},
	{ID: tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256, Name: "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256", OpenSSLName: "ECDHE-ECDSA-CHACHA20-POLY1305", Secure: true},
	{ID: tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256, Name: "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256", OpenSSLName: "ECDHE-RSA-CHACHA20-POLY1305", Secure: true},

	// Legacy suites (not recommended)
	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256", OpenSSLName: "ECDHE-ECDSA-AES128-SHA256", FIPS: true},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256", OpenSSLName: "ECDHE-RSA-AES128-SHA256", FIPS: true},
	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA, Name: "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA", OpenSSLName: "ECDHE-ECDSA-AES128-SHA", FIPS: true},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA, Name: "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA", OpenSSLName: "ECDHE-RSA-AES128-SHA", FIPS: true},
	{ID: tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA, Name: "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA", OpenSSLName: "ECDHE-ECDSA-AES256-SHA", FIPS: true},
	{ID: tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA, Name: "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA", OpenSSLName: "ECDHE-RSA-AES256-SHA", FIPS: true},
	{ID: tls.TLS_RSA_WITH_AES_128_GCM_SHA256, Name: "TLS_RSA_WITH_AES_128_GCM_SHA256", OpenSSLName: "AES128-GCM-SHA256", FIPS: true},
	{ID: tls.TLS_RSA_WITH_AES_256_GCM_SHA384, Name: "TLS_RSA_WITH_AES_256_GCM_SHA384", OpenSSLName: "AES256-GCM-SHA384", FIPS: true},
	{ID: tls.TLS_RSA_WITH_AES_128_CBC_SHA256, Name: "TLS_RSA_WITH_AES_128_CBC_SHA256", OpenSSLName: "AES128-SHA256", FIPS: true},
	{ID: tls.TLS_RSA_WITH_AES_128_CBC_SHA, Name: "TLS_RSA_WITH_AES_128_CBC_SHA", OpenSSLName: "AES128-SHA", FIPS: true},
	{ID: tls.TLS_RSA_WITH_AES_256_CBC_SHA, Name: "TLS_RSA_WITH_AES_256_CBC_SHA", OpenSSLName: "AES256-SHA", FIPS: true},
}

// cipherIndex maps both spellings of every suite to its registry entry.
// It is built once by the engine initialization.
type cipherIndex struct {
	byName map[string]CipherSuite
	byID   map[uint16]CipherSuite
}

func buildCipherIndex() *cipherIndex {
	idx := &cipherIndex{
		byName: make(map[string]CipherSuite, 2*len(cipherSuites)),
		byID:   make(map[uint16]CipherSuite, len(cipherSuites)),
	}
	for _, suite := range cipherSuites {
		idx.byName[suite.Name] = suite
		idx.byName[suite.OpenSSLName] = suite
		idx.byID[suite.ID] = suite
	}
	return idx
}

// DefaultSecureCipherSuites returns the default secure cipher suites for TLS 1.2.
// TLS 1.3 cipher suites are managed by Go and cannot be configured.
func DefaultSecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

// CipherSelection is the result of parsing a cipher string.
type CipherSelection struct {
	// Suites are the configurable (TLS 1.2 and below) suites, in preference order.
	Suites []uint16

	// TLS13Only is set when the string named TLS 1.3 suites exclusively.
	TLS13Only bool
}

// ParseCipherString parses an OpenSSL-style cipher string.
//
// Tokens are separated by ':', ',' or spaces. A token is a keyword
// (DEFAULT, SECURE, HIGH, FIPS, ALL), a Go suite name or an OpenSSL suite
// name. A '!' or '-' prefix removes the suites of that token; '+' is
// accepted and treated like a plain token; '@' directives are ignored.
func ParseCipherString(s string) (*CipherSelection, error) {
	return parseCipherString(engineRuntime().ciphers, s)
}

func parseCipherString(idx *cipherIndex, s string) (*CipherSelection, error) {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return r == ':' || r == ',' || r == ' ' || r == '\t'
	})
	if len(tokens) == 0 {
		return nil, newMessageError(KindConfigCipher, "empty cipher list")
	}

	var (
		selected []uint16
		excluded = make(map[uint16]bool)
		tls13    int
	)

	for _, token := range tokens {
		if strings.HasPrefix(token, "@") {
			continue
		}

		exclude := false
		switch token[0] {
		case '!', '-':
			exclude = true
			token = token[1:]
		case '+':
			token = token[1:]
		}

		suites, n13, ok := resolveCipherToken(idx, token)
		if !ok {
			return nil, &Error{
				Kind:       KindConfigCipher,
				Diagnostic: fmt.Sprintf("unknown cipher %q", token),
				Cause:      fmt.Errorf("invalid cipher suite: %s", token),
			}
		}

		if exclude {
			for _, id := range suites {
				excluded[id] = true
			}
			continue
		}

		tls13 += n13
		for _, id := range suites {
			if !slices.Contains(selected, id) {
				selected = append(selected, id)
			}
		}
	}

	suites := slices.DeleteFunc(selected, func(id uint16) bool { return excluded[id] })

	if len(suites) == 0 {
		if tls13 > 0 {
			return &CipherSelection{TLS13Only: true}, nil
		}
		return nil, newMessageError(KindCipherListFailed, fmt.Sprintf("cipher string %q selects no cipher suite", s))
	}

	return &CipherSelection{Suites: suites}, nil
}

// resolveCipherToken expands a keyword or suite name. It returns the
// configurable suites and the number of TLS 1.3 suites named.
func resolveCipherToken(idx *cipherIndex, token string) ([]uint16, int, bool) {
	switch strings.ToUpper(token) {
	case "DEFAULT":
		return DefaultSecureCipherSuites(), 0, true
	case "SECURE", "HIGH":
		return filterSuites(func(c CipherSuite) bool { return c.Secure }), 0, true
	case "FIPS":
		return filterSuites(func(c CipherSuite) bool { return c.FIPS && c.Secure }), 0, true
	case "ALL":
		return filterSuites(func(CipherSuite) bool { return true }), 0, true
	}

	suite, ok := idx.byName[token]
	if !ok {
		return nil, 0, false
	}
	if suite.TLS13 {
		return nil, 1, true
	}
	return []uint16{suite.ID}, 0, true
}

// filterSuites returns the configurable suites matching keep, in registry order.
func filterSuites(keep func(CipherSuite) bool) []uint16 {
	ids := make([]uint16, 0, len(cipherSuites))
	for _, suite := range cipherSuites {
		if !suite.TLS13 && keep(suite) {
			ids = append(ids, suite.ID)
		}
	}
	return ids
}

// GetCipherSuiteByID returns information about a cipher suite by ID.
func GetCipherSuiteByID(id uint16) (CipherSuite, bool) {
	suite, ok := engineRuntime().ciphers.byID[id]
	return suite, ok
}

// CipherSuiteName returns the name of a cipher suite by ID.
func CipherSuiteName(id uint16) string {
	if suite, ok := GetCipherSuiteByID(id); ok {
		return suite.Name
	}
	return fmt.Sprintf("0x%04X", id)
}

// TLSVersionName returns the human-readable name of a TLS version.
func TLSVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	case 0:
		return "none"
	default:
		return fmt.Sprintf("0x%04X", version)
	}
}
