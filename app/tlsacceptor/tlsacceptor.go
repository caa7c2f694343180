// Package tlsacceptor builds the SNI-aware TLS server configuration
// (TlsAcceptor, C4): a per-domain certificate store loaded once at boot
// from the static paths in the config, with no ACME/autocert machinery —
// every certificate is already on disk when the process starts.
package tlsacceptor

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/goliworks/quark/app/config"
)

// Acceptor holds the compiled per-domain certificate store.
type Acceptor struct {
	certs map[string]*tls.Certificate // key: lowercased domain
}

// New loads every service's configured certificate/key pair and returns
// an Acceptor ready to hand to a *tls.Config via GetCertificate.
func New(cfg *config.Config) (*Acceptor, error) {
	a := &Acceptor{certs: map[string]*tls.Certificate{}}

	for name, svc := range cfg.Services {
		if svc.TLS == nil {
			continue
		}
		cert, err := tls.LoadX509KeyPair(svc.TLS.Certificate, svc.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("service %q: can't load certificate: %w", name, err)
		}
		a.certs[strings.ToLower(svc.Domain)] = &cert
	}

	return a, nil
}

// Empty reports whether no service declared TLS, so callers can skip
// binding an HTTPS listener entirely.
func (a *Acceptor) Empty() bool { return len(a.certs) == 0 }

// GetCertificate implements tls.Config.GetCertificate: exact SNI match
// only, no wildcard expansion, matching the static per-domain table in
// the config. A ClientHello with no matching domain returns an error,
// which aborts the handshake; crypto/tls reports an error returned from
// GetCertificate to the client as an "internal_error" alert, not as
// "unrecognized_name".
func (a *Acceptor) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(hello.ServerName)
	if cert, ok := a.certs[name]; ok {
		return cert, nil
	}
	return nil, fmt.Errorf("no certificate configured for server name %q", hello.ServerName)
}

// Config builds the *tls.Config the supervisor binds its HTTPS listener
// with: modern cipher suites, TLS 1.2 floor, and h2 negotiated via ALPN.
func (a *Acceptor) Config() *tls.Config {
	return &tls.Config{
		GetCertificate: a.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
			tls.CurveP384,
		},
	}
}
