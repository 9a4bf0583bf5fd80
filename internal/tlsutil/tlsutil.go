// Package tlsutil hardens the gateway's HTTP server and builds the
// per-provider outbound clients: TLS 1.2+, AEAD-only cipher suites, HTTP/2
// preferred, connections bounded per host.
package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// DefaultTLSConfig returns a hardened TLS configuration.
// MinVersion TLS 1.2, AEAD-only cipher suites.
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// TransportOptions tunes one provider's outbound connection pool. Every
// zero field takes the package default.
type TransportOptions struct {
	// MaxConnsPerHost caps simultaneous connections to the provider's API
	// host. Zero leaves the pool unbounded at the transport layer (the
	// executor's per-provider pool.ProviderGate can still bound in-flight
	// calls).
	MaxConnsPerHost int
	KeepAlive       time.Duration
	DialTimeout     time.Duration
	IdleConnTimeout time.Duration
}

func (o TransportOptions) withDefaults() TransportOptions {
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 30 * time.Second
	}
	if o.IdleConnTimeout <= 0 {
		o.IdleConnTimeout = 90 * time.Second
	}
	return o
}

// ProviderTransport returns the hardened transport backing one provider's
// connection pool: keep-alive on, HTTP/2 preferred where the provider
// supports it.
func ProviderTransport(opts TransportOptions) *http.Transport {
	opts = opts.withDefaults()
	return &http.Transport{
		TLSClientConfig: DefaultTLSConfig(),
		DialContext: (&net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: opts.KeepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		MaxIdleConns:          100,
		IdleConnTimeout:       opts.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// ProviderHTTPClient returns the http.Client a provider adapter hands its
// SDK. timeout bounds a whole request including body read; per-attempt
// deadlines still arrive through the request context.
func ProviderHTTPClient(timeout time.Duration, opts TransportOptions) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: ProviderTransport(opts),
	}
}
