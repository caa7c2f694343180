// Package forwarder implements the streaming reverse-proxy forwarder
// (ProxyForwarder, C5): a fresh backend TCP connection per request (no
// pooling), hop-by-hop header stripping, X-Forwarded-* headers, and the
// server's proxy_timeout applied twice — once to dial+response-headers,
// once as a rolling inactivity deadline while the body streams.
package forwarder

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/goliworks/quark/app/lb"
)

// Forwarder proxies requests to a resolved backend.
type Forwarder struct {
	proxy *httputil.ReverseProxy
}

// New builds a Forwarder whose dial, header-wait, and streaming
// inactivity deadlines are all governed by proxyTimeout.
func New(proxyTimeout time.Duration) *Forwarder {
	dialer := &net.Dialer{Timeout: proxyTimeout}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if proxyTimeout <= 0 {
				return conn, nil // zero means no limit, as for the dialer and header timeouts
			}
			return &idleTimeoutConn{Conn: conn, timeout: proxyTimeout}, nil
		},
		ResponseHeaderTimeout: proxyTimeout,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   0, // no connection pooling: one backend conn per request, per the no-reuse contract
		DisableKeepAlives:     true,
	}

	rp := &httputil.ReverseProxy{
		Director:  director,
		Transport: transport,
		ErrorLog:  log.ToStdLogger(log.Default(), "WARN"),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status := http.StatusBadGateway
			if isTimeout(err) {
				status = http.StatusGatewayTimeout
			}
			log.Printf("[WARN] proxy error for %s %s: %v", r.Method, r.URL, err)
			w.WriteHeader(status)
		},
	}

	return &Forwarder{proxy: rp}
}

// Target carries where a request should be forwarded, already resolved
// from a route.Forward plus (when the route names a pool) an lb.Endpoint
// selection.
type Target struct {
	Scheme string
	Host   string // backend host:port
	Path   string // rewritten request path, including any query-string-free suffix
}

// ServeHTTP forwards r to tgt and streams the backend's response back to w.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request, tgt Target) {
	ctx := context.WithValue(r.Context(), targetKey{}, tgt)
	f.proxy.ServeHTTP(w, r.WithContext(ctx))
}

type targetKey struct{}

// director rewrites the outgoing request: destination URL, X-Forwarded-*
// headers, and Host. Hop-by-hop headers (Connection, Keep-Alive, TE,
// Trailers, Transfer-Encoding, Upgrade, Proxy-Authenticate/Authorization)
// are stripped by httputil.ReverseProxy itself after Director runs.
func director(r *http.Request) {
	tgt, _ := r.Context().Value(targetKey{}).(Target)

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	r.Header.Set("X-Forwarded-Proto", scheme)
	r.Header.Add("X-Forwarded-Host", r.Host)
	setXRealIP(r)

	r.URL.Scheme = tgt.Scheme
	r.URL.Host = tgt.Host
	r.URL.Path = tgt.Path
	r.Host = tgt.Host
}

func setXRealIP(r *http.Request) {
	if r.Header.Get("X-Real-IP") != "" {
		return
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		r.Header.Set("X-Real-IP", strings.TrimSpace(strings.Split(fwd, ",")[0]))
		return
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	r.Header.Set("X-Real-IP", host)
}

func isTimeout(err error) bool {
	var ne net.Error
	if e, ok := err.(net.Error); ok { //nolint:errorlint // net.Error assertion matches stdlib idiom here
		ne = e
		return ne.Timeout()
	}
	return false
}

// idleTimeoutConn resets its deadline on every Read and Write, turning a
// single fixed timeout into a rolling inactivity deadline: a connection
// that is actively streaming a large response body never times out, but
// one that stalls for longer than timeout does.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, fmt.Errorf("set read deadline: %w", err)
	}
	return c.Conn.Read(b)
}

func (c *idleTimeoutConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, fmt.Errorf("set write deadline: %w", err)
	}
	return c.Conn.Write(b)
}

// ResolveTarget turns a matched route.Forward plus an optional pool
// registry into a concrete Target, selecting a backend from the pool when
// the route names one. remoteIP feeds the ip_hash algorithm when used.
func ResolveTarget(scheme, host, path, poolName, remoteIP string, pools *lb.Registry) (Target, error) {
	if poolName == "" {
		return Target{Scheme: scheme, Host: host, Path: path}, nil
	}
	pool, ok := pools.Pool(poolName)
	if !ok {
		return Target{}, fmt.Errorf("no pool named %q", poolName)
	}
	ep := pool.Select(remoteIP)
	s := ep.Scheme
	if s == "" {
		s = scheme
	}
	return Target{Scheme: s, Host: ep.Addr(), Path: path}, nil
}
