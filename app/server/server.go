// Package server composes every other package into the running proxy
// (Server, C7): it builds the Matcher, LoadBalancer registry, static
// roots, TLS acceptor, forwarder, and supervisor from a validated
// config.Config, binds one HTTP (and, where needed, one HTTPS) listener
// per configured server block, and dispatches each matched Route to the
// right collaborator.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/units"
	"gopkg.in/natefinch/lumberjack.v2"

	log "github.com/go-pkgz/lgr"
	R "github.com/go-pkgz/rest"
	"github.com/gorilla/handlers"

	"github.com/goliworks/quark/app/config"
	"github.com/goliworks/quark/app/forwarder"
	"github.com/goliworks/quark/app/lb"
	"github.com/goliworks/quark/app/mgmt"
	"github.com/goliworks/quark/app/middleware"
	"github.com/goliworks/quark/app/reporter"
	"github.com/goliworks/quark/app/route"
	"github.com/goliworks/quark/app/static"
	"github.com/goliworks/quark/app/supervisor"
	"github.com/goliworks/quark/app/tlsacceptor"
)

// Server is the boot-time composition root. Build it once with New and
// call Run; nothing in it is mutated afterward except through the
// Supervisor's own admission counters.
type Server struct {
	Version string

	cfg       *config.Config
	matcher   *route.Matcher
	pools     *lb.Registry
	tls       *tlsacceptor.Acceptor
	forwarder map[string]*forwarder.Forwarder // keyed by server name, one proxy_timeout per server
	static    map[string]*static.Server        // keyed by cleaned configured target path
	domainTLS map[string]*config.TLS           // keyed by lowercased domain, for the plain-HTTP redirect check

	supervisor   *supervisor.Supervisor
	reporter     *reporter.Reporter
	metrics      *mgmt.Metrics
	headers      func(http.Handler) http.Handler
	throttle     func(http.Handler) http.Handler
	destThrottle func(http.Handler, func(*http.Request) string) http.Handler
	cache        *middleware.CacheControl
	accessLog    func(http.Handler) http.Handler
}

// New builds every collaborator from cfg. cfg must already have passed
// config.Config.Validate. metrics is shared with the management server
// so both surfaces record against the same Prometheus collectors.
func New(cfg *config.Config, version string, metrics *mgmt.Metrics) (*Server, error) {
	matcher, err := route.Compile(cfg)
	if err != nil {
		return nil, fmt.Errorf("compile routes: %w", err)
	}

	pools, err := lb.NewRegistry(cfg.LoadBalancers)
	if err != nil {
		return nil, fmt.Errorf("build load balancer pools: %w", err)
	}

	acceptor, err := tlsacceptor.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("load tls certificates: %w", err)
	}

	fwd := map[string]*forwarder.Forwarder{}
	for name, srv := range cfg.Servers {
		fwd[name] = forwarder.New(srv.ProxyTimeout)
	}

	staticServers, err := buildStaticServers(cfg)
	if err != nil {
		return nil, fmt.Errorf("build static roots: %w", err)
	}

	domainTLS := map[string]*config.TLS{}
	for _, svc := range cfg.Services {
		if svc.TLS != nil {
			domainTLS[strings.ToLower(svc.Domain)] = svc.TLS
		}
	}

	cache := middleware.NewCacheControl(cfg.Global.CacheControlDefault)
	for mime, raw := range cfg.Global.CacheControlByMime {
		d, parseErr := time.ParseDuration(raw)
		if parseErr != nil {
			return nil, fmt.Errorf("cache_control_by_mime[%s]: %w", mime, parseErr)
		}
		cache.AddMime(mime, d)
	}

	s := &Server{
		Version:      version,
		cfg:          cfg,
		matcher:      matcher,
		pools:        pools,
		tls:          acceptor,
		forwarder:    fwd,
		static:       staticServers,
		domainTLS:    domainTLS,
		supervisor:   supervisor.New(cfg.Global.Backlog, cfg.Global.MaxConnection, cfg.Global.MaxRequest),
		reporter:     &reporter.Reporter{Template: cfg.Global.ErrorReportTemplate, Nice: cfg.Global.ErrorReportNice},
		metrics:      metrics,
		headers:      middleware.Headers(cfg.Global.AddHeaders, cfg.Global.DropHeaders),
		throttle:     middleware.SystemThrottle(cfg.Global.ThrottleReqSec),
		destThrottle: middleware.DestinationThrottle(cfg.Global.DestinationThrottleReqSec),
		cache:        cache,
	}
	s.accessLog = s.makeAccessLogWrapper()
	return s, nil
}

// buildStaticServers builds one static.Server per distinct configured
// target directory, keyed by filepath.Clean(loc.Target) — the same key
// the route package stores in a compiled Static route, so dispatch can
// look a root up directly with no further resolution.
func buildStaticServers(cfg *config.Config) (map[string]*static.Server, error) {
	out := map[string]*static.Server{}
	for name, svc := range cfg.Services {
		for i, loc := range svc.Locations {
			if !loc.ServeFiles {
				continue
			}
			key := filepath.Clean(loc.Target)
			if _, ok := out[key]; ok {
				continue
			}
			srv, err := static.New(loc.Target)
			if err != nil {
				return nil, fmt.Errorf("service %q location[%d]: %w", name, i, err)
			}
			out[key] = srv
		}
	}
	return out, nil
}

// Run binds every configured server block's listeners and blocks until
// ctx is canceled, then drains in-flight requests before returning.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(s.cfg.Servers)*2)

	for name, srv := range s.cfg.Servers {
		name, srv := name, srv
		handler := s.buildHandler(name)

		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := fmt.Sprintf(":%d", srv.HTTPPort)
			ln, err := s.supervisor.Listen(addr)
			if err != nil {
				errCh <- fmt.Errorf("server %q: listen http on %s: %w", name, addr, err)
				return
			}
			log.Printf("[INFO] server %q: http listening on %s", name, addr)
			httpSrv := &http.Server{Handler: handler, ErrorLog: log.ToStdLogger(log.Default(), "WARN")}
			if err := httpSrv.Serve(ln); err != nil && !s.supervisor.Draining() {
				errCh <- fmt.Errorf("server %q: http server failed: %w", name, err)
			}
		}()

		if s.serverHasTLS(name) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				addr := fmt.Sprintf(":%d", srv.HTTPSPort)
				ln, err := s.supervisor.Listen(addr)
				if err != nil {
					errCh <- fmt.Errorf("server %q: listen https on %s: %w", name, addr, err)
					return
				}
				log.Printf("[INFO] server %q: https listening on %s", name, addr)
				tlsLn := tls.NewListener(ln, s.tls.Config())
				httpsSrv := &http.Server{Handler: handler, ErrorLog: log.ToStdLogger(log.Default(), "WARN")}
				if err := httpsSrv.Serve(tlsLn); err != nil && !s.supervisor.Draining() {
					errCh <- fmt.Errorf("server %q: https server failed: %w", name, err)
				}
			}()
		}
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		if err := s.supervisor.Shutdown(ctx, 15*time.Second); err != nil {
			log.Printf("[WARN] shutdown: %v", err)
		}
	}()

	wg.Wait()
	if ctx.Err() != nil {
		<-shutdownDone
	}
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// accessLogWriter opens the configured access-log sink: a rotated file
// via lumberjack when global.access_log names one, discarded otherwise.
func accessLogWriter(cfg *config.Config) io.Writer {
	if cfg.Global.AccessLog == "" {
		return io.Discard
	}
	return &lumberjack.Logger{
		Filename:   cfg.Global.AccessLog,
		MaxSize:    accessLogMaxSizeMB(cfg.Global.AccessLogMaxSize),
		MaxBackups: cfg.Global.AccessLogMaxBackups,
		Compress:   true,
		LocalTime:  true,
	}
}

func accessLogMaxSizeMB(raw string) int {
	if raw == "" {
		return 100
	}
	size, err := units.ParseBase2Bytes(raw)
	if err != nil {
		return 100
	}
	return int(size / 1048576)
}

func (s *Server) serverHasTLS(name string) bool {
	if s.tls.Empty() {
		return false
	}
	for _, svc := range s.cfg.Services {
		if svc.Server == name && svc.TLS != nil {
			return true
		}
	}
	return false
}

// buildHandler assembles the per-server-block middleware chain, outermost
// first: recover, signature, ping, admission, metrics, access log,
// headers, throttle, cache-control, then the route dispatch itself.
func (s *Server) buildHandler(serverName string) http.Handler {
	dispatch := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { s.dispatch(w, r, serverName) })

	chain := R.Wrap(dispatch,
		R.Recoverer(log.Default()),
		R.AppInfo("quark", "goliworks", s.Version),
		R.Ping,
		s.supervisor.RequestMiddleware,
		s.metrics.Middleware,
		s.accessLog,
		s.headers,
		s.throttle,
		s.cache.Middleware,
	)
	return chain
}

func (s *Server) makeAccessLogWrapper() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLogWriter(s.cfg), next)
	}
}

// dispatch resolves a single request against the Matcher and routes it
// to the forwarder, a static server, or a redirect response.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, serverName string) {
	normPath, err := route.NormalizePath(r.URL.Path)
	if err != nil {
		s.reporter.Report(w, http.StatusBadRequest)
		return
	}

	if tlsCfg, ok := s.domainTLS[strings.ToLower(stripPort(r.Host))]; ok && r.TLS == nil && tlsCfg.RedirectsToHTTPS() {
		target := "https://" + r.Host + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}

	rt, ok := s.matcher.Match(r.Host, normPath)
	if !ok {
		s.reporter.Report(w, http.StatusNotFound)
		return
	}

	switch rt.Kind {
	case route.KindRedirect:
		log.Printf("[INFO] decision=redirect host=%s path=%s location=%s", r.Host, normPath, rt.Redirect.Location)
		http.Redirect(w, r, rt.Redirect.Location, rt.Redirect.Code)

	case route.KindStatic:
		if !s.authorize(w, r, rt.Static.AuthUsers, rt.Static.OnlyFrom) {
			return
		}
		srv, ok := s.static[rt.Static.RootDir]
		if !ok {
			log.Printf("[ERROR] no static root compiled for %q, host=%s path=%s", rt.Static.RootDir, r.Host, normPath)
			s.reporter.Report(w, http.StatusInternalServerError)
			return
		}
		log.Printf("[INFO] decision=static host=%s path=%s upstream=%s", r.Host, normPath, rt.Static.RootDir)
		srv.ServeHTTP(w, r, rt.Static.Suffix)

	case route.KindForward:
		if !s.authorize(w, r, rt.Forward.AuthUsers, rt.Forward.OnlyFrom) {
			return
		}
		remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		tgt, err := forwarder.ResolveTarget(rt.Forward.Scheme, rt.Forward.Host, rt.Forward.Path(), rt.Forward.PoolName, remoteIP, s.pools)
		if err != nil {
			log.Printf("[ERROR] resolve target for %s%s: %v", r.Host, r.URL.Path, err)
			s.reporter.Report(w, http.StatusBadGateway)
			return
		}
		fwd, ok := s.forwarder[serverName]
		if !ok {
			log.Printf("[ERROR] no forwarder compiled for server %q, host=%s path=%s", serverName, r.Host, normPath)
			s.reporter.Report(w, http.StatusInternalServerError)
			return
		}
		log.Printf("[INFO] decision=forward host=%s path=%s upstream=%s", r.Host, normPath, tgt.Host)
		forward := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { fwd.ServeHTTP(w, r, tgt) })
		s.destThrottle(forward, func(*http.Request) string { return tgt.Host }).ServeHTTP(w, r)

	default:
		s.reporter.Report(w, http.StatusNotFound)
	}
}

// authorize runs the per-route basic-auth and only-from checks, writing
// the rejection response itself when either fails.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, authUsers, onlyFrom []string) bool {
	if !middleware.CheckOnlyFrom(r, onlyFrom) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return false
	}
	if !middleware.CheckBasicAuth(r, authUsers) {
		middleware.WriteUnauthorized(w, s.cfg.Global.AuthRealm)
		return false
	}
	return true
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
