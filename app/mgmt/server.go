// Package mgmt provides the management server: /routes, /metrics,
// /health, and /ping, all separate from the proxy listeners so an
// operator can probe or scrape the process without touching traffic
// admission limits.
package mgmt

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliworks/quark/app/config"
)

// Server serves the management endpoints.
type Server struct {
	Listen  string
	Version string
	Config  *config.Config
	Metrics *Metrics
}

// Run starts the management listener and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	log.Printf("[INFO] start management server on %s", s.Listen)

	mux := http.NewServeMux()
	mux.HandleFunc("/routes", s.routesCtrl)
	mux.HandleFunc("/health", s.healthCtrl)
	mux.Handle("/metrics", promhttp.Handler())

	handler := rest.Wrap(mux,
		rest.Recoverer(log.Default()),
		rest.AppInfo("quark-mgmt", "goliworks", s.Version),
		rest.Ping,
	)

	httpServer := http.Server{
		Addr:              s.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			log.Printf("[WARN] mgmt server terminated, %v", err)
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// routeDump is one entry in the GET /routes response.
type routeDump struct {
	Service      string `json:"service"`
	Domain       string `json:"domain"`
	Server       string `json:"server"`
	Source       string `json:"source"`
	Kind         string `json:"kind"`
	Target       string `json:"target,omitempty"`
	RedirectCode int    `json:"redirect_code,omitempty"`
}

// routesCtrl returns the static routing table derived straight from the
// loaded config, a read-only dump since config is immutable after boot.
func (s *Server) routesCtrl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var dump []routeDump
	for name, svc := range s.Config.Services {
		for _, loc := range svc.Locations {
			kind := "forward"
			if loc.ServeFiles {
				kind = "static"
			}
			dump = append(dump, routeDump{
				Service: name, Domain: svc.Domain, Server: svc.Server,
				Source: loc.Source, Kind: kind, Target: loc.Target,
			})
		}
		for _, red := range svc.Redirections {
			dump = append(dump, routeDump{
				Service: name, Domain: svc.Domain, Server: svc.Server,
				Source: red.Source, Kind: "redirect", Target: red.Target, RedirectCode: red.Code,
			})
		}
	}
	rest.RenderJSON(w, dump)
}

// healthCtrl dials every backend in every load-balancer pool with a short
// timeout and reports the overall pass/fail count. A pool with no
// reachable backend still reports per-backend detail.
func (s *Server) healthCtrl(w http.ResponseWriter, _ *http.Request) {
	type backendResult struct {
		Pool    string `json:"pool"`
		Backend string `json:"backend"`
		OK      bool   `json:"ok"`
		Error   string `json:"error,omitempty"`
	}

	var results []backendResult
	failed := 0
	for name, lbCfg := range s.Config.LoadBalancers {
		for _, backend := range lbCfg.Backends {
			conn, err := net.DialTimeout("tcp", backend, 200*time.Millisecond)
			res := backendResult{Pool: name, Backend: backend, OK: err == nil}
			if err != nil {
				res.Error = err.Error()
				failed++
			} else {
				_ = conn.Close() //nolint:errcheck // probe only
			}
			results = append(results, res)
		}
	}

	status := "ok"
	httpStatus := http.StatusOK
	if failed > 0 {
		status = "degraded"
		httpStatus = http.StatusExpectationFailed
	}
	w.WriteHeader(httpStatus)
	rest.RenderJSON(w, struct {
		Status  string          `json:"status"`
		Checked int             `json:"checked"`
		Failed  int             `json:"failed"`
		Details []backendResult `json:"details"`
	}{Status: status, Checked: len(results), Failed: failed, Details: results})
}
