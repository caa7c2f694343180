// Package supervisor enforces the process-wide admission limits
// (ConnectionSupervisor, C6): a bounded accept backlog, a cap on
// concurrently open connections, and a cap on concurrently in-flight
// requests, plus coordinated graceful shutdown of every listener it owns.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// ErrBind marks an error as a listen-time socket failure (port already in
// use, permission denied, ...) rather than any other kind of runtime
// failure, so callers can map it to its own exit code.
var ErrBind = errors.New("supervisor: bind failed")

// Supervisor owns the listeners bound by Listen and the two admission
// semaphores described by the globals: conn_sem (max_connection) and
// req_sem (max_request). backlog sizes the kernel accept queue behind
// each listener.
type Supervisor struct {
	connSem chan struct{}
	reqSem  chan struct{}
	backlog int

	mu        sync.Mutex
	listeners []net.Listener
	draining  bool
}

// New builds a Supervisor from the configured globals.
func New(backlog, maxConnection, maxRequest uint32) *Supervisor {
	return &Supervisor{
		connSem: make(chan struct{}, maxConnection),
		reqSem:  make(chan struct{}, maxRequest),
		backlog: int(backlog),
	}
}

// Listen opens a TCP listener at addr with its kernel accept queue sized
// to backlog, wrapped with the connection admission semaphore. The
// returned listener's Accept blocks once max_connection connections are
// already open, rather than accepting unboundedly and starving the
// handlers that are already running.
func (s *Supervisor) Listen(addr string) (net.Listener, error) {
	ln, err := listenBacklog(addr, s.backlog)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	wrapped := &admissionListener{Listener: ln, sem: s.connSem}

	s.mu.Lock()
	s.listeners = append(s.listeners, wrapped)
	s.mu.Unlock()

	return wrapped, nil
}

// RequestMiddleware caps the number of concurrently in-flight requests at
// max_request, replying 503 to anything over the limit instead of queuing
// it indefinitely behind the ones already running.
func (s *Supervisor) RequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.reqSem <- struct{}{}:
		default:
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		defer func() { <-s.reqSem }()
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops accepting new connections on every listener opened via
// Listen and gives http.Server.Shutdown-style callers up to timeout to
// drain in-flight work before the caller should force-close.
func (s *Supervisor) Shutdown(_ context.Context, timeout time.Duration) error {
	s.mu.Lock()
	s.draining = true
	listeners := s.listeners
	s.mu.Unlock()

	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	deadline := time.After(timeout)
	for {
		if s.inFlight() == 0 {
			break
		}
		select {
		case <-deadline:
			log.Printf("[WARN] shutdown deadline reached with %d requests still in flight", s.inFlight())
			return errors.Join(errs...)
		case <-time.After(20 * time.Millisecond):
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) inFlight() int { return len(s.reqSem) }

// Draining reports whether Shutdown has been called.
func (s *Supervisor) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// admissionListener blocks Accept once max_connection connections are
// already open, rather than accepting unboundedly and stalling inside a
// handler. The accept queue itself (backlog) is sized at the socket level
// by listenBacklog, before this wrapper ever sees a connection.
type admissionListener struct {
	net.Listener
	sem chan struct{}
}

func (l *admissionListener) Accept() (net.Conn, error) {
	l.sem <- struct{}{} // blocks here once max_connection is reached

	conn, err := l.Listener.Accept()
	if err != nil {
		<-l.sem
		return nil, err
	}
	return &trackedConn{Conn: conn, sem: l.sem}, nil
}

// trackedConn releases its connection-admission slot exactly once, on
// first Close, however the caller (http.Server or a test) triggers it.
type trackedConn struct {
	net.Conn
	sem      chan struct{}
	released sync.Once
}

func (c *trackedConn) Close() error {
	c.released.Do(func() { <-c.sem })
	return c.Conn.Close()
}
