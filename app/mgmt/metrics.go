package mgmt

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	log "github.com/go-pkgz/lgr"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides registration and middleware for prometheus counters.
type Metrics struct {
	totalRequests  *prometheus.CounterVec
	responseStatus *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers the prometheus collectors.
func NewMetrics() *Metrics {
	res := &Metrics{}

	res.totalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Number of served requests."},
		[]string{"server"},
	)
	res.responseStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "response_status", Help: "Status of HTTP responses."},
		[]string{"status"},
	)
	res.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_time_seconds",
		Help:    "Duration of HTTP requests.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 3, 5},
	}, []string{"path"})

	for _, c := range []prometheus.Collector{res.totalRequests, res.responseStatus, res.httpDuration} {
		if err := prometheus.Register(c); err != nil {
			log.Printf("[WARN] can't register prometheus collector, %v", err)
		}
	}

	return res
}

// Middleware records request counts, status codes, and latency for every request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server := r.Host
		if h, _, err := net.SplitHostPort(server); err == nil {
			server = h
		}

		timer := prometheus.NewTimer(m.httpDuration.WithLabelValues(r.URL.Path))
		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		m.responseStatus.WithLabelValues(strconv.Itoa(rw.statusCode)).Inc()
		m.totalRequests.WithLabelValues(server).Inc()
		timer.ObserveDuration()
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w, http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack delegates to the underlying writer so the metrics wrapper
// doesn't break connection upgrades (e.g. WebSocket forwarding).
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	conn, buf, err := h.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hijack connection: %w", err)
	}
	return conn, buf, nil
}
