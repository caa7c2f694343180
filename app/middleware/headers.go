// Package middleware holds the cross-cutting HTTP handlers wrapped around
// every request before it reaches the forwarder or static server: header
// shaping, basic auth, source-IP allowlisting, throttling, and
// cache-control.
package middleware

import (
	"net/http"
	"strings"
)

// Headers adds fixed response headers and drops listed request headers.
// Both lists come from the server-wide config; a route-level override
// isn't part of the header contract.
func Headers(addHeaders, dropHeaders []string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(addHeaders) == 0 && len(dropHeaders) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			for _, h := range addHeaders {
				if i := strings.Index(h, ":"); i >= 0 {
					key := strings.TrimSpace(h[:i])
					value := strings.TrimSpace(h[i+1:])
					if key != "" {
						w.Header().Set(key, value)
					}
				}
			}

			for _, h := range dropHeaders {
				r.Header.Del(h)
			}

			next.ServeHTTP(w, r)
		})
	}
}
