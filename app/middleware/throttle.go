package middleware

import (
	"net/http"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/libstring"
)

// SystemThrottle limits the overall request rate across every service.
// reqSec <= 0 disables it.
func SystemThrottle(reqSec int) func(next http.Handler) http.Handler {
	if reqSec <= 0 {
		return passThrough
	}
	lmt := tollbooth.NewLimiter(float64(reqSec), nil)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if httpErr := tollbooth.LimitByKeys(lmt, []string{"system"}); httpErr != nil {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DestinationThrottle limits request rate per (client IP, destination
// host) pair, where destination is supplied by the caller from the
// already-matched route. reqSec <= 0 disables it.
func DestinationThrottle(reqSec int) func(next http.Handler, destination func(*http.Request) string) http.Handler {
	lmt := tollbooth.NewLimiter(float64(reqSec), nil)
	return func(next http.Handler, destination func(*http.Request) string) http.Handler {
		if reqSec <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keys := []string{libstring.RemoteIP(lmt.GetIPLookups(), lmt.GetForwardedForIndexFromBehind(), r)}
			if dst := destination(r); dst != "" {
				keys = append(keys, dst)
			}
			if httpErr := tollbooth.LimitByKeys(lmt, keys); httpErr != nil {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func passThrough(next http.Handler) http.Handler { return next }
