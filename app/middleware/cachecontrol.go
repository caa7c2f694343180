package middleware

import (
	"mime"
	"path"
	"strconv"
	"strings"
	"time"

	"net/http"
)

// CacheControl sets the Cache-Control response header, varying max-age by
// the response's file extension.
type CacheControl struct {
	defaultMaxAge time.Duration
	maxAges       map[string]time.Duration
}

// NewCacheControl builds a CacheControl with a default max-age and no
// per-mime overrides yet.
func NewCacheControl(defaultAge time.Duration) *CacheControl {
	return &CacheControl{defaultMaxAge: defaultAge, maxAges: map[string]time.Duration{}}
}

// AddMime sets a max-age override for a specific mime type.
func (c *CacheControl) AddMime(m string, d time.Duration) {
	c.maxAges[m] = d
}

// Middleware wraps next, setting Cache-Control based on the response
// path's extension. Disabled entirely (no header set) when neither a
// default nor any mime override is configured.
func (c *CacheControl) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(c.maxAges) == 0 && c.defaultMaxAge == 0 {
			next.ServeHTTP(w, r)
			return
		}

		age := c.defaultMaxAge
		if len(c.maxAges) > 0 {
			ext := path.Ext(r.URL.Path)
			if ext == "" {
				ext = ".html"
			}
			mt := mime.TypeByExtension(ext)
			if parts := strings.Split(mt, ";"); len(parts) > 1 {
				mt = strings.TrimSpace(parts[0])
			}
			if v, ok := c.maxAges[mt]; ok {
				age = v
			}
		}
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(age.Seconds())))
		next.ServeHTTP(w, r)
	})
}
