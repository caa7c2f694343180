package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckOnlyFrom(t *testing.T) {
	tbl := []struct {
		name       string
		allowedIPs []string
		remoteAddr string
		want       bool
	}{
		{"no restrictions", nil, "192.168.1.2:1234", true},
		{"allowed exact IP", []string{"192.168.1.1"}, "192.168.1.1:1234", true},
		{"disallowed IP", []string{"192.168.1.1"}, "192.168.1.2:1234", false},
		{"allowed CIDR", []string{"10.0.0.0/8"}, "10.1.2.3:1234", true},
		{"disallowed CIDR", []string{"10.0.0.0/8"}, "11.1.2.3:1234", false},
	}

	for _, tc := range tbl {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remoteAddr
			assert.Equal(t, tc.want, CheckOnlyFrom(r, tc.allowedIPs))
		})
	}
}

func TestCheckOnlyFrom_XRealIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "9.9.9.9:1"
	r.Header.Set("X-Real-IP", "192.168.1.1")
	assert.True(t, CheckOnlyFrom(r, []string{"192.168.1.1"}))
}
