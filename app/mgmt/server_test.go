package mgmt

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliworks/quark/app/config"
)

func TestServer_RoutesCtrl(t *testing.T) {
	s := &Server{
		Config: &config.Config{
			Services: map[string]config.Service{
				"svc": {
					Domain: "e.com",
					Server: "main",
					Locations: []config.Location{
						{Source: "/a/*", Target: "http://backend/"},
					},
					Redirections: []config.Redirection{
						{Source: "/old/", Target: "https://e.com/new/", Code: 301},
					},
				},
			},
		},
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/routes", nil)
	s.routesCtrl(w, r)

	require.Equal(t, 200, w.Code)
	var dump []routeDump
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dump))
	assert.Len(t, dump, 2)
}

func TestServer_HealthCtrl_NoPools(t *testing.T) {
	s := &Server{Config: &config.Config{}}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/health", nil)
	s.healthCtrl(w, r)

	assert.Equal(t, 200, w.Code)
}

func TestServer_HealthCtrl_UnreachableBackend(t *testing.T) {
	s := &Server{Config: &config.Config{
		LoadBalancers: map[string]config.LoadBalancer{
			"pool1": {Algo: "round_robin", Backends: []string{"127.0.0.1:1"}},
		},
	}}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/health", nil)
	s.healthCtrl(w, r)

	assert.Equal(t, 417, w.Code)
}
