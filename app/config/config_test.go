package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "quark.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTemp(t, `
[services.svc]
domain = "e.com"
locations = [{source = "/a/*", target = "http://b/"}]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(4096), cfg.Global.Backlog)
	assert.Equal(t, uint32(1024), cfg.Global.MaxConnection)
	assert.Equal(t, uint32(100), cfg.Global.MaxRequest)
	assert.Equal(t, "quark", cfg.Global.AuthRealm)
	assert.Equal(t, "127.0.0.1:8081", cfg.Global.MgmtListen)

	main, ok := cfg.Servers["main"]
	require.True(t, ok)
	assert.EqualValues(t, 80, main.HTTPPort)
	assert.EqualValues(t, 443, main.HTTPSPort)
	assert.Equal(t, "main", cfg.Services["svc"].Server)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/no/such/file.toml")
	assert.Error(t, err)
}

func TestLoad_BadToml(t *testing.T) {
	path := writeTemp(t, `this is not valid [[[ toml`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_DuplicateServerDomain(t *testing.T) {
	cfg := &Config{
		Servers: map[string]Server{"main": {}},
		Services: map[string]Service{
			"a": {Domain: "e.com", Server: "main", Locations: []Location{{Source: "/", Target: "http://b/"}}},
			"b": {Domain: "E.COM", Server: "main", Locations: []Location{{Source: "/x", Target: "http://b/"}}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used by service")
}

func TestValidate_UnknownServer(t *testing.T) {
	cfg := &Config{
		Services: map[string]Service{
			"a": {Domain: "e.com", Server: "ghost", Locations: []Location{{Source: "/", Target: "http://b/"}}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown server "ghost"`)
}

func TestValidate_NoRoutes(t *testing.T) {
	cfg := &Config{
		Servers:  map[string]Server{"main": {}},
		Services: map[string]Service{"a": {Domain: "e.com", Server: "main"}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must declare at least one location or redirection")
}

func TestValidate_BadSourcePrefix(t *testing.T) {
	cfg := &Config{
		Servers: map[string]Server{"main": {}},
		Services: map[string]Service{
			"a": {Domain: "e.com", Server: "main", Locations: []Location{{Source: "no-leading-slash", Target: "http://b/"}}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must start with /")
}

func TestValidate_RedirectionDefaultsCode(t *testing.T) {
	cfg := &Config{
		Servers: map[string]Server{"main": {}},
		Services: map[string]Service{
			"a": {Domain: "e.com", Server: "main", Redirections: []Redirection{{Source: "/old/", Target: "https://e.com/new/"}}},
		},
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 301, cfg.Services["a"].Redirections[0].Code)
}

func TestValidate_InvalidRedirectionCode(t *testing.T) {
	cfg := &Config{
		Servers: map[string]Server{"main": {}},
		Services: map[string]Service{
			"a": {Domain: "e.com", Server: "main", Redirections: []Redirection{{Source: "/old/", Target: "https://e.com/new/", Code: 418}}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid code 418")
}

func TestValidate_LoadBalancerWeights(t *testing.T) {
	cfg := &Config{
		LoadBalancers: map[string]LoadBalancer{
			"pool": {Algo: "round_robin", Backends: []string{"a:1", "b:2"}, Weights: []int{1}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights length")
}

func TestValidate_IPHashRejectsWeights(t *testing.T) {
	cfg := &Config{
		LoadBalancers: map[string]LoadBalancer{
			"pool": {Algo: "ip_hash", Backends: []string{"a:1", "b:2"}, Weights: []int{1, 1}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights are not supported with ip_hash")
}

func TestValidate_BadCacheControlDuration(t *testing.T) {
	cfg := &Config{
		Servers: map[string]Server{"main": {}},
		Global:  Globals{CacheControlByMime: map[string]string{"text/plain": "not-a-duration"}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache_control_by_mime")
}

func TestTLS_RedirectsToHTTPS(t *testing.T) {
	var nilTLS *TLS
	assert.True(t, nilTLS.RedirectsToHTTPS())

	f := false
	assert.False(t, (&TLS{Redirection: &f}).RedirectsToHTTPS())
	assert.True(t, (&TLS{}).RedirectsToHTTPS())
}

func TestServerOrDefault(t *testing.T) {
	cfg := &Config{Servers: map[string]Server{"main": {HTTPPort: 80}}}
	assert.Equal(t, uint16(80), cfg.ServerOrDefault("").HTTPPort)
	assert.Equal(t, uint16(80), cfg.ServerOrDefault("main").HTTPPort)
}
