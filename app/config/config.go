// Package config loads and validates the quark TOML configuration file.
// It is a narrow, boot-time-only collaborator: once Load returns, the
// resulting Config is treated as immutable for the lifetime of the process.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/units"
	toml "github.com/pelletier/go-toml/v2"
)

// defaultServer is the implicit server name used when a service omits one.
const defaultServer = "main"

// Globals holds process-wide admission limits (§3 globals) plus the
// ambient cross-cutting knobs that apply to every request regardless of
// which service matched (headers, throttling, cache-control, basic
// auth realm).
type Globals struct {
	Backlog       uint32 `toml:"backlog"`
	MaxConnection uint32 `toml:"max_connection"`
	MaxRequest    uint32 `toml:"max_request"`

	AddHeaders  []string `toml:"add_headers"`
	DropHeaders []string `toml:"drop_headers"`

	AuthRealm string `toml:"auth_realm"`

	ThrottleReqSec            int `toml:"throttle_req_sec"`
	DestinationThrottleReqSec int `toml:"destination_throttle_req_sec"`

	CacheControlDefault time.Duration     `toml:"cache_control_default"`
	CacheControlByMime  map[string]string `toml:"cache_control_by_mime"`

	AccessLog           string `toml:"access_log"`
	AccessLogMaxSize    string `toml:"access_log_max_size"`
	AccessLogMaxBackups int    `toml:"access_log_max_backups"`

	ErrorReportTemplate string `toml:"error_report_template"`
	ErrorReportNice     bool   `toml:"error_report_nice"`

	MgmtListen string `toml:"mgmt_listen"`
}

// Server holds per-server listen ports and proxy timeout.
type Server struct {
	HTTPPort     uint16        `toml:"port"`
	HTTPSPort    uint16        `toml:"https_port"`
	ProxyTimeout time.Duration `toml:"proxy_timeout"`
}

// TLS holds per-service certificate configuration. Redirection is a
// pointer so the boot-default (true) only applies when the key is absent
// from the file; an explicit `redirection = false` must stick.
type TLS struct {
	Certificate string `toml:"certificate"`
	Key         string `toml:"key"`
	Redirection *bool  `toml:"redirection"`
}

// RedirectsToHTTPS reports whether plain HTTP requests should be redirected.
func (t *TLS) RedirectsToHTTPS() bool {
	return t == nil || t.Redirection == nil || *t.Redirection
}

// Location is a source pattern -> target mapping, optionally serving files.
type Location struct {
	Source     string   `toml:"source"`
	Target     string   `toml:"target"`
	ServeFiles bool     `toml:"serve_files"`
	AuthUsers  []string `toml:"auth_users"`
	OnlyFrom   []string `toml:"only_from"`
}

// Redirection is a source pattern -> target URL with a 3xx status code.
type Redirection struct {
	Source string `toml:"source"`
	Target string `toml:"target"`
	Code   int    `toml:"code"`
}

// Service binds one domain to a server, optional TLS, and routing tables.
type Service struct {
	Domain       string        `toml:"domain"`
	Server       string        `toml:"server"`
	TLS          *TLS          `toml:"tls"`
	Locations    []Location    `toml:"locations"`
	Redirections []Redirection `toml:"redirections"`
	AuthUsers    []string      `toml:"auth_users"`
	OnlyFrom     []string      `toml:"only_from"`
}

// LoadBalancer configures a named backend pool.
type LoadBalancer struct {
	Algo     string   `toml:"algo"`
	Backends []string `toml:"backends"`
	Weights  []int    `toml:"weights"`
}

// Config is the fully-parsed, boot-validated configuration tree.
type Config struct {
	Global        Globals                 `toml:"global"`
	Servers       map[string]Server       `toml:"servers"`
	Services      map[string]Service      `toml:"services"`
	LoadBalancers map[string]LoadBalancer `toml:"loadbalancers"`
}

// Load reads and parses the TOML file at path, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted CLI flag
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", path, err)
	}

	var raw struct {
		Global        Globals                 `toml:"global"`
		Servers       map[string]Server       `toml:"servers"`
		Services      map[string]Service      `toml:"services"`
		LoadBalancers map[string]LoadBalancer `toml:"loadbalancers"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("can't parse config %s: %w", path, err)
	}

	cfg := &Config{
		Global:        raw.Global,
		Servers:       raw.Servers,
		Services:      raw.Services,
		LoadBalancers: raw.LoadBalancers,
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Global.Backlog == 0 {
		c.Global.Backlog = 4096
	}
	if c.Global.MaxConnection == 0 {
		c.Global.MaxConnection = 1024
	}
	if c.Global.MaxRequest == 0 {
		c.Global.MaxRequest = 100
	}
	if c.Global.AuthRealm == "" {
		c.Global.AuthRealm = "quark"
	}
	if c.Global.MgmtListen == "" {
		c.Global.MgmtListen = "127.0.0.1:8081"
	}

	if c.Servers == nil {
		c.Servers = map[string]Server{}
	}
	if _, ok := c.Servers[defaultServer]; !ok {
		c.Servers[defaultServer] = Server{}
	}
	for name, srv := range c.Servers {
		if srv.HTTPPort == 0 {
			srv.HTTPPort = 80
		}
		if srv.HTTPSPort == 0 {
			srv.HTTPSPort = 443
		}
		if srv.ProxyTimeout == 0 {
			srv.ProxyTimeout = 60 * time.Second
		}
		c.Servers[name] = srv
	}

	for name, svc := range c.Services {
		if svc.Server == "" {
			svc.Server = defaultServer
			c.Services[name] = svc
		}
	}

	for name, lb := range c.LoadBalancers {
		if lb.Algo == "" {
			lb.Algo = "round_robin"
			c.LoadBalancers[name] = lb
		}
	}
}

// Validate runs the boot-time checks described by §4.7: unique (server,
// domain) pairs, weights length, redirect codes, cert readability, and
// at-least-one-route per service. Errors carry the offending service name
// (and location index, where relevant) so operators can find the typo.
func (c *Config) Validate() error {
	var errs []string

	domains := map[string]string{} // "server\x00domain" -> service name, to report the clash
	serviceNames := make([]string, 0, len(c.Services))
	for name := range c.Services {
		serviceNames = append(serviceNames, name)
	}
	sort.Strings(serviceNames)

	for _, name := range serviceNames {
		svc := c.Services[name]

		if _, ok := c.Servers[svc.Server]; !ok {
			errs = append(errs, fmt.Sprintf("service %q: unknown server %q", name, svc.Server))
		}

		key := svc.Server + "\x00" + strings.ToLower(svc.Domain)
		if other, dup := domains[key]; dup {
			errs = append(errs, fmt.Sprintf("service %q: domain %q on server %q already used by service %q",
				name, svc.Domain, svc.Server, other))
		} else {
			domains[key] = name
		}

		if len(svc.Locations) == 0 && len(svc.Redirections) == 0 {
			errs = append(errs, fmt.Sprintf("service %q: must declare at least one location or redirection", name))
		}

		for i, loc := range svc.Locations {
			if !strings.HasPrefix(loc.Source, "/") {
				errs = append(errs, fmt.Sprintf("service %q location[%d]: source %q must start with /", name, i, loc.Source))
			}
			if loc.Target == "" {
				errs = append(errs, fmt.Sprintf("service %q location[%d]: target is required", name, i))
			}
		}

		for i, red := range svc.Redirections {
			if !strings.HasPrefix(red.Source, "/") {
				errs = append(errs, fmt.Sprintf("service %q redirection[%d]: source %q must start with /", name, i, red.Source))
			}
			switch red.Code {
			case 0:
				svc.Redirections[i].Code = 301
			case 301, 302, 307, 308:
			default:
				errs = append(errs, fmt.Sprintf("service %q redirection[%d]: invalid code %d", name, i, red.Code))
			}
		}

		if svc.TLS != nil {
			if svc.TLS.Certificate == "" || svc.TLS.Key == "" {
				errs = append(errs, fmt.Sprintf("service %q: tls requires both certificate and key", name))
			} else if _, err := tls.LoadX509KeyPair(svc.TLS.Certificate, svc.TLS.Key); err != nil {
				errs = append(errs, fmt.Sprintf("service %q: can't load tls certificate/key: %v", name, err))
			}
		}
		c.Services[name] = svc
	}

	lbNames := make([]string, 0, len(c.LoadBalancers))
	for name := range c.LoadBalancers {
		lbNames = append(lbNames, name)
	}
	sort.Strings(lbNames)
	for _, name := range lbNames {
		lb := c.LoadBalancers[name]
		switch lb.Algo {
		case "round_robin", "ip_hash":
		default:
			errs = append(errs, fmt.Sprintf("loadbalancer %q: unknown algo %q", name, lb.Algo))
		}
		if len(lb.Backends) == 0 {
			errs = append(errs, fmt.Sprintf("loadbalancer %q: at least one backend is required", name))
		}
		if len(lb.Weights) > 0 {
			if lb.Algo == "ip_hash" {
				errs = append(errs, fmt.Sprintf("loadbalancer %q: weights are not supported with ip_hash", name))
			}
			if len(lb.Weights) != len(lb.Backends) {
				errs = append(errs, fmt.Sprintf("loadbalancer %q: weights length (%d) must match backends length (%d)",
					name, len(lb.Weights), len(lb.Backends)))
			}
			for i, w := range lb.Weights {
				if w <= 0 {
					errs = append(errs, fmt.Sprintf("loadbalancer %q: weight[%d] must be positive", name, i))
				}
			}
		}
	}

	for mime, raw := range c.Global.CacheControlByMime {
		if _, err := time.ParseDuration(raw); err != nil {
			errs = append(errs, fmt.Sprintf("global.cache_control_by_mime[%s]: %v", mime, err))
		}
	}
	if c.Global.AccessLogMaxSize != "" {
		if _, err := units.ParseBase2Bytes(c.Global.AccessLogMaxSize); err != nil {
			errs = append(errs, fmt.Sprintf("global.access_log_max_size: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ServerOrDefault returns the named server config, falling back to "main".
func (c *Config) ServerOrDefault(name string) Server {
	if name == "" {
		name = defaultServer
	}
	return c.Servers[name]
}
