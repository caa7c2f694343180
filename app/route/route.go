// Package route compiles a validated config.Config into a deterministic
// lookup structure and resolves (host, path) pairs to routing decisions.
// It is the engine described as Matcher (C1) in the design: pure,
// synchronous, non-yielding, and immutable once Compile returns.
package route

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goliworks/quark/app/config"
)

// Kind tags the action a Route resolves to.
type Kind int

// enum of route kinds
const (
	KindNone Kind = iota
	KindForward
	KindStatic
	KindRedirect
)

func (k Kind) String() string {
	switch k {
	case KindForward:
		return "forward"
	case KindStatic:
		return "static"
	case KindRedirect:
		return "redirect"
	default:
		return "none"
	}
}

// Forward describes a proxied request (§3 Route.Forward).
type Forward struct {
	PoolName   string // non-empty when the target host is ${pool}
	Host       string // literal host:port, used when PoolName == ""
	Scheme     string
	TargetPath string // base path carried from the location's target URL
	Suffix     string // captured suffix for a Prefix match ("" for Exact)
	AuthUsers  []string
	OnlyFrom   []string
}

// Path returns the forwarded request path: TargetPath+Suffix for a
// Prefix match, TargetPath exactly for an Exact match (§4.1.3).
func (f Forward) Path() string {
	if f.Suffix == "" {
		if f.TargetPath == "" {
			return "/"
		}
		return f.TargetPath
	}
	base := strings.TrimSuffix(f.TargetPath, "/")
	return base + "/" + strings.TrimPrefix(f.Suffix, "/")
}

// Static describes a safe local-file serve (§3 Route.Static).
type Static struct {
	RootDir   string
	Suffix    string
	AuthUsers []string
	OnlyFrom  []string
}

// Redirect describes a 3xx response (§3 Route.Redirect).
type Redirect struct {
	Code     int
	Location string
}

// Route is the tagged-union result of a match.
type Route struct {
	Kind     Kind
	Forward  Forward
	Static   Static
	Redirect Redirect
}

type patternKind int

const (
	patternExact patternKind = iota
	patternPrefix
)

// entry is one compiled location/redirection row inside a service.
type entry struct {
	kind patternKind
	key  string // exact path, or prefix (always ending in "/")

	isRedirect bool

	// forward fields
	serveFiles bool
	poolName   string
	host       string
	scheme     string
	targetPath string
	authUsers  []string
	onlyFrom   []string
	rootDir    string

	// redirect fields
	redirectCode   int
	redirectTarget string
}

func (e entry) match(path string) (suffix string, ok bool) {
	switch e.kind {
	case patternExact:
		return "", path == e.key
	case patternPrefix:
		if path == strings.TrimSuffix(e.key, "/") {
			return "", true
		}
		if strings.HasPrefix(path, e.key) {
			return path[len(e.key):], true
		}
		return "", false
	default:
		return "", false
	}
}

type compiledService struct {
	name    string
	entries []entry
}

// Matcher is the compiled, read-only lookup structure (C1). Safe for
// concurrent use by any number of request-handling tasks: nothing in it
// mutates after Compile returns.
type Matcher struct {
	byHost map[string]*compiledService // key: lowercased domain
}

// Compile builds a Matcher from a validated config.Config. cfg must have
// already passed config.Config.Validate.
func Compile(cfg *config.Config) (*Matcher, error) {
	m := &Matcher{byHost: map[string]*compiledService{}}

	for name, svc := range cfg.Services {
		cs := &compiledService{name: name}

		for i, loc := range svc.Locations {
			e, err := compileLocation(loc, svc)
			if err != nil {
				return nil, fmt.Errorf("service %q location[%d]: %w", name, i, err)
			}
			cs.entries = append(cs.entries, e)
		}
		for i, red := range svc.Redirections {
			e, err := compileRedirection(red)
			if err != nil {
				return nil, fmt.Errorf("service %q redirection[%d]: %w", name, i, err)
			}
			cs.entries = append(cs.entries, e)
		}

		host := strings.ToLower(svc.Domain)
		m.byHost[host] = cs
	}

	return m, nil
}

var poolRef = regexp.MustCompile(`^\$\{([A-Za-z0-9_-]+)\}$`)

func compilePattern(source string) (patternKind, string, error) {
	if !strings.HasPrefix(source, "/") {
		return 0, "", fmt.Errorf("pattern %q must start with /", source)
	}
	if strings.HasSuffix(source, "*") {
		prefix := strings.TrimSuffix(source, "*")
		if !strings.HasSuffix(prefix, "/") {
			return 0, "", fmt.Errorf("prefix pattern %q must end with /*", source)
		}
		return patternPrefix, prefix, nil
	}
	return patternExact, source, nil
}

func compileLocation(loc config.Location, svc config.Service) (entry, error) {
	kind, key, err := compilePattern(loc.Source)
	if err != nil {
		return entry{}, err
	}
	e := entry{kind: kind, key: key, authUsers: loc.AuthUsers, onlyFrom: loc.OnlyFrom}
	if len(e.authUsers) == 0 {
		e.authUsers = svc.AuthUsers
	}
	if len(e.onlyFrom) == 0 {
		e.onlyFrom = svc.OnlyFrom
	}

	if loc.ServeFiles {
		e.serveFiles = true
		e.rootDir = filepath.Clean(loc.Target)
		return e, nil
	}

	u, err := url.Parse(loc.Target)
	if err != nil {
		return entry{}, fmt.Errorf("can't parse target %q: %w", loc.Target, err)
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	e.scheme = u.Scheme
	e.targetPath = u.Path

	if m := poolRef.FindStringSubmatch(u.Host); m != nil {
		e.poolName = m[1]
	} else {
		if u.Host == "" {
			return entry{}, fmt.Errorf("target %q has no host", loc.Target)
		}
		e.host = u.Host
	}
	return e, nil
}

func compileRedirection(red config.Redirection) (entry, error) {
	kind, key, err := compilePattern(red.Source)
	if err != nil {
		return entry{}, err
	}
	code := red.Code
	if code == 0 {
		code = 301
	}
	return entry{kind: kind, key: key, isRedirect: true, redirectCode: code, redirectTarget: red.Target}, nil
}

// Match resolves a normalized (host, path) pair to a Route. path must
// already have been through NormalizePath. The boolean result is false
// when no service is configured for host (§4.1 step 1, surfaces as 404
// to the caller).
func (m *Matcher) Match(host, path string) (Route, bool) {
	host = strings.ToLower(stripPort(host))
	cs, ok := m.byHost[host]
	if !ok {
		return Route{}, false
	}

	for _, e := range cs.entries {
		suffix, matched := e.match(path)
		if !matched {
			continue
		}
		return e.toRoute(suffix), true
	}
	return Route{}, false
}

func (e entry) toRoute(suffix string) Route {
	if e.isRedirect {
		loc := e.redirectTarget
		if e.kind == patternPrefix {
			loc += suffix
		}
		return Route{Kind: KindRedirect, Redirect: Redirect{Code: e.redirectCode, Location: loc}}
	}
	if e.serveFiles {
		return Route{Kind: KindStatic, Static: Static{
			RootDir: e.rootDir, Suffix: suffix, AuthUsers: e.authUsers, OnlyFrom: e.onlyFrom,
		}}
	}
	return Route{Kind: KindForward, Forward: Forward{
		PoolName:   e.poolName,
		Host:       e.host,
		Scheme:     e.scheme,
		TargetPath: e.targetPath,
		Suffix:     suffix,
		AuthUsers:  e.authUsers,
		OnlyFrom:   e.onlyFrom,
	}}
}

func stripPort(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
