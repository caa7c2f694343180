// Package lb implements the backend pool abstraction (LoadBalancer, C2):
// Round Robin, Weighted Round Robin (smooth/interleaved), and IP Hash.
// The only shared mutable state is a single atomic cursor per pool —
// matching the "no locks on the hot path" design note — so Select never
// blocks. Round robin selection does not allocate; IP hash parses the
// client IP and builds a hasher on every call.
package lb

import (
	"fmt"
	"hash/fnv"
	"net"
	"sync/atomic"

	"github.com/goliworks/quark/app/config"
)

// Endpoint is a single backend (§4.2: "a single endpoint is modeled by
// {host, port, scheme}").
type Endpoint struct {
	Host   string
	Scheme string
}

// Addr returns the dial target host:port.
func (e Endpoint) Addr() string { return e.Host }

// Algo names a selection strategy.
type Algo string

// enum of supported algorithms
const (
	AlgoRoundRobin Algo = "round_robin"
	AlgoIPHash     Algo = "ip_hash"
)

// Pool is a named, stateless-beyond-one-counter set of backends.
type Pool struct {
	name      string
	algo      Algo
	endpoints []Endpoint
	schedule  []int // precomputed WRR schedule of endpoint indices; nil when unweighted (endpoints are cycled directly)
	cursor    uint64
}

// NewPool builds a Pool from config.LoadBalancer. When weights is
// non-empty, a smooth weighted round-robin schedule is precomputed once;
// an empty weights vector falls back to plain round robin (§3).
func NewPool(name string, cfg config.LoadBalancer) (*Pool, error) {
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("pool %q: no backends", name)
	}

	p := &Pool{name: name, algo: Algo(cfg.Algo)}
	for _, b := range cfg.Backends {
		p.endpoints = append(p.endpoints, Endpoint{Host: b, Scheme: "http"})
	}

	switch p.algo {
	case AlgoIPHash:
		if len(cfg.Weights) > 0 {
			return nil, fmt.Errorf("pool %q: weights are not supported with ip_hash", name)
		}
	case AlgoRoundRobin, "":
		p.algo = AlgoRoundRobin
		if len(cfg.Weights) > 0 {
			if len(cfg.Weights) != len(p.endpoints) {
				return nil, fmt.Errorf("pool %q: weights length %d != backends length %d",
					name, len(cfg.Weights), len(p.endpoints))
			}
			p.schedule = smoothWeightedSchedule(cfg.Weights)
		}
	default:
		return nil, fmt.Errorf("pool %q: unknown algo %q", name, cfg.Algo)
	}

	return p, nil
}

// Name returns the pool's configured name.
func (p *Pool) Name() string { return p.name }

// Len returns the number of distinct endpoints in the pool.
func (p *Pool) Len() int { return len(p.endpoints) }

// Select returns the next endpoint for a request from remoteIP. remoteIP
// is only consulted by the IP Hash algorithm; round robin and weighted
// round robin ignore it.
func (p *Pool) Select(remoteIP string) Endpoint {
	switch p.algo {
	case AlgoIPHash:
		return p.endpoints[p.hashIndex(remoteIP)]
	default:
		return p.endpoints[p.nextIndex()]
	}
}

// nextIndex atomically advances the cursor and indexes into the
// precomputed schedule (or directly into endpoints when unweighted).
func (p *Pool) nextIndex() int {
	n := atomic.AddUint64(&p.cursor, 1) - 1
	if len(p.schedule) > 0 {
		return p.schedule[n%uint64(len(p.schedule))]
	}
	return int(n % uint64(len(p.endpoints)))
}

func (p *Pool) hashIndex(remoteIP string) int {
	ip := net.ParseIP(remoteIP)
	var key []byte
	if ip == nil {
		key = []byte(remoteIP) // fall back to the raw string if it doesn't parse
	} else if v4 := ip.To4(); v4 != nil {
		key = v4
	} else {
		key = ip.To16()
	}
	h := fnv.New64a()
	_, _ = h.Write(key)
	return int(h.Sum64() % uint64(len(p.endpoints)))
}

// smoothWeightedSchedule expands weights into a length-sum(weights)
// interleaved schedule using Nginx's smooth weighted round-robin
// algorithm: at each step, add every endpoint's configured weight to its
// current weight, pick the endpoint with the highest current weight
// (the lowest index on a tie), then subtract the total from it. This
// guarantees no backend is ever skipped for
// more than ~total/weight_i steps in a row.
func smoothWeightedSchedule(weights []int) []int {
	total := 0
	for _, w := range weights {
		total += w
	}
	current := make([]int, len(weights))
	schedule := make([]int, 0, total)

	for step := 0; step < total; step++ {
		best := -1
		for i, w := range weights {
			current[i] += w
			if best == -1 || current[i] > current[best] {
				best = i
			}
		}
		schedule = append(schedule, best)
		current[best] -= total
	}
	return schedule
}

// Registry holds all compiled pools, keyed by name. Compiled routes carry
// only the pool name (no cyclic Service<->Pool references); the pool is
// looked up here by name on every forwarded request, not stored in the
// route table.
type Registry struct {
	pools map[string]*Pool
}

// NewRegistry compiles every configured load balancer into a Pool.
func NewRegistry(cfg map[string]config.LoadBalancer) (*Registry, error) {
	r := &Registry{pools: map[string]*Pool{}}
	for name, lbCfg := range cfg {
		p, err := NewPool(name, lbCfg)
		if err != nil {
			return nil, err
		}
		r.pools[name] = p
	}
	return r, nil
}

// Pool returns the named pool, or false if it doesn't exist (a Matcher
// bug or a dangling ${pool} reference caught too late — callers should
// treat this as a 502, per §4.1's "Match found but upstream unresolvable").
func (r *Registry) Pool(name string) (*Pool, bool) {
	p, ok := r.pools[name]
	return p, ok
}
