package lb

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliworks/quark/app/config"
)

func TestPool_RoundRobin_NineRequests(t *testing.T) {
	p, err := NewPool("p", config.LoadBalancer{
		Algo:     "round_robin",
		Backends: []string{"a", "b", "c"},
	})
	require.NoError(t, err)

	var got []string
	for range 9 {
		got = append(got, p.Select("").Host)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a", "b", "c"}, got)
}

func TestPool_WeightedRoundRobin_TwelveRequests(t *testing.T) {
	// weights 3:1 over two backends across 12 requests: "a" should appear
	// 9 times, "b" 3 times, and "b" should never be selected twice in a row
	// (smooth spread).
	p, err := NewPool("p", config.LoadBalancer{
		Algo:     "round_robin",
		Backends: []string{"a", "b"},
		Weights:  []int{3, 1},
	})
	require.NoError(t, err)

	counts := map[string]int{}
	var seq []string
	for range 12 {
		h := p.Select("").Host
		counts[h]++
		seq = append(seq, h)
	}
	assert.Equal(t, 9, counts["a"])
	assert.Equal(t, 3, counts["b"])

	runLen := 0
	for _, h := range seq {
		if h == "b" {
			runLen++
			assert.LessOrEqual(t, runLen, 1, "b must not repeat back to back: %v", seq)
		} else {
			runLen = 0
		}
	}
}

func TestPool_IPHash_Stickiness(t *testing.T) {
	p, err := NewPool("p", config.LoadBalancer{
		Algo:     "ip_hash",
		Backends: []string{"a", "b", "c", "d"},
	})
	require.NoError(t, err)

	ips := []string{"203.0.113.1", "203.0.113.2", "198.51.100.7", "10.0.0.5"}
	first := map[string]string{}
	for _, ip := range ips {
		first[ip] = p.Select(ip).Host
	}

	for range 100 {
		for _, ip := range ips {
			assert.Equal(t, first[ip], p.Select(ip).Host, "ip %s must stick to the same backend", ip)
		}
	}
}

func TestPool_IPHash_RejectsWeights(t *testing.T) {
	_, err := NewPool("p", config.LoadBalancer{
		Algo:     "ip_hash",
		Backends: []string{"a", "b"},
		Weights:  []int{1, 2},
	})
	assert.Error(t, err)
}

func TestPool_NoBackends(t *testing.T) {
	_, err := NewPool("p", config.LoadBalancer{Algo: "round_robin"})
	assert.Error(t, err)
}

func TestPool_Select_Concurrent(t *testing.T) {
	p, err := NewPool("p", config.LoadBalancer{
		Algo:     "round_robin",
		Backends: []string{"a", "b", "c"},
	})
	require.NoError(t, err)

	numGoroutines := 1000
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	seen := &sync.Map{}

	for range numGoroutines {
		go func() {
			defer wg.Done()
			seen.Store(p.Select("").Host, struct{}{})
		}()
	}
	wg.Wait()

	for _, h := range []string{"a", "b", "c"} {
		_, ok := seen.Load(h)
		assert.True(t, ok, "expected to find %q among selected backends", h)
	}
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(map[string]config.LoadBalancer{
		"pool1": {Algo: "round_robin", Backends: []string{"a", "b"}},
	})
	require.NoError(t, err)

	p, ok := reg.Pool("pool1")
	require.True(t, ok)
	assert.Equal(t, 2, p.Len())

	_, ok = reg.Pool("missing")
	assert.False(t, ok)
}
