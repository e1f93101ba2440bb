// Keys are spread over the memcached servers with weighted rendezvous hashing: every server scores the key and the
// highest score wins. Adding or removing a server only moves the keys that server wins or owned.

package memcached

import (
	"fmt"
	"math"
	"net"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cespare/xxhash/v2"

	"github.com/nobletooth/pouch/pkg/cache"
)

type weightedSelector struct { // Implements memcache.ServerSelector.
	addrs   []net.Addr
	names   []string // addrs[i].String(), hashed along with the key.
	weights []float64
}

var _ memcache.ServerSelector = (*weightedSelector)(nil)

// newWeightedSelector resolves the server addresses once, upfront.
func newWeightedSelector(servers []Server) (*weightedSelector, error) {
	selector := &weightedSelector{
		addrs:   make([]net.Addr, 0, len(servers)),
		names:   make([]string, 0, len(servers)),
		weights: make([]float64, 0, len(servers)),
	}
	for _, server := range servers {
		addr, err := net.ResolveTCPAddr("tcp", server.Address())
		if err != nil {
			return nil, fmt.Errorf("%w: failed to resolve memcached server %s: %v", cache.ErrStorage,
				server.Address(), err)
		}
		weight := float64(server.Weight)
		if weight <= 0 {
			weight = 1
		}
		selector.addrs = append(selector.addrs, addr)
		selector.names = append(selector.names, addr.String())
		selector.weights = append(selector.weights, weight)
	}
	return selector, nil
}

// score maps the hash of (server, key) into (0, 1) and weighs it; -w/ln(u) keeps each server's share proportional
// to its weight.
func (s *weightedSelector) score(server int, key string) float64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(s.names[server])
	_, _ = digest.WriteString("/")
	_, _ = digest.WriteString(key)
	unit := (float64(digest.Sum64()>>11) + 0.5) / (1 << 53)
	return -s.weights[server] / math.Log(unit)
}

func (s *weightedSelector) PickServer(key string) (net.Addr, error) {
	switch len(s.addrs) {
	case 0:
		return nil, memcache.ErrNoServers
	case 1:
		return s.addrs[0], nil
	}
	best, bestScore := 0, math.Inf(-1)
	for i := range s.addrs {
		if score := s.score(i, key); score > bestScore {
			best, bestScore = i, score
		}
	}
	return s.addrs[best], nil
}

func (s *weightedSelector) Each(f func(net.Addr) error) error {
	for _, addr := range s.addrs {
		if err := f(addr); err != nil {
			return err
		}
	}
	return nil
}
