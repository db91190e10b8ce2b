package balancer

import (
	"fmt"
	"net/netip"
	"sync"

	"tcplb/internal/backend"
	"tcplb/internal/config"
	"tcplb/internal/target"
)

// Selector picks the peer for each new connection.
//
// Next returns a peer that has already been acquired; the caller must call
// Release on it when the connection ends. A nil peer means nothing is
// available.
type Selector interface {
	AddPeer(peer *backend.Peer)
	RemovePeer(t target.Target) bool
	Next() *backend.Peer
	Peers() []*backend.Peer
	Name() string
}

// ClientSelector is implemented by selectors that take the client address
// into account.
type ClientSelector interface {
	Selector
	NextFor(client netip.Addr) *backend.Peer
}

// NewSelector builds the selector for a configured strategy. Peers with
// threshold or more consecutive dial failures are skipped; 0 disables that.
// locator is only used by the geo strategy and may be nil.
func NewSelector(strategy config.Strategy, locator Locator, threshold int) (Selector, error) {
	switch strategy {
	case config.StrategyRoundRobin:
		return &RoundRobin{peerSet: peerSet{peers: backend.NewPool(), threshold: threshold}}, nil
	case config.StrategyLeastUsed:
		return &LeastConnections{peerSet: peerSet{peers: backend.NewPool(), threshold: threshold}}, nil
	case config.StrategyWeightedAverage:
		return &WeightedRoundRobin{peerSet: peerSet{peers: backend.NewPool(), threshold: threshold}}, nil
	case config.StrategyGeolocation:
		return &Geolocation{peerSet: peerSet{peers: backend.NewPool(), threshold: threshold}, locator: locator}, nil
	default:
		return nil, fmt.Errorf("unknown load balancer strategy %q", strategy)
	}
}

// peerSet is the lock-guarded peer list shared by every strategy. The mutex is
// held only while the pool is read or changed, never across I/O.
type peerSet struct {
	mu        sync.Mutex
	peers     *backend.Pool
	threshold int
}

func (p *peerSet) Peers() []*backend.Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peers.All()
}

// cursor walks a ring of length n and survives changes to n.
type cursor struct {
	pos int
}

// removed keeps the cursor on the same successor after the element at idx
// was deleted from a ring that now has n elements.
func (c *cursor) removed(idx, n int) {
	if idx < c.pos {
		c.pos--
	}
	if c.pos >= n {
		c.pos = 0
	}
}

// scan returns the first index from the cursor for which ok is true and
// moves the cursor just past it.
func (c *cursor) scan(n int, ok func(int) bool) (int, bool) {
	for i := 0; i < n; i++ {
		idx := (c.pos + i) % n
		if ok(idx) {
			c.pos = (idx + 1) % n
			return idx, true
		}
	}
	return -1, false
}
