package backend

import (
	"golang.org/x/exp/slices"

	"tcplb/internal/target"
)

// Pool is the ordered set of peers for one backend group.
//
// Pool does no locking of its own; the selector that embeds it serializes
// access.
type Pool struct {
	peers []*Peer
}

// NewPool creates an empty pool
func NewPool(peers ...*Peer) *Pool {
	return &Pool{peers: slices.Clone(peers)}
}

// Add appends a peer to the end of the pool
func (p *Pool) Add(peer *Peer) {
	p.peers = append(p.peers, peer)
}

// Remove deletes the peer whose target equals t and returns its former index.
func (p *Pool) Remove(t target.Target) (int, bool) {
	idx := p.Index(t)
	if idx < 0 {
		return -1, false
	}
	p.peers = slices.Delete(p.peers, idx, idx+1)
	return idx, true
}

// Index returns the position of the peer with target t, or -1.
func (p *Pool) Index(t target.Target) int {
	return slices.IndexFunc(p.peers, func(peer *Peer) bool {
		return peer.Target().Equal(t)
	})
}

// Len returns the number of peers.
func (p *Pool) Len() int { return len(p.peers) }

// At returns the peer at index i.
func (p *Pool) At(i int) *Peer { return p.peers[i] }

// All returns a copy of the pool's peers in order
func (p *Pool) All() []*Peer {
	return slices.Clone(p.peers)
}

// Available returns the peers that pass Peer.Available, in pool order
func (p *Pool) Available(threshold int) []*Peer {
	available := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		if peer.Available(threshold) {
			available = append(available, peer)
		}
	}
	return available
}
