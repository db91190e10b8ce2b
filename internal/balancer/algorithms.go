package balancer

import (
	"golang.org/x/exp/slices"

	"tcplb/internal/backend"
	"tcplb/internal/config"
	"tcplb/internal/target"
)

// RoundRobin hands out available peers in pool order, wrapping around.
type RoundRobin struct {
	peerSet
	cur cursor
}

func (rr *RoundRobin) Name() string { return string(config.StrategyRoundRobin) }

// AddPeer appends peer to the end of the rotation.
func (rr *RoundRobin) AddPeer(peer *backend.Peer) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.peers.Add(peer)
}

// RemovePeer drops the peer with target t. The peer that would have come
// next still comes next.
func (rr *RoundRobin) RemovePeer(t target.Target) bool {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	idx, ok := rr.peers.Remove(t)
	if ok {
		rr.cur.removed(idx, rr.peers.Len())
	}
	return ok
}

// Next selects the next available peer using round-robin
func (rr *RoundRobin) Next() *backend.Peer {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return nextRoundRobin(&rr.peerSet, &rr.cur)
}

// nextRoundRobin expects p.mu to be held.
func nextRoundRobin(p *peerSet, cur *cursor) *backend.Peer {
	idx, ok := cur.scan(p.peers.Len(), func(i int) bool {
		return p.peers.At(i).Available(p.threshold)
	})
	if !ok {
		return nil
	}
	peer := p.peers.At(idx)
	peer.Acquire()
	return peer
}

// LeastConnections picks the available peer with the fewest connections in
// flight. Ties go to the peer that comes first in the pool.
type LeastConnections struct {
	peerSet
}

func (lc *LeastConnections) Name() string { return string(config.StrategyLeastUsed) }

// AddPeer appends peer to the pool.
func (lc *LeastConnections) AddPeer(peer *backend.Peer) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.peers.Add(peer)
}

// RemovePeer drops the peer with target t.
func (lc *LeastConnections) RemovePeer(t target.Target) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	_, ok := lc.peers.Remove(t)
	return ok
}

// Next selects the backend with least connections. The count is taken and
// incremented under the same lock so concurrent callers spread out.
func (lc *LeastConnections) Next() *backend.Peer {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	var best *backend.Peer
	for i := 0; i < lc.peers.Len(); i++ {
		peer := lc.peers.At(i)
		if !peer.Available(lc.threshold) {
			continue
		}
		if best == nil || peer.ActiveConnections() < best.ActiveConnections() {
			best = peer
		}
	}
	if best != nil {
		best.Acquire()
	}
	return best
}

// WeightedRoundRobin spreads picks in proportion to peer weights with smooth
// weighted round robin. Over Σweight picks each peer is chosen exactly weight
// times, interleaved rather than in bursts.
type WeightedRoundRobin struct {
	peerSet
	scores []int64 // parallel to peers
}

func (w *WeightedRoundRobin) Name() string { return string(config.StrategyWeightedAverage) }

// AddPeer appends peer with a zero score.
func (w *WeightedRoundRobin) AddPeer(peer *backend.Peer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.peers.Add(peer)
	w.scores = append(w.scores, 0)
}

// RemovePeer drops the peer with target t and its score.
func (w *WeightedRoundRobin) RemovePeer(t target.Target) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx, ok := w.peers.Remove(t)
	if !ok {
		return false
	}
	w.scores = slices.Delete(w.scores, idx, idx+1)
	return true
}

// Next credits every available peer its weight, picks the highest score and
// charges the winner the total. Ties go to the peer that comes first in the
// pool.
func (w *WeightedRoundRobin) Next() *backend.Peer {
	w.mu.Lock()
	defer w.mu.Unlock()

	best, total := -1, int64(0)
	for i := 0; i < w.peers.Len(); i++ {
		peer := w.peers.At(i)
		if !peer.Available(w.threshold) {
			continue
		}
		weight := int64(peer.Weight())
		w.scores[i] += weight
		total += weight
		if best < 0 || w.scores[i] > w.scores[best] {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	w.scores[best] -= total
	peer := w.peers.At(best)
	peer.Acquire()
	return peer
}
