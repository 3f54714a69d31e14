package main

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/swarmcast/swarmcast/internal/swarm"
)

// simPeer is one simulated swarm member and the pieces it holds.
type simPeer struct {
	id     string
	pieces map[int]struct{}
}

func (p *simPeer) indices() []int {
	out := make([]int, 0, len(p.pieces))
	for idx := range p.pieces {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// peerSwarm stands in for the swarm protocol: peers announce what they hold,
// pick up pieces we broadcast and occasionally leave.
type peerSwarm struct {
	mu           sync.Mutex
	rng          *rand.Rand
	churnPercent float64
	peers        map[string]*simPeer
}

func newPeerSwarm(count, totalPieces int, churnPercent float64, rng *rand.Rand) *peerSwarm {
	s := &peerSwarm{
		rng:          rng,
		churnPercent: churnPercent,
		peers:        make(map[string]*simPeer, count),
	}
	for i := 0; i < count; i++ {
		p := &simPeer{id: fmt.Sprintf("peer-%02d", i), pieces: make(map[int]struct{})}
		// Each peer holds between 10% and 80% of the content.
		share := 0.1 + 0.7*rng.Float64()
		for idx := 0; idx < totalPieces; idx++ {
			if rng.Float64() < share {
				p.pieces[idx] = struct{}{}
			}
		}
		s.peers[p.id] = p
	}
	return s
}

func (s *peerSwarm) ids() []string {
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of peers still in the swarm.
func (s *peerSwarm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Announce pushes every peer's availability into the tracker.
func (s *peerSwarm) Announce(tracker *swarm.RarityTracker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.ids() {
		tracker.UpdatePeerAvailability(id, s.peers[id].indices())
	}
}

// Received records that a broadcast piece reached the swarm; each peer
// picks it up with even odds.
func (s *peerSwarm) Received(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.ids() {
		if s.rng.Float64() < 0.5 {
			s.peers[id].pieces[index] = struct{}{}
		}
	}
}

// Churn removes one random peer with churnPercent probability and returns it.
func (s *peerSwarm) Churn() (*simPeer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.peers) == 0 || s.churnPercent <= 0 || s.rng.Float64()*100 >= s.churnPercent {
		return nil, false
	}
	ids := s.ids()
	p := s.peers[ids[s.rng.Intn(len(ids))]]
	delete(s.peers, p.id)
	return p, true
}

// Holders returns the remaining peers holding index, excluding skip.
func (s *peerSwarm) Holders(index int, skip string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, id := range s.ids() {
		if id == skip {
			continue
		}
		if _, ok := s.peers[id].pieces[index]; ok {
			out = append(out, id)
		}
	}
	return out
}
