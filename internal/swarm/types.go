// Package swarm tracks which pieces of the content the swarm holds and turns
// that knowledge into rarest-first transmission priorities.
package swarm

import "time"

// Chunk is one fixed-size piece of the content, addressed by its piece index.
type Chunk struct {
	ID          string
	PieceIndex  int
	TotalPieces int
	Data        []byte
	Hash        string

	// Rarity is the fraction of active peers holding the piece (0-1, lower is rarer).
	Rarity float64

	Attempts    int
	LastAttempt time.Time // zero until the first transmission attempt
}

// Size returns the payload length in bytes.
func (c *Chunk) Size() int {
	if c == nil {
		return 0
	}
	return len(c.Data)
}

// PeerAvailability is what we know about one peer's pieces.
type PeerAvailability struct {
	PeerID          string
	AvailableChunks map[int]struct{}
	FirstSeen       time.Time // start of the current continuous observation
	LastSeen        time.Time
	Reliability     float64 // 0-1, grows with continuous observation time
}

// Has reports whether the peer advertised the piece.
func (p *PeerAvailability) Has(index int) bool {
	_, ok := p.AvailableChunks[index]
	return ok
}

// clone returns a deep copy safe to hand to callers.
func (p *PeerAvailability) clone() PeerAvailability {
	out := *p
	out.AvailableChunks = make(map[int]struct{}, len(p.AvailableChunks))
	for idx := range p.AvailableChunks {
		out.AvailableChunks[idx] = struct{}{}
	}
	return out
}

// Score is the computed rarity and priority of one piece.
type Score struct {
	Rarity   float64
	Priority float64
	Local    bool // piece is already held locally
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
