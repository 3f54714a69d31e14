package swarm

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultActiveWindow      = 30 * time.Second
	DefaultPruneAfter        = 60 * time.Second
	DefaultRecomputeInterval = 5 * time.Second
	DefaultMinReliability    = 0.3
	DefaultReliabilityRamp   = 60 * time.Second
	DefaultEndgameThreshold  = 0.9

	missingBoost      = 1.5
	adjacentBonus     = 0.5
	sequentialWindow  = 5
	sequentialDivisor = 10.0
	endgameMultiplier = 2.0
)

// TrackerConfig configures a RarityTracker. Zero values take the defaults above.
type TrackerConfig struct {
	TotalPieces       int
	ActiveWindow      time.Duration
	PruneAfter        time.Duration
	RecomputeInterval time.Duration
	MinReliability    float64
	ReliabilityRamp   time.Duration
	EndgameThreshold  float64
	Clock             func() time.Time
	Logger            zerolog.Logger
}

func (c *TrackerConfig) applyDefaults() {
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = DefaultActiveWindow
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = DefaultPruneAfter
	}
	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = DefaultRecomputeInterval
	}
	if c.MinReliability <= 0 {
		c.MinReliability = DefaultMinReliability
	}
	if c.ReliabilityRamp <= 0 {
		c.ReliabilityRamp = DefaultReliabilityRamp
	}
	if c.EndgameThreshold <= 0 {
		c.EndgameThreshold = DefaultEndgameThreshold
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// scoreTable is an immutable snapshot of computed scores. It is replaced
// wholesale on every recompute so readers never see a partial update.
type scoreTable struct {
	scores     map[int]Score
	computedAt time.Time
	endgame    bool
	active     int
}

// RarityTracker maintains swarm availability and per-piece priorities.
type RarityTracker struct {
	cfg    TrackerConfig
	logger zerolog.Logger

	mu            sync.RWMutex
	peers         map[string]*PeerAvailability
	local         map[int]struct{}
	known         map[int]struct{}
	lastRecompute time.Time

	recomputeMu sync.Mutex
	table       atomic.Pointer[scoreTable]
}

// NewRarityTracker creates a tracker. Pieces 0..TotalPieces-1 are known up
// front; indices advertised by peers beyond that range are added as they appear.
func NewRarityTracker(cfg TrackerConfig) *RarityTracker {
	cfg.applyDefaults()
	t := &RarityTracker{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "rarity").Logger(),
		peers:  make(map[string]*PeerAvailability),
		local:  make(map[int]struct{}),
		known:  make(map[int]struct{}, cfg.TotalPieces),
	}
	for i := 0; i < cfg.TotalPieces; i++ {
		t.known[i] = struct{}{}
	}
	t.table.Store(&scoreTable{scores: map[int]Score{}})
	return t
}

// UpdatePeerAvailability records or refreshes a peer's pieces and recomputes
// all scores before returning.
func (t *RarityTracker) UpdatePeerAvailability(peerID string, indices []int) {
	now := t.cfg.Clock()

	t.mu.Lock()
	p, ok := t.peers[peerID]
	if !ok || now.Sub(p.LastSeen) > t.cfg.ActiveWindow {
		// New peer, or a gap long enough to break continuous observation.
		p = &PeerAvailability{PeerID: peerID, FirstSeen: now}
		t.peers[peerID] = p
	}
	p.AvailableChunks = make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		if idx < 0 {
			continue
		}
		p.AvailableChunks[idx] = struct{}{}
		t.known[idx] = struct{}{}
	}
	p.LastSeen = now
	p.Reliability = t.reliability(p, now)
	t.mu.Unlock()

	t.logger.Debug().
		Str("peer", peerID).
		Int("pieces", len(indices)).
		Bool("new", !ok).
		Msg("Peer availability updated")

	t.recompute(now)
}

// RemovePeer forgets a peer immediately and recomputes scores.
func (t *RarityTracker) RemovePeer(peerID string) {
	t.mu.Lock()
	_, ok := t.peers[peerID]
	delete(t.peers, peerID)
	t.mu.Unlock()

	if ok {
		t.recompute(t.cfg.Clock())
	}
}

// MarkLocalChunks records pieces already held locally.
func (t *RarityTracker) MarkLocalChunks(indices []int) {
	t.mu.Lock()
	for _, idx := range indices {
		if idx < 0 {
			continue
		}
		t.local[idx] = struct{}{}
		t.known[idx] = struct{}{}
	}
	t.mu.Unlock()

	t.recompute(t.cfg.Clock())
}

// GetPrioritizedChunks returns up to limit missing piece indices ordered by
// descending priority, ties broken by lower index. A limit of zero or less
// returns every missing piece.
func (t *RarityTracker) GetPrioritizedChunks(limit int) []int {
	table := t.table.Load()

	indices := make([]int, 0, len(table.scores))
	for idx, s := range table.scores {
		if !s.Local {
			indices = append(indices, idx)
		}
	}
	sort.Slice(indices, func(i, j int) bool {
		pi, pj := table.scores[indices[i]].Priority, table.scores[indices[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return indices[i] < indices[j]
	})

	if limit > 0 && len(indices) > limit {
		indices = indices[:limit]
	}
	return indices
}

// GetChunkRarity returns the last computed rarity for a piece, or false if it
// has never been scored.
func (t *RarityTracker) GetChunkRarity(index int) (float64, bool) {
	s, ok := t.table.Load().scores[index]
	return s.Rarity, ok
}

// GetChunkPriority returns the last computed priority for a piece.
func (t *RarityTracker) GetChunkPriority(index int) (float64, bool) {
	s, ok := t.table.Load().scores[index]
	return s.Priority, ok
}

// Scores returns a copy of the current score table.
func (t *RarityTracker) Scores() map[int]Score {
	table := t.table.Load()
	out := make(map[int]Score, len(table.scores))
	for idx, s := range table.scores {
		out[idx] = s
	}
	return out
}

// Endgame reports whether the last recompute ran in endgame mode.
func (t *RarityTracker) Endgame() bool {
	return t.table.Load().endgame
}

// ActivePeers returns the number of peers counted as active by the last recompute.
func (t *RarityTracker) ActivePeers() int {
	return t.table.Load().active
}

// Peers returns copies of all tracked peers.
func (t *RarityTracker) Peers() []PeerAvailability {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PeerAvailability, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// PeersHolding returns the ids of known peers that advertised the piece,
// sorted by descending reliability.
func (t *RarityTracker) PeersHolding(index int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var holders []*PeerAvailability
	for _, p := range t.peers {
		if p.Has(index) {
			holders = append(holders, p)
		}
	}
	sort.Slice(holders, func(i, j int) bool {
		if holders[i].Reliability != holders[j].Reliability {
			return holders[i].Reliability > holders[j].Reliability
		}
		return holders[i].PeerID < holders[j].PeerID
	})
	ids := make([]string, len(holders))
	for i, p := range holders {
		ids[i] = p.PeerID
	}
	return ids
}

// Completion returns the fraction of known pieces held locally.
func (t *RarityTracker) Completion() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.completionLocked()
}

// Tick prunes stale peers and recomputes every score once the recompute
// interval has elapsed since the last periodic pass. It reports whether a
// pass ran.
func (t *RarityTracker) Tick(now time.Time) bool {
	t.mu.Lock()
	if !t.lastRecompute.IsZero() && now.Sub(t.lastRecompute) < t.cfg.RecomputeInterval {
		t.mu.Unlock()
		return false
	}
	t.lastRecompute = now

	var pruned []string
	for id, p := range t.peers {
		if now.Sub(p.LastSeen) >= t.cfg.PruneAfter {
			delete(t.peers, id)
			pruned = append(pruned, id)
		}
	}
	t.mu.Unlock()

	if len(pruned) > 0 {
		sort.Strings(pruned)
		t.logger.Info().
			Strs("peers", pruned).
			Msg("Pruned stale peers")
	}

	t.recompute(now)
	return true
}

// Recompute rebuilds every score from scratch using the tracker clock.
func (t *RarityTracker) Recompute() {
	t.recompute(t.cfg.Clock())
}

func (t *RarityTracker) recompute(now time.Time) {
	t.recomputeMu.Lock()
	defer t.recomputeMu.Unlock()

	t.mu.Lock()
	for _, p := range t.peers {
		p.Reliability = t.reliability(p, now)
	}

	active := make([]*PeerAvailability, 0, len(t.peers))
	for _, p := range t.peers {
		if t.isActive(p, now) {
			active = append(active, p)
		}
	}

	completion := t.completionLocked()
	endgame := completion > t.cfg.EndgameThreshold

	scores := make(map[int]Score, len(t.known))
	for idx := range t.known {
		holders := 0
		for _, p := range active {
			if p.Has(idx) {
				holders++
			}
		}
		rarity := 0.0
		if len(active) > 0 {
			rarity = float64(holders) / float64(len(active))
		}

		_, isLocal := t.local[idx]
		priority := 1 - rarity
		if !isLocal {
			priority *= missingBoost
		}
		priority += t.sequentialBonus(idx)
		if endgame {
			priority *= endgameMultiplier
		}

		scores[idx] = Score{
			Rarity:   clamp01(rarity),
			Priority: clamp01(priority),
			Local:    isLocal,
		}
	}
	t.mu.Unlock()

	t.table.Store(&scoreTable{
		scores:     scores,
		computedAt: now,
		endgame:    endgame,
		active:     len(active),
	})

	t.logger.Debug().
		Int("pieces", len(scores)).
		Int("active_peers", len(active)).
		Float64("completion", completion).
		Bool("endgame", endgame).
		Msg("Rarity recomputed")
}

// sequentialBonus favors pieces next to ones already held. Caller holds t.mu.
func (t *RarityTracker) sequentialBonus(idx int) float64 {
	if t.hasLocal(idx-1) || t.hasLocal(idx+1) {
		return adjacentBonus
	}
	nearby := 0
	for d := -sequentialWindow; d <= sequentialWindow; d++ {
		if d != 0 && t.hasLocal(idx+d) {
			nearby++
		}
	}
	return math.Min(adjacentBonus, float64(nearby)/sequentialDivisor)
}

func (t *RarityTracker) hasLocal(idx int) bool {
	_, ok := t.local[idx]
	return ok
}

func (t *RarityTracker) isActive(p *PeerAvailability, now time.Time) bool {
	return now.Sub(p.LastSeen) < t.cfg.ActiveWindow && p.Reliability > t.cfg.MinReliability
}

// reliability is 0.5 for a freshly observed peer, rising linearly to 1.0
// after ReliabilityRamp of continuous observation.
func (t *RarityTracker) reliability(p *PeerAvailability, now time.Time) float64 {
	observed := now.Sub(p.FirstSeen)
	if observed < 0 {
		observed = 0
	}
	ramp := math.Min(1, float64(observed)/float64(t.cfg.ReliabilityRamp))
	return clamp01(0.5 + 0.5*ramp)
}

func (t *RarityTracker) completionLocked() float64 {
	total := t.cfg.TotalPieces
	if total <= 0 {
		total = len(t.known)
	}
	if total == 0 {
		return 0
	}
	held := 0
	for idx := range t.local {
		if _, ok := t.known[idx]; ok {
			held++
		}
	}
	return clamp01(float64(held) / float64(total))
}
