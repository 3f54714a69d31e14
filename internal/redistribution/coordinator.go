package redistribution

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/swarmcast/swarmcast/internal/history"
)

const (
	DefaultQualityThreshold = 10.0
	DefaultMinImprovement   = 3.0 // dB
	DefaultMaxRetries       = 3
	DefaultTimeout          = 30 * time.Second
	DefaultHistorySize      = 1000

	exhaustedKeep = 100
)

// Config configures a Coordinator. Zero values take the defaults above,
// except LoadBalancing which must be enabled explicitly.
type Config struct {
	QualityThreshold float64
	MinImprovement   float64
	MaxRetries       int
	Timeout          time.Duration
	LoadBalancing    bool
	HistorySize      int
	Clock            func() time.Time
	Logger           zerolog.Logger
}

// Coordinator owns per-carrier load, parked redistributions and the bounded
// event history. Handlers never fail: they either propose a replacement or
// park the chunk.
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	load      map[int]int
	pending   map[string]*Pending
	events    *history.Ring[Event]
	exhausted map[string]struct{}
	recent    *history.Ring[string]
	exhaustN  int
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.QualityThreshold == 0 {
		cfg.QualityThreshold = DefaultQualityThreshold
	}
	if cfg.MinImprovement <= 0 {
		cfg.MinImprovement = DefaultMinImprovement
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Coordinator{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "redistribution").Logger(),
		load:      make(map[int]int),
		pending:   make(map[string]*Pending),
		events:    history.NewRing[Event](cfg.HistorySize),
		exhausted: make(map[string]struct{}),
		recent:    history.NewRing[string](exhaustedKeep),
	}
}

// MaxRetries returns the configured retry limit.
func (c *Coordinator) MaxRetries() int {
	return c.cfg.MaxRetries
}

// HandleCarrierFailure proposes the least-loaded surviving carrier for each
// affected chunk. Chunks with no candidate are parked.
func (c *Coordinator) HandleCarrierFailure(failed int, chunkIDs []string, available []int) map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock()
	load := c.loadSnapshotLocked()
	result := make(map[string]int)

	for _, id := range chunkIDs {
		c.recordLocked(Event{
			Kind:       CarrierFailed,
			ChunkID:    id,
			CarrierID:  failed,
			HasCarrier: true,
			Timestamp:  now,
			Reason:     fmt.Sprintf("carrier %d reported failure", failed),
		})

		if target, ok := leastLoaded(available, failed, load); ok {
			result[id] = target
			load[target]++
			delete(c.pending, id)
			continue
		}
		c.parkLocked(&Pending{ChunkID: id, Kind: CarrierFailed, FailedCarrier: failed, HasCarrier: true, Since: now})
	}

	c.logger.Warn().
		Int("carrier", failed).
		Int("chunks", len(chunkIDs)).
		Int("reassigned", len(result)).
		Msg("Carrier failure handled")

	return result
}

// HandleQualityDegradation proposes a better carrier when the current one has
// fallen below the quality threshold. Candidates must beat the current SNR by
// at least MinImprovement dB. It is a no-op while SNR is still usable.
func (c *Coordinator) HandleQualityDegradation(carrierID int, snr float64, chunkID string, candidates []Candidate) (int, bool) {
	if snr >= c.cfg.QualityThreshold {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.recordLocked(Event{
		Kind:       QualityDegraded,
		ChunkID:    chunkID,
		CarrierID:  carrierID,
		HasCarrier: true,
		Timestamp:  c.cfg.Clock(),
		Reason:     fmt.Sprintf("snr %.1f dB below threshold %.1f dB", snr, c.cfg.QualityThreshold),
	})

	best, bestScore, found := 0, math.Inf(-1), false
	for _, cand := range candidates {
		if cand.ID == carrierID || cand.SNR <= snr+c.cfg.MinImprovement {
			continue
		}
		score := cand.SNR
		if c.cfg.LoadBalancing {
			score = 0.6*math.Min(1, cand.SNR/30) + 0.4*(1/(1+float64(c.load[cand.ID])))
		}
		if !found || score > bestScore || (score == bestScore && cand.ID < best) {
			best, bestScore, found = cand.ID, score, true
		}
	}

	c.logger.Info().
		Int("carrier", carrierID).
		Str("chunk", chunkID).
		Float64("snr", snr).
		Bool("replaced", found).
		Int("target", best).
		Msg("Quality degradation handled")

	return best, found
}

// HandleTimeout proposes the least-loaded alternative carrier for a chunk
// whose transmission timed out. It returns false once the chunk has used up
// its retries; Exhausted then reports true for it.
func (c *Coordinator) HandleTimeout(chunkID string, carrierID int, elapsed time.Duration, available []int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock()
	retries := c.retryCountLocked(chunkID)
	c.recordLocked(Event{
		Kind:       Timeout,
		ChunkID:    chunkID,
		CarrierID:  carrierID,
		HasCarrier: true,
		Timestamp:  now,
		Reason:     fmt.Sprintf("no completion after %s", elapsed.Round(time.Millisecond)),
	})

	if retries >= c.cfg.MaxRetries {
		c.markExhaustedLocked(chunkID, fmt.Sprintf("timed out %d times", retries+1))
		return 0, false
	}

	if target, ok := leastLoaded(available, carrierID, c.loadSnapshotLocked()); ok {
		delete(c.pending, chunkID)
		c.logger.Info().
			Str("chunk", chunkID).
			Int("from", carrierID).
			Int("to", target).
			Int("retry", retries+1).
			Msg("Timed out transmission reassigned")
		return target, true
	}

	c.parkLocked(&Pending{ChunkID: chunkID, Kind: Timeout, FailedCarrier: carrierID, HasCarrier: true, Since: now})
	return 0, false
}

// HandlePeerLoss picks the first listed alternative peer for each chunk that
// was sourced from the lost peer. Chunks without an alternative are parked.
func (c *Coordinator) HandlePeerLoss(peerID string, chunkIDs []string, alternatives map[string][]string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock()
	result := make(map[string]string)

	for _, id := range chunkIDs {
		c.recordLocked(Event{
			Kind:      PeerLost,
			ChunkID:   id,
			PeerID:    peerID,
			Timestamp: now,
			Reason:    fmt.Sprintf("peer %s unavailable", peerID),
		})

		replaced := false
		for _, alt := range alternatives[id] {
			if alt != "" && alt != peerID {
				result[id] = alt
				replaced = true
				break
			}
		}
		if replaced {
			delete(c.pending, id)
			continue
		}
		c.parkLocked(&Pending{ChunkID: id, Kind: PeerLost, PeerID: peerID, Since: now})
	}

	c.logger.Warn().
		Str("peer", peerID).
		Int("chunks", len(chunkIDs)).
		Int("reassigned", len(result)).
		Msg("Peer loss handled")

	return result
}

// ProcessPending retries every parked redistribution. Entries older than
// twice the transmission timeout are dropped as expired.
func (c *Coordinator) ProcessPending(available []int) PendingResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := PendingResult{Resolved: make(map[string]int), Kinds: make(map[string]Kind)}
	if len(c.pending) == 0 {
		return res
	}

	now := c.cfg.Clock()
	load := c.loadSnapshotLocked()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := c.pending[id]
		if now.Sub(p.Since) > 2*c.cfg.Timeout {
			delete(c.pending, id)
			res.Expired = append(res.Expired, id)
			continue
		}
		exclude := -1
		if p.HasCarrier {
			exclude = p.FailedCarrier
		}
		if target, ok := leastLoaded(available, exclude, load); ok {
			res.Resolved[id] = target
			res.Kinds[id] = p.Kind
			load[target]++
			delete(c.pending, id)
		}
	}

	if len(res.Resolved) > 0 || len(res.Expired) > 0 {
		c.logger.Debug().
			Int("resolved", len(res.Resolved)).
			Int("expired", len(res.Expired)).
			Int("remaining", len(c.pending)).
			Msg("Pending redistributions processed")
	}
	return res
}

// AssignLoad records one more active transmission on a carrier.
func (c *Coordinator) AssignLoad(carrierID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load[carrierID]++
}

// ReleaseLoad records the end of a transmission on a carrier.
func (c *Coordinator) ReleaseLoad(carrierID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.load[carrierID] <= 1 {
		delete(c.load, carrierID)
		return
	}
	c.load[carrierID]--
}

// RetryCount returns how many events the history holds for a chunk.
func (c *Coordinator) RetryCount(chunkID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCountLocked(chunkID)
}

// RecordExhausted marks a chunk as having run out of retries.
func (c *Coordinator) RecordExhausted(chunkID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markExhaustedLocked(chunkID, reason)
}

// Exhausted reports whether the chunk has run out of retries.
func (c *Coordinator) Exhausted(chunkID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.exhausted[chunkID]
	return ok
}

// IsPending reports whether the chunk is parked.
func (c *Coordinator) IsPending(chunkID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[chunkID]
	return ok
}

// Forget drops any parked redistribution and exhaustion mark for a chunk so
// it can be scheduled afresh.
func (c *Coordinator) Forget(chunkID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, chunkID)
	delete(c.exhausted, chunkID)
}

// Events returns the retained history, oldest first.
func (c *Coordinator) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events.Items()
}

// LastEvent returns the most recently recorded event.
func (c *Coordinator) LastEvent() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	last := c.events.Last(1)
	if len(last) == 0 {
		return Event{}, false
	}
	return last[0], true
}

// Statistics summarizes the retained history, parked work and carrier load.
func (c *Coordinator) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		TotalEvents:     c.events.Len(),
		ByKind:          make(map[string]int, len(Kinds)),
		Pending:         len(c.pending),
		CarrierLoad:     c.loadSnapshotLocked(),
		RetryExhausted:  c.exhaustN,
		ExhaustedChunks: c.recent.Items(),
	}
	for _, k := range Kinds {
		stats.ByKind[k.String()] = 0
	}

	perChunk := make(map[string]int)
	c.events.Each(func(e Event) bool {
		stats.ByKind[e.Kind.String()]++
		perChunk[e.ChunkID]++
		return true
	})
	if len(perChunk) > 0 {
		stats.AverageRetries = float64(stats.TotalEvents) / float64(len(perChunk))
	}
	return stats
}

// Reset clears load, parked work, history and exhaustion counters.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load = make(map[int]int)
	c.pending = make(map[string]*Pending)
	c.events.Reset()
	c.exhausted = make(map[string]struct{})
	c.recent.Reset()
	c.exhaustN = 0
}

func (c *Coordinator) recordLocked(e Event) {
	e.ID = uuid.New()
	c.events.Push(e)
}

func (c *Coordinator) parkLocked(p *Pending) {
	if existing, ok := c.pending[p.ChunkID]; ok {
		// Keep the original parking time so repeated failures still expire.
		p.Since = existing.Since
	}
	c.pending[p.ChunkID] = p
	c.logger.Debug().
		Str("chunk", p.ChunkID).
		Str("kind", p.Kind.String()).
		Msg("Redistribution parked")
}

func (c *Coordinator) markExhaustedLocked(chunkID, reason string) {
	delete(c.pending, chunkID)
	if _, ok := c.exhausted[chunkID]; ok {
		return
	}
	c.exhausted[chunkID] = struct{}{}
	c.recent.Push(chunkID)
	c.exhaustN++
	c.logger.Error().
		Str("chunk", chunkID).
		Str("reason", reason).
		Int("max_retries", c.cfg.MaxRetries).
		Msg("Retries exhausted, chunk dropped from scheduling")
}

func (c *Coordinator) retryCountLocked(chunkID string) int {
	n := 0
	c.events.Each(func(e Event) bool {
		if e.ChunkID == chunkID {
			n++
		}
		return true
	})
	return n
}

func (c *Coordinator) loadSnapshotLocked() map[int]int {
	out := make(map[int]int, len(c.load))
	for id, n := range c.load {
		out[id] = n
	}
	return out
}

// leastLoaded picks the candidate with the lowest load, breaking ties by the
// lowest id. exclude is skipped.
func leastLoaded(candidates []int, exclude int, load map[int]int) (int, bool) {
	best, found := 0, false
	for _, id := range candidates {
		if id == exclude {
			continue
		}
		if !found || load[id] < load[best] || (load[id] == load[best] && id < best) {
			best, found = id, true
		}
	}
	return best, found
}
