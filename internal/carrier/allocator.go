package carrier

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/swarmcast/swarmcast/internal/history"
)

const (
	DefaultQualityThreshold = 10.0
	DefaultLoadFactor       = 0.8
	DefaultHistorySize      = 100

	// bestAvailablePriority is the priority above which a chunk takes the
	// best remaining carrier instead of the best-fitting one.
	bestAvailablePriority = 0.8
)

// Request is one chunk awaiting a carrier.
type Request struct {
	ChunkID  string
	Priority float64
	Size     int // bytes
}

// Config configures an Allocator.
type Config struct {
	Strategy         Strategy
	QualityThreshold float64 // minimum SNR in dB
	LoadFactor       float64 // utilization at which a carrier stops taking chunks
	PilotInterval    int     // zero or less disables pilot exclusion
	HistorySize      int     // SNR samples kept per carrier
	Logger           zerolog.Logger
}

type sample struct {
	snr float64
	at  time.Time
}

// Allocator assigns chunks to carriers. Allocate itself has no side effects;
// the only mutable state is the per-carrier SNR history used for reliability.
type Allocator struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	strategy Strategy
	history  map[int]*history.Ring[sample]
}

// NewAllocator creates an allocator. Zero thresholds take the defaults.
func NewAllocator(cfg Config) *Allocator {
	if cfg.QualityThreshold == 0 {
		cfg.QualityThreshold = DefaultQualityThreshold
	}
	if cfg.LoadFactor <= 0 {
		cfg.LoadFactor = DefaultLoadFactor
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &Allocator{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "allocator").Logger(),
		strategy: cfg.Strategy,
		history:  make(map[int]*history.Ring[sample]),
	}
}

// Strategy returns the active strategy.
func (a *Allocator) Strategy() Strategy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.strategy
}

// UpdateStrategy switches the strategy used by subsequent Allocate calls.
func (a *Allocator) UpdateStrategy(s Strategy) {
	a.mu.Lock()
	prev := a.strategy
	a.strategy = s
	a.mu.Unlock()

	if prev != s {
		a.logger.Info().
			Str("from", prev.String()).
			Str("to", s.String()).
			Msg("Allocation strategy changed")
	}
}

// QualityThreshold returns the minimum usable SNR.
func (a *Allocator) QualityThreshold() float64 {
	return a.cfg.QualityThreshold
}

// Allocate maps chunk ids to carrier ids. Carriers that are disabled, reserved
// as pilots, or below the quality threshold are never used. It returns an
// empty mapping when nothing qualifies.
func (a *Allocator) Allocate(reqs []Request, carriers []Snapshot) map[string]int {
	strategy := a.Strategy()
	result := make(map[string]int)

	eligible := a.eligible(carriers)
	if len(eligible) == 0 || len(reqs) == 0 {
		return result
	}

	switch strategy {
	case QualityFirst:
		a.qualityFirst(reqs, eligible, result)
	case LoadBalanced:
		a.loadBalanced(reqs, eligible, result)
	default:
		a.priorityWeighted(reqs, eligible, result)
	}

	a.logger.Debug().
		Str("strategy", strategy.String()).
		Int("requests", len(reqs)).
		Int("eligible", len(eligible)).
		Int("assigned", len(result)).
		Msg("Allocation computed")

	return result
}

func (a *Allocator) eligible(carriers []Snapshot) []Snapshot {
	out := make([]Snapshot, 0, len(carriers))
	for _, c := range carriers {
		if !c.Enabled || IsPilot(c.ID, a.cfg.PilotInterval) {
			continue
		}
		if c.SNR < a.cfg.QualityThreshold {
			continue
		}
		out = append(out, c)
	}
	return out
}

// byPriority returns the requests sorted by descending priority, keeping
// input order among equals.
func byPriority(reqs []Request) []Request {
	sorted := make([]Request, len(reqs))
	copy(sorted, reqs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return sorted
}

func (a *Allocator) qualityFirst(reqs []Request, carriers []Snapshot, result map[string]int) {
	sort.Slice(carriers, func(i, j int) bool {
		if carriers[i].SNR != carriers[j].SNR {
			return carriers[i].SNR > carriers[j].SNR
		}
		return carriers[i].ID < carriers[j].ID
	})
	sorted := byPriority(reqs)

	n := min(len(sorted), len(carriers))
	for i := 0; i < n; i++ {
		result[sorted[i].ChunkID] = carriers[i].ID
	}
}

func (a *Allocator) loadBalanced(reqs []Request, carriers []Snapshot, result map[string]int) {
	var pool []Snapshot
	for _, c := range carriers {
		if c.Utilization < a.cfg.LoadFactor {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

	for i, r := range reqs {
		result[r.ChunkID] = pool[i%len(pool)].ID
	}
}

type scored struct {
	Snapshot
	score float64
}

func (a *Allocator) priorityWeighted(reqs []Request, carriers []Snapshot, result map[string]int) {
	pool := make([]*scored, 0, len(carriers))
	for _, c := range carriers {
		s := Score(c)
		if s <= 0 {
			continue
		}
		pool = append(pool, &scored{Snapshot: c, score: s})
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return pool[i].ID < pool[j].ID
	})

	for _, r := range byPriority(reqs) {
		if len(pool) == 0 {
			return
		}

		idx := 0
		if r.Priority <= bestAvailablePriority {
			idx = closestCapacity(pool, float64(r.Size)/1000)
		}
		chosen := pool[idx]
		result[r.ChunkID] = chosen.ID

		if chosen.Capacity > 0 {
			chosen.Utilization += float64(r.Size) / chosen.Capacity
		} else {
			chosen.Utilization = math.Inf(1)
		}
		if chosen.Utilization >= a.cfg.LoadFactor {
			pool = append(pool[:idx], pool[idx+1:]...)
		}
	}
}

// closestCapacity returns the index of the carrier whose capacity is nearest
// to want; earlier (better scored) carriers win ties.
func closestCapacity(pool []*scored, want float64) int {
	best := 0
	bestDiff := math.Inf(1)
	for i, c := range pool {
		if d := math.Abs(c.Capacity - want); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best
}

// RecordSample appends an SNR sample to the carrier's rolling history.
func (a *Allocator) RecordSample(id int, snr float64, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rb, ok := a.history[id]
	if !ok {
		rb = history.NewRing[sample](a.cfg.HistorySize)
		a.history[id] = rb
	}
	rb.Push(sample{snr: snr, at: at})
}

// CarrierReliability measures SNR stability: the mean of
// max(0, 1 - |ΔSNR|/10) over consecutive samples. Carriers with fewer than two
// samples report 1.
func (a *Allocator) CarrierReliability(id int) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	rb, ok := a.history[id]
	if !ok || rb.Len() < 2 {
		return 1
	}
	samples := rb.Items()
	total := 0.0
	for i := 1; i < len(samples); i++ {
		delta := math.Abs(samples[i].snr - samples[i-1].snr)
		total += math.Max(0, 1-delta/10)
	}
	return total / float64(len(samples)-1)
}

// HistoryLen returns the number of samples held for a carrier.
func (a *Allocator) HistoryLen(id int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rb, ok := a.history[id]; ok {
		return rb.Len()
	}
	return 0
}

// ResetHistory drops all SNR samples.
func (a *Allocator) ResetHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = make(map[int]*history.Ring[sample])
}
