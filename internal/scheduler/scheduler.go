// Package scheduler assigns queued swarm chunks to OFDM subcarriers,
// monitors in-flight transmissions and routes failures through the
// redistribution coordinator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/swarmcast/swarmcast/internal/carrier"
	"github.com/swarmcast/swarmcast/internal/pipeline"
	"github.com/swarmcast/swarmcast/internal/redistribution"
	"github.com/swarmcast/swarmcast/internal/swarm"
	"github.com/swarmcast/swarmcast/internal/tracing"
)

const (
	DefaultHealthCheckInterval = 100 * time.Millisecond
	DefaultDegradationRatio    = 0.5
	DefaultSymbolRate          = 1000.0 // OFDM symbols per second per carrier

	// nominalCapacity is assumed for transmit-time estimates before a chunk
	// has a carrier.
	nominalCapacity = 2.0

	// NoCarrier is the Event.CarrierID of events not tied to a carrier.
	NoCarrier = -1
)

var (
	// ErrNilModem is returned by New when no modem is supplied.
	ErrNilModem = errors.New("scheduler: modem is required")
	// ErrRejected wraps the error of an EventRejected.
	ErrRejected = errors.New("rejected by pipeline")
)

// Config configures a Scheduler. Zero values take package defaults.
type Config struct {
	Strategy         carrier.Strategy
	QualityThreshold float64 // dB
	LoadFactor       float64
	// PilotInterval reserves every Nth carrier. Zero selects
	// carrier.DefaultPilotInterval, a negative value disables pilots.
	PilotInterval int

	MaxDepth     int
	RejectCycles bool

	Timeout       time.Duration
	MaxRetries    int
	LoadBalancing bool
	HistorySize   int // redistribution events retained

	HealthCheckInterval time.Duration
	// DegradationRatio is the fraction of dispatch SNR below which an
	// in-flight allocation is considered degraded.
	DegradationRatio float64
	SymbolRate       float64

	// Clock is only read before the first Tick. From then on the time
	// passed to Tick is the scheduler's clock, including for the queue and
	// the redistribution coordinator.
	Clock    func() time.Time
	Logger   zerolog.Logger
	Observer Observer
}

type result struct {
	carrierID int
	chunkID   string
	attempt   uint64
	bytes     int
	err       error
}

// carrierView is the modem snapshot taken at the start of a tick.
type carrierView struct {
	byID  map[int]carrier.Snapshot
	order []carrier.Snapshot
}

// Scheduler owns the pipeline queue, the allocation table and the overflow
// backlog. All of its state is guarded by one mutex; Tick is the only place
// time moves forward.
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger
	clock  *logicalClock

	modem     Modem
	tracker   *swarm.RarityTracker
	allocator *carrier.Allocator
	queue     *pipeline.Queue
	coord     *redistribution.Coordinator
	observer  Observer

	mu          sync.Mutex
	chunks      map[string]*swarm.Chunk
	backlog     []*pipeline.Entry
	allocations map[int]*Allocation // by carrier id
	byChunk     map[string]int
	cancels     map[uint64]context.CancelFunc // by attempt
	degraded    map[uint64]struct{}
	attempt     uint64
	completed   int
	failed      int
	exhausted   int
	rejected    int
	lastHealth  time.Time
	outbox      []Event
	closed      bool

	resMu   sync.Mutex
	results []result

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler driving modem. tracker may be nil, in which case
// priorities come from each chunk's own rarity.
func New(cfg Config, modem Modem, tracker *swarm.RarityTracker) (*Scheduler, error) {
	if modem == nil {
		return nil, ErrNilModem
	}
	if cfg.QualityThreshold == 0 {
		cfg.QualityThreshold = carrier.DefaultQualityThreshold
	}
	if cfg.PilotInterval == 0 {
		cfg.PilotInterval = carrier.DefaultPilotInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = redistribution.DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = redistribution.DefaultMaxRetries
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.DegradationRatio <= 0 || cfg.DegradationRatio > 1 {
		cfg.DegradationRatio = DefaultDegradationRatio
	}
	if cfg.SymbolRate <= 0 {
		cfg.SymbolRate = DefaultSymbolRate
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	clock := &logicalClock{fallback: cfg.Clock}
	ctx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "scheduler").Logger(),
		clock:  clock,
		modem:  modem,
		allocator: carrier.NewAllocator(carrier.Config{
			Strategy:         cfg.Strategy,
			QualityThreshold: cfg.QualityThreshold,
			LoadFactor:       cfg.LoadFactor,
			PilotInterval:    cfg.PilotInterval,
			Logger:           cfg.Logger,
		}),
		queue: pipeline.NewQueue(pipeline.Config{
			MaxDepth:     cfg.MaxDepth,
			RejectCycles: cfg.RejectCycles,
			Clock:        clock.Now,
			Logger:       cfg.Logger,
		}),
		coord: redistribution.NewCoordinator(redistribution.Config{
			QualityThreshold: cfg.QualityThreshold,
			MaxRetries:       cfg.MaxRetries,
			Timeout:          cfg.Timeout,
			LoadBalancing:    cfg.LoadBalancing,
			HistorySize:      cfg.HistorySize,
			Clock:            clock.Now,
			Logger:           cfg.Logger,
		}),
		tracker:     tracker,
		observer:    observer,
		chunks:      make(map[string]*swarm.Chunk),
		allocations: make(map[int]*Allocation),
		byChunk:     make(map[string]int),
		cancels:     make(map[uint64]context.CancelFunc),
		degraded:    make(map[uint64]struct{}),
		baseCtx:     ctx,
		stop:        stop,
	}
	return s, nil
}

// QueueChunks queues every chunk without dependencies and returns how many
// were accepted.
func (s *Scheduler) QueueChunks(chunks []*swarm.Chunk) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range chunks {
		if s.queueLocked(c, nil) {
			n++
		}
	}
	if n > 0 {
		s.observer.ChunksQueued(n)
	}
	return n
}

// QueueChunk queues a chunk that may only be sent after deps have completed.
func (s *Scheduler) QueueChunk(chunk *swarm.Chunk, deps ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.queueLocked(chunk, deps) {
		return false
	}
	s.observer.ChunksQueued(1)
	return true
}

func (s *Scheduler) queueLocked(chunk *swarm.Chunk, deps []string) bool {
	if s.closed || chunk == nil || chunk.ID == "" {
		return false
	}
	if _, known := s.chunks[chunk.ID]; known {
		return false
	}
	if s.queue.State(chunk.ID) == pipeline.StateCompleted {
		return false
	}

	entry := &pipeline.Entry{
		Chunk:                 chunk,
		Priority:              s.priorityLocked(chunk),
		EnqueuedAt:            s.clock.Now(),
		EstimatedTransmitTime: s.estimateDuration(chunk.Size(), nominalCapacity),
		Dependencies:          deps,
	}

	if s.queue.Len() >= s.queue.MaxDepth() {
		s.pushBacklogLocked(entry)
	} else if !s.queue.Enqueue(entry) {
		return false
	}

	s.chunks[chunk.ID] = chunk
	s.coord.Forget(chunk.ID)
	return true
}

func (s *Scheduler) priorityLocked(chunk *swarm.Chunk) float64 {
	if s.tracker != nil {
		if p, ok := s.tracker.GetChunkPriority(chunk.PieceIndex); ok {
			if r, ok := s.tracker.GetChunkRarity(chunk.PieceIndex); ok {
				chunk.Rarity = r
			}
			return p
		}
	}
	r := chunk.Rarity
	if r < 0 {
		r = 0
	} else if r > 1 {
		r = 1
	}
	return 1 - r
}

// Tick advances the scheduler to now: it consumes finished transmissions,
// runs the health check when due, re-ranks on rarity changes, retries parked
// redistributions, refills the queue from the backlog and dispatches ready
// chunks onto free carriers.
func (s *Scheduler) Tick(now time.Time) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.clock.Set(now)

	events := s.outbox
	s.outbox = nil

	view := s.carriersLocked()
	events = append(events, s.drainLocked(now, view)...)

	if s.lastHealth.IsZero() || now.Sub(s.lastHealth) >= s.cfg.HealthCheckInterval {
		s.lastHealth = now
		events = append(events, s.healthCheckLocked(now, view)...)
	}

	if s.tracker != nil && s.tracker.Tick(now) {
		s.rerankLocked()
	}

	events = append(events, s.processPendingLocked(now, view)...)
	events = append(events, s.prefetchLocked(now)...)
	events = append(events, s.allocateLocked(now, view)...)
	return events
}

func (s *Scheduler) carriersLocked() carrierView {
	statuses := s.modem.CarrierStatus()
	view := carrierView{byID: make(map[int]carrier.Snapshot, len(statuses))}
	for _, st := range statuses {
		capacity := st.Capacity
		if capacity <= 0 {
			capacity = carrier.EstimateCapacity(st.SNR)
		}
		snap := carrier.Snapshot{
			ID:       st.ID,
			SNR:      st.SNR,
			BER:      st.BER,
			Capacity: capacity,
			Enabled:  st.Enabled,
		}
		view.byID[st.ID] = snap
		view.order = append(view.order, snap)
	}
	sort.Slice(view.order, func(i, j int) bool { return view.order[i].ID < view.order[j].ID })
	return view
}

// usable reports whether a carrier may carry data at all.
func (s *Scheduler) usable(c carrier.Snapshot) bool {
	return c.Enabled && !carrier.IsPilot(c.ID, s.cfg.PilotInterval) && c.SNR >= s.cfg.QualityThreshold
}

func (s *Scheduler) freeCarrierLocked(id int, view carrierView) (carrier.Snapshot, bool) {
	c, ok := view.byID[id]
	if !ok || !s.usable(c) {
		return carrier.Snapshot{}, false
	}
	if _, busy := s.allocations[id]; busy {
		return carrier.Snapshot{}, false
	}
	return c, true
}

func (s *Scheduler) freeLocked(view carrierView) []carrier.Snapshot {
	var out []carrier.Snapshot
	for _, c := range view.order {
		if _, ok := s.freeCarrierLocked(c.ID, view); ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Scheduler) freeIDsLocked(view carrierView) []int {
	free := s.freeLocked(view)
	ids := make([]int, len(free))
	for i, c := range free {
		ids[i] = c.ID
	}
	return ids
}

func (s *Scheduler) drainLocked(now time.Time, view carrierView) []Event {
	s.resMu.Lock()
	results := s.results
	s.results = nil
	s.resMu.Unlock()

	var events []Event
	for _, r := range results {
		alloc, ok := s.allocations[r.carrierID]
		if !ok || alloc.Attempt != r.attempt {
			// Superseded by cancellation or redistribution.
			continue
		}
		if r.err == nil {
			events = append(events, s.completeLocked(alloc, r.bytes, now))
			continue
		}
		s.logger.Warn().
			Err(r.err).
			Str("chunk", r.chunkID).
			Int("carrier", r.carrierID).
			Msg("Transmission rejected by modem")
		events = append(events, s.carrierFailureLocked(alloc, now, view, r.err)...)
	}
	return events
}

func (s *Scheduler) completeLocked(alloc *Allocation, bytes int, now time.Time) Event {
	s.releaseLocked(alloc, StatusCompleted)
	s.queue.MarkCompleted(alloc.ChunkID)
	s.coord.Forget(alloc.ChunkID)
	delete(s.chunks, alloc.ChunkID)
	s.completed++
	s.observer.ChunkCompleted(bytes)

	s.logger.Debug().
		Str("chunk", alloc.ChunkID).
		Int("carrier", alloc.CarrierID).
		Dur("elapsed", now.Sub(alloc.StartTime)).
		Msg("Chunk transmitted")

	return Event{Kind: EventCompleted, ChunkID: alloc.ChunkID, CarrierID: alloc.CarrierID, At: now}
}

func (s *Scheduler) healthCheckLocked(now time.Time, view carrierView) []Event {
	for _, c := range view.order {
		s.allocator.RecordSample(c.ID, c.SNR, now)
	}

	ids := make([]int, 0, len(s.allocations))
	for id := range s.allocations {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var events []Event
	for _, id := range ids {
		alloc, ok := s.allocations[id]
		if !ok {
			continue
		}

		c, present := view.byID[id]
		if !present || !c.Enabled {
			events = append(events, s.carrierFailureLocked(alloc, now, view, fmt.Errorf("carrier %d unavailable", id))...)
			continue
		}

		if c.SNR < alloc.Quality*s.cfg.DegradationRatio && c.SNR < s.cfg.QualityThreshold {
			if _, seen := s.degraded[alloc.Attempt]; !seen {
				evs, moved := s.degradationLocked(alloc, c, now, view)
				events = append(events, evs...)
				if moved {
					continue
				}
			}
		}

		if elapsed := now.Sub(alloc.StartTime); elapsed > s.cfg.Timeout {
			events = append(events, s.timeoutLocked(alloc, elapsed, now, view)...)
		}
	}
	return events
}

func (s *Scheduler) carrierFailureLocked(alloc *Allocation, now time.Time, view carrierView, cause error) []Event {
	id := alloc.ChunkID
	s.releaseLocked(alloc, StatusFailed)
	s.failed++
	s.observer.ChunkFailed(redistribution.CarrierFailed.String())

	proposals := s.coord.HandleCarrierFailure(alloc.CarrierID, []string{id}, s.freeIDsLocked(view))
	events := []Event{s.redistributionEventLocked(alloc, now, cause)}

	if s.coord.RetryCount(id) > s.coord.MaxRetries() {
		return append(events, s.exhaustLocked(id, alloc.CarrierID, now, "carrier failures"))
	}
	target, ok := proposals[id]
	return append(events, s.retryLocked(id, target, ok, now, view)...)
}

func (s *Scheduler) degradationLocked(alloc *Allocation, c carrier.Snapshot, now time.Time, view carrierView) ([]Event, bool) {
	s.degraded[alloc.Attempt] = struct{}{}

	var candidates []redistribution.Candidate
	for _, free := range s.freeLocked(view) {
		candidates = append(candidates, redistribution.Candidate{ID: free.ID, SNR: free.SNR})
	}
	target, ok := s.coord.HandleQualityDegradation(alloc.CarrierID, c.SNR, alloc.ChunkID, candidates)
	events := []Event{s.redistributionEventLocked(alloc, now, nil)}
	if !ok {
		return events, false
	}

	entry, found := s.queue.Get(alloc.ChunkID)
	next, free := s.freeCarrierLocked(target, view)
	if !found || !free {
		return events, false
	}

	s.releaseLocked(alloc, StatusFailed)
	s.failed++
	s.observer.ChunkFailed(redistribution.QualityDegraded.String())
	return append(events, s.dispatchLocked(entry, next, now)), true
}

func (s *Scheduler) timeoutLocked(alloc *Allocation, elapsed time.Duration, now time.Time, view carrierView) []Event {
	id := alloc.ChunkID
	s.releaseLocked(alloc, StatusFailed)
	s.failed++
	s.observer.ChunkFailed(redistribution.Timeout.String())

	target, ok := s.coord.HandleTimeout(id, alloc.CarrierID, elapsed, s.freeIDsLocked(view))
	events := []Event{s.redistributionEventLocked(alloc, now, context.DeadlineExceeded)}

	if !ok && s.coord.Exhausted(id) {
		return append(events, s.exhaustLocked(id, alloc.CarrierID, now, "timeouts"))
	}
	return append(events, s.retryLocked(id, target, ok, now, view)...)
}

// retryLocked sends an in-flight chunk straight to target when it is free,
// otherwise hands it back to the queue at a decayed priority.
func (s *Scheduler) retryLocked(id string, target int, hasTarget bool, now time.Time, view carrierView) []Event {
	entry, ok := s.queue.Get(id)
	if !ok {
		return nil
	}
	if hasTarget {
		if c, free := s.freeCarrierLocked(target, view); free {
			return []Event{s.dispatchLocked(entry, c, now)}
		}
	}
	s.requeueLocked(entry)
	return nil
}

func (s *Scheduler) requeueLocked(entry *pipeline.Entry) {
	if s.queue.MarkFailed(entry.ID(), true) {
		return
	}
	// The queue is full; keep the retry in the backlog instead of losing it.
	entry.Retries++
	entry.Priority *= pipeline.RetryDecay
	entry.EnqueuedAt = s.clock.Now()
	s.pushBacklogLocked(entry)
}

func (s *Scheduler) exhaustLocked(id string, carrierID int, now time.Time, reason string) Event {
	s.coord.RecordExhausted(id, reason)
	s.queue.Remove(id)
	s.removeBacklogLocked(id)
	delete(s.chunks, id)
	s.exhausted++
	s.observer.RetryExhausted()
	return Event{
		Kind:      EventRetryExhausted,
		ChunkID:   id,
		CarrierID: carrierID,
		At:        now,
		Err:       fmt.Errorf("chunk %s: retries exhausted after %s", id, reason),
	}
}

func (s *Scheduler) redistributionEventLocked(alloc *Allocation, now time.Time, cause error) Event {
	ev := Event{
		Kind:      EventRedistributionNeeded,
		ChunkID:   alloc.ChunkID,
		CarrierID: alloc.CarrierID,
		At:        now,
		Err:       cause,
	}
	if last, ok := s.coord.LastEvent(); ok && last.ChunkID == alloc.ChunkID {
		ev.Redistribution = &last
		s.observer.Redistribution(last.Kind.String())
	}
	return ev
}

func (s *Scheduler) processPendingLocked(now time.Time, view carrierView) []Event {
	res := s.coord.ProcessPending(s.freeIDsLocked(view))
	for _, id := range res.Expired {
		s.logger.Debug().Str("chunk", id).Msg("Parked redistribution expired")
	}
	if len(res.Resolved) == 0 {
		return nil
	}

	ids := make([]string, 0, len(res.Resolved))
	for id := range res.Resolved {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var events []Event
	for _, id := range ids {
		// A lost source says nothing about carriers; the chunk keeps its
		// rank and waits for regular allocation.
		if res.Kinds[id] == redistribution.PeerLost {
			continue
		}
		if s.queue.State(id) != pipeline.StateQueued {
			continue
		}
		c, free := s.freeCarrierLocked(res.Resolved[id], view)
		if !free {
			continue
		}
		entry, ok := s.queue.Claim(id)
		if !ok {
			continue
		}
		events = append(events, s.dispatchLocked(entry, c, now))
	}
	return events
}

// prefetchLocked moves backlog entries into the queue while it is below
// half depth. Entries the queue refuses are dropped and reported.
func (s *Scheduler) prefetchLocked(now time.Time) []Event {
	var events []Event
	for len(s.backlog) > 0 && s.queue.NeedsPrefetch() {
		e := s.backlog[0]
		s.backlog = s.backlog[1:]
		if s.queue.Enqueue(e) {
			continue
		}
		id := e.ID()
		delete(s.chunks, id)
		s.coord.Forget(id)
		s.rejected++
		s.logger.Warn().
			Str("chunk", id).
			Strs("dependencies", e.Dependencies).
			Msg("Backlog entry rejected by pipeline")
		events = append(events, Event{
			Kind:      EventRejected,
			ChunkID:   id,
			CarrierID: NoCarrier,
			At:        now,
			Err:       fmt.Errorf("chunk %s: %w", id, ErrRejected),
		})
	}
	return events
}

func (s *Scheduler) allocateLocked(now time.Time, view carrierView) []Event {
	free := s.freeLocked(view)
	if len(free) == 0 {
		return nil
	}
	ready := s.queue.GetReadyChunks(len(free))
	if len(ready) == 0 {
		return nil
	}

	reqs := make([]carrier.Request, len(ready))
	for i, e := range ready {
		reqs[i] = carrier.Request{ChunkID: e.ID(), Priority: e.Priority, Size: e.Chunk.Size()}
	}
	mapping := s.allocator.Allocate(reqs, free)

	var events []Event
	for _, e := range ready {
		id, ok := mapping[e.ID()]
		if !ok {
			continue
		}
		// A strategy may map two chunks to one carrier; the first one wins
		// and the rest wait for the next tick.
		c, isFree := s.freeCarrierLocked(id, view)
		if !isFree {
			continue
		}
		entry, claimed := s.queue.Claim(e.ID())
		if !claimed {
			continue
		}
		events = append(events, s.dispatchLocked(entry, c, now))
	}
	return events
}

func (s *Scheduler) dispatchLocked(entry *pipeline.Entry, c carrier.Snapshot, now time.Time) Event {
	chunk := entry.Chunk
	s.attempt++
	attempt := s.attempt

	chunk.Attempts++
	chunk.LastAttempt = now

	alloc := &Allocation{
		CarrierID:         c.ID,
		ChunkID:           chunk.ID,
		StartTime:         now,
		EstimatedDuration: s.estimateDuration(chunk.Size(), c.Capacity),
		Quality:           c.SNR,
		Status:            StatusTransmitting,
		Attempt:           attempt,
	}
	s.allocations[c.ID] = alloc
	s.byChunk[chunk.ID] = c.ID
	s.coord.AssignLoad(c.ID)

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancels[attempt] = cancel
	s.wg.Add(1)
	go s.transmit(ctx, c.ID, chunk.ID, attempt, chunk.Data)

	s.observer.ChunkDispatched(c.ID)
	s.logger.Debug().
		Str("chunk", chunk.ID).
		Int("carrier", c.ID).
		Float64("snr", c.SNR).
		Int("attempt", chunk.Attempts).
		Dur("estimated", alloc.EstimatedDuration).
		Msg("Chunk dispatched")

	return Event{Kind: EventDispatched, ChunkID: chunk.ID, CarrierID: c.ID, At: now}
}

func (s *Scheduler) transmit(ctx context.Context, carrierID int, chunkID string, attempt uint64, data []byte) {
	defer s.wg.Done()

	err := s.modem.TransmitOnCarrier(ctx, carrierID, data)

	s.resMu.Lock()
	s.results = append(s.results, result{
		carrierID: carrierID,
		chunkID:   chunkID,
		attempt:   attempt,
		bytes:     len(data),
		err:       err,
	})
	s.resMu.Unlock()
}

func (s *Scheduler) releaseLocked(alloc *Allocation, status Status) {
	delete(s.allocations, alloc.CarrierID)
	delete(s.byChunk, alloc.ChunkID)
	delete(s.degraded, alloc.Attempt)
	if cancel, ok := s.cancels[alloc.Attempt]; ok {
		cancel()
		delete(s.cancels, alloc.Attempt)
	}
	s.coord.ReleaseLoad(alloc.CarrierID)
	alloc.Status = status
}

func (s *Scheduler) estimateDuration(size int, capacity float64) time.Duration {
	if capacity <= 0 {
		capacity = nominalCapacity
	}
	symbols := float64(size*8) / capacity
	return time.Duration(symbols / s.cfg.SymbolRate * float64(time.Second))
}

func (s *Scheduler) rerankLocked() {
	priorities := make(map[string]float64)
	for _, e := range s.queue.Entries() {
		if p, ok := s.tracker.GetChunkPriority(e.Chunk.PieceIndex); ok {
			priorities[e.ID()] = p
			if r, ok := s.tracker.GetChunkRarity(e.Chunk.PieceIndex); ok {
				e.Chunk.Rarity = r
			}
		}
	}
	n := s.queue.UpdatePriorities(priorities)

	for _, e := range s.backlog {
		if p, ok := s.tracker.GetChunkPriority(e.Chunk.PieceIndex); ok {
			e.Priority = e.Decay(p)
		}
	}
	sort.SliceStable(s.backlog, func(i, j int) bool { return backlogBefore(s.backlog[i], s.backlog[j]) })

	s.logger.Debug().
		Int("queued", n).
		Int("backlog", len(s.backlog)).
		Msg("Queue re-ranked")
}

func backlogBefore(a, b *pipeline.Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

func (s *Scheduler) pushBacklogLocked(e *pipeline.Entry) {
	i := sort.Search(len(s.backlog), func(i int) bool { return backlogBefore(e, s.backlog[i]) })
	s.backlog = append(s.backlog, nil)
	copy(s.backlog[i+1:], s.backlog[i:])
	s.backlog[i] = e
}

func (s *Scheduler) removeBacklogLocked(id string) bool {
	for i, e := range s.backlog {
		if e.ID() == id {
			s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
			return true
		}
	}
	return false
}

// Cancel drops a chunk from every scheduler structure immediately. An
// in-flight transmission is cancelled and its carrier is free on the next
// tick.
func (s *Scheduler) Cancel(chunkID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	if cid, ok := s.byChunk[chunkID]; ok {
		s.releaseLocked(s.allocations[cid], StatusFailed)
		removed = true
	}
	if _, ok := s.queue.Remove(chunkID); ok {
		removed = true
	}
	if s.removeBacklogLocked(chunkID) {
		removed = true
	}
	delete(s.chunks, chunkID)
	s.coord.Forget(chunkID)

	if removed {
		s.logger.Info().Str("chunk", chunkID).Msg("Chunk cancelled")
	}
	return removed
}

// PeerLost reports that a source peer disappeared. It returns the
// replacement peer chosen for each affected chunk; the matching
// redistribution events are returned from the next Tick.
func (s *Scheduler) PeerLost(peerID string, chunkIDs []string, alternatives map[string][]string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tracker != nil {
		s.tracker.RemovePeer(peerID)
	}
	result := s.coord.HandlePeerLoss(peerID, chunkIDs, alternatives)

	history := s.coord.Events()
	if n := len(chunkIDs); n > 0 && n <= len(history) {
		now := s.clock.Now()
		for _, e := range history[len(history)-n:] {
			s.outbox = append(s.outbox, Event{
				Kind:           EventRedistributionNeeded,
				ChunkID:        e.ChunkID,
				CarrierID:      NoCarrier,
				At:             now,
				Redistribution: &e,
			})
			s.observer.Redistribution(e.Kind.String())
		}
	}
	return result
}

// GetAllocationStatus summarizes current activity.
func (s *Scheduler) GetAllocationStatus() AllocationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return AllocationStatus{
		Active:     len(s.allocations),
		Completed:  s.completed,
		Failed:     s.failed,
		Exhausted:  s.exhausted,
		Rejected:   s.rejected,
		Queued:     s.queue.Len() + len(s.backlog),
		Pending:    s.coord.Statistics().Pending,
		Throughput: s.queue.Throughput(),
	}
}

// GetCarrierAllocations returns a copy of the allocation table.
func (s *Scheduler) GetCarrierAllocations() map[int]Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]Allocation, len(s.allocations))
	for id, a := range s.allocations {
		out[id] = *a
	}
	return out
}

// ChunkState reports where a chunk currently lives in the pipeline. Backlog
// entries report StateUnknown.
func (s *Scheduler) ChunkState(chunkID string) pipeline.State {
	return s.queue.State(chunkID)
}

// Statistics returns redistribution statistics.
func (s *Scheduler) Statistics() redistribution.Stats {
	return s.coord.Statistics()
}

// EstimatedCompletion estimates the time to drain queued and in-flight work.
func (s *Scheduler) EstimatedCompletion() time.Duration {
	return s.queue.GetEstimatedCompletionTime()
}

// UpdateStrategy switches the allocation strategy for subsequent ticks.
func (s *Scheduler) UpdateStrategy(strategy carrier.Strategy) {
	s.allocator.UpdateStrategy(strategy)
}

// CarrierReliability returns the SNR stability score of a carrier.
func (s *Scheduler) CarrierReliability(carrierID int) float64 {
	return s.allocator.CarrierReliability(carrierID)
}

// Reset cancels all transmissions and clears every table.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = make(map[uint64]context.CancelFunc)
	s.allocations = make(map[int]*Allocation)
	s.byChunk = make(map[string]int)
	s.degraded = make(map[uint64]struct{})
	s.chunks = make(map[string]*swarm.Chunk)
	s.backlog = nil
	s.outbox = nil
	s.completed, s.failed, s.exhausted, s.rejected = 0, 0, 0, 0
	s.lastHealth = time.Time{}

	s.queue.Reset()
	s.coord.Reset()
	s.allocator.ResetHistory()

	s.resMu.Lock()
	s.results = nil
	s.resMu.Unlock()

	s.logger.Info().Msg("Scheduler reset")
}

// AwaitTransmissions blocks until every started transmission has returned
// or ctx is done.
func (s *Scheduler) AwaitTransmissions(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run calls Tick every health check interval until ctx is cancelled,
// passing non-empty event batches to handler.
func (s *Scheduler) Run(ctx context.Context, handler func([]Event)) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			var events []Event
			tracing.Region(ctx, "scheduler.tick", func() { events = s.Tick(now) })
			for _, ev := range events {
				if ev.Kind != EventDispatched {
					tracing.Log(ctx, "scheduler", ev.Kind.String()+" "+ev.ChunkID)
				}
			}
			if handler != nil && len(events) > 0 {
				handler(events)
			}
		}
	}
}

// Close cancels outstanding transmissions and waits for them to return.
// Tick is a no-op afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stop()
	s.mu.Unlock()

	s.wg.Wait()
}
