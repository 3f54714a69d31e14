// Package pipeline holds the bounded, priority-ordered look-ahead queue of
// chunks waiting for a carrier.
package pipeline

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/swarmcast/swarmcast/internal/swarm"
)

const (
	DefaultMaxDepth = 64

	// RetryDecay scales an entry's priority each time it is re-enqueued after a failure.
	RetryDecay = 0.8
)

// Entry wraps a chunk waiting in the pipeline.
type Entry struct {
	Chunk                 *swarm.Chunk
	Priority              float64
	EnqueuedAt            time.Time
	EstimatedTransmitTime time.Duration
	Dependencies          []string // chunk ids that must complete first
	Retries               int      // failed attempts handed back for retry
}

// ID returns the chunk id, or "" for an entry without a chunk.
func (e *Entry) ID() string {
	if e == nil || e.Chunk == nil {
		return ""
	}
	return e.Chunk.ID
}

// Decay scales a base priority by RetryDecay once per retry.
func (e *Entry) Decay(p float64) float64 {
	return clamp01(p * math.Pow(RetryDecay, float64(e.Retries)))
}

// State is where a chunk id currently lives in the pipeline.
type State int

const (
	StateUnknown State = iota
	StateQueued
	StateInFlight
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateInFlight:
		return "in-flight"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Config configures a Queue.
type Config struct {
	MaxDepth int
	// RejectCycles makes Enqueue refuse entries whose dependencies close a
	// cycle. When false, cyclic entries stay queued until removed externally.
	RejectCycles bool
	Clock        func() time.Time
	Logger       zerolog.Logger
}

// Queue is the scheduler's working set. Entries are kept in priority order
// (ties by earliest EnqueuedAt) and a chunk id lives in at most one of the
// queued, in-flight and completed sets.
type Queue struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	entries   []*Entry
	queued    map[string]*Entry
	inFlight  map[string]*Entry
	completed map[string]struct{}

	completedBytes int64
	firstDispatch  time.Time
}

// NewQueue creates an empty queue.
func NewQueue(cfg Config) *Queue {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Queue{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "pipeline").Logger(),
		queued:    make(map[string]*Entry),
		inFlight:  make(map[string]*Entry),
		completed: make(map[string]struct{}),
	}
}

// MaxDepth returns the configured queue bound.
func (q *Queue) MaxDepth() int {
	return q.cfg.MaxDepth
}

// Enqueue inserts an entry at its priority rank. It returns false when the id
// is already queued, in flight or completed, when the queue is full, or when
// cycle rejection is enabled and the entry would close a dependency cycle.
func (q *Queue) Enqueue(e *Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(e)
}

// EnqueueBatch enqueues each entry in turn and returns how many were accepted.
func (q *Queue) EnqueueBatch(entries []*Entry) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range entries {
		if q.enqueueLocked(e) {
			n++
		}
	}
	return n
}

func (q *Queue) enqueueLocked(e *Entry) bool {
	id := e.ID()
	if id == "" {
		return false
	}
	if q.stateLocked(id) != StateUnknown {
		q.logger.Debug().Str("chunk", id).Msg("Duplicate enqueue rejected")
		return false
	}
	if len(q.entries) >= q.cfg.MaxDepth {
		return false
	}
	if q.cfg.RejectCycles && q.closesCycleLocked(id, e.Dependencies) {
		q.logger.Warn().
			Str("chunk", id).
			Strs("dependencies", e.Dependencies).
			Msg("Dependency cycle rejected")
		return false
	}

	e.Priority = clamp01(e.Priority)
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.cfg.Clock()
	}
	q.insertLocked(e)
	return true
}

// insertLocked places e using binary search over (priority desc, enqueuedAt asc).
func (q *Queue) insertLocked(e *Entry) {
	i := sort.Search(len(q.entries), func(i int) bool {
		return before(e, q.entries[i])
	})
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	q.queued[e.ID()] = e
}

func before(a, b *Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// Dequeue moves the highest-priority entry whose dependencies are complete
// into flight. Blocked entries are skipped, not waited on. It returns nil
// when no entry is ready.
func (q *Queue) Dequeue() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if q.readyLocked(e) {
			q.takeLocked(i)
			return e
		}
	}
	return nil
}

// DequeueBatch moves up to n ready entries into flight, in priority order.
func (q *Queue) DequeueBatch(n int) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	for i := 0; i < len(q.entries) && len(out) < n; {
		e := q.entries[i]
		if !q.readyLocked(e) {
			i++
			continue
		}
		q.takeLocked(i)
		out = append(out, e)
	}
	return out
}

// Claim moves a specific queued entry into flight regardless of its rank.
// Dependencies must still be satisfied.
func (q *Queue) Claim(id string) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.queued[id]
	if !ok || !q.readyLocked(e) {
		return nil, false
	}
	for i, cur := range q.entries {
		if cur == e {
			q.takeLocked(i)
			return e, true
		}
	}
	return nil, false
}

func (q *Queue) takeLocked(i int) {
	e := q.entries[i]
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	delete(q.queued, e.ID())
	q.inFlight[e.ID()] = e
	if q.firstDispatch.IsZero() {
		q.firstDispatch = q.cfg.Clock()
	}
}

// GetReadyChunks returns up to limit queued entries whose dependencies are
// complete, in priority order, without removing them. A limit of zero or
// less returns all of them.
func (q *Queue) GetReadyChunks(limit int) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	for _, e := range q.entries {
		if limit > 0 && len(out) >= limit {
			break
		}
		if q.readyLocked(e) {
			out = append(out, e)
		}
	}
	return out
}

// MarkCompleted records a chunk as done. Completed ids are never re-enqueued.
func (q *Queue) MarkCompleted(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, done := q.completed[id]; done {
		return false
	}
	e, ok := q.inFlight[id]
	if ok {
		delete(q.inFlight, id)
	} else if e, ok = q.queued[id]; ok {
		q.removeQueuedLocked(id)
	}
	if e != nil {
		q.completedBytes += int64(e.Chunk.Size())
	}
	q.completed[id] = struct{}{}
	return true
}

// MarkFailed takes a chunk out of flight. With retry it is re-enqueued with
// its priority decayed and a fresh EnqueuedAt; it returns whether the chunk
// is queued again. A full queue cannot take the retry back.
func (q *Queue) MarkFailed(id string, retry bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inFlight[id]
	if ok {
		delete(q.inFlight, id)
	} else if e, ok = q.queued[id]; ok {
		q.removeQueuedLocked(id)
	}
	if !ok || !retry {
		return false
	}
	if len(q.entries) >= q.cfg.MaxDepth {
		q.logger.Debug().Str("chunk", id).Msg("Retry dropped, queue full")
		return false
	}

	e.Retries++
	e.Priority = clamp01(e.Priority * RetryDecay)
	e.EnqueuedAt = q.cfg.Clock()
	q.insertLocked(e)
	return true
}

// Remove drops a chunk from the queued and in-flight sets immediately.
func (q *Queue) Remove(id string) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.inFlight[id]; ok {
		delete(q.inFlight, id)
		return e, true
	}
	if e, ok := q.queued[id]; ok {
		q.removeQueuedLocked(id)
		return e, true
	}
	return nil, false
}

func (q *Queue) removeQueuedLocked(id string) {
	e := q.queued[id]
	delete(q.queued, id)
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// NeedsPrefetch reports whether the queue is below half of its max depth.
func (q *Queue) NeedsPrefetch() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(len(q.entries)) < 0.5*float64(q.cfg.MaxDepth)
}

// Optimize re-sorts the queue with dependency-satisfied entries first, then
// by priority. Order is restored to plain priority order by the next
// UpdatePriorities call.
func (q *Queue) Optimize() {
	q.mu.Lock()
	defer q.mu.Unlock()

	sort.SliceStable(q.entries, func(i, j int) bool {
		ri, rj := q.readyLocked(q.entries[i]), q.readyLocked(q.entries[j])
		if ri != rj {
			return ri
		}
		return before(q.entries[i], q.entries[j])
	})
}

// UpdatePriorities sets new base priorities for queued entries and re-sorts.
// Entries that were retried keep their decay on top of the new base.
func (q *Queue) UpdatePriorities(priorities map[string]float64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, p := range priorities {
		if e, ok := q.queued[id]; ok {
			e.Priority = e.Decay(p)
			n++
		}
	}
	sort.SliceStable(q.entries, func(i, j int) bool {
		return before(q.entries[i], q.entries[j])
	})
	return n
}

// GetEstimatedCompletionTime estimates how long the outstanding work takes.
// Once completions have been observed it divides outstanding bytes by the
// observed throughput; before that it sums per-entry estimates.
func (q *Queue) GetEstimatedCompletionTime() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if tp := q.throughputLocked(); tp > 0 {
		var outstanding int64
		for _, e := range q.entries {
			outstanding += int64(e.Chunk.Size())
		}
		for _, e := range q.inFlight {
			outstanding += int64(e.Chunk.Size())
		}
		return time.Duration(float64(outstanding) / tp * float64(time.Second))
	}

	var total time.Duration
	for _, e := range q.entries {
		total += e.EstimatedTransmitTime
	}
	for _, e := range q.inFlight {
		total += e.EstimatedTransmitTime
	}
	return total
}

// Throughput returns completed bytes per second since the first dispatch.
func (q *Queue) Throughput() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.throughputLocked()
}

func (q *Queue) throughputLocked() float64 {
	if q.completedBytes == 0 || q.firstDispatch.IsZero() {
		return 0
	}
	elapsed := q.cfg.Clock().Sub(q.firstDispatch).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(q.completedBytes) / elapsed
}

// State returns which set the chunk id is in.
func (q *Queue) State(id string) State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stateLocked(id)
}

func (q *Queue) stateLocked(id string) State {
	if _, ok := q.queued[id]; ok {
		return StateQueued
	}
	if _, ok := q.inFlight[id]; ok {
		return StateInFlight
	}
	if _, ok := q.completed[id]; ok {
		return StateCompleted
	}
	return StateUnknown
}

// Get returns the queued or in-flight entry for id.
func (q *Queue) Get(id string) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.queued[id]; ok {
		return e, true
	}
	e, ok := q.inFlight[id]
	return e, ok
}

// Entries returns the queued entries in their current order.
func (q *Queue) Entries() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// InFlightLen returns the number of in-flight entries.
func (q *Queue) InFlightLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// CompletedLen returns the number of completed chunk ids.
func (q *Queue) CompletedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}

// Reset empties every set and clears throughput accounting.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.queued = make(map[string]*Entry)
	q.inFlight = make(map[string]*Entry)
	q.completed = make(map[string]struct{})
	q.completedBytes = 0
	q.firstDispatch = time.Time{}
}

func (q *Queue) readyLocked(e *Entry) bool {
	for _, dep := range e.Dependencies {
		if _, ok := q.completed[dep]; !ok {
			return false
		}
	}
	return true
}

// closesCycleLocked reports whether adding id with deps would create a cycle
// among queued and in-flight entries.
func (q *Queue) closesCycleLocked(id string, deps []string) bool {
	visited := make(map[string]bool)
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == id {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true

		e, ok := q.queued[cur]
		if !ok {
			e, ok = q.inFlight[cur]
		}
		if ok {
			stack = append(stack, e.Dependencies...)
		}
	}
	return false
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
