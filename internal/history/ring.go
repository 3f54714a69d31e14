// Package history provides a fixed-capacity ring buffer for bounded,
// append-only histories such as carrier SNR samples and redistribution events.
package history

// Ring is a fixed-size circular buffer. Once full, each Push overwrites the
// oldest item. Ring is not safe for concurrent use; callers hold their own lock.
type Ring[T any] struct {
	data  []T
	head  int // next write position
	count int // number of items in buffer
}

// NewRing creates a ring buffer with the given capacity. A capacity below one
// is raised to one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		data: make([]T, capacity),
	}
}

// Push appends an item, evicting the oldest one when the buffer is full.
// It reports whether an item was evicted.
func (r *Ring[T]) Push(v T) bool {
	evicted := r.count == len(r.data)
	r.data[r.head] = v
	r.head = (r.head + 1) % len(r.data)
	if !evicted {
		r.count++
	}
	return evicted
}

// Last returns the last n items, newest first.
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + len(r.data)) % len(r.data)
		result[i] = r.data[idx]
	}
	return result
}

// Items returns every item, oldest first.
func (r *Ring[T]) Items() []T {
	if r.count == 0 {
		return nil
	}
	result := make([]T, r.count)
	start := (r.head - r.count + len(r.data)) % len(r.data)
	for i := 0; i < r.count; i++ {
		result[i] = r.data[(start+i)%len(r.data)]
	}
	return result
}

// Each calls fn for every item, oldest first, until fn returns false.
func (r *Ring[T]) Each(fn func(T) bool) {
	start := (r.head - r.count + len(r.data)) % len(r.data)
	for i := 0; i < r.count; i++ {
		if !fn(r.data[(start+i)%len(r.data)]) {
			return
		}
	}
}

// Len returns the number of items in the buffer.
func (r *Ring[T]) Len() int {
	return r.count
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int {
	return len(r.data)
}

// Reset drops all items.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head = 0
	r.count = 0
}
