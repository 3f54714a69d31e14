// Package tracing keeps a rolling runtime trace of the scheduler loop so the
// last few seconds of a running node can be pulled with `go tool trace`.
package tracing

import (
	"context"
	"errors"
	"io"
	"runtime/trace"
	"sync"
	"time"
)

const (
	// DefaultBufferSize caps the trace ring buffer (10MB).
	DefaultBufferSize = 10 * 1024 * 1024
	// DefaultMinAge is how much history the buffer tries to hold.
	DefaultMinAge = 30 * time.Second
)

// ErrNotEnabled is returned by Snapshot on a nil or stopped recorder.
var ErrNotEnabled = errors.New("tracing not enabled")

// Recorder wraps a runtime FlightRecorder. Only one may run per process.
type Recorder struct {
	mu sync.Mutex
	fr *trace.FlightRecorder
}

// Start begins recording. Zero values select the defaults.
func Start(bufferSize int, minAge time.Duration) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if minAge <= 0 {
		minAge = DefaultMinAge
	}

	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return nil, err
	}
	return &Recorder{fr: fr}, nil
}

// Enabled reports whether r is recording. A nil recorder is disabled.
func (r *Recorder) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// Snapshot writes the buffered trace to w.
func (r *Recorder) Snapshot(w io.Writer) error {
	if r == nil {
		return ErrNotEnabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fr == nil {
		return ErrNotEnabled
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop ends recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}

// Region runs fn inside a named trace region.
func Region(ctx context.Context, name string, fn func()) {
	trace.WithRegion(ctx, name, fn)
}

// Log attaches a message to the trace when tracing is active.
func Log(ctx context.Context, category, message string) {
	if trace.IsEnabled() {
		trace.Log(ctx, category, message)
	}
}
