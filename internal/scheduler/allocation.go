package scheduler

import (
	"fmt"
	"time"

	"github.com/swarmcast/swarmcast/internal/redistribution"
)

// Status is the lifecycle state of an Allocation.
type Status int

const (
	StatusPending Status = iota
	StatusTransmitting
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusTransmitting:
		return "transmitting"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Allocation binds one chunk to one carrier for a single transmission attempt.
type Allocation struct {
	CarrierID         int
	ChunkID           string
	StartTime         time.Time
	EstimatedDuration time.Duration
	Quality           float64 // SNR at dispatch
	Status            Status
	Attempt           uint64
}

// AllocationStatus is a point-in-time summary of scheduler activity.
type AllocationStatus struct {
	Active     int
	Completed  int
	Failed     int
	Exhausted  int
	Rejected   int // backlog entries the queue refused
	Queued     int
	Pending    int
	Throughput float64 // bytes per second
}

// EventKind classifies what a Tick observed.
type EventKind int

const (
	EventDispatched EventKind = iota
	EventCompleted
	EventRedistributionNeeded
	EventRetryExhausted
	EventRejected
)

func (k EventKind) String() string {
	switch k {
	case EventDispatched:
		return "dispatched"
	case EventCompleted:
		return "completed"
	case EventRedistributionNeeded:
		return "redistribution-needed"
	case EventRetryExhausted:
		return "retry-exhausted"
	case EventRejected:
		return "rejected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is returned from Tick for each notable state change.
type Event struct {
	Kind    EventKind
	ChunkID string
	// CarrierID is NoCarrier for events that involve no carrier.
	CarrierID int
	At        time.Time
	// Redistribution is set for EventRedistributionNeeded.
	Redistribution *redistribution.Event
	Err            error
}
