// Package redistribution reacts to carrier failure, quality degradation,
// transmission timeouts and peer loss by proposing replacement resources.
package redistribution

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a redistribution event.
type Kind int

const (
	CarrierFailed Kind = iota
	QualityDegraded
	Timeout
	PeerLost
)

// Kinds lists every event kind in declaration order.
var Kinds = []Kind{CarrierFailed, QualityDegraded, Timeout, PeerLost}

func (k Kind) String() string {
	switch k {
	case CarrierFailed:
		return "carrier-failed"
	case QualityDegraded:
		return "quality-degraded"
	case Timeout:
		return "timeout"
	case PeerLost:
		return "peer-lost"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one entry in the append-only redistribution history.
type Event struct {
	ID         uuid.UUID
	Kind       Kind
	ChunkID    string
	CarrierID  int
	HasCarrier bool
	PeerID     string
	Timestamp  time.Time
	Reason     string
}

// Candidate is a carrier offered as a replacement, with its live SNR.
type Candidate struct {
	ID  int
	SNR float64
}

// Pending is a redistribution that found no replacement and is parked until
// ProcessPending resolves or expires it.
type Pending struct {
	ChunkID       string
	Kind          Kind
	FailedCarrier int
	HasCarrier    bool
	PeerID        string
	Since         time.Time
}

// PendingResult is the outcome of one ProcessPending sweep.
type PendingResult struct {
	Resolved map[string]int  // chunk id -> carrier id
	Kinds    map[string]Kind // kind of the parked event, per resolved chunk
	Expired  []string
}

// Stats summarizes redistribution activity.
type Stats struct {
	TotalEvents     int
	ByKind          map[string]int
	AverageRetries  float64
	Pending         int
	CarrierLoad     map[int]int
	RetryExhausted  int
	ExhaustedChunks []string
}
