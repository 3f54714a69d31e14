// Package carrier maps pending chunks onto OFDM subcarriers using one of
// several allocation strategies over live per-carrier quality snapshots.
package carrier

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// DefaultPilotInterval reserves every 6th carrier for synchronization tones.
const DefaultPilotInterval = 6

// Snapshot is a read-only view of one carrier's quality at a point in time.
type Snapshot struct {
	ID          int
	SNR         float64 // dB
	BER         float64
	Capacity    float64 // bits per symbol
	Utilization float64 // 0-1
	Enabled     bool
}

// IsPilot reports whether the carrier index is reserved for pilot tones.
// An interval of zero or less means no carrier is a pilot.
func IsPilot(id, interval int) bool {
	return interval > 0 && id%interval == 0
}

// EstimateCapacity maps SNR onto the bits per symbol of the densest
// constellation it can carry: BPSK, QPSK, 16-QAM or 64-QAM.
func EstimateCapacity(snr float64) float64 {
	switch {
	case snr >= 25:
		return 6
	case snr >= 18:
		return 4
	case snr >= 10:
		return 2
	default:
		return 1
	}
}

// Score blends SNR, BER, capacity and spare capacity into a 0-1 figure of merit.
func Score(c Snapshot) float64 {
	snr := 0.4 * math.Min(1, c.SNR/30)
	ber := 0.3 * math.Max(0, 1-1000*c.BER)
	capacity := 0.2 * (c.Capacity / 6)
	free := 0.1 * math.Max(0, 1-c.Utilization)
	return snr + ber + capacity + free
}

// Strategy selects how chunks are matched to carriers.
type Strategy int

const (
	// PriorityWeighted scores carriers and gives high-priority chunks the best ones.
	PriorityWeighted Strategy = iota
	// QualityFirst pairs the highest-priority chunks with the highest-SNR carriers.
	QualityFirst
	// LoadBalanced spreads chunks round-robin over lightly used carriers.
	LoadBalanced
)

// ErrUnknownStrategy is returned by ParseStrategy for unrecognized names.
var ErrUnknownStrategy = errors.New("unknown allocation strategy")

func (s Strategy) String() string {
	switch s {
	case PriorityWeighted:
		return "priority-weighted"
	case QualityFirst:
		return "quality-first"
	case LoadBalanced:
		return "load-balanced"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts a strategy name into a Strategy. The empty string
// selects PriorityWeighted.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "priority-weighted":
		return PriorityWeighted, nil
	case "quality-first":
		return QualityFirst, nil
	case "load-balanced":
		return LoadBalanced, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}
