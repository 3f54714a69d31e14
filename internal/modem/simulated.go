// Package modem provides a simulated OFDM modem for running the scheduler
// without radio hardware. Carrier quality drifts as a bounded random walk and
// transmissions are subject to configurable failure, latency and bandwidth.
package modem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/swarmcast/swarmcast/internal/scheduler"
)

var (
	ErrUnknownCarrier  = errors.New("unknown carrier")
	ErrCarrierDisabled = errors.New("carrier disabled")
	ErrTransmitFailed  = errors.New("transmission failed")
)

const (
	DefaultCarriers = 48
	DefaultBaseSNR  = 22.0

	minSNR = -5.0
	maxSNR = 40.0
)

// Config controls the simulated channel.
type Config struct {
	Carriers  int
	BaseSNR   float64 // mean SNR in dB
	SNRSpread float64 // initial per-carrier offset, +/- dB
	SNRWalk   float64 // max drift per Step, +/- dB

	// FailurePercent is the chance (0-100) that a transmission is rejected.
	FailurePercent float64
	// DropoutPercent is the chance (0-100) per Step that a carrier flips
	// between enabled and disabled.
	DropoutPercent float64

	Latency      time.Duration
	Jitter       time.Duration
	BandwidthBps int // bytes per second per carrier, 0 for unlimited

	Seed   int64
	Logger zerolog.Logger
}

// Stats counts simulated transmissions.
type Stats struct {
	Transmissions uint64
	Failures      uint64
	BytesSent     uint64
}

type carrierState struct {
	status  scheduler.CarrierStatus
	limiter *rate.Limiter
}

// Simulated implements scheduler.Modem.
type Simulated struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	carriers []*carrierState
	stats    Stats
}

// New creates a simulated modem seeded from cfg.Seed.
func New(cfg Config) *Simulated {
	return NewWithRng(cfg, rand.New(rand.NewSource(cfg.Seed)))
}

// NewWithRng creates a simulated modem drawing from rng.
func NewWithRng(cfg Config, rng *rand.Rand) *Simulated {
	if cfg.Carriers <= 0 {
		cfg.Carriers = DefaultCarriers
	}
	if cfg.BaseSNR == 0 {
		cfg.BaseSNR = DefaultBaseSNR
	}

	m := &Simulated{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "modem").Logger(),
		rng:    rng,
	}
	for i := 0; i < cfg.Carriers; i++ {
		snr := cfg.BaseSNR
		if cfg.SNRSpread > 0 {
			snr += (rng.Float64()*2 - 1) * cfg.SNRSpread
		}
		snr = clampSNR(snr)
		st := &carrierState{
			status: scheduler.CarrierStatus{
				ID:      i,
				SNR:     snr,
				BER:     berFor(snr),
				Enabled: true,
			},
		}
		if cfg.BandwidthBps > 0 {
			st.limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthBps), cfg.BandwidthBps)
		}
		m.carriers = append(m.carriers, st)
	}
	return m
}

// CarrierStatus returns a snapshot of every carrier.
func (m *Simulated) CarrierStatus() []scheduler.CarrierStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]scheduler.CarrierStatus, len(m.carriers))
	for i, c := range m.carriers {
		out[i] = c.status
	}
	return out
}

// SetCarrier overrides a carrier's SNR and enabled flag.
func (m *Simulated) SetCarrier(id int, snr float64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 0 || id >= len(m.carriers) {
		return fmt.Errorf("carrier %d: %w", id, ErrUnknownCarrier)
	}
	c := m.carriers[id]
	c.status.SNR = clampSNR(snr)
	c.status.BER = berFor(c.status.SNR)
	c.status.Enabled = enabled
	return nil
}

// Step advances the channel by one drift interval.
func (m *Simulated) Step() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.carriers {
		if m.cfg.SNRWalk > 0 {
			c.status.SNR = clampSNR(c.status.SNR + (m.rng.Float64()*2-1)*m.cfg.SNRWalk)
			c.status.BER = berFor(c.status.SNR)
		}
		if m.cfg.DropoutPercent > 0 && m.rng.Float64()*100 < m.cfg.DropoutPercent {
			c.status.Enabled = !c.status.Enabled
			m.logger.Debug().
				Int("carrier", c.status.ID).
				Bool("enabled", c.status.Enabled).
				Msg("Carrier toggled")
		}
	}
}

// Run calls Step every interval until ctx is cancelled.
func (m *Simulated) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Step()
		}
	}
}

// TransmitOnCarrier sends data on one carrier, honoring the configured
// bandwidth, latency and failure rate. It returns early when ctx is done.
func (m *Simulated) TransmitOnCarrier(ctx context.Context, carrierID int, data []byte) error {
	m.mu.Lock()
	if carrierID < 0 || carrierID >= len(m.carriers) {
		m.mu.Unlock()
		return fmt.Errorf("carrier %d: %w", carrierID, ErrUnknownCarrier)
	}
	c := m.carriers[carrierID]
	if !c.status.Enabled {
		m.mu.Unlock()
		return fmt.Errorf("carrier %d: %w", carrierID, ErrCarrierDisabled)
	}
	fail := m.cfg.FailurePercent > 0 && m.rng.Float64()*100 < m.cfg.FailurePercent
	delay := m.cfg.Latency
	if m.cfg.Jitter > 0 {
		delay += time.Duration(m.rng.Int63n(int64(m.cfg.Jitter)))
	}
	limiter := c.limiter
	m.stats.Transmissions++
	m.mu.Unlock()

	if limiter != nil {
		if err := waitBytes(ctx, limiter, len(data)); err != nil {
			return err
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if fail {
		m.stats.Failures++
		return fmt.Errorf("carrier %d: %w", carrierID, ErrTransmitFailed)
	}
	m.stats.BytesSent += uint64(len(data))
	return nil
}

// Stats returns transmission counters.
func (m *Simulated) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// waitBytes consumes n tokens in burst-sized pieces since WaitN rejects
// requests larger than the burst.
func waitBytes(ctx context.Context, l *rate.Limiter, n int) error {
	burst := l.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := l.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

func clampSNR(snr float64) float64 {
	return math.Max(minSNR, math.Min(maxSNR, snr))
}

// berFor approximates the bit error rate of QPSK over AWGN at the given SNR.
func berFor(snrDB float64) float64 {
	linear := math.Pow(10, snrDB/10)
	return 0.5 * math.Erfc(math.Sqrt(linear))
}
