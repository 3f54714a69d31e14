package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/swarmcast/swarmcast/internal/admin"
	"github.com/swarmcast/swarmcast/internal/config"
	"github.com/swarmcast/swarmcast/internal/metrics"
	"github.com/swarmcast/swarmcast/internal/modem"
	"github.com/swarmcast/swarmcast/internal/scheduler"
	"github.com/swarmcast/swarmcast/internal/swarm"
	"github.com/swarmcast/swarmcast/internal/tracing"
)

const statusInterval = 5 * time.Second

func runSimulation(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			log.Info().Msg("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	if enableTracing {
		cfg.Tracing.Enabled = true
	}
	return simulate(ctx, cfg)
}

// simulation holds the wired components of one run.
type simulation struct {
	cfg     *config.Config
	chunks  []*swarm.Chunk
	tracker *swarm.RarityTracker
	modem   *modem.Simulated
	sched   *scheduler.Scheduler
	peers   *peerSwarm
	metrics *metrics.SchedulerMetrics

	mu        sync.Mutex
	delivered map[int]bool
	started   time.Time
}

func newSimulation(cfg *config.Config) (*simulation, error) {
	chunkSize, err := cfg.ChunkSize()
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Simulation.Seed))
	sim := &simulation{
		cfg:       cfg,
		chunks:    buildChunks(cfg.Simulation.Chunks, chunkSize, rng),
		tracker:   swarm.NewRarityTracker(cfg.TrackerConfig(log.Logger)),
		modem:     modem.New(cfg.ModemConfig(log.Logger)),
		peers:     newPeerSwarm(cfg.Simulation.Peers, cfg.Simulation.Chunks, cfg.Simulation.ChurnPercent, rng),
		delivered: make(map[int]bool),
	}

	schedCfg, err := cfg.SchedulerConfig(log.Logger)
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.IsEnabled() {
		sim.metrics = metrics.InitMetrics(cfg.Node, Version)
		schedCfg.Observer = sim.metrics
	}

	sim.sched, err = scheduler.New(schedCfg, sim.modem, sim.tracker)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return sim, nil
}

// buildChunks splits seeded random content into fixed-size pieces.
func buildChunks(count, size int, rng *rand.Rand) []*swarm.Chunk {
	chunks := make([]*swarm.Chunk, count)
	for i := range chunks {
		data := make([]byte, size)
		_, _ = rng.Read(data)
		sum := sha256.Sum256(data)
		chunks[i] = &swarm.Chunk{
			ID:          chunkID(i),
			PieceIndex:  i,
			TotalPieces: count,
			Data:        data,
			Hash:        hex.EncodeToString(sum[:]),
		}
	}
	return chunks
}

func chunkID(index int) string {
	return fmt.Sprintf("piece-%05d", index)
}

func simulate(ctx context.Context, cfg *config.Config) error {
	sim, err := newSimulation(cfg)
	if err != nil {
		return err
	}
	defer sim.sched.Close()

	sim.peers.Announce(sim.tracker)
	sim.started = time.Now()
	queued := sim.sched.QueueChunks(sim.chunks)

	chunkSize, _ := cfg.ChunkSize()
	log.Info().
		Str("node", cfg.Node).
		Str("strategy", cfg.Allocator.Strategy).
		Int("carriers", cfg.Simulation.Carriers).
		Int("chunks", queued).
		Str("chunk_size", humanize.IBytes(uint64(chunkSize))).
		Int("peers", sim.peers.Len()).
		Msg("Simulation started")

	runCtx, finish := context.WithCancel(ctx)
	defer finish()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		sim.modem.Run(gctx, cfg.StepInterval())
		return nil
	})

	g.Go(func() error {
		sim.sched.Run(gctx, func(events []scheduler.Event) {
			if sim.handleEvents(events) {
				finish()
			}
		})
		return nil
	})

	g.Go(func() error {
		sim.runPeers(gctx, cfg.PeerInterval())
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				sim.logStatus()
			}
		}
	})

	var recorder *tracing.Recorder
	if cfg.Tracing.Enabled {
		size, _ := cfg.TraceBufferSize()
		recorder, err = tracing.Start(size, cfg.TraceMinAge())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to start trace recorder")
		} else {
			defer recorder.Stop()
			log.Info().Str("buffer", humanize.IBytes(uint64(size))).Msg("Runtime tracing enabled")
		}
	}

	if sim.metrics != nil {
		collector := metrics.NewCollector(sim.metrics, metrics.CollectorConfig{
			Scheduler: sim.sched,
			Carriers:  sim.modem,
			Swarm:     sim.tracker,
		})
		g.Go(func() error {
			collector.Run(gctx, cfg.MetricsInterval())
			return nil
		})

		server := admin.NewAdminServer(sim.sched, recorder, log.Logger)
		if err := server.Start(cfg.Metrics.Listen); err != nil {
			finish()
			_ = g.Wait()
			return fmt.Errorf("start admin server: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return server.Stop()
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := sim.sched.AwaitTransmissions(waitCtx); err != nil {
		log.Warn().Err(err).Msg("Transmissions still running at shutdown")
	}

	sim.logSummary()
	return nil
}

// handleEvents reacts to one batch of scheduler events and reports whether
// every chunk has reached a terminal state.
func (s *simulation) handleEvents(events []scheduler.Event) bool {
	for _, ev := range events {
		switch ev.Kind {
		case scheduler.EventCompleted:
			if idx, ok := s.pieceIndex(ev.ChunkID); ok {
				s.mu.Lock()
				s.delivered[idx] = true
				s.mu.Unlock()
				s.peers.Received(idx)
				s.tracker.MarkLocalChunks([]int{idx})
			}
		case scheduler.EventRedistributionNeeded:
			l := log.Debug().Str("chunk", ev.ChunkID)
			if ev.CarrierID != scheduler.NoCarrier {
				l = l.Int("carrier", ev.CarrierID)
			}
			if ev.Redistribution != nil {
				l = l.Str("kind", ev.Redistribution.Kind.String()).Str("reason", ev.Redistribution.Reason)
			}
			l.Msg("Redistribution")
		case scheduler.EventRetryExhausted, scheduler.EventRejected:
			log.Error().Err(ev.Err).Str("chunk", ev.ChunkID).Msg("Chunk abandoned")
		}
	}

	status := s.sched.GetAllocationStatus()
	return status.Completed+status.Exhausted+status.Rejected >= len(s.chunks)
}

func (s *simulation) pieceIndex(id string) (int, bool) {
	var idx int
	if _, err := fmt.Sscanf(id, "piece-%d", &idx); err != nil || idx < 0 || idx >= len(s.chunks) {
		return 0, false
	}
	return idx, true
}

// runPeers re-announces peer availability and applies churn every interval.
func (s *simulation) runPeers(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p, ok := s.peers.Churn(); ok {
				s.peerLeft(p)
			}
			s.peers.Announce(s.tracker)
		}
	}
}

// peerLeft reports a departed peer so chunks it was sourcing get a new source.
func (s *simulation) peerLeft(p *simPeer) {
	var affected []string
	alternatives := make(map[string][]string)

	s.mu.Lock()
	for _, idx := range p.indices() {
		if s.delivered[idx] {
			continue
		}
		id := chunkID(idx)
		affected = append(affected, id)
		alternatives[id] = s.peers.Holders(idx, p.id)
	}
	s.mu.Unlock()

	replacements := s.sched.PeerLost(p.id, affected, alternatives)
	log.Info().
		Str("peer", p.id).
		Int("affected", len(affected)).
		Int("reassigned", len(replacements)).
		Msg("Peer left the swarm")
}

func (s *simulation) logStatus() {
	status := s.sched.GetAllocationStatus()
	sent := s.modem.Stats().BytesSent

	log.Info().
		Int("active", status.Active).
		Int("queued", status.Queued).
		Int("completed", status.Completed).
		Int("failed", status.Failed).
		Int("exhausted", status.Exhausted).
		Int("rejected", status.Rejected).
		Str("sent", humanize.IBytes(sent)).
		Str("throughput", humanize.IBytes(uint64(status.Throughput))+"/s").
		Str("completion", fmt.Sprintf("%.1f%%", s.tracker.Completion()*100)).
		Str("eta", s.sched.EstimatedCompletion().Round(time.Second).String()).
		Msg("Status")
}

func (s *simulation) logSummary() {
	status := s.sched.GetAllocationStatus()
	stats := s.sched.Statistics()
	modemStats := s.modem.Stats()
	elapsed := time.Since(s.started)

	var rate uint64
	if elapsed > 0 {
		rate = uint64(float64(modemStats.BytesSent) / elapsed.Seconds())
	}

	log.Info().
		Int("completed", status.Completed).
		Int("exhausted", status.Exhausted).
		Int("redistributions", stats.TotalEvents).
		Float64("avg_retries", stats.AverageRetries).
		Str("sent", humanize.IBytes(modemStats.BytesSent)).
		Str("rate", humanize.IBytes(rate)+"/s").
		Str("transmissions", humanize.Comma(int64(modemStats.Transmissions))).
		Dur("elapsed", elapsed.Round(time.Millisecond)).
		Msg("Simulation finished")
}
