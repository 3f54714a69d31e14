package main

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmcast/swarmcast/internal/config"
	"github.com/swarmcast/swarmcast/internal/scheduler"
	"github.com/swarmcast/swarmcast/internal/swarm"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	disabled := false
	cfg.Metrics.Enabled = &disabled
	cfg.Scheduler.HealthCheckInterval = "10ms"
	cfg.Simulation.Chunks = 24
	cfg.Simulation.ChunkSize = "256 B"
	cfg.Simulation.Carriers = 12
	cfg.Simulation.Peers = 4
	cfg.Simulation.PeerInterval = "20ms"
	cfg.Simulation.StepInterval = "20ms"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildChunks(t *testing.T) {
	chunks := buildChunks(5, 64, rand.New(rand.NewSource(1)))
	require.Len(t, chunks, 5)

	seen := map[string]bool{}
	for i, c := range chunks {
		assert.Equal(t, chunkID(i), c.ID)
		assert.Equal(t, i, c.PieceIndex)
		assert.Equal(t, 5, c.TotalPieces)
		assert.Equal(t, 64, c.Size())
		assert.Len(t, c.Hash, 64)
		assert.False(t, seen[c.Hash], "pieces should differ")
		seen[c.Hash] = true
	}

	again := buildChunks(5, 64, rand.New(rand.NewSource(1)))
	assert.Equal(t, chunks[3].Data, again[3].Data, "same seed should give same content")
}

func TestPieceIndex(t *testing.T) {
	sim := &simulation{chunks: make([]*swarm.Chunk, 10)}

	idx, ok := sim.pieceIndex(chunkID(7))
	assert.True(t, ok)
	assert.Equal(t, 7, idx)

	_, ok = sim.pieceIndex(chunkID(10))
	assert.False(t, ok)
	_, ok = sim.pieceIndex("other")
	assert.False(t, ok)
}

func TestPeerSwarm(t *testing.T) {
	peers := newPeerSwarm(3, 50, 100, rand.New(rand.NewSource(4)))
	assert.Equal(t, 3, peers.Len())

	tracker := swarm.NewRarityTracker(swarm.TrackerConfig{TotalPieces: 50})
	peers.Announce(tracker)
	assert.Equal(t, 3, tracker.ActivePeers())

	p, ok := peers.Churn()
	require.True(t, ok, "100% churn always removes a peer")
	assert.Equal(t, 2, peers.Len())
	for _, idx := range p.indices() {
		assert.NotContains(t, peers.Holders(idx, ""), p.id)
	}

	quiet := newPeerSwarm(3, 10, 0, rand.New(rand.NewSource(4)))
	_, ok = quiet.Churn()
	assert.False(t, ok)
}

func TestPeerSwarm_Received(t *testing.T) {
	peers := newPeerSwarm(20, 4, 0, rand.New(rand.NewSource(9)))
	before := len(peers.Holders(2, ""))

	for i := 0; i < 5; i++ {
		peers.Received(2)
	}
	after := len(peers.Holders(2, ""))
	assert.Greater(t, after, before)
	assert.LessOrEqual(t, after, 20)
}

func TestSimulation_HandleEvents(t *testing.T) {
	cfg := testConfig(t)
	sim, err := newSimulation(cfg)
	require.NoError(t, err)
	defer sim.sched.Close()

	require.Equal(t, 24, sim.sched.QueueChunks(sim.chunks))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := false
	for i := 0; i < 100 && !done; i++ {
		events := sim.sched.Tick(time.Now())
		require.NoError(t, sim.sched.AwaitTransmissions(ctx))
		done = sim.handleEvents(events)
	}
	// Completions from the last batch of transmissions arrive on the next tick.
	for i := 0; i < 5 && !done; i++ {
		done = sim.handleEvents(sim.sched.Tick(time.Now()))
	}

	require.True(t, done)
	assert.Equal(t, 24, sim.sched.GetAllocationStatus().Completed)
	assert.Len(t, sim.delivered, 24)
	assert.Equal(t, 1.0, sim.tracker.Completion())
}

func TestSimulation_PeerLeft(t *testing.T) {
	cfg := testConfig(t)
	cfg.Simulation.ChurnPercent = 100
	sim, err := newSimulation(cfg)
	require.NoError(t, err)
	defer sim.sched.Close()

	sim.peers.Announce(sim.tracker)
	sim.sched.QueueChunks(sim.chunks)

	p, ok := sim.peers.Churn()
	require.True(t, ok)
	sim.peerLeft(p)

	var lost int
	for _, ev := range sim.sched.Tick(time.Now()) {
		if ev.Kind == scheduler.EventRedistributionNeeded {
			lost++
		}
	}
	assert.Equal(t, len(p.indices()), lost)
	assert.Equal(t, 3, sim.tracker.ActivePeers())
}

func TestSimulate_RunsToCompletion(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, simulate(ctx, cfg))
	assert.NoError(t, ctx.Err(), "simulation should finish before the deadline")
}
