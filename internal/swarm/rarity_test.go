package swarm

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmcast/swarmcast/testutil"
)

func newTestTracker(t *testing.T, total int) (*RarityTracker, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	tr := NewRarityTracker(TrackerConfig{
		TotalPieces: total,
		Clock:       clock.Now,
		Logger:      zerolog.Nop(),
	})
	return tr, clock
}

func TestRarityTracker_RarityFromActivePeers(t *testing.T) {
	tr, _ := newTestTracker(t, 10)

	tr.UpdatePeerAvailability("peer-a", []int{0, 1})
	tr.UpdatePeerAvailability("peer-b", []int{0})

	r0, ok := tr.GetChunkRarity(0)
	require.True(t, ok)
	assert.InDelta(t, 1.0, r0, 1e-9)

	r1, ok := tr.GetChunkRarity(1)
	require.True(t, ok)
	assert.InDelta(t, 0.5, r1, 1e-9)

	r2, ok := tr.GetChunkRarity(2)
	require.True(t, ok)
	assert.InDelta(t, 0.0, r2, 1e-9)

	assert.Equal(t, 2, tr.ActivePeers())
}

func TestRarityTracker_UnknownChunk(t *testing.T) {
	tr, _ := newTestTracker(t, 4)

	_, ok := tr.GetChunkRarity(99)
	assert.False(t, ok, "never-scored piece should report false")
}

func TestRarityTracker_MissingBoostAndClamp(t *testing.T) {
	tr, _ := newTestTracker(t, 10)

	tr.UpdatePeerAvailability("peer-a", []int{0, 1})
	tr.UpdatePeerAvailability("peer-b", []int{0})

	// (1 - 0.5) * 1.5 with no local neighbours
	p1, _ := tr.GetChunkPriority(1)
	assert.InDelta(t, 0.75, p1, 1e-9)

	// (1 - 0) * 1.5 clamps to 1
	p2, _ := tr.GetChunkPriority(2)
	assert.InDelta(t, 1.0, p2, 1e-9)

	p0, _ := tr.GetChunkPriority(0)
	assert.InDelta(t, 0.0, p0, 1e-9)
}

func TestRarityTracker_SequentialBonus(t *testing.T) {
	tr, _ := newTestTracker(t, 20)

	tr.MarkLocalChunks([]int{5})
	tr.UpdatePeerAvailability("peer-a", []int{4, 6, 8})
	tr.UpdatePeerAvailability("peer-b", []int{4, 6, 8})

	// Adjacent to a local piece: 0 + 0.5
	p4, _ := tr.GetChunkPriority(4)
	assert.InDelta(t, 0.5, p4, 1e-9)

	// One local piece within the window: 0 + 1/10
	p8, _ := tr.GetChunkPriority(8)
	assert.InDelta(t, 0.1, p8, 1e-9)
}

func TestRarityTracker_Endgame(t *testing.T) {
	t.Run("below threshold", func(t *testing.T) {
		tr, _ := newTestTracker(t, 10)
		tr.MarkLocalChunks([]int{0, 1, 2, 3, 4, 5, 6, 7, 8})
		tr.UpdatePeerAvailability("peer-a", []int{9})

		assert.False(t, tr.Endgame(), "0.9 completion is not above the threshold")
		p, _ := tr.GetChunkPriority(9)
		assert.InDelta(t, 0.5, p, 1e-9)
	})

	t.Run("above threshold doubles", func(t *testing.T) {
		tr, _ := newTestTracker(t, 11)
		tr.MarkLocalChunks([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
		tr.UpdatePeerAvailability("peer-a", []int{10})

		assert.True(t, tr.Endgame())
		p, _ := tr.GetChunkPriority(10)
		assert.InDelta(t, 1.0, p, 1e-9)
	})
}

func TestRarityTracker_InactivePeersIgnored(t *testing.T) {
	tr, clock := newTestTracker(t, 4)

	tr.UpdatePeerAvailability("stale", []int{0})
	clock.Advance(31 * time.Second)
	tr.UpdatePeerAvailability("fresh", []int{1})

	// Only "fresh" is active now.
	r0, _ := tr.GetChunkRarity(0)
	r1, _ := tr.GetChunkRarity(1)
	assert.InDelta(t, 0.0, r0, 1e-9)
	assert.InDelta(t, 1.0, r1, 1e-9)
	assert.Equal(t, 1, tr.ActivePeers())
}

func TestRarityTracker_ReliabilityGrowsWithObservation(t *testing.T) {
	tr, clock := newTestTracker(t, 4)

	tr.UpdatePeerAvailability("peer-a", []int{0})
	peers := tr.Peers()
	require.Len(t, peers, 1)
	assert.InDelta(t, 0.5, peers[0].Reliability, 1e-9)

	for i := 0; i < 6; i++ {
		clock.Advance(10 * time.Second)
		tr.UpdatePeerAvailability("peer-a", []int{0})
	}
	peers = tr.Peers()
	assert.InDelta(t, 1.0, peers[0].Reliability, 1e-9)

	// A gap longer than the active window restarts observation.
	clock.Advance(45 * time.Second)
	tr.UpdatePeerAvailability("peer-a", []int{0})
	peers = tr.Peers()
	assert.InDelta(t, 0.5, peers[0].Reliability, 1e-9)
}

func TestRarityTracker_TickPrunesStalePeers(t *testing.T) {
	tr, clock := newTestTracker(t, 4)

	tr.UpdatePeerAvailability("peer-a", []int{0})
	assert.True(t, tr.Tick(clock.Now()))

	// Within the recompute interval nothing happens.
	assert.False(t, tr.Tick(clock.Advance(time.Second)))

	clock.Advance(60 * time.Second)
	assert.True(t, tr.Tick(clock.Now()))
	assert.Empty(t, tr.Peers())
}

func TestRarityTracker_RecomputeIdempotent(t *testing.T) {
	tr, _ := newTestTracker(t, 30)

	tr.MarkLocalChunks([]int{3, 4, 17})
	tr.UpdatePeerAvailability("peer-a", []int{0, 1, 2, 5, 9, 20})
	tr.UpdatePeerAvailability("peer-b", []int{1, 2, 9, 21, 22})
	tr.UpdatePeerAvailability("peer-c", []int{2, 9})

	tr.Recompute()
	first := tr.Scores()
	tr.Recompute()
	second := tr.Scores()

	assert.Equal(t, first, second)
}

func TestRarityTracker_GetPrioritizedChunks(t *testing.T) {
	tr, _ := newTestTracker(t, 6)

	tr.MarkLocalChunks([]int{0})
	tr.UpdatePeerAvailability("peer-a", []int{1, 2, 3, 4})
	tr.UpdatePeerAvailability("peer-b", []int{2, 3, 4})
	tr.UpdatePeerAvailability("peer-c", []int{3, 4})
	tr.UpdatePeerAvailability("peer-d", []int{4})

	got := tr.GetPrioritizedChunks(0)
	assert.NotContains(t, got, 0, "local pieces are never returned")
	require.Len(t, got, 5)

	// Piece 5 is held by nobody, piece 1 is adjacent to local piece 0.
	assert.Equal(t, []int{1, 5}, got[:2])

	limited := tr.GetPrioritizedChunks(2)
	assert.Equal(t, got[:2], limited)
}

func TestRarityTracker_RemovePeer(t *testing.T) {
	tr, _ := newTestTracker(t, 2)
	tr.UpdatePeerAvailability("peer-a", []int{0})
	tr.UpdatePeerAvailability("peer-b", []int{1})

	assert.Equal(t, []string{"peer-a"}, tr.PeersHolding(0))

	tr.RemovePeer("peer-a")
	r1, _ := tr.GetChunkRarity(1)
	assert.InDelta(t, 1.0, r1, 1e-9)
	assert.Empty(t, tr.PeersHolding(0))
}

func TestRarityTracker_Completion(t *testing.T) {
	tr, _ := newTestTracker(t, 4)
	assert.InDelta(t, 0.0, tr.Completion(), 1e-9)

	tr.MarkLocalChunks([]int{0, 1})
	assert.InDelta(t, 0.5, tr.Completion(), 1e-9)
}
