package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperraft/hyperraft/pkg/store"
	"github.com/hyperraft/hyperraft/types"
)

type fakeClock struct {
	mtx   sync.Mutex
	now   time.Time
	ticks chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		ticks: make(chan time.Time, 16),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mtx.Lock()
	c.now = c.now.Add(d)
	c.mtx.Unlock()
}

// Tick fires the engine's timer once at the current fake time.
func (c *fakeClock) Tick() {
	c.ticks <- c.Now()
}

func (c *fakeClock) NewTicker(time.Duration) Ticker { return fakeTicker{ch: c.ticks} }

type fakeTicker struct {
	ch chan time.Time
}

func (t fakeTicker) Ch() <-chan time.Time { return t.ch }
func (t fakeTicker) Stop()                {}

type fakeMembership struct {
	mtx        sync.Mutex
	validators []string
}

func newFakeMembership(validators ...string) *fakeMembership {
	return &fakeMembership{validators: validators}
}

func (m *fakeMembership) ActiveValidatorCount() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.validators)
}

func (m *fakeMembership) IsValidator(nodeID string) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, v := range m.validators {
		if v == nodeID {
			return true
		}
	}
	return false
}

func (m *fakeMembership) ActiveValidators() []types.NodeInfo {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	nodes := make([]types.NodeInfo, 0, len(m.validators))
	for _, v := range m.validators {
		nodes = append(nodes, types.NodeInfo{NodeID: v, Type: types.NodeTypeValidator, IsActive: true})
	}
	return nodes
}

type failingStore struct {
	store.Store
	appendErr error
}

func (s *failingStore) Height(context.Context) (uint64, error) { return 0, nil }

func (s *failingStore) AppendEntry(context.Context, *types.LogEntry) error {
	return s.appendErr
}

func testConfig(nodeID string) Config {
	cfg := DefaultConfig(nodeID)
	cfg.Bootstrap = true
	cfg.ElectionJitter = 0
	cfg.ProposalBuffer = 2
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, membership Membership) (*Engine, *fakeClock, store.Store) {
	t.Helper()

	kv, err := store.NewTestInMemoryKVStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	logStore := store.New(store.NewLogKVStore(kv))

	clock := newFakeClock()
	engine, err := NewEngine(cfg, logStore, membership, nil, clock, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Stop() })
	return engine, clock, logStore
}

func makeBlock(height, term uint64, proposer string, prev types.Hash) *types.Block {
	block := &types.Block{
		Height:       height,
		Term:         term,
		PreviousHash: prev,
		Timestamp:    uint64(time.Now().UnixNano()),
		Proposer:     proposer,
	}
	block.Hash = block.ComputeHash()
	return block
}

func waitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			require.True(t, ok, "event channel closed while waiting for %s", want)
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestEngineFinalizesOnQuorum(t *testing.T) {
	membership := newFakeMembership("n1", "n2", "n3")
	engine, _, logStore := newTestEngine(t, testConfig("n1"), membership)
	ctx := context.Background()

	events, cancel := engine.Subscribe()
	defer cancel()

	block := makeBlock(1, 1, "n1", nil)
	require.NoError(t, engine.ProposeBlock(ctx, block))
	waitEvent(t, events, EventBlockProposed)

	// threshold for 3 validators is 3: two approvals are not enough
	require.NoError(t, engine.VoteOnBlock(ctx, block.Hash, "n1", true))
	require.NoError(t, engine.VoteOnBlock(ctx, block.Hash, "n2", true))

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), status.Height)
	assert.Equal(t, 1, status.PendingBlocks)

	require.NoError(t, engine.VoteOnBlock(ctx, block.Hash, "n3", true))
	evt := waitEvent(t, events, EventBlockFinalized)
	assert.Equal(t, uint64(1), evt.Height)
	assert.InDelta(t, 1.0, evt.Confidence, 1e-9)

	status, err = engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), status.Height)
	assert.Equal(t, 0, status.PendingBlocks)

	entry, err := logStore.GetEntry(ctx, 1)
	require.NoError(t, err)
	assert.True(t, entry.Committed)
	assert.True(t, entry.Block.Hash.Equal(block.Hash))
}

func TestEngineProposeErrors(t *testing.T) {
	membership := newFakeMembership("n1", "n2", "n3")
	engine, _, _ := newTestEngine(t, testConfig("n1"), membership)
	ctx := context.Background()

	specs := map[string]struct {
		block   *types.Block
		wantErr error
	}{
		"proposer is not the leader": {
			block:   makeBlock(1, 1, "n2", nil),
			wantErr: types.ErrNotLeader,
		},
		"stale term": {
			block:   makeBlock(1, 0, "n1", nil),
			wantErr: types.ErrStaleTerm,
		},
		"missing previous hash above genesis": {
			block:   makeBlock(2, 1, "n1", nil),
			wantErr: &types.ValidationError{},
		},
	}

	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			err := engine.ProposeBlock(ctx, spec.block)
			require.Error(t, err)
			var vErr *types.ValidationError
			if errors.As(spec.wantErr, &vErr) {
				assert.True(t, types.IsValidation(err), "expected validation error, got %v", err)
			} else {
				assert.ErrorIs(t, err, spec.wantErr)
			}
		})
	}
}

func TestEngineVoteErrors(t *testing.T) {
	membership := newFakeMembership("n1", "n2", "n3")
	engine, _, _ := newTestEngine(t, testConfig("n1"), membership)
	ctx := context.Background()

	block := makeBlock(1, 1, "n1", nil)
	require.NoError(t, engine.ProposeBlock(ctx, block))

	err := engine.VoteOnBlock(ctx, types.Hash{0xde, 0xad}, "n1", true)
	assert.ErrorIs(t, err, types.ErrBlockNotFound)

	err = engine.VoteOnBlock(ctx, block.Hash, "observer-7", true)
	assert.ErrorIs(t, err, types.ErrUnknownVoter)
}

func TestEngineDuplicateVoteIsIdempotent(t *testing.T) {
	membership := newFakeMembership("n1", "n2", "n3")
	engine, _, _ := newTestEngine(t, testConfig("n1"), membership)
	ctx := context.Background()

	events, cancel := engine.Subscribe()
	defer cancel()

	block := makeBlock(1, 1, "n1", nil)
	require.NoError(t, engine.ProposeBlock(ctx, block))

	require.NoError(t, engine.VoteOnBlock(ctx, block.Hash, "n2", true))
	err := engine.VoteOnBlock(ctx, block.Hash, "n2", true)
	assert.ErrorIs(t, err, types.ErrDuplicateVote)
	// the duplicate changed nothing: two more distinct approvals still needed
	require.NoError(t, engine.VoteOnBlock(ctx, block.Hash, "n1", true))
	require.NoError(t, engine.VoteOnBlock(ctx, block.Hash, "n3", true))

	evt := waitEvent(t, events, EventBlockFinalized)
	assert.Equal(t, uint64(1), evt.Height)
}

func TestEngineRejectsWhenQuorumUnreachable(t *testing.T) {
	membership := newFakeMembership("n1", "n2", "n3")
	engine, _, _ := newTestEngine(t, testConfig("n1"), membership)
	ctx := context.Background()

	events, cancel := engine.Subscribe()
	defer cancel()

	block := makeBlock(1, 1, "n1", nil)
	require.NoError(t, engine.ProposeBlock(ctx, block))

	// one rejection leaves only two possible approvals, below threshold 3
	require.NoError(t, engine.VoteOnBlock(ctx, block.Hash, "n2", false))
	evt := waitEvent(t, events, EventBlockRejected)
	assert.Equal(t, uint64(1), evt.Height)

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), status.Height)
	assert.Equal(t, 0, status.PendingBlocks)
}

func TestEngineBuffersFutureProposals(t *testing.T) {
	membership := newFakeMembership("n1", "n2", "n3")
	engine, _, _ := newTestEngine(t, testConfig("n1"), membership)
	ctx := context.Background()

	events, cancel := engine.Subscribe()
	defer cancel()

	b1 := makeBlock(1, 1, "n1", nil)
	b2 := makeBlock(2, 1, "n1", b1.Hash)
	b3 := makeBlock(3, 1, "n1", b2.Hash)
	b4 := makeBlock(4, 1, "n1", b3.Hash)

	require.NoError(t, engine.ProposeBlock(ctx, b1))
	require.NoError(t, engine.ProposeBlock(ctx, b2))
	require.NoError(t, engine.ProposeBlock(ctx, b3))

	err := engine.ProposeBlock(ctx, b4)
	assert.ErrorIs(t, err, types.ErrProposalBufferFull)

	// buffered heights open their rounds as earlier heights finalize
	for _, voter := range []string{"n1", "n2", "n3"} {
		require.NoError(t, engine.VoteOnBlock(ctx, b1.Hash, voter, true))
	}
	waitEvent(t, events, EventBlockFinalized)

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), status.Height)
	assert.Equal(t, 1, status.PendingBlocks, "height 2 should be pending after height 1 finalized")

	for _, voter := range []string{"n1", "n2", "n3"} {
		require.NoError(t, engine.VoteOnBlock(ctx, b2.Hash, voter, true))
	}
	evt := waitEvent(t, events, EventBlockFinalized)
	assert.Equal(t, uint64(2), evt.Height)
}

func TestEngineExpiresStalledRounds(t *testing.T) {
	membership := newFakeMembership("n1", "n2", "n3")
	cfg := testConfig("n1")
	cfg.RoundTimeout = time.Second
	engine, clock, _ := newTestEngine(t, cfg, membership)
	ctx := context.Background()

	events, cancel := engine.Subscribe()
	defer cancel()

	block := makeBlock(1, 1, "n1", nil)
	require.NoError(t, engine.ProposeBlock(ctx, block))
	require.NoError(t, engine.VoteOnBlock(ctx, block.Hash, "n2", true))

	clock.Advance(2 * time.Second)
	clock.Tick()

	evt := waitEvent(t, events, EventBlockExpired)
	assert.Equal(t, uint64(1), evt.Height)

	err := engine.VoteOnBlock(ctx, block.Hash, "n3", true)
	assert.ErrorIs(t, err, types.ErrQuorumTimeout)

	// the leader may re-propose the height after expiry, and the new round
	// accepts votes again
	require.NoError(t, engine.ProposeBlock(ctx, block))
	waitEvent(t, events, EventBlockProposed)
	require.NoError(t, engine.VoteOnBlock(ctx, block.Hash, "n2", true))
}

func TestEngineStepsDownOnAppendFailure(t *testing.T) {
	membership := newFakeMembership("n1", "n2", "n3")
	clock := newFakeClock()
	failing := &failingStore{appendErr: fmt.Errorf("disk full")}
	engine, err := NewEngine(testConfig("n1"), failing, membership, nil, clock, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Stop() })
	ctx := context.Background()

	events, cancel := engine.Subscribe()
	defer cancel()

	block := makeBlock(1, 1, "n1", nil)
	require.NoError(t, engine.ProposeBlock(ctx, block))
	require.NoError(t, engine.VoteOnBlock(ctx, block.Hash, "n1", true))
	require.NoError(t, engine.VoteOnBlock(ctx, block.Hash, "n2", true))

	err = engine.VoteOnBlock(ctx, block.Hash, "n3", true)
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")

	evt := waitEvent(t, events, EventLeaderChanged)
	assert.Empty(t, evt.Leader)

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RoleFollower, status.Role)
	assert.Empty(t, status.Leader)
}

func TestEngineElectsItselfWhenAlone(t *testing.T) {
	membership := newFakeMembership("n1")
	cfg := testConfig("n1")
	cfg.Bootstrap = false
	engine, clock, _ := newTestEngine(t, cfg, membership)
	ctx := context.Background()

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, types.RoleFollower, status.Role)

	clock.Advance(cfg.ElectionTimeout + time.Millisecond)
	clock.Tick()

	require.Eventually(t, func() bool {
		status, err := engine.Status(ctx)
		return err == nil && status.Role == types.RoleLeader
	}, 2*time.Second, 10*time.Millisecond)

	status, err = engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "n1", status.Leader)
	assert.Equal(t, uint64(1), status.Term)
}

func TestEngineObserveLeaderAdoptsTerm(t *testing.T) {
	membership := newFakeMembership("n1", "n2", "n3")
	cfg := testConfig("n1")
	cfg.Bootstrap = false
	engine, _, _ := newTestEngine(t, cfg, membership)
	ctx := context.Background()

	require.NoError(t, engine.ObserveLeader(ctx, 5, "n9"))

	require.Eventually(t, func() bool {
		status, err := engine.Status(ctx)
		return err == nil && status.Term == 5 && status.Leader == "n9"
	}, 2*time.Second, 10*time.Millisecond)

	err := engine.ProposeBlock(ctx, makeBlock(1, 4, "n9", nil))
	assert.ErrorIs(t, err, types.ErrStaleTerm)
}

func TestEngineAdoptsHigherTermFromProposal(t *testing.T) {
	membership := newFakeMembership("n1", "n2", "n3")
	cfg := testConfig("n1")
	cfg.Bootstrap = false
	engine, _, _ := newTestEngine(t, cfg, membership)
	ctx := context.Background()

	block := makeBlock(1, 3, "n2", nil)
	require.NoError(t, engine.ProposeBlock(ctx, block))

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), status.Term)
	assert.Equal(t, "n2", status.Leader)
	assert.Equal(t, types.RoleFollower, status.Role)
	assert.Equal(t, 1, status.PendingBlocks)
}

func TestEngineGrantsOneCandidacyVotePerTerm(t *testing.T) {
	membership := newFakeMembership("n1", "n2", "n3")
	cfg := testConfig("n1")
	cfg.Bootstrap = false
	engine, _, _ := newTestEngine(t, cfg, membership)
	ctx := context.Background()

	granted, err := engine.GrantCandidacy(ctx, 2, "n2")
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = engine.GrantCandidacy(ctx, 2, "n3")
	require.NoError(t, err)
	assert.False(t, granted, "second candidate in the same term must be refused")

	granted, err = engine.GrantCandidacy(ctx, 2, "n2")
	require.NoError(t, err)
	assert.True(t, granted, "re-request from the granted candidate is idempotent")

	granted, err = engine.GrantCandidacy(ctx, 3, "n3")
	require.NoError(t, err)
	assert.True(t, granted, "a new term resets the candidacy vote")
}

func TestEngineHealthTracksValidatorCount(t *testing.T) {
	specs := map[string]struct {
		validators []string
		want       float64
	}{
		"three validators are healthy":  {validators: []string{"n1", "n2", "n3"}, want: 1.0},
		"two validators are degraded":   {validators: []string{"n1", "n2"}, want: 0.7},
		"one validator is critical":     {validators: []string{"n1"}, want: 0.3},
		"no validators means no quorum": {validators: nil, want: 0.0},
	}

	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			membership := newFakeMembership(spec.validators...)
			engine, _, _ := newTestEngine(t, testConfig("n1"), membership)

			status, err := engine.Status(context.Background())
			require.NoError(t, err)
			assert.InDelta(t, spec.want, status.Health, 1e-9)
		})
	}
}
