package rpc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperraft/hyperraft/consensus"
	"github.com/hyperraft/hyperraft/pipeline"
	"github.com/hyperraft/hyperraft/pkg/rpc"
	"github.com/hyperraft/hyperraft/pkg/store"
	"github.com/hyperraft/hyperraft/types"
)

// fakeNode backs the RPC server with canned answers so the test exercises
// the wire layer, not the engine.
type fakeNode struct {
	mtx        sync.Mutex
	status     types.Status
	proposeErr error
	votes      []types.Vote
	submitted  []*types.Transaction
	nodes      map[string]types.NodeInfo
	events     chan consensus.Event
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		status: types.Status{Term: 3, Height: 7, Role: types.RoleLeader, Leader: "n1", ActiveValidators: 3, Health: 1.0},
		nodes:  make(map[string]types.NodeInfo),
		events: make(chan consensus.Event, 16),
	}
}

func (f *fakeNode) ProposeBlock(context.Context, *types.Block) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.proposeErr
}

func (f *fakeNode) VoteOnBlock(_ context.Context, hash types.Hash, voterID string, approve bool) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.votes = append(f.votes, types.Vote{BlockHash: hash, VoterID: voterID, Approve: approve})
	return nil
}

func (f *fakeNode) Status(context.Context) (types.Status, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.status, nil
}

func (f *fakeNode) Subscribe() (<-chan consensus.Event, func()) {
	return f.events, func() {}
}

func (f *fakeNode) Submit(_ context.Context, tx *types.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.submitted = append(f.submitted, tx)
	return nil
}

func (f *fakeNode) SubmitBatch(ctx context.Context, txs []*types.Transaction) ([]pipeline.BatchResult, error) {
	if len(txs) == 0 {
		return nil, types.ErrEmptyBatch
	}
	results := make([]pipeline.BatchResult, 0, len(txs))
	for _, tx := range txs {
		result := batchResultFor(tx)
		if result.Accepted {
			_ = f.Submit(ctx, tx)
		}
		results = append(results, result)
	}
	return results, nil
}

func batchResultFor(tx *types.Transaction) pipeline.BatchResult {
	if err := tx.Validate(); err != nil {
		return pipeline.BatchResult{ID: tx.ID, Accepted: false, Reason: err.Error()}
	}
	return pipeline.BatchResult{ID: tx.ID, Accepted: true}
}

func (f *fakeNode) TransactionStatus(id string) (types.TxStatus, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	for _, tx := range f.submitted {
		if tx.ID == id {
			return types.TxStatusPending, nil
		}
	}
	return "", types.ErrTransactionNotFound
}

func (f *fakeNode) Register(_ context.Context, node types.NodeInfo) error {
	if err := node.Validate(); err != nil {
		return err
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.nodes[node.NodeID] = node
	return nil
}

func (f *fakeNode) Get(nodeID string) (types.NodeInfo, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	node, ok := f.nodes[nodeID]
	if !ok {
		return types.NodeInfo{}, types.ErrNodeNotFound
	}
	return node, nil
}

func (f *fakeNode) ActiveValidators() []types.NodeInfo {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	var out []types.NodeInfo
	for _, node := range f.nodes {
		if node.IsEligibleForConsensus() {
			out = append(out, node)
		}
	}
	return out
}

func (f *fakeNode) RecordHeartbeat(_ context.Context, nodeID string, at time.Time) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	node, ok := f.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotFound
	}
	node.LastHeartbeat = at
	node.IsActive = true
	f.nodes[nodeID] = node
	return nil
}

func (f *fakeNode) UpdatePerformance(_ context.Context, nodeID string, score float64) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	node, ok := f.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotFound
	}
	node.PerformanceScore = score
	f.nodes[nodeID] = node
	return nil
}

func (f *fakeNode) AddSlash(_ context.Context, nodeID, reason string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	node, ok := f.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotFound
	}
	node.SlashCount++
	node.SlashHistory = append(node.SlashHistory, types.SlashRecord{Reason: reason})
	f.nodes[nodeID] = node
	return nil
}

func (f *fakeNode) Deactivate(_ context.Context, nodeID string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	node, ok := f.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotFound
	}
	node.IsActive = false
	f.nodes[nodeID] = node
	return nil
}

func startTestServer(t *testing.T, fake *fakeNode) (httpAddr, wsAddr string) {
	t.Helper()

	kv, err := store.NewTestInMemoryKVStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	logStore := store.New(store.NewLogKVStore(kv))

	block := &types.Block{Height: 1, Term: 1, Timestamp: 42, Proposer: "n1"}
	block.Hash = block.ComputeHash()
	require.NoError(t, logStore.AppendEntry(context.Background(), &types.LogEntry{
		Index: 1, Term: 1, Committed: true, Block: *block,
	}))

	server := rpc.NewServer(zerolog.Nop(), "127.0.0.1", "0", fake, fake, fake, logStore)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return "http://" + server.Addr(), "ws://" + server.Addr()
}

func dialTestClient(t *testing.T, addr string) *rpc.Client {
	t.Helper()
	client, err := rpc.NewClient(context.Background(), zerolog.Nop(), addr, "")
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestRPCRoundtrip(t *testing.T) {
	fake := newFakeNode()
	httpAddr, _ := startTestServer(t, fake)
	client := dialTestClient(t, httpAddr)
	ctx := context.Background()

	t.Run("status", func(t *testing.T) {
		status, err := client.GetStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), status.Term)
		assert.Equal(t, uint64(7), status.Height)
		assert.Equal(t, types.RoleLeader, status.Role)
	})

	t.Run("propose error crosses the wire as a sentinel", func(t *testing.T) {
		fake.mtx.Lock()
		fake.proposeErr = types.ErrNotLeader
		fake.mtx.Unlock()

		block := &types.Block{Height: 2, Term: 3, Timestamp: 42, Proposer: "n2", PreviousHash: types.Hash{0x01}}
		block.Hash = block.ComputeHash()
		err := client.ProposeBlock(ctx, block)
		assert.ErrorIs(t, err, types.ErrNotLeader)

		fake.mtx.Lock()
		fake.proposeErr = nil
		fake.mtx.Unlock()
	})

	t.Run("vote passes through", func(t *testing.T) {
		err := client.VoteOnBlock(ctx, types.Hash{0xAB}, "n2", true)
		require.NoError(t, err)

		fake.mtx.Lock()
		defer fake.mtx.Unlock()
		require.Len(t, fake.votes, 1)
		assert.Equal(t, "n2", fake.votes[0].VoterID)
		assert.True(t, fake.votes[0].Approve)
	})

	t.Run("submit assigns uuid for empty id", func(t *testing.T) {
		id, err := client.SubmitTransaction(ctx, &types.Transaction{
			From: "alice", To: "bob", Amount: 5, Timestamp: 99,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		status, err := client.GetTransactionStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.TxStatusPending, status)
	})

	t.Run("unknown transaction id", func(t *testing.T) {
		_, err := client.GetTransactionStatus(ctx, "nope")
		assert.ErrorIs(t, err, types.ErrTransactionNotFound)
	})

	t.Run("batch reports per-transaction results", func(t *testing.T) {
		results, err := client.SubmitBatch(ctx, []*types.Transaction{
			{ID: "b-1", From: "alice", To: "bob", Amount: 1, Timestamp: 99},
			{ID: "b-2", From: "alice"}, // invalid
		})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.True(t, results[0].Accepted)
		assert.False(t, results[1].Accepted)
		assert.NotEmpty(t, results[1].Reason)
	})

	t.Run("node registration and lookup", func(t *testing.T) {
		node := types.NodeInfo{
			NodeID:           "v1",
			Address:          "10.0.0.1",
			Port:             26656,
			Type:             types.NodeTypeValidator,
			Stake:            types.MinValidatorStake,
			PerformanceScore: 0.9,
		}
		require.NoError(t, client.RegisterNode(ctx, node))
		require.NoError(t, client.Heartbeat(ctx, "v1"))

		got, err := client.GetNode(ctx, "v1")
		require.NoError(t, err)
		assert.True(t, got.IsActive)

		validators, err := client.ListValidators(ctx)
		require.NoError(t, err)
		assert.Len(t, validators, 1)

		_, err = client.GetNode(ctx, "ghost")
		assert.ErrorIs(t, err, types.ErrNodeNotFound)
	})

	t.Run("admin operations mutate the registry", func(t *testing.T) {
		require.NoError(t, client.UpdatePerformance(ctx, "v1", 0.5))
		require.NoError(t, client.SlashNode(ctx, "v1", "double sign"))

		got, err := client.GetNode(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, 0.5, got.PerformanceScore)
		assert.Equal(t, 1, got.SlashCount)

		require.NoError(t, client.DeactivateNode(ctx, "v1"))
		got, err = client.GetNode(ctx, "v1")
		require.NoError(t, err)
		assert.False(t, got.IsActive)

		assert.ErrorIs(t, client.SlashNode(ctx, "ghost", "offline"), types.ErrNodeNotFound)
	})

	t.Run("block queries hit the log store", func(t *testing.T) {
		entry, err := client.GetBlock(ctx, 1)
		require.NoError(t, err)
		assert.True(t, entry.Committed)
		assert.Equal(t, uint64(1), entry.Block.Height)

		byHash, err := client.GetBlockByHash(ctx, entry.Block.Hash)
		require.NoError(t, err)
		assert.Equal(t, entry.Block.Height, byHash.Block.Height)
	})
}

func TestRPCSubscribeEvents(t *testing.T) {
	fake := newFakeNode()
	_, wsAddr := startTestServer(t, fake)
	client := dialTestClient(t, wsAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.SubscribeEvents(ctx)
	require.NoError(t, err)

	want := consensus.Event{
		Type:      consensus.EventBlockFinalized,
		Height:    8,
		BlockHash: types.Hash{0xFE, 0xED},
		Term:      3,
		Leader:    "n1",
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
	fake.events <- want

	select {
	case got := <-events:
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Height, got.Height)
		assert.True(t, want.BlockHash.Equal(got.BlockHash))
	case <-ctx.Done():
		t.Fatal("timed out waiting for subscribed event")
	}
}
