package node

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperraft/hyperraft/consensus"
	"github.com/hyperraft/hyperraft/pkg/config"
	"github.com/hyperraft/hyperraft/pkg/rpc"
	"github.com/hyperraft/hyperraft/pkg/store"
	"github.com/hyperraft/hyperraft/types"
)

func testNodeConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.Node.ID = "node-1"
	cfg.Node.Bootstrap = true
	cfg.Node.TickInterval = config.DurationWrapper{Duration: 10 * time.Millisecond}
	cfg.Pipeline.BatchInterval = config.DurationWrapper{Duration: 10 * time.Millisecond}
	cfg.RPC.Port = "0"
	return cfg
}

func startTestNode(t *testing.T, cfg config.Config) (*FullNode, context.CancelFunc, chan error) {
	t.Helper()

	db, err := store.NewTestInMemoryKVStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	n, err := NewNode(ctx, cfg, db, zerolog.Nop())
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	require.Eventually(t, func() bool {
		return !strings.HasSuffix(n.RPCAddr(), ":0")
	}, 5*time.Second, 10*time.Millisecond, "rpc server never bound")

	return n, cancel, runErr
}

func waitForEvent(t *testing.T, events <-chan consensus.Event, want consensus.EventType) consensus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestFullNodeFinalizesSubmittedTransaction(t *testing.T) {
	cfg := testNodeConfig(t)
	n, cancel, runErr := startTestNode(t, cfg)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, n.Registry().Register(ctx, types.NodeInfo{
		NodeID:           "node-1",
		Address:          "127.0.0.1",
		Port:             7000,
		Type:             types.NodeTypeValidator,
		Stake:            types.MinValidatorStake,
		PerformanceScore: 0.9,
		IsActive:         true,
	}))

	events, unsubscribe := n.Engine().Subscribe()
	defer unsubscribe()

	tx := &types.Transaction{
		ID:        "tx-1",
		From:      "alice",
		To:        "bob",
		Amount:    10,
		Timestamp: uint64(time.Now().UnixNano()),
		GasPrice:  1,
		GasLimit:  21_000,
	}
	require.NoError(t, n.Pipeline().Submit(ctx, tx))

	proposed := waitForEvent(t, events, consensus.EventBlockProposed)
	assert.Equal(t, uint64(1), proposed.Height)

	// a single eligible validator has a quorum threshold of one
	require.NoError(t, n.Engine().VoteOnBlock(ctx, proposed.BlockHash, "node-1", true))
	finalized := waitForEvent(t, events, consensus.EventBlockFinalized)
	assert.Equal(t, proposed.BlockHash, finalized.BlockHash)

	require.Eventually(t, func() bool {
		got, err := n.Pipeline().TransactionStatus("tx-1")
		return err == nil && got == types.TxStatusConfirmed
	}, 5*time.Second, 10*time.Millisecond)

	entry, err := n.Store().GetEntry(ctx, 1)
	require.NoError(t, err)
	assert.True(t, entry.Committed)
	require.Len(t, entry.Block.Transactions, 1)
	assert.Equal(t, "tx-1", entry.Block.Transactions[0].ID)

	status, err := n.Engine().Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RoleLeader, status.Role)
	assert.Equal(t, uint64(1), status.Term)
	assert.Equal(t, uint64(1), status.Height)

	cancel()
	select {
	case err := <-runErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not shut down")
	}
}

func TestFullNodeServesRPC(t *testing.T) {
	cfg := testNodeConfig(t)
	n, cancel, _ := startTestNode(t, cfg)
	defer cancel()

	ctx := context.Background()
	client, err := rpc.NewClient(ctx, zerolog.Nop(), "http://"+n.RPCAddr(), cfg.RPC.AuthToken)
	require.NoError(t, err)
	defer client.Close()

	status, err := client.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RoleLeader, status.Role)
	assert.Equal(t, "node-1", status.Leader)

	id, err := client.SubmitTransaction(ctx, &types.Transaction{
		From:      "carol",
		To:        "dave",
		Amount:    5,
		Timestamp: uint64(time.Now().UnixNano()),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := client.GetTransactionStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TxStatusPending, got)
}
