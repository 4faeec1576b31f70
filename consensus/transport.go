package consensus

import (
	"context"

	"github.com/hyperraft/hyperraft/types"
)

// Transport carries consensus messages to peer nodes. Implementations live
// at the service boundary; the engine never blocks on transport calls.
type Transport interface {
	// BroadcastProposal announces a pending block so peers can vote on it.
	BroadcastProposal(ctx context.Context, block *types.Block) error

	// BroadcastVoteRequest asks peers to grant this node leadership for the
	// given term.
	BroadcastVoteRequest(ctx context.Context, term uint64, candidateID string) error

	// BroadcastHeartbeat announces the current leader and term.
	BroadcastHeartbeat(ctx context.Context, term uint64, leaderID string) error
}

// NoopTransport discards all messages. It serves single-node deployments and
// tests that drive votes directly.
type NoopTransport struct{}

var _ Transport = NoopTransport{}

func (NoopTransport) BroadcastProposal(context.Context, *types.Block) error { return nil }

func (NoopTransport) BroadcastVoteRequest(context.Context, uint64, string) error { return nil }

func (NoopTransport) BroadcastHeartbeat(context.Context, uint64, string) error { return nil }
