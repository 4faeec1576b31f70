package rpc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/rs/zerolog"

	"github.com/hyperraft/hyperraft/consensus"
	"github.com/hyperraft/hyperraft/pipeline"
	"github.com/hyperraft/hyperraft/types"
)

// API exposes the node RPC methods.
type API struct {
	Logger   zerolog.Logger
	Internal struct {
		ProposeBlock         func(context.Context, *types.Block) error                                   `perm:"write"`
		VoteOnBlock          func(context.Context, types.Vote) error                                     `perm:"write"`
		GetStatus            func(context.Context) (types.Status, error)                                 `perm:"read"`
		GetBlock             func(context.Context, uint64) (*types.LogEntry, error)                      `perm:"read"`
		GetBlockByHash       func(context.Context, types.Hash) (*types.LogEntry, error)                  `perm:"read"`
		SubmitTransaction    func(context.Context, *types.Transaction) (string, error)                   `perm:"write"`
		SubmitBatch          func(context.Context, []*types.Transaction) ([]pipeline.BatchResult, error) `perm:"write"`
		GetTransactionStatus func(context.Context, string) (types.TxStatus, error)                       `perm:"read"`
		RegisterNode         func(context.Context, types.NodeInfo) error                                 `perm:"write"`
		GetNode              func(context.Context, string) (types.NodeInfo, error)                       `perm:"read"`
		ListValidators       func(context.Context) ([]types.NodeInfo, error)                             `perm:"read"`
		Heartbeat            func(context.Context, string) error                                         `perm:"write"`
		UpdatePerformance    func(context.Context, string, float64) error                                `perm:"write"`
		SlashNode            func(context.Context, string, string) error                                 `perm:"write"`
		DeactivateNode       func(context.Context, string) error                                         `perm:"write"`
		SubscribeEvents      func(context.Context) (<-chan consensus.Event, error)                       `perm:"read"`
	}
}

// Client is the jsonrpc client for the hyperraft namespace.
type Client struct {
	API    API
	closer jsonrpc.ClientCloser
}

// ProposeBlock submits a block proposal to the remote node.
func (c *Client) ProposeBlock(ctx context.Context, block *types.Block) error {
	return c.API.Internal.ProposeBlock(ctx, block)
}

// VoteOnBlock records a vote on a pending block.
func (c *Client) VoteOnBlock(ctx context.Context, hash types.Hash, voterID string, approve bool) error {
	return c.API.Internal.VoteOnBlock(ctx, types.Vote{BlockHash: hash, VoterID: voterID, Approve: approve})
}

// GetStatus returns the remote node's consensus status.
func (c *Client) GetStatus(ctx context.Context) (types.Status, error) {
	return c.API.Internal.GetStatus(ctx)
}

// GetBlock returns the finalized log entry at the given height.
func (c *Client) GetBlock(ctx context.Context, height uint64) (*types.LogEntry, error) {
	return c.API.Internal.GetBlock(ctx, height)
}

// GetBlockByHash returns the finalized log entry holding the given block.
func (c *Client) GetBlockByHash(ctx context.Context, hash types.Hash) (*types.LogEntry, error) {
	return c.API.Internal.GetBlockByHash(ctx, hash)
}

// SubmitTransaction enqueues one transaction and returns its id.
func (c *Client) SubmitTransaction(ctx context.Context, tx *types.Transaction) (string, error) {
	return c.API.Internal.SubmitTransaction(ctx, tx)
}

// SubmitBatch enqueues a batch of transactions with per-transaction results.
func (c *Client) SubmitBatch(ctx context.Context, txs []*types.Transaction) ([]pipeline.BatchResult, error) {
	return c.API.Internal.SubmitBatch(ctx, txs)
}

// GetTransactionStatus reports where a transaction is in its lifecycle.
func (c *Client) GetTransactionStatus(ctx context.Context, id string) (types.TxStatus, error) {
	return c.API.Internal.GetTransactionStatus(ctx, id)
}

// RegisterNode upserts a node record on the remote registry.
func (c *Client) RegisterNode(ctx context.Context, node types.NodeInfo) error {
	return c.API.Internal.RegisterNode(ctx, node)
}

// GetNode returns the registry record for the given node id.
func (c *Client) GetNode(ctx context.Context, nodeID string) (types.NodeInfo, error) {
	return c.API.Internal.GetNode(ctx, nodeID)
}

// ListValidators returns all consensus-eligible validators.
func (c *Client) ListValidators(ctx context.Context) ([]types.NodeInfo, error) {
	return c.API.Internal.ListValidators(ctx)
}

// Heartbeat marks the given node alive.
func (c *Client) Heartbeat(ctx context.Context, nodeID string) error {
	return c.API.Internal.Heartbeat(ctx, nodeID)
}

// UpdatePerformance feeds a performance sample into the node's moving
// average.
func (c *Client) UpdatePerformance(ctx context.Context, nodeID string, score float64) error {
	return c.API.Internal.UpdatePerformance(ctx, nodeID, score)
}

// SlashNode penalizes a node for misbehavior.
func (c *Client) SlashNode(ctx context.Context, nodeID, reason string) error {
	return c.API.Internal.SlashNode(ctx, nodeID, reason)
}

// DeactivateNode removes a node from active duty without deleting its
// record.
func (c *Client) DeactivateNode(ctx context.Context, nodeID string) error {
	return c.API.Internal.DeactivateNode(ctx, nodeID)
}

// SubscribeEvents streams consensus events until ctx is cancelled. Requires
// a websocket connection.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan consensus.Event, error) {
	return c.API.Internal.SubscribeEvents(ctx)
}

// Close closes the connection to the remote node.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// NewClient creates a new Client connected to the hyperraft namespace at
// addr. Use a ws:// address when event subscriptions are needed.
func NewClient(ctx context.Context, logger zerolog.Logger, addr, token string) (*Client, error) {
	authHeader := http.Header{}
	if token != "" {
		authHeader.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	client := &Client{}
	client.API.Logger = logger.With().Str("component", "rpc-client").Logger()

	closer, err := jsonrpc.NewMergeClient(ctx, addr, Namespace,
		[]interface{}{&client.API.Internal}, authHeader, jsonrpc.WithErrors(getKnownErrorsMapping()))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	client.closer = closer
	return client, nil
}
