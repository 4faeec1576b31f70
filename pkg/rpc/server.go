// Package rpc exposes the node over JSON-RPC: consensus operations,
// transaction submission, node registration, and an event subscription
// stream. All methods live under the "hyperraft" namespace.
package rpc

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hyperraft/hyperraft/consensus"
	"github.com/hyperraft/hyperraft/pipeline"
	"github.com/hyperraft/hyperraft/pkg/store"
	"github.com/hyperraft/hyperraft/types"
)

// Namespace is the JSON-RPC namespace all methods are registered under.
const Namespace = "hyperraft"

// subscriptionBuffer bounds the per-connection event bridge channel.
const subscriptionBuffer = 16

// Consensus is the server's view of the consensus engine.
type Consensus interface {
	ProposeBlock(ctx context.Context, block *types.Block) error
	VoteOnBlock(ctx context.Context, hash types.Hash, voterID string, approve bool) error
	Status(ctx context.Context) (types.Status, error)
	Subscribe() (<-chan consensus.Event, func())
}

// TxPipeline is the server's view of the transaction pipeline.
type TxPipeline interface {
	Submit(ctx context.Context, tx *types.Transaction) error
	SubmitBatch(ctx context.Context, txs []*types.Transaction) ([]pipeline.BatchResult, error)
	TransactionStatus(id string) (types.TxStatus, error)
}

// NodeRegistry is the server's view of the membership registry.
type NodeRegistry interface {
	Register(ctx context.Context, node types.NodeInfo) error
	Get(nodeID string) (types.NodeInfo, error)
	ActiveValidators() []types.NodeInfo
	RecordHeartbeat(ctx context.Context, nodeID string, at time.Time) error
	UpdatePerformance(ctx context.Context, nodeID string, score float64) error
	AddSlash(ctx context.Context, nodeID, reason string) error
	Deactivate(ctx context.Context, nodeID string) error
}

// Server is a jsonrpc service exposing the node API.
type Server struct {
	logger   zerolog.Logger
	srv      *http.Server
	rpc      *jsonrpc.RPCServer
	listener atomic.Pointer[net.Listener]

	started atomic.Bool
}

// serverInternalAPI provides the actual RPC methods.
type serverInternalAPI struct {
	logger    zerolog.Logger
	consensus Consensus
	txs       TxPipeline
	registry  NodeRegistry
	log       store.Reader
}

// ProposeBlock implements the RPC method.
func (s *serverInternalAPI) ProposeBlock(ctx context.Context, block *types.Block) error {
	s.logger.Debug().Uint64("height", blockHeight(block)).Msg("RPC server: ProposeBlock called")
	return s.consensus.ProposeBlock(ctx, block)
}

// VoteOnBlock implements the RPC method.
func (s *serverInternalAPI) VoteOnBlock(ctx context.Context, vote types.Vote) error {
	s.logger.Debug().Str("voter", vote.VoterID).Bool("approve", vote.Approve).
		Msg("RPC server: VoteOnBlock called")
	return s.consensus.VoteOnBlock(ctx, vote.BlockHash, vote.VoterID, vote.Approve)
}

// GetStatus implements the RPC method.
func (s *serverInternalAPI) GetStatus(ctx context.Context) (types.Status, error) {
	return s.consensus.Status(ctx)
}

// GetBlock implements the RPC method.
func (s *serverInternalAPI) GetBlock(ctx context.Context, height uint64) (*types.LogEntry, error) {
	return s.log.GetEntry(ctx, height)
}

// GetBlockByHash implements the RPC method.
func (s *serverInternalAPI) GetBlockByHash(ctx context.Context, hash types.Hash) (*types.LogEntry, error) {
	return s.log.GetEntryByHash(ctx, hash)
}

// SubmitTransaction implements the RPC method. An empty transaction id is
// assigned a fresh UUID; the final id is returned either way.
func (s *serverInternalAPI) SubmitTransaction(ctx context.Context, tx *types.Transaction) (string, error) {
	if tx != nil && tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if err := s.txs.Submit(ctx, tx); err != nil {
		return "", err
	}
	s.logger.Debug().Str("tx_id", tx.ID).Msg("RPC server: transaction accepted")
	return tx.ID, nil
}

// SubmitBatch implements the RPC method.
func (s *serverInternalAPI) SubmitBatch(ctx context.Context, txs []*types.Transaction) ([]pipeline.BatchResult, error) {
	s.logger.Debug().Int("num_txs", len(txs)).Msg("RPC server: SubmitBatch called")
	for _, tx := range txs {
		if tx != nil && tx.ID == "" {
			tx.ID = uuid.NewString()
		}
	}
	return s.txs.SubmitBatch(ctx, txs)
}

// GetTransactionStatus implements the RPC method.
func (s *serverInternalAPI) GetTransactionStatus(_ context.Context, id string) (types.TxStatus, error) {
	return s.txs.TransactionStatus(id)
}

// RegisterNode implements the RPC method.
func (s *serverInternalAPI) RegisterNode(ctx context.Context, node types.NodeInfo) error {
	s.logger.Debug().Str("node_id", node.NodeID).Msg("RPC server: RegisterNode called")
	return s.registry.Register(ctx, node)
}

// GetNode implements the RPC method.
func (s *serverInternalAPI) GetNode(_ context.Context, nodeID string) (types.NodeInfo, error) {
	return s.registry.Get(nodeID)
}

// ListValidators implements the RPC method.
func (s *serverInternalAPI) ListValidators(context.Context) ([]types.NodeInfo, error) {
	return s.registry.ActiveValidators(), nil
}

// Heartbeat implements the RPC method.
func (s *serverInternalAPI) Heartbeat(ctx context.Context, nodeID string) error {
	return s.registry.RecordHeartbeat(ctx, nodeID, time.Now().UTC())
}

// UpdatePerformance implements the RPC method.
func (s *serverInternalAPI) UpdatePerformance(ctx context.Context, nodeID string, score float64) error {
	return s.registry.UpdatePerformance(ctx, nodeID, score)
}

// SlashNode implements the RPC method.
func (s *serverInternalAPI) SlashNode(ctx context.Context, nodeID, reason string) error {
	s.logger.Debug().Str("node_id", nodeID).Str("reason", reason).Msg("RPC server: SlashNode called")
	return s.registry.AddSlash(ctx, nodeID, reason)
}

// DeactivateNode implements the RPC method.
func (s *serverInternalAPI) DeactivateNode(ctx context.Context, nodeID string) error {
	return s.registry.Deactivate(ctx, nodeID)
}

// SubscribeEvents implements the RPC method. The subscription lives until
// the client disconnects or the server stops.
func (s *serverInternalAPI) SubscribeEvents(ctx context.Context) (<-chan consensus.Event, error) {
	events, cancel := s.consensus.Subscribe()
	out := make(chan consensus.Event, subscriptionBuffer)

	go func() {
		defer cancel()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func blockHeight(block *types.Block) uint64 {
	if block == nil {
		return 0
	}
	return block.Height
}

// NewServer accepts the host address and port plus the node services to
// serve as a jsonrpc service.
func NewServer(
	logger zerolog.Logger,
	address, port string,
	consensusImpl Consensus,
	txsImpl TxPipeline,
	registryImpl NodeRegistry,
	logReader store.Reader,
) *Server {
	rpcServer := jsonrpc.NewServer(jsonrpc.WithServerErrors(getKnownErrorsMapping()))
	componentLogger := logger.With().Str("component", "rpc-server").Logger()
	srv := &Server{
		rpc:    rpcServer,
		logger: componentLogger,
		srv: &http.Server{
			Addr:              address + ":" + port,
			ReadHeaderTimeout: 2 * time.Second,
		},
	}
	srv.srv.Handler = http.HandlerFunc(rpcServer.ServeHTTP)

	apiHandler := &serverInternalAPI{
		logger:    componentLogger,
		consensus: consensusImpl,
		txs:       txsImpl,
		registry:  registryImpl,
		log:       logReader,
	}

	srv.rpc.Register(Namespace, apiHandler)
	return srv
}

// Start starts the RPC Server.
// This function can be called multiple times concurrently
// Once started, subsequent calls are a no-op
func (s *Server) Start(context.Context) error {
	couldStart := s.started.CompareAndSwap(false, true)
	if !couldStart {
		s.logger.Warn().Msg("cannot start server: already started")
		return nil
	}
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.listener.Store(&listener)
	s.logger.Info().Str("address", listener.Addr().String()).Msg("server started")
	//nolint:errcheck
	go s.srv.Serve(listener)
	return nil
}

// Addr returns the bound listen address, useful when the configured port is
// 0.
func (s *Server) Addr() string {
	if l := s.listener.Load(); l != nil {
		return (*l).Addr().String()
	}
	return s.srv.Addr
}

// Stop stops the RPC Server.
// This function can be called multiple times concurrently
// Once stopped, subsequent calls are a no-op
func (s *Server) Stop(ctx context.Context) error {
	couldStop := s.started.CompareAndSwap(true, false)
	if !couldStop {
		s.logger.Warn().Msg("cannot stop server: already stopped")
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	s.listener.Store(nil)
	s.logger.Info().Msg("server stopped")
	return nil
}
