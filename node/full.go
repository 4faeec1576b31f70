// Package node wires the log store, membership registry, consensus engine,
// transaction pipeline, and RPC server into a runnable full node.
package node

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers pprof handlers on the default mux
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hyperraft/hyperraft/consensus"
	"github.com/hyperraft/hyperraft/pipeline"
	"github.com/hyperraft/hyperraft/pkg/config"
	"github.com/hyperraft/hyperraft/pkg/rpc"
	"github.com/hyperraft/hyperraft/pkg/store"
	"github.com/hyperraft/hyperraft/registry"
)

// registryPrefix separates registry records from the consensus log in the
// shared database.
const registryPrefix = "1"

// seenCacheSize bounds the pipeline duplicate-detection set.
const seenCacheSize = 1 << 16

// shutdownTimeout bounds graceful component shutdown.
const shutdownTimeout = 5 * time.Second

// FullNode is a complete hyperraft node: it participates in consensus,
// orders transactions, tracks membership, and serves the RPC API.
type FullNode struct {
	cfg    config.Config
	logger zerolog.Logger

	database  ds.Batching
	logStore  store.Store
	registry  *registry.Registry
	engine    *consensus.Engine
	pipeline  *pipeline.Pipeline
	rpcServer *rpc.Server

	shutdownTracing func(context.Context) error
}

// NewNode assembles a full node over the given datastore. The caller owns
// the datastore lifetime; everything else is started and stopped by Run.
func NewNode(
	ctx context.Context,
	cfg config.Config,
	database ds.Batching,
	logger zerolog.Logger,
) (*FullNode, error) {
	shutdownTracing, err := setupTracing(ctx, cfg.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	logStore := store.New(store.NewLogKVStore(database))
	if cfg.Instrumentation.IsTracingEnabled() {
		logStore = store.WithTracingStore(logStore)
	}

	reg, err := registry.New(ctx, store.NewPrefixKVStore(database, registryPrefix), logger)
	if err != nil {
		return nil, fmt.Errorf("create registry: %w", err)
	}

	engineCfg := consensus.Config{
		NodeID:            cfg.Node.ID,
		Bootstrap:         cfg.Node.Bootstrap,
		ElectionTimeout:   cfg.Node.ElectionTimeout.Duration,
		ElectionJitter:    cfg.Node.ElectionJitter.Duration,
		HeartbeatInterval: cfg.Node.HeartbeatInterval.Duration,
		RoundTimeout:      cfg.Node.RoundTimeout.Duration,
		TickInterval:      cfg.Node.TickInterval.Duration,
		ProposalBuffer:    cfg.Node.ProposalBuffer,
	}
	engine, err := consensus.NewEngine(engineCfg, logStore, reg, nil, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("create consensus engine: %w", err)
	}

	pipeCfg := pipeline.Config{
		MaxBatchSize:    cfg.Pipeline.MaxBatchSize,
		MaxBlockTxs:     cfg.Pipeline.MaxBlockTxs,
		BatchInterval:   cfg.Pipeline.BatchInterval.Duration,
		MaxRetries:      cfg.Pipeline.MaxRetries,
		MempoolCapacity: cfg.Pipeline.MempoolCapacity,
		SeenCacheSize:   seenCacheSize,
	}
	pipe, err := pipeline.New(pipeCfg, engine, logStore, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	rpcServer := rpc.NewServer(logger, cfg.RPC.Address, cfg.RPC.Port, engine, pipe, reg, logStore)

	return &FullNode{
		cfg:             cfg,
		logger:          logger.With().Str("component", "node").Logger(),
		database:        database,
		logStore:        logStore,
		registry:        reg,
		engine:          engine,
		pipeline:        pipe,
		rpcServer:       rpcServer,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Engine exposes the consensus engine, mainly for in-process clients and
// tests.
func (n *FullNode) Engine() *consensus.Engine { return n.engine }

// Pipeline exposes the transaction pipeline.
func (n *FullNode) Pipeline() *pipeline.Pipeline { return n.pipeline }

// Registry exposes the membership registry.
func (n *FullNode) Registry() *registry.Registry { return n.registry }

// Store exposes the read side of the consensus log.
func (n *FullNode) Store() store.Reader { return n.logStore }

// RPCAddr returns the RPC server's bound address.
func (n *FullNode) RPCAddr() string { return n.rpcServer.Addr() }

// Run starts all components and blocks until ctx is cancelled or a
// component fails, then shuts everything down in reverse order.
func (n *FullNode) Run(ctx context.Context) error {
	if err := n.engine.Start(ctx); err != nil {
		return fmt.Errorf("start consensus engine: %w", err)
	}
	if err := n.pipeline.Start(ctx); err != nil {
		_ = n.engine.Stop()
		return fmt.Errorf("start pipeline: %w", err)
	}
	if err := n.rpcServer.Start(ctx); err != nil {
		_ = n.pipeline.Stop()
		_ = n.engine.Stop()
		return fmt.Errorf("start rpc server: %w", err)
	}
	n.logger.Info().Str("node_id", n.cfg.Node.ID).Str("rpc", n.rpcServer.Addr()).Msg("node running")

	g, runCtx := errgroup.WithContext(ctx)
	if n.cfg.Instrumentation.IsPprofEnabled() {
		g.Go(func() error { return n.servePprof(runCtx) })
	}
	g.Go(func() error {
		<-runCtx.Done()
		return runCtx.Err()
	})

	err := g.Wait()
	n.shutdown()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (n *FullNode) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := n.rpcServer.Stop(shutdownCtx); err != nil {
		n.logger.Error().Err(err).Msg("rpc server shutdown failed")
	}
	if err := n.pipeline.Stop(); err != nil {
		n.logger.Error().Err(err).Msg("pipeline shutdown failed")
	}
	if err := n.engine.Stop(); err != nil {
		n.logger.Error().Err(err).Msg("consensus engine shutdown failed")
	}
	if n.shutdownTracing != nil {
		if err := n.shutdownTracing(shutdownCtx); err != nil {
			n.logger.Error().Err(err).Msg("tracing shutdown failed")
		}
	}
	n.logger.Info().Msg("node stopped")
}

func (n *FullNode) servePprof(ctx context.Context) error {
	srv := &http.Server{
		Addr:              n.cfg.Instrumentation.GetPprofListenAddr(),
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	n.logger.Info().Str("address", srv.Addr).Msg("pprof server started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("pprof server: %w", err)
	}
	return nil
}
