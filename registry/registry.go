// Package registry is the single source of truth for node identity, stake,
// and consensus eligibility.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/rs/zerolog"

	"github.com/hyperraft/hyperraft/types"
)

const (
	// performanceAlpha is the EMA weight for new performance samples. A low
	// weight smooths noisy per-round signals so a single bad round does not
	// disqualify an otherwise-healthy validator.
	performanceAlpha = 0.1

	// slashPerformancePenalty is subtracted from the performance score on
	// each slash.
	slashPerformancePenalty = 0.1
	// slashReputationPenalty is subtracted from the reputation score on each
	// slash.
	slashReputationPenalty = 0.2

	nodePrefix = "/n/"
)

// Registry tracks registered nodes in memory and persists every mutation to
// the datastore. Nodes are never hard-deleted; operators deactivate instead.
type Registry struct {
	mtx    sync.RWMutex
	nodes  map[string]*types.NodeInfo
	db     ds.Batching
	logger zerolog.Logger
}

// New creates a Registry backed by the given datastore and loads any
// previously persisted nodes.
func New(ctx context.Context, db ds.Batching, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		nodes:  make(map[string]*types.NodeInfo),
		db:     db,
		logger: logger.With().Str("component", "registry").Logger(),
	}
	if err := r.load(ctx); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return r, nil
}

// Register upserts a node record. Re-registering an existing node id updates
// the record rather than erroring; scores and slash history survive the
// update.
func (r *Registry) Register(ctx context.Context, node types.NodeInfo) error {
	if err := node.Validate(); err != nil {
		return err
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if existing, ok := r.nodes[node.NodeID]; ok {
		node.PerformanceScore = existing.PerformanceScore
		node.ReputationScore = existing.ReputationScore
		node.SlashCount = existing.SlashCount
		node.SlashHistory = existing.SlashHistory
		node.LastHeartbeat = existing.LastHeartbeat
		r.logger.Debug().Str("node_id", node.NodeID).Msg("updating existing node registration")
	} else {
		if node.PerformanceScore == 0 {
			node.PerformanceScore = 1.0
		}
		if node.ReputationScore == 0 {
			node.ReputationScore = 1.0
		}
		r.logger.Info().Str("node_id", node.NodeID).Str("type", string(node.Type)).
			Uint64("stake", node.Stake).Msg("registered node")
	}

	r.nodes[node.NodeID] = &node
	return r.persist(ctx, &node)
}

// Get returns a copy of the node record.
func (r *Registry) Get(nodeID string) (types.NodeInfo, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.NodeInfo{}, types.ErrNodeNotFound
	}
	return *node, nil
}

// IsEligibleForConsensus reports whether the node may participate in
// consensus. Unknown nodes are not eligible.
func (r *Registry) IsEligibleForConsensus(nodeID string) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	node, ok := r.nodes[nodeID]
	return ok && node.IsEligibleForConsensus()
}

// UpdatePerformance folds a new performance sample into the node's score
// using an exponential moving average.
func (r *Registry) UpdatePerformance(ctx context.Context, nodeID string, score float64) error {
	if score < 0 || score > 1 {
		return types.NewValidationError("performance_score", "must be in [0,1], got %v", score)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotFound
	}
	node.PerformanceScore = performanceAlpha*score + (1-performanceAlpha)*node.PerformanceScore
	return r.persist(ctx, node)
}

// AddSlash penalizes a validator for misbehavior: slash count increments,
// scores drop by fixed penalties, and an audit record is appended. The node
// is never auto-deleted; operators must deactivate explicitly.
func (r *Registry) AddSlash(ctx context.Context, nodeID, reason string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotFound
	}

	node.SlashCount++
	node.PerformanceScore = clampScore(node.PerformanceScore - slashPerformancePenalty)
	node.ReputationScore = clampScore(node.ReputationScore - slashReputationPenalty)
	node.SlashHistory = append(node.SlashHistory, types.SlashRecord{
		Reason:    reason,
		SlashedAt: time.Now().UTC(),
	})

	r.logger.Warn().Str("node_id", nodeID).Str("reason", reason).
		Int("slash_count", node.SlashCount).Msg("slashed node")
	return r.persist(ctx, node)
}

// RecordHeartbeat marks a node alive at the given time.
func (r *Registry) RecordHeartbeat(ctx context.Context, nodeID string, at time.Time) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotFound
	}
	node.LastHeartbeat = at
	node.IsActive = true
	return r.persist(ctx, node)
}

// Deactivate flips a node to inactive. The record stays in the registry.
func (r *Registry) Deactivate(ctx context.Context, nodeID string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		return types.ErrNodeNotFound
	}
	node.IsActive = false
	r.logger.Info().Str("node_id", nodeID).Msg("deactivated node")
	return r.persist(ctx, node)
}

// ActiveValidators returns copies of all consensus-eligible validators.
func (r *Registry) ActiveValidators() []types.NodeInfo {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	var out []types.NodeInfo
	for _, node := range r.nodes {
		if node.IsEligibleForConsensus() {
			out = append(out, *node)
		}
	}
	return out
}

// ActiveValidatorCount implements quorum.ValidatorSource.
func (r *Registry) ActiveValidatorCount() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	count := 0
	for _, node := range r.nodes {
		if node.IsEligibleForConsensus() {
			count++
		}
	}
	return count
}

// IsValidator implements quorum.ValidatorSource.
func (r *Registry) IsValidator(nodeID string) bool {
	return r.IsEligibleForConsensus(nodeID)
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	return score
}

func (r *Registry) persist(ctx context.Context, node *types.NodeInfo) error {
	bz, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", node.NodeID, err)
	}
	if err := r.db.Put(ctx, ds.NewKey(nodePrefix+node.NodeID), bz); err != nil {
		return fmt.Errorf("persist node %s: %w", node.NodeID, err)
	}
	return nil
}

func (r *Registry) load(ctx context.Context) error {
	results, err := r.db.Query(ctx, dsq.Query{Prefix: nodePrefix})
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil
		}
		return err
	}
	defer results.Close()

	for result := range results.Next() {
		if result.Error != nil {
			return fmt.Errorf("iterate nodes: %w", result.Error)
		}
		var node types.NodeInfo
		if err := json.Unmarshal(result.Value, &node); err != nil {
			return fmt.Errorf("unmarshal node %s: %w", result.Key, err)
		}
		r.nodes[node.NodeID] = &node
	}
	r.logger.Info().Int("count", len(r.nodes)).Msg("loaded registry")
	return nil
}
