package types

import "time"

// NodeType classifies a network participant.
type NodeType string

const (
	NodeTypeValidator NodeType = "validator"
	NodeTypeFullNode  NodeType = "full_node"
	NodeTypeLightNode NodeType = "light_node"
	NodeTypeArchive   NodeType = "archive_node"
)

// Eligibility thresholds for consensus participation.
const (
	// MinValidatorStake is the minimum stake for consensus eligibility.
	MinValidatorStake = uint64(100_000)
	// MinPerformanceScore is the minimum performance score for consensus
	// eligibility.
	MinPerformanceScore = 0.7
	// MaxSlashCount is the slash count at which a validator loses
	// eligibility.
	MaxSlashCount = 5
)

// SlashRecord is an audit entry appended to node metadata on each slash.
type SlashRecord struct {
	Reason    string    `json:"reason"`
	SlashedAt time.Time `json:"slashed_at"`
}

// NodeInfo is the registry's record of a network participant. Records are
// upserted, never hard-deleted; misbehavior mutates scores and counters.
type NodeInfo struct {
	NodeID           string        `json:"node_id"`
	Address          string        `json:"address"`
	Port             int           `json:"port"`
	Type             NodeType      `json:"type"`
	Stake            uint64        `json:"stake"`
	PerformanceScore float64       `json:"performance_score"`
	ReputationScore  float64       `json:"reputation_score"`
	IsActive         bool          `json:"is_active"`
	SlashCount       int           `json:"slash_count"`
	LastHeartbeat    time.Time     `json:"last_heartbeat,omitempty"`
	SlashHistory     []SlashRecord `json:"slash_history,omitempty"`
}

// Validate checks structural invariants and reports the first violated field.
func (n *NodeInfo) Validate() error {
	if n == nil {
		return NewValidationError("node", "is nil")
	}
	if n.NodeID == "" {
		return NewValidationError("node_id", "must not be empty")
	}
	if n.Address == "" {
		return NewValidationError("address", "must not be empty")
	}
	switch n.Type {
	case NodeTypeValidator, NodeTypeFullNode, NodeTypeLightNode, NodeTypeArchive:
	default:
		return NewValidationError("type", "unknown node type %q", n.Type)
	}
	if n.PerformanceScore < 0 || n.PerformanceScore > 1 {
		return NewValidationError("performance_score", "must be in [0,1], got %v", n.PerformanceScore)
	}
	return nil
}

// IsEligibleForConsensus is the pure eligibility predicate: validator type,
// active, sufficiently staked, performing, and not slashed out.
func (n *NodeInfo) IsEligibleForConsensus() bool {
	return n != nil &&
		n.Type == NodeTypeValidator &&
		n.IsActive &&
		n.Stake >= MinValidatorStake &&
		n.PerformanceScore >= MinPerformanceScore &&
		n.SlashCount < MaxSlashCount
}
