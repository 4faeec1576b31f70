package types

// Role is the consensus role of a node.
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)

// Status is a snapshot of the consensus engine's externally visible state.
type Status struct {
	Term             uint64  `json:"term"`
	Height           uint64  `json:"height"`
	Role             Role    `json:"role"`
	Leader           string  `json:"leader"`
	ActiveValidators int     `json:"active_validators"`
	PendingBlocks    int     `json:"pending_blocks"`
	Health           float64 `json:"health"`
}

// HealthForValidatorCount maps the active validator count to a coarse
// degradation signal used by callers to gate availability.
func HealthForValidatorCount(n int) float64 {
	switch {
	case n >= 3:
		return 1.0
	case n == 2:
		return 0.7
	case n == 1:
		return 0.3
	default:
		return 0.0
	}
}
