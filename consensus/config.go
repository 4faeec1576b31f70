package consensus

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the consensus engine parameters.
type Config struct {
	// NodeID is this node's identity in the validator set.
	NodeID string
	// Bootstrap makes this node the designated leader at startup instead of
	// waiting for an election. Only one node per cluster may bootstrap.
	Bootstrap bool
	// ElectionTimeout is the base follower timeout before starting an
	// election.
	ElectionTimeout time.Duration
	// ElectionJitter is the upper bound of the random addition to the
	// election timeout, avoiding synchronized re-election storms.
	ElectionJitter time.Duration
	// HeartbeatInterval is how often a leader announces itself.
	HeartbeatInterval time.Duration
	// RoundTimeout bounds how long a pending block may collect votes before
	// it is marked Expired.
	RoundTimeout time.Duration
	// TickInterval is the granularity of the engine's internal timer checks.
	TickInterval time.Duration
	// ProposalBuffer bounds how many future-height proposals are held while
	// earlier heights finalize.
	ProposalBuffer int
}

// DefaultConfig returns production-leaning consensus defaults.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:            nodeID,
		ElectionTimeout:   1 * time.Second,
		ElectionJitter:    500 * time.Millisecond,
		HeartbeatInterval: 250 * time.Millisecond,
		RoundTimeout:      10 * time.Second,
		TickInterval:      50 * time.Millisecond,
		ProposalBuffer:    16,
	}
}

// Validate checks the configuration for obvious misconfiguration.
func (c Config) Validate() error {
	var multiErr error
	if c.NodeID == "" {
		multiErr = errors.Join(multiErr, errors.New("node ID is required"))
	}
	if c.ElectionTimeout <= 0 {
		multiErr = errors.Join(multiErr, fmt.Errorf("election timeout must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		multiErr = errors.Join(multiErr, fmt.Errorf("heartbeat interval must be positive"))
	}
	if c.RoundTimeout <= 0 {
		multiErr = errors.Join(multiErr, fmt.Errorf("round timeout must be positive"))
	}
	if c.TickInterval <= 0 {
		multiErr = errors.Join(multiErr, fmt.Errorf("tick interval must be positive"))
	}
	if c.ProposalBuffer < 0 {
		multiErr = errors.Join(multiErr, fmt.Errorf("proposal buffer must not be negative"))
	}
	return multiErr
}
