package types

// BlockPhase is the lifecycle state of a proposed block.
type BlockPhase string

const (
	// BlockPhasePending means the block is awaiting votes.
	BlockPhasePending BlockPhase = "pending"
	// BlockPhaseFinalized means the block reached quorum approval and was
	// appended to the log. Irreversible.
	BlockPhaseFinalized BlockPhase = "finalized"
	// BlockPhaseRejected means the block was actively voted down.
	BlockPhaseRejected BlockPhase = "rejected"
	// BlockPhaseExpired means the vote round timed out before a decision.
	BlockPhaseExpired BlockPhase = "expired"
)

// Block is a batch of transactions proposed by the leader for a given height
// and term. Blocks are value objects once proposed; vote accumulation lives
// in the consensus engine, not on the block itself.
type Block struct {
	Height       uint64        `json:"height"`
	Term         uint64        `json:"term"`
	Hash         Hash          `json:"hash"`
	PreviousHash Hash          `json:"previous_hash"`
	Timestamp    uint64        `json:"timestamp"`
	Proposer     string        `json:"proposer"`
	Transactions []Transaction `json:"transactions"`
}

// Validate checks structural invariants and reports the first violated field.
// Height 1 is the genesis block and is exempt from the previous-hash check.
func (b *Block) Validate() error {
	if b == nil {
		return NewValidationError("block", "is nil")
	}
	if b.Height == 0 {
		return NewValidationError("height", "must be positive")
	}
	if len(b.Hash) == 0 {
		return NewValidationError("hash", "must not be empty")
	}
	if b.Height > 1 && len(b.PreviousHash) == 0 {
		return NewValidationError("previous_hash", "must be set for height %d", b.Height)
	}
	if b.Proposer == "" {
		return NewValidationError("proposer", "must not be empty")
	}
	if b.Timestamp == 0 {
		return NewValidationError("timestamp", "must be positive")
	}
	for i := range b.Transactions {
		if err := b.Transactions[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
