package types

// Vote is a single validator's decision on a pending block. At most one vote
// per (block hash, voter) pair is ever counted.
type Vote struct {
	BlockHash Hash   `json:"block_hash"`
	VoterID   string `json:"voter_id"`
	Approve   bool   `json:"approve"`
}
