// Package quorum implements pure vote tallying for block ballots, decoupled
// from networking so it can be tested without a cluster.
package quorum

import (
	"github.com/hyperraft/hyperraft/types"
)

// Result is the state of a ballot after a vote is recorded.
type Result int

const (
	// ResultPending means the ballot is still undecided.
	ResultPending Result = iota
	// ResultAccepted means approvals reached quorum.
	ResultAccepted
	// ResultRejected means approvals can no longer reach quorum.
	ResultRejected
)

func (r Result) String() string {
	switch r {
	case ResultAccepted:
		return "accepted"
	case ResultRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// ValidatorSource reports the current consensus-eligible validator set. The
// threshold is recomputed against the current set size on every vote, so
// membership churn mid-vote favors liveness over snapshot isolation.
type ValidatorSource interface {
	ActiveValidatorCount() int
	IsValidator(nodeID string) bool
}

// Threshold returns the quorum size for n validators: floor(2/3*n)+1.
func Threshold(n int) int {
	return n*2/3 + 1
}

type ballot struct {
	votes   map[string]bool
	decided Result
}

// Tracker tallies votes per ballot. It is deterministic and
// order-independent: any permutation of a fixed vote set produces the same
// final Result. Not safe for concurrent use; the consensus engine serializes
// all calls through its inbox.
type Tracker struct {
	source  ValidatorSource
	ballots map[string]*ballot
}

// NewTracker builds a Tracker over the given validator source.
func NewTracker(source ValidatorSource) *Tracker {
	return &Tracker{
		source:  source,
		ballots: make(map[string]*ballot),
	}
}

// Open registers a ballot so that votes for it are accepted.
func (t *Tracker) Open(ballotID string) {
	if _, ok := t.ballots[ballotID]; !ok {
		t.ballots[ballotID] = &ballot{votes: make(map[string]bool), decided: ResultPending}
	}
}

// Exists reports whether the ballot is known to the tracker.
func (t *Tracker) Exists(ballotID string) bool {
	_, ok := t.ballots[ballotID]
	return ok
}

// RecordVote records a single vote and returns the ballot's state.
// The first vote per (ballot, voter) pair wins; duplicates return
// ErrDuplicateVote without changing the tally. Votes on unknown ballots
// return ErrBlockNotFound, votes from non-validators ErrUnknownVoter.
func (t *Tracker) RecordVote(ballotID, voterID string, approve bool) (Result, error) {
	b, ok := t.ballots[ballotID]
	if !ok {
		return ResultPending, types.ErrBlockNotFound
	}
	if !t.source.IsValidator(voterID) {
		return b.decided, types.ErrUnknownVoter
	}
	if _, seen := b.votes[voterID]; seen {
		return b.decided, types.ErrDuplicateVote
	}
	b.votes[voterID] = approve

	if b.decided == ResultPending {
		b.decided = t.tally(b)
	}
	return b.decided, nil
}

// tally decides a ballot from vote counts alone, which makes the outcome
// invariant under vote arrival order.
func (t *Tracker) tally(b *ballot) Result {
	n := t.source.ActiveValidatorCount()
	threshold := Threshold(n)

	approvals := 0
	for _, approve := range b.votes {
		if approve {
			approvals++
		}
	}
	rejections := len(b.votes) - approvals

	switch {
	case approvals >= threshold:
		return ResultAccepted
	case n-rejections < threshold:
		// even with every remaining validator approving, quorum is unreachable
		return ResultRejected
	default:
		return ResultPending
	}
}

// Confidence returns approvals/total votes for the ballot, 0 when no votes
// have arrived.
func (t *Tracker) Confidence(ballotID string) float64 {
	b, ok := t.ballots[ballotID]
	if !ok || len(b.votes) == 0 {
		return 0
	}
	approvals := 0
	for _, approve := range b.votes {
		if approve {
			approvals++
		}
	}
	return float64(approvals) / float64(len(b.votes))
}

// VoteCount returns the number of recorded votes for the ballot.
func (t *Tracker) VoteCount(ballotID string) int {
	b, ok := t.ballots[ballotID]
	if !ok {
		return 0
	}
	return len(b.votes)
}

// Close drops the ballot once its block is finalized, rejected, or expired.
func (t *Tracker) Close(ballotID string) {
	delete(t.ballots, ballotID)
}
