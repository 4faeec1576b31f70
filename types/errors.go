package types

import (
	"errors"
	"fmt"
)

// Protocol errors returned by the consensus engine and the transaction
// pipeline. Callers branch on these with errors.Is rather than parsing
// message strings.
var (
	// ErrNotLeader is returned when a proposal is submitted to a node that is
	// not the current leader. Callers must rediscover leadership via Status.
	ErrNotLeader = errors.New("not the current leader")

	// ErrStaleTerm is returned when a proposal carries a term older than the
	// node's current term.
	ErrStaleTerm = errors.New("proposal term is stale")

	// ErrUnknownVoter is returned for votes from nodes that are not
	// consensus-eligible validators.
	ErrUnknownVoter = errors.New("unknown voter")

	// ErrBlockNotFound is returned for votes on blocks that are not pending.
	ErrBlockNotFound = errors.New("block not found")

	// ErrDuplicateVote is returned when a validator votes twice on the same
	// block. The first vote is authoritative; the duplicate is a no-op.
	ErrDuplicateVote = errors.New("duplicate vote")

	// ErrQuorumTimeout is returned when a vote round is abandoned without
	// reaching quorum. The block is marked Expired, not Rejected.
	ErrQuorumTimeout = errors.New("quorum not reached before round timeout")

	// ErrEmptyBatch is returned for batch submissions with no transactions.
	ErrEmptyBatch = errors.New("batch contains no transactions")

	// ErrBatchTooLarge is returned for batch submissions exceeding the
	// configured maximum. Nothing from the batch is enqueued.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")

	// ErrProposalBufferFull is returned when a proposal for a future height
	// cannot be buffered because the buffer is at capacity.
	ErrProposalBufferFull = errors.New("proposal buffer full")

	// ErrDuplicateTransaction is returned when a transaction id has already
	// been submitted.
	ErrDuplicateTransaction = errors.New("duplicate transaction id")

	// ErrMempoolFull is returned when the pending transaction queue is at
	// capacity. The submission is dropped, not queued.
	ErrMempoolFull = errors.New("mempool full")

	// ErrTransactionNotFound is returned for status queries on unknown
	// transaction ids.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrNodeNotFound is returned for operations on unregistered nodes.
	ErrNodeNotFound = errors.New("node not found")

	// ErrEntryCommitted is returned when an append would alter a committed
	// log entry.
	ErrEntryCommitted = errors.New("log entry already committed")

	// ErrHeightMismatch is returned when an appended entry does not extend
	// the log contiguously.
	ErrHeightMismatch = errors.New("entry index does not extend the log")
)

// ValidationError reports the first violated invariant of a client payload.
// It is client-fixable and never retried by the core.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
