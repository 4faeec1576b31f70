package rpc

import (
	"github.com/filecoin-project/go-jsonrpc"

	"github.com/hyperraft/hyperraft/types"
)

// Wire codes for protocol errors. Codes are part of the public API; never
// renumber.
const (
	codeNotLeader = iota + 32001
	codeStaleTerm
	codeUnknownVoter
	codeBlockNotFound
	codeDuplicateVote
	codeQuorumTimeout
	codeEmptyBatch
	codeBatchTooLarge
	codeProposalBufferFull
	codeDuplicateTransaction
	codeMempoolFull
	codeTransactionNotFound
	codeNodeNotFound
)

// getKnownErrorsMapping returns a mapping of known error codes to their corresponding error types,
// so clients can branch on sentinels with errors.Is across the wire.
func getKnownErrorsMapping() jsonrpc.Errors {
	errs := jsonrpc.NewErrors()
	errs.Register(jsonrpc.ErrorCode(codeNotLeader), &types.ErrNotLeader)
	errs.Register(jsonrpc.ErrorCode(codeStaleTerm), &types.ErrStaleTerm)
	errs.Register(jsonrpc.ErrorCode(codeUnknownVoter), &types.ErrUnknownVoter)
	errs.Register(jsonrpc.ErrorCode(codeBlockNotFound), &types.ErrBlockNotFound)
	errs.Register(jsonrpc.ErrorCode(codeDuplicateVote), &types.ErrDuplicateVote)
	errs.Register(jsonrpc.ErrorCode(codeQuorumTimeout), &types.ErrQuorumTimeout)
	errs.Register(jsonrpc.ErrorCode(codeEmptyBatch), &types.ErrEmptyBatch)
	errs.Register(jsonrpc.ErrorCode(codeBatchTooLarge), &types.ErrBatchTooLarge)
	errs.Register(jsonrpc.ErrorCode(codeProposalBufferFull), &types.ErrProposalBufferFull)
	errs.Register(jsonrpc.ErrorCode(codeDuplicateTransaction), &types.ErrDuplicateTransaction)
	errs.Register(jsonrpc.ErrorCode(codeMempoolFull), &types.ErrMempoolFull)
	errs.Register(jsonrpc.ErrorCode(codeTransactionNotFound), &types.ErrTransactionNotFound)
	errs.Register(jsonrpc.ErrorCode(codeNodeNotFound), &types.ErrNodeNotFound)
	return errs
}
