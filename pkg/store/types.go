package store

import (
	"context"

	"github.com/hyperraft/hyperraft/types"
)

// Store is the append-only consensus log. It is written exclusively by the
// consensus engine after finality and read by the transaction pipeline and
// external query APIs. Appends are atomic: readers observe either the pre-
// or post-append state, never a partial write.
type Store interface {
	Reader

	// AppendEntry appends a committed log entry. The entry index must extend
	// the log contiguously, and an index that already holds a committed entry
	// is never overwritten.
	AppendEntry(ctx context.Context, entry *types.LogEntry) error

	// SetMetadata saves an arbitrary value in the store.
	SetMetadata(ctx context.Context, key string, value []byte) error

	// Close safely closes the underlying data storage.
	Close() error
}

// Reader is the read-only view of the consensus log.
type Reader interface {
	// Height returns the index of the highest entry in the log.
	Height(ctx context.Context) (uint64, error)

	// GetEntry returns the entry at the given index, or an error if it's not found.
	GetEntry(ctx context.Context, index uint64) (*types.LogEntry, error)

	// GetEntryByHash returns the entry holding the block with the given hash.
	GetEntryByHash(ctx context.Context, hash types.Hash) (*types.LogEntry, error)

	// GetMetadata returns the value stored for the given key with SetMetadata.
	GetMetadata(ctx context.Context, key string) ([]byte, error)
}
