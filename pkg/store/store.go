package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	ds "github.com/ipfs/go-datastore"

	"github.com/hyperraft/hyperraft/types"
)

// DefaultStore is the default log store implementation.
type DefaultStore struct {
	db ds.Batching
}

var _ Store = &DefaultStore{}

// New returns a new, default store.
func New(ds ds.Batching) Store {
	return &DefaultStore{
		db: ds,
	}
}

// Close safely closes underlying data storage, to ensure that data is actually saved.
func (s *DefaultStore) Close() error {
	return s.db.Close()
}

// Height returns the index of the highest entry saved in the Store.
func (s *DefaultStore) Height(ctx context.Context) (uint64, error) {
	heightBytes, err := s.db.Get(ctx, ds.NewKey(getHeightKey()))
	if errors.Is(err, ds.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeHeight(heightBytes)
}

// AppendEntry appends a committed entry, its hash index, and the new height
// in a single batch.
func (s *DefaultStore) AppendEntry(ctx context.Context, entry *types.LogEntry) error {
	if entry == nil {
		return fmt.Errorf("append entry: entry is nil")
	}
	if !entry.Committed {
		return fmt.Errorf("append entry %d: only committed entries are appended", entry.Index)
	}

	height, err := s.Height(ctx)
	if err != nil {
		return fmt.Errorf("get current height: %w", err)
	}
	if entry.Index != height+1 {
		return fmt.Errorf("append entry %d after height %d: %w", entry.Index, height, types.ErrHeightMismatch)
	}
	if has, err := s.db.Has(ctx, ds.NewKey(getEntryKey(entry.Index))); err != nil {
		return fmt.Errorf("check entry %d: %w", entry.Index, err)
	} else if has {
		return fmt.Errorf("append entry %d: %w", entry.Index, types.ErrEntryCommitted)
	}

	entryBytes, err := entry.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal entry %d: %w", entry.Index, err)
	}

	batch, err := s.db.Batch(ctx)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	if err := batch.Put(ctx, ds.NewKey(getEntryKey(entry.Index)), entryBytes); err != nil {
		return fmt.Errorf("put entry in batch: %w", err)
	}
	if err := batch.Put(ctx, ds.NewKey(getIndexKey(entry.Block.Hash)), encodeHeight(entry.Index)); err != nil {
		return fmt.Errorf("put hash index in batch: %w", err)
	}
	if err := batch.Put(ctx, ds.NewKey(getHeightKey()), encodeHeight(entry.Index)); err != nil {
		return fmt.Errorf("put height in batch: %w", err)
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// GetEntry returns the log entry at the given index, or an error if it's not found in Store.
func (s *DefaultStore) GetEntry(ctx context.Context, index uint64) (*types.LogEntry, error) {
	blob, err := s.db.Get(ctx, ds.NewKey(getEntryKey(index)))
	if err != nil {
		return nil, fmt.Errorf("load entry %d: %w", index, err)
	}
	entry := new(types.LogEntry)
	if err := entry.UnmarshalBinary(blob); err != nil {
		return nil, fmt.Errorf("unmarshal entry %d: %w", index, err)
	}
	return entry, nil
}

// GetEntryByHash returns the entry holding the block with the given hash.
func (s *DefaultStore) GetEntryByHash(ctx context.Context, hash types.Hash) (*types.LogEntry, error) {
	index, err := s.getIndexByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("load index from hash: %w", err)
	}
	return s.GetEntry(ctx, index)
}

func (s *DefaultStore) getIndexByHash(ctx context.Context, hash types.Hash) (uint64, error) {
	indexBytes, err := s.db.Get(ctx, ds.NewKey(getIndexKey(hash)))
	if err != nil {
		return 0, fmt.Errorf("get index for hash %s: %w", hash, err)
	}
	return decodeHeight(indexBytes)
}

// SetMetadata saves an arbitrary value in the store.
//
// Metadata is separated from other data by using a prefix in KV.
func (s *DefaultStore) SetMetadata(ctx context.Context, key string, value []byte) error {
	if err := s.db.Put(ctx, ds.NewKey(getMetaKey(key)), value); err != nil {
		return fmt.Errorf("set metadata for key '%s': %w", key, err)
	}
	return nil
}

// GetMetadata returns the value stored for the given key with SetMetadata.
func (s *DefaultStore) GetMetadata(ctx context.Context, key string) ([]byte, error) {
	data, err := s.db.Get(ctx, ds.NewKey(getMetaKey(key)))
	if err != nil {
		return nil, fmt.Errorf("get metadata for key '%s': %w", key, err)
	}
	return data, nil
}

const heightLength = 8

func encodeHeight(height uint64) []byte {
	heightBytes := make([]byte, heightLength)
	binary.LittleEndian.PutUint64(heightBytes, height)
	return heightBytes
}

func decodeHeight(heightBytes []byte) (uint64, error) {
	if len(heightBytes) != heightLength {
		return 0, fmt.Errorf("invalid height length: %d (expected %d)", len(heightBytes), heightLength)
	}
	return binary.LittleEndian.Uint64(heightBytes), nil
}
