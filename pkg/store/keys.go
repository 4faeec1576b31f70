package store

import (
	"strconv"

	"github.com/hyperraft/hyperraft/types"
)

const (
	entryPrefix  = "e"
	indexPrefix  = "i"
	metaPrefix   = "m"
	heightPrefix = "t"
)

// GetEntryKey returns the store key for a log entry at the given index.
func GetEntryKey(index uint64) string {
	return GenerateKey([]string{entryPrefix, strconv.FormatUint(index, 10)})
}

func getEntryKey(index uint64) string { return GetEntryKey(index) }

// GetIndexKey returns the store key for indexing a log entry by block hash.
func GetIndexKey(hash types.Hash) string {
	return GenerateKey([]string{indexPrefix, hash.String()})
}

func getIndexKey(hash types.Hash) string { return GetIndexKey(hash) }

// GetMetaKey returns the store key for a metadata entry.
func GetMetaKey(key string) string {
	return GenerateKey([]string{metaPrefix, key})
}

func getMetaKey(key string) string { return GetMetaKey(key) }

func getHeightKey() string {
	return GenerateKey([]string{heightPrefix})
}
