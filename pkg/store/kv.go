package store

import (
	"path"
	"path/filepath"
	"strings"

	ds "github.com/ipfs/go-datastore"
	ktds "github.com/ipfs/go-datastore/keytransform"
	badger4 "github.com/ipfs/go-ds-badger4"
)

// LogPrefix separates consensus log data from any other data sharing the
// same database.
const LogPrefix = "0"

// NewDefaultKVStore creates an instance of the default key-value store.
func NewDefaultKVStore(rootDir, dbPath, dbName string) (ds.Batching, error) {
	path := filepath.Join(rootify(rootDir, dbPath), dbName)
	return badger4.NewDatastore(path, nil)
}

// NewPrefixKVStore creates a new key-value store with a prefix applied to all keys.
func NewPrefixKVStore(kvStore ds.Batching, prefix string) ds.Batching {
	return ktds.Wrap(kvStore, ktds.PrefixTransform{Prefix: ds.NewKey(prefix)})
}

// NewLogKVStore creates a new key-value store with LogPrefix applied to all keys.
func NewLogKVStore(kvStore ds.Batching) ds.Batching {
	return NewPrefixKVStore(kvStore, LogPrefix)
}

// GenerateKey creates a key from a slice of string fields, joining them with slashes.
func GenerateKey(fields []string) string {
	key := "/" + strings.Join(fields, "/")
	return path.Clean(key)
}

func rootify(rootDir, dbPath string) string {
	if filepath.IsAbs(dbPath) {
		return dbPath
	}
	return filepath.Join(rootDir, dbPath)
}

// NewTestInMemoryKVStore builds a KVStore that works in-memory (without accessing disk).
func NewTestInMemoryKVStore() (ds.Batching, error) {
	inMemoryOptions := &badger4.Options{
		Options: badger4.DefaultOptions.WithInMemory(true),
	}
	return badger4.NewDatastore("", inMemoryOptions)
}
