package types

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash is a SHA256 digest of a block or transaction encoding.
type Hash []byte

// String returns the hex representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h)
}

// Equal reports whether two hashes are byte-identical.
func (h Hash) Equal(other Hash) bool {
	if len(h) != len(other) {
		return false
	}
	for i := range h {
		if h[i] != other[i] {
			return false
		}
	}
	return true
}

// ComputeHash returns the SHA256 hash of the block's deterministic encoding.
// The hash field itself is not part of the preimage.
func (b *Block) ComputeHash() Hash {
	if b == nil {
		return nil
	}
	bz, err := b.MarshalBinary()
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(bz)
	return sum[:]
}

// Hash returns the SHA256 hash of the transaction's deterministic encoding.
func (tx *Transaction) Hash() Hash {
	if tx == nil {
		return nil
	}
	bz, _ := tx.MarshalBinary()
	sum := sha256.Sum256(bz)
	return sum[:]
}
