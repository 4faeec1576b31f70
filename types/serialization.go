package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Binary encodings are hand-rolled and deterministic: the block hash is
// computed over the encoded bytes, so field order and width are part of the
// protocol and must never change silently.

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint64(buf, uint64(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

type reader struct {
	buf *bytes.Reader
}

func newReader(data []byte) *reader {
	return &reader{buf: bytes.NewReader(data)}
}

func (r *reader) uint64() (uint64, error) {
	var b [8]byte
	if _, err := r.buf.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read uint64: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint64()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.buf.Len()) {
		return nil, fmt.Errorf("length prefix %d exceeds remaining %d bytes", n, r.buf.Len())
	}
	b := make([]byte, n)
	if n == 0 {
		return b, nil
	}
	if _, err := r.buf.Read(b); err != nil {
		return nil, fmt.Errorf("read bytes: %w", err)
	}
	return b, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

func (r *reader) bool() (bool, error) {
	b, err := r.buf.ReadByte()
	if err != nil {
		return false, fmt.Errorf("read bool: %w", err)
	}
	return b == 1, nil
}

// MarshalBinary encodes the transaction into deterministic binary form.
func (tx *Transaction) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writeString(&buf, tx.ID)
	writeString(&buf, tx.From)
	writeString(&buf, tx.To)
	writeUint64(&buf, tx.Amount)
	writeUint64(&buf, tx.Timestamp)
	writeUint64(&buf, tx.Nonce)
	writeUint64(&buf, tx.GasPrice)
	writeUint64(&buf, tx.GasLimit)
	writeBytes(&buf, tx.Signature)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a transaction from its binary form.
func (tx *Transaction) UnmarshalBinary(data []byte) error {
	r := newReader(data)
	var err error
	if tx.ID, err = r.string(); err != nil {
		return fmt.Errorf("unmarshal transaction id: %w", err)
	}
	if tx.From, err = r.string(); err != nil {
		return fmt.Errorf("unmarshal transaction from: %w", err)
	}
	if tx.To, err = r.string(); err != nil {
		return fmt.Errorf("unmarshal transaction to: %w", err)
	}
	if tx.Amount, err = r.uint64(); err != nil {
		return fmt.Errorf("unmarshal transaction amount: %w", err)
	}
	if tx.Timestamp, err = r.uint64(); err != nil {
		return fmt.Errorf("unmarshal transaction timestamp: %w", err)
	}
	if tx.Nonce, err = r.uint64(); err != nil {
		return fmt.Errorf("unmarshal transaction nonce: %w", err)
	}
	if tx.GasPrice, err = r.uint64(); err != nil {
		return fmt.Errorf("unmarshal transaction gas price: %w", err)
	}
	if tx.GasLimit, err = r.uint64(); err != nil {
		return fmt.Errorf("unmarshal transaction gas limit: %w", err)
	}
	if tx.Signature, err = r.bytes(); err != nil {
		return fmt.Errorf("unmarshal transaction signature: %w", err)
	}
	return nil
}

// MarshalBinary encodes the block into deterministic binary form.
func (b *Block) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writeUint64(&buf, b.Height)
	writeUint64(&buf, b.Term)
	writeBytes(&buf, b.PreviousHash)
	writeUint64(&buf, b.Timestamp)
	writeString(&buf, b.Proposer)
	writeUint64(&buf, uint64(len(b.Transactions)))
	for i := range b.Transactions {
		txBytes, err := b.Transactions[i].MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal transaction %d: %w", i, err)
		}
		writeBytes(&buf, txBytes)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a block from its binary form. The hash is
// recomputed from the decoded fields rather than trusted from the wire.
func (b *Block) UnmarshalBinary(data []byte) error {
	r := newReader(data)
	var err error
	if b.Height, err = r.uint64(); err != nil {
		return fmt.Errorf("unmarshal block height: %w", err)
	}
	if b.Term, err = r.uint64(); err != nil {
		return fmt.Errorf("unmarshal block term: %w", err)
	}
	if b.PreviousHash, err = r.bytes(); err != nil {
		return fmt.Errorf("unmarshal block previous hash: %w", err)
	}
	if b.Timestamp, err = r.uint64(); err != nil {
		return fmt.Errorf("unmarshal block timestamp: %w", err)
	}
	if b.Proposer, err = r.string(); err != nil {
		return fmt.Errorf("unmarshal block proposer: %w", err)
	}
	count, err := r.uint64()
	if err != nil {
		return fmt.Errorf("unmarshal block transaction count: %w", err)
	}
	b.Transactions = make([]Transaction, 0, count)
	for i := uint64(0); i < count; i++ {
		txBytes, err := r.bytes()
		if err != nil {
			return fmt.Errorf("unmarshal transaction %d: %w", i, err)
		}
		var tx Transaction
		if err := tx.UnmarshalBinary(txBytes); err != nil {
			return fmt.Errorf("unmarshal transaction %d: %w", i, err)
		}
		b.Transactions = append(b.Transactions, tx)
	}
	b.Hash = b.ComputeHash()
	return nil
}

// MarshalBinary encodes the log entry into deterministic binary form.
func (e *LogEntry) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writeUint64(&buf, e.Index)
	writeUint64(&buf, e.Term)
	writeBool(&buf, e.Committed)
	blockBytes, err := e.Block.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal entry block: %w", err)
	}
	writeBytes(&buf, blockBytes)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a log entry from its binary form.
func (e *LogEntry) UnmarshalBinary(data []byte) error {
	r := newReader(data)
	var err error
	if e.Index, err = r.uint64(); err != nil {
		return fmt.Errorf("unmarshal entry index: %w", err)
	}
	if e.Term, err = r.uint64(); err != nil {
		return fmt.Errorf("unmarshal entry term: %w", err)
	}
	if e.Committed, err = r.bool(); err != nil {
		return fmt.Errorf("unmarshal entry committed: %w", err)
	}
	blockBytes, err := r.bytes()
	if err != nil {
		return fmt.Errorf("unmarshal entry block: %w", err)
	}
	if err := e.Block.UnmarshalBinary(blockBytes); err != nil {
		return fmt.Errorf("unmarshal entry block: %w", err)
	}
	return nil
}
