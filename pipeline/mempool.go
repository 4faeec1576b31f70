// Package pipeline orders client transactions into blocks. It accepts
// submissions, deduplicates them, forms bounded batches when this node leads,
// and tracks each transaction to Confirmed or Failed through consensus
// events.
package pipeline

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hyperraft/hyperraft/types"
)

// mempool is a FIFO queue of pending transactions with an LRU seen-set for
// duplicate rejection. The seen-set outlives the queue so a transaction
// cannot be resubmitted while its block is in flight or shortly after
// confirmation. Nonces must strictly increase per sender; the highest
// accepted nonce is tracked for the sender's lifetime.
type mempool struct {
	mtx      sync.Mutex
	queue    []*types.Transaction
	seen     *lru.Cache[string, struct{}]
	nonces   map[string]uint64
	capacity int
}

func newMempool(capacity, seenCacheSize int) (*mempool, error) {
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}
	return &mempool{
		seen:     seen,
		nonces:   make(map[string]uint64),
		capacity: capacity,
	}, nil
}

// push enqueues a new transaction, rejecting duplicates, stale nonces, and
// overflow.
func (m *mempool) push(tx *types.Transaction) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, dup := m.seen.Get(tx.ID); dup {
		return types.ErrDuplicateTransaction
	}
	if last, ok := m.nonces[tx.From]; ok && tx.Nonce <= last {
		return types.NewValidationError("nonce", "must exceed %d for sender %q, got %d", last, tx.From, tx.Nonce)
	}
	if len(m.queue) >= m.capacity {
		return types.ErrMempoolFull
	}
	m.seen.Add(tx.ID, struct{}{})
	m.nonces[tx.From] = tx.Nonce
	m.queue = append(m.queue, tx)
	return nil
}

// take removes and returns up to n transactions in submission order.
func (m *mempool) take(n int) []*types.Transaction {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if n > len(m.queue) {
		n = len(m.queue)
	}
	if n == 0 {
		return nil
	}
	taken := make([]*types.Transaction, n)
	copy(taken, m.queue[:n])
	m.queue = append(m.queue[:0], m.queue[n:]...)
	return taken
}

// requeueFront puts transactions back at the head of the queue, preserving
// their original order ahead of later submissions. Used when a proposed
// block is rejected or expires; the seen-set is deliberately not consulted.
func (m *mempool) requeueFront(txs []*types.Transaction) {
	if len(txs) == 0 {
		return
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.queue = append(append(make([]*types.Transaction, 0, len(txs)+len(m.queue)), txs...), m.queue...)
}

func (m *mempool) size() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.queue)
}
