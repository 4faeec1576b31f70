package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/hyperraft/hyperraft/consensus"
	"github.com/hyperraft/hyperraft/pkg/store"
	"github.com/hyperraft/hyperraft/types"
)

// statusCacheSize bounds the transaction status map. Confirmed and failed
// entries age out; callers polling old transactions get
// ErrTransactionNotFound once evicted.
const statusCacheSize = 1 << 17

// Config holds the ordering pipeline parameters.
type Config struct {
	// MaxBatchSize is the hard cap on SubmitBatch; larger batches are
	// rejected wholesale.
	MaxBatchSize int
	// MaxBlockTxs is the maximum number of transactions per proposed block.
	MaxBlockTxs int
	// BatchInterval is how often the leader checks the mempool for a new
	// proposal.
	BatchInterval time.Duration
	// MaxRetries is how many times a transaction is re-proposed after its
	// block is rejected or expires before it is marked Failed.
	MaxRetries int
	// MempoolCapacity bounds the pending queue.
	MempoolCapacity int
	// SeenCacheSize bounds the duplicate-detection set.
	SeenCacheSize int
}

// DefaultConfig returns production-leaning pipeline defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:    10_000,
		MaxBlockTxs:     1_000,
		BatchInterval:   500 * time.Millisecond,
		MaxRetries:      3,
		MempoolCapacity: 100_000,
		SeenCacheSize:   1 << 16,
	}
}

// Validate checks the configuration for obvious misconfiguration.
func (c Config) Validate() error {
	var multiErr error
	if c.MaxBatchSize <= 0 {
		multiErr = errors.Join(multiErr, fmt.Errorf("max batch size must be positive"))
	}
	if c.MaxBlockTxs <= 0 {
		multiErr = errors.Join(multiErr, fmt.Errorf("max block txs must be positive"))
	}
	if c.BatchInterval <= 0 {
		multiErr = errors.Join(multiErr, fmt.Errorf("batch interval must be positive"))
	}
	if c.MaxRetries < 0 {
		multiErr = errors.Join(multiErr, fmt.Errorf("max retries must not be negative"))
	}
	if c.MempoolCapacity <= 0 {
		multiErr = errors.Join(multiErr, fmt.Errorf("mempool capacity must be positive"))
	}
	if c.SeenCacheSize <= 0 {
		multiErr = errors.Join(multiErr, fmt.Errorf("seen cache size must be positive"))
	}
	return multiErr
}

// BatchResult reports the outcome of one transaction in a batch submission.
type BatchResult struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Proposer is the pipeline's view of the consensus engine.
type Proposer interface {
	ProposeBlock(ctx context.Context, block *types.Block) error
	Status(ctx context.Context) (types.Status, error)
	Subscribe() (<-chan consensus.Event, func())
}

// Pipeline accepts transactions and drives them into finalized blocks. A
// single loop goroutine forms proposals and reacts to consensus events;
// Submit calls only touch the mempool and are safe from any goroutine.
type Pipeline struct {
	cfg      Config
	logger   zerolog.Logger
	proposer Proposer
	reader   store.Reader
	clock    consensus.Clock

	pool     *mempool
	statuses *lru.Cache[string, types.TxStatus]

	mtx      sync.Mutex
	inflight map[string][]*types.Transaction
	retries  map[string]int

	txNotifyCh chan struct{}

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New constructs a pipeline. Start must be called before submissions are
// processed into blocks.
func New(
	cfg Config,
	proposer Proposer,
	reader store.Reader,
	clock consensus.Clock,
	logger zerolog.Logger,
) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate pipeline config: %w", err)
	}
	if clock == nil {
		clock = consensus.NewSystemClock()
	}
	pool, err := newMempool(cfg.MempoolCapacity, cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create mempool: %w", err)
	}
	statuses, err := lru.New[string, types.TxStatus](statusCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create status cache: %w", err)
	}
	return &Pipeline{
		cfg:        cfg,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		proposer:   proposer,
		reader:     reader,
		clock:      clock,
		pool:       pool,
		statuses:   statuses,
		inflight:   make(map[string][]*types.Transaction),
		retries:    make(map[string]int),
		txNotifyCh: make(chan struct{}, 1),
	}, nil
}

// Start launches the batch formation loop.
func (p *Pipeline) Start(context.Context) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.started {
		return nil
	}
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	p.started = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run()
	}()
	p.logger.Info().Msg("transaction pipeline started")
	return nil
}

// Stop terminates the loop. Queued transactions stay Pending.
func (p *Pipeline) Stop() error {
	p.mtx.Lock()
	if !p.started {
		p.mtx.Unlock()
		return nil
	}
	p.cancel()
	p.started = false
	p.mtx.Unlock()

	p.wg.Wait()
	p.logger.Info().Msg("transaction pipeline stopped")
	return nil
}

// Submit validates and enqueues one transaction.
func (p *Pipeline) Submit(_ context.Context, tx *types.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	if err := p.pool.push(tx); err != nil {
		return fmt.Errorf("enqueue transaction %s: %w", tx.ID, err)
	}
	p.statuses.Add(tx.ID, types.TxStatusPending)
	p.notify()
	return nil
}

// SubmitBatch enqueues up to MaxBatchSize transactions and reports per-
// transaction outcomes. Oversized and empty batches are rejected without
// enqueuing anything.
func (p *Pipeline) SubmitBatch(_ context.Context, txs []*types.Transaction) ([]BatchResult, error) {
	if len(txs) == 0 {
		return nil, types.ErrEmptyBatch
	}
	if len(txs) > p.cfg.MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit %d: %w", len(txs), p.cfg.MaxBatchSize, types.ErrBatchTooLarge)
	}

	results := make([]BatchResult, 0, len(txs))
	accepted := 0
	for _, tx := range txs {
		result := BatchResult{Accepted: true}
		if tx != nil {
			result.ID = tx.ID
		}
		if err := tx.Validate(); err != nil {
			result.Accepted = false
			result.Reason = err.Error()
		} else if err := p.pool.push(tx); err != nil {
			result.Accepted = false
			result.Reason = err.Error()
		} else {
			p.statuses.Add(tx.ID, types.TxStatusPending)
			accepted++
		}
		results = append(results, result)
	}
	if accepted > 0 {
		p.notify()
	}
	p.logger.Debug().Int("submitted", len(txs)).Int("accepted", accepted).Msg("batch processed")
	return results, nil
}

// TransactionStatus reports where a transaction is in its lifecycle.
func (p *Pipeline) TransactionStatus(id string) (types.TxStatus, error) {
	if status, ok := p.statuses.Get(id); ok {
		return status, nil
	}
	return "", types.ErrTransactionNotFound
}

// MempoolSize returns the number of queued transactions.
func (p *Pipeline) MempoolSize() int {
	return p.pool.size()
}

func (p *Pipeline) notify() {
	select {
	case p.txNotifyCh <- struct{}{}:
	default:
	}
}

func (p *Pipeline) run() {
	events, cancelSub := p.proposer.Subscribe()
	defer cancelSub()

	ticker := p.clock.NewTicker(p.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.runCtx.Done():
			return
		case <-ticker.Ch():
			p.maybePropose()
		case <-p.txNotifyCh:
			p.maybePropose()
		case evt, ok := <-events:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

// maybePropose forms the next block when this node leads and no earlier
// proposal is awaiting a decision. One block in flight at a time keeps the
// previous-hash chain unambiguous.
func (p *Pipeline) maybePropose() {
	p.mtx.Lock()
	busy := len(p.inflight) > 0
	p.mtx.Unlock()
	if busy || p.pool.size() == 0 {
		return
	}

	status, err := p.proposer.Status(p.runCtx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("consensus status unavailable")
		return
	}
	if status.Role != types.RoleLeader {
		return
	}

	txs := p.pool.take(p.cfg.MaxBlockTxs)
	if len(txs) == 0 {
		return
	}

	var prevHash types.Hash
	if status.Height >= 1 {
		entry, err := p.reader.GetEntry(p.runCtx, status.Height)
		if err != nil {
			p.logger.Error().Err(err).Uint64("height", status.Height).Msg("previous block unavailable")
			p.pool.requeueFront(txs)
			return
		}
		prevHash = entry.Block.Hash
	}

	blockTxs := make([]types.Transaction, len(txs))
	for i, tx := range txs {
		blockTxs[i] = *tx
	}
	block := &types.Block{
		Height:       status.Height + 1,
		Term:         status.Term,
		PreviousHash: prevHash,
		Timestamp:    uint64(p.clock.Now().UnixNano()),
		Proposer:     status.Leader,
		Transactions: blockTxs,
	}
	block.Hash = block.ComputeHash()

	if err := p.proposer.ProposeBlock(p.runCtx, block); err != nil {
		p.logger.Warn().Err(err).Uint64("height", block.Height).Msg("proposal rejected, requeueing transactions")
		p.pool.requeueFront(txs)
		return
	}

	p.mtx.Lock()
	p.inflight[block.Hash.String()] = txs
	p.mtx.Unlock()
	p.logger.Info().Uint64("height", block.Height).Str("hash", block.Hash.String()).
		Int("txs", len(txs)).Msg("block proposed")
}

func (p *Pipeline) handleEvent(evt consensus.Event) {
	switch evt.Type {
	case consensus.EventBlockFinalized:
		txs := p.takeInflight(evt.BlockHash)
		p.mtx.Lock()
		for _, tx := range txs {
			p.statuses.Add(tx.ID, types.TxStatusConfirmed)
			delete(p.retries, tx.ID)
		}
		p.mtx.Unlock()
		if len(txs) > 0 {
			p.logger.Info().Uint64("height", evt.Height).Int("txs", len(txs)).Msg("transactions confirmed")
			p.notify()
		}
	case consensus.EventBlockRejected, consensus.EventBlockExpired:
		txs := p.takeInflight(evt.BlockHash)
		if len(txs) == 0 {
			return
		}
		p.requeueOrFail(txs, evt.Type)
	}
}

// requeueOrFail re-queues transactions from an undecided block until their
// retry budget runs out.
func (p *Pipeline) requeueOrFail(txs []*types.Transaction, cause consensus.EventType) {
	retry := make([]*types.Transaction, 0, len(txs))
	failed := 0

	p.mtx.Lock()
	for _, tx := range txs {
		if p.retries[tx.ID] >= p.cfg.MaxRetries {
			p.statuses.Add(tx.ID, types.TxStatusFailed)
			delete(p.retries, tx.ID)
			failed++
			continue
		}
		p.retries[tx.ID]++
		retry = append(retry, tx)
	}
	p.mtx.Unlock()

	p.pool.requeueFront(retry)
	if len(retry) > 0 {
		p.notify()
	}
	p.logger.Warn().Str("cause", string(cause)).Int("requeued", len(retry)).
		Int("failed", failed).Msg("block not finalized, transactions returned to queue")
}

func (p *Pipeline) takeInflight(hash types.Hash) []*types.Transaction {
	key := hash.String()
	p.mtx.Lock()
	defer p.mtx.Unlock()
	txs, ok := p.inflight[key]
	if !ok {
		return nil
	}
	delete(p.inflight, key)
	return txs
}
