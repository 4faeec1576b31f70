// Package consensus implements a leader-based, 2/3-majority-vote consensus
// engine. A single goroutine owns all Block/Vote/Log mutations for the node;
// propose and vote requests are serialized through an inbox, which keeps the
// state-machine transition table deterministic and easy to test.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/hyperraft/hyperraft/pkg/store"
	"github.com/hyperraft/hyperraft/quorum"
	"github.com/hyperraft/hyperraft/types"
)

// finalizedCacheSize bounds the recently-finalized hash set used to answer
// late votes gracefully.
const finalizedCacheSize = 4096

// Membership is the engine's view of the validator set.
type Membership interface {
	quorum.ValidatorSource
	ActiveValidators() []types.NodeInfo
}

// ErrStopped is returned for operations on an engine that is not running.
var ErrStopped = errors.New("consensus engine stopped")

type proposeMsg struct {
	block *types.Block
	resp  chan error
}

type voteMsg struct {
	hash    types.Hash
	voterID string
	approve bool
	resp    chan error
}

type statusMsg struct {
	resp chan types.Status
}

type leaderPingMsg struct {
	term   uint64
	leader string
}

type candidacyMsg struct {
	term      uint64
	candidate string
	resp      chan bool
}

type candidacyBallotMsg struct {
	term    uint64
	voterID string
	granted bool
}

type pendingRound struct {
	block    *types.Block
	deadline time.Time
}

// Engine drives agreement on the next block. All state below the inbox is
// owned by the run loop goroutine and must not be touched from outside it.
type Engine struct {
	cfg        Config
	store      store.Store
	membership Membership
	transport  Transport
	clock      Clock
	logger     zerolog.Logger
	broker     *broker
	tracker    *quorum.Tracker
	rng        *rand.Rand

	inbox chan any

	// run-loop state
	role             types.Role
	term             uint64
	leader           string
	votedFor         string
	height           uint64
	pending          map[string]*pendingRound
	buffer           map[uint64]*types.Block
	finalized        *lru.Cache[string, uint64]
	expired          *lru.Cache[string, uint64]
	candidacyBallots map[string]struct{}
	electionDeadline time.Time
	nextHeartbeat    time.Time

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mtx     sync.Mutex
	started bool
}

// NewEngine constructs an engine. Start must be called before use.
func NewEngine(
	cfg Config,
	logStore store.Store,
	membership Membership,
	transport Transport,
	clock Clock,
	logger zerolog.Logger,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate consensus config: %w", err)
	}
	if transport == nil {
		transport = NoopTransport{}
	}
	if clock == nil {
		clock = NewSystemClock()
	}

	finalized, err := lru.New[string, uint64](finalizedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create finalized cache: %w", err)
	}
	expired, err := lru.New[string, uint64](finalizedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create expired cache: %w", err)
	}

	componentLogger := logger.With().Str("component", "consensus").Logger()
	return &Engine{
		cfg:        cfg,
		store:      logStore,
		membership: membership,
		transport:  transport,
		clock:      clock,
		logger:     componentLogger,
		broker:     newBroker(componentLogger),
		tracker:    quorum.NewTracker(membership),
		rng:        rand.New(rand.NewSource(clock.Now().UnixNano())), //nolint:gosec // jitter only
		inbox:      make(chan any, 256),
		role:       types.RoleFollower,
		pending:    make(map[string]*pendingRound),
		buffer:     make(map[uint64]*types.Block),
		finalized:  finalized,
		expired:    expired,
	}, nil
}

// Start loads the log height and launches the run loop. A bootstrap node
// starts as leader of term 1; everyone else starts as follower.
func (e *Engine) Start(ctx context.Context) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.started {
		return nil
	}

	height, err := e.store.Height(ctx)
	if err != nil {
		return fmt.Errorf("load log height: %w", err)
	}
	e.height = height

	e.runCtx, e.cancel = context.WithCancel(context.Background())
	now := e.clock.Now()
	if e.cfg.Bootstrap {
		e.role = types.RoleLeader
		e.term = 1
		e.leader = e.cfg.NodeID
		e.nextHeartbeat = now
		e.logger.Info().Uint64("term", e.term).Msg("starting as bootstrap leader")
	} else {
		e.electionDeadline = now.Add(e.electionTimeout())
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()

	e.started = true
	e.logger.Info().Uint64("height", e.height).Str("role", string(e.role)).Msg("consensus engine started")
	return nil
}

// Stop terminates the run loop and closes all event subscriptions.
func (e *Engine) Stop() error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if !e.started {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	e.broker.close()
	e.started = false
	e.logger.Info().Msg("consensus engine stopped")
	return nil
}

// Subscribe returns a channel of consensus events and a cancel function.
// Slow subscribers drop events rather than stalling the engine.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.broker.subscribe()
}

// ProposeBlock registers a block for voting. Only the current leader's
// proposals are accepted; future heights are buffered up to the configured
// bound.
func (e *Engine) ProposeBlock(ctx context.Context, block *types.Block) error {
	resp := make(chan error, 1)
	if err := e.send(ctx, proposeMsg{block: block, resp: resp}); err != nil {
		return err
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// VoteOnBlock records a validator's vote on a pending block. The first vote
// per (block, voter) pair wins; duplicates are rejected without changing the
// tally.
func (e *Engine) VoteOnBlock(ctx context.Context, hash types.Hash, voterID string, approve bool) error {
	resp := make(chan error, 1)
	if err := e.send(ctx, voteMsg{hash: hash, voterID: voterID, approve: approve, resp: resp}); err != nil {
		return err
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status(ctx context.Context) (types.Status, error) {
	resp := make(chan types.Status, 1)
	if err := e.send(ctx, statusMsg{resp: resp}); err != nil {
		return types.Status{}, err
	}
	select {
	case status := <-resp:
		return status, nil
	case <-ctx.Done():
		return types.Status{}, ctx.Err()
	}
}

// ObserveLeader processes a heartbeat from the network, resetting the
// election timer and adopting newer terms.
func (e *Engine) ObserveLeader(ctx context.Context, term uint64, leader string) error {
	return e.send(ctx, leaderPingMsg{term: term, leader: leader})
}

// GrantCandidacy answers a peer's vote request. At most one candidacy vote
// is granted per term.
func (e *Engine) GrantCandidacy(ctx context.Context, term uint64, candidate string) (bool, error) {
	resp := make(chan bool, 1)
	if err := e.send(ctx, candidacyMsg{term: term, candidate: candidate, resp: resp}); err != nil {
		return false, err
	}
	select {
	case granted := <-resp:
		return granted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// RecordCandidacyBallot feeds a peer's answer to this node's vote request
// back into the election.
func (e *Engine) RecordCandidacyBallot(ctx context.Context, term uint64, voterID string, granted bool) error {
	return e.send(ctx, candidacyBallotMsg{term: term, voterID: voterID, granted: granted})
}

func (e *Engine) send(ctx context.Context, msg any) error {
	e.mtx.Lock()
	if !e.started {
		e.mtx.Unlock()
		return ErrStopped
	}
	runCtx := e.runCtx
	e.mtx.Unlock()

	select {
	case e.inbox <- msg:
		return nil
	case <-runCtx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run() {
	ticker := e.clock.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-e.inbox:
			e.dispatch(msg)
		case <-ticker.Ch():
			e.tick()
		case <-e.runCtx.Done():
			return
		}
	}
}

func (e *Engine) dispatch(msg any) {
	switch m := msg.(type) {
	case proposeMsg:
		m.resp <- e.handlePropose(m.block)
	case voteMsg:
		m.resp <- e.handleVote(m.hash, m.voterID, m.approve)
	case statusMsg:
		m.resp <- e.status()
	case leaderPingMsg:
		e.handleLeaderPing(m.term, m.leader)
	case candidacyMsg:
		m.resp <- e.handleCandidacy(m.term, m.candidate)
	case candidacyBallotMsg:
		e.handleCandidacyBallot(m.term, m.voterID, m.granted)
	default:
		e.logger.Error().Type("msg", msg).Msg("unknown inbox message")
	}
}

func (e *Engine) handlePropose(block *types.Block) error {
	if err := block.Validate(); err != nil {
		return err
	}
	if block.Term < e.term {
		return fmt.Errorf("proposal term %d below current term %d: %w", block.Term, e.term, types.ErrStaleTerm)
	}
	if block.Term > e.term {
		// a higher-term proposal carries the same leadership evidence as a
		// heartbeat for that term; the caller is trusted to relay only
		// proposals originating from the elected leader
		e.adoptTerm(block.Term, block.Proposer)
	}
	if e.leader == "" || block.Proposer != e.leader {
		return fmt.Errorf("proposer %q is not leader %q: %w", block.Proposer, e.leader, types.ErrNotLeader)
	}

	next := e.height + 1
	switch {
	case block.Height < next:
		return types.NewValidationError("height", "height %d already finalized at log height %d", block.Height, e.height)
	case block.Height == next:
		e.activateProposal(block)
	default:
		if _, ok := e.buffer[block.Height]; ok {
			return nil // idempotent re-proposal
		}
		if len(e.buffer) >= e.cfg.ProposalBuffer {
			return fmt.Errorf("cannot buffer proposal for height %d: %w", block.Height, types.ErrProposalBufferFull)
		}
		e.buffer[block.Height] = block
		e.logger.Debug().Uint64("height", block.Height).Uint64("next", next).Msg("buffered future proposal")
	}
	return nil
}

func (e *Engine) activateProposal(block *types.Block) {
	key := block.Hash.String()
	if e.tracker.Exists(key) {
		return // idempotent re-proposal
	}
	e.expired.Remove(key)
	e.tracker.Open(key)
	e.pending[key] = &pendingRound{
		block:    block,
		deadline: e.clock.Now().Add(e.cfg.RoundTimeout),
	}
	e.publish(Event{
		Type:      EventBlockProposed,
		Height:    block.Height,
		BlockHash: block.Hash,
		Term:      e.term,
		Leader:    e.leader,
	})
	e.logger.Info().Uint64("height", block.Height).Str("hash", key).
		Int("txs", len(block.Transactions)).Msg("block proposed")

	if e.role == types.RoleLeader {
		e.broadcast(func(ctx context.Context) error {
			return e.transport.BroadcastProposal(ctx, block)
		})
	}
}

func (e *Engine) handleVote(hash types.Hash, voterID string, approve bool) error {
	key := hash.String()
	if _, ok := e.finalized.Get(key); ok {
		// late vote on a decided block, harmless
		e.logger.Debug().Str("hash", key).Str("voter", voterID).Msg("vote on finalized block ignored")
		return nil
	}

	result, err := e.tracker.RecordVote(key, voterID, approve)
	if err != nil {
		if errors.Is(err, types.ErrBlockNotFound) {
			if height, wasExpired := e.expired.Get(key); wasExpired {
				return fmt.Errorf("round for height %d timed out: %w", height, types.ErrQuorumTimeout)
			}
		}
		return err
	}

	round, ok := e.pending[key]
	if !ok {
		return types.ErrBlockNotFound
	}
	confidence := e.tracker.Confidence(key)
	e.logger.Debug().Str("hash", key).Str("voter", voterID).Bool("approve", approve).
		Float64("confidence", confidence).Str("result", result.String()).Msg("vote recorded")

	switch result {
	case quorum.ResultAccepted:
		return e.finalizeRound(round, confidence)
	case quorum.ResultRejected:
		e.concludeRound(round, EventBlockRejected, confidence)
	}
	return nil
}

// finalizeRound appends the block to the log. A storage failure here is
// fatal to the round: the node steps down so it cannot continue leading
// with divergent state.
func (e *Engine) finalizeRound(round *pendingRound, confidence float64) error {
	block := round.block
	entry := &types.LogEntry{
		Index:     block.Height,
		Term:      block.Term,
		Committed: true,
		Block:     *block,
	}
	if err := e.store.AppendEntry(e.runCtx, entry); err != nil {
		e.logger.Error().Err(err).Uint64("height", block.Height).Msg("log append failed, stepping down")
		e.stepDown()
		return fmt.Errorf("append finalized block %d: %w", block.Height, err)
	}

	key := block.Hash.String()
	e.height = block.Height
	e.finalized.Add(key, block.Height)
	e.tracker.Close(key)
	delete(e.pending, key)

	e.publish(Event{
		Type:       EventBlockFinalized,
		Height:     block.Height,
		BlockHash:  block.Hash,
		Term:       e.term,
		Leader:     e.leader,
		Confidence: confidence,
	})
	e.logger.Info().Uint64("height", block.Height).Str("hash", key).
		Float64("confidence", confidence).Msg("block finalized")

	// competing proposals for the finalized height lose
	for otherKey, other := range e.pending {
		if other.block.Height == block.Height {
			e.concludeRound(other, EventBlockRejected, e.tracker.Confidence(otherKey))
		}
	}

	// a buffered proposal for the next height can start its round now
	if next, ok := e.buffer[e.height+1]; ok {
		delete(e.buffer, e.height+1)
		e.activateProposal(next)
	}
	return nil
}

func (e *Engine) concludeRound(round *pendingRound, outcome EventType, confidence float64) {
	key := round.block.Hash.String()
	e.tracker.Close(key)
	delete(e.pending, key)
	if outcome == EventBlockExpired {
		e.expired.Add(key, round.block.Height)
	}
	e.publish(Event{
		Type:       outcome,
		Height:     round.block.Height,
		BlockHash:  round.block.Hash,
		Term:       e.term,
		Leader:     e.leader,
		Confidence: confidence,
	})
	e.logger.Info().Uint64("height", round.block.Height).Str("hash", key).
		Str("outcome", string(outcome)).Msg("round concluded")
}

func (e *Engine) status() types.Status {
	active := e.membership.ActiveValidatorCount()
	return types.Status{
		Term:             e.term,
		Height:           e.height,
		Role:             e.role,
		Leader:           e.leader,
		ActiveValidators: active,
		PendingBlocks:    len(e.pending),
		Health:           types.HealthForValidatorCount(active),
	}
}

func (e *Engine) handleLeaderPing(term uint64, leader string) {
	if term < e.term {
		return
	}
	if term > e.term || e.leader != leader {
		e.adoptTerm(term, leader)
	}
	e.electionDeadline = e.clock.Now().Add(e.electionTimeout())
}

func (e *Engine) handleCandidacy(term uint64, candidate string) bool {
	if term < e.term {
		return false
	}
	if term > e.term {
		e.adoptTerm(term, "")
	}
	if e.votedFor == "" || e.votedFor == candidate {
		e.votedFor = candidate
		e.electionDeadline = e.clock.Now().Add(e.electionTimeout())
		return true
	}
	return false
}

func (e *Engine) handleCandidacyBallot(term uint64, voterID string, granted bool) {
	if e.role != types.RoleCandidate || term != e.term || !granted {
		return
	}
	e.candidacyBallots[voterID] = struct{}{}
	e.maybeWinElection()
}

func (e *Engine) tick() {
	now := e.clock.Now()

	// expire vote rounds that never reached quorum
	for _, round := range e.pending {
		if now.After(round.deadline) {
			e.concludeRound(round, EventBlockExpired, e.tracker.Confidence(round.block.Hash.String()))
		}
	}

	switch e.role {
	case types.RoleLeader:
		if !now.Before(e.nextHeartbeat) {
			e.nextHeartbeat = now.Add(e.cfg.HeartbeatInterval)
			e.publish(Event{Type: EventHeartbeat, Term: e.term, Leader: e.leader, Height: e.height})
			term, leader := e.term, e.leader
			e.broadcast(func(ctx context.Context) error {
				return e.transport.BroadcastHeartbeat(ctx, term, leader)
			})
		}
	case types.RoleFollower, types.RoleCandidate:
		if now.After(e.electionDeadline) {
			e.startElection()
		}
	}
}

// startElection moves the node to Candidate and solicits candidacy votes.
// Only consensus-eligible validators campaign.
func (e *Engine) startElection() {
	e.electionDeadline = e.clock.Now().Add(e.electionTimeout())
	if !e.membership.IsValidator(e.cfg.NodeID) {
		return
	}

	e.term++
	e.role = types.RoleCandidate
	e.leader = ""
	e.votedFor = e.cfg.NodeID
	e.candidacyBallots = map[string]struct{}{e.cfg.NodeID: {}}
	e.logger.Info().Uint64("term", e.term).Msg("election timeout, starting candidacy")

	term, nodeID := e.term, e.cfg.NodeID
	e.broadcast(func(ctx context.Context) error {
		return e.transport.BroadcastVoteRequest(ctx, term, nodeID)
	})
	e.maybeWinElection()
}

func (e *Engine) maybeWinElection() {
	n := e.membership.ActiveValidatorCount()
	if n == 0 || len(e.candidacyBallots) < n/2+1 {
		return
	}
	e.role = types.RoleLeader
	e.leader = e.cfg.NodeID
	e.nextHeartbeat = e.clock.Now()
	e.publish(Event{Type: EventLeaderChanged, Term: e.term, Leader: e.leader, Height: e.height})
	e.logger.Info().Uint64("term", e.term).Msg("won election, leading")
}

// adoptTerm moves to the given term as a follower.
func (e *Engine) adoptTerm(term uint64, leader string) {
	wasLeader := e.role == types.RoleLeader
	e.term = term
	e.role = types.RoleFollower
	e.votedFor = ""
	if leader != "" && leader != e.leader {
		e.leader = leader
		e.publish(Event{Type: EventLeaderChanged, Term: e.term, Leader: e.leader, Height: e.height})
	} else if leader == "" {
		e.leader = ""
	}
	e.electionDeadline = e.clock.Now().Add(e.electionTimeout())
	if wasLeader {
		e.logger.Info().Uint64("term", term).Str("leader", leader).Msg("discovered higher term, stepping down")
	}
}

// stepDown relinquishes leadership after an internal failure so a healthy
// node can take over.
func (e *Engine) stepDown() {
	if e.role != types.RoleLeader {
		return
	}
	e.role = types.RoleFollower
	e.leader = ""
	e.votedFor = ""
	e.electionDeadline = e.clock.Now().Add(e.electionTimeout())
	e.publish(Event{Type: EventLeaderChanged, Term: e.term, Leader: "", Height: e.height})
}

func (e *Engine) electionTimeout() time.Duration {
	jitter := time.Duration(0)
	if e.cfg.ElectionJitter > 0 {
		jitter = time.Duration(e.rng.Int63n(int64(e.cfg.ElectionJitter)))
	}
	return e.cfg.ElectionTimeout + jitter
}

func (e *Engine) publish(evt Event) {
	evt.Timestamp = e.clock.Now()
	e.broker.publish(evt)
}

// broadcast runs a transport call off the loop goroutine so consensus never
// blocks on the network.
func (e *Engine) broadcast(fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.runCtx, e.cfg.RoundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn().Err(err).Msg("broadcast failed")
		}
	}()
}
