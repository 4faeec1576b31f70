package consensus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperraft/hyperraft/types"
)

// EventType classifies consensus events pushed to subscribers.
type EventType string

const (
	EventBlockProposed  EventType = "block_proposed"
	EventBlockFinalized EventType = "block_finalized"
	EventBlockRejected  EventType = "block_rejected"
	EventBlockExpired   EventType = "block_expired"
	EventLeaderChanged  EventType = "leader_changed"
	EventHeartbeat      EventType = "heartbeat"
)

// Event is a server-push notification about consensus progress. Finality is
// observed through these events, not through blocking RPCs.
type Event struct {
	Type       EventType  `json:"type"`
	Height     uint64     `json:"height,omitempty"`
	BlockHash  types.Hash `json:"block_hash,omitempty"`
	Term       uint64     `json:"term"`
	Leader     string     `json:"leader,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// subscriberBuffer bounds each subscriber channel. Sends never block the
// engine; a slow subscriber drops events instead of stalling consensus.
const subscriberBuffer = 64

type broker struct {
	mtx    sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	logger zerolog.Logger
}

func newBroker(logger zerolog.Logger) *broker {
	return &broker{
		subs:   make(map[uint64]chan Event),
		logger: logger.With().Str("component", "event-broker").Logger(),
	}
}

// subscribe registers a new subscriber and returns its channel plus a cancel
// function that closes it.
func (b *broker) subscribe() (<-chan Event, func()) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mtx.Lock()
		defer b.mtx.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// publish fans out an event to all subscribers without blocking.
func (b *broker) publish(evt Event) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Warn().Uint64("subscriber", id).Str("type", string(evt.Type)).
				Msg("subscriber channel full, dropping event")
		}
	}
}

func (b *broker) close() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
