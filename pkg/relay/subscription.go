package relay

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"nostrswarm.dev/pkg/encoders/event"
	"nostrswarm.dev/pkg/encoders/filter"
)

// SubscriptionOptions control a LogicalSubscription's lifecycle.
type SubscriptionOptions struct {
	// CloseOnEOSE closes the subscription once its wire subscription
	// reports end-of-stored-events.
	CloseOnEOSE bool
	// ReplayOnReconnect keeps the subscription alive across a relay
	// disconnect/reconnect cycle. If false, the subscription is evicted
	// from its wire subscription when the relay reconnects rather than
	// replayed.
	ReplayOnReconnect bool
	// SinkCapacity bounds the event sink's buffer (drop-oldest once
	// full). Zero uses a sensible default.
	SinkCapacity int
}

// LogicalSubscription is the application-visible event stream. It may
// be registered on many relays at once (each relay's
// Mux attaches it to its own wire subscription); events arriving from
// any of them are deduplicated per logical subscription before
// delivery.
type LogicalSubscription struct {
	ID      string
	Filters filter.List
	Options SubscriptionOptions

	events *sinkBuffer[*event.E]
	eose   chan struct{}
	eosedOnce sync.Once
	closedReason chan string

	seenMu sync.Mutex
	seen   map[string]struct{}

	closed atomic.Bool
}

// NewLogicalSubscription builds a logical subscription over filters
// with the given options. The caller registers it on one or more relays
// via Mux.Register (or Pool.SubscribeMany).
func NewLogicalSubscription(filters filter.List, opts SubscriptionOptions) *LogicalSubscription {
	return &LogicalSubscription{
		ID:      uuid.NewString(),
		Filters: filters.Clone(),
		Options: opts,
		events:  newSinkBuffer[*event.E](opts.SinkCapacity),
		eose:    make(chan struct{}),
		seen:    make(map[string]struct{}),
		closedReason: make(chan string, 4),
	}
}

// ClosedReason returns a channel on which a relay's CLOSED reason is
// emitted whenever any member wire subscription is closed server-side.
func (l *LogicalSubscription) ClosedReason() <-chan string { return l.closedReason }

func (l *LogicalSubscription) signalClosed(reason string) {
	select {
	case l.closedReason <- reason:
	default:
	}
}

// Events returns the channel events are delivered on.
func (l *LogicalSubscription) Events() <-chan *event.E { return l.events.Chan() }

// EOSE returns a channel that is closed the first time any member wire
// subscription reports end-of-stored-events.
func (l *LogicalSubscription) EOSE() <-chan struct{} { return l.eose }

// Closed reports whether the subscription has been closed.
func (l *LogicalSubscription) Closed() bool { return l.closed.Load() }

// Close marks the subscription closed. Idempotent: closing twice is a
// no-op.
func (l *LogicalSubscription) Close() {
	l.closed.Store(true)
}

// DroppedEvents returns how many events were dropped from this
// subscription's sink due to backpressure.
func (l *LogicalSubscription) DroppedEvents() uint64 { return l.events.Dropped() }

// deliver pushes e to the subscription's sink iff it matches Filters and
// has not already been delivered to this subscription (intra-subscription
// dedup). It is a no-op if the subscription is closed.
func (l *LogicalSubscription) deliver(e *event.E, ignoreTimestamp bool) {
	if l.closed.Load() {
		return
	}
	matched := false
	for _, f := range l.Filters {
		if ignoreTimestamp {
			matched = f.MatchesIgnoringTimestamp(e)
		} else {
			matched = f.Matches(e)
		}
		if matched {
			break
		}
	}
	if !matched {
		return
	}
	l.seenMu.Lock()
	if _, dup := l.seen[e.Id]; dup {
		l.seenMu.Unlock()
		return
	}
	l.seen[e.Id] = struct{}{}
	l.seenMu.Unlock()
	l.events.Push(e)
}

// signalEOSE closes the EOSE channel exactly once.
func (l *LogicalSubscription) signalEOSE() {
	l.eosedOnce.Do(func() { close(l.eose) })
}
