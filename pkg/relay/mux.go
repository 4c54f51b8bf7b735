package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"
	"nostrswarm.dev/pkg/encoders/event"
	"nostrswarm.dev/pkg/encoders/filter"
	"nostrswarm.dev/pkg/verify"
)

// sender writes a raw text frame to the relay, or returns an error if
// the underlying transport is unavailable. Mux never dials or
// reconnects itself; Client supplies this and swaps it out across
// reconnects.
type sender func(ctx context.Context, raw []byte) error

// Mux multiplexes any number of LogicalSubscriptions registered against
// one relay onto the minimum number of wire (REQ) subscriptions. It also
// dispatches inbound EVENT/EOSE/CLOSED frames to the logical
// subscriptions that attached to each wire subscription, running every
// inbound event through a verify.Sampler first.
type Mux struct {
	relayURL string
	sampler  *verify.Sampler
	send     sender

	mu            sync.Mutex
	byFingerprint map[filter.Fingerprint]*wireSubscription
	byWireID      map[string]*wireSubscription
	logicalWire   map[string]*wireSubscription // logical sub id -> its wire sub
	// wireOrder preserves wire subscription creation order, so
	// Resubscribe can replay deterministically.
	wireOrder []string
	// held buffers events the sampler skipped under strict mode, keyed
	// by id+":"+sig, until corroboration or a forced verification.
	held map[string]*heldEvent
}

// heldEvent is an event skipped under strict mode, together with the
// wire subscription its members should be looked up from at release
// time (membership can change while the event sits pending).
type heldEvent struct {
	wireID string
	event  *event.E
}

// NewMux builds a multiplexer for one relay. send is called to write
// REQ/CLOSE frames; it is swapped via SetSender after a reconnect.
func NewMux(relayURL string, sampler *verify.Sampler, send sender) *Mux {
	return &Mux{
		relayURL:      relayURL,
		sampler:       sampler,
		send:          send,
		byFingerprint: map[filter.Fingerprint]*wireSubscription{},
		byWireID:      map[string]*wireSubscription{},
		logicalWire:   map[string]*wireSubscription{},
		held:          map[string]*heldEvent{},
	}
}

// SetSender installs a new write function, used after a reconnect
// establishes a fresh transport.
func (m *Mux) SetSender(send sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.send = send
}

// Register attaches a logical subscription to this relay, merging it
// into an existing wire subscription when one with a matching
// fingerprint is already pending or running, or opening a new one
// otherwise.
func (m *Mux) Register(ctx context.Context, l *LogicalSubscription) error {
	fp := filter.ComputeFingerprint(l.Filters, l.Options.CloseOnEOSE, l.ID)

	m.mu.Lock()
	ws, ok := m.byFingerprint[fp]
	if !ok {
		ws = newWireSubscription(uuid.NewString(), fp, l.Options.CloseOnEOSE)
		m.byFingerprint[fp] = ws
		m.byWireID[ws.ID] = ws
		m.wireOrder = append(m.wireOrder, ws.ID)
	}
	ws.addMember(l)
	m.logicalWire[l.ID] = ws
	merged := ws.merged
	wireID := ws.ID
	wasPending := ws.State == wirePending
	send := m.send
	m.mu.Unlock()

	if !wasPending {
		// A running wire subscription just widened its filters (a new
		// member joined); resend REQ with the merged set so the relay
		// starts matching the new union.
		return m.writeREQ(ctx, send, wireID, merged)
	}
	if err := m.writeREQ(ctx, send, wireID, merged); err != nil {
		return err
	}
	m.mu.Lock()
	ws.State = wireRunning
	m.mu.Unlock()
	return nil
}

func (m *Mux) writeREQ(ctx context.Context, send sender, wireID string, filters filter.List) error {
	if send == nil {
		return newErr(ErrTransportClosed, m.relayURL, "no active transport", nil)
	}
	raw, err := reqEnvelope{SubID: wireID, Filters: filters}.MarshalJSON()
	if err != nil {
		return fmt.Errorf("relay: encode REQ: %w", err)
	}
	return send(ctx, raw)
}

// Remove detaches a logical subscription. If it was the last member of
// its wire subscription, the wire subscription is closed with CLOSE.
func (m *Mux) Remove(ctx context.Context, l *LogicalSubscription) error {
	m.mu.Lock()
	ws, ok := m.logicalWire[l.ID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	ws.removeMember(l.ID)
	delete(m.logicalWire, l.ID)
	empty := ws.empty()
	send := m.send
	if empty {
		delete(m.byFingerprint, ws.Fingerprint)
		delete(m.byWireID, ws.ID)
		m.removeFromWireOrder(ws.ID)
		ws.State = wireClosed
	}
	m.mu.Unlock()

	if !empty {
		return nil
	}
	if send == nil {
		return nil
	}
	raw, err := closeEnvelope{SubID: ws.ID}.MarshalJSON()
	if err != nil {
		return fmt.Errorf("relay: encode CLOSE: %w", err)
	}
	return send(ctx, raw)
}

// HandleFrame dispatches one parsed inbound frame. It is the ingress
// path called from the Client's read loop.
func (m *Mux) HandleFrame(env *inboundEnvelope) {
	switch env.Tag {
	case "EVENT":
		m.handleEvent(env.SubID, env.Event)
	case "EOSE":
		m.handleEOSE(env.SubID)
	case "CLOSED":
		m.handleClosed(env.SubID, env.ClosedReason)
	case "NOTICE":
		log.D.F("relay %s: NOTICE: %s", m.relayURL, env.Notice)
	}
}

func (m *Mux) handleEvent(wireID string, e *event.E) {
	m.mu.Lock()
	ws, ok := m.byWireID[wireID]
	var members []*LogicalSubscription
	if ok {
		members = make([]*LogicalSubscription, 0, len(ws.memberOrder))
		for _, id := range ws.memberOrder {
			members = append(members, ws.members[id])
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	state := m.sampler.Consider(e, m.relayURL)
	switch state {
	case verify.Invalid:
		// The sampler has already blacklisted and disconnected the
		// relay if configured to; nothing else to deliver.
		return
	case verify.Skipped:
		if m.sampler.StrictMode() {
			// Hold until another relay corroborates this (id,sig) or a
			// caller forces verification; don't deliver yet.
			m.hold(wireID, e)
			return
		}
	case verify.Valid, verify.Cached:
		// This relay (or the cache) just corroborated an (id,sig) that
		// may be sitting held from an earlier skip elsewhere.
		m.Release(e.Id, e.Sig)
	}

	for _, l := range members {
		l.deliver(e, false)
	}
}

// hold buffers e, skipped under strict mode, until release or ForceVerify
// delivers it.
func (m *Mux) hold(wireID string, e *event.E) {
	m.mu.Lock()
	m.held[heldKey(e.Id, e.Sig)] = &heldEvent{wireID: wireID, event: e}
	m.mu.Unlock()
}

// Release delivers a previously held event to its wire subscription's
// current members, if one is still held for id/sig. It is exported so a
// Pool sharing one Sampler across many relays' Muxes can broadcast a
// corroboration on one relay to every other relay's held events.
func (m *Mux) Release(id, sig string) {
	key := heldKey(id, sig)
	m.mu.Lock()
	he, ok := m.held[key]
	if ok {
		delete(m.held, key)
	}
	var members []*LogicalSubscription
	if ok {
		if ws, wok := m.byWireID[he.wireID]; wok {
			members = make([]*LogicalSubscription, 0, len(ws.memberOrder))
			for _, mid := range ws.memberOrder {
				members = append(members, ws.members[mid])
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, l := range members {
		l.deliver(he.event, false)
	}
}

// ForceVerify forces verification of a held (id,sig) pair and delivers
// it to its wire subscription's members if the signature checks out.
func (m *Mux) ForceVerify(id, sig string) {
	if m.sampler.ForceVerify(m.relayURL, id, sig) == verify.Valid {
		m.Release(id, sig)
	}
}

func heldKey(id, sig string) string { return id + ":" + sig }

func (m *Mux) handleEOSE(wireID string) {
	m.mu.Lock()
	ws, ok := m.byWireID[wireID]
	var toClose []*LogicalSubscription
	var members []*LogicalSubscription
	if ok {
		for _, id := range ws.memberOrder {
			l := ws.members[id]
			members = append(members, l)
			if l.Options.CloseOnEOSE {
				toClose = append(toClose, l)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, l := range members {
		l.signalEOSE()
	}
	for _, l := range toClose {
		l.Close()
		if err := m.Remove(context.Background(), l); chk.E(err) {
			log.E.F("relay %s: remove on close-on-eose: %v", m.relayURL, err)
		}
	}
}

func (m *Mux) handleClosed(wireID, reason string) {
	m.mu.Lock()
	ws, ok := m.byWireID[wireID]
	var members []*LogicalSubscription
	if ok {
		for _, id := range ws.memberOrder {
			members = append(members, ws.members[id])
		}
		delete(m.byWireID, wireID)
		delete(m.byFingerprint, ws.Fingerprint)
		m.removeFromWireOrder(wireID)
		ws.State = wireClosed
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, l := range members {
		l.signalClosed(reason)
		m.mu.Lock()
		delete(m.logicalWire, l.ID)
		m.mu.Unlock()
	}
}

// Resubscribe re-sends REQ for every wire subscription whose members
// still want to survive a reconnect (ReplayOnReconnect), walking wire
// subscriptions in the order they were first created so relay-side
// ordering is deterministic across reconnects. Members that don't want
// replay are dropped from their wire subscription; a wire subscription
// left with no survivors is discarded rather than resent.
func (m *Mux) Resubscribe(ctx context.Context) error {
	m.mu.Lock()
	wireIDsInOrder := append([]string(nil), m.wireOrder...)
	send := m.send
	m.mu.Unlock()

	for _, id := range wireIDsInOrder {
		m.mu.Lock()
		ws, ok := m.byWireID[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		for _, mid := range append([]string(nil), ws.memberOrder...) {
			l := ws.members[mid]
			if !l.Options.ReplayOnReconnect || l.Closed() {
				ws.removeMember(mid)
				delete(m.logicalWire, mid)
			}
		}
		empty := ws.empty()
		if empty {
			delete(m.byFingerprint, ws.Fingerprint)
			delete(m.byWireID, ws.ID)
			m.removeFromWireOrder(ws.ID)
			m.mu.Unlock()
			continue
		}
		merged := ws.merged
		ws.State = wirePending
		m.mu.Unlock()

		if err := m.writeREQ(ctx, send, id, merged); err != nil {
			return err
		}
		m.mu.Lock()
		ws.State = wireRunning
		m.mu.Unlock()
	}
	return nil
}

// removeFromWireOrder drops id from wireOrder. Callers must hold m.mu.
func (m *Mux) removeFromWireOrder(id string) {
	for i, wid := range m.wireOrder {
		if wid == id {
			m.wireOrder = append(m.wireOrder[:i], m.wireOrder[i+1:]...)
			return
		}
	}
}
