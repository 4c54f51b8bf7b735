package relay

import (
	"nostrswarm.dev/pkg/encoders/filter"
)

// wireState is a wire subscription's lifecycle state.
type wireState int

const (
	wirePending wireState = iota
	wireRunning
	wireClosed
)

// wireSubscription is a REQ opened on one relay; one relay-local id.
// Many LogicalSubscriptions sharing a filter.Fingerprint attach to the
// same wireSubscription.
type wireSubscription struct {
	ID          string
	Fingerprint filter.Fingerprint
	CloseOnEOSE bool
	State       wireState

	// memberOrder preserves member insertion order, so delivery and the
	// merged filter list follow registration order. (Reconnect replay
	// order across wire subscriptions comes from Mux.wireOrder.)
	memberOrder []string
	members     map[string]*LogicalSubscription

	// merged is the union-widened filter list actually sent to the
	// relay; per-member pre-merge filters are what events are actually
	// matched against before delivery.
	merged filter.List
}

func newWireSubscription(id string, fp filter.Fingerprint, closeOnEOSE bool) *wireSubscription {
	return &wireSubscription{
		ID:          id,
		Fingerprint: fp,
		CloseOnEOSE: closeOnEOSE,
		State:       wirePending,
		members:     map[string]*LogicalSubscription{},
	}
}

func (w *wireSubscription) addMember(l *LogicalSubscription) {
	if _, ok := w.members[l.ID]; ok {
		return
	}
	w.members[l.ID] = l
	w.memberOrder = append(w.memberOrder, l.ID)
	w.recomputeMerged()
}

func (w *wireSubscription) removeMember(id string) {
	if _, ok := w.members[id]; !ok {
		return
	}
	delete(w.members, id)
	for i, mid := range w.memberOrder {
		if mid == id {
			w.memberOrder = append(w.memberOrder[:i], w.memberOrder[i+1:]...)
			break
		}
	}
	w.recomputeMerged()
}

func (w *wireSubscription) empty() bool { return len(w.members) == 0 }

func (w *wireSubscription) recomputeMerged() {
	lists := make([]filter.List, 0, len(w.memberOrder))
	for _, id := range w.memberOrder {
		lists = append(lists, w.members[id].Filters)
	}
	w.merged = filter.Merge(lists)
}
