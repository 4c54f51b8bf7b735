// Package filter implements the nostr Filter predicate and the
// fingerprint/merge rules the multiplexer uses to group logical
// subscriptions onto shared wire subscriptions.
package filter

import (
	"nostrswarm.dev/pkg/encoders/event"
	"nostrswarm.dev/pkg/encoders/timestamp"
)

// F is a predicate over events.
type F struct {
	Ids     []string
	Authors []string
	Kinds   []uint16
	Since   *timestamp.T
	Until   *timestamp.T
	Limit   int // 0 means unset; a server-side hint only, see Matches.
	Tags    map[string][]string
}

// New returns an empty filter (matches everything).
func New() *F { return &F{Tags: map[string][]string{}} }

// HasLimit reports whether the filter carries a limit.
func (f *F) HasLimit() bool { return f != nil && f.Limit > 0 }

// Matches reports whether e satisfies every attribute f specifies. Limit
// is a server hint only and never participates in matching.
func (f *F) Matches(e *event.E) bool {
	if f == nil {
		return true
	}
	if len(f.Ids) > 0 && !containsString(f.Ids, e.Id) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.Pubkey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.CreatedAt.After(*f.Until) {
		return false
	}
	for name, accepted := range f.Tags {
		if len(accepted) == 0 {
			continue
		}
		if !tagMatches(e, name, accepted) {
			return false
		}
	}
	return true
}

// MatchesIgnoringTimestamp is Matches without the since/until bounds.
// LogicalSubscription.deliver uses it when called with ignoreTimestamp
// set; the multiplexer's delivery paths pass false, so events are matched
// with Matches both before and after EOSE.
func (f *F) MatchesIgnoringTimestamp(e *event.E) bool {
	if f == nil {
		return true
	}
	if len(f.Ids) > 0 && !containsString(f.Ids, e.Id) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.Pubkey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	for name, accepted := range f.Tags {
		if len(accepted) == 0 {
			continue
		}
		if !tagMatches(e, name, accepted) {
			return false
		}
	}
	return true
}

func tagMatches(e *event.E, name string, accepted []string) bool {
	set := make(map[string]struct{}, len(accepted))
	for _, v := range accepted {
		set[v] = struct{}{}
	}
	for _, t := range e.Tags {
		if t.MatchesAny(name, set) {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsKind(haystack []uint16, needle uint16) bool {
	for _, k := range haystack {
		if k == needle {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of f.
func (f *F) Clone() *F {
	if f == nil {
		return nil
	}
	c := &F{
		Ids:     append([]string(nil), f.Ids...),
		Authors: append([]string(nil), f.Authors...),
		Kinds:   append([]uint16(nil), f.Kinds...),
		Limit:   f.Limit,
		Tags:    make(map[string][]string, len(f.Tags)),
	}
	if f.Since != nil {
		s := *f.Since
		c.Since = &s
	}
	if f.Until != nil {
		u := *f.Until
		c.Until = &u
	}
	for k, v := range f.Tags {
		c.Tags[k] = append([]string(nil), v...)
	}
	return c
}

// List is an ordered list of filters; an event matches the list if it
// matches any one of them (logical OR, per NIP-01 REQ semantics).
type List []*F

// Matches reports whether e matches any filter in the list. An empty
// list matches nothing (a REQ with no filters is meaningless).
func (l List) Matches(e *event.E) bool {
	for _, f := range l {
		if f.Matches(e) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the list.
func (l List) Clone() List {
	c := make(List, len(l))
	for i, f := range l {
		c[i] = f.Clone()
	}
	return c
}

// HasLimit reports whether any filter in the list carries a limit.
func (l List) HasLimit() bool {
	for _, f := range l {
		if f.HasLimit() {
			return true
		}
	}
	return false
}
