package state

import (
	"cmp"
	"slices"
)

// SubscriptionID identifies a subscription on both sides of the protocol.
type SubscriptionID struct {
	ElementInstanceKey int64
	MessageName        string
}

// Pending is the in-memory index of subscriptions waiting for an
// acknowledgement from another partition, with the engine time their last
// command was sent.
//
// It is never persisted: appliers keep it current while processing and
// replaying, and the owning partition rebuilds it from the store after
// recovery. Like the rest of the partition state it is only touched by the
// partition's goroutine.
type Pending[T any] struct {
	entries map[SubscriptionID]*PendingEntry[T]
}

// PendingEntry is one tracked subscription.
type PendingEntry[T any] struct {
	ID     SubscriptionID
	Value  T
	SentAt int64
}

// NewPending returns an empty index.
func NewPending[T any]() *Pending[T] {
	return &Pending[T]{entries: make(map[SubscriptionID]*PendingEntry[T])}
}

// Add tracks (or replaces) id.
func (p *Pending[T]) Add(id SubscriptionID, v T, sentAt int64) {
	p.entries[id] = &PendingEntry[T]{ID: id, Value: v, SentAt: sentAt}
}

// Remove stops tracking id.
func (p *Pending[T]) Remove(id SubscriptionID) { delete(p.entries, id) }

// Get returns the tracked entry of id.
func (p *Pending[T]) Get(id SubscriptionID) (PendingEntry[T], bool) {
	e, ok := p.entries[id]
	if !ok {
		return PendingEntry[T]{}, false
	}
	return *e, true
}

// Touch records that the command of id was sent again at sentAt.
func (p *Pending[T]) Touch(id SubscriptionID, sentAt int64) {
	if e, ok := p.entries[id]; ok {
		e.SentAt = sentAt
	}
}

// Due returns the entries last sent at or before cutoff, ordered by send
// time and then by id so that resends are deterministic.
func (p *Pending[T]) Due(cutoff int64) []PendingEntry[T] {
	var out []PendingEntry[T]
	for _, e := range p.entries {
		if e.SentAt <= cutoff {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b PendingEntry[T]) int {
		return cmp.Or(
			cmp.Compare(a.SentAt, b.SentAt),
			cmp.Compare(a.ID.ElementInstanceKey, b.ID.ElementInstanceKey),
			cmp.Compare(a.ID.MessageName, b.ID.MessageName),
		)
	})
	return out
}

// Len returns the number of tracked subscriptions.
func (p *Pending[T]) Len() int { return len(p.entries) }

// Clear drops every entry.
func (p *Pending[T]) Clear() { clear(p.entries) }
