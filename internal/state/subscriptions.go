package state

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

// MessageSubscription is a subscription as stored on the message partition.
type MessageSubscription struct {
	Key         int64                           `msgpack:"key"`
	Record      types.MessageSubscriptionRecord `msgpack:"record"`
	Correlating bool                            `msgpack:"correlating"`
}

// MessageSubscriptionState stores the subscriptions of the message side.
//
//	MESSAGE_SUBSCRIPTION_BY_KEY                          key                                  → MessageSubscription
//	MESSAGE_SUBSCRIPTION_BY_NAME_AND_CORRELATION_KEY     (name, correlationKey, key)          → ∅
//	MESSAGE_SUBSCRIPTION_BY_ELEMENT_AND_NAME             (elementInstanceKey, name)           → key
type MessageSubscriptionState struct {
	byKey     storage.Table[MessageSubscription]
	byName    storage.Table[storage.Nil]
	byElement storage.Table[int64]
}

func newMessageSubscriptionState() *MessageSubscriptionState {
	return &MessageSubscriptionState{
		byKey:     storage.NewTable[MessageSubscription](storage.CFMessageSubscriptionByKey),
		byName:    storage.NewTable[storage.Nil](storage.CFMessageSubscriptionByNameAndCorrelationKey),
		byElement: storage.NewTable[int64](storage.CFMessageSubscriptionByElementAndName),
	}
}

// Get returns the subscription of (elementInstanceKey, messageName), or nil.
func (s *MessageSubscriptionState) Get(tx storage.Txn, elementInstanceKey int64, messageName string) (*MessageSubscription, error) {
	key, err := s.byElement.Get(tx, elementKey(elementInstanceKey, messageName))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetByKey(tx, key)
}

// GetByKey returns the subscription with key, or nil.
func (s *MessageSubscriptionState) GetByKey(tx storage.Txn, key int64) (*MessageSubscription, error) {
	sub, err := s.byKey.Get(tx, storage.LongKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Put stores a new subscription in state OPENED.
func (s *MessageSubscriptionState) Put(tx storage.Txn, key int64, rec types.MessageSubscriptionRecord) error {
	if err := s.byElement.Insert(tx, elementKey(rec.ElementInstanceKey, rec.MessageName), key); err != nil {
		return err
	}
	if err := s.byName.Put(tx, nameKey(rec.MessageName, rec.CorrelationKey).Long(key).Bytes(), storage.Nil{}); err != nil {
		return err
	}
	return s.byKey.Put(tx, storage.LongKey(key), MessageSubscription{Key: key, Record: rec})
}

// Update replaces the stored subscription. Name, correlation key and
// element never change, so the indexes stay valid.
func (s *MessageSubscriptionState) Update(tx storage.Txn, sub MessageSubscription) error {
	return s.byKey.Update(tx, storage.LongKey(sub.Key), sub)
}

// Remove deletes the subscription and its indexes.
func (s *MessageSubscriptionState) Remove(tx storage.Txn, key int64) error {
	sub, err := s.GetByKey(tx, key)
	if err != nil || sub == nil {
		return err
	}
	rec := sub.Record
	if err := s.byKey.Delete(tx, storage.LongKey(key)); err != nil {
		return err
	}
	if err := s.byName.Delete(tx, nameKey(rec.MessageName, rec.CorrelationKey).Long(key).Bytes()); err != nil {
		return err
	}
	return s.byElement.Delete(tx, elementKey(rec.ElementInstanceKey, rec.MessageName))
}

// Subscriptions returns the subscriptions for (name, correlationKey) in
// creation order.
func (s *MessageSubscriptionState) Subscriptions(tx storage.Txn, name, correlationKey string) ([]MessageSubscription, error) {
	raw, err := s.byName.Keys(tx, nameKey(name, correlationKey).Bytes(), 0)
	if err != nil {
		return nil, err
	}
	out := make([]MessageSubscription, 0, len(raw))
	for _, k := range raw {
		r := storage.NewKeyReader(k)
		_, _ = r.String(), r.String()
		key := r.Long()
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("subscription index: %w", err)
		}
		sub, err := s.GetByKey(tx, key)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, fmt.Errorf("subscription index points at missing subscription %d", key)
		}
		out = append(out, *sub)
	}
	return out, nil
}

// ExistsCorrelating reports whether any subscription is correlating the
// message with key messageKey for (name, correlationKey).
func (s *MessageSubscriptionState) ExistsCorrelating(tx storage.Txn, name, correlationKey string, messageKey int64) (bool, error) {
	subs, err := s.Subscriptions(tx, name, correlationKey)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if sub.Correlating && sub.Record.MessageKey == messageKey {
			return true, nil
		}
	}
	return false, nil
}

// VisitCorrelating calls fn for every correlating subscription.
func (s *MessageSubscriptionState) VisitCorrelating(tx storage.Txn, fn func(sub MessageSubscription) error) error {
	return s.byKey.WhileEqualPrefix(tx, nil, func(_ []byte, sub MessageSubscription) (bool, error) {
		if !sub.Correlating {
			return true, nil
		}
		return true, fn(sub)
	})
}

func elementKey(elementInstanceKey int64, messageName string) []byte {
	return storage.NewKey().Long(elementInstanceKey).String(messageName).Bytes()
}
