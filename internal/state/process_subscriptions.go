package state

import (
	"errors"

	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

// ProcessSubscriptionState is the lifecycle state of a subscription on the
// process side.
type ProcessSubscriptionState string

const (
	ProcessSubscriptionOpening ProcessSubscriptionState = "OPENING"
	ProcessSubscriptionOpened  ProcessSubscriptionState = "OPENED"
	ProcessSubscriptionClosing ProcessSubscriptionState = "CLOSING"
)

// ProcessSubscription is a subscription as stored on the partition of the
// subscribing element instance.
type ProcessSubscription struct {
	Key    int64                                  `msgpack:"key"`
	Record types.ProcessMessageSubscriptionRecord `msgpack:"record"`
	State  ProcessSubscriptionState               `msgpack:"state"`

	// LastMessageKey is the last message correlated through this
	// subscription, used to detect retried CORRELATE commands.
	LastMessageKey int64 `msgpack:"last_message_key"`
}

// ProcessMessageSubscriptionState stores the process-side subscriptions.
//
//	PROCESS_SUBSCRIPTION_BY_ELEMENT_AND_NAME  (elementInstanceKey, name) → ProcessSubscription
type ProcessMessageSubscriptionState struct {
	byElement storage.Table[ProcessSubscription]
}

func newProcessMessageSubscriptionState() *ProcessMessageSubscriptionState {
	return &ProcessMessageSubscriptionState{
		byElement: storage.NewTable[ProcessSubscription](storage.CFProcessSubscriptionByElementAndName),
	}
}

// Get returns the subscription of (elementInstanceKey, messageName), or nil.
func (s *ProcessMessageSubscriptionState) Get(tx storage.Txn, elementInstanceKey int64, messageName string) (*ProcessSubscription, error) {
	sub, err := s.byElement.Get(tx, elementKey(elementInstanceKey, messageName))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Put upserts sub.
func (s *ProcessMessageSubscriptionState) Put(tx storage.Txn, sub ProcessSubscription) error {
	return s.byElement.Put(tx, elementKey(sub.Record.ElementInstanceKey, sub.Record.MessageName), sub)
}

// Remove deletes the subscription of (elementInstanceKey, messageName).
func (s *ProcessMessageSubscriptionState) Remove(tx storage.Txn, elementInstanceKey int64, messageName string) error {
	return s.byElement.Delete(tx, elementKey(elementInstanceKey, messageName))
}

// ForElement returns every subscription of one element instance.
func (s *ProcessMessageSubscriptionState) ForElement(tx storage.Txn, elementInstanceKey int64) ([]ProcessSubscription, error) {
	var out []ProcessSubscription
	err := s.byElement.WhileEqualPrefix(tx, storage.LongKey(elementInstanceKey), func(_ []byte, sub ProcessSubscription) (bool, error) {
		out = append(out, sub)
		return true, nil
	})
	return out, err
}

// VisitPending calls fn for every subscription waiting for an
// acknowledgement from the message partition (OPENING or CLOSING).
func (s *ProcessMessageSubscriptionState) VisitPending(tx storage.Txn, fn func(sub ProcessSubscription) error) error {
	return s.byElement.WhileEqualPrefix(tx, nil, func(_ []byte, sub ProcessSubscription) (bool, error) {
		if sub.State == ProcessSubscriptionOpened {
			return true, nil
		}
		return true, fn(sub)
	})
}
