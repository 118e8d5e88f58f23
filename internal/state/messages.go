package state

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

// StoredMessage is a published message together with its key.
type StoredMessage struct {
	Key    int64               `msgpack:"key"`
	Record types.MessageRecord `msgpack:"record"`
}

// MessageState stores buffered messages.
//
//	MESSAGES                              messageKey                       → StoredMessage
//	MESSAGE_IDS                           (name, correlationKey, id)       → messageKey
//	MESSAGE_DEADLINES                     (deadline, messageKey)           → ∅
//	MESSAGES_BY_NAME_AND_CORRELATION_KEY  (name, correlationKey, key)      → ∅
//	MESSAGE_CORRELATED                    (messageKey, bpmnProcessId)      → ∅
type MessageState struct {
	messages   storage.Table[StoredMessage]
	ids        storage.Table[int64]
	deadlines  storage.Table[storage.Nil]
	byName     storage.Table[storage.Nil]
	correlated storage.Table[storage.Nil]
}

func newMessageState() *MessageState {
	return &MessageState{
		messages:   storage.NewTable[StoredMessage](storage.CFMessages),
		ids:        storage.NewTable[int64](storage.CFMessageIDs),
		deadlines:  storage.NewTable[storage.Nil](storage.CFMessageDeadlines),
		byName:     storage.NewTable[storage.Nil](storage.CFMessagesByNameAndCorrelationKey),
		correlated: storage.NewTable[storage.Nil](storage.CFMessageCorrelated),
	}
}

// Get returns the message with key, or nil.
func (s *MessageState) Get(tx storage.Txn, key int64) (*StoredMessage, error) {
	m, err := s.messages.Get(tx, storage.LongKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Put stores a newly published message and its indexes.
func (s *MessageState) Put(tx storage.Txn, key int64, rec types.MessageRecord) error {
	if err := s.messages.Insert(tx, storage.LongKey(key), StoredMessage{Key: key, Record: rec}); err != nil {
		return err
	}
	if rec.MessageID != "" {
		if err := s.ids.Put(tx, idKey(rec), key); err != nil {
			return err
		}
	}
	if err := s.deadlines.Put(tx, storage.NewKey().Long(rec.Deadline).Long(key).Bytes(), storage.Nil{}); err != nil {
		return err
	}
	return s.byName.Put(tx, nameKey(rec.Name, rec.CorrelationKey).Long(key).Bytes(), storage.Nil{})
}

// ExistsMessageID reports whether a message with the same name,
// correlation key and id is still buffered.
func (s *MessageState) ExistsMessageID(tx storage.Txn, name, correlationKey, messageID string) (bool, error) {
	return s.ids.Exists(tx, idKey(types.MessageRecord{Name: name, CorrelationKey: correlationKey, MessageID: messageID}))
}

// Remove deletes a message, its indexes and its correlation markers.
func (s *MessageState) Remove(tx storage.Txn, key int64) error {
	m, err := s.Get(tx, key)
	if err != nil || m == nil {
		return err
	}
	rec := m.Record
	if err := s.messages.Delete(tx, storage.LongKey(key)); err != nil {
		return err
	}
	if rec.MessageID != "" {
		if err := s.ids.Delete(tx, idKey(rec)); err != nil {
			return err
		}
	}
	if err := s.deadlines.Delete(tx, storage.NewKey().Long(rec.Deadline).Long(key).Bytes()); err != nil {
		return err
	}
	if err := s.byName.Delete(tx, nameKey(rec.Name, rec.CorrelationKey).Long(key).Bytes()); err != nil {
		return err
	}
	marks, err := s.correlated.Keys(tx, storage.LongKey(key), 0)
	if err != nil {
		return err
	}
	for _, k := range marks {
		if err := s.correlated.Delete(tx, k); err != nil {
			return err
		}
	}
	return nil
}

// PutCorrelated records that message key was correlated to bpmnProcessID.
func (s *MessageState) PutCorrelated(tx storage.Txn, key int64, bpmnProcessID string) error {
	return s.correlated.Put(tx, correlatedKey(key, bpmnProcessID), storage.Nil{})
}

// RemoveCorrelated drops the marker again, e.g. after a rejection.
func (s *MessageState) RemoveCorrelated(tx storage.Txn, key int64, bpmnProcessID string) error {
	return s.correlated.Delete(tx, correlatedKey(key, bpmnProcessID))
}

// ExistsCorrelated reports whether message key was already correlated to
// bpmnProcessID.
func (s *MessageState) ExistsCorrelated(tx storage.Txn, key int64, bpmnProcessID string) (bool, error) {
	return s.correlated.Exists(tx, correlatedKey(key, bpmnProcessID))
}

// Messages returns the buffered messages for (name, correlationKey) in
// publish order.
func (s *MessageState) Messages(tx storage.Txn, name, correlationKey string) ([]StoredMessage, error) {
	raw, err := s.byName.Keys(tx, nameKey(name, correlationKey).Bytes(), 0)
	if err != nil {
		return nil, err
	}
	out := make([]StoredMessage, 0, len(raw))
	for _, k := range raw {
		r := storage.NewKeyReader(k)
		_, _ = r.String(), r.String()
		key := r.Long()
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("message index: %w", err)
		}
		m, err := s.Get(tx, key)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, fmt.Errorf("message index points at missing message %d", key)
		}
		out = append(out, *m)
	}
	return out, nil
}

// Expired returns up to limit keys of messages whose deadline is at or
// before now, earliest first.
func (s *MessageState) Expired(tx storage.Txn, now int64, limit int) ([]int64, error) {
	var keys []int64
	err := s.deadlines.WhileEqualPrefix(tx, nil, func(k []byte, _ storage.Nil) (bool, error) {
		r := storage.NewKeyReader(k)
		deadline := r.Long()
		key := r.Long()
		if err := r.Err(); err != nil {
			return false, fmt.Errorf("message deadline index: %w", err)
		}
		if deadline > now {
			return false, nil
		}
		keys = append(keys, key)
		return limit <= 0 || len(keys) < limit, nil
	})
	return keys, err
}

func nameKey(name, correlationKey string) *storage.KeyWriter {
	return storage.NewKey().String(name).String(correlationKey)
}

func idKey(rec types.MessageRecord) []byte {
	return nameKey(rec.Name, rec.CorrelationKey).String(rec.MessageID).Bytes()
}

func correlatedKey(key int64, bpmnProcessID string) []byte {
	return storage.NewKey().Long(key).String(bpmnProcessID).Bytes()
}
