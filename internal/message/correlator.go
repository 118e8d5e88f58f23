package message

import (
	"github.com/snehjoshi/epochflow/internal/engine"
	"github.com/snehjoshi/epochflow/internal/state"
	"github.com/snehjoshi/epochflow/internal/types"
)

// correlator binds messages to subscriptions on the message partition.
type correlator struct {
	messages      *state.MessageState
	subscriptions *state.MessageSubscriptionState
}

// correlateMessage offers a freshly published message to the waiting
// subscriptions: at most one per bpmnProcessId, skipping subscriptions that
// are already correlating. It returns how many subscriptions it bound.
func (c *correlator) correlateMessage(pc *engine.ProcessingContext, msg state.StoredMessage, exclude int64) (int, error) {
	subs, err := c.subscriptions.Subscriptions(pc.Txn, msg.Record.Name, msg.Record.CorrelationKey)
	if err != nil {
		return 0, err
	}

	bound := 0
	seen := make(map[string]bool)
	for _, sub := range subs {
		if sub.Correlating || sub.Key == exclude || seen[sub.Record.BpmnProcessID] {
			continue
		}
		done, err := c.messages.ExistsCorrelated(pc.Txn, msg.Key, sub.Record.BpmnProcessID)
		if err != nil {
			return bound, err
		}
		if done {
			continue
		}
		seen[sub.Record.BpmnProcessID] = true
		if err := c.bind(pc, sub.Key, sub.Record, msg); err != nil {
			return bound, err
		}
		bound++
	}
	return bound, nil
}

// correlateNextMessage offers the oldest live buffered message that was not
// yet correlated for the subscription's process to the subscription.
func (c *correlator) correlateNextMessage(pc *engine.ProcessingContext, subKey int64, rec types.MessageSubscriptionRecord) error {
	msgs, err := c.messages.Messages(pc.Txn, rec.MessageName, rec.CorrelationKey)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.Record.Deadline <= pc.Now {
			continue
		}
		done, err := c.messages.ExistsCorrelated(pc.Txn, msg.Key, rec.BpmnProcessID)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		return c.bind(pc, subKey, rec, msg)
	}
	return nil
}

// bind writes CORRELATING and sends CORRELATE to the process partition.
func (c *correlator) bind(pc *engine.ProcessingContext, subKey int64, rec types.MessageSubscriptionRecord, msg state.StoredMessage) error {
	rec.MessageKey = msg.Key
	rec.Variables = msg.Record.Variables
	if _, err := pc.State.AppendFollowUpEvent(subKey, types.IntentCorrelating, &rec); err != nil {
		return err
	}
	pc.Commands.SendCommand(processPartition(rec.ElementInstanceKey), rec.ElementInstanceKey,
		types.IntentCorrelate, processSubscriptionValue(rec, pc.PartitionID))
	return nil
}
