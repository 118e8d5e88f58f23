package message

import (
	"github.com/snehjoshi/epochflow/internal/engine"
	"github.com/snehjoshi/epochflow/internal/state"
	"github.com/snehjoshi/epochflow/internal/types"
)

// messageSide handles MESSAGE and MESSAGE_SUBSCRIPTION commands.
type messageSide struct {
	st         *state.State
	correlator *correlator
}

func (m *messageSide) publish(pc *engine.ProcessingContext, cmd types.Record) error {
	msg := *cmd.Value.(*types.MessageRecord)
	if msg.Name == "" {
		pc.Reject(types.RejectionInvalidArgument, "Expected to publish a message with a non-empty name")
		return nil
	}
	if msg.TimeToLive < 0 {
		pc.Reject(types.RejectionInvalidArgument, "Expected to publish a message with a time to live >= 0, but it was %d", msg.TimeToLive)
		return nil
	}
	if msg.MessageID != "" {
		dup, err := m.st.Messages.ExistsMessageID(pc.Txn, msg.Name, msg.CorrelationKey, msg.MessageID)
		if err != nil {
			return err
		}
		if dup {
			pc.Reject(types.RejectionAlreadyExists,
				"Expected to publish a new message with id '%s', but a message with that id was already published",
				msg.MessageID)
			return nil
		}
	}
	msg.Deadline = pc.Now + msg.TimeToLive

	key, err := pc.NextKey()
	if err != nil {
		return err
	}
	if _, err := pc.State.AppendFollowUpEvent(key, types.IntentPublished, &msg); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(key, types.IntentPublished, &msg)

	bound, err := m.correlator.correlateMessage(pc, state.StoredMessage{Key: key, Record: msg}, types.NoKey)
	if err != nil {
		return err
	}
	if msg.TimeToLive == 0 && bound == 0 {
		_, err = pc.State.AppendFollowUpEvent(key, types.IntentExpired, &msg)
	}
	return err
}

func (m *messageSide) expire(pc *engine.ProcessingContext, cmd types.Record) error {
	msg, err := m.st.Messages.Get(pc.Txn, cmd.Key)
	if err != nil {
		return err
	}
	if msg == nil {
		pc.Reject(types.RejectionNotFound, "Expected to expire message with key '%d', but no such message was found", cmd.Key)
		return nil
	}
	busy, err := m.st.MessageSubscriptions.ExistsCorrelating(pc.Txn, msg.Record.Name, msg.Record.CorrelationKey, msg.Key)
	if err != nil {
		return err
	}
	if busy {
		pc.Reject(types.RejectionInvalidState, "Expected to expire message with key '%d', but it is still correlating", cmd.Key)
		return nil
	}
	rec := msg.Record
	if _, err := pc.State.AppendFollowUpEvent(cmd.Key, types.IntentExpired, &rec); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(cmd.Key, types.IntentExpired, &rec)
	return nil
}

func (m *messageSide) createSubscription(pc *engine.ProcessingContext, cmd types.Record) error {
	rec := *cmd.Value.(*types.MessageSubscriptionRecord)

	existing, err := m.st.MessageSubscriptions.Get(pc.Txn, rec.ElementInstanceKey, rec.MessageName)
	if err != nil {
		return err
	}
	if existing != nil {
		pc.Reject(types.RejectionInvalidState,
			"Expected to open a new message subscription for element with key '%d' and message name '%s', but there is already a message subscription for that element key and message name opened",
			rec.ElementInstanceKey, rec.MessageName)
		m.acknowledgeCreate(pc, existing.Record)
		return nil
	}

	rec.MessageKey = types.NoKey
	rec.Variables = nil
	key, err := pc.NextKey()
	if err != nil {
		return err
	}
	if _, err := pc.State.AppendFollowUpEvent(key, types.IntentCreated, &rec); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(key, types.IntentCreated, &rec)
	m.acknowledgeCreate(pc, rec)

	return m.correlator.correlateNextMessage(pc, key, rec)
}

func (m *messageSide) acknowledgeCreate(pc *engine.ProcessingContext, rec types.MessageSubscriptionRecord) {
	ack := processSubscriptionValue(rec, pc.PartitionID)
	ack.MessageKey = types.NoKey
	ack.Variables = nil
	pc.Commands.SendCommand(processPartition(rec.ElementInstanceKey), rec.ElementInstanceKey, types.IntentCreate, ack)
}

// correlateSubscription handles the acknowledgement of a correlation from the
// process partition. Retried or late acknowledgements are rejected without
// touching state.
func (m *messageSide) correlateSubscription(pc *engine.ProcessingContext, cmd types.Record) error {
	in := cmd.Value.(*types.MessageSubscriptionRecord)

	sub, err := m.st.MessageSubscriptions.Get(pc.Txn, in.ElementInstanceKey, in.MessageName)
	if err != nil {
		return err
	}
	switch {
	case sub == nil:
		pc.Reject(types.RejectionNotFound,
			"Expected to correlate subscription for element with key '%d' and message name '%s', but no such message subscription exists",
			in.ElementInstanceKey, in.MessageName)
		return nil
	case sub.Record.MessageKey != in.MessageKey:
		pc.Reject(types.RejectionNotFound,
			"Expected to acknowledge correlating message with key '%d' to subscription with key '%d', but the subscription is already correlating to another message with key '%d'",
			in.MessageKey, sub.Key, sub.Record.MessageKey)
		return nil
	case !sub.Correlating:
		pc.Reject(types.RejectionNotFound,
			"Expected to acknowledge correlating message with key '%d' to subscription with key '%d', but the subscription has already been correlated",
			in.MessageKey, sub.Key)
		return nil
	}

	rec := sub.Record
	if _, err := pc.State.AppendFollowUpEvent(sub.Key, types.IntentCorrelated, &rec); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(sub.Key, types.IntentCorrelated, &rec)

	if rec.Interrupting {
		if _, err := pc.State.AppendFollowUpEvent(sub.Key, types.IntentDeleted, &rec); err != nil {
			return err
		}
		m.acknowledgeDelete(pc, rec)
		return nil
	}
	return m.correlator.correlateNextMessage(pc, sub.Key, rec)
}

// rejectSubscription handles a refusal from the process partition: the
// subscription is unbound and the message offered to another subscription of
// the same process.
func (m *messageSide) rejectSubscription(pc *engine.ProcessingContext, cmd types.Record) error {
	in := cmd.Value.(*types.MessageSubscriptionRecord)

	sub, err := m.st.MessageSubscriptions.Get(pc.Txn, in.ElementInstanceKey, in.MessageName)
	if err != nil {
		return err
	}
	if sub == nil || !sub.Correlating || sub.Record.MessageKey != in.MessageKey {
		pc.Reject(types.RejectionNotFound,
			"Expected to reject correlation of message with key '%d' for element with key '%d' and message name '%s', but the subscription is not correlating it",
			in.MessageKey, in.ElementInstanceKey, in.MessageName)
		return nil
	}

	rec := sub.Record
	if _, err := pc.State.AppendFollowUpEvent(sub.Key, types.IntentRejected, &rec); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(sub.Key, types.IntentRejected, &rec)

	msg, err := m.st.Messages.Get(pc.Txn, in.MessageKey)
	if err != nil || msg == nil || msg.Record.Deadline <= pc.Now {
		return err
	}
	_, err = m.correlator.correlateMessage(pc, *msg, sub.Key)
	return err
}

func (m *messageSide) deleteSubscription(pc *engine.ProcessingContext, cmd types.Record) error {
	in := *cmd.Value.(*types.MessageSubscriptionRecord)

	sub, err := m.st.MessageSubscriptions.Get(pc.Txn, in.ElementInstanceKey, in.MessageName)
	if err != nil {
		return err
	}
	if sub == nil {
		pc.Reject(types.RejectionNotFound,
			"Expected to delete message subscription for element with key '%d' and message name '%s', but no such message subscription exists",
			in.ElementInstanceKey, in.MessageName)
		m.acknowledgeDelete(pc, in)
		return nil
	}

	rec := sub.Record
	if _, err := pc.State.AppendFollowUpEvent(sub.Key, types.IntentDeleted, &rec); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(sub.Key, types.IntentDeleted, &rec)
	m.acknowledgeDelete(pc, rec)
	return nil
}

func (m *messageSide) acknowledgeDelete(pc *engine.ProcessingContext, rec types.MessageSubscriptionRecord) {
	pc.Commands.SendCommand(processPartition(rec.ElementInstanceKey), rec.ElementInstanceKey,
		types.IntentDelete, processSubscriptionValue(rec, pc.PartitionID))
}
