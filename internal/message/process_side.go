package message

import (
	"github.com/snehjoshi/epochflow/internal/engine"
	"github.com/snehjoshi/epochflow/internal/state"
	"github.com/snehjoshi/epochflow/internal/types"
)

// processSide handles PROCESS_MESSAGE_SUBSCRIPTION commands on the partition
// of the subscribing element instance.
type processSide struct {
	st *state.State
}

func (p *processSide) open(pc *engine.ProcessingContext, cmd types.Record) error {
	rec := *cmd.Value.(*types.ProcessMessageSubscriptionRecord)
	if rec.MessageName == "" {
		pc.Reject(types.RejectionInvalidArgument, "Expected to open a message subscription with a non-empty message name")
		return nil
	}
	if rec.CorrelationKey == "" {
		pc.Reject(types.RejectionInvalidArgument,
			"Expected to open a message subscription for message '%s' with a non-empty correlation key", rec.MessageName)
		return nil
	}

	if rec.ElementInstanceKey <= 0 {
		key, err := pc.NextKey()
		if err != nil {
			return err
		}
		rec.ElementInstanceKey = key
	}
	if owner := processPartition(rec.ElementInstanceKey); owner != pc.PartitionID {
		pc.Reject(types.RejectionInvalidArgument,
			"Expected element instance with key '%d' to belong to partition %d, but it belongs to partition %d",
			rec.ElementInstanceKey, pc.PartitionID, owner)
		return nil
	}

	existing, err := p.st.ProcessSubscriptions.Get(pc.Txn, rec.ElementInstanceKey, rec.MessageName)
	if err != nil {
		return err
	}
	if existing != nil {
		pc.Reject(types.RejectionAlreadyExists,
			"Expected to open a subscription for element with key '%d' and message name '%s', but one is already open",
			rec.ElementInstanceKey, rec.MessageName)
		return nil
	}

	rec.SubscriptionPartitionID = PartitionForCorrelationKey(rec.CorrelationKey, pc.PartitionCount)
	rec.MessageKey = types.NoKey
	rec.Variables = nil

	if _, err := pc.State.AppendFollowUpEvent(rec.ElementInstanceKey, types.IntentCreating, &rec); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(rec.ElementInstanceKey, types.IntentCreating, &rec)
	pc.Commands.SendCommand(rec.SubscriptionPartitionID, types.NoKey, types.IntentCreate, messageSubscriptionValue(rec))
	return nil
}

// created is the acknowledgement of MS CREATE.
func (p *processSide) created(pc *engine.ProcessingContext, cmd types.Record) error {
	in := cmd.Value.(*types.ProcessMessageSubscriptionRecord)

	sub, err := p.st.ProcessSubscriptions.Get(pc.Txn, in.ElementInstanceKey, in.MessageName)
	if err != nil {
		return err
	}
	if sub == nil {
		pc.Reject(types.RejectionNotFound,
			"Expected to acknowledge subscription for element with key '%d' and message name '%s', but no such subscription exists",
			in.ElementInstanceKey, in.MessageName)
		return nil
	}
	if sub.State != state.ProcessSubscriptionOpening {
		pc.Reject(types.RejectionInvalidState,
			"Expected subscription for element with key '%d' and message name '%s' to be opening, but it is %s",
			in.ElementInstanceKey, in.MessageName, sub.State)
		return nil
	}

	rec := sub.Record
	if _, err := pc.State.AppendFollowUpEvent(sub.Key, types.IntentCreated, &rec); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(sub.Key, types.IntentCreated, &rec)
	return nil
}

// correlate delivers a message to the waiting element. A retried CORRELATE
// for the message that was already delivered only re-sends the
// acknowledgement.
func (p *processSide) correlate(pc *engine.ProcessingContext, cmd types.Record) error {
	in := *cmd.Value.(*types.ProcessMessageSubscriptionRecord)

	sub, err := p.st.ProcessSubscriptions.Get(pc.Txn, in.ElementInstanceKey, in.MessageName)
	if err != nil {
		return err
	}
	switch {
	case sub == nil:
		pc.Reject(types.RejectionNotFound,
			"Expected to correlate message with key '%d' to element with key '%d', but no subscription for message '%s' exists",
			in.MessageKey, in.ElementInstanceKey, in.MessageName)
		p.rejectCorrelation(pc, in)
		return nil
	case sub.LastMessageKey == in.MessageKey:
		pc.Reject(types.RejectionInvalidState,
			"Expected to correlate message with key '%d' to element with key '%d', but it was already correlated",
			in.MessageKey, in.ElementInstanceKey)
		p.acknowledgeCorrelation(pc, in)
		return nil
	case sub.State == state.ProcessSubscriptionClosing:
		pc.Reject(types.RejectionInvalidState,
			"Expected to correlate message with key '%d' to element with key '%d', but the subscription is closing",
			in.MessageKey, in.ElementInstanceKey)
		p.rejectCorrelation(pc, in)
		return nil
	}

	rec := sub.Record
	rec.MessageKey = in.MessageKey
	rec.Variables = in.Variables
	if in.SubscriptionPartitionID > 0 {
		rec.SubscriptionPartitionID = in.SubscriptionPartitionID
	}
	if _, err := pc.State.AppendFollowUpEvent(sub.Key, types.IntentCorrelated, &rec); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(sub.Key, types.IntentCorrelated, &rec)

	pc.Commands.AppendFollowUpCommand(rec.ElementInstanceKey, types.IntentTrigger, &types.ProcessEventRecord{
		ScopeKey:           rec.ElementInstanceKey,
		ProcessInstanceKey: rec.ProcessInstanceKey,
		TargetElementID:    rec.ElementID,
		MessageName:        rec.MessageName,
		MessageKey:         rec.MessageKey,
		Variables:          rec.Variables,
	})
	p.acknowledgeCorrelation(pc, rec)
	return nil
}

func (p *processSide) acknowledgeCorrelation(pc *engine.ProcessingContext, rec types.ProcessMessageSubscriptionRecord) {
	pc.Commands.SendCommand(rec.SubscriptionPartitionID, types.NoKey, types.IntentCorrelate, messageSubscriptionValue(rec))
}

func (p *processSide) rejectCorrelation(pc *engine.ProcessingContext, rec types.ProcessMessageSubscriptionRecord) {
	pc.Commands.SendCommand(rec.SubscriptionPartitionID, types.NoKey, types.IntentReject, messageSubscriptionValue(rec))
}

func (p *processSide) close(pc *engine.ProcessingContext, cmd types.Record) error {
	in := cmd.Value.(*types.ProcessMessageSubscriptionRecord)

	sub, err := p.st.ProcessSubscriptions.Get(pc.Txn, in.ElementInstanceKey, in.MessageName)
	if err != nil {
		return err
	}
	if sub == nil {
		pc.Reject(types.RejectionNotFound,
			"Expected to close subscription for element with key '%d' and message name '%s', but no such subscription exists",
			in.ElementInstanceKey, in.MessageName)
		return nil
	}
	if sub.State == state.ProcessSubscriptionClosing {
		pc.Reject(types.RejectionInvalidState,
			"Expected to close subscription for element with key '%d' and message name '%s', but it is already closing",
			in.ElementInstanceKey, in.MessageName)
		return nil
	}

	rec := sub.Record
	if _, err := pc.State.AppendFollowUpEvent(sub.Key, types.IntentDeleting, &rec); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(sub.Key, types.IntentDeleting, &rec)
	pc.Commands.SendCommand(rec.SubscriptionPartitionID, types.NoKey, types.IntentDelete, messageSubscriptionValue(rec))
	return nil
}

// deleted is the acknowledgement of MS DELETE.
func (p *processSide) deleted(pc *engine.ProcessingContext, cmd types.Record) error {
	in := cmd.Value.(*types.ProcessMessageSubscriptionRecord)

	sub, err := p.st.ProcessSubscriptions.Get(pc.Txn, in.ElementInstanceKey, in.MessageName)
	if err != nil {
		return err
	}
	if sub == nil {
		pc.Reject(types.RejectionNotFound,
			"Expected to delete subscription for element with key '%d' and message name '%s', but no such subscription exists",
			in.ElementInstanceKey, in.MessageName)
		return nil
	}

	rec := sub.Record
	if _, err := pc.State.AppendFollowUpEvent(sub.Key, types.IntentDeleted, &rec); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(sub.Key, types.IntentDeleted, &rec)
	return nil
}
