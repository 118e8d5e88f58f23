package message

import (
	"fmt"

	"github.com/snehjoshi/epochflow/internal/engine"
	"github.com/snehjoshi/epochflow/internal/state"
	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

type appliers struct {
	st *state.State
}

func registerAppliers(reg *engine.Registry, st *state.State) {
	a := &appliers{st: st}
	reg.OnEvent(types.ValueTypeMessage, types.IntentPublished, engine.ApplierFunc(a.published)).
		OnEvent(types.ValueTypeMessage, types.IntentExpired, engine.ApplierFunc(a.expired)).
		OnEvent(types.ValueTypeMessageSubscription, types.IntentCreated, engine.ApplierFunc(a.subscriptionCreated)).
		OnEvent(types.ValueTypeMessageSubscription, types.IntentCorrelating, engine.ApplierFunc(a.subscriptionCorrelating)).
		OnEvent(types.ValueTypeMessageSubscription, types.IntentCorrelated, engine.ApplierFunc(a.subscriptionCorrelated)).
		OnEvent(types.ValueTypeMessageSubscription, types.IntentRejected, engine.ApplierFunc(a.subscriptionRejected)).
		OnEvent(types.ValueTypeMessageSubscription, types.IntentDeleted, engine.ApplierFunc(a.subscriptionDeleted)).
		OnEvent(types.ValueTypeProcessMessageSubscription, types.IntentCreating, engine.ApplierFunc(a.processCreating)).
		OnEvent(types.ValueTypeProcessMessageSubscription, types.IntentCreated, engine.ApplierFunc(a.processCreated)).
		OnEvent(types.ValueTypeProcessMessageSubscription, types.IntentCorrelated, engine.ApplierFunc(a.processCorrelated)).
		OnEvent(types.ValueTypeProcessMessageSubscription, types.IntentDeleting, engine.ApplierFunc(a.processDeleting)).
		OnEvent(types.ValueTypeProcessMessageSubscription, types.IntentDeleted, engine.ApplierFunc(a.processDeleted))
}

// ─── message partition ──────────────────────────────────────────────────────

func (a *appliers) published(tx storage.Txn, ev types.Record) error {
	return a.st.Messages.Put(tx, ev.Key, *ev.Value.(*types.MessageRecord))
}

func (a *appliers) expired(tx storage.Txn, ev types.Record) error {
	return a.st.Messages.Remove(tx, ev.Key)
}

func (a *appliers) subscriptionCreated(tx storage.Txn, ev types.Record) error {
	return a.st.MessageSubscriptions.Put(tx, ev.Key, *ev.Value.(*types.MessageSubscriptionRecord))
}

func (a *appliers) subscription(tx storage.Txn, key int64) (state.MessageSubscription, error) {
	sub, err := a.st.MessageSubscriptions.GetByKey(tx, key)
	if err != nil {
		return state.MessageSubscription{}, err
	}
	if sub == nil {
		return state.MessageSubscription{}, fmt.Errorf("message subscription %d: %w", key, storage.ErrNotFound)
	}
	return *sub, nil
}

func (a *appliers) subscriptionCorrelating(tx storage.Txn, ev types.Record) error {
	sub, err := a.subscription(tx, ev.Key)
	if err != nil {
		return err
	}
	sub.Record = *ev.Value.(*types.MessageSubscriptionRecord)
	sub.Correlating = true
	if err := a.st.MessageSubscriptions.Update(tx, sub); err != nil {
		return err
	}
	if err := a.st.Messages.PutCorrelated(tx, sub.Record.MessageKey, sub.Record.BpmnProcessID); err != nil {
		return err
	}
	a.st.PendingCorrelations.Add(subscriptionID(sub.Record.ElementInstanceKey, sub.Record.MessageName), sub, ev.Timestamp)
	return nil
}

func (a *appliers) subscriptionCorrelated(tx storage.Txn, ev types.Record) error {
	sub, err := a.subscription(tx, ev.Key)
	if err != nil {
		return err
	}
	sub.Correlating = false
	if err := a.st.MessageSubscriptions.Update(tx, sub); err != nil {
		return err
	}
	if err := a.st.Messages.PutCorrelated(tx, sub.Record.MessageKey, sub.Record.BpmnProcessID); err != nil {
		return err
	}
	a.st.PendingCorrelations.Remove(subscriptionID(sub.Record.ElementInstanceKey, sub.Record.MessageName))
	return nil
}

func (a *appliers) subscriptionRejected(tx storage.Txn, ev types.Record) error {
	sub, err := a.subscription(tx, ev.Key)
	if err != nil {
		return err
	}
	if err := a.st.Messages.RemoveCorrelated(tx, sub.Record.MessageKey, sub.Record.BpmnProcessID); err != nil {
		return err
	}
	sub.Record.MessageKey = types.NoKey
	sub.Record.Variables = nil
	sub.Correlating = false
	if err := a.st.MessageSubscriptions.Update(tx, sub); err != nil {
		return err
	}
	a.st.PendingCorrelations.Remove(subscriptionID(sub.Record.ElementInstanceKey, sub.Record.MessageName))
	return nil
}

func (a *appliers) subscriptionDeleted(tx storage.Txn, ev types.Record) error {
	rec := ev.Value.(*types.MessageSubscriptionRecord)
	a.st.PendingCorrelations.Remove(subscriptionID(rec.ElementInstanceKey, rec.MessageName))
	return a.st.MessageSubscriptions.Remove(tx, ev.Key)
}

// ─── process partition ──────────────────────────────────────────────────────

func (a *appliers) processSubscription(tx storage.Txn, rec *types.ProcessMessageSubscriptionRecord) (state.ProcessSubscription, error) {
	sub, err := a.st.ProcessSubscriptions.Get(tx, rec.ElementInstanceKey, rec.MessageName)
	if err != nil {
		return state.ProcessSubscription{}, err
	}
	if sub == nil {
		return state.ProcessSubscription{}, fmt.Errorf("process subscription (%d, %s): %w",
			rec.ElementInstanceKey, rec.MessageName, storage.ErrNotFound)
	}
	return *sub, nil
}

func (a *appliers) processCreating(tx storage.Txn, ev types.Record) error {
	sub := state.ProcessSubscription{
		Key:            ev.Key,
		Record:         *ev.Value.(*types.ProcessMessageSubscriptionRecord),
		State:          state.ProcessSubscriptionOpening,
		LastMessageKey: types.NoKey,
	}
	if err := a.st.ProcessSubscriptions.Put(tx, sub); err != nil {
		return err
	}
	a.st.PendingProcessSubscriptions.Add(subscriptionID(sub.Record.ElementInstanceKey, sub.Record.MessageName), sub, ev.Timestamp)
	return nil
}

func (a *appliers) processCreated(tx storage.Txn, ev types.Record) error {
	sub, err := a.processSubscription(tx, ev.Value.(*types.ProcessMessageSubscriptionRecord))
	if err != nil {
		return err
	}
	sub.State = state.ProcessSubscriptionOpened
	if err := a.st.ProcessSubscriptions.Put(tx, sub); err != nil {
		return err
	}
	a.st.PendingProcessSubscriptions.Remove(subscriptionID(sub.Record.ElementInstanceKey, sub.Record.MessageName))
	return nil
}

// processCorrelated records the delivered message. An interrupting
// subscription starts closing right away.
func (a *appliers) processCorrelated(tx storage.Txn, ev types.Record) error {
	rec := ev.Value.(*types.ProcessMessageSubscriptionRecord)
	sub, err := a.processSubscription(tx, rec)
	if err != nil {
		return err
	}
	sub.LastMessageKey = rec.MessageKey
	sub.Record.SubscriptionPartitionID = rec.SubscriptionPartitionID
	id := subscriptionID(sub.Record.ElementInstanceKey, sub.Record.MessageName)
	if sub.Record.Interrupting {
		sub.State = state.ProcessSubscriptionClosing
		a.st.PendingProcessSubscriptions.Add(id, sub, ev.Timestamp)
	} else {
		sub.State = state.ProcessSubscriptionOpened
		a.st.PendingProcessSubscriptions.Remove(id)
	}
	return a.st.ProcessSubscriptions.Put(tx, sub)
}

func (a *appliers) processDeleting(tx storage.Txn, ev types.Record) error {
	sub, err := a.processSubscription(tx, ev.Value.(*types.ProcessMessageSubscriptionRecord))
	if err != nil {
		return err
	}
	sub.State = state.ProcessSubscriptionClosing
	if err := a.st.ProcessSubscriptions.Put(tx, sub); err != nil {
		return err
	}
	a.st.PendingProcessSubscriptions.Add(subscriptionID(sub.Record.ElementInstanceKey, sub.Record.MessageName), sub, ev.Timestamp)
	return nil
}

func (a *appliers) processDeleted(tx storage.Txn, ev types.Record) error {
	rec := ev.Value.(*types.ProcessMessageSubscriptionRecord)
	a.st.PendingProcessSubscriptions.Remove(subscriptionID(rec.ElementInstanceKey, rec.MessageName))
	return a.st.ProcessSubscriptions.Remove(tx, rec.ElementInstanceKey, rec.MessageName)
}
