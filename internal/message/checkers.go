package message

import (
	"github.com/snehjoshi/epochflow/internal/engine"
	"github.com/snehjoshi/epochflow/internal/state"
	"github.com/snehjoshi/epochflow/internal/types"
)

// checkers drive expiry and the resends of the correlation protocol. They
// only write commands.
type checkers struct {
	st  *state.State
	cfg Config
}

// recovered rebuilds the pending indexes from the recovered store and arms
// the checkers. Entries rebuilt here count as sent at recovery time.
func (c *checkers) recovered(rc *engine.RecoveryContext) error {
	c.st.PendingCorrelations.Clear()
	c.st.PendingProcessSubscriptions.Clear()

	err := c.st.MessageSubscriptions.VisitCorrelating(rc.Txn, func(sub state.MessageSubscription) error {
		c.st.PendingCorrelations.Add(subscriptionID(sub.Record.ElementInstanceKey, sub.Record.MessageName), sub, rc.Now)
		return nil
	})
	if err != nil {
		return err
	}
	err = c.st.ProcessSubscriptions.VisitPending(rc.Txn, func(sub state.ProcessSubscription) error {
		c.st.PendingProcessSubscriptions.Add(subscriptionID(sub.Record.ElementInstanceKey, sub.Record.MessageName), sub, rc.Now)
		return nil
	})
	if err != nil {
		return err
	}

	rc.ScheduleAtFixedRate(TTLCheckerName, c.cfg.TTLCheckInterval, c.expireMessages)
	rc.ScheduleAtFixedRate(PendingCorrelationCheckerName, c.cfg.SubscriptionCheckInterval, c.resendCorrelations)
	rc.ScheduleAtFixedRate(PendingSubscriptionCheckerName, c.cfg.SubscriptionCheckInterval, c.resendProcessSubscriptions)
	return nil
}

// expireMessages writes EXPIRE for buffered messages past their deadline.
// Messages still bound to a correlating subscription are kept until the
// correlation settles.
func (c *checkers) expireMessages(tc *engine.TimerContext) error {
	keys, err := c.st.Messages.Expired(tc.Txn, tc.Now, c.cfg.MaxCommandsInBatch)
	if err != nil {
		return err
	}
	for _, key := range keys {
		msg, err := c.st.Messages.Get(tc.Txn, key)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		busy, err := c.st.MessageSubscriptions.ExistsCorrelating(tc.Txn, msg.Record.Name, msg.Record.CorrelationKey, key)
		if err != nil {
			return err
		}
		if busy {
			continue
		}
		rec := msg.Record
		tc.AppendCommand(key, types.IntentExpire, &rec)
	}
	return nil
}

// resendCorrelations re-sends CORRELATE for subscriptions whose
// acknowledgement is overdue.
func (c *checkers) resendCorrelations(tc *engine.TimerContext) error {
	cutoff := tc.Now - c.cfg.SubscriptionTimeout.Milliseconds()
	for i, e := range c.st.PendingCorrelations.Due(cutoff) {
		if i >= c.cfg.MaxCommandsInBatch {
			break
		}
		rec := e.Value.Record
		tc.SendCommand(processPartition(rec.ElementInstanceKey), rec.ElementInstanceKey,
			types.IntentCorrelate, processSubscriptionValue(rec, tc.PartitionID))
		c.st.PendingCorrelations.Touch(e.ID, tc.Now)
	}
	return nil
}

// resendProcessSubscriptions re-sends CREATE for opening and DELETE for
// closing process subscriptions whose acknowledgement is overdue.
func (c *checkers) resendProcessSubscriptions(tc *engine.TimerContext) error {
	cutoff := tc.Now - c.cfg.SubscriptionTimeout.Milliseconds()
	for i, e := range c.st.PendingProcessSubscriptions.Due(cutoff) {
		if i >= c.cfg.MaxCommandsInBatch {
			break
		}
		sub := e.Value
		switch sub.State {
		case state.ProcessSubscriptionOpening:
			tc.SendCommand(sub.Record.SubscriptionPartitionID, types.NoKey, types.IntentCreate, messageSubscriptionValue(sub.Record))
		case state.ProcessSubscriptionClosing:
			tc.SendCommand(sub.Record.SubscriptionPartitionID, types.NoKey, types.IntentDelete, messageSubscriptionValue(sub.Record))
		default:
			continue
		}
		c.st.PendingProcessSubscriptions.Touch(e.ID, tc.Now)
	}
	return nil
}
