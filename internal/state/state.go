// Package state holds the persistent entities of one partition on top of the
// column families of internal/storage, plus the in-memory pending
// subscription indexes.
//
// The types here are thin and stateless over a storage.Txn: they never begin
// or commit transactions and never read the clock. Every mutation is made by
// an event applier, which is what makes replay reproduce the same state.
package state

// State bundles the stores of one partition.
type State struct {
	Jobs                 *JobState
	Messages             *MessageState
	MessageSubscriptions *MessageSubscriptionState
	ProcessSubscriptions *ProcessMessageSubscriptionState
	Incidents            *IncidentState

	// PendingCorrelations tracks message subscriptions that are
	// CORRELATING, waiting for the process partition to acknowledge.
	PendingCorrelations *Pending[MessageSubscription]

	// PendingProcessSubscriptions tracks process subscriptions that are
	// OPENING or CLOSING, waiting for the message partition.
	PendingProcessSubscriptions *Pending[ProcessSubscription]
}

// New returns the state of one partition.
func New() *State {
	return &State{
		Jobs:                        newJobState(),
		Messages:                    newMessageState(),
		MessageSubscriptions:        newMessageSubscriptionState(),
		ProcessSubscriptions:        newProcessMessageSubscriptionState(),
		Incidents:                   newIncidentState(),
		PendingCorrelations:         NewPending[MessageSubscription](),
		PendingProcessSubscriptions: NewPending[ProcessSubscription](),
	}
}
