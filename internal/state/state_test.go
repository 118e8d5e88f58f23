package state_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochflow/internal/state"
	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/storage/local"
	"github.com/snehjoshi/epochflow/internal/types"
)

func openDB(t *testing.T) *local.DB {
	t.Helper()
	db, err := local.Open(filepath.Join(t.TempDir(), local.StateFileName), local.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func update(t *testing.T, db *local.DB, fn func(tx storage.Txn)) {
	t.Helper()
	require.NoError(t, db.Update(func(tx storage.Txn) error {
		fn(tx)
		return nil
	}))
}

// ─── Jobs ────────────────────────────────────────────────────────────────────

func TestJobs_IndexesFollowState(t *testing.T) {
	db := openDB(t)
	s := state.New()

	update(t, db, func(tx storage.Txn) {
		require.NoError(t, s.Jobs.Put(tx, 1, types.JobRecord{Type: "pay", Retries: 3}, types.JobStateActivatable))
		require.NoError(t, s.Jobs.Put(tx, 2, types.JobRecord{Type: "pay", Retries: 3}, types.JobStateActivatable))
		require.NoError(t, s.Jobs.Put(tx, 3, types.JobRecord{Type: "ship", Retries: 3}, types.JobStateActivatable))

		keys, err := s.Jobs.Activatable(tx, "pay", 0)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, keys)

		require.NoError(t, s.Jobs.Put(tx, 1, types.JobRecord{Type: "pay", Retries: 3, Deadline: 500}, types.JobStateActivated))
		keys, err = s.Jobs.Activatable(tx, "pay", 0)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, keys)

		timedOut, err := s.Jobs.TimedOut(tx, 501, 0)
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, timedOut)

		timedOut, err = s.Jobs.TimedOut(tx, 500, 0)
		require.NoError(t, err)
		assert.Empty(t, timedOut, "a deadline equal to now is not yet timed out")

		require.NoError(t, s.Jobs.Delete(tx, 1))
		_, st, err := s.Jobs.Get(tx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.JobStateNotFound, st)
		timedOut, err = s.Jobs.TimedOut(tx, 10_000, 0)
		require.NoError(t, err)
		assert.Empty(t, timedOut)
	})
}

func TestJobs_ActivatableRespectsLimitAndTypePrefix(t *testing.T) {
	db := openDB(t)
	s := state.New()

	update(t, db, func(tx storage.Txn) {
		for i := int64(1); i <= 5; i++ {
			require.NoError(t, s.Jobs.Put(tx, i, types.JobRecord{Type: "a"}, types.JobStateActivatable))
		}
		require.NoError(t, s.Jobs.Put(tx, 6, types.JobRecord{Type: "ab"}, types.JobStateActivatable))

		keys, err := s.Jobs.Activatable(tx, "a", 3)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, keys)

		keys, err = s.Jobs.Activatable(tx, "ab", 0)
		require.NoError(t, err)
		assert.Equal(t, []int64{6}, keys)
	})
}

// ─── Messages ────────────────────────────────────────────────────────────────

func TestMessages_PutRemoveAndIndexes(t *testing.T) {
	db := openDB(t)
	s := state.New()

	update(t, db, func(tx storage.Txn) {
		rec := types.MessageRecord{Name: "orderApproved", CorrelationKey: "order-42", Deadline: 100, MessageID: "m-1"}
		require.NoError(t, s.Messages.Put(tx, 10, rec))
		require.NoError(t, s.Messages.Put(tx, 11, types.MessageRecord{Name: "orderApproved", CorrelationKey: "order-42", Deadline: 50}))

		ok, err := s.Messages.ExistsMessageID(tx, "orderApproved", "order-42", "m-1")
		require.NoError(t, err)
		assert.True(t, ok)

		msgs, err := s.Messages.Messages(tx, "orderApproved", "order-42")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, int64(10), msgs[0].Key)

		expired, err := s.Messages.Expired(tx, 60, 0)
		require.NoError(t, err)
		assert.Equal(t, []int64{11}, expired)

		require.NoError(t, s.Messages.PutCorrelated(tx, 10, "proc"))
		ok, err = s.Messages.ExistsCorrelated(tx, 10, "proc")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Messages.Remove(tx, 10))
		m, err := s.Messages.Get(tx, 10)
		require.NoError(t, err)
		assert.Nil(t, m)
		ok, err = s.Messages.ExistsMessageID(tx, "orderApproved", "order-42", "m-1")
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.Messages.ExistsCorrelated(tx, 10, "proc")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// ─── Subscriptions ───────────────────────────────────────────────────────────

func TestMessageSubscriptions_UniquePerElementAndName(t *testing.T) {
	db := openDB(t)
	s := state.New()

	update(t, db, func(tx storage.Txn) {
		rec := types.MessageSubscriptionRecord{ElementInstanceKey: 7, MessageName: "m", CorrelationKey: "c", MessageKey: -1}
		require.NoError(t, s.MessageSubscriptions.Put(tx, 100, rec))
		assert.ErrorIs(t, s.MessageSubscriptions.Put(tx, 101, rec), storage.ErrKeyExists)

		sub, err := s.MessageSubscriptions.Get(tx, 7, "m")
		require.NoError(t, err)
		require.NotNil(t, sub)
		assert.Equal(t, int64(100), sub.Key)

		sub.Correlating = true
		sub.Record.MessageKey = 55
		require.NoError(t, s.MessageSubscriptions.Update(tx, *sub))
		ok, err := s.MessageSubscriptions.ExistsCorrelating(tx, "m", "c", 55)
		require.NoError(t, err)
		assert.True(t, ok)

		var visited []int64
		require.NoError(t, s.MessageSubscriptions.VisitCorrelating(tx, func(sub state.MessageSubscription) error {
			visited = append(visited, sub.Key)
			return nil
		}))
		assert.Equal(t, []int64{100}, visited)

		require.NoError(t, s.MessageSubscriptions.Remove(tx, 100))
		subs, err := s.MessageSubscriptions.Subscriptions(tx, "m", "c")
		require.NoError(t, err)
		assert.Empty(t, subs)
		sub, err = s.MessageSubscriptions.Get(tx, 7, "m")
		require.NoError(t, err)
		assert.Nil(t, sub)
	})
}

func TestProcessSubscriptions_VisitPending(t *testing.T) {
	db := openDB(t)
	s := state.New()

	update(t, db, func(tx storage.Txn) {
		for i, st := range []state.ProcessSubscriptionState{state.ProcessSubscriptionOpening, state.ProcessSubscriptionOpened, state.ProcessSubscriptionClosing} {
			require.NoError(t, s.ProcessSubscriptions.Put(tx, state.ProcessSubscription{
				Record: types.ProcessMessageSubscriptionRecord{ElementInstanceKey: int64(i + 1), MessageName: "m"},
				State:  st,
			}))
		}
		var pending []int64
		require.NoError(t, s.ProcessSubscriptions.VisitPending(tx, func(sub state.ProcessSubscription) error {
			pending = append(pending, sub.Record.ElementInstanceKey)
			return nil
		}))
		assert.Equal(t, []int64{1, 3}, pending)

		forElement, err := s.ProcessSubscriptions.ForElement(tx, 2)
		require.NoError(t, err)
		require.Len(t, forElement, 1)
		assert.Equal(t, state.ProcessSubscriptionOpened, forElement[0].State)
	})
}

// ─── Incidents ───────────────────────────────────────────────────────────────

func TestIncidents_LinkedToJob(t *testing.T) {
	db := openDB(t)
	s := state.New()

	update(t, db, func(tx storage.Txn) {
		require.NoError(t, s.Incidents.Create(tx, 9, types.IncidentRecord{ErrorType: types.ErrorTypeJobNoRetries, JobKey: 3}))
		key, ok, err := s.Incidents.ForJob(tx, 3)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(9), key)

		require.NoError(t, s.Incidents.Delete(tx, 9))
		_, ok, err = s.Incidents.ForJob(tx, 3)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// ─── Pending ─────────────────────────────────────────────────────────────────

func TestPending_DueIsOrderedAndTouchable(t *testing.T) {
	p := state.NewPending[int]()
	p.Add(state.SubscriptionID{ElementInstanceKey: 2, MessageName: "b"}, 2, 100)
	p.Add(state.SubscriptionID{ElementInstanceKey: 1, MessageName: "a"}, 1, 100)
	p.Add(state.SubscriptionID{ElementInstanceKey: 3, MessageName: "c"}, 3, 50)
	p.Add(state.SubscriptionID{ElementInstanceKey: 4, MessageName: "d"}, 4, 500)

	due := p.Due(100)
	require.Len(t, due, 3)
	assert.Equal(t, []int{3, 1, 2}, []int{due[0].Value, due[1].Value, due[2].Value})

	p.Touch(due[0].ID, 400)
	assert.Len(t, p.Due(100), 2)

	p.Remove(state.SubscriptionID{ElementInstanceKey: 1, MessageName: "a"})
	assert.Equal(t, 3, p.Len())
	p.Clear()
	assert.Zero(t, p.Len())
}
