package job_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochflow/internal/job"
	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/testutil"
	"github.com/snehjoshi/epochflow/internal/types"
)

// ---- helpers ----------------------------------------------------------------

func newCluster(t *testing.T) *testutil.Cluster {
	t.Helper()
	return testutil.NewCluster(t, testutil.Options{Job: job.Config{DeadlineCheckInterval: time.Second}})
}

func create(t *testing.T, c *testutil.Cluster, rec types.JobRecord) int64 {
	t.Helper()
	ev := c.Execute(1, types.NewCommand(types.NoKey, types.IntentCreate, &rec))
	require.True(t, ev.IsEvent(), ev.String())
	return ev.Key
}

func activate(t *testing.T, c *testutil.Cluster, jobType string, timeout int64, max int32) *types.JobBatchRecord {
	t.Helper()
	ev := c.Execute(1, types.NewCommand(types.NoKey, types.IntentActivate, &types.JobBatchRecord{
		Type: jobType, Worker: "w1", Timeout: timeout, MaxJobsToActivate: max,
	}))
	require.Equal(t, types.IntentActivated, ev.Intent, ev.String())
	return ev.Value.(*types.JobBatchRecord)
}

func jobCommand(c *testutil.Cluster, key int64, intent types.Intent, rec types.JobRecord) types.Record {
	return c.Execute(1, types.NewCommand(key, intent, &rec))
}

func jobState(t *testing.T, c *testutil.Cluster, key int64) (types.JobRecord, types.JobState) {
	t.Helper()
	var (
		job types.JobRecord
		st  types.JobState
	)
	p := c.Partition(1)
	require.NoError(t, p.DB().View(func(tx storage.Txn) error {
		var err error
		job, st, err = p.State().Jobs.Get(tx, key)
		return err
	}))
	return job, st
}

// ---- create & activate --------------------------------------------------------

func TestCreate_DefaultsAndValidation(t *testing.T) {
	c := newCluster(t)

	key := create(t, c, types.JobRecord{Type: "payment"})
	job, st := jobState(t, c, key)
	assert.Equal(t, types.JobStateActivatable, st)
	assert.Equal(t, int32(3), job.Retries)
	assert.Equal(t, types.JobKindBPMNTask, job.Kind)
	assert.Equal(t, int64(-1), job.Deadline)

	rej := jobCommand(c, types.NoKey, types.IntentCreate, types.JobRecord{})
	require.True(t, rej.IsRejection())
	assert.Equal(t, types.RejectionInvalidArgument, rej.RejectionType)

	rej = jobCommand(c, types.NoKey, types.IntentCreate, types.JobRecord{Type: "x", Retries: -1})
	assert.Equal(t, types.RejectionInvalidArgument, rej.RejectionType)
}

func TestActivate_SetsDeadlineAndWorker(t *testing.T) {
	c := newCluster(t)
	k1 := create(t, c, types.JobRecord{Type: "payment"})
	k2 := create(t, c, types.JobRecord{Type: "payment"})
	create(t, c, types.JobRecord{Type: "shipping"})

	batch := activate(t, c, "payment", 5_000, 10)
	assert.Equal(t, []int64{k1, k2}, batch.JobKeys)
	require.Len(t, batch.Jobs, 2)
	now := testutil.Start.UnixMilli()
	for _, j := range batch.Jobs {
		assert.Equal(t, now+5_000, j.Deadline)
		assert.Equal(t, "w1", j.Worker)
	}

	_, st := jobState(t, c, k1)
	assert.Equal(t, types.JobStateActivated, st)

	again := activate(t, c, "payment", 5_000, 10)
	assert.Empty(t, again.JobKeys, "activated jobs are not activatable")
}

func TestActivate_RespectsMaxJobsAndBatchBytes(t *testing.T) {
	c := testutil.NewCluster(t, testutil.Options{Job: job.Config{MaxBatchBytes: 10}})
	vars := json.RawMessage(`{"a":"0123456789"}`)
	for range 3 {
		create(t, c, types.JobRecord{Type: "big", Variables: vars})
	}

	batch := activate(t, c, "big", 1_000, 3)
	assert.Len(t, batch.JobKeys, 1, "the first job always fits")
	assert.True(t, batch.Truncated)

	batch = activate(t, c, "big", 1_000, 1)
	assert.Len(t, batch.JobKeys, 1)
}

func TestActivate_RejectsInvalidRequests(t *testing.T) {
	c := newCluster(t)
	for _, req := range []types.JobBatchRecord{
		{Type: "", MaxJobsToActivate: 1, Timeout: 1},
		{Type: "t", MaxJobsToActivate: 0, Timeout: 1},
		{Type: "t", MaxJobsToActivate: 1, Timeout: 0},
	} {
		rej := c.Execute(1, types.NewCommand(types.NoKey, types.IntentActivate, &req))
		require.True(t, rej.IsRejection())
		assert.Equal(t, types.RejectionInvalidArgument, rej.RejectionType)
	}
}

// ---- completion -----------------------------------------------------------------

func TestComplete_DeletesJobAndContinuesElement(t *testing.T) {
	c := newCluster(t)
	element := types.EncodePartitionKey(1, 99)
	key := create(t, c, types.JobRecord{Type: "payment", ElementInstanceKey: element, ProcessInstanceKey: 5})
	activate(t, c, "payment", 1_000, 1)

	ev := jobCommand(c, key, types.IntentComplete, types.JobRecord{Variables: json.RawMessage(`{"ok":true}`)})
	require.Equal(t, types.IntentCompleted, ev.Intent)
	_, st := jobState(t, c, key)
	assert.Equal(t, types.JobStateNotFound, st)

	follow := c.Find(1, types.RecordTypeCommand, types.ValueTypeProcessInstance, types.IntentCompleteElement)
	require.Len(t, follow, 1)
	assert.Equal(t, element, follow[0].Key)
	assert.JSONEq(t, `{"ok":true}`, string(follow[0].Value.(*types.ProcessInstanceRecord).Variables))
}

func TestComplete_ListenerJobsCompleteTheirListener(t *testing.T) {
	c := newCluster(t)
	element := types.EncodePartitionKey(1, 99)
	create(t, c, types.JobRecord{Type: "l", ElementInstanceKey: element, Kind: types.JobKindExecutionListener})
	create(t, c, types.JobRecord{Type: "l", ElementInstanceKey: element, Kind: types.JobKindTaskListener})
	batch := activate(t, c, "l", 1_000, 2)

	for _, k := range batch.JobKeys {
		jobCommand(c, k, types.IntentComplete, types.JobRecord{})
	}

	assert.Len(t, c.Find(1, types.RecordTypeCommand, types.ValueTypeProcessInstance, types.IntentCompleteExecutionListener), 1)
	assert.Len(t, c.Find(1, types.RecordTypeCommand, types.ValueTypeUserTask, types.IntentCompleteTaskListener), 1)
}

func TestComplete_RejectsUnknownAndNotActivated(t *testing.T) {
	c := newCluster(t)
	key := create(t, c, types.JobRecord{Type: "payment"})

	rej := jobCommand(c, key, types.IntentComplete, types.JobRecord{})
	assert.Equal(t, types.RejectionInvalidState, rej.RejectionType)

	rej = jobCommand(c, key+1000, types.IntentComplete, types.JobRecord{})
	assert.Equal(t, types.RejectionNotFound, rej.RejectionType)
}

// ---- failure & incidents ----------------------------------------------------------

func TestFail_RetryExhaustionRaisesIncident(t *testing.T) {
	c := newCluster(t)
	key := create(t, c, types.JobRecord{Type: "payment", Retries: 2})

	activate(t, c, "payment", 1_000, 1)
	ev := jobCommand(c, key, types.IntentFail, types.JobRecord{ErrorMessage: "boom"})
	require.Equal(t, types.IntentFailed, ev.Intent)
	job, st := jobState(t, c, key)
	assert.Equal(t, types.JobStateActivatable, st)
	assert.Equal(t, int32(1), job.Retries)
	assert.Equal(t, int64(-1), job.Deadline)

	activate(t, c, "payment", 1_000, 1)
	jobCommand(c, key, types.IntentFail, types.JobRecord{})
	_, st = jobState(t, c, key)
	assert.Equal(t, types.JobStateFailed, st)

	incidents := c.Find(1, types.RecordTypeEvent, types.ValueTypeIncident, types.IntentCreated)
	require.Len(t, incidents, 1)
	inc := incidents[0].Value.(*types.IncidentRecord)
	assert.Equal(t, types.ErrorTypeJobNoRetries, inc.ErrorType)
	assert.Equal(t, "No more retries left.", inc.ErrorMessage)
	assert.Equal(t, key, inc.JobKey)

	assert.Empty(t, activate(t, c, "payment", 1_000, 1).JobKeys, "failed jobs are not activatable")

	// Updating retries resolves the incident and releases the job.
	ev = jobCommand(c, key, types.IntentUpdateRetries, types.JobRecord{Retries: 2})
	require.Equal(t, types.IntentRetriesUpdated, ev.Intent)
	assert.Len(t, c.Find(1, types.RecordTypeEvent, types.ValueTypeIncident, types.IntentResolved), 1)
	_, st = jobState(t, c, key)
	assert.Equal(t, types.JobStateActivatable, st)
	assert.Equal(t, []int64{key}, activate(t, c, "payment", 1_000, 1).JobKeys)
}

func TestUpdateRetries_Rejections(t *testing.T) {
	c := newCluster(t)
	key := create(t, c, types.JobRecord{Type: "payment"})

	rej := jobCommand(c, key+1000, types.IntentUpdateRetries, types.JobRecord{Retries: 1})
	assert.Equal(t, types.RejectionNotFound, rej.RejectionType)

	rej = jobCommand(c, key, types.IntentUpdateRetries, types.JobRecord{Retries: 0})
	assert.Equal(t, types.RejectionInvalidArgument, rej.RejectionType)

	rej = jobCommand(c, key, types.IntentUpdateRetries, types.JobRecord{Retries: 1})
	assert.Equal(t, types.RejectionInvalidState, rej.RejectionType, "only failed jobs take new retries")
}

func TestThrowError_RaisesUnhandledErrorIncident(t *testing.T) {
	c := newCluster(t)
	key := create(t, c, types.JobRecord{Type: "payment"})
	activate(t, c, "payment", 1_000, 1)

	rej := jobCommand(c, key, types.IntentThrowError, types.JobRecord{})
	assert.Equal(t, types.RejectionInvalidArgument, rej.RejectionType)

	ev := jobCommand(c, key, types.IntentThrowError, types.JobRecord{ErrorCode: "NO_STOCK"})
	require.Equal(t, types.IntentErrorThrown, ev.Intent)
	_, st := jobState(t, c, key)
	assert.Equal(t, types.JobStateErrorThrown, st)

	incidents := c.Find(1, types.RecordTypeEvent, types.ValueTypeIncident, types.IntentCreated)
	require.Len(t, incidents, 1)
	assert.Equal(t, types.ErrorTypeUnhandledError, incidents[0].Value.(*types.IncidentRecord).ErrorType)
	assert.Contains(t, incidents[0].Value.(*types.IncidentRecord).ErrorMessage, "NO_STOCK")
}

func TestCancel_DeletesJobAndResolvesIncident(t *testing.T) {
	c := newCluster(t)
	key := create(t, c, types.JobRecord{Type: "payment", Retries: 1})
	activate(t, c, "payment", 1_000, 1)
	jobCommand(c, key, types.IntentFail, types.JobRecord{})

	ev := jobCommand(c, key, types.IntentCancel, types.JobRecord{})
	require.Equal(t, types.IntentCanceled, ev.Intent)
	_, st := jobState(t, c, key)
	assert.Equal(t, types.JobStateNotFound, st)
	assert.Len(t, c.Find(1, types.RecordTypeEvent, types.ValueTypeIncident, types.IntentResolved), 1)

	rej := jobCommand(c, key, types.IntentCancel, types.JobRecord{})
	assert.Equal(t, types.RejectionNotFound, rej.RejectionType)
}

// ---- deadlines ----------------------------------------------------------------------

func TestDeadline_ExpiredJobsAreTimedOutByChecker(t *testing.T) {
	c := newCluster(t)
	key := create(t, c, types.JobRecord{Type: "payment"})
	activate(t, c, "payment", 1_500, 1)

	c.Advance(time.Second)
	assert.Empty(t, c.Find(1, types.RecordTypeEvent, types.ValueTypeJob, types.IntentTimedOut), "deadline not reached yet")

	c.Advance(time.Second)
	timedOut := c.Find(1, types.RecordTypeEvent, types.ValueTypeJob, types.IntentTimedOut)
	require.Len(t, timedOut, 1)
	assert.Equal(t, key, timedOut[0].Key)

	job, st := jobState(t, c, key)
	assert.Equal(t, types.JobStateActivatable, st)
	assert.Equal(t, int32(3), job.Retries, "a time out does not consume retries")
}

func TestDeadline_TimeOutBeforeDeadlineIsRejected(t *testing.T) {
	c := newCluster(t)
	key := create(t, c, types.JobRecord{Type: "payment"})
	activate(t, c, "payment", 60_000, 1)

	rej := jobCommand(c, key, types.IntentTimeOut, types.JobRecord{})
	assert.Equal(t, types.RejectionInvalidState, rej.RejectionType)
}

func TestDeadline_RecoveredAfterRestart(t *testing.T) {
	c := newCluster(t)
	key := create(t, c, types.JobRecord{Type: "payment"})
	activate(t, c, "payment", 1_500, 1)

	c.Restart()
	c.Advance(2 * time.Second)

	timedOut := c.Find(1, types.RecordTypeEvent, types.ValueTypeJob, types.IntentTimedOut)
	require.Len(t, timedOut, 1)
	assert.Equal(t, key, timedOut[0].Key)
}

func TestUpdateTimeout_MovesDeadline(t *testing.T) {
	c := newCluster(t)
	key := create(t, c, types.JobRecord{Type: "payment"})
	activate(t, c, "payment", 1_500, 1)

	ev := jobCommand(c, key, types.IntentUpdateTimeout, types.JobRecord{Timeout: 10_000})
	require.Equal(t, types.IntentTimeoutUpdated, ev.Intent)

	c.Advance(2 * time.Second)
	assert.Empty(t, c.Find(1, types.RecordTypeEvent, types.ValueTypeJob, types.IntentTimedOut))

	job, st := jobState(t, c, key)
	assert.Equal(t, types.JobStateActivated, st)
	assert.Equal(t, testutil.Start.UnixMilli()+10_000, job.Deadline)
}
