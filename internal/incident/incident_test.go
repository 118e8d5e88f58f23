package incident_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/testutil"
	"github.com/snehjoshi/epochflow/internal/types"
)

func setup(t *testing.T, retries int32) (*testutil.Cluster, int64) {
	t.Helper()
	c := testutil.NewCluster(t, testutil.Options{})
	ev := c.Execute(1, types.NewCommand(types.NoKey, types.IntentCreate, &types.JobRecord{Type: "payment", Retries: retries}))
	require.True(t, ev.IsEvent(), ev.String())
	batch := c.Execute(1, types.NewCommand(types.NoKey, types.IntentActivate, &types.JobBatchRecord{
		Type: "payment", Worker: "w", Timeout: 1_000, MaxJobsToActivate: 1,
	}))
	require.Equal(t, types.IntentActivated, batch.Intent)
	return c, ev.Key
}

func resolve(c *testutil.Cluster, key int64) types.Record {
	return c.Execute(1, types.NewCommand(key, types.IntentResolve, &types.IncidentRecord{}))
}

func incidentKey(t *testing.T, c *testutil.Cluster) int64 {
	t.Helper()
	created := c.Find(1, types.RecordTypeEvent, types.ValueTypeIncident, types.IntentCreated)
	require.Len(t, created, 1)
	return created[0].Key
}

func jobState(t *testing.T, c *testutil.Cluster, key int64) types.JobState {
	t.Helper()
	var st types.JobState
	p := c.Partition(1)
	require.NoError(t, p.DB().View(func(tx storage.Txn) error {
		var err error
		_, st, err = p.State().Jobs.Get(tx, key)
		return err
	}))
	return st
}

func TestResolve_UnknownIncident(t *testing.T) {
	c := testutil.NewCluster(t, testutil.Options{})
	rej := resolve(c, 42)
	require.True(t, rej.IsRejection())
	assert.Equal(t, types.RejectionNotFound, rej.RejectionType)
}

func TestResolve_JobWithoutRetriesIsRejected(t *testing.T) {
	c, job := setup(t, 1)
	c.Execute(1, types.NewCommand(job, types.IntentFail, &types.JobRecord{}))
	require.Equal(t, types.JobStateFailed, jobState(t, c, job))

	rej := resolve(c, incidentKey(t, c))
	require.True(t, rej.IsRejection())
	assert.Equal(t, types.RejectionInvalidState, rej.RejectionType)
	assert.Contains(t, rej.RejectionReason, "no retries left")
}

func TestResolve_ReleasesJobWithRetries(t *testing.T) {
	c, job := setup(t, 3)
	ev := c.Execute(1, types.NewCommand(job, types.IntentThrowError, &types.JobRecord{ErrorCode: "NO_STOCK"}))
	require.Equal(t, types.IntentErrorThrown, ev.Intent)
	key := incidentKey(t, c)

	ev = resolve(c, key)
	require.Equal(t, types.IntentResolved, ev.Intent)
	assert.Equal(t, job, ev.Value.(*types.IncidentRecord).JobKey)
	assert.Equal(t, types.JobStateActivatable, jobState(t, c, job))

	var stored bool
	p := c.Partition(1)
	require.NoError(t, p.DB().View(func(tx storage.Txn) error {
		inc, err := p.State().Incidents.Get(tx, key)
		stored = inc != nil
		return err
	}))
	assert.False(t, stored, "resolved incidents are deleted")

	rej := resolve(c, key)
	assert.Equal(t, types.RejectionNotFound, rej.RejectionType)
}
