package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochflow/internal/exporter"
	"github.com/snehjoshi/epochflow/internal/exporter/sqlite"
	"github.com/snehjoshi/epochflow/internal/testutil"
	"github.com/snehjoshi/epochflow/internal/types"
)

func openExporter(t *testing.T, path string) *sqlite.Exporter {
	t.Helper()
	e := sqlite.New(path)
	require.NoError(t, e.Open(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func count(t *testing.T, e *sqlite.Exporter, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, e.DB().QueryRow(query, args...).Scan(&n))
	return n
}

func TestExporter_RecordsAndReadModels(t *testing.T) {
	c := testutil.NewCluster(t, testutil.Options{})
	ctx := context.Background()

	job := c.Execute(1, types.NewCommand(types.NoKey, types.IntentCreate, &types.JobRecord{Type: "payment", Retries: 1})).Key
	c.Execute(1, types.NewCommand(types.NoKey, types.IntentCreate, &types.JobRecord{Type: "shipping"}))
	c.Execute(1, types.NewCommand(types.NoKey, types.IntentActivate, &types.JobBatchRecord{
		Type: "payment", Worker: "w1", Timeout: 10_000, MaxJobsToActivate: 1,
	}))
	c.Execute(1, types.NewCommand(job, types.IntentFail, &types.JobRecord{}))
	c.Execute(1, types.NewCommand(types.NoKey, types.IntentPublish, &types.MessageRecord{
		Name: "approved", CorrelationKey: "order-1", TimeToLive: 60_000,
	}))
	// Rejected, exported as a rejection record.
	c.Execute(1, types.NewCommand(4242, types.IntentComplete, &types.JobRecord{}))

	e := openExporter(t, filepath.Join(t.TempDir(), "export.db"))
	d := exporter.NewDirector(c.Partition(1), e, nil, nil)
	require.NoError(t, d.Drain(ctx))

	records := c.Records(1)
	assert.Equal(t, len(records), count(t, e, `SELECT COUNT(*) FROM records WHERE partition_id = 1`))
	assert.Equal(t, 1, count(t, e, `SELECT COUNT(*) FROM records WHERE record_type = 'COMMAND_REJECTION' AND rejection_type = 'NOT_FOUND'`))

	pos, err := e.Position(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, records[len(records)-1].Position, pos)

	var state string
	require.NoError(t, e.DB().QueryRow(`SELECT state FROM jobs WHERE job_key = ?`, job).Scan(&state))
	assert.Equal(t, string(types.JobStateFailed), state)
	assert.Equal(t, 1, count(t, e, `SELECT COUNT(*) FROM jobs WHERE type = 'shipping' AND state = 'ACTIVATABLE'`))
	assert.Equal(t, 1, count(t, e, `SELECT COUNT(*) FROM incidents WHERE job_key = ?`, job))
	assert.Equal(t, 1, count(t, e, `SELECT COUNT(*) FROM messages WHERE correlation_key = 'order-1'`))

	// Resolving the incident releases the job once it has retries again.
	c.Execute(1, types.NewCommand(job, types.IntentUpdateRetries, &types.JobRecord{Retries: 2}))
	require.NoError(t, d.Drain(ctx))
	assert.Equal(t, 0, count(t, e, `SELECT COUNT(*) FROM incidents`))
	require.NoError(t, e.DB().QueryRow(`SELECT state FROM jobs WHERE job_key = ?`, job).Scan(&state))
	assert.Equal(t, string(types.JobStateActivatable), state)
}

func TestExporter_RedeliveryIsIdempotent(t *testing.T) {
	c := testutil.NewCluster(t, testutil.Options{})
	ctx := context.Background()
	c.Execute(1, types.NewCommand(types.NoKey, types.IntentCreate, &types.JobRecord{Type: "payment"}))

	e := openExporter(t, filepath.Join(t.TempDir(), "export.db"))
	for _, rec := range c.Records(1) {
		require.NoError(t, e.Export(ctx, rec))
		require.NoError(t, e.Export(ctx, rec))
	}
	assert.Equal(t, len(c.Records(1)), count(t, e, `SELECT COUNT(*) FROM records`))
	assert.Equal(t, 1, count(t, e, `SELECT COUNT(*) FROM jobs`))
}

func TestExporter_PositionSurvivesReopen(t *testing.T) {
	c := testutil.NewCluster(t, testutil.Options{})
	ctx := context.Background()
	c.Execute(1, types.NewCommand(types.NoKey, types.IntentCreate, &types.JobRecord{Type: "payment"}))
	path := filepath.Join(t.TempDir(), "export.db")

	e := sqlite.New(path)
	require.NoError(t, e.Open(ctx))
	pos, err := e.Position(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.NoPosition, pos)
	require.NoError(t, exporter.NewDirector(c.Partition(1), e, nil, nil).Drain(ctx))
	require.NoError(t, e.Close())

	reopened := openExporter(t, path)
	pos, err = reopened.Position(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, c.Partition(1).CommittedPosition(), pos)
}

func TestExporter_NotOpen(t *testing.T) {
	e := sqlite.New(filepath.Join(t.TempDir(), "x.db"))
	_, err := e.Position(context.Background(), 1)
	assert.Error(t, err)
	assert.Error(t, e.Export(context.Background(), types.Record{}))
	assert.NoError(t, e.Close())
}
