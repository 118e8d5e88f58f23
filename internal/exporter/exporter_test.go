package exporter_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochflow/internal/exporter"
	"github.com/snehjoshi/epochflow/internal/testutil"
	"github.com/snehjoshi/epochflow/internal/types"
)

// memExporter keeps exported records in memory and can be told to fail.
type memExporter struct {
	mu       sync.Mutex
	records  []types.Record
	position map[int32]int64
	failAt   int64
}

func newMem() *memExporter {
	return &memExporter{position: map[int32]int64{}, failAt: -1}
}

func (m *memExporter) Name() string { return "mem" }
func (m *memExporter) Open(context.Context) error { return nil }
func (m *memExporter) Close() error { return nil }
func (m *memExporter) Position(_ context.Context, pid int32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos, ok := m.position[pid]; ok {
		return pos, nil
	}
	return types.NoPosition, nil
}

func (m *memExporter) Export(_ context.Context, rec types.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Position == m.failAt {
		return errors.New("sink unavailable")
	}
	m.records = append(m.records, rec)
	m.position[rec.PartitionID] = rec.Position
	return nil
}

func createJobs(c *testutil.Cluster, n int) {
	for i := 0; i < n; i++ {
		c.Execute(1, types.NewCommand(types.NoKey, types.IntentCreate, &types.JobRecord{Type: "payment"}))
	}
}

func TestDirector_DrainExportsCommittedRecordsInOrder(t *testing.T) {
	c := testutil.NewCluster(t, testutil.Options{})
	createJobs(c, 3)

	mem := newMem()
	d := exporter.NewDirector(c.Partition(1), mem, nil, nil)
	require.NoError(t, d.Drain(context.Background()))

	all := c.Records(1)
	require.Equal(t, all, mem.records)
	assert.Equal(t, all[len(all)-1].Position, d.Position())
}

func TestDirector_ResumesFromExporterPosition(t *testing.T) {
	c := testutil.NewCluster(t, testutil.Options{})
	createJobs(c, 2)

	mem := newMem()
	require.NoError(t, exporter.NewDirector(c.Partition(1), mem, nil, nil).Drain(context.Background()))
	first := len(mem.records)

	createJobs(c, 1)
	require.NoError(t, exporter.NewDirector(c.Partition(1), mem, nil, nil).Drain(context.Background()))

	assert.Equal(t, c.Records(1), mem.records, "nothing is exported twice when the position is kept")
	assert.Greater(t, len(mem.records), first)
}

func TestDirector_StopsAtCommittedPosition(t *testing.T) {
	c := testutil.NewCluster(t, testutil.Options{})
	createJobs(c, 1)
	committed := c.Partition(1).CommittedPosition()

	// Appended but not processed yet.
	c.Write(1, types.NewCommand(types.NoKey, types.IntentCreate, &types.JobRecord{Type: "payment"}))

	mem := newMem()
	d := exporter.NewDirector(c.Partition(1), mem, nil, nil)
	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, committed, d.Position())
	for _, r := range mem.records {
		assert.LessOrEqual(t, r.Position, committed)
	}
}

func TestDirector_FailedExportIsNotSkipped(t *testing.T) {
	c := testutil.NewCluster(t, testutil.Options{})
	createJobs(c, 2)

	mem := newMem()
	mem.failAt = 1
	d := exporter.NewDirector(c.Partition(1), mem, nil, nil)
	require.Error(t, d.Drain(context.Background()))
	assert.Equal(t, types.NoPosition, d.Position())

	mem.failAt = -1
	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, c.Records(1), mem.records)
}

func TestDirector_RunStopsOnCancel(t *testing.T) {
	c := testutil.NewCluster(t, testutil.Options{})
	createJobs(c, 1)

	mem := newMem()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- exporter.NewDirector(c.Partition(1), mem, nil, nil).Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
