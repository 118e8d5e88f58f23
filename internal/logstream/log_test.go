package logstream_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochflow/internal/logstream"
	"github.com/snehjoshi/epochflow/internal/types"
)

// ---- helpers ----------------------------------------------------------------

func openLog(t *testing.T, path string) *logstream.Log {
	t.Helper()
	l, err := logstream.Open(path, 1, logstream.Config{Fsync: logstream.FsyncNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func jobCommand(jobType string) types.Record {
	return types.NewCommand(types.NoKey, types.IntentCreate, &types.JobRecord{Type: jobType, Retries: 3})
}

func readAll(t *testing.T, l *logstream.Log) []types.Record {
	t.Helper()
	var out []types.Record
	require.NoError(t, l.ReadAll(func(rec types.Record) error {
		out = append(out, rec)
		return nil
	}))
	return out
}

// ---- append / read ------------------------------------------------------------

func TestLog_AppendAssignsPositions(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), logstream.LogFileName))

	batch := []types.Record{jobCommand("a"), jobCommand("b")}
	last, err := l.Append(batch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
	assert.Equal(t, int64(1), batch[0].Position)
	assert.Equal(t, int64(2), batch[1].Position)
	assert.Equal(t, int32(1), batch[0].PartitionID)

	last, err = l.Append([]types.Record{jobCommand("c")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
	assert.Equal(t, int64(3), l.LastPosition())

	recs := readAll(t, l)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, int64(i+1), r.Position)
	}
	job, ok := recs[2].Value.(*types.JobRecord)
	require.True(t, ok)
	assert.Equal(t, "c", job.Type)
	assert.Equal(t, int32(3), job.Retries)
}

func TestLog_ReaderFollowsAppends(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), logstream.LogFileName))
	r := l.NewReader()

	_, ok, err := r.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, r.HasNext())

	_, err = l.Append([]types.Record{jobCommand("a")})
	require.NoError(t, err)
	assert.True(t, r.HasNext())

	rec, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Position)
}

func TestLog_Seek(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), logstream.LogFileName))
	for i := 0; i < 5; i++ {
		_, err := l.Append([]types.Record{jobCommand("a"), jobCommand("b")})
		require.NoError(t, err)
	}

	r := l.NewReader()
	require.NoError(t, r.Seek(6))
	rec, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(6), rec.Position)

	require.NoError(t, r.Seek(100))
	_, ok, err = r.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLog_ListenSignalsAppends(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), logstream.LogFileName))
	ch := l.Listen()

	_, err := l.Append([]types.Record{jobCommand("a")})
	require.NoError(t, err)
	_, err = l.Append([]types.Record{jobCommand("b")})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no append signal")
	}
	// Bursts coalesce into a single pending signal.
	select {
	case <-ch:
		t.Fatal("expected coalesced signal")
	default:
	}
}

func TestLog_ConcurrentAppendsKeepPositionsUnique(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), logstream.LogFileName))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := l.Append([]types.Record{jobCommand("x")})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	recs := readAll(t, l)
	require.Len(t, recs, 200)
	for i, r := range recs {
		assert.Equal(t, int64(i+1), r.Position)
	}
}

// ---- recovery -----------------------------------------------------------------

func TestLog_ReopenContinuesPositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), logstream.LogFileName)

	l, err := logstream.Open(path, 1, logstream.Config{Fsync: logstream.FsyncAlways})
	require.NoError(t, err)
	_, err = l.Append([]types.Record{jobCommand("a"), jobCommand("b")})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Append([]types.Record{jobCommand("late")})
	assert.ErrorIs(t, err, logstream.ErrClosed)

	l = openLog(t, path)
	assert.Equal(t, int64(2), l.LastPosition())
	last, err := l.Append([]types.Record{jobCommand("c")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestLog_TornTailIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), logstream.LogFileName)

	l, err := logstream.Open(path, 1, logstream.Config{Fsync: logstream.FsyncAlways})
	require.NoError(t, err)
	_, err = l.Append([]types.Record{jobCommand("a")})
	require.NoError(t, err)
	_, err = l.Append([]types.Record{jobCommand("b"), jobCommand("c")})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Simulate a crash mid-write of the second batch.
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-3))

	l = openLog(t, path)
	assert.Equal(t, int64(1), l.LastPosition(), "the torn batch is dropped as a whole")
	require.Len(t, readAll(t, l), 1)

	last, err := l.Append([]types.Record{jobCommand("d")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
	require.Len(t, readAll(t, l), 2)
}

func TestLog_CorruptedFrameIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), logstream.LogFileName)

	l, err := logstream.Open(path, 1, logstream.Config{Fsync: logstream.FsyncAlways})
	require.NoError(t, err)
	_, err = l.Append([]types.Record{jobCommand("a")})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o640))

	l = openLog(t, path)
	assert.Equal(t, int64(0), l.LastPosition())
	assert.Empty(t, readAll(t, l))
}

func TestMarshalRecords_RejectsMissingValue(t *testing.T) {
	_, err := logstream.MarshalRecords([]types.Record{{ValueType: types.ValueTypeJob}})
	assert.Error(t, err)
}
