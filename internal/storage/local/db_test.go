package local_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/storage/local"
)

// ---- helpers ----------------------------------------------------------------

func openDB(t *testing.T) *local.DB {
	t.Helper()
	db, err := local.Open(filepath.Join(t.TempDir(), local.StateFileName), local.Options{NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type job struct {
	Type    string
	Retries int32
}

var jobs = storage.NewTable[job](storage.CFJobs)

// ---- basic operations ---------------------------------------------------------

func TestDB_PutGetDelete(t *testing.T) {
	db := openDB(t)

	require.NoError(t, db.Update(func(tx storage.Txn) error {
		return jobs.Put(tx, storage.LongKey(1), job{Type: "payment", Retries: 3})
	}))

	require.NoError(t, db.View(func(tx storage.Txn) error {
		got, err := jobs.Get(tx, storage.LongKey(1))
		require.NoError(t, err)
		assert.Equal(t, job{Type: "payment", Retries: 3}, got)
		return nil
	}))

	require.NoError(t, db.Update(func(tx storage.Txn) error {
		return jobs.Delete(tx, storage.LongKey(1))
	}))

	require.NoError(t, db.View(func(tx storage.Txn) error {
		_, err := jobs.Get(tx, storage.LongKey(1))
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	}))
}

func TestDB_InsertAndUpdateGuards(t *testing.T) {
	db := openDB(t)

	require.NoError(t, db.Update(func(tx storage.Txn) error {
		require.NoError(t, jobs.Insert(tx, storage.LongKey(1), job{Type: "a"}))
		assert.ErrorIs(t, jobs.Insert(tx, storage.LongKey(1), job{Type: "b"}), storage.ErrKeyExists)
		assert.ErrorIs(t, jobs.Update(tx, storage.LongKey(2), job{Type: "c"}), storage.ErrNotFound)
		return jobs.Update(tx, storage.LongKey(1), job{Type: "d"})
	}))

	require.NoError(t, db.View(func(tx storage.Txn) error {
		got, err := jobs.Get(tx, storage.LongKey(1))
		require.NoError(t, err)
		assert.Equal(t, "d", got.Type)
		return nil
	}))
}

func TestDB_RollbackDiscardsWrites(t *testing.T) {
	db := openDB(t)

	tx, err := db.Begin(true)
	require.NoError(t, err)
	require.NoError(t, jobs.Put(tx, storage.LongKey(7), job{Type: "x"}))
	require.NoError(t, tx.Rollback())

	// A second rollback is a no-op, using the tx is not.
	require.NoError(t, tx.Rollback())
	_, err = tx.Get(storage.CFJobs, storage.LongKey(7))
	assert.ErrorIs(t, err, storage.ErrTxClosed)

	require.NoError(t, db.View(func(tx storage.Txn) error {
		ok, err := jobs.Exists(tx, storage.LongKey(7))
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestDB_UpdateErrorRollsBack(t *testing.T) {
	db := openDB(t)
	boom := errors.New("boom")

	err := db.Update(func(tx storage.Txn) error {
		require.NoError(t, jobs.Put(tx, storage.LongKey(1), job{Type: "x"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, db.View(func(tx storage.Txn) error {
		ok, err := jobs.Exists(tx, storage.LongKey(1))
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

// ---- prefix iteration ---------------------------------------------------------

func TestDB_ForEachPrefix_OrderedAndBounded(t *testing.T) {
	db := openDB(t)
	idx := storage.NewTable[storage.Nil](storage.CFJobActivatable)

	require.NoError(t, db.Update(func(tx storage.Txn) error {
		for _, k := range []struct {
			typ string
			key int64
		}{{"b", 3}, {"a", 2}, {"a", -5}, {"a", 10}, {"ab", 1}} {
			if err := idx.Put(tx, storage.NewKey().String(k.typ).Long(k.key).Bytes(), storage.Nil{}); err != nil {
				return err
			}
		}
		return nil
	}))

	var keys []int64
	require.NoError(t, db.View(func(tx storage.Txn) error {
		return idx.WhileEqualPrefix(tx, storage.StringKey("a"), func(k []byte, _ storage.Nil) (bool, error) {
			r := storage.NewKeyReader(k)
			assert.Equal(t, "a", r.String())
			keys = append(keys, r.Long())
			return true, r.Err()
		})
	}))
	assert.Equal(t, []int64{-5, 2, 10}, keys)

	var limited [][]byte
	require.NoError(t, db.View(func(tx storage.Txn) error {
		var err error
		limited, err = idx.Keys(tx, storage.StringKey("a"), 2)
		return err
	}))
	assert.Len(t, limited, 2)
}

func TestDB_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), local.StateFileName)

	db, err := local.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx storage.Txn) error {
		return jobs.Put(tx, storage.LongKey(1), job{Type: "kept"})
	}))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	db, err = local.Open(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.View(func(tx storage.Txn) error {
		got, err := jobs.Get(tx, storage.LongKey(1))
		require.NoError(t, err)
		assert.Equal(t, "kept", got.Type)
		return nil
	}))
}

func TestDump_ComparesStores(t *testing.T) {
	a, b := openDB(t), openDB(t)
	for _, db := range []*local.DB{a, b} {
		require.NoError(t, db.Update(func(tx storage.Txn) error {
			return jobs.Put(tx, storage.LongKey(1), job{Type: "same"})
		}))
	}

	var da, dbm map[string]map[string][]byte
	require.NoError(t, a.View(func(tx storage.Txn) (err error) { da, err = storage.Dump(tx); return }))
	require.NoError(t, b.View(func(tx storage.Txn) (err error) { dbm, err = storage.Dump(tx); return }))
	assert.Equal(t, da, dbm)
	assert.Len(t, da["JOBS"], 1)
}
