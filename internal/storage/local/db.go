// Package local provides the single-node, disk-backed implementation of
// storage.DB using bbolt. Every column family is one bucket in one file, so a
// bbolt transaction spans all of them and commits atomically.
package local

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/epochflow/internal/storage"
)

// StateFileName is the file name of the state store inside a partition dir.
const StateFileName = "state.db"

// Options tune the bbolt backend. Zero values are safe.
type Options struct {
	// NoSync skips fsync on commit. The log is the source of truth and the
	// state can always be rebuilt by replay, so tests run with NoSync.
	NoSync bool

	// OpenTimeout bounds how long Open waits for the file lock.
	OpenTimeout time.Duration
}

// DB is the bbolt-backed storage.DB.
type DB struct {
	db        *bbolt.DB
	path      string
	closeOnce sync.Once
	closeErr  error
}

// Ensure DB satisfies the interface at compile time.
var _ storage.DB = (*DB)(nil)

// Open opens (or creates) the state store at path and makes sure every
// column family bucket exists.
func Open(path string, opts ...Options) (*DB, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.OpenTimeout == 0 {
		o.OpenTimeout = time.Second
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("state: create dir: %w", err)
	}

	bdb, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: o.OpenTimeout, NoSync: o.NoSync})
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}

	if err := bdb.Update(func(tx *bbolt.Tx) error {
		for _, cf := range storage.ColumnFamilies() {
			if _, err := tx.CreateBucketIfNotExists(bucketName(cf)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("state: init buckets: %w", err)
	}

	return &DB{db: bdb, path: path}, nil
}

// Path returns the filesystem path of the store.
func (d *DB) Path() string { return d.path }

// Begin starts a transaction.
func (d *DB) Begin(writable bool) (storage.Tx, error) {
	btx, err := d.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("state: begin: %w", err)
	}
	return &tx{btx: btx}, nil
}

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(storage.Txn) error) error {
	return d.db.View(func(btx *bbolt.Tx) error {
		return fn(&tx{btx: btx})
	})
}

// Update runs fn in a writable transaction, committing on success.
func (d *DB) Update(fn func(storage.Txn) error) error {
	return d.db.Update(func(btx *bbolt.Tx) error {
		return fn(&tx{btx: btx})
	})
}

// Close closes the bbolt file. Safe to call more than once.
func (d *DB) Close() error {
	d.closeOnce.Do(func() { d.closeErr = d.db.Close() })
	return d.closeErr
}

// ---- transaction -------------------------------------------------------------

type tx struct {
	btx    *bbolt.Tx
	closed bool
}

func (t *tx) bucket(cf storage.ColumnFamily) (*bbolt.Bucket, error) {
	if t.closed {
		return nil, storage.ErrTxClosed
	}
	b := t.btx.Bucket(bucketName(cf))
	if b == nil {
		return nil, fmt.Errorf("state: missing bucket %s", cf)
	}
	return b, nil
}

func (t *tx) Get(cf storage.ColumnFamily, key []byte) ([]byte, error) {
	b, err := t.bucket(cf)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, storage.ErrNotFound
	}
	// bbolt memory is only valid for the life of the transaction.
	return append([]byte(nil), v...), nil
}

func (t *tx) Put(cf storage.ColumnFamily, key, value []byte) error {
	b, err := t.bucket(cf)
	if err != nil {
		return err
	}
	if err := b.Put(key, value); err != nil {
		return fmt.Errorf("state: put %s: %w", cf, err)
	}
	return nil
}

func (t *tx) Delete(cf storage.ColumnFamily, key []byte) error {
	b, err := t.bucket(cf)
	if err != nil {
		return err
	}
	if err := b.Delete(key); err != nil {
		return fmt.Errorf("state: delete %s: %w", cf, err)
	}
	return nil
}

func (t *tx) ForEachPrefix(cf storage.ColumnFamily, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	b, err := t.bucket(cf)
	if err != nil {
		return err
	}
	c := b.Cursor()
	var k, v []byte
	if len(prefix) == 0 {
		k, v = c.First()
	} else {
		k, v = c.Seek(prefix)
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		more, err := fn(k, v)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (t *tx) Commit() error {
	if t.closed {
		return storage.ErrTxClosed
	}
	t.closed = true
	if err := t.btx.Commit(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.btx.Rollback(); err != nil {
		return fmt.Errorf("state: rollback: %w", err)
	}
	return nil
}

func bucketName(cf storage.ColumnFamily) []byte { return []byte(cf.String()) }
