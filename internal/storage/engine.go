// Package storage defines the transactional key-value abstraction that holds
// all processing state of a partition.
//
// Design principle: processors and event appliers must ONLY touch state
// through a Txn handed to them by the stream processor. Never open files or
// transactions directly. This keeps every mutation for one record inside one
// atomic commit and makes the backend swappable (local.DB is the bbolt one).
package storage

import "errors"

// ErrNotFound is returned when a key does not exist in a column family.
var ErrNotFound = errors.New("storage: not found")

// ErrKeyExists is returned by Table.Insert when the key is already present.
var ErrKeyExists = errors.New("storage: key already exists")

// ErrTxClosed is returned when a transaction is used after commit or rollback.
var ErrTxClosed = errors.New("storage: transaction closed")

// Txn is the read/write view of the state handed to processors and appliers.
//
// Byte slices returned by Get and passed to ForEachPrefix callbacks belong to
// the caller (Get) or are only valid during the callback (ForEachPrefix).
type Txn interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(cf ColumnFamily, key []byte) ([]byte, error)

	// Put upserts value under key.
	Put(cf ColumnFamily, key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(cf ColumnFamily, key []byte) error

	// ForEachPrefix calls fn for every key starting with prefix, in key order,
	// until fn returns false or an error. A nil prefix visits the whole
	// column family. fn must not mutate the same column family; collect the
	// keys first and mutate afterwards.
	ForEachPrefix(cf ColumnFamily, prefix []byte, fn func(key, value []byte) (bool, error)) error
}

// Tx is a Txn whose lifetime is controlled by the caller.
type Tx interface {
	Txn

	// Commit makes all writes durable atomically.
	Commit() error

	// Rollback discards all writes. Safe to call after Commit.
	Rollback() error
}

// DB is a transactional store with ordered column families.
//
// Implementations:
//   - local.DB: bbolt-backed, one bucket per column family
//
// A DB is owned by exactly one stream processor. Read-only transactions may
// be opened from other goroutines (CLI, tests) while the partition is idle.
type DB interface {
	// Begin starts a transaction. Only one writable transaction may be open
	// at a time.
	Begin(writable bool) (Tx, error)

	// View runs fn in a read-only transaction.
	View(fn func(Txn) error) error

	// Update runs fn in a writable transaction and commits if fn returns nil.
	Update(fn func(Txn) error) error

	// Close releases the underlying files.
	Close() error
}
