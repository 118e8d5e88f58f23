package storage

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Nil is the value type of pure index column families: the key is the data.
type Nil struct{}

// Table is a typed view of one column family whose values are MessagePack
// encoded V. It holds no state besides the column family, so a Table is
// created once and used with every transaction.
type Table[V any] struct {
	cf ColumnFamily
}

// NewTable returns a typed view of cf.
func NewTable[V any](cf ColumnFamily) Table[V] { return Table[V]{cf: cf} }

// ColumnFamily returns the underlying column family.
func (t Table[V]) ColumnFamily() ColumnFamily { return t.cf }

// Get returns the value under key, or ErrNotFound.
func (t Table[V]) Get(tx Txn, key []byte) (V, error) {
	var v V
	raw, err := tx.Get(t.cf, key)
	if err != nil {
		return v, err
	}
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("storage: decode %s value: %w", t.cf, err)
	}
	return v, nil
}

// Exists reports whether key is present.
func (t Table[V]) Exists(tx Txn, key []byte) (bool, error) {
	_, err := tx.Get(t.cf, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Put upserts v under key.
func (t Table[V]) Put(tx Txn, key []byte, v V) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s value: %w", t.cf, err)
	}
	return tx.Put(t.cf, key, raw)
}

// Insert stores v under key, failing with ErrKeyExists if key is present.
func (t Table[V]) Insert(tx Txn, key []byte, v V) error {
	ok, err := t.Exists(tx, key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("storage: insert into %s: %w", t.cf, ErrKeyExists)
	}
	return t.Put(tx, key, v)
}

// Update replaces the value under key, failing with ErrNotFound if absent.
func (t Table[V]) Update(tx Txn, key []byte, v V) error {
	ok, err := t.Exists(tx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("storage: update %s: %w", t.cf, ErrNotFound)
	}
	return t.Put(tx, key, v)
}

// Delete removes key.
func (t Table[V]) Delete(tx Txn, key []byte) error {
	return tx.Delete(t.cf, key)
}

// WhileEqualPrefix decodes and visits every entry under prefix in key order
// until fn returns false. The key slice is only valid during the callback.
func (t Table[V]) WhileEqualPrefix(tx Txn, prefix []byte, fn func(key []byte, v V) (bool, error)) error {
	return tx.ForEachPrefix(t.cf, prefix, func(k, raw []byte) (bool, error) {
		var v V
		if err := msgpack.Unmarshal(raw, &v); err != nil {
			return false, fmt.Errorf("storage: decode %s value: %w", t.cf, err)
		}
		return fn(k, v)
	})
}

// Keys collects the keys under prefix, up to limit (0 means unlimited). The
// returned slices are copies and safe to use for mutations afterwards.
func (t Table[V]) Keys(tx Txn, prefix []byte, limit int) ([][]byte, error) {
	var out [][]byte
	err := tx.ForEachPrefix(t.cf, prefix, func(k, _ []byte) (bool, error) {
		out = append(out, append([]byte(nil), k...))
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}
