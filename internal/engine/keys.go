package engine

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

var (
	keyTable      = storage.NewTable[int64](storage.CFKey)
	positionTable = storage.NewTable[int64](storage.CFLastProcessedPosition)

	nextKeyKey      = storage.StringKey("NEXT")
	lastPositionKey = storage.StringKey("LAST_PROCESSED")
)

// KeyGenerator hands out unique keys for one partition. The counter lives in
// the state store, so generating a key is part of the command's transaction
// and rolls back with it.
type KeyGenerator struct {
	partitionID int32
}

// Next increments the counter and returns the encoded key.
func (g *KeyGenerator) Next(tx storage.Txn) (int64, error) {
	counter, err := g.counter(tx)
	if err != nil {
		return 0, err
	}
	counter++
	if err := keyTable.Put(tx, nextKeyKey, counter); err != nil {
		return 0, fmt.Errorf("engine: store key counter: %w", err)
	}
	return types.EncodePartitionKey(g.partitionID, counter), nil
}

// Observe raises the counter to key's counter if key belongs to this
// partition and is ahead. Replay calls it for every event it applies.
func (g *KeyGenerator) Observe(tx storage.Txn, key int64) error {
	if key <= 0 || types.DecodePartitionID(key) != g.partitionID {
		return nil
	}
	counter, err := g.counter(tx)
	if err != nil {
		return err
	}
	if seen := types.DecodeKeyCounter(key); seen > counter {
		return keyTable.Put(tx, nextKeyKey, seen)
	}
	return nil
}

func (g *KeyGenerator) counter(tx storage.Txn) (int64, error) {
	counter, err := keyTable.Get(tx, nextKeyKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("engine: read key counter: %w", err)
	}
	return counter, nil
}

// lastProcessedPosition reads the position of the last command whose
// effects are committed, or NoPosition.
func lastProcessedPosition(tx storage.Txn) (int64, error) {
	pos, err := positionTable.Get(tx, lastPositionKey)
	if errors.Is(err, storage.ErrNotFound) {
		return types.NoPosition, nil
	}
	return pos, err
}

func setLastProcessedPosition(tx storage.Txn, pos int64) error {
	return positionTable.Put(tx, lastPositionKey, pos)
}
