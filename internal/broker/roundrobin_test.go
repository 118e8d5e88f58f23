package broker

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snehjoshi/epochflow/internal/partition"
)

func TestRoundRobin_WrapsAroundCounter(t *testing.T) {
	b := &Broker{parts: make([]*partition.Partition, 3)}
	b.nextCreate.Store(math.MaxInt32 - 1)

	for range 6 {
		id := b.roundRobin()
		assert.GreaterOrEqual(t, id, int32(1))
		assert.LessOrEqual(t, id, int32(3))
	}

	b.nextCreate.Store(math.MaxUint32)
	assert.Equal(t, int32(math.MaxUint32%3)+1, b.roundRobin())
	assert.Equal(t, int32(1), b.roundRobin())
}
