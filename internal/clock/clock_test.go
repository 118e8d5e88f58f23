package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/snehjoshi/epochflow/internal/clock"
)

func TestControlled_AdvanceAndSet(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	c := clock.NewControlled(start)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, int64(1_700_000_000_000), clock.Millis(c))

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, int64(1_700_000_001_500), clock.Millis(c))

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestSystem_Moves(t *testing.T) {
	var c clock.Clock = clock.System{}
	before := time.Now()
	assert.False(t, c.Now().Before(before))
}
