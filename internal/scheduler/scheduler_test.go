package scheduler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochflow/internal/scheduler"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// collected gathers timer runs in call order.
type collected struct {
	entries []string
}

func (c *collected) task(name string) scheduler.Task {
	return func(int64) { c.entries = append(c.entries, name) }
}

// ─── one-shot ─────────────────────────────────────────────────────────────────

func TestScheduler_RunsInDueOrder(t *testing.T) {
	s := scheduler.New()
	var c collected

	s.Schedule("c", 300, c.task("c"))
	s.Schedule("a", 100, c.task("a"))
	s.Schedule("b", 200, c.task("b"))

	due, ok := s.NextDue()
	require.True(t, ok)
	assert.Equal(t, int64(100), due)

	assert.Equal(t, 2, s.RunDue(250))
	assert.Equal(t, []string{"a", "b"}, c.entries)
	assert.Equal(t, 1, s.Len())

	assert.Equal(t, 1, s.RunDue(300))
	assert.Equal(t, []string{"a", "b", "c"}, c.entries)

	_, ok = s.NextDue()
	assert.False(t, ok)
}

func TestScheduler_TiesFireInScheduleOrder(t *testing.T) {
	s := scheduler.New()
	var c collected
	for _, n := range []string{"x", "y", "z"} {
		s.Schedule(n, 10, c.task(n))
	}
	s.RunDue(10)
	assert.Equal(t, []string{"x", "y", "z"}, c.entries)
}

func TestScheduler_RescheduleReplaces(t *testing.T) {
	s := scheduler.New()
	var c collected

	s.Schedule("a", 100, c.task("first"))
	s.Schedule("a", 500, c.task("second"))
	assert.Equal(t, 1, s.Len())

	assert.Equal(t, 0, s.RunDue(100))
	s.RunDue(500)
	assert.Equal(t, []string{"second"}, c.entries)
}

func TestScheduler_Cancel(t *testing.T) {
	s := scheduler.New()
	var c collected

	s.Schedule("a", 100, c.task("a"))
	assert.True(t, s.Cancel("a"))
	assert.False(t, s.Cancel("a"))
	assert.Equal(t, 0, s.RunDue(1000))
	assert.Empty(t, c.entries)
}

// ─── fixed rate ───────────────────────────────────────────────────────────────

func TestScheduler_FixedRateRearms(t *testing.T) {
	s := scheduler.New()
	var c collected

	s.ScheduleAtFixedRate("tick", 100, 100, c.task("tick"))

	s.RunDue(100)
	due, _ := s.NextDue()
	assert.Equal(t, int64(200), due)

	s.RunDue(200)
	assert.Len(t, c.entries, 2)
}

func TestScheduler_FixedRateCoalescesMissedRuns(t *testing.T) {
	s := scheduler.New()
	var c collected

	s.ScheduleAtFixedRate("tick", 100, 100, c.task("tick"))

	// The loop was busy for ten intervals: one run, not ten.
	assert.Equal(t, 1, s.RunDue(1050))
	due, _ := s.NextDue()
	assert.Equal(t, int64(1150), due)
}

func TestScheduler_TaskMayCancelItself(t *testing.T) {
	s := scheduler.New()
	runs := 0
	s.ScheduleAtFixedRate("once", 10, 10, func(int64) {
		runs++
		s.Cancel("once")
	})

	s.RunDue(10)
	s.RunDue(100)
	assert.Equal(t, 1, runs)
	assert.Equal(t, 0, s.Len())
}
