package engine

import (
	"fmt"
	"time"

	"github.com/snehjoshi/epochflow/internal/clock"
	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

// TimerFunc is the body of a scheduled task. It runs on the partition loop
// between two commands and may read state and write commands, never events.
type TimerFunc func(tc *TimerContext) error

// TimerContext is what a timer task may touch.
type TimerContext struct {
	// Txn is a read-only view of the committed state.
	Txn            storage.Txn
	Now            int64
	PartitionID    int32
	PartitionCount int32

	commands []types.Record
	sends    []outbound
}

// AppendCommand buffers a command for this partition's log.
func (tc *TimerContext) AppendCommand(key int64, intent types.Intent, value types.RecordValue) {
	cmd := types.NewCommand(key, intent, value)
	cmd.Timestamp = tc.Now
	tc.commands = append(tc.commands, cmd)
}

// SendCommand delivers a command to partitionID after the task returns.
func (tc *TimerContext) SendCommand(partitionID int32, key int64, intent types.Intent, value types.RecordValue) {
	if partitionID == tc.PartitionID {
		tc.AppendCommand(key, intent, value)
		return
	}
	tc.sends = append(tc.sends, outbound{partitionID: partitionID, cmd: types.NewCommand(key, intent, value)})
}

// ScheduleAtFixedRate arms a recurring task. The first run is one interval
// from now; a name that is already scheduled is replaced.
func (p *StreamProcessor) ScheduleAtFixedRate(name string, interval time.Duration, fn TimerFunc) {
	ms := interval.Milliseconds()
	p.sched.ScheduleAtFixedRate(name, clock.Millis(p.clock)+ms, ms, p.timerTask(name, fn))
}

// ScheduleOnce arms a one-shot task at the given engine time (ms).
func (p *StreamProcessor) ScheduleOnce(name string, dueAt int64, fn TimerFunc) {
	p.sched.Schedule(name, dueAt, p.timerTask(name, fn))
}

// CancelTimer removes a scheduled task.
func (p *StreamProcessor) CancelTimer(name string) bool { return p.sched.Cancel(name) }

func (p *StreamProcessor) timerTask(name string, fn TimerFunc) func(now int64) {
	return func(now int64) {
		if p.timerErr != nil {
			return
		}
		if err := p.runTimer(name, fn, now); err != nil {
			p.timerErr = fmt.Errorf("timer %s: %w", name, err)
		}
	}
}

func (p *StreamProcessor) runTimer(name string, fn TimerFunc, now int64) error {
	tc := &TimerContext{
		Now:            now,
		PartitionID:    p.cfg.PartitionID,
		PartitionCount: p.cfg.PartitionCount,
	}
	if err := p.cfg.DB.View(func(tx storage.Txn) error {
		tc.Txn = tx
		return fn(tc)
	}); err != nil {
		return err
	}
	tc.Txn = nil

	if len(tc.commands) > 0 {
		if _, err := p.cfg.Log.Append(tc.commands); err != nil {
			return fmt.Errorf("append: %w", err)
		}
		p.publishCommitted()
	}
	for _, out := range tc.sends {
		p.send(out)
	}
	p.cfg.Metrics.RecordTimerRun(p.cfg.PartitionID, name)
	return nil
}

// RunDueTimers runs every timer that is due by the engine clock and reports
// how many ran. A failing timer fails the partition.
func (p *StreamProcessor) RunDueTimers() (int, error) {
	if p.Phase() != PhaseProcessing {
		return 0, nil
	}
	n := p.sched.RunDue(clock.Millis(p.clock))
	if p.timerErr != nil {
		return n, p.fail(p.timerErr)
	}
	return n, nil
}

// NextTimerDue returns the due time of the earliest scheduled task.
func (p *StreamProcessor) NextTimerDue() (int64, bool) { return p.sched.NextDue() }
