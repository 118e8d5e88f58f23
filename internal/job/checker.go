package job

import (
	"github.com/snehjoshi/epochflow/internal/engine"
	"github.com/snehjoshi/epochflow/internal/state"
	"github.com/snehjoshi/epochflow/internal/types"
)

// deadlineChecker writes TIME_OUT for activated jobs whose deadline passed.
// It only writes commands; the TIME_OUT processor re-checks the deadline,
// so a job whose timeout was extended in between is left alone.
type deadlineChecker struct {
	jobs  *state.JobState
	limit int
}

func (c *deadlineChecker) run(tc *engine.TimerContext) error {
	keys, err := c.jobs.TimedOut(tc.Txn, tc.Now, c.limit)
	if err != nil {
		return err
	}
	for _, key := range keys {
		job, st, err := c.jobs.Get(tc.Txn, key)
		if err != nil {
			return err
		}
		if st != types.JobStateActivated {
			continue
		}
		tc.AppendCommand(key, types.IntentTimeOut, &job)
	}
	return nil
}
