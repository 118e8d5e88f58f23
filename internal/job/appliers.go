package job

import (
	"fmt"

	"github.com/snehjoshi/epochflow/internal/state"
	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

type appliers struct {
	jobs *state.JobState
}

func (a *appliers) created(tx storage.Txn, ev types.Record) error {
	return a.jobs.Put(tx, ev.Key, *ev.Value.(*types.JobRecord), types.JobStateActivatable)
}

func (a *appliers) batchActivated(tx storage.Txn, ev types.Record) error {
	batch := ev.Value.(*types.JobBatchRecord)
	if len(batch.JobKeys) != len(batch.Jobs) {
		return fmt.Errorf("job batch %d: %d keys for %d jobs", ev.Key, len(batch.JobKeys), len(batch.Jobs))
	}
	for i, key := range batch.JobKeys {
		if err := a.jobs.Put(tx, key, batch.Jobs[i], types.JobStateActivated); err != nil {
			return err
		}
	}
	return nil
}

func (a *appliers) deleted(tx storage.Txn, ev types.Record) error {
	return a.jobs.Delete(tx, ev.Key)
}

func (a *appliers) failed(tx storage.Txn, ev types.Record) error {
	job := released(*ev.Value.(*types.JobRecord))
	st := types.JobStateFailed
	if job.Retries > 0 {
		st = types.JobStateActivatable
	}
	return a.jobs.Put(tx, ev.Key, job, st)
}

func (a *appliers) errorThrown(tx storage.Txn, ev types.Record) error {
	return a.jobs.Put(tx, ev.Key, released(*ev.Value.(*types.JobRecord)), types.JobStateErrorThrown)
}

func (a *appliers) timedOut(tx storage.Txn, ev types.Record) error {
	return a.jobs.Put(tx, ev.Key, released(*ev.Value.(*types.JobRecord)), types.JobStateActivatable)
}

func (a *appliers) retriesUpdated(tx storage.Txn, ev types.Record) error {
	return a.jobs.Put(tx, ev.Key, *ev.Value.(*types.JobRecord), types.JobStateActivatable)
}

func (a *appliers) timeoutUpdated(tx storage.Txn, ev types.Record) error {
	return a.jobs.Put(tx, ev.Key, *ev.Value.(*types.JobRecord), types.JobStateActivated)
}

// released clears what only an activated job carries.
func released(job types.JobRecord) types.JobRecord {
	job.Deadline = -1
	job.Worker = ""
	return job
}
