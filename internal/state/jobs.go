package state

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

// JobState stores jobs, their lifecycle state and the two indexes the
// processors scan: activatable jobs by type and activated jobs by deadline.
//
//	JOBS              jobKey              → JobRecord
//	JOB_STATES        jobKey              → JobState
//	JOB_ACTIVATABLE   (type, jobKey)      → ∅
//	JOB_DEADLINES     (deadline, jobKey)  → ∅
type JobState struct {
	jobs        storage.Table[types.JobRecord]
	states      storage.Table[types.JobState]
	activatable storage.Table[storage.Nil]
	deadlines   storage.Table[storage.Nil]
}

func newJobState() *JobState {
	return &JobState{
		jobs:        storage.NewTable[types.JobRecord](storage.CFJobs),
		states:      storage.NewTable[types.JobState](storage.CFJobStates),
		activatable: storage.NewTable[storage.Nil](storage.CFJobActivatable),
		deadlines:   storage.NewTable[storage.Nil](storage.CFJobDeadlines),
	}
}

// Get returns the job and its state. A missing job yields JobStateNotFound
// and no error.
func (s *JobState) Get(tx storage.Txn, key int64) (types.JobRecord, types.JobState, error) {
	k := storage.LongKey(key)
	job, err := s.jobs.Get(tx, k)
	if errors.Is(err, storage.ErrNotFound) {
		return types.JobRecord{}, types.JobStateNotFound, nil
	}
	if err != nil {
		return types.JobRecord{}, types.JobStateNotFound, err
	}
	st, err := s.states.Get(tx, k)
	if err != nil {
		return types.JobRecord{}, types.JobStateNotFound, fmt.Errorf("state of job %d: %w", key, err)
	}
	return job, st, nil
}

// Put stores job in state st and moves its index entries accordingly.
func (s *JobState) Put(tx storage.Txn, key int64, job types.JobRecord, st types.JobState) error {
	old, oldState, err := s.Get(tx, key)
	if err != nil {
		return err
	}
	if oldState != types.JobStateNotFound {
		if err := s.unindex(tx, key, old, oldState); err != nil {
			return err
		}
	}

	k := storage.LongKey(key)
	if err := s.jobs.Put(tx, k, job); err != nil {
		return err
	}
	if err := s.states.Put(tx, k, st); err != nil {
		return err
	}
	switch st {
	case types.JobStateActivatable:
		return s.activatable.Put(tx, activatableKey(job.Type, key), storage.Nil{})
	case types.JobStateActivated:
		return s.deadlines.Put(tx, deadlineKey(job.Deadline, key), storage.Nil{})
	}
	return nil
}

// Delete removes the job and every index entry pointing at it.
func (s *JobState) Delete(tx storage.Txn, key int64) error {
	job, st, err := s.Get(tx, key)
	if err != nil || st == types.JobStateNotFound {
		return err
	}
	if err := s.unindex(tx, key, job, st); err != nil {
		return err
	}
	k := storage.LongKey(key)
	if err := s.jobs.Delete(tx, k); err != nil {
		return err
	}
	return s.states.Delete(tx, k)
}

func (s *JobState) unindex(tx storage.Txn, key int64, job types.JobRecord, st types.JobState) error {
	switch st {
	case types.JobStateActivatable:
		return s.activatable.Delete(tx, activatableKey(job.Type, key))
	case types.JobStateActivated:
		return s.deadlines.Delete(tx, deadlineKey(job.Deadline, key))
	}
	return nil
}

// Activatable returns up to limit activatable job keys of jobType, oldest
// first.
func (s *JobState) Activatable(tx storage.Txn, jobType string, limit int) ([]int64, error) {
	raw, err := s.activatable.Keys(tx, storage.StringKey(jobType), limit)
	if err != nil {
		return nil, err
	}
	keys := make([]int64, 0, len(raw))
	for _, k := range raw {
		r := storage.NewKeyReader(k)
		_ = r.String()
		key := r.Long()
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("activatable index: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// TimedOut returns up to limit keys of activated jobs whose deadline is
// before now, earliest deadline first.
func (s *JobState) TimedOut(tx storage.Txn, now int64, limit int) ([]int64, error) {
	var keys []int64
	err := s.deadlines.WhileEqualPrefix(tx, nil, func(k []byte, _ storage.Nil) (bool, error) {
		r := storage.NewKeyReader(k)
		deadline := r.Long()
		key := r.Long()
		if err := r.Err(); err != nil {
			return false, fmt.Errorf("deadline index: %w", err)
		}
		if deadline >= now {
			return false, nil
		}
		keys = append(keys, key)
		return limit <= 0 || len(keys) < limit, nil
	})
	return keys, err
}

func activatableKey(jobType string, key int64) []byte {
	return storage.NewKey().String(jobType).Long(key).Bytes()
}

func deadlineKey(deadline, key int64) []byte {
	return storage.NewKey().Long(deadline).Long(key).Bytes()
}
