package state

import (
	"errors"

	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

// IncidentState stores open incidents.
//
//	INCIDENTS      incidentKey → IncidentRecord
//	INCIDENT_JOBS  jobKey      → incidentKey
type IncidentState struct {
	incidents storage.Table[types.IncidentRecord]
	byJob     storage.Table[int64]
}

func newIncidentState() *IncidentState {
	return &IncidentState{
		incidents: storage.NewTable[types.IncidentRecord](storage.CFIncidents),
		byJob:     storage.NewTable[int64](storage.CFIncidentJobs),
	}
}

// Get returns the incident with key, or nil.
func (s *IncidentState) Get(tx storage.Txn, key int64) (*types.IncidentRecord, error) {
	rec, err := s.incidents.Get(tx, storage.LongKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create stores an incident and links it to its job.
func (s *IncidentState) Create(tx storage.Txn, key int64, rec types.IncidentRecord) error {
	if err := s.incidents.Insert(tx, storage.LongKey(key), rec); err != nil {
		return err
	}
	if rec.JobKey > 0 {
		return s.byJob.Put(tx, storage.LongKey(rec.JobKey), key)
	}
	return nil
}

// ForJob returns the key of the open incident of jobKey.
func (s *IncidentState) ForJob(tx storage.Txn, jobKey int64) (int64, bool, error) {
	key, err := s.byJob.Get(tx, storage.LongKey(jobKey))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return key, true, nil
}

// Delete removes the incident and its job link.
func (s *IncidentState) Delete(tx storage.Txn, key int64) error {
	rec, err := s.Get(tx, key)
	if err != nil || rec == nil {
		return err
	}
	if rec.JobKey > 0 {
		if err := s.byJob.Delete(tx, storage.LongKey(rec.JobKey)); err != nil {
			return err
		}
	}
	return s.incidents.Delete(tx, storage.LongKey(key))
}
