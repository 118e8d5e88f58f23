// Package incident records blocked progress and lets operators resolve it.
package incident

import (
	"github.com/snehjoshi/epochflow/internal/engine"
	"github.com/snehjoshi/epochflow/internal/state"
	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

// Register wires the incident processor and appliers into reg.
func Register(reg *engine.Registry, st *state.State) {
	h := &handler{incidents: st.Incidents, jobs: st.Jobs}
	reg.OnCommand(types.ValueTypeIncident, types.IntentResolve, engine.ProcessorFunc(h.resolve)).
		OnEvent(types.ValueTypeIncident, types.IntentCreated, engine.ApplierFunc(h.created)).
		OnEvent(types.ValueTypeIncident, types.IntentResolved, engine.ApplierFunc(h.resolved))
}

type handler struct {
	incidents *state.IncidentState
	jobs      *state.JobState
}

func (h *handler) resolve(pc *engine.ProcessingContext, cmd types.Record) error {
	inc, err := h.incidents.Get(pc.Txn, cmd.Key)
	if err != nil {
		return err
	}
	if inc == nil {
		pc.Reject(types.RejectionNotFound, "Expected to resolve incident with key '%d', but no such incident was found", cmd.Key)
		return nil
	}
	if inc.JobKey > 0 {
		job, st, err := h.jobs.Get(pc.Txn, inc.JobKey)
		if err != nil {
			return err
		}
		if st != types.JobStateNotFound && job.Retries <= 0 {
			pc.Reject(types.RejectionInvalidState, "Expected to resolve incident with key '%d', but job with key '%d' has no retries left", cmd.Key, inc.JobKey)
			return nil
		}
	}

	if _, err := pc.State.AppendFollowUpEvent(cmd.Key, types.IntentResolved, inc); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(cmd.Key, types.IntentResolved, inc)
	return nil
}

func (h *handler) created(tx storage.Txn, ev types.Record) error {
	return h.incidents.Create(tx, ev.Key, *ev.Value.(*types.IncidentRecord))
}

// resolved deletes the incident and makes a blocked job with retries
// activatable again.
func (h *handler) resolved(tx storage.Txn, ev types.Record) error {
	inc := ev.Value.(*types.IncidentRecord)
	if err := h.incidents.Delete(tx, ev.Key); err != nil {
		return err
	}
	if inc.JobKey <= 0 {
		return nil
	}
	job, st, err := h.jobs.Get(tx, inc.JobKey)
	if err != nil {
		return err
	}
	if (st == types.JobStateFailed || st == types.JobStateErrorThrown) && job.Retries > 0 {
		return h.jobs.Put(tx, inc.JobKey, job, types.JobStateActivatable)
	}
	return nil
}
