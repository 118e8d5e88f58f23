package job

import (
	"fmt"

	"github.com/snehjoshi/epochflow/internal/engine"
	"github.com/snehjoshi/epochflow/internal/state"
	"github.com/snehjoshi/epochflow/internal/types"
)

const noRetriesMessage = "No more retries left."

type processors struct {
	jobs      *state.JobState
	incidents *state.IncidentState
	cfg       Config
}

func (p *processors) create(pc *engine.ProcessingContext, cmd types.Record) error {
	job := *cmd.Value.(*types.JobRecord)
	if job.Type == "" {
		pc.Reject(types.RejectionInvalidArgument, "Expected to create job with a non-empty type, but it was empty")
		return nil
	}
	if job.Retries < 0 {
		pc.Reject(types.RejectionInvalidArgument, "Expected to create job with retries >= 1, but it was %d", job.Retries)
		return nil
	}
	if job.Retries == 0 {
		job.Retries = p.cfg.DefaultRetries
	}
	if job.Kind == "" {
		job.Kind = types.JobKindBPMNTask
	}
	job.Deadline = -1
	job.Worker = ""

	key, err := pc.NextKey()
	if err != nil {
		return err
	}
	if _, err := pc.State.AppendFollowUpEvent(key, types.IntentCreated, &job); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(key, types.IntentCreated, &job)
	return nil
}

func (p *processors) activateBatch(pc *engine.ProcessingContext, cmd types.Record) error {
	req := *cmd.Value.(*types.JobBatchRecord)
	switch {
	case req.Type == "":
		pc.Reject(types.RejectionInvalidArgument, "Expected to activate jobs with a non-empty type, but it was empty")
		return nil
	case req.MaxJobsToActivate < 1:
		pc.Reject(types.RejectionInvalidArgument, "Expected to activate at least one job, but max jobs to activate was %d", req.MaxJobsToActivate)
		return nil
	case req.Timeout < 1:
		pc.Reject(types.RejectionInvalidArgument, "Expected to activate jobs with a timeout >= 1, but it was %d", req.Timeout)
		return nil
	}

	keys, err := p.jobs.Activatable(pc.Txn, req.Type, int(req.MaxJobsToActivate))
	if err != nil {
		return err
	}

	batch := types.JobBatchRecord{
		Type:              req.Type,
		Worker:            req.Worker,
		Timeout:           req.Timeout,
		MaxJobsToActivate: req.MaxJobsToActivate,
		JobKeys:           make([]int64, 0, len(keys)),
		Jobs:              make([]types.JobRecord, 0, len(keys)),
	}
	size := 0
	for _, key := range keys {
		job, _, err := p.jobs.Get(pc.Txn, key)
		if err != nil {
			return err
		}
		size += len(job.Variables)
		if len(batch.Jobs) > 0 && size > p.cfg.MaxBatchBytes {
			batch.Truncated = true
			break
		}
		job.Deadline = pc.Now + req.Timeout
		job.Worker = req.Worker
		job.Timeout = req.Timeout
		batch.JobKeys = append(batch.JobKeys, key)
		batch.Jobs = append(batch.Jobs, job)
	}

	key, err := pc.NextKey()
	if err != nil {
		return err
	}
	if _, err := pc.State.AppendFollowUpEvent(key, types.IntentActivated, &batch); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(key, types.IntentActivated, &batch)
	return nil
}

// activated loads the job of cmd and rejects unless it is ACTIVATED.
func (p *processors) activated(pc *engine.ProcessingContext, cmd types.Record, verb string) (types.JobRecord, bool, error) {
	job, st, err := p.jobs.Get(pc.Txn, cmd.Key)
	if err != nil {
		return job, false, err
	}
	switch st {
	case types.JobStateNotFound:
		pc.Reject(types.RejectionNotFound, "Expected to %s job with key '%d', but no such job was found", verb, cmd.Key)
		return job, false, nil
	case types.JobStateActivated:
		return job, true, nil
	default:
		pc.Reject(types.RejectionInvalidState, "Expected to %s job with key '%d', but it is in state '%s'", verb, cmd.Key, st)
		return job, false, nil
	}
}

func (p *processors) complete(pc *engine.ProcessingContext, cmd types.Record) error {
	job, ok, err := p.activated(pc, cmd, "complete")
	if err != nil || !ok {
		return err
	}
	if vars := cmd.Value.(*types.JobRecord).Variables; len(vars) > 0 {
		job.Variables = vars
	}

	if _, err := pc.State.AppendFollowUpEvent(cmd.Key, types.IntentCompleted, &job); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(cmd.Key, types.IntentCompleted, &job)

	if job.ElementInstanceKey <= 0 {
		return nil
	}
	switch job.Kind {
	case types.JobKindExecutionListener:
		pc.Commands.AppendFollowUpCommand(job.ElementInstanceKey, types.IntentCompleteExecutionListener, processInstanceValue(job))
	case types.JobKindTaskListener:
		pc.Commands.AppendFollowUpCommand(job.ElementInstanceKey, types.IntentCompleteTaskListener, &types.UserTaskRecord{
			ElementInstanceKey: job.ElementInstanceKey,
			ProcessInstanceKey: job.ProcessInstanceKey,
			BpmnProcessID:      job.BpmnProcessID,
			ElementID:          job.ElementID,
			Variables:          job.Variables,
		})
	default:
		pc.Commands.AppendFollowUpCommand(job.ElementInstanceKey, types.IntentCompleteElement, processInstanceValue(job))
	}
	return nil
}

func processInstanceValue(job types.JobRecord) *types.ProcessInstanceRecord {
	return &types.ProcessInstanceRecord{
		ProcessInstanceKey: job.ProcessInstanceKey,
		BpmnProcessID:      job.BpmnProcessID,
		ElementID:          job.ElementID,
		Variables:          job.Variables,
	}
}

func (p *processors) fail(pc *engine.ProcessingContext, cmd types.Record) error {
	job, ok, err := p.activated(pc, cmd, "fail")
	if err != nil || !ok {
		return err
	}
	job.Retries = max(job.Retries-1, 0)
	job.ErrorMessage = cmd.Value.(*types.JobRecord).ErrorMessage

	if _, err := pc.State.AppendFollowUpEvent(cmd.Key, types.IntentFailed, &job); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(cmd.Key, types.IntentFailed, &job)

	if job.Retries > 0 {
		return nil
	}
	msg := job.ErrorMessage
	if msg == "" {
		msg = noRetriesMessage
	}
	return p.raiseIncident(pc, cmd.Key, job, types.ErrorTypeJobNoRetries, msg)
}

func (p *processors) throwError(pc *engine.ProcessingContext, cmd types.Record) error {
	job, ok, err := p.activated(pc, cmd, "throw an error for")
	if err != nil || !ok {
		return err
	}
	in := cmd.Value.(*types.JobRecord)
	if in.ErrorCode == "" {
		pc.Reject(types.RejectionInvalidArgument, "Expected to throw an error for job with key '%d' with a non-empty error code", cmd.Key)
		return nil
	}
	job.ErrorCode = in.ErrorCode
	job.ErrorMessage = in.ErrorMessage

	if _, err := pc.State.AppendFollowUpEvent(cmd.Key, types.IntentErrorThrown, &job); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(cmd.Key, types.IntentErrorThrown, &job)

	msg := "Expected to throw an error event with the code '" + job.ErrorCode + "', but it was not caught."
	if job.ErrorMessage != "" {
		msg += " " + job.ErrorMessage
	}
	return p.raiseIncident(pc, cmd.Key, job, types.ErrorTypeUnhandledError, msg)
}

func (p *processors) raiseIncident(pc *engine.ProcessingContext, jobKey int64, job types.JobRecord, errorType, msg string) error {
	key, err := pc.NextKey()
	if err != nil {
		return err
	}
	_, err = pc.State.AppendFollowUpEvent(key, types.IntentCreated, &types.IncidentRecord{
		ErrorType:          errorType,
		ErrorMessage:       msg,
		JobKey:             jobKey,
		ElementInstanceKey: job.ElementInstanceKey,
		ProcessInstanceKey: job.ProcessInstanceKey,
		BpmnProcessID:      job.BpmnProcessID,
	})
	return err
}

func (p *processors) timeOut(pc *engine.ProcessingContext, cmd types.Record) error {
	job, ok, err := p.activated(pc, cmd, "time out")
	if err != nil || !ok {
		return err
	}
	if job.Deadline >= pc.Now {
		pc.Reject(types.RejectionInvalidState, "Expected to time out job with key '%d', but its deadline %d has not passed yet", cmd.Key, job.Deadline)
		return nil
	}
	if _, err := pc.State.AppendFollowUpEvent(cmd.Key, types.IntentTimedOut, &job); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(cmd.Key, types.IntentTimedOut, &job)
	return nil
}

func (p *processors) updateRetries(pc *engine.ProcessingContext, cmd types.Record) error {
	job, st, err := p.jobs.Get(pc.Txn, cmd.Key)
	if err != nil {
		return err
	}
	retries := cmd.Value.(*types.JobRecord).Retries
	switch {
	case st == types.JobStateNotFound:
		pc.Reject(types.RejectionNotFound, "Expected to update retries for job with key '%d', but no such job was found", cmd.Key)
		return nil
	case retries < 1:
		pc.Reject(types.RejectionInvalidArgument, "Expected to update retries for job with key '%d' with a positive amount of retries, but the amount given was '%d'", cmd.Key, retries)
		return nil
	case st != types.JobStateFailed:
		pc.Reject(types.RejectionInvalidState, "Expected to update retries for job with key '%d' in state FAILED, but it is in state '%s'", cmd.Key, st)
		return nil
	}

	job.Retries = retries
	if _, err := pc.State.AppendFollowUpEvent(cmd.Key, types.IntentRetriesUpdated, &job); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(cmd.Key, types.IntentRetriesUpdated, &job)
	return p.resolveIncident(pc, cmd.Key)
}

func (p *processors) updateTimeout(pc *engine.ProcessingContext, cmd types.Record) error {
	job, ok, err := p.activated(pc, cmd, "update the timeout of")
	if err != nil || !ok {
		return err
	}
	timeout := cmd.Value.(*types.JobRecord).Timeout
	if timeout <= 0 {
		pc.Reject(types.RejectionInvalidArgument, "Expected to update the timeout of job with key '%d' with a positive timeout, but it was %d", cmd.Key, timeout)
		return nil
	}
	job.Timeout = timeout
	job.Deadline = pc.Now + timeout

	if _, err := pc.State.AppendFollowUpEvent(cmd.Key, types.IntentTimeoutUpdated, &job); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(cmd.Key, types.IntentTimeoutUpdated, &job)
	return nil
}

func (p *processors) cancel(pc *engine.ProcessingContext, cmd types.Record) error {
	job, st, err := p.jobs.Get(pc.Txn, cmd.Key)
	if err != nil {
		return err
	}
	if st == types.JobStateNotFound {
		pc.Reject(types.RejectionNotFound, "Expected to cancel job with key '%d', but no such job was found", cmd.Key)
		return nil
	}
	if _, err := pc.State.AppendFollowUpEvent(cmd.Key, types.IntentCanceled, &job); err != nil {
		return err
	}
	pc.Response.WriteEventOnCommand(cmd.Key, types.IntentCanceled, &job)
	return p.resolveIncident(pc, cmd.Key)
}

// resolveIncident writes INCIDENT RESOLVED for the open incident of jobKey.
func (p *processors) resolveIncident(pc *engine.ProcessingContext, jobKey int64) error {
	key, ok, err := p.incidents.ForJob(pc.Txn, jobKey)
	if err != nil || !ok {
		return err
	}
	inc, err := p.incidents.Get(pc.Txn, key)
	if err != nil {
		return err
	}
	if inc == nil {
		return fmt.Errorf("job %d links to missing incident %d", jobKey, key)
	}
	_, err = pc.State.AppendFollowUpEvent(key, types.IntentResolved, inc)
	return err
}
