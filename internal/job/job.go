// Package job implements the job lifecycle on top of the stream processor.
//
//	CREATE ──► ACTIVATABLE ──(JOB_BATCH ACTIVATE)──► ACTIVATED ──COMPLETE──► deleted
//	               ▲                                   │
//	               ├────────── TIME_OUT ───────────────┤
//	               ├──── FAIL (retries left) ──────────┤
//	               │                                   ├── FAIL (no retries) ──► FAILED + incident
//	               └──── UPDATE_RETRIES ◄──────────────┴── THROW_ERROR ───────► ERROR_THROWN + incident
//
// CANCEL deletes a job in any state.
package job

import (
	"time"

	"github.com/snehjoshi/epochflow/internal/engine"
	"github.com/snehjoshi/epochflow/internal/state"
	"github.com/snehjoshi/epochflow/internal/types"
)

// DeadlineCheckerName is the timer name of the deadline checker.
const DeadlineCheckerName = "job-deadlines"

// Config tunes the job processors.
type Config struct {
	// DeadlineCheckInterval is how often activated jobs are scanned for an
	// expired deadline.
	DeadlineCheckInterval time.Duration

	// MaxCommandsInBatch caps the TIME_OUT commands one checker run writes.
	MaxCommandsInBatch int

	// DefaultRetries applies to CREATE commands without retries.
	DefaultRetries int32

	// MaxBatchBytes caps the variables carried by one activated batch. The
	// batch is cut short and marked truncated when the next job would
	// exceed it. The first job is always included.
	MaxBatchBytes int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DeadlineCheckInterval: time.Second,
		MaxCommandsInBatch:    100,
		DefaultRetries:        3,
		MaxBatchBytes:         4 << 20,
	}
}

// Register wires the job processors, appliers and the deadline checker into
// reg.
func Register(reg *engine.Registry, st *state.State, cfg Config) {
	def := DefaultConfig()
	if cfg.DeadlineCheckInterval <= 0 {
		cfg.DeadlineCheckInterval = def.DeadlineCheckInterval
	}
	if cfg.MaxCommandsInBatch <= 0 {
		cfg.MaxCommandsInBatch = def.MaxCommandsInBatch
	}
	if cfg.DefaultRetries <= 0 {
		cfg.DefaultRetries = def.DefaultRetries
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = def.MaxBatchBytes
	}

	p := &processors{jobs: st.Jobs, incidents: st.Incidents, cfg: cfg}
	reg.OnCommand(types.ValueTypeJob, types.IntentCreate, engine.ProcessorFunc(p.create)).
		OnCommand(types.ValueTypeJobBatch, types.IntentActivate, engine.ProcessorFunc(p.activateBatch)).
		OnCommand(types.ValueTypeJob, types.IntentComplete, engine.ProcessorFunc(p.complete)).
		OnCommand(types.ValueTypeJob, types.IntentFail, engine.ProcessorFunc(p.fail)).
		OnCommand(types.ValueTypeJob, types.IntentThrowError, engine.ProcessorFunc(p.throwError)).
		OnCommand(types.ValueTypeJob, types.IntentTimeOut, engine.ProcessorFunc(p.timeOut)).
		OnCommand(types.ValueTypeJob, types.IntentUpdateRetries, engine.ProcessorFunc(p.updateRetries)).
		OnCommand(types.ValueTypeJob, types.IntentUpdateTimeout, engine.ProcessorFunc(p.updateTimeout)).
		OnCommand(types.ValueTypeJob, types.IntentCancel, engine.ProcessorFunc(p.cancel))

	a := &appliers{jobs: st.Jobs}
	reg.OnEvent(types.ValueTypeJob, types.IntentCreated, engine.ApplierFunc(a.created)).
		OnEvent(types.ValueTypeJobBatch, types.IntentActivated, engine.ApplierFunc(a.batchActivated)).
		OnEvent(types.ValueTypeJob, types.IntentCompleted, engine.ApplierFunc(a.deleted)).
		OnEvent(types.ValueTypeJob, types.IntentCanceled, engine.ApplierFunc(a.deleted)).
		OnEvent(types.ValueTypeJob, types.IntentFailed, engine.ApplierFunc(a.failed)).
		OnEvent(types.ValueTypeJob, types.IntentErrorThrown, engine.ApplierFunc(a.errorThrown)).
		OnEvent(types.ValueTypeJob, types.IntentTimedOut, engine.ApplierFunc(a.timedOut)).
		OnEvent(types.ValueTypeJob, types.IntentRetriesUpdated, engine.ApplierFunc(a.retriesUpdated)).
		OnEvent(types.ValueTypeJob, types.IntentTimeoutUpdated, engine.ApplierFunc(a.timeoutUpdated))

	c := &deadlineChecker{jobs: st.Jobs, limit: cfg.MaxCommandsInBatch}
	reg.OnRecovered(func(rc *engine.RecoveryContext) error {
		rc.ScheduleAtFixedRate(DeadlineCheckerName, cfg.DeadlineCheckInterval, c.run)
		return nil
	})
}
