// Package engine implements the per-partition stream processor: replay of
// committed events, the single-threaded command processing loop, the
// per-record writers and the timers that share the loop.
//
// Data flow for one command:
//
//	log → StreamProcessor → Registry lookup (valueType, intent) → Processor
//	    → StateWriter (event appliers mutate the Txn) / CommandWriter / RejectionWriter / ResponseWriter
//	    → log.Append(batch) → commit → response, cross-partition sends, side effects
package engine

import (
	"fmt"
	"time"

	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

// Processor handles every command of one (valueType, intent).
//
// A processor must be deterministic: its outcome may only depend on the
// command, the state visible through pc.Txn and pc.Now.
type Processor interface {
	Process(pc *ProcessingContext, cmd types.Record) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(pc *ProcessingContext, cmd types.Record) error

// Process calls f.
func (f ProcessorFunc) Process(pc *ProcessingContext, cmd types.Record) error { return f(pc, cmd) }

// Applier mutates state for one event. Appliers run while processing (right
// when the event is written) and again during replay, so they must only use
// the event and the state, never the clock.
type Applier interface {
	Apply(tx storage.Txn, event types.Record) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(tx storage.Txn, event types.Record) error

// Apply calls f.
func (f ApplierFunc) Apply(tx storage.Txn, event types.Record) error { return f(tx, event) }

// RecoveredListener runs once after replay, before the first command is
// processed. It is the place to rebuild in-memory indexes and to schedule
// recurring checkers.
type RecoveredListener func(rc *RecoveryContext) error

type dispatchKey struct {
	valueType types.ValueType
	intent    types.Intent
}

// Registry is the dispatch table of a partition. It is built once before the
// stream processor starts and never changes afterwards.
type Registry struct {
	processors map[dispatchKey]Processor
	appliers   map[dispatchKey]Applier
	recovered  []RecoveredListener
}

// NewRegistry returns an empty dispatch table.
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[dispatchKey]Processor),
		appliers:   make(map[dispatchKey]Applier),
	}
}

// OnCommand registers the processor for commands of (vt, intent). It panics
// on duplicates, which are wiring bugs.
func (r *Registry) OnCommand(vt types.ValueType, intent types.Intent, p Processor) *Registry {
	k := dispatchKey{vt, intent}
	if _, dup := r.processors[k]; dup {
		panic(fmt.Sprintf("engine: duplicate processor for %s.%s", vt, intent))
	}
	r.processors[k] = p
	return r
}

// OnEvent registers the applier for events of (vt, intent).
func (r *Registry) OnEvent(vt types.ValueType, intent types.Intent, a Applier) *Registry {
	k := dispatchKey{vt, intent}
	if _, dup := r.appliers[k]; dup {
		panic(fmt.Sprintf("engine: duplicate applier for %s.%s", vt, intent))
	}
	r.appliers[k] = a
	return r
}

// OnRecovered registers a listener that runs after replay.
func (r *Registry) OnRecovered(l RecoveredListener) *Registry {
	r.recovered = append(r.recovered, l)
	return r
}

func (r *Registry) processor(vt types.ValueType, intent types.Intent) (Processor, bool) {
	p, ok := r.processors[dispatchKey{vt, intent}]
	return p, ok
}

func (r *Registry) applyEvent(tx storage.Txn, ev types.Record) error {
	a, ok := r.appliers[dispatchKey{ev.ValueType, ev.Intent}]
	if !ok {
		return fmt.Errorf("engine: no applier for %s.%s", ev.ValueType, ev.Intent)
	}
	if err := a.Apply(tx, ev); err != nil {
		return fmt.Errorf("engine: apply %s.%s key=%d: %w", ev.ValueType, ev.Intent, ev.Key, err)
	}
	return nil
}

// RecoveryContext is handed to RecoveredListeners.
type RecoveryContext struct {
	// Txn is a read-only view of the recovered state.
	Txn            storage.Txn
	Now            int64
	PartitionID    int32
	PartitionCount int32

	p *StreamProcessor
}

// ScheduleAtFixedRate arms a recurring timer on the partition loop. The first
// run happens one interval after recovery.
func (rc *RecoveryContext) ScheduleAtFixedRate(name string, interval time.Duration, fn TimerFunc) {
	rc.p.ScheduleAtFixedRate(name, interval, fn)
}
