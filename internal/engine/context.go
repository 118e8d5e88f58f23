package engine

import (
	"fmt"
	"log/slog"

	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

// ProcessingContext is everything a processor may touch while handling one
// command. It lives for exactly one command.
type ProcessingContext struct {
	// Txn is the write transaction of this command. Nothing in it is
	// visible to anyone else until the batch is committed.
	Txn storage.Txn

	// Now is the engine clock reading taken when processing started.
	Now int64

	PartitionID    int32
	PartitionCount int32
	Logger         *slog.Logger

	State       *StateWriter
	Commands    *CommandWriter
	Rejections  *RejectionWriter
	Response    *ResponseWriter
	SideEffects *SideEffectWriter

	keys    *KeyGenerator
	command types.Record
	result  *result
}

// result is what processing one command produced.
type result struct {
	records     []types.Record
	response    *types.Record
	sends       []outbound
	sideEffects []func() error
}

type outbound struct {
	partitionID int32
	cmd         types.Record
}

func newProcessingContext(p *StreamProcessor, tx storage.Txn, now int64, cmd types.Record) *ProcessingContext {
	res := &result{}
	pc := &ProcessingContext{
		Txn:            tx,
		Now:            now,
		PartitionID:    p.cfg.PartitionID,
		PartitionCount: p.cfg.PartitionCount,
		Logger:         p.logger,
		keys:           &p.keys,
		command:        cmd,
		result:         res,
	}
	pc.State = &StateWriter{pc: pc, registry: p.cfg.Registry}
	pc.Commands = &CommandWriter{pc: pc}
	pc.Rejections = &RejectionWriter{pc: pc}
	pc.Response = &ResponseWriter{pc: pc}
	pc.SideEffects = &SideEffectWriter{pc: pc}
	return pc
}

// NextKey returns a fresh key owned by this partition.
func (pc *ProcessingContext) NextKey() (int64, error) {
	return pc.keys.Next(pc.Txn)
}

// Reject writes a rejection of the command being processed and answers the
// submitter with it. Use it for every expected refusal.
func (pc *ProcessingContext) Reject(t types.RejectionType, format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	rec := pc.Rejections.AppendRejection(pc.command, t, reason)
	pc.Response.set(rec)
}

func (pc *ProcessingContext) followUp(rt types.RecordType, key int64, intent types.Intent, value types.RecordValue) types.Record {
	return types.Record{
		SourceRecordPosition: pc.command.Position,
		Key:                  key,
		PartitionID:          pc.PartitionID,
		RecordType:           rt,
		ValueType:            value.ValueType(),
		Intent:               intent,
		Timestamp:            pc.Now,
		Value:                value,
	}
}

// StateWriter appends follow-up events. Each event is applied to the
// transaction the moment it is written, so later reads in the same
// processor already see it.
type StateWriter struct {
	pc       *ProcessingContext
	registry *Registry
}

// AppendFollowUpEvent buffers an event and applies it. The key generator
// observes the event key exactly like replay does.
func (w *StateWriter) AppendFollowUpEvent(key int64, intent types.Intent, value types.RecordValue) (types.Record, error) {
	ev := w.pc.followUp(types.RecordTypeEvent, key, intent, value)
	if err := w.registry.applyEvent(w.pc.Txn, ev); err != nil {
		return types.Record{}, err
	}
	if err := w.pc.keys.Observe(w.pc.Txn, key); err != nil {
		return types.Record{}, err
	}
	w.pc.result.records = append(w.pc.result.records, ev)
	return ev, nil
}

// CommandWriter appends follow-up commands to this partition's log or
// routes them to other partitions.
type CommandWriter struct {
	pc *ProcessingContext
}

// AppendFollowUpCommand buffers a command for this partition. It is
// processed after the current command, in append order.
func (w *CommandWriter) AppendFollowUpCommand(key int64, intent types.Intent, value types.RecordValue) {
	cmd := w.pc.followUp(types.RecordTypeCommand, key, intent, value)
	w.pc.result.records = append(w.pc.result.records, cmd)
}

// SendCommand delivers a command to partitionID. Commands for this
// partition join the batch; commands for other partitions are sent after
// the batch commits and may be lost, so the protocols on top retry.
func (w *CommandWriter) SendCommand(partitionID int32, key int64, intent types.Intent, value types.RecordValue) {
	if partitionID == w.pc.PartitionID {
		w.AppendFollowUpCommand(key, intent, value)
		return
	}
	w.pc.SideEffects.Send(partitionID, types.NewCommand(key, intent, value))
}

// RejectionWriter appends command rejections.
type RejectionWriter struct {
	pc *ProcessingContext
}

// AppendRejection buffers a rejection of cmd. It does not answer the
// submitter; ProcessingContext.Reject does both.
func (w *RejectionWriter) AppendRejection(cmd types.Record, t types.RejectionType, reason string) types.Record {
	rec := w.pc.followUp(types.RecordTypeCommandRejection, cmd.Key, cmd.Intent, cmd.Value)
	rec.RejectionType = t
	rec.RejectionReason = reason
	w.pc.result.records = append(w.pc.result.records, rec)
	return rec
}

// ResponseWriter sets the single response of the command being processed.
// The response is only delivered after commit, and only when the command
// carries request metadata.
type ResponseWriter struct {
	pc *ProcessingContext
}

// WriteEventOnCommand answers the submitter with an event-shaped response.
func (w *ResponseWriter) WriteEventOnCommand(key int64, intent types.Intent, value types.RecordValue) {
	w.set(w.pc.followUp(types.RecordTypeEvent, key, intent, value))
}

// WriteRejectionOnCommand answers the submitter with a rejection.
func (w *ResponseWriter) WriteRejectionOnCommand(t types.RejectionType, reason string) {
	rec := w.pc.followUp(types.RecordTypeCommandRejection, w.pc.command.Key, w.pc.command.Intent, w.pc.command.Value)
	rec.RejectionType = t
	rec.RejectionReason = reason
	w.set(rec)
}

func (w *ResponseWriter) set(rec types.Record) {
	rec.RequestID = w.pc.command.RequestID
	rec.RequestStreamID = w.pc.command.RequestStreamID
	w.pc.result.response = &rec
}

// SideEffectWriter collects work that must only happen once the batch is
// durable.
type SideEffectWriter struct {
	pc *ProcessingContext
}

// Send routes cmd to another partition after commit.
func (w *SideEffectWriter) Send(partitionID int32, cmd types.Record) {
	w.pc.result.sends = append(w.pc.result.sends, outbound{partitionID: partitionID, cmd: cmd})
}

// Append runs fn after commit. Errors are logged, never retried.
func (w *SideEffectWriter) Append(fn func() error) {
	w.pc.result.sideEffects = append(w.pc.result.sideEffects, fn)
}
