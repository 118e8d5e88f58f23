// Package message implements message correlation across partitions.
//
// Two partitions take part in every correlation:
//
//   - the message partition owns the correlation key (hash of the key) and
//     stores messages and MESSAGE_SUBSCRIPTIONs;
//   - the process partition owns the waiting element instance (encoded in
//     its key) and stores PROCESS_MESSAGE_SUBSCRIPTIONs.
//
// Protocol (→ crosses partitions, every arrow is retried until acknowledged):
//
//	process:  OPEN ─ CREATING ──→ message: MS CREATE ─ CREATED ──→ process: PMS CREATE ─ CREATED
//	message:  PUBLISH ─ PUBLISHED, MS CORRELATING ──→ process: PMS CORRELATE ─ CORRELATED ──→ message: MS CORRELATE ─ CORRELATED
//	process:  CLOSE ─ DELETING ──→ message: MS DELETE ─ DELETED ──→ process: PMS DELETE ─ DELETED
//
// Receivers are idempotent, so a checker on each side simply re-sends
// whatever has not been acknowledged within the subscription timeout.
package message

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/snehjoshi/epochflow/internal/engine"
	"github.com/snehjoshi/epochflow/internal/state"
	"github.com/snehjoshi/epochflow/internal/types"
)

// Timer names.
const (
	TTLCheckerName                 = "message-ttl"
	PendingCorrelationCheckerName  = "message-pending-correlations"
	PendingSubscriptionCheckerName = "process-pending-subscriptions"
)

// Config tunes the correlation checkers.
type Config struct {
	TTLCheckInterval          time.Duration
	SubscriptionCheckInterval time.Duration
	SubscriptionTimeout       time.Duration
	MaxCommandsInBatch        int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTLCheckInterval:          time.Minute,
		SubscriptionCheckInterval: time.Second,
		SubscriptionTimeout:       time.Second,
		MaxCommandsInBatch:        100,
	}
}

// PartitionForCorrelationKey returns the message partition of a
// correlation key. Partitions are numbered from 1.
func PartitionForCorrelationKey(correlationKey string, partitionCount int32) int32 {
	if partitionCount <= 1 {
		return 1
	}
	return int32(xxhash.Sum64String(correlationKey)%uint64(partitionCount)) + 1
}

// Register wires both sides of the protocol into reg. Every partition plays
// both roles.
func Register(reg *engine.Registry, st *state.State, cfg Config) {
	def := DefaultConfig()
	if cfg.TTLCheckInterval <= 0 {
		cfg.TTLCheckInterval = def.TTLCheckInterval
	}
	if cfg.SubscriptionCheckInterval <= 0 {
		cfg.SubscriptionCheckInterval = def.SubscriptionCheckInterval
	}
	if cfg.SubscriptionTimeout <= 0 {
		cfg.SubscriptionTimeout = def.SubscriptionTimeout
	}
	if cfg.MaxCommandsInBatch <= 0 {
		cfg.MaxCommandsInBatch = def.MaxCommandsInBatch
	}

	c := &correlator{messages: st.Messages, subscriptions: st.MessageSubscriptions}

	ms := &messageSide{st: st, correlator: c}
	reg.OnCommand(types.ValueTypeMessage, types.IntentPublish, engine.ProcessorFunc(ms.publish)).
		OnCommand(types.ValueTypeMessage, types.IntentExpire, engine.ProcessorFunc(ms.expire)).
		OnCommand(types.ValueTypeMessageSubscription, types.IntentCreate, engine.ProcessorFunc(ms.createSubscription)).
		OnCommand(types.ValueTypeMessageSubscription, types.IntentCorrelate, engine.ProcessorFunc(ms.correlateSubscription)).
		OnCommand(types.ValueTypeMessageSubscription, types.IntentReject, engine.ProcessorFunc(ms.rejectSubscription)).
		OnCommand(types.ValueTypeMessageSubscription, types.IntentDelete, engine.ProcessorFunc(ms.deleteSubscription))

	ps := &processSide{st: st}
	reg.OnCommand(types.ValueTypeProcessMessageSubscription, types.IntentOpen, engine.ProcessorFunc(ps.open)).
		OnCommand(types.ValueTypeProcessMessageSubscription, types.IntentCreate, engine.ProcessorFunc(ps.created)).
		OnCommand(types.ValueTypeProcessMessageSubscription, types.IntentCorrelate, engine.ProcessorFunc(ps.correlate)).
		OnCommand(types.ValueTypeProcessMessageSubscription, types.IntentClose, engine.ProcessorFunc(ps.close)).
		OnCommand(types.ValueTypeProcessMessageSubscription, types.IntentDelete, engine.ProcessorFunc(ps.deleted))

	registerAppliers(reg, st)

	checkers := &checkers{st: st, cfg: cfg}
	reg.OnRecovered(checkers.recovered)
}

// processPartition is the partition owning an element instance.
func processPartition(elementInstanceKey int64) int32 {
	return types.DecodePartitionID(elementInstanceKey)
}

func subscriptionID(elementInstanceKey int64, messageName string) state.SubscriptionID {
	return state.SubscriptionID{ElementInstanceKey: elementInstanceKey, MessageName: messageName}
}

// processSubscriptionValue builds the PROCESS_MESSAGE_SUBSCRIPTION value sent
// from the message partition.
func processSubscriptionValue(rec types.MessageSubscriptionRecord, messagePartition int32) *types.ProcessMessageSubscriptionRecord {
	return &types.ProcessMessageSubscriptionRecord{
		SubscriptionPartitionID: messagePartition,
		ProcessInstanceKey:      rec.ProcessInstanceKey,
		ElementInstanceKey:      rec.ElementInstanceKey,
		BpmnProcessID:           rec.BpmnProcessID,
		MessageName:             rec.MessageName,
		CorrelationKey:          rec.CorrelationKey,
		MessageKey:              rec.MessageKey,
		Interrupting:            rec.Interrupting,
		Variables:               rec.Variables,
	}
}

// messageSubscriptionValue builds the MESSAGE_SUBSCRIPTION value sent from
// the process partition.
func messageSubscriptionValue(rec types.ProcessMessageSubscriptionRecord) *types.MessageSubscriptionRecord {
	return &types.MessageSubscriptionRecord{
		ProcessInstanceKey: rec.ProcessInstanceKey,
		ElementInstanceKey: rec.ElementInstanceKey,
		BpmnProcessID:      rec.BpmnProcessID,
		MessageName:        rec.MessageName,
		CorrelationKey:     rec.CorrelationKey,
		MessageKey:         rec.MessageKey,
		Interrupting:       rec.Interrupting,
		Variables:          rec.Variables,
	}
}
