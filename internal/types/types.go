// Package types contains the record model shared across all EpochFlow
// internal packages. It deliberately has zero imports of other EpochFlow
// packages so that the log, the state store and every processor can import it
// without creating import cycles.
package types

import "fmt"

// RecordType distinguishes requests, facts and refusals on the log.
type RecordType uint8

const (
	// RecordTypeCommand requests a state transition.
	RecordTypeCommand RecordType = iota + 1
	// RecordTypeEvent records that a transition happened.
	RecordTypeEvent
	// RecordTypeCommandRejection records that a requested transition was refused.
	RecordTypeCommandRejection
)

// String returns the upper-case wire name of the record type.
func (t RecordType) String() string {
	switch t {
	case RecordTypeCommand:
		return "COMMAND"
	case RecordTypeEvent:
		return "EVENT"
	case RecordTypeCommandRejection:
		return "COMMAND_REJECTION"
	default:
		return "UNKNOWN"
	}
}

// ValueType names the entity a record is about.
type ValueType string

const (
	ValueTypeJob                        ValueType = "JOB"
	ValueTypeJobBatch                   ValueType = "JOB_BATCH"
	ValueTypeMessage                    ValueType = "MESSAGE"
	ValueTypeMessageSubscription        ValueType = "MESSAGE_SUBSCRIPTION"
	ValueTypeProcessMessageSubscription ValueType = "PROCESS_MESSAGE_SUBSCRIPTION"
	ValueTypeIncident                   ValueType = "INCIDENT"
	ValueTypeProcessInstance            ValueType = "PROCESS_INSTANCE"
	ValueTypeUserTask                   ValueType = "USER_TASK"
	ValueTypeProcessEvent               ValueType = "PROCESS_EVENT"
)

// Intent is the verb of a command or event within its value type.
type Intent string

// Command intents.
const (
	IntentCreate                    Intent = "CREATE"
	IntentActivate                  Intent = "ACTIVATE"
	IntentComplete                  Intent = "COMPLETE"
	IntentFail                      Intent = "FAIL"
	IntentThrowError                Intent = "THROW_ERROR"
	IntentTimeOut                   Intent = "TIME_OUT"
	IntentUpdateRetries             Intent = "UPDATE_RETRIES"
	IntentUpdateTimeout             Intent = "UPDATE_TIMEOUT"
	IntentCancel                    Intent = "CANCEL"
	IntentPublish                   Intent = "PUBLISH"
	IntentExpire                    Intent = "EXPIRE"
	IntentCorrelate                 Intent = "CORRELATE"
	IntentReject                    Intent = "REJECT"
	IntentDelete                    Intent = "DELETE"
	IntentOpen                      Intent = "OPEN"
	IntentClose                     Intent = "CLOSE"
	IntentResolve                   Intent = "RESOLVE"
	IntentTrigger                   Intent = "TRIGGER"
	IntentCompleteElement           Intent = "COMPLETE_ELEMENT"
	IntentCompleteExecutionListener Intent = "COMPLETE_EXECUTION_LISTENER"
	IntentCompleteTaskListener      Intent = "COMPLETE_TASK_LISTENER"
)

// Event intents.
const (
	IntentCreated        Intent = "CREATED"
	IntentCreating       Intent = "CREATING"
	IntentActivated      Intent = "ACTIVATED"
	IntentCompleted      Intent = "COMPLETED"
	IntentFailed         Intent = "FAILED"
	IntentErrorThrown    Intent = "ERROR_THROWN"
	IntentTimedOut       Intent = "TIMED_OUT"
	IntentRetriesUpdated Intent = "RETRIES_UPDATED"
	IntentTimeoutUpdated Intent = "TIMEOUT_UPDATED"
	IntentCanceled       Intent = "CANCELED"
	IntentPublished      Intent = "PUBLISHED"
	IntentExpired        Intent = "EXPIRED"
	IntentCorrelating    Intent = "CORRELATING"
	IntentCorrelated     Intent = "CORRELATED"
	IntentRejected       Intent = "REJECTED"
	IntentDeleting       Intent = "DELETING"
	IntentDeleted        Intent = "DELETED"
	IntentResolved       Intent = "RESOLVED"
)

// RejectionType classifies why a command was refused.
type RejectionType string

const (
	RejectionNone            RejectionType = ""
	RejectionNotFound        RejectionType = "NOT_FOUND"
	RejectionInvalidArgument RejectionType = "INVALID_ARGUMENT"
	RejectionInvalidState    RejectionType = "INVALID_STATE"
	RejectionAlreadyExists   RejectionType = "ALREADY_EXISTS"
	RejectionUnauthorized    RejectionType = "UNAUTHORIZED"
	RejectionForbidden       RejectionType = "FORBIDDEN"
	// RejectionProcessingError is reserved for commands that hit an engine
	// error after the partition recovered.
	RejectionProcessingError RejectionType = "PROCESSING_ERROR"
)

// NoKey marks a record whose entity has no key assigned yet.
const NoKey int64 = -1

// NoPosition marks a record that was not caused by another record.
const NoPosition int64 = -1

// RecordValue is the typed payload carried by a Record.
type RecordValue interface {
	ValueType() ValueType
}

// Record is the immutable unit written to a partition log.
//
// All timestamps are UTC milliseconds since Unix epoch, taken from the
// engine clock of the partition that wrote the record.
type Record struct {
	// Position is assigned by the log on append and is strictly increasing
	// within one partition.
	Position int64 `json:"position"`

	// SourceRecordPosition is the position of the command whose processing
	// produced this record, or NoPosition for submitted commands.
	SourceRecordPosition int64 `json:"sourceRecordPosition"`

	Key         int64      `json:"key"`
	PartitionID int32      `json:"partitionId"`
	RecordType  RecordType `json:"recordType"`
	ValueType   ValueType  `json:"valueType"`
	Intent      Intent     `json:"intent"`
	Timestamp   int64      `json:"timestamp"`

	RejectionType   RejectionType `json:"rejectionType,omitempty"`
	RejectionReason string        `json:"rejectionReason,omitempty"`

	// RequestID and RequestStreamID identify the submitter waiting for a
	// response. Zero when nobody waits.
	RequestID       int64 `json:"requestId,omitempty"`
	RequestStreamID int32 `json:"requestStreamId,omitempty"`

	Value RecordValue `json:"value"`
}

// IsCommand reports whether r requests a transition.
func (r Record) IsCommand() bool { return r.RecordType == RecordTypeCommand }

// IsEvent reports whether r records a transition.
func (r Record) IsEvent() bool { return r.RecordType == RecordTypeEvent }

// IsRejection reports whether r records a refused command.
func (r Record) IsRejection() bool { return r.RecordType == RecordTypeCommandRejection }

// HasRequest reports whether a submitter is waiting for the outcome of r.
func (r Record) HasRequest() bool { return r.RequestID != 0 }

// String renders a short human-readable summary, used in logs and the CLI.
func (r Record) String() string {
	s := fmt.Sprintf("%d %s %s.%s key=%d src=%d", r.Position, r.RecordType, r.ValueType, r.Intent, r.Key, r.SourceRecordPosition)
	if r.IsRejection() {
		s += fmt.Sprintf(" rejection=%s %q", r.RejectionType, r.RejectionReason)
	}
	return s
}

// NewCommand returns a command record for value. Position, partition and
// timestamp are filled in by whoever appends it.
func NewCommand(key int64, intent Intent, value RecordValue) Record {
	return Record{
		SourceRecordPosition: NoPosition,
		Key:                  key,
		RecordType:           RecordTypeCommand,
		ValueType:            value.ValueType(),
		Intent:               intent,
		Value:                value,
	}
}

// NewValue returns a pointer to an empty value of the given type, ready to be
// decoded into. ok is false for unknown value types.
func NewValue(vt ValueType) (v RecordValue, ok bool) {
	switch vt {
	case ValueTypeJob:
		return &JobRecord{}, true
	case ValueTypeJobBatch:
		return &JobBatchRecord{}, true
	case ValueTypeMessage:
		return &MessageRecord{}, true
	case ValueTypeMessageSubscription:
		return &MessageSubscriptionRecord{}, true
	case ValueTypeProcessMessageSubscription:
		return &ProcessMessageSubscriptionRecord{}, true
	case ValueTypeIncident:
		return &IncidentRecord{}, true
	case ValueTypeProcessInstance:
		return &ProcessInstanceRecord{}, true
	case ValueTypeUserTask:
		return &UserTaskRecord{}, true
	case ValueTypeProcessEvent:
		return &ProcessEventRecord{}, true
	}
	return nil, false
}
