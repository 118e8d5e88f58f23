package types

import "encoding/json"

// JobKind tells the completion path which lifecycle owns the job.
type JobKind string

const (
	JobKindBPMNTask          JobKind = "BPMN_TASK"
	JobKindExecutionListener JobKind = "EXECUTION_LISTENER"
	JobKindTaskListener      JobKind = "TASK_LISTENER"
)

// JobState is the persisted lifecycle state of a job.
type JobState string

const (
	JobStateNotFound    JobState = ""
	JobStateActivatable JobState = "ACTIVATABLE"
	JobStateActivated   JobState = "ACTIVATED"
	JobStateFailed      JobState = "FAILED"
	JobStateErrorThrown JobState = "ERROR_THROWN"
)

// JobRecord is the value of JOB records.
type JobRecord struct {
	Type          string            `json:"type" msgpack:"type"`
	Worker        string            `json:"worker,omitempty" msgpack:"worker,omitempty"`
	Retries       int32             `json:"retries" msgpack:"retries"`
	Deadline      int64             `json:"deadline" msgpack:"deadline"`
	Timeout       int64             `json:"timeout,omitempty" msgpack:"timeout,omitempty"`
	Variables     json.RawMessage   `json:"variables,omitempty" msgpack:"variables,omitempty"`
	CustomHeaders map[string]string `json:"customHeaders,omitempty" msgpack:"custom_headers,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty" msgpack:"error_message,omitempty"`
	ErrorCode     string            `json:"errorCode,omitempty" msgpack:"error_code,omitempty"`

	// Back-references to the process element that created the job. Lookup only.
	ElementInstanceKey int64   `json:"elementInstanceKey,omitempty" msgpack:"element_instance_key,omitempty"`
	ProcessInstanceKey int64   `json:"processInstanceKey,omitempty" msgpack:"process_instance_key,omitempty"`
	BpmnProcessID      string  `json:"bpmnProcessId,omitempty" msgpack:"bpmn_process_id,omitempty"`
	ElementID          string  `json:"elementId,omitempty" msgpack:"element_id,omitempty"`
	Kind               JobKind `json:"jobKind,omitempty" msgpack:"kind,omitempty"`
}

func (*JobRecord) ValueType() ValueType { return ValueTypeJob }

// JobBatchRecord is the value of JOB_BATCH records. The command carries the
// request fields, the ACTIVATED event additionally carries the jobs.
type JobBatchRecord struct {
	Type              string      `json:"type" msgpack:"type"`
	Worker            string      `json:"worker" msgpack:"worker"`
	Timeout           int64       `json:"timeout" msgpack:"timeout"`
	MaxJobsToActivate int32       `json:"maxJobsToActivate" msgpack:"max_jobs"`
	JobKeys           []int64     `json:"jobKeys" msgpack:"job_keys"`
	Jobs              []JobRecord `json:"jobs" msgpack:"jobs"`
	Truncated         bool        `json:"truncated,omitempty" msgpack:"truncated,omitempty"`
}

func (*JobBatchRecord) ValueType() ValueType { return ValueTypeJobBatch }

// MessageRecord is the value of MESSAGE records.
type MessageRecord struct {
	Name           string          `json:"name" msgpack:"name"`
	CorrelationKey string          `json:"correlationKey" msgpack:"correlation_key"`
	TimeToLive     int64           `json:"timeToLive" msgpack:"ttl"`
	Deadline       int64           `json:"deadline" msgpack:"deadline"`
	Variables      json.RawMessage `json:"variables,omitempty" msgpack:"variables,omitempty"`
	MessageID      string          `json:"messageId,omitempty" msgpack:"message_id,omitempty"`
}

func (*MessageRecord) ValueType() ValueType { return ValueTypeMessage }

// MessageSubscriptionRecord is the value of MESSAGE_SUBSCRIPTION records,
// owned by the partition of the correlation key.
type MessageSubscriptionRecord struct {
	ProcessInstanceKey int64           `json:"processInstanceKey" msgpack:"process_instance_key"`
	ElementInstanceKey int64           `json:"elementInstanceKey" msgpack:"element_instance_key"`
	BpmnProcessID      string          `json:"bpmnProcessId" msgpack:"bpmn_process_id"`
	MessageName        string          `json:"messageName" msgpack:"message_name"`
	CorrelationKey     string          `json:"correlationKey" msgpack:"correlation_key"`
	MessageKey         int64           `json:"messageKey" msgpack:"message_key"`
	Interrupting       bool            `json:"interrupting" msgpack:"interrupting"`
	Variables          json.RawMessage `json:"variables,omitempty" msgpack:"variables,omitempty"`
}

func (*MessageSubscriptionRecord) ValueType() ValueType { return ValueTypeMessageSubscription }

// ProcessMessageSubscriptionRecord is the value of
// PROCESS_MESSAGE_SUBSCRIPTION records, owned by the partition of the
// subscribing element instance.
type ProcessMessageSubscriptionRecord struct {
	SubscriptionPartitionID int32           `json:"subscriptionPartitionId" msgpack:"subscription_partition_id"`
	ProcessInstanceKey      int64           `json:"processInstanceKey" msgpack:"process_instance_key"`
	ElementInstanceKey      int64           `json:"elementInstanceKey" msgpack:"element_instance_key"`
	BpmnProcessID           string          `json:"bpmnProcessId" msgpack:"bpmn_process_id"`
	ElementID               string          `json:"elementId,omitempty" msgpack:"element_id,omitempty"`
	MessageName             string          `json:"messageName" msgpack:"message_name"`
	CorrelationKey          string          `json:"correlationKey" msgpack:"correlation_key"`
	MessageKey              int64           `json:"messageKey" msgpack:"message_key"`
	Interrupting            bool            `json:"interrupting" msgpack:"interrupting"`
	Variables               json.RawMessage `json:"variables,omitempty" msgpack:"variables,omitempty"`
}

func (*ProcessMessageSubscriptionRecord) ValueType() ValueType {
	return ValueTypeProcessMessageSubscription
}

// Incident error types.
const (
	ErrorTypeJobNoRetries   = "JOB_NO_RETRIES"
	ErrorTypeUnhandledError = "UNHANDLED_ERROR_EVENT"
)

// IncidentRecord is the value of INCIDENT records.
type IncidentRecord struct {
	ErrorType          string `json:"errorType" msgpack:"error_type"`
	ErrorMessage       string `json:"errorMessage,omitempty" msgpack:"error_message,omitempty"`
	JobKey             int64  `json:"jobKey" msgpack:"job_key"`
	ElementInstanceKey int64  `json:"elementInstanceKey,omitempty" msgpack:"element_instance_key,omitempty"`
	ProcessInstanceKey int64  `json:"processInstanceKey,omitempty" msgpack:"process_instance_key,omitempty"`
	BpmnProcessID      string `json:"bpmnProcessId,omitempty" msgpack:"bpmn_process_id,omitempty"`
}

func (*IncidentRecord) ValueType() ValueType { return ValueTypeIncident }

// ProcessInstanceRecord carries element lifecycle commands addressed to the
// process execution, which lives outside this engine.
type ProcessInstanceRecord struct {
	ProcessInstanceKey int64           `json:"processInstanceKey" msgpack:"process_instance_key"`
	BpmnProcessID      string          `json:"bpmnProcessId,omitempty" msgpack:"bpmn_process_id,omitempty"`
	ElementID          string          `json:"elementId,omitempty" msgpack:"element_id,omitempty"`
	Variables          json.RawMessage `json:"variables,omitempty" msgpack:"variables,omitempty"`
}

func (*ProcessInstanceRecord) ValueType() ValueType { return ValueTypeProcessInstance }

// UserTaskRecord carries user task lifecycle commands.
type UserTaskRecord struct {
	ElementInstanceKey int64           `json:"elementInstanceKey" msgpack:"element_instance_key"`
	ProcessInstanceKey int64           `json:"processInstanceKey" msgpack:"process_instance_key"`
	BpmnProcessID      string          `json:"bpmnProcessId,omitempty" msgpack:"bpmn_process_id,omitempty"`
	ElementID          string          `json:"elementId,omitempty" msgpack:"element_id,omitempty"`
	Variables          json.RawMessage `json:"variables,omitempty" msgpack:"variables,omitempty"`
}

func (*UserTaskRecord) ValueType() ValueType { return ValueTypeUserTask }

// ProcessEventRecord asks the process execution to trigger a catch event.
type ProcessEventRecord struct {
	ScopeKey           int64           `json:"scopeKey" msgpack:"scope_key"`
	ProcessInstanceKey int64           `json:"processInstanceKey" msgpack:"process_instance_key"`
	TargetElementID    string          `json:"targetElementId,omitempty" msgpack:"target_element_id,omitempty"`
	MessageName        string          `json:"messageName,omitempty" msgpack:"message_name,omitempty"`
	MessageKey         int64           `json:"messageKey" msgpack:"message_key"`
	Variables          json.RawMessage `json:"variables,omitempty" msgpack:"variables,omitempty"`
}

func (*ProcessEventRecord) ValueType() ValueType { return ValueTypeProcessEvent }
