package storage

// ColumnFamily is a logical key namespace inside the one physical store.
type ColumnFamily uint8

const (
	CFDefault ColumnFamily = iota
	CFKey
	CFLastProcessedPosition

	CFJobs
	CFJobStates
	CFJobDeadlines
	CFJobActivatable

	CFMessages
	CFMessageIDs
	CFMessageDeadlines
	CFMessagesByNameAndCorrelationKey
	CFMessageCorrelated

	CFMessageSubscriptionByKey
	CFMessageSubscriptionByNameAndCorrelationKey
	CFMessageSubscriptionByElementAndName

	CFProcessSubscriptionByElementAndName

	CFIncidents
	CFIncidentJobs

	numColumnFamilies
)

var columnFamilyNames = [numColumnFamilies]string{
	CFDefault:               "DEFAULT",
	CFKey:                   "KEY",
	CFLastProcessedPosition: "LAST_PROCESSED_POSITION",

	CFJobs:           "JOBS",
	CFJobStates:      "JOB_STATES",
	CFJobDeadlines:   "JOB_DEADLINES",
	CFJobActivatable: "JOB_ACTIVATABLE",

	CFMessages:                        "MESSAGES",
	CFMessageIDs:                      "MESSAGE_IDS",
	CFMessageDeadlines:                "MESSAGE_DEADLINES",
	CFMessagesByNameAndCorrelationKey: "MESSAGES_BY_NAME_AND_CORRELATION_KEY",
	CFMessageCorrelated:               "MESSAGE_CORRELATED",

	CFMessageSubscriptionByKey:                   "MESSAGE_SUBSCRIPTION_BY_KEY",
	CFMessageSubscriptionByNameAndCorrelationKey: "MESSAGE_SUBSCRIPTION_BY_NAME_AND_CORRELATION_KEY",
	CFMessageSubscriptionByElementAndName:        "MESSAGE_SUBSCRIPTION_BY_ELEMENT_AND_NAME",

	CFProcessSubscriptionByElementAndName: "PROCESS_SUBSCRIPTION_BY_ELEMENT_AND_NAME",

	CFIncidents:    "INCIDENTS",
	CFIncidentJobs: "INCIDENT_JOBS",
}

// String returns the upper-case name, which is also the bucket name.
func (cf ColumnFamily) String() string {
	if cf < numColumnFamilies {
		return columnFamilyNames[cf]
	}
	return "UNKNOWN"
}

// ColumnFamilies returns every column family in declaration order.
func ColumnFamilies() []ColumnFamily {
	out := make([]ColumnFamily, 0, numColumnFamilies)
	for cf := ColumnFamily(0); cf < numColumnFamilies; cf++ {
		out = append(out, cf)
	}
	return out
}
