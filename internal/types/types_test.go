package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochflow/internal/types"
)

func TestPartitionKey_RoundTrip(t *testing.T) {
	for _, pid := range []int32{1, 2, 7, 1023} {
		key := types.EncodePartitionKey(pid, 42)
		assert.Equal(t, pid, types.DecodePartitionID(key))
		assert.Equal(t, int64(42), types.DecodeKeyCounter(key))
	}
}

func TestPartitionKey_OrderedWithinPartition(t *testing.T) {
	a := types.EncodePartitionKey(3, 1)
	b := types.EncodePartitionKey(3, 2)
	assert.Less(t, a, b)
}

func TestNewValue_KnownTypes(t *testing.T) {
	for _, vt := range []types.ValueType{
		types.ValueTypeJob,
		types.ValueTypeJobBatch,
		types.ValueTypeMessage,
		types.ValueTypeMessageSubscription,
		types.ValueTypeProcessMessageSubscription,
		types.ValueTypeIncident,
		types.ValueTypeProcessInstance,
		types.ValueTypeUserTask,
		types.ValueTypeProcessEvent,
	} {
		v, ok := types.NewValue(vt)
		require.True(t, ok, vt)
		assert.Equal(t, vt, v.ValueType())
	}

	_, ok := types.NewValue("NOPE")
	assert.False(t, ok)
}

func TestNewCommand(t *testing.T) {
	rec := types.NewCommand(types.NoKey, types.IntentCreate, &types.JobRecord{Type: "payment"})
	assert.True(t, rec.IsCommand())
	assert.Equal(t, types.ValueTypeJob, rec.ValueType)
	assert.Equal(t, types.NoPosition, rec.SourceRecordPosition)
	assert.False(t, rec.HasRequest())
}

func TestRecordType_String(t *testing.T) {
	assert.Equal(t, "COMMAND", types.RecordTypeCommand.String())
	assert.Equal(t, "EVENT", types.RecordTypeEvent.String())
	assert.Equal(t, "COMMAND_REJECTION", types.RecordTypeCommandRejection.String())
	assert.Equal(t, "UNKNOWN", types.RecordType(0).String())
}
