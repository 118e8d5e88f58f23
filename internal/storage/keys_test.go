package storage_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochflow/internal/storage"
)

func TestLongKey_ByteOrderMatchesNumericOrder(t *testing.T) {
	vals := []int64{-1 << 62, -42, -1, 0, 1, 42, 1 << 62}
	for i := 1; i < len(vals); i++ {
		prev, cur := storage.LongKey(vals[i-1]), storage.LongKey(vals[i])
		assert.Equal(t, -1, bytes.Compare(prev, cur), "%d < %d", vals[i-1], vals[i])
	}
}

func TestKeyReader_RoundTrip(t *testing.T) {
	key := storage.NewKey().String("orderApproved").String("order-42").Long(-7).Bytes()

	r := storage.NewKeyReader(key)
	assert.Equal(t, "orderApproved", r.String())
	assert.Equal(t, "order-42", r.String())
	assert.Equal(t, int64(-7), r.Long())
	require.NoError(t, r.Err())
}

func TestKeyReader_Truncated(t *testing.T) {
	key := storage.NewKey().String("abc").Bytes()

	r := storage.NewKeyReader(key[:5])
	assert.Equal(t, "", r.String())
	assert.Error(t, r.Err())

	// The error sticks.
	assert.Equal(t, int64(0), r.Long())
	assert.Error(t, r.Err())
}

func TestStringFragment_IsSelfDelimiting(t *testing.T) {
	// "a" must not be a prefix of "ab" once encoded.
	a := storage.StringKey("a")
	ab := storage.StringKey("ab")
	assert.False(t, bytes.HasPrefix(ab, a))
}

func TestColumnFamilies_Names(t *testing.T) {
	seen := map[string]bool{}
	for _, cf := range storage.ColumnFamilies() {
		name := cf.String()
		assert.NotEqual(t, "UNKNOWN", name)
		assert.False(t, seen[name], "duplicate name %s", name)
		seen[name] = true
	}
	assert.Equal(t, "JOBS", storage.CFJobs.String())
}
