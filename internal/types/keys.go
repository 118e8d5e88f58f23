package types

// Entity keys embed the partition that generated them in their upper bits so
// that any partition can route a command to the owner of a key without a
// lookup.
const (
	keyPartitionBits = 51
	keyCounterMask   = int64(1)<<keyPartitionBits - 1
)

// EncodePartitionKey combines a partition id and a per-partition counter.
func EncodePartitionKey(partitionID int32, counter int64) int64 {
	return int64(partitionID)<<keyPartitionBits + (counter & keyCounterMask)
}

// DecodePartitionID returns the partition that generated key.
func DecodePartitionID(key int64) int32 {
	return int32(key >> keyPartitionBits)
}

// DecodeKeyCounter returns the per-partition counter part of key.
func DecodeKeyCounter(key int64) int64 {
	return key & keyCounterMask
}
