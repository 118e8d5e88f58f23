package logstream

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/snehjoshi/epochflow/internal/types"
)

// wireRecord is the MessagePack shape of a record inside a frame. The value
// is kept raw so it can be decoded into the concrete type named by ValueType.
type wireRecord struct {
	Position        int64              `msgpack:"p"`
	Source          int64              `msgpack:"s"`
	Key             int64              `msgpack:"k"`
	PartitionID     int32              `msgpack:"pid"`
	RecordType      uint8              `msgpack:"rt"`
	ValueType       string             `msgpack:"vt"`
	Intent          string             `msgpack:"i"`
	Timestamp       int64              `msgpack:"ts"`
	RejectionType   string             `msgpack:"rjt,omitempty"`
	RejectionReason string             `msgpack:"rjr,omitempty"`
	RequestID       int64              `msgpack:"rid,omitempty"`
	RequestStreamID int32              `msgpack:"rsid,omitempty"`
	Value           msgpack.RawMessage `msgpack:"v"`
}

// MarshalRecords encodes a batch of records.
func MarshalRecords(records []types.Record) ([]byte, error) {
	wire := make([]wireRecord, len(records))
	for i, r := range records {
		if r.Value == nil {
			return nil, fmt.Errorf("record %d (%s.%s) has no value", i, r.ValueType, r.Intent)
		}
		raw, err := msgpack.Marshal(r.Value)
		if err != nil {
			return nil, fmt.Errorf("encode %s value: %w", r.ValueType, err)
		}
		wire[i] = wireRecord{
			Position:        r.Position,
			Source:          r.SourceRecordPosition,
			Key:             r.Key,
			PartitionID:     r.PartitionID,
			RecordType:      uint8(r.RecordType),
			ValueType:       string(r.ValueType),
			Intent:          string(r.Intent),
			Timestamp:       r.Timestamp,
			RejectionType:   string(r.RejectionType),
			RejectionReason: r.RejectionReason,
			RequestID:       r.RequestID,
			RequestStreamID: r.RequestStreamID,
			Value:           raw,
		}
	}
	return msgpack.Marshal(wire)
}

// UnmarshalRecords decodes a batch written by MarshalRecords.
func UnmarshalRecords(data []byte) ([]types.Record, error) {
	var wire []wireRecord
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	out := make([]types.Record, len(wire))
	for i, w := range wire {
		vt := types.ValueType(w.ValueType)
		v, ok := types.NewValue(vt)
		if !ok {
			return nil, fmt.Errorf("record at %d: unknown value type %q: %w", w.Position, w.ValueType, ErrCorrupted)
		}
		if err := msgpack.Unmarshal(w.Value, v); err != nil {
			return nil, fmt.Errorf("record at %d: decode %s value: %w", w.Position, vt, err)
		}
		out[i] = types.Record{
			Position:             w.Position,
			SourceRecordPosition: w.Source,
			Key:                  w.Key,
			PartitionID:          w.PartitionID,
			RecordType:           types.RecordType(w.RecordType),
			ValueType:            vt,
			Intent:               types.Intent(w.Intent),
			Timestamp:            w.Timestamp,
			RejectionType:        types.RejectionType(w.RejectionType),
			RejectionReason:      w.RejectionReason,
			RequestID:            w.RequestID,
			RequestStreamID:      w.RequestStreamID,
			Value:                v,
		}
	}
	return out, nil
}
