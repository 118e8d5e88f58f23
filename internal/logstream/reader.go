package logstream

import (
	"fmt"

	"github.com/snehjoshi/epochflow/internal/types"
)

// Reader iterates the records of a log in position order. It only sees
// frames that were completely written before the call to Next, so it never
// observes half a batch. A Reader is not safe for concurrent use; every
// consumer opens its own.
type Reader struct {
	log     *Log
	offset  int64
	pending []types.Record
}

// NewReader returns a reader positioned before the first record.
func (l *Log) NewReader() *Reader { return &Reader{log: l} }

// Next returns the next record. ok is false when the reader caught up with
// the end of the log; calling Next again after an append continues from
// where it stopped.
func (r *Reader) Next() (rec types.Record, ok bool, err error) {
	if len(r.pending) == 0 {
		if err := r.fill(); err != nil {
			return types.Record{}, false, err
		}
		if len(r.pending) == 0 {
			return types.Record{}, false, nil
		}
	}
	rec = r.pending[0]
	r.pending = r.pending[1:]
	return rec, true, nil
}

// HasNext reports whether a record is available without consuming it.
func (r *Reader) HasNext() bool {
	return len(r.pending) > 0 || r.offset < r.log.size.Load()
}

// Seek positions the reader so that the next record returned has a position
// greater than or equal to position. Whole frames before it are skipped
// without decoding.
func (r *Reader) Seek(position int64) error {
	r.offset = 0
	r.pending = nil

	limit := r.log.size.Load()
	for r.offset < limit {
		hdr, frameLen, err := readFrameHeader(r.log.file, r.offset, limit, false)
		if err != nil {
			return fmt.Errorf("log: seek to %d: %w", position, err)
		}
		if hdr.firstPos+int64(hdr.count) > position {
			break
		}
		r.offset += frameLen
	}

	if err := r.fill(); err != nil {
		return err
	}
	for len(r.pending) > 0 && r.pending[0].Position < position {
		r.pending = r.pending[1:]
	}
	return nil
}

// fill decodes the frame at the current offset, if a complete one exists.
func (r *Reader) fill() error {
	limit := r.log.size.Load()
	if r.offset >= limit {
		return nil
	}
	body, frameLen, err := readFrameBody(r.log.file, r.offset, limit, true)
	if err != nil {
		return fmt.Errorf("log: read: %w", err)
	}
	br := &byteReader{buf: body[:len(body)-checksumSize]}
	br.readByte()
	br.readInt64()
	br.readUint32()

	records, err := UnmarshalRecords(br.rest())
	if err != nil {
		return fmt.Errorf("log: decode frame at %d: %w", r.offset, err)
	}
	r.offset += frameLen
	r.pending = records
	return nil
}

// ReadAll calls fn for every record currently in the log, in order.
// Iteration stops early if fn returns a non-nil error.
func (l *Log) ReadAll(fn func(rec types.Record) error) error {
	r := l.NewReader()
	for {
		rec, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
