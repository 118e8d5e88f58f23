package storage

import (
	"encoding/binary"
	"fmt"
)

// Composite keys are built by concatenating typed fragments:
//
//	Long   : 8 bytes, big-endian, sign bit flipped so byte order == numeric order
//	String : [len : 4 bytes, uint32, big-endian][bytes]
//
// Every fragment is self-delimiting, so a key built from the first n
// fragments is a prefix of every key that shares them. Prefix iteration on
// such a key yields "all entities under X".

const signBit = uint64(1) << 63

// KeyWriter appends fragments to a key.
type KeyWriter struct{ buf []byte }

// NewKey returns an empty KeyWriter.
func NewKey() *KeyWriter { return &KeyWriter{buf: make([]byte, 0, 32)} }

// Long appends an ordered int64 fragment.
func (w *KeyWriter) Long(v int64) *KeyWriter {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)^signBit)
	return w
}

// String appends a length-prefixed string fragment.
func (w *KeyWriter) String(s string) *KeyWriter {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// Bytes returns the encoded key.
func (w *KeyWriter) Bytes() []byte { return w.buf }

// LongKey is a shortcut for a key made of one Long fragment.
func LongKey(v int64) []byte { return NewKey().Long(v).Bytes() }

// StringKey is a shortcut for a key made of one String fragment.
func StringKey(s string) []byte { return NewKey().String(s).Bytes() }

// KeyReader decodes fragments in the order they were written. The first
// decoding error sticks and is reported by Err.
type KeyReader struct {
	buf    []byte
	offset int
	err    error
}

// NewKeyReader returns a reader over key.
func NewKeyReader(key []byte) *KeyReader { return &KeyReader{buf: key} }

// Long decodes the next Long fragment.
func (r *KeyReader) Long() int64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.offset:]) ^ signBit
	r.offset += 8
	return int64(v)
}

// String decodes the next String fragment.
func (r *KeyReader) String() string {
	if !r.need(4) {
		return ""
	}
	n := int(binary.BigEndian.Uint32(r.buf[r.offset:]))
	r.offset += 4
	if !r.need(n) {
		return ""
	}
	s := string(r.buf[r.offset : r.offset+n])
	r.offset += n
	return s
}

// Err returns the first decoding error, if any.
func (r *KeyReader) Err() error { return r.err }

func (r *KeyReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf)-r.offset < n {
		r.err = fmt.Errorf("storage: key truncated at offset %d (need %d of %d bytes)", r.offset, n, len(r.buf))
		return false
	}
	return true
}
