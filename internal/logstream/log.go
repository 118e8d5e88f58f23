// Package logstream provides the append-only, per-partition record log.
//
// The log is the source of truth of a partition: commands are appended by
// submitters, the stream processor reads them in order and appends the
// resulting records as one batch. State can always be rebuilt by replaying
// the log.
package logstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/epochflow/internal/types"
)

// LogFileName is the file name of the log inside a partition dir.
const LogFileName = "log.dat"

// logVersion identifies the binary format written to log.dat.
// Increment this if the on-disk format ever changes; old files will be
// rejected rather than silently misread.
const logVersion uint8 = 1

// ErrCorrupted is returned when a frame fails its checksum.
var ErrCorrupted = errors.New("logstream: frame corrupted")

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("logstream: closed")

// Each Append writes one frame holding a whole batch of records:
//
//	[totalLen : 4 bytes, uint32, big-endian]
//	[version  : 1 byte]
//	[firstPos : 8 bytes, int64]    ← position of the first record in the batch
//	[count    : 4 bytes, uint32]   ← number of records in the batch
//	[payload  : MessagePack array of records]
//	[checksum : 4 bytes, uint32, CRC32 of everything after totalLen]
//
// A frame is all-or-nothing: a torn trailing frame from a crash mid-write
// fails its checksum and is cut off on the next Open, so a batch of records
// produced by one command is either fully in the log or not at all.
const (
	lenPrefixSize   = 4
	frameHeaderSize = 1 + 8 + 4
	checksumSize    = 4
)

// FsyncPolicy controls when appends are flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // fsync after every append (safest, slowest)
	FsyncInterval FsyncPolicy = "interval" // fsync every FsyncInterval
	FsyncBatch    FsyncPolicy = "batch"    // fsync after every FsyncBatchSize appends
	FsyncNever    FsyncPolicy = "never"    // never fsync (fastest, risks data loss)
)

// Config holds options that tune the log. Zero values fall back to
// DefaultConfig.
type Config struct {
	Fsync          FsyncPolicy
	FsyncInterval  time.Duration
	FsyncBatchSize int
	Logger         *slog.Logger
}

// DefaultConfig returns production-safe defaults.
func DefaultConfig() Config {
	return Config{
		Fsync:          FsyncInterval,
		FsyncInterval:  200 * time.Millisecond,
		FsyncBatchSize: 64,
	}
}

// Log is an append-only file of record batches.
//
// Append is safe for concurrent use. Readers only ever see complete frames.
type Log struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	partitionID  int32
	cfg          Config
	logger       *slog.Logger
	nextPosition int64
	writeCount   int
	listeners    []chan struct{}
	closed       bool

	// size is the byte length of all complete frames; readers never read past it.
	size atomic.Int64
	// lastPosition mirrors nextPosition-1 for lock-free readers.
	lastPosition atomic.Int64

	fsyncDone chan struct{}
	fsyncWG   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the log at path for the given partition.
// It scans existing frames to restore the next position and truncates a torn
// trailing frame left behind by a crash.
func Open(path string, partitionID int32, cfgs ...Config) (*Log, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		// Merge: only override fields that were explicitly set.
		c := cfgs[0]
		if c.Fsync != "" {
			cfg.Fsync = c.Fsync
		}
		if c.FsyncInterval > 0 {
			cfg.FsyncInterval = c.FsyncInterval
		}
		if c.FsyncBatchSize > 0 {
			cfg.FsyncBatchSize = c.FsyncBatchSize
		}
		cfg.Logger = c.Logger
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("log: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("log: open %s: %w", path, err)
	}

	l := &Log{
		file:         f,
		path:         path,
		partitionID:  partitionID,
		cfg:          cfg,
		logger:       logger.With("partition", partitionID),
		nextPosition: 1,
	}

	if err := l.recover(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("log: recover %s: %w", path, err)
	}

	l.startFsync()
	return l, nil
}

// recover walks the frames, restores nextPosition and cuts a torn tail.
func (l *Log) recover() error {
	st, err := l.file.Stat()
	if err != nil {
		return err
	}
	fileSize := st.Size()

	var offset int64
	for offset < fileSize {
		hdr, frameLen, err := readFrameHeader(l.file, offset, fileSize, true)
		if err != nil {
			if !errors.Is(err, ErrCorrupted) {
				return err
			}
			l.logger.Warn("log: truncating torn tail",
				"path", l.path, "offset", offset, "file_size", fileSize, "err", err)
			if err := l.file.Truncate(offset); err != nil {
				return fmt.Errorf("truncate at %d: %w", offset, err)
			}
			break
		}
		l.nextPosition = hdr.firstPos + int64(hdr.count)
		offset += frameLen
	}

	l.size.Store(offset)
	l.lastPosition.Store(l.nextPosition - 1)
	return nil
}

// Append assigns consecutive positions to records (in place), stamps the
// partition id and writes them as one atomic frame. It returns the position
// of the last record.
func (l *Log) Append(records []types.Record) (int64, error) {
	if len(records) == 0 {
		return l.LastPosition(), nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}

	first := l.nextPosition
	for i := range records {
		records[i].Position = first + int64(i)
		records[i].PartitionID = l.partitionID
	}

	frame, err := encodeFrame(records, first)
	if err != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("log: encode: %w", err)
	}

	offset := l.size.Load()
	if _, err := l.file.WriteAt(frame, offset); err != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("log: write frame at %d: %w", offset, err)
	}

	l.writeCount++
	if l.cfg.Fsync == FsyncAlways ||
		(l.cfg.Fsync == FsyncBatch && l.writeCount%l.cfg.FsyncBatchSize == 0) {
		if err := l.file.Sync(); err != nil {
			l.mu.Unlock()
			return 0, fmt.Errorf("log: sync: %w", err)
		}
	}

	l.nextPosition = first + int64(len(records))
	last := l.nextPosition - 1
	l.size.Store(offset + int64(len(frame)))
	l.lastPosition.Store(last)
	listeners := l.listeners
	l.mu.Unlock()

	// Non-blocking: if a signal is already pending the listener will wake soon.
	for _, ch := range listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return last, nil
}

// LastPosition returns the position of the newest record, or 0 when empty.
func (l *Log) LastPosition() int64 { return l.lastPosition.Load() }

// PartitionID returns the partition this log belongs to.
func (l *Log) PartitionID() int32 { return l.partitionID }

// Path returns the filesystem path of this log file.
func (l *Log) Path() string { return l.path }

// Listen returns a channel that receives a signal after every append. The
// channel has capacity 1, so bursts coalesce into a single wakeup.
func (l *Log) Listen() <-chan struct{} {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	l.listeners = append(l.listeners, ch)
	l.mu.Unlock()
	return ch
}

// Sync flushes the OS file buffer to physical disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.file.Sync()
}

// Close stops the fsync goroutine, flushes and closes the file. Safe to call
// more than once.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		if l.fsyncDone != nil {
			close(l.fsyncDone)
			l.fsyncWG.Wait()
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		l.closed = true
		if err := l.file.Sync(); err != nil {
			l.closeErr = fmt.Errorf("log: sync: %w", err)
		}
		if err := l.file.Close(); err != nil && l.closeErr == nil {
			l.closeErr = err
		}
	})
	return l.closeErr
}

func (l *Log) startFsync() {
	if l.cfg.Fsync != FsyncInterval {
		return
	}
	l.fsyncDone = make(chan struct{})
	ticker := time.NewTicker(l.cfg.FsyncInterval)

	l.fsyncWG.Add(1)
	go func() {
		defer l.fsyncWG.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.Sync(); err != nil && !errors.Is(err, ErrClosed) {
					l.logger.Warn("log: periodic fsync failed", "err", err)
				}
			case <-l.fsyncDone:
				return
			}
		}
	}()
}

// ---- frame encoding -----------------------------------------------------------

type frameHeader struct {
	firstPos int64
	count    uint32
}

func encodeFrame(records []types.Record, firstPos int64) ([]byte, error) {
	payload, err := MarshalRecords(records)
	if err != nil {
		return nil, err
	}

	bodyLen := frameHeaderSize + len(payload) + checksumSize
	w := &byteWriter{buf: make([]byte, 0, lenPrefixSize+bodyLen)}
	w.writeUint32(uint32(bodyLen))
	w.writeByte(logVersion)
	w.writeInt64(firstPos)
	w.writeUint32(uint32(len(records)))
	w.write(payload)
	w.writeUint32(crc32.ChecksumIEEE(w.buf[lenPrefixSize:]))
	return w.buf, nil
}

// readFrameHeader reads the frame at offset without decoding its records.
// With verify set the whole body is read and its checksum checked.
// frameLen includes the length prefix.
func readFrameHeader(f *os.File, offset, limit int64, verify bool) (frameHeader, int64, error) {
	body, frameLen, err := readFrameBody(f, offset, limit, verify)
	if err != nil {
		return frameHeader{}, 0, err
	}
	r := &byteReader{buf: body}
	if v := r.readByte(); v != logVersion {
		return frameHeader{}, 0, fmt.Errorf("unsupported version %d: %w", v, ErrCorrupted)
	}
	return frameHeader{firstPos: r.readInt64(), count: r.readUint32()}, frameLen, nil
}

// readFrameBody returns the bytes after the length prefix. Without full the
// body is cut to the header, which is enough to skip a frame.
func readFrameBody(f *os.File, offset, limit int64, full bool) ([]byte, int64, error) {
	if limit-offset < lenPrefixSize {
		return nil, 0, fmt.Errorf("short length prefix at %d: %w", offset, ErrCorrupted)
	}
	var lenBuf [lenPrefixSize]byte
	if _, err := f.ReadAt(lenBuf[:], offset); err != nil {
		return nil, 0, fmt.Errorf("read length prefix at %d: %w", offset, err)
	}
	bodyLen := int64(binary.BigEndian.Uint32(lenBuf[:]))
	if bodyLen < frameHeaderSize+checksumSize || offset+lenPrefixSize+bodyLen > limit {
		return nil, 0, fmt.Errorf("frame at %d overruns log (len %d): %w", offset, bodyLen, ErrCorrupted)
	}

	n := bodyLen
	if !full {
		n = frameHeaderSize
	}
	body := make([]byte, n)
	if _, err := f.ReadAt(body, offset+lenPrefixSize); err != nil {
		return nil, 0, fmt.Errorf("read frame at %d: %w", offset, err)
	}
	if full {
		stored := binary.BigEndian.Uint32(body[len(body)-checksumSize:])
		computed := crc32.ChecksumIEEE(body[:len(body)-checksumSize])
		if stored != computed {
			return nil, 0, fmt.Errorf("checksum mismatch at %d (stored=%x computed=%x): %w",
				offset, stored, computed, ErrCorrupted)
		}
	}
	return body, lenPrefixSize + bodyLen, nil
}

// ---- minimal byte-level writer / reader ------------------------------------

type byteWriter struct{ buf []byte }

func (w *byteWriter) writeByte(v byte)     { w.buf = append(w.buf, v) }
func (w *byteWriter) write(v []byte)       { w.buf = append(w.buf, v...) }
func (w *byteWriter) writeUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *byteWriter) writeInt64(v int64)   { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

type byteReader struct {
	buf    []byte
	offset int
}

func (r *byteReader) readByte() byte {
	v := r.buf[r.offset]
	r.offset++
	return v
}
func (r *byteReader) rest() []byte { return r.buf[r.offset:] }
func (r *byteReader) readUint32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.offset:])
	r.offset += 4
	return v
}
func (r *byteReader) readInt64() int64 {
	v := binary.BigEndian.Uint64(r.buf[r.offset:])
	r.offset += 8
	return int64(v)
}
