// Package exporter streams committed records of a partition to external
// sinks.
//
// A Director runs on its own goroutine per partition. It reads the log with
// a private reader, never past the committed position of the processor, and
// hands every record to the exporter in position order. Delivery is at least
// once: after a restart the director resumes from the position the exporter
// reports, so an exporter must tolerate seeing a record twice.
package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/snehjoshi/epochflow/internal/logstream"
	"github.com/snehjoshi/epochflow/internal/metrics"
	"github.com/snehjoshi/epochflow/internal/types"
)

// Exporter is a sink for committed records.
type Exporter interface {
	// Name identifies the exporter in logs and metrics.
	Name() string

	// Open prepares the sink. It is called once before any other method.
	Open(ctx context.Context) error

	// Position returns the last position exported for partitionID, or
	// types.NoPosition when nothing was exported yet.
	Position(ctx context.Context, partitionID int32) (int64, error)

	// Export stores rec. It may be called concurrently for different
	// partitions.
	Export(ctx context.Context, rec types.Record) error

	Close() error
}

// Source is the partition side of a director.
type Source interface {
	ID() int32
	NewReader() *logstream.Reader
	CommittedPosition() int64
	ListenCommitted() <-chan struct{}
}

// RetryInterval is how long a director waits after a failed export.
const RetryInterval = time.Second

// Director feeds one partition into one exporter.
type Director struct {
	src     Source
	exp     Exporter
	metrics *metrics.Collector
	logger  *slog.Logger
	retry   time.Duration

	position int64
	// held is a record read ahead of the committed position.
	held *types.Record
}

// NewDirector returns a director of src into exp. m may be nil.
func NewDirector(src Source, exp Exporter, m *metrics.Collector, logger *slog.Logger) *Director {
	if logger == nil {
		logger = slog.Default()
	}
	return &Director{
		src:      src,
		exp:      exp,
		metrics:  m,
		logger:   logger.With("partition", src.ID(), "exporter", exp.Name()),
		retry:    RetryInterval,
		position: types.NoPosition,
	}
}

// Position returns the last position handed to the exporter successfully.
// Only meaningful after Run or Drain returned.
func (d *Director) Position() int64 { return d.position }

// Run exports until ctx is done. It returns ctx.Err() on shutdown and a
// non-nil error only if the exporter position cannot be read.
func (d *Director) Run(ctx context.Context) error {
	reader, err := d.resume(ctx)
	if err != nil {
		return err
	}
	signal := d.src.ListenCommitted()
	for {
		if err := d.drain(ctx, reader); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("export failed, retrying", "position", d.position+1, "err", err)
			t := time.NewTimer(d.retry)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			// Re-read from the last exported position.
			if reader, err = d.seek(d.position + 1); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-signal:
		}
	}
}

// Drain exports everything committed so far and returns.
func (d *Director) Drain(ctx context.Context) error {
	reader, err := d.resume(ctx)
	if err != nil {
		return err
	}
	return d.drain(ctx, reader)
}

func (d *Director) resume(ctx context.Context) (*logstream.Reader, error) {
	pos, err := d.exp.Position(ctx, d.src.ID())
	if err != nil {
		return nil, fmt.Errorf("exporter %s: read position of partition %d: %w", d.exp.Name(), d.src.ID(), err)
	}
	d.position = pos
	return d.seek(pos + 1)
}

func (d *Director) seek(position int64) (*logstream.Reader, error) {
	d.held = nil
	r := d.src.NewReader()
	if err := r.Seek(position); err != nil {
		return nil, fmt.Errorf("exporter %s: seek partition %d: %w", d.exp.Name(), d.src.ID(), err)
	}
	return r, nil
}

func (d *Director) drain(ctx context.Context, r *logstream.Reader) error {
	committed := d.src.CommittedPosition()
	n := 0
	defer func() {
		if n > 0 {
			d.metrics.RecordExported(d.exp.Name(), d.src.ID(), n)
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.held == nil {
			rec, ok, err := r.Next()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			d.held = &rec
		}
		if d.held.Position > committed {
			return nil
		}
		if err := d.exp.Export(ctx, *d.held); err != nil {
			return err
		}
		d.position = d.held.Position
		d.held = nil
		n++
	}
}
