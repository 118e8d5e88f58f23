// Package partition assembles one partition: its log, its state store, its
// stream processor and the job, message and incident registrations.
//
// On disk a partition lives in its own directory:
//
//	<dataDir>/partitions/<id>/log.dat    the record log, source of truth
//	<dataDir>/partitions/<id>/state.db   the state store, rebuildable by replay
package partition

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"github.com/snehjoshi/epochflow/internal/clock"
	"github.com/snehjoshi/epochflow/internal/engine"
	"github.com/snehjoshi/epochflow/internal/incident"
	"github.com/snehjoshi/epochflow/internal/job"
	"github.com/snehjoshi/epochflow/internal/logstream"
	"github.com/snehjoshi/epochflow/internal/message"
	"github.com/snehjoshi/epochflow/internal/metrics"
	"github.com/snehjoshi/epochflow/internal/state"
	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/storage/local"
	"github.com/snehjoshi/epochflow/internal/types"
)

// Config describes one partition.
type Config struct {
	ID    int32
	Count int32

	// DataDir is the node data directory; the partition uses Dir(DataDir, ID).
	DataDir string

	Log         logstream.Config
	StateNoSync bool

	Job     job.Config
	Message message.Config

	Clock           clock.Clock
	Sender          engine.Sender
	RequestStreamID int32
	Metrics         *metrics.Collector
	Logger          *slog.Logger
}

// Dir returns the directory of partition id under dataDir.
func Dir(dataDir string, id int32) string {
	return filepath.Join(dataDir, "partitions", strconv.Itoa(int(id)))
}

// Partition is an opened partition. Its processor is created but not yet
// recovered.
type Partition struct {
	id    int32
	log   *logstream.Log
	db    *local.DB
	state *state.State
	proc  *engine.StreamProcessor
}

// Open opens the log and the state store of a partition and wires the
// processor. Call Recover before processing.
func Open(cfg Config) (*Partition, error) {
	if cfg.ID <= 0 {
		return nil, fmt.Errorf("partition: invalid id %d", cfg.ID)
	}
	dir := Dir(cfg.DataDir, cfg.ID)

	logCfg := cfg.Log
	if logCfg.Logger == nil {
		logCfg.Logger = cfg.Logger
	}
	l, err := logstream.Open(filepath.Join(dir, logstream.LogFileName), cfg.ID, logCfg)
	if err != nil {
		return nil, fmt.Errorf("partition %d: %w", cfg.ID, err)
	}
	db, err := local.Open(filepath.Join(dir, local.StateFileName), local.Options{NoSync: cfg.StateNoSync})
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("partition %d: %w", cfg.ID, err)
	}

	st := state.New()
	reg := NewRegistry(st, cfg.Job, cfg.Message)

	proc, err := engine.New(engine.Config{
		PartitionID:     cfg.ID,
		PartitionCount:  cfg.Count,
		Log:             l,
		DB:              db,
		Registry:        reg,
		Clock:           cfg.Clock,
		Sender:          cfg.Sender,
		RequestStreamID: cfg.RequestStreamID,
		Metrics:         cfg.Metrics,
		Logger:          cfg.Logger,
	})
	if err != nil {
		_ = db.Close()
		_ = l.Close()
		return nil, fmt.Errorf("partition %d: %w", cfg.ID, err)
	}

	return &Partition{id: cfg.ID, log: l, db: db, state: st, proc: proc}, nil
}

// NewRegistry builds the dispatch table of a partition over st.
func NewRegistry(st *state.State, jobCfg job.Config, msgCfg message.Config) *engine.Registry {
	reg := engine.NewRegistry()
	job.Register(reg, st, jobCfg)
	message.Register(reg, st, msgCfg)
	incident.Register(reg, st)
	return reg
}

// ID returns the partition id.
func (p *Partition) ID() int32 { return p.id }

// Log returns the partition log.
func (p *Partition) Log() *logstream.Log { return p.log }

// DB returns the state store.
func (p *Partition) DB() storage.DB { return p.db }

// State returns the partition state.
func (p *Partition) State() *state.State { return p.state }

// Processor returns the stream processor.
func (p *Partition) Processor() *engine.StreamProcessor { return p.proc }

// Recover replays the log and switches the processor to PROCESSING.
func (p *Partition) Recover() error { return p.proc.Recover() }

// Run processes until ctx is done or the partition fails.
func (p *Partition) Run(ctx context.Context) error { return p.proc.Run(ctx) }

// Submit appends cmd and waits for its response.
func (p *Partition) Submit(ctx context.Context, cmd types.Record) (engine.Response, error) {
	return p.proc.Submit(ctx, cmd)
}

// Write appends cmd without waiting. It implements the receiving end of the
// inter-partition sender.
func (p *Partition) Write(cmd types.Record) error { return p.proc.Write(cmd) }

// NewReader opens a private reader on the partition log.
func (p *Partition) NewReader() *logstream.Reader { return p.log.NewReader() }

// CommittedPosition is the highest log position whose effects are committed.
func (p *Partition) CommittedPosition() int64 { return p.proc.CommittedPosition() }

// ListenCommitted is signalled whenever CommittedPosition advances.
func (p *Partition) ListenCommitted() <-chan struct{} { return p.proc.ListenCommitted() }

// StopListening releases a channel returned by ListenCommitted.
func (p *Partition) StopListening(ch <-chan struct{}) { p.proc.StopListening(ch) }

// DumpState returns a copy of every key/value pair of the state store.
func (p *Partition) DumpState() (map[string]map[string][]byte, error) {
	var out map[string]map[string][]byte
	err := p.db.View(func(tx storage.Txn) error {
		var err error
		out, err = storage.Dump(tx)
		return err
	})
	return out, err
}

// Close stops the processor and closes the store and the log.
func (p *Partition) Close() error {
	p.proc.Close()
	dbErr := p.db.Close()
	logErr := p.log.Close()
	if dbErr != nil {
		return fmt.Errorf("partition %d: close state: %w", p.id, dbErr)
	}
	if logErr != nil {
		return fmt.Errorf("partition %d: close log: %w", p.id, logErr)
	}
	return nil
}
