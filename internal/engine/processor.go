package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/epochflow/internal/clock"
	"github.com/snehjoshi/epochflow/internal/logstream"
	"github.com/snehjoshi/epochflow/internal/metrics"
	"github.com/snehjoshi/epochflow/internal/scheduler"
	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

// Sentinel errors.
var (
	// ErrPartitionFailed is returned once the processor hit an unexpected
	// error and stopped. The partition needs a restart.
	ErrPartitionFailed = errors.New("engine: partition failed")
	ErrClosed          = errors.New("engine: processor closed")
	ErrNotRecovered    = errors.New("engine: processor not recovered")
)

// Phase is the lifecycle phase of a stream processor.
type Phase int32

const (
	PhaseReplay Phase = iota
	PhaseProcessing
	PhaseFailed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseReplay:
		return "REPLAY"
	case PhaseProcessing:
		return "PROCESSING"
	case PhaseFailed:
		return "FAILED"
	case PhaseClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Sender delivers commands to other partitions. Delivery is best effort.
type Sender interface {
	Send(partitionID int32, cmd types.Record) error
}

// Config wires a stream processor to its partition.
type Config struct {
	PartitionID    int32
	PartitionCount int32
	Log            *logstream.Log
	DB             storage.DB
	Registry       *Registry

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Sender is required when PartitionCount > 1.
	Sender Sender

	// RequestStreamID tags commands submitted through this processor.
	// It must differ between restarts so stale responses never match.
	RequestStreamID int32

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Response is the outcome of a submitted command.
type Response struct {
	Record types.Record
}

// Rejected reports whether the command was rejected.
func (r Response) Rejected() bool { return r.Record.IsRejection() }

type waiter struct {
	ch chan waitResult
}

type waitResult struct {
	resp Response
	err  error
}

// StreamProcessor owns one partition: its log, its state and its timers.
// Everything that touches state runs on the goroutine calling Run (or the
// step methods used by tests).
type StreamProcessor struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock

	reader *logstream.Reader
	sched  *scheduler.Scheduler
	keys   KeyGenerator

	phase         atomic.Int32
	lastProcessed int64
	committed     atomic.Int64
	timerErr      error

	requestSeq atomic.Int64
	mu         sync.Mutex
	waiters    map[int64]*waiter
	commitSubs []chan struct{}
}

// New validates cfg and returns a processor in the REPLAY phase. Call
// Recover before processing.
func New(cfg Config) (*StreamProcessor, error) {
	if cfg.Log == nil || cfg.DB == nil || cfg.Registry == nil {
		return nil, errors.New("engine: log, db and registry are required")
	}
	if cfg.PartitionID <= 0 {
		return nil, fmt.Errorf("engine: invalid partition id %d", cfg.PartitionID)
	}
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.RequestStreamID == 0 {
		cfg.RequestStreamID = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &StreamProcessor{
		cfg:           cfg,
		logger:        logger.With("partition", cfg.PartitionID),
		clock:         cfg.Clock,
		sched:         scheduler.New(),
		keys:          KeyGenerator{partitionID: cfg.PartitionID},
		lastProcessed: types.NoPosition,
		waiters:       make(map[int64]*waiter),
	}
	p.setPhase(PhaseReplay)
	return p, nil
}

// PartitionID returns the partition this processor owns.
func (p *StreamProcessor) PartitionID() int32 { return p.cfg.PartitionID }

// Phase returns the current lifecycle phase.
func (p *StreamProcessor) Phase() Phase { return Phase(p.phase.Load()) }

func (p *StreamProcessor) setPhase(ph Phase) {
	p.phase.Store(int32(ph))
	p.cfg.Metrics.SetPhase(p.cfg.PartitionID, int(ph))
}

// LastProcessedPosition is the position of the last command whose effects
// are committed. Only meaningful on the processing goroutine.
func (p *StreamProcessor) LastProcessedPosition() int64 { return p.lastProcessed }

// CommittedPosition is the highest log position whose effects are durable in
// state. Exporters never read past it.
func (p *StreamProcessor) CommittedPosition() int64 { return p.committed.Load() }

// ListenCommitted returns a channel signalled whenever CommittedPosition
// advances. Signals coalesce.
func (p *StreamProcessor) ListenCommitted() <-chan struct{} {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.commitSubs = append(p.commitSubs, ch)
	p.mu.Unlock()
	return ch
}

// StopListening removes a channel returned by ListenCommitted.
func (p *StreamProcessor) StopListening(ch <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, sub := range p.commitSubs {
		if sub == ch {
			p.commitSubs = append(p.commitSubs[:i:i], p.commitSubs[i+1:]...)
			return
		}
	}
}

func (p *StreamProcessor) publishCommitted() {
	p.committed.Store(p.cfg.Log.LastPosition())
	p.mu.Lock()
	subs := p.commitSubs
	p.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Recover replays committed events into state, runs the recovered
// listeners and switches to PROCESSING.
func (p *StreamProcessor) Recover() error {
	if p.Phase() != PhaseReplay {
		return fmt.Errorf("engine: recover in phase %s", p.Phase())
	}
	if err := p.replay(); err != nil {
		return p.fail(fmt.Errorf("replay: %w", err))
	}

	p.reader = p.cfg.Log.NewReader()
	if err := p.reader.Seek(p.lastProcessed + 1); err != nil {
		return p.fail(err)
	}

	if err := p.cfg.DB.View(func(tx storage.Txn) error {
		rc := &RecoveryContext{
			Txn:            tx,
			Now:            clock.Millis(p.clock),
			PartitionID:    p.cfg.PartitionID,
			PartitionCount: p.cfg.PartitionCount,
			p:              p,
		}
		for _, l := range p.cfg.Registry.recovered {
			if err := l(rc); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return p.fail(fmt.Errorf("recovered listeners: %w", err))
	}

	p.publishCommitted()
	p.setPhase(PhaseProcessing)
	p.logger.Info("partition recovered", "last_processed", p.lastProcessed, "log_position", p.cfg.Log.LastPosition())
	return nil
}

// Run processes commands and fires timers until ctx is done or processing
// fails. Recover must have succeeded.
func (p *StreamProcessor) Run(ctx context.Context) error {
	if p.Phase() != PhaseProcessing {
		return ErrNotRecovered
	}
	notify := p.cfg.Log.Listen()
	for {
		if ctx.Err() != nil {
			return nil
		}

		processed, err := p.ProcessNext()
		if err != nil {
			return err
		}
		if _, err := p.RunDueTimers(); err != nil {
			return err
		}
		if processed {
			continue
		}

		var (
			wake  <-chan time.Time
			timer *time.Timer
		)
		if due, ok := p.sched.NextDue(); ok {
			d := time.Duration(due-clock.Millis(p.clock)) * time.Millisecond
			timer = time.NewTimer(max(d, 0))
			wake = timer.C
		}

		select {
		case <-ctx.Done():
		case <-notify:
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// ProcessNext processes the next unprocessed command, if any. It reports
// whether a command was processed.
func (p *StreamProcessor) ProcessNext() (bool, error) {
	switch p.Phase() {
	case PhaseProcessing:
	case PhaseFailed:
		return false, ErrPartitionFailed
	case PhaseClosed:
		return false, ErrClosed
	default:
		return false, ErrNotRecovered
	}

	for {
		rec, ok, err := p.reader.Next()
		if err != nil {
			return false, p.fail(fmt.Errorf("read log: %w", err))
		}
		if !ok {
			return false, nil
		}
		if !rec.IsCommand() || rec.Position <= p.lastProcessed {
			continue
		}
		return true, p.processCommand(rec)
	}
}

func (p *StreamProcessor) processCommand(cmd types.Record) error {
	start := time.Now()
	now := clock.Millis(p.clock)

	tx, err := p.cfg.DB.Begin(true)
	if err != nil {
		return p.fail(fmt.Errorf("begin: %w", err))
	}

	pc := newProcessingContext(p, tx, now, cmd)
	if proc, ok := p.cfg.Registry.processor(cmd.ValueType, cmd.Intent); ok {
		err = invoke(proc, pc, cmd)
	} else if cmd.HasRequest() {
		pc.Reject(types.RejectionInvalidArgument, "no processor for %s.%s", cmd.ValueType, cmd.Intent)
	} else {
		p.logger.Debug("no processor for command", "value_type", cmd.ValueType, "intent", cmd.Intent, "position", cmd.Position)
	}
	if err != nil {
		_ = tx.Rollback()
		return p.fail(fmt.Errorf("process %s: %w", cmd, err))
	}

	res := pc.result
	if len(res.records) > 0 {
		if _, err := p.cfg.Log.Append(res.records); err != nil {
			_ = tx.Rollback()
			return p.fail(fmt.Errorf("append follow-ups of %d: %w", cmd.Position, err))
		}
	}
	if err := setLastProcessedPosition(tx, cmd.Position); err != nil {
		_ = tx.Rollback()
		return p.fail(err)
	}
	if err := tx.Commit(); err != nil {
		return p.fail(fmt.Errorf("commit %d: %w", cmd.Position, err))
	}
	p.lastProcessed = cmd.Position
	p.publishCommitted()

	p.respond(cmd, res)
	for _, out := range res.sends {
		p.send(out)
	}
	for _, fn := range res.sideEffects {
		if err := fn(); err != nil {
			p.logger.Warn("side effect failed", "position", cmd.Position, "error", err)
		}
	}

	for _, r := range res.records {
		p.cfg.Metrics.RecordWritten(p.cfg.PartitionID, r.RecordType.String(), string(r.ValueType))
		if r.IsRejection() {
			p.cfg.Metrics.RecordRejection(p.cfg.PartitionID, string(r.ValueType), string(r.RejectionType))
		}
	}
	p.cfg.Metrics.RecordProcessed(p.cfg.PartitionID, string(cmd.ValueType), string(cmd.Intent), time.Since(start))
	return nil
}

func invoke(proc Processor, pc *ProcessingContext, cmd types.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return proc.Process(pc, cmd)
}

// respond completes the waiter of cmd. A command that produced no response
// still completes its waiter, with an empty record.
func (p *StreamProcessor) respond(cmd types.Record, res *result) {
	if !cmd.HasRequest() || cmd.RequestStreamID != p.cfg.RequestStreamID {
		return
	}
	var resp Response
	if res.response != nil {
		resp.Record = *res.response
		for _, r := range res.records {
			if r.RecordType == resp.Record.RecordType && r.ValueType == resp.Record.ValueType &&
				r.Intent == resp.Record.Intent && r.Key == resp.Record.Key {
				resp.Record.Position = r.Position
				break
			}
		}
		resp.Record.PartitionID = p.cfg.PartitionID
	}
	p.complete(cmd.RequestID, waitResult{resp: resp})
}

func (p *StreamProcessor) complete(requestID int64, r waitResult) {
	p.mu.Lock()
	w, ok := p.waiters[requestID]
	delete(p.waiters, requestID)
	p.mu.Unlock()
	if ok {
		w.ch <- r
	}
}

func (p *StreamProcessor) send(out outbound) {
	cmd := out.cmd
	cmd.Timestamp = clock.Millis(p.clock)
	if out.partitionID == p.cfg.PartitionID {
		if _, err := p.cfg.Log.Append([]types.Record{cmd}); err != nil {
			p.logger.Warn("append to own partition failed", "error", err)
		}
		return
	}
	if p.cfg.Sender == nil {
		p.logger.Warn("no sender configured, dropping command", "target", out.partitionID, "command", cmd.String())
		return
	}
	if err := p.cfg.Sender.Send(out.partitionID, cmd); err != nil {
		p.logger.Warn("send failed", "target", out.partitionID, "value_type", cmd.ValueType, "intent", cmd.Intent, "error", err)
	}
}

// fail moves the processor to FAILED and releases every waiter.
func (p *StreamProcessor) fail(err error) error {
	p.setPhase(PhaseFailed)
	p.logger.Error("partition failed", "error", err)
	p.releaseWaiters(ErrPartitionFailed)
	return fmt.Errorf("%w: %w", ErrPartitionFailed, err)
}

func (p *StreamProcessor) releaseWaiters(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[int64]*waiter)
	p.mu.Unlock()
	for _, w := range waiters {
		w.ch <- waitResult{err: err}
	}
}

func (p *StreamProcessor) phaseErr() error {
	switch p.Phase() {
	case PhaseFailed:
		return ErrPartitionFailed
	case PhaseClosed:
		return ErrClosed
	}
	return nil
}

// Submit appends cmd to this partition's log with fresh request metadata and
// waits for its response. It is safe for concurrent use.
func (p *StreamProcessor) Submit(ctx context.Context, cmd types.Record) (Response, error) {
	if err := p.phaseErr(); err != nil {
		return Response{}, err
	}

	id := p.requestSeq.Add(1)
	cmd.RecordType = types.RecordTypeCommand
	cmd.SourceRecordPosition = types.NoPosition
	cmd.RequestID = id
	cmd.RequestStreamID = p.cfg.RequestStreamID
	cmd.Timestamp = clock.Millis(p.clock)

	w := &waiter{ch: make(chan waitResult, 1)}
	p.mu.Lock()
	p.waiters[id] = w
	// The phase is set before releaseWaiters takes mu, so a waiter added
	// after the release always sees the final phase here.
	err := p.phaseErr()
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, id)
		p.mu.Unlock()
	}()
	if err != nil {
		return Response{}, err
	}

	if _, err := p.cfg.Log.Append([]types.Record{cmd}); err != nil {
		return Response{}, fmt.Errorf("engine: submit: %w", err)
	}

	select {
	case r := <-w.ch:
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Write appends a command without waiting for it. Used for commands arriving
// from other partitions.
func (p *StreamProcessor) Write(cmd types.Record) error {
	if ph := p.Phase(); ph == PhaseFailed || ph == PhaseClosed {
		return fmt.Errorf("engine: write in phase %s", ph)
	}
	cmd.RecordType = types.RecordTypeCommand
	cmd.SourceRecordPosition = types.NoPosition
	cmd.RequestID, cmd.RequestStreamID = 0, 0
	if cmd.Timestamp == 0 {
		cmd.Timestamp = clock.Millis(p.clock)
	}
	_, err := p.cfg.Log.Append([]types.Record{cmd})
	return err
}

// Close stops accepting submissions and releases waiters. It does not close
// the log or the state store, which belong to the partition.
func (p *StreamProcessor) Close() {
	if p.Phase() != PhaseFailed {
		p.setPhase(PhaseClosed)
	}
	p.releaseWaiters(ErrClosed)
}
