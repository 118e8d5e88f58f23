// Package broker is the central orchestrator for EpochFlow.
//
// All application code (the HTTP gateway, the CLI) talks to the Broker,
// never directly to a partition. The broker owns every partition of the
// node, routes commands to the partition that owns their key, and is the
// in-process Sender partitions use to reach each other.
//
// Data flow:
//
//	Gateway → Broker.CreateJob      → partition (round robin)       → Submit
//	Gateway → Broker.CompleteJob    → partition of the job key      → Submit
//	Gateway → Broker.PublishMessage → partition of correlation key  → Submit
//	Partition → Broker.Send         → target partition              → Write
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/epochflow/internal/clock"
	"github.com/snehjoshi/epochflow/internal/config"
	"github.com/snehjoshi/epochflow/internal/engine"
	"github.com/snehjoshi/epochflow/internal/exporter"
	"github.com/snehjoshi/epochflow/internal/exporter/sqlite"
	"github.com/snehjoshi/epochflow/internal/exporter/webhook"
	"github.com/snehjoshi/epochflow/internal/job"
	"github.com/snehjoshi/epochflow/internal/logstream"
	"github.com/snehjoshi/epochflow/internal/message"
	"github.com/snehjoshi/epochflow/internal/metrics"
	"github.com/snehjoshi/epochflow/internal/node"
	"github.com/snehjoshi/epochflow/internal/partition"
	"github.com/snehjoshi/epochflow/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrUnknownPartition is returned when a key or an id routes to a
	// partition this node does not have.
	ErrUnknownPartition = errors.New("broker: unknown partition")

	// ErrNotStarted is returned by command helpers before Start.
	ErrNotStarted = errors.New("broker: not started")
)

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Collector so that every partition and
// exporter reports into it.
func WithMetrics(c *metrics.Collector) Option {
	return func(b *Broker) { b.metrics = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithClock replaces the engine clock of every partition.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithExporter adds an exporter on top of the ones enabled in config.
func WithExporter(e exporter.Exporter) Option {
	return func(b *Broker) { b.exporters = append(b.exporters, e) }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wires the partitions of one node together into a single façade
// used by every transport layer.
//
// All methods are safe for concurrent use.
type Broker struct {
	cfg  *config.Config
	node *node.Node

	parts     []*partition.Partition // index = id - 1
	exporters []exporter.Exporter

	metrics *metrics.Collector
	logger  *slog.Logger
	clock   clock.Clock

	nextCreate atomic.Uint32
	started    atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens every partition of the node under cfg.Node.DataDir. Partitions
// are not recovered until Start.
func New(cfg *config.Config, n *node.Node, opts ...Option) (*Broker, error) {
	b := &Broker{cfg: cfg, node: n}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.clock == nil {
		b.clock = clock.System{}
	}
	if cfg.Exporters.SQLite.Enabled {
		path := cfg.Exporters.SQLite.Path
		if path == "" {
			path = filepath.Join(cfg.Node.DataDir, "exporter.sqlite")
		}
		b.exporters = append(b.exporters, sqlite.New(path))
	}
	if wh := cfg.Exporters.Webhook; wh.Enabled {
		b.exporters = append(b.exporters, webhook.New(webhook.Config{
			URL:           wh.URL,
			Secret:        wh.Secret,
			Timeout:       wh.Timeout,
			PositionsPath: filepath.Join(cfg.Node.DataDir, "webhook-positions.json"),
		}))
	}

	count := int32(cfg.Cluster.PartitionCount)
	if count <= 0 {
		count = 1
	}
	var streamID int32
	if n != nil {
		streamID = n.RequestStreamID()
	}

	for id := int32(1); id <= count; id++ {
		p, err := partition.Open(partition.Config{
			ID:      id,
			Count:   count,
			DataDir: cfg.Node.DataDir,
			Log: logstream.Config{
				Fsync:          logstream.FsyncPolicy(cfg.Storage.Fsync),
				FsyncInterval:  time.Duration(cfg.Storage.FsyncIntervalMs) * time.Millisecond,
				FsyncBatchSize: cfg.Storage.FsyncBatchSize,
			},
			StateNoSync: cfg.Storage.StateNoSync,
			Job: job.Config{
				DeadlineCheckInterval: cfg.Engine.JobTimeoutCheckInterval,
				MaxCommandsInBatch:    cfg.Engine.MaxCommandsInBatch,
				DefaultRetries:        cfg.Engine.DefaultJobRetries,
				MaxBatchBytes:         cfg.Engine.MaxJobBatchBytes,
			},
			Message: message.Config{
				TTLCheckInterval:          cfg.Engine.MessageTTLCheckInterval,
				SubscriptionCheckInterval: cfg.Engine.SubscriptionCheckInterval,
				SubscriptionTimeout:       cfg.Engine.SubscriptionTimeout,
				MaxCommandsInBatch:        cfg.Engine.MaxCommandsInBatch,
			},
			Clock:           b.clock,
			Sender:          b,
			RequestStreamID: streamID,
			Metrics:         b.metrics,
			Logger:          b.logger,
		})
		if err != nil {
			b.closePartitions()
			return nil, fmt.Errorf("broker: %w", err)
		}
		b.parts = append(b.parts, p)
	}
	return b, nil
}

// Start recovers every partition, then starts their processing loops and
// the exporter directors. The goroutines stop when ctx is done or Close is
// called.
func (b *Broker) Start(ctx context.Context) error {
	if b.started.Load() {
		return errors.New("broker: already started")
	}
	for _, p := range b.parts {
		if err := p.Recover(); err != nil {
			return fmt.Errorf("broker: recover partition %d: %w", p.ID(), err)
		}
	}
	for _, e := range b.exporters {
		if err := e.Open(ctx); err != nil {
			return fmt.Errorf("broker: open exporter %s: %w", e.Name(), err)
		}
	}

	ctx, b.cancel = context.WithCancel(ctx)
	for _, p := range b.parts {
		b.wg.Add(1)
		go func(p *partition.Partition) {
			defer b.wg.Done()
			if err := p.Run(ctx); err != nil {
				b.logger.Error("partition stopped", "partition", p.ID(), "err", err)
			}
		}(p)
		for _, e := range b.exporters {
			d := exporter.NewDirector(p, e, b.metrics, b.logger)
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					b.logger.Error("exporter stopped", "partition", p.ID(), "exporter", e.Name(), "err", err)
				}
			}()
		}
	}
	b.started.Store(true)
	b.logger.Info("broker started", "partitions", len(b.parts), "exporters", len(b.exporters))
	return nil
}

// Close stops all goroutines, then closes exporters and partitions.
func (b *Broker) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.started.Store(false)

	var errs []error
	for _, e := range b.exporters {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter %s: %w", e.Name(), err))
		}
	}
	if err := b.closePartitions(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (b *Broker) closePartitions() error {
	var errs []error
	for _, p := range b.parts {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PartitionCount returns the number of partitions of the node.
func (b *Broker) PartitionCount() int32 { return int32(len(b.parts)) }

// Partition returns partition id.
func (b *Broker) Partition(id int32) (*partition.Partition, error) {
	if id <= 0 || int(id) > len(b.parts) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPartition, id)
	}
	return b.parts[id-1], nil
}

// PartitionStatus is a snapshot of one partition for the status endpoint.
type PartitionStatus struct {
	ID                int32  `json:"id"`
	Phase             string `json:"phase"`
	CommittedPosition int64  `json:"committed_position"`
	LogPosition       int64  `json:"log_position"`
}

// Status returns a snapshot of every partition.
func (b *Broker) Status() []PartitionStatus {
	out := make([]PartitionStatus, 0, len(b.parts))
	for _, p := range b.parts {
		out = append(out, PartitionStatus{
			ID:                p.ID(),
			Phase:             p.Processor().Phase().String(),
			CommittedPosition: p.CommittedPosition(),
			LogPosition:       p.Log().LastPosition(),
		})
	}
	return out
}

// NodeID returns the node identity string.
func (b *Broker) NodeID() string {
	if b.node == nil {
		return ""
	}
	return b.node.ID().String()
}

// ─── Routing ──────────────────────────────────────────────────────────────────

// Send implements engine.Sender. Commands to another partition are appended
// to its log without waiting.
func (b *Broker) Send(target int32, cmd types.Record) error {
	p, err := b.Partition(target)
	if err != nil {
		return err
	}
	return p.Write(cmd)
}

// Submit appends cmd to partition id and waits for its response, bounded by
// the configured request timeout.
func (b *Broker) Submit(ctx context.Context, id int32, cmd types.Record) (engine.Response, error) {
	if !b.started.Load() {
		return engine.Response{}, ErrNotStarted
	}
	p, err := b.Partition(id)
	if err != nil {
		return engine.Response{}, err
	}
	if d := b.cfg.Engine.RequestTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return p.Submit(ctx, cmd)
}

// submitByKey routes to the partition encoded in key.
func (b *Broker) submitByKey(ctx context.Context, key int64, intent types.Intent, value types.RecordValue) (engine.Response, error) {
	if key <= 0 {
		return engine.Response{}, fmt.Errorf("%w: key %d", ErrUnknownPartition, key)
	}
	return b.Submit(ctx, types.DecodePartitionID(key), types.NewCommand(key, intent, value))
}

// roundRobin picks the partition for entities without a routing key.
func (b *Broker) roundRobin() int32 {
	return int32((b.nextCreate.Add(1)-1)%uint32(len(b.parts))) + 1
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

// CreateJob creates a job. Jobs of a process element go to the partition
// of the element; others are spread round robin.
func (b *Broker) CreateJob(ctx context.Context, rec types.JobRecord) (engine.Response, error) {
	id := b.roundRobin()
	if rec.ElementInstanceKey > 0 {
		id = types.DecodePartitionID(rec.ElementInstanceKey)
	}
	return b.Submit(ctx, id, types.NewCommand(types.NoKey, types.IntentCreate, &rec))
}

// ActivateJobs activates up to req.MaxJobsToActivate jobs of req.Type,
// visiting partitions round robin. The response event carries the merged
// batch. A rejection from the first partition is returned as is.
func (b *Broker) ActivateJobs(ctx context.Context, req types.JobBatchRecord) (engine.Response, error) {
	merged := types.JobBatchRecord{
		Type:              req.Type,
		Worker:            req.Worker,
		Timeout:           req.Timeout,
		MaxJobsToActivate: req.MaxJobsToActivate,
		JobKeys:           []int64{},
		Jobs:              []types.JobRecord{},
	}
	var last engine.Response

	start := b.roundRobin()
	count := int32(len(b.parts))
	for i := int32(0); i < count; i++ {
		// The first partition always sees the request, so its processor
		// validates it.
		remaining := req.MaxJobsToActivate - int32(len(merged.JobKeys))
		if i > 0 && remaining <= 0 {
			break
		}
		part := req
		part.MaxJobsToActivate = remaining
		part.JobKeys, part.Jobs = nil, nil

		resp, err := b.Submit(ctx, (start-1+i)%count+1, types.NewCommand(types.NoKey, types.IntentActivate, &part))
		if err != nil {
			return engine.Response{}, err
		}
		if resp.Rejected() {
			return resp, nil
		}
		last = resp
		batch := resp.Record.Value.(*types.JobBatchRecord)
		merged.JobKeys = append(merged.JobKeys, batch.JobKeys...)
		merged.Jobs = append(merged.Jobs, batch.Jobs...)
		if batch.Truncated {
			merged.Truncated = true
			break
		}
	}
	last.Record.Value = &merged
	return last, nil
}

// CompleteJob completes an activated job.
func (b *Broker) CompleteJob(ctx context.Context, key int64, variables []byte) (engine.Response, error) {
	return b.submitByKey(ctx, key, types.IntentComplete, &types.JobRecord{Variables: variables})
}

// FailJob reports a failed attempt. The job loses one retry.
func (b *Broker) FailJob(ctx context.Context, key int64, errorMessage string) (engine.Response, error) {
	return b.submitByKey(ctx, key, types.IntentFail, &types.JobRecord{ErrorMessage: errorMessage})
}

// ThrowError reports a business error for a job.
func (b *Broker) ThrowError(ctx context.Context, key int64, errorCode, errorMessage string) (engine.Response, error) {
	return b.submitByKey(ctx, key, types.IntentThrowError, &types.JobRecord{ErrorCode: errorCode, ErrorMessage: errorMessage})
}

// UpdateJobRetries sets the retries of a failed job.
func (b *Broker) UpdateJobRetries(ctx context.Context, key int64, retries int32) (engine.Response, error) {
	return b.submitByKey(ctx, key, types.IntentUpdateRetries, &types.JobRecord{Retries: retries})
}

// UpdateJobTimeout moves the deadline of an activated job to now+timeout.
func (b *Broker) UpdateJobTimeout(ctx context.Context, key int64, timeout int64) (engine.Response, error) {
	return b.submitByKey(ctx, key, types.IntentUpdateTimeout, &types.JobRecord{Timeout: timeout})
}

// CancelJob deletes a job.
func (b *Broker) CancelJob(ctx context.Context, key int64) (engine.Response, error) {
	return b.submitByKey(ctx, key, types.IntentCancel, &types.JobRecord{})
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// PublishMessage publishes a message on the partition of its correlation
// key.
func (b *Broker) PublishMessage(ctx context.Context, rec types.MessageRecord) (engine.Response, error) {
	id := message.PartitionForCorrelationKey(rec.CorrelationKey, b.PartitionCount())
	return b.Submit(ctx, id, types.NewCommand(types.NoKey, types.IntentPublish, &rec))
}

// OpenSubscription opens a message subscription for an element instance.
// Without an element key, one is generated on a round-robin partition.
func (b *Broker) OpenSubscription(ctx context.Context, rec types.ProcessMessageSubscriptionRecord) (engine.Response, error) {
	id := b.roundRobin()
	key := types.NoKey
	if rec.ElementInstanceKey > 0 {
		id = types.DecodePartitionID(rec.ElementInstanceKey)
		key = rec.ElementInstanceKey
	}
	return b.Submit(ctx, id, types.NewCommand(key, types.IntentOpen, &rec))
}

// CloseSubscription closes the subscription of an element instance.
func (b *Broker) CloseSubscription(ctx context.Context, elementInstanceKey int64, messageName string) (engine.Response, error) {
	return b.submitByKey(ctx, elementInstanceKey, types.IntentClose, &types.ProcessMessageSubscriptionRecord{
		ElementInstanceKey: elementInstanceKey,
		MessageName:        messageName,
	})
}

// ─── Incidents ────────────────────────────────────────────────────────────────

// ResolveIncident resolves an incident.
func (b *Broker) ResolveIncident(ctx context.Context, key int64) (engine.Response, error) {
	return b.submitByKey(ctx, key, types.IntentResolve, &types.IncidentRecord{})
}
