// Package testutil drives partitions synchronously for tests: no goroutines,
// a pinned clock and a router that appends cross-partition commands directly
// to the target log, so every run of a test sees the same records.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/epochflow/internal/clock"
	"github.com/snehjoshi/epochflow/internal/job"
	"github.com/snehjoshi/epochflow/internal/logstream"
	"github.com/snehjoshi/epochflow/internal/message"
	"github.com/snehjoshi/epochflow/internal/partition"
	"github.com/snehjoshi/epochflow/internal/storage/local"
	"github.com/snehjoshi/epochflow/internal/types"
)

// Start is the engine time every cluster starts at.
var Start = time.UnixMilli(1_700_000_000_000).UTC()

// Options tune a test cluster.
type Options struct {
	Partitions int32
	Job        job.Config
	Message    message.Config
}

// Cluster is a set of partitions sharing a data directory and a clock.
type Cluster struct {
	t     testing.TB
	dir   string
	opts  Options
	Clock *clock.Controlled

	parts  map[int32]*partition.Partition
	router *router
}

// NewCluster opens and recovers a cluster in a fresh temp dir.
func NewCluster(t testing.TB, opts Options) *Cluster {
	t.Helper()
	return OpenCluster(t, t.TempDir(), clock.NewControlled(Start), opts)
}

// OpenCluster opens and recovers a cluster in dir.
func OpenCluster(t testing.TB, dir string, clk *clock.Controlled, opts Options) *Cluster {
	t.Helper()
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	c := &Cluster{t: t, dir: dir, opts: opts, Clock: clk}
	c.open()
	t.Cleanup(c.close)
	return c
}

func (c *Cluster) open() {
	c.t.Helper()
	c.parts = make(map[int32]*partition.Partition, c.opts.Partitions)
	c.router = &router{c: c}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for id := int32(1); id <= c.opts.Partitions; id++ {
		p, err := partition.Open(partition.Config{
			ID:          id,
			Count:       c.opts.Partitions,
			DataDir:     c.dir,
			Log:         logstream.Config{Fsync: logstream.FsyncNever},
			StateNoSync: true,
			Job:         c.opts.Job,
			Message:     c.opts.Message,
			Clock:       c.Clock,
			Sender:      c.router,
			Logger:      logger,
		})
		require.NoError(c.t, err)
		c.parts[id] = p
	}
	for id := int32(1); id <= c.opts.Partitions; id++ {
		require.NoError(c.t, c.parts[id].Recover())
	}
}

func (c *Cluster) close() {
	for _, p := range c.parts {
		_ = p.Close()
	}
	c.parts = nil
}

// Dir returns the data directory of the cluster.
func (c *Cluster) Dir() string { return c.dir }

// Partition returns partition id.
func (c *Cluster) Partition(id int32) *partition.Partition {
	p, ok := c.parts[id]
	require.Truef(c.t, ok, "no partition %d", id)
	return p
}

// Restart closes every partition and opens them again from disk.
func (c *Cluster) Restart() {
	c.t.Helper()
	c.close()
	c.open()
}

// Rebuild closes every partition, deletes its state store and opens it
// again, so the state is rebuilt from the log alone.
func (c *Cluster) Rebuild() {
	c.t.Helper()
	c.close()
	for id := int32(1); id <= c.opts.Partitions; id++ {
		err := os.Remove(filepath.Join(partition.Dir(c.dir, id), local.StateFileName))
		require.NoError(c.t, err)
	}
	c.open()
}

// Write appends cmd to partition id without processing it and returns its
// position.
func (c *Cluster) Write(id int32, cmd types.Record) int64 {
	c.t.Helper()
	cmd.RecordType = types.RecordTypeCommand
	cmd.SourceRecordPosition = types.NoPosition
	cmd.Timestamp = clock.Millis(c.Clock)
	recs := []types.Record{cmd}
	pos, err := c.Partition(id).Log().Append(recs)
	require.NoError(c.t, err)
	return pos
}

// Execute writes cmd to partition id, settles the cluster and returns the
// first event or rejection the command produced.
func (c *Cluster) Execute(id int32, cmd types.Record) types.Record {
	c.t.Helper()
	pos := c.Write(id, cmd)
	c.Settle()
	for _, r := range c.Records(id) {
		if r.SourceRecordPosition == pos && !r.IsCommand() {
			return r
		}
	}
	c.t.Fatalf("command at position %d of partition %d produced no event", pos, id)
	return types.Record{}
}

// Settle processes every partition until no command is left anywhere.
func (c *Cluster) Settle() {
	c.t.Helper()
	for round := 0; ; round++ {
		require.Less(c.t, round, 10_000, "cluster did not settle")
		progressed := false
		for id := int32(1); id <= c.opts.Partitions; id++ {
			for {
				ok, err := c.parts[id].Processor().ProcessNext()
				require.NoError(c.t, err)
				if !ok {
					break
				}
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// Advance moves the clock, fires due timers on every partition and
// settles.
func (c *Cluster) Advance(d time.Duration) {
	c.t.Helper()
	c.Clock.Advance(d)
	c.Settle()
	for id := int32(1); id <= c.opts.Partitions; id++ {
		_, err := c.parts[id].Processor().RunDueTimers()
		require.NoError(c.t, err)
	}
	c.Settle()
}

// Records returns every record of partition id.
func (c *Cluster) Records(id int32) []types.Record {
	c.t.Helper()
	var out []types.Record
	require.NoError(c.t, c.Partition(id).Log().ReadAll(func(r types.Record) error {
		out = append(out, r)
		return nil
	}))
	return out
}

// Find returns the records of partition id matching every non-zero field of
// the filter.
func (c *Cluster) Find(id int32, rt types.RecordType, vt types.ValueType, intent types.Intent) []types.Record {
	c.t.Helper()
	var out []types.Record
	for _, r := range c.Records(id) {
		if r.RecordType == rt && r.ValueType == vt && (intent == "" || r.Intent == intent) {
			out = append(out, r)
		}
	}
	return out
}

// DumpStates returns the state dump of every partition.
func (c *Cluster) DumpStates() map[int32]map[string]map[string][]byte {
	c.t.Helper()
	out := make(map[int32]map[string]map[string][]byte, len(c.parts))
	for id, p := range c.parts {
		d, err := p.DumpState()
		require.NoError(c.t, err)
		out[id] = d
	}
	return out
}

// DropSends makes the router discard cross-partition commands for which
// drop returns true. Pass nil to deliver everything again.
func (c *Cluster) DropSends(drop func(target int32, cmd types.Record) bool) {
	c.router.mu.Lock()
	c.router.drop = drop
	c.router.mu.Unlock()
}

// router is the engine.Sender of the cluster.
type router struct {
	c    *Cluster
	mu   sync.Mutex
	drop func(target int32, cmd types.Record) bool
}

func (r *router) Send(target int32, cmd types.Record) error {
	r.mu.Lock()
	drop := r.drop
	r.mu.Unlock()
	if drop != nil && drop(target, cmd) {
		return nil
	}
	p, ok := r.c.parts[target]
	if !ok {
		return fmt.Errorf("testutil: no partition %d", target)
	}
	return p.Write(cmd)
}
