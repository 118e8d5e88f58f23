// Package sqlite is the reference exporter. It keeps the exported record
// stream and small read models of jobs, buffered messages and incidents in
// a SQLite database.
//
// Every Export runs in one transaction that also advances the partition
// position, and every write is an upsert, so re-delivered records are
// harmless.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/snehjoshi/epochflow/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// Name is the exporter name used in logs and metrics.
const Name = "sqlite"

// Exporter writes records into a SQLite database at a path.
type Exporter struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// New returns an exporter for the database at path. Nothing is opened until
// Open.
func New(path string) *Exporter {
	return &Exporter{path: path}
}

// Name implements exporter.Exporter.
func (e *Exporter) Name() string { return Name }

// Open opens the database, applies pragmas and creates the schema.
func (e *Exporter) Open(ctx context.Context) error {
	db, err := sql.Open("sqlite3", e.path)
	if err != nil {
		return fmt.Errorf("sqlite exporter: open %s: %w", e.path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sqlite exporter: connect %s: %w", e.path, err)
	}

	// SQLite allows one writer; directors of all partitions share it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return fmt.Errorf("sqlite exporter: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return fmt.Errorf("sqlite exporter: apply schema: %w", err)
	}

	e.mu.Lock()
	e.db = db
	e.mu.Unlock()
	return nil
}

// DB returns the underlying database for queries. Nil before Open.
func (e *Exporter) DB() *sql.DB {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db
}

// Position implements exporter.Exporter.
func (e *Exporter) Position(ctx context.Context, partitionID int32) (int64, error) {
	db := e.DB()
	if db == nil {
		return 0, errors.New("sqlite exporter: not open")
	}
	var pos int64
	err := db.QueryRowContext(ctx, `SELECT position FROM positions WHERE partition_id = ?`, partitionID).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NoPosition, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite exporter: read position: %w", err)
	}
	return pos, nil
}

// Export implements exporter.Exporter.
func (e *Exporter) Export(ctx context.Context, rec types.Record) error {
	db := e.DB()
	if db == nil {
		return errors.New("sqlite exporter: not open")
	}
	value, err := json.Marshal(rec.Value)
	if err != nil {
		return fmt.Errorf("sqlite exporter: encode value of %d: %w", rec.Position, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite exporter: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO records
			(partition_id, position, source_position, record_key, record_type, value_type, intent,
			 timestamp, rejection_type, rejection_reason, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PartitionID, rec.Position, rec.SourceRecordPosition, rec.Key, rec.RecordType.String(),
		string(rec.ValueType), string(rec.Intent), rec.Timestamp,
		nullString(string(rec.RejectionType)), nullString(rec.RejectionReason), string(value),
	); err != nil {
		return fmt.Errorf("sqlite exporter: insert record %d: %w", rec.Position, err)
	}

	if rec.IsEvent() {
		if err := project(ctx, tx, rec); err != nil {
			return fmt.Errorf("sqlite exporter: project record %d: %w", rec.Position, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO positions (partition_id, position) VALUES (?, ?)
		ON CONFLICT(partition_id) DO UPDATE SET position = excluded.position
		WHERE excluded.position > positions.position`,
		rec.PartitionID, rec.Position,
	); err != nil {
		return fmt.Errorf("sqlite exporter: store position: %w", err)
	}
	return tx.Commit()
}

// Close closes the database.
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// project updates the read models from one event.
func project(ctx context.Context, tx *sql.Tx, ev types.Record) error {
	switch v := ev.Value.(type) {
	case *types.JobRecord:
		return projectJob(ctx, tx, ev, v)
	case *types.JobBatchRecord:
		if ev.Intent != types.IntentActivated {
			return nil
		}
		for i, key := range v.JobKeys {
			if i >= len(v.Jobs) {
				break
			}
			if err := upsertJob(ctx, tx, key, &v.Jobs[i], types.JobStateActivated, ev.Timestamp); err != nil {
				return err
			}
		}
		return nil
	case *types.MessageRecord:
		switch ev.Intent {
		case types.IntentPublished:
			_, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO messages (message_key, name, correlation_key, deadline)
				VALUES (?, ?, ?, ?)`, ev.Key, v.Name, v.CorrelationKey, v.Deadline)
			return err
		case types.IntentExpired:
			_, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE message_key = ?`, ev.Key)
			return err
		}
	case *types.IncidentRecord:
		switch ev.Intent {
		case types.IntentCreated:
			_, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO incidents (incident_key, error_type, error_message, job_key, created_at)
				VALUES (?, ?, ?, ?, ?)`, ev.Key, v.ErrorType, nullString(v.ErrorMessage), v.JobKey, ev.Timestamp)
			return err
		case types.IntentResolved:
			if _, err := tx.ExecContext(ctx, `DELETE FROM incidents WHERE incident_key = ?`, ev.Key); err != nil {
				return err
			}
			if v.JobKey <= 0 {
				return nil
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE jobs SET state = ?, updated_at = ?
				WHERE job_key = ? AND retries > 0 AND state IN (?, ?)`,
				string(types.JobStateActivatable), ev.Timestamp, v.JobKey,
				string(types.JobStateFailed), string(types.JobStateErrorThrown))
			return err
		}
	}
	return nil
}

func projectJob(ctx context.Context, tx *sql.Tx, ev types.Record, job *types.JobRecord) error {
	var st types.JobState
	switch ev.Intent {
	case types.IntentCompleted, types.IntentCanceled:
		_, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_key = ?`, ev.Key)
		return err
	case types.IntentCreated, types.IntentTimedOut, types.IntentRetriesUpdated:
		st = types.JobStateActivatable
	case types.IntentFailed:
		st = types.JobStateFailed
		if job.Retries > 0 {
			st = types.JobStateActivatable
		}
	case types.IntentErrorThrown:
		st = types.JobStateErrorThrown
	case types.IntentTimeoutUpdated:
		st = types.JobStateActivated
	default:
		return nil
	}
	return upsertJob(ctx, tx, ev.Key, job, st, ev.Timestamp)
}

func upsertJob(ctx context.Context, tx *sql.Tx, key int64, job *types.JobRecord, st types.JobState, at int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs (job_key, type, state, worker, retries, deadline, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, job.Type, string(st), nullString(job.Worker), job.Retries, job.Deadline, at)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
