package engine

import (
	"fmt"
	"time"

	"github.com/snehjoshi/epochflow/internal/storage"
	"github.com/snehjoshi/epochflow/internal/types"
)

// replay re-applies every event whose source command is newer than the
// persisted lastProcessedPosition. Commands are never re-processed; events
// of one source command are applied and committed together with the
// position of that command.
func (p *StreamProcessor) replay() error {
	start := time.Now()

	var last int64
	if err := p.cfg.DB.View(func(tx storage.Txn) error {
		var err error
		last, err = lastProcessedPosition(tx)
		return err
	}); err != nil {
		return err
	}
	p.lastProcessed = last

	var (
		tx     storage.Tx
		group  = types.NoPosition
		events int
	)
	flush := func() error {
		if tx == nil {
			return nil
		}
		if err := setLastProcessedPosition(tx, group); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit replayed group %d: %w", group, err)
		}
		p.lastProcessed = group
		tx = nil
		return nil
	}

	reader := p.cfg.Log.NewReader()
	if err := reader.Seek(last + 1); err != nil {
		return err
	}
	for {
		rec, ok, err := reader.Next()
		if err != nil {
			if tx != nil {
				_ = tx.Rollback()
			}
			return err
		}
		if !ok {
			break
		}
		if rec.IsCommand() || rec.SourceRecordPosition <= last {
			continue
		}

		if rec.SourceRecordPosition != group {
			if err := flush(); err != nil {
				return err
			}
			if tx, err = p.cfg.DB.Begin(true); err != nil {
				return err
			}
			group = rec.SourceRecordPosition
		}
		if !rec.IsEvent() {
			continue
		}
		if err := p.applyReplayed(tx, rec); err != nil {
			_ = tx.Rollback()
			return err
		}
		events++
	}
	if err := flush(); err != nil {
		return err
	}

	p.cfg.Metrics.RecordReplay(p.cfg.PartitionID, events, time.Since(start))
	if events > 0 {
		p.logger.Info("replay finished", "events", events, "last_processed", p.lastProcessed, "took", time.Since(start))
	}
	return nil
}

func (p *StreamProcessor) applyReplayed(tx storage.Txn, ev types.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic replaying %s: %v", ev, r)
		}
	}()
	if err := p.cfg.Registry.applyEvent(tx, ev); err != nil {
		return err
	}
	return p.keys.Observe(tx, ev.Key)
}
