// Package spool buffers run records and evidence bundles that could not be
// written to Postgres. Persistence is best-effort relative to response
// delivery: when the primary store is unavailable the gateway hands the
// record to the spool and answers the caller anyway. A background drainer
// replays spooled rows into the store once it recovers.
//
// The spool is a local SQLite file, so buffered records survive a process
// restart.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomreach/loomreach/internal/model"
)

const (
	kindRun      = "run"
	kindEvidence = "evidence"

	drainBatchSize = 100
)

// Target is where drained records land. *storage.DB satisfies it.
type Target interface {
	CompleteRun(ctx context.Context, run model.RunRecord) error
	ReplaceEvidence(ctx context.Context, bundle model.EvidenceBundle) error
}

// Spool is a durable local queue of unpersisted records.
type Spool struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or reopens a spool at path.
func Open(path string, logger *slog.Logger) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %s: %w", path, err)
	}
	// SQLite writers are exclusive; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			kind        TEXT    NOT NULL,
			payload     BLOB    NOT NULL,
			enqueued_at TEXT    NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: create table: %w", err)
	}

	return &Spool{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Spool) Close() error {
	return s.db.Close()
}

// EnqueueRun buffers a terminal run record.
func (s *Spool) EnqueueRun(run model.RunRecord) error {
	return s.enqueue(kindRun, run)
}

// EnqueueEvidence buffers an evidence bundle.
func (s *Spool) EnqueueEvidence(bundle model.EvidenceBundle) error {
	return s.enqueue(kindEvidence, bundle)
}

func (s *Spool) enqueue(kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("spool: marshal %s: %w", kind, err)
	}
	if _, err := s.db.Exec(`INSERT INTO pending (kind, payload) VALUES (?, ?)`, kind, data); err != nil {
		return fmt.Errorf("spool: enqueue %s: %w", kind, err)
	}
	return nil
}

// Len returns the number of buffered records.
func (s *Spool) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending`).Scan(&n); err != nil {
		return 0, fmt.Errorf("spool: count: %w", err)
	}
	return n, nil
}

// Drain replays buffered records into the target in insertion order and
// deletes the rows that landed. It stops at the first target error so the
// next drain retries from the same position. Returns the number of records
// drained.
func (s *Spool) Drain(ctx context.Context, target Target) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, payload FROM pending ORDER BY id LIMIT ?`, drainBatchSize)
	if err != nil {
		return 0, fmt.Errorf("spool: select pending: %w", err)
	}

	type record struct {
		id      int64
		kind    string
		payload []byte
	}
	var batch []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.id, &r.kind, &r.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("spool: scan pending: %w", err)
		}
		batch = append(batch, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("spool: iterate pending: %w", err)
	}

	drained := 0
	for _, r := range batch {
		if err := s.apply(ctx, target, r.kind, r.payload); err != nil {
			return drained, fmt.Errorf("spool: drain record %d: %w", r.id, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE id = ?`, r.id); err != nil {
			return drained, fmt.Errorf("spool: delete record %d: %w", r.id, err)
		}
		drained++
	}
	return drained, nil
}

func (s *Spool) apply(ctx context.Context, target Target, kind string, payload []byte) error {
	switch kind {
	case kindRun:
		var run model.RunRecord
		if err := json.Unmarshal(payload, &run); err != nil {
			// A corrupt row would wedge the queue; log and let the caller
			// delete it.
			s.logger.Error("spool: dropping undecodable run record", "error", err)
			return nil
		}
		return target.CompleteRun(ctx, run)
	case kindEvidence:
		var bundle model.EvidenceBundle
		if err := json.Unmarshal(payload, &bundle); err != nil {
			s.logger.Error("spool: dropping undecodable evidence bundle", "error", err)
			return nil
		}
		return target.ReplaceEvidence(ctx, bundle)
	default:
		s.logger.Error("spool: dropping record of unknown kind", "kind", kind)
		return nil
	}
}

// RunDrainer drains the spool on an interval until ctx is cancelled.
func (s *Spool) RunDrainer(ctx context.Context, target Target, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.Drain(ctx, target)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("spool: drain failed", "drained", n, "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("spool: drained buffered records", "count", n)
			}
		}
	}
}
