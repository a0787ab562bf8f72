package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskforge/internal/checkpoint"
	"github.com/aristath/taskforge/internal/fault"
)

// Save appends cp inside one transaction: the gap check and the insert
// commit together or not at all.
func (s *SQLiteStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if err := cp.Check(); err != nil {
		return err
	}
	cp.CompletedAt = cp.CompletedAt.UTC()
	payload, err := json.Marshal(cp)
	if err != nil {
		return fault.New(fault.ErrStorage, "checkpoint.save", fmt.Errorf("encode: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// _txlock=immediate takes the write lock at BEGIN.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("checkpoint.save", "begin transaction", err)
	}
	defer tx.Rollback()

	var latest int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_number), 0) FROM checkpoints WHERE run_id = ?`, cp.RunID).Scan(&latest)
	if err != nil {
		return storageErr("checkpoint.save", "read latest", err)
	}
	if err := checkpoint.CheckAppend(cp, latest); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, step_number, step_id, step_name, completed_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cp.RunID, cp.StepNumber, cp.StepID, cp.StepName, cp.CompletedAt.Format(time.RFC3339Nano), string(payload))
	if err != nil {
		if isConstraint(err) {
			return fault.Newf(fault.ErrValidation, "checkpoint.save", "run %s step %d already written", cp.RunID, cp.StepNumber)
		}
		return storageErr("checkpoint.save", "insert", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("checkpoint.save", "commit", err)
	}
	return nil
}

// Latest returns the highest-numbered checkpoint of runID.
func (s *SQLiteStore) Latest(ctx context.Context, runID string) (checkpoint.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints
		WHERE run_id = ?
		ORDER BY step_number DESC
		LIMIT 1
	`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, fault.Newf(fault.ErrNotFound, "checkpoint.latest", "no checkpoints for run %q", runID)
	}
	if err != nil {
		return checkpoint.Checkpoint{}, storageErr("checkpoint.latest", "query", err)
	}
	return decodeCheckpoint(payload)
}

// List returns every checkpoint of runID in step order.
func (s *SQLiteStore) List(ctx context.Context, runID string) ([]checkpoint.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM checkpoints
		WHERE run_id = ?
		ORDER BY step_number ASC
	`, runID)
	if err != nil {
		return nil, storageErr("checkpoint.list", "query", err)
	}
	defer rows.Close()

	var list []checkpoint.Checkpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storageErr("checkpoint.list", "scan", err)
		}
		cp, err := decodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		list = append(list, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("checkpoint.list", "iterate", err)
	}
	return list, nil
}

// ListResumable returns every run id with at least one checkpoint.
func (s *SQLiteStore) ListResumable(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT run_id FROM checkpoints ORDER BY run_id`)
	if err != nil {
		return nil, storageErr("checkpoint.resumable", "query", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("checkpoint.resumable", "scan", err)
		}
		runs = append(runs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("checkpoint.resumable", "iterate", err)
	}
	return runs, nil
}

func decodeCheckpoint(payload string) (checkpoint.Checkpoint, error) {
	cp, err := checkpoint.Decode([]byte(payload))
	if err != nil {
		return checkpoint.Checkpoint{}, fault.New(fault.ErrStorage, "checkpoint.decode", err)
	}
	return cp, nil
}

func storageErr(op, what string, err error) error {
	return fault.New(fault.ErrStorage, op, fmt.Errorf("%s: %w", what, err))
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "constraint failed")
}
