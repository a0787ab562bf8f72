package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/taskforge/internal/fault"
)

// PutRecord upserts the JSON encoding of v under (kind, runID) and returns
// a reference of the form "sqlite:<kind>/<run>".
func (s *SQLiteStore) PutRecord(ctx context.Context, kind, runID string, v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fault.New(fault.ErrStorage, "record.put", fmt.Errorf("encode %s: %w", kind, err))
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_records (kind, run_id, payload, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(kind, run_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = CURRENT_TIMESTAMP
	`, kind, runID, string(payload))
	if err != nil {
		return "", storageErr("record.put", "upsert "+kind, err)
	}
	return fmt.Sprintf("sqlite:%s/%s", kind, runID), nil
}

// GetRecord decodes the record stored under (kind, runID) into v.
func (s *SQLiteStore) GetRecord(ctx context.Context, kind, runID string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM run_records WHERE kind = ? AND run_id = ?`, kind, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.Newf(fault.ErrNotFound, "record.get", "no %s record for run %q", kind, runID)
	}
	if err != nil {
		return storageErr("record.get", "query", err)
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fault.New(fault.ErrStorage, "record.get", fmt.Errorf("decode %s: %w", kind, err))
	}
	return nil
}

// ListRecords returns the run ids holding a record of kind, sorted.
func (s *SQLiteStore) ListRecords(ctx context.Context, kind string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM run_records WHERE kind = ? ORDER BY run_id`, kind)
	if err != nil {
		return nil, storageErr("record.list", "query", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("record.list", "scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("record.list", "iterate", err)
	}
	return ids, nil
}
