package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/cmsbatch/dbopen"
)

// SQLiteStore is a durable Store backed by a single change_logs table.
// Records are stored as a JSON blob per log: logs are small (one batch's
// worth of field edits), always read whole, and keyed only by rollback id.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS change_logs (
//	    rollback_id   TEXT PRIMARY KEY,
//	    created_at    INTEGER NOT NULL,  -- milliseconds since epoch
//	    status        TEXT NOT NULL,
//	    total_changes INTEGER NOT NULL,
//	    changes       BLOB NOT NULL      -- JSON array of change records
//	);
//	CREATE INDEX IF NOT EXISTS idx_change_logs_created ON change_logs (created_at);
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over db. Call EnsureTable once at startup.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// EnsureTable creates the change_logs table and index if they don't exist.
func (s *SQLiteStore) EnsureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS change_logs (
			rollback_id   TEXT PRIMARY KEY,
			created_at    INTEGER NOT NULL,
			status        TEXT NOT NULL,
			total_changes INTEGER NOT NULL,
			changes       BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_change_logs_created ON change_logs (created_at);
	`)
	return err
}

// Put inserts a log. Rollback ids are unique per batch, so an existing row
// with the same id is a programming error and surfaces as a constraint
// violation.
func (s *SQLiteStore) Put(ctx context.Context, log *ChangeLog) error {
	blob, err := json.Marshal(log.Changes)
	if err != nil {
		return fmt.Errorf("sqlite store: marshal changes: %w", err)
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO change_logs (rollback_id, created_at, status, total_changes, changes)
			 VALUES (?,?,?,?,?)`,
			log.RollbackID, log.Timestamp, string(log.Status), log.TotalChanges, blob,
		)
		return err
	})
}

// Get returns a log by id, or nil when unknown.
func (s *SQLiteStore) Get(ctx context.Context, rollbackID string) (*ChangeLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT rollback_id, created_at, status, total_changes, changes
		 FROM change_logs WHERE rollback_id = ?`, rollbackID)
	log, err := scanLog(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return log, err
}

// List returns all stored logs.
func (s *SQLiteStore) List(ctx context.Context) ([]*ChangeLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rollback_id, created_at, status, total_changes, changes
		 FROM change_logs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*ChangeLog
	for rows.Next() {
		log, err := scanLog(rows.Scan)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// Delete removes logs by id.
func (s *SQLiteStore) Delete(ctx context.Context, rollbackIDs ...string) error {
	if len(rollbackIDs) == 0 {
		return nil
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, id := range rollbackIDs {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM change_logs WHERE rollback_id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanLog(scan func(...any) error) (*ChangeLog, error) {
	var log ChangeLog
	var status string
	var blob []byte
	if err := scan(&log.RollbackID, &log.Timestamp, &status, &log.TotalChanges, &blob); err != nil {
		return nil, err
	}
	log.Status = Status(status)
	if err := json.Unmarshal(blob, &log.Changes); err != nil {
		return nil, fmt.Errorf("sqlite store: unmarshal changes for %s: %w", log.RollbackID, err)
	}
	return &log, nil
}
