//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"wexplore/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (run_id, created_at, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			created_at = excluded.created_at,
			payload = excluded.payload
	`, run.RunID, run.CreatedAt.UnixNano(), payload)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (model.RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}
	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return run, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT payload FROM runs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]model.RunRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRuns(runs)
	return runs, nil
}

func (s *SQLiteStore) SaveCycle(ctx context.Context, record model.CycleRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := EncodeCycle(record)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO cycles (run_id, cycle, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, cycle) DO UPDATE SET
			payload = excluded.payload
	`, record.RunID, record.Cycle, payload)
	return err
}

func (s *SQLiteStore) GetCycle(ctx context.Context, runID string, cycle int) (model.CycleRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.CycleRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM cycles WHERE run_id = ? AND cycle = ?`, runID, cycle).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CycleRecord{}, false, nil
		}
		return model.CycleRecord{}, false, err
	}
	record, err := DecodeCycle(payload)
	if err != nil {
		return model.CycleRecord{}, false, fmt.Errorf("decode cycle %s/%d: %w", runID, cycle, err)
	}
	return record, true, nil
}

func (s *SQLiteStore) ListCycles(ctx context.Context, runID string) ([]model.CycleRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT cycle, payload FROM cycles WHERE run_id = ? ORDER BY cycle`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.CycleRecord, 0)
	for rows.Next() {
		var (
			cycle   int
			payload []byte
		)
		if err := rows.Scan(&cycle, &payload); err != nil {
			return nil, err
		}
		record, err := DecodeCycle(payload)
		if err != nil {
			return nil, fmt.Errorf("decode cycle %s/%d: %w", runID, cycle, err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS cycles (
			run_id TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, cycle)
		);
	`)
	return err
}
