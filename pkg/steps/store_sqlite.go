package steps

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLiteStore keeps step results in a SQLite table.
//
// It expects an *sql.DB opened with a SQLite driver, for example:
//
//	import _ "modernc.org/sqlite"
//	db, err := sql.Open("sqlite", "steps.db")
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the step_results table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init step schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS step_results (
			run_id     TEXT NOT NULL,
			step       TEXT NOT NULL,
			value      BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, step)
		);`,
	)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, runID, step string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM step_results WHERE run_id = ? AND step = ?`,
		runID, step,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, runID, step string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO step_results (run_id, step, value) VALUES (?, ?, ?)`,
		runID, step, data,
	)
	return err
}

func (s *SQLiteStore) Forget(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM step_results WHERE run_id = ?`, runID)
	return err
}
