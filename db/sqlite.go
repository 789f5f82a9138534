// Package db persists training run history in SQLite so past runs and
// their loss curves survive restarts and can be served over the API.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// Run lifecycle states.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Run is one training invocation of a model.
type Run struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	Rows         int       `json:"rows"`
	Epochs       int       `json:"epochs"`
	BatchSize    int       `json:"batch_size"`
	HoldoutRatio float64   `json:"holdout_ratio"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
}

// EpochLoss is one member's loss at one epoch of a run.
type EpochLoss struct {
	Epoch   int     `json:"epoch"`
	Member  int     `json:"member"`
	Loss    float64 `json:"loss"`
	Holdout bool    `json:"holdout"`
}

// Store wraps the SQLite database holding run history.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the run history database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("db: create data dir: %w", err)
		}
	}
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}

	query := `
    CREATE TABLE IF NOT EXISTS training_runs (
        id TEXT PRIMARY KEY,
        model TEXT NOT NULL,
        status TEXT NOT NULL,
        rows INTEGER NOT NULL,
        epochs INTEGER NOT NULL,
        batch_size INTEGER NOT NULL,
        holdout_ratio REAL NOT NULL,
        error TEXT NOT NULL DEFAULT '',
        started_at DATETIME NOT NULL,
        finished_at DATETIME
    );
    CREATE TABLE IF NOT EXISTS epoch_losses (
        run_id TEXT NOT NULL,
        epoch INTEGER NOT NULL,
        member INTEGER NOT NULL,
        loss REAL NOT NULL,
        holdout INTEGER NOT NULL,
        PRIMARY KEY (run_id, epoch, member)
    );
    `
	if _, err := database.Exec(query); err != nil {
		database.Close()
		return nil, fmt.Errorf("db: create tables: %w", err)
	}

	logger.Info("run history opened", zap.String("path", path))
	return &Store{db: database, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun records a new run in the running state and returns it.
func (s *Store) StartRun(model string, rows, epochs, batchSize int, holdoutRatio float64) (*Run, error) {
	if model == "" {
		return nil, errors.New("db: model name required")
	}
	run := &Run{
		ID:           uuid.NewString(),
		Model:        model,
		Status:       StatusRunning,
		Rows:         rows,
		Epochs:       epochs,
		BatchSize:    batchSize,
		HoldoutRatio: holdoutRatio,
		StartedAt:    time.Now().UTC(),
	}

	_, err := s.db.Exec(`
        INSERT INTO training_runs (id, model, status, rows, epochs, batch_size, holdout_ratio, started_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Model, run.Status, run.Rows, run.Epochs, run.BatchSize, run.HoldoutRatio, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("db: start run: %w", err)
	}

	s.logger.Info("run started", zap.String("run_id", run.ID), zap.String("model", model))
	return run, nil
}

// FinishRun marks a run as finished or failed.
func (s *Store) FinishRun(id, status, errMsg string) error {
	if status != StatusFinished && status != StatusFailed {
		return fmt.Errorf("db: invalid final status %q", status)
	}
	res, err := s.db.Exec(`
        UPDATE training_runs SET status = ?, error = ?, finished_at = ?
        WHERE id = ?`,
		status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("db: finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("db: no run with id %s", id)
	}
	return nil
}

// LogEpoch stores every member's loss for one epoch of a run.
func (s *Store) LogEpoch(runID string, epoch int, holdout bool, losses []float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
        INSERT OR REPLACE INTO epoch_losses (run_id, epoch, member, loss, holdout)
        VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for member, loss := range losses {
		if _, err := stmt.Exec(runID, epoch, member, loss, holdout); err != nil {
			tx.Rollback()
			return fmt.Errorf("db: log epoch: %w", err)
		}
	}
	return tx.Commit()
}

// GetRun returns one run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	var run Run
	var finished sql.NullTime
	err := s.db.QueryRow(`
        SELECT id, model, status, rows, epochs, batch_size, holdout_ratio, error, started_at, finished_at
        FROM training_runs
        WHERE id = ?`, id).Scan(
		&run.ID, &run.Model, &run.Status, &run.Rows, &run.Epochs,
		&run.BatchSize, &run.HoldoutRatio, &run.Error, &run.StartedAt, &finished)
	if err != nil {
		return nil, fmt.Errorf("db: get run %s: %w", id, err)
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
        SELECT id, model, status, rows, epochs, batch_size, holdout_ratio, error, started_at, finished_at
        FROM training_runs
        ORDER BY rowid DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		var run Run
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Model, &run.Status, &run.Rows, &run.Epochs,
			&run.BatchSize, &run.HoldoutRatio, &run.Error, &run.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			run.FinishedAt = finished.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunEpochs returns every logged loss for a run, ordered by epoch then
// member.
func (s *Store) RunEpochs(runID string) ([]EpochLoss, error) {
	rows, err := s.db.Query(`
        SELECT epoch, member, loss, holdout
        FROM epoch_losses
        WHERE run_id = ?
        ORDER BY epoch, member`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	losses := make([]EpochLoss, 0)
	for rows.Next() {
		var e EpochLoss
		if err := rows.Scan(&e.Epoch, &e.Member, &e.Loss, &e.Holdout); err != nil {
			return nil, err
		}
		losses = append(losses, e)
	}
	return losses, rows.Err()
}
