// Package db persists experiment runs and their progress to SQLite so
// visibility trajectories and delay calibrations survive the process.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// NewDB opens (or creates) the experiment database at path and ensures
// the baseline schema exists.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id            TEXT PRIMARY KEY,
			started_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			finished_at       TIMESTAMP,
			final_visibility  DOUBLE
		);
		CREATE TABLE IF NOT EXISTS visibility_samples (
			sample_id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id             TEXT NOT NULL,
			step               TEXT NOT NULL,
			visibility         DOUBLE,
			coincidences       BIGINT,
			offset_picos       BIGINT,
			timestamp          TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);
		CREATE TABLE IF NOT EXISTS delay_estimates (
			estimate_id        INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id             TEXT NOT NULL,
			delay_picos        BIGINT,
			lag                BIGINT,
			peak_z             DOUBLE,
			timestamp          TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// Run is one experiment from start to convergence.
type Run struct {
	RunID           string     `json:"run_id"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	FinalVisibility *float64   `json:"final_visibility,omitempty"`
}

// Sample is one recorded orchestrator step.
type Sample struct {
	RunID        string    `json:"run_id"`
	Step         string    `json:"step"`
	Visibility   float64   `json:"visibility"`
	Coincidences uint64    `json:"coincidences"`
	OffsetPicos  int64     `json:"offset_picos"`
	Timestamp    time.Time `json:"timestamp"`
}

// CreateRun registers a new experiment run and returns its ID.
func (db *DB) CreateRun() (string, error) {
	runID := uuid.New().String()
	if _, err := db.Exec(`INSERT INTO runs (run_id) VALUES (?)`, runID); err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return runID, nil
}

// RecordSample appends one orchestrator step snapshot to a run.
func (db *DB) RecordSample(runID, step string, visibility float64, coincidences uint64, offsetPicos int64) error {
	_, err := db.Exec(`
		INSERT INTO visibility_samples (run_id, step, visibility, coincidences, offset_picos)
		VALUES (?, ?, ?, ?, ?)`,
		runID, step, visibility, int64(coincidences), offsetPicos)
	if err != nil {
		return fmt.Errorf("failed to record sample: %w", err)
	}
	return nil
}

// RecordDelay stores one cross-correlation delay estimate.
func (db *DB) RecordDelay(runID string, delayPicos int64, lag int, peakZ float64) error {
	_, err := db.Exec(`
		INSERT INTO delay_estimates (run_id, delay_picos, lag, peak_z)
		VALUES (?, ?, ?, ?)`,
		runID, delayPicos, int64(lag), peakZ)
	if err != nil {
		return fmt.Errorf("failed to record delay estimate: %w", err)
	}
	return nil
}

// FinishRun marks a run complete with its final visibility.
func (db *DB) FinishRun(runID string, finalVisibility float64) error {
	res, err := db.Exec(`
		UPDATE runs SET finished_at = CURRENT_TIMESTAMP, final_visibility = ?
		WHERE run_id = ?`,
		finalVisibility, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no such run %s", runID)
	}
	return nil
}

// ListRuns returns all runs, newest first.
func (db *DB) ListRuns() ([]Run, error) {
	rows, err := db.Query(`
		SELECT run_id, started_at, finished_at, final_visibility
		FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &r.FinalVisibility); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListSamples returns a run's step snapshots in recording order.
func (db *DB) ListSamples(runID string) ([]Sample, error) {
	rows, err := db.Query(`
		SELECT run_id, step, visibility, coincidences, offset_picos, timestamp
		FROM visibility_samples WHERE run_id = ? ORDER BY sample_id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var s Sample
		var coincidences int64
		if err := rows.Scan(&s.RunID, &s.Step, &s.Visibility, &coincidences, &s.OffsetPicos, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.Coincidences = uint64(coincidences)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
