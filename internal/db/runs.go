package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrRunNotFound = errors.New("db: run not found")

// Run is one pipeline execution.
type Run struct {
	ID         string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Version    string     `json:"version"`
	ConfigJSON string     `json:"config"`
	Results    int        `json:"results"`
}

// StartRun inserts a new run with a fresh UUID. cfg is stored as JSON for
// later comparison between runs.
func (db *DB) StartRun(version string, cfg any, at time.Time) (Run, error) {
	b, err := sonic.Marshal(cfg)
	if err != nil {
		return Run{}, fmt.Errorf("failed to encode run config: %w", err)
	}
	run := Run{
		ID:         uuid.NewString(),
		StartedAt:  at.UTC(),
		Version:    version,
		ConfigJSON: string(b),
	}
	if _, err := db.Exec(
		`INSERT INTO runs (run_id, started_at, version, config_json) VALUES (?, ?, ?, ?)`,
		run.ID, run.StartedAt, run.Version, run.ConfigJSON,
	); err != nil {
		return Run{}, fmt.Errorf("failed to insert run: %w", err)
	}
	db.log.Info("run started", zap.String("run_id", run.ID), zap.String("version", version))
	return run, nil
}

// FinishRun stamps the run's end time.
func (db *DB) FinishRun(id string, at time.Time) error {
	res, err := db.Exec(`UPDATE runs SET finished_at = ? WHERE run_id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// Runs lists runs newest first with their result counts.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`
		SELECT r.run_id, r.started_at, r.finished_at, r.version, r.config_json,
		       (SELECT COUNT(*) FROM results WHERE results.run_id = r.run_id)
		FROM runs r
		ORDER BY r.started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.Version, &r.ConfigJSON, &r.Results); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recently started run.
func (db *DB) LatestRun() (Run, error) {
	runs, err := db.Runs()
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrRunNotFound
	}
	return runs[0], nil
}
