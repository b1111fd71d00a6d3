// Package history keeps a SQLite ledger of training runs, their epoch
// summaries and the checkpoint files they wrote.
package history

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tsawler/go-voxel/training"
)

//go:embed schema.sql
var schemaSQL string

// ErrUnknownRun is returned for a run ID that was never started.
var ErrUnknownRun = errors.New("unknown run")

// DB is a run ledger. It implements training.EpochRecorder.
type DB struct {
	*sql.DB
}

var _ training.EpochRecorder = (*DB)(nil)

// Open opens or creates the ledger at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// Single connection serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}
	return &DB{db}, nil
}

// Fixed-width UTC timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func timestamp(t time.Time) string { return t.UTC().Format(timeLayout) }

// StartRun inserts a run in the running state.
func (db *DB) StartRun(run training.RunInfo) error {
	if _, err := uuid.Parse(run.ID); err != nil {
		return fmt.Errorf("invalid run id %q: %w", run.ID, err)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO runs (id, started_at, start_epoch, target_epochs, samples, data_dir, weights_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, timestamp(run.StartedAt), run.StartEpoch, run.TargetEpochs, run.Samples, run.DataDir, run.WeightsDir)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// RecordEpoch stores one epoch summary. Re-recording an epoch replaces it.
func (db *DB) RecordEpoch(runID string, s training.EpochSummary) error {
	if err := db.requireRun(runID); err != nil {
		return err
	}
	_, err := db.Exec(`
		INSERT OR REPLACE INTO epochs
			(run_id, epoch, batches, loss_d, loss_d_std, loss_g, loss_g_std, loss_l1, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, s.Epoch, s.Batches, s.MeanLossD, s.StdLossD, s.MeanLossG, s.StdLossG, s.MeanL1, s.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert epoch: %w", err)
	}
	return nil
}

// RecordCheckpoint notes a checkpoint file written for epoch.
func (db *DB) RecordCheckpoint(runID string, epoch int, kind, path string) error {
	if err := db.requireRun(runID); err != nil {
		return err
	}
	_, err := db.Exec(`
		INSERT INTO checkpoints (run_id, epoch, kind, path, written_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, epoch, kind, path, timestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// FinishRun sets the final status and end time of a run.
func (db *DB) FinishRun(runID, status string) error {
	res, err := db.Exec(`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, timestamp(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return nil
}

func (db *DB) requireRun(runID string) error {
	var one int
	err := db.QueryRow(`SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up run: %w", err)
	}
	return nil
}

// Run is a row of the runs table.
type Run struct {
	ID           string
	Status       string
	StartEpoch   int
	TargetEpochs int
	Samples      int
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// Runs lists runs, most recent first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`
		SELECT id, status, start_epoch, target_epochs, samples, started_at, finished_at
		FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.Status, &r.StartEpoch, &r.TargetEpochs, &r.Samples, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("bad started_at for run %s: %w", r.ID, err)
		}
		if finished.Valid {
			t, err := time.Parse(timeLayout, finished.String)
			if err != nil {
				return nil, fmt.Errorf("bad finished_at for run %s: %w", r.ID, err)
			}
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Epochs returns the recorded summaries of a run ordered by epoch.
func (db *DB) Epochs(runID string) (training.History, error) {
	rows, err := db.Query(`
		SELECT epoch, batches, loss_d, loss_d_std, loss_g, loss_g_std, loss_l1, duration_ms
		FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query epochs: %w", err)
	}
	defer rows.Close()

	var h training.History
	for rows.Next() {
		var s training.EpochSummary
		var ms int64
		if err := rows.Scan(&s.Epoch, &s.Batches, &s.MeanLossD, &s.StdLossD, &s.MeanLossG, &s.StdLossG, &s.MeanL1, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		s.Duration = time.Duration(ms) * time.Millisecond
		h = append(h, s)
	}
	return h, rows.Err()
}

// CheckpointPaths returns the files recorded for a run, in write order.
func (db *DB) CheckpointPaths(runID string) ([]string, error) {
	rows, err := db.Query(`SELECT path FROM checkpoints WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
