// Package store keeps the detection history in SQLite: one row per run of
// the shield and one row per published detection.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MiMickyyy/NICU-Noise-Shield/internal/detector"
)

// ErrRunNotFound is returned when no run exists for an ID.
var ErrRunNotFound = errors.New("run not found")

// RunSettings records the configuration a run was started with.
type RunSettings struct {
	SampleRate   float64 `json:"sample_rate"`
	Channels     int     `json:"channels"`
	BlockSize    int     `json:"block_size"`
	FilterLength int     `json:"filter_length"`
	StepSize     float64 `json:"step_size"`
	TriggerLabel string  `json:"trigger_label"`
	Simulated    bool    `json:"simulated"`
}

// RunSummary records how a run ended.
type RunSummary struct {
	Blocks uint64 `json:"blocks"`
	Muted  uint64 `json:"muted"`
	Xruns  uint64 `json:"xruns"`
	Faults uint64 `json:"faults"`
	Reason string `json:"end_reason"`
}

// Run is a persisted run.
type Run struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"` // zero while running or if the process died
	RunSettings
	RunSummary
}

// DetectionRow is a persisted detection.
type DetectionRow struct {
	ID            int64         `json:"id"`
	RunID         string        `json:"run_id"`
	Label         string        `json:"label"`
	Confidence    float64       `json:"confidence"`
	ClassIndex    int           `json:"class_index"`
	Probabilities []float32     `json:"probabilities"`
	Timestamp     time.Time     `json:"ts"`
	Elapsed       time.Duration `json:"elapsed_ns"`
}

// Store persists run and detection history in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection keeps PRAGMA foreign_keys in effect for every statement.
	db.SetMaxOpenConns(1)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at_unix_ms INTEGER NOT NULL,
	ended_at_unix_ms INTEGER NOT NULL DEFAULT 0,
	sample_rate REAL NOT NULL,
	channels INTEGER NOT NULL,
	block_size INTEGER NOT NULL,
	filter_length INTEGER NOT NULL,
	step_size REAL NOT NULL,
	trigger_label TEXT NOT NULL,
	simulated INTEGER NOT NULL DEFAULT 0,
	blocks INTEGER NOT NULL DEFAULT 0,
	muted INTEGER NOT NULL DEFAULT 0,
	xruns INTEGER NOT NULL DEFAULT 0,
	faults INTEGER NOT NULL DEFAULT 0,
	end_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at_unix_ms);

CREATE TABLE IF NOT EXISTS detections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	label TEXT NOT NULL,
	confidence REAL NOT NULL,
	class_index INTEGER NOT NULL,
	probabilities TEXT NOT NULL DEFAULT '[]',
	ts_unix_ms INTEGER NOT NULL,
	elapsed_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_detections_ts ON detections(ts_unix_ms);
CREATE INDEX IF NOT EXISTS idx_detections_run ON detections(run_id, ts_unix_ms);
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}

	slog.Debug("sqlite migrations applied")
	return nil
}

// StartRun creates a run row and returns its UUID.
func (s *Store) StartRun(ctx context.Context, settings RunSettings) (string, error) {
	id := uuid.NewString()
	const q = `
INSERT INTO runs (
	id, started_at_unix_ms, sample_rate, channels, block_size, filter_length, step_size, trigger_label, simulated
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(ctx, q,
		id,
		time.Now().UnixMilli(),
		settings.SampleRate,
		settings.Channels,
		settings.BlockSize,
		settings.FilterLength,
		settings.StepSize,
		settings.TriggerLabel,
		settings.Simulated,
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	slog.Debug("run started", "run_id", id)
	return id, nil
}

// EndRun stamps the end time and final counters of a run.
func (s *Store) EndRun(ctx context.Context, id string, sum RunSummary) error {
	const q = `
UPDATE runs SET ended_at_unix_ms = ?, blocks = ?, muted = ?, xruns = ?, faults = ?, end_reason = ?
WHERE id = ?
`
	res, err := s.db.ExecContext(ctx, q,
		time.Now().UnixMilli(),
		int64(sum.Blocks), int64(sum.Muted), int64(sum.Xruns), int64(sum.Faults),
		sum.Reason,
		id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	slog.Debug("run ended", "run_id", id, "reason", sum.Reason)
	return nil
}

// Runs returns the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, started_at_unix_ms, ended_at_unix_ms, sample_rate, channels, block_size, filter_length,
	step_size, trigger_label, simulated, blocks, muted, xruns, faults, end_reason
FROM runs
ORDER BY started_at_unix_ms DESC, rowid DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r              Run
			started, ended int64
			blocks, muted  int64
			xruns, faults  int64
		)
		if err := rows.Scan(&r.ID, &started, &ended, &r.SampleRate, &r.Channels, &r.BlockSize, &r.FilterLength,
			&r.StepSize, &r.TriggerLabel, &r.Simulated, &blocks, &muted, &xruns, &faults, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if ended > 0 {
			r.EndedAt = time.UnixMilli(ended).UTC()
		}
		r.Blocks, r.Muted, r.Xruns, r.Faults = uint64(blocks), uint64(muted), uint64(xruns), uint64(faults)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// InsertDetection persists a detection for runID and returns the assigned ID.
func (s *Store) InsertDetection(ctx context.Context, runID string, d detector.Detection) (int64, error) {
	if strings.TrimSpace(runID) == "" {
		return 0, fmt.Errorf("run id is required")
	}
	probs := d.Probabilities
	if probs == nil {
		probs = []float32{}
	}
	encoded, err := json.Marshal(probs)
	if err != nil {
		return 0, fmt.Errorf("encode probabilities: %w", err)
	}
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	const q = `
INSERT INTO detections (run_id, label, confidence, class_index, probabilities, ts_unix_ms, elapsed_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`
	res, err := s.db.ExecContext(ctx, q, runID, d.Label, d.Confidence, d.Index, string(encoded), ts.UnixMilli(), d.Elapsed.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("insert detection: %w", err)
	}
	id, _ := res.LastInsertId()
	slog.Debug("detection persisted", "id", id, "run_id", runID, "label", d.Label)
	return id, nil
}

// RecentDetections returns the most recent detections across all runs,
// newest first.
func (s *Store) RecentDetections(ctx context.Context, limit int) ([]DetectionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, run_id, label, confidence, class_index, probabilities, ts_unix_ms, elapsed_ms
FROM detections
ORDER BY ts_unix_ms DESC, id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []DetectionRow
	for rows.Next() {
		var (
			d         DetectionRow
			probs     string
			ts        int64
			elapsedMS int64
		)
		if err := rows.Scan(&d.ID, &d.RunID, &d.Label, &d.Confidence, &d.ClassIndex, &probs, &ts, &elapsedMS); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		if err := json.Unmarshal([]byte(probs), &d.Probabilities); err != nil {
			return nil, fmt.Errorf("decode probabilities for detection %d: %w", d.ID, err)
		}
		d.Timestamp = time.UnixMilli(ts).UTC()
		d.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, d)
	}
	slog.Debug("detections loaded", "count", len(out))
	return out, rows.Err()
}

// Sink returns a detector.Sink that records detections under runID.
func (s *Store) Sink(runID string) detector.Sink {
	return detector.SinkFunc(func(ctx context.Context, d detector.Detection) error {
		_, err := s.InsertDetection(ctx, runID, d)
		return err
	})
}
