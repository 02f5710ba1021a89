// Package store persists the run index: a small SQLite catalog of runs,
// their log directories, and their latest verification verdicts. The index
// is operational convenience only; the JSONL streams remain the source of
// truth and replay never consults the index.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// RunSummary is one catalogued run.
type RunSummary struct {
	RunID            string
	LogDir           string
	KernelVersion    string
	ConstitutionHash string
	StartedAt        time.Time
	CompletedAt      time.Time
	Cycles           int64
	FinalHash        string

	Verified        bool
	VerifiedOK      bool
	VerifiedAt      time.Time
	FirstDivergence int64
}

// RunIndex catalogs runs in a SQLite database.
type RunIndex struct {
	db *sql.DB
}

// Open opens (or creates) the index at path. ":memory:" works for tests.
func Open(path string) (*RunIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	idx := &RunIndex{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Close closes the underlying database.
func (s *RunIndex) Close() error { return s.db.Close() }

func (s *RunIndex) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		log_dir TEXT NOT NULL,
		kernel_version TEXT NOT NULL,
		constitution_hash TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL DEFAULT '',
		cycles INTEGER NOT NULL DEFAULT 0,
		final_hash TEXT NOT NULL DEFAULT '',
		verified INTEGER NOT NULL DEFAULT 0,
		verified_ok INTEGER NOT NULL DEFAULT 0,
		verified_at TEXT NOT NULL DEFAULT '',
		first_divergence INTEGER NOT NULL DEFAULT -1
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// RecordStart registers a freshly started run.
func (s *RunIndex) RecordStart(ctx context.Context, runID, logDir, kernelVersion, constitutionHash string, startedAt time.Time) error {
	query := `INSERT INTO runs (run_id, log_dir, kernel_version, constitution_hash, started_at)
		VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		runID, logDir, kernelVersion, constitutionHash, startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: record start %s: %w", runID, err)
	}
	return nil
}

// RecordComplete marks a run finished.
func (s *RunIndex) RecordComplete(ctx context.Context, runID string, cycles int64, finalHash string, completedAt time.Time) error {
	query := `UPDATE runs SET completed_at = ?, cycles = ?, final_hash = ? WHERE run_id = ?`
	res, err := s.db.ExecContext(ctx, query,
		completedAt.UTC().Format(time.RFC3339Nano), cycles, finalHash, runID)
	if err != nil {
		return fmt.Errorf("store: record complete %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// RecordVerification stores the latest replay verdict for a run.
func (s *RunIndex) RecordVerification(ctx context.Context, runID string, ok bool, firstDivergence int64, at time.Time) error {
	query := `UPDATE runs SET verified = 1, verified_ok = ?, verified_at = ?, first_divergence = ? WHERE run_id = ?`
	res, err := s.db.ExecContext(ctx, query,
		boolInt(ok), at.UTC().Format(time.RFC3339Nano), firstDivergence, runID)
	if err != nil {
		return fmt.Errorf("store: record verification %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// Get looks up one run.
func (s *RunIndex) Get(ctx context.Context, runID string) (RunSummary, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE run_id = ?`, runID)
	sum, err := scanRun(row)
	if err == sql.ErrNoRows {
		return RunSummary{}, fmt.Errorf("store: run %q not found", runID)
	}
	if err != nil {
		return RunSummary{}, fmt.Errorf("store: get %s: %w", runID, err)
	}
	return sum, nil
}

// List returns the most recently started runs.
func (s *RunIndex) List(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunSummary
	for rows.Next() {
		sum, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

const selectColumns = `SELECT run_id, log_dir, kernel_version, constitution_hash, started_at,
	completed_at, cycles, final_hash, verified, verified_ok, verified_at, first_divergence FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunSummary, error) {
	var (
		sum                               RunSummary
		startedAt, completedAt, verifiedAt string
		verified, verifiedOK              int
	)
	err := row.Scan(&sum.RunID, &sum.LogDir, &sum.KernelVersion, &sum.ConstitutionHash,
		&startedAt, &completedAt, &sum.Cycles, &sum.FinalHash,
		&verified, &verifiedOK, &verifiedAt, &sum.FirstDivergence)
	if err != nil {
		return RunSummary{}, err
	}
	sum.StartedAt = parseTime(startedAt)
	sum.CompletedAt = parseTime(completedAt)
	sum.VerifiedAt = parseTime(verifiedAt)
	sum.Verified = verified != 0
	sum.VerifiedOK = verifiedOK != 0
	return sum, nil
}

func requireRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: run %q not found", runID)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
