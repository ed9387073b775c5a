package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Deployment returns the deployment recorded for root.
// Returns ErrNotFound (wrapped) if the root was never initialized.
func (s *Store) Deployment(ctx context.Context, root string) (Deployment, error) {
	var d Deployment
	err := s.db.QueryRowContext(ctx, `
		SELECT root, depth, alphabet, created_at
		FROM deployments
		WHERE root = ?
	`, root).Scan(&d.Root, &d.Depth, &d.Alphabet, &d.CreatedAt)
	if notFound(err) {
		return Deployment{}, fmt.Errorf("deployment %s: %w", root, ErrNotFound)
	}
	if err != nil {
		return Deployment{}, fmt.Errorf("read deployment: %w", err)
	}
	return d, nil
}

// ReadRun returns a single run by id.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, root, kind, status, separator, processed, added, dropped,
		       warnings, sources, started_at, finished_at
		FROM runs
		WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if notFound(err) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("read run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs for root, newest first.
// Ties on started_at are broken by id, which sorts by time for UUIDv7 ids.
// A limit of zero or less returns every run.
//
// Returns an empty slice (not nil) if the root has no runs.
func (s *Store) ListRuns(ctx context.Context, root string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, root, kind, status, separator, processed, added, dropped,
		       warnings, sources, started_at, finished_at
		FROM runs
		WHERE root = ?
		ORDER BY started_at DESC, id COLLATE BINARY DESC
		LIMIT ?
	`, root, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRunWarnings returns the warnings recorded for a run in insertion order.
func (s *Store) ReadRunWarnings(ctx context.Context, runID string) ([]RunWarning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, source, message
		FROM run_warnings
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run warnings: %w", err)
	}
	defer rows.Close()

	warnings := []RunWarning{}
	for rows.Next() {
		var w RunWarning
		if err := rows.Scan(&w.RunID, &w.Source, &w.Message); err != nil {
			return nil, fmt.Errorf("scan run warning: %w", err)
		}
		warnings = append(warnings, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run warnings: %w", err)
	}
	return warnings, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r            Run
		kind, status string
		finishedAt   sql.NullInt64
	)
	err := sc.Scan(&r.ID, &r.Root, &kind, &status, &r.Separator,
		&r.Processed, &r.Added, &r.Dropped, &r.Warnings, &r.Sources,
		&r.StartedAt, &finishedAt)
	if err != nil {
		return Run{}, err
	}
	r.Kind = RunKind(kind)
	r.Status = RunStatus(status)
	r.FinishedAt = finishedAt.Int64
	return r, nil
}
