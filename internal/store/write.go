package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EnsureDeployment records d if its root is new and otherwise checks that
// the recorded depth matches. It returns the deployment as stored, which
// keeps the original CreatedAt on repeat calls.
//
// Returns ErrDepthMismatch (wrapped) when the root is already pinned to a
// different depth.
func (s *Store) EnsureDeployment(ctx context.Context, d Deployment) (Deployment, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (root, depth, alphabet, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(root) DO NOTHING
	`, d.Root, d.Depth, d.Alphabet, d.CreatedAt)
	if err != nil {
		return Deployment{}, fmt.Errorf("ensure deployment: %w", err)
	}

	stored, err := s.Deployment(ctx, d.Root)
	if err != nil {
		return Deployment{}, fmt.Errorf("ensure deployment: %w", err)
	}
	if stored.Depth != d.Depth {
		return stored, fmt.Errorf("%w: %s is depth %d, requested %d",
			ErrDepthMismatch, d.Root, stored.Depth, d.Depth)
	}
	return stored, nil
}

// BeginRun inserts r as a running run.
// Uses ON CONFLICT(id) DO NOTHING so a retried begin is harmless.
//
// Note: The deployment for r.Root must exist (foreign key constraint).
func (s *Store) BeginRun(ctx context.Context, r Run) error {
	if r.Status == "" {
		r.Status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, root, kind, status, separator, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.Root, string(r.Kind), string(r.Status), r.Separator, r.StartedAt)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun stores the final counters and status of a run started with
// BeginRun. Returns ErrNotFound (wrapped) if no such run exists.
func (s *Store) FinishRun(ctx context.Context, r Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, processed = ?, added = ?, dropped = ?,
		    warnings = ?, sources = ?, finished_at = ?
		WHERE id = ?
	`, string(r.Status), r.Processed, r.Added, r.Dropped,
		r.Warnings, r.Sources, r.FinishedAt, r.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// WriteRunWarning attaches a warning to a run.
// Uses ON CONFLICT DO NOTHING: the same (run, source, message) is stored once.
//
// Note: The run must exist (foreign key constraint).
func (s *Store) WriteRunWarning(ctx context.Context, w RunWarning) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_warnings (run_id, source, message)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, source, message) DO NOTHING
	`, w.RunID, w.Source, w.Message)
	if err != nil {
		return fmt.Errorf("write run warning: %w", err)
	}
	return nil
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
