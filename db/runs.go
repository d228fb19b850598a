package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const runColumns = `id, mailbox_id, status, dry_run, error_msg, synced, skipped, moved,
	quarantined, errors, transform_errors, started_at, ended_at`

// LogStartRun records a new run in the Running state and returns its id.
func (s *Store) LogStartRun(ctx context.Context, mailboxID string, dryRun bool) (string, error) {
	id := uuid.NewString()
	query := s.q(`insert into sync_runs (id, mailbox_id, status, dry_run, started_at) values (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, id, mailboxID, string(RunRunning), dryRun, unix(s.now())); err != nil {
		return "", fmt.Errorf("failed to insert run for mailbox %s: %w", mailboxID, err)
	}
	return id, nil
}

// MarkRunFinished stores the final status, tallies and error message of a run.
func (s *Store) MarkRunFinished(ctx context.Context, runID, mailboxID string, status RunStatus, counts RunCounts, errMsg string) error {
	query := s.q(`update sync_runs set
			mailbox_id = case when ? = '' then mailbox_id else ? end,
			status = ?, error_msg = ?, synced = ?, skipped = ?, moved = ?,
			quarantined = ?, errors = ?, transform_errors = ?, ended_at = ?
		where id = ?`)
	res, err := s.db.ExecContext(ctx, query, mailboxID, mailboxID, string(status), nullString(errMsg),
		counts.Synced, counts.Skipped, counts.Moved, counts.Quarantined, counts.Errors, counts.TransformErrors,
		unix(s.now()), runID)
	if err != nil {
		return fmt.Errorf("failed to mark run %s as %s: %w", runID, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to mark run %s as %s: %w", runID, status, ErrNotFound)
	}
	return nil
}

// GetRun returns nil when the run does not exist.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.q(`select `+runColumns+` from sync_runs where id = ?`), runID)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	run := row.toRun()
	return &run, nil
}

// ListRuns returns one page of runs, newest first, and the total count.
func (s *Store) ListRuns(ctx context.Context, pageNo int) ([]Run, int, error) {
	limit, offset := pageBounds(pageNo)

	var count int
	if err := s.db.GetContext(ctx, &count, `select count(*) from sync_runs`); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	var rows []runRow
	query := s.q(`select ` + runColumns + ` from sync_runs order by started_at desc, id limit ? offset ?`)
	if err := s.db.SelectContext(ctx, &rows, query, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to list runs page %d: %w", pageNo, err)
	}
	runs := make([]Run, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, r.toRun())
	}
	return runs, count, nil
}
