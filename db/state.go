package db

import (
	"context"
	"fmt"
	"time"
)

// GetMailboxState returns nil when the mailbox has never been seen.
func (s *Store) GetMailboxState(ctx context.Context, mailboxID string) (*MailboxState, error) {
	var row mailboxRow
	err := s.db.GetContext(ctx, &row, s.q(`select mailbox_id, last_sync_time, created_at, updated_at from mailboxes where mailbox_id = ?`), mailboxID)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox state %s: %w", mailboxID, err)
	}
	return &MailboxState{
		MailboxID:    row.MailboxID,
		LastSyncTime: fromNullUnix(row.LastSyncTime),
		CreatedAt:    fromUnix(row.CreatedAt),
		UpdatedAt:    fromUnix(row.UpdatedAt),
	}, nil
}

// UpsertMailboxState creates the mailbox record if needed. A nil lastSync
// leaves any stored value in place.
func (s *Store) UpsertMailboxState(ctx context.Context, mailboxID string, lastSync *time.Time) error {
	now := unix(s.now())
	query := s.q(`insert into mailboxes (mailbox_id, last_sync_time, created_at, updated_at)
		values (?, ?, ?, ?)
		on conflict (mailbox_id) do update set
			last_sync_time = coalesce(excluded.last_sync_time, mailboxes.last_sync_time),
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, mailboxID, nullUnix(lastSync), now, now); err != nil {
		return fmt.Errorf("failed to upsert mailbox state %s: %w", mailboxID, err)
	}
	return nil
}

// GetCheckpoint returns nil when the container has no checkpoint.
func (s *Store) GetCheckpoint(ctx context.Context, containerRemoteID string) (*Checkpoint, error) {
	var row checkpointRow
	query := s.q(`select container_remote_id, start_cursor, page_token, latest_cursor, items_committed, error_count, updated_at
		from sync_checkpoints where container_remote_id = ?`)
	err := s.db.GetContext(ctx, &row, query, containerRemoteID)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint for container %s: %w", containerRemoteID, err)
	}
	return &Checkpoint{
		ContainerRemoteID: row.ContainerRemoteID,
		StartCursor:       row.StartCursor.String,
		PageToken:         row.PageToken.String,
		LatestCursor:      row.LatestCursor.String,
		ItemsCommitted:    row.ItemsCommitted,
		ErrorCount:        row.ErrorCount,
		UpdatedAt:         fromUnix(row.UpdatedAt),
	}, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = s.now().UTC()
	query := s.q(`insert into sync_checkpoints
			(container_remote_id, start_cursor, page_token, latest_cursor, items_committed, error_count, updated_at)
		values (?, ?, ?, ?, ?, ?, ?)
		on conflict (container_remote_id) do update set
			start_cursor = excluded.start_cursor,
			page_token = excluded.page_token,
			latest_cursor = excluded.latest_cursor,
			items_committed = excluded.items_committed,
			error_count = excluded.error_count,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query, cp.ContainerRemoteID, nullString(cp.StartCursor), nullString(cp.PageToken),
		nullString(cp.LatestCursor), cp.ItemsCommitted, cp.ErrorCount, unix(cp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for container %s: %w", cp.ContainerRemoteID, err)
	}
	return nil
}
