package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const containerColumns = `remote_id, parent_remote_id, local_path, display_name, remote_path,
	change_cursor, last_sync_time, created_at, updated_at`

// GetContainerByRemoteID returns nil when no record exists.
func (s *Store) GetContainerByRemoteID(ctx context.Context, remoteID string) (*Container, error) {
	return s.getContainer(ctx, "remote_id", remoteID)
}

// GetContainerByLocalPath returns nil when no record exists.
func (s *Store) GetContainerByLocalPath(ctx context.Context, localPath string) (*Container, error) {
	return s.getContainer(ctx, "local_path", localPath)
}

func (s *Store) getContainer(ctx context.Context, column, value string) (*Container, error) {
	var row containerRow
	query := s.q(`select ` + containerColumns + ` from containers where ` + column + ` = ?`)
	err := s.db.GetContext(ctx, &row, query, value)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get container by %s %s: %w", column, value, err)
	}
	return row.toContainer(), nil
}

func (s *Store) ListContainers(ctx context.Context) ([]Container, error) {
	var rows []containerRow
	query := `select ` + containerColumns + ` from containers order by remote_path, remote_id`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	containers := make([]Container, 0, len(rows))
	for _, r := range rows {
		containers = append(containers, *r.toContainer())
	}
	return containers, nil
}

// ListContainerCursors maps each container remote id to its stored change
// cursor. Containers without a cursor are omitted.
func (s *Store) ListContainerCursors(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		RemoteID     string `db:"remote_id"`
		ChangeCursor string `db:"change_cursor"`
	}
	query := `select distinct remote_id, change_cursor from containers where change_cursor is not null`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list container cursors: %w", err)
	}
	cursors := make(map[string]string, len(rows))
	for _, r := range rows {
		cursors[r.RemoteID] = r.ChangeCursor
	}
	return cursors, nil
}

// UpsertContainer inserts a container or refreshes its remote metadata. The
// local path and change cursor of an existing record are never rewritten
// here.
func (s *Store) UpsertContainer(ctx context.Context, c *Container) error {
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	query := s.q(`insert into containers (` + containerColumns + `)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)
		on conflict (remote_id) do update set
			parent_remote_id = excluded.parent_remote_id,
			display_name = excluded.display_name,
			remote_path = excluded.remote_path,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query,
		c.RemoteID, nullString(c.ParentRemoteID), c.LocalPath, c.DisplayName, c.RemotePath,
		nullString(c.ChangeCursor), nullUnix(c.LastSyncTime), unix(c.CreatedAt), unix(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert container %s: %w", c.RemoteID, err)
	}
	return nil
}

// MigrateContainer moves the record owned by oldRemoteID to c.RemoteID,
// keeping its local path, change cursor and checkpoint. Items filed under
// the old id follow.
func (s *Store) MigrateContainer(ctx context.Context, oldRemoteID string, c *Container) error {
	now := s.now().UTC()
	c.UpdatedAt = now
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`update containers set
				remote_id = ?, parent_remote_id = ?, display_name = ?, remote_path = ?, updated_at = ?
			where remote_id = ?`),
			c.RemoteID, nullString(c.ParentRemoteID), c.DisplayName, c.RemotePath, unix(now), oldRemoteID)
		if err != nil {
			return fmt.Errorf("failed to migrate container %s to %s: %w", oldRemoteID, c.RemoteID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("failed to migrate container %s: %w", oldRemoteID, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, s.q(`update items set container_remote_id = ?, container_path = ? where container_remote_id = ?`),
			c.RemoteID, c.RemotePath, oldRemoteID); err != nil {
			return fmt.Errorf("failed to migrate items of container %s: %w", oldRemoteID, err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`update sync_checkpoints set container_remote_id = ? where container_remote_id = ?`),
			c.RemoteID, oldRemoteID); err != nil {
			return fmt.Errorf("failed to migrate checkpoint of container %s: %w", oldRemoteID, err)
		}
		return nil
	})
}

// FinishContainerSync records a completed pass over a container: it stores
// the cursor to resume from and drops the checkpoint in one transaction.
func (s *Store) FinishContainerSync(ctx context.Context, remoteID, cursor string, syncTime time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`update containers set change_cursor = ?, last_sync_time = ?, updated_at = ? where remote_id = ?`),
			nullString(cursor), unix(syncTime), unix(s.now()), remoteID)
		if err != nil {
			return fmt.Errorf("failed to update cursor of container %s: %w", remoteID, err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`delete from sync_checkpoints where container_remote_id = ?`), remoteID); err != nil {
			return fmt.Errorf("failed to clear checkpoint of container %s: %w", remoteID, err)
		}
		return nil
	})
}
