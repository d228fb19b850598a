package db

import (
	"context"
	"fmt"
)

const itemColumns = `stable_id, remote_id, local_path, container_remote_id, container_path,
	subject, sender, received_time, size_bytes, has_attachments,
	quarantined_at, quarantine_reason, created_at, updated_at`

// GetItemByStableID returns nil when no record exists.
func (s *Store) GetItemByStableID(ctx context.Context, stableID string) (*Item, error) {
	return s.getItem(ctx, "stable_id", stableID)
}

// GetItemByRemoteID returns nil when no record exists.
func (s *Store) GetItemByRemoteID(ctx context.Context, remoteID string) (*Item, error) {
	return s.getItem(ctx, "remote_id", remoteID)
}

func (s *Store) getItem(ctx context.Context, column, value string) (*Item, error) {
	var row itemRow
	query := s.q(`select ` + itemColumns + ` from items where ` + column + ` = ?`)
	err := s.db.GetContext(ctx, &row, query, value)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item by %s %s: %w", column, value, err)
	}
	return row.toItem(), nil
}

// UpsertItem inserts or replaces the record keyed by StableID. CreatedAt is
// kept from the first insert.
func (s *Store) UpsertItem(ctx context.Context, item *Item) error {
	now := s.now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	query := s.q(`insert into items (` + itemColumns + `)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		on conflict (stable_id) do update set
			remote_id = excluded.remote_id,
			local_path = excluded.local_path,
			container_remote_id = excluded.container_remote_id,
			container_path = excluded.container_path,
			subject = excluded.subject,
			sender = excluded.sender,
			received_time = excluded.received_time,
			size_bytes = excluded.size_bytes,
			has_attachments = excluded.has_attachments,
			quarantined_at = excluded.quarantined_at,
			quarantine_reason = excluded.quarantine_reason,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query,
		item.StableID, item.RemoteID, item.LocalPath, item.ContainerRemoteID, item.ContainerPath,
		substr(item.Subject, 2000), substr(item.Sender, 500), unix(item.ReceivedTime), item.SizeBytes, item.HasAttachments,
		nullUnix(item.QuarantinedAt), nullString(item.QuarantineReason), unix(item.CreatedAt), unix(item.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", item.StableID, err)
	}
	return nil
}

// ListItemsByContainer returns one page of active and quarantined items of a
// container plus the total count.
func (s *Store) ListItemsByContainer(ctx context.Context, containerRemoteID string, pageNo int) ([]Item, int, error) {
	limit, offset := pageBounds(pageNo)

	var count int
	err := s.db.GetContext(ctx, &count, s.q(`select count(*) from items where container_remote_id = ?`), containerRemoteID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count items for container %s: %w", containerRemoteID, err)
	}

	var rows []itemRow
	query := s.q(`select ` + itemColumns + ` from items
		where container_remote_id = ?
		order by received_time desc, stable_id limit ? offset ?`)
	if err := s.db.SelectContext(ctx, &rows, query, containerRemoteID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to list items for container %s: %w", containerRemoteID, err)
	}

	items := make([]Item, 0, len(rows))
	for _, r := range rows {
		items = append(items, *r.toItem())
	}
	return items, count, nil
}

// CountItems returns the number of active and quarantined item records.
func (s *Store) CountItems(ctx context.Context) (int, int, error) {
	var counts struct {
		Active      int `db:"active"`
		Quarantined int `db:"quarantined"`
	}
	query := `select
			coalesce(sum(case when quarantined_at is null then 1 else 0 end), 0) as active,
			coalesce(sum(case when quarantined_at is null then 0 else 1 end), 0) as quarantined
		from items`
	if err := s.db.GetContext(ctx, &counts, query); err != nil {
		return 0, 0, fmt.Errorf("failed to count items: %w", err)
	}
	return counts.Active, counts.Quarantined, nil
}

func substr(s string, end int) string {
	if len(s) <= end {
		return s
	}
	for end > 0 && !isRuneStart(s[end]) {
		end--
	}
	return s[:end]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
