package mirror

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jyothri/mailmirror/db"
)

const reasonDeletedUpstream = "deleted_upstream"

// reconcileItem applies one change and tallies the outcome.
func (r *run) reconcileItem(ctx context.Context, c *db.Container, ch ChangeItem) Action {
	action, path, err := r.reconcile(ctx, c, ch)
	detail := ItemDetail{StableID: ch.StableID, Container: c.RemotePath, Action: action, LocalPath: path}
	if err != nil {
		slog.Error("Failed to reconcile item",
			"stable_id", ch.StableID,
			"remote_id", ch.RemoteID,
			"folder", c.RemotePath,
			"error", err)
		detail.Action = ActionError
		detail.Error = err.Error()
	} else {
		slog.Debug("Reconciled item", "stable_id", ch.StableID, "folder", c.RemotePath, "action", action)
	}
	r.record(detail)
	return detail.Action
}

// reconcile decides between synced, skipped, moved and quarantined from the
// observed change and the stored record.
func (r *run) reconcile(ctx context.Context, c *db.Container, ch ChangeItem) (Action, string, error) {
	if ch.Err != nil {
		return ActionError, "", fmt.Errorf("failed to describe item %s: %w", ch.RemoteID, ch.Err)
	}
	if ch.StableID == "" {
		return ActionError, "", fmt.Errorf("item %s has no stable id", ch.RemoteID)
	}
	existing, err := r.e.repo.GetItemByStableID(ctx, ch.StableID)
	if err != nil {
		return ActionError, "", err
	}

	switch {
	case ch.IsDeleted:
		return r.applyDelete(ctx, existing)
	case existing == nil:
		return r.applyNew(ctx, c, ch, nil)
	case existing.Quarantined():
		// reappeared upstream: archive it again
		return r.applyNew(ctx, c, ch, existing)
	case ch.IsMoved:
		return r.applyMove(ctx, c, ch, existing)
	default:
		return r.applySkip(ctx, ch, existing)
	}
}

func (r *run) applyNew(ctx context.Context, c *db.Container, ch ChangeItem, prior *db.Item) (Action, string, error) {
	target := c
	if ch.IsMoved && ch.NewContainerRemoteID != "" && ch.NewContainerRemoteID != c.RemoteID {
		t, err := r.containerByRemoteID(ctx, ch.NewContainerRemoteID)
		if err != nil {
			return ActionError, "", err
		}
		target = t
	}
	if r.opts.DryRun {
		return ActionSynced, "", nil
	}

	received := ch.ReceivedTime
	if received.IsZero() {
		received = r.e.now()
	}
	received = received.UTC()

	body, err := r.e.remote.DownloadContent(ctx, ch.RemoteID)
	if err != nil {
		return ActionError, "", fmt.Errorf("failed to download item %s: %w", ch.RemoteID, err)
	}
	defer body.Close()

	rel, size, err := r.e.storage.Store(ctx, body, target.LocalPath, ch.Subject, received)
	if err != nil {
		return ActionError, "", fmt.Errorf("failed to store item %s: %w", ch.StableID, err)
	}

	item := &db.Item{
		StableID:          ch.StableID,
		RemoteID:          ch.RemoteID,
		LocalPath:         rel,
		ContainerRemoteID: target.RemoteID,
		ContainerPath:     target.RemotePath,
		Subject:           ch.Subject,
		Sender:            ch.Sender,
		ReceivedTime:      received,
		SizeBytes:         size,
		HasAttachments:    ch.HasAttachments,
	}
	if prior != nil {
		item.CreatedAt = prior.CreatedAt
	}
	if err := r.e.repo.UpsertItem(ctx, item); err != nil {
		slog.Error("Archived file has no record", "path", rel, "stable_id", ch.StableID)
		return ActionError, rel, err
	}

	r.transform(ctx, *item)
	return ActionSynced, rel, nil
}

func (r *run) applyDelete(ctx context.Context, existing *db.Item) (Action, string, error) {
	if existing == nil || existing.Quarantined() {
		return ActionSkipped, "", nil
	}
	if r.opts.DryRun {
		return ActionQuarantined, existing.LocalPath, nil
	}

	q, err := r.e.storage.Quarantine(ctx, existing.LocalPath, existing.ReceivedTime)
	if err != nil {
		return ActionError, existing.LocalPath, fmt.Errorf("failed to quarantine %s: %w", existing.LocalPath, err)
	}
	now := r.e.now().UTC()
	existing.LocalPath = q
	existing.QuarantinedAt = &now
	existing.QuarantineReason = reasonDeletedUpstream
	if err := r.e.repo.UpsertItem(ctx, existing); err != nil {
		return ActionError, q, err
	}
	return ActionQuarantined, q, nil
}

func (r *run) applyMove(ctx context.Context, c *db.Container, ch ChangeItem, existing *db.Item) (Action, string, error) {
	targetID := ch.NewContainerRemoteID
	if targetID == "" {
		targetID = c.RemoteID
	}
	if targetID == existing.ContainerRemoteID {
		return r.applySkip(ctx, ch, existing)
	}
	target, err := r.containerByRemoteID(ctx, targetID)
	if err != nil {
		return ActionError, "", err
	}
	if r.opts.DryRun {
		return ActionMoved, existing.LocalPath, nil
	}

	moved, err := r.e.storage.Move(ctx, existing.LocalPath, target.LocalPath, existing.ReceivedTime)
	if err != nil {
		return ActionError, existing.LocalPath, fmt.Errorf("failed to move %s to %s: %w", existing.LocalPath, target.RemotePath, err)
	}
	existing.LocalPath = moved
	existing.ContainerRemoteID = target.RemoteID
	existing.ContainerPath = target.RemotePath
	if ch.RemoteID != "" {
		existing.RemoteID = ch.RemoteID
	}
	if err := r.e.repo.UpsertItem(ctx, existing); err != nil {
		return ActionError, moved, err
	}
	return ActionMoved, moved, nil
}

// applySkip leaves content alone but follows a changed remote id.
func (r *run) applySkip(ctx context.Context, ch ChangeItem, existing *db.Item) (Action, string, error) {
	if ch.RemoteID != "" && ch.RemoteID != existing.RemoteID && !r.opts.DryRun {
		existing.RemoteID = ch.RemoteID
		if err := r.e.repo.UpsertItem(ctx, existing); err != nil {
			return ActionError, existing.LocalPath, err
		}
	}
	return ActionSkipped, existing.LocalPath, nil
}

func (r *run) transform(ctx context.Context, item db.Item) {
	if !r.opts.Transform || r.e.transformer == nil || r.runCtx.Err() != nil {
		return
	}
	if err := r.e.transformer.TransformOne(ctx, item, r.opts.TransformOptions); err != nil {
		slog.Warn("Failed to transform item", "stable_id", item.StableID, "path", item.LocalPath, "error", err)
		r.recordTransformError()
	}
}
