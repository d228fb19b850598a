package mirror

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jyothri/mailmirror/db"
	"github.com/jyothri/mailmirror/naming"
)

func (r *run) resolveContainer(ctx context.Context, rc RemoteContainer) (*db.Container, error) {
	r.containerMu.Lock()
	defer r.containerMu.Unlock()
	return r.resolveLocked(ctx, rc)
}

// containerByRemoteID finds the local record of a move target, creating it
// from the current listing when needed.
func (r *run) containerByRemoteID(ctx context.Context, remoteID string) (*db.Container, error) {
	r.containerMu.Lock()
	defer r.containerMu.Unlock()

	if c, ok := r.resolved[remoteID]; ok {
		return c, nil
	}
	if rc, ok := r.remotes[remoteID]; ok {
		return r.resolveLocked(ctx, rc)
	}
	c, err := r.e.repo.GetContainerByRemoteID(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("unknown folder %s", remoteID)
	}
	r.resolved[remoteID] = c
	return c, nil
}

// resolveLocked returns the container record for rc. A new folder gets a
// sanitized local path; if that path belongs to a folder that no longer
// exists upstream, the old record is taken over instead, since the remote
// id was reassigned. Callers hold containerMu.
func (r *run) resolveLocked(ctx context.Context, rc RemoteContainer) (*db.Container, error) {
	if c, ok := r.resolved[rc.RemoteID]; ok {
		return c, nil
	}

	existing, err := r.e.repo.GetContainerByRemoteID(ctx, rc.RemoteID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.DisplayName != rc.DisplayName || existing.RemotePath != rc.Path || existing.ParentRemoteID != rc.ParentRemoteID {
			slog.Info("Folder metadata changed", "remote_id", rc.RemoteID, "old_path", existing.RemotePath, "new_path", rc.Path)
			existing.DisplayName = rc.DisplayName
			existing.RemotePath = rc.Path
			existing.ParentRemoteID = rc.ParentRemoteID
			if !r.opts.DryRun {
				if err := r.e.repo.UpsertContainer(ctx, existing); err != nil {
					return nil, err
				}
			}
		}
		r.resolved[rc.RemoteID] = existing
		r.claimed[existing.LocalPath] = true
		return existing, nil
	}

	c := &db.Container{
		RemoteID:       rc.RemoteID,
		ParentRemoteID: rc.ParentRemoteID,
		DisplayName:    rc.DisplayName,
		RemotePath:     rc.Path,
	}
	base := naming.SanitizeFolderPath(rc.Path)
	owner, err := r.e.repo.GetContainerByLocalPath(ctx, base)
	if err != nil {
		return nil, err
	}
	if owner != nil && !r.isLive(owner.RemoteID) && !r.claimed[base] {
		slog.Info("Folder remote id changed", "path", rc.Path, "old_remote_id", owner.RemoteID, "new_remote_id", rc.RemoteID)
		c.LocalPath = owner.LocalPath
		c.ChangeCursor = owner.ChangeCursor
		c.LastSyncTime = owner.LastSyncTime
		c.CreatedAt = owner.CreatedAt
		if !r.opts.DryRun {
			if err := r.e.repo.MigrateContainer(ctx, owner.RemoteID, c); err != nil {
				return nil, err
			}
		}
		r.resolved[rc.RemoteID] = c
		r.claimed[c.LocalPath] = true
		return c, nil
	}

	c.LocalPath = base
	if owner != nil || r.claimed[base] {
		if c.LocalPath, err = r.freeLocalPath(ctx, base); err != nil {
			return nil, err
		}
	}
	if !r.opts.DryRun {
		if err := r.e.repo.UpsertContainer(ctx, c); err != nil {
			return nil, err
		}
	}
	r.resolved[rc.RemoteID] = c
	r.claimed[c.LocalPath] = true
	return c, nil
}

func (r *run) freeLocalPath(ctx context.Context, base string) (string, error) {
	for n := 2; n <= naming.MaxCollisions; n++ {
		candidate := fmt.Sprintf("%s_%d", base, n)
		if r.claimed[candidate] {
			continue
		}
		owner, err := r.e.repo.GetContainerByLocalPath(ctx, candidate)
		if err != nil {
			return "", err
		}
		if owner == nil {
			return candidate, nil
		}
	}
	return "", naming.ErrNamingExhausted
}

func (r *run) isLive(remoteID string) bool {
	_, ok := r.remotes[remoteID]
	return ok
}
