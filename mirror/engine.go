package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jyothri/mailmirror/db"
	"github.com/jyothri/mailmirror/naming"
)

// RunLog records run history. Dry runs are never recorded.
type RunLog interface {
	LogStartRun(ctx context.Context, mailboxID string, dryRun bool) (string, error)
	MarkRunFinished(ctx context.Context, runID, mailboxID string, status db.RunStatus, counts db.RunCounts, errMsg string) error
}

// Engine mirrors one remote mailbox. It holds no per-run state, so one
// Engine can serve consecutive runs.
type Engine struct {
	remote      Remote
	repo        Repository
	storage     Storage
	transformer Transformer
	runs        RunLog
	now         func() time.Time
}

// NewEngine wires the collaborators of a sync. transformer may be nil.
func NewEngine(remote Remote, repo Repository, storage Storage, transformer Transformer) *Engine {
	return &Engine{
		remote:      remote,
		repo:        repo,
		storage:     storage,
		transformer: transformer,
		now:         time.Now,
	}
}

// WithRunLog makes Run record its start and outcome.
func (e *Engine) WithRunLog(runs RunLog) *Engine {
	e.runs = runs
	return e
}

// run is the state of one Run call.
type run struct {
	e      *Engine
	opts   Options
	runCtx context.Context
	runID  string
	start  time.Time

	mu      sync.Mutex
	counts  db.RunCounts
	details []ItemDetail

	containerMu sync.Mutex
	remotes     map[string]RemoteContainer
	resolved    map[string]*db.Container
	claimed     map[string]bool
}

// Run performs one sync pass. It never returns an error: failures are
// reported through the Result outcome and message.
func (e *Engine) Run(ctx context.Context, opts Options) *Result {
	if opts.MaxParallelDownloads <= 0 {
		opts.MaxParallelDownloads = DefaultMaxParallelDownloads
	}
	r := &run{
		e:        e,
		opts:     opts,
		runCtx:   ctx,
		start:    e.now(),
		remotes:  map[string]RemoteContainer{},
		resolved: map[string]*db.Container{},
		claimed:  map[string]bool{},
	}
	res := &Result{}

	runID := ""
	if e.runs != nil && !opts.DryRun {
		id, err := e.runs.LogStartRun(ctx, "", false)
		if err != nil {
			slog.Error("Failed to record run start", "error", err)
		}
		runID = id
	}
	res.RunID = runID
	r.runID = runID

	err := r.execute(ctx, res)

	r.mu.Lock()
	res.Counts = r.counts
	if opts.Verbose {
		res.Details = append([]ItemDetail(nil), r.details...)
	}
	r.mu.Unlock()
	res.Elapsed = e.now().Sub(r.start)

	status := db.RunCompleted
	switch {
	case err == nil:
		res.Outcome = Completed
	case ctx.Err() != nil:
		res.Outcome = Cancelled
		res.Message = "sync cancelled"
		status = db.RunCancelled
	default:
		res.Outcome = Failed
		res.Message = err.Error()
		status = db.RunFailed
	}

	slog.Info("Finished sync",
		"mailbox", res.MailboxID,
		"outcome", res.Outcome,
		"dry_run", opts.DryRun,
		"synced", res.Counts.Synced,
		"skipped", res.Counts.Skipped,
		"moved", res.Counts.Moved,
		"quarantined", res.Counts.Quarantined,
		"errors", res.Counts.Errors,
		"elapsed", res.Elapsed)

	if runID != "" {
		if err := e.runs.MarkRunFinished(context.WithoutCancel(ctx), runID, res.MailboxID, status, res.Counts, res.Message); err != nil {
			slog.Error("Failed to record run outcome", "run_id", runID, "error", err)
		}
	}
	r.report(Progress{Phase: PhaseFinished})
	return res
}

func (r *run) execute(ctx context.Context, res *Result) error {
	if err := r.e.storage.Ready(); err != nil {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	mailboxID, err := r.e.remote.ResolveMailboxIdentity(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to resolve mailbox identity: %w", ErrFatal, err)
	}
	res.MailboxID = mailboxID
	slog.Info("Starting sync", "mailbox", mailboxID, "dry_run", r.opts.DryRun, "max_parallel_downloads", r.opts.MaxParallelDownloads)

	if !r.opts.DryRun {
		if err := r.e.repo.UpsertMailboxState(ctx, mailboxID, nil); err != nil {
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
		if r.opts.TempMaxAge > 0 {
			r.e.storage.CleanupOrphanedTemp(r.opts.TempMaxAge)
		}
	}

	r.report(Progress{Phase: PhaseEnumerating})
	containers, err := r.e.remote.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to list folders: %w", ErrFatal, err)
	}

	matcher := naming.NewExclusionMatcher(r.opts.ExcludeFolders)
	if matcher.Len() > 0 {
		slog.Info("Applying folder exclusions", "patterns", matcher.Len())
	}
	selected := make([]RemoteContainer, 0, len(containers))
	for _, rc := range containers {
		r.remotes[rc.RemoteID] = rc
		if matcher.Excluded(rc.Path) {
			slog.Debug("Skipping excluded folder", "folder", rc.Path)
			continue
		}
		selected = append(selected, rc)
	}

	for i, rc := range selected {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.report(Progress{Phase: PhaseSyncing, Container: rc.Path, ContainerIndex: i + 1, ContainerCount: len(selected)})
		if err := r.syncContainer(ctx, rc, i+1, len(selected)); err != nil {
			return err
		}
		res.ContainersSynced++
	}

	if !r.opts.DryRun {
		now := r.e.now().UTC()
		if err := r.e.repo.UpsertMailboxState(ctx, mailboxID, &now); err != nil {
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
	}
	return nil
}

// syncContainer pages through the changes of one folder, resuming from a
// checkpoint when its start cursor still matches the stored cursor.
func (r *run) syncContainer(ctx context.Context, rc RemoteContainer, index, total int) error {
	c, err := r.resolveContainer(ctx, rc)
	if err != nil {
		return fmt.Errorf("%w: failed to resolve folder %s: %w", ErrFatal, rc.Path, err)
	}

	startCursor := c.ChangeCursor
	pageToken, latest := "", ""
	var committed, errCount int64

	cp, err := r.e.repo.GetCheckpoint(ctx, c.RemoteID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	if cp != nil {
		if cp.StartCursor == startCursor {
			pageToken, latest = cp.PageToken, cp.LatestCursor
			committed, errCount = cp.ItemsCommitted, cp.ErrorCount
			slog.Info("Resuming folder from checkpoint", "folder", rc.Path, "items_committed", committed)
		} else {
			slog.Info("Ignoring stale checkpoint", "folder", rc.Path)
		}
	}

	saveCheckpoint := func(token string, committed, errCount int64) error {
		if r.opts.DryRun {
			return nil
		}
		return r.e.repo.SaveCheckpoint(ctx, &db.Checkpoint{
			ContainerRemoteID: c.RemoteID,
			StartCursor:       startCursor,
			PageToken:         token,
			LatestCursor:      latest,
			ItemsCommitted:    committed,
			ErrorCount:        errCount,
		})
	}

	expired := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := r.e.remote.GetChangesPage(ctx, c.RemoteID, startCursor, pageToken)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrCursorExpired) && startCursor != "" && !expired {
				slog.Warn("Change cursor expired, listing folder from scratch", "folder", rc.Path)
				expired = true
				startCursor, pageToken, latest = "", "", ""
				committed, errCount = 0, 0
				continue
			}
			return fmt.Errorf("%w: failed to fetch changes for folder %s: %w", ErrFatal, rc.Path, err)
		}

		r.report(Progress{Phase: PhaseDownloading, Container: rc.Path, ContainerIndex: index, ContainerCount: total, PageItems: len(page.Items)})

		var cpMu sync.Mutex
		token, base, baseErrs := pageToken, committed, errCount
		onItem := func(done, errs int64) {
			if r.opts.CheckpointInterval <= 0 || done%int64(r.opts.CheckpointInterval) != 0 {
				return
			}
			cpMu.Lock()
			defer cpMu.Unlock()
			if err := saveCheckpoint(token, base+done, baseErrs+errs); err != nil {
				slog.Error("Failed to save checkpoint", "folder", rc.Path, "error", err)
			}
		}
		done, errs := r.processPage(ctx, c, page.Items, onItem)
		committed += done
		errCount += errs
		r.report(Progress{Phase: PhaseDownloading, Container: rc.Path, ContainerIndex: index, ContainerCount: total, PageItems: len(page.Items)})
		if page.NewCursor != "" {
			latest = page.NewCursor
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
		if err := saveCheckpoint(pageToken, committed, errCount); err != nil {
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
	}

	if r.opts.DryRun {
		return nil
	}
	cursor := startCursor
	if errCount == 0 && latest != "" {
		cursor = latest
	} else if errCount > 0 {
		slog.Warn("Folder finished with errors, keeping previous change cursor", "folder", rc.Path, "errors", errCount)
	}
	if err := r.e.repo.FinishContainerSync(ctx, c.RemoteID, cursor, r.e.now().UTC()); err != nil {
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	return nil
}

// processPage reconciles the items of one page with at most
// MaxParallelDownloads in flight. Items already started are allowed to
// finish after cancellation; no new item starts once ctx is done.
func (r *run) processPage(ctx context.Context, c *db.Container, items []ChangeItem, onItem func(done, errs int64)) (int64, int64) {
	sem := semaphore.NewWeighted(int64(r.opts.MaxParallelDownloads))
	commitCtx := context.WithoutCancel(ctx)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		done, errs int64
	)
	for _, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			break
		}
		wg.Add(1)
		go func(item ChangeItem) {
			defer wg.Done()
			defer sem.Release(1)
			action := r.reconcileItem(commitCtx, c, item)

			mu.Lock()
			done++
			if action == ActionError {
				errs++
			}
			d, e := done, errs
			mu.Unlock()
			onItem(d, e)
		}(item)
	}
	wg.Wait()
	return done, errs
}

func (r *run) record(detail ItemDetail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch detail.Action {
	case ActionSynced:
		r.counts.Synced++
	case ActionSkipped:
		r.counts.Skipped++
	case ActionMoved:
		r.counts.Moved++
	case ActionQuarantined:
		r.counts.Quarantined++
	default:
		r.counts.Errors++
	}
	if r.opts.Verbose {
		r.details = append(r.details, detail)
	}
}

func (r *run) recordTransformError() {
	r.mu.Lock()
	r.counts.TransformErrors++
	r.mu.Unlock()
}

func (r *run) report(p Progress) {
	if r.opts.Progress == nil {
		return
	}
	r.mu.Lock()
	p.Counts = r.counts
	r.mu.Unlock()
	p.RunID = r.runID
	p.Elapsed = r.e.now().Sub(r.start)
	r.opts.Progress(p)
}
