// Package mirror reconciles a remote mailbox into the local archive and the
// state database.
package mirror

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jyothri/mailmirror/db"
	"github.com/jyothri/mailmirror/transform"
)

var (
	// ErrFatal marks failures that end a run instead of a single item.
	ErrFatal = errors.New("fatal sync error")
	// ErrCursorExpired is returned by a Remote when a stored change cursor is
	// no longer accepted and the container must be listed from scratch.
	ErrCursorExpired = errors.New("change cursor expired")
)

// RemoteContainer is a folder as the remote mailbox reports it. Path is the
// slash separated logical path from the mailbox root.
type RemoteContainer struct {
	RemoteID       string
	ParentRemoteID string
	DisplayName    string
	Path           string
}

// ChangeItem is one entry of a changes page.
type ChangeItem struct {
	RemoteID             string
	StableID             string
	Subject              string
	Sender               string
	ReceivedTime         time.Time
	SizeBytes            int64
	HasAttachments       bool
	IsDeleted            bool
	IsMoved              bool
	NewContainerRemoteID string
	// Err reports that the remote could not describe the item. The item is
	// counted as an error and left for the next run.
	Err error
}

// ChangesPage is one page of changes. NewCursor is set on the last page.
type ChangesPage struct {
	Items         []ChangeItem
	NextPageToken string
	NewCursor     string
}

// Remote is the mailbox being mirrored. An empty cursor asks for a full
// listing; an empty page token asks for the first page.
type Remote interface {
	ResolveMailboxIdentity(ctx context.Context) (string, error)
	ListContainers(ctx context.Context) ([]RemoteContainer, error)
	GetChangesPage(ctx context.Context, containerRemoteID, cursor, pageToken string) (*ChangesPage, error)
	DownloadContent(ctx context.Context, itemRemoteID string) (io.ReadCloser, error)
}

// Storage is the archive the engine writes into.
type Storage interface {
	Ready() error
	Store(ctx context.Context, content io.Reader, containerPath, subject string, received time.Time) (string, int64, error)
	Move(ctx context.Context, src, newContainerPath string, received time.Time) (string, error)
	Quarantine(ctx context.Context, rel string, received time.Time) (string, error)
	CleanupOrphanedTemp(maxAge time.Duration) int
}

// Repository is the state the engine reads and writes.
type Repository interface {
	GetItemByStableID(ctx context.Context, stableID string) (*db.Item, error)
	UpsertItem(ctx context.Context, item *db.Item) error

	GetContainerByRemoteID(ctx context.Context, remoteID string) (*db.Container, error)
	GetContainerByLocalPath(ctx context.Context, localPath string) (*db.Container, error)
	UpsertContainer(ctx context.Context, c *db.Container) error
	MigrateContainer(ctx context.Context, oldRemoteID string, c *db.Container) error
	FinishContainerSync(ctx context.Context, remoteID, cursor string, syncTime time.Time) error

	UpsertMailboxState(ctx context.Context, mailboxID string, lastSync *time.Time) error

	GetCheckpoint(ctx context.Context, containerRemoteID string) (*db.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *db.Checkpoint) error
}

// Transformer derives extra artifacts from a freshly archived item.
type Transformer interface {
	TransformOne(ctx context.Context, item db.Item, opts transform.Options) error
}

// Options control a single run.
type Options struct {
	MaxParallelDownloads int
	// CheckpointInterval saves progress every n committed items within a
	// page. Zero checkpoints once per page.
	CheckpointInterval int
	ExcludeFolders     []string
	DryRun             bool
	Verbose            bool
	Transform          bool
	TransformOptions   transform.Options
	// TempMaxAge bounds the age of temp files removed before syncing. Zero
	// skips cleanup.
	TempMaxAge time.Duration
	Progress   func(Progress)
}

const DefaultMaxParallelDownloads = 5

type Outcome string

const (
	Completed Outcome = "Completed"
	Cancelled Outcome = "Cancelled"
	Failed    Outcome = "Failed"
)

type Action string

const (
	ActionSynced      Action = "synced"
	ActionSkipped     Action = "skipped"
	ActionMoved       Action = "moved"
	ActionQuarantined Action = "quarantined"
	ActionError       Action = "error"
)

// ItemDetail describes what happened to one item. Collected only for verbose
// runs.
type ItemDetail struct {
	StableID  string `json:"stable_id"`
	Container string `json:"container"`
	Action    Action `json:"action"`
	LocalPath string `json:"local_path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result summarizes a run. Every processed item is counted exactly once in
// Synced, Skipped, Moved, Quarantined or Errors.
type Result struct {
	Outcome          Outcome       `json:"outcome"`
	RunID            string        `json:"run_id,omitempty"`
	MailboxID        string        `json:"mailbox_id"`
	Counts           db.RunCounts  `json:"counts"`
	ContainersSynced int           `json:"containers_synced"`
	Elapsed          time.Duration `json:"elapsed"`
	Message          string        `json:"message,omitempty"`
	Details          []ItemDetail  `json:"details,omitempty"`
}

const (
	PhaseEnumerating = "Enumerating folders"
	PhaseSyncing     = "Syncing folder"
	PhaseDownloading = "Downloading messages"
	PhaseFinished    = "Finished"
)

// Progress is reported to Options.Progress from the goroutine calling Run.
type Progress struct {
	RunID          string
	Phase          string
	Container      string
	ContainerIndex int
	ContainerCount int
	PageItems      int
	Counts         db.RunCounts
	Elapsed        time.Duration
}
