package db

import (
	"database/sql"
	"time"
)

// Item is the record of one archived message.
type Item struct {
	StableID          string     `json:"stable_id"`
	RemoteID          string     `json:"remote_id"`
	LocalPath         string     `json:"local_path"`
	ContainerRemoteID string     `json:"container_remote_id"`
	ContainerPath     string     `json:"container_path"`
	Subject           string     `json:"subject"`
	Sender            string     `json:"sender"`
	ReceivedTime      time.Time  `json:"received_time"`
	SizeBytes         int64      `json:"size_bytes"`
	HasAttachments    bool       `json:"has_attachments"`
	QuarantinedAt     *time.Time `json:"quarantined_at,omitempty"`
	QuarantineReason  string     `json:"quarantine_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (i *Item) Quarantined() bool {
	return i.QuarantinedAt != nil
}

// Container is a remote folder and the local directory it maps to. The local
// path is fixed when the record is created.
type Container struct {
	RemoteID       string     `json:"remote_id"`
	ParentRemoteID string     `json:"parent_remote_id,omitempty"`
	LocalPath      string     `json:"local_path"`
	DisplayName    string     `json:"display_name"`
	RemotePath     string     `json:"remote_path"`
	ChangeCursor   string     `json:"-"`
	LastSyncTime   *time.Time `json:"last_sync_time,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type MailboxState struct {
	MailboxID    string
	LastSyncTime *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Checkpoint is the resume point of an interrupted container sync.
type Checkpoint struct {
	ContainerRemoteID string
	StartCursor       string
	PageToken         string
	LatestCursor      string
	ItemsCommitted    int64
	ErrorCount        int64
	UpdatedAt         time.Time
}

type RunStatus string

const (
	RunRunning   RunStatus = "Running"
	RunCompleted RunStatus = "Completed"
	RunCancelled RunStatus = "Cancelled"
	RunFailed    RunStatus = "Failed"
)

type RunCounts struct {
	Synced          int `json:"synced"`
	Skipped         int `json:"skipped"`
	Moved           int `json:"moved"`
	Quarantined     int `json:"quarantined"`
	Errors          int `json:"errors"`
	TransformErrors int `json:"transform_errors"`
}

type Run struct {
	Id        string     `json:"id"`
	MailboxID string     `json:"mailbox_id"`
	Status    RunStatus  `json:"status"`
	DryRun    bool       `json:"dry_run"`
	ErrorMsg  string     `json:"error_msg,omitempty"`
	Counts    RunCounts  `json:"counts"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type PrivateToken struct {
	ClientKey    string
	Provider     string
	RefreshToken string
	DisplayName  string
	CreatedOn    time.Time
}

type Account struct {
	ClientKey   string `json:"client_key" db:"client_key"`
	Provider    string `json:"provider" db:"provider"`
	DisplayName string `json:"display_name" db:"display_name"`
}

type itemRow struct {
	StableID          string         `db:"stable_id"`
	RemoteID          string         `db:"remote_id"`
	LocalPath         string         `db:"local_path"`
	ContainerRemoteID string         `db:"container_remote_id"`
	ContainerPath     string         `db:"container_path"`
	Subject           string         `db:"subject"`
	Sender            string         `db:"sender"`
	ReceivedTime      int64          `db:"received_time"`
	SizeBytes         int64          `db:"size_bytes"`
	HasAttachments    bool           `db:"has_attachments"`
	QuarantinedAt     sql.NullInt64  `db:"quarantined_at"`
	QuarantineReason  sql.NullString `db:"quarantine_reason"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
}

func (r itemRow) toItem() *Item {
	return &Item{
		StableID:          r.StableID,
		RemoteID:          r.RemoteID,
		LocalPath:         r.LocalPath,
		ContainerRemoteID: r.ContainerRemoteID,
		ContainerPath:     r.ContainerPath,
		Subject:           r.Subject,
		Sender:            r.Sender,
		ReceivedTime:      fromUnix(r.ReceivedTime),
		SizeBytes:         r.SizeBytes,
		HasAttachments:    r.HasAttachments,
		QuarantinedAt:     fromNullUnix(r.QuarantinedAt),
		QuarantineReason:  r.QuarantineReason.String,
		CreatedAt:         fromUnix(r.CreatedAt),
		UpdatedAt:         fromUnix(r.UpdatedAt),
	}
}

type containerRow struct {
	RemoteID       string         `db:"remote_id"`
	ParentRemoteID sql.NullString `db:"parent_remote_id"`
	LocalPath      string         `db:"local_path"`
	DisplayName    string         `db:"display_name"`
	RemotePath     string         `db:"remote_path"`
	ChangeCursor   sql.NullString `db:"change_cursor"`
	LastSyncTime   sql.NullInt64  `db:"last_sync_time"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
}

func (r containerRow) toContainer() *Container {
	return &Container{
		RemoteID:       r.RemoteID,
		ParentRemoteID: r.ParentRemoteID.String,
		LocalPath:      r.LocalPath,
		DisplayName:    r.DisplayName,
		RemotePath:     r.RemotePath,
		ChangeCursor:   r.ChangeCursor.String,
		LastSyncTime:   fromNullUnix(r.LastSyncTime),
		CreatedAt:      fromUnix(r.CreatedAt),
		UpdatedAt:      fromUnix(r.UpdatedAt),
	}
}

type mailboxRow struct {
	MailboxID    string        `db:"mailbox_id"`
	LastSyncTime sql.NullInt64 `db:"last_sync_time"`
	CreatedAt    int64         `db:"created_at"`
	UpdatedAt    int64         `db:"updated_at"`
}

type checkpointRow struct {
	ContainerRemoteID string         `db:"container_remote_id"`
	StartCursor       sql.NullString `db:"start_cursor"`
	PageToken         sql.NullString `db:"page_token"`
	LatestCursor      sql.NullString `db:"latest_cursor"`
	ItemsCommitted    int64          `db:"items_committed"`
	ErrorCount        int64          `db:"error_count"`
	UpdatedAt         int64          `db:"updated_at"`
}

type runRow struct {
	Id              string         `db:"id"`
	MailboxID       string         `db:"mailbox_id"`
	Status          string         `db:"status"`
	DryRun          bool           `db:"dry_run"`
	ErrorMsg        sql.NullString `db:"error_msg"`
	Synced          int            `db:"synced"`
	Skipped         int            `db:"skipped"`
	Moved           int            `db:"moved"`
	Quarantined     int            `db:"quarantined"`
	Errors          int            `db:"errors"`
	TransformErrors int            `db:"transform_errors"`
	StartedAt       int64          `db:"started_at"`
	EndedAt         sql.NullInt64  `db:"ended_at"`
}

func (r runRow) toRun() Run {
	return Run{
		Id:        r.Id,
		MailboxID: r.MailboxID,
		Status:    RunStatus(r.Status),
		DryRun:    r.DryRun,
		ErrorMsg:  r.ErrorMsg.String,
		Counts: RunCounts{
			Synced:          r.Synced,
			Skipped:         r.Skipped,
			Moved:           r.Moved,
			Quarantined:     r.Quarantined,
			Errors:          r.Errors,
			TransformErrors: r.TransformErrors,
		},
		StartedAt: fromUnix(r.StartedAt),
		EndedAt:   fromNullUnix(r.EndedAt),
	}
}

type tokenRow struct {
	ClientKey    string `db:"client_key"`
	Provider     string `db:"provider"`
	RefreshToken string `db:"refresh_token"`
	DisplayName  string `db:"display_name"`
	CreatedOn    int64  `db:"created_on"`
}

func unix(t time.Time) int64 {
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
