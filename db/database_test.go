package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	assert.Error(t, err)
}

func TestOpenIsIdempotentOnFile(t *testing.T) {
	path := t.TempDir() + "/state.db"
	ctx := context.Background()

	s, err := Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.UpsertMailboxState(ctx, "user@example.com", nil))
	require.NoError(t, s.Close())

	s, err = Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	defer s.Close()
	state, err := s.GetMailboxState(ctx, "user@example.com")
	require.NoError(t, err)
	require.NotNil(t, state)
}

func TestItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	missing, err := s.GetItemByStableID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	received := time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)
	item := &Item{
		StableID:          "stable-1",
		RemoteID:          "remote-1",
		LocalPath:         "mail/Inbox/2024/03/Hello_1030.eml",
		ContainerRemoteID: "inbox",
		ContainerPath:     "Inbox",
		Subject:           "Hello",
		Sender:            "a@example.com",
		ReceivedTime:      received,
		SizeBytes:         42,
		HasAttachments:    true,
	}
	require.NoError(t, s.UpsertItem(ctx, item))

	got, err := s.GetItemByStableID(ctx, "stable-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "remote-1", got.RemoteID)
	assert.Equal(t, received, got.ReceivedTime)
	assert.True(t, got.HasAttachments)
	assert.False(t, got.Quarantined())

	byRemote, err := s.GetItemByRemoteID(ctx, "remote-1")
	require.NoError(t, err)
	require.NotNil(t, byRemote)
	assert.Equal(t, "stable-1", byRemote.StableID)

	quarantinedAt := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	got.RemoteID = "remote-2"
	got.LocalPath = ".quarantine/mail/Inbox/2024/03/Hello_1030.eml"
	got.QuarantinedAt = &quarantinedAt
	got.QuarantineReason = "deleted_upstream"
	require.NoError(t, s.UpsertItem(ctx, got))

	updated, err := s.GetItemByStableID(ctx, "stable-1")
	require.NoError(t, err)
	assert.Equal(t, "remote-2", updated.RemoteID)
	assert.True(t, updated.Quarantined())
	assert.Equal(t, quarantinedAt, *updated.QuarantinedAt)
	assert.Equal(t, "deleted_upstream", updated.QuarantineReason)
	assert.Equal(t, item.CreatedAt.Unix(), updated.CreatedAt.Unix())

	old, err := s.GetItemByRemoteID(ctx, "remote-1")
	require.NoError(t, err)
	assert.Nil(t, old)

	active, quarantined, err := s.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, quarantined)
}

func TestListItemsByContainer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		require.NoError(t, s.UpsertItem(ctx, &Item{
			StableID:          string(rune('a' + i)),
			RemoteID:          string(rune('a' + i)),
			LocalPath:         "p",
			ContainerRemoteID: "inbox",
			ContainerPath:     "Inbox",
			ReceivedTime:      base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, s.UpsertItem(ctx, &Item{StableID: "z", RemoteID: "z", LocalPath: "p", ContainerRemoteID: "other", ReceivedTime: base}))

	page1, total, err := s.ListItemsByContainer(ctx, "inbox", 1)
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	require.Len(t, page1, 10)
	assert.Equal(t, "l", page1[0].StableID)

	page2, _, err := s.ListItemsByContainer(ctx, "inbox", 2)
	require.NoError(t, err)
	assert.Len(t, page2, 2)
}

func TestContainers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &Container{RemoteID: "f1", LocalPath: "Inbox", DisplayName: "Inbox", RemotePath: "Inbox"}
	require.NoError(t, s.UpsertContainer(ctx, c))

	got, err := s.GetContainerByRemoteID(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Inbox", got.LocalPath)
	assert.Empty(t, got.ChangeCursor)
	assert.Nil(t, got.LastSyncTime)

	// renames refresh metadata but keep the local path
	require.NoError(t, s.UpsertContainer(ctx, &Container{RemoteID: "f1", LocalPath: "Renamed", DisplayName: "Renamed", RemotePath: "Renamed"}))
	got, err = s.GetContainerByRemoteID(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "Inbox", got.LocalPath)
	assert.Equal(t, "Renamed", got.DisplayName)

	byPath, err := s.GetContainerByLocalPath(ctx, "Inbox")
	require.NoError(t, err)
	require.NotNil(t, byPath)
	assert.Equal(t, "f1", byPath.RemoteID)

	syncTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{ContainerRemoteID: "f1", PageToken: "p2"}))
	require.NoError(t, s.FinishContainerSync(ctx, "f1", "cursor-1", syncTime))
	got, err = s.GetContainerByRemoteID(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "cursor-1", got.ChangeCursor)
	assert.Equal(t, syncTime, *got.LastSyncTime)
	cp, err := s.GetCheckpoint(ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	cursors, err := s.ListContainerCursors(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "cursor-1"}, cursors)

	require.NoError(t, s.UpsertContainer(ctx, &Container{RemoteID: "f2", LocalPath: "Archive", DisplayName: "Archive", RemotePath: "Archive"}))
	all, err := s.ListContainers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMigrateContainer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertContainer(ctx, &Container{RemoteID: "old", LocalPath: "Inbox", DisplayName: "Inbox", RemotePath: "Inbox"}))
	require.NoError(t, s.FinishContainerSync(ctx, "old", "cursor-9", time.Now()))
	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{ContainerRemoteID: "old", StartCursor: "cursor-9", PageToken: "p3"}))
	require.NoError(t, s.UpsertItem(ctx, &Item{StableID: "s1", RemoteID: "r1", LocalPath: "p", ContainerRemoteID: "old", ContainerPath: "Inbox", ReceivedTime: time.Now()}))

	err := s.MigrateContainer(ctx, "old", &Container{RemoteID: "new", DisplayName: "Inbox", RemotePath: "Inbox"})
	require.NoError(t, err)

	gone, err := s.GetContainerByRemoteID(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, gone)

	c, err := s.GetContainerByRemoteID(ctx, "new")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Inbox", c.LocalPath)
	assert.Equal(t, "cursor-9", c.ChangeCursor)

	cp, err := s.GetCheckpoint(ctx, "new")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "p3", cp.PageToken)

	item, err := s.GetItemByStableID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "new", item.ContainerRemoteID)

	err = s.MigrateContainer(ctx, "missing", &Container{RemoteID: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMailboxState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, err := s.GetMailboxState(ctx, "m")
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, s.UpsertMailboxState(ctx, "m", nil))
	state, err = s.GetMailboxState(ctx, "m")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Nil(t, state.LastSyncTime)

	synced := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertMailboxState(ctx, "m", &synced))
	require.NoError(t, s.UpsertMailboxState(ctx, "m", nil))
	state, err = s.GetMailboxState(ctx, "m")
	require.NoError(t, err)
	require.NotNil(t, state.LastSyncTime)
	assert.Equal(t, synced, *state.LastSyncTime)
}

func TestCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{ContainerRemoteID: "f1", StartCursor: "c0", PageToken: "p1", ItemsCommitted: 10}))
	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{ContainerRemoteID: "f1", StartCursor: "c0", PageToken: "p2", LatestCursor: "c1", ItemsCommitted: 20, ErrorCount: 1}))

	cp, err := s.GetCheckpoint(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "c0", cp.StartCursor)
	assert.Equal(t, "p2", cp.PageToken)
	assert.Equal(t, "c1", cp.LatestCursor)
	assert.EqualValues(t, 20, cp.ItemsCommitted)
	assert.EqualValues(t, 1, cp.ErrorCount)

	require.NoError(t, s.FinishContainerSync(ctx, "f1", "c1", time.Now()))
	cp, err = s.GetCheckpoint(ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.LogStartRun(ctx, "", true)
	require.NoError(t, err)

	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, RunRunning, run.Status)
	assert.True(t, run.DryRun)
	assert.Nil(t, run.EndedAt)

	counts := RunCounts{Synced: 3, Skipped: 2, Moved: 1, Errors: 1}
	require.NoError(t, s.MarkRunFinished(ctx, id, "user@example.com", RunFailed, counts, "boom"))

	run, err = s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, "user@example.com", run.MailboxID)
	assert.Equal(t, counts, run.Counts)
	assert.Equal(t, "boom", run.ErrorMsg)
	assert.NotNil(t, run.EndedAt)

	assert.ErrorIs(t, s.MarkRunFinished(ctx, "missing", "", RunCompleted, RunCounts{}, ""), ErrNotFound)

	runs, total, err := s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, runs, 1)

	missing, err := s.GetRun(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestOAuthTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok, err := s.GetOAuthToken(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, tok)

	require.NoError(t, s.SaveOAuthToken(ctx, PrivateToken{ClientKey: "k1", Provider: "gmail", RefreshToken: "r1", DisplayName: "use****me@example.com"}))
	require.NoError(t, s.SaveOAuthToken(ctx, PrivateToken{ClientKey: "k1", Provider: "gmail", RefreshToken: "r2", DisplayName: "use****me@example.com"}))

	tok, err = s.GetOAuthToken(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "r2", tok.RefreshToken)

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Account{{ClientKey: "k1", Provider: "gmail", DisplayName: "use****me@example.com"}}, accounts)
}

func TestSubstr(t *testing.T) {
	assert.Equal(t, "abc", substr("abc", 5))
	assert.Equal(t, "ab", substr("abc", 2))
	assert.Equal(t, "é", substr("éé", 3))
}
