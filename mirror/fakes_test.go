package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jyothri/mailmirror/archive"
	"github.com/jyothri/mailmirror/db"
	"github.com/jyothri/mailmirror/transform"
)

const testMailbox = "user@example.com"

var baseTime = time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)

// fakeRemote serves canned change pages keyed by container, cursor and page
// token. Unknown combinations return an empty page that keeps the cursor.
type fakeRemote struct {
	mu sync.Mutex

	identityErr  error
	containers   []RemoteContainer
	listErr      error
	pages        map[string]*ChangesPage
	expired      map[string]bool
	content      map[string]string
	failDownload map[string]bool

	pageCalls map[string]int
	downloads int

	downloadDelay time.Duration
	inflight      int
	maxInflight   int

	onPage func(containerID, cursor, token string) error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		pages:        map[string]*ChangesPage{},
		expired:      map[string]bool{},
		content:      map[string]string{},
		failDownload: map[string]bool{},
		pageCalls:    map[string]int{},
	}
}

func pageKey(containerID, cursor, token string) string {
	return containerID + "|" + cursor + "|" + token
}

// setChanges registers a chain of pages for one cursor. The last page
// carries newCursor.
func (f *fakeRemote) setChanges(containerID, cursor, newCursor string, pages ...[]ChangeItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, items := range pages {
		token := ""
		if i > 0 {
			token = fmt.Sprintf("p%d", i)
		}
		page := &ChangesPage{Items: items}
		if i == len(pages)-1 {
			page.NewCursor = newCursor
		} else {
			page.NextPageToken = fmt.Sprintf("p%d", i+1)
		}
		f.pages[pageKey(containerID, cursor, token)] = page
	}
}

// item builds a new-message change and registers its content.
func (f *fakeRemote) item(id, subject string, minute int) ChangeItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	remoteID := "r-" + id
	f.content[remoteID] = fmt.Sprintf("Subject: %s\r\n\r\nbody of %s\r\n", subject, id)
	return ChangeItem{
		RemoteID:     remoteID,
		StableID:     id,
		Subject:      subject,
		Sender:       "alice@example.com",
		ReceivedTime: baseTime.Add(time.Duration(minute) * time.Minute),
		SizeBytes:    int64(len(f.content[remoteID])),
	}
}

func (f *fakeRemote) calls(containerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageCalls[containerID]
}

func (f *fakeRemote) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

func (f *fakeRemote) ResolveMailboxIdentity(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.identityErr != nil {
		return "", f.identityErr
	}
	return testMailbox, nil
}

func (f *fakeRemote) ListContainers(ctx context.Context) ([]RemoteContainer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]RemoteContainer(nil), f.containers...), nil
}

func (f *fakeRemote) GetChangesPage(ctx context.Context, containerID, cursor, token string) (*ChangesPage, error) {
	f.mu.Lock()
	f.pageCalls[containerID]++
	hook := f.onPage
	f.mu.Unlock()

	if hook != nil {
		if err := hook(containerID, cursor, token); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired[containerID+"|"+cursor] {
		return nil, ErrCursorExpired
	}
	if page, ok := f.pages[pageKey(containerID, cursor, token)]; ok {
		cp := *page
		cp.Items = append([]ChangeItem(nil), page.Items...)
		return &cp, nil
	}
	return &ChangesPage{NewCursor: cursor}, nil
}

func (f *fakeRemote) DownloadContent(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.downloads++
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	delay := f.downloadDelay
	fail := f.failDownload[remoteID]
	body, ok := f.content[remoteID]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, errors.New("download failed")
	}
	if !ok {
		return nil, fmt.Errorf("no content for %s", remoteID)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

// countingRepo records the mutating calls made against a real store.
type countingRepo struct {
	*db.Store

	mu          sync.Mutex
	itemWrites  int
	folderWrite int
	checkpoints []db.Checkpoint
}

func (c *countingRepo) UpsertItem(ctx context.Context, item *db.Item) error {
	c.mu.Lock()
	c.itemWrites++
	c.mu.Unlock()
	return c.Store.UpsertItem(ctx, item)
}

func (c *countingRepo) UpsertContainer(ctx context.Context, container *db.Container) error {
	c.mu.Lock()
	c.folderWrite++
	c.mu.Unlock()
	return c.Store.UpsertContainer(ctx, container)
}

func (c *countingRepo) SaveCheckpoint(ctx context.Context, cp *db.Checkpoint) error {
	c.mu.Lock()
	c.checkpoints = append(c.checkpoints, *cp)
	c.mu.Unlock()
	return c.Store.SaveCheckpoint(ctx, cp)
}

func (c *countingRepo) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.itemWrites, c.folderWrite, c.checkpoints = 0, 0, nil
}

// countingStorage records archive mutations made against a real archive.
type countingStorage struct {
	*archive.Archive

	mu          sync.Mutex
	stores      int
	moves       int
	quarantines int
}

func (c *countingStorage) Store(ctx context.Context, r io.Reader, containerPath, subject string, received time.Time) (string, int64, error) {
	c.mu.Lock()
	c.stores++
	c.mu.Unlock()
	return c.Archive.Store(ctx, r, containerPath, subject, received)
}

func (c *countingStorage) Move(ctx context.Context, src, newContainerPath string, received time.Time) (string, error) {
	c.mu.Lock()
	c.moves++
	c.mu.Unlock()
	return c.Archive.Move(ctx, src, newContainerPath, received)
}

func (c *countingStorage) Quarantine(ctx context.Context, rel string, received time.Time) (string, error) {
	c.mu.Lock()
	c.quarantines++
	c.mu.Unlock()
	return c.Archive.Quarantine(ctx, rel, received)
}

func (c *countingStorage) mutations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stores + c.moves + c.quarantines
}

func (c *countingStorage) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores, c.moves, c.quarantines = 0, 0, 0
}

type fakeTransformer struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (f *fakeTransformer) TransformOne(_ context.Context, item db.Item, _ transform.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, item.StableID)
	return f.err
}

type testEnv struct {
	remote      *fakeRemote
	store       *db.Store
	repo        *countingRepo
	archive     *archive.Archive
	storage     *countingStorage
	transformer *fakeTransformer
	engine      *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := db.Open(context.Background(), db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	a, err := archive.New(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		remote:      newFakeRemote(),
		store:       store,
		repo:        &countingRepo{Store: store},
		archive:     a,
		storage:     &countingStorage{Archive: a},
		transformer: &fakeTransformer{},
	}
	env.engine = NewEngine(env.remote, env.repo, env.storage, env.transformer).WithRunLog(store)
	return env
}

func (env *testEnv) inbox() {
	env.remote.containers = append(env.remote.containers, RemoteContainer{RemoteID: "inbox", DisplayName: "Inbox", Path: "Inbox"})
}

// files lists every regular archived file relative to the archive root.
func (env *testEnv) files(t *testing.T) []string {
	t.Helper()
	var out []string
	root := env.archive.Root()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	require.NoError(t, err)
	return out
}
