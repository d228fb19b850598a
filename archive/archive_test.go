package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jyothri/mailmirror/naming"
)

var received = time.Date(2024, time.March, 5, 10, 30, 0, 0, time.UTC)

func newArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := New(t.TempDir())
	require.NoError(t, err)
	return a
}

func readRel(t *testing.T, a *Archive, rel string) string {
	t.Helper()
	f, err := a.Open(rel)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(root, path)
			files = append(files, rel)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestNewRequiresDirectory(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = New(file)
	assert.Error(t, err)
}

func TestStore(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()

	rel, size, err := a.Store(ctx, strings.NewReader("hello"), "Inbox", "Greetings", received)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("mail", "Inbox", "2024", "03", "Greetings_1030.eml"), rel)
	assert.EqualValues(t, 5, size)
	assert.Equal(t, "hello", readRel(t, a, rel))

	exists, err := a.Exists(rel)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := a.Size(rel)
	require.NoError(t, err)
	assert.EqualValues(t, 5, got)

	assert.Equal(t, []string{rel}, listFiles(t, a.Root()))
}

func TestStoreNeverOverwrites(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()

	first, _, err := a.Store(ctx, strings.NewReader("one"), "Inbox", "Same", received)
	require.NoError(t, err)
	second, _, err := a.Store(ctx, strings.NewReader("two"), "Inbox", "Same", received)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, filepath.Join("mail", "Inbox", "2024", "03", "Same_1030_1.eml"), second)
	assert.Equal(t, "one", readRel(t, a, first))
	assert.Equal(t, "two", readRel(t, a, second))
}

func TestStoreConcurrentCollisions(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()

	const writers = 20
	paths := make([]string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel, _, err := a.Store(ctx, strings.NewReader(fmt.Sprint(i)), "Inbox", "Race", received)
			assert.NoError(t, err)
			paths[i] = rel
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, rel := range paths {
		assert.False(t, seen[rel], "duplicate path %s", rel)
		seen[rel] = true
		assert.Equal(t, fmt.Sprint(i), readRel(t, a, rel))
	}
	assert.Len(t, listFiles(t, a.Root()), writers)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestStoreFailureLeavesNothing(t *testing.T) {
	a := newArchive(t)

	_, _, err := a.Store(context.Background(), failingReader{}, "Inbox", "Broken", received)
	require.Error(t, err)
	assert.Empty(t, listFiles(t, a.Root()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = a.Store(ctx, strings.NewReader("x"), "Inbox", "Cancelled", received)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, listFiles(t, a.Root()))
}

func TestAbsRejectsEscapes(t *testing.T) {
	a := newArchive(t)
	for _, rel := range []string{"", "..", "../x", "mail/../../x", filepath.Join(a.Root(), "x"), "."} {
		_, err := a.Abs(rel)
		assert.ErrorIs(t, err, ErrPathUnsafe, "path %q", rel)
	}
	_, err := a.Abs("mail/../mail/x")
	assert.NoError(t, err)

	_, err = a.Open("../../etc/passwd")
	assert.ErrorIs(t, err, ErrPathUnsafe)
}

func TestMove(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()

	src, _, err := a.Store(ctx, strings.NewReader("body"), "Inbox", "Invoice", received)
	require.NoError(t, err)

	moved, err := a.Move(ctx, src, "Archive/2024", received)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("mail", "Archive", "2024", "2024", "03", "Invoice_1030.eml"), moved)
	assert.Equal(t, "body", readRel(t, a, moved))

	exists, err := a.Exists(src)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMoveCollision(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()

	occupant, _, err := a.Store(ctx, strings.NewReader("occupant"), "Archive", "Invoice", received)
	require.NoError(t, err)
	src, _, err := a.Store(ctx, strings.NewReader("mover"), "Inbox", "Invoice", received)
	require.NoError(t, err)

	moved, err := a.Move(ctx, src, "Archive", received)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("mail", "Archive", "2024", "03", "Invoice_1030_1.eml"), moved)
	assert.Equal(t, "occupant", readRel(t, a, occupant))
	assert.Equal(t, "mover", readRel(t, a, moved))
}

func TestMoveReplacesSourceCounter(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()

	for _, body := range []string{"archived", "archived again"} {
		_, _, err := a.Store(ctx, strings.NewReader(body), "Archive", "Hello", received)
		require.NoError(t, err)
	}
	_, _, err := a.Store(ctx, strings.NewReader("first"), "Inbox", "Hello", received)
	require.NoError(t, err)
	src, _, err := a.Store(ctx, strings.NewReader("second"), "Inbox", "Hello", received)
	require.NoError(t, err)
	require.Equal(t, filepath.Join("mail", "Inbox", "2024", "03", "Hello_1030_1.eml"), src)

	moved, err := a.Move(ctx, src, "Archive", received)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("mail", "Archive", "2024", "03", "Hello_1030_2.eml"), moved)
	assert.Equal(t, "second", readRel(t, a, moved))
}

func TestMoveStaysWithinPathBudget(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()

	subject := strings.Repeat("s", naming.MaxSubjectLength)
	src, _, err := a.Store(ctx, strings.NewReader("body"), "Inbox", subject, received)
	require.NoError(t, err)

	deep := strings.Join([]string{strings.Repeat("d", 64), strings.Repeat("e", 64), strings.Repeat("f", 40)}, "/")
	moved, err := a.Move(ctx, src, deep, received)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(moved), naming.MaxPathLength)
	assert.True(t, strings.HasSuffix(moved, "s_1030.eml"), moved)
	assert.Equal(t, "body", readRel(t, a, moved))
}

func TestMoveMissing(t *testing.T) {
	a := newArchive(t)
	_, err := a.Move(context.Background(), filepath.Join("mail", "Inbox", "2024", "03", "gone.eml"), "Archive", received)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQuarantine(t *testing.T) {
	a := newArchive(t)
	ctx := context.Background()

	src, _, err := a.Store(ctx, strings.NewReader("first"), "Inbox", "Deleted", received)
	require.NoError(t, err)
	q, err := a.Quarantine(ctx, src, received)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(QuarantineRoot, src), q)
	assert.True(t, IsQuarantined(q))
	assert.False(t, IsQuarantined(src))

	// the same file name gets quarantined again later
	src2, _, err := a.Store(ctx, strings.NewReader("second"), "Inbox", "Deleted", received)
	require.NoError(t, err)
	assert.Equal(t, src, src2)
	q2, err := a.Quarantine(ctx, src2, received)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(QuarantineRoot, "mail", "Inbox", "2024", "03", "Deleted_1030_1.eml"), q2)
	assert.Equal(t, "first", readRel(t, a, q))
	assert.Equal(t, "second", readRel(t, a, q2))

	again, err := a.Quarantine(ctx, q, received)
	require.NoError(t, err)
	assert.Equal(t, q, again)
}

func TestCleanupOrphanedTemp(t *testing.T) {
	a := newArchive(t)
	dir := filepath.Join(a.Root(), "mail", "Inbox", "2024", "03")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	stale := filepath.Join(dir, ".x_1030.eml.tmp-123")
	fresh := filepath.Join(dir, ".y_1030.eml.tmp-456")
	kept := filepath.Join(dir, "z_1030.eml")
	for _, p := range []string{stale, fresh, kept} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(kept, old, old))

	assert.Equal(t, 1, a.CleanupOrphanedTemp(24*time.Hour))
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, kept)
}

func TestYearMonth(t *testing.T) {
	y, m, ok := yearMonth(filepath.Join("mail", "Inbox", "2019", "11", "a.eml"))
	assert.True(t, ok)
	assert.Equal(t, 2019, y)
	assert.Equal(t, 11, m)

	_, _, ok = yearMonth(filepath.Join("mail", "Inbox", "a.eml"))
	assert.False(t, ok)
	_, _, ok = yearMonth(filepath.Join("x", "2019", "13", "a.eml"))
	assert.False(t, ok)
}
