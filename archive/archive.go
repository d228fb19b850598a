// Package archive owns the on-disk mail archive. Content is written through
// temp files and committed without ever overwriting an existing file.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jyothri/mailmirror/naming"
)

const (
	ActiveRoot     = "mail"
	QuarantineRoot = ".quarantine"

	tempMarker = ".tmp-"
	dirMode    = 0o755
	fileMode   = 0o644
)

var (
	ErrPathUnsafe = errors.New("path escapes archive root")
	ErrNotFound   = errors.New("archived file not found")
)

// Archive stores message content under a root directory. All paths it
// accepts and returns are relative to that root.
type Archive struct {
	root     string
	resolver *naming.Resolver
	now      func() time.Time
}

// New opens an archive rooted at an existing directory.
func New(root string) (*Archive, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archive root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive root %s is not a directory", abs)
	}
	return &Archive{
		root:     abs,
		resolver: naming.NewResolver(ActiveRoot),
		now:      time.Now,
	}, nil
}

func (a *Archive) Root() string {
	return a.root
}

// Ready fails when the root directory has disappeared.
func (a *Archive) Ready() error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("archive root unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root %s is not a directory", a.root)
	}
	return nil
}

// Abs maps a relative archive path to an absolute one, rejecting paths that
// would leave the root.
func (a *Archive) Abs(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathUnsafe, rel)
	}
	full := filepath.Join(a.root, rel)
	r, err := filepath.Rel(a.root, full)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathUnsafe, rel)
	}
	return full, nil
}

// Store streams content into the archive under the container's month
// directory and returns the committed relative path and byte count.
func (a *Archive) Store(ctx context.Context, content io.Reader, containerPath, subject string, received time.Time) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	if received.IsZero() {
		received = a.now()
	}
	first, err := a.resolver.Path(containerPath, subject, received, 0)
	if err != nil {
		return "", 0, err
	}
	dest, err := a.Abs(first)
	if err != nil {
		return "", 0, err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", 0, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(dest)+tempMarker+"*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	size, err := io.Copy(tmpFile, content)
	if err != nil {
		_ = tmpFile.Close()
		return "", 0, fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmpFile.Chmod(fileMode); err != nil {
		_ = tmpFile.Close()
		return "", 0, err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return "", 0, fmt.Errorf("failed to flush temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", 0, err
	}

	for n := 0; n <= naming.MaxCollisions; n++ {
		rel := first
		if n > 0 {
			if rel, err = a.resolver.Path(containerPath, subject, received, n); err != nil {
				return "", 0, err
			}
		}
		target, err := a.Abs(rel)
		if err != nil {
			return "", 0, err
		}
		err = commitNoClobber(tmpName, target)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", 0, fmt.Errorf("failed to commit %s: %w", rel, err)
		}
		committed = true
		return rel, size, nil
	}
	return "", 0, naming.ErrNamingExhausted
}

func (a *Archive) Exists(rel string) (bool, error) {
	full, err := a.Abs(rel)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Open returns a read handle. The caller closes it.
func (a *Archive) Open(rel string) (*os.File, error) {
	full, err := a.Abs(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	return f, err
}

func (a *Archive) Size(rel string) (int64, error) {
	full, err := a.Abs(rel)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Move relocates an archived file into another container, keeping its
// year/month and name. received must be the time the name was built from.
// Collisions at the target are resolved with a fresh counter and the name is
// shortened to fit the path budget.
func (a *Archive) Move(ctx context.Context, src, newContainerPath string, received time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	from, err := a.existing(src)
	if err != nil {
		return "", err
	}
	year, month, ok := yearMonth(src)
	if !ok {
		now := a.now().UTC()
		year, month = now.Year(), int(now.Month())
	}
	dir := a.resolver.Dir(newContainerPath, time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC))
	return a.relocate(from, src, dir, received)
}

// Quarantine moves an archived file into the quarantine subtree, preserving
// its relative structure.
func (a *Archive) Quarantine(ctx context.Context, rel string, received time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	from, err := a.existing(rel)
	if err != nil {
		return "", err
	}
	if IsQuarantined(rel) {
		return filepath.Clean(rel), nil
	}
	dir := filepath.Join(QuarantineRoot, filepath.Dir(filepath.Clean(rel)))
	return a.relocate(from, rel, dir, received)
}

// CleanupOrphanedTemp removes leftover temp files older than maxAge and
// returns how many were deleted. Errors are logged and skipped.
func (a *Archive) CleanupOrphanedTemp(maxAge time.Duration) int {
	cutoff := a.now().Add(-maxAge)
	removed := 0
	_ = filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("Skipping unreadable archive path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isTempName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("Failed to remove orphaned temp file", "path", path, "error", err)
			return nil
		}
		removed++
		return nil
	})
	if removed > 0 {
		slog.Info("Removed orphaned temp files", "count", removed)
	}
	return removed
}

func (a *Archive) existing(rel string) (string, error) {
	full, err := a.Abs(rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return "", err
	}
	return full, nil
}

func (a *Archive) relocate(from, src, dir string, received time.Time) (string, error) {
	name := filepath.Base(src)
	for n := 0; n <= naming.MaxCollisions; n++ {
		rel, err := a.resolver.Rename(dir, name, received, n)
		if err != nil {
			return "", err
		}
		if rel == filepath.Clean(src) {
			return rel, nil
		}
		target, err := a.Abs(rel)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
			return "", fmt.Errorf("failed to create directory for %s: %w", rel, err)
		}
		err = commitNoClobber(from, target)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to move %s to %s: %w", src, rel, err)
		}
		return rel, nil
	}
	return "", naming.ErrNamingExhausted
}

// commitNoClobber renames from to target unless target exists. A hard link
// gives an atomic existence check; filesystems without links fall back to
// a stat followed by rename.
func commitNoClobber(from, target string) error {
	err := os.Link(from, target)
	if err == nil {
		if rmErr := os.Remove(from); rmErr != nil {
			slog.Warn("Failed to remove source after link", "path", from, "error", rmErr)
		}
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return err
	}
	if _, statErr := os.Lstat(target); statErr == nil {
		return fs.ErrExist
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return statErr
	}
	return os.Rename(from, target)
}

// IsQuarantined reports whether rel lies in the quarantine subtree.
func IsQuarantined(rel string) bool {
	first, _, _ := strings.Cut(filepath.ToSlash(filepath.Clean(rel)), "/")
	return first == QuarantineRoot
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, tempMarker)
}

// yearMonth reads the YYYY/MM directories that precede the file name.
func yearMonth(rel string) (int, int, bool) {
	segs := strings.Split(filepath.ToSlash(filepath.Clean(rel)), "/")
	if len(segs) < 3 {
		return 0, 0, false
	}
	ys, ms := segs[len(segs)-3], segs[len(segs)-2]
	if len(ys) != 4 || len(ms) != 2 {
		return 0, 0, false
	}
	year, err := strconv.Atoi(ys)
	if err != nil || year < 1000 {
		return 0, 0, false
	}
	month, err := strconv.Atoi(ms)
	if err != nil || month < 1 || month > 12 {
		return 0, 0, false
	}
	return year, month, true
}
