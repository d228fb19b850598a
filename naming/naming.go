// Package naming turns remote folder paths and message metadata into
// filesystem-safe archive paths.
package naming

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// MaxPathLength is the byte budget for a relative archive path.
	MaxPathLength = 240
	// MaxSegmentLength caps each sanitized folder segment.
	MaxSegmentLength = 64
	// MaxSubjectLength caps the subject part of a file name.
	MaxSubjectLength = 100
	// MaxCollisions is the highest counter tried before giving up.
	MaxCollisions = 1000

	DefaultExtension = "eml"
	NoSubject        = "no_subject"

	minSubjectLength = 8
	emptySegment     = "_"
	illegalChars     = `<>:"/\|?*`
)

var ErrNamingExhausted = errors.New("naming attempts exhausted")

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// Resolver builds {root}/{container}/{YYYY}/{MM}/{subject}_{HHmm}[_{n}].{ext}
// paths relative to the archive root.
type Resolver struct {
	Root          string
	Extension     string
	MaxPathLength int
}

func NewResolver(root string) *Resolver {
	return &Resolver{
		Root:          root,
		Extension:     DefaultExtension,
		MaxPathLength: MaxPathLength,
	}
}

// Dir returns the month directory for a container and timestamp.
func (r *Resolver) Dir(containerPath string, received time.Time) string {
	received = received.UTC()
	return filepath.Join(r.Root, SanitizeFolderPath(containerPath),
		fmt.Sprintf("%04d", received.Year()), fmt.Sprintf("%02d", int(received.Month())))
}

// Path returns the candidate path for collision counter n. n == 0 means no
// counter suffix.
func (r *Resolver) Path(containerPath, subject string, received time.Time, n int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("invalid collision counter %d", n)
	}
	if n > MaxCollisions {
		return "", ErrNamingExhausted
	}
	received = received.UTC()
	dir := r.Dir(containerPath, received)

	suffix := fmt.Sprintf("_%02d%02d", received.Hour(), received.Minute())
	if n > 0 {
		suffix += fmt.Sprintf("_%d", n)
	}
	suffix += "." + r.Extension

	budget := r.MaxPathLength - len(dir) - 1 - len(suffix)
	if budget > MaxSubjectLength {
		budget = MaxSubjectLength
	}
	if budget < minSubjectLength {
		budget = minSubjectLength
	}

	name := Sanitize(subject, budget)
	if name == "" {
		name = NoSubject
	}
	return filepath.Join(dir, name+suffix), nil
}

// Rename places an archived file name in dir with collision counter n. The
// _HHmm part derived from received is kept and any counter after it is
// replaced. The subject is shortened when the new path would exceed
// MaxPathLength. Names without the _HHmm part keep their whole stem.
func (r *Resolver) Rename(dir, name string, received time.Time, n int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("invalid collision counter %d", n)
	}
	if n > MaxCollisions {
		return "", ErrNamingExhausted
	}
	received = received.UTC()
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	subject, tail := stem, fmt.Sprintf("_%02d%02d", received.Hour(), received.Minute())
	if i := strings.LastIndex(stem, tail); i >= 0 && (i+len(tail) == len(stem) || isCounter(stem[i+len(tail):])) {
		subject = stem[:i]
	} else {
		tail = ""
	}

	suffix := tail
	if n > 0 {
		suffix += fmt.Sprintf("_%d", n)
	}
	suffix += ext

	budget := r.MaxPathLength - len(dir) - 1 - len(suffix)
	if budget < minSubjectLength {
		budget = minSubjectLength
	}
	if len(subject) > budget {
		subject = trimEdges(truncate(subject, budget))
	}
	if subject == "" {
		subject = NoSubject
	}
	return filepath.Join(dir, subject+suffix), nil
}

// isCounter matches a "_n" collision suffix.
func isCounter(s string) bool {
	if len(s) < 2 || s[0] != '_' || s[1] == '0' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Sanitize makes one path segment safe on common filesystems and truncates
// it to at most maxBytes. It returns "" when nothing usable is left.
func Sanitize(s string, maxBytes int) string {
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case r == utf8.RuneError:
			continue
		case unicode.IsControl(r):
			continue
		case strings.ContainsRune(illegalChars, r):
			b.WriteRune('_')
			space = false
		case unicode.IsSpace(r):
			if !space {
				b.WriteRune(' ')
			}
			space = true
		default:
			b.WriteRune(r)
			space = false
		}
	}

	out := trimEdges(b.String())
	if maxBytes > 0 && len(out) > maxBytes {
		out = trimEdges(truncate(out, maxBytes))
	}
	if out == "" {
		return ""
	}

	stem := out
	if i := strings.IndexByte(stem, '.'); i >= 0 {
		stem = stem[:i]
	}
	if reservedNames[strings.ToUpper(stem)] {
		out = "_" + out
	}
	return out
}

// SanitizeFolderPath sanitizes every segment of a slash separated remote
// folder path and rejoins them with the platform separator. Empty segments
// are dropped.
func SanitizeFolderPath(p string) string {
	segments := strings.FieldsFunc(p, func(r rune) bool {
		return r == '/' || r == filepath.Separator
	})
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		if s := Sanitize(seg, MaxSegmentLength); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return emptySegment
	}
	return filepath.Join(out...)
}

func trimEdges(s string) string {
	return strings.Trim(s, ". ")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
