// Package transform renders archived messages into derived artifacts.
package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/jyothri/mailmirror/db"
)

const (
	SidecarExtension    = ".txt"
	DefaultMaxBodyBytes = 1 << 20
)

type Options struct {
	ListAttachments bool
	// MaxBodyBytes truncates the rendered body. Zero uses DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// Files resolves and opens archive-relative paths.
type Files interface {
	Abs(rel string) (string, error)
	Open(rel string) (*os.File, error)
}

// TextRenderer writes a plain text sidecar next to each archived message.
type TextRenderer struct {
	files Files
}

func NewTextRenderer(files Files) *TextRenderer {
	return &TextRenderer{files: files}
}

// SidecarPath returns the sidecar location for an archived message path.
func SidecarPath(rel string) string {
	return strings.TrimSuffix(rel, filepath.Ext(rel)) + SidecarExtension
}

// TransformOne renders item and replaces any previous sidecar.
func (t *TextRenderer) TransformOne(ctx context.Context, item db.Item, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := t.files.Open(item.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", item.LocalPath, err)
	}
	defer f.Close()

	msg, err := parse(f, opts)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", item.LocalPath, err)
	}
	if msg.Subject == "" {
		msg.Subject = item.Subject
	}
	if msg.From == "" {
		msg.From = item.Sender
	}
	if msg.Date.IsZero() {
		msg.Date = item.ReceivedTime
	}

	dest, err := t.files.Abs(SidecarPath(item.LocalPath))
	if err != nil {
		return err
	}
	return writeReplace(dest, []byte(msg.render(opts)))
}

type attachment struct {
	Filename string
	Size     int
}

type message struct {
	Subject     string
	From        string
	To          string
	Date        time.Time
	Text        string
	HTML        string
	Attachments []attachment
}

func parse(r io.Reader, opts Options) (*message, error) {
	limit := opts.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}

	reader, err := mail.CreateReader(r)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	msg := &message{}
	if subject, err := reader.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if from, err := reader.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].String()
	}
	if to, err := reader.Header.AddressList("To"); err == nil {
		addrs := make([]string, 0, len(to))
		for _, a := range to {
			addrs = append(addrs, a.String())
		}
		msg.To = strings.Join(addrs, ", ")
	}
	if date, err := reader.Header.Date(); err == nil {
		msg.Date = date
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if msg.Text != "" || msg.HTML != "" {
				break
			}
			return nil, err
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := header.ContentType()
			body, err := io.ReadAll(io.LimitReader(part.Body, limit))
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(mediaType, "text/plain") || mediaType == "":
				msg.Text = joinBody(msg.Text, string(body))
			case strings.HasPrefix(mediaType, "text/html"):
				msg.HTML = joinBody(msg.HTML, string(body))
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			if strings.TrimSpace(filename) == "" {
				filename = "attachment"
			}
			n, _ := io.Copy(io.Discard, part.Body)
			msg.Attachments = append(msg.Attachments, attachment{Filename: filename, Size: int(n)})
		}
	}
	return msg, nil
}

func joinBody(existing, more string) string {
	if existing == "" {
		return more
	}
	return existing + "\n" + more
}

func (m *message) render(opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", m.Subject)
	fmt.Fprintf(&b, "From: %s\n", m.From)
	if m.To != "" {
		fmt.Fprintf(&b, "To: %s\n", m.To)
	}
	if !m.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", m.Date.UTC().Format(time.RFC1123Z))
	}
	if opts.ListAttachments && len(m.Attachments) > 0 {
		names := make([]string, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			names = append(names, fmt.Sprintf("%s (%d bytes)", a.Filename, a.Size))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
	}
	b.WriteString("\n")

	body := m.Text
	if strings.TrimSpace(body) == "" && m.HTML != "" {
		body = htmlToText(m.HTML)
	}
	body = strings.ReplaceAll(body, "\r\n", "\n")
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n")
	return b.String()
}

func writeReplace(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp sidecar: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return err
	}
	committed = true
	return nil
}
