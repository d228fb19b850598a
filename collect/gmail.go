package collect

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/jyothri/mailmirror/mirror"
)

const (
	gmailUser         = "me"
	gmailPageSize     = 100
	gmailMetaWorkers  = 10
	gmailTokenDivider = ":"
)

// system labels that behave like folders, with the names they get locally
var gmailSystemFolders = map[string]string{
	"INBOX": "Inbox",
	"SENT":  "Sent Items",
	"SPAM":  "Junk Email",
	"TRASH": "Deleted Items",
	"DRAFT": "Drafts",
}

type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// GoogleOAuthConfig is the read-only Gmail OAuth client used both for
// syncing and for linking new accounts.
func GoogleOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}
}

// Gmail mirrors a Gmail mailbox. Labels are containers and the history id
// is the change cursor.
type Gmail struct {
	svc   *gmail.Service
	retry *retrier
}

var _ mirror.Remote = (*Gmail)(nil)

func NewGmail(ctx context.Context, cfg GmailConfig) (*Gmail, error) {
	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("refresh token is empty")
	}
	conf := GoogleOAuthConfig(cfg.ClientID, cfg.ClientSecret, "")
	tokenSrc := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(tokenSrc))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return NewGmailWithService(svc), nil
}

func NewGmailWithService(svc *gmail.Service) *Gmail {
	return &Gmail{svc: svc, retry: newRetrier()}
}

func (g *Gmail) ResolveMailboxIdentity(ctx context.Context) (string, error) {
	profile, err := g.profile(ctx)
	if err != nil {
		return "", err
	}
	return profile.EmailAddress, nil
}

func (g *Gmail) profile(ctx context.Context) (*gmail.Profile, error) {
	var profile *gmail.Profile
	err := g.retry.do(ctx, "gmail.profile", func() error {
		var err error
		profile, err = g.svc.Users.GetProfile(gmailUser).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get user profile from Gmail API: %w", err)
	}
	return profile, nil
}

func (g *Gmail) ListContainers(ctx context.Context) ([]mirror.RemoteContainer, error) {
	var resp *gmail.ListLabelsResponse
	err := g.retry.do(ctx, "gmail.labels", func() error {
		var err error
		resp, err = g.svc.Users.Labels.List(gmailUser).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}

	byName := map[string]string{}
	for _, l := range resp.Labels {
		if l.Type == "user" {
			byName[l.Name] = l.Id
		}
	}

	var containers []mirror.RemoteContainer
	for _, l := range resp.Labels {
		if l.Type != "user" {
			name, ok := gmailSystemFolders[l.Id]
			if !ok {
				continue
			}
			containers = append(containers, mirror.RemoteContainer{RemoteID: l.Id, DisplayName: name, Path: name})
			continue
		}
		path := strings.Trim(l.Name, "/")
		c := mirror.RemoteContainer{RemoteID: l.Id, DisplayName: path, Path: path}
		if i := strings.LastIndex(path, "/"); i >= 0 {
			c.DisplayName = path[i+1:]
			c.ParentRemoteID = byName[path[:i]]
		}
		containers = append(containers, c)
	}
	slices.SortFunc(containers, func(a, b mirror.RemoteContainer) int { return strings.Compare(a.Path, b.Path) })
	return containers, nil
}

// GetChangesPage lists the whole label when cursor is empty, and the label's
// history since cursor otherwise. A full listing pins the history id seen
// before its first page into the page token so the last page can return it.
func (g *Gmail) GetChangesPage(ctx context.Context, labelID, cursor, pageToken string) (*mirror.ChangesPage, error) {
	if cursor == "" {
		return g.listPage(ctx, labelID, pageToken)
	}
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid history id %q", mirror.ErrCursorExpired, cursor)
	}
	return g.historyPage(ctx, labelID, startID, pageToken)
}

func (g *Gmail) listPage(ctx context.Context, labelID, pageToken string) (*mirror.ChangesPage, error) {
	var historyID uint64
	gmailToken := ""
	if pageToken == "" {
		profile, err := g.profile(ctx)
		if err != nil {
			return nil, err
		}
		historyID = profile.HistoryId
	} else {
		idPart, rest, ok := strings.Cut(pageToken, gmailTokenDivider)
		id, err := strconv.ParseUint(idPart, 10, 64)
		if !ok || err != nil {
			return nil, fmt.Errorf("malformed page token %q", pageToken)
		}
		historyID, gmailToken = id, rest
	}

	var resp *gmail.ListMessagesResponse
	err := g.retry.do(ctx, "gmail.messages.list", func() error {
		call := g.svc.Users.Messages.List(gmailUser).LabelIds(labelID).MaxResults(gmailPageSize).Context(ctx)
		if gmailToken != "" {
			call = call.PageToken(gmailToken)
		}
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for label %s: %w", labelID, err)
	}

	changes := make([]gmailChange, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		changes = append(changes, gmailChange{id: m.Id})
	}
	page := &mirror.ChangesPage{Items: g.describe(ctx, labelID, changes)}
	if resp.NextPageToken != "" {
		page.NextPageToken = strconv.FormatUint(historyID, 10) + gmailTokenDivider + resp.NextPageToken
	} else {
		page.NewCursor = strconv.FormatUint(historyID, 10)
	}
	return page, nil
}

func (g *Gmail) historyPage(ctx context.Context, labelID string, startID uint64, pageToken string) (*mirror.ChangesPage, error) {
	var resp *gmail.ListHistoryResponse
	err := g.retry.do(ctx, "gmail.history.list", func() error {
		call := g.svc.Users.History.List(gmailUser).
			StartHistoryId(startID).
			LabelId(labelID).
			HistoryTypes("messageAdded", "messageDeleted", "labelAdded").
			MaxResults(gmailPageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: history id %d: %w", mirror.ErrCursorExpired, startID, err)
		}
		return nil, fmt.Errorf("failed to list history for label %s: %w", labelID, err)
	}

	page := &mirror.ChangesPage{Items: g.describe(ctx, labelID, collapseHistory(resp.History, labelID))}
	if resp.NextPageToken != "" {
		page.NextPageToken = resp.NextPageToken
	} else {
		page.NewCursor = strconv.FormatUint(resp.HistoryId, 10)
	}
	return page, nil
}

type gmailChange struct {
	id      string
	moved   bool
	deleted bool
}

// collapseHistory keeps the last event per message, in order of first
// appearance.
func collapseHistory(history []*gmail.History, labelID string) []gmailChange {
	var order []string
	latest := map[string]gmailChange{}
	note := func(c gmailChange) {
		if _, ok := latest[c.id]; !ok {
			order = append(order, c.id)
		}
		latest[c.id] = c
	}
	for _, h := range history {
		for _, added := range h.MessagesAdded {
			if added.Message != nil {
				note(gmailChange{id: added.Message.Id})
			}
		}
		for _, labeled := range h.LabelsAdded {
			if labeled.Message != nil && slices.Contains(labeled.LabelIds, labelID) {
				note(gmailChange{id: labeled.Message.Id, moved: true})
			}
		}
		for _, deleted := range h.MessagesDeleted {
			if deleted.Message != nil {
				note(gmailChange{id: deleted.Message.Id, deleted: true})
			}
		}
	}
	changes := make([]gmailChange, 0, len(order))
	for _, id := range order {
		changes = append(changes, latest[id])
	}
	return changes
}

// describe fetches metadata for the changes that are still present, a few
// at a time. A message gone by the time it is fetched becomes a deletion;
// any other failure is carried on the item.
func (g *Gmail) describe(ctx context.Context, labelID string, changes []gmailChange) []mirror.ChangeItem {
	items := make([]mirror.ChangeItem, len(changes))
	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(gmailMetaWorkers)
	for i, c := range changes {
		items[i] = mirror.ChangeItem{RemoteID: c.id, StableID: c.id, IsDeleted: c.deleted}
		if c.moved {
			items[i].IsMoved = true
			items[i].NewContainerRemoteID = labelID
		}
		if c.deleted {
			continue
		}
		eg.Go(func() error {
			msg, err := g.metadata(egCtx, c.id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if statusCode(err) == http.StatusNotFound {
					items[i].IsDeleted = true
					items[i].IsMoved = false
					return nil
				}
				slog.Warn("Failed to get message info", "message_id", c.id, "error", err)
				items[i].Err = err
				return nil
			}
			fillFromMetadata(&items[i], msg)
			return nil
		})
	}
	_ = eg.Wait()
	return items
}

func (g *Gmail) metadata(ctx context.Context, id string) (*gmail.Message, error) {
	var msg *gmail.Message
	err := g.retry.do(ctx, "gmail.messages.get", func() error {
		var err error
		msg, err = g.svc.Users.Messages.Get(gmailUser, id).
			Format("metadata").
			MetadataHeaders("From", "Subject").
			Context(ctx).
			Do()
		return err
	})
	return msg, err
}

func fillFromMetadata(item *mirror.ChangeItem, msg *gmail.Message) {
	item.SizeBytes = msg.SizeEstimate
	if msg.InternalDate > 0 {
		item.ReceivedTime = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return
	}
	item.HasAttachments = strings.HasPrefix(strings.ToLower(msg.Payload.MimeType), "multipart/mixed")
	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "From":
			item.Sender = h.Value
		case "Subject":
			item.Subject = h.Value
		}
	}
}

// DownloadContent returns the raw RFC 822 message.
func (g *Gmail) DownloadContent(ctx context.Context, id string) (io.ReadCloser, error) {
	var msg *gmail.Message
	err := g.retry.do(ctx, "gmail.messages.raw", func() error {
		var err error
		msg, err = g.svc.Users.Messages.Get(gmailUser, id).Format("raw").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get raw message %s: %w", id, err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(msg.Raw, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode raw message %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}
