package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/jyothri/mailmirror/mirror"
)

const (
	GraphBaseURL = "https://graph.microsoft.com/v1.0"

	graphPageSize      = 50
	graphErrorBodySize = 4 << 10
	graphDeltaSelect   = "subject,from,receivedDateTime,hasAttachments,parentFolderId,internetMessageId"
)

type GraphConfig struct {
	ClientID     string
	ClientSecret string
	// Tenant defaults to "common".
	Tenant       string
	RefreshToken string
}

// Graph mirrors a Microsoft 365 mailbox through the Graph REST API. Mail
// folders are containers and delta links are change cursors. Ids are
// requested in immutable form, so the remote id is also the stable id.
type Graph struct {
	client  *http.Client
	baseURL string
	retry   *retrier
}

var _ mirror.Remote = (*Graph)(nil)

func NewGraph(ctx context.Context, cfg GraphConfig) (*Graph, error) {
	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("refresh token is empty")
	}
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "common"
	}
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       []string{"offline_access", "User.Read", "Mail.Read"},
	}
	client := oauth2.NewClient(ctx, conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}))
	return NewGraphWithClient(client, GraphBaseURL), nil
}

func NewGraphWithClient(client *http.Client, baseURL string) *Graph {
	return &Graph{client: client, baseURL: strings.TrimRight(baseURL, "/"), retry: newRetrier()}
}

type graphUser struct {
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

type graphFolder struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	ParentFolderID   string `json:"parentFolderId"`
	ChildFolderCount int    `json:"childFolderCount"`
}

type graphFolderPage struct {
	Value    []graphFolder `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

type graphMessage struct {
	ID                string `json:"id"`
	Subject           string `json:"subject"`
	ReceivedDateTime  string `json:"receivedDateTime"`
	HasAttachments    bool   `json:"hasAttachments"`
	ParentFolderID    string `json:"parentFolderId"`
	InternetMessageID string `json:"internetMessageId"`
	From              *struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type graphDeltaPage struct {
	Value     []graphMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

func (g *Graph) ResolveMailboxIdentity(ctx context.Context) (string, error) {
	var user graphUser
	if err := g.getJSON(ctx, g.baseURL+"/me?$select=mail,userPrincipalName", &user); err != nil {
		return "", fmt.Errorf("failed to get user profile from Graph API: %w", err)
	}
	if user.Mail != "" {
		return user.Mail, nil
	}
	if user.UserPrincipalName == "" {
		return "", fmt.Errorf("graph profile has no mail address")
	}
	return user.UserPrincipalName, nil
}

func (g *Graph) ListContainers(ctx context.Context) ([]mirror.RemoteContainer, error) {
	var out []mirror.RemoteContainer
	if err := g.walkFolders(ctx, g.baseURL+"/me/mailFolders?$top=100", "", &out); err != nil {
		return nil, fmt.Errorf("failed to list mail folders: %w", err)
	}
	return out, nil
}

func (g *Graph) walkFolders(ctx context.Context, next, parentPath string, out *[]mirror.RemoteContainer) error {
	for next != "" {
		var page graphFolderPage
		if err := g.getJSON(ctx, next, &page); err != nil {
			return err
		}
		for _, f := range page.Value {
			path := f.DisplayName
			parentID := ""
			if parentPath != "" {
				path = parentPath + "/" + f.DisplayName
				parentID = f.ParentFolderID
			}
			*out = append(*out, mirror.RemoteContainer{
				RemoteID:       f.ID,
				ParentRemoteID: parentID,
				DisplayName:    f.DisplayName,
				Path:           path,
			})
			if f.ChildFolderCount > 0 {
				children := g.baseURL + "/me/mailFolders/" + url.PathEscape(f.ID) + "/childFolders?$top=100"
				if err := g.walkFolders(ctx, children, path, out); err != nil {
					return err
				}
			}
		}
		next = page.NextLink
	}
	return nil
}

// GetChangesPage follows the folder's message delta. Page tokens and cursors
// are the next and delta links Graph hands out.
func (g *Graph) GetChangesPage(ctx context.Context, folderID, cursor, pageToken string) (*mirror.ChangesPage, error) {
	link := pageToken
	if link == "" {
		link = cursor
	}
	if link == "" {
		link = g.baseURL + "/me/mailFolders/" + url.PathEscape(folderID) + "/messages/delta?$select=" + graphDeltaSelect
	}

	var page graphDeltaPage
	if err := g.getJSON(ctx, link, &page); err != nil {
		code := statusCode(err)
		if cursor != "" && (code == http.StatusNotFound || code == http.StatusGone) {
			return nil, fmt.Errorf("%w: %w", mirror.ErrCursorExpired, err)
		}
		return nil, fmt.Errorf("failed to get message delta for folder %s: %w", folderID, err)
	}

	items := make([]mirror.ChangeItem, 0, len(page.Value))
	for _, m := range page.Value {
		if m.Removed != nil {
			item, err := g.removed(ctx, m.ID)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			continue
		}
		items = append(items, messageToChange(m, folderID))
	}
	return &mirror.ChangesPage{Items: items, NextPageToken: page.NextLink, NewCursor: page.DeltaLink}, nil
}

func messageToChange(m graphMessage, folderID string) mirror.ChangeItem {
	item := mirror.ChangeItem{
		RemoteID:       m.ID,
		StableID:       m.ID,
		Subject:        m.Subject,
		HasAttachments: m.HasAttachments,
	}
	if item.StableID == "" {
		item.StableID = m.InternetMessageID
	}
	if m.From != nil {
		item.Sender = m.From.EmailAddress.Address
		if m.From.EmailAddress.Name != "" {
			item.Sender = fmt.Sprintf("%s <%s>", m.From.EmailAddress.Name, m.From.EmailAddress.Address)
		}
	}
	if t, err := time.Parse(time.RFC3339, m.ReceivedDateTime); err == nil {
		item.ReceivedTime = t.UTC()
	}
	// a message already archived under another folder is moved here
	item.IsMoved = true
	item.NewContainerRemoteID = folderID
	if m.ParentFolderID != "" {
		item.NewContainerRemoteID = m.ParentFolderID
	}
	return item
}

// removed tells a move out of the folder apart from a deletion by looking
// the message up again.
func (g *Graph) removed(ctx context.Context, id string) (mirror.ChangeItem, error) {
	item := mirror.ChangeItem{RemoteID: id, StableID: id}
	var m graphMessage
	err := g.getJSON(ctx, g.baseURL+"/me/messages/"+url.PathEscape(id)+"?$select=id,parentFolderId", &m)
	switch {
	case err == nil && m.ParentFolderID != "":
		item.IsMoved = true
		item.NewContainerRemoteID = m.ParentFolderID
	case err == nil:
		item.IsDeleted = true
	case statusCode(err) == http.StatusNotFound:
		item.IsDeleted = true
	default:
		return item, fmt.Errorf("failed to look up removed message %s: %w", id, err)
	}
	return item, nil
}

// DownloadContent streams the MIME content of a message.
func (g *Graph) DownloadContent(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := g.get(ctx, g.baseURL+"/me/messages/"+url.PathEscape(id)+"/$value")
	if err != nil {
		return nil, fmt.Errorf("failed to download message %s: %w", id, err)
	}
	return resp.Body, nil
}

func (g *Graph) getJSON(ctx context.Context, link string, v any) error {
	resp, err := g.get(ctx, link)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", link, err)
	}
	return nil
}

// get issues a throttled GET with retries. On success the caller owns the
// response body.
func (g *Graph) get(ctx context.Context, link string) (*http.Response, error) {
	var resp *http.Response
	err := g.retry.do(ctx, "graph.get", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Prefer", fmt.Sprintf(`IdType="ImmutableId", odata.maxpagesize=%d`, graphPageSize))
		res, err := g.client.Do(req)
		if err != nil {
			return err
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			defer res.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(res.Body, graphErrorBodySize))
			return &HTTPError{StatusCode: res.StatusCode, RetryAfter: retryAfter(res.Header.Get("Retry-After")), Body: strings.TrimSpace(string(body))}
		}
		resp = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
