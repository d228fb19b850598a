// Package web exposes sync control, archive browsing and live progress over
// HTTP.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/oauth2"

	"github.com/jyothri/mailmirror/collect"
	"github.com/jyothri/mailmirror/db"
	"github.com/jyothri/mailmirror/mirror"
	"github.com/jyothri/mailmirror/notification"
)

const shutdownTimeout = 10 * time.Second

// Store is the read side of the state repository plus account linking.
type Store interface {
	ListRuns(ctx context.Context, pageNo int) ([]db.Run, int, error)
	GetRun(ctx context.Context, runID string) (*db.Run, error)
	ListContainers(ctx context.Context) ([]db.Container, error)
	ListItemsByContainer(ctx context.Context, containerRemoteID string, pageNo int) ([]db.Item, int, error)
	CountItems(ctx context.Context) (int, int, error)
	SaveOAuthToken(ctx context.Context, t db.PrivateToken) error
	ListAccounts(ctx context.Context) ([]db.Account, error)
}

type SyncRequest struct {
	ClientKey string `json:"client_key"`
	DryRun    bool   `json:"dry_run"`
}

// SyncFunc runs one sync to completion, reporting progress as it goes.
type SyncFunc func(ctx context.Context, req SyncRequest, progress func(mirror.Progress)) (*mirror.Result, error)

type Options struct {
	Addr              string
	FrontendURL       string
	OAuthClientID     string
	OAuthClientSecret string
}

type Server struct {
	ctx   context.Context
	opts  Options
	store Store
	hub   *notification.Hub
	sync  SyncFunc
	busy  atomic.Bool

	// how long POST /api/sync waits for the run to be recorded
	startWait     time.Duration
	oauthEndpoint oauth2.Endpoint
	identity      func(ctx context.Context, refreshToken string) (string, error)
}

// New builds a server whose background syncs live as long as ctx.
func New(ctx context.Context, opts Options, store Store, hub *notification.Hub, sync SyncFunc) *Server {
	s := &Server{
		ctx:           ctx,
		opts:          opts,
		store:         store,
		hub:           hub,
		sync:          sync,
		startWait:     10 * time.Second,
		oauthEndpoint: collect.GoogleOAuthConfig("", "", "").Endpoint,
	}
	s.identity = s.gmailIdentity
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.api(r)
	s.oauth(r)
	s.sse(r)
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{s.opts.FrontendURL},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		Addr:         s.opts.Addr,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting web server.", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("Shutting down web server.")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
