package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jyothri/mailmirror/archive"
	"github.com/jyothri/mailmirror/collect"
	"github.com/jyothri/mailmirror/config"
	"github.com/jyothri/mailmirror/db"
	"github.com/jyothri/mailmirror/mirror"
	"github.com/jyothri/mailmirror/notification"
	"github.com/jyothri/mailmirror/transform"
	"github.com/jyothri/mailmirror/web"
)

func initLogger(level slog.Level) {
	options := &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05.999"))
			}
			return a
		},
		Level: level,
	}

	handler := slog.NewTextHandler(os.Stdout, options)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initLogger(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("mailmirror failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.ArchiveRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create archive root: %w", err)
	}
	store, err := db.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer store.Close()
	files, err := archive.New(cfg.ArchiveRoot)
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, store: store, files: files}

	if cfg.Serve {
		hub := notification.NewHub()
		srv := web.New(ctx, web.Options{
			Addr:              cfg.HTTPAddr,
			FrontendURL:       cfg.FrontendURL,
			OAuthClientID:     cfg.OAuthClientID,
			OAuthClientSecret: cfg.OAuthClientSecret,
		}, store, hub, a.sync)
		return srv.ListenAndServe(ctx)
	}

	res, err := a.sync(ctx, web.SyncRequest{ClientKey: cfg.ClientKey, DryRun: cfg.DryRun}, nil)
	if err != nil {
		return err
	}
	slog.Info("Sync finished",
		"outcome", res.Outcome,
		"run_id", res.RunID,
		"mailbox", res.MailboxID,
		"containers", res.ContainersSynced,
		"synced", res.Counts.Synced,
		"skipped", res.Counts.Skipped,
		"moved", res.Counts.Moved,
		"quarantined", res.Counts.Quarantined,
		"errors", res.Counts.Errors,
		"transform_errors", res.Counts.TransformErrors,
		"elapsed", res.Elapsed)
	for _, d := range res.Details {
		slog.Debug("Item", "stable_id", d.StableID, "container", d.Container, "action", d.Action, "path", d.LocalPath, "error", d.Error)
	}
	if res.Outcome == mirror.Failed {
		return errors.New(res.Message)
	}
	return nil
}

type app struct {
	cfg   *config.Config
	store *db.Store
	files *archive.Archive
}

// sync runs one pass against the mailbox of req.ClientKey, or of the
// configured refresh token when no client key is given.
func (a *app) sync(ctx context.Context, req web.SyncRequest, progress func(mirror.Progress)) (*mirror.Result, error) {
	remote, err := a.remote(ctx, req.ClientKey)
	if err != nil {
		return nil, err
	}
	var transformer mirror.Transformer
	if a.cfg.Transform {
		transformer = transform.NewTextRenderer(a.files)
	}
	engine := mirror.NewEngine(remote, a.store, a.files, transformer).WithRunLog(a.store)
	return engine.Run(ctx, mirror.Options{
		MaxParallelDownloads: a.cfg.MaxParallelDownloads,
		CheckpointInterval:   a.cfg.CheckpointInterval,
		ExcludeFolders:       a.cfg.ExcludeFolders,
		DryRun:               req.DryRun,
		Verbose:              a.cfg.Verbose,
		Transform:            a.cfg.Transform,
		TransformOptions:     transform.Options{ListAttachments: a.cfg.ListAttachments},
		TempMaxAge:           a.cfg.TempMaxAge,
		Progress:             progress,
	}), nil
}

func (a *app) remote(ctx context.Context, clientKey string) (mirror.Remote, error) {
	provider, refreshToken := a.cfg.Provider, a.cfg.RefreshToken
	if clientKey != "" {
		token, err := a.store.GetOAuthToken(ctx, clientKey)
		if err != nil {
			return nil, err
		}
		if token == nil {
			return nil, fmt.Errorf("no linked account for client key %q", clientKey)
		}
		provider, refreshToken = token.Provider, token.RefreshToken
	}
	if refreshToken == "" {
		return nil, errors.New("refresh token is required: link an account or set MAILMIRROR_REFRESH_TOKEN")
	}

	switch provider {
	case config.ProviderGraph:
		return collect.NewGraph(ctx, collect.GraphConfig{
			ClientID:     a.cfg.OAuthClientID,
			ClientSecret: a.cfg.OAuthClientSecret,
			Tenant:       a.cfg.OAuthTenant,
			RefreshToken: refreshToken,
		})
	default:
		return collect.NewGmail(ctx, collect.GmailConfig{
			ClientID:     a.cfg.OAuthClientID,
			ClientSecret: a.cfg.OAuthClientSecret,
			RefreshToken: refreshToken,
		})
	}
}
