// Package config loads run settings from defaults, an optional .env file,
// MAILMIRROR_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvPrefix = "MAILMIRROR_"
	EnvFile   = ".env"

	ProviderGmail = "gmail"
	ProviderGraph = "graph"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	sqliteFileName = "mailmirror.db"
)

type Config struct {
	ArchiveRoot string
	DBDriver    string
	DBDSN       string

	Provider          string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTenant       string
	RefreshToken      string
	ClientKey         string

	MaxParallelDownloads int
	CheckpointInterval   int
	ExcludeFolders       []string
	DryRun               bool
	Verbose              bool
	Transform            bool
	ListAttachments      bool
	TempMaxAge           time.Duration

	LogLevel    string
	Serve       bool
	HTTPAddr    string
	FrontendURL string
}

func Default() *Config {
	return &Config{
		DBDriver:             DriverSQLite,
		Provider:             ProviderGmail,
		OAuthClientID:        "dummy",
		OAuthClientSecret:    "dummy",
		OAuthTenant:          "common",
		MaxParallelDownloads: 5,
		TempMaxAge:           24 * time.Hour,
		LogLevel:             "info",
		HTTPAddr:             ":8090",
		FrontendURL:          "http://localhost:5173",
	}
}

// Load builds the configuration for a process started with args (without
// the program name).
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", EnvFile, err)
	}

	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.applyFlags(args); err != nil {
		return nil, err
	}
	if cfg.DBDriver == DriverSQLite && cfg.DBDSN == "" && cfg.ArchiveRoot != "" {
		cfg.DBDSN = filepath.Join(cfg.ArchiveRoot, sqliteFileName)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("ARCHIVE_ROOT", &c.ArchiveRoot)
	envString("DB_DRIVER", &c.DBDriver)
	envString("DB_DSN", &c.DBDSN)
	envString("PROVIDER", &c.Provider)
	envString("OAUTH_CLIENT_ID", &c.OAuthClientID)
	envString("OAUTH_CLIENT_SECRET", &c.OAuthClientSecret)
	envString("OAUTH_TENANT", &c.OAuthTenant)
	envString("REFRESH_TOKEN", &c.RefreshToken)
	envString("CLIENT_KEY", &c.ClientKey)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("HTTP_ADDR", &c.HTTPAddr)
	envString("FRONTEND_URL", &c.FrontendURL)

	var exclude string
	if envString("EXCLUDE_FOLDERS", &exclude) {
		c.ExcludeFolders = splitList(exclude)
	}

	return errors.Join(
		envInt("MAX_PARALLEL_DOWNLOADS", &c.MaxParallelDownloads),
		envInt("CHECKPOINT_INTERVAL", &c.CheckpointInterval),
		envBool("DRY_RUN", &c.DryRun),
		envBool("VERBOSE", &c.Verbose),
		envBool("TRANSFORM", &c.Transform),
		envBool("LIST_ATTACHMENTS", &c.ListAttachments),
		envBool("SERVE", &c.Serve),
		envDuration("TEMP_MAX_AGE", &c.TempMaxAge),
	)
}

func (c *Config) applyFlags(args []string) error {
	fs := flag.NewFlagSet("mailmirror", flag.ContinueOnError)
	fs.StringVar(&c.ArchiveRoot, "archive_root", c.ArchiveRoot, "directory the mailbox is mirrored into")
	fs.StringVar(&c.DBDriver, "db_driver", c.DBDriver, "state database driver: sqlite or postgres")
	fs.StringVar(&c.DBDSN, "db_dsn", c.DBDSN, "state database connection string")
	fs.StringVar(&c.Provider, "provider", c.Provider, "remote mailbox provider: gmail or graph")
	fs.StringVar(&c.OAuthClientID, "oauth_client_id", c.OAuthClientID, "oauth client id")
	fs.StringVar(&c.OAuthClientSecret, "oauth_client_secret", c.OAuthClientSecret, "oauth client secret")
	fs.StringVar(&c.OAuthTenant, "oauth_tenant", c.OAuthTenant, "Microsoft tenant for graph")
	fs.StringVar(&c.RefreshToken, "refresh_token", c.RefreshToken, "oauth refresh token of the mailbox")
	fs.StringVar(&c.ClientKey, "client_key", c.ClientKey, "linked account whose stored token is used")
	fs.IntVar(&c.MaxParallelDownloads, "max_parallel_downloads", c.MaxParallelDownloads, "concurrent downloads per page")
	fs.IntVar(&c.CheckpointInterval, "checkpoint_interval", c.CheckpointInterval, "items between checkpoints within a page, 0 for per page")
	fs.BoolVar(&c.DryRun, "dry_run", c.DryRun, "report what would change without writing")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "debug logging and per-item details")
	fs.BoolVar(&c.Transform, "transform", c.Transform, "write a plain text sidecar for each new message")
	fs.BoolVar(&c.ListAttachments, "list_attachments", c.ListAttachments, "list attachment names in the text sidecar")
	fs.DurationVar(&c.TempMaxAge, "temp_max_age", c.TempMaxAge, "age after which leftover temp files are removed")
	fs.StringVar(&c.LogLevel, "log_level", c.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&c.Serve, "serve", c.Serve, "run the web server instead of a single sync")
	fs.StringVar(&c.HTTPAddr, "http_addr", c.HTTPAddr, "web server listen address")
	fs.StringVar(&c.FrontendURL, "frontend_url", c.FrontendURL, "URLs allowlisted by UI for CORS.")
	fs.Func("exclude", "folder glob to skip, repeatable or comma separated", func(v string) error {
		c.ExcludeFolders = append(c.ExcludeFolders, splitList(v)...)
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ArchiveRoot) == "" {
		errs = append(errs, errors.New("archive root is required"))
	}
	if c.MaxParallelDownloads <= 0 {
		errs = append(errs, fmt.Errorf("max parallel downloads must be positive, got %d", c.MaxParallelDownloads))
	}
	if c.CheckpointInterval < 0 {
		errs = append(errs, fmt.Errorf("checkpoint interval must not be negative, got %d", c.CheckpointInterval))
	}
	if c.DBDriver != DriverSQLite && c.DBDriver != DriverPostgres {
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.DBDriver))
	}
	if c.Provider != ProviderGmail && c.Provider != ProviderGraph {
		errs = append(errs, fmt.Errorf("unsupported provider %q", c.Provider))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level is the slog level to log at. Verbose always means debug.
func (c *Config) Level() slog.Level {
	if c.Verbose {
		return slog.LevelDebug
	}
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envString(key string, dst *string) bool {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if ok {
		*dst = v
	}
	return ok
}

func envInt(key string, dst *int) error {
	var raw string
	if !envString(key, &raw) {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = v
	return nil
}

func envBool(key string, dst *bool) error {
	var raw string
	if !envString(key, &raw) {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = v
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	var raw string
	if !envString(key, &raw) {
		return nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = v
	return nil
}
