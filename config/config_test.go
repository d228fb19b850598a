package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load([]string{"-archive_root", "/srv/mail"})
	require.NoError(t, err)
	assert.Equal(t, "/srv/mail", cfg.ArchiveRoot)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, filepath.Join("/srv/mail", "mailmirror.db"), cfg.DBDSN)
	assert.Equal(t, ProviderGmail, cfg.Provider)
	assert.Equal(t, 5, cfg.MaxParallelDownloads)
	assert.Equal(t, 24*time.Hour, cfg.TempMaxAge)
	assert.Equal(t, ":8090", cfg.HTTPAddr)
	assert.False(t, cfg.ListAttachments)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	env := "MAILMIRROR_ARCHIVE_ROOT=/from/dotenv\n" +
		"MAILMIRROR_MAX_PARALLEL_DOWNLOADS=2\n" +
		"MAILMIRROR_PROVIDER=graph\n" +
		"MAILMIRROR_EXCLUDE_FOLDERS=Junk Email, Archive/**\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))
	// godotenv writes into the process environment; restore it afterwards
	for _, key := range []string{"MAILMIRROR_ARCHIVE_ROOT", "MAILMIRROR_PROVIDER", "MAILMIRROR_EXCLUDE_FOLDERS"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	t.Setenv("MAILMIRROR_MAX_PARALLEL_DOWNLOADS", "8")
	t.Setenv("MAILMIRROR_DRY_RUN", "true")
	t.Setenv("MAILMIRROR_TEMP_MAX_AGE", "2h")
	t.Setenv("MAILMIRROR_LIST_ATTACHMENTS", "true")

	cfg, err := Load([]string{"-max_parallel_downloads", "3", "-exclude", "Drafts", "-log_level", "warn"})
	require.NoError(t, err)
	assert.Equal(t, "/from/dotenv", cfg.ArchiveRoot)
	assert.Equal(t, ProviderGraph, cfg.Provider)
	assert.Equal(t, 3, cfg.MaxParallelDownloads)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, 2*time.Hour, cfg.TempMaxAge)
	assert.True(t, cfg.ListAttachments)
	assert.Equal(t, []string{"Junk Email", "Archive/**", "Drafts"}, cfg.ExcludeFolders)
	assert.Equal(t, slog.LevelWarn, cfg.Level())
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{name: "missing root", want: "archive root is required"},
		{name: "zero parallelism", args: []string{"-archive_root", "x", "-max_parallel_downloads", "0"}, want: "max parallel downloads"},
		{name: "bad driver", args: []string{"-archive_root", "x", "-db_driver", "mysql"}, want: "unsupported database driver"},
		{name: "bad provider", args: []string{"-archive_root", "x", "-provider", "imap"}, want: "unsupported provider"},
		{name: "bad level", args: []string{"-archive_root", "x", "-log_level", "loud"}, want: "invalid log level"},
		{name: "bad env int", args: []string{"-archive_root", "x"}, env: map[string]string{"MAILMIRROR_CHECKPOINT_INTERVAL": "ten"}, want: "MAILMIRROR_CHECKPOINT_INTERVAL"},
		{name: "unknown flag", args: []string{"-nope"}, want: "failed to parse flags"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestVerboseForcesDebug(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "error"
	cfg.Verbose = true
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}
