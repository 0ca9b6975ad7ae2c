package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-export/filter"
	"github.com/dhcgn/mbox-export/model"
	"github.com/dhcgn/mbox-export/runner"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "mbox-export"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(args))
	return LoadConfig(cmd)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := load(t, "--mbox", "mail.mbox", "-o", "out")
	require.NoError(t, err)

	assert.Equal(t, SourceMbox, cfg.Source)
	assert.Equal(t, "out", cfg.OutputDir)
	assert.Equal(t, "sha256", cfg.HashAlgorithm)
	assert.Equal(t, runner.InlineContentID, cfg.InlineHeuristic)
	assert.True(t, cfg.CountInlineForPresence)
	assert.Equal(t, runner.DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, 80, cfg.SubjectMaxLength)
	assert.Equal(t, 200, cfg.MaxDirLength)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, runner.ModeAttachments, cfg.Mode())
	assert.Empty(t, cfg.StateDir)

	opts, err := cfg.RunnerOptions()
	require.NoError(t, err)
	assert.Equal(t, "sha256", opts.Hasher.Name())
	assert.NotNil(t, opts.InlinePolicy)
}

func TestLoadConfig_Filters(t *testing.T) {
	cfg, err := load(t,
		"--mbox", "mail.mbox", "-o", "out",
		"--start-date", "2024-01-01",
		"--end-date", "2024-01-31",
		"--sender", "a@x.com,b@y.org",
		"--subject-keyword", "invoice, q1",
		"--subject-keyword", "paid",
		"--with-attachments",
		"--log-level", "WARNING",
	)
	require.NoError(t, err)

	criteria := cfg.Criteria()
	assert.True(t, criteria.Start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)))
	assert.True(t, criteria.End.Equal(time.Date(2024, 1, 31, 23, 59, 59, 999999999, time.Local)))
	assert.Equal(t, []string{"a@x.com", "b@y.org"}, criteria.Senders)
	assert.Equal(t, []string{"invoice, q1", "paid"}, criteria.SubjectKeywords)
	assert.True(t, criteria.WithAttachments)
	assert.Equal(t, "warn", cfg.LogLevel)

	_, err = filter.New(criteria)
	assert.NoError(t, err)
}

func TestLoadConfig_Modes(t *testing.T) {
	cfg, err := load(t, "--mbox", "m", "-o", "out", "--export-mail")
	require.NoError(t, err)
	assert.Equal(t, runner.ModeMessage, cfg.Mode())

	cfg, err = load(t, "--mbox", "m", "-o", "out", "--export-markdown")
	require.NoError(t, err)
	assert.Equal(t, runner.ModeMarkdown, cfg.Mode())
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		field string
	}{
		{name: "missing mbox", args: []string{"-o", "out"}, field: "mbox"},
		{name: "missing output", args: []string{"--mbox", "m"}, field: "output"},
		{name: "unknown source", args: []string{"--source", "pop3", "-o", "out"}, field: "source"},
		{name: "imap without host", args: []string{"--source", "imap", "-o", "out"}, field: "imap-host"},
		{name: "imap bad port", args: []string{"--source", "imap", "--imap-host", "h", "--imap-user", "u", "--imap-pass", "p", "--imap-port", "0", "-o", "out"}, field: "imap-port"},
		{name: "both attachment flags", args: []string{"--mbox", "m", "-o", "out", "--with-attachments", "--without-attachments"}, field: "attachments"},
		{name: "both export modes", args: []string{"--mbox", "m", "-o", "out", "--export-mail", "--export-markdown"}, field: "export"},
		{name: "bad start date", args: []string{"--mbox", "m", "-o", "out", "--start-date", "yesterday"}, field: "start-date"},
		{name: "end before start", args: []string{"--mbox", "m", "-o", "out", "--start-date", "2024-02-01", "--end-date", "2024-01-01"}, field: "end-date"},
		{name: "unknown hash", args: []string{"--mbox", "m", "-o", "out", "--hash-algorithm", "crc32"}, field: "hash-algorithm"},
		{name: "unknown inline heuristic", args: []string{"--mbox", "m", "-o", "out", "--inline-heuristic", "magic"}, field: "inline-heuristic"},
		{name: "zero batch", args: []string{"--mbox", "m", "-o", "out", "--batch-size", "0"}, field: "batch-size"},
		{name: "negative limit", args: []string{"--mbox", "m", "-o", "out", "--limit", "-1"}, field: "limit"},
		{name: "bad log level", args: []string{"--mbox", "m", "-o", "out", "--log-level", "trace"}, field: "log-level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("IMAP_PASS", "")
			_, err := load(t, tt.args...)
			var cfgErr *model.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestLoadConfig_EnvironmentAndFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "export.yaml")
	require.NoError(t, os.WriteFile(file, []byte("source: imap\nimap-host: mail.example.com\nimap-user: alice\noutput: from-file\nbatch-size: 10\n"), 0o600))

	t.Setenv("MBOX_EXPORT_OUTPUT", "from-env")
	t.Setenv("IMAP_PASS", "secret")

	cfg, err := load(t, "--config", file, "--batch-size", "5")
	require.NoError(t, err)

	assert.Equal(t, SourceIMAP, cfg.Source)
	assert.Equal(t, "mail.example.com", cfg.IMAPHost)
	assert.Equal(t, "from-env", cfg.OutputDir)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, "secret", cfg.IMAPPass)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	t.Setenv("IMAP_PASS", "placeholder")
	require.NoError(t, os.Unsetenv("IMAP_PASS"))

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("IMAP_PASS=from-dotenv\n"), 0o600))

	cfg, err := load(t, "--env-file", envFile, "--source", "imap", "--imap-host", "h", "--imap-user", "u", "-o", "out")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.IMAPPass)

	_, err = load(t, "--env-file", filepath.Join(t.TempDir(), "missing.env"), "--mbox", "m", "-o", "out")
	var cfgErr *model.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadConfig_MissingConfigFile(t *testing.T) {
	_, err := load(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "--mbox", "m", "-o", "out")
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "config", cfgErr.Field)
}

func TestLoadConfig_UnderscoreFlags(t *testing.T) {
	cfg, err := load(t, "--mbox", "m", "--output", "out", "--hash_algorithm", "xxh64", "--dry_run")
	require.NoError(t, err)
	assert.Equal(t, "xxh64", cfg.HashAlgorithm)
	assert.True(t, cfg.DryRun)
}
