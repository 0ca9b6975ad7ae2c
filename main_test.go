package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-export/config"
	"github.com/dhcgn/mbox-export/state"
)

const twoMessages = `From a@x.com Mon Jan 15 10:00:00 2024
From: a@x.com
Subject: Invoice Q1
Message-Id: <1@x.com>
Date: Mon, 15 Jan 2024 09:30:00 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

see attached
--b
Content-Type: application/pdf
Content-Disposition: attachment; filename="inv.pdf"

PDFDATA
--b--

From b@y.org Tue Jan 16 10:00:00 2024
From: b@y.org
Subject: Lunch
Message-Id: <2@y.org>
Date: Tue, 16 Jan 2024 10:00:00 +0000

no attachments
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	mboxPath := filepath.Join(dir, "mail.mbox")
	require.NoError(t, os.WriteFile(mboxPath, []byte(twoMessages), 0o600))
	return config.Config{
		Source:                 config.SourceMbox,
		MboxPath:               mboxPath,
		OutputDir:              filepath.Join(dir, "out"),
		InlineHeuristic:        "content-id",
		CountInlineForPresence: true,
		HashAlgorithm:          "sha256",
		DuplicatesSubfolder:    "duplicates",
		BatchSize:              10,
		SubjectMaxLength:       80,
		MaxDirLength:           200,
		LogLevel:               "error",
	}
}

func TestOpenSource_Mbox(t *testing.T) {
	cfg := testConfig(t)
	src, total, err := openSource(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, 2, total)
	batch, err := src.NextBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestOpenSource_MissingMbox(t *testing.T) {
	cfg := testConfig(t)
	cfg.MboxPath = filepath.Join(t.TempDir(), "missing.mbox")
	_, _, err := openSource(context.Background(), cfg, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}

func TestOpenTracker(t *testing.T) {
	cfg := testConfig(t)
	tracker, closeTracker, err := openTracker(cfg)
	require.NoError(t, err)
	assert.IsType(t, &state.MemoryTracker{}, tracker)
	assert.NoError(t, closeTracker())

	cfg.StateDir = filepath.Join(t.TempDir(), "state")
	tracker, closeTracker, err = openTracker(cfg)
	require.NoError(t, err)
	assert.IsType(t, &state.FileTracker{}, tracker)
	assert.NoError(t, closeTracker())
	assert.DirExists(t, cfg.StateDir)
}

func TestRun_ExportsAttachments(t *testing.T) {
	pterm.DisableOutput()
	t.Cleanup(pterm.EnableOutput)

	cfg := testConfig(t)
	cfg.WithAttachments = true
	cfg.StateDir = filepath.Join(t.TempDir(), "state")

	logger, cleanup, err := setupLogger(cfg)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, run(context.Background(), cfg, logger))
	assert.FileExists(t, filepath.Join(cfg.OutputDir, "a@x.com", "Invoice Q1", "2024-01-15", "inv.pdf"))
	assert.NoDirExists(t, filepath.Join(cfg.OutputDir, "b@y.org"))
	assert.FileExists(t, filepath.Join(cfg.StateDir, "hashes.jsonl"))

	// the persisted index marks the same bytes as a duplicate on the next run
	require.NoError(t, run(context.Background(), cfg, logger))
	assert.FileExists(t, filepath.Join(cfg.OutputDir, "a@x.com", "Invoice Q1", "2024-01-15", "duplicates", "inv.pdf"))
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	pterm.DisableOutput()
	t.Cleanup(pterm.EnableOutput)

	cfg := testConfig(t)
	cfg.DryRun = true

	logger, cleanup, err := setupLogger(cfg)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, run(context.Background(), cfg, logger))
	assert.NoDirExists(t, cfg.OutputDir)
}
