package cmd

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-export/filter"
	"github.com/dhcgn/mbox-export/runner"
)

const sampleMbox = `From a@x.com Mon Jan 15 10:00:00 2024
From: Alice <a@x.com>
Subject: Invoice Q1
Message-Id: <1@x.com>
Date: Mon, 15 Jan 2024 10:00:00 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="b1"

--b1
Content-Type: text/plain

see attached
--b1
Content-Type: application/pdf
Content-Disposition: attachment; filename="inv.pdf"

PDFDATA
--b1
Content-Type: image/png
Content-Disposition: inline; filename="logo.png"
Content-Id: <logo@x.com>

PNGDATA
--b1--

From b@y.org Fri Feb 02 10:00:00 2024
From: b@y.org
Subject: Lunch
Message-Id: <2@y.org>
Date: Fri, 02 Feb 2024 10:00:00 +0000

no attachments here

From a@x.com Mon Feb 05 10:00:00 2024
From: Alice <a@x.com>
Subject: Invoice Q1
Message-Id: <3@x.com>
Date: Mon, 05 Feb 2024 10:00:00 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="b2"

--b2
Content-Type: text/plain

again
--b2
Content-Type: application/pdf
Content-Disposition: attachment; filename="INV2.PDF"

PDFDATA
--b2--
`

func TestAnalyze(t *testing.T) {
	f, err := filter.New(filter.Criteria{})
	require.NoError(t, err)

	var calls int
	a, err := Analyze(strings.NewReader(sampleMbox), f, runner.ContentIDPolicy, func(*Analysis) { calls++ })
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, a.Scanned)
	assert.Equal(t, 3, a.Matched)
	assert.Equal(t, 2, a.Attachments)
	assert.Equal(t, 1, a.Inline)
	assert.Equal(t, map[string]int{"a@x.com": 2, "b@y.org": 1}, a.Counters[ReportSenders])
	assert.Equal(t, 2, a.Counters[ReportSubjects]["Invoice Q1"])
	assert.Equal(t, map[string]int{"2024-01": 1, "2024-02": 2}, a.Counters[ReportMonths])
	assert.Equal(t, map[string]int{"application/pdf": 2}, a.Counters[ReportContentTypes])
	assert.Equal(t, map[string]int{".pdf": 2}, a.Counters[ReportExtensions])
}

func TestAnalyze_Filtered(t *testing.T) {
	f, err := filter.New(filter.Criteria{WithAttachments: true, Senders: []string{"A@X.com"}})
	require.NoError(t, err)

	a, err := Analyze(strings.NewReader(sampleMbox), f, runner.NoInlinePolicy, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, a.Scanned)
	assert.Equal(t, 2, a.Matched)
	assert.Equal(t, 3, a.Attachments, "no inline policy counts the logo too")
	assert.Equal(t, 0, a.Inline)

	preds := f.Stats()
	require.NotEmpty(t, preds)
	assert.Equal(t, 3, preds[0].Evaluated)
	assert.Equal(t, 1, preds[0].Rejected)
}

func TestStatsCmd(t *testing.T) {
	pterm.DisableOutput()
	t.Cleanup(pterm.EnableOutput)

	dir := t.TempDir()
	mboxPath := filepath.Join(dir, "mail.mbox")
	require.NoError(t, os.WriteFile(mboxPath, []byte(sampleMbox), 0o600))
	reports := filepath.Join(dir, "reports")

	var out bytes.Buffer
	cmd := NewStatsCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{mboxPath, "-o", reports, "--top", "1", "--subject-keyword", "invoice"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "Processed 3 messages (skipped 1 by filters, 33.33%)")
	assert.Contains(t, text, "✗ subject: evaluated 3, rejected 1")
	assert.Contains(t, text, "1. a@x.com (2)")

	for _, name := range reportOrder {
		assert.FileExists(t, filepath.Join(reports, "report_"+name+".csv"))
	}

	file, err := os.Open(filepath.Join(reports, "report_senders.csv"))
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Value", "Count"}, {"a@x.com", "2"}}, rows)
}

func TestStatsCmd_InvalidDate(t *testing.T) {
	cmd := NewStatsCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"missing.mbox", "--start-date", "soon"})
	assert.Error(t, cmd.Execute())
}
