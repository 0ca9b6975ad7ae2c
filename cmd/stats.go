package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-export/filter"
	"github.com/dhcgn/mbox-export/mbox"
	"github.com/dhcgn/mbox-export/model"
	"github.com/dhcgn/mbox-export/pathutil"
	"github.com/dhcgn/mbox-export/runner"
	"github.com/dhcgn/mbox-export/source"
	"github.com/dhcgn/mbox-export/stats"
)

// Report categories, in print order.
const (
	ReportSenders      = "senders"
	ReportSubjects     = "subjects"
	ReportMonths       = "months"
	ReportContentTypes = "content_types"
	ReportExtensions   = "extensions"
)

var reportOrder = []string{ReportSenders, ReportSubjects, ReportMonths, ReportContentTypes, ReportExtensions}

// Analysis is what the stats command learns about an mbox file.
type Analysis struct {
	Scanned         int
	Matched         int
	Attachments     int
	Inline          int
	AttachmentBytes int64
	Counters        map[string]map[string]int
}

func newAnalysis() *Analysis {
	a := &Analysis{Counters: make(map[string]map[string]int, len(reportOrder))}
	for _, name := range reportOrder {
		a.Counters[name] = make(map[string]int)
	}
	return a
}

// Analyze counts senders, subjects, months and attachment types of every
// message in r that passes f. progress, when set, is called after each
// scanned message.
func Analyze(r io.Reader, f *filter.Filter, inline runner.InlinePolicy, progress func(*Analysis)) (*Analysis, error) {
	if inline == nil {
		inline = runner.ContentIDPolicy
	}
	a := newAnalysis()
	err := mbox.ReadFrom(r, func(m *source.ParsedMessage) error {
		a.Scanned++
		meta, atts := metadata(m, inline)
		if f.Matches(meta) {
			a.Matched++
			a.add(meta, atts)
		}
		if progress != nil {
			progress(a)
		}
		return nil
	})
	return a, err
}

func (a *Analysis) add(meta *model.EmailMetadata, atts []model.AttachmentRecord) {
	if meta.SenderAddress != "" {
		a.Counters[ReportSenders][meta.SenderAddress]++
	}
	if meta.Subject != "" {
		a.Counters[ReportSubjects][meta.Subject]++
	}
	if !meta.ReceivedAt.IsZero() {
		a.Counters[ReportMonths][meta.ReceivedAt.Format("2006-01")]++
	}
	for _, att := range atts {
		if att.Inline {
			a.Inline++
			continue
		}
		a.Attachments++
		a.AttachmentBytes += att.Size
		if att.ContentType != "" {
			a.Counters[ReportContentTypes][att.ContentType]++
		}
		ext := strings.ToLower(filepath.Ext(att.Filename))
		if ext == "" {
			ext = "(none)"
		}
		a.Counters[ReportExtensions][ext]++
	}
}

// metadata builds the filter view of m. Unreadable properties stay at their
// zero value.
func metadata(m *source.ParsedMessage, inline runner.InlinePolicy) (*model.EmailMetadata, []model.AttachmentRecord) {
	meta := &model.EmailMetadata{ID: m.ID(), Body: model.NewLazyText(m.Body), HTMLBody: model.NewLazyText(m.HTMLBody)}
	meta.SenderAddress, _ = m.SenderAddress()
	meta.SenderName, _ = m.SenderName()
	meta.Subject, _ = m.Subject()
	meta.ReceivedAt, _ = m.ReceivedAt()
	meta.SentAt, _ = m.SentAt()
	meta.To, meta.Cc, _ = m.Recipients()

	attachments, _ := m.Attachments()
	records := make([]model.AttachmentRecord, 0, len(attachments))
	for i, att := range attachments {
		rec := model.AttachmentRecord{Index: i}
		rec.Filename, _ = att.Filename()
		rec.Size, _ = att.Size()
		if sig, err := att.InlineSignal(); err == nil {
			rec.ContentType = sig.ContentType
			rec.Inline = inline(sig)
		}
		if rec.Inline {
			meta.InlineCount++
		}
		records = append(records, rec)
	}
	meta.AttachmentCount = len(records)
	return meta, records
}

// NewStatsCmd returns the `stats` subcommand.
func NewStatsCmd() *cobra.Command {
	var (
		reportDir string
		top       int
		limit     int
		criteria  filter.Criteria
		start     string
		end       string
	)

	cmd := &cobra.Command{
		Use:   "stats [mbox file]",
		Short: "Analyse an mbox file and show sender, subject and attachment statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if criteria.Start, err = filter.ParseBound(start, false); err != nil {
				return &model.ConfigError{Field: "start-date", Err: err}
			}
			if criteria.End, err = filter.ParseBound(end, true); err != nil {
				return &model.ConfigError{Field: "end-date", Err: err}
			}
			f, err := filter.New(criteria)
			if err != nil {
				return err
			}

			mboxPath := args[0]
			file, err := os.Open(mboxPath)
			if err != nil {
				return fmt.Errorf("open mbox: %w", err)
			}
			defer file.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Analyzing mbox file:", mboxPath)

			spinner, _ := pterm.DefaultSpinner.Start("scanning messages")
			a, err := Analyze(file, f, nil, func(a *Analysis) {
				if spinner != nil && a.Scanned%250 == 0 {
					spinner.UpdateText(fmt.Sprintf("scanned %d messages, %d matched", a.Scanned, a.Matched))
				}
			})
			if spinner != nil {
				_ = spinner.Stop()
			}
			if err != nil {
				return fmt.Errorf("error reading mbox file: %w", err)
			}

			printAnalysis(out, a, f, top)

			if err := saveCSVReports(a, reportDir, limit); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	flags.IntVarP(&top, "top", "t", 10, "Number of top items to display in statistics")
	flags.IntVar(&limit, "report-limit", 1000, "Maximum rows per CSV report")
	flags.StringVar(&start, "start-date", "", "Only messages received on or after this date")
	flags.StringVar(&end, "end-date", "", "Only messages received on or before this date")
	flags.StringSliceVar(&criteria.Senders, "sender", nil, "Only messages from these sender addresses")
	flags.StringArrayVar(&criteria.SubjectKeywords, "subject-keyword", nil, "Subject must contain this keyword (repeatable)")
	flags.StringArrayVar(&criteria.BodyKeywords, "body-keyword", nil, "Body must contain this keyword (repeatable)")
	flags.BoolVar(&criteria.WithAttachments, "with-attachments", false, "Only messages with attachments")
	flags.BoolVar(&criteria.WithoutAttachments, "without-attachments", false, "Only messages without attachments")

	return cmd
}

func printAnalysis(w io.Writer, a *Analysis, f *filter.Filter, top int) {
	var skippedPercent float64
	if a.Scanned > 0 {
		skippedPercent = float64(a.Scanned-a.Matched) / float64(a.Scanned) * 100
	}
	fmt.Fprintf(w, "Processed %d messages (skipped %d by filters, %.2f%%)\n", a.Scanned, a.Scanned-a.Matched, skippedPercent)
	fmt.Fprintf(w, "Attachments: %d (%s), inline parts: %d\n\n", a.Attachments, pathutil.FormatSize(a.AttachmentBytes), a.Inline)

	if preds := f.Stats(); len(preds) > 0 {
		fmt.Fprintln(w, "Filters:")
		for _, p := range preds {
			mark := "✓"
			if p.Rejected > 0 {
				mark = "✗"
			}
			fmt.Fprintf(w, "  %s %s: evaluated %d, rejected %d\n", mark, p.Name, p.Evaluated, p.Rejected)
		}
		fmt.Fprintln(w, "---")
		fmt.Fprintln(w)
	}

	for _, name := range reportOrder {
		fmt.Fprintf(w, "Top %d %s:\n", top, strings.ReplaceAll(name, "_", " "))
		stats.PrettyPrintTop(w, a.Counters[name], top)
		fmt.Fprintln(w)
	}
}

// saveCSVReports writes one report_<category>.csv per counter, most frequent
// first.
func saveCSVReports(a *Analysis, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, name := range reportOrder {
		if err := writeReport(filepath.Join(dir, "report_"+name+".csv"), stats.Top(a.Counters[name], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeReport(path string, rows []stats.Count) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write([]string{row.Key, strconv.Itoa(row.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}
