package progress

import (
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mbox-export/model"
	"github.com/dhcgn/mbox-export/stats"
)

// Bar tracks scanned messages. With an unknown total a spinner is shown
// instead of a bar.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	spinner *pterm.SpinnerPrinter
	total   int
	scanned int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress display. It stays inert unless enabled.
func New(total int, enabled bool) *Bar {
	bar := &Bar{total: total, enabled: enabled}
	if !enabled {
		return bar
	}

	if total > 0 {
		pterm.Info.Printf("Messages to scan: %d\n", total)
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Scanning messages").
			Start()
		bar.pb = pb
		return bar
	}

	spinner, _ := pterm.DefaultSpinner.Start("Scanning messages")
	bar.spinner = spinner
	return bar
}

// Update advances the display for scanned messages and surfaces errors.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.scanned++
		title := "Scanning: " + shorten(evt.MessageID, 40)
		switch {
		case b.pb != nil:
			b.pb.Increment()
			b.pb.UpdateTitle(title)
		case b.spinner != nil:
			b.spinner.UpdateText(title)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

func shorten(id string, n int) string {
	r := []rune(id)
	if len(r) <= n {
		return id
	}
	return string(r[:n-3]) + "..."
}

// Scanned returns the number of scanned messages seen so far.
func (b *Bar) Scanned() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanned
}

// Stop finalizes the display.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb != nil {
		if b.pb.Current < b.total {
			b.pb.Current = b.total
		}
		_, _ = b.pb.Stop()
	}
	if b.spinner != nil {
		b.spinner.Success("Scanned ", b.scanned, " messages")
	}
}

// ProgressReporter drives the bar from the runner's events and prints the
// final summary.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	started   time.Time
}

func NewProgressReporter(stream stats.EventStream, bar *Bar) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.Subscribe(bar.Update)
		stream.Subscribe(reporter.collector.Apply)
	}
	return reporter
}

// Finish stops the bar and prints the summary of result.
func (pr *ProgressReporter) Finish(result *model.ExportResult, dryRun bool) {
	if pr.bar == nil || !pr.bar.enabled {
		return
	}
	pr.bar.Stop()

	summary := pr.collector.Snapshot()
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", time.Since(pr.started).Round(time.Millisecond))
	pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Matched: %d\n", summary.Matched)
	if dryRun {
		pterm.Info.Printf("Would save: %d\n", summary.DryRun)
	} else {
		pterm.Info.Printf("Saved: %d\n", summary.Saved)
		pterm.Info.Printf("Duplicates: %d\n", summary.Duplicates)
	}
	pterm.Info.Printf("Skipped inline: %d\n", summary.SkippedInline)
	if summary.MessagesSaved > 0 {
		pterm.Info.Printf("Messages exported: %d\n", summary.MessagesSaved)
	}
	if result != nil {
		pterm.Info.Printf("Skipped total: %d\n", result.Skipped())
	}
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
