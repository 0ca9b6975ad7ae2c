package stats

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

type Stage string

const (
	StageSource Stage = "source"
	StageFilter Stage = "filter"
	StageExport Stage = "export"
)

type EventType string

const (
	EventTypeScanned       EventType = "scanned"
	EventTypeMatched       EventType = "matched"
	EventTypeSaved         EventType = "saved"
	EventTypeDuplicate     EventType = "duplicate"
	EventTypeDryRun        EventType = "dry_run"
	EventTypeSkippedInline EventType = "skipped_inline"
	EventTypeMessageSaved  EventType = "message_saved"
	EventTypeError         EventType = "error"
)

type Event struct {
	Stage      Stage
	Type       EventType
	MessageID  string
	Attachment string
	Path       string
	Err        error
	Detail     string
}

type Summary struct {
	Scanned       int
	Matched       int
	Saved         int
	DryRun        int
	Duplicates    int
	SkippedInline int
	MessagesSaved int
	Errors        int
	LastError     error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"matched", s.Matched,
		"saved", s.Saved,
		"dryRun", s.DryRun,
		"duplicates", s.Duplicates,
		"skippedInline", s.SkippedInline,
		"messagesSaved", s.MessagesSaved,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeMatched:
		c.summary.Matched++
	case EventTypeSaved:
		c.summary.Saved++
	case EventTypeDryRun:
		c.summary.DryRun++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeSkippedInline:
		c.summary.SkippedInline++
	case EventTypeMessageSaved:
		c.summary.MessagesSaved++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

// EventStream delivers events synchronously to every subscriber.
type EventStream interface {
	Subscribe(fn func(Event))
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.Subscribe(reporter.collector.Apply)
	return reporter
}

// Finish logs the summary. err is the outcome of the run, if any.
func (r *Reporter) Finish(err error) Summary {
	summary := r.collector.Snapshot()
	if r.logger == nil {
		return summary
	}
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if err != nil {
		r.logger.Warn("stats summary (run interrupted)", append(attrs, "err", err)...)
		return summary
	}
	r.logger.Info("stats summary", attrs...)
	return summary
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Count is one entry of a frequency ranking.
type Count struct {
	Key   string
	Value int
}

// Top ranks m by value, ties broken by key, and keeps at most limit entries.
// limit <= 0 keeps all.
func Top(m map[string]int, limit int) []Count {
	pairs := make([]Count, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Count{k, v})
	}
	slices.SortFunc(pairs, func(a, b Count) int {
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
