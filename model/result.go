package model

// OutcomeKind classifies what happened to a single attachment or message.
type OutcomeKind string

const (
	OutcomeSaved         OutcomeKind = "saved"
	OutcomeDuplicate     OutcomeKind = "duplicate"
	OutcomeSkippedInline OutcomeKind = "skipped_inline"
	OutcomeDryRun        OutcomeKind = "dry_run"
	OutcomeFailed        OutcomeKind = "failed"
	OutcomeMessageSaved  OutcomeKind = "message_saved"
)

// Outcome is one entry of the ordered per-item log of an export run.
type Outcome struct {
	MessageID  string
	Attachment string
	Path       string
	Kind       OutcomeKind
	Err        error
}

// ExportResult accumulates the counters and outcomes of one run.
type ExportResult struct {
	MessagesScanned   int
	MessagesMatched   int
	MessagesFailed    int
	MessagesExported  int
	AttachmentsSaved  int
	Duplicates        int
	WouldSave         int
	SkippedInline     int
	AttachmentsFailed int
	Outcomes          []Outcome
}

// Skipped counts attachments that were not materialised.
func (r *ExportResult) Skipped() int {
	return r.SkippedInline + r.WouldSave + r.AttachmentsFailed
}

// Record appends an outcome and bumps the matching counter.
func (r *ExportResult) Record(o Outcome) {
	switch o.Kind {
	case OutcomeSaved:
		r.AttachmentsSaved++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeSkippedInline:
		r.SkippedInline++
	case OutcomeDryRun:
		r.WouldSave++
	case OutcomeFailed:
		r.AttachmentsFailed++
	case OutcomeMessageSaved:
		r.MessagesExported++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// LogAttrs flattens the counters for slog.
func (r *ExportResult) LogAttrs() []any {
	return []any{
		"scanned", r.MessagesScanned,
		"matched", r.MessagesMatched,
		"messageErrors", r.MessagesFailed,
		"saved", r.AttachmentsSaved,
		"duplicates", r.Duplicates,
		"wouldSave", r.WouldSave,
		"skippedInline", r.SkippedInline,
		"failed", r.AttachmentsFailed,
		"messagesExported", r.MessagesExported,
	}
}
