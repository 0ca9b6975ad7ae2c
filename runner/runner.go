package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mbox-export/filter"
	"github.com/dhcgn/mbox-export/hasher"
	"github.com/dhcgn/mbox-export/markdown"
	"github.com/dhcgn/mbox-export/model"
	"github.com/dhcgn/mbox-export/pathutil"
	"github.com/dhcgn/mbox-export/source"
	"github.com/dhcgn/mbox-export/state"
	"github.com/dhcgn/mbox-export/stats"
)

type Mode string

const (
	ModeAttachments Mode = "attachments"
	ModeMessage     Mode = "message"
	ModeMarkdown    Mode = "markdown"
)

const (
	DefaultBatchSize           = 50
	DefaultDuplicatesSubfolder = "duplicates"
	FallbackFilename           = "attachment.bin"
	TempDirName                = ".mbox-export-tmp"
)

var ErrEmptyEnvelope = errors.New("source returned an envelope without message")

type Options struct {
	OutputDir string
	Mode      Mode

	IncludeInline bool
	InlinePolicy  InlinePolicy
	// CountInlineForPresence makes inline parts count for the attachment
	// presence filter.
	CountInlineForPresence bool

	DuplicatesSubfolder string
	Hasher              *hasher.Hasher
	DryRun              bool

	BatchSize int
	// Limit caps the number of scanned messages, 0 means no limit.
	Limit int

	Paths   pathutil.Options
	MaxPath int
}

// Runner drives one export: it pulls batches from a source, filters each
// message and writes what passes below OutputDir.
type Runner struct {
	opts    Options
	filter  *filter.Filter
	tracker state.Tracker
	logger  *slog.Logger

	subscribers []func(stats.Event)
	reserver    *pathutil.Reserver
	tempDir     string
}

func New(opts Options, f *filter.Filter, tracker state.Tracker, logger *slog.Logger) (*Runner, error) {
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, &model.ConfigError{Field: "output", Err: errors.New("output directory is empty")}
	}
	switch opts.Mode {
	case "":
		opts.Mode = ModeAttachments
	case ModeAttachments, ModeMessage, ModeMarkdown:
	default:
		return nil, &model.ConfigError{Field: "mode", Err: fmt.Errorf("unknown export mode %q", opts.Mode)}
	}
	if opts.BatchSize < 0 {
		return nil, &model.ConfigError{Field: "batch-size", Err: errors.New("must not be negative")}
	}
	if opts.Limit < 0 {
		return nil, &model.ConfigError{Field: "limit", Err: errors.New("must not be negative")}
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Hasher == nil {
		h, err := hasher.New(hasher.DefaultAlgorithm)
		if err != nil {
			return nil, &model.ConfigError{Field: "hash-algorithm", Err: err}
		}
		opts.Hasher = h
	}
	if opts.InlinePolicy == nil {
		opts.InlinePolicy = ContentIDPolicy
	}
	if strings.TrimSpace(opts.DuplicatesSubfolder) == "" {
		opts.DuplicatesSubfolder = DefaultDuplicatesSubfolder
	}
	opts.DuplicatesSubfolder = pathutil.Sanitize(opts.DuplicatesSubfolder, 0)

	if f == nil {
		f = filter.FromPredicates()
	}
	if tracker == nil {
		tracker = state.NewMemoryTracker()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Runner{
		opts:     opts,
		filter:   f,
		tracker:  tracker,
		logger:   logger,
		reserver: pathutil.NewReserver(true),
		tempDir:  filepath.Join(opts.OutputDir, TempDirName),
	}, nil
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// Subscribe registers fn for every event. Subscribers run inline.
func (r *Runner) Subscribe(fn func(stats.Event)) {
	r.subscribers = append(r.subscribers, fn)
}

func (r *Runner) emit(evt stats.Event) {
	for _, fn := range r.subscribers {
		fn(evt)
	}
}

// Run exports everything src yields. Message and attachment failures are
// recorded in the result and never stop the run. A source error ends the run
// early with the partial result; cancellation returns ctx.Err() alongside it.
func (r *Runner) Run(ctx context.Context, src source.Source) (*model.ExportResult, error) {
	started := time.Now()
	result := &model.ExportResult{}
	defer r.removeTempDir()

	r.logger.Info("export started",
		"output", r.opts.OutputDir,
		"mode", r.opts.Mode,
		"dryRun", r.opts.DryRun,
		"filters", r.filter.Names(),
		"hash", r.opts.Hasher.Name(),
	)

	err := r.drain(ctx, src, result)
	attrs := append(result.LogAttrs(), "duration", time.Since(started))
	if err != nil {
		r.logger.Warn("export interrupted", append(attrs, "err", err)...)
		return result, err
	}
	r.logger.Info("export completed", attrs...)
	return result, nil
}

func (r *Runner) drain(ctx context.Context, src source.Source, result *model.ExportResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		size := r.opts.BatchSize
		if r.opts.Limit > 0 {
			remaining := r.opts.Limit - result.MessagesScanned
			if remaining <= 0 {
				r.logger.Info("message limit reached", "limit", r.opts.Limit)
				return nil
			}
			size = min(size, remaining)
		}

		batch, err := src.NextBatch(ctx, size)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			r.logger.Error("reading from source failed, stopping", "err", err)
			r.emit(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Err: err})
			return nil
		}
		if len(batch) == 0 {
			return nil
		}

		for _, env := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.opts.Limit > 0 && result.MessagesScanned >= r.opts.Limit {
				break
			}
			r.process(env, result)
		}
	}
}

func (r *Runner) process(env source.Envelope, result *model.ExportResult) {
	result.MessagesScanned++

	if env.Err != nil || env.Message == nil {
		err := env.Err
		if err == nil {
			err = ErrEmptyEnvelope
		}
		result.MessagesFailed++
		id := failedMessageID(err)
		r.logger.Warn("skipping unreadable message", "messageID", id, "err", err)
		r.emit(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, MessageID: id, Err: err})
		return
	}

	msg := env.Message
	r.emit(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeScanned, MessageID: msg.ID()})

	it, err := r.inspect(msg)
	if err != nil {
		result.MessagesFailed++
		r.logger.Warn("skipping message with unreadable attachments", "messageID", msg.ID(), "err", err)
		r.emit(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, MessageID: msg.ID(), Err: err})
		return
	}

	if reason := r.filter.Explain(it.meta); reason != "" {
		r.logger.Debug("message filtered out", "messageID", it.meta.ID, "predicate", reason)
		return
	}
	result.MessagesMatched++
	r.emit(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeMatched, MessageID: it.meta.ID})

	it.dir = pathutil.ResolveDir(r.opts.OutputDir, it.meta.SenderAddress, it.meta.Subject, it.meta.ReceivedAt, r.opts.Paths)

	switch r.opts.Mode {
	case ModeMessage:
		r.exportMessage(it, result)
	case ModeMarkdown:
		links := r.exportAttachments(it, result)
		r.exportMarkdown(it, links, result)
	default:
		r.exportAttachments(it, result)
	}
}

func failedMessageID(err error) string {
	var readErr *model.SourceReadError
	if errors.As(err, &readErr) {
		return readErr.MessageID
	}
	return ""
}

// item is a matched message on its way to disk.
type item struct {
	msg         source.Message
	meta        *model.EmailMetadata
	attachments []source.Attachment
	records     []model.AttachmentRecord
	dir         string
	ready       bool
}

// inspect reads the metadata of msg once. Unreadable properties are logged
// and defaulted; only an unreadable attachment list fails the message.
func (r *Runner) inspect(msg source.Message) (*item, error) {
	id := msg.ID()
	meta := &model.EmailMetadata{
		ID:            id,
		SenderAddress: read(r, id, source.PropertySender, msg.SenderAddress),
		SenderName:    read(r, id, source.PropertySender, msg.SenderName),
		Subject:       read(r, id, source.PropertySubject, msg.Subject),
		ReceivedAt:    read(r, id, source.PropertyReceived, msg.ReceivedAt),
		SentAt:        read(r, id, source.PropertySent, msg.SentAt),
	}

	to, cc, err := msg.Recipients()
	if err != nil {
		r.propertyFailed(id, source.PropertyRecipients, err)
	}
	meta.To, meta.Cc = to, cc

	meta.Body = model.NewLazyText(func() (string, error) {
		return lazyRead(r, id, source.PropertyBody, msg.Body)
	})
	meta.HTMLBody = model.NewLazyText(func() (string, error) {
		return lazyRead(r, id, source.PropertyHTMLBody, msg.HTMLBody)
	})

	attachments, err := msg.Attachments()
	if err != nil {
		return nil, &model.SourceReadError{MessageID: id, Property: source.PropertyAttachments, Err: err}
	}

	records := make([]model.AttachmentRecord, len(attachments))
	for i, a := range attachments {
		rec := model.AttachmentRecord{
			Index:    i,
			Filename: read(r, id, source.PropertyFilename, a.Filename),
			Size:     read(r, id, source.PropertySize, a.Size),
		}
		if sig, err := a.InlineSignal(); err != nil {
			r.propertyFailed(id, source.PropertyInline, err)
		} else {
			rec.ContentType = sig.ContentType
			rec.Inline = r.opts.InlinePolicy(sig)
		}
		if rec.Inline {
			meta.InlineCount++
		}
		records[i] = rec
	}

	meta.AttachmentCount = len(attachments)
	if !r.opts.CountInlineForPresence {
		meta.AttachmentCount -= meta.InlineCount
	}

	return &item{msg: msg, meta: meta, attachments: attachments, records: records}, nil
}

func read[T any](r *Runner, id, property string, get func() (T, error)) T {
	v, err := get()
	if err != nil {
		r.propertyFailed(id, property, err)
		var zero T
		return zero
	}
	return v
}

func lazyRead(r *Runner, id, property string, get func() (string, error)) (string, error) {
	v, err := get()
	if err != nil {
		r.propertyFailed(id, property, err)
		return "", &model.SourceReadError{MessageID: id, Property: property, Err: err}
	}
	return v, nil
}

func (r *Runner) propertyFailed(id, property string, err error) {
	r.logger.Warn("message property unreadable, using default",
		"messageID", id,
		"property", property,
		"err", &model.SourceReadError{MessageID: id, Property: property, Err: err},
	)
}

// prepareDir creates the message folder on first use. When that fails the
// flat sender_date_time folder directly under the output root is used.
func (r *Runner) prepareDir(it *item) (string, error) {
	if it.ready {
		return it.dir, nil
	}
	if err := os.MkdirAll(it.dir, 0o755); err != nil {
		flat := pathutil.FlatDir(r.opts.OutputDir, it.meta.SenderAddress, it.meta.ReceivedAt, true)
		r.logger.Warn("creating message folder failed, using flat folder",
			"messageID", it.meta.ID, "path", it.dir, "fallback", flat, "err", err)
		if flatErr := os.MkdirAll(flat, 0o755); flatErr != nil {
			return "", errors.Join(err, flatErr)
		}
		it.dir = flat
	}
	it.ready = true
	return it.dir, nil
}

func (r *Runner) exportAttachments(it *item, result *model.ExportResult) []markdown.Link {
	var links []markdown.Link
	for i, att := range it.attachments {
		rec := it.records[i]
		if rec.Inline && !r.opts.IncludeInline {
			r.logger.Debug("skipping inline attachment", "messageID", it.meta.ID, "attachment", rec.Filename, "contentType", rec.ContentType)
			r.record(result, model.Outcome{MessageID: it.meta.ID, Attachment: rec.Filename, Kind: model.OutcomeSkippedInline}, "")
			continue
		}
		if link, ok := r.exportAttachment(it, att, rec, result); ok {
			links = append(links, link)
		}
	}
	return links
}

// exportAttachment writes one attachment through a temp file: extract, hash,
// register, then rename to its canonical or duplicates location.
func (r *Runner) exportAttachment(it *item, att source.Attachment, rec model.AttachmentRecord, result *model.ExportResult) (markdown.Link, bool) {
	id := it.meta.ID
	name := attachmentName(rec.Filename)

	if r.opts.DryRun {
		path, err := r.resolvePath(it.dir, name, r.reserver.Reserve)
		if err != nil {
			r.fail(result, id, rec.Filename, "resolve", err)
			return markdown.Link{}, false
		}
		r.logger.Info("would save attachment", "messageID", id, "attachment", rec.Filename, "path", path, "size", rec.Size, "dryRun", true)
		r.record(result, model.Outcome{MessageID: id, Attachment: rec.Filename, Path: path, Kind: model.OutcomeDryRun}, "")
		return markdown.Link{Name: filepath.Base(path), Path: path, Size: rec.Size}, true
	}

	dir, err := r.prepareDir(it)
	if err != nil {
		r.fail(result, id, rec.Filename, "mkdir", err)
		return markdown.Link{}, false
	}

	tmp, err := r.tempPath()
	if err != nil {
		r.fail(result, id, rec.Filename, "temp", err)
		return markdown.Link{}, false
	}
	if err := att.SaveTo(tmp); err != nil {
		r.removeTemp(tmp)
		r.fail(result, id, rec.Filename, "extract", err)
		return markdown.Link{}, false
	}

	digest, err := r.opts.Hasher.HashFile(tmp)
	if err != nil {
		r.removeTemp(tmp)
		r.fail(result, id, rec.Filename, "hash", err)
		return markdown.Link{}, false
	}

	dest, err := r.resolvePath(dir, name, pathutil.EnsureUnique)
	if err != nil {
		r.removeTemp(tmp)
		r.fail(result, id, rec.Filename, "resolve", err)
		return markdown.Link{}, false
	}

	verdict, canonical := r.tracker.Register(digest, dest)
	kind := model.OutcomeSaved
	if verdict == state.Duplicate {
		kind = model.OutcomeDuplicate
		dupDir := filepath.Join(dir, r.opts.DuplicatesSubfolder)
		if err := os.MkdirAll(dupDir, 0o755); err != nil {
			r.removeTemp(tmp)
			r.fail(result, id, rec.Filename, "mkdir", err)
			return markdown.Link{}, false
		}
		if dest, err = r.resolvePath(dupDir, name, pathutil.EnsureUnique); err != nil {
			r.removeTemp(tmp)
			r.fail(result, id, rec.Filename, "resolve", err)
			return markdown.Link{}, false
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		r.removeTemp(tmp)
		if verdict == state.Canonical {
			r.tracker.Release(digest, dest)
		}
		r.fail(result, id, rec.Filename, "rename", err)
		return markdown.Link{}, false
	}

	size := rec.Size
	if info, err := os.Stat(dest); err == nil {
		size = info.Size()
	}

	if kind == model.OutcomeDuplicate {
		r.logger.Info("saved duplicate attachment", "messageID", id, "attachment", rec.Filename, "path", dest, "canonical", canonical, "hash", digest)
	} else {
		r.logger.Info("saved attachment", "messageID", id, "attachment", rec.Filename, "path", dest, "size", size)
	}
	r.record(result, model.Outcome{MessageID: id, Attachment: rec.Filename, Path: dest, Kind: kind}, canonical)
	return markdown.Link{Name: filepath.Base(dest), Path: dest, Size: size}, true
}

func (r *Runner) exportMessage(it *item, result *model.ExportResult) {
	id := it.meta.ID
	name := subjectFileName(it.meta.Subject, ".eml")

	if r.opts.DryRun {
		r.dryRunFile(it, name, "would save message", result)
		return
	}

	dir, err := r.prepareDir(it)
	if err != nil {
		r.fail(result, id, name, "mkdir", err)
		return
	}
	tmp, err := r.tempPath()
	if err != nil {
		r.fail(result, id, name, "temp", err)
		return
	}
	if err := it.msg.SaveTo(tmp); err != nil {
		r.removeTemp(tmp)
		r.fail(result, id, name, "save", err)
		return
	}
	dest, err := r.resolvePath(dir, name, pathutil.EnsureUnique)
	if err != nil {
		r.removeTemp(tmp)
		r.fail(result, id, name, "resolve", err)
		return
	}
	if err := os.Rename(tmp, dest); err != nil {
		r.removeTemp(tmp)
		r.fail(result, id, name, "rename", err)
		return
	}

	r.logger.Info("saved message", "messageID", id, "path", dest)
	r.record(result, model.Outcome{MessageID: id, Path: dest, Kind: model.OutcomeMessageSaved}, "")
}

func (r *Runner) exportMarkdown(it *item, links []markdown.Link, result *model.ExportResult) {
	id := it.meta.ID
	name := subjectFileName(it.meta.Subject, ".md")

	if r.opts.DryRun {
		r.dryRunFile(it, name, "would save markdown", result)
		return
	}

	dir, err := r.prepareDir(it)
	if err != nil {
		r.fail(result, id, name, "mkdir", err)
		return
	}
	dest, err := r.resolvePath(dir, name, pathutil.EnsureUnique)
	if err != nil {
		r.fail(result, id, name, "resolve", err)
		return
	}
	content, err := markdown.Render(markdown.Document{Message: it.meta, Attachments: links, Path: dest})
	if err != nil {
		r.fail(result, id, name, "render", err)
		return
	}
	if err := writeNew(dest, []byte(content)); err != nil {
		r.fail(result, id, name, "write", err)
		return
	}

	r.logger.Info("saved markdown", "messageID", id, "path", dest, "attachments", len(links))
	r.record(result, model.Outcome{MessageID: id, Path: dest, Kind: model.OutcomeMessageSaved}, "")
}

func (r *Runner) dryRunFile(it *item, name, msg string, result *model.ExportResult) {
	path, err := r.resolvePath(it.dir, name, r.reserver.Reserve)
	if err != nil {
		r.fail(result, it.meta.ID, name, "resolve", err)
		return
	}
	r.logger.Info(msg, "messageID", it.meta.ID, "path", path, "dryRun", true)
	r.record(result, model.Outcome{MessageID: it.meta.ID, Path: path, Kind: model.OutcomeDryRun}, "")
}

// resolvePath fits name into dir and picks a free variant with unique. When
// the collision bound is hit, a token name is tried once.
func (r *Runner) resolvePath(dir, name string, unique func(string) (string, error)) (string, error) {
	name = pathutil.FitFilename(dir, name, r.opts.MaxPath)
	path, err := unique(filepath.Join(dir, name))

	var pathErr *model.PathResolutionError
	if !errors.As(err, &pathErr) {
		return path, err
	}

	fallback := pathutil.Token(pathErr.Path) + filepath.Ext(name)
	r.logger.Warn("no free file name, using token name", "path", pathErr.Path, "fallback", fallback)
	return unique(filepath.Join(dir, fallback))
}

func (r *Runner) tempPath() (string, error) {
	if err := os.MkdirAll(r.tempDir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(r.tempDir, uuid.NewString()+".part"), nil
}

func (r *Runner) removeTemp(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("removing temp file failed", "path", path, "err", err)
	}
}

func (r *Runner) removeTempDir() {
	if r.opts.DryRun {
		return
	}
	if err := os.RemoveAll(r.tempDir); err != nil {
		r.logger.Warn("removing temp folder failed", "path", r.tempDir, "err", err)
	}
}

func (r *Runner) fail(result *model.ExportResult, id, name, op string, err error) {
	ioErr := &model.AttachmentIOError{MessageID: id, Attachment: name, Op: op, Err: err}
	r.logger.Warn("export failed", "messageID", id, "attachment", name, "op", op, "err", err)
	r.record(result, model.Outcome{MessageID: id, Attachment: name, Kind: model.OutcomeFailed, Err: ioErr}, "")
}

var eventTypes = map[model.OutcomeKind]stats.EventType{
	model.OutcomeSaved:         stats.EventTypeSaved,
	model.OutcomeDuplicate:     stats.EventTypeDuplicate,
	model.OutcomeSkippedInline: stats.EventTypeSkippedInline,
	model.OutcomeDryRun:        stats.EventTypeDryRun,
	model.OutcomeFailed:        stats.EventTypeError,
	model.OutcomeMessageSaved:  stats.EventTypeMessageSaved,
}

func (r *Runner) record(result *model.ExportResult, o model.Outcome, detail string) {
	result.Record(o)
	r.emit(stats.Event{
		Stage:      stats.StageExport,
		Type:       eventTypes[o.Kind],
		MessageID:  o.MessageID,
		Attachment: o.Attachment,
		Path:       o.Path,
		Err:        o.Err,
		Detail:     detail,
	})
}

func attachmentName(filename string) string {
	if strings.TrimSpace(filename) == "" {
		return FallbackFilename
	}
	return pathutil.Sanitize(filename, 0)
}

func subjectFileName(subject, ext string) string {
	if strings.TrimSpace(subject) == "" {
		subject = pathutil.EmptySubject
	}
	return pathutil.Sanitize(subject, pathutil.DefaultMaxSegment-len(ext)) + ext
}

func writeNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
