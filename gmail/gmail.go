// Package gmail reads messages through the Gmail API in raw RFC 5322 form.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/dhcgn/mbox-export/model"
	"github.com/dhcgn/mbox-export/source"
)

const (
	userID      = "me"
	queryLayout = "2006/01/02"

	// DefaultRequestsPerSecond keeps messages.get well inside the per-user
	// quota of 250 units per second (5 units per call).
	DefaultRequestsPerSecond = 20
)

var ErrTokenMissing = errors.New("gmail token file is missing, authorize once and store the token JSON")

type Options struct {
	CredentialsFile string
	TokenFile       string
	// Label restricts the export to one Gmail label (the folder equivalent).
	Label           string
	Since           time.Time
	Before          time.Time
	Senders         []string
	WithAttachments bool

	// RequestsPerSecond throttles API calls. <= 0 selects the default.
	RequestsPerSecond float64
}

// Source pages through messages.list and fetches each hit with format=raw.
type Source struct {
	svc       *gmailapi.Service
	query     string
	logger    *slog.Logger
	limiter   *rate.Limiter
	pending   []string
	pageToken string
	listed    bool
}

var _ source.Source = (*Source)(nil)

// Open authenticates with an installed-app credentials file and a previously
// stored OAuth token.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Source, error) {
	b, err := os.ReadFile(opts.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read gmail credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, gmailapi.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse gmail credentials: %w", err)
	}
	tok, err := tokenFromFile(opts.TokenFile)
	if err != nil {
		return nil, err
	}

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("gmail.NewService failed: %w", err)
	}
	return NewSource(svc, opts, logger), nil
}

// NewSource wraps an existing service.
func NewSource(svc *gmailapi.Service, opts Options, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	return &Source{
		svc:     svc,
		query:   Query(opts),
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrTokenMissing
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrTokenMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open gmail token: %w", err)
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode gmail token: %w", err)
	}
	return tok, nil
}

// Query builds the Gmail search expression for opts. Date terms are padded
// by a day because Gmail evaluates them in the account's time zone.
func Query(opts Options) string {
	var terms []string
	if opts.Label != "" {
		terms = append(terms, fmt.Sprintf("label:%q", opts.Label))
	}
	if !opts.Since.IsZero() {
		terms = append(terms, "after:"+opts.Since.AddDate(0, 0, -1).Format(queryLayout))
	}
	if !opts.Before.IsZero() {
		terms = append(terms, "before:"+opts.Before.AddDate(0, 0, 1).Format(queryLayout))
	}
	if len(opts.Senders) == 1 {
		terms = append(terms, "from:"+opts.Senders[0])
	} else if len(opts.Senders) > 1 {
		terms = append(terms, "from:("+strings.Join(opts.Senders, " OR ")+")")
	}
	if opts.WithAttachments {
		terms = append(terms, "has:attachment")
	}
	return strings.Join(terms, " ")
}

func (s *Source) NextBatch(ctx context.Context, size int) ([]source.Envelope, error) {
	if size <= 0 {
		size = 1
	}
	if len(s.pending) == 0 {
		if err := s.list(ctx, size); err != nil {
			return nil, err
		}
	}

	n := min(size, len(s.pending))
	ids := s.pending[:n]
	s.pending = s.pending[n:]

	batch := make([]source.Envelope, 0, n)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		batch = append(batch, s.fetch(ctx, id))
	}
	return batch, nil
}

func (s *Source) list(ctx context.Context, size int) error {
	if s.listed && s.pageToken == "" {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	call := s.svc.Users.Messages.List(userID).Q(s.query).MaxResults(int64(size)).Context(ctx)
	if s.pageToken != "" {
		call = call.PageToken(s.pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return fmt.Errorf("messages.List failed: %w", err)
	}
	s.listed = true
	s.pageToken = resp.NextPageToken
	for _, m := range resp.Messages {
		s.pending = append(s.pending, m.Id)
	}
	s.logger.Debug("gmail page listed", "query", s.query, "messages", len(resp.Messages), "more", s.pageToken != "")
	return nil
}

func (s *Source) fetch(ctx context.Context, id string) source.Envelope {
	if err := s.limiter.Wait(ctx); err != nil {
		return source.Envelope{Err: &model.SourceReadError{MessageID: id, Err: err}}
	}
	msg, err := s.svc.Users.Messages.Get(userID, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return source.Envelope{Err: &model.SourceReadError{MessageID: id, Err: fmt.Errorf("messages.Get failed: %w", err)}}
	}
	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return source.Envelope{Err: &model.SourceReadError{MessageID: id, Err: err}}
	}
	parsed, err := source.Parse(id, raw)
	if err != nil {
		return source.Envelope{Err: &model.SourceReadError{MessageID: id, Err: err}}
	}
	if msg.InternalDate > 0 {
		parsed.SetReceivedAt(time.UnixMilli(msg.InternalDate))
	}
	return source.Envelope{Message: parsed}
}

func decodeRaw(raw string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return nil, fmt.Errorf("decode raw message: %w", err)
	}
	return data, nil
}

func (s *Source) Close() error { return nil }
