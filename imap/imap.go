package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mbox-export/model"
	"github.com/dhcgn/mbox-export/source"
)

const DefaultFolder = "INBOX"

var ErrMessageMissing = errors.New("message vanished from mailbox")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	// Since and Before narrow the server side search. IMAP dates are day
	// granular, so the exact bounds are still applied by the filter.
	Since  time.Time
	Before time.Time
}

// Source exports messages from a single IMAP folder, opened read-only.
type Source struct {
	opts    Options
	client  *imapclient.Client
	cleanup func()
	logger  *slog.Logger
	uids    []imapv2.UID
	pos     int
}

var _ source.Source = (*Source)(nil)

// Open connects, selects the folder read-only and searches the UIDs to export.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Source{opts: opts, logger: logger}
	client, cleanup, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.client, s.cleanup = client, cleanup

	if err := s.search(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Source) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	selected, err := client.Select(s.folder(), &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("select mailbox %s: %w", s.folder(), err)
	}

	s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "folder", s.folder(), "messages", selected.NumMessages, "tls", s.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				s.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (s *Source) search() error {
	criteria := &imapv2.SearchCriteria{}
	if !s.opts.Since.IsZero() {
		criteria.Since = s.opts.Since
	}
	if !s.opts.Before.IsZero() {
		// BEFORE is exclusive and day granular
		criteria.Before = s.opts.Before.AddDate(0, 0, 1)
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("search mailbox %s: %w", s.folder(), err)
	}
	s.uids = data.AllUIDs()
	s.logger.Info("imap search complete", "folder", s.folder(), "matches", len(s.uids))
	return nil
}

// Count returns the number of messages selected for export.
func (s *Source) Count() int { return len(s.uids) }

// NextBatch fetches the next size messages with BODY.PEEK[], leaving the
// \Seen flag untouched.
func (s *Source) NextBatch(ctx context.Context, size int) ([]source.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.uids) {
		return nil, nil
	}
	if size <= 0 {
		size = 1
	}
	end := min(s.pos+size, len(s.uids))
	uids := s.uids[s.pos:end]
	s.pos = end

	var set imapv2.UIDSet
	set.AddNum(uids...)

	section := &imapv2.FetchItemBodySection{Peek: true}
	fetchOpts := &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}

	msgs, err := s.client.Fetch(set, fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch %d messages: %w", len(uids), err)
	}

	byUID := make(map[imapv2.UID]*imapclient.FetchMessageBuffer, len(msgs))
	for _, m := range msgs {
		byUID[m.UID] = m
	}

	batch := make([]source.Envelope, 0, len(uids))
	for _, uid := range uids {
		id := s.messageID(uid)
		buf, ok := byUID[uid]
		if !ok {
			batch = append(batch, source.Envelope{Err: &model.SourceReadError{MessageID: id, Err: ErrMessageMissing}})
			continue
		}

		raw := buf.FindBodySection(section)
		msg, err := source.Parse(id, raw)
		if err != nil {
			batch = append(batch, source.Envelope{Err: &model.SourceReadError{MessageID: id, Err: err}})
			continue
		}
		msg.SetReceivedAt(buf.InternalDate)
		batch = append(batch, source.Envelope{Message: msg})
	}
	return batch, nil
}

func (s *Source) messageID(uid imapv2.UID) string {
	return fmt.Sprintf("%s/%d", s.folder(), uid)
}

func (s *Source) folder() string {
	if s.opts.Folder == "" {
		return DefaultFolder
	}
	return s.opts.Folder
}

func (s *Source) Close() error {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
	return nil
}
