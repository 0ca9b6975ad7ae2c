package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mbox-export/model"
	"github.com/dhcgn/mbox-export/source"
)

// Source reads messages sequentially from an mbox stream.
type Source struct {
	reader *mboxlib.Reader
	closer io.Closer
	logger *slog.Logger
	index  int
	done   bool
}

var _ source.Source = (*Source)(nil)

// Open opens the mbox file at path.
func Open(path string, logger *slog.Logger) (*Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	s := NewSource(file, logger)
	s.closer = file
	return s, nil
}

// NewSource reads from r. The caller keeps ownership of r.
func NewSource(r io.Reader, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{reader: mboxlib.NewReader(r), logger: logger}
}

// NextBatch returns up to size messages. A message that cannot be read or
// parsed is returned as an envelope error; a broken mbox structure ends the
// stream after reporting it once.
func (s *Source) NextBatch(ctx context.Context, size int) ([]source.Envelope, error) {
	if size <= 0 {
		size = 1
	}
	batch := make([]source.Envelope, 0, size)
	for len(batch) < size && !s.done {
		if err := ctx.Err(); err != nil {
			return batch, err
		}

		idx := s.index
		s.index++

		msgReader, err := s.reader.NextMessage()
		if err != nil {
			s.done = true
			if errors.Is(err, io.EOF) {
				break
			}
			batch = append(batch, s.failed(idx, fmt.Errorf("message %d: %w", idx, err)))
			break
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			batch = append(batch, s.failed(idx, fmt.Errorf("message %d read: %w", idx, err)))
			continue
		}

		msg, err := source.Parse("", raw)
		if err != nil {
			batch = append(batch, s.failed(idx, fmt.Errorf("message %d parse: %w", idx, err)))
			continue
		}
		batch = append(batch, source.Envelope{Message: msg})
	}
	return batch, nil
}

func (s *Source) failed(idx int, err error) source.Envelope {
	s.logger.Error("mbox stream error", "index", idx, "err", err)
	return source.Envelope{Err: &model.SourceReadError{MessageID: fmt.Sprintf("mbox-%d", idx), Err: err}}
}

func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

// Read iterates over all parseable messages of the mbox file at path. Messages
// that fail to parse are skipped.
func Read(path string, callback func(m *source.ParsedMessage) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return ReadFrom(file, callback)
}

// ReadFrom is Read on an already open stream.
func ReadFrom(r io.Reader, callback func(m *source.ParsedMessage) error) error {
	reader := mboxlib.NewReader(r)
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			// try to continue
			continue
		}
		msg, err := source.Parse("", raw)
		if err != nil {
			continue
		}

		if err := callback(msg); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// Just consume the message without parsing
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}
