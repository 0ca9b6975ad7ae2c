// Package sourcetest provides in-memory message sources with per-property
// failure injection.
package sourcetest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dhcgn/mbox-export/source"
)

// PropertySave selects the SaveTo method in Fail maps.
const PropertySave = "save"

// Message is a configurable source.Message. Fail maps a property name
// (source.Property* or PropertySave) to the error its accessor returns.
type Message struct {
	MsgID       string
	From        string
	Name        string
	Subj        string
	Received    time.Time
	Sent        time.Time
	To          string
	Cc          string
	Text        string
	HTML        string
	Items       []*Attachment
	Raw         []byte
	Fail        map[string]error
	BodyLoads   int
	Saved       []string
	SaveContent []byte
}

func (m *Message) fail(property string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail[property]
}

func (m *Message) ID() string { return m.MsgID }

func (m *Message) SenderAddress() (string, error) { return m.From, m.fail(source.PropertySender) }
func (m *Message) SenderName() (string, error)    { return m.Name, m.fail(source.PropertySender) }
func (m *Message) Subject() (string, error)       { return m.Subj, m.fail(source.PropertySubject) }
func (m *Message) ReceivedAt() (time.Time, error) {
	if err := m.fail(source.PropertyReceived); err != nil {
		return time.Time{}, err
	}
	return m.Received, nil
}
func (m *Message) SentAt() (time.Time, error) { return m.Sent, m.fail(source.PropertySent) }

func (m *Message) Recipients() (string, string, error) {
	return m.To, m.Cc, m.fail(source.PropertyRecipients)
}

func (m *Message) Body() (string, error) {
	m.BodyLoads++
	if err := m.fail(source.PropertyBody); err != nil {
		return "", err
	}
	return m.Text, nil
}

func (m *Message) HTMLBody() (string, error) { return m.HTML, m.fail(source.PropertyHTMLBody) }

func (m *Message) Attachments() ([]source.Attachment, error) {
	if err := m.fail(source.PropertyAttachments); err != nil {
		return nil, err
	}
	out := make([]source.Attachment, len(m.Items))
	for i, a := range m.Items {
		out[i] = a
	}
	return out, nil
}

func (m *Message) SaveTo(path string) error {
	if err := m.fail(PropertySave); err != nil {
		return err
	}
	data := m.Raw
	if data == nil {
		data = []byte(fmt.Sprintf("Subject: %s\r\n\r\n%s", m.Subj, m.Text))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	m.Saved = append(m.Saved, path)
	return nil
}

// Attachment is a configurable source.Attachment.
type Attachment struct {
	Name   string
	Data   []byte
	Signal source.InlineSignal
	Fail   map[string]error
	Saved  []string
}

// NewAttachment returns a plain (non-inline) attachment.
func NewAttachment(name string, data []byte) *Attachment {
	return &Attachment{Name: name, Data: data, Signal: source.InlineSignal{Disposition: source.DispositionAttachment}}
}

// NewInline returns an embedded image as mail clients produce for signatures.
func NewInline(name, contentID string, data []byte) *Attachment {
	return &Attachment{Name: name, Data: data, Signal: source.InlineSignal{
		Disposition: source.DispositionInline,
		ContentID:   contentID,
		ContentType: "image/png",
		Related:     true,
	}}
}

func (a *Attachment) fail(property string) error {
	if a.Fail == nil {
		return nil
	}
	return a.Fail[property]
}

func (a *Attachment) Filename() (string, error) { return a.Name, a.fail(source.PropertyFilename) }
func (a *Attachment) Size() (int64, error)      { return int64(len(a.Data)), a.fail(source.PropertySize) }

func (a *Attachment) InlineSignal() (source.InlineSignal, error) {
	return a.Signal, a.fail(source.PropertyInline)
}

func (a *Attachment) SaveTo(path string) error {
	if err := a.fail(PropertySave); err != nil {
		return err
	}
	if err := os.WriteFile(path, a.Data, 0o644); err != nil {
		return err
	}
	a.Saved = append(a.Saved, path)
	return nil
}

// ErrInjected is a ready-made failure for Fail maps.
var ErrInjected = errors.New("injected failure")

// Source serves a fixed list of envelopes. FailAfter > 0 makes NextBatch
// return BatchErr once that many envelopes were served.
type Source struct {
	Envelopes []source.Envelope
	FailAfter int
	BatchErr  error
	Requested []int
	Closed    bool

	pos int
}

// New builds a Source serving msgs in order.
func New(msgs ...*Message) *Source {
	s := &Source{}
	for _, m := range msgs {
		s.Envelopes = append(s.Envelopes, source.Envelope{Message: m})
	}
	return s
}

// AddError appends an envelope carrying only a read error.
func (s *Source) AddError(err error) *Source {
	s.Envelopes = append(s.Envelopes, source.Envelope{Err: err})
	return s
}

func (s *Source) NextBatch(ctx context.Context, size int) ([]source.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.Requested = append(s.Requested, size)
	if s.FailAfter > 0 && s.pos >= s.FailAfter {
		return nil, s.BatchErr
	}
	if size <= 0 {
		size = 1
	}
	end := s.pos + size
	if end > len(s.Envelopes) {
		end = len(s.Envelopes)
	}
	if s.FailAfter > 0 && end > s.FailAfter {
		end = s.FailAfter
	}
	batch := s.Envelopes[s.pos:end]
	s.pos = end
	return batch, nil
}

func (s *Source) Close() error {
	s.Closed = true
	return nil
}
