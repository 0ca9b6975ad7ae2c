package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	netmail "net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mbox-export/pathutil"
)

var (
	ErrNoSender = errors.New("message has no From address")
	ErrNoDate   = errors.New("message has no usable date")
)

// ParsedMessage is a fully buffered MIME message. Header and part errors are
// kept per property and returned by the matching accessor.
type ParsedMessage struct {
	id  string
	raw []byte

	from    *mail.Address
	fromErr error

	subject    string
	subjectErr error

	sent        time.Time
	sentErr     error
	received    time.Time
	receivedErr error

	to, cc        string
	recipientsErr error

	body, html string
	bodyErr    error

	attachments    []Attachment
	attachmentsErr error
}

// Parse reads raw as an RFC 5322 message. An empty id is replaced by the
// Message-Id header, or by a token of the content when that is missing too.
// Only an unreadable top-level header is reported as an error.
func Parse(id string, raw []byte) (*ParsedMessage, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	h := mail.Header{Header: entity.Header}
	if id == "" {
		id = headerID(h, raw)
	}

	m := &ParsedMessage{id: id, raw: raw}
	m.parseHeader(h)
	m.parseParts(entity)
	return m, nil
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func headerID(h mail.Header, raw []byte) string {
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	if v := strings.Trim(h.Get("Message-Id"), " <>"); v != "" {
		return v
	}
	return "msg-" + pathutil.Token(string(raw))
}

func (m *ParsedMessage) parseHeader(h mail.Header) {
	from, err := h.AddressList("From")
	switch {
	case err != nil:
		m.fromErr = fmt.Errorf("parse From: %w", err)
	case len(from) == 0:
		m.fromErr = ErrNoSender
	default:
		m.from = from[0]
	}

	m.subject, m.subjectErr = h.Subject()

	m.sent, m.sentErr = h.Date()
	if m.sentErr == nil && m.sent.IsZero() {
		m.sentErr = ErrNoDate
	}

	m.received, m.receivedErr = receivedDate(h)
	if m.receivedErr != nil && m.sentErr == nil {
		m.received, m.receivedErr = m.sent, nil
	}

	to, toErr := addressString(h, "To")
	cc, ccErr := addressString(h, "Cc")
	m.to, m.cc = to, cc
	m.recipientsErr = errors.Join(toErr, ccErr)
}

// receivedDate takes the timestamp of the topmost Received trace header, which
// is the one added by the final receiving server.
func receivedDate(h mail.Header) (time.Time, error) {
	for _, v := range h.Values("Received") {
		idx := strings.LastIndexByte(v, ';')
		if idx < 0 {
			continue
		}
		if t, err := netmail.ParseDate(strings.TrimSpace(v[idx+1:])); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrNoDate
}

func addressString(h mail.Header, key string) (string, error) {
	list, err := h.AddressList(key)
	if err != nil {
		return strings.TrimSpace(h.Get(key)), fmt.Errorf("parse %s: %w", key, err)
	}
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.Address
	}
	return strings.Join(out, ", "), nil
}

func (m *ParsedMessage) parseParts(entity *message.Entity) {
	containers := make(map[string]string)
	position := 0

	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !tolerable(err) {
			return err
		}

		mediaType, _, _ := part.Header.ContentType()
		mediaType = strings.ToLower(mediaType)
		if strings.HasPrefix(mediaType, "multipart/") {
			containers[pathKey(path)] = mediaType
			return nil
		}

		data, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			return fmt.Errorf("read part %s: %w", pathKey(path), readErr)
		}

		pos := position
		position++

		disposition, _, _ := part.Header.ContentDisposition()
		disposition = strings.ToLower(disposition)
		ah := mail.AttachmentHeader{Header: part.Header}
		filename, filenameErr := ah.Filename()

		if isBodyText(mediaType, disposition, filename) {
			switch {
			case mediaType == "text/html" && m.html == "":
				m.html = string(data)
			case mediaType != "text/html" && m.body == "":
				m.body = string(data)
			}
			return nil
		}

		parent := ""
		if len(path) > 0 {
			parent = containers[pathKey(path[:len(path)-1])]
		}
		m.attachments = append(m.attachments, &ParsedAttachment{
			filename:    filename,
			filenameErr: filenameErr,
			data:        data,
			signal: InlineSignal{
				Position:    pos,
				Disposition: disposition,
				ContentID:   strings.Trim(part.Header.Get("Content-Id"), " <>"),
				ContentType: mediaType,
				Related:     parent == "multipart/related",
			},
		})
		return nil
	})
	if walkErr != nil {
		m.attachmentsErr = walkErr
		m.bodyErr = walkErr
	}
}

func isBodyText(mediaType, disposition, filename string) bool {
	if disposition == DispositionAttachment || filename != "" {
		return false
	}
	return mediaType == "text/plain" || mediaType == "text/html"
}

func pathKey(path []int) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ".")
}

func (m *ParsedMessage) ID() string { return m.id }

// Raw returns the message as it was read.
func (m *ParsedMessage) Raw() []byte { return m.raw }

func (m *ParsedMessage) SenderAddress() (string, error) {
	if m.fromErr != nil {
		return "", m.fromErr
	}
	return m.from.Address, nil
}

func (m *ParsedMessage) SenderName() (string, error) {
	if m.fromErr != nil {
		return "", m.fromErr
	}
	return m.from.Name, nil
}

func (m *ParsedMessage) Subject() (string, error)       { return m.subject, m.subjectErr }
func (m *ParsedMessage) ReceivedAt() (time.Time, error) { return m.received, m.receivedErr }
func (m *ParsedMessage) SentAt() (time.Time, error)     { return m.sent, m.sentErr }

func (m *ParsedMessage) Recipients() (string, string, error) {
	return m.to, m.cc, m.recipientsErr
}

func (m *ParsedMessage) Body() (string, error)     { return m.body, m.bodyErr }
func (m *ParsedMessage) HTMLBody() (string, error) { return m.html, m.bodyErr }

func (m *ParsedMessage) Attachments() ([]Attachment, error) {
	if m.attachmentsErr != nil {
		return nil, m.attachmentsErr
	}
	return m.attachments, nil
}

func (m *ParsedMessage) SaveTo(path string) error {
	return writeFile(path, m.raw)
}

// ParsedAttachment is a decoded leaf part of a ParsedMessage.
type ParsedAttachment struct {
	filename    string
	filenameErr error
	data        []byte
	signal      InlineSignal
}

func (a *ParsedAttachment) Filename() (string, error)           { return a.filename, a.filenameErr }
func (a *ParsedAttachment) Size() (int64, error)                { return int64(len(a.data)), nil }
func (a *ParsedAttachment) InlineSignal() (InlineSignal, error) { return a.signal, nil }

func (a *ParsedAttachment) SaveTo(path string) error {
	return writeFile(path, a.data)
}

// Bytes exposes the decoded content.
func (a *ParsedAttachment) Bytes() []byte { return a.data }

func writeFile(path string, data []byte) error {
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

// SetReceivedAt replaces the header derived arrival time with a server side
// one, such as the IMAP INTERNALDATE.
func (m *ParsedMessage) SetReceivedAt(t time.Time) {
	if t.IsZero() {
		return
	}
	m.received, m.receivedErr = t, nil
}
