// Package source defines how the exporter pulls messages from a mailbox and
// provides a MIME-backed message implementation shared by the concrete
// sources.
package source

import (
	"context"
	"time"
)

// Source yields messages in batches. An empty batch with a nil error means the
// source is exhausted.
type Source interface {
	NextBatch(ctx context.Context, size int) ([]Envelope, error)
	Close() error
}

// Envelope carries either a message or the error that prevented reading it.
type Envelope struct {
	Message Message
	Err     error
}

// Message is a read handle on a single mail item. Every accessor may fail on
// its own; callers decide how to default.
type Message interface {
	ID() string
	SenderAddress() (string, error)
	SenderName() (string, error)
	Subject() (string, error)
	ReceivedAt() (time.Time, error)
	SentAt() (time.Time, error)
	Recipients() (to, cc string, err error)
	Body() (string, error)
	HTMLBody() (string, error)
	Attachments() ([]Attachment, error)
	// SaveTo writes the complete message in RFC 5322 form.
	SaveTo(path string) error
}

type Attachment interface {
	Filename() (string, error)
	Size() (int64, error)
	InlineSignal() (InlineSignal, error)
	SaveTo(path string) error
}

// InlineSignal holds what is known about an attachment's placement so an
// inline policy can decide whether it is embedded content.
type InlineSignal struct {
	// Position is the 0-based index among the leaf parts of the message.
	Position    int
	Disposition string
	ContentID   string
	ContentType string
	// Related is set for parts of a multipart/related container, where HTML
	// bodies keep their embedded images.
	Related bool
}

// Dispositions as reported in InlineSignal.
const (
	DispositionInline     = "inline"
	DispositionAttachment = "attachment"
)

// Property names used when reporting per-property read failures.
const (
	PropertySender      = "sender"
	PropertySubject     = "subject"
	PropertyReceived    = "received"
	PropertySent        = "sent"
	PropertyRecipients  = "recipients"
	PropertyBody        = "body"
	PropertyHTMLBody    = "html_body"
	PropertyAttachments = "attachments"
	PropertyFilename    = "filename"
	PropertySize        = "size"
	PropertyInline      = "inline"
)
