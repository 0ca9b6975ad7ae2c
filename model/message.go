package model

import (
	"sync"
	"time"
)

// EmailMetadata is the read-once view of a message that filters and path
// construction work on.
type EmailMetadata struct {
	ID              string
	SenderAddress   string
	SenderName      string
	Subject         string
	ReceivedAt      time.Time
	SentAt          time.Time
	To              string
	Cc              string
	Body            *LazyText
	HTMLBody        *LazyText
	AttachmentCount int
	InlineCount     int
}

// HasAttachments reports whether the message carries at least one attachment.
func (m *EmailMetadata) HasAttachments() bool {
	return m.AttachmentCount > 0
}

// LazyText defers an expensive text fetch until first use and memoises the result.
type LazyText struct {
	once  sync.Once
	load  func() (string, error)
	value string
	err   error
}

func NewLazyText(load func() (string, error)) *LazyText {
	return &LazyText{load: load}
}

// StaticText wraps an already known value.
func StaticText(value string) *LazyText {
	return NewLazyText(func() (string, error) { return value, nil })
}

// Value returns the loaded text. A nil LazyText yields an empty string.
func (l *LazyText) Value() (string, error) {
	if l == nil || l.load == nil {
		return "", nil
	}
	l.once.Do(func() {
		l.value, l.err = l.load()
	})
	return l.value, l.err
}

// AttachmentRecord describes one attachment for the duration of its export step.
type AttachmentRecord struct {
	Index       int
	Filename    string
	Size        int64
	ContentType string
	Inline      bool
}
