package model

import "fmt"

// ConfigError is the only error class that aborts an export run. It is raised
// before the first message is read.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SourceReadError marks a message or a single message property that could not be read.
type SourceReadError struct {
	MessageID string
	Property  string
	Err       error
}

func (e *SourceReadError) Error() string {
	if e.Property == "" {
		return fmt.Sprintf("read message %s: %v", e.MessageID, e.Err)
	}
	return fmt.Sprintf("read %s of message %s: %v", e.Property, e.MessageID, e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// AttachmentIOError covers extraction, hashing and filesystem failures of one attachment.
type AttachmentIOError struct {
	MessageID  string
	Attachment string
	Op         string
	Err        error
}

func (e *AttachmentIOError) Error() string {
	return fmt.Sprintf("%s attachment %q of message %s: %v", e.Op, e.Attachment, e.MessageID, e.Err)
}

func (e *AttachmentIOError) Unwrap() error { return e.Err }

// PathResolutionError is returned when no free file name could be produced.
type PathResolutionError struct {
	Path string
	Err  error
}

func (e *PathResolutionError) Error() string {
	return fmt.Sprintf("resolve path %s: %v", e.Path, e.Err)
}

func (e *PathResolutionError) Unwrap() error { return e.Err }
