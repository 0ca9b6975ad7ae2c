package pathutil

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultSenderMaxLength  = 120
	DefaultSubjectMaxLength = 80
	ShortSubjectMaxLength   = 50
	FlatFallbackMaxLength   = 100
	DefaultMaxDirLength     = 200
	DefaultMaxPath          = 259

	DateLayout     = "2006-01-02"
	UnknownDate    = "unknown-date"
	UnknownSender  = "unknown"
	EmptySubject   = "no-subject"
	subjectPrefix  = "subj_"
	maxExtensionCh = 16
)

// Options bounds the individual segments and the joined directory.
type Options struct {
	SenderMaxLength  int
	SubjectMaxLength int
	MaxDirLength     int
}

func (o Options) withDefaults() Options {
	if o.SenderMaxLength <= 0 {
		o.SenderMaxLength = DefaultSenderMaxLength
	}
	if o.SubjectMaxLength <= 0 {
		o.SubjectMaxLength = DefaultSubjectMaxLength
	}
	if o.MaxDirLength <= 0 {
		o.MaxDirLength = DefaultMaxDirLength
	}
	return o
}

// DateSegment formats the received day of a message.
func DateSegment(t time.Time) string {
	if t.IsZero() {
		return UnknownDate
	}
	return t.Format(DateLayout)
}

// BuildHierarchy returns the sanitized sender, subject and date segments.
// The subject gets the tighter budget since it is the longest component.
func BuildHierarchy(sender, subject string, date time.Time, opts Options) []string {
	opts = opts.withDefaults()
	return []string{
		senderSegment(sender, opts),
		subjectSegment(subject, opts.SubjectMaxLength),
		DateSegment(date),
	}
}

// ResolveDir joins the hierarchy under root, shortening it step by step while
// the directory exceeds opts.MaxDirLength: short subject, hashed subject, and
// finally a flat sender_date folder directly under root.
func ResolveDir(root, sender, subject string, date time.Time, opts Options) string {
	opts = opts.withDefaults()
	segments := BuildHierarchy(sender, subject, date, opts)
	dir := filepath.Join(root, segments[0], segments[1], segments[2])
	if pathLen(dir) <= opts.MaxDirLength {
		return dir
	}

	dir = filepath.Join(root, segments[0], subjectSegment(subject, ShortSubjectMaxLength), segments[2])
	if pathLen(dir) <= opts.MaxDirLength {
		return dir
	}

	dir = filepath.Join(root, segments[0], subjectPrefix+Token(subject), segments[2])
	if pathLen(dir) <= opts.MaxDirLength {
		return dir
	}

	return FlatDir(root, sender, date, false)
}

// FlatDir is the last-resort folder directly below root. With withTime the
// received time of day is appended to keep same-day messages apart.
func FlatDir(root, sender string, date time.Time, withTime bool) string {
	name := fmt.Sprintf("%s_%s", senderSegment(sender, Options{}.withDefaults()), DateSegment(date))
	if withTime && !date.IsZero() {
		name += "_" + date.Format("150405")
	}
	return filepath.Join(root, SanitizeUnique(name, FlatFallbackMaxLength))
}

// FitFilename shortens the stem of name so that dir/name stays within maxPath.
// The extension is preserved when it is of reasonable length.
func FitFilename(dir, name string, maxPath int) string {
	if maxPath <= 0 {
		maxPath = DefaultMaxPath
	}
	budget := maxPath - pathLen(dir) - 1
	if pathLen(name) <= budget {
		return name
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if utf8.RuneCountInString(ext) > maxExtensionCh {
		ext = ""
	}

	keep := budget - utf8.RuneCountInString(ext)
	if keep > TokenLength {
		if short := trim(truncate(stem, keep-TokenLength-1)); short != "" {
			return short + string(Placeholder) + Token(name) + ext
		}
	}
	return Token(name) + ext
}

func senderSegment(sender string, opts Options) string {
	if strings.TrimSpace(sender) == "" {
		sender = UnknownSender
	}
	return Sanitize(sender, opts.SenderMaxLength)
}

func subjectSegment(subject string, maxLength int) string {
	if strings.TrimSpace(subject) == "" {
		subject = EmptySubject
	}
	return Sanitize(subject, maxLength)
}

func pathLen(p string) int {
	return utf8.RuneCountInString(p)
}
