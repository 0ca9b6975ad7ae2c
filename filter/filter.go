package filter

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/mbox-export/model"
)

const (
	PredicateDate        = "date"
	PredicateSender      = "sender"
	PredicateAttachments = "attachments"
	PredicateSubject     = "subject"
	PredicateBody        = "body"
)

var ErrConflictingAttachmentFlags = errors.New("with-attachments and without-attachments are mutually exclusive")

// Criteria captures the filtering configuration. Zero values disable the
// corresponding check.
type Criteria struct {
	Start              time.Time
	End                time.Time
	Senders            []string
	SubjectKeywords    []string
	BodyKeywords       []string
	WithAttachments    bool
	WithoutAttachments bool
}

// Predicate is a single named check.
type Predicate struct {
	Name  string
	Match func(*model.EmailMetadata) bool
}

// PredicateStats counts how often a predicate ran and how often it rejected.
type PredicateStats struct {
	Name      string
	Evaluated int
	Rejected  int
}

// Filter is an ordered conjunction of predicates, cheap checks first.
type Filter struct {
	predicates []Predicate

	mu    sync.Mutex
	stats []PredicateStats
}

// New builds the predicate chain for criteria. Contradictory attachment flags
// are rejected before any message is looked at.
func New(c Criteria) (*Filter, error) {
	if c.WithAttachments && c.WithoutAttachments {
		return nil, &model.ConfigError{Field: "attachments", Err: ErrConflictingAttachmentFlags}
	}
	if !c.Start.IsZero() && !c.End.IsZero() && c.End.Before(c.Start) {
		return nil, &model.ConfigError{Field: "end-date", Err: errors.New("end date is before start date")}
	}

	var preds []Predicate
	if !c.Start.IsZero() || !c.End.IsZero() {
		preds = append(preds, dateRange(c.Start, c.End))
	}
	if senders := normalizeAll(c.Senders); len(senders) > 0 {
		preds = append(preds, senderIn(senders))
	}
	if c.WithAttachments {
		preds = append(preds, attachmentPresence(true))
	}
	if c.WithoutAttachments {
		preds = append(preds, attachmentPresence(false))
	}
	if keywords := normalizeAll(c.SubjectKeywords); len(keywords) > 0 {
		preds = append(preds, subjectContainsAll(keywords))
	}
	if keywords := normalizeAll(c.BodyKeywords); len(keywords) > 0 {
		preds = append(preds, bodyContainsAll(keywords))
	}

	return FromPredicates(preds...), nil
}

// FromPredicates builds a Filter from an explicit chain.
func FromPredicates(preds ...Predicate) *Filter {
	stats := make([]PredicateStats, len(preds))
	for i, p := range preds {
		stats[i].Name = p.Name
	}
	return &Filter{predicates: preds, stats: stats}
}

// Matches reports whether meta passes every predicate. An empty filter
// matches everything.
func (f *Filter) Matches(meta *model.EmailMetadata) bool {
	return f.Explain(meta) == ""
}

// Explain returns the name of the first rejecting predicate, or "" on a match.
func (f *Filter) Explain(meta *model.EmailMetadata) string {
	if f == nil {
		return ""
	}
	for i, p := range f.predicates {
		ok := p.Match(meta)
		f.mu.Lock()
		f.stats[i].Evaluated++
		if !ok {
			f.stats[i].Rejected++
		}
		f.mu.Unlock()
		if !ok {
			return p.Name
		}
	}
	return ""
}

// Names lists the active predicates in evaluation order.
func (f *Filter) Names() []string {
	if f == nil {
		return nil
	}
	names := make([]string, len(f.predicates))
	for i, p := range f.predicates {
		names[i] = p.Name
	}
	return names
}

// Stats returns a copy of the per-predicate counters.
func (f *Filter) Stats() []PredicateStats {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PredicateStats(nil), f.stats...)
}

func dateRange(start, end time.Time) Predicate {
	return Predicate{Name: PredicateDate, Match: func(m *model.EmailMetadata) bool {
		t := m.ReceivedAt
		if t.IsZero() {
			return false
		}
		if !start.IsZero() && t.Before(start) {
			return false
		}
		if !end.IsZero() && t.After(end) {
			return false
		}
		return true
	}}
}

func senderIn(senders []string) Predicate {
	set := make(map[string]struct{}, len(senders))
	for _, s := range senders {
		set[s] = struct{}{}
	}
	return Predicate{Name: PredicateSender, Match: func(m *model.EmailMetadata) bool {
		_, ok := set[normalize(m.SenderAddress)]
		return ok
	}}
}

func attachmentPresence(want bool) Predicate {
	return Predicate{Name: PredicateAttachments, Match: func(m *model.EmailMetadata) bool {
		return m.HasAttachments() == want
	}}
}

func subjectContainsAll(keywords []string) Predicate {
	return Predicate{Name: PredicateSubject, Match: func(m *model.EmailMetadata) bool {
		return containsAll(strings.ToLower(m.Subject), keywords)
	}}
}

func bodyContainsAll(keywords []string) Predicate {
	return Predicate{Name: PredicateBody, Match: func(m *model.EmailMetadata) bool {
		body, err := m.Body.Value()
		if err != nil {
			return false
		}
		if strings.TrimSpace(body) == "" {
			// HTML-only messages
			if body, err = m.HTMLBody.Value(); err != nil {
				return false
			}
		}
		return containsAll(strings.ToLower(body), keywords)
	}}
}

func containsAll(text string, keywords []string) bool {
	for _, kw := range keywords {
		if !strings.Contains(text, kw) {
			return false
		}
	}
	return true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = normalize(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
