package filter

import (
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/mbox-export/model"
)

// BenchmarkFilter_NoCriteria benchmarks the match-all filter.
func BenchmarkFilter_NoCriteria(b *testing.B) {
	f, err := New(Criteria{})
	if err != nil {
		b.Fatal(err)
	}
	m := message("test@example.com", "Test", time.Now(), 1, "body")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Matches(m)
	}
}

// BenchmarkFilter_HeaderCriteria benchmarks the cheap header predicates.
func BenchmarkFilter_HeaderCriteria(b *testing.B) {
	f, err := New(Criteria{
		Start:           time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Senders:         []string{"test@example.com", "other@example.com"},
		SubjectKeywords: []string{"invoice"},
	})
	if err != nil {
		b.Fatal(err)
	}
	m := message("test@example.com", "Invoice 2024-17", time.Now(), 1, "")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Matches(m)
	}
}

// BenchmarkFilter_BodyKeywords benchmarks keyword search on a large memoised body.
func BenchmarkFilter_BodyKeywords(b *testing.B) {
	f, err := New(Criteria{BodyKeywords: []string{"needle", "haystack"}})
	if err != nil {
		b.Fatal(err)
	}
	body := strings.Repeat("Lorem ipsum dolor sit amet. ", 4000) + "needle in a haystack"
	m := &model.EmailMetadata{Body: model.StaticText(body)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Matches(m)
	}
}
