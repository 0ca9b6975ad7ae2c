// Package markdown renders an exported message as a markdown document with
// YAML frontmatter and links to its saved attachments.
package markdown

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dhcgn/mbox-export/model"
	"github.com/dhcgn/mbox-export/pathutil"
)

const headerDateLayout = "January 02, 2006 03:04 PM"

// Link is a saved attachment referenced from the document.
type Link struct {
	Name string
	Path string
	Size int64
}

// Document is everything needed to render one message. Path is where the
// markdown file will live; links are made relative to it.
type Document struct {
	Message     *model.EmailMetadata
	Attachments []Link
	Path        string
}

type frontmatter struct {
	From     string `yaml:"from"`
	To       string `yaml:"to,omitempty"`
	Cc       string `yaml:"cc,omitempty"`
	Subject  string `yaml:"subject"`
	Date     string `yaml:"date,omitempty"`
	Received string `yaml:"received,omitempty"`
}

// Render produces the markdown text. The HTML body is preferred and converted;
// the plain body is used when there is none or it cannot be read.
func Render(doc Document) (string, error) {
	m := doc.Message
	if m == nil {
		return "", fmt.Errorf("render markdown: no message")
	}

	date := m.SentAt
	if date.IsZero() {
		date = m.ReceivedAt
	}

	fm, err := yaml.Marshal(frontmatter{
		From:     m.SenderAddress,
		To:       m.To,
		Cc:       m.Cc,
		Subject:  m.Subject,
		Date:     isoDate(date),
		Received: isoDate(m.ReceivedAt),
	})
	if err != nil {
		return "", fmt.Errorf("yaml.Marshal failed: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")

	fmt.Fprintf(&b, "# %s\n\n", m.Subject)
	if m.SenderName != "" {
		fmt.Fprintf(&b, "**From:** %s (%s)  \n", m.SenderName, m.SenderAddress)
	} else {
		fmt.Fprintf(&b, "**From:** %s  \n", m.SenderAddress)
	}
	if m.To != "" {
		fmt.Fprintf(&b, "**To:** %s  \n", m.To)
	}
	if m.Cc != "" {
		fmt.Fprintf(&b, "**CC:** %s  \n", m.Cc)
	}
	if !date.IsZero() {
		fmt.Fprintf(&b, "**Date:** %s\n", date.Format(headerDateLayout))
	}
	b.WriteString("\n---\n\n")

	if body := bodyText(m); body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}

	if len(doc.Attachments) > 0 {
		b.WriteString("\n---\n\n## Attachments\n\n")
		for _, a := range doc.Attachments {
			fmt.Fprintf(&b, "- [%s](%s) (%s)\n", a.Name, linkTarget(doc.Path, a.Path), pathutil.FormatSize(a.Size))
		}
	}
	return b.String(), nil
}

func bodyText(m *model.EmailMetadata) string {
	if h, err := m.HTMLBody.Value(); err == nil && strings.TrimSpace(h) != "" {
		if converted, err := HTMLToMarkdown(h); err == nil {
			return converted
		}
	}
	plain, err := m.Body.Value()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(plain)
}

func linkTarget(docPath, target string) string {
	link := pathutil.RelLink(docPath, target)
	// markdown links break on spaces and parentheses
	return strings.NewReplacer(" ", "%20", "(", "%28", ")", "%29").Replace(link)
}

func isoDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
