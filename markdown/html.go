package markdown

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// HTMLToMarkdown converts an HTML mail body into readable markdown. Layout
// tables become plain rows, scripts and styles are dropped.
func HTMLToMarkdown(src string) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("html.Parse failed: %w", err)
	}
	c := &converter{}
	c.walk(doc)
	return tidy(c.buf.String()), nil
}

type list struct {
	ordered bool
	n       int
}

type converter struct {
	buf   bytes.Buffer
	pre   int
	lists []list
}

func (c *converter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		c.text(n.Data)
	case html.ElementNode:
		c.element(n)
	default:
		c.children(n)
	}
}

func (c *converter) children(n *html.Node) {
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		c.walk(ch)
	}
}

func (c *converter) element(n *html.Node) {
	switch n.Data {
	case "head", "script", "style", "title", "noscript":
	case "h1", "h2", "h3", "h4", "h5", "h6":
		c.block()
		c.buf.WriteString(strings.Repeat("#", int(n.Data[1]-'0')) + " ")
		c.children(n)
		c.block()
	case "p", "div", "section", "article", "header", "footer", "blockquote", "table", "center":
		c.block()
		c.children(n)
		c.block()
	case "br":
		c.buf.WriteByte('\n')
	case "hr":
		c.block()
		c.buf.WriteString("---")
		c.block()
	case "ul", "ol":
		c.lists = append(c.lists, list{ordered: n.Data == "ol"})
		c.block()
		c.children(n)
		c.lists = c.lists[:len(c.lists)-1]
		c.block()
	case "li":
		c.item(n)
	case "a":
		c.link(n)
	case "img":
		c.image(n)
	case "strong", "b":
		c.wrap(n, "**")
	case "em", "i":
		c.wrap(n, "_")
	case "code":
		if c.pre > 0 {
			c.children(n)
			return
		}
		c.wrap(n, "`")
	case "pre":
		c.block()
		c.buf.WriteString("```\n")
		c.pre++
		c.children(n)
		c.pre--
		c.newline()
		c.buf.WriteString("```")
		c.block()
	case "tr":
		c.newline()
		c.children(n)
		c.newline()
	case "td", "th":
		if previousCell(n) {
			c.buf.WriteString(" | ")
		}
		c.children(n)
	default:
		c.children(n)
	}
}

func (c *converter) text(s string) {
	if c.pre > 0 {
		c.buf.WriteString(s)
		return
	}
	collapsed := strings.Join(strings.Fields(s), " ")
	if collapsed == "" {
		if s != "" {
			c.space()
		}
		return
	}
	if unicode.IsSpace(rune(s[0])) {
		c.space()
	}
	c.buf.WriteString(collapsed)
	if unicode.IsSpace(rune(s[len(s)-1])) {
		c.space()
	}
}

func (c *converter) item(n *html.Node) {
	c.newline()
	depth := max(len(c.lists), 1)
	c.buf.WriteString(strings.Repeat("  ", depth-1))
	if len(c.lists) > 0 && c.lists[depth-1].ordered {
		c.lists[depth-1].n++
		fmt.Fprintf(&c.buf, "%d. ", c.lists[depth-1].n)
	} else {
		c.buf.WriteString("- ")
	}
	c.children(n)
	c.newline()
}

func (c *converter) link(n *html.Node) {
	label := c.capture(n)
	href := attr(n, "href")
	switch {
	case label == "":
	case href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:"):
		c.buf.WriteString(label)
	case label == href || "mailto:"+label == href:
		c.buf.WriteString("<" + label + ">")
	default:
		fmt.Fprintf(&c.buf, "[%s](%s)", label, href)
	}
}

func (c *converter) image(n *html.Node) {
	src := attr(n, "src")
	if src == "" {
		return
	}
	fmt.Fprintf(&c.buf, "![%s](%s)", attr(n, "alt"), src)
}

func (c *converter) wrap(n *html.Node, marker string) {
	inner := c.capture(n)
	if inner == "" {
		return
	}
	c.buf.WriteString(marker + inner + marker)
}

// capture renders the children of n and removes them from the buffer again.
func (c *converter) capture(n *html.Node) string {
	start := c.buf.Len()
	c.children(n)
	inner := strings.TrimSpace(string(c.buf.Bytes()[start:]))
	c.buf.Truncate(start)
	return inner
}

func (c *converter) last() byte {
	b := c.buf.Bytes()
	if len(b) == 0 {
		return 0
	}
	return b[len(b)-1]
}

func (c *converter) space() {
	if last := c.last(); last != 0 && last != ' ' && last != '\n' {
		c.buf.WriteByte(' ')
	}
}

func (c *converter) newline() {
	if last := c.last(); last != 0 && last != '\n' {
		c.buf.WriteByte('\n')
	}
}

func (c *converter) block() {
	if c.buf.Len() == 0 {
		return
	}
	b := c.buf.Bytes()
	switch {
	case bytes.HasSuffix(b, []byte("\n\n")):
	case b[len(b)-1] == '\n':
		c.buf.WriteByte('\n')
	default:
		c.buf.WriteString("\n\n")
	}
}

func previousCell(n *html.Node) bool {
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && (s.Data == "td" || s.Data == "th") {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
