package research

import (
	"bytes"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var excessiveLinesRe = regexp.MustCompile(`\n{4,}`)

// Noise removed before conversion when a page has no main or article element.
var (
	noiseTags = map[string]bool{
		"nav": true, "header": true, "footer": true, "aside": true, "script": true,
		"style": true, "noscript": true, "iframe": true, "object": true, "embed": true,
		"form": true, "input": true, "button": true,
	}
	noiseClasses = map[string]bool{
		"nav": true, "navbar": true, "navigation": true, "sidebar": true, "menu": true,
		"toc": true, "footer": true, "header": true, "advertisement": true, "social": true,
		"share": true, "comments": true, "related": true, "breadcrumb": true, "cookie-banner": true,
	}
)

// Document is a converted page.
type Document struct {
	Title    string
	Markdown string
}

// Converter turns HTML into markdown limited to the page's main content.
type Converter struct {
	md *md.Converter
}

// NewConverter creates a converter with GitHub-flavored tables and strikethrough.
func NewConverter() *Converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return &Converter{md: c}
}

// Convert parses content once, takes the title, picks the main content node
// and converts it. Plain-text input is returned unchanged.
func (c *Converter) Convert(content []byte, contentType string) (*Document, error) {
	if strings.HasPrefix(contentType, "text/plain") || strings.HasPrefix(contentType, "text/markdown") {
		text := strings.TrimSpace(string(content))
		return &Document{Title: markdownTitle(text), Markdown: text}, nil
	}

	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(textOf(find(doc, func(n *html.Node) bool { return n.Data == "title" })))

	main := find(doc, func(n *html.Node) bool {
		if n.Data == "main" || n.Data == "article" {
			return true
		}
		return attr(n, "role") == "main"
	})
	if main == nil {
		prune(doc)
		main = find(doc, func(n *html.Node) bool { return n.Data == "body" })
	}
	if main == nil {
		main = doc
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, main); err != nil {
		return nil, err
	}
	markdown, err := c.md.ConvertString(buf.String())
	if err != nil {
		return nil, err
	}
	markdown = tidy(markdown)
	if title == "" {
		title = markdownTitle(markdown)
	}
	return &Document{Title: title, Markdown: markdown}, nil
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

func isNoise(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if noiseTags[n.Data] {
		return true
	}
	for _, class := range strings.Fields(strings.ToLower(attr(n, "class"))) {
		if noiseClasses[class] {
			return true
		}
	}
	return false
}

// prune removes navigation, scripts and similar chrome in place.
func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if isNoise(c) {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
	}
}

func tidy(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func markdownTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if t := strings.TrimSpace(line); strings.HasPrefix(t, "# ") {
			return strings.TrimSpace(t[2:])
		}
	}
	return ""
}
