package regulationwatcher

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
)

// metaPrefix marks the <meta> tags that carry regulation fields, e.g.
// <meta name="regulation:framework" content="GDPR">.
const metaPrefix = "regulation:"

// Page is a regulation page converted to markdown.
type Page struct {
	Title    string
	Markdown string
	Meta     map[string]string
}

// Converter converts regulation HTML pages to markdown.
type Converter struct {
	converter *md.Converter
}

// NewConverter creates a new HTML to markdown converter.
func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Converter{converter: converter}
}

// Convert extracts the main content of an HTML page as markdown together with
// its title and regulation meta tags.
func (c *Converter) Convert(htmlContent []byte) (*Page, error) {
	doc, err := html.Parse(strings.NewReader(string(htmlContent)))
	if err != nil {
		markdown, cerr := c.converter.ConvertString(basicHTMLCleanup(string(htmlContent)))
		if cerr != nil {
			return nil, cerr
		}
		return &Page{Markdown: cleanMarkdown(markdown), Meta: map[string]string{}}, nil
	}

	page := &Page{
		Title: extractTitle(doc),
		Meta:  extractMeta(doc),
	}

	markdown, err := c.converter.ConvertString(mainContent(doc, htmlContent))
	if err != nil {
		return nil, err
	}
	page.Markdown = cleanMarkdown(markdown)

	if page.Title == "" {
		page.Title = extractMarkdownTitle(page.Markdown)
	}
	return page, nil
}

func extractTitle(doc *html.Node) string {
	if n := findElement(doc, "title"); n != nil && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	return ""
}

// extractMeta collects regulation:* meta tags keyed without the prefix.
func extractMeta(doc *html.Node) map[string]string {
	meta := make(map[string]string)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "meta" {
			name, content := attr(n, "name"), attr(n, "content")
			if key, ok := strings.CutPrefix(strings.ToLower(name), metaPrefix); ok && content != "" {
				meta[key] = strings.TrimSpace(content)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return meta
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

var landmarks = []string{"main", "article", "[role=main]"}

// pageURL resolves relative links in readability output; regulation pages are
// read from local files.
var pageURL = &url.URL{Scheme: "file", Path: "/"}

// mainContent picks the page's content area as HTML. Explicit landmarks win;
// pages without one go through readability scoring when they carry enough
// prose, and through the boilerplate-stripping walk otherwise.
func mainContent(doc *html.Node, raw []byte) string {
	for _, selector := range landmarks {
		if node := findElement(doc, selector); node != nil {
			return renderNode(node)
		}
	}
	if content := readableContent(raw); content != "" {
		return content
	}
	return extractMainContent(doc)
}

func readableContent(raw []byte) string {
	if !readability.Check(bytes.NewReader(raw)) {
		return ""
	}
	article, err := readability.FromReader(bytes.NewReader(raw), pageURL)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(article.Content)
}

// extractMainContent returns the main content area as HTML.
func extractMainContent(doc *html.Node) string {
	for _, selector := range landmarks {
		if node := findElement(doc, selector); node != nil {
			return renderNode(node)
		}
	}

	removeElements(doc, []string{
		"nav", "header", "footer", "aside", "script", "style", "noscript",
		"iframe", "object", "embed", "form", "input", "button",
	})
	removeByClass(doc, []string{
		"nav", "navbar", "navigation", "sidebar", "menu", "toc",
		"footer", "header", "breadcrumb", "cookie-banner",
	})

	if body := findElement(doc, "body"); body != nil {
		return renderNode(body)
	}
	return renderNode(doc)
}

// findElement finds the first element matching a tag or [attr=value] selector.
func findElement(n *html.Node, selector string) *html.Node {
	if n.Type == html.ElementNode && matchesSelector(n, selector) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, selector); found != nil {
			return found
		}
	}
	return nil
}

func matchesSelector(n *html.Node, selector string) bool {
	if strings.HasPrefix(selector, "[") && strings.HasSuffix(selector, "]") {
		key, val, ok := strings.Cut(selector[1:len(selector)-1], "=")
		return ok && attr(n, key) == val
	}
	return n.Data == selector
}

func removeElements(n *html.Node, tags []string) {
	tagSet := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tagSet[tag] = true
	}
	removeMatching(n, func(node *html.Node) bool { return tagSet[node.Data] })
}

func removeByClass(n *html.Node, classes []string) {
	classSet := make(map[string]bool, len(classes))
	for _, class := range classes {
		classSet[class] = true
	}
	removeMatching(n, func(node *html.Node) bool {
		for _, c := range strings.Fields(strings.ToLower(attr(node, "class"))) {
			if classSet[c] {
				return true
			}
		}
		return false
	})
}

func removeMatching(n *html.Node, match func(*html.Node) bool) {
	var toRemove []*html.Node
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		if node.Type == html.ElementNode && match(node) {
			toRemove = append(toRemove, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)

	for _, node := range toRemove {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}

func renderNode(n *html.Node) string {
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		return ""
	}
	return sb.String()
}

func basicHTMLCleanup(content string) string {
	content = scriptRe.ReplaceAllString(content, "")
	return styleRe.ReplaceAllString(content, "")
}

func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func extractMarkdownTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
