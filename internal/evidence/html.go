package evidence

import (
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// MaxContentLength caps extracted page text.
const MaxContentLength = 5000

const maxLinks = 20

// ExtractDocument parses an HTML page into a Document. Text comes from the
// first of main, article, div.content, or body that yields any.
func ExtractDocument(r io.Reader, pageURL string) (*Document, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(extractTitle(doc))

	var content string
	for _, match := range []func(*html.Node) bool{
		isElement("main"),
		isElement("article"),
		isDivWithClass("content"),
		isElement("body"),
	} {
		if n := find(doc, match); n != nil {
			if content = collapse(extractText(n)); content != "" {
				break
			}
		}
	}
	if len(content) > MaxContentLength {
		n := MaxContentLength
		for n > 0 && !utf8.RuneStart(content[n]) {
			n--
		}
		content = content[:n]
	}

	links := extractLinks(doc)
	meta := map[string]string{
		"url":        pageURL,
		"link_count": strconv.Itoa(len(links)),
	}
	for i, l := range links {
		meta["link_"+strconv.Itoa(i)] = l
	}
	if d := metaContent(doc, "description"); d != "" {
		meta["description"] = d
	}

	return &Document{Title: title, Content: content, Metadata: meta}, nil
}

func isElement(tag string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == tag
	}
}

func isDivWithClass(class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "div" {
			return false
		}
		for _, f := range strings.Fields(attr(n, "class")) {
			if f == class {
				return true
			}
		}
		return false
	}
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

// extractTitle extracts the page title from HTML.
func extractTitle(doc *html.Node) string {
	if n := find(doc, isElement("title")); n != nil && n.FirstChild != nil {
		return n.FirstChild.Data
	}
	return ""
}

// extractText extracts visible text from an HTML node.
func extractText(n *html.Node) string {
	var sb strings.Builder
	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		if node.Type == html.ElementNode {
			switch node.Data {
			case "script", "style", "noscript", "nav", "header", "footer":
				return
			}
		}
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
			sb.WriteString(" ")
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(n)
	return sb.String()
}

func extractLinks(doc *html.Node) []string {
	var links []string
	seen := map[string]bool{}
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if len(links) >= maxLinks {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			if href := attr(n, "href"); strings.HasPrefix(href, "http") && !seen[href] {
				seen[href] = true
				links = append(links, href)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return links
}

func metaContent(doc *html.Node, name string) string {
	n := find(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "meta" && strings.EqualFold(attr(n, "name"), name)
	})
	if n == nil {
		return ""
	}
	return strings.TrimSpace(attr(n, "content"))
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
