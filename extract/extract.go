// Package extract pulls response text out of raw chat-page HTML.
//
// It is the server-side fallback for pages where the injected reader cannot
// run: the tab hands over its HTML and this package finds the newest reply,
// first via the target's response selectors, then via a density scan for the
// largest plausible text block.
package extract

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Parse parses an HTML document. Input from a live tab is always a full
// document; x/net/html tolerates the fragments tests feed it.
func Parse(src string) (*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("extract: parse html: %w", err)
	}
	return doc, nil
}

// Latest returns the text of the last node matching any of the selectors,
// tried in order. Chat pages append replies, so the last match is the newest
// one. Matches shorter than minLen are skipped.
func Latest(doc *html.Node, selectors []string, minLen int) (string, bool) {
	for _, sel := range selectors {
		matches := querySelectorAll(doc, sel)
		for i := len(matches) - 1; i >= 0; i-- {
			text := collectText(matches[i])
			if len(text) >= minLen {
				return text, true
			}
		}
	}
	return "", false
}

// Response extracts the newest reply from raw HTML: selector match first,
// densest text block as fallback. Returns "" with no error when the page
// simply has no qualifying content yet.
func Response(src string, selectors []string, minLen int) (string, error) {
	doc, err := Parse(src)
	if err != nil {
		return "", err
	}
	if text, ok := Latest(doc, selectors, minLen); ok {
		return text, nil
	}
	if text, ok := LargestBlock(doc, minLen); ok {
		return text, nil
	}
	return "", nil
}

// collectText walks a subtree and joins its text nodes with single spaces,
// skipping script/style and editable regions (the composer box must never
// leak into a captured reply).
func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if isExcluded(n) {
				return
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// isExcluded reports subtrees that never contain reply text: scripts,
// styles, form inputs, and anything editable.
func isExcluded(n *html.Node) bool {
	switch n.Data {
	case "script", "style", "noscript", "textarea", "input", "select", "button":
		return true
	}
	for _, a := range n.Attr {
		if a.Key == "contenteditable" && a.Val != "false" {
			return true
		}
	}
	return false
}

// getAttr returns the value of an attribute on a node.
func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
