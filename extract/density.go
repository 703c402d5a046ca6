package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// LargestBlock finds the biggest plausible text block in the document: the
// content-tagged subtree with the best density score, skipping navigation
// and composer chrome. Used when no response selector matches, which happens
// after chat frontends silently rename their classes.
func LargestBlock(doc *html.Node, minLen int) (string, bool) {
	body := findBody(doc)
	if body == nil {
		body = doc
	}
	best := findDensestNode(body, minLen)
	if best == nil {
		return "", false
	}
	text := collectText(best)
	if len(text) < minLen {
		return "", false
	}
	return text, true
}

type nodeScore struct {
	node     *html.Node
	textLen  int
	density  float64
	linkDens float64
}

// findDensestNode walks the DOM and scores content-tagged subtrees by
// text-to-markup ratio, penalizing link-heavy regions.
func findDensestNode(root *html.Node, minLen int) *html.Node {
	var candidates []nodeScore

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode || isBoilerplate(n) {
			return
		}
		if !isContentTag(n.DataAtom) && n.DataAtom != atom.Body {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
			return
		}

		text := collectText(n)
		textLen := len(text)
		if textLen < minLen {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
			return
		}

		markupLen := len(renderNode(n))
		if markupLen == 0 {
			markupLen = 1
		}
		linkDens := float64(len(collectLinkText(n))) / float64(textLen)

		candidates = append(candidates, nodeScore{
			node:     n,
			textLen:  textLen,
			density:  float64(textLen) / float64(markupLen),
			linkDens: linkDens,
		})

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	var best *nodeScore
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		if c.linkDens > 0.5 {
			// Mostly links: navigation or a conversation list, not a reply.
			continue
		}
		score := c.density * logScale(c.textLen) * (1 - c.linkDens)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.node
}

func logScale(n int) float64 {
	if n <= 0 {
		return 0
	}
	scale := 1.0
	for v := n; v > 100; v /= 2 {
		scale++
	}
	return scale
}

func collectLinkText(n *html.Node) string {
	var sb strings.Builder
	var f func(*html.Node, bool)
	f = func(n *html.Node, inLink bool) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			inLink = true
		}
		if n.Type == html.TextNode && inLink {
			sb.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c, inLink)
		}
	}
	f(n, false)
	return sb.String()
}

// isBoilerplate reports chrome that never holds reply text.
func isBoilerplate(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Nav, atom.Header, atom.Footer, atom.Aside, atom.Form:
		return true
	}
	marker := getAttr(n, "class") + " " + getAttr(n, "id") + " " + getAttr(n, "role")
	marker = strings.ToLower(marker)
	for _, word := range []string{"sidebar", "navigation", "toolbar", "composer"} {
		if strings.Contains(marker, word) {
			return true
		}
	}
	return false
}

func isContentTag(a atom.Atom) bool {
	switch a {
	case atom.Div, atom.Article, atom.Section, atom.Main, atom.P:
		return true
	}
	return false
}

func findBody(doc *html.Node) *html.Node {
	var body *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if body != nil {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Body {
			body = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return body
}

// renderNode serializes a subtree back to HTML.
func renderNode(n *html.Node) string {
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		return ""
	}
	return sb.String()
}
