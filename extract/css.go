package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// querySelectorAll returns all nodes matching a simple CSS selector.
// Supported subset, enough for the target tables:
//   - tag: "article", "div"
//   - .class, #id, and tag.class / tag#id combinations
//   - [attr], [attr=val], [attr*=val] (substring), also combined with tag
//     and class: `div[role="button"].primary`
//   - descendant combinator (space-separated parts)
func querySelectorAll(doc *html.Node, selector string) []*html.Node {
	parts := strings.Fields(selector)
	if len(parts) == 0 {
		return nil
	}

	matches := matchSimple(doc, parts[0])
	for i := 1; i < len(parts); i++ {
		var next []*html.Node
		for _, parent := range matches {
			next = append(next, matchSimple(parent, parts[i])...)
		}
		matches = next
	}
	return matches
}

func matchSimple(root *html.Node, sel string) []*html.Node {
	m := parseSimpleSelector(sel)
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if matchesSelector(n, m) {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}

type simpleSelector struct {
	tag        string
	id         string
	class      string
	attrKey    string
	attrVal    string
	attrSubstr bool
}

// parseSimpleSelector parses one space-free selector part. The bracket span
// is cut out first so class/id markers after a "]" still apply.
func parseSimpleSelector(sel string) simpleSelector {
	var s simpleSelector

	if open := strings.IndexByte(sel, '['); open >= 0 {
		rest := sel[open+1:]
		attrPart := rest
		if close := strings.IndexByte(rest, ']'); close >= 0 {
			attrPart = rest[:close]
			sel = sel[:open] + rest[close+1:]
		} else {
			sel = sel[:open]
		}
		if eq := strings.Index(attrPart, "*="); eq >= 0 {
			s.attrKey = attrPart[:eq]
			s.attrVal = strings.Trim(attrPart[eq+2:], `"'`)
			s.attrSubstr = true
		} else if eq := strings.IndexByte(attrPart, '='); eq >= 0 {
			s.attrKey = attrPart[:eq]
			s.attrVal = strings.Trim(attrPart[eq+1:], `"'`)
		} else {
			s.attrKey = attrPart
		}
	}

	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		s.id = sel[idx+1:]
		sel = sel[:idx]
	}
	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		s.class = sel[idx+1:]
		sel = sel[:idx]
	}
	s.tag = sel
	return s
}

func matchesSelector(n *html.Node, s simpleSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && getAttr(n, "id") != s.id {
		return false
	}
	if s.class != "" {
		found := false
		for _, c := range strings.Fields(getAttr(n, "class")) {
			if c == s.class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.attrKey != "" {
		val := getAttr(n, s.attrKey)
		switch {
		case s.attrSubstr:
			if !strings.Contains(val, s.attrVal) {
				return false
			}
		case s.attrVal != "":
			if val != s.attrVal {
				return false
			}
		default:
			if !hasAttr(n, s.attrKey) {
				return false
			}
		}
	}
	return true
}
