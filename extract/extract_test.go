package extract

import (
	"strings"
	"testing"
)

const chatPage = `<html><body>
<nav class="sidebar"><a href="/c/1">Old chat one</a><a href="/c/2">Old chat two</a></nav>
<main>
  <div class="message assistant-message">First reply: short answer about the weather.</div>
  <div class="message assistant-message">Second reply: a much longer answer that goes into
  considerable detail about the question that was asked, with several sentences of content.</div>
  <div contenteditable="true" id="composer">draft text typed by the user</div>
</main>
</body></html>`

func TestLatest_ReturnsNewestMatch(t *testing.T) {
	doc, err := Parse(chatPage)
	if err != nil {
		t.Fatal(err)
	}
	text, ok := Latest(doc, []string{".assistant-message"}, 20)
	if !ok {
		t.Fatal("no match")
	}
	if !strings.HasPrefix(text, "Second reply") {
		t.Fatalf("got %q, want the last message", text)
	}
}

func TestLatest_SkipsShortMatches(t *testing.T) {
	doc, err := Parse(`<div class="m">ok</div><div class="m">long enough reply text here</div>`)
	if err != nil {
		t.Fatal(err)
	}
	text, ok := Latest(doc, []string{".m"}, 10)
	if !ok || !strings.Contains(text, "long enough") {
		t.Fatalf("got %q, %v", text, ok)
	}
}

func TestLatest_SelectorOrder(t *testing.T) {
	doc, err := Parse(`<div class="primary">from the preferred selector set</div>
<div class="secondary">from the fallback selector, should not win</div>`)
	if err != nil {
		t.Fatal(err)
	}
	text, ok := Latest(doc, []string{".primary", ".secondary"}, 10)
	if !ok || !strings.Contains(text, "preferred") {
		t.Fatalf("got %q, %v", text, ok)
	}
}

func TestQuerySelector_AttrSubstring(t *testing.T) {
	doc, err := Parse(`<div class="ds-markdown ds-markdown--block">reply body rendered as markdown</div>`)
	if err != nil {
		t.Fatal(err)
	}
	text, ok := Latest(doc, []string{`[class*="ds-markdown"]`}, 10)
	if !ok || !strings.Contains(text, "reply body") {
		t.Fatalf("got %q, %v", text, ok)
	}
}

func TestQuerySelector_AttrThenClass(t *testing.T) {
	doc, err := Parse(`<div role="button" class="send primary">send the message now please</div>
<div role="button" class="cancel">cancel button text here instead</div>`)
	if err != nil {
		t.Fatal(err)
	}
	matches := querySelectorAll(doc, `div[role="button"].send`)
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	if got := collectText(matches[0]); !strings.Contains(got, "send the message") {
		t.Fatalf("matched wrong node: %q", got)
	}
}

func TestQuerySelector_Descendant(t *testing.T) {
	doc, err := Parse(`<main><p class="x">inside main element content</p></main>
<aside><p class="x">inside aside element content</p></aside>`)
	if err != nil {
		t.Fatal(err)
	}
	matches := querySelectorAll(doc, "main .x")
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
}

func TestCollectText_ExcludesComposer(t *testing.T) {
	doc, err := Parse(chatPage)
	if err != nil {
		t.Fatal(err)
	}
	text, ok := Latest(doc, []string{"main"}, 20)
	if !ok {
		t.Fatal("no match")
	}
	if strings.Contains(text, "draft text") {
		t.Fatalf("editable region leaked into extraction: %q", text)
	}
}

func TestLargestBlock_PrefersContentOverNav(t *testing.T) {
	doc, err := Parse(chatPage)
	if err != nil {
		t.Fatal(err)
	}
	text, ok := LargestBlock(doc, 20)
	if !ok {
		t.Fatal("no block found")
	}
	if strings.Contains(text, "Old chat") {
		t.Fatalf("navigation leaked into largest block: %q", text)
	}
	if !strings.Contains(text, "Second reply") {
		t.Fatalf("got %q, want the reply content", text)
	}
}

func TestResponse_FallsBackToDensity(t *testing.T) {
	// No selector matches; the density scan must still find the reply.
	text, err := Response(chatPage, []string{".does-not-exist"}, 20)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "Second reply") {
		t.Fatalf("got %q", text)
	}
}

func TestResponse_EmptyPage(t *testing.T) {
	text, err := Response("<html><body></body></html>", []string{".m"}, 20)
	if err != nil {
		t.Fatal(err)
	}
	if text != "" {
		t.Fatalf("got %q, want empty", text)
	}
}

func TestMarkdowner_Convert(t *testing.T) {
	m := NewMarkdowner()
	got := m.Convert("<p>Hello <strong>world</strong></p>", "fallback")
	if !strings.Contains(got, "**world**") {
		t.Fatalf("got %q, want bold markdown", got)
	}
}

func TestMarkdowner_StripsScript(t *testing.T) {
	m := NewMarkdowner()
	got := m.Convert(`<p>safe text</p><script>alert(1)</script>`, "fallback")
	if strings.Contains(got, "alert") {
		t.Fatalf("script survived sanitization: %q", got)
	}
	if !strings.Contains(got, "safe text") {
		t.Fatalf("got %q", got)
	}
}

func TestMarkdowner_FallbackOnEmpty(t *testing.T) {
	m := NewMarkdowner()
	if got := m.Convert("", "plain"); got != "plain" {
		t.Fatalf("got %q, want fallback", got)
	}
}
