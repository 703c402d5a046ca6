package extract

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// Markdowner converts captured reply HTML into markdown. Chat pages render
// code blocks, tables and lists; flattening them to innerText loses that
// structure, so clients can ask for the markdown form instead.
type Markdowner struct {
	policy *bluemonday.Policy
	conv   *converter.Converter
}

// NewMarkdowner builds a Markdowner with a UGC sanitization policy. The HTML
// comes from third-party pages, so it is scrubbed before conversion.
func NewMarkdowner() *Markdowner {
	return &Markdowner{
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Convert sanitizes and converts an HTML fragment. On failure or empty
// output it returns the plain-text fallback unchanged.
func (m *Markdowner) Convert(htmlFragment, fallback string) string {
	if htmlFragment == "" {
		return fallback
	}
	clean := m.policy.Sanitize(htmlFragment)
	result, err := m.conv.ConvertString(clean)
	if err != nil || strings.TrimSpace(result) == "" {
		return fallback
	}
	return strings.TrimSpace(result)
}
