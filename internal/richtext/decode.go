// Package richtext flattens the provider's rich text bubbles into the
// WhatsApp-flavoured markup the transport understands.
package richtext

import (
	"encoding/json"
	"strings"
)

// Span is an inline run of text. Inline elements such as links carry their
// own Children instead of Text.
type Span struct {
	Text      string `json:"text"`
	Bold      bool   `json:"bold,omitempty"`
	Italic    bool   `json:"italic,omitempty"`
	Underline bool   `json:"underline,omitempty"`
	Children  []Span `json:"children,omitempty"`
}

// Block is a paragraph of spans
type Block struct {
	Type     string `json:"type,omitempty"`
	Children []Span `json:"children"`
}

// Decode converts a raw rich text payload into display text. Anything that is
// not a JSON array of blocks yields "".
func Decode(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") {
		return ""
	}

	var blocks []Block
	if err := json.Unmarshal([]byte(trimmed), &blocks); err != nil {
		return ""
	}
	return DecodeBlocks(blocks)
}

// DecodeBlocks joins blocks with a newline and trims the result
func DecodeBlocks(blocks []Block) string {
	lines := make([]string, 0, len(blocks))
	for _, block := range blocks {
		var b strings.Builder
		writeSpans(&b, block.Children)
		lines = append(lines, b.String())
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func writeSpans(b *strings.Builder, spans []Span) {
	for _, span := range spans {
		if len(span.Children) > 0 {
			writeSpans(b, span.Children)
			continue
		}
		b.WriteString(format(span))
	}
}

func format(span Span) string {
	text := span.Text
	if text == "" {
		return ""
	}
	if span.Bold {
		text = "*" + text + "*"
	}
	if span.Italic {
		text = "_" + text + "_"
	}
	if span.Underline {
		text = "~" + text + "~"
	}
	return text
}
