package parsers

import (
	"strings"

	"github.com/docmesh/docmesh/domain/documents"
	"github.com/docmesh/docmesh/pkg/textsplitter"
)

// maxParagraphChars bounds a single text element. Blank-line-separated
// prose rarely gets near this; machine-generated single-line files
// (minified output, log dumps) get split so one element cannot swallow
// an entire embedding budget.
const maxParagraphChars = 4000

// Text parses anything: blank-line-separated paragraphs under the root.
// It is the registry fallback, so it must never fail on arbitrary bytes.
type Text struct{}

// NewText returns the plain-text parser.
func NewText() *Text { return &Text{} }

func (p *Text) DocType() string { return DocTypeText }

func (p *Text) Extensions() []string { return []string{"txt", "text", "log"} }

func (p *Text) Parse(docID string, content []byte) (*documents.ParsedDocument, error) {
	b := newTreeBuilder(docID, DocTypeText, content)

	normalized := strings.ReplaceAll(string(content), "\r\n", "\n")
	offset := 0
	for _, block := range strings.Split(normalized, "\n\n") {
		start := offset
		offset += len(block) + 2

		text := strings.TrimSpace(block)
		if text == "" {
			continue
		}
		loc := map[string]any{"start_offset": start, "end_offset": start + len(block)}
		if len(text) <= maxParagraphChars {
			b.Add(b.Root(), documents.ElementParagraph, text, nil, loc)
			continue
		}
		for i, part := range textsplitter.Split(text, maxParagraphChars) {
			b.Add(b.Root(), documents.ElementParagraph, part,
				map[string]any{"split_part": i}, loc)
		}
	}

	return b.Build(), nil
}
