package embedding

import (
	"fmt"
	"strings"

	"github.com/docmesh/docmesh/domain/documents"
	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/pkg/textsplitter"
)

// Encoder renders one context element with an explicit role boundary.
// Two modes: the compact bracket form and an XML form whose heavier
// opening tag is paid for in the packing budget.
type Encoder struct {
	mode string
}

// NewEncoder returns an encoder for the configured mode. Unknown modes
// fall back to bracket; the config validator rejects them upstream.
func NewEncoder(mode string) *Encoder {
	if mode != config.EncodingXML {
		mode = config.EncodingBracket
	}
	return &Encoder{mode: mode}
}

// Encode wraps content in the element's role tag.
func (e *Encoder) Encode(role string, el *documents.Element, content string) string {
	if e.mode == config.EncodingXML {
		return fmt.Sprintf("<context role=%q type=%q id=%q>%s</context>",
			strings.ToLower(role), el.ElementType, el.ElementID, content)
	}
	return fmt.Sprintf("[%s:%s:%s] %s", role, el.ElementType, el.ElementID, content)
}

// Overhead is the token cost of the wrapper alone, so tier packing can
// charge tags and content separately.
func (e *Encoder) Overhead(role string, el *documents.Element) int {
	return textsplitter.EstimateTokens(e.Encode(role, el, ""))
}
