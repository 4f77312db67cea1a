package parsers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/docmesh/docmesh/domain/documents"
)

// Depth and element caps keep pathological JSON (deeply nested or
// enormous arrays) from exploding the element table. Subtrees past the
// depth cap collapse into one compact text block; past the element cap
// the walk stops and the document is flagged.
const (
	maxJSONDepth    = 8
	maxJSONElements = 5000
)

// JSON parses a JSON value into a bounded-depth tree: objects and
// arrays become list containers, scalars become "key: value" list
// items. Object keys are walked in sorted order so output is
// deterministic regardless of source order.
type JSON struct{}

// NewJSON returns the JSON parser.
func NewJSON() *JSON { return &JSON{} }

func (p *JSON) DocType() string { return DocTypeJSON }

func (p *JSON) Extensions() []string { return []string{"json"} }

func (p *JSON) Parse(docID string, content []byte) (*documents.ParsedDocument, error) {
	var value any
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	b := newTreeBuilder(docID, DocTypeJSON, content)
	w := &jsonWalker{b: b}
	w.walk(value, "$", b.Root(), 0)
	if w.capped {
		b.SetDocMeta("element_cap_reached", true)
	}
	return b.Build(), nil
}

type jsonWalker struct {
	b      *treeBuilder
	count  int
	capped bool
}

func (w *jsonWalker) walk(v any, path, parentID string, depth int) {
	if w.count >= maxJSONElements {
		w.capped = true
		return
	}
	switch t := v.(type) {
	case map[string]any:
		if depth >= maxJSONDepth {
			w.leaf(t, path, parentID)
			return
		}
		id := w.add(parentID, documents.ElementList, path,
			map[string]any{"json_type": "object", "keys": len(t)}, path)
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			childPath := path + "." + k
			switch t[k].(type) {
			case map[string]any, []any:
				w.walk(t[k], childPath, id, depth+1)
			default:
				w.scalar(k, t[k], childPath, id)
			}
		}

	case []any:
		if depth >= maxJSONDepth {
			w.leaf(t, path, parentID)
			return
		}
		id := w.add(parentID, documents.ElementList, path,
			map[string]any{"json_type": "array", "length": len(t)}, path)
		for i, child := range t {
			childPath := fmt.Sprintf("%s[%d]", path, i)
			switch child.(type) {
			case map[string]any, []any:
				w.walk(child, childPath, id, depth+1)
			default:
				w.scalar(strconv.Itoa(i), child, childPath, id)
			}
		}

	default:
		// A bare scalar document.
		w.scalar("", t, path, parentID)
	}
}

func (w *jsonWalker) scalar(key string, v any, path, parentID string) {
	if w.count >= maxJSONElements {
		w.capped = true
		return
	}
	text := renderScalar(v)
	if key != "" {
		text = key + ": " + text
	}
	w.add(parentID, documents.ElementListItem, text,
		map[string]any{"json_type": jsonTypeName(v)}, path)
}

// leaf collapses a subtree past the depth cap into compact JSON text.
func (w *jsonWalker) leaf(v any, path, parentID string) {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", v))
	}
	text := string(raw)
	md := map[string]any{"json_type": "subtree"}
	if runes := []rune(text); len(runes) > maxParagraphChars {
		text = string(runes[:maxParagraphChars])
		md["truncated"] = true
	}
	w.add(parentID, documents.ElementTextBlock, text, md, path)
}

func (w *jsonWalker) add(parentID, elementType, text string, md map[string]any, path string) string {
	w.count++
	return w.b.Add(parentID, elementType, text, md, map[string]any{"path": path})
}

func renderScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	default:
		return "unknown"
	}
}
