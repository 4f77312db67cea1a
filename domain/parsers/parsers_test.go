package parsers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh/docmesh/domain/documents"
)

// assertCanonical checks the output obligations every parser carries:
// exactly one root, document_position as emission order, sequential
// sibling order, parents emitted before children, and structural edges
// pointing at real elements.
func assertCanonical(t *testing.T, p *documents.ParsedDocument) {
	t.Helper()

	byID := make(map[string]*documents.Element, len(p.Elements))
	roots := 0
	for i := range p.Elements {
		el := &p.Elements[i]
		assert.Equal(t, i, el.DocumentPosition)
		byID[el.ElementID] = el
		if el.ParentID == nil {
			roots++
		}
	}
	require.Equal(t, 1, roots, "exactly one root element")

	orders := make(map[string][]int)
	for i := range p.Elements {
		el := &p.Elements[i]
		if el.ParentID == nil {
			continue
		}
		parent, ok := byID[*el.ParentID]
		require.True(t, ok, "parent of %s exists", el.ElementID)
		assert.Less(t, parent.DocumentPosition, el.DocumentPosition)
		orders[*el.ParentID] = append(orders[*el.ParentID], el.ElementOrder)
	}
	for parentID, ord := range orders {
		for i, o := range ord {
			assert.Equal(t, i, o, "sibling order under %s", parentID)
		}
	}

	for _, r := range p.Relationships {
		if r.RelationshipType == documents.RelLink {
			continue
		}
		assert.Contains(t, byID, r.SourceID)
		assert.Contains(t, byID, r.TargetID)
	}
}

func findElement(p *documents.ParsedDocument, elementType, text string) *documents.Element {
	for i := range p.Elements {
		if p.Elements[i].ElementType == elementType && p.Elements[i].Text == text {
			return &p.Elements[i]
		}
	}
	return nil
}

func childrenOf(p *documents.ParsedDocument, parentID string) []*documents.Element {
	var out []*documents.Element
	for i := range p.Elements {
		if p.Elements[i].ParentID != nil && *p.Elements[i].ParentID == parentID {
			out = append(out, &p.Elements[i])
		}
	}
	return out
}

func linkTargets(p *documents.ParsedDocument) []string {
	var out []string
	for _, r := range p.Relationships {
		if r.RelationshipType == documents.RelLink {
			out = append(out, r.TargetID)
		}
	}
	return out
}

func TestDocTypeForPath(t *testing.T) {
	assert.Equal(t, DocTypeMarkdown, DocTypeForPath("docs/guide.md"))
	assert.Equal(t, DocTypeMarkdown, DocTypeForPath("README.markdown"))
	assert.Equal(t, DocTypeJSON, DocTypeForPath("config.json"))
	assert.Equal(t, DocTypeText, DocTypeForPath("notes.txt"))
	assert.Equal(t, DocTypeText, DocTypeForPath("Makefile"))
	assert.Equal(t, DocTypeMarkdown, DocTypeForPath("https://example.com/a.md?v=1#top"))
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()

	assert.Equal(t, DocTypeMarkdown, reg.ForDocument("guide.md", nil).DocType())
	assert.Equal(t, DocTypeJSON, reg.ForDocument("cfg.json", nil).DocType())

	// Extension beats content type.
	assert.Equal(t, DocTypeMarkdown,
		reg.ForDocument("guide.md", map[string]any{"content_type": "text/plain"}).DocType())

	// No extension: content type decides.
	assert.Equal(t, DocTypeJSON,
		reg.ForDocument("https://api.example.com/spec", map[string]any{"content_type": "application/json; charset=utf-8"}).DocType())
	assert.Equal(t, DocTypeMarkdown,
		reg.ForDocument("page", map[string]any{"content_type": "text/markdown"}).DocType())

	// Everything else falls back to text.
	assert.Equal(t, DocTypeText,
		reg.ForDocument("page", map[string]any{"content_type": "text/html"}).DocType())
	assert.Equal(t, DocTypeText, reg.ForDocument("binaryblob", nil).DocType())

	// Doc types and extensions are claimed once.
	assert.Error(t, reg.Register(NewText()))
}

func TestTextParser(t *testing.T) {
	content := []byte("para one\r\n\r\npara two\n\nthird block")
	p, err := NewText().Parse("fs:notes.txt", content)
	require.NoError(t, err)
	assertCanonical(t, p)

	assert.Equal(t, DocTypeText, p.Document.DocType)
	assert.Equal(t, HashBytes(content), p.Document.ContentHash)

	root := p.Root()
	require.NotNil(t, root)
	assert.Equal(t, "fs:notes.txt#0000", root.ElementID)

	paras := childrenOf(p, root.ElementID)
	require.Len(t, paras, 3)
	assert.Equal(t, "para one", paras[0].Text)
	assert.Equal(t, "para two", paras[1].Text)
	assert.Equal(t, "third block", paras[2].Text)
	assert.Equal(t, 0, paras[0].ContentLocation["start_offset"])

	// Two contains + next_sibling chains for three siblings.
	var contains, siblings int
	for _, r := range p.Relationships {
		switch r.RelationshipType {
		case documents.RelContains:
			contains++
		case documents.RelNextSibling:
			siblings++
		}
	}
	assert.Equal(t, 3, contains)
	assert.Equal(t, 2, siblings)
}

func TestTextParserSplitsLongBlocks(t *testing.T) {
	content := []byte(strings.Repeat("lorem ipsum dolor sit amet ", 300))
	p, err := NewText().Parse("fs:big.txt", content)
	require.NoError(t, err)
	assertCanonical(t, p)

	paras := childrenOf(p, p.Root().ElementID)
	require.Greater(t, len(paras), 1, "oversized block splits")
	for _, el := range paras {
		assert.LessOrEqual(t, len(el.Text), maxParagraphChars)
		assert.Contains(t, el.Metadata, "split_part")
	}
}

func TestTextParserEmpty(t *testing.T) {
	p, err := NewText().Parse("fs:empty.txt", nil)
	require.NoError(t, err)
	assert.Len(t, p.Elements, 1)
	assert.Empty(t, p.Relationships)
}

const mdFixture = `---
author: ops
tags:
  - infra
---

# Deploy Guide

Intro paragraph with a [runbook](runbook.md) link.

## Services

- api
- worker
  - claims

~~~go
func main() {}
~~~

| Name | Port |
| ---- | ---- |
| api  | 8080 |

> Keep calm.

![arch](diagram.png)

## Rollback

See <https://status.example.com> for status.
`

func TestMarkdownParser(t *testing.T) {
	p, err := NewMarkdown().Parse("fs:guide.md", []byte(mdFixture))
	require.NoError(t, err)
	assertCanonical(t, p)

	assert.Equal(t, DocTypeMarkdown, p.Document.DocType)
	assert.Equal(t, "Deploy Guide", p.Document.Metadata["title"])
	fm, ok := p.Document.Metadata["front_matter"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ops", fm["author"])

	// Outline nesting: h2 sections hang off the h1.
	h1 := findElement(p, documents.ElementHeader, "Deploy Guide")
	require.NotNil(t, h1)
	assert.Equal(t, p.Root().ElementID, *h1.ParentID)
	assert.Equal(t, 1, h1.Metadata["level"])

	services := findElement(p, documents.ElementHeader, "Services")
	require.NotNil(t, services)
	assert.Equal(t, h1.ElementID, *services.ParentID)

	rollback := findElement(p, documents.ElementHeader, "Rollback")
	require.NotNil(t, rollback)
	assert.Equal(t, h1.ElementID, *rollback.ParentID)

	intro := findElement(p, documents.ElementParagraph, "Intro paragraph with a runbook link.")
	require.NotNil(t, intro)
	assert.Equal(t, h1.ElementID, *intro.ParentID)

	// List with a nested list under the "worker" item.
	worker := findElement(p, documents.ElementListItem, "worker")
	require.NotNil(t, worker)
	claims := findElement(p, documents.ElementListItem, "claims")
	require.NotNil(t, claims)
	nestedList := childrenOf(p, worker.ElementID)
	require.Len(t, nestedList, 1)
	assert.Equal(t, documents.ElementList, nestedList[0].ElementType)
	assert.Equal(t, nestedList[0].ElementID, *claims.ParentID)

	code := findElement(p, documents.ElementCodeBlock, "func main() {}")
	require.NotNil(t, code)
	assert.Equal(t, "go", code.Metadata["language"])
	assert.Equal(t, services.ElementID, *code.ParentID)

	// Table rows are containers; cells carry the text.
	nameCell := findElement(p, documents.ElementTableCell, "Name")
	require.NotNil(t, nameCell)
	headerRow := childrenOf(p, *nameCell.ParentID)
	assert.Len(t, headerRow, 2)
	portCell := findElement(p, documents.ElementTableCell, "8080")
	require.NotNil(t, portCell)
	assert.NotEqual(t, *nameCell.ParentID, *portCell.ParentID)

	// Blockquote is a container with its prose as children.
	quote := findElement(p, documents.ElementParagraph, "Keep calm.")
	require.NotNil(t, quote)
	var container *documents.Element
	for i := range p.Elements {
		if p.Elements[i].ElementID == *quote.ParentID {
			container = &p.Elements[i]
		}
	}
	require.NotNil(t, container)
	assert.Equal(t, documents.ElementTextBlock, container.ElementType)
	assert.Equal(t, "blockquote", container.Metadata["kind"])

	// The image-only paragraph collapses: the image hangs off the
	// section directly and owns the alt text.
	img := findElement(p, documents.ElementImage, "arch")
	require.NotNil(t, img)
	assert.Equal(t, "diagram.png", img.Metadata["url"])
	assert.Equal(t, services.ElementID, *img.ParentID)

	targets := linkTargets(p)
	assert.ElementsMatch(t, []string{"runbook.md", "https://status.example.com"}, targets)
}

func TestMarkdownHeaderStack(t *testing.T) {
	src := []byte("# top\n\n### deep\n\nprose\n\n## mid\n")
	p, err := NewMarkdown().Parse("fs:h.md", src)
	require.NoError(t, err)
	assertCanonical(t, p)

	top := findElement(p, documents.ElementHeader, "top")
	deep := findElement(p, documents.ElementHeader, "deep")
	mid := findElement(p, documents.ElementHeader, "mid")
	require.NotNil(t, top)
	require.NotNil(t, deep)
	require.NotNil(t, mid)

	assert.Equal(t, top.ElementID, *deep.ParentID, "h3 nests under the open h1")
	assert.Equal(t, top.ElementID, *mid.ParentID, "h2 pops the h3 and nests under h1")

	prose := findElement(p, documents.ElementParagraph, "prose")
	require.NotNil(t, prose)
	assert.Equal(t, deep.ElementID, *prose.ParentID)
}

func TestMarkdownLinkDedupe(t *testing.T) {
	p, err := NewMarkdown().Parse("fs:l.md", []byte("See [a](x.md) and [b](x.md) and [c](#anchor).\n"))
	require.NoError(t, err)

	targets := linkTargets(p)
	assert.Equal(t, []string{"x.md"}, targets, "same target from one element collapses; anchors are skipped")
}

func TestMarkdownDeterminism(t *testing.T) {
	md := NewMarkdown()
	p1, err := md.Parse("fs:guide.md", []byte(mdFixture))
	require.NoError(t, err)
	p2, err := md.Parse("fs:guide.md", []byte(mdFixture))
	require.NoError(t, err)

	require.Equal(t, p1.Elements, p2.Elements)
	require.Equal(t, p1.Relationships, p2.Relationships)
	assert.Equal(t, p1.Document.ContentHash, p2.Document.ContentHash)
}

func TestJSONParser(t *testing.T) {
	content := []byte(`{
		"port": 8080,
		"name": "docmesh",
		"tags": ["infra", "queue"],
		"nested": {"deep": true}
	}`)
	p, err := NewJSON().Parse("s3:cfg.json", content)
	require.NoError(t, err)
	assertCanonical(t, p)

	rootObj := childrenOf(p, p.Root().ElementID)
	require.Len(t, rootObj, 1)
	assert.Equal(t, documents.ElementList, rootObj[0].ElementType)
	assert.Equal(t, "object", rootObj[0].Metadata["json_type"])
	assert.Equal(t, 4, rootObj[0].Metadata["keys"])

	// Keys walk in sorted order: name, nested, port, tags.
	kids := childrenOf(p, rootObj[0].ElementID)
	require.Len(t, kids, 4)
	assert.Equal(t, "name: docmesh", kids[0].Text)
	assert.Equal(t, "$.nested", kids[1].Text)
	assert.Equal(t, "port: 8080", kids[2].Text)
	assert.Equal(t, "$.tags", kids[3].Text)

	deep := childrenOf(p, kids[1].ElementID)
	require.Len(t, deep, 1)
	assert.Equal(t, "deep: true", deep[0].Text)
	assert.Equal(t, map[string]any{"path": "$.nested.deep"}, deep[0].ContentLocation)

	items := childrenOf(p, kids[3].ElementID)
	require.Len(t, items, 2)
	assert.Equal(t, "0: infra", items[0].Text)
	assert.Equal(t, "1: queue", items[1].Text)
}

func TestJSONParserDepthCap(t *testing.T) {
	content := []byte(strings.Repeat(`{"a":`, 11) + `{"x":1}` + strings.Repeat("}", 11))
	p, err := NewJSON().Parse("s3:deep.json", content)
	require.NoError(t, err)
	assertCanonical(t, p)

	// Root + containers at depths 0..7 + one collapsed subtree.
	assert.Len(t, p.Elements, 10)
	last := p.Elements[len(p.Elements)-1]
	assert.Equal(t, documents.ElementTextBlock, last.ElementType)
	assert.Equal(t, "subtree", last.Metadata["json_type"])
	assert.Equal(t, `{"a":{"a":{"x":1}}}`, last.Text)
}

func TestJSONParserRejectsInvalid(t *testing.T) {
	_, err := NewJSON().Parse("s3:bad.json", []byte(`{"unterminated`))
	assert.Error(t, err)
}

func TestJSONParserScalarDocument(t *testing.T) {
	p, err := NewJSON().Parse("s3:v.json", []byte(`"hello"`))
	require.NoError(t, err)
	assertCanonical(t, p)
	require.Len(t, p.Elements, 2)
	assert.Equal(t, "hello", p.Elements[1].Text)
	assert.Equal(t, documents.ElementListItem, p.Elements[1].ElementType)
}
