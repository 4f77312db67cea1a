package parsers

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	gtext "github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/docmesh/docmesh/domain/documents"
)

// Markdown parses GFM into the canonical tree. Headers nest by level
// (an h3 under the nearest h2 under the nearest h1), so same-section
// co-occurrence and parent context follow the document's outline rather
// than its flat block sequence.
type Markdown struct {
	md goldmark.Markdown
}

// NewMarkdown returns the markdown parser with GFM extensions (tables,
// autolinks, strikethrough).
func NewMarkdown() *Markdown {
	return &Markdown{md: goldmark.New(goldmark.WithExtensions(extension.GFM))}
}

func (p *Markdown) DocType() string { return DocTypeMarkdown }

func (p *Markdown) Extensions() []string { return []string{"md", "markdown"} }

func (p *Markdown) Parse(docID string, content []byte) (*documents.ParsedDocument, error) {
	b := newTreeBuilder(docID, DocTypeMarkdown, content)

	source, frontMatter := splitFrontMatter(content)
	if len(frontMatter) > 0 {
		var fm map[string]any
		if err := yaml.Unmarshal(frontMatter, &fm); err == nil && len(fm) > 0 {
			b.SetDocMeta("front_matter", fm)
		}
	}

	doc := p.md.Parser().Parse(gtext.NewReader(source))

	w := &mdWalker{
		b:          b,
		source:     source,
		baseOffset: len(content) - len(source),
		sections:   []mdSection{{level: 0, id: b.Root()}},
	}
	for child := doc.FirstChild(); child != nil; child = child.NextSibling() {
		w.block(child, "")
	}
	if w.title != "" {
		b.SetDocMeta("title", w.title)
	}
	return b.Build(), nil
}

// mdSection is one open outline level: blocks attach to the innermost
// header seen so far.
type mdSection struct {
	level int
	id    string
}

type mdWalker struct {
	b          *treeBuilder
	source     []byte
	baseOffset int
	sections   []mdSection
	title      string
}

func (w *mdWalker) sectionParent() string {
	return w.sections[len(w.sections)-1].id
}

// block emits one block node. An empty parentID means "attach to the
// current section". An explicit parentID (list items, blockquotes) pins
// the block inside its container and keeps headings found there from
// touching the outline stack.
func (w *mdWalker) block(n ast.Node, parentID string) {
	explicit := parentID != ""
	if !explicit {
		parentID = w.sectionParent()
	}

	switch t := n.(type) {
	case *ast.Heading:
		if explicit {
			w.textual(t, parentID, documents.ElementHeader, map[string]any{"level": t.Level})
			return
		}
		w.heading(t)

	case *ast.Paragraph:
		w.textual(t, parentID, documents.ElementParagraph, nil)

	case *ast.TextBlock:
		w.textual(t, parentID, documents.ElementParagraph, nil)

	case *ast.FencedCodeBlock:
		md := map[string]any{}
		if lang := t.Language(w.source); len(lang) > 0 {
			md["language"] = string(lang)
		}
		w.b.Add(parentID, documents.ElementCodeBlock, blockLines(t, w.source), md, w.location(t))

	case *ast.CodeBlock:
		w.b.Add(parentID, documents.ElementCodeBlock, blockLines(t, w.source), nil, w.location(t))

	case *ast.List:
		w.list(t, parentID)

	case *ast.Blockquote:
		id := w.b.Add(parentID, documents.ElementTextBlock, "", map[string]any{"kind": "blockquote"}, nil)
		for c := t.FirstChild(); c != nil; c = c.NextSibling() {
			w.block(c, id)
		}

	case *east.Table:
		w.table(t, parentID)

	case *ast.HTMLBlock:
		raw := strings.TrimSpace(blockLines(t, w.source))
		if raw == "" {
			return
		}
		if strings.HasPrefix(raw, "<!--") {
			w.b.Add(parentID, documents.ElementComment, raw, nil, w.location(t))
		} else {
			w.b.Add(parentID, documents.ElementTextBlock, raw, map[string]any{"kind": "html"}, w.location(t))
		}

	case *ast.ThematicBreak:
		// No content.

	default:
		// Unknown block kinds flatten to text so nothing silently
		// disappears from the tree.
		if text := strings.TrimSpace(inlineText(n, w.source)); text != "" {
			w.b.Add(parentID, documents.ElementTextBlock, text, nil, nil)
		}
	}
}

func (w *mdWalker) heading(h *ast.Heading) {
	text := strings.TrimSpace(inlineText(h, w.source))
	for len(w.sections) > 1 && w.sections[len(w.sections)-1].level >= h.Level {
		w.sections = w.sections[:len(w.sections)-1]
	}
	id := w.b.Add(w.sectionParent(), documents.ElementHeader, text,
		map[string]any{"level": h.Level}, w.location(h))
	w.collectLinks(h, id)
	w.sections = append(w.sections, mdSection{level: h.Level, id: id})

	if w.title == "" && h.Level == 1 {
		w.title = text
	}
}

// textual emits a text-bearing block plus any links and images found in
// its inlines. Image-only blocks skip the empty text element and attach
// the images directly to the parent.
func (w *mdWalker) textual(n ast.Node, parentID, elementType string, md map[string]any) {
	text := strings.TrimSpace(inlineText(n, w.source))
	if text == "" {
		w.collectImages(n, parentID)
		return
	}
	id := w.b.Add(parentID, elementType, text, md, w.location(n))
	w.collectLinks(n, id)
	w.collectImages(n, id)
}

func (w *mdWalker) list(l *ast.List, parentID string) {
	md := map[string]any{"ordered": l.IsOrdered()}
	if l.IsOrdered() && l.Start != 1 {
		md["start"] = l.Start
	}
	listID := w.b.Add(parentID, documents.ElementList, "", md, nil)
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		if li, ok := item.(*ast.ListItem); ok {
			w.listItem(li, listID)
		}
	}
}

func (w *mdWalker) listItem(li *ast.ListItem, listID string) {
	// The item's own text is its plain block children joined; nested
	// lists, code, tables and quotes become child elements so their
	// structure survives.
	var parts []string
	for c := li.FirstChild(); c != nil; c = c.NextSibling() {
		switch c.(type) {
		case *ast.List, *ast.FencedCodeBlock, *ast.CodeBlock, *east.Table, *ast.Blockquote:
		default:
			if t := strings.TrimSpace(inlineText(c, w.source)); t != "" {
				parts = append(parts, t)
			}
		}
	}
	itemID := w.b.Add(listID, documents.ElementListItem, strings.Join(parts, "\n"), nil, w.location(li))

	for c := li.FirstChild(); c != nil; c = c.NextSibling() {
		switch c.(type) {
		case *ast.List, *ast.FencedCodeBlock, *ast.CodeBlock, *east.Table, *ast.Blockquote:
			w.block(c, itemID)
		default:
			w.collectLinks(c, itemID)
			w.collectImages(c, itemID)
		}
	}
}

// table emits table -> table_row -> table_cell. Rows are containers;
// the text lives on the cells so entity mentions count once.
func (w *mdWalker) table(t *east.Table, parentID string) {
	tableID := w.b.Add(parentID, documents.ElementTable, "", nil, nil)
	for row := t.FirstChild(); row != nil; row = row.NextSibling() {
		var rowMD map[string]any
		switch row.(type) {
		case *east.TableHeader:
			rowMD = map[string]any{"header": true}
		case *east.TableRow:
		default:
			continue
		}
		rowID := w.b.Add(tableID, documents.ElementTableRow, "", rowMD, nil)
		col := 0
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			text := strings.TrimSpace(inlineText(cell, w.source))
			cellID := w.b.Add(rowID, documents.ElementTableCell, text, map[string]any{"column": col}, nil)
			w.collectLinks(cell, cellID)
			col++
		}
	}
}

// collectLinks records link edges for every hyperlink in the subtree.
// In-page anchors (#fragment) and email autolinks are not documents and
// are skipped.
func (w *mdWalker) collectLinks(n ast.Node, fromID string) {
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Link:
			dest := string(t.Destination)
			if dest == "" || strings.HasPrefix(dest, "#") {
				return ast.WalkContinue, nil
			}
			md := map[string]any{}
			if text := strings.TrimSpace(inlineText(t, w.source)); text != "" {
				md["text"] = text
			}
			w.b.Link(fromID, dest, md)
		case *ast.AutoLink:
			if t.AutoLinkType == ast.AutoLinkURL {
				if dest := string(t.URL(w.source)); dest != "" {
					w.b.Link(fromID, dest, nil)
				}
			}
		}
		return ast.WalkContinue, nil
	})
}

// collectImages emits an image element per inline image, text = alt.
func (w *mdWalker) collectImages(n ast.Node, parentID string) {
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if img, ok := c.(*ast.Image); ok {
			alt := strings.TrimSpace(inlineText(img, w.source))
			w.b.Add(parentID, documents.ElementImage, alt,
				map[string]any{"url": string(img.Destination)}, nil)
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
}

func (w *mdWalker) location(n ast.Node) map[string]any {
	lines := n.Lines()
	if lines == nil || lines.Len() == 0 {
		return nil
	}
	return map[string]any{
		"start_offset": w.baseOffset + lines.At(0).Start,
		"end_offset":   w.baseOffset + lines.At(lines.Len()-1).Stop,
	}
}

// inlineText flattens a subtree's inline content to plain text. Code
// spans contribute their literal text; soft and hard breaks become
// newlines. Image alt text belongs to the image element, so nested
// images contribute nothing here unless the walk starts at the image
// itself (collectImages extracting the alt).
func inlineText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Image:
			if c != n {
				return ast.WalkSkipChildren, nil
			}
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.String:
			sb.Write(t.Value)
		case *ast.AutoLink:
			sb.Write(t.URL(source))
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}

// blockLines joins a block node's raw source lines (code block bodies,
// HTML blocks).
func blockLines(n ast.Node, source []byte) string {
	lines := n.Lines()
	var sb strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// splitFrontMatter strips a leading YAML front-matter block delimited
// by "---" lines, returning the remaining body and the block's inner
// bytes. Content without front matter passes through untouched.
func splitFrontMatter(content []byte) (body, frontMatter []byte) {
	s := string(content)
	var nl int
	switch {
	case strings.HasPrefix(s, "---\n"):
		nl = 3
	case strings.HasPrefix(s, "---\r\n"):
		nl = 4
	default:
		return content, nil
	}
	rest := s[nl+1:]
	for _, end := range []string{"\n---\n", "\n---\r\n", "\r\n---\n", "\r\n---\r\n"} {
		if i := strings.Index(rest, end); i >= 0 {
			fmEnd := nl + 1 + i
			bodyStart := fmEnd + len(end)
			return content[bodyStart:], content[nl+1 : fmEnd]
		}
	}
	if strings.HasSuffix(rest, "\n---") {
		return nil, content[nl+1 : len(s)-4]
	}
	return content, nil
}
