package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/docmesh/docmesh/domain/documents"
	"github.com/docmesh/docmesh/domain/entities"
	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/pkg/embeddings"
	"github.com/docmesh/docmesh/pkg/logger"
)

// Candidate caps per tier. The packer stops on budget anyway; these
// bound the sort work on very wide trees.
const (
	maxSiblingCandidates = 6
	maxChildCandidates   = 12
)

// Generator builds one packed context window per element and embeds
// them in a single batch. Entity embeddings reuse the same client with
// a flat text rendering.
type Generator struct {
	spec   config.EmbeddingSpec
	client embeddings.Client
	docs   *documents.Repository
	enc    *Encoder
	log    *slog.Logger
}

// NewGenerator creates a generator. The documents repository feeds
// cross-document context; a nil repository disables that tier.
func NewGenerator(spec config.EmbeddingSpec, client embeddings.Client, docs *documents.Repository, log *slog.Logger) *Generator {
	return &Generator{
		spec:   spec,
		client: client,
		docs:   docs,
		enc:    NewEncoder(spec.Encoding),
		log:    log.With(logger.Scope("embedding")),
	}
}

// Enabled reports whether vectors are generated at all.
func (g *Generator) Enabled() bool {
	return g.spec.Enabled
}

// EmbedElements packs a context window for every element with text and
// returns vectors keyed by element id. Returns nil when embedding is
// disabled.
func (g *Generator) EmbedElements(ctx context.Context, doc *documents.ParsedDocument) (map[string][]float32, error) {
	if !g.spec.Enabled || len(doc.Elements) == 0 {
		return nil, nil
	}

	tree := newDocTree(doc)
	budget := NewBudget(g.spec.MaxTokens, AdaptiveSplit(tree.shape))
	packer := NewPacker(budget, g.enc)

	var ids []string
	var texts []string
	truncated := 0
	for i := range doc.Elements {
		el := &doc.Elements[i]
		if el.FullText() == "" {
			continue
		}

		in := Input{
			Main:     el,
			Parents:  tree.parents(el),
			Siblings: tree.siblings(el),
			Children: tree.childrenOf(el),
		}
		crossDoc, err := g.crossDocCandidates(ctx, doc, el)
		if err != nil {
			return nil, err
		}
		in.CrossDoc = crossDoc

		packed := packer.Pack(in)
		if packed.MainTruncated {
			truncated++
		}
		ids = append(ids, el.ElementID)
		texts = append(texts, packed.Text)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	vecs, err := g.client.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d elements: %w", len(texts), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding elements: got %d vectors for %d contexts", len(vecs), len(texts))
	}

	out := make(map[string][]float32, len(ids))
	for i, id := range ids {
		out[id] = vecs[i]
	}
	g.log.Debug("elements embedded",
		slog.String("doc_id", doc.Document.DocID),
		slog.Int("count", len(ids)),
		slog.Int("truncated", truncated))
	return out, nil
}

// EmbedEntities returns one vector per target, aligned with the input.
// Returns nil when embedding is disabled.
func (g *Generator) EmbedEntities(ctx context.Context, targets []*entities.Entity) ([][]float32, error) {
	if !g.spec.Enabled || len(targets) == 0 {
		return nil, nil
	}
	texts := make([]string, len(targets))
	for i, e := range targets {
		texts[i] = EntityText(e)
	}
	vecs, err := g.client.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d entities: %w", len(targets), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding entities: got %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

// EntityText renders an entity for embedding: type, name, then
// attributes in stable key order.
func EntityText(e *entities.Entity) string {
	var sb strings.Builder
	sb.WriteString(e.EntityType)
	sb.WriteString(": ")
	sb.WriteString(e.Name)

	if len(e.Attributes) > 0 {
		keys := make([]string, 0, len(e.Attributes))
		for k := range e.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString("\n")
			sb.WriteString(k)
			sb.WriteString(": ")
			fmt.Fprintf(&sb, "%v", e.Attributes[k])
		}
	}
	return sb.String()
}

// crossDocCandidates resolves the element's cross-document targets: the
// current parse's outgoing edges first, then edges persisted by earlier
// runs, capped at the configured limit.
func (g *Generator) crossDocCandidates(ctx context.Context, doc *documents.ParsedDocument, el *documents.Element) ([]Candidate, error) {
	limit := g.spec.CrossDocumentLimit
	if limit <= 0 || g.docs == nil {
		return nil, nil
	}

	seen := map[string]bool{}
	var targetIDs []string
	for i := range doc.Relationships {
		rel := &doc.Relationships[i]
		if rel.SourceID != el.ElementID || !rel.IsCrossDocument() {
			continue
		}
		if !seen[rel.TargetID] {
			seen[rel.TargetID] = true
			targetIDs = append(targetIDs, rel.TargetID)
		}
	}
	if len(targetIDs) < limit {
		persisted, err := g.docs.CrossDocumentTargets(ctx, el.ElementID, limit)
		if err != nil {
			return nil, err
		}
		for _, id := range persisted {
			if !seen[id] {
				seen[id] = true
				targetIDs = append(targetIDs, id)
			}
		}
	}
	if len(targetIDs) > limit {
		targetIDs = targetIDs[:limit]
	}
	if len(targetIDs) == 0 {
		return nil, nil
	}

	els, err := g.docs.GetElementsByIDs(ctx, targetIDs)
	if err != nil {
		return nil, err
	}
	cands := make([]Candidate, 0, len(els))
	for i := range els {
		cands = append(cands, Candidate{
			Element:  &els[i],
			Role:     RoleCrossDocument,
			Distance: i + 1,
		})
	}
	return cands, nil
}

// docTree indexes a parsed document for context assembly.
type docTree struct {
	byID     map[string]*documents.Element
	children map[string][]*documents.Element
	shape    DocumentShape
}

func newDocTree(doc *documents.ParsedDocument) *docTree {
	t := &docTree{
		byID:     make(map[string]*documents.Element, len(doc.Elements)),
		children: make(map[string][]*documents.Element),
	}
	for i := range doc.Elements {
		el := &doc.Elements[i]
		t.byID[el.ElementID] = el
		if el.ParentID != nil {
			t.children[*el.ParentID] = append(t.children[*el.ParentID], el)
		}
	}
	for _, kids := range t.children {
		sort.SliceStable(kids, func(i, j int) bool {
			return kids[i].ElementOrder < kids[j].ElementOrder
		})
	}

	t.shape.ElementCount = len(doc.Elements)
	for i := range doc.Elements {
		if d := t.depth(&doc.Elements[i]); d > t.shape.MaxDepth {
			t.shape.MaxDepth = d
		}
	}
	return t
}

func (t *docTree) depth(el *documents.Element) int {
	d := 0
	for el.ParentID != nil {
		parent, ok := t.byID[*el.ParentID]
		if !ok {
			break
		}
		el = parent
		d++
	}
	return d
}

// parents walks the ancestor chain, nearest first.
func (t *docTree) parents(el *documents.Element) []Candidate {
	var out []Candidate
	distance := 1
	for el.ParentID != nil {
		parent, ok := t.byID[*el.ParentID]
		if !ok {
			break
		}
		out = append(out, Candidate{Element: parent, Role: RoleParent, Distance: distance})
		el = parent
		distance++
	}
	return out
}

// siblings returns the nearest same-parent elements on both sides.
func (t *docTree) siblings(el *documents.Element) []Candidate {
	if el.ParentID == nil {
		return nil
	}
	peers := t.children[*el.ParentID]

	var out []Candidate
	preceding, following := 0, 0
	for _, peer := range peers {
		if peer.ElementID == el.ElementID {
			continue
		}
		if peer.ElementOrder < el.ElementOrder {
			out = append(out, Candidate{Element: peer, Role: RolePrecedingSibling, Distance: 1})
			preceding++
		} else {
			out = append(out, Candidate{Element: peer, Role: RoleFollowingSibling, Distance: 1})
			following++
		}
	}
	if preceding > maxSiblingCandidates || following > maxSiblingCandidates {
		out = trimSiblings(out, el.ElementOrder)
	}
	return out
}

// trimSiblings keeps the cap's worth of nearest siblings per side.
func trimSiblings(cands []Candidate, mainOrder int) []Candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		di := absInt(cands[i].Element.ElementOrder - mainOrder)
		dj := absInt(cands[j].Element.ElementOrder - mainOrder)
		return di < dj
	})
	var out []Candidate
	preceding, following := 0, 0
	for _, c := range cands {
		if c.Role == RolePrecedingSibling {
			if preceding == maxSiblingCandidates {
				continue
			}
			preceding++
		} else {
			if following == maxSiblingCandidates {
				continue
			}
			following++
		}
		out = append(out, c)
	}
	return out
}

// childrenOf returns direct children in element order.
func (t *docTree) childrenOf(el *documents.Element) []Candidate {
	kids := t.children[el.ElementID]
	var out []Candidate
	for i, kid := range kids {
		if i == maxChildCandidates {
			break
		}
		out = append(out, Candidate{Element: kid, Role: RoleChild, Distance: 1})
	}
	return out
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
