package ontology

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/docmesh/docmesh/domain/documents"
	"github.com/docmesh/docmesh/domain/entities"
	"github.com/docmesh/docmesh/pkg/embeddings"
	"github.com/docmesh/docmesh/pkg/logger"
)

// Extraction is the extractor's complete output for one document.
type Extraction struct {
	Drafts        []entities.Draft
	Relationships []entities.RelationshipDraft
}

// Extractor runs every loaded ontology against parsed documents. A nil
// embedder disables semantic_similarity rules; everything else still
// runs.
type Extractor struct {
	ontologies []*Ontology
	embedder   embeddings.Client
	log        *slog.Logger

	mu        sync.Mutex
	termCache map[string][]float32
}

// NewExtractor creates an extractor over the loaded ontologies.
func NewExtractor(ontologies []*Ontology, embedder embeddings.Client, log *slog.Logger) *Extractor {
	return &Extractor{
		ontologies: ontologies,
		embedder:   embedder,
		log:        log.With(logger.Scope("ontology")),
		termCache:  make(map[string][]float32),
	}
}

// candidate is one (name, attributes) pair produced by a rule before
// identity normalization.
type candidate struct {
	name       string
	attrs      map[string]any
	confidence float64
}

// ExtractDocument runs every applicable rule against every element, in
// declaration order, and derives entity relationships from the
// co-occurrence rules. Drafts are deduplicated on entity id; mentions
// accumulate across elements.
func (x *Extractor) ExtractDocument(ctx context.Context, doc *documents.ParsedDocument) (*Extraction, error) {
	out := &Extraction{}
	if len(x.ontologies) == 0 || len(doc.Elements) == 0 {
		return out, nil
	}

	elemVecs, err := x.embedSemanticElements(ctx, doc)
	if err != nil {
		return nil, err
	}

	acc := newDraftAccumulator()
	for i := range doc.Elements {
		el := &doc.Elements[i]
		for _, ont := range x.ontologies {
			for mi := range ont.Mappings {
				m := &ont.Mappings[mi]
				if !m.AppliesTo(el.ElementType) {
					continue
				}
				for ri := range m.Rules {
					cands, err := x.evaluateRule(ctx, ont, &m.Rules[ri], el, elemVecs)
					if err != nil {
						return nil, err
					}
					for _, c := range cands {
						acc.add(ont, m.EntityType, c, el.ElementID, m.Rules[ri].Type)
					}
				}
			}
		}
	}

	out.Drafts = acc.drafts()
	out.Relationships = x.relationships(doc, out.Drafts)

	x.log.Debug("document extracted",
		slog.String("doc_id", doc.Document.DocID),
		slog.Int("entities", len(out.Drafts)),
		slog.Int("relationships", len(out.Relationships)))
	return out, nil
}

func (x *Extractor) evaluateRule(ctx context.Context, ont *Ontology, r *ExtractionRule, el *documents.Element, elemVecs map[string][]float32) ([]candidate, error) {
	switch r.Type {
	case RuleRegexPattern:
		return r.regexCandidates(el.FullText()), nil
	case RuleKeywordMatch:
		return r.keywordCandidates(el.FullText()), nil
	case RuleMetadataField:
		return r.metadataCandidates(el.Metadata), nil
	case RuleSemanticSimilarity:
		if x.embedder == nil {
			return nil, nil
		}
		vec, ok := elemVecs[el.ElementID]
		if !ok {
			return nil, nil
		}
		term := ont.Term(r.TermID)
		termVec, err := x.termEmbedding(ctx, ont, term)
		if err != nil {
			return nil, err
		}
		sim := embeddings.CosineSimilarity(vec, termVec)
		if sim < r.Threshold {
			return nil, nil
		}
		conf := sim
		if r.Confidence > 0 {
			conf = r.Confidence
		}
		return []candidate{{
			name:       term.Label,
			attrs:      map[string]any{"term_id": term.ID},
			confidence: conf,
		}}, nil
	}
	return nil, nil
}

// embedSemanticElements batches one embedding call for every element
// any semantic rule applies to. Returns nil when no semantic rule is in
// play or the embedder is absent.
func (x *Extractor) embedSemanticElements(ctx context.Context, doc *documents.ParsedDocument) (map[string][]float32, error) {
	if x.embedder == nil {
		if x.hasSemanticRules() {
			x.log.Debug("semantic rules skipped: embeddings disabled",
				slog.String("doc_id", doc.Document.DocID))
		}
		return nil, nil
	}

	var ids []string
	var texts []string
	for i := range doc.Elements {
		el := &doc.Elements[i]
		text := el.FullText()
		if text == "" || !x.semanticApplies(el.ElementType) {
			continue
		}
		ids = append(ids, el.ElementID)
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	vecs, err := x.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding elements for semantic rules: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding elements for semantic rules: got %d vectors for %d texts", len(vecs), len(texts))
	}
	out := make(map[string][]float32, len(ids))
	for i, id := range ids {
		out[id] = vecs[i]
	}
	return out, nil
}

func (x *Extractor) hasSemanticRules() bool {
	for _, ont := range x.ontologies {
		for i := range ont.Mappings {
			for j := range ont.Mappings[i].Rules {
				if ont.Mappings[i].Rules[j].Type == RuleSemanticSimilarity {
					return true
				}
			}
		}
	}
	return false
}

func (x *Extractor) semanticApplies(elementType string) bool {
	for _, ont := range x.ontologies {
		for i := range ont.Mappings {
			m := &ont.Mappings[i]
			if !m.AppliesTo(elementType) {
				continue
			}
			for j := range m.Rules {
				if m.Rules[j].Type == RuleSemanticSimilarity {
					return true
				}
			}
		}
	}
	return false
}

// termEmbedding embeds a vocabulary term once per extractor lifetime.
func (x *Extractor) termEmbedding(ctx context.Context, ont *Ontology, term *Term) ([]float32, error) {
	key := ont.Name + "/" + term.ID
	x.mu.Lock()
	vec, ok := x.termCache[key]
	x.mu.Unlock()
	if ok {
		return vec, nil
	}

	vec, err := x.embedder.EmbedQuery(ctx, term.EmbeddingText())
	if err != nil {
		return nil, fmt.Errorf("embedding term %q: %w", term.ID, err)
	}
	x.mu.Lock()
	x.termCache[key] = vec
	x.mu.Unlock()
	return vec, nil
}

func (r *ExtractionRule) regexCandidates(text string) []candidate {
	if text == "" {
		return nil
	}
	matches := r.re.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	names := r.re.SubexpNames()
	out := make([]candidate, 0, len(matches))
	for _, m := range matches {
		name := m[0]
		if len(m) > 1 && m[1] != "" {
			name = m[1]
		}
		var attrs map[string]any
		for gi, gname := range names {
			if gi == 0 || gname == "" || gi >= len(m) || m[gi] == "" {
				continue
			}
			if attrs == nil {
				attrs = make(map[string]any)
			}
			attrs[gname] = m[gi]
		}
		out = append(out, candidate{name: name, attrs: attrs, confidence: r.Confidence})
	}
	return out
}

func (r *ExtractionRule) keywordCandidates(text string) []candidate {
	if text == "" {
		return nil
	}
	hits := r.keywordRe.FindAllString(text, -1)
	if len(hits) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(hits))
	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		canonical, ok := r.canonical[strings.ToLower(h)]
		if !ok || seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, candidate{name: canonical, confidence: r.Confidence})
	}
	return out
}

func (r *ExtractionRule) metadataCandidates(meta map[string]any) []candidate {
	v, ok := lookupPath(meta, r.FieldPath)
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []candidate{{name: val, confidence: r.Confidence}}
	case []string:
		out := make([]candidate, 0, len(val))
		for _, s := range val {
			if s != "" {
				out = append(out, candidate{name: s, confidence: r.Confidence})
			}
		}
		return out
	case []any:
		var out []candidate
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, candidate{name: s, confidence: r.Confidence})
			}
		}
		return out
	}
	return nil
}

// lookupPath walks a dotted path through nested string-keyed maps.
func lookupPath(meta map[string]any, path string) (any, bool) {
	var cur any = meta
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// draftAccumulator dedupes candidates on entity id while keeping
// first-seen order and accumulating mentions per element.
type draftAccumulator struct {
	order []string
	byID  map[string]*entities.Draft
	seen  map[string]bool
}

func newDraftAccumulator() *draftAccumulator {
	return &draftAccumulator{
		byID: make(map[string]*entities.Draft),
		seen: make(map[string]bool),
	}
}

func (a *draftAccumulator) add(ont *Ontology, entityType string, c candidate, elementID, rule string) {
	name := strings.TrimSpace(c.name)
	if name == "" || entities.Slug(name) == "" {
		return
	}
	id := entities.NormalizeEntityID(entityType, name)

	d, ok := a.byID[id]
	if !ok {
		d = &entities.Draft{
			EntityType: entityType,
			Name:       name,
			Domain:     ont.Domain,
			Attributes: c.attrs,
		}
		a.byID[id] = d
		a.order = append(a.order, id)
	} else if len(c.attrs) > 0 {
		// First rule to set an attribute wins; later rules only fill
		// gaps so declaration order stays meaningful.
		if d.Attributes == nil {
			d.Attributes = make(map[string]any, len(c.attrs))
		}
		for k, v := range c.attrs {
			if _, exists := d.Attributes[k]; !exists {
				d.Attributes[k] = v
			}
		}
	}

	mentionKey := id + "\x00" + elementID + "\x00" + rule
	if a.seen[mentionKey] {
		return
	}
	a.seen[mentionKey] = true
	d.Mentions = append(d.Mentions, entities.Mention{
		ElementID:  elementID,
		Confidence: c.confidence,
		Rule:       rule,
	})
}

func (a *draftAccumulator) drafts() []entities.Draft {
	out := make([]entities.Draft, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.byID[id])
	}
	return out
}

// relationships evaluates every relationship rule against every ordered
// pair of distinct extracted entities. The emitted confidence is
// min(source, target) over the entities' best mention confidences.
func (x *Extractor) relationships(doc *documents.ParsedDocument, drafts []entities.Draft) []entities.RelationshipDraft {
	if len(drafts) < 2 {
		return nil
	}

	positions := make(map[string]int, len(doc.Elements))
	for i := range doc.Elements {
		positions[doc.Elements[i].ElementID] = doc.Elements[i].DocumentPosition
	}
	anchors := sectionAnchors(doc)

	var out []entities.RelationshipDraft
	index := make(map[string]int)
	for _, ont := range x.ontologies {
		for ri := range ont.RelationshipRules {
			rule := &ont.RelationshipRules[ri]
			for i := range drafts {
				src := &drafts[i]
				if src.EntityType != rule.SourceEntityType {
					continue
				}
				for j := range drafts {
					dst := &drafts[j]
					if i == j || dst.EntityType != rule.TargetEntityType {
						continue
					}
					if !coOccur(rule, src, dst, positions, anchors) {
						continue
					}
					conf := min(bestConfidence(src), bestConfidence(dst))
					if conf < rule.ConfidenceThreshold {
						continue
					}
					key := src.EntityID() + "\x00" + dst.EntityID() + "\x00" + rule.RelationshipType
					if at, ok := index[key]; ok {
						if conf > out[at].Confidence {
							out[at].Confidence = conf
						}
						continue
					}
					index[key] = len(out)
					out = append(out, entities.RelationshipDraft{
						SourceEntityID: src.EntityID(),
						TargetEntityID: dst.EntityID(),
						Type:           rule.RelationshipType,
						Confidence:     conf,
					})
				}
			}
		}
	}
	return out
}

func bestConfidence(d *entities.Draft) float64 {
	best := 0.0
	for _, m := range d.Mentions {
		if m.Confidence > best {
			best = m.Confidence
		}
	}
	return best
}

// coOccur reports whether any mention pair of the two drafts satisfies
// the rule's predicate.
func coOccur(rule *RelationshipRule, src, dst *entities.Draft, positions map[string]int, anchors map[string]string) bool {
	switch rule.CoOccurrence {
	case CoOccurSameDocument:
		return true
	case CoOccurSameSection:
		for _, a := range src.Mentions {
			for _, b := range dst.Mentions {
				if anchors[a.ElementID] != "" && anchors[a.ElementID] == anchors[b.ElementID] {
					return true
				}
			}
		}
	case CoOccurWithinNElements:
		for _, a := range src.Mentions {
			pa, ok := positions[a.ElementID]
			if !ok {
				continue
			}
			for _, b := range dst.Mentions {
				pb, ok := positions[b.ElementID]
				if !ok {
					continue
				}
				d := pa - pb
				if d < 0 {
					d = -d
				}
				if d <= rule.WithinN {
					return true
				}
			}
		}
	}
	return false
}

// sectionAnchors maps each element to its nearest header ancestor (or
// itself for headers, or the root when no header encloses it).
func sectionAnchors(doc *documents.ParsedDocument) map[string]string {
	byID := make(map[string]*documents.Element, len(doc.Elements))
	for i := range doc.Elements {
		byID[doc.Elements[i].ElementID] = &doc.Elements[i]
	}

	anchors := make(map[string]string, len(doc.Elements))
	var resolve func(el *documents.Element) string
	resolve = func(el *documents.Element) string {
		if a, ok := anchors[el.ElementID]; ok {
			return a
		}
		var a string
		switch {
		case el.ElementType == documents.ElementHeader:
			a = el.ElementID
		case el.ParentID == nil:
			a = el.ElementID
		default:
			parent, ok := byID[*el.ParentID]
			if !ok {
				a = el.ElementID
			} else {
				a = resolve(parent)
			}
		}
		anchors[el.ElementID] = a
		return a
	}
	for i := range doc.Elements {
		resolve(&doc.Elements[i])
	}
	return anchors
}
