package ontology

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh/docmesh/domain/documents"
	"github.com/docmesh/docmesh/domain/entities"
)

const validOntology = `
name: infra
version: "1"
domain: infrastructure
terms:
  - id: datastore
    synonyms: [database, db]
    description: A system that stores persistent state.
element_entity_mappings:
  - entity_type: Service
    element_types: [paragraph, header]
    extraction_rules:
      - type: regex_pattern
        pattern: 'service\s+(?P<name>[a-z][a-z0-9-]*)'
      - type: keyword_match
        keywords: [gateway, scheduler]
  - entity_type: Database
    extraction_rules:
      - type: metadata_field
        field_path: labels.database
      - type: semantic_similarity
        term_id: datastore
entity_relationship_rules:
  - source_entity_type: Service
    target_entity_type: Database
    relationship_type: DEPENDS_ON
    confidence_threshold: 0.5
`

func TestParseOntologyDefaults(t *testing.T) {
	ont, err := ParseOntology([]byte(validOntology))
	require.NoError(t, err)

	assert.Equal(t, "infra", ont.Name)
	assert.Equal(t, "infrastructure", ont.Domain)

	// Label falls back to the term id.
	require.Len(t, ont.Terms, 1)
	assert.Equal(t, "datastore", ont.Terms[0].Label)
	assert.Equal(t, "datastore. database. db. A system that stores persistent state.",
		ont.Terms[0].EmbeddingText())

	svc := ont.Mappings[0]
	assert.InDelta(t, 0.9, svc.Rules[0].Confidence, 1e-9)
	assert.InDelta(t, 0.75, svc.Rules[1].Confidence, 1e-9)

	db := ont.Mappings[1]
	assert.InDelta(t, 1.0, db.Rules[0].Confidence, 1e-9)
	assert.Zero(t, db.Rules[1].Confidence)
	assert.InDelta(t, 0.8, db.Rules[1].Threshold, 1e-9)

	assert.Equal(t, CoOccurSameDocument, ont.RelationshipRules[0].CoOccurrence)

	assert.True(t, svc.AppliesTo(documents.ElementParagraph))
	assert.False(t, svc.AppliesTo(documents.ElementCodeBlock))
	assert.True(t, db.AppliesTo(documents.ElementCodeBlock))
}

func TestParseOntologyRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    `domain: x`,
			wantErr: "name is required",
		},
		{
			name: "unknown top-level key",
			yaml: `
name: x
rules: []
`,
			wantErr: "field rules not found",
		},
		{
			name: "unknown rule type",
			yaml: `
name: x
element_entity_mappings:
  - entity_type: T
    extraction_rules:
      - type: llm_prompt
`,
			wantErr: `unknown type "llm_prompt"`,
		},
		{
			name: "invalid regex",
			yaml: `
name: x
element_entity_mappings:
  - entity_type: T
    extraction_rules:
      - type: regex_pattern
        pattern: "([unclosed"
`,
			wantErr: "invalid pattern",
		},
		{
			name: "confidence out of range",
			yaml: `
name: x
element_entity_mappings:
  - entity_type: T
    extraction_rules:
      - type: keyword_match
        keywords: [a]
        confidence: 1.5
`,
			wantErr: "confidence must be within [0,1]",
		},
		{
			name: "undeclared term",
			yaml: `
name: x
element_entity_mappings:
  - entity_type: T
    extraction_rules:
      - type: semantic_similarity
        term_id: ghost
`,
			wantErr: `term_id "ghost" is not declared`,
		},
		{
			name: "duplicate entity types",
			yaml: `
name: x
element_entity_mappings:
  - entity_type: T
    extraction_rules:
      - {type: keyword_match, keywords: [a]}
  - entity_type: T
    extraction_rules:
      - {type: keyword_match, keywords: [b]}
`,
			wantErr: `duplicate entity_type "T"`,
		},
		{
			name: "duplicate term ids",
			yaml: `
name: x
terms:
  - id: a
  - id: a
`,
			wantErr: `duplicate term id "a"`,
		},
		{
			name: "unknown element type",
			yaml: `
name: x
element_entity_mappings:
  - entity_type: T
    element_types: [pargraph]
    extraction_rules:
      - {type: keyword_match, keywords: [a]}
`,
			wantErr: `unknown element type "pargraph"`,
		},
		{
			name: "mapping without rules",
			yaml: `
name: x
element_entity_mappings:
  - entity_type: T
`,
			wantErr: "at least one extraction rule",
		},
		{
			name: "metadata rule without path",
			yaml: `
name: x
element_entity_mappings:
  - entity_type: T
    extraction_rules:
      - type: metadata_field
`,
			wantErr: "requires field_path",
		},
		{
			name: "relationship rule to unmapped type",
			yaml: `
name: x
element_entity_mappings:
  - entity_type: T
    extraction_rules:
      - {type: keyword_match, keywords: [a]}
entity_relationship_rules:
  - source_entity_type: T
    target_entity_type: Ghost
    relationship_type: USES
`,
			wantErr: `target_entity_type "Ghost" has no mapping`,
		},
		{
			name: "unknown co_occurrence",
			yaml: `
name: x
element_entity_mappings:
  - entity_type: T
    extraction_rules:
      - {type: keyword_match, keywords: [a]}
entity_relationship_rules:
  - source_entity_type: T
    target_entity_type: T
    relationship_type: USES
    co_occurrence: same_page
`,
			wantErr: `unknown co_occurrence "same_page"`,
		},
		{
			name: "within_n without predicate",
			yaml: `
name: x
element_entity_mappings:
  - entity_type: T
    extraction_rules:
      - {type: keyword_match, keywords: [a]}
entity_relationship_rules:
  - source_entity_type: T
    target_entity_type: T
    relationship_type: USES
    within_n: 3
`,
			wantErr: "within_n requires co_occurrence",
		},
		{
			name: "within_n_elements without distance",
			yaml: `
name: x
element_entity_mappings:
  - entity_type: T
    extraction_rules:
      - {type: keyword_match, keywords: [a]}
entity_relationship_rules:
  - source_entity_type: T
    target_entity_type: T
    relationship_type: USES
    co_occurrence: within_n_elements
`,
			wantErr: "within_n must be >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOntology([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadAllExpandsGlobs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yaml"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`
name: `+name+`
element_entity_mappings:
  - entity_type: T
    extraction_rules:
      - {type: keyword_match, keywords: [x]}
`), 0o644))
	}

	onts, err := LoadAll([]string{filepath.Join(dir, "*.yaml")})
	require.NoError(t, err)
	require.Len(t, onts, 2)
	assert.Equal(t, "a.yaml", onts[0].Name)
	assert.Equal(t, "b.yaml", onts[1].Name)

	_, err = LoadAll([]string{filepath.Join(dir, "missing-*.yaml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matched no files")
}

// testDoc builds a two-section document:
//
//	#0000 root
//	#0001 header "Gateway"       (section 1)
//	#0002 paragraph              (section 1)
//	#0003 header "Storage"       (section 2)
//	#0004 paragraph              (section 2)
func testDoc(texts map[string]string, metadata map[string]map[string]any) *documents.ParsedDocument {
	root := "doc-1#0000"
	h1 := "doc-1#0001"
	h2 := "doc-1#0003"

	mk := func(id string, parent *string, typ string, order, pos int) documents.Element {
		return documents.Element{
			ElementID:        id,
			DocID:            "doc-1",
			ParentID:         parent,
			ElementType:      typ,
			Text:             texts[id],
			Metadata:         metadata[id],
			ElementOrder:     order,
			DocumentPosition: pos,
		}
	}

	return &documents.ParsedDocument{
		Document: &documents.Document{DocID: "doc-1", DocType: "markdown", Source: "docs"},
		Elements: []documents.Element{
			mk(root, nil, documents.ElementRoot, 0, 0),
			mk(h1, &root, documents.ElementHeader, 0, 1),
			mk("doc-1#0002", &h1, documents.ElementParagraph, 0, 2),
			mk(h2, &root, documents.ElementHeader, 1, 3),
			mk("doc-1#0004", &h2, documents.ElementParagraph, 0, 4),
		},
	}
}

func testExtractor(t *testing.T, yaml string, embedder *stubEmbedder) *Extractor {
	t.Helper()
	ont, err := ParseOntology([]byte(yaml))
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if embedder == nil {
		return NewExtractor([]*Ontology{ont}, nil, log)
	}
	return NewExtractor([]*Ontology{ont}, embedder, log)
}

func TestExtractRegexAndKeywords(t *testing.T) {
	x := testExtractor(t, `
name: infra
domain: infrastructure
element_entity_mappings:
  - entity_type: Service
    element_types: [paragraph]
    extraction_rules:
      - type: regex_pattern
        pattern: 'service\s+(?P<name>[a-z][a-z0-9-]*)(?:\s+on port\s+(?P<port>\d+))?'
      - type: keyword_match
        keywords: [scheduler]
`, nil)

	doc := testDoc(map[string]string{
		"doc-1#0002": "The service billing on port 8080 talks to service billing daily.",
		"doc-1#0004": "A scheduler drains the queue. The Scheduler restarts nightly.",
	}, nil)

	got, err := x.ExtractDocument(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, got.Drafts, 2)

	billing := got.Drafts[0]
	assert.Equal(t, "Service", billing.EntityType)
	assert.Equal(t, "billing", billing.Name)
	assert.Equal(t, "infrastructure", billing.Domain)
	assert.Equal(t, "service:billing", billing.EntityID())
	// Named groups become attributes; the first match's values win.
	assert.Equal(t, map[string]any{"name": "billing", "port": "8080"}, billing.Attributes)
	// Two regex hits in one element fold into a single mention.
	require.Len(t, billing.Mentions, 1)
	assert.Equal(t, "doc-1#0002", billing.Mentions[0].ElementID)
	assert.Equal(t, RuleRegexPattern, billing.Mentions[0].Rule)
	assert.InDelta(t, 0.9, billing.Mentions[0].Confidence, 1e-9)

	sched := got.Drafts[1]
	assert.Equal(t, "scheduler", sched.Name)
	require.Len(t, sched.Mentions, 1)
	assert.InDelta(t, 0.75, sched.Mentions[0].Confidence, 1e-9)
}

func TestExtractSkipsNonMatchingElementTypes(t *testing.T) {
	x := testExtractor(t, `
name: infra
element_entity_mappings:
  - entity_type: Service
    element_types: [header]
    extraction_rules:
      - type: keyword_match
        keywords: [gateway]
`, nil)

	doc := testDoc(map[string]string{
		"doc-1#0001": "Gateway",
		"doc-1#0002": "The gateway fronts everything.",
	}, nil)

	got, err := x.ExtractDocument(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, got.Drafts, 1)
	require.Len(t, got.Drafts[0].Mentions, 1)
	assert.Equal(t, "doc-1#0001", got.Drafts[0].Mentions[0].ElementID)
}

func TestExtractMetadataField(t *testing.T) {
	x := testExtractor(t, `
name: infra
element_entity_mappings:
  - entity_type: Database
    extraction_rules:
      - type: metadata_field
        field_path: labels.databases
`, nil)

	doc := testDoc(nil, map[string]map[string]any{
		"doc-1#0004": {"labels": map[string]any{"databases": []any{"orders", "billing"}}},
	})

	got, err := x.ExtractDocument(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, got.Drafts, 2)
	assert.Equal(t, "database:orders", got.Drafts[0].EntityID())
	assert.Equal(t, "database:billing", got.Drafts[1].EntityID())
	assert.InDelta(t, 1.0, got.Drafts[0].Mentions[0].Confidence, 1e-9)
}

type stubEmbedder struct {
	queryVec []float32
	byText   map[string][]float32
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return s.queryVec, nil
}

func (s *stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = s.byText[text]
	}
	return out, nil
}

const semanticOntology = `
name: infra
terms:
  - id: datastore
    label: Datastore
element_entity_mappings:
  - entity_type: Database
    element_types: [paragraph]
    extraction_rules:
      - type: semantic_similarity
        term_id: datastore
        threshold: 0.8
`

func TestExtractSemanticSimilarity(t *testing.T) {
	embedder := &stubEmbedder{
		queryVec: []float32{1, 0},
		byText: map[string][]float32{
			"Postgres keeps the ledger.": {0.9, 0.1},
			"The mascot is a heron.":     {0, 1},
		},
	}
	x := testExtractor(t, semanticOntology, embedder)

	doc := testDoc(map[string]string{
		"doc-1#0002": "Postgres keeps the ledger.",
		"doc-1#0004": "The mascot is a heron.",
	}, nil)

	got, err := x.ExtractDocument(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, got.Drafts, 1)

	d := got.Drafts[0]
	assert.Equal(t, "database:datastore", d.EntityID())
	assert.Equal(t, "Datastore", d.Name)
	assert.Equal(t, map[string]any{"term_id": "datastore"}, d.Attributes)
	require.Len(t, d.Mentions, 1)
	// Confidence is the measured similarity, not a fixed value.
	assert.Greater(t, d.Mentions[0].Confidence, 0.8)
	assert.Less(t, d.Mentions[0].Confidence, 1.0)
}

func TestExtractSemanticSkippedWithoutEmbedder(t *testing.T) {
	x := testExtractor(t, semanticOntology, nil)

	doc := testDoc(map[string]string{"doc-1#0002": "Postgres keeps the ledger."}, nil)
	got, err := x.ExtractDocument(context.Background(), doc)
	require.NoError(t, err)
	assert.Empty(t, got.Drafts)
}

func TestRelationshipCoOccurrence(t *testing.T) {
	const yaml = `
name: infra
element_entity_mappings:
  - entity_type: Service
    extraction_rules:
      - type: keyword_match
        keywords: [gateway]
        confidence: 0.9
  - entity_type: Database
    extraction_rules:
      - type: keyword_match
        keywords: [postgres, redis]
        confidence: 0.7
entity_relationship_rules:
  - source_entity_type: Service
    target_entity_type: Database
    relationship_type: DEPENDS_ON
    co_occurrence: same_section
  - source_entity_type: Service
    target_entity_type: Database
    relationship_type: NEAR
    co_occurrence: within_n_elements
    within_n: 1
`
	x := testExtractor(t, yaml, nil)

	// gateway and postgres share section 1; redis sits in section 2,
	// two positions away from the gateway mention.
	doc := testDoc(map[string]string{
		"doc-1#0002": "The gateway reads from postgres.",
		"doc-1#0004": "Sessions live in redis.",
	}, nil)

	got, err := x.ExtractDocument(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, got.Drafts, 3)

	types := make(map[string]float64)
	for _, r := range got.Relationships {
		types[r.Type+" "+r.SourceEntityID+"->"+r.TargetEntityID] = r.Confidence
	}

	// same_section connects gateway to postgres only.
	require.Contains(t, types, "DEPENDS_ON service:gateway->database:postgres")
	assert.NotContains(t, types, "DEPENDS_ON service:gateway->database:redis")

	// within_n=1: postgres is in the same element (distance 0), redis
	// is two elements away.
	require.Contains(t, types, "NEAR service:gateway->database:postgres")
	assert.NotContains(t, types, "NEAR service:gateway->database:redis")

	// Combined confidence is min(source, target).
	assert.InDelta(t, 0.7, types["DEPENDS_ON service:gateway->database:postgres"], 1e-9)
}

func TestRelationshipConfidenceGate(t *testing.T) {
	const yaml = `
name: infra
element_entity_mappings:
  - entity_type: Service
    extraction_rules:
      - type: keyword_match
        keywords: [gateway]
        confidence: 0.9
  - entity_type: Database
    extraction_rules:
      - type: keyword_match
        keywords: [postgres]
        confidence: 0.4
entity_relationship_rules:
  - source_entity_type: Service
    target_entity_type: Database
    relationship_type: DEPENDS_ON
    confidence_threshold: 0.5
`
	x := testExtractor(t, yaml, nil)

	doc := testDoc(map[string]string{
		"doc-1#0002": "The gateway reads from postgres.",
	}, nil)

	got, err := x.ExtractDocument(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, got.Drafts, 2)
	// min(0.9, 0.4) = 0.4 < 0.5 threshold.
	assert.Empty(t, got.Relationships)
}

func TestExtractAccumulatesMentionsAcrossElements(t *testing.T) {
	x := testExtractor(t, `
name: infra
element_entity_mappings:
  - entity_type: Service
    extraction_rules:
      - type: keyword_match
        keywords: [gateway]
`, nil)

	doc := testDoc(map[string]string{
		"doc-1#0002": "The gateway terminates TLS.",
		"doc-1#0004": "The gateway also rate-limits.",
	}, nil)

	got, err := x.ExtractDocument(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, got.Drafts, 1)
	require.Len(t, got.Drafts[0].Mentions, 2)

	var ids []string
	for _, m := range got.Drafts[0].Mentions {
		ids = append(ids, m.ElementID)
	}
	assert.ElementsMatch(t, []string{"doc-1#0002", "doc-1#0004"}, ids)
}

func TestDraftEntityIDsNormalize(t *testing.T) {
	x := testExtractor(t, `
name: infra
element_entity_mappings:
  - entity_type: Service
    extraction_rules:
      - type: regex_pattern
        pattern: 'service\s+([A-Z][a-z]+(?: [A-Z][a-z]+)*)'
`, nil)

	doc := testDoc(map[string]string{
		"doc-1#0002": "Ask service Billing Gateway about invoices.",
	}, nil)

	got, err := x.ExtractDocument(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, got.Drafts, 1)
	assert.Equal(t, "Billing Gateway", got.Drafts[0].Name)
	assert.Equal(t, entities.NormalizeEntityID("Service", "Billing Gateway"), got.Drafts[0].EntityID())
	assert.Equal(t, "service:billing-gateway", got.Drafts[0].EntityID())
}
