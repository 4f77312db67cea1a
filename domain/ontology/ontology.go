// Package ontology loads declarative extraction ontologies and turns
// parsed documents into entity and relationship drafts.
package ontology

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/docmesh/docmesh/domain/documents"
)

// Extraction rule types. Unknown types are rejected at load time.
const (
	RuleRegexPattern       = "regex_pattern"
	RuleKeywordMatch       = "keyword_match"
	RuleMetadataField      = "metadata_field"
	RuleSemanticSimilarity = "semantic_similarity"
)

// Co-occurrence predicates for relationship rules.
const (
	CoOccurSameDocument    = "same_document"
	CoOccurSameSection     = "same_section"
	CoOccurWithinNElements = "within_n_elements"
)

// Default rule confidences, applied when the YAML leaves confidence
// unset. Semantic rules have no default: their confidence is the
// measured similarity.
const (
	defaultRegexConfidence    = 0.9
	defaultKeywordConfidence  = 0.75
	defaultMetadataConfidence = 1.0
	defaultSemanticThreshold  = 0.8
)

// Ontology is one declarative extraction document. Terms feed semantic
// classification, mappings produce entities from elements, and
// relationship rules connect the extracted entities.
type Ontology struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Domain  string `yaml:"domain"`

	Terms             []Term             `yaml:"terms"`
	Mappings          []EntityMapping    `yaml:"element_entity_mappings"`
	RelationshipRules []RelationshipRule `yaml:"entity_relationship_rules"`
}

// Term is a vocabulary item semantic rules classify against.
type Term struct {
	ID          string   `yaml:"id"`
	Label       string   `yaml:"label"`
	Synonyms    []string `yaml:"synonyms,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// EmbeddingText renders the term for embedding: label, synonyms and
// description joined so the vector covers the whole vocabulary entry.
func (t *Term) EmbeddingText() string {
	parts := make([]string, 0, len(t.Synonyms)+2)
	parts = append(parts, t.Label)
	parts = append(parts, t.Synonyms...)
	if t.Description != "" {
		parts = append(parts, t.Description)
	}
	return strings.Join(parts, ". ")
}

// EntityMapping declares how one entity type is extracted. An empty
// ElementTypes list applies the rules to every element type.
type EntityMapping struct {
	EntityType   string           `yaml:"entity_type"`
	ElementTypes []string         `yaml:"element_types,omitempty"`
	Rules        []ExtractionRule `yaml:"extraction_rules"`
}

// AppliesTo reports whether the mapping's rules run against the given
// element type.
func (m *EntityMapping) AppliesTo(elementType string) bool {
	if len(m.ElementTypes) == 0 {
		return true
	}
	for _, t := range m.ElementTypes {
		if t == elementType {
			return true
		}
	}
	return false
}

// ExtractionRule is one way to derive entity candidates from an
// element. Type selects which of the remaining fields apply.
type ExtractionRule struct {
	Type string `yaml:"type"`

	// regex_pattern: capture group 1 (or the whole match) becomes the
	// entity name; named groups become attributes.
	Pattern string `yaml:"pattern,omitempty"`

	// keyword_match: case-insensitive whole-word search; the declared
	// keyword is the canonical entity name.
	Keywords []string `yaml:"keywords,omitempty"`

	// metadata_field: dotted path into element metadata; string values
	// (or lists of strings) become entity names.
	FieldPath string `yaml:"field_path,omitempty"`

	// semantic_similarity: cosine similarity between the element
	// embedding and the term embedding must reach Threshold.
	TermID    string  `yaml:"term_id,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`

	Confidence float64 `yaml:"confidence,omitempty"`

	// Compiled forms, populated during validation.
	re        *regexp.Regexp
	keywordRe *regexp.Regexp
	canonical map[string]string
}

// RelationshipRule connects two extracted entity types when their
// mentions satisfy the co-occurrence predicate. The emitted confidence
// is min(source confidence, target confidence); the rule fires only
// when that reaches ConfidenceThreshold.
type RelationshipRule struct {
	SourceEntityType    string  `yaml:"source_entity_type"`
	TargetEntityType    string  `yaml:"target_entity_type"`
	RelationshipType    string  `yaml:"relationship_type"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold,omitempty"`

	// CoOccurrence defaults to same_document. within_n_elements also
	// requires WithinN.
	CoOccurrence string `yaml:"co_occurrence,omitempty"`
	WithinN      int    `yaml:"within_n,omitempty"`
}

// Term returns the declared term with the given id, or nil.
func (o *Ontology) Term(id string) *Term {
	for i := range o.Terms {
		if o.Terms[i].ID == id {
			return &o.Terms[i]
		}
	}
	return nil
}

// knownElementTypes mirrors the parser element tag set so ontology
// typos fail at load instead of silently matching nothing.
var knownElementTypes = map[string]bool{
	documents.ElementRoot:      true,
	documents.ElementBody:      true,
	documents.ElementHeader:    true,
	documents.ElementParagraph: true,
	documents.ElementList:      true,
	documents.ElementListItem:  true,
	documents.ElementTable:     true,
	documents.ElementTableRow:  true,
	documents.ElementTableCell: true,
	documents.ElementCodeBlock: true,
	documents.ElementTextBlock: true,
	documents.ElementImage:     true,
	documents.ElementFootnote:  true,
	documents.ElementComment:   true,
}

// LoadAll expands each configured path as a glob and loads every match.
// A pattern that matches nothing is an error so a mistyped path cannot
// silently disable extraction.
func LoadAll(paths []string) ([]*Ontology, error) {
	var out []*Ontology
	for _, pattern := range paths {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("ontology path %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("ontology path %q matched no files", pattern)
		}
		sort.Strings(matches)
		for _, path := range matches {
			ont, err := LoadOntology(path)
			if err != nil {
				return nil, err
			}
			out = append(out, ont)
		}
	}
	return out, nil
}

// LoadOntology reads, strictly decodes, defaults, and validates one
// ontology file.
func LoadOntology(path string) (*Ontology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ontology: %w", err)
	}
	ont, err := ParseOntology(data)
	if err != nil {
		return nil, fmt.Errorf("ontology %s: %w", path, err)
	}
	return ont, nil
}

// ParseOntology decodes an ontology from raw YAML bytes. Unknown keys
// are an error, matching the run config loader.
func ParseOntology(data []byte) (*Ontology, error) {
	ont := &Ontology{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(ont); err != nil {
		return nil, fmt.Errorf("parsing ontology: %w", err)
	}
	ont.applyDefaults()
	if err := ont.Validate(); err != nil {
		return nil, err
	}
	return ont, nil
}

func (o *Ontology) applyDefaults() {
	for i := range o.Terms {
		if o.Terms[i].Label == "" {
			o.Terms[i].Label = o.Terms[i].ID
		}
	}
	for i := range o.Mappings {
		for j := range o.Mappings[i].Rules {
			r := &o.Mappings[i].Rules[j]
			if r.Confidence == 0 {
				switch r.Type {
				case RuleRegexPattern:
					r.Confidence = defaultRegexConfidence
				case RuleKeywordMatch:
					r.Confidence = defaultKeywordConfidence
				case RuleMetadataField:
					r.Confidence = defaultMetadataConfidence
				}
			}
			if r.Type == RuleSemanticSimilarity && r.Threshold == 0 {
				r.Threshold = defaultSemanticThreshold
			}
		}
	}
	for i := range o.RelationshipRules {
		if o.RelationshipRules[i].CoOccurrence == "" {
			o.RelationshipRules[i].CoOccurrence = CoOccurSameDocument
		}
	}
}

// Validate checks the ontology and compiles rule patterns. It is called
// by ParseOntology but exported for ontologies built in code.
func (o *Ontology) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("ontology name is required")
	}

	termIDs := make(map[string]bool, len(o.Terms))
	for i := range o.Terms {
		t := &o.Terms[i]
		if t.ID == "" {
			return fmt.Errorf("terms[%d]: id is required", i)
		}
		if termIDs[t.ID] {
			return fmt.Errorf("terms[%d]: duplicate term id %q", i, t.ID)
		}
		termIDs[t.ID] = true
	}

	entityTypes := make(map[string]bool, len(o.Mappings))
	for i := range o.Mappings {
		m := &o.Mappings[i]
		if m.EntityType == "" {
			return fmt.Errorf("element_entity_mappings[%d]: entity_type is required", i)
		}
		if entityTypes[m.EntityType] {
			return fmt.Errorf("element_entity_mappings[%d]: duplicate entity_type %q", i, m.EntityType)
		}
		entityTypes[m.EntityType] = true

		for _, et := range m.ElementTypes {
			if !knownElementTypes[et] {
				return fmt.Errorf("mapping %q: unknown element type %q", m.EntityType, et)
			}
		}
		if len(m.Rules) == 0 {
			return fmt.Errorf("mapping %q: at least one extraction rule is required", m.EntityType)
		}
		for j := range m.Rules {
			if err := o.validateRule(&m.Rules[j], termIDs); err != nil {
				return fmt.Errorf("mapping %q, rule %d: %w", m.EntityType, j, err)
			}
		}
	}

	for i := range o.RelationshipRules {
		r := &o.RelationshipRules[i]
		if r.SourceEntityType == "" || r.TargetEntityType == "" || r.RelationshipType == "" {
			return fmt.Errorf("entity_relationship_rules[%d]: source_entity_type, target_entity_type and relationship_type are required", i)
		}
		if !entityTypes[r.SourceEntityType] {
			return fmt.Errorf("entity_relationship_rules[%d]: source_entity_type %q has no mapping", i, r.SourceEntityType)
		}
		if !entityTypes[r.TargetEntityType] {
			return fmt.Errorf("entity_relationship_rules[%d]: target_entity_type %q has no mapping", i, r.TargetEntityType)
		}
		if r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 1 {
			return fmt.Errorf("entity_relationship_rules[%d]: confidence_threshold must be within [0,1]", i)
		}
		switch r.CoOccurrence {
		case CoOccurSameDocument, CoOccurSameSection:
			if r.WithinN != 0 {
				return fmt.Errorf("entity_relationship_rules[%d]: within_n requires co_occurrence %q", i, CoOccurWithinNElements)
			}
		case CoOccurWithinNElements:
			if r.WithinN < 1 {
				return fmt.Errorf("entity_relationship_rules[%d]: within_n must be >= 1", i)
			}
		default:
			return fmt.Errorf("entity_relationship_rules[%d]: unknown co_occurrence %q", i, r.CoOccurrence)
		}
	}
	return nil
}

func (o *Ontology) validateRule(r *ExtractionRule, termIDs map[string]bool) error {
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence must be within [0,1]")
	}
	switch r.Type {
	case RuleRegexPattern:
		if r.Pattern == "" {
			return fmt.Errorf("regex_pattern requires pattern")
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
		r.re = re
	case RuleKeywordMatch:
		if len(r.Keywords) == 0 {
			return fmt.Errorf("keyword_match requires keywords")
		}
		quoted := make([]string, 0, len(r.Keywords))
		r.canonical = make(map[string]string, len(r.Keywords))
		for _, k := range r.Keywords {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("keyword_match keywords must be non-empty")
			}
			quoted = append(quoted, regexp.QuoteMeta(k))
			r.canonical[strings.ToLower(k)] = k
		}
		re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
		if err != nil {
			return fmt.Errorf("invalid keywords: %w", err)
		}
		r.keywordRe = re
	case RuleMetadataField:
		if r.FieldPath == "" {
			return fmt.Errorf("metadata_field requires field_path")
		}
	case RuleSemanticSimilarity:
		if r.TermID == "" {
			return fmt.Errorf("semantic_similarity requires term_id")
		}
		if !termIDs[r.TermID] {
			return fmt.Errorf("term_id %q is not declared", r.TermID)
		}
		if r.Threshold <= 0 || r.Threshold > 1 {
			return fmt.Errorf("threshold must be within (0,1]")
		}
	default:
		return fmt.Errorf("unknown type %q", r.Type)
	}
	return nil
}
