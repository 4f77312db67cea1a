package processor

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/docmesh/docmesh/domain/documents"
	"github.com/docmesh/docmesh/domain/embedding"
	"github.com/docmesh/docmesh/domain/entities"
	"github.com/docmesh/docmesh/domain/ontology"
	"github.com/docmesh/docmesh/domain/parsers"
	"github.com/docmesh/docmesh/domain/queue"
	"github.com/docmesh/docmesh/domain/runs"
	"github.com/docmesh/docmesh/domain/sources"
	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/internal/testutil"
	"github.com/docmesh/docmesh/pkg/embeddings"
)

const guideV1 = `# Deploy Guide

The service stores all state in PostgreSQL.

See the [API notes](api.md) before rolling out.
`

const guideV2 = `# Deploy Guide

The service stores all state in PostgreSQL and caches sessions in Redis.

See the [API notes](api.md) before rolling out.
`

const apiDoc = `# API Notes

Rate limits live in Redis.

Back to the [deploy guide](guide.md).
`

const testOntology = `
name: test-infra
version: "1"
domain: test
element_entity_mappings:
  - entity_type: technology
    extraction_rules:
      - type: keyword_match
        keywords: [PostgreSQL, Redis]
`

// testRunConfig builds a config in code so tests control every knob.
// The similarity threshold is -1 because mock vectors are arbitrary:
// every neighbor qualifies, which is what the semantic tests want.
func testRunConfig(root string) *config.RunConfig {
	return &config.RunConfig{
		Storage: config.StorageSpec{Backend: "postgres", Schema: "public"},
		ContentSources: []config.SourceSpec{{
			Name:        "docs",
			Type:        config.SourceFilesystem,
			Root:        root,
			FollowLinks: true,
		}},
		Processing: config.ProcessingSpec{
			Mode:                     config.ModeSingle,
			Workers:                  2,
			MaxLinkDepth:             2,
			MinWorkers:               1,
			HeartbeatIntervalSeconds: 15,
			HeartbeatTimeoutSeconds:  90,
			MaxRetries:               3,
			RetryBaseSeconds:         1,
			RetryMaxSeconds:          5,
		},
		Embedding: config.EmbeddingSpec{
			Enabled:            true,
			Model:              "mock",
			MaxTokens:          512,
			Dimension:          768,
			Encoding:           config.EncodingBracket,
			CrossDocumentLimit: 2,
		},
		Relationships: config.RelationshipSpec{
			Enabled:      true,
			Threshold:    -1,
			MaxNeighbors: 2,
		},
		Domain: config.DomainSpec{Name: "test"},
	}
}

type ProcessorSuite struct {
	testutil.BaseSuite
	log      *slog.Logger
	root     string
	rc       *config.RunConfig
	registry *sources.Registry
	queue    *queue.Queue
	runs     *runs.Repository
	docs     *documents.Repository
	ents     *entities.Repository
	proc     *Processor
	runID    string
}

func TestProcessorSuite(t *testing.T) {
	testutil.SkipWithoutDatabase(t)
	suite.Run(t, &ProcessorSuite{BaseSuite: testutil.NewBaseSuite("processor")})
}

func (s *ProcessorSuite) SetupTest() {
	s.BaseSuite.SetupTest()
	s.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	s.root = s.T().TempDir()
	s.writeFile("guide.md", guideV1)
	s.writeFile("api.md", apiDoc)

	s.rc = testRunConfig(s.root)
	registry, err := sources.BuildRegistry(s.rc, &config.Config{}, s.log)
	s.Require().NoError(err)
	s.registry = registry

	s.queue = queue.NewQueue(s.DB(), queue.ConfigFromRun(s.rc), s.log)
	s.runs = runs.NewRepository(s.DB(), s.log)
	s.docs = documents.NewRepository(s.DB(), s.log)
	s.ents = entities.NewRepository(s.DB(), s.log)

	mock := embeddings.NewMockClient(s.rc.Embedding.Dimension)
	ont, err := ontology.ParseOntology([]byte(testOntology))
	s.Require().NoError(err)

	s.proc = NewProcessor(Params{
		RunConfig: s.rc,
		DB:        s.DB(),
		Sources:   s.registry,
		Parsers:   parsers.NewRegistry(),
		Queue:     s.queue,
		Documents: s.docs,
		Entities:  s.ents,
		Extractor: ontology.NewExtractor([]*ontology.Ontology{ont}, mock, s.log),
		Embedder:  embedding.NewGenerator(s.rc.Embedding, mock, s.docs, s.log),
		Semantic:  NewSemanticLinker(s.rc, s.docs, s.log),
		Logger:    s.log,
	})

	run, err := s.runs.EnsureRun(s.Ctx, runs.NewRunInfo(s.rc))
	s.Require().NoError(err)
	s.runID = run.RunID
}

func (s *ProcessorSuite) writeFile(rel, content string) {
	path := filepath.Join(s.root, rel)
	s.Require().NoError(os.MkdirAll(filepath.Dir(path), 0o755))
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o644))
}

// claim enqueues the document and claims it, asserting the claim
// returned that same document.
func (s *ProcessorSuite) claim(docID string) *queue.Entry {
	_, err := s.queue.Add(s.Ctx, queue.AddParams{RunID: s.runID, DocID: docID, SourceName: "docs"})
	s.Require().NoError(err)
	entry, err := s.queue.ClaimNext(s.Ctx, s.runID, "w-test")
	s.Require().NoError(err)
	s.Require().NotNil(entry)
	s.Require().Equal(docID, entry.DocID)
	return entry
}

// drainNext claims whatever is pending and marks it completed without
// processing, so a later claim returns the document under test.
func (s *ProcessorSuite) drainNext(docID string) {
	entry, err := s.queue.ClaimNext(s.Ctx, s.runID, "w-test")
	s.Require().NoError(err)
	s.Require().NotNil(entry)
	s.Require().Equal(docID, entry.DocID)
	s.Require().NoError(s.queue.MarkCompleted(s.Ctx, entry.QueueID))
}

func (s *ProcessorSuite) entryFor(docID string) *queue.Entry {
	entry := new(queue.Entry)
	err := s.DB().NewSelect().
		Model(entry).
		Where("run_id = ?", s.runID).
		Where("doc_id = ?", docID).
		Order("queue_id DESC").
		Limit(1).
		Scan(s.Ctx)
	s.Require().NoError(err)
	return entry
}

func (s *ProcessorSuite) TestProcessDocument() {
	entry := s.claim("docs:guide.md")

	result, err := s.proc.Process(s.Ctx, entry)
	s.Require().NoError(err)
	s.Equal(OutcomeProcessed, result.Outcome)
	s.Equal("docs:guide.md", result.DocID)
	s.Greater(result.Elements, 3)

	doc, err := s.docs.GetByID(s.Ctx, "docs:guide.md")
	s.Require().NoError(err)
	s.Require().NotNil(doc)
	s.Equal("markdown", doc.DocType)
	s.True(strings.HasPrefix(doc.Source, "file://"), doc.Source)
	s.NotNil(doc.LastIngestedAt)
	// Source metadata and parser metadata are merged onto the document.
	s.Equal("guide.md", doc.Metadata["path"])
	s.Equal("Deploy Guide", doc.Metadata["title"])

	elements, err := s.docs.ListElements(s.Ctx, "docs:guide.md")
	s.Require().NoError(err)
	s.Len(elements, result.Elements)

	// The keyword rule extracted one entity.
	s.Equal(1, result.Entities.Created)
	docEnts, err := s.ents.ListByDocument(s.Ctx, "docs:guide.md")
	s.Require().NoError(err)
	s.Require().Len(docEnts, 1)
	s.Equal("technology", docEnts[0].EntityType)
	s.Equal("PostgreSQL", docEnts[0].Name)

	// Element embeddings were written inside the same transaction.
	var embedded int
	s.Require().NoError(s.DB().NewRaw(
		"SELECT COUNT(*) FROM elements WHERE doc_id = ? AND embedding IS NOT NULL",
		"docs:guide.md").Scan(s.Ctx, &embedded))
	s.Greater(embedded, 0)

	// The api.md link was resolved and enqueued one level deeper.
	s.Equal(1, result.LinksQueued)
	api := s.entryFor("docs:api.md")
	s.Equal(queue.StatePending, api.State)
	s.Equal(1, api.LinkDepth())
}

func (s *ProcessorSuite) TestProcessUnchanged() {
	entry := s.claim("docs:guide.md")
	first, err := s.proc.Process(s.Ctx, entry)
	s.Require().NoError(err)
	s.Require().NoError(s.queue.MarkCompleted(s.Ctx, entry.QueueID))
	s.drainNext("docs:api.md")

	entry2 := s.claim("docs:guide.md")
	second, err := s.proc.Process(s.Ctx, entry2)
	s.Require().NoError(err)
	s.Equal(OutcomeUnchanged, second.Outcome)
	s.Zero(second.Elements)
	s.Zero(second.LinksQueued)

	// The stored graph is untouched.
	elements, err := s.docs.ListElements(s.Ctx, "docs:guide.md")
	s.Require().NoError(err)
	s.Len(elements, first.Elements)
}

func (s *ProcessorSuite) TestProcessChangedContent() {
	entry := s.claim("docs:guide.md")
	_, err := s.proc.Process(s.Ctx, entry)
	s.Require().NoError(err)
	s.Require().NoError(s.queue.MarkCompleted(s.Ctx, entry.QueueID))
	s.drainNext("docs:api.md")

	before, err := s.docs.GetByID(s.Ctx, "docs:guide.md")
	s.Require().NoError(err)

	s.writeFile("guide.md", guideV2)
	entry2 := s.claim("docs:guide.md")
	result, err := s.proc.Process(s.Ctx, entry2)
	s.Require().NoError(err)
	s.Equal(OutcomeProcessed, result.Outcome)

	// PostgreSQL survives untouched, Redis is new, nothing vanished.
	s.Equal(1, result.Entities.Preserved)
	s.Equal(1, result.Entities.Created)
	s.Zero(result.Entities.Deleted)

	// api.md was already seen this run, so rediscovery enqueues nothing.
	s.Zero(result.LinksQueued)

	after, err := s.docs.GetByID(s.Ctx, "docs:guide.md")
	s.Require().NoError(err)
	s.NotEqual(before.ContentHash, after.ContentHash)

	docEnts, err := s.ents.ListByDocument(s.Ctx, "docs:guide.md")
	s.Require().NoError(err)
	s.Len(docEnts, 2)
}

func (s *ProcessorSuite) TestProcessMissingDocumentIsPermanent() {
	entry := &queue.Entry{RunID: s.runID, DocID: "docs:ghost.md", SourceName: "docs"}

	result, err := s.proc.Process(s.Ctx, entry)
	s.Nil(result)
	s.Require().Error(err)
	s.ErrorIs(err, sources.ErrNotFound)
	s.True(IsPermanent(err))
}

func (s *ProcessorSuite) TestProcessUnknownSourceIsPermanent() {
	entry := &queue.Entry{RunID: s.runID, DocID: "ghost:x.md", SourceName: "ghost"}

	result, err := s.proc.Process(s.Ctx, entry)
	s.Nil(result)
	s.Require().Error(err)
	s.True(IsPermanent(err))
}

func (s *ProcessorSuite) TestLinkDepthBound() {
	entry := &queue.Entry{
		RunID:      s.runID,
		DocID:      "docs:guide.md",
		SourceName: "docs",
		Metadata:   map[string]any{queue.MetaLinkDepth: s.rc.Processing.MaxLinkDepth},
	}

	result, err := s.proc.Process(s.Ctx, entry)
	s.Require().NoError(err)
	s.Zero(result.LinksQueued)

	counts, err := s.queue.Status(s.Ctx, s.runID)
	s.Require().NoError(err)
	s.Zero(counts.Pending, "nothing may be enqueued past max_link_depth")
}

func (s *ProcessorSuite) TestSemanticEdges() {
	entry := s.claim("docs:guide.md")
	first, err := s.proc.Process(s.Ctx, entry)
	s.Require().NoError(err)
	s.Require().NoError(s.queue.MarkCompleted(s.Ctx, entry.QueueID))
	// No other document is embedded yet, so no edges can exist.
	s.Zero(first.SemanticEdges)

	api, err := s.queue.ClaimNext(s.Ctx, s.runID, "w-test")
	s.Require().NoError(err)
	s.Require().NotNil(api)
	s.Require().Equal("docs:api.md", api.DocID)
	second, err := s.proc.Process(s.Ctx, api)
	s.Require().NoError(err)
	s.Greater(second.SemanticEdges, 0)

	var total int
	s.Require().NoError(s.DB().NewRaw(
		"SELECT COUNT(*) FROM relationships WHERE relationship_type = ? AND metadata->>'cross_document' = 'true'",
		documents.RelSemantic).Scan(s.Ctx, &total))
	s.Equal(second.SemanticEdges, total)

	// Reverse edges are owned by the foreign document.
	var reverse int
	s.Require().NoError(s.DB().NewRaw(
		"SELECT COUNT(*) FROM relationships WHERE relationship_type = ? AND doc_id = ?",
		documents.RelSemantic, "docs:guide.md").Scan(s.Ctx, &reverse))
	s.Greater(reverse, 0)
}

func (s *ProcessorSuite) TestDiscovery() {
	disc := NewDiscovery(s.registry, s.queue, s.log)

	stats, err := disc.Run(s.Ctx, s.runID)
	s.Require().NoError(err)
	s.Equal(1, stats.Sources)
	s.Equal(2, stats.Listed)
	s.Equal(2, stats.Enqueued)
	s.Zero(stats.Failed)

	counts, err := s.queue.Status(s.Ctx, s.runID)
	s.Require().NoError(err)
	s.Equal(2, counts.Pending)

	// Re-running discovery against the same run changes nothing: the
	// live entries absorb the duplicate adds.
	_, err = disc.Run(s.Ctx, s.runID)
	s.Require().NoError(err)
	counts, err = s.queue.Status(s.Ctx, s.runID)
	s.Require().NoError(err)
	s.Equal(2, counts.Pending)
	s.Equal(2, counts.Total())
}

func (s *ProcessorSuite) TestRunnerDrainsQueue() {
	disc := NewDiscovery(s.registry, s.queue, s.log)
	_, err := disc.Run(s.Ctx, s.runID)
	s.Require().NoError(err)

	runner := NewRunner(s.rc, s.queue, s.runs, s.proc, nil,
		RunnerOptions{WorkerID: "w-drain", Threads: 2, ExitWhenDrained: true}, s.log)
	stats, err := runner.Run(s.Ctx, s.runID)
	s.Require().NoError(err)
	s.EqualValues(2, stats.Processed)
	s.Zero(stats.Failed)

	counts, err := s.queue.Status(s.Ctx, s.runID)
	s.Require().NoError(err)
	s.True(counts.Drained())
	s.Equal(2, counts.Completed)

	workers, err := s.runs.ListWorkers(s.Ctx, s.runID)
	s.Require().NoError(err)
	s.Require().Len(workers, 1)
	s.Equal(runs.WorkerStopped, workers[0].Status)
	s.Equal(2, workers[0].DocumentsProcessed)
}

func (s *ProcessorSuite) TestRunnerMaxDocuments() {
	disc := NewDiscovery(s.registry, s.queue, s.log)
	_, err := disc.Run(s.Ctx, s.runID)
	s.Require().NoError(err)

	runner := NewRunner(s.rc, s.queue, s.runs, s.proc, nil,
		RunnerOptions{WorkerID: "w-capped", Threads: 1, MaxDocuments: 1}, s.log)
	stats, err := runner.Run(s.Ctx, s.runID)
	s.Require().NoError(err)
	s.EqualValues(1, stats.Processed)

	counts, err := s.queue.Status(s.Ctx, s.runID)
	s.Require().NoError(err)
	s.Equal(1, counts.Completed)
	s.False(counts.Drained())
}

func (s *ProcessorSuite) TestRunnerRecordsFailure() {
	_, err := s.queue.Add(s.Ctx, queue.AddParams{
		RunID: s.runID, DocID: "docs:ghost.md", SourceName: "docs",
	})
	s.Require().NoError(err)

	runner := NewRunner(s.rc, s.queue, s.runs, s.proc, nil,
		RunnerOptions{WorkerID: "w-fail", Threads: 1, ExitWhenDrained: true}, s.log)
	stats, err := runner.Run(s.Ctx, s.runID)
	s.Require().NoError(err)
	s.EqualValues(1, stats.Failed)
	s.Zero(stats.Processed)

	// A vanished document is permanent: dead-lettered on first failure.
	entry := s.entryFor("docs:ghost.md")
	s.Equal(queue.StateFailed, entry.State)
	s.Require().NotNil(entry.ErrorInfo)
	s.True(entry.ErrorInfo.Permanent)
	s.True(strings.HasPrefix(entry.ErrorInfo.Fingerprint, "not_found: "))
}
