package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/internal/analyzer"
	"github.com/docqa/backend/internal/cache"
	"github.com/docqa/backend/internal/chunker"
	"github.com/docqa/backend/internal/embedder"
	"github.com/docqa/backend/internal/index"
	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/retrieval"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/internal/storage/sqlite"
	"github.com/docqa/backend/pkg/config"
)

type fakeCatalog struct {
	mu        sync.Mutex
	docs      map[string]*models.Document
	chunks    []models.Chunk
	records   []models.QueryRecord
	sources   []models.QuerySource
	insertErr error
	chunkErr  error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{docs: map[string]*models.Document{}}
}

func (f *fakeCatalog) InsertDocument(doc *models.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeCatalog) InsertChunk(chunk *models.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunkErr != nil {
		return f.chunkErr
	}
	f.chunks = append(f.chunks, *chunk)
	return nil
}

func (f *fakeCatalog) GetDocument(tenantID, documentID string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok || doc.TenantID != tenantID {
		return nil, nil
	}
	return doc, nil
}

func (f *fakeCatalog) ListDocuments(tenantID string) ([]sqlite.DocumentSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sqlite.DocumentSummary
	for _, doc := range f.docs {
		if doc.TenantID == tenantID {
			out = append(out, sqlite.DocumentSummary{ID: doc.ID, Filename: doc.Filename, Format: doc.Format})
		}
	}
	return out, nil
}

func (f *fakeCatalog) CountDocuments(tenantID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, doc := range f.docs {
		if doc.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (f *fakeCatalog) DeleteDocument(tenantID, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, documentID)
	kept := f.chunks[:0]
	for _, c := range f.chunks {
		if c.DocumentID != documentID {
			kept = append(kept, c)
		}
	}
	f.chunks = kept
	return nil
}

func (f *fakeCatalog) InsertQueryRecord(record *models.QueryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *record)
	return nil
}

func (f *fakeCatalog) InsertQuerySource(source *models.QuerySource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, *source)
	return nil
}

type fakeVector struct {
	mu        sync.Mutex
	upserts   int
	deletes   []string
	upsertErr error
	deleteErr error
}

func (f *fakeVector) Upsert(_ context.Context, _ string, chunks []models.Chunk, embeddings [][]float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	if len(chunks) != len(embeddings) {
		return errors.New("chunk/embedding mismatch")
	}
	f.upserts++
	return nil
}

func (f *fakeVector) DeleteByDocument(_ context.Context, _ string, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, documentID)
	return nil
}

func (f *fakeVector) Search(context.Context, string, []float32, int, map[string]string) ([]index.Hit, error) {
	return nil, nil
}

type fakeLexical struct {
	mu        sync.Mutex
	upserts   int
	deletes   []string
	upsertErr error
	deleteErr error
}

func (f *fakeLexical) Upsert(_ context.Context, _ string, _ []models.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts++
	return nil
}

func (f *fakeLexical) DeleteByDocument(_ context.Context, _ string, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, documentID)
	return nil
}

func (f *fakeLexical) Search(context.Context, string, string, int, map[string]string) ([]index.Hit, error) {
	return nil, nil
}

type fakeTextEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTextEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1}
	}
	return out, nil
}

type fakeAnalyzer struct {
	meta analyzer.QueryMetadata
}

func (f *fakeAnalyzer) Analyze(context.Context, string) analyzer.QueryMetadata { return f.meta }

type fakeRetriever struct {
	mu           sync.Mutex
	calls        int
	candidates   []retrieval.Candidate
	err          error
	lastRaw      string
	lastExpanded string
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, rawQuery, expandedQuery string, _ int, _ map[string]string) ([]retrieval.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastRaw = rawQuery
	f.lastExpanded = expandedQuery
	return f.candidates, f.err
}

type passReranker struct{}

func (passReranker) Rerank(_ context.Context, _ string, _ analyzer.QueryMetadata, c []retrieval.Candidate) []retrieval.Candidate {
	return c
}

type passFilter struct{}

func (passFilter) Apply(c []retrieval.Candidate, breadth int) []retrieval.Candidate {
	if len(c) > breadth {
		return c[:breadth]
	}
	return c
}

type fakeAnswerer struct {
	mu           sync.Mutex
	answerCalls  int
	summaryCalls int
	answer       string
	answerErr    error
	lastContext  string
	lastHistory  []llm.ChatTurn
}

func (f *fakeAnswerer) GenerateAnswer(_ context.Context, _ string, contextBlock string, history []llm.ChatTurn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerCalls++
	f.lastContext = contextBlock
	f.lastHistory = history
	if f.answerErr != nil {
		return "", f.answerErr
	}
	return f.answer, nil
}

func (f *fakeAnswerer) SummarizeSource(_ context.Context, filename string, _ string) (*llm.SourceSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaryCalls++
	return &llm.SourceSummary{Title: "Title for " + filename, Summary: "Summary."}, nil
}

type fixture struct {
	pipeline  *Pipeline
	catalog   *fakeCatalog
	vector    *fakeVector
	lexical   *fakeLexical
	embedder  *fakeTextEmbedder
	retriever *fakeRetriever
	answerer  *fakeAnswerer
	cache     *cache.ResultCache
}

func newFixture() *fixture {
	cfg := &config.Config{}
	cfg.Retrieval.DefaultBreadth = 5
	cfg.Retrieval.MaxBreadth = 100

	f := &fixture{
		catalog:   newFakeCatalog(),
		vector:    &fakeVector{},
		lexical:   &fakeLexical{},
		embedder:  &fakeTextEmbedder{},
		retriever: &fakeRetriever{},
		answerer:  &fakeAnswerer{answer: "the answer"},
		cache:     cache.New(10, time.Minute),
	}
	f.pipeline = New(Deps{
		Catalog:   f.catalog,
		Vector:    f.vector,
		Lexical:   f.lexical,
		Embedder:  f.embedder,
		Chunker:   chunker.New(200, 40),
		Analyzer:  &fakeAnalyzer{},
		Retriever: f.retriever,
		Reranker:  passReranker{},
		Filter:    passFilter{},
		Answerer:  f.answerer,
		Cache:     f.cache,
		Config:    cfg,
	})
	return f
}

func (f *fixture) seedDocument(t *testing.T, tenantID string) string {
	t.Helper()
	f.catalog.docs["doc-1"] = &models.Document{ID: "doc-1", TenantID: tenantID, Filename: "code.pdf"}
	return "doc-1"
}

func candidate(id string, score float64) retrieval.Candidate {
	return retrieval.Candidate{
		Hit: index.Hit{
			ChunkID:    id,
			DocumentID: "doc-1",
			Filename:   "code.pdf",
			Text:       "text of " + id,
		},
		Combined: score,
	}
}

func TestQueryHappyPath(t *testing.T) {
	f := newFixture()
	f.seedDocument(t, "t1")
	f.retriever.candidates = []retrieval.Candidate{candidate("c1", 0.9), candidate("c2", 0.8)}

	result, err := f.pipeline.Query(context.Background(), QueryRequest{TenantID: "t1", Query: "fire safety"})
	require.NoError(t, err)

	assert.Equal(t, "the answer", result.Answer)
	assert.False(t, result.CacheHit)
	require.Len(t, result.Sources, 2)
	assert.Equal(t, "c1", result.Sources[0].ChunkID)

	assert.Contains(t, f.answerer.lastContext, "[1] text of c1")
	assert.Contains(t, f.answerer.lastContext, "[2] text of c2")
	assert.Contains(t, f.answerer.lastContext, "Source: code.pdf")

	require.Len(t, result.Documents, 1)
	assert.Equal(t, "Title for code.pdf", result.Documents[0].Title)

	require.Len(t, f.catalog.records, 1)
	assert.Equal(t, "fire safety", f.catalog.records[0].QueryText)
	assert.Len(t, f.catalog.sources, 2)
}

func TestQueryContextCarriesStructuralLabel(t *testing.T) {
	f := newFixture()
	f.seedDocument(t, "t1")

	labeled := candidate("c1", 0.9)
	labeled.Hit.Metadata = models.ChunkMetadata{ArticleLabel: "4.101", ArticleTitle: "Ceiling heights"}
	numbered := candidate("c2", 0.8)
	numbered.Hit.Metadata = models.ChunkMetadata{ArticleNumber: "7.2"}
	f.retriever.candidates = []retrieval.Candidate{labeled, numbered}

	_, err := f.pipeline.Query(context.Background(), QueryRequest{TenantID: "t1", Query: "ceiling height"})
	require.NoError(t, err)

	assert.Contains(t, f.answerer.lastContext, "Source: code.pdf, 4.101 (Ceiling heights)")
	assert.Contains(t, f.answerer.lastContext, "Source: code.pdf, Article 7.2")
}

func TestQueryCacheHitSkipsRetrieval(t *testing.T) {
	f := newFixture()
	f.seedDocument(t, "t1")
	f.retriever.candidates = []retrieval.Candidate{candidate("c1", 0.9)}

	ctx := context.Background()
	req := QueryRequest{TenantID: "t1", Query: "Fire Safety"}

	first, err := f.pipeline.Query(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, 1, f.retriever.calls)
	assert.Equal(t, 1, f.answerer.answerCalls)

	// Same query, different surface form.
	second, err := f.pipeline.Query(ctx, QueryRequest{TenantID: "t1", Query: "  fire safety  "})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, 1, f.retriever.calls, "cache hit skips retrieval")
	assert.Equal(t, 1, f.answerer.answerCalls, "cache hit skips generation")
}

func TestQueryWithHistoryBypassesCache(t *testing.T) {
	f := newFixture()
	f.seedDocument(t, "t1")
	f.retriever.candidates = []retrieval.Candidate{candidate("c1", 0.9)}

	ctx := context.Background()
	history := []llm.ChatTurn{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "reply"}}

	_, err := f.pipeline.Query(ctx, QueryRequest{TenantID: "t1", Query: "q", History: history})
	require.NoError(t, err)
	_, err = f.pipeline.Query(ctx, QueryRequest{TenantID: "t1", Query: "q", History: history})
	require.NoError(t, err)

	assert.Equal(t, 2, f.answerer.answerCalls, "conversational queries are never cached")
	assert.Equal(t, history, f.answerer.lastHistory)
}

func TestQueryTrimsLongHistory(t *testing.T) {
	f := newFixture()
	f.seedDocument(t, "t1")
	f.retriever.candidates = []retrieval.Candidate{candidate("c1", 0.9)}

	var history []llm.ChatTurn
	for i := 0; i < 20; i++ {
		history = append(history,
			llm.ChatTurn{Role: "user", Content: fmt.Sprintf("q%d", i)},
			llm.ChatTurn{Role: "assistant", Content: fmt.Sprintf("a%d", i)},
		)
	}

	_, err := f.pipeline.Query(context.Background(), QueryRequest{TenantID: "t1", Query: "q", History: history})
	require.NoError(t, err)

	require.Len(t, f.answerer.lastHistory, historyLimit*2)
	assert.Equal(t, "q15", f.answerer.lastHistory[0].Content)
}

func TestQueryEmptyQuery(t *testing.T) {
	f := newFixture()

	_, err := f.pipeline.Query(context.Background(), QueryRequest{TenantID: "t1", Query: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestQueryNoDocuments(t *testing.T) {
	f := newFixture()

	_, err := f.pipeline.Query(context.Background(), QueryRequest{TenantID: "t1", Query: "q"})
	assert.ErrorIs(t, err, ErrNoDocuments)
	assert.Equal(t, 0, f.retriever.calls)
}

func TestQueryNoRelevantResultsNotCached(t *testing.T) {
	f := newFixture()
	f.seedDocument(t, "t1")
	f.retriever.candidates = nil

	ctx := context.Background()
	_, err := f.pipeline.Query(ctx, QueryRequest{TenantID: "t1", Query: "q"})
	assert.ErrorIs(t, err, ErrNoRelevantResults)
	assert.Equal(t, 0, f.cache.Stats().Size, "failures are not cached")

	// The corpus grows; the same query must retrieve again.
	f.retriever.candidates = []retrieval.Candidate{candidate("c1", 0.9)}
	result, err := f.pipeline.Query(ctx, QueryRequest{TenantID: "t1", Query: "q"})
	require.NoError(t, err)
	assert.False(t, result.CacheHit)
}

func TestQueryEmbedderDownMapsToUpstreamUnavailable(t *testing.T) {
	f := newFixture()
	f.seedDocument(t, "t1")
	f.retriever.err = fmt.Errorf("embed: %w", embedder.ErrUnavailable)

	_, err := f.pipeline.Query(context.Background(), QueryRequest{TenantID: "t1", Query: "q"})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestQueryGeneratorDownMapsToUpstreamUnavailable(t *testing.T) {
	f := newFixture()
	f.seedDocument(t, "t1")
	f.retriever.candidates = []retrieval.Candidate{candidate("c1", 0.9)}
	f.answerer.answerErr = errors.New("provider down")

	_, err := f.pipeline.Query(context.Background(), QueryRequest{TenantID: "t1", Query: "q"})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, 0, f.cache.Stats().Size)
}

func TestQueryBreadthClamping(t *testing.T) {
	f := newFixture()
	f.seedDocument(t, "t1")
	f.retriever.candidates = []retrieval.Candidate{candidate("c1", 0.9)}

	ctx := context.Background()

	_, err := f.pipeline.Query(ctx, QueryRequest{TenantID: "t1", Query: "q", Breadth: 0})
	require.NoError(t, err)
	_, err = f.pipeline.Query(ctx, QueryRequest{TenantID: "t1", Query: "q", Breadth: 5})
	require.NoError(t, err)

	assert.Equal(t, 1, f.retriever.calls,
		"breadth zero clamps to the default, so both requests share one cache entry")

	_, err = f.pipeline.Query(ctx, QueryRequest{TenantID: "t1", Query: "q", Breadth: 10000})
	require.NoError(t, err)
	_, err = f.pipeline.Query(ctx, QueryRequest{TenantID: "t1", Query: "q", Breadth: 100})
	require.NoError(t, err)

	assert.Equal(t, 2, f.retriever.calls,
		"breadth above the maximum clamps to it and shares that cache entry")
}

func TestQueryUsesExpandedQuery(t *testing.T) {
	f := newFixture()
	f.seedDocument(t, "t1")
	f.retriever.candidates = []retrieval.Candidate{candidate("c1", 0.9)}

	p := New(Deps{
		Catalog:   f.catalog,
		Vector:    f.vector,
		Lexical:   f.lexical,
		Embedder:  f.embedder,
		Chunker:   chunker.New(200, 40),
		Analyzer:  &fakeAnalyzer{meta: analyzer.QueryMetadata{ExpandedQuery: "expanded form"}},
		Retriever: f.retriever,
		Reranker:  passReranker{},
		Filter:    passFilter{},
		Answerer:  f.answerer,
		Cache:     cache.New(10, time.Minute),
		Config:    &config.Config{Retrieval: config.RetrievalConfig{DefaultBreadth: 5, MaxBreadth: 100}},
	})

	_, err := p.Query(context.Background(), QueryRequest{TenantID: "t1", Query: "short q"})
	require.NoError(t, err)
	assert.Equal(t, "expanded form", f.retriever.lastExpanded, "vector side gets the expansion")
	assert.Equal(t, "short q", f.retriever.lastRaw, "lexical side keeps the raw query")
}

func TestIngestDocument(t *testing.T) {
	f := newFixture()

	text := "The escape route must be at least 0.85 meters wide. " +
		"Every stairwell requires emergency lighting. " +
		"Doors along the route open in the direction of escape."

	result, err := f.pipeline.IngestDocument(context.Background(), IngestRequest{
		TenantID: "t1",
		Filename: "code.txt",
		Format:   "text",
		Text:     text,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.DocumentID)
	assert.Greater(t, result.ChunkCount, 0)

	assert.Len(t, f.catalog.docs, 1)
	assert.Len(t, f.catalog.chunks, result.ChunkCount)
	assert.Equal(t, 1, f.vector.upserts)
	assert.Equal(t, 1, f.lexical.upserts)
	assert.Equal(t, 1, f.embedder.calls)

	for i, c := range f.catalog.chunks {
		assert.Equal(t, result.DocumentID, c.DocumentID)
		assert.Equal(t, i, c.IndexInDoc)
		assert.Equal(t, "code.txt", c.Filename)
	}
}

func TestIngestStructuralDocument(t *testing.T) {
	f := newFixture()

	tree := &models.SectionNode{
		Kind: "chapter", Number: "4", Title: "Fire Safety",
		Children: []models.SectionNode{
			{
				Kind: "article", Number: "4.101", Title: "Escape Routes",
				Paragraphs: []models.Paragraph{{Number: "1", Text: "Escape routes must be kept clear."}},
				Themes:     []string{"fire safety"},
			},
		},
	}

	result, err := f.pipeline.IngestDocument(context.Background(), IngestRequest{
		TenantID:  "t1",
		Filename:  "code.json",
		Format:    "structured",
		Structure: tree,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ChunkCount)
	assert.Equal(t, "4.101", f.catalog.chunks[0].Metadata.ArticleNumber)
}

func TestIngestEmptyDocument(t *testing.T) {
	f := newFixture()

	_, err := f.pipeline.IngestDocument(context.Background(), IngestRequest{TenantID: "t1", Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestIngestEmbedderDown(t *testing.T) {
	f := newFixture()
	f.embedder.err = fmt.Errorf("exhausted: %w", embedder.ErrUnavailable)

	_, err := f.pipeline.IngestDocument(context.Background(), IngestRequest{TenantID: "t1", Text: "Some content here."})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Empty(t, f.catalog.docs, "nothing cataloged when embedding fails")
}

func TestIngestVectorFailureRollsBack(t *testing.T) {
	f := newFixture()
	f.vector.upsertErr = errors.New("milvus down")

	_, err := f.pipeline.IngestDocument(context.Background(), IngestRequest{TenantID: "t1", Text: "Some content here."})
	require.Error(t, err)
	assert.Empty(t, f.catalog.docs, "catalog row rolled back")
	assert.Empty(t, f.catalog.chunks)
}

func TestIngestLexicalFailureRollsBack(t *testing.T) {
	f := newFixture()
	f.lexical.upsertErr = errors.New("sqlite down")

	_, err := f.pipeline.IngestDocument(context.Background(), IngestRequest{TenantID: "t1", Text: "Some content here."})
	require.Error(t, err)
	assert.Empty(t, f.catalog.docs)
	assert.Len(t, f.vector.deletes, 1, "vector rows cleaned up")
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture()
	docID := f.seedDocument(t, "t1")

	err := f.pipeline.DeleteDocument(context.Background(), "t1", docID)
	require.NoError(t, err)

	assert.Empty(t, f.catalog.docs)
	assert.Equal(t, []string{docID}, f.vector.deletes)
	assert.Equal(t, []string{docID}, f.lexical.deletes)
}

func TestDeleteDocumentNotFound(t *testing.T) {
	f := newFixture()

	err := f.pipeline.DeleteDocument(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDeleteDocumentWrongTenant(t *testing.T) {
	f := newFixture()
	docID := f.seedDocument(t, "t1")

	err := f.pipeline.DeleteDocument(context.Background(), "t2", docID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.Len(t, f.catalog.docs, 1, "other tenant's document untouched")
}

func TestDeleteDocumentPartialFailureKeepsCatalog(t *testing.T) {
	f := newFixture()
	docID := f.seedDocument(t, "t1")
	f.vector.deleteErr = errors.New("milvus down")

	err := f.pipeline.DeleteDocument(context.Background(), "t1", docID)
	require.Error(t, err)
	assert.Len(t, f.catalog.docs, 1, "catalog row kept so the delete can be retried")
	assert.Equal(t, []string{docID}, f.lexical.deletes, "other index still attempted")
}

func TestCacheAdmin(t *testing.T) {
	f := newFixture()
	f.seedDocument(t, "t1")
	f.retriever.candidates = []retrieval.Candidate{candidate("c1", 0.9)}

	_, err := f.pipeline.Query(context.Background(), QueryRequest{TenantID: "t1", Query: "q"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.pipeline.CacheStats().Size)
	assert.Equal(t, 1, f.pipeline.ClearCache())
	assert.Equal(t, 0, f.pipeline.CacheStats().Size)
}
