// Package pipeline orchestrates the full question answering flow: cache
// lookup, query analysis, hybrid retrieval, reranking, filtering, answer
// generation, and bookkeeping. It also owns document ingestion and
// deletion so the catalog and both indexes stay consistent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/analyzer"
	"github.com/docqa/backend/internal/cache"
	"github.com/docqa/backend/internal/chunker"
	"github.com/docqa/backend/internal/embedder"
	"github.com/docqa/backend/internal/index"
	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/retrieval"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/internal/storage/sqlite"
	"github.com/docqa/backend/pkg/config"
	"github.com/docqa/backend/pkg/logger"
)

// historyLimit caps how many prior conversation turns are forwarded to the
// answer generator.
const historyLimit = 5

type catalog interface {
	InsertDocument(doc *models.Document) error
	InsertChunk(chunk *models.Chunk) error
	GetDocument(tenantID, documentID string) (*models.Document, error)
	ListDocuments(tenantID string) ([]sqlite.DocumentSummary, error)
	CountDocuments(tenantID string) (int, error)
	DeleteDocument(tenantID, documentID string) error
	InsertQueryRecord(record *models.QueryRecord) error
	InsertQuerySource(source *models.QuerySource) error
}

type textEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type queryAnalyzer interface {
	Analyze(ctx context.Context, query string) analyzer.QueryMetadata
}

type retriever interface {
	Retrieve(ctx context.Context, tenantID, rawQuery, expandedQuery string, breadth int, filters map[string]string) ([]retrieval.Candidate, error)
}

type reranker interface {
	Rerank(ctx context.Context, query string, meta analyzer.QueryMetadata, candidates []retrieval.Candidate) []retrieval.Candidate
}

type resultFilter interface {
	Apply(candidates []retrieval.Candidate, breadth int) []retrieval.Candidate
}

type answerer interface {
	GenerateAnswer(ctx context.Context, query, contextBlock string, history []llm.ChatTurn) (string, error)
	SummarizeSource(ctx context.Context, filename, fragments string) (*llm.SourceSummary, error)
}

type Pipeline struct {
	catalog   catalog
	vector    index.VectorIndex
	lexical   index.LexicalIndex
	embedder  textEmbedder
	chunker   *chunker.Chunker
	analyzer  queryAnalyzer
	retriever retriever
	reranker  reranker
	filter    resultFilter
	answerer  answerer
	cache     *cache.ResultCache
	cfg       *config.Config
}

type Deps struct {
	Catalog   catalog
	Vector    index.VectorIndex
	Lexical   index.LexicalIndex
	Embedder  textEmbedder
	Chunker   *chunker.Chunker
	Analyzer  queryAnalyzer
	Retriever retriever
	Reranker  reranker
	Filter    resultFilter
	Answerer  answerer
	Cache     *cache.ResultCache
	Config    *config.Config
}

func New(deps Deps) *Pipeline {
	return &Pipeline{
		catalog:   deps.Catalog,
		vector:    deps.Vector,
		lexical:   deps.Lexical,
		embedder:  deps.Embedder,
		chunker:   deps.Chunker,
		analyzer:  deps.Analyzer,
		retriever: deps.Retriever,
		reranker:  deps.Reranker,
		filter:    deps.Filter,
		answerer:  deps.Answerer,
		cache:     deps.Cache,
		cfg:       deps.Config,
	}
}

type QueryRequest struct {
	TenantID string
	Query    string
	Breadth  int
	Filters  map[string]string
	History  []llm.ChatTurn
}

type Source struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	Filename      string  `json:"filename"`
	Text          string  `json:"text"`
	Score         float64 `json:"score"`
	ArticleNumber string  `json:"article_number,omitempty"`
}

type SourceDocument struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Title      string `json:"title"`
	Summary    string `json:"summary"`
}

type QueryResult struct {
	Answer    string           `json:"answer"`
	Sources   []Source         `json:"sources"`
	Documents []SourceDocument `json:"documents,omitempty"`
	CacheHit  bool             `json:"cache_hit"`
	LatencyMS int              `json:"latency_ms"`
}

// Query answers a question against the tenant's corpus. Conversation
// history changes the generated answer but not retrieval, so cached
// results are only used for history-free requests.
func (p *Pipeline) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	started := time.Now()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	breadth := p.clampBreadth(req.Breadth)

	cacheKey := cache.Key(req.TenantID, query, breadth)
	if len(req.History) == 0 {
		if cached, ok := p.cache.Get(cacheKey); ok {
			metrics.CacheHits.WithLabelValues("result").Inc()
			result := cached.(*QueryResult)
			out := *result
			out.CacheHit = true
			out.LatencyMS = int(time.Since(started).Milliseconds())

			logger.Info("Query served from cache",
				zap.String("tenant_id", req.TenantID),
				zap.Int("sources", len(out.Sources)),
			)
			p.recordHistory(req.TenantID, query, breadth, &out)
			return &out, nil
		}
		metrics.CacheMisses.WithLabelValues("result").Inc()
	}

	count, err := p.catalog.CountDocuments(req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to check corpus: %w", err)
	}
	if count == 0 {
		return nil, ErrNoDocuments
	}

	meta := p.analyzer.Analyze(ctx, query)
	metrics.AnalyzerConfidence.Observe(meta.Confidence)
	expandedQuery := meta.ExpandedQuery
	if expandedQuery == "" {
		expandedQuery = query
	}

	candidates, err := p.retriever.Retrieve(ctx, req.TenantID, query, expandedQuery, breadth, req.Filters)
	if err != nil {
		if errors.Is(err, embedder.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}

	candidates = p.reranker.Rerank(ctx, query, meta, candidates)
	selected := p.filter.Apply(candidates, breadth)
	metrics.SourcesReturned.Observe(float64(len(selected)))
	if len(selected) == 0 {
		return nil, ErrNoRelevantResults
	}

	contextBlock, sources := composeContext(selected)

	history := req.History
	if len(history) > historyLimit*2 {
		history = history[len(history)-historyLimit*2:]
	}

	answer, err := p.answerer.GenerateAnswer(ctx, query, contextBlock, history)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	result := &QueryResult{
		Answer:    answer,
		Sources:   sources,
		Documents: p.summarizeDocuments(ctx, selected),
		LatencyMS: int(time.Since(started).Milliseconds()),
	}

	p.recordHistory(req.TenantID, query, breadth, result)

	if len(req.History) == 0 {
		p.cache.Set(cacheKey, result)
	}

	logger.Info("Query answered",
		zap.String("tenant_id", req.TenantID),
		zap.Int("breadth", breadth),
		zap.Int("sources", len(sources)),
		zap.Int("latency_ms", result.LatencyMS),
	)

	return result, nil
}

func (p *Pipeline) clampBreadth(breadth int) int {
	if breadth <= 0 {
		return p.cfg.Retrieval.DefaultBreadth
	}
	if breadth > p.cfg.Retrieval.MaxBreadth {
		return p.cfg.Retrieval.MaxBreadth
	}
	return breadth
}

// composeContext renders the numbered context block the generator cites
// from, and the source list returned to the caller in the same order.
func composeContext(selected []retrieval.Candidate) (string, []Source) {
	var b strings.Builder
	sources := make([]Source, len(selected))

	for i, c := range selected {
		fmt.Fprintf(&b, "[%d] %s\nSource: %s%s\n\n", i+1, c.Hit.Text, c.Hit.Filename, sourceLabel(c.Hit.Metadata))
		sources[i] = Source{
			ChunkID:       c.Hit.ChunkID,
			DocumentID:    c.Hit.DocumentID,
			Filename:      c.Hit.Filename,
			Text:          c.Hit.Text,
			Score:         c.Combined,
			ArticleNumber: c.Hit.Metadata.ArticleNumber,
		}
	}

	return strings.TrimRight(b.String(), "\n"), sources
}

// sourceLabel renders the structural location of a chunk, when known, as a
// suffix for the context block's source line.
func sourceLabel(meta models.ChunkMetadata) string {
	label := meta.ArticleLabel
	if label == "" && meta.ArticleNumber != "" {
		label = "Article " + meta.ArticleNumber
	}
	if label == "" {
		return ""
	}
	if meta.ArticleTitle != "" {
		return fmt.Sprintf(", %s (%s)", label, meta.ArticleTitle)
	}
	return ", " + label
}

// summarizeDocuments produces one titled digest per contributing document,
// in parallel. Summaries are decorative: any failure drops that document's
// digest and keeps the answer.
func (p *Pipeline) summarizeDocuments(ctx context.Context, selected []retrieval.Candidate) []SourceDocument {
	type docGroup struct {
		filename  string
		fragments []string
	}

	groups := map[string]*docGroup{}
	var order []string
	for _, c := range selected {
		g, ok := groups[c.Hit.DocumentID]
		if !ok {
			g = &docGroup{filename: c.Hit.Filename}
			groups[c.Hit.DocumentID] = g
			order = append(order, c.Hit.DocumentID)
		}
		g.fragments = append(g.fragments, c.Hit.Text)
	}

	pool, err := ants.NewPool(4)
	if err != nil {
		logger.Warn("Failed to create summary pool, skipping source summaries", zap.Error(err))
		return nil
	}
	defer pool.Release()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	summaries := map[string]*llm.SourceSummary{}

	for docID, g := range groups {
		docID, g := docID, g
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			s, err := p.answerer.SummarizeSource(ctx, g.filename, strings.Join(g.fragments, "\n\n"))
			if err != nil {
				logger.Warn("Source summary failed",
					zap.String("document_id", docID),
					zap.Error(err),
				)
				return
			}
			mu.Lock()
			summaries[docID] = s
			mu.Unlock()
		}); err != nil {
			wg.Done()
		}
	}
	wg.Wait()

	var out []SourceDocument
	for _, docID := range order {
		s, ok := summaries[docID]
		if !ok {
			continue
		}
		out = append(out, SourceDocument{
			DocumentID: docID,
			Filename:   groups[docID].filename,
			Title:      s.Title,
			Summary:    s.Summary,
		})
	}
	return out
}

// recordHistory persists the query and its sources. History is best
// effort; a write failure is logged and the answer still returned.
func (p *Pipeline) recordHistory(tenantID, query string, breadth int, result *QueryResult) {
	record := &models.QueryRecord{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		QueryText:    query,
		Answer:       result.Answer,
		Breadth:      breadth,
		SourcesCount: len(result.Sources),
		CacheHit:     result.CacheHit,
		LatencyMS:    result.LatencyMS,
		CreatedAt:    time.Now(),
	}
	if err := p.catalog.InsertQueryRecord(record); err != nil {
		logger.Warn("Failed to record query history", zap.Error(err))
		return
	}
	for _, s := range result.Sources {
		err := p.catalog.InsertQuerySource(&models.QuerySource{
			QueryID:    record.ID,
			ChunkID:    s.ChunkID,
			DocumentID: s.DocumentID,
			Score:      s.Score,
		})
		if err != nil {
			logger.Warn("Failed to record query source", zap.Error(err))
		}
	}
}

type IngestRequest struct {
	TenantID  string
	Filename  string
	Format    string
	Text      string
	Structure *models.SectionNode
}

type IngestResult struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
}

// IngestDocument chunks, embeds, catalogs, and indexes a document. The
// catalog row is written first; if either index upsert fails the catalog
// row is rolled back so a failed ingest leaves no trace.
func (p *Pipeline) IngestDocument(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	var pieces []chunker.Piece
	switch {
	case req.Structure != nil:
		pieces = p.chunker.ChunkStructural(req.Structure)
	case strings.TrimSpace(req.Text) != "":
		pieces = p.chunker.ChunkSentences(req.Text)
	}
	if len(pieces) == 0 {
		return nil, ErrEmptyDocument
	}

	doc := &models.Document{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		Filename:  req.Filename,
		Format:    req.Format,
		CreatedAt: time.Now(),
	}

	chunks := make([]models.Chunk, len(pieces))
	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		chunks[i] = models.Chunk{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			TenantID:   req.TenantID,
			Filename:   req.Filename,
			Text:       piece.Text,
			IndexInDoc: i,
			Metadata:   piece.Metadata,
			CreatedAt:  doc.CreatedAt,
		}
		texts[i] = piece.Text
	}

	embeddings, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		if errors.Is(err, embedder.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}

	if err := p.catalog.InsertDocument(doc); err != nil {
		return nil, fmt.Errorf("failed to catalog document: %w", err)
	}
	for i := range chunks {
		if err := p.catalog.InsertChunk(&chunks[i]); err != nil {
			p.rollbackIngest(ctx, req.TenantID, doc.ID, false, false)
			return nil, fmt.Errorf("failed to catalog chunk: %w", err)
		}
	}

	if err := p.vector.Upsert(ctx, req.TenantID, chunks, embeddings); err != nil {
		p.rollbackIngest(ctx, req.TenantID, doc.ID, false, false)
		return nil, fmt.Errorf("failed to index vectors: %w", err)
	}
	if err := p.lexical.Upsert(ctx, req.TenantID, chunks); err != nil {
		p.rollbackIngest(ctx, req.TenantID, doc.ID, true, false)
		return nil, fmt.Errorf("failed to index text: %w", err)
	}

	metrics.DocumentsIngested.Inc()
	metrics.ChunksIndexed.Add(float64(len(chunks)))

	logger.Info("Document ingested",
		zap.String("tenant_id", req.TenantID),
		zap.String("document_id", doc.ID),
		zap.String("filename", req.Filename),
		zap.Int("chunks", len(chunks)),
	)

	return &IngestResult{DocumentID: doc.ID, ChunkCount: len(chunks)}, nil
}

func (p *Pipeline) rollbackIngest(ctx context.Context, tenantID, documentID string, vector, lexical bool) {
	if vector {
		if err := p.vector.DeleteByDocument(ctx, tenantID, documentID); err != nil {
			logger.Warn("Ingest rollback left vectors behind",
				zap.String("document_id", documentID),
				zap.Error(err),
			)
		}
	}
	if lexical {
		if err := p.lexical.DeleteByDocument(ctx, tenantID, documentID); err != nil {
			logger.Warn("Ingest rollback left lexical rows behind",
				zap.String("document_id", documentID),
				zap.Error(err),
			)
		}
	}
	if err := p.catalog.DeleteDocument(tenantID, documentID); err != nil {
		logger.Warn("Ingest rollback left catalog row behind",
			zap.String("document_id", documentID),
			zap.Error(err),
		)
	}
}

// DeleteDocument removes a document from the catalog and both indexes.
// Index deletions are attempted independently; a partial failure is
// reported so the caller can retry, and logged as an integrity warning.
func (p *Pipeline) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	doc, err := p.catalog.GetDocument(tenantID, documentID)
	if err != nil {
		return fmt.Errorf("failed to look up document: %w", err)
	}
	if doc == nil {
		return ErrDocumentNotFound
	}

	var failures []error
	if err := p.vector.DeleteByDocument(ctx, tenantID, documentID); err != nil {
		failures = append(failures, fmt.Errorf("vector index: %w", err))
	}
	if err := p.lexical.DeleteByDocument(ctx, tenantID, documentID); err != nil {
		failures = append(failures, fmt.Errorf("lexical index: %w", err))
	}

	if len(failures) > 0 {
		logger.Warn("Document partially deleted, indexes out of sync",
			zap.String("tenant_id", tenantID),
			zap.String("document_id", documentID),
			zap.Errors("failures", failures),
		)
		return fmt.Errorf("failed to delete document from indexes: %v", failures)
	}

	if err := p.catalog.DeleteDocument(tenantID, documentID); err != nil {
		return fmt.Errorf("failed to delete catalog row: %w", err)
	}

	metrics.DocumentsDeleted.Inc()

	logger.Info("Document deleted",
		zap.String("tenant_id", tenantID),
		zap.String("document_id", documentID),
	)

	return nil
}

// ListDocuments returns the tenant's corpus with chunk counts.
func (p *Pipeline) ListDocuments(tenantID string) ([]sqlite.DocumentSummary, error) {
	return p.catalog.ListDocuments(tenantID)
}

// CacheStats exposes result cache occupancy for the admin endpoint.
func (p *Pipeline) CacheStats() cache.Stats {
	return p.cache.Stats()
}

// ClearCache empties the result cache and reports how many entries fell.
func (p *Pipeline) ClearCache() int {
	return p.cache.Clear()
}
