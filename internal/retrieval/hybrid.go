// Package retrieval turns an analyzed query into a ranked, filtered set of
// chunk candidates. The hybrid retriever fans out to the vector and lexical
// indexes in parallel, the reranker applies metadata bonuses and optional
// LLM verification, and the filter enforces the relevance thresholds.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/docqa/backend/internal/index"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/pkg/config"
	"github.com/docqa/backend/pkg/logger"
)

// overfetch widens both index queries so that reranking and filtering have
// enough candidates to work with.
const overfetch = 3

// Candidate is a chunk with its per-index scores and the combined score
// that ranks it. Combined starts as the weighted sum and is later adjusted
// by the reranker.
type Candidate struct {
	Hit          index.Hit
	VectorScore  float64
	LexicalScore float64
	Combined     float64
}

type queryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type Retriever struct {
	vector   index.VectorIndex
	lexical  index.LexicalIndex
	embedder queryEmbedder
	cfg      config.RetrievalConfig
}

func NewRetriever(vector index.VectorIndex, lexical index.LexicalIndex, embedder queryEmbedder, cfg config.RetrievalConfig) *Retriever {
	return &Retriever{
		vector:   vector,
		lexical:  lexical,
		embedder: embedder,
		cfg:      cfg,
	}
}

// Retrieve fetches overfetch*breadth hits from each index, merges them by
// chunk id, scores each candidate as the weighted sum of its sides, and
// returns the top breadth by combined score. The vector side searches with
// the embedded expanded query; the lexical side tokenizes the raw query. A
// chunk found by only one index scores zero on the other. If one index
// fails the other side still answers; only a double failure is an error.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, rawQuery, expandedQuery string, breadth int, filters map[string]string) ([]Candidate, error) {
	limit := breadth * overfetch

	embedding, err := r.embedder.EmbedQuery(ctx, expandedQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var (
		wg          sync.WaitGroup
		vectorHits  []index.Hit
		lexicalHits []index.Hit
		vectorErr   error
		lexicalErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vectorHits, vectorErr = r.vector.Search(ctx, tenantID, embedding, limit, filters)
	}()
	go func() {
		defer wg.Done()
		lexicalHits, lexicalErr = r.lexical.Search(ctx, tenantID, rawQuery, limit, filters)
	}()
	wg.Wait()

	if vectorErr != nil && lexicalErr != nil {
		return nil, fmt.Errorf("both indexes failed: vector: %v, lexical: %v", vectorErr, lexicalErr)
	}
	if vectorErr != nil {
		logger.Warn("Vector search failed, continuing lexical-only", zap.Error(vectorErr))
	}
	if lexicalErr != nil {
		logger.Warn("Lexical search failed, continuing vector-only", zap.Error(lexicalErr))
	}

	metrics.RetrievalCandidates.WithLabelValues("vector").Observe(float64(len(vectorHits)))
	metrics.RetrievalCandidates.WithLabelValues("lexical").Observe(float64(len(lexicalHits)))

	candidates := r.merge(vectorHits, lexicalHits)
	if len(candidates) > breadth {
		candidates = candidates[:breadth]
	}

	logger.Debug("Hybrid retrieval complete",
		zap.String("tenant_id", tenantID),
		zap.Int("vector_hits", len(vectorHits)),
		zap.Int("lexical_hits", len(lexicalHits)),
		zap.Int("candidates", len(candidates)),
	)

	return candidates, nil
}

func (r *Retriever) merge(vectorHits, lexicalHits []index.Hit) []Candidate {
	byID := make(map[string]*Candidate, len(vectorHits)+len(lexicalHits))

	for _, hit := range vectorHits {
		byID[hit.ChunkID] = &Candidate{Hit: hit, VectorScore: hit.Score}
	}
	for _, hit := range lexicalHits {
		if c, ok := byID[hit.ChunkID]; ok {
			c.LexicalScore = hit.Score
			continue
		}
		byID[hit.ChunkID] = &Candidate{Hit: hit, LexicalScore: hit.Score}
	}

	candidates := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		c.Combined = r.cfg.VectorWeight*c.VectorScore + r.cfg.LexicalWeight*c.LexicalScore
		candidates = append(candidates, *c)
	}

	SortCandidates(candidates)
	return candidates
}

// SortCandidates orders by combined score descending with deterministic
// tie-breaking so identical inputs always produce identical rankings.
func SortCandidates(candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Combined != b.Combined {
			return a.Combined > b.Combined
		}
		if a.VectorScore != b.VectorScore {
			return a.VectorScore > b.VectorScore
		}
		if a.Hit.ChunkIndex != b.Hit.ChunkIndex {
			return a.Hit.ChunkIndex < b.Hit.ChunkIndex
		}
		return a.Hit.ChunkID < b.Hit.ChunkID
	})
}
