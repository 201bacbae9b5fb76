// Package index defines the contracts both retrieval indexes satisfy.
// Every operation takes an explicit tenant id; there is no global search.
package index

import (
	"context"

	"github.com/docqa/backend/internal/storage/models"
)

// Hit is one ranked result from a single index. Score is normalized to
// [0, 1], higher is better, for both the vector and lexical side.
type Hit struct {
	ChunkID    string
	DocumentID string
	Filename   string
	ChunkIndex int
	Text       string
	Score      float64
	Metadata   models.ChunkMetadata
}

// VectorIndex ranks chunks by cosine similarity between the query embedding
// and stored embeddings, restricted to one tenant before ranking.
type VectorIndex interface {
	Upsert(ctx context.Context, tenantID string, chunks []models.Chunk, embeddings [][]float32) error
	DeleteByDocument(ctx context.Context, tenantID, documentID string) error
	Search(ctx context.Context, tenantID string, queryEmbedding []float32, limit int, filters map[string]string) ([]Hit, error)
}

// LexicalIndex ranks the same chunks by full-text relevance over a stemmed
// tokenization, restricted to one tenant before ranking.
type LexicalIndex interface {
	Upsert(ctx context.Context, tenantID string, chunks []models.Chunk) error
	DeleteByDocument(ctx context.Context, tenantID, documentID string) error
	Search(ctx context.Context, tenantID, query string, limit int, filters map[string]string) ([]Hit, error)
}
