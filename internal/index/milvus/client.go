package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/index"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

// Client implements index.VectorIndex on a single Milvus collection.
// Tenant isolation is enforced with a tenant_id predicate applied before
// ranking; every public method requires a non-empty tenant id.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(
		context.Background(),
		endpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Document chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     "tenant_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "document_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "filename",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "512",
				},
			},
			{
				Name:     "chunk_index",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "text",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "16384",
				},
			},
			{
				Name:     "subtype",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "article_number",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "32",
				},
			},
			{
				Name:     "metadata",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "8192",
				},
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	err = m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.client.LoadCollection(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

func (m *Client) Upsert(ctx context.Context, tenantID string, chunks []models.Chunk, embeddings [][]float32) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chunk/embedding count mismatch: %d vs %d", len(chunks), len(embeddings))
	}

	chunkIDs := make([]string, len(chunks))
	vectors := make([][]float32, len(chunks))
	tenants := make([]string, len(chunks))
	docIDs := make([]string, len(chunks))
	filenames := make([]string, len(chunks))
	indexes := make([]int64, len(chunks))
	texts := make([]string, len(chunks))
	subtypes := make([]string, len(chunks))
	articles := make([]string, len(chunks))
	metas := make([]string, len(chunks))

	for i, chunk := range chunks {
		meta, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for chunk %s: %w", chunk.ID, err)
		}

		chunkIDs[i] = chunk.ID
		vectors[i] = embeddings[i]
		tenants[i] = tenantID
		docIDs[i] = chunk.DocumentID
		filenames[i] = chunk.Filename
		indexes[i] = int64(chunk.IndexInDoc)
		texts[i] = chunk.Text
		subtypes[i] = chunk.Metadata.Subtype
		articles[i] = chunk.Metadata.ArticleNumber
		metas[i] = string(meta)
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnFloatVector("embedding", m.vectorDim, vectors),
		entity.NewColumnVarChar("tenant_id", tenants),
		entity.NewColumnVarChar("document_id", docIDs),
		entity.NewColumnVarChar("filename", filenames),
		entity.NewColumnInt64("chunk_index", indexes),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("subtype", subtypes),
		entity.NewColumnVarChar("article_number", articles),
		entity.NewColumnVarChar("metadata", metas),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	err = m.client.Flush(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks inserted into vector index",
		zap.String("tenant_id", tenantID),
		zap.Int("count", len(chunks)),
	)

	return nil
}

func (m *Client) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}

	expr := fmt.Sprintf(`tenant_id == "%s" && document_id == "%s"`,
		sanitize(tenantID), sanitize(documentID))

	err := m.client.Delete(ctx, m.collectionName, "", expr)
	if err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}

	logger.Info("Document chunks deleted from vector index",
		zap.String("tenant_id", tenantID),
		zap.String("document_id", documentID),
	)
	return nil
}

func (m *Client) Search(ctx context.Context, tenantID string, queryEmbedding []float32, limit int, filters map[string]string) ([]index.Hit, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	expr := fmt.Sprintf(`tenant_id == "%s"`, sanitize(tenantID))
	for _, field := range []string{"subtype", "article_number", "document_id"} {
		if v, ok := filters[field]; ok && v != "" {
			expr += fmt.Sprintf(` && %s == "%s"`, field, sanitize(v))
		}
	}

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"chunk_id", "document_id", "filename", "chunk_index", "text", "metadata"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.COSINE,
		limit,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]index.Hit, 0)
	for _, sr := range searchResult {
		chunkIDCol := sr.Fields.GetColumn("chunk_id")
		docIDCol := sr.Fields.GetColumn("document_id")
		filenameCol := sr.Fields.GetColumn("filename")
		idxCol := sr.Fields.GetColumn("chunk_index")
		textCol := sr.Fields.GetColumn("text")
		metaCol := sr.Fields.GetColumn("metadata")

		for i := 0; i < sr.ResultCount; i++ {
			chunkID, _ := chunkIDCol.Get(i)
			docID, _ := docIDCol.Get(i)
			filename, _ := filenameCol.Get(i)
			chunkIdx, _ := idxCol.Get(i)
			text, _ := textCol.Get(i)
			metaRaw, _ := metaCol.Get(i)

			var meta models.ChunkMetadata
			if s, ok := metaRaw.(string); ok && s != "" {
				if err := json.Unmarshal([]byte(s), &meta); err != nil {
					logger.Warn("Failed to decode chunk metadata", zap.Error(err))
				}
			}

			hits = append(hits, index.Hit{
				ChunkID:    chunkID.(string),
				DocumentID: docID.(string),
				Filename:   filename.(string),
				ChunkIndex: int(chunkIdx.(int64)),
				Text:       text.(string),
				Score:      clampScore(float64(sr.Scores[i])),
				Metadata:   meta,
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.String("tenant_id", tenantID),
		zap.Int("limit", limit),
		zap.Int("results", len(hits)),
		zap.String("expr", expr),
	)

	return hits, nil
}

// clampScore bounds a cosine similarity into [0, 1] so it combines cleanly
// with the lexical score.
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func sanitize(s string) string {
	return strings.NewReplacer(`"`, ``, `\`, ``).Replace(s)
}
