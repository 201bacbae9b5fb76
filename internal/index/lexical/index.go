// Package lexical implements index.LexicalIndex on SQLite FTS5 with BM25
// ranking. Some SQLite builds omit FTS5; those fall back to LIKE matching
// with a term-overlap score so search stays functional, just slower.
package lexical

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/index"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

type Index struct {
	db           *sql.DB
	ftsAvailable bool
}

func NewIndex(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open lexical database: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize lexical schema: %w", err)
	}

	logger.Info("Lexical index initialized",
		zap.String("path", dbPath),
		zap.Bool("fts5", idx.ftsAvailable),
	)
	return idx, nil
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

func (ix *Index) initSchema() error {
	base := `
	CREATE TABLE IF NOT EXISTS lexical_chunks (
		chunk_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		filename TEXT,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		subtype TEXT,
		article_number TEXT,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_lexical_tenant ON lexical_chunks(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_lexical_doc ON lexical_chunks(tenant_id, document_id);
	`
	if _, err := ix.db.Exec(base); err != nil {
		return err
	}

	fts := `
	CREATE VIRTUAL TABLE IF NOT EXISTS lexical_fts USING fts5(
		chunk_id UNINDEXED,
		tenant_id UNINDEXED,
		text,
		tokenize = 'porter unicode61'
	);
	`
	if _, err := ix.db.Exec(fts); err != nil {
		logger.Warn("FTS5 not available, falling back to LIKE search", zap.Error(err))
		ix.ftsAvailable = false
		return nil
	}
	ix.ftsAvailable = true
	return nil
}

func (ix *Index) Upsert(ctx context.Context, tenantID string, chunks []models.Chunk) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if len(chunks) == 0 {
		return nil
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, chunk := range chunks {
		meta, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for chunk %s: %w", chunk.ID, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO lexical_chunks
			 (chunk_id, tenant_id, document_id, filename, chunk_index, text, subtype, article_number, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			chunk.ID, tenantID, chunk.DocumentID, chunk.Filename, chunk.IndexInDoc,
			chunk.Text, chunk.Metadata.Subtype, chunk.Metadata.ArticleNumber, string(meta),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}

		if ix.ftsAvailable {
			_, err = tx.ExecContext(ctx, `DELETE FROM lexical_fts WHERE chunk_id = ?`, chunk.ID)
			if err != nil {
				return fmt.Errorf("failed to clear stale fts row: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO lexical_fts (chunk_id, tenant_id, text) VALUES (?, ?, ?)`,
				chunk.ID, tenantID, chunk.Text,
			)
			if err != nil {
				return fmt.Errorf("failed to insert fts row: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}

	logger.Info("Chunks inserted into lexical index",
		zap.String("tenant_id", tenantID),
		zap.Int("count", len(chunks)),
	)
	return nil
}

func (ix *Index) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if ix.ftsAvailable {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM lexical_fts WHERE chunk_id IN
			 (SELECT chunk_id FROM lexical_chunks WHERE tenant_id = ? AND document_id = ?)`,
			tenantID, documentID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete fts rows: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM lexical_chunks WHERE tenant_id = ? AND document_id = ?`,
		tenantID, documentID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	logger.Info("Document chunks deleted from lexical index",
		zap.String("tenant_id", tenantID),
		zap.String("document_id", documentID),
	)
	return nil
}

func (ix *Index) Search(ctx context.Context, tenantID, query string, limit int, filters map[string]string) ([]index.Hit, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	if ix.ftsAvailable {
		return ix.searchFTS(ctx, tenantID, terms, limit, filters)
	}
	return ix.searchLike(ctx, tenantID, terms, limit, filters)
}

func (ix *Index) searchFTS(ctx context.Context, tenantID string, terms []string, limit int, filters map[string]string) ([]index.Hit, error) {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	match := strings.Join(quoted, " OR ")

	sqlStr := `
		SELECT c.chunk_id, c.document_id, c.filename, c.chunk_index, c.text, c.metadata,
		       bm25(lexical_fts) AS rank
		FROM lexical_fts f
		JOIN lexical_chunks c ON c.chunk_id = f.chunk_id
		WHERE lexical_fts MATCH ? AND c.tenant_id = ?`
	args := []interface{}{match, tenantID}

	for _, field := range []string{"subtype", "article_number", "document_id"} {
		if v, ok := filters[field]; ok && v != "" {
			sqlStr += fmt.Sprintf(" AND c.%s = ?", field)
			args = append(args, v)
		}
	}
	sqlStr += " ORDER BY rank ASC LIMIT ?"
	args = append(args, limit)

	rows, err := ix.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search lexical index: %w", err)
	}
	defer rows.Close()

	var hits []index.Hit
	for rows.Next() {
		var h index.Hit
		var metaRaw sql.NullString
		var rank float64
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Filename, &h.ChunkIndex, &h.Text, &metaRaw, &rank); err != nil {
			return nil, fmt.Errorf("failed to scan lexical hit: %w", err)
		}
		h.Metadata = decodeMetadata(metaRaw)
		h.Score = normalizeBM25(rank)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (ix *Index) searchLike(ctx context.Context, tenantID string, terms []string, limit int, filters map[string]string) ([]index.Hit, error) {
	sqlStr := `
		SELECT chunk_id, document_id, filename, chunk_index, text, metadata
		FROM lexical_chunks
		WHERE tenant_id = ?`
	args := []interface{}{tenantID}

	sqlStr += " AND ("
	for i, t := range terms {
		if i > 0 {
			sqlStr += " OR "
		}
		sqlStr += "text LIKE ?"
		args = append(args, "%"+t+"%")
	}
	sqlStr += ")"

	for _, field := range []string{"subtype", "article_number", "document_id"} {
		if v, ok := filters[field]; ok && v != "" {
			sqlStr += fmt.Sprintf(" AND %s = ?", field)
			args = append(args, v)
		}
	}

	rows, err := ix.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search lexical index: %w", err)
	}
	defer rows.Close()

	var hits []index.Hit
	for rows.Next() {
		var h index.Hit
		var metaRaw sql.NullString
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Filename, &h.ChunkIndex, &h.Text, &metaRaw); err != nil {
			return nil, fmt.Errorf("failed to scan lexical hit: %w", err)
		}
		h.Metadata = decodeMetadata(metaRaw)
		h.Score = termOverlapScore(h.Text, terms)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkIndex < hits[j].ChunkIndex
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// decodeMetadata unmarshals the JSON metadata column written by Upsert;
// a NULL or malformed value yields the zero metadata.
func decodeMetadata(raw sql.NullString) models.ChunkMetadata {
	var meta models.ChunkMetadata
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), &meta)
	}
	return meta
}

// normalizeBM25 folds SQLite's bm25() rank (non-positive, more negative is
// better) into [0, 1), higher is better.
func normalizeBM25(rank float64) float64 {
	if rank > 0 {
		rank = -rank
	}
	abs := -rank
	return abs / (1 + abs)
}

func termOverlapScore(text string, terms []string) float64 {
	lower := strings.ToLower(text)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// queryTerms tokenizes the raw query, lowercases, and drops stopwords and
// FTS operator characters so user input can never inject MATCH syntax.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '.')
	})

	seen := make(map[string]bool)
	var terms []string
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if f == "" || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "have": true,
	"in": true, "is": true, "it": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "this": true, "to": true, "was": true,
	"what": true, "when": true, "where": true, "which": true, "with": true,
}
