package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		format TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON document_chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_tenant ON document_chunks(tenant_id);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		answer TEXT,
		breadth INTEGER,
		sources_count INTEGER,
		cache_hit INTEGER DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_tenant ON query_history(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);

	CREATE TABLE IF NOT EXISTS query_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		chunk_id TEXT,
		document_id TEXT,
		score REAL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sources_query ON query_sources(query_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertDocument(doc *models.Document) error {
	_, err := c.db.Exec(
		`INSERT INTO documents (id, tenant_id, filename, format, created_at) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.TenantID, doc.Filename, doc.Format, doc.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func (c *Client) InsertChunk(chunk *models.Chunk) error {
	meta, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk metadata: %w", err)
	}

	_, err = c.db.Exec(
		`INSERT INTO document_chunks (id, document_id, tenant_id, chunk_index, text, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chunk.ID, chunk.DocumentID, chunk.TenantID, chunk.IndexInDoc, chunk.Text, string(meta), chunk.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	return nil
}

func (c *Client) GetDocument(tenantID, documentID string) (*models.Document, error) {
	row := c.db.QueryRow(
		`SELECT id, tenant_id, filename, format, created_at FROM documents WHERE tenant_id = ? AND id = ?`,
		tenantID, documentID,
	)

	var doc models.Document
	var createdAt int64
	err := row.Scan(&doc.ID, &doc.TenantID, &doc.Filename, &doc.Format, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	doc.CreatedAt = time.Unix(createdAt, 0)
	return &doc, nil
}

func (c *Client) ListDocuments(tenantID string) ([]DocumentSummary, error) {
	rows, err := c.db.Query(
		`SELECT d.id, d.filename, d.format, d.created_at, COUNT(ch.id)
		 FROM documents d
		 LEFT JOIN document_chunks ch ON ch.document_id = d.id
		 WHERE d.tenant_id = ?
		 GROUP BY d.id
		 ORDER BY d.created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []DocumentSummary
	for rows.Next() {
		var d DocumentSummary
		var createdAt int64
		if err := rows.Scan(&d.ID, &d.Filename, &d.Format, &createdAt, &d.ChunkCount); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		d.CreatedAt = time.Unix(createdAt, 0)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (c *Client) CountDocuments(tenantID string) (int, error) {
	var count int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM documents WHERE tenant_id = ?`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

func (c *Client) DeleteDocument(tenantID, documentID string) error {
	res, err := c.db.Exec(`DELETE FROM documents WHERE tenant_id = ? AND id = ?`, tenantID, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	affected, _ := res.RowsAffected()
	logger.Debug("Document deleted from catalog",
		zap.String("document_id", documentID),
		zap.Int64("rows", affected),
	)
	return nil
}

func (c *Client) InsertQueryRecord(record *models.QueryRecord) error {
	_, err := c.db.Exec(
		`INSERT INTO query_history (id, tenant_id, query_text, answer, breadth, sources_count, cache_hit, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.TenantID, record.QueryText, record.Answer, record.Breadth,
		record.SourcesCount, boolToInt(record.CacheHit), record.LatencyMS, record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}
	return nil
}

func (c *Client) InsertQuerySource(source *models.QuerySource) error {
	_, err := c.db.Exec(
		`INSERT INTO query_sources (query_id, chunk_id, document_id, score) VALUES (?, ?, ?, ?)`,
		source.QueryID, source.ChunkID, source.DocumentID, source.Score,
	)
	if err != nil {
		return fmt.Errorf("failed to insert query source: %w", err)
	}
	return nil
}

type DocumentSummary struct {
	ID         string    `json:"document_id"`
	Filename   string    `json:"filename"`
	Format     string    `json:"format"`
	CreatedAt  time.Time `json:"created_at"`
	ChunkCount int       `json:"chunks_count"`
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
