package models

import "time"

type Document struct {
	ID        string
	TenantID  string
	Filename  string
	Format    string
	CreatedAt time.Time
}

// Chunk is one retrievable unit of a document. Immutable once created;
// removed from both indexes when the owning document is deleted.
type Chunk struct {
	ID         string
	DocumentID string
	TenantID   string
	Filename   string
	Text       string
	IndexInDoc int
	Metadata   ChunkMetadata
	CreatedAt  time.Time
}

// ChunkMetadata carries the well-known fields the reranker matches on plus
// an open extension map for corpus-specific tags.
type ChunkMetadata struct {
	Categories    []string          `json:"categories,omitempty"`
	Subtype       string            `json:"subtype,omitempty"`
	Themes        []string          `json:"themes,omitempty"`
	ArticleNumber string            `json:"article_number,omitempty"`
	ArticleLabel  string            `json:"article_label,omitempty"`
	ArticleTitle  string            `json:"article_title,omitempty"`
	Chapter       string            `json:"chapter,omitempty"`
	Section       string            `json:"section,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// SectionNode is a pre-parsed structural tree delivered by the ingestion
// collaborator for formats with known hierarchy. Leaf nodes become chunks.
type SectionNode struct {
	Kind       string        `json:"kind"`
	Number     string        `json:"number"`
	Title      string        `json:"title,omitempty"`
	Paragraphs []Paragraph   `json:"paragraphs,omitempty"`
	Categories []string      `json:"categories,omitempty"`
	Subtype    string        `json:"subtype,omitempty"`
	Themes     []string      `json:"themes,omitempty"`
	Children   []SectionNode `json:"children,omitempty"`
}

type Paragraph struct {
	Number string `json:"number,omitempty"`
	Text   string `json:"text"`
}

type QueryRecord struct {
	ID           string
	TenantID     string
	QueryText    string
	Answer       string
	Breadth      int
	SourcesCount int
	CacheHit     bool
	LatencyMS    int
	CreatedAt    time.Time
}

type QuerySource struct {
	ID         int
	QueryID    string
	ChunkID    string
	DocumentID string
	Score      float64
}
