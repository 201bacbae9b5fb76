// Package chunker splits extracted document text into retrievable units.
// Generic mode uses a fixed character window with overlap, sentence mode
// respects sentence boundaries, and structural mode emits one chunk per
// leaf section of a pre-parsed document tree.
package chunker

import (
	"fmt"
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

// Piece is one chunk-to-be: text plus whatever metadata the chunking mode
// could derive. The ingest pipeline turns pieces into stored chunks.
type Piece struct {
	Text     string
	Metadata models.ChunkMetadata
}

type Chunker struct {
	window  int
	overlap int
}

func New(window, overlap int) *Chunker {
	if window <= 0 {
		window = 800
	}
	if overlap < 0 || overlap >= window {
		overlap = window / 8
	}
	return &Chunker{window: window, overlap: overlap}
}

// ChunkGeneric slides a fixed window of c.window characters over the
// whitespace-normalized text, stepping by window minus overlap.
func (c *Chunker) ChunkGeneric(text string) []Piece {
	normalized := normalizeWhitespace(text)
	if normalized == "" {
		return nil
	}

	runes := []rune(normalized)
	if len(runes) <= c.window {
		return []Piece{{Text: normalized}}
	}

	step := c.window - c.overlap
	var pieces []Piece
	for start := 0; start < len(runes); start += step {
		end := start + c.window
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, Piece{Text: string(runes[start:end])})
		if end == len(runes) {
			break
		}
	}
	return pieces
}

// ChunkSentences accumulates whole sentences until the next one would
// exceed the window. A single sentence longer than the window is split at
// word boundaries instead; sentences are never cut mid-way otherwise.
func (c *Chunker) ChunkSentences(text string) []Piece {
	normalized := normalizeWhitespace(text)
	if normalized == "" {
		return nil
	}

	sentences, err := splitSentences(normalized)
	if err != nil {
		logger.Warn("Sentence segmentation failed, using generic chunking", zap.Error(err))
		return c.ChunkGeneric(text)
	}

	var pieces []Piece
	var current []string
	currentLen := 0

	flush := func() {
		if len(current) > 0 {
			pieces = append(pieces, Piece{Text: strings.Join(current, " ")})
			current = nil
			currentLen = 0
		}
	}

	for _, sentence := range sentences {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}

		if len(sentence) > c.window {
			flush()
			for _, part := range c.splitWords(sentence) {
				pieces = append(pieces, Piece{Text: part})
			}
			continue
		}

		if currentLen+len(sentence)+1 > c.window && len(current) > 0 {
			full := current
			flush()
			// Seed the next chunk with trailing sentences that fit the overlap.
			var carried []string
			carriedLen := 0
			for i := len(full) - 1; i >= 0; i-- {
				if carriedLen+len(full[i])+1 > c.overlap {
					break
				}
				carried = append([]string{full[i]}, carried...)
				carriedLen += len(full[i]) + 1
			}
			current = carried
			currentLen = carriedLen
		}

		current = append(current, sentence)
		currentLen += len(sentence) + 1
	}
	flush()

	return pieces
}

// ChunkStructural emits exactly one chunk per leaf section, carrying the
// structural labels as metadata. Length limits do not apply here: citation
// fidelity wins over compression.
func (c *Chunker) ChunkStructural(tree *models.SectionNode) []Piece {
	if tree == nil {
		return nil
	}

	var pieces []Piece
	walk(tree, nil, &pieces)
	return pieces
}

func walk(node *models.SectionNode, ancestors []*models.SectionNode, pieces *[]Piece) {
	if len(node.Children) == 0 {
		if piece, ok := leafPiece(node, ancestors); ok {
			*pieces = append(*pieces, piece)
		}
		return
	}

	path := append(ancestors, node)
	for i := range node.Children {
		walk(&node.Children[i], path, pieces)
	}
}

func leafPiece(node *models.SectionNode, ancestors []*models.SectionNode) (Piece, bool) {
	label := sectionLabel(node)

	var sb strings.Builder
	sb.WriteString(label)
	if node.Title != "" {
		sb.WriteString(" ")
		sb.WriteString(node.Title)
	}

	if context := contextLine(ancestors); context != "" {
		sb.WriteString("\n(Source: ")
		sb.WriteString(context)
		sb.WriteString(")")
	}
	sb.WriteString("\n\n")

	for _, p := range node.Paragraphs {
		if p.Number != "" {
			sb.WriteString(fmt.Sprintf("Paragraph %s. %s\n\n", p.Number, p.Text))
		} else {
			sb.WriteString(p.Text)
			sb.WriteString("\n\n")
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" || (len(node.Paragraphs) == 0 && node.Title == "") {
		return Piece{}, false
	}

	meta := models.ChunkMetadata{
		Categories:    node.Categories,
		Subtype:       node.Subtype,
		Themes:        node.Themes,
		ArticleNumber: node.Number,
		ArticleLabel:  label,
		ArticleTitle:  node.Title,
	}
	for _, a := range ancestors {
		switch strings.ToLower(a.Kind) {
		case "chapter":
			meta.Chapter = strings.TrimSpace(sectionLabel(a) + ". " + a.Title)
		case "section":
			meta.Section = strings.TrimSpace(sectionLabel(a) + ". " + a.Title)
		}
	}

	return Piece{Text: text, Metadata: meta}, true
}

func sectionLabel(node *models.SectionNode) string {
	kind := node.Kind
	if kind == "" {
		kind = "section"
	}
	kind = strings.ToUpper(kind[:1]) + strings.ToLower(kind[1:])
	if node.Number == "" {
		return kind
	}
	return kind + " " + node.Number
}

func contextLine(ancestors []*models.SectionNode) string {
	var parts []string
	for _, a := range ancestors {
		if a.Kind == "" && a.Number == "" && a.Title == "" {
			continue
		}
		part := sectionLabel(a)
		if a.Title != "" {
			part += ". " + a.Title
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " > ")
}

func (c *Chunker) splitWords(sentence string) []string {
	words := strings.Fields(sentence)
	var parts []string
	var current []string
	currentLen := 0

	for _, word := range words {
		if currentLen+len(word)+1 > c.window && len(current) > 0 {
			parts = append(parts, strings.Join(current, " "))
			current = nil
			currentLen = 0
		}
		current = append(current, word)
		currentLen += len(word) + 1
	}
	if len(current) > 0 {
		parts = append(parts, strings.Join(current, " "))
	}
	return parts
}

func splitSentences(text string) ([]string, error) {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return nil, err
	}

	sents := doc.Sentences()
	out := make([]string, 0, len(sents))
	for _, s := range sents {
		out = append(out, s.Text)
	}
	return out, nil
}

func normalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
