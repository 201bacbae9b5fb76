package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/internal/storage/models"
)

func TestChunkGeneric(t *testing.T) {
	t.Run("empty input produces zero chunks", func(t *testing.T) {
		c := New(800, 150)
		assert.Empty(t, c.ChunkGeneric(""))
		assert.Empty(t, c.ChunkGeneric("   \n\t  "))
	})

	t.Run("short text emits a single chunk", func(t *testing.T) {
		c := New(800, 150)
		pieces := c.ChunkGeneric("hello world")
		require.Len(t, pieces, 1)
		assert.Equal(t, "hello world", pieces[0].Text)
	})

	t.Run("single chunk shorter than overlap still emits", func(t *testing.T) {
		c := New(800, 150)
		pieces := c.ChunkGeneric("tiny")
		require.Len(t, pieces, 1)
		assert.Equal(t, "tiny", pieces[0].Text)
	})

	t.Run("windows respect size and overlap", func(t *testing.T) {
		c := New(100, 20)
		text := strings.Repeat("abcdefghij", 50)
		pieces := c.ChunkGeneric(text)
		require.Greater(t, len(pieces), 1)

		for i, p := range pieces {
			if i < len(pieces)-1 {
				assert.Len(t, p.Text, 100)
			} else {
				assert.LessOrEqual(t, len(p.Text), 100)
			}
		}
	})

	t.Run("deterministic across runs", func(t *testing.T) {
		c := New(100, 20)
		text := strings.Repeat("the quick brown fox jumps over the lazy dog ", 30)
		first := c.ChunkGeneric(text)
		second := c.ChunkGeneric(text)
		require.Equal(t, len(first), len(second))
		for i := range first {
			assert.Equal(t, first[i].Text, second[i].Text)
		}
	})

	t.Run("non-overlapping portions reconstruct the normalized text", func(t *testing.T) {
		overlap := 20
		c := New(100, overlap)
		text := "  " + strings.Repeat("lorem ipsum dolor sit amet ", 40) + "  "
		normalized := strings.Join(strings.Fields(text), " ")

		pieces := c.ChunkGeneric(text)
		require.NotEmpty(t, pieces)

		var rebuilt strings.Builder
		for i, p := range pieces {
			runes := []rune(p.Text)
			if i == 0 {
				rebuilt.WriteString(p.Text)
			} else {
				rebuilt.WriteString(string(runes[overlap:]))
			}
		}
		assert.Equal(t, normalized, rebuilt.String())
	})
}

func TestChunkSentences(t *testing.T) {
	t.Run("empty input produces zero chunks", func(t *testing.T) {
		c := New(200, 40)
		assert.Empty(t, c.ChunkSentences(""))
	})

	t.Run("never splits mid-sentence when sentences fit", func(t *testing.T) {
		c := New(120, 30)
		text := "The stairway must be at least one meter wide. Handrails are required on both sides. " +
			"Emergency lighting must stay on for an hour. Every exit door opens outward. " +
			"Smoke detectors are mandatory in every corridor."

		pieces := c.ChunkSentences(text)
		require.NotEmpty(t, pieces)

		for _, p := range pieces {
			trimmed := strings.TrimSpace(p.Text)
			assert.Regexp(t, `[.!?]$`, trimmed)
		}
	})

	t.Run("oversized sentence falls back to word splitting", func(t *testing.T) {
		c := New(50, 10)
		long := strings.Repeat("word ", 40) + "end."
		pieces := c.ChunkSentences(long)
		require.Greater(t, len(pieces), 1)
		for _, p := range pieces {
			assert.LessOrEqual(t, len(p.Text), 50)
		}
	})

	t.Run("deterministic across runs", func(t *testing.T) {
		c := New(150, 30)
		text := "First sentence here. Second sentence follows. Third one is a bit longer than the others. Fourth closes it."
		first := c.ChunkSentences(text)
		second := c.ChunkSentences(text)
		assert.Equal(t, first, second)
	})
}

func TestChunkStructural(t *testing.T) {
	tree := &models.SectionNode{
		Kind:   "chapter",
		Number: "4",
		Title:  "Fire Safety",
		Children: []models.SectionNode{
			{
				Kind:   "section",
				Number: "4.1",
				Title:  "Escape Routes",
				Children: []models.SectionNode{
					{
						Kind:       "article",
						Number:     "4.101",
						Title:      "Width of escape routes",
						Categories: []string{"residential", "office"},
						Subtype:    "new construction",
						Themes:     []string{"fire safety"},
						Paragraphs: []models.Paragraph{
							{Number: "1", Text: "An escape route has a free width of at least 0.85 m."},
							{Number: "2", Text: "A shared escape route has a free width of at least 1.2 m."},
						},
					},
					{
						Kind:   "article",
						Number: "4.102",
						Title:  "Escape route capacity",
						Paragraphs: []models.Paragraph{
							{Text: "The capacity follows from the occupancy of the served rooms."},
						},
					},
				},
			},
		},
	}

	t.Run("one chunk per leaf article regardless of length", func(t *testing.T) {
		c := New(800, 150)
		pieces := c.ChunkStructural(tree)
		require.Len(t, pieces, 2)
	})

	t.Run("structural labels become metadata", func(t *testing.T) {
		c := New(800, 150)
		pieces := c.ChunkStructural(tree)
		require.Len(t, pieces, 2)

		first := pieces[0]
		assert.Equal(t, "4.101", first.Metadata.ArticleNumber)
		assert.Equal(t, "Article 4.101", first.Metadata.ArticleLabel)
		assert.Equal(t, "Width of escape routes", first.Metadata.ArticleTitle)
		assert.Equal(t, "Chapter 4. Fire Safety", first.Metadata.Chapter)
		assert.Equal(t, "Section 4.1. Escape Routes", first.Metadata.Section)
		assert.Equal(t, []string{"residential", "office"}, first.Metadata.Categories)
		assert.Equal(t, "new construction", first.Metadata.Subtype)
	})

	t.Run("chunk text carries label and paragraphs", func(t *testing.T) {
		c := New(800, 150)
		pieces := c.ChunkStructural(tree)
		require.Len(t, pieces, 2)

		assert.Contains(t, pieces[0].Text, "Article 4.101 Width of escape routes")
		assert.Contains(t, pieces[0].Text, "Paragraph 1. An escape route has a free width")
		assert.Contains(t, pieces[0].Text, "Chapter 4. Fire Safety")
		assert.Contains(t, pieces[1].Text, "The capacity follows from the occupancy")
	})

	t.Run("nil tree produces zero chunks", func(t *testing.T) {
		c := New(800, 150)
		assert.Empty(t, c.ChunkStructural(nil))
	})

	t.Run("deterministic across runs", func(t *testing.T) {
		c := New(800, 150)
		assert.Equal(t, c.ChunkStructural(tree), c.ChunkStructural(tree))
	})
}
