// Package ingestion prepares uploaded payloads for the pipeline: HTML is
// stripped to clean text, and structured uploads are parsed into the
// section tree the chunker walks.
package ingestion

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/docqa/backend/internal/storage/models"
)

var whitespacePattern = regexp.MustCompile(`\s+`)

// ExtractHTML strips boilerplate elements and returns the page title and
// the flattened body text.
func ExtractHTML(html string) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find("script, style, nav, footer, header, aside").Each(func(_ int, s *goquery.Selection) {
		s.Remove()
	})

	text = doc.Find("body").Text()
	text = whitespacePattern.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	return title, text, nil
}

// ParseStructure decodes a pre-parsed section tree uploaded alongside a
// structured document.
func ParseStructure(raw []byte) (*models.SectionNode, error) {
	var tree models.SectionNode
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse section tree: %w", err)
	}
	if tree.Kind == "" && len(tree.Children) == 0 && len(tree.Paragraphs) == 0 {
		return nil, fmt.Errorf("section tree is empty")
	}
	return &tree, nil
}
