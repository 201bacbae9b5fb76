// Package analyzer inspects a query before retrieval. A rule-based pass
// extracts article references, building categories, construction subtype,
// and regulation themes; an optional LLM pass expands the query and adds
// classifications the rules missed. The LLM is advisory: if it fails or
// returns garbage, the rule-based result stands.
package analyzer

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/pkg/logger"
)

// QueryMetadata is what the analyzer learned about a query. Confidence is
// a rule-based score in [0,1]; the reranker only calls the verifier when
// it is low.
type QueryMetadata struct {
	Categories    []string `json:"categories"`
	Subtype       string   `json:"subtype"`
	Themes        []string `json:"themes"`
	NumericRefs   []string `json:"numeric_refs"`
	Chapter       string   `json:"chapter"`
	ExpandedQuery string   `json:"expanded_query"`
	RelatedTerms  []string `json:"related_terms"`
	Confidence    float64  `json:"confidence"`
}

type metadataLLM interface {
	ExtractQueryMetadata(ctx context.Context, query string) (string, error)
}

type Analyzer struct {
	llm metadataLLM
}

// New returns an analyzer. A nil client disables the LLM pass.
func New(client metadataLLM) *Analyzer {
	return &Analyzer{llm: client}
}

var (
	articleRefPattern = regexp.MustCompile(`\b(\d+\.\d+[a-z]?)\b`)
	chapterPattern    = regexp.MustCompile(`(?i)\bchapter\s+(\d+)\b`)
	articlePattern    = regexp.MustCompile(`(?i)\barticle\s+(\d+(?:\.\d+)?[a-z]?)\b`)
)

// categoryTerms maps each building category to the phrases that imply it.
var categoryTerms = map[string][]string{
	"residential": {"residential", "dwelling", "house", "home", "apartment", "housing"},
	"office":      {"office", "workplace"},
	"retail":      {"retail", "shop", "store", "commercial space"},
	"industrial":  {"industrial", "factory", "warehouse", "plant"},
	"healthcare":  {"healthcare", "hospital", "clinic", "care facility", "nursing"},
	"education":   {"education", "school", "classroom", "university", "daycare"},
	"lodging":     {"lodging", "hotel", "hostel", "guesthouse"},
	"assembly":    {"assembly", "theater", "cinema", "stadium", "meeting hall"},
	"sports":      {"sports", "gym", "swimming pool", "sports hall"},
	"detention":   {"detention", "prison", "cell"},
}

var themeTerms = map[string][]string{
	"fire safety":        {"fire", "smoke", "flame", "escape route", "evacuation", "sprinkler", "emergency exit"},
	"ventilation":        {"ventilation", "air supply", "air quality", "fresh air", "exhaust"},
	"energy performance": {"energy", "insulation", "thermal", "heat loss", "airtightness"},
	"daylight":           {"daylight", "window area", "natural light"},
	"noise":              {"noise", "sound insulation", "acoustic", "decibel"},
	"moisture":           {"moisture", "damp", "waterproof", "condensation"},
	"accessibility":      {"accessibility", "wheelchair", "accessible", "barrier-free", "elevator"},
	"structural safety":  {"structural", "load-bearing", "collapse", "foundation", "stability"},
	"safe heights":       {"fall protection", "railing", "balustrade", "stair", "parapet"},
}

var subtypeTerms = map[string][]string{
	"new construction":      {"new construction", "new build", "newly built", "to be built"},
	"existing construction": {"existing construction", "existing building", "renovation", "renovated", "refurbishment"},
}

// Analyze runs the rule-based pass and, when an LLM is configured, merges
// its output on top.
func (a *Analyzer) Analyze(ctx context.Context, query string) QueryMetadata {
	meta := a.analyzeRules(query)

	if a.llm != nil {
		a.mergeLLM(ctx, query, &meta)
	}

	if meta.ExpandedQuery == "" {
		meta.ExpandedQuery = query
	}

	logger.Debug("Query analyzed",
		zap.Strings("categories", meta.Categories),
		zap.String("subtype", meta.Subtype),
		zap.Strings("themes", meta.Themes),
		zap.Strings("numeric_refs", meta.NumericRefs),
		zap.Float64("confidence", meta.Confidence),
	)

	return meta
}

func (a *Analyzer) analyzeRules(query string) QueryMetadata {
	lower := strings.ToLower(query)
	meta := QueryMetadata{}

	seen := map[string]bool{}
	for _, m := range articlePattern.FindAllStringSubmatch(query, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			meta.NumericRefs = append(meta.NumericRefs, m[1])
		}
	}
	for _, m := range articleRefPattern.FindAllStringSubmatch(query, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			meta.NumericRefs = append(meta.NumericRefs, m[1])
		}
	}

	if m := chapterPattern.FindStringSubmatch(query); m != nil {
		meta.Chapter = m[1]
	}

	meta.Categories = matchTerms(lower, categoryTerms)
	meta.Themes = matchTerms(lower, themeTerms)

	for subtype, terms := range subtypeTerms {
		for _, term := range terms {
			if strings.Contains(lower, term) {
				meta.Subtype = subtype
				break
			}
		}
		if meta.Subtype != "" {
			break
		}
	}

	meta.Confidence = scoreConfidence(meta)
	return meta
}

func (a *Analyzer) mergeLLM(ctx context.Context, query string, meta *QueryMetadata) {
	raw, err := a.llm.ExtractQueryMetadata(ctx, query)
	if err != nil {
		logger.Warn("LLM query analysis unavailable, using rule-based result", zap.Error(err))
		return
	}

	var extracted struct {
		Categories    []string `json:"categories"`
		Subtype       string   `json:"subtype"`
		Themes        []string `json:"themes"`
		ExpandedQuery string   `json:"expanded_query"`
		RelatedTerms  []string `json:"related_terms"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &extracted); err != nil {
		logger.Warn("LLM query analysis returned invalid JSON, using rule-based result", zap.Error(err))
		return
	}

	meta.Categories = mergeLists(meta.Categories, extracted.Categories)
	meta.Themes = mergeLists(meta.Themes, extracted.Themes)
	meta.RelatedTerms = mergeLists(meta.RelatedTerms, extracted.RelatedTerms)
	if meta.Subtype == "" {
		meta.Subtype = strings.ToLower(strings.TrimSpace(extracted.Subtype))
	}
	if extracted.ExpandedQuery != "" {
		meta.ExpandedQuery = extracted.ExpandedQuery
	}
}

// scoreConfidence weighs the rule-based signals. Explicit article numbers
// are the strongest signal a query is answerable from the corpus.
func scoreConfidence(meta QueryMetadata) float64 {
	score := 0.0
	if len(meta.NumericRefs) > 0 || meta.Chapter != "" {
		score += 0.4
	}
	if len(meta.Categories) > 0 {
		score += 0.3
	}
	if meta.Subtype != "" {
		score += 0.15
	}
	if len(meta.Themes) > 0 {
		score += 0.15
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func matchTerms(lowerQuery string, vocabulary map[string][]string) []string {
	var matched []string
	for label, terms := range vocabulary {
		for _, term := range terms {
			if strings.Contains(lowerQuery, term) {
				matched = append(matched, label)
				break
			}
		}
	}
	sort.Strings(matched)
	return matched
}

func mergeLists(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	out := append([]string(nil), base...)
	for _, s := range base {
		seen[strings.ToLower(s)] = true
	}
	for _, s := range extra {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
