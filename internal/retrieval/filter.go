package retrieval

import (
	"go.uber.org/zap"

	"github.com/docqa/backend/pkg/config"
	"github.com/docqa/backend/pkg/logger"
)

// Filter applies the two-tier relevance cutoff. Candidates at or above the
// high threshold are trusted up to the requested breadth. When they leave
// slots open, candidates between the two thresholds top up the result under
// a tighter cap so a weak result set stays small.
type Filter struct {
	cfg config.FilterConfig
}

func NewFilter(cfg config.FilterConfig) *Filter {
	return &Filter{cfg: cfg}
}

// Apply expects candidates sorted by combined score descending. It returns
// an empty slice, never nil-vs-empty distinctions callers must handle,
// when nothing clears the low threshold.
func (f *Filter) Apply(candidates []Candidate, breadth int) []Candidate {
	selected := make([]Candidate, 0, breadth)
	for _, c := range candidates {
		if c.Combined >= f.cfg.HighThreshold {
			selected = append(selected, c)
			if len(selected) == breadth {
				return selected
			}
		}
	}

	limit := f.cfg.FallbackCap
	if limit <= 0 {
		limit = 3
	}
	if remaining := breadth - len(selected); remaining < limit {
		limit = remaining
	}

	added := 0
	for _, c := range candidates {
		if added == limit {
			break
		}
		if c.Combined >= f.cfg.LowThreshold && c.Combined < f.cfg.HighThreshold {
			selected = append(selected, c)
			added++
		}
	}

	if added > 0 {
		logger.Debug("High tier under breadth, topping up from fallback tier",
			zap.Int("high", len(selected)-added),
			zap.Int("fallback", added),
			zap.Float64("low_threshold", f.cfg.LowThreshold),
		)
	}

	return selected
}
