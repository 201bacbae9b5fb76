package retrieval

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/analyzer"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/config"
	"github.com/docqa/backend/pkg/logger"
)

type relevanceVerifier interface {
	VerifyRelevance(ctx context.Context, query, fragment string) (bool, error)
}

// Reranker adjusts combined scores with metadata bonuses and, when the
// analyzer was unsure about the query, an LLM relevance check per
// candidate. Verification fails open: a timeout or error leaves the
// candidate's score untouched.
type Reranker struct {
	verifier relevanceVerifier
	cfg      config.RerankConfig
}

func NewReranker(verifier relevanceVerifier, cfg config.RerankConfig) *Reranker {
	return &Reranker{verifier: verifier, cfg: cfg}
}

// Rerank returns the candidates re-scored and re-sorted. The input slice
// is not modified.
func (r *Reranker) Rerank(ctx context.Context, query string, meta analyzer.QueryMetadata, candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)

	for i := range out {
		out[i].Combined += r.metadataBonus(meta, out[i].Hit.Metadata)
	}

	if r.verifier != nil && meta.Confidence < r.cfg.VerifyBelow && len(out) > 0 {
		r.verify(ctx, query, out)
	}

	SortCandidates(out)
	return out
}

func (r *Reranker) metadataBonus(meta analyzer.QueryMetadata, chunk models.ChunkMetadata) float64 {
	bonus := 0.0

	if overlaps(meta.Categories, chunk.Categories) {
		bonus += r.cfg.CategoryBonus
	}
	if meta.Subtype != "" && strings.EqualFold(meta.Subtype, chunk.Subtype) {
		bonus += r.cfg.SubtypeBonus
	}
	if overlaps(meta.Themes, chunk.Themes) {
		bonus += r.cfg.ThemeBonus
	}
	if r.matchesNumericRef(meta, chunk) {
		bonus += r.cfg.NumericPrefixBonus
	}

	return bonus
}

// matchesNumericRef checks article references. "4.101" matches the article
// numbered 4.101 exactly; a bare chapter reference like "4" matches every
// article in chapter 4.
func (r *Reranker) matchesNumericRef(meta analyzer.QueryMetadata, chunk models.ChunkMetadata) bool {
	if chunk.ArticleNumber == "" && chunk.Chapter == "" {
		return false
	}

	for _, ref := range meta.NumericRefs {
		if chunk.ArticleNumber == ref {
			return true
		}
		if strings.HasPrefix(chunk.ArticleNumber, ref+".") {
			return true
		}
	}

	if meta.Chapter != "" {
		if chunk.Chapter == meta.Chapter {
			return true
		}
		if strings.HasPrefix(chunk.ArticleNumber, meta.Chapter+".") {
			return true
		}
	}

	return false
}

// verify runs the LLM relevance check across a worker pool, bounded per
// call by the configured timeout. A "no" verdict costs VerifyPenalty; any
// failure keeps the score as is.
func (r *Reranker) verify(ctx context.Context, query string, candidates []Candidate) {
	workers := r.cfg.VerifyWorkers
	if workers <= 0 {
		workers = 4
	}
	timeout := time.Duration(r.cfg.VerifyTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		logger.Warn("Failed to create verification pool, skipping verification", zap.Error(err))
		return
	}
	defer pool.Release()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	penalized := 0

	for i := range candidates {
		i := i
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			relevant, err := r.verifier.VerifyRelevance(callCtx, query, candidates[i].Hit.Text)
			if err != nil {
				metrics.VerificationVerdicts.WithLabelValues("error").Inc()
				logger.Debug("Relevance verification failed, keeping candidate",
					zap.String("chunk_id", candidates[i].Hit.ChunkID),
					zap.Error(err),
				)
				return
			}
			if relevant {
				metrics.VerificationVerdicts.WithLabelValues("relevant").Inc()
				return
			}
			metrics.VerificationVerdicts.WithLabelValues("irrelevant").Inc()
			mu.Lock()
			candidates[i].Combined -= r.cfg.VerifyPenalty
			penalized++
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			logger.Warn("Failed to submit verification task", zap.Error(submitErr))
		}
	}
	wg.Wait()

	if penalized > 0 {
		logger.Debug("Relevance verification penalized candidates",
			zap.Int("penalized", penalized),
			zap.Int("total", len(candidates)),
		)
	}
}

func overlaps(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[strings.ToLower(s)] = true
	}
	for _, s := range b {
		if set[strings.ToLower(s)] {
			return true
		}
	}
	return false
}
