// Package embedder converts text into dense vectors through the remote
// embedding service. Requests are batched up to the provider limit,
// transient failures are retried with exponential backoff, and identical
// texts are served from a content-hash cache.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/docqa/backend/pkg/circuitbreaker"
	"github.com/docqa/backend/pkg/logger"
	"github.com/docqa/backend/pkg/retry"
	"github.com/docqa/backend/pkg/utils"
)

// ErrUnavailable is returned once retries against the embedding service
// are exhausted. Callers treat it as fatal for the current request only.
var ErrUnavailable = errors.New("embedding service unavailable")

// VectorCache maps hash(text) to a previously computed embedding so that
// identical chunk text is never re-embedded across re-uploads.
type VectorCache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Put(ctx context.Context, key string, vector []float32) error
}

type embeddingAPI interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

type Embedder struct {
	api         embeddingAPI
	model       string
	batchSize   int
	cache       VectorCache
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type Config struct {
	APIKey      string
	Model       string
	BatchSize   int
	RetryBase   time.Duration
	MaxAttempts int
}

func New(cfg Config, cache VectorCache) *Embedder {
	client := openai.NewClient(cfg.APIKey)
	return newWithAPI(client, cfg, cache)
}

func newWithAPI(api embeddingAPI, cfg Config, cache VectorCache) *Embedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2048
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}

	cb := circuitbreaker.NewCircuitBreaker("embedder", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    cfg.MaxAttempts,
		InitialDelay:   cfg.RetryBase,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Classify:       isTransient,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Embedder initialized",
		zap.String("model", cfg.Model),
		zap.Int("batch_size", cfg.BatchSize),
	)

	return &Embedder{
		api:         api,
		model:       cfg.Model,
		batchSize:   cfg.BatchSize,
		cache:       cache,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

// Embed returns one vector per input text, in input order. Texts already
// present in the cache skip the provider entirely.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	var missing []int

	for i, text := range texts {
		if e.cache == nil {
			missing = append(missing, i)
			continue
		}
		cached, ok, err := e.cache.Get(ctx, utils.HashString(text))
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		}
		if ok {
			vectors[i] = cached
			continue
		}
		missing = append(missing, i)
	}

	if len(missing) == 0 {
		logger.Debug("All embeddings served from cache", zap.Int("count", len(texts)))
		return vectors, nil
	}

	for start := 0; start < len(missing); start += e.batchSize {
		end := start + e.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batchIdx := missing[start:end]

		batch := make([]string, len(batchIdx))
		for i, idx := range batchIdx {
			batch[i] = texts[idx]
		}

		embedded, err := e.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(embedded) != len(batch) {
			return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embedded), len(batch))
		}

		for i, idx := range batchIdx {
			vectors[idx] = embedded[i]
			if e.cache != nil {
				if err := e.cache.Put(ctx, utils.HashString(texts[idx]), embedded[i]); err != nil {
					logger.Warn("Embedding cache write failed", zap.Error(err))
				}
			}
		}
	}

	logger.Debug("Embeddings generated",
		zap.Int("requested", len(texts)),
		zap.Int("embedded", len(missing)),
		zap.Int("cached", len(texts)-len(missing)),
	)

	return vectors, nil
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var result [][]float32

	err := e.cb.Execute(ctx, func() error {
		return retry.Do(ctx, e.retryConfig, func() error {
			resp, err := e.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: batch,
				Model: openai.EmbeddingModel(e.model),
			})
			if err != nil {
				return fmt.Errorf("failed to create embeddings: %w", err)
			}

			result = make([][]float32, len(resp.Data))
			for i, data := range resp.Data {
				vector := make([]float32, len(data.Embedding))
				copy(vector, data.Embedding)
				result[i] = vector
			}
			return nil
		})
	})

	if err != nil {
		if isTransient(err) || errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return result, nil
}

// isTransient reports whether an error is worth retrying: provider rate
// limits, provider-side 5xx, and network timeouts. Everything else is
// fatal for the call.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
