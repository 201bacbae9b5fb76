package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/pipeline"
	"github.com/docqa/backend/pkg/logger"
)

// tenantID resolves the caller's tenant. Single-tenant deployments omit
// the header and share one corpus.
func tenantID(c *fiber.Ctx) string {
	if id := c.Get("X-Tenant-ID"); id != "" {
		return id
	}
	return "default"
}

// errorResponse maps pipeline errors to HTTP status codes.
func errorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuery), errors.Is(err, pipeline.ErrEmptyDocument):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, pipeline.ErrNoDocuments), errors.Is(err, pipeline.ErrDocumentNotFound),
		errors.Is(err, pipeline.ErrNoRelevantResults):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, pipeline.ErrUpstreamUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	default:
		logger.Error("Request failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
}

type QueryHandler struct {
	pipeline *pipeline.Pipeline
}

func NewQueryHandler(p *pipeline.Pipeline) *QueryHandler {
	return &QueryHandler{pipeline: p}
}

type queryBody struct {
	Query   string            `json:"query"`
	Breadth int               `json:"breadth"`
	Filters map[string]string `json:"filters"`
	History []llm.ChatTurn    `json:"history"`
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req queryBody
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	started := time.Now()
	result, err := h.pipeline.Query(c.Context(), pipeline.QueryRequest{
		TenantID: tenantID(c),
		Query:    req.Query,
		Breadth:  req.Breadth,
		Filters:  req.Filters,
	})
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		return errorResponse(c, err)
	}

	metrics.QueryTotal.WithLabelValues("ok").Inc()
	metrics.QueryDuration.WithLabelValues(cacheHitLabel(result.CacheHit)).Observe(time.Since(started).Seconds())

	return c.JSON(result)
}

// HandleChat is the conversational variant: history shapes the answer and
// the result cache is bypassed.
func (h *QueryHandler) HandleChat(c *fiber.Ctx) error {
	var req queryBody
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	started := time.Now()
	result, err := h.pipeline.Query(c.Context(), pipeline.QueryRequest{
		TenantID: tenantID(c),
		Query:    req.Query,
		Breadth:  req.Breadth,
		Filters:  req.Filters,
		History:  req.History,
	})
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		return errorResponse(c, err)
	}

	metrics.QueryTotal.WithLabelValues("ok").Inc()
	metrics.QueryDuration.WithLabelValues(cacheHitLabel(result.CacheHit)).Observe(time.Since(started).Seconds())

	return c.JSON(result)
}

func cacheHitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
