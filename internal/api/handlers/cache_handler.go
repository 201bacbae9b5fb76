package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/docqa/backend/internal/pipeline"
)

type CacheHandler struct {
	pipeline *pipeline.Pipeline
}

func NewCacheHandler(p *pipeline.Pipeline) *CacheHandler {
	return &CacheHandler{pipeline: p}
}

func (h *CacheHandler) GetStats(c *fiber.Ctx) error {
	stats := h.pipeline.CacheStats()
	return c.JSON(fiber.Map{
		"size":        stats.Size,
		"max_size":    stats.MaxSize,
		"ttl_seconds": int(stats.TTL.Seconds()),
	})
}

func (h *CacheHandler) Clear(c *fiber.Ctx) error {
	cleared := h.pipeline.ClearCache()
	return c.JSON(fiber.Map{"cleared": cleared})
}
