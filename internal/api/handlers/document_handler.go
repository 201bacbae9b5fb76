package handlers

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/ingestion"
	"github.com/docqa/backend/internal/pipeline"
	"github.com/docqa/backend/internal/storage/sqlite"
	"github.com/docqa/backend/pkg/logger"
)

type DocumentHandler struct {
	pipeline *pipeline.Pipeline
}

func NewDocumentHandler(p *pipeline.Pipeline) *DocumentHandler {
	return &DocumentHandler{pipeline: p}
}

type uploadBody struct {
	Filename  string          `json:"filename"`
	Format    string          `json:"format"`
	Content   string          `json:"content"`
	Structure json.RawMessage `json:"structure"`
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req uploadBody
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Filename == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "filename is required",
		})
	}

	ingest := pipeline.IngestRequest{
		TenantID: tenantID(c),
		Filename: req.Filename,
		Format:   req.Format,
		Text:     req.Content,
	}

	switch strings.ToLower(req.Format) {
	case "html":
		_, text, err := ingestion.ExtractHTML(req.Content)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "failed to extract HTML content",
			})
		}
		ingest.Text = text
	case "structured":
		tree, err := ingestion.ParseStructure(req.Structure)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid section tree",
			})
		}
		ingest.Structure = tree
		ingest.Text = ""
	}

	result, err := h.pipeline.IngestDocument(c.Context(), ingest)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	docs, err := h.pipeline.ListDocuments(tenantID(c))
	if err != nil {
		return errorResponse(c, err)
	}
	if docs == nil {
		docs = []sqlite.DocumentSummary{}
	}
	return c.JSON(fiber.Map{"documents": docs})
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	documentID := c.Params("id")
	if documentID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "document id is required",
		})
	}

	if err := h.pipeline.DeleteDocument(c.Context(), tenantID(c), documentID); err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(fiber.Map{"deleted": documentID})
}
