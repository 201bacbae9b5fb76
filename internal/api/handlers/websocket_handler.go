package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/pipeline"
	"github.com/docqa/backend/pkg/logger"
)

type WebSocketHandler struct {
	pipeline *pipeline.Pipeline
}

func NewWebSocketHandler(p *pipeline.Pipeline) *WebSocketHandler {
	return &WebSocketHandler{pipeline: p}
}

// HandleConnection serves one streaming conversation. Each query message
// is answered as a word stream followed by a completion frame carrying
// sources. The tenant is fixed at upgrade time via query parameter.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	tenant := c.Query("tenant")
	if tenant == "" {
		tenant = "default"
	}

	logger.Info("WebSocket connection established", zap.String("tenant_id", tenant))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type    string         `json:"type"`
			Content string         `json:"content"`
			Breadth int            `json:"breadth"`
			History []llm.ChatTurn `json:"history"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "query" {
			continue
		}

		err := h.streamAnswer(c, pipeline.QueryRequest{
			TenantID: tenant,
			Query:    msg.Content,
			Breadth:  msg.Breadth,
			History:  msg.History,
		})
		if err != nil {
			logger.Error("Failed to stream answer", zap.Error(err))
			h.sendError(c, err.Error())
		}
	}
}

func (h *WebSocketHandler) streamAnswer(c *websocket.Conn, req pipeline.QueryRequest) error {
	h.sendFrame(c, "status", "Searching the corpus...")

	result, err := h.pipeline.Query(context.Background(), req)
	if err != nil {
		return err
	}

	words := splitIntoWords(result.Answer)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 && word != "\n" {
			chunk += " "
		}
		if err := h.sendFrame(c, "chunk", chunk); err != nil {
			return err
		}
	}

	return c.WriteJSON(map[string]interface{}{
		"type":       "complete",
		"sources":    result.Sources,
		"documents":  result.Documents,
		"cache_hit":  result.CacheHit,
		"latency_ms": result.LatencyMS,
	})
}

func (h *WebSocketHandler) sendFrame(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	})
}

func splitIntoWords(text string) []string {
	words := []string{}
	currentWord := ""

	for _, char := range text {
		if char == ' ' || char == '\n' {
			if currentWord != "" {
				words = append(words, currentWord)
				currentWord = ""
			}
			if char == '\n' {
				words = append(words, "\n")
			}
		} else {
			currentWord += string(char)
		}
	}

	if currentWord != "" {
		words = append(words, currentWord)
	}

	return words
}
