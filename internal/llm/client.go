// Package llm wraps the chat completion provider behind the operations the
// pipeline needs: answer generation, query metadata extraction, relevance
// verification, and per-document summarization. All calls share one
// circuit breaker and retry policy.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/pkg/circuitbreaker"
	"github.com/docqa/backend/pkg/logger"
	"github.com/docqa/backend/pkg/retry"
)

type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Client struct {
	api         chatAPI
	model       string
	temperature float32
	maxTokens   int
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	History      []ChatTurn
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatTurn is one prior exchange in a conversation. Role is "user" or
// "assistant".
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func NewClient(apiKey, model string, temperature float32, maxTokens int) *Client {
	return newWithAPI(openai.NewClient(apiKey), model, temperature, maxTokens)
}

func newWithAPI(api chatAPI, model string, temperature float32, maxTokens int) *Client {
	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized", zap.String("model", model))

	return &Client{
		api:         api,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: req.SystemPrompt,
	})
	for _, turn := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.api.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)

			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

// GenerateAnswer produces the final answer from the numbered context block.
// History carries at most the last few conversation turns; callers trim it.
func (c *Client) GenerateAnswer(ctx context.Context, query, contextBlock string, history []ChatTurn) (string, error) {
	systemPrompt := `You are an assistant answering questions about building regulations using ONLY the provided context.

Rules:
1. Base every statement on the numbered context fragments.
2. Cite fragments with their [n] markers.
3. Quote article numbers exactly as written (e.g. Article 4.101).
4. If the context does not contain the answer, say so plainly.
5. Never invent requirements, limits, or article numbers.

Answer in clear, professional prose.`

	userPrompt := fmt.Sprintf(`Question: %s

Context:
%s

Answer the question using only the context above.`, query, contextBlock)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		History:      history,
		Temperature:  0.2,
		MaxTokens:    2048,
	})

	if err != nil {
		return "", fmt.Errorf("failed to generate answer: %w", err)
	}

	logger.Info("Answer generated",
		zap.Int("query_length", len(query)),
		zap.Int("answer_length", len(resp.Content)),
	)

	return resp.Content, nil
}

// ExtractQueryMetadata asks the model to classify the query. The raw JSON
// string is returned for the analyzer to parse and merge; malformed output
// is the analyzer's problem, not an error here.
func (c *Client) ExtractQueryMetadata(ctx context.Context, query string) (string, error) {
	systemPrompt := `You classify questions about building regulations. Return ONLY a JSON object:
{
  "categories": ["residential", "office", ...],
  "subtype": "new construction" | "existing construction" | "",
  "themes": ["fire safety", "ventilation", ...],
  "expanded_query": "the question restated with synonyms and related terms",
  "related_terms": ["term1", "term2"]
}
Use empty arrays or strings for anything not present in the question. No prose, JSON only.`

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   query,
		Temperature:  0.1,
		MaxTokens:    400,
	})

	if err != nil {
		return "", fmt.Errorf("failed to extract query metadata: %w", err)
	}

	return resp.Content, nil
}

// VerifyRelevance asks for a binary judgment on whether a fragment helps
// answer the query.
func (c *Client) VerifyRelevance(ctx context.Context, query, fragment string) (bool, error) {
	systemPrompt := `You judge whether a regulation fragment is useful for answering a question.
Answer with exactly one word: "yes" or "no".`

	userPrompt := fmt.Sprintf(`Question: %s

Fragment:
%s

Is this fragment useful for answering the question?`, query, fragment)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.0,
		MaxTokens:    5,
	})

	if err != nil {
		return false, fmt.Errorf("failed to verify relevance: %w", err)
	}

	answer := strings.ToLower(strings.TrimSpace(resp.Content))
	return strings.HasPrefix(answer, "yes"), nil
}

// SourceSummary is the per-document digest shown alongside an answer.
type SourceSummary struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// SummarizeSource produces a short title and summary for the fragments a
// single document contributed to an answer.
func (c *Client) SummarizeSource(ctx context.Context, filename, fragments string) (*SourceSummary, error) {
	systemPrompt := `You summarize regulation fragments. Return ONLY a JSON object:
{"title": "a short descriptive title", "summary": "2-3 sentences covering the key requirements"}`

	userPrompt := fmt.Sprintf(`Document: %s

Fragments:
%s`, filename, fragments)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.3,
		MaxTokens:    300,
	})

	if err != nil {
		return nil, fmt.Errorf("failed to summarize source: %w", err)
	}

	var summary SourceSummary
	if err := json.Unmarshal([]byte(ExtractJSON(resp.Content)), &summary); err != nil {
		logger.Warn("Source summary was not valid JSON, using raw content",
			zap.String("filename", filename),
			zap.Error(err),
		)
		return &SourceSummary{Title: filename, Summary: strings.TrimSpace(resp.Content)}, nil
	}
	if summary.Title == "" {
		summary.Title = filename
	}

	return &summary, nil
}

// ExtractJSON strips markdown code fences and surrounding prose from model
// output, returning the first top-level JSON object or array.
func ExtractJSON(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}

	start := strings.IndexAny(content, "{[")
	if start < 0 {
		return content
	}

	var end int
	if content[start] == '{' {
		end = strings.LastIndex(content, "}")
	} else {
		end = strings.LastIndex(content, "]")
	}
	if end <= start {
		return content[start:]
	}

	return content[start : end+1]
}
