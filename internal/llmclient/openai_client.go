// internal/llmclient/openai_client.go
package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/coreply/cooperate/internal/config"
)

const (
	defaultReferer = "https://github.com/coreply/cooperate"
	defaultTitle   = "Cooperate: Android Control Using Claude"

	// maxErrorBody bounds how much of a failed response is kept in APIError.
	maxErrorBody = 4096
)

// APIError is returned when the endpoint answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint
// (OpenRouter by default) with tool calling and inline images.
type OpenAIClient struct {
	endpoint   string
	apiKey     string
	referer    string
	title      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// -- OpenAI wire structures (internal to this file) --

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	Temperature float32         `json:"temperature"`
	TopP        float32         `json:"top_p"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role      string           `json:"role"`
			Content   *string          `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAIClient initializes the client. A zero RequestsPerMinute disables
// client-side rate limiting.
func NewOpenAIClient(cfg config.LLMConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for the OpenAI-compatible client")
	}
	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	c := &OpenAIClient{
		endpoint:   base + "chat/completions",
		apiKey:     cfg.APIKey,
		referer:    cfg.Referer,
		title:      cfg.Title,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("llm_client.openai"),
	}
	if c.referer == "" {
		c.referer = defaultReferer
	}
	if c.title == "" {
		c.title = defaultTitle
	}
	c.limiter = newLimiter(cfg.RequestsPerMinute)
	return c, nil
}

// Complete sends one chat completion request. There is no retry; failures go
// straight back to the caller.
func (c *OpenAIClient) Complete(ctx context.Context, req schemas.CompletionRequest) (*schemas.CompletionResponse, error) {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildOpenAIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("HTTP-Referer", c.referer)
	httpReq.Header.Set("X-Title", c.title)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to model endpoint failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		c.logger.Error("Model endpoint returned error status",
			zap.Int("status", resp.StatusCode),
			zap.String("response", string(respBody)))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, fmt.Errorf("model endpoint error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("model endpoint returned no choices")
	}

	choice := parsed.Choices[0]
	out := &schemas.CompletionResponse{
		Message:      schemas.Message{Role: schemas.RoleAssistant},
		FinishReason: choice.FinishReason,
		Usage: schemas.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}
	if choice.Message.Content != nil {
		out.Message.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, schemas.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	c.logger.Debug("LLM generation complete",
		zap.Duration("duration", time.Since(start)),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Int("tool_calls", len(out.Message.ToolCalls)),
	)
	return out, nil
}

// Close releases idle connections.
func (c *OpenAIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func buildOpenAIRequest(req schemas.CompletionRequest) openAIRequest {
	out := openAIRequest{
		Model:       req.Model,
		Messages:    make([]openAIMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	// A windowed request can start with tool results whose assistant call
	// was dropped. Endpoints reject those, so they are sent as user text.
	known := make(map[string]bool)
	for _, m := range req.Messages {
		switch m.Role {
		case schemas.RoleAssistant:
			msg := openAIMessage{Role: string(m.Role), Content: m.Content}
			for _, tc := range m.ToolCalls {
				known[tc.ID] = true
				msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openAIFunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			out.Messages = append(out.Messages, msg)
		case schemas.RoleTool:
			if !known[m.ToolCallID] {
				out.Messages = append(out.Messages, openAIMessage{
					Role:    string(schemas.RoleUser),
					Content: fmt.Sprintf("Result of %s: %s", m.ToolName, m.Content),
				})
				continue
			}
			out.Messages = append(out.Messages, openAIMessage{
				Role:       string(m.Role),
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			out.Messages = append(out.Messages, openAIMessage{Role: string(m.Role), Content: messageContent(m)})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = string(req.ToolChoice)
		if out.ToolChoice == "" {
			out.ToolChoice = string(schemas.ToolChoiceAuto)
		}
	}
	return out
}

// messageContent returns plain text, or a parts array when an image is attached.
func messageContent(m schemas.Message) any {
	if m.Image == nil {
		return m.Content
	}
	parts := make([]openAIContentPart, 0, 2)
	if m.Content != "" {
		parts = append(parts, openAIContentPart{Type: "text", Text: m.Content})
	}
	mime := m.Image.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	parts = append(parts, openAIContentPart{
		Type:     "image_url",
		ImageURL: &openAIImageURL{URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(m.Image.Data)},
	})
	return parts
}
