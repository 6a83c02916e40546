// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/coreply/cooperate/internal/config"
	"github.com/coreply/cooperate/internal/llmutil"
)

// contentGenerator is the slice of the genai client the provider needs.
// *genai.Models satisfies it.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// For test injection.
var newCallID = uuid.NewString

// GeminiClient implements schemas.LLMClient on top of the Gemini API.
type GeminiClient struct {
	models  contentGenerator
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewGeminiClient initializes the client with the Gemini API backend.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	return newGeminiClient(client.Models, cfg, logger), nil
}

func newGeminiClient(models contentGenerator, cfg config.LLMConfig, logger *zap.Logger) *GeminiClient {
	return &GeminiClient{
		models:  models,
		timeout: cfg.Timeout,
		limiter: newLimiter(cfg.RequestsPerMinute),
		logger:  logger.Named("llm_client.gemini"),
	}
}

// Complete sends the conversation to Gemini and maps the first candidate back.
func (c *GeminiClient) Complete(ctx context.Context, req schemas.CompletionRequest) (*schemas.CompletionResponse, error) {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	contents, genCfg := buildGeminiRequest(req)

	start := time.Now()
	resp, err := c.models.GenerateContent(ctx, req.Model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, fmt.Errorf("gemini API returned no candidates")
	}

	cand := resp.Candidates[0]
	out := &schemas.CompletionResponse{
		Message:      schemas.Message{Role: schemas.RoleAssistant},
		FinishReason: string(cand.FinishReason),
	}
	if cand.Content != nil {
		var text strings.Builder
		for _, part := range cand.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if fc := part.FunctionCall; fc != nil {
				out.Message.ToolCalls = append(out.Message.ToolCalls, toolCallFrom(fc))
			}
		}
		out.Message.Content = text.String()
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = schemas.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}

	c.logger.Debug("LLM generation complete",
		zap.Duration("duration", time.Since(start)),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Int("tool_calls", len(out.Message.ToolCalls)),
	)
	return out, nil
}

// Close is a no-op; the genai client holds no resources that need releasing.
func (c *GeminiClient) Close() error { return nil }

// toolCallFrom converts a Gemini function call. Gemini often omits call IDs,
// so one is synthesised to keep tool results addressable.
func toolCallFrom(fc *genai.FunctionCall) schemas.ToolCallRequest {
	id := fc.ID
	if id == "" {
		id = "call_" + newCallID()
	}
	args := "{}"
	if len(fc.Args) > 0 {
		if b, err := json.Marshal(fc.Args); err == nil {
			args = string(b)
		}
	}
	return schemas.ToolCallRequest{ID: id, Name: fc.Name, Arguments: args}
}

func buildGeminiRequest(req schemas.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
		TopP:        genai.Ptr(req.TopP),
	}

	var system []string
	var contents []*genai.Content
	known := make(map[string]bool)

	add := func(role string, parts ...*genai.Part) {
		if len(parts) == 0 {
			return
		}
		// Gemini expects alternating turns; adjacent same-role messages merge.
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case schemas.RoleSystem:
			system = append(system, m.Content)
		case schemas.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				known[tc.ID] = true
				args, err := llmutil.ParseToolArguments(tc.Arguments)
				if err != nil {
					args = map[string]any{}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			add(string(genai.RoleModel), parts...)
		case schemas.RoleTool:
			if !known[m.ToolCallID] {
				add(string(genai.RoleUser), genai.NewPartFromText(fmt.Sprintf("Result of %s: %s", m.ToolName, m.Content)))
				continue
			}
			add(string(genai.RoleUser), &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.ToolName,
				Response: map[string]any{"output": m.Content},
			}})
		default:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			if m.Image != nil {
				mime := m.Image.MIMEType
				if mime == "" {
					mime = "image/png"
				}
				parts = append(parts, genai.NewPartFromBytes(m.Image.Data, mime))
			}
			add(string(genai.RoleUser), parts...)
		}
	}

	if len(system) > 0 {
		genCfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		genCfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}

		mode := genai.FunctionCallingConfigModeAuto
		if req.ToolChoice == schemas.ToolChoiceNone {
			mode = genai.FunctionCallingConfigModeNone
		}
		genCfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: mode},
		}
	}
	return contents, genCfg
}
