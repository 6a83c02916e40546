package schemas

import (
	"context"
	"image"
	"time"
)

// -- LLM Client Schemas & Interface --

// ToolChoice controls whether and how the model may call tools.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto" // The model decides whether to call tools.
	ToolChoiceNone ToolChoice = "none" // The model must answer with text only.
)

// ToolSchema advertises one callable tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON-schema shaped argument description.
}

// CompletionRequest is a single chat completion call with tool calling enabled.
type CompletionRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	ToolChoice  ToolChoice   `json:"tool_choice,omitempty"`
	Temperature float32      `json:"temperature"`
	TopP        float32      `json:"top_p"`
}

// TokenUsage reports provider-side token accounting for a completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse holds the single assistant message returned by the model.
type CompletionResponse struct {
	Message      Message    `json:"message"` // Always RoleAssistant.
	FinishReason string     `json:"finish_reason"`
	Usage        TokenUsage `json:"usage"`
}

// LLMClient defines a standard interface for interacting with a chat completion
// endpoint that supports tool calling and image input.
type LLMClient interface {
	// Complete sends the request and returns the assistant reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Close cleans up any resources held by the client.
	Close() error
}

// -- Device Interfaces --

// Device performs UI-affecting actions on the phone. All coordinates are in
// native device pixels.
type Device interface {
	Tap(ctx context.Context, x, y float64) error
	Swipe(ctx context.Context, x1, y1, x2, y2 float64, duration time.Duration) error
	// HasFocusedInput reports whether an editable input currently holds focus.
	HasFocusedInput(ctx context.Context) (bool, error)
	// InsertText replaces the content of the focused input.
	InsertText(ctx context.Context, text string) error
	Back(ctx context.Context) error
	Home(ctx context.Context) error
}

// ScreenCapturer delivers the current screen contents.
type ScreenCapturer interface {
	Capture(ctx context.Context) (image.Image, error)
}
