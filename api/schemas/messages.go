package schemas

import "fmt"

// Role identifies the author of a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ImageContent is an encoded image attached inline to a message.
type ImageContent struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// ToolCallRequest is a model-issued request to run a named tool.
type ToolCallRequest struct {
	ID        string `json:"id"`        // Opaque, unique within a turn.
	Name      string `json:"name"`      // Must exist in the tool registry to do anything useful.
	Arguments string `json:"arguments"` // Raw JSON text as produced by the model; may be empty or invalid.
}

// Message is one transcript entry exchanged with the model.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	Image      *ImageContent     `json:"image,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`   // Assistant messages only.
	ToolCallID string            `json:"tool_call_id,omitempty"` // Tool messages only.
	ToolName   string            `json:"tool_name,omitempty"`    // Tool messages only.
}

// NewSystemMessage builds a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewImageMessage builds a user message carrying only an image.
func NewImageMessage(img ImageContent) Message {
	return Message{Role: RoleUser, Image: &img}
}

// NewToolResultMessage builds the tool message answering call.
func NewToolResultMessage(call ToolCallRequest, result string) Message {
	return Message{
		Role:       RoleTool,
		Content:    result,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
}

// Clone returns a deep copy so callers can hand out transcript views safely.
func (m Message) Clone() Message {
	out := m
	if m.Image != nil {
		img := *m.Image
		img.Data = append([]byte(nil), m.Image.Data...)
		out.Image = &img
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCallRequest(nil), m.ToolCalls...)
	}
	return out
}

// String renders a compact, image-free description for logs.
func (m Message) String() string {
	switch {
	case m.Role == RoleTool:
		return fmt.Sprintf("tool[%s/%s]: %s", m.ToolName, m.ToolCallID, m.Content)
	case len(m.ToolCalls) > 0:
		return fmt.Sprintf("%s: %q (+%d tool calls)", m.Role, m.Content, len(m.ToolCalls))
	case m.Image != nil:
		return fmt.Sprintf("%s: [image %dx%d]", m.Role, m.Image.Width, m.Image.Height)
	default:
		return fmt.Sprintf("%s: %q", m.Role, m.Content)
	}
}
