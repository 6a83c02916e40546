// internal/agent/errors.go
package agent

import (
	"errors"
	"fmt"
)

// ErrorCode classifies control-plane failures reported to listeners and
// HTTP clients.
type ErrorCode string

const (
	ErrCodeModelRequest  ErrorCode = "MODEL_REQUEST_FAILED"
	ErrCodeScreenshot    ErrorCode = "SCREENSHOT_FAILED"
	ErrCodeTurnLimit     ErrorCode = "TURN_LIMIT_REACHED"
	ErrCodeUnknownTool   ErrorCode = "UNKNOWN_TOOL"
	ErrCodeInvalidArgs   ErrorCode = "INVALID_ARGUMENTS"
	ErrCodeAlreadyActive ErrorCode = "ALREADY_ACTIVE"
)

// TargetNotFoundText is the textEnter result when nothing editable holds
// focus after the tap. It is tool output, not an error.
const TargetNotFoundText = "Text field not found for input"

var (
	// ErrAlreadyActive is returned by Session.Start while another task runs.
	ErrAlreadyActive = errors.New("a task is already active")
	// ErrEmptyPrompt is returned when the goal is empty after trimming.
	ErrEmptyPrompt = errors.New("prompt must not be empty")
	// ErrTurnLimit ends a task that reached agent.max_turns.
	ErrTurnLimit = errors.New("turn limit reached")
)

// UnknownToolError reports a tool name missing from the registry.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %q", e.Name)
}

// DuplicateToolError reports a second registration under the same name.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool already registered: %q", e.Name)
}

// MalformedArgumentsError records unparseable tool arguments. It is logged
// and the handler runs with default values; it never reaches the loop.
type MalformedArgumentsError struct {
	Tool string
	Raw  string
	Err  error
}

func (e *MalformedArgumentsError) Error() string {
	return fmt.Sprintf("malformed arguments for tool %q: %v", e.Tool, e.Err)
}

func (e *MalformedArgumentsError) Unwrap() error { return e.Err }

// ModelRequestError wraps any failure obtaining a model reply.
type ModelRequestError struct {
	Err error
}

func (e *ModelRequestError) Error() string {
	return fmt.Sprintf("model request failed: %v", e.Err)
}

func (e *ModelRequestError) Unwrap() error { return e.Err }

// ScreenshotError wraps a failed screen capture.
type ScreenshotError struct {
	Err error
}

func (e *ScreenshotError) Error() string {
	return fmt.Sprintf("screenshot capture failed: %v", e.Err)
}

func (e *ScreenshotError) Unwrap() error { return e.Err }

// CodeOf maps an error to its ErrorCode, or "" when unclassified.
func CodeOf(err error) ErrorCode {
	var (
		modelErr   *ModelRequestError
		shotErr    *ScreenshotError
		unknownErr *UnknownToolError
		argsErr    *MalformedArgumentsError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &modelErr):
		return ErrCodeModelRequest
	case errors.As(err, &shotErr):
		return ErrCodeScreenshot
	case errors.As(err, &unknownErr):
		return ErrCodeUnknownTool
	case errors.As(err, &argsErr):
		return ErrCodeInvalidArgs
	case errors.Is(err, ErrTurnLimit):
		return ErrCodeTurnLimit
	case errors.Is(err, ErrAlreadyActive):
		return ErrCodeAlreadyActive
	}
	return ""
}
