package agent

import (
	"go.uber.org/zap"
)

// ProcessingText is shown while a model request is in flight, and when a
// reply carries no text.
const ProcessingText = "AI is processing..."

// Listener receives push-only notifications from the loop. Implementations
// must return quickly and must not call back into the session; the loop
// calls them inline, sometimes while holding the session lock.
type Listener interface {
	OnResponse(text string, isLoading bool)
	OnHide()
	OnToolExecuting(name string)
	OnError(text string)
}

// TaskCompletionListener is an optional extension. Listeners implementing it
// are told when a turn ends without tool calls.
type TaskCompletionListener interface {
	OnTaskComplete(taskID string)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) OnResponse(string, bool) {}
func (NopListener) OnHide()                 {}
func (NopListener) OnToolExecuting(string)  {}
func (NopListener) OnError(string)          {}

// LogListener writes notifications to a logger.
type LogListener struct {
	Logger *zap.Logger
}

func (l LogListener) OnResponse(text string, isLoading bool) {
	l.Logger.Info("AI response", zap.String("text", text), zap.Bool("loading", isLoading))
}

func (l LogListener) OnHide() {
	l.Logger.Debug("Response hidden")
}

func (l LogListener) OnToolExecuting(name string) {
	l.Logger.Info("Executing tool", zap.String("tool", name))
}

func (l LogListener) OnError(text string) {
	l.Logger.Error("Agent error", zap.String("error", text))
}

func (l LogListener) OnTaskComplete(taskID string) {
	l.Logger.Info("Task complete", zap.String("task_id", taskID))
}

// MultiListener fans notifications out in order.
type MultiListener []Listener

func (m MultiListener) OnResponse(text string, isLoading bool) {
	for _, l := range m {
		l.OnResponse(text, isLoading)
	}
}

func (m MultiListener) OnHide() {
	for _, l := range m {
		l.OnHide()
	}
}

func (m MultiListener) OnToolExecuting(name string) {
	for _, l := range m {
		l.OnToolExecuting(name)
	}
}

func (m MultiListener) OnError(text string) {
	for _, l := range m {
		l.OnError(text)
	}
}

func (m MultiListener) OnTaskComplete(taskID string) {
	for _, l := range m {
		if c, ok := l.(TaskCompletionListener); ok {
			c.OnTaskComplete(taskID)
		}
	}
}
