package agent

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/coreply/cooperate/api/schemas"
)

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

func (m *MockLLMClient) Complete(ctx context.Context, req schemas.CompletionRequest) (*schemas.CompletionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.CompletionResponse), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// Requests returns the requests passed to Complete, in call order.
func (m *MockLLMClient) Requests() []schemas.CompletionRequest {
	var out []schemas.CompletionRequest
	for _, call := range m.Calls {
		if call.Method == "Complete" {
			out = append(out, call.Arguments.Get(1).(schemas.CompletionRequest))
		}
	}
	return out
}

// -- Device Mock --

// MockDevice mocks the schemas.Device interface.
type MockDevice struct {
	mock.Mock
}

func (m *MockDevice) Tap(ctx context.Context, x, y float64) error {
	return m.Called(ctx, x, y).Error(0)
}

func (m *MockDevice) Swipe(ctx context.Context, x1, y1, x2, y2 float64, d time.Duration) error {
	return m.Called(ctx, x1, y1, x2, y2, d).Error(0)
}

func (m *MockDevice) HasFocusedInput(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockDevice) InsertText(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

func (m *MockDevice) Back(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockDevice) Home(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// -- Screen Capturer Mock --

// MockCapturer mocks the schemas.ScreenCapturer interface.
type MockCapturer struct {
	mock.Mock
}

func (m *MockCapturer) Capture(ctx context.Context) (image.Image, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(image.Image), args.Error(1)
}

// -- Listener Spy --

type listenerEvent struct {
	Kind    string
	Text    string
	Loading bool
}

// spyListener records every notification. It implements the optional
// completion extension.
type spyListener struct {
	mu     sync.Mutex
	events []listenerEvent
}

func (l *spyListener) add(e listenerEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *spyListener) OnResponse(text string, isLoading bool) {
	l.add(listenerEvent{Kind: "response", Text: text, Loading: isLoading})
}
func (l *spyListener) OnHide()                 { l.add(listenerEvent{Kind: "hide"}) }
func (l *spyListener) OnToolExecuting(n string) { l.add(listenerEvent{Kind: "tool", Text: n}) }
func (l *spyListener) OnError(text string)      { l.add(listenerEvent{Kind: "error", Text: text}) }
func (l *spyListener) OnTaskComplete(id string) { l.add(listenerEvent{Kind: "complete", Text: id}) }

func (l *spyListener) Events() []listenerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]listenerEvent(nil), l.events...)
}

func (l *spyListener) Kinds() []string {
	var out []string
	for _, e := range l.Events() {
		out = append(out, e.Kind)
	}
	return out
}

// -- Recorder Fake --

type fakeRecorder struct {
	mu       sync.Mutex
	started  []schemas.TaskRecord
	entries  []schemas.JournalEntry
	outcomes map[string]schemas.TaskOutcome
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{outcomes: make(map[string]schemas.TaskOutcome)}
}

func (r *fakeRecorder) TaskStarted(_ context.Context, task schemas.TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, task)
	return nil
}

func (r *fakeRecorder) MessageAppended(_ context.Context, e schemas.JournalEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *fakeRecorder) TaskFinished(_ context.Context, id string, outcome schemas.TaskOutcome, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[id] = outcome
	return nil
}

func (r *fakeRecorder) Outcome(id string) schemas.TaskOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[id]
}

func (r *fakeRecorder) Entries() []schemas.JournalEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.JournalEntry(nil), r.entries...)
}

// -- Helpers --

func toolCallReply(text string, calls ...schemas.ToolCallRequest) *schemas.CompletionResponse {
	return &schemas.CompletionResponse{
		Message:      schemas.Message{Role: schemas.RoleAssistant, Content: text, ToolCalls: calls},
		FinishReason: "tool_calls",
	}
}

func textReply(text string) *schemas.CompletionResponse {
	return &schemas.CompletionResponse{
		Message:      schemas.Message{Role: schemas.RoleAssistant, Content: text},
		FinishReason: "stop",
	}
}

func blankScreen(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}
