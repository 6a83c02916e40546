package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/coreply/cooperate/internal/llmutil"
	"github.com/coreply/cooperate/internal/observability"
)

type sessionFixture struct {
	session  *Session
	llm      *MockLLMClient
	device   *MockDevice
	capturer *MockCapturer
	listener *spyListener
	recorder *fakeRecorder
	conv     *ConversationState
}

// setupSession wires a session with zero delays against mocks.
func setupSession(t *testing.T, mutate ...func(*SessionConfig)) *sessionFixture {
	t.Helper()
	return setupSessionWith(t, nil, mutate...)
}

// setupSessionWith is setupSession with extra session options.
func setupSessionWith(t *testing.T, opts []SessionOption, mutate ...func(*SessionConfig)) *sessionFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	f := &sessionFixture{
		llm:      new(MockLLMClient),
		device:   new(MockDevice),
		capturer: new(MockCapturer),
		listener: &spyListener{},
		recorder: newFakeRecorder(),
		conv:     NewConversationState("You operate a phone.", DefaultTruncateThreshold),
	}
	mapper := NewCoordinateMapper()
	reg := NewToolRegistry(logger)
	require.NoError(t, RegisterDeviceTools(reg, f.device, mapper, nil, DeviceToolTimings{SwipeDuration: time.Millisecond}, logger))

	cfg := SessionConfig{Model: "test-model", Temperature: 0.2, TopP: 0.9, TargetLongestEdge: DefaultTargetLongestEdge, KeepRecent: DefaultKeepRecent}
	for _, fn := range mutate {
		fn(&cfg)
	}

	s, err := NewSession(context.Background(), cfg, Dependencies{
		LLM:          f.llm,
		Capturer:     f.capturer,
		Tools:        reg,
		Mapper:       mapper,
		Conversation: f.conv,
	}, logger, append([]SessionOption{WithListener(f.listener), WithRecorder(f.recorder)}, opts...)...)
	require.NoError(t, err)
	f.session = s

	t.Cleanup(func() {
		s.ForceStop()
		waitLoop(t, s)
	})
	return f
}

func waitLoop(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx), "control loop did not exit")
}

func TestNewSession_RequiresCollaborators(t *testing.T) {
	_, err := NewSession(context.Background(), SessionConfig{}, Dependencies{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestSession_OpenSettingsScenario(t *testing.T) {
	f := setupSession(t)
	uuidNewString = func() string { return "task-1" }
	t.Cleanup(func() { uuidNewString = defaultUUID })

	f.capturer.On("Capture", mock.Anything).Return(blankScreen(800, 1600), nil)
	click := schemas.ToolCallRequest{ID: "call_1", Name: "click", Arguments: `{"x":50,"y":50}`}
	f.llm.On("Complete", mock.Anything, mock.Anything).Return(toolCallReply("Opening settings", click), nil).Once()
	f.llm.On("Complete", mock.Anything, mock.Anything).Return(textReply("Settings are open."), nil).Once()
	f.device.On("Tap", mock.Anything, 80.0, 80.0).Return(nil).Once()

	id, err := f.session.Start("  open settings  ")
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	waitLoop(t, f.session)

	assert.Equal(t, 0.625, f.session.ScaleFactor())
	f.device.AssertExpectations(t)
	f.capturer.AssertNumberOfCalls(t, "Capture", 2)
	assert.False(t, f.session.IsActive())

	want := []schemas.Message{
		{Role: schemas.RoleSystem, Content: "You operate a phone.\n\nYour task: open settings"},
		{Role: schemas.RoleAssistant, Content: "Opening settings", ToolCalls: []schemas.ToolCallRequest{click}},
		{Role: schemas.RoleTool, Content: ClickResult, ToolCallID: "call_1", ToolName: "click"},
		{Role: schemas.RoleAssistant, Content: "Settings are open."},
	}
	if diff := cmp.Diff(want, f.session.Transcript()); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}

	// First request: seed plus the downscaled screenshot as the final user turn.
	reqs := f.llm.Requests()
	require.Len(t, reqs, 2)
	first := reqs[0]
	assert.Equal(t, "test-model", first.Model)
	assert.Equal(t, schemas.ToolChoiceAuto, first.ToolChoice)
	assert.InDelta(t, 0.2, first.Temperature, 1e-6)
	assert.InDelta(t, 0.9, first.TopP, 1e-6)
	assert.Len(t, first.Tools, 5)
	require.Len(t, first.Messages, 2)
	last := first.Messages[1]
	assert.Equal(t, schemas.RoleUser, last.Role)
	require.NotNil(t, last.Image)
	assert.Equal(t, 500, last.Image.Width)
	assert.Equal(t, 1000, last.Image.Height)
	assert.Equal(t, "image/png", last.Image.MIMEType)
	assert.Len(t, reqs[1].Messages, 4, "second request carries transcript plus new screenshot")

	assert.Equal(t, []string{"response", "response", "tool", "response", "response", "complete"}, f.listener.Kinds())
	events := f.listener.Events()
	assert.Equal(t, listenerEvent{Kind: "response", Text: ProcessingText, Loading: true}, events[0])
	assert.Equal(t, listenerEvent{Kind: "response", Text: "Opening settings"}, events[1])
	assert.Equal(t, listenerEvent{Kind: "tool", Text: "click"}, events[2])
	assert.Equal(t, "task-1", events[5].Text)

	assert.Equal(t, schemas.OutcomeCompleted, f.recorder.Outcome("task-1"))
	entries := f.recorder.Entries()
	require.Len(t, entries, 4)
	for i, e := range entries {
		assert.Equal(t, i, e.Seq)
		assert.Equal(t, want[i].Role, e.Message.Role)
	}
}

var defaultUUID = uuidNewString

func TestSession_ToolMessagesFollowCallOrder(t *testing.T) {
	f := setupSession(t)
	f.capturer.On("Capture", mock.Anything).Return(blankScreen(1000, 1000), nil)
	calls := []schemas.ToolCallRequest{
		{ID: "a", Name: "goBack"},
		{ID: "b", Name: "nope", Arguments: "{}"},
		{ID: "c", Name: "goHome", Arguments: "garbage"},
		{ID: "d", Name: "click", Arguments: `{"x":1,"y":2}`},
	}
	f.llm.On("Complete", mock.Anything, mock.Anything).Return(toolCallReply("", calls...), nil).Once()
	f.llm.On("Complete", mock.Anything, mock.Anything).Return(textReply(""), nil).Once()
	f.device.On("Back", mock.Anything).Return(nil)
	f.device.On("Home", mock.Anything).Return(nil)
	f.device.On("Tap", mock.Anything, 1.0, 2.0).Return(nil)

	_, err := f.session.Start("navigate")
	require.NoError(t, err)
	waitLoop(t, f.session)

	transcript := f.session.Transcript()
	require.Len(t, transcript, 1+1+len(calls)+1)
	for i, call := range calls {
		msg := transcript[2+i]
		assert.Equal(t, schemas.RoleTool, msg.Role)
		assert.Equal(t, call.ID, msg.ToolCallID)
		assert.Equal(t, call.Name, msg.ToolName)
	}
	assert.Equal(t, BackResult, transcript[2].Content)
	assert.Contains(t, transcript[3].Content, "Error:", "unknown tool result is data, not a loop failure")
	assert.Equal(t, HomeResult, transcript[4].Content)
	assert.Equal(t, ClickResult, transcript[5].Content)

	assert.Equal(t, []string{"response", "tool", "tool", "tool", "tool", "response", "complete"}, f.listener.Kinds(),
		"empty reply text is not surfaced")
}

func TestSession_NoToolCallsEndsTask(t *testing.T) {
	f := setupSession(t)
	f.capturer.On("Capture", mock.Anything).Return(blankScreen(1080, 2400), nil)
	f.llm.On("Complete", mock.Anything, mock.Anything).Return(textReply("Nothing to do."), nil).Once()

	_, err := f.session.Start("check the time")
	require.NoError(t, err)
	waitLoop(t, f.session)

	f.capturer.AssertNumberOfCalls(t, "Capture", 1)
	f.llm.AssertNumberOfCalls(t, "Complete", 1)
	st := f.session.Status()
	assert.False(t, st.Active)
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 1, st.Turns)
}

func TestSession_ModelErrorSurfacesAndGoesIdle(t *testing.T) {
	f := setupSession(t)
	f.capturer.On("Capture", mock.Anything).Return(blankScreen(800, 1600), nil)
	f.llm.On("Complete", mock.Anything, mock.Anything).Return(nil, errors.New("401 unauthorized")).Once()

	id, err := f.session.Start("open settings")
	require.NoError(t, err)
	waitLoop(t, f.session)

	assert.False(t, f.session.IsActive())
	f.llm.AssertNumberOfCalls(t, "Complete", 1)
	f.capturer.AssertNumberOfCalls(t, "Capture", 1)
	assert.Equal(t, f.conv.Seed(), f.session.Transcript(), "failed turn leaves no trace in the transcript")

	events := f.listener.Events()
	require.NotEmpty(t, events)
	lastEvent := events[len(events)-1]
	assert.Equal(t, "error", lastEvent.Kind)
	assert.Contains(t, lastEvent.Text, "model request failed")
	assert.Contains(t, lastEvent.Text, "401 unauthorized")
	assert.Contains(t, f.session.Status().LastError, "401")
	assert.Equal(t, schemas.OutcomeFailed, f.recorder.Outcome(id))
}

func TestSession_ScreenshotFailureIsADeadEnd(t *testing.T) {
	f := setupSession(t)
	f.capturer.On("Capture", mock.Anything).Return(nil, errors.New("screencap exited 1")).Once()

	_, err := f.session.Start("open settings")
	require.NoError(t, err)
	waitLoop(t, f.session)

	assert.False(t, f.session.IsActive())
	f.llm.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	kinds := f.listener.Kinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, "error", kinds[0])
	assert.Contains(t, f.listener.Events()[0].Text, "screenshot capture failed")
}

func TestSession_ForceStopDiscardsLateResponse(t *testing.T) {
	f := setupSession(t)
	f.capturer.On("Capture", mock.Anything).Return(blankScreen(800, 1600), nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	click := schemas.ToolCallRequest{ID: "late", Name: "click", Arguments: `{"x":1,"y":1}`}
	f.llm.On("Complete", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			once.Do(func() { close(entered) })
			<-release
		}).
		Return(toolCallReply("late reply", click), nil).Once()

	id, err := f.session.Start("open settings")
	require.NoError(t, err)

	<-entered
	assert.Equal(t, StateAwaitingModelResponse, f.session.Status().State)
	f.session.ForceStop()
	assert.False(t, f.session.IsActive())
	close(release)
	waitLoop(t, f.session)

	assert.Equal(t, f.conv.Seed(), f.session.Transcript())
	f.device.AssertNotCalled(t, "Tap", mock.Anything, mock.Anything, mock.Anything)
	f.capturer.AssertNumberOfCalls(t, "Capture", 1)
	assert.NotContains(t, f.listener.Kinds(), "tool")
	assert.Contains(t, f.listener.Kinds(), "hide")
	assert.NotContains(t, f.listener.Kinds(), "error")
	assert.Equal(t, schemas.OutcomeStopped, f.recorder.Outcome(id))
}

func TestSession_ForceStopWhileCountingTokensHidesLast(t *testing.T) {
	metrics, err := observability.NewMetrics(prometheus.NewRegistry(), "test")
	require.NoError(t, err)
	f := setupSessionWith(t, []SessionOption{WithMetrics(metrics)})
	f.capturer.On("Capture", mock.Anything).Return(blankScreen(800, 1600), nil)
	f.llm.On("Complete", mock.Anything, mock.Anything).Return(textReply("late"), nil).Maybe()

	countRequestTokens = func([]schemas.Message) int {
		f.session.ForceStop()
		return 0
	}
	t.Cleanup(func() { countRequestTokens = llmutil.CountMessageTokens })

	_, err = f.session.Start("open settings")
	require.NoError(t, err)
	waitLoop(t, f.session)

	events := f.listener.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "hide", events[len(events)-1].Kind)
	assert.Equal(t, []string{"response", "hide"}, f.listener.Kinds())
	assert.False(t, f.session.IsActive())
}

func TestSession_StartRejectsWhileActive(t *testing.T) {
	f := setupSession(t)
	f.capturer.On("Capture", mock.Anything).Return(blankScreen(800, 1600), nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.llm.On("Complete", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(textReply("done"), nil).Once()

	_, err := f.session.Start("first")
	require.NoError(t, err)
	<-entered

	_, err = f.session.Start("second")
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, "first", f.session.Status().Prompt)

	close(release)
	waitLoop(t, f.session)
	assert.False(t, f.session.IsActive())

	// A finished session accepts a new task.
	f.llm.On("Complete", mock.Anything, mock.Anything).Return(textReply("ok"), nil).Once()
	_, err = f.session.Start("third")
	require.NoError(t, err)
	waitLoop(t, f.session)
}

func TestSession_StartRejectsEmptyPrompt(t *testing.T) {
	f := setupSession(t)
	for _, p := range []string{"", "   ", "\n\t"} {
		_, err := f.session.Start(p)
		assert.ErrorIs(t, err, ErrEmptyPrompt)
	}
	assert.False(t, f.session.IsActive())
}

func TestSession_ForceStopIsIdempotent(t *testing.T) {
	f := setupSession(t)
	assert.NotPanics(t, func() {
		f.session.ForceStop()
		f.session.ForceStop()
	})
	assert.Empty(t, f.listener.Kinds())
}

func TestSession_TurnLimit(t *testing.T) {
	f := setupSession(t, func(c *SessionConfig) { c.MaxTurns = 2 })
	f.capturer.On("Capture", mock.Anything).Return(blankScreen(100, 100), nil)
	f.llm.On("Complete", mock.Anything, mock.Anything).
		Return(toolCallReply("", schemas.ToolCallRequest{ID: "x", Name: "goHome"}), nil)
	f.device.On("Home", mock.Anything).Return(nil)

	_, err := f.session.Start("loop forever")
	require.NoError(t, err)
	waitLoop(t, f.session)

	f.llm.AssertNumberOfCalls(t, "Complete", 2)
	assert.False(t, f.session.IsActive())
	events := f.listener.Events()
	assert.Equal(t, "error", events[len(events)-1].Kind)
	assert.Contains(t, f.session.Status().LastError, "turn limit")
}

func TestSession_RequestWindowKeepsSeed(t *testing.T) {
	f := setupSession(t, func(c *SessionConfig) { c.MaxTurns = 12 })
	f.capturer.On("Capture", mock.Anything).Return(blankScreen(100, 100), nil)
	f.llm.On("Complete", mock.Anything, mock.Anything).
		Return(toolCallReply("", schemas.ToolCallRequest{ID: "x", Name: "goBack"}), nil).Times(11)
	f.llm.On("Complete", mock.Anything, mock.Anything).Return(textReply("done"), nil).Once()
	f.device.On("Back", mock.Anything).Return(nil)

	_, err := f.session.Start("go back a lot")
	require.NoError(t, err)
	waitLoop(t, f.session)

	seed := f.conv.Seed()
	for i, req := range f.llm.Requests() {
		require.GreaterOrEqual(t, len(req.Messages), 2, "request %d", i)
		assert.Equal(t, seed[0], req.Messages[0], "request %d lost the seed", i)
		assert.LessOrEqual(t, len(req.Messages), len(seed)+DefaultKeepRecent+1, "request %d", i)
	}
	assert.Greater(t, len(f.session.Transcript()), DefaultTruncateThreshold)
}

func TestSession_ShutdownContextRejectsStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := NewSession(ctx, SessionConfig{}, Dependencies{
		LLM: new(MockLLMClient), Capturer: new(MockCapturer), Tools: NewToolRegistry(zaptest.NewLogger(t)),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = s.Start("anything")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "awaiting_screenshot", StateAwaitingScreenshot.String())
	assert.Equal(t, "awaiting_model_response", StateAwaitingModelResponse.String())
	assert.Equal(t, "executing_tools", StateExecutingTools.String())
	b, err := StateExecutingTools.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "executing_tools", string(b))
}
