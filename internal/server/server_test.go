package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/coreply/cooperate/internal/agent"
	"github.com/coreply/cooperate/internal/config"
	"github.com/coreply/cooperate/internal/observability"
	"github.com/coreply/cooperate/internal/store"
)

// fakeController mimics the session's reject-if-active policy.
type fakeController struct {
	mu       sync.Mutex
	active   bool
	prompt   string
	stops    int
	startErr error
}

func (f *fakeController) Start(prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	if strings.TrimSpace(prompt) == "" {
		return "", agent.ErrEmptyPrompt
	}
	if f.active {
		return "", agent.ErrAlreadyActive
	}
	f.active = true
	f.prompt = prompt
	return "task-1", nil
}

func (f *fakeController) ForceStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.stops++
}

func (f *fakeController) Status() agent.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := agent.Status{Active: f.active, Prompt: f.prompt, Scale: 1}
	if f.active {
		st.TaskID = "task-1"
		st.State = agent.StateAwaitingScreenshot
	}
	return st
}

func (f *fakeController) Transcript() []schemas.Message {
	return []schemas.Message{
		schemas.NewSystemMessage("Your task: open settings"),
		{Role: schemas.RoleAssistant, Content: "Tapping", ToolCalls: []schemas.ToolCallRequest{{ID: "c1", Name: "click", Arguments: "{}"}}},
	}
}

func (f *fakeController) Tools() []schemas.ToolSchema {
	return []schemas.ToolSchema{{Name: "click", Description: "tap", Parameters: map[string]any{"type": "object"}}}
}

func setupServer(t *testing.T, opts ...Option) (*Server, *fakeController) {
	t.Helper()
	ctrl := &fakeController{}
	return New(config.ServerConfig{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, ctrl, zaptest.NewLogger(t), opts...), ctrl
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_TaskLifecycle(t *testing.T) {
	s, ctrl := setupServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/task", `{"prompt":"open settings"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "task-1", decode(t, rec)["task_id"])

	rec = do(t, h, http.MethodPost, "/api/v1/task", `{"prompt":"another"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(agent.ErrCodeAlreadyActive), decode(t, rec)["code"])

	rec = do(t, h, http.MethodGet, "/api/v1/task", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, true, status["active"])
	assert.Equal(t, "awaiting_screenshot", status["state"])

	for i := 0; i < 2; i++ {
		rec = do(t, h, http.MethodDelete, "/api/v1/task", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, decode(t, rec)["active"])
	}
	assert.Equal(t, 2, ctrl.stops)
}

func TestServer_StartValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "blank prompt", body: `{"prompt":"   "}`, want: http.StatusBadRequest},
		{name: "missing prompt", body: `{}`, want: http.StatusBadRequest},
		{name: "not json", body: `prompt=hi`, want: http.StatusBadRequest},
		{name: "session shut down", body: `{"prompt":"go"}`, err: errors.New("session is shut down"), want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ctrl := setupServer(t)
			ctrl.startErr = tt.err
			rec := do(t, s.Handler(), http.MethodPost, "/api/v1/task", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_StartRequiresJSONContentType(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		want        int
	}{
		{name: "plain text from another site", contentType: "text/plain;charset=UTF-8", want: http.StatusUnsupportedMediaType},
		{name: "form post", contentType: "application/x-www-form-urlencoded", want: http.StatusUnsupportedMediaType},
		{name: "no content type", contentType: "", want: http.StatusUnsupportedMediaType},
		{name: "json with charset", contentType: "application/json; charset=utf-8", want: http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ctrl := setupServer(t)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/task", strings.NewReader(`{"prompt":"open banking app and send money"}`))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			req.Header.Set("Origin", "https://evil.example")
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.want == http.StatusAccepted, ctrl.Status().Active)
		})
	}
}

func TestServer_TranscriptAndTools(t *testing.T) {
	s, _ := setupServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/task/transcript", "")
	require.Equal(t, http.StatusOK, rec.Code)
	messages := decode(t, rec)["messages"].([]any)
	require.Len(t, messages, 2)
	assistant := messages[1].(map[string]any)
	assert.Equal(t, "assistant", assistant["role"])
	assert.Len(t, assistant["tool_calls"], 1)

	rec = do(t, h, http.MethodGet, "/api/v1/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tools := decode(t, rec)["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "click", tools[0].(map[string]any)["name"])
}

func TestServer_Journal(t *testing.T) {
	ctx := context.Background()
	journal := store.NewMemoryStore()
	require.NoError(t, journal.TaskStarted(ctx, schemas.TaskRecord{ID: "t1", Prompt: "p", Outcome: schemas.OutcomeRunning}))
	require.NoError(t, journal.MessageAppended(ctx, schemas.JournalEntry{TaskID: "t1", Seq: 0, Message: schemas.NewSystemMessage("Your task: p")}))

	s, _ := setupServer(t, WithJournal(journal))
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/tasks/t1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["messages"], 1)

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decode(t, rec)["outcome"])

	rec = do(t, h, http.MethodGet, "/api/v1/tasks/unknown/messages", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_OptionalRoutes(t *testing.T) {
	s, _ := setupServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/api/v1/tasks/t1/messages", "").Code)

	reg := prometheus.NewRegistry()
	m, err := observability.NewMetrics(reg, "cooperate")
	require.NoError(t, err)
	m.IncTurn()

	s, _ = setupServer(t, WithMetrics(reg))
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cooperate_")
}

func TestServer_EventStream(t *testing.T) {
	hub := NewEventHub(zaptest.NewLogger(t))
	s, _ := setupServer(t, WithEventHub(hub))

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()
	defer func() {
		cancel()
		assert.NoError(t, <-served)
	}()

	url := "ws://" + ln.Addr().String() + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	var l agent.Listener = hub
	l.OnResponse(agent.ProcessingText, true)
	l.OnToolExecuting("click")
	hub.OnTaskComplete("task-1")

	want := []Event{
		{Type: EventResponse, Text: agent.ProcessingText, Loading: true},
		{Type: EventTool, Tool: "click"},
		{Type: EventComplete, TaskID: "task-1"},
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, w := range want {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var got Event
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.False(t, got.Time.IsZero())
		got.Time = time.Time{}
		assert.Equal(t, w, got)
	}
}

func TestServer_EventStreamChecksOrigin(t *testing.T) {
	hub := NewEventHub(zaptest.NewLogger(t))
	s, _ := setupServer(t, WithEventHub(hub))

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()
	defer func() {
		cancel()
		assert.NoError(t, <-served)
	}()

	addr := ln.Addr().String()
	url := "ws://" + addr + "/api/v1/events"

	foreign := http.Header{"Origin": []string{"https://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, foreign)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()
	assert.Nil(t, conn)

	own := http.Header{"Origin": []string{"http://" + addr}}
	conn, _, err = websocket.DefaultDialer.Dial(url, own)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSameOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://127.0.0.1:8080", true},
		{"HTTP://127.0.0.1:8080", true},
		{"http://127.0.0.1:9090", false},
		{"https://evil.example", false},
		{"null", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8080/api/v1/events", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, sameOrigin(req), tt.origin)
	}
}

func TestEventHub_PublishNeverBlocks(t *testing.T) {
	hub := NewEventHub(zaptest.NewLogger(t))
	// Run is not started, so the queue fills and further events drop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			hub.OnError("boom")
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
}
