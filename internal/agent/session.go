// internal/agent/session.go
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/coreply/cooperate/internal/config"
	"github.com/coreply/cooperate/internal/observability"
)

// uuidNewString is a package-level variable so tests can pin task IDs.
var uuidNewString = uuid.NewString

// recordTimeout bounds each best-effort journal write.
const recordTimeout = 5 * time.Second

// SessionConfig holds the model parameters and loop policy for a session.
type SessionConfig struct {
	Model             string
	Temperature       float32
	TopP              float32
	TargetLongestEdge int
	ScreenshotDelay   time.Duration // Settle time before each capture.
	PreToolDelay      time.Duration // After a reply is shown, before the first tool.
	InterToolDelay    time.Duration // Between consecutive tool calls.
	KeepRecent        int
	MaxTurns          int // 0 means unlimited.
}

// NewSessionConfig derives a SessionConfig from application configuration.
func NewSessionConfig(llm config.LLMConfig, a config.AgentConfig) SessionConfig {
	return SessionConfig{
		Model:             llm.Model,
		Temperature:       llm.Temperature,
		TopP:              llm.TopP,
		TargetLongestEdge: a.TargetLongestEdge,
		ScreenshotDelay:   a.ScreenshotDelay,
		PreToolDelay:      a.PreToolDelay,
		InterToolDelay:    a.InterToolDelay,
		KeepRecent:        a.KeepRecent,
		MaxTurns:          a.MaxTurns,
	}
}

// Dependencies are the collaborators a Session drives.
type Dependencies struct {
	LLM          schemas.LLMClient
	Capturer     schemas.ScreenCapturer
	Tools        *ToolRegistry
	Mapper       *CoordinateMapper
	Conversation *ConversationState
}

// SessionOption configures optional Session collaborators.
type SessionOption func(*Session)

func WithListener(l Listener) SessionOption {
	return func(s *Session) { s.listener = l }
}

func WithRecorder(r Recorder) SessionOption {
	return func(s *Session) { s.recorder = r }
}

func WithMetrics(m *observability.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// Status is a point-in-time view of a session.
type Status struct {
	Active    bool      `json:"active"`
	TaskID    string    `json:"task_id,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	State     State     `json:"state"`
	Turns     int       `json:"turns"`
	Scale     float64   `json:"scale"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// task is the bookkeeping for one started goal.
type task struct {
	id         string
	prompt     string
	generation uint64
	startedAt  time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// Session is the lifecycle wrapper around the control loop. At most one
// task is active at a time; a second Start while active is rejected.
type Session struct {
	cfg      SessionConfig
	logger   *zap.Logger
	llm      schemas.LLMClient
	capturer schemas.ScreenCapturer
	tools    *ToolRegistry
	mapper   *CoordinateMapper
	conv     *ConversationState
	listener Listener
	recorder Recorder
	metrics  *observability.Metrics
	baseCtx  context.Context

	mu         sync.Mutex
	active     bool
	generation uint64 // Bumped on every start and stop; stale loops compare against it.
	current    *task
	state      State
	turns      int
	lastErr    string
}

// NewSession creates an idle session. Loops started by the session run
// under ctx and stop when it is cancelled.
func NewSession(ctx context.Context, cfg SessionConfig, deps Dependencies, logger *zap.Logger, opts ...SessionOption) (*Session, error) {
	if deps.LLM == nil || deps.Capturer == nil || deps.Tools == nil {
		return nil, fmt.Errorf("session requires an LLM client, a screen capturer and a tool registry")
	}
	if deps.Mapper == nil {
		deps.Mapper = NewCoordinateMapper()
	}
	if deps.Conversation == nil {
		deps.Conversation = NewConversationState("", DefaultTruncateThreshold)
	}
	if cfg.TargetLongestEdge <= 0 {
		cfg.TargetLongestEdge = DefaultTargetLongestEdge
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = DefaultKeepRecent
	}

	s := &Session{
		cfg:      cfg,
		logger:   logger.Named("session"),
		llm:      deps.LLM,
		capturer: deps.Capturer,
		tools:    deps.Tools,
		mapper:   deps.Mapper,
		conv:     deps.Conversation,
		listener: NopListener{},
		recorder: nopRecorder{},
		baseCtx:  ctx,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start seeds the conversation with prompt and launches the loop. It
// returns the new task ID, ErrEmptyPrompt for blank input, or
// ErrAlreadyActive while another task runs.
func (s *Session) Start(prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return "", ErrAlreadyActive
	}
	if err := s.baseCtx.Err(); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("session is shut down: %w", err)
	}

	s.generation++
	t := &task{
		id:         uuidNewString(),
		prompt:     prompt,
		generation: s.generation,
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	t.cancel = cancel
	s.active = true
	s.current = t
	s.state = StateAwaitingScreenshot
	s.turns = 0
	s.lastErr = ""
	s.conv.SeedWith(prompt)
	s.mu.Unlock()

	s.logger.Info("Task started", zap.String("task_id", t.id), zap.String("prompt", prompt))
	s.metrics.TaskStarted()
	s.recordStarted(t)
	for i, msg := range s.conv.Seed() {
		s.recordMessage(t.id, i, msg)
	}

	go s.run(ctx, t)
	return t.id, nil
}

// ForceStop ends the active task, hides any response and restores the
// transcript to its seed. A reply arriving afterwards is discarded. Calling
// it while idle does nothing.
func (s *Session) ForceStop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.generation++
	s.active = false
	s.state = StateIdle
	t := s.current
	s.conv.Reset()
	s.mu.Unlock()

	t.cancel()
	s.listener.OnHide()
	s.logger.Info("Task force-stopped", zap.String("task_id", t.id))
	s.metrics.TaskFinished(string(schemas.OutcomeStopped))
	s.recordFinished(t.id, schemas.OutcomeStopped, "")
}

// IsActive reports whether a task is running.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Active:    s.active,
		State:     s.state,
		Turns:     s.turns,
		Scale:     s.mapper.Scale(),
		LastError: s.lastErr,
	}
	if s.current != nil {
		st.TaskID = s.current.id
		st.Prompt = s.current.prompt
		st.StartedAt = s.current.startedAt
	}
	return st
}

// Wait blocks until the most recently started loop goroutine has exited or
// ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	t := s.current
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transcript returns a copy of the current transcript.
func (s *Session) Transcript() []schemas.Message {
	return s.conv.Transcript()
}

// ScaleFactor returns the scale computed from the latest screenshot.
func (s *Session) ScaleFactor() float64 {
	return s.mapper.Scale()
}

// Tools returns the advertised tool set.
func (s *Session) Tools() []schemas.ToolSchema {
	return s.tools.DescribeAll()
}

// commit runs fn under the session lock if gen is still the live task.
// Every transcript or state change made by a loop goes through here, so
// nothing from a stopped task lands after ForceStop.
func (s *Session) commit(gen uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.generation != gen {
		return false
	}
	fn()
	return true
}

func (s *Session) isCurrent(gen uint64) bool {
	return s.commit(gen, func() {})
}

func (s *Session) recordCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.baseCtx), recordTimeout)
}

func (s *Session) recordStarted(t *task) {
	ctx, cancel := s.recordCtx()
	defer cancel()
	err := s.recorder.TaskStarted(ctx, schemas.TaskRecord{
		ID:        t.id,
		Prompt:    t.prompt,
		Model:     s.cfg.Model,
		Outcome:   schemas.OutcomeRunning,
		StartedAt: t.startedAt,
	})
	if err != nil {
		s.logger.Warn("Failed to journal task start", zap.String("task_id", t.id), zap.Error(err))
	}
}

func (s *Session) recordMessage(taskID string, seq int, msg schemas.Message) {
	ctx, cancel := s.recordCtx()
	defer cancel()
	entry := schemas.JournalEntry{TaskID: taskID, Seq: seq, Message: msg, CreatedAt: time.Now()}
	if err := s.recorder.MessageAppended(ctx, entry); err != nil {
		s.logger.Warn("Failed to journal message", zap.String("task_id", taskID), zap.Int("seq", seq), zap.Error(err))
	}
}

func (s *Session) recordFinished(taskID string, outcome schemas.TaskOutcome, errText string) {
	ctx, cancel := s.recordCtx()
	defer cancel()
	if err := s.recorder.TaskFinished(ctx, taskID, outcome, errText); err != nil {
		s.logger.Warn("Failed to journal task end", zap.String("task_id", taskID), zap.Error(err))
	}
}
