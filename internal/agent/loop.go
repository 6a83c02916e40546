// internal/agent/loop.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/coreply/cooperate/internal/llmutil"
)

// countRequestTokens is replaced in tests.
var countRequestTokens = llmutil.CountMessageTokens

// State is the position of a session in the control loop.
type State int

const (
	StateIdle State = iota
	StateAwaitingScreenshot
	StateAwaitingModelResponse
	StateExecutingTools
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingScreenshot:
		return "awaiting_screenshot"
	case StateAwaitingModelResponse:
		return "awaiting_model_response"
	case StateExecutingTools:
		return "executing_tools"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// errStopped signals that the task was superseded and the loop must exit
// without touching session state.
var errStopped = errors.New("task stopped")

// run drives one task until completion, failure or stop. Each iteration is
// one turn: settle, capture, ask the model, execute the requested tools.
func (s *Session) run(ctx context.Context, t *task) {
	defer close(t.done)
	defer t.cancel()
	logger := s.logger.With(zap.String("task_id", t.id))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Control loop panicked",
				zap.Any("panic_value", r),
				zap.String("stack", string(debug.Stack())),
			)
			s.fail(t, fmt.Errorf("internal error: %v", r))
		}
	}()

	for {
		more, err := s.turn(ctx, t, logger)
		switch {
		case errors.Is(err, errStopped):
			logger.Debug("Loop exiting after stop")
			return
		case err != nil:
			s.fail(t, err)
			return
		case !more:
			s.complete(t)
			return
		}
	}
}

// turn performs one screenshot, model and tools cycle. It reports whether
// another turn should follow.
func (s *Session) turn(ctx context.Context, t *task, logger *zap.Logger) (bool, error) {
	var limitHit bool
	ok := s.commit(t.generation, func() {
		if s.cfg.MaxTurns > 0 && s.turns >= s.cfg.MaxTurns {
			limitHit = true
			return
		}
		s.turns++
		s.state = StateAwaitingScreenshot
	})
	if !ok {
		return false, errStopped
	}
	if limitHit {
		return false, fmt.Errorf("%w after %d turns", ErrTurnLimit, s.cfg.MaxTurns)
	}
	s.metrics.IncTurn()

	// -- AwaitingScreenshot --
	if err := sleepCtx(ctx, s.cfg.ScreenshotDelay); err != nil {
		return false, s.stoppedOr(t, err)
	}
	shot, err := s.capture(ctx)
	if err != nil {
		return false, s.stoppedOr(t, err)
	}

	// -- AwaitingModelResponse --
	w, h := shot.Bounds().Dx(), shot.Bounds().Dy()
	content, err := encodeScreenshot(shot, ScaleFor(w, h, s.cfg.TargetLongestEdge))
	if err != nil {
		s.metrics.IncScreenshotFailure()
		return false, s.stoppedOr(t, &ScreenshotError{Err: err})
	}
	var request schemas.CompletionRequest
	ok = s.commit(t.generation, func() {
		s.mapper.SetScaleForSize(w, h, s.cfg.TargetLongestEdge)
		s.state = StateAwaitingModelResponse
		request = s.buildRequest(content)
		// Emitted under the lock so a concurrent ForceStop's OnHide always lands after it.
		s.listener.OnResponse(ProcessingText, true)
	})
	if !ok {
		return false, errStopped
	}
	if s.metrics != nil {
		// Counting may load the tokenizer, so it stays outside the lock.
		s.metrics.SetRequestTokens(countRequestTokens(request.Messages))
	}
	logger.Debug("Screenshot prepared",
		zap.Int("width", content.Width), zap.Int("height", content.Height), zap.Float64("scale", s.mapper.Scale()))

	reply, err := s.requestCompletion(ctx, request)
	if err != nil {
		return false, s.stoppedOr(t, err)
	}

	// -- ExecutingTools --
	assistant := reply.Message
	assistant.Role = schemas.RoleAssistant
	seq := -1
	ok = s.commit(t.generation, func() {
		seq = s.conv.Append(assistant)
		s.state = StateExecutingTools
	})
	if !ok {
		logger.Info("Discarding model reply that arrived after stop")
		return false, errStopped
	}
	s.recordMessage(t.id, seq, assistant)

	if assistant.Content != "" {
		s.listener.OnResponse(assistant.Content, false)
	}
	if len(assistant.ToolCalls) == 0 {
		return false, nil
	}

	if err := sleepCtx(ctx, s.cfg.PreToolDelay); err != nil {
		return false, s.stoppedOr(t, err)
	}
	for i, call := range assistant.ToolCalls {
		if i > 0 {
			if err := sleepCtx(ctx, s.cfg.InterToolDelay); err != nil {
				return false, s.stoppedOr(t, err)
			}
		}
		if !s.isCurrent(t.generation) {
			return false, errStopped
		}

		s.listener.OnToolExecuting(call.Name)
		result := s.tools.Invoke(ctx, call.Name, call.Arguments)
		logger.Info("Tool executed", zap.String("tool", call.Name), zap.String("call_id", call.ID), zap.String("result", result))

		msg := schemas.NewToolResultMessage(call, result)
		ok = s.commit(t.generation, func() {
			seq = s.conv.Append(msg)
		})
		if !ok {
			return false, errStopped
		}
		s.recordMessage(t.id, seq, msg)
	}
	return true, nil
}

// capture takes a screenshot and classifies failures.
func (s *Session) capture(ctx context.Context) (image.Image, error) {
	shot, err := s.capturer.Capture(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.IncScreenshotFailure()
		}
		return nil, &ScreenshotError{Err: err}
	}
	if shot == nil {
		s.metrics.IncScreenshotFailure()
		return nil, &ScreenshotError{Err: errors.New("capturer returned no image")}
	}
	return shot, nil
}

// buildRequest assembles the outgoing request: the windowed transcript plus
// the new screenshot as the final user turn. The screenshot is not added to
// the transcript.
func (s *Session) buildRequest(shot schemas.ImageContent) schemas.CompletionRequest {
	messages := s.conv.SnapshotForRequest(s.cfg.KeepRecent)
	messages = append(messages, schemas.NewImageMessage(shot))
	return schemas.CompletionRequest{
		Model:       s.cfg.Model,
		Messages:    messages,
		Tools:       s.tools.DescribeAll(),
		ToolChoice:  schemas.ToolChoiceAuto,
		Temperature: s.cfg.Temperature,
		TopP:        s.cfg.TopP,
	}
}

// requestCompletion calls the model and wraps any failure as *ModelRequestError.
func (s *Session) requestCompletion(ctx context.Context, req schemas.CompletionRequest) (*schemas.CompletionResponse, error) {
	started := time.Now()
	resp, err := s.llm.Complete(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if ctx.Err() == nil {
		s.metrics.ObserveModelRequest(time.Since(started), err)
	}
	if err != nil {
		return nil, &ModelRequestError{Err: err}
	}
	return resp, nil
}

// stoppedOr maps err to errStopped when the task is no longer current.
func (s *Session) stoppedOr(t *task, err error) error {
	if !s.isCurrent(t.generation) {
		return errStopped
	}
	return err
}

// fail ends the task after a control-plane error. The transcript is left as
// is so the failed turn can be inspected.
func (s *Session) fail(t *task, err error) {
	ok := s.commit(t.generation, func() {
		s.active = false
		s.state = StateIdle
		s.lastErr = err.Error()
	})
	if !ok {
		return
	}
	s.logger.Error("Task failed", zap.String("task_id", t.id), zap.String("code", string(CodeOf(err))), zap.Error(err))
	s.listener.OnError("Error: " + err.Error())
	s.metrics.TaskFinished(string(schemas.OutcomeFailed))
	s.recordFinished(t.id, schemas.OutcomeFailed, err.Error())
}

// complete ends the task after a reply with no tool calls.
func (s *Session) complete(t *task) {
	ok := s.commit(t.generation, func() {
		s.active = false
		s.state = StateIdle
	})
	if !ok {
		return
	}
	s.logger.Info("Task complete", zap.String("task_id", t.id))
	if c, ok := s.listener.(TaskCompletionListener); ok {
		c.OnTaskComplete(t.id)
	}
	s.metrics.TaskFinished(string(schemas.OutcomeCompleted))
	s.recordFinished(t.id, schemas.OutcomeCompleted, "")
}
