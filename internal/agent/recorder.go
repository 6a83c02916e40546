package agent

import (
	"context"

	"github.com/coreply/cooperate/api/schemas"
)

// Recorder journals task activity. Calls are best-effort: failures are
// logged and never affect the loop.
type Recorder interface {
	TaskStarted(ctx context.Context, task schemas.TaskRecord) error
	MessageAppended(ctx context.Context, entry schemas.JournalEntry) error
	TaskFinished(ctx context.Context, taskID string, outcome schemas.TaskOutcome, errText string) error
}

type nopRecorder struct{}

func (nopRecorder) TaskStarted(context.Context, schemas.TaskRecord) error     { return nil }
func (nopRecorder) MessageAppended(context.Context, schemas.JournalEntry) error { return nil }
func (nopRecorder) TaskFinished(context.Context, string, schemas.TaskOutcome, string) error {
	return nil
}

// Dispatcher runs UI-affecting work on a dedicated execution context.
type Dispatcher interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// inlineDispatcher runs work on the calling goroutine.
type inlineDispatcher struct{}

func (inlineDispatcher) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}
