// File: internal/service/components.go
package service

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/coreply/cooperate/internal/agent"
	"github.com/coreply/cooperate/internal/device"
	"github.com/coreply/cooperate/internal/observability"
	"github.com/coreply/cooperate/internal/server"
	"github.com/coreply/cooperate/internal/store"
	"github.com/coreply/cooperate/internal/worker"
)

// shutdownWait bounds how long Shutdown waits for an in-flight loop.
const shutdownWait = 15 * time.Second

// Runtime holds every initialized component of one agent process and owns
// their lifecycle.
type Runtime struct {
	Session    *agent.Session
	Tools      *agent.ToolRegistry
	Foreground *worker.Foreground
	Device     *device.ADB
	LLM        schemas.LLMClient
	Journal    store.Journal
	Hub        *server.EventHub // Nil unless the event stream was requested.
	Metrics    *observability.Metrics
	Registry   *prometheus.Registry // Nil when metrics are disabled.

	logger         *zap.Logger
	journalCleanup func()
	shutdownOnce   sync.Once
}

// Shutdown releases all components in dependency order. It is safe to call
// more than once and on a partially built runtime.
func (r *Runtime) Shutdown() {
	r.shutdownOnce.Do(r.shutdown)
}

func (r *Runtime) shutdown() {
	logger := r.logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.Debug("Beginning runtime shutdown sequence.")

	// 1. Stop the loop so no further device work is queued.
	if r.Session != nil {
		r.Session.ForceStop()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		if err := r.Session.Wait(ctx); err != nil {
			logger.Warn("Timed out waiting for the control loop to exit.", zap.Error(err))
		}
		cancel()
		logger.Debug("Session stopped.")
	}

	// 2. Drain the foreground worker.
	if r.Foreground != nil {
		r.Foreground.Stop()
		logger.Debug("Foreground worker stopped.")
	}

	// 3. Release the model client.
	if r.LLM != nil {
		if err := r.LLM.Close(); err != nil {
			logger.Warn("Error closing LLM client.", zap.Error(err))
		}
	}

	// 4. Close the journal's connection pool.
	if r.journalCleanup != nil {
		r.journalCleanup()
	}

	logger.Info("Runtime shut down.")
}
