// Package server exposes the agent session over HTTP: task control,
// status, transcripts, the journal, a websocket event stream and metrics.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/coreply/cooperate/internal/agent"
	"github.com/coreply/cooperate/internal/config"
	"github.com/coreply/cooperate/internal/store"
)

// Controller is the session surface the API drives. *agent.Session
// implements it.
type Controller interface {
	Start(prompt string) (string, error)
	ForceStop()
	Status() agent.Status
	Transcript() []schemas.Message
	Tools() []schemas.ToolSchema
}

// Server is the HTTP control surface.
type Server struct {
	cfg     config.ServerConfig
	ctrl    Controller
	journal store.Journal
	hub     *EventHub
	gather  prometheus.Gatherer
	engine  *gin.Engine
	logger  *zap.Logger
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithJournal enables the task message endpoint.
func WithJournal(j store.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithEventHub enables the websocket event stream.
func WithEventHub(h *EventHub) Option {
	return func(s *Server) { s.hub = h }
}

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gather = g }
}

type startRequest struct {
	Prompt string `json:"prompt"`
}

// New builds the router.
func New(cfg config.ServerConfig, ctrl Controller, logger *zap.Logger, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		ctrl:   ctrl,
		logger: logger.Named("server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(s.recovery(), s.requestLogger())

	v1 := engine.Group("/api/v1")
	v1.POST("/task", s.startTask)
	v1.DELETE("/task", s.stopTask)
	v1.GET("/task", s.taskStatus)
	v1.GET("/task/transcript", s.transcript)
	v1.GET("/tools", s.tools)
	if s.journal != nil {
		v1.GET("/tasks/:id", s.getTask)
		v1.GET("/tasks/:id/messages", s.taskMessages)
	}
	if s.hub != nil {
		v1.GET("/events", gin.WrapF(s.hub.HandleWS))
	}
	if s.gather != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{})))
	}
	engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	s.engine = engine
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve runs the server on ln until ctx ends, then shuts down gracefully.
// The event hub, when present, runs alongside it.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.hub != nil {
		g.Go(func() error {
			s.hub.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		s.logger.Info("HTTP control surface listening", zap.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		s.logger.Info("Shutting down HTTP control surface")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ListenAndServe binds cfg.Address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) startTask(c *gin.Context) {
	// Browsers send text/plain cross-origin without a preflight; requiring
	// JSON keeps other sites from starting tasks.
	if c.ContentType() != gin.MIMEJSON {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "Content-Type must be application/json"})
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be JSON with a prompt"})
		return
	}
	id, err := s.ctrl.Start(req.Prompt)
	switch {
	case errors.Is(err, agent.ErrEmptyPrompt):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, agent.ErrAlreadyActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": agent.ErrCodeAlreadyActive})
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"task_id": id})
	}
}

func (s *Server) stopTask(c *gin.Context) {
	s.ctrl.ForceStop()
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) taskStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) transcript(c *gin.Context) {
	messages := s.ctrl.Transcript()
	if messages == nil {
		messages = []schemas.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) tools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.ctrl.Tools()})
}

func (s *Server) getTask(c *gin.Context) {
	rec, err := s.journal.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.journalError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) taskMessages(c *gin.Context) {
	entries, err := s.journal.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.journalError(c, err)
		return
	}
	if entries == nil {
		entries = []schemas.JournalEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": entries})
}

func (s *Server) journalError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.logger.Error("Journal query failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "journal unavailable"})
}

// requestLogger logs one line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if strings.HasSuffix(c.FullPath(), "/events") {
			return
		}
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("Handler panicked", zap.Any("panic_value", recovered), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}
