// internal/agent/tools.go
package agent

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/coreply/cooperate/api/schemas"
	"github.com/coreply/cooperate/internal/llmutil"
	"github.com/coreply/cooperate/internal/observability"
)

// ToolArguments is the decoded argument map of one tool call. Getters never
// fail: missing or mistyped fields yield zero values.
type ToolArguments map[string]any

// Float returns the numeric value of key, or 0.
func (a ToolArguments) Float(key string) float64 {
	var f float64
	switch v := a[key].(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		f, _ = v.Float64()
	case string:
		f, _ = strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// String returns the text value of key, or "". Scalars are formatted.
func (a ToolArguments) String(key string) string {
	switch v := a[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	}
	return ""
}

// ToolHandler performs a tool's side effects and returns its result text.
type ToolHandler func(ctx context.Context, args ToolArguments) string

// ToolDefinition describes one callable device action.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON-schema shaped.
	Handler     ToolHandler
}

// Schema returns the advertised form of the definition.
func (d ToolDefinition) Schema() schemas.ToolSchema {
	return schemas.ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*ToolRegistry)

// WithRegistryMetrics records tool outcomes.
func WithRegistryMetrics(m *observability.Metrics) RegistryOption {
	return func(r *ToolRegistry) { r.metrics = m }
}

// ToolRegistry holds the tool set advertised to the model. Registration
// order is preserved so DescribeAll is stable.
type ToolRegistry struct {
	logger  *zap.Logger
	metrics *observability.Metrics

	mu    sync.RWMutex
	tools map[string]ToolDefinition
	order []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger *zap.Logger, opts ...RegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		logger: logger.Named("tool_registry"),
		tools:  make(map[string]ToolDefinition),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds def. A second definition under the same name fails with
// *DuplicateToolError.
func (r *ToolRegistry) Register(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return &DuplicateToolError{Name: def.Name}
	}
	r.tools[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// Resolve returns the definition for name or *UnknownToolError.
func (r *ToolRegistry) Resolve(name string) (ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	if !ok {
		return ToolDefinition{}, &UnknownToolError{Name: name}
	}
	return def, nil
}

// DescribeAll lists every tool in registration order.
func (r *ToolRegistry) DescribeAll() []schemas.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schemas.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Schema())
	}
	return out
}

// Names lists the registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Invoke runs the named tool with the model's raw argument text and returns
// the result text. It never fails: unknown tools, malformed arguments and
// handler panics all come back as text for the transcript.
func (r *ToolRegistry) Invoke(ctx context.Context, name, rawArguments string) (result string) {
	def, err := r.Resolve(name)
	if err != nil {
		r.logger.Warn("Model requested an unknown tool", zap.String("tool", name))
		r.metrics.ObserveTool(name, "unknown")
		return "Error: " + err.Error()
	}

	parsed, err := llmutil.ParseToolArguments(rawArguments)
	if err != nil {
		malformed := &MalformedArgumentsError{Tool: name, Raw: rawArguments, Err: err}
		r.logger.Warn("Falling back to default tool arguments", zap.Error(malformed))
		parsed = map[string]any{}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Tool handler panicked",
				zap.String("tool", name),
				zap.Any("panic_value", p),
				zap.String("stack", string(debug.Stack())),
			)
			r.metrics.ObserveTool(name, "panic")
			result = fmt.Sprintf("Error: tool %s failed unexpectedly: %v", name, p)
		}
	}()

	result = def.Handler(ctx, ToolArguments(parsed))
	outcome := "ok"
	if strings.HasPrefix(result, "Error:") || result == TargetNotFoundText {
		outcome = "error"
	}
	r.metrics.ObserveTool(name, outcome)
	return result
}
