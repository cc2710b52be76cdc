package engine

import (
	"log/slog"
	"time"

	"github.com/rendis/blockflow/pkg/schema"
	"go.opentelemetry.io/otel/trace"
)

// Defaults applied by DefaultConfig.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultMaxLoopIterations = 10000
	DefaultRetentionTTL      = time.Hour
)

// Config holds engine-wide execution limits.
type Config struct {
	// DefaultTimeout bounds an invocation when the node sets no timeout.
	DefaultTimeout time.Duration `json:"default_timeout" validate:"gte=0"`
	// MaxLoopIterations caps every loop; a node's max_iterations may lower it.
	MaxLoopIterations int `json:"max_loop_iterations" validate:"gte=0"`
	// MaxParallelBranches bounds concurrent branches when a parallel node sets
	// no max_concurrent. Zero runs every branch at once.
	MaxParallelBranches int `json:"max_parallel_branches" validate:"gte=0"`
	// RetentionTTL is how long finished results stay queryable in memory.
	RetentionTTL time.Duration `json:"retention_ttl" validate:"gte=0"`
	// ErrorHandling is used when ExecuteOptions leave it empty.
	ErrorHandling schema.ErrorHandling `json:"error_handling" validate:"omitempty,oneof=stop continue skip-branch"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:    DefaultTimeout,
		MaxLoopIterations: DefaultMaxLoopIterations,
		RetentionTTL:      DefaultRetentionTTL,
		ErrorHandling:     schema.ErrorHandlingStop,
	}
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.MaxLoopIterations == 0 {
		c.MaxLoopIterations = DefaultMaxLoopIterations
	}
	if c.RetentionTTL == 0 {
		c.RetentionTTL = DefaultRetentionTTL
	}
	if c.ErrorHandling == "" {
		c.ErrorHandling = schema.ErrorHandlingStop
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the execution limits. Zero fields take their defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHub replaces the in-memory event hub.
func WithHub(h EventHub) Option {
	return func(e *Engine) { e.hub = h }
}

// WithStore persists finished results and their event history.
func WithStore(s ResultStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithInputValidator checks run inputs against a workflow's input schema.
func WithInputValidator(v InputValidator) Option {
	return func(e *Engine) { e.inputs = v }
}

// WithDocumentChecker validates workflow documents structurally before compiling.
func WithDocumentChecker(d DocumentChecker) Option {
	return func(e *Engine) { e.docs = d }
}

// WithTracerProvider sets the OpenTelemetry provider used for node spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}
