package invoker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rendis/blockflow/pkg/schema"
)

// Registry is the concrete thread-safe BlockInvoker. Block types without a
// registered handler are passed to the fallback invoker when one is set.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback BlockInvoker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// SetFallback routes unregistered block types to inv.
func (r *Registry) SetFallback(inv BlockInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = inv
}

// Register adds a handler to the registry. Returns error on duplicate type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	blockType := h.Type()
	if blockType == "" {
		return schema.NewError(schema.ErrCodeValidation, "block type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[blockType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "block type %q already registered", blockType)
	}

	r.handlers[blockType] = h
	return nil
}

// RegisterFunc is shorthand for Register(Func(...)).
func (r *Registry) RegisterFunc(blockType, description string, fn HandlerFunc) error {
	return r.Register(Func(blockType, description, fn))
}

// RegisterNamespace bulk-registers handlers under "prefix.<type>".
func (r *Registry) RegisterNamespace(prefix string, handlers []Handler) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "namespace prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, h := range handlers {
		prefixed := fmt.Sprintf("%s.%s", prefix, h.Type())
		if _, exists := r.handlers[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "block type %q already registered", prefixed)
		}
		r.handlers[prefixed] = &prefixedHandler{inner: h, blockType: prefixed}
		registered++
	}
	return registered, nil
}

// Get retrieves a handler by block type.
func (r *Registry) Get(blockType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[blockType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeBlockUnavailable, "block type %q not registered", blockType)
	}
	return h, nil
}

// Has checks if a block type is registered or can be served by the fallback.
func (r *Registry) Has(blockType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[blockType]
	return ok || r.fallback != nil
}

// List returns info for all registered handlers, sorted by type.
func (r *Registry) List() []BlockInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BlockInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		info := h.Describe()
		info.Type = h.Type()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Invoke runs the handler for blockType under timeout. Errors and panics
// become failed Outcomes; a handler still running when the timeout fires is
// abandoned and its result discarded.
func (r *Registry) Invoke(ctx context.Context, blockType string, params map[string]any, timeout time.Duration) (Outcome, error) {
	r.mu.RLock()
	h, ok := r.handlers[blockType]
	fallback := r.fallback
	r.mu.RUnlock()

	if !ok {
		if fallback == nil {
			return Failed(schema.ErrCodeBlockUnavailable, fmt.Sprintf("block type %q not registered", blockType)), nil
		}
		return invokeBounded(ctx, timeout, func(ctx context.Context) (Outcome, error) {
			return fallback.Invoke(ctx, blockType, params, timeout)
		})
	}
	return invokeBounded(ctx, timeout, func(ctx context.Context) (Outcome, error) {
		return h.Invoke(ctx, params)
	})
}

type callResult struct {
	out Outcome
	err error
}

func invokeBounded(ctx context.Context, timeout time.Duration, fn func(context.Context) (Outcome, error)) (Outcome, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- callResult{out: Failed(schema.ErrCodeExecution,
					fmt.Sprintf("block panicked: %v\n%s", p, debug.Stack()))}
			}
		}()
		out, err := fn(ctx)
		done <- callResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		return Normalize(res.out, res.err), nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return Failed(schema.ErrCodeTimeout, fmt.Sprintf("timeout after %s", timeout)), nil
		}
		return Failed(schema.ErrCodeCancelled, "invocation cancelled"), nil
	}
}

// Normalize folds an invocation error into the Outcome.
func Normalize(out Outcome, err error) Outcome {
	if err != nil {
		code := schema.ErrorCode(err)
		if code == "" {
			code = schema.ErrCodeInvocationFailed
		}
		return Failed(code, err.Error())
	}
	if !out.Success && out.Error == "" {
		out.Error = "block reported failure"
	}
	if !out.Success && out.ErrorCode == "" {
		out.ErrorCode = schema.ErrCodeInvocationFailed
	}
	return out
}

type prefixedHandler struct {
	inner     Handler
	blockType string
}

func (p *prefixedHandler) Type() string { return p.blockType }

func (p *prefixedHandler) Describe() BlockInfo {
	info := p.inner.Describe()
	info.Type = p.blockType
	return info
}

func (p *prefixedHandler) Invoke(ctx context.Context, params map[string]any) (Outcome, error) {
	return p.inner.Invoke(ctx, params)
}

var _ BlockInvoker = (*Registry)(nil)
