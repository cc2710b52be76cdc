// Package invoker is the boundary between the engine and the code that
// physically performs a block's work.
package invoker

import (
	"context"
	"time"
)

// Outcome is the result of one block invocation.
type Outcome struct {
	Success   bool   `json:"success"`
	Output    any    `json:"output,omitempty"`
	RawOutput string `json:"raw_output,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	// Variables are assignments the engine applies to the shared run variables.
	Variables map[string]any `json:"variables,omitempty"`
}

// Succeeded builds a successful Outcome.
func Succeeded(output any, raw string) Outcome {
	return Outcome{Success: true, Output: output, RawOutput: raw}
}

// Failed builds a failed Outcome.
func Failed(code, message string) Outcome {
	return Outcome{Success: false, Error: message, ErrorCode: code}
}

// BlockInvoker executes a block by type. A returned error is treated exactly
// like an Outcome with Success false.
type BlockInvoker interface {
	Invoke(ctx context.Context, blockType string, params map[string]any, timeout time.Duration) (Outcome, error)
}

// Handler performs the work of one block type.
type Handler interface {
	Type() string
	Describe() BlockInfo
	Invoke(ctx context.Context, params map[string]any) (Outcome, error)
}

// BlockInfo is a summary of a registered block type for listing.
type BlockInfo struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any) (Outcome, error)

type funcHandler struct {
	blockType   string
	description string
	fn          HandlerFunc
}

// Func wraps fn as a Handler for blockType.
func Func(blockType, description string, fn HandlerFunc) Handler {
	return &funcHandler{blockType: blockType, description: description, fn: fn}
}

func (h *funcHandler) Type() string { return h.blockType }

func (h *funcHandler) Describe() BlockInfo {
	return BlockInfo{Type: h.blockType, Description: h.description}
}

func (h *funcHandler) Invoke(ctx context.Context, params map[string]any) (Outcome, error) {
	return h.fn(ctx, params)
}
