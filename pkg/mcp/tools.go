package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/pkg/schema"
)

// handleCompile validates a workflow document. An invalid plan is a normal
// result so the client sees every finding.
func (s *BlockflowServer) handleCompile(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := workflowArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(s.engine.CompileJSON(raw))
}

// handleExecute starts a run, or runs it to completion when wait is set.
func (s *BlockflowServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := workflowArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err)), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)
	opts := schema.ExecuteOptions{
		ErrorHandling: schema.ErrorHandling(req.GetString("error_handling", "")),
		ExecutionID:   req.GetString("execution_id", ""),
	}

	if req.GetBool("wait", false) {
		res, runErr := s.engine.Run(ctx, &wf, inputs, opts)
		if runErr != nil {
			return toolError("execution failed", runErr), nil
		}
		return marshalResult(res)
	}

	id, execErr := s.engine.Execute(ctx, &wf, inputs, opts)
	if execErr != nil {
		return toolError("execution failed", execErr), nil
	}
	s.logger.Info("execution submitted", "execution_id", id, "workflow_id", wf.ID)
	s.watch(ctx, id)

	return marshalResult(map[string]any{
		"execution_id": id,
		"status":       schema.RunRunning,
	})
}

// handleStatus returns the current state of an execution.
func (s *BlockflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	res, statusErr := s.engine.GetExecutionResult(ctx, id)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	if res == nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution %s not found", id)), nil
	}
	if !req.GetBool("include_tree", true) {
		res.RootNode = nil
	}
	return marshalResult(res)
}

// handleCancel stops a running or paused execution.
func (s *BlockflowServer) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if cancelErr := s.engine.Cancel(id); cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": id,
	})
}

// handleLoopSummary condenses the iterations of a loop node.
func (s *BlockflowServer) handleLoopSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}

	summary, sumErr := s.engine.SummarizeLoop(ctx, id, nodeID)
	if sumErr != nil {
		return toolError("loop summary failed", sumErr), nil
	}
	return marshalResult(summary)
}

// --- Internal helpers ---

// watch forwards the terminal event of an execution to the calling session.
// Calls outside a session (stdio tests, direct handler calls) are not watched.
func (s *BlockflowServer) watch(ctx context.Context, executionID string) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	s.sessions.Register(executionID, session.SessionID())

	finished := make(chan struct{})
	var once sync.Once
	unsubscribe := s.engine.Subscribe(executionID, func(ev schema.ExecutionEvent) {
		s.notifier.Handle(ev)
		if ev.Type.IsTerminal() {
			once.Do(func() { close(finished) })
		}
	}, streaming.SubscribeOptions{
		Replay: true,
		Filter: streaming.EventFilter{Types: []schema.EventType{
			schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled,
		}},
	})
	go func() {
		<-finished
		unsubscribe()
	}()
}

// workflowArg returns the workflow argument as JSON.
func workflowArg(req mcp.CallToolRequest) ([]byte, error) {
	doc := mcp.ParseStringMap(req, "workflow", nil)
	if doc == nil {
		return nil, errors.New("workflow is required")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}
	return raw, nil
}

// toolError renders err with its FlowError code when it has one.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if code := schema.ErrorCode(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %v", prefix, code, errorMessage(err)))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func errorMessage(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
