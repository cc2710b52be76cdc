package mcp

import (
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/blockflow/pkg/schema"
)

// notificationSender is satisfied by *server.MCPServer.
type notificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Notifier pushes the terminal event of an execution to the session that
// started it.
type Notifier struct {
	sender   notificationSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewNotifier creates a notifier that pushes via MCP session notifications.
func NewNotifier(sender notificationSender, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, sessions: sessions, logger: logger}
}

// Handle is an event subscriber. Non-terminal events are ignored.
// Best-effort: a disconnected session is not an error.
func (n *Notifier) Handle(ev schema.ExecutionEvent) {
	if !ev.Type.IsTerminal() {
		return
	}
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return
	}
	n.sessions.Forget(ev.ExecutionID)

	payload := map[string]any{
		"level":  "info",
		"logger": "blockflow",
		"data": map[string]any{
			"execution_id": ev.ExecutionID,
			"event":        string(ev.Type),
			"status":       ev.Payload["status"],
			"metrics":      ev.Payload["metrics"],
		},
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Warn("notify session", "execution_id", ev.ExecutionID, "session_id", sessionID, "error", err)
	}
}
