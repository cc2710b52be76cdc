package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/pkg/schema"
)

// keepAlive is how often an idle stream sends a comment line.
var keepAlive = 15 * time.Second

// handleSSEExecution streams the events of one execution. With ?replay=true
// past events are sent first. The stream ends after the terminal event.
func (s *Server) handleSSEExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	res, err := s.deps.Engine.GetExecutionResult(ctx, id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, schema.ErrCodeNotFound, "execution "+id+" not found")
		return
	}
	replay := queryBool(r, "replay")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	hub := s.deps.Engine.Hub()
	past := hub.History(id)

	// Finished runs whose live history was evicted are served from the store.
	if res.Status.IsTerminal() && len(past) == 0 {
		if s.deps.History == nil {
			return
		}
		past, err = s.deps.History.GetEvents(ctx, id, 0)
		if err != nil {
			s.deps.Logger.Warn("load stored events", "execution_id", id, "error", err)
		}
		if !replay && len(past) > 0 {
			past = past[len(past)-1:]
		}
		for _, ev := range past {
			writeEvent(w, ev)
		}
		flusher.Flush()
		return
	}

	var cutoff int64
	if !replay && len(past) > 0 {
		cutoff = past[len(past)-1].Seq
		if past[len(past)-1].Type.IsTerminal() {
			cutoff--
		}
	}

	ch := make(chan schema.ExecutionEvent, 64)
	done := make(chan struct{})
	unsubscribe := s.deps.Engine.Subscribe(id, func(ev schema.ExecutionEvent) {
		select {
		case ch <- ev:
		case <-done:
		}
	}, streaming.SubscribeOptions{Replay: true})
	defer unsubscribe()
	defer close(done)

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-ch:
			if ev.Seq <= cutoff {
				continue
			}
			writeEvent(w, ev)
			flusher.Flush()
			if ev.Type.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev schema.ExecutionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
}
