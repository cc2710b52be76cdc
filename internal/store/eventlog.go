package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/blockflow/pkg/schema"
)

// SaveEvents appends the event history of one execution in a single
// transaction. Events already stored under the same sequence are kept.
func (s *LibSQLStore) SaveEvents(ctx context.Context, executionID string, events []schema.ExecutionEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if ev.ExecutionID == "" {
			ev.ExecutionID = executionID
		}
		if ev.ExecutionID != executionID {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"event %d belongs to execution %s, not %s", ev.Seq, ev.ExecutionID, executionID)
		}
		args, err := eventArgs(ev)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert event %d: %w", ev.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	return nil
}

// AppendEvent stores one event. A zero Seq is assigned the next sequence
// number of its execution inside the same transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, ev schema.ExecutionEvent) error {
	if ev.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event without execution id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	if ev.Seq == 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_events WHERE execution_id = ?`, ev.ExecutionID,
		).Scan(&ev.Seq); err != nil {
			return fmt.Errorf("next event sequence: %w", err)
		}
	}
	args, err := eventArgs(ev)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insertEventSQL, args...); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// GetEvents returns events of an execution with sequence > since, ordered by
// sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]schema.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, event_type, node_id, iteration_index, payload, timestamp
		 FROM execution_events WHERE execution_id = ? AND seq > ? ORDER BY seq`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []schema.ExecutionEvent
	for rows.Next() {
		ev := schema.ExecutionEvent{ExecutionID: executionID}
		var typ string
		var nodeID, payload sql.NullString
		var iteration sql.NullInt64
		if err := rows.Scan(&ev.Seq, &typ, &nodeID, &iteration, &payload, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Type = schema.EventType(typ)
		ev.NodeID = nodeID.String
		if iteration.Valid {
			idx := int(iteration.Int64)
			ev.IterationIndex = &idx
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload of event %d: %w", ev.Seq, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

const insertEventSQL = `INSERT OR IGNORE INTO execution_events
	(execution_id, seq, event_type, node_id, iteration_index, payload, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

func eventArgs(ev schema.ExecutionEvent) ([]any, error) {
	var payload any
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload of event %d: %w", ev.Seq, err)
		}
		payload = string(b)
	}
	var iteration any
	if ev.IterationIndex != nil {
		iteration = *ev.IterationIndex
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return []any{ev.ExecutionID, ev.Seq, string(ev.Type), nullStr(ev.NodeID), iteration, payload, ts}, nil
}
