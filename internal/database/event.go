package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// eventRepo implements CallEventRepository.
type eventRepo struct {
	db *DB
}

// NewCallEventRepository creates a new CallEventRepository.
func NewCallEventRepository(db *DB) CallEventRepository {
	return &eventRepo{db: db}
}

// Append writes one event to the log. Events are never mutated.
func (r *eventRepo) Append(ctx context.Context, ev *models.CallEvent) error {
	if ev.Payload == "" {
		ev.Payload = "{}"
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_events (call_sid, event_type, payload, source)
		 VALUES (?, ?, ?, ?)`,
		ev.CallSID, ev.EventType, ev.Payload, ev.Source,
	)
	if err != nil {
		return fmt.Errorf("inserting call event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	ev.ID = id
	return nil
}

// ListByCall returns a call's events in creation order.
func (r *eventRepo) ListByCall(ctx context.Context, callSID string) ([]models.CallEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_sid, event_type, payload, source, created_at
		 FROM call_events WHERE call_sid = ? ORDER BY created_at ASC, id ASC`, callSID)
	if err != nil {
		return nil, fmt.Errorf("querying call events: %w", err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// ListSince returns events with id > afterID, oldest first. Used by the
// archive worker to tail the log.
func (r *eventRepo) ListSince(ctx context.Context, afterID int64, limit int) ([]models.CallEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_sid, event_type, payload, source, created_at
		 FROM call_events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying call events since: %w", err)
	}
	defer rows.Close()
	return scanEventRows(rows)
}

func scanEventRows(rows *sql.Rows) ([]models.CallEvent, error) {
	var events []models.CallEvent
	for rows.Next() {
		var ev models.CallEvent
		if err := rows.Scan(&ev.ID, &ev.CallSID, &ev.EventType, &ev.Payload,
			&ev.Source, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning call event row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
