package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

const callColumns = `id, call_sid, conversation_id, campaign_id, contact_id,
	 from_number, to_number, direction, status, answered_by, start_time,
	 answer_time, end_time, duration_sec, billable_sec, terminated_by,
	 termination_reason, attempt_number, created_at, updated_at`

// Upsert inserts the call or, when call_sid already exists, refreshes the
// mutable fields. Terminal rows keep their status; a stale upsert never
// reopens a finished call.
func (r *callRepo) Upsert(ctx context.Context, c *models.Call) error {
	if c.Status == "" {
		c.Status = models.CallQueued
	}
	if c.Direction == "" {
		c.Direction = "outbound"
	}
	if c.AttemptNumber == 0 {
		c.AttemptNumber = 1
	}
	if c.StartTime.IsZero() {
		c.StartTime = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (call_sid, conversation_id, campaign_id, contact_id,
		 from_number, to_number, direction, status, answered_by, start_time,
		 attempt_number)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_sid) DO UPDATE SET
		 conversation_id = CASE WHEN excluded.conversation_id != '' THEN excluded.conversation_id ELSE calls.conversation_id END,
		 status = CASE WHEN calls.status IN ('completed','busy','no-answer','failed','canceled')
		               THEN calls.status ELSE excluded.status END,
		 answered_by = CASE WHEN excluded.answered_by != '' THEN excluded.answered_by ELSE calls.answered_by END,
		 updated_at = datetime('now')`,
		c.CallSID, c.ConversationID, c.CampaignID, c.ContactID,
		c.From, c.To, c.Direction, c.Status, c.AnsweredBy, c.StartTime.UTC(),
		c.AttemptNumber,
	)
	if err != nil {
		return fmt.Errorf("upserting call: %w", err)
	}

	var id int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT id FROM calls WHERE call_sid = ?`, c.CallSID).Scan(&id); err != nil {
		return fmt.Errorf("reading upserted call: %w", err)
	}
	c.ID = id
	return nil
}

// GetByCallSID returns a call by carrier SID.
func (r *callRepo) GetByCallSID(ctx context.Context, callSID string) (*models.Call, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE call_sid = ?`, callSID))
}

// GetByConversationID returns the call bound to an agent conversation.
func (r *callRepo) GetByConversationID(ctx context.Context, conversationID string) (*models.Call, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE conversation_id = ? ORDER BY id DESC LIMIT 1`,
		conversationID))
}

// List returns calls matching the filter along with the total count.
func (r *callRepo) List(ctx context.Context, filter CallListFilter) ([]models.Call, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.CampaignID != 0 {
		where += " AND campaign_id = ?"
		args = append(args, filter.CampaignID)
	}
	if filter.From != "" {
		where += " AND from_number = ?"
		args = append(args, filter.From)
	}
	if filter.To != "" {
		where += " AND to_number = ?"
		args = append(args, filter.To)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting calls: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE `+where+
			` ORDER BY start_time DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying calls: %w", err)
	}
	defer rows.Close()

	calls, err := r.scanAll(rows)
	if err != nil {
		return nil, 0, err
	}
	return calls, total, nil
}

// ListByCampaign returns all calls for a campaign, oldest first.
func (r *callRepo) ListByCampaign(ctx context.Context, campaignID int64) ([]models.Call, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE campaign_id = ? ORDER BY start_time ASC`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("querying campaign calls: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// UpdateStatus sets the live status of a call. Terminal rows are left alone.
func (r *callRepo) UpdateStatus(ctx context.Context, callSID, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, updated_at = datetime('now')
		 WHERE call_sid = ? AND status NOT IN ('completed','busy','no-answer','failed','canceled')`,
		status, callSID)
	if err != nil {
		return fmt.Errorf("updating call status: %w", err)
	}
	return nil
}

// SetConversationID binds the agent conversation to the call.
func (r *callRepo) SetConversationID(ctx context.Context, callSID, conversationID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET conversation_id = ?, updated_at = datetime('now') WHERE call_sid = ?`,
		conversationID, callSID)
	if err != nil {
		return fmt.Errorf("setting conversation id: %w", err)
	}
	return nil
}

// SetAnsweredBy records the machine-detection verdict and answer time.
func (r *callRepo) SetAnsweredBy(ctx context.Context, callSID, answeredBy string, answerTime time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET answered_by = ?, answer_time = ?, updated_at = datetime('now')
		 WHERE call_sid = ?`,
		answeredBy, answerTime.UTC(), callSID)
	if err != nil {
		return fmt.Errorf("setting answered_by: %w", err)
	}
	return nil
}

// SetTermination writes terminated_by/termination_reason only when the row
// has not been claimed yet. Later causes are a no-op here.
func (r *callRepo) SetTermination(ctx context.Context, callSID, terminatedBy, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET terminated_by = ?, termination_reason = ?, updated_at = datetime('now')
		 WHERE call_sid = ? AND terminated_by = ''`,
		terminatedBy, reason, callSID)
	if err != nil {
		return fmt.Errorf("setting termination: %w", err)
	}
	return nil
}

// Finalize stamps end time, duration, and terminal status. Once a terminal
// status is written it never changes.
func (r *callRepo) Finalize(ctx context.Context, callSID, status string, endTime time.Time, durationSec, billableSec int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, end_time = ?, duration_sec = ?, billable_sec = ?,
		 updated_at = datetime('now')
		 WHERE call_sid = ? AND status NOT IN ('completed','busy','no-answer','failed','canceled')`,
		status, endTime.UTC(), durationSec, billableSec, callSID)
	if err != nil {
		return fmt.Errorf("finalizing call: %w", err)
	}
	return nil
}

// CountActive returns the number of the campaign's calls in a live status.
func (r *callRepo) CountActive(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calls WHERE campaign_id = ?
		 AND status IN ('queued','initiated','ringing','in-progress')`,
		campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active calls: %w", err)
	}
	return n, nil
}

// CountByStatus groups all calls by status.
func (r *callRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning call count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeleteCascade removes the call plus its recordings, transcript messages,
// and events in one transaction. Partial failure rolls back; no orphans.
func (r *callRepo) DeleteCascade(ctx context.Context, callSID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM call_events WHERE call_sid = ?`,
		`DELETE FROM transcript_messages WHERE call_sid = ?`,
		`DELETE FROM recordings WHERE call_sid = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, callSID); err != nil {
			return fmt.Errorf("cascading call delete: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM calls WHERE call_sid = ?`, callSID)
	if err != nil {
		return fmt.Errorf("deleting call: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking call delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func (r *callRepo) scanOne(row *sql.Row) (*models.Call, error) {
	c, err := scanCall(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *callRepo) scanAll(rows *sql.Rows) ([]models.Call, error) {
	var calls []models.Call
	for rows.Next() {
		c, err := scanCall(rows.Scan)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}

func scanCall(scan func(...any) error) (*models.Call, error) {
	var c models.Call
	var campaignID, contactID sql.NullInt64
	var answerTime, endTime sql.NullTime
	err := scan(&c.ID, &c.CallSID, &c.ConversationID, &campaignID, &contactID,
		&c.From, &c.To, &c.Direction, &c.Status, &c.AnsweredBy, &c.StartTime,
		&answerTime, &endTime, &c.DurationSec, &c.BillableSec, &c.TerminatedBy,
		&c.TerminationReason, &c.AttemptNumber, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	if campaignID.Valid {
		c.CampaignID = &campaignID.Int64
	}
	if contactID.Valid {
		c.ContactID = &contactID.Int64
	}
	if answerTime.Valid {
		c.AnswerTime = &answerTime.Time
	}
	if endTime.Valid {
		c.EndTime = &endTime.Time
	}
	return &c, nil
}
