package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// transcriptRepo implements TranscriptRepository.
type transcriptRepo struct {
	db *DB
}

// NewTranscriptRepository creates a new TranscriptRepository.
func NewTranscriptRepository(db *DB) TranscriptRepository {
	return &transcriptRepo{db: db}
}

const transcriptColumns = `id, call_sid, sequence, role, text, offset_seconds,
	 source, external_id, created_at`

// Append persists one complete message and returns its sequence. Sequence
// allocation and the insert happen in one transaction so sequences are gapless
// and strictly increasing per call. When ExternalID matches an existing row
// for the same (call_sid, source), the existing sequence is returned instead.
func (r *transcriptRepo) Append(ctx context.Context, msg *models.TranscriptMessage) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transcript append: %w", err)
	}
	defer tx.Rollback()

	if msg.ExternalID != "" {
		var seq int
		err := tx.QueryRowContext(ctx,
			`SELECT sequence FROM transcript_messages
			 WHERE call_sid = ? AND source = ? AND external_id = ?`,
			msg.CallSID, msg.Source, msg.ExternalID).Scan(&seq)
		if err == nil {
			msg.Sequence = seq
			return seq, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("checking transcript external id: %w", err)
		}
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM transcript_messages WHERE call_sid = ?`,
		msg.CallSID).Scan(&next); err != nil {
		return 0, fmt.Errorf("allocating transcript sequence: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO transcript_messages (call_sid, sequence, role, text,
		 offset_seconds, source, external_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.CallSID, next, msg.Role, msg.Text, msg.OffsetSeconds, msg.Source, msg.ExternalID,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting transcript message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transcript append: %w", err)
	}

	msg.ID = id
	msg.Sequence = next
	return next, nil
}

// ListByCall returns all messages for a call in sequence order.
func (r *transcriptRepo) ListByCall(ctx context.Context, callSID string) ([]models.TranscriptMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcript_messages
		 WHERE call_sid = ? ORDER BY sequence ASC`, callSID)
	if err != nil {
		return nil, fmt.Errorf("querying transcript: %w", err)
	}
	defer rows.Close()
	return scanTranscriptRows(rows)
}

// ListByCallSource returns a call's messages from one source in sequence order.
func (r *transcriptRepo) ListByCallSource(ctx context.Context, callSID, source string) ([]models.TranscriptMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcript_messages
		 WHERE call_sid = ? AND source = ? ORDER BY sequence ASC`, callSID, source)
	if err != nil {
		return nil, fmt.Errorf("querying transcript by source: %w", err)
	}
	defer rows.Close()
	return scanTranscriptRows(rows)
}

// ReplaceFinalized atomically swaps the finalized section of a call's
// transcript. Realtime rows keep their sequences; finalized rows are
// renumbered after them so the combined set stays gapless.
func (r *transcriptRepo) ReplaceFinalized(ctx context.Context, callSID string, msgs []models.TranscriptMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transcript replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM transcript_messages WHERE call_sid = ? AND source = ?`,
		callSID, models.TranscriptFinalized); err != nil {
		return fmt.Errorf("clearing finalized transcript: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM transcript_messages WHERE call_sid = ?`,
		callSID).Scan(&next); err != nil {
		return fmt.Errorf("allocating finalized sequence: %w", err)
	}

	for i := range msgs {
		msgs[i].CallSID = callSID
		msgs[i].Source = models.TranscriptFinalized
		msgs[i].Sequence = next
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transcript_messages (call_sid, sequence, role, text,
			 offset_seconds, source, external_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			callSID, next, msgs[i].Role, msgs[i].Text, msgs[i].OffsetSeconds,
			models.TranscriptFinalized, msgs[i].ExternalID,
		); err != nil {
			return fmt.Errorf("inserting finalized message: %w", err)
		}
		next++
	}

	return tx.Commit()
}

func scanTranscriptRows(rows *sql.Rows) ([]models.TranscriptMessage, error) {
	var msgs []models.TranscriptMessage
	for rows.Next() {
		var m models.TranscriptMessage
		if err := rows.Scan(&m.ID, &m.CallSID, &m.Sequence, &m.Role, &m.Text,
			&m.OffsetSeconds, &m.Source, &m.ExternalID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transcript row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
