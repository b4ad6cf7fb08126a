package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// recordingRepo implements RecordingRepository.
type recordingRepo struct {
	db *DB
}

// NewRecordingRepository creates a new RecordingRepository.
func NewRecordingRepository(db *DB) RecordingRepository {
	return &recordingRepo{db: db}
}

const recordingColumns = `id, recording_sid, call_sid, status, url, duration_sec,
	 channels, processing_status, transcription_status, created_at, updated_at`

// Upsert inserts the recording or refreshes the mutable fields keyed by
// recording_sid. The carrier may notify several times as the file is
// processed.
func (r *recordingRepo) Upsert(ctx context.Context, rec *models.Recording) error {
	if rec.Channels == 0 {
		rec.Channels = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recordings (recording_sid, call_sid, status, url, duration_sec,
		 channels, processing_status, transcription_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(recording_sid) DO UPDATE SET
		 status = excluded.status,
		 url = CASE WHEN excluded.url != '' THEN excluded.url ELSE recordings.url END,
		 duration_sec = CASE WHEN excluded.duration_sec > 0 THEN excluded.duration_sec ELSE recordings.duration_sec END,
		 processing_status = excluded.processing_status,
		 transcription_status = excluded.transcription_status,
		 updated_at = datetime('now')`,
		rec.RecordingSID, rec.CallSID, rec.Status, rec.URL, rec.DurationSec,
		rec.Channels, rec.ProcessingStatus, rec.TranscriptionStatus,
	)
	if err != nil {
		return fmt.Errorf("upserting recording: %w", err)
	}

	var id int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT id FROM recordings WHERE recording_sid = ?`, rec.RecordingSID).Scan(&id); err != nil {
		return fmt.Errorf("reading upserted recording: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByRecordingSID returns a recording by carrier SID.
func (r *recordingRepo) GetByRecordingSID(ctx context.Context, recordingSID string) (*models.Recording, error) {
	var rec models.Recording
	err := r.db.QueryRowContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE recording_sid = ?`, recordingSID).
		Scan(&rec.ID, &rec.RecordingSID, &rec.CallSID, &rec.Status, &rec.URL,
			&rec.DurationSec, &rec.Channels, &rec.ProcessingStatus,
			&rec.TranscriptionStatus, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning recording: %w", err)
	}
	return &rec, nil
}

// ListByCall returns all recordings for a call, oldest first.
func (r *recordingRepo) ListByCall(ctx context.Context, callSID string) ([]models.Recording, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE call_sid = ? ORDER BY created_at ASC`,
		callSID)
	if err != nil {
		return nil, fmt.Errorf("querying recordings: %w", err)
	}
	defer rows.Close()

	var recordings []models.Recording
	for rows.Next() {
		var rec models.Recording
		if err := rows.Scan(&rec.ID, &rec.RecordingSID, &rec.CallSID, &rec.Status,
			&rec.URL, &rec.DurationSec, &rec.Channels, &rec.ProcessingStatus,
			&rec.TranscriptionStatus, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning recording row: %w", err)
		}
		recordings = append(recordings, rec)
	}
	return recordings, rows.Err()
}

// Delete removes a recording row.
func (r *recordingRepo) Delete(ctx context.Context, recordingSID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM recordings WHERE recording_sid = ?`, recordingSID)
	if err != nil {
		return fmt.Errorf("deleting recording: %w", err)
	}
	return nil
}

// DeleteExpired removes recordings created before the cutoff and returns
// their SIDs.
func (r *recordingRepo) DeleteExpired(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT recording_sid FROM recordings WHERE created_at < ?`,
		before.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("querying expired recordings: %w", err)
	}
	defer rows.Close()

	var sids []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, fmt.Errorf("scanning expired recording: %w", err)
		}
		sids = append(sids, sid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sids) == 0 {
		return nil, nil
	}

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM recordings WHERE created_at < ?`,
		before.UTC().Format("2006-01-02 15:04:05")); err != nil {
		return nil, fmt.Errorf("deleting expired recordings: %w", err)
	}
	return sids, nil
}
