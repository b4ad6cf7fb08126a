package database

import (
	"context"
	"errors"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ContactListFilter narrows contact listings.
type ContactListFilter struct {
	Status string
	Search string // matches phone number, name, email
	Limit  int
	Offset int
}

// ContactRepository manages the phone roster.
type ContactRepository interface {
	Create(ctx context.Context, c *models.Contact) error
	GetByID(ctx context.Context, id int64) (*models.Contact, error)
	GetByPhone(ctx context.Context, phone string) (*models.Contact, error)
	GetByIDs(ctx context.Context, ids []int64) ([]models.Contact, error)
	List(ctx context.Context, filter ContactListFilter) ([]models.Contact, int, error)
	Update(ctx context.Context, c *models.Contact) error
	Delete(ctx context.Context, id int64) error
	// UpsertByPhone inserts the contact or, when the phone number already
	// exists, refreshes name/email/tags on the existing row. Returns the
	// contact ID either way. Importing the same file twice converges.
	UpsertByPhone(ctx context.Context, c *models.Contact) (int64, error)
	// RecordAttempt bumps call_count and last_call_at after a dial.
	RecordAttempt(ctx context.Context, id int64, at time.Time) error
	SetStatus(ctx context.Context, id int64, status string) error
}

// CampaignRepository manages campaign definitions and aggregate stats.
type CampaignRepository interface {
	Create(ctx context.Context, c *models.Campaign) error
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	List(ctx context.Context) ([]models.Campaign, error)
	ListByStatus(ctx context.Context, status string) ([]models.Campaign, error)
	Update(ctx context.Context, c *models.Campaign) error
	UpdateStatus(ctx context.Context, id int64, status string) error
	UpdateStats(ctx context.Context, id int64, stats models.CampaignStats) error
	// Delete removes the campaign and cascades to its calls (and through
	// them to recordings, transcripts, and events).
	Delete(ctx context.Context, id int64) error
}

// CallListFilter narrows call listings.
type CallListFilter struct {
	Status     string
	CampaignID int64 // 0 = any
	From       string
	To         string
	Limit      int
	Offset     int
}

// CallRepository manages call rows. Upsert is idempotent on call_sid;
// concurrent upserts for the same SID serialize and converge on one row.
type CallRepository interface {
	Upsert(ctx context.Context, c *models.Call) error
	GetByCallSID(ctx context.Context, callSID string) (*models.Call, error)
	GetByConversationID(ctx context.Context, conversationID string) (*models.Call, error)
	List(ctx context.Context, filter CallListFilter) ([]models.Call, int, error)
	ListByCampaign(ctx context.Context, campaignID int64) ([]models.Call, error)
	UpdateStatus(ctx context.Context, callSID, status string) error
	SetConversationID(ctx context.Context, callSID, conversationID string) error
	SetAnsweredBy(ctx context.Context, callSID, answeredBy string, answerTime time.Time) error
	// SetTermination writes terminated_by/termination_reason only when the
	// row has not been claimed yet. At-most-once per call.
	SetTermination(ctx context.Context, callSID, terminatedBy, reason string) error
	// Finalize stamps end time, duration, and terminal status.
	Finalize(ctx context.Context, callSID, status string, endTime time.Time, durationSec, billableSec int) error
	CountActive(ctx context.Context, campaignID int64) (int, error)
	// CountByStatus groups all calls by status, for metrics scrapes.
	CountByStatus(ctx context.Context) (map[string]int64, error)
	// DeleteCascade removes the call plus its recordings, transcript
	// messages, and events in one transaction.
	DeleteCascade(ctx context.Context, callSID string) error
}

// RecordingRepository manages recording metadata.
type RecordingRepository interface {
	Upsert(ctx context.Context, r *models.Recording) error
	GetByRecordingSID(ctx context.Context, recordingSID string) (*models.Recording, error)
	ListByCall(ctx context.Context, callSID string) ([]models.Recording, error)
	Delete(ctx context.Context, recordingSID string) error
	// DeleteExpired removes recording rows created before the cutoff and
	// returns their SIDs so cached files can be removed from disk.
	DeleteExpired(ctx context.Context, before time.Time) ([]string, error)
}

// TranscriptRepository manages per-call transcripts. Sequences are allocated
// atomically and are strictly increasing by 1 starting at 1.
type TranscriptRepository interface {
	// Append persists one complete message and returns its sequence. When
	// ExternalID is set and a row with the same (call_sid, source,
	// external_id) already exists, the existing sequence is returned and no
	// new row is written.
	Append(ctx context.Context, msg *models.TranscriptMessage) (int, error)
	ListByCall(ctx context.Context, callSID string) ([]models.TranscriptMessage, error)
	ListByCallSource(ctx context.Context, callSID, source string) ([]models.TranscriptMessage, error)
	// ReplaceFinalized atomically swaps the finalized section of a call's
	// transcript. Realtime messages are retained for audit.
	ReplaceFinalized(ctx context.Context, callSID string, msgs []models.TranscriptMessage) error
}

// CallEventRepository manages the append-only per-call event log.
type CallEventRepository interface {
	Append(ctx context.Context, ev *models.CallEvent) error
	ListByCall(ctx context.Context, callSID string) ([]models.CallEvent, error)
	// ListSince returns events with id > afterID, oldest first, for archival.
	ListSince(ctx context.Context, afterID int64, limit int) ([]models.CallEvent, error)
}

// AdminUserRepository manages dashboard logins.
type AdminUserRepository interface {
	Create(ctx context.Context, u *models.AdminUser) error
	GetByUsername(ctx context.Context, username string) (*models.AdminUser, error)
	Count(ctx context.Context) (int64, error)
}
