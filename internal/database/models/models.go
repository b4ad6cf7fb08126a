package models

import "time"

// Contact statuses.
const (
	ContactActive    = "active"
	ContactDoNotCall = "do-not-call"
	ContactCompleted = "completed"
)

// Contact represents a single phone roster entry. Phone numbers are stored
// in E.164 form and are unique across the roster.
type Contact struct {
	ID          int64
	PhoneNumber string
	Name        string
	Email       string
	Tags        string // JSON array of strings
	CallCount   int
	LastCallAt  *time.Time
	Status      string // "active" | "do-not-call" | "completed"
	Priority    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignCancelled = "cancelled"
)

// CampaignSettings holds the dialing policy for a campaign.
type CampaignSettings struct {
	MaxConcurrentCalls int    `json:"max_concurrent_calls"`
	CallDelayMs        int    `json:"call_delay_ms"`
	RetryCount         int    `json:"retry_count"`
	RetryDelayMs       int    `json:"retry_delay_ms"`
	WindowStart        string `json:"window_start,omitempty"` // "09:00", empty = no window
	WindowEnd          string `json:"window_end,omitempty"`   // "18:00"
	Timezone           string `json:"timezone,omitempty"`     // IANA name, default UTC
}

// CampaignStats holds aggregate call counters for a campaign.
type CampaignStats struct {
	Placed         int     `json:"placed"`
	Completed      int     `json:"completed"`
	Answered       int     `json:"answered"`
	Failed         int     `json:"failed"`
	AvgDurationSec float64 `json:"avg_duration_sec"`
}

// Campaign represents an ordered batch of contacts plus the dialing policy
// applied to them. ContactIDs preserves upload order; the scheduler's cursor
// walks it by (priority desc, insertion order).
type Campaign struct {
	ID           int64
	Name         string
	Status       string // "draft" | "active" | "paused" | "completed" | "cancelled"
	Prompt       string
	FirstMessage string
	CallerID     string
	Region       string
	ContactIDs   []int64 // stored as JSON
	Settings     CampaignSettings
	Stats        CampaignStats
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Call statuses. The first four are live states, the rest are terminal.
const (
	CallQueued     = "queued"
	CallInitiated  = "initiated"
	CallRinging    = "ringing"
	CallInProgress = "in-progress"
	CallCompleted  = "completed"
	CallBusy       = "busy"
	CallNoAnswer   = "no-answer"
	CallFailed     = "failed"
	CallCanceled   = "canceled"
)

// Termination causes. The first classified cause to arrive owns the field.
const (
	TerminatedByAgent   = "agent"
	TerminatedByUser    = "user"
	TerminatedBySystem  = "system"
	TerminatedByCarrier = "carrier"
	TerminatedUnknown   = "unknown"
)

// Call represents one outbound dial attempt and its lifetime up to and
// including final status. CallSID is carrier-assigned and unique; the
// agent-side ConversationID may arrive after the row is created.
type Call struct {
	ID                int64
	CallSID           string
	ConversationID    string
	CampaignID        *int64
	ContactID         *int64
	From              string
	To                string
	Direction         string // "outbound" | "inbound"
	Status            string
	AnsweredBy        string // "human" | "machine_*" | "fax" | "unknown"
	StartTime         time.Time
	AnswerTime        *time.Time
	EndTime           *time.Time
	DurationSec       int
	BillableSec       int
	TerminatedBy      string
	TerminationReason string
	AttemptNumber     int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Terminal reports whether the call has reached a final status.
func (c *Call) Terminal() bool {
	switch c.Status {
	case CallCompleted, CallBusy, CallNoAnswer, CallFailed, CallCanceled:
		return true
	}
	return false
}

// Recording represents one carrier recording of a call. A call may have
// several; rows are created lazily when the carrier notifies.
type Recording struct {
	ID                  int64
	RecordingSID        string
	CallSID             string
	Status              string
	URL                 string
	DurationSec         int
	Channels            int
	ProcessingStatus    string
	TranscriptionStatus string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Transcript message sources.
const (
	TranscriptRealtime  = "realtime"
	TranscriptFinalized = "finalized"
)

// TranscriptMessage is one utterance in a call's transcript. Sequence is
// monotonic per call starting at 1. ExternalID, when present, deduplicates
// provider-side retries of the same message.
type TranscriptMessage struct {
	ID            int64
	CallSID       string
	Sequence      int
	Role          string // "agent" | "user" | "system"
	Text          string
	OffsetSeconds float64
	Source        string // "realtime" | "finalized"
	ExternalID    string
	CreatedAt     time.Time
}

// CallEvent is one entry in a call's append-only event log.
type CallEvent struct {
	ID        int64
	CallSID   string
	EventType string
	Payload   string // opaque JSON
	Source    string
	CreatedAt time.Time
}

// AdminUser represents a dashboard login.
type AdminUser struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
