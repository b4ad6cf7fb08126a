package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/telephony"
)

// Publisher is the slice of the realtime hub the manager needs.
type Publisher interface {
	Publish(topic, eventType string, data any)
}

// How long we wait for the carrier to confirm a hangup before forcing
// the call into a failed terminal state.
const hangupDeadline = 10 * time.Second

// Short calls answered by a machine get reclassified: nobody chose to
// end them, detection did.
const machineShortCall = 5 * time.Second

var ErrShuttingDown = errors.New("lifecycle: shutting down, not placing calls")

// StartRequest carries everything needed to place one outbound call.
type StartRequest struct {
	CampaignID    int64 // 0 for one-off calls
	ContactID     int64 // 0 for one-off calls
	To            string
	From          string
	Region        string
	Prompt        string
	FirstMessage  string
	ContactName   string
	Recording     bool
	AttemptNumber int
}

// activeCall is the in-memory state for a call between dial and finalize.
// Transitions for one call are serialized on mu; different calls never
// block each other.
type activeCall struct {
	mu          sync.Mutex
	callSID     string
	answered    time.Time
	hangupTimer Timer
	hangupDone  chan struct{}
	finalized   bool
}

// Manager owns the call lifecycle state machine: it places calls, absorbs
// status webhooks and bridge signals, arbitrates termination causes and
// finalizes exactly once per call.
type Manager struct {
	dialer  telephony.Dialer
	store   *database.Store
	tracker *Tracker
	hub     Publisher
	clock   Clock

	urls URLs

	mu       sync.Mutex
	active   map[string]*activeCall
	draining bool

	// onFinalized is invoked after a call reaches a terminal state, with
	// the persisted row. The campaign scheduler hangs its retry logic here.
	onFinalized func(models.Call)
}

// URLs are the public endpoints handed to the carrier on every dial.
type URLs struct {
	MediaStream       string
	StatusCallback    string
	RecordingCallback string
}

// NewManager wires a lifecycle manager.
func NewManager(dialer telephony.Dialer, store *database.Store, hub Publisher, urls URLs) *Manager {
	return &Manager{
		dialer:  dialer,
		store:   store,
		tracker: NewTracker(),
		hub:     hub,
		clock:   RealClock(),
		urls:    urls,
		active:  make(map[string]*activeCall),
	}
}

// SetClock replaces the manager clock. Tests only.
func (m *Manager) SetClock(c Clock) { m.clock = c }

// OnFinalized registers the finalize callback. Must be called before the
// first StartCall.
func (m *Manager) OnFinalized(fn func(models.Call)) { m.onFinalized = fn }

// Tracker exposes the termination tracker for the API's forensic endpoint.
func (m *Manager) Tracker() *Tracker { return m.tracker }

// ActiveCount reports how many calls are between dial and finalize.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// StartCall places one outbound call and registers it as active. The
// returned SID is the carrier's call identifier. A fresh conversation id
// is minted per attempt; retries never reuse one.
func (m *Manager) StartCall(ctx context.Context, req StartRequest) (string, error) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}
	m.mu.Unlock()

	params := map[string]string{
		"prompt":        req.Prompt,
		"first_message": req.FirstMessage,
	}
	if req.ContactName != "" {
		params["contact_name"] = req.ContactName
	}

	callSID, err := m.dialer.Dial(ctx, req.To, req.From, req.Region, telephony.DialOptions{
		MediaStreamURL:    m.urls.MediaStream,
		StatusCallback:    m.urls.StatusCallback,
		RecordingCallback: m.urls.RecordingCallback,
		MachineDetection:  telephony.MachineDetection{Enabled: true},
		Recording:         req.Recording,
		CustomParameters:  params,
	})
	if err != nil {
		// The carrier rejected the dial outright. Record a failed row under
		// a synthetic SID so attempt counting and stats still line up.
		callSID = "failed-" + uuid.NewString()
		call := m.newCallRow(callSID, req)
		call.Status = models.CallFailed
		if dberr := m.store.Calls.Upsert(ctx, call); dberr != nil {
			slog.Error("record failed dial", "error", dberr)
		}
		now := m.clock.Now()
		m.tracker.Submit(callSID, models.TerminatedBySystem, "dial_failed", now)
		if dberr := m.store.Calls.SetTermination(ctx, callSID, models.TerminatedBySystem, "dial_failed"); dberr != nil {
			slog.Error("set termination for failed dial", "call_sid", callSID, "error", dberr)
		}
		if dberr := m.store.Calls.Finalize(ctx, callSID, models.CallFailed, now, 0, 0); dberr != nil {
			slog.Error("finalize failed dial", "call_sid", callSID, "error", dberr)
		}
		m.appendEvent(ctx, callSID, "call_failed", fmt.Sprintf(`{"error":%q}`, err.Error()))
		if m.onFinalized != nil {
			if row, gerr := m.store.Calls.GetByCallSID(ctx, callSID); gerr == nil {
				m.onFinalized(*row)
			}
		}
		return "", fmt.Errorf("dial %s: %w", req.To, err)
	}

	call := m.newCallRow(callSID, req)
	if err := m.store.Calls.Upsert(ctx, call); err != nil {
		return callSID, fmt.Errorf("persist call %s: %w", callSID, err)
	}
	if req.ContactID != 0 {
		if err := m.store.Contacts.RecordAttempt(ctx, req.ContactID, m.clock.Now()); err != nil {
			slog.Warn("record contact attempt", "contact_id", req.ContactID, "error", err)
		}
	}

	m.mu.Lock()
	m.active[callSID] = &activeCall{callSID: callSID}
	m.mu.Unlock()

	m.appendEvent(ctx, callSID, "call_initiated", "")
	m.publishCall(ctx, callSID)
	slog.Info("call placed", "call_sid", callSID, "to", req.To, "campaign_id", req.CampaignID, "attempt", req.AttemptNumber)
	return callSID, nil
}

func (m *Manager) newCallRow(callSID string, req StartRequest) *models.Call {
	call := &models.Call{
		CallSID:        callSID,
		ConversationID: uuid.NewString(),
		From:           req.From,
		To:             req.To,
		Direction:      "outbound",
		Status:         models.CallInitiated,
		AttemptNumber:  req.AttemptNumber,
		StartTime:      m.clock.Now(),
	}
	if req.CampaignID != 0 {
		id := req.CampaignID
		call.CampaignID = &id
	}
	if req.ContactID != 0 {
		id := req.ContactID
		call.ContactID = &id
	}
	return call
}

// BindConversation replaces the provisional conversation id with the one
// the agent platform assigned. The bridge calls this once per session.
func (m *Manager) BindConversation(ctx context.Context, callSID, conversationID string) {
	if err := m.store.Calls.SetConversationID(ctx, callSID, conversationID); err != nil {
		slog.Warn("bind conversation", "call_sid", callSID, "error", err)
		return
	}
	m.publishCall(ctx, callSID)
}

// HandleCarrierStatus absorbs one carrier status callback. Unknown SIDs
// are upserted so webhooks that race the dial response still land.
func (m *Manager) HandleCarrierStatus(ctx context.Context, callSID, rawStatus, answeredBy string, durationSec int) error {
	status := telephony.NormalizeStatus(rawStatus)
	if status == "" {
		// A carrier status we do not model must not blank the stored one.
		slog.Warn("ignoring unknown carrier status", "call_sid", callSID, "raw_status", rawStatus)
		return nil
	}
	ac := m.lookupOrTrack(callSID)
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if ac.finalized {
		// Terminal statuses are sticky; late webhooks are audit-only.
		slog.Debug("status after finalize ignored", "call_sid", callSID, "status", status)
		return nil
	}

	now := m.clock.Now()
	if answeredBy != "" {
		if err := m.store.Calls.SetAnsweredBy(ctx, callSID, answeredBy, now); err != nil && !errors.Is(err, database.ErrNotFound) {
			slog.Warn("set answered_by", "call_sid", callSID, "error", err)
		}
	}

	switch status {
	case models.CallRinging:
		m.updateStatus(ctx, callSID, status)
	case models.CallInProgress:
		ac.answered = now
		m.updateStatus(ctx, callSID, status)
		m.appendEvent(ctx, callSID, "call_answered", fmt.Sprintf(`{"answered_by":%q}`, answeredBy))
	case models.CallCompleted, models.CallBusy, models.CallNoAnswer, models.CallFailed, models.CallCanceled:
		m.finalizeLocked(ctx, ac, status, answeredBy, durationSec, now)
	default:
		m.updateStatus(ctx, callSID, status)
	}
	m.publishCall(ctx, callSID)
	return nil
}

// SignalTermination is called by the bridge (agent hung up, user hung up,
// inactivity) or by operators (campaign stop, shutdown). The first cause
// wins; every path converges on one carrier Hangup and one finalize.
func (m *Manager) SignalTermination(ctx context.Context, callSID, terminatedBy, reason string) {
	ac := m.lookupOrTrack(callSID)
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.finalized {
		m.tracker.Submit(callSID, terminatedBy, reason, m.clock.Now())
		return
	}

	first := m.tracker.Submit(callSID, terminatedBy, reason, m.clock.Now())
	if first {
		if err := m.store.Calls.SetTermination(ctx, callSID, terminatedBy, reason); err != nil && !errors.Is(err, database.ErrNotFound) {
			slog.Warn("persist termination", "call_sid", callSID, "error", err)
		}
		m.appendEvent(ctx, callSID, "termination_requested", fmt.Sprintf(`{"terminated_by":%q,"reason":%q}`, terminatedBy, reason))
	} else {
		win, _ := m.tracker.First(callSID)
		slog.Debug("termination cause lost race", "call_sid", callSID, "cause", terminatedBy, "reason", reason, "winner", win.TerminatedBy)
		return
	}

	go func() {
		if err := m.dialer.Hangup(context.WithoutCancel(ctx), callSID, reason); err != nil {
			slog.Warn("carrier hangup", "call_sid", callSID, "error", err)
		}
	}()

	// If the carrier never confirms the hangup, force the terminal state.
	if ac.hangupTimer == nil {
		ac.hangupTimer = m.clock.NewTimer(hangupDeadline)
		ac.hangupDone = make(chan struct{})
		go m.watchHangup(ac)
	}
}

func (m *Manager) watchHangup(ac *activeCall) {
	select {
	case <-ac.hangupTimer.C():
	case <-ac.hangupDone:
		return
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.finalized {
		return
	}
	ctx := context.Background()
	slog.Warn("hangup confirmation timed out", "call_sid", ac.callSID)
	m.tracker.Submit(ac.callSID, models.TerminatedBySystem, "hangup_timeout", m.clock.Now())
	if err := m.store.Calls.SetTermination(ctx, ac.callSID, models.TerminatedBySystem, "hangup_timeout"); err != nil && !errors.Is(err, database.ErrNotFound) {
		slog.Warn("persist hangup timeout", "call_sid", ac.callSID, "error", err)
	}
	m.finalizeLocked(ctx, ac, models.CallFailed, "", 0, m.clock.Now())
	m.publishCall(ctx, ac.callSID)
}

// finalizeLocked moves a call to its terminal state. Caller holds ac.mu.
func (m *Manager) finalizeLocked(ctx context.Context, ac *activeCall, status, answeredBy string, durationSec int, now time.Time) {
	if ac.finalized {
		return
	}
	ac.finalized = true
	if ac.hangupTimer != nil {
		ac.hangupTimer.Stop()
		close(ac.hangupDone)
		ac.hangupTimer = nil
	}

	if durationSec == 0 && !ac.answered.IsZero() {
		durationSec = int(now.Sub(ac.answered) / time.Second)
	}

	// Short machine-answered calls were ended by detection, not by a
	// participant. Classify before any carrier cause can claim them.
	if answeredBy == "" {
		if row, err := m.store.Calls.GetByCallSID(ctx, ac.callSID); err == nil {
			answeredBy = row.AnsweredBy
		}
	}
	if answeredBy != "" && answeredBy != "human" && time.Duration(durationSec)*time.Second < machineShortCall {
		if m.tracker.Submit(ac.callSID, models.TerminatedBySystem, "machine_detected", now) {
			if err := m.store.Calls.SetTermination(ctx, ac.callSID, models.TerminatedBySystem, "machine_detected"); err != nil && !errors.Is(err, database.ErrNotFound) {
				slog.Warn("persist machine termination", "call_sid", ac.callSID, "error", err)
			}
		}
	}

	// A carrier-observed terminal status with no prior cause means the
	// carrier ended it (or observed the far end doing so).
	if m.tracker.Submit(ac.callSID, models.TerminatedByCarrier, "carrier_"+status, now) {
		if err := m.store.Calls.SetTermination(ctx, ac.callSID, models.TerminatedByCarrier, "carrier_"+status); err != nil && !errors.Is(err, database.ErrNotFound) {
			slog.Warn("persist carrier termination", "call_sid", ac.callSID, "error", err)
		}
	}

	billable := durationSec
	if err := m.store.Calls.Finalize(ctx, ac.callSID, status, now, durationSec, billable); err != nil && !errors.Is(err, database.ErrNotFound) {
		slog.Error("finalize call", "call_sid", ac.callSID, "error", err)
	}
	m.appendEvent(ctx, ac.callSID, "call_finalized", fmt.Sprintf(`{"status":%q,"duration":%s}`, status, strconv.Itoa(durationSec)))

	win, _ := m.tracker.First(ac.callSID)
	for _, lost := range m.tracker.Audit(ac.callSID) {
		slog.Info("termination cause superseded", "call_sid", ac.callSID, "winner", win.TerminatedBy, "lost", lost.TerminatedBy, "lost_reason", lost.Reason)
	}
	m.tracker.Forget(ac.callSID)

	m.mu.Lock()
	delete(m.active, ac.callSID)
	m.mu.Unlock()

	slog.Info("call finalized", "call_sid", ac.callSID, "status", status, "duration_sec", durationSec, "terminated_by", win.TerminatedBy)

	if m.onFinalized != nil {
		if row, err := m.store.Calls.GetByCallSID(ctx, ac.callSID); err == nil {
			m.onFinalized(*row)
		}
	}
}

// lookupOrTrack returns the active entry for callSID, creating one when a
// webhook arrives for a call we do not know yet.
func (m *Manager) lookupOrTrack(callSID string) *activeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ac, ok := m.active[callSID]; ok {
		return ac
	}
	ac := &activeCall{callSID: callSID}
	m.active[callSID] = ac
	return ac
}

func (m *Manager) updateStatus(ctx context.Context, callSID, status string) {
	if err := m.store.Calls.UpdateStatus(ctx, callSID, status); err != nil && !errors.Is(err, database.ErrNotFound) {
		slog.Warn("update call status", "call_sid", callSID, "status", status, "error", err)
	}
}

func (m *Manager) appendEvent(ctx context.Context, callSID, eventType, payload string) {
	ev := &models.CallEvent{CallSID: callSID, EventType: eventType, Payload: payload, Source: "lifecycle"}
	if err := m.store.CallEvents.Append(ctx, ev); err != nil {
		slog.Warn("append call event", "call_sid", callSID, "event", eventType, "error", err)
	}
}

func (m *Manager) publishCall(ctx context.Context, callSID string) {
	if m.hub == nil {
		return
	}
	row, err := m.store.Calls.GetByCallSID(ctx, callSID)
	if err != nil {
		return
	}
	m.hub.Publish("calls", "call_update", row)
	m.hub.Publish("call:"+callSID, "call_update", row)
}

// Shutdown stops accepting new calls, terminates the active ones with a
// system/shutdown cause and waits for the carrier to confirm, bounded by
// ctx. Calls still active when ctx expires are force-finalized.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.draining = true
	sids := make([]string, 0, len(m.active))
	for sid := range m.active {
		sids = append(sids, sid)
	}
	m.mu.Unlock()

	for _, sid := range sids {
		m.SignalTermination(ctx, sid, models.TerminatedBySystem, "shutdown")
	}

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if m.ActiveCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			m.mu.Lock()
			remaining := make([]*activeCall, 0, len(m.active))
			for _, ac := range m.active {
				remaining = append(remaining, ac)
			}
			m.mu.Unlock()
			for _, ac := range remaining {
				ac.mu.Lock()
				m.finalizeLocked(context.Background(), ac, models.CallFailed, "", 0, m.clock.Now())
				ac.mu.Unlock()
			}
			return
		case <-tick.C:
		}
	}
}
