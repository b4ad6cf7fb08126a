package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/lifecycle"
	"github.com/go-chi/chi/v5"
)

// callResponse is the JSON shape for a single call.
type callResponse struct {
	ID                int64   `json:"id"`
	CallSid           string  `json:"callSid"`
	ConversationID    string  `json:"conversationId,omitempty"`
	CampaignID        *int64  `json:"campaignId,omitempty"`
	ContactID         *int64  `json:"contactId,omitempty"`
	From              string  `json:"from"`
	To                string  `json:"to"`
	Direction         string  `json:"direction"`
	Status            string  `json:"status"`
	AnsweredBy        string  `json:"answeredBy,omitempty"`
	StartTime         string  `json:"startTime"`
	AnswerTime        *string `json:"answerTime,omitempty"`
	EndTime           *string `json:"endTime,omitempty"`
	DurationSec       int     `json:"durationSeconds"`
	BillableSec       int     `json:"billableSeconds"`
	TerminatedBy      string  `json:"terminatedBy,omitempty"`
	TerminationReason string  `json:"terminationReason,omitempty"`
	AttemptNumber     int     `json:"attemptNumber"`
}

func toCallResponse(c *models.Call) callResponse {
	resp := callResponse{
		ID:                c.ID,
		CallSid:           c.CallSID,
		ConversationID:    c.ConversationID,
		CampaignID:        c.CampaignID,
		ContactID:         c.ContactID,
		From:              c.From,
		To:                c.To,
		Direction:         c.Direction,
		Status:            c.Status,
		AnsweredBy:        c.AnsweredBy,
		StartTime:         c.StartTime.UTC().Format(time.RFC3339),
		DurationSec:       c.DurationSec,
		BillableSec:       c.BillableSec,
		TerminatedBy:      c.TerminatedBy,
		TerminationReason: c.TerminationReason,
		AttemptNumber:     c.AttemptNumber,
	}
	if c.AnswerTime != nil {
		s := c.AnswerTime.UTC().Format(time.RFC3339)
		resp.AnswerTime = &s
	}
	if c.EndTime != nil {
		s := c.EndTime.UTC().Format(time.RFC3339)
		resp.EndTime = &s
	}
	return resp
}

// outboundCallRequest starts a single ad-hoc call.
type outboundCallRequest struct {
	To           string `json:"to"`
	Prompt       string `json:"prompt"`
	FirstMessage string `json:"first_message"`
	Name         string `json:"name,omitempty"`
	Region       string `json:"region,omitempty"`
	Recording    bool   `json:"recording,omitempty"`
	CallerID     string `json:"callerId,omitempty"`
}

// outboundCallResponse reports the placed call plus dial timing.
type outboundCallResponse struct {
	CallSid        string         `json:"callSid"`
	ConversationID string         `json:"conversationId,omitempty"`
	Timing         outboundTiming `json:"timing"`
}

// outboundTiming breaks down where dial latency went, in milliseconds.
// signedUrl stays zero here: the agent session URL is only signed once
// media arrives on the stream socket.
type outboundTiming struct {
	TotalMs     int64 `json:"total"`
	SignedURLMs int64 `json:"signedUrl"`
	CarrierMs   int64 `json:"twilioCall"`
}

// handleOutboundCall places one ad-hoc call outside any campaign.
func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req outboundCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	req.To = normalizePhone(req.To)
	details := map[string]string{}
	if errMsg := validatePhone("to", req.To); errMsg != "" {
		details["to"] = errMsg
	}
	if errMsg := validateRequiredStringLen("prompt", req.Prompt, maxPromptLen); errMsg != "" {
		details["prompt"] = errMsg
	}
	if errMsg := validateStringLen("first_message", req.FirstMessage, maxPromptLen); errMsg != "" {
		details["first_message"] = errMsg
	}
	if len(details) > 0 {
		writeErrorDetails(w, http.StatusBadRequest, "validation failed", details)
		return
	}

	dialStart := time.Now()
	callSID, err := s.deps.Manager.StartCall(r.Context(), lifecycle.StartRequest{
		To:            req.To,
		From:          req.CallerID,
		Region:        req.Region,
		Prompt:        req.Prompt,
		FirstMessage:  req.FirstMessage,
		ContactName:   req.Name,
		Recording:     req.Recording,
		AttemptNumber: 1,
	})
	dialElapsed := time.Since(dialStart)
	if err != nil {
		if errors.Is(err, lifecycle.ErrShuttingDown) {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		slog.Error("outbound call: dial failed", "to", req.To, "error", err)
		writeError(w, http.StatusBadGateway, "carrier rejected the call")
		return
	}

	resp := outboundCallResponse{
		CallSid: callSID,
		Timing: outboundTiming{
			TotalMs:   time.Since(started).Milliseconds(),
			CarrierMs: dialElapsed.Milliseconds(),
		},
	}
	if call, err := s.deps.Store.Calls.GetByCallSID(r.Context(), callSID); err == nil {
		resp.ConversationID = call.ConversationID
	}

	writeJSON(w, http.StatusCreated, resp)
}

// handleListCalls returns calls with pagination and optional filters.
// Query params: status, from, to, campaignId, page, limit, offset.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	filter := database.CallListFilter{
		Status: q.Get("status"),
		From:   q.Get("from"),
		To:     q.Get("to"),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}
	if raw := q.Get("campaignId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 1 {
			writeError(w, http.StatusBadRequest, "campaignId must be a positive integer")
			return
		}
		filter.CampaignID = id
	}

	calls, total, err := s.deps.Store.Calls.List(r.Context(), filter)
	if err != nil {
		slog.Error("list calls: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callResponse, len(calls))
	for i := range calls {
		items[i] = toCallResponse(&calls[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCall returns one call with its termination audit trail.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSid")

	call, err := s.deps.Store.Calls.GetByCallSID(r.Context(), callSID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		slog.Error("get call: failed to query", "error", err, "call_sid", callSID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := map[string]any{"call": toCallResponse(call)}
	if audit := s.deps.Manager.Tracker().Audit(callSID); len(audit) > 0 {
		entries := make([]map[string]any, len(audit))
		for i, c := range audit {
			entries[i] = map[string]any{
				"terminatedBy": c.TerminatedBy,
				"reason":       c.Reason,
				"at":           c.At.UTC().Format(time.RFC3339),
			}
		}
		resp["lateTerminationCauses"] = entries
	}
	writeJSON(w, http.StatusOK, resp)
}

// validStatusUpdate is the set of statuses a client may set directly.
var validStatusUpdate = map[string]bool{
	models.CallQueued:     true,
	models.CallInitiated:  true,
	models.CallRinging:    true,
	models.CallInProgress: true,
	models.CallCompleted:  true,
	models.CallBusy:       true,
	models.CallNoAnswer:   true,
	models.CallFailed:     true,
	models.CallCanceled:   true,
}

// handleUpdateCallStatus sets a call's status. Terminal statuses are
// sticky: once a call is finalized the update is rejected.
func (s *Server) handleUpdateCallStatus(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSid")

	var req struct {
		Status string `json:"status"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if !validStatusUpdate[req.Status] {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	call, err := s.deps.Store.Calls.GetByCallSID(r.Context(), callSID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		slog.Error("update call status: failed to query", "error", err, "call_sid", callSID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if call.Terminal() {
		writeError(w, http.StatusConflict, "call already finalized")
		return
	}

	if err := s.deps.Store.Calls.UpdateStatus(r.Context(), callSID, req.Status); err != nil {
		slog.Error("update call status: failed to write", "error", err, "call_sid", callSID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	call.Status = req.Status
	s.deps.Hub.Publish("calls", "status_update", toCallResponse(call))
	s.deps.Hub.Publish("call:"+callSID, "status_update", toCallResponse(call))

	writeJSON(w, http.StatusOK, toCallResponse(call))
}

// handleDeleteCall removes a call and everything hanging off it.
func (s *Server) handleDeleteCall(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSid")

	// Drop any cached recording files before the rows go away.
	if s.deps.Recordings != nil {
		recs, err := s.deps.Store.Recordings.ListByCall(r.Context(), callSID)
		if err == nil {
			for _, rec := range recs {
				s.deps.Recordings.Remove(rec.RecordingSID)
			}
		}
	}

	if err := s.deps.Store.Calls.DeleteCascade(r.Context(), callSID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		slog.Error("delete call: failed", "error", err, "call_sid", callSID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"callSid": callSID})
}

// handleExportCalls streams calls as CSV with the same filters as list.
func (s *Server) handleExportCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.CallListFilter{
		Status: q.Get("status"),
		From:   q.Get("from"),
		To:     q.Get("to"),
		Limit:  10000,
	}
	if raw := q.Get("campaignId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 1 {
			writeError(w, http.StatusBadRequest, "campaignId must be a positive integer")
			return
		}
		filter.CampaignID = id
	}

	calls, _, err := s.deps.Store.Calls.List(r.Context(), filter)
	if err != nil {
		slog.Error("export calls: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=calls.csv")

	cw := csv.NewWriter(w)
	cw.Write([]string{
		"Call SID", "Conversation ID", "Campaign ID", "From", "To",
		"Status", "Answered By", "Start Time", "End Time", "Duration",
		"Billable", "Terminated By", "Termination Reason", "Attempt",
	})

	for _, c := range calls {
		campaignID := ""
		if c.CampaignID != nil {
			campaignID = strconv.FormatInt(*c.CampaignID, 10)
		}
		endTime := ""
		if c.EndTime != nil {
			endTime = c.EndTime.UTC().Format(time.RFC3339)
		}
		cw.Write([]string{
			c.CallSID,
			c.ConversationID,
			campaignID,
			c.From,
			c.To,
			c.Status,
			c.AnsweredBy,
			c.StartTime.UTC().Format(time.RFC3339),
			endTime,
			strconv.Itoa(c.DurationSec),
			strconv.Itoa(c.BillableSec),
			c.TerminatedBy,
			c.TerminationReason,
			strconv.Itoa(c.AttemptNumber),
		})
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		slog.Error("export calls: csv write error", "error", err)
	}
}

// eventResponse is the JSON shape for one call event.
type eventResponse struct {
	ID        int64           `json:"id"`
	CallSid   string          `json:"callSid"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Source    string          `json:"source,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

func toEventResponse(e *models.CallEvent) eventResponse {
	resp := eventResponse{
		ID:        e.ID,
		CallSid:   e.CallSID,
		EventType: e.EventType,
		Source:    e.Source,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
	}
	if json.Valid([]byte(e.Payload)) {
		resp.Payload = json.RawMessage(e.Payload)
	}
	return resp
}

// handleCallEvents returns the event log for one call, oldest first.
func (s *Server) handleCallEvents(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSid")

	events, err := s.deps.Store.CallEvents.ListByCall(r.Context(), callSID)
	if err != nil {
		slog.Error("call events: failed to query", "error", err, "call_sid", callSID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]eventResponse, len(events))
	for i := range events {
		items[i] = toEventResponse(&events[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// appendEventRequest records a custom event against a call.
type appendEventRequest struct {
	CallSid   string          `json:"callSid"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// handleAppendEvent appends an event to a call's log.
func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.CallSid == "" || req.EventType == "" {
		writeError(w, http.StatusBadRequest, "callSid and eventType are required")
		return
	}

	if _, err := s.deps.Store.Calls.GetByCallSID(r.Context(), req.CallSid); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		slog.Error("append event: failed to query call", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ev := &models.CallEvent{
		CallSID:   req.CallSid,
		EventType: req.EventType,
		Payload:   string(req.Payload),
		Source:    "api",
	}
	if err := s.deps.Store.CallEvents.Append(r.Context(), ev); err != nil {
		slog.Error("append event: failed to write", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	ev.CreatedAt = time.Now().UTC()

	writeJSON(w, http.StatusCreated, toEventResponse(ev))
}

// transcriptMessageResponse is the JSON shape for one transcript message.
type transcriptMessageResponse struct {
	Sequence      int     `json:"sequence"`
	Role          string  `json:"role"`
	Text          string  `json:"text"`
	OffsetSeconds float64 `json:"offsetSeconds"`
	Source        string  `json:"source"`
}

// handleCallTranscript returns a call's transcript. By default the
// finalized transcript is preferred when one exists; `?source=` forces
// realtime or finalized.
func (s *Server) handleCallTranscript(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSid")
	source := r.URL.Query().Get("source")
	if source != "" && source != models.TranscriptRealtime && source != models.TranscriptFinalized {
		writeError(w, http.StatusBadRequest, "source must be \"realtime\" or \"finalized\"")
		return
	}

	var msgs []models.TranscriptMessage
	var err error
	if source != "" {
		msgs, err = s.deps.Store.Transcripts.ListByCallSource(r.Context(), callSID, source)
	} else {
		msgs, err = s.deps.Store.Transcripts.ListByCallSource(r.Context(), callSID, models.TranscriptFinalized)
		if err == nil && len(msgs) == 0 {
			msgs, err = s.deps.Store.Transcripts.ListByCallSource(r.Context(), callSID, models.TranscriptRealtime)
		}
	}
	if err != nil {
		slog.Error("call transcript: failed to query", "error", err, "call_sid", callSID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]transcriptMessageResponse, len(msgs))
	for i, m := range msgs {
		items[i] = transcriptMessageResponse{
			Sequence:      m.Sequence,
			Role:          m.Role,
			Text:          m.Text,
			OffsetSeconds: m.OffsetSeconds,
			Source:        m.Source,
		}
	}
	writeJSON(w, http.StatusOK, items)
}
