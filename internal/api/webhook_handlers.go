package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
)

// handleCarrierStatus ingests the carrier's form-encoded call status
// callbacks and feeds them to the lifecycle state machine. The carrier
// retries on non-2xx, so transient store errors return 500.
func (s *Server) handleCarrierStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}

	callSID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")
	if callSID == "" || status == "" {
		writeError(w, http.StatusBadRequest, "CallSid and CallStatus are required")
		return
	}

	durationSec := 0
	if raw := r.PostFormValue("CallDuration"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			durationSec = n
		}
	}

	err := s.deps.Manager.HandleCarrierStatus(r.Context(), callSID, status, r.PostFormValue("AnsweredBy"), durationSec)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// A status for a SID we never dialed; acknowledge so the
			// carrier stops retrying.
			writeJSON(w, http.StatusOK, nil)
			return
		}
		slog.Error("carrier status webhook failed", "call_sid", callSID, "status", status, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

// handleCarrierRecording ingests recording status callbacks. Recordings
// are created lazily on the first callback for each RecordingSid.
func (s *Server) handleCarrierRecording(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}

	recordingSID := r.PostFormValue("RecordingSid")
	callSID := r.PostFormValue("CallSid")
	if recordingSID == "" || callSID == "" {
		writeError(w, http.StatusBadRequest, "RecordingSid and CallSid are required")
		return
	}

	rec := &models.Recording{
		RecordingSID: recordingSID,
		CallSID:      callSID,
		Status:       r.PostFormValue("RecordingStatus"),
		URL:          r.PostFormValue("RecordingUrl"),
	}
	if raw := r.PostFormValue("RecordingDuration"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			rec.DurationSec = n
		}
	}
	if raw := r.PostFormValue("RecordingChannels"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			rec.Channels = n
		}
	}

	if err := s.deps.Store.Recordings.Upsert(r.Context(), rec); err != nil {
		slog.Error("recording webhook: failed to upsert", "recording_sid", recordingSID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"recordingSid": recordingSID,
		"status":       rec.Status,
		"duration":     rec.DurationSec,
	})
	s.deps.Store.CallEvents.Append(r.Context(), &models.CallEvent{
		CallSID:   callSID,
		EventType: "recording_" + rec.Status,
		Payload:   string(payload),
		Source:    "carrier",
	})

	update := map[string]any{
		"callSid":      callSID,
		"recordingSid": recordingSID,
		"status":       rec.Status,
		"durationSec":  rec.DurationSec,
	}
	s.deps.Hub.Publish("calls", "recording_update", update)
	s.deps.Hub.Publish("call:"+callSID, "recording_update", update)

	writeJSON(w, http.StatusOK, nil)
}

// agentWebhookBody is the agent provider's post-call payload. Only the
// fields we persist are decoded.
type agentWebhookBody struct {
	Type string `json:"type"`
	Data struct {
		ConversationID string `json:"conversation_id"`
		Transcript     []struct {
			Role           string  `json:"role"`
			Message        string  `json:"message"`
			TimeInCallSecs float64 `json:"time_in_call_secs"`
		} `json:"transcript"`
		Analysis *struct {
			CallSuccessful    string `json:"call_successful,omitempty"`
			TranscriptSummary string `json:"transcript_summary,omitempty"`
			Sentiment         string `json:"sentiment,omitempty"`
		} `json:"analysis,omitempty"`
	} `json:"data"`
}

// verifySignature checks the lowercase-hex HMAC-SHA256 signature over the
// raw body. Constant-time; an empty configured secret rejects everything.
func verifySignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// handleAgentWebhook ingests the agent's authoritative post-call
// transcript. A missing or wrong X-Signature is a 401 with no side
// effects: nothing is written and nothing is published.
func (s *Server) handleAgentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	secret := []byte(s.deps.Config.AgentWebhookSecret)
	if !verifySignature(secret, body, r.Header.Get("X-Signature")) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload agentWebhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json")
		return
	}
	if payload.Data.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	call, err := s.deps.Store.Calls.GetByConversationID(r.Context(), payload.Data.ConversationID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no call for this conversation")
			return
		}
		slog.Error("agent webhook: failed to resolve conversation",
			"conversation_id", payload.Data.ConversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	msgs := make([]models.TranscriptMessage, 0, len(payload.Data.Transcript))
	for i, t := range payload.Data.Transcript {
		role := t.Role
		if role != "agent" && role != "user" {
			role = "system"
		}
		msgs = append(msgs, models.TranscriptMessage{
			CallSID:       call.CallSID,
			Role:          role,
			Text:          t.Message,
			OffsetSeconds: t.TimeInCallSecs,
			Source:        models.TranscriptFinalized,
			ExternalID:    payload.Data.ConversationID + ":" + strconv.Itoa(i),
		})
	}

	if err := s.deps.Store.Transcripts.ReplaceFinalized(r.Context(), call.CallSID, msgs); err != nil {
		slog.Error("agent webhook: failed to replace transcript", "call_sid", call.CallSID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	eventPayload := map[string]any{
		"conversationId": payload.Data.ConversationID,
		"messages":       len(msgs),
	}
	if a := payload.Data.Analysis; a != nil {
		if a.TranscriptSummary != "" {
			eventPayload["summary"] = a.TranscriptSummary
		}
		if a.CallSuccessful != "" {
			eventPayload["callSuccessful"] = a.CallSuccessful
		}
		if a.Sentiment != "" {
			eventPayload["sentiment"] = a.Sentiment
		}
	}
	eventJSON, _ := json.Marshal(eventPayload)
	s.deps.Store.CallEvents.Append(r.Context(), &models.CallEvent{
		CallSID:   call.CallSID,
		EventType: "transcript_finalized",
		Payload:   string(eventJSON),
		Source:    "agent",
	})

	update := map[string]any{
		"callSid":        call.CallSID,
		"conversationId": payload.Data.ConversationID,
		"messageCount":   len(msgs),
	}
	s.deps.Hub.Publish("transcripts", "transcript_update", update)
	s.deps.Hub.Publish("transcript:"+call.CallSID, "transcript_update", update)

	slog.Info("finalized transcript ingested",
		"call_sid", call.CallSID, "conversation_id", payload.Data.ConversationID, "messages", len(msgs))
	writeJSON(w, http.StatusOK, map[string]any{"callSid": call.CallSID, "messages": len(msgs)})
}
