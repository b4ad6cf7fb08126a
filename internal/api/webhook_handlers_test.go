package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dialcast/dialcast/internal/database/models"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// placeCall dials one call through the manager and returns its row.
func placeCall(t *testing.T, env *testEnv) *models.Call {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/outbound-call", map[string]any{
		"to": "+15551110001", "prompt": "p",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("place call: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp outboundCallResponse
	decodeData(t, rec, &resp)
	call, err := env.store.Calls.GetByCallSID(context.Background(), resp.CallSid)
	if err != nil {
		t.Fatalf("load call: %v", err)
	}
	return call
}

func agentPayload(conversationID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"type": "post_call_transcription",
		"data": map[string]any{
			"conversation_id": conversationID,
			"transcript": []map[string]any{
				{"role": "agent", "message": "Hello, am I speaking with Ada?", "time_in_call_secs": 1.2},
				{"role": "user", "message": "Yes, speaking.", "time_in_call_secs": 4.5},
				{"role": "agent", "message": "Great, calling about your appointment.", "time_in_call_secs": 6.0},
			},
			"analysis": map[string]any{
				"call_successful":    "success",
				"transcript_summary": "Confirmed the appointment.",
			},
		},
	})
	return body
}

func postAgentWebhook(env *testEnv, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/agent", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	return rec
}

func TestAgentWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	call := placeCall(t, env)
	body := agentPayload(call.ConversationID)

	ctx := context.Background()
	eventsBefore, _ := env.store.CallEvents.ListByCall(ctx, call.CallSID)

	for _, tc := range []struct {
		name string
		sig  string
	}{
		{"wrong signature", "deadbeef"},
		{"missing signature", ""},
		{"signature for different body", signBody(testWebhookSecret, []byte("other"))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := postAgentWebhook(env, body, tc.sig)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}

	// No side effects: no transcript rows, no new events.
	msgs, err := env.store.Transcripts.ListByCall(ctx, call.CallSID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("rejected webhook wrote %d transcript rows", len(msgs))
	}
	eventsAfter, _ := env.store.CallEvents.ListByCall(ctx, call.CallSID)
	if len(eventsAfter) != len(eventsBefore) {
		t.Errorf("rejected webhook appended events: %d -> %d", len(eventsBefore), len(eventsAfter))
	}
}

func TestAgentWebhookIngestsFinalizedTranscript(t *testing.T) {
	env := newTestEnv(t)
	call := placeCall(t, env)
	body := agentPayload(call.ConversationID)

	rec := postAgentWebhook(env, body, signBody(testWebhookSecret, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	ctx := context.Background()
	msgs, err := env.store.Transcripts.ListByCallSource(ctx, call.CallSID, models.TranscriptFinalized)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 finalized messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Sequence != i+1 {
			t.Errorf("message %d has sequence %d", i, m.Sequence)
		}
	}
	if msgs[0].Role != "agent" || msgs[1].Role != "user" {
		t.Errorf("roles wrong: %q, %q", msgs[0].Role, msgs[1].Role)
	}

	// A transcript_finalized event was recorded.
	events, err := env.store.CallEvents.ListByCall(ctx, call.CallSID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range events {
		if ev.EventType == "transcript_finalized" {
			found = true
		}
	}
	if !found {
		t.Error("expected a transcript_finalized event")
	}

	// Replaying the same webhook converges on the same transcript.
	rec = postAgentWebhook(env, body, signBody(testWebhookSecret, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", rec.Code)
	}
	msgs, err = env.store.Transcripts.ListByCallSource(ctx, call.CallSID, models.TranscriptFinalized)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Errorf("replay duplicated transcript: %d messages", len(msgs))
	}
}

func TestAgentWebhookUnknownConversation(t *testing.T) {
	env := newTestEnv(t)
	body := agentPayload("conv-does-not-exist")

	rec := postAgentWebhook(env, body, signBody(testWebhookSecret, body))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCarrierRecordingWebhook(t *testing.T) {
	env := newTestEnv(t)
	call := placeCall(t, env)

	form := fmt.Sprintf("RecordingSid=RE001&CallSid=%s&RecordingStatus=completed&RecordingDuration=42&RecordingChannels=2&RecordingUrl=https://carrier.example/RE001", call.CallSID)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/carrier/recording", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	recs, err := env.store.Recordings.ListByCall(context.Background(), call.CallSID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 recording, got %d", len(recs))
	}
	if recs[0].DurationSec != 42 || recs[0].Channels != 2 {
		t.Errorf("recording fields wrong: %+v", recs[0])
	}
}

func TestDeleteCallCascades(t *testing.T) {
	env := newTestEnv(t)
	call := placeCall(t, env)
	ctx := context.Background()

	// Attach a recording, transcript messages, and extra events.
	err := env.store.Recordings.Upsert(ctx, &models.Recording{
		RecordingSID: "RE100", CallSID: call.CallSID, Status: "completed",
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		_, err := env.store.Transcripts.Append(ctx, &models.TranscriptMessage{
			CallSID: call.CallSID, Role: "agent", Text: fmt.Sprintf("line %d", i),
			Source: models.TranscriptRealtime,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		err := env.store.CallEvents.Append(ctx, &models.CallEvent{
			CallSID: call.CallSID, EventType: "test_event", Source: "test",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rec := env.do(t, http.MethodDelete, "/api/db/calls/"+call.CallSID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	// Call and recording are gone; events come back empty.
	rec = env.do(t, http.MethodGet, "/api/db/calls/"+call.CallSID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get call: expected 404, got %d", rec.Code)
	}
	if _, err := env.store.Recordings.GetByRecordingSID(ctx, "RE100"); err == nil {
		t.Error("recording survived the cascade")
	}
	rec = env.do(t, http.MethodGet, "/api/db/events/"+call.CallSID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", rec.Code)
	}
	var events []eventResponse
	decodeData(t, rec, &events)
	if len(events) != 0 {
		t.Errorf("expected empty event list, got %d", len(events))
	}

	// Deleting again is a 404.
	rec = env.do(t, http.MethodDelete, "/api/db/calls/"+call.CallSID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rec.Code)
	}
}
