package api

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// recordingResponse is the JSON shape for a single recording.
type recordingResponse struct {
	RecordingSid string `json:"recordingSid"`
	CallSid      string `json:"callSid"`
	Status       string `json:"status"`
	DurationSec  int    `json:"durationSeconds"`
	Channels     int    `json:"channels"`
	CreatedAt    string `json:"createdAt"`
}

func toRecordingResponse(rec *models.Recording) recordingResponse {
	return recordingResponse{
		RecordingSid: rec.RecordingSID,
		CallSid:      rec.CallSID,
		Status:       rec.Status,
		DurationSec:  rec.DurationSec,
		Channels:     rec.Channels,
		CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleCallRecordings lists a call's recordings.
func (s *Server) handleCallRecordings(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSid")

	recs, err := s.deps.Store.Recordings.ListByCall(r.Context(), callSID)
	if err != nil {
		slog.Error("list recordings: failed to query", "error", err, "call_sid", callSID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]recordingResponse, len(recs))
	for i := range recs {
		items[i] = toRecordingResponse(&recs[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleRecordingDownload serves a recording's audio, fetching from the
// carrier on a cache miss.
func (s *Server) handleRecordingDownload(w http.ResponseWriter, r *http.Request) {
	recordingSID := chi.URLParam(r, "recordingSid")

	if _, err := s.deps.Store.Recordings.GetByRecordingSID(r.Context(), recordingSID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		slog.Error("recording download: failed to query", "error", err, "recording_sid", recordingSID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	path, contentType, err := s.deps.Recordings.Fetch(r.Context(), recordingSID)
	if err != nil {
		slog.Error("recording download: fetch failed", "error", err, "recording_sid", recordingSID)
		writeError(w, http.StatusBadGateway, "recording audio is not available")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}
