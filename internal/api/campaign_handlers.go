package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dialcast/dialcast/internal/campaign"
	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// campaignResponse is the JSON shape for a single campaign.
type campaignResponse struct {
	ID           int64                   `json:"id"`
	Name         string                  `json:"name"`
	Status       string                  `json:"status"`
	Prompt       string                  `json:"prompt"`
	FirstMessage string                  `json:"firstMessage,omitempty"`
	CallerID     string                  `json:"callerId,omitempty"`
	Region       string                  `json:"region,omitempty"`
	ContactIDs   []int64                 `json:"contactIds"`
	Settings     models.CampaignSettings `json:"settings"`
	Stats        models.CampaignStats    `json:"stats"`
	CreatedAt    string                  `json:"createdAt"`
	StartedAt    *string                 `json:"startedAt,omitempty"`
	CompletedAt  *string                 `json:"completedAt,omitempty"`
}

func toCampaignResponse(c *models.Campaign) campaignResponse {
	resp := campaignResponse{
		ID:           c.ID,
		Name:         c.Name,
		Status:       c.Status,
		Prompt:       c.Prompt,
		FirstMessage: c.FirstMessage,
		CallerID:     c.CallerID,
		Region:       c.Region,
		ContactIDs:   c.ContactIDs,
		Settings:     c.Settings,
		Stats:        c.Stats,
		CreatedAt:    c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if resp.ContactIDs == nil {
		resp.ContactIDs = []int64{}
	}
	if c.StartedAt != nil {
		s := c.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if c.CompletedAt != nil {
		s := c.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

// campaignRequest creates or updates a campaign.
type campaignRequest struct {
	Name         string                   `json:"name"`
	Prompt       string                   `json:"prompt"`
	FirstMessage string                   `json:"firstMessage,omitempty"`
	CallerID     string                   `json:"callerId,omitempty"`
	Region       string                   `json:"region,omitempty"`
	ContactIDs   []int64                  `json:"contactIds,omitempty"`
	Settings     *models.CampaignSettings `json:"settings,omitempty"`
}

// applySettingsDefaults fills unset dialing-policy fields.
func applySettingsDefaults(s *models.CampaignSettings) {
	if s.MaxConcurrentCalls < 1 {
		s.MaxConcurrentCalls = 1
	}
	if s.CallDelayMs < 0 {
		s.CallDelayMs = 0
	}
	if s.RetryDelayMs <= 0 {
		s.RetryDelayMs = 60000
	}
}

func (req *campaignRequest) validate() map[string]string {
	details := map[string]string{}
	if errMsg := validateRequiredStringLen("name", req.Name, maxNameLen); errMsg != "" {
		details["name"] = errMsg
	}
	if errMsg := validateRequiredStringLen("prompt", req.Prompt, maxPromptLen); errMsg != "" {
		details["prompt"] = errMsg
	}
	if errMsg := validateStringLen("firstMessage", req.FirstMessage, maxPromptLen); errMsg != "" {
		details["firstMessage"] = errMsg
	}
	if req.CallerID != "" {
		if errMsg := validatePhone("callerId", normalizePhone(req.CallerID)); errMsg != "" {
			details["callerId"] = errMsg
		}
	}
	if st := req.Settings; st != nil {
		if st.MaxConcurrentCalls != 0 {
			if errMsg := validateIntRange("settings.max_concurrent_calls", st.MaxConcurrentCalls, 1, 50); errMsg != "" {
				details["settings.max_concurrent_calls"] = errMsg
			}
		}
		if errMsg := validateIntRange("settings.call_delay_ms", st.CallDelayMs, 0, 600000); errMsg != "" {
			details["settings.call_delay_ms"] = errMsg
		}
		if errMsg := validateIntRange("settings.retry_count", st.RetryCount, 0, 10); errMsg != "" {
			details["settings.retry_count"] = errMsg
		}
		if errMsg := validateClock("settings.window_start", st.WindowStart); errMsg != "" {
			details["settings.window_start"] = errMsg
		}
		if errMsg := validateClock("settings.window_end", st.WindowEnd); errMsg != "" {
			details["settings.window_end"] = errMsg
		}
		if errMsg := validateTimezone("settings.timezone", st.Timezone); errMsg != "" {
			details["settings.timezone"] = errMsg
		}
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// handleListCampaigns returns all campaigns, newest first.
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.deps.Store.Campaigns.List(r.Context())
	if err != nil {
		slog.Error("list campaigns: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]campaignResponse, len(campaigns))
	for i := range campaigns {
		items[i] = toCampaignResponse(&campaigns[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleActiveCampaigns returns campaigns currently dialing or paused.
func (s *Server) handleActiveCampaigns(w http.ResponseWriter, r *http.Request) {
	items := []campaignResponse{}
	for _, status := range []string{models.CampaignActive, models.CampaignPaused} {
		campaigns, err := s.deps.Store.Campaigns.ListByStatus(r.Context(), status)
		if err != nil {
			slog.Error("active campaigns: failed to query", "error", err, "status", status)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		for i := range campaigns {
			items = append(items, toCampaignResponse(&campaigns[i]))
		}
	}
	writeJSON(w, http.StatusOK, items)
}

// handleCreateCampaign creates a campaign in draft status.
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if details := req.validate(); details != nil {
		writeErrorDetails(w, http.StatusBadRequest, "validation failed", details)
		return
	}

	camp := &models.Campaign{
		Name:         req.Name,
		Status:       models.CampaignDraft,
		Prompt:       req.Prompt,
		FirstMessage: req.FirstMessage,
		CallerID:     normalizePhone(req.CallerID),
		Region:       req.Region,
		ContactIDs:   req.ContactIDs,
	}
	if req.Settings != nil {
		camp.Settings = *req.Settings
	}
	applySettingsDefaults(&camp.Settings)

	if err := s.deps.Store.Campaigns.Create(r.Context(), camp); err != nil {
		slog.Error("create campaign: failed to write", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	camp.CreatedAt = time.Now().UTC()

	writeJSON(w, http.StatusCreated, toCampaignResponse(camp))
}

// getCampaign loads a campaign for a handler, writing the error response
// itself on failure. Returns nil when the response has been written.
func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) *models.Campaign {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return nil
	}
	camp, err := s.deps.Store.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return nil
		}
		slog.Error("get campaign: failed to query", "error", err, "campaign_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	return camp
}

// handleGetCampaign returns one campaign by ID.
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	camp := s.getCampaign(w, r)
	if camp == nil {
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(camp))
}

// handleUpdateCampaign replaces a campaign's mutable fields. Only draft
// and paused campaigns may be edited; the scheduler owns active ones.
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	camp := s.getCampaign(w, r)
	if camp == nil {
		return
	}
	if camp.Status != models.CampaignDraft && camp.Status != models.CampaignPaused {
		writeError(w, http.StatusConflict, "only draft or paused campaigns can be edited")
		return
	}

	var req campaignRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if details := req.validate(); details != nil {
		writeErrorDetails(w, http.StatusBadRequest, "validation failed", details)
		return
	}

	camp.Name = req.Name
	camp.Prompt = req.Prompt
	camp.FirstMessage = req.FirstMessage
	camp.CallerID = normalizePhone(req.CallerID)
	camp.Region = req.Region
	if req.ContactIDs != nil {
		camp.ContactIDs = req.ContactIDs
	}
	if req.Settings != nil {
		camp.Settings = *req.Settings
	}
	applySettingsDefaults(&camp.Settings)

	if err := s.deps.Store.Campaigns.Update(r.Context(), camp); err != nil {
		slog.Error("update campaign: failed to write", "error", err, "campaign_id", camp.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toCampaignResponse(camp))
}

// handleDeleteCampaign removes a campaign and all of its calls.
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	camp := s.getCampaign(w, r)
	if camp == nil {
		return
	}
	if camp.Status == models.CampaignActive {
		writeError(w, http.StatusConflict, "stop the campaign before deleting it")
		return
	}

	if err := s.deps.Store.Campaigns.Delete(r.Context(), camp.ID); err != nil {
		slog.Error("delete campaign: failed", "error", err, "campaign_id", camp.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"id": camp.ID})
}

// writeSchedulerError maps scheduler control errors to HTTP statuses.
func writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "campaign not found")
	case errors.Is(err, campaign.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "campaign is already running")
	case errors.Is(err, campaign.ErrNotRunning):
		writeError(w, http.StatusConflict, "campaign is not running")
	case errors.Is(err, campaign.ErrNoContacts):
		writeError(w, http.StatusBadRequest, "campaign has no callable contacts")
	default:
		slog.Error("campaign control failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleStartCampaign begins (or restarts) dialing a campaign.
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	camp := s.getCampaign(w, r)
	if camp == nil {
		return
	}
	if camp.Status == models.CampaignCompleted || camp.Status == models.CampaignCancelled {
		writeError(w, http.StatusConflict, "campaign is "+camp.Status)
		return
	}
	if err := s.deps.Scheduler.Start(r.Context(), camp.ID); err != nil {
		writeSchedulerError(w, err)
		return
	}
	// An empty campaign completes immediately, so report the stored status
	// rather than assuming "active".
	status := models.CampaignActive
	if fresh, err := s.deps.Store.Campaigns.GetByID(r.Context(), camp.ID); err == nil {
		status = fresh.Status
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": camp.ID, "status": status})
}

// handlePauseCampaign halts new dials; in-flight calls finish normally.
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	camp := s.getCampaign(w, r)
	if camp == nil {
		return
	}
	if err := s.deps.Scheduler.Pause(r.Context(), camp.ID); err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": camp.ID, "status": models.CampaignPaused})
}

// handleResumeCampaign continues dialing from the paused cursor.
func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	camp := s.getCampaign(w, r)
	if camp == nil {
		return
	}
	if err := s.deps.Scheduler.Resume(r.Context(), camp.ID); err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": camp.ID, "status": models.CampaignActive})
}

// handleStopCampaign cancels a campaign and terminates its active calls.
func (s *Server) handleStopCampaign(w http.ResponseWriter, r *http.Request) {
	camp := s.getCampaign(w, r)
	if camp == nil {
		return
	}
	if err := s.deps.Scheduler.Stop(r.Context(), camp.ID); err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": camp.ID, "status": models.CampaignCancelled})
}

// handleCampaignProgress reports dialing progress for dashboards.
func (s *Server) handleCampaignProgress(w http.ResponseWriter, r *http.Request) {
	camp := s.getCampaign(w, r)
	if camp == nil {
		return
	}
	progress, err := s.deps.Scheduler.Progress(r.Context(), camp.ID)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}

	total := progress.Total
	placed := progress.Stats.Placed
	percent := 0.0
	if total > 0 {
		done := total - progress.Pending - progress.Active
		if done < 0 {
			done = 0
		}
		percent = float64(done) / float64(total) * 100
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"campaignId":      progress.CampaignID,
		"status":          progress.Status,
		"paused":          progress.Status == models.CampaignPaused,
		"total":           total,
		"placed":          placed,
		"completed":       progress.Stats.Completed,
		"answered":        progress.Stats.Answered,
		"failed":          progress.Stats.Failed,
		"remaining":       progress.Pending,
		"activeCalls":     progress.Active,
		"percentComplete": percent,
	})
}

// handleCampaignFromCSV creates a campaign from a multipart CSV upload and
// immediately starts it. Form fields: file (CSV), name, prompt,
// first_message, caller_id, region, settings (JSON, optional).
func (s *Server) handleCampaignFromCSV(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form with a \"file\" field")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form with a \"file\" field")
		return
	}
	defer file.Close()

	req := campaignRequest{
		Name:         strings.TrimSpace(r.FormValue("name")),
		Prompt:       r.FormValue("prompt"),
		FirstMessage: r.FormValue("first_message"),
		CallerID:     r.FormValue("caller_id"),
		Region:       r.FormValue("region"),
	}
	if raw := r.FormValue("settings"); raw != "" {
		var settings models.CampaignSettings
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			writeError(w, http.StatusBadRequest, "settings must be a valid JSON object")
			return
		}
		req.Settings = &settings
	}
	if details := req.validate(); details != nil {
		writeErrorDetails(w, http.StatusBadRequest, "validation failed", details)
		return
	}

	result, errMsg := s.importContactsCSV(r, file)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if result.Imported == 0 {
		writeError(w, http.StatusBadRequest, "csv contained no importable contacts")
		return
	}

	camp := &models.Campaign{
		Name:         req.Name,
		Status:       models.CampaignDraft,
		Prompt:       req.Prompt,
		FirstMessage: req.FirstMessage,
		CallerID:     normalizePhone(req.CallerID),
		Region:       req.Region,
		ContactIDs:   result.IDs,
	}
	if req.Settings != nil {
		camp.Settings = *req.Settings
	}
	applySettingsDefaults(&camp.Settings)

	if err := s.deps.Store.Campaigns.Create(r.Context(), camp); err != nil {
		slog.Error("campaign from csv: failed to create", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.deps.Scheduler.Start(r.Context(), camp.ID); err != nil {
		writeSchedulerError(w, err)
		return
	}

	slog.Info("campaign started from csv",
		"campaign_id", camp.ID, "contacts", result.Imported, "skipped", result.Skipped)
	camp.Status = models.CampaignActive
	camp.CreatedAt = time.Now().UTC()
	writeJSON(w, http.StatusCreated, map[string]any{
		"campaign": toCampaignResponse(camp),
		"import":   result,
	})
}
