package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// contactResponse is the JSON shape for a single contact.
type contactResponse struct {
	ID          int64    `json:"id"`
	PhoneNumber string   `json:"phoneNumber"`
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CallCount   int      `json:"callCount"`
	LastCallAt  *string  `json:"lastCallAt,omitempty"`
	Status      string   `json:"status"`
	Priority    int      `json:"priority"`
	CreatedAt   string   `json:"createdAt"`
}

func toContactResponse(c *models.Contact) contactResponse {
	resp := contactResponse{
		ID:          c.ID,
		PhoneNumber: c.PhoneNumber,
		Name:        c.Name,
		Email:       c.Email,
		CallCount:   c.CallCount,
		Status:      c.Status,
		Priority:    c.Priority,
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if c.Tags != "" {
		var tags []string
		if err := json.Unmarshal([]byte(c.Tags), &tags); err == nil {
			resp.Tags = tags
		}
	}
	if c.LastCallAt != nil {
		s := c.LastCallAt.UTC().Format(time.RFC3339)
		resp.LastCallAt = &s
	}
	return resp
}

// contactRequest creates or updates a contact.
type contactRequest struct {
	PhoneNumber string   `json:"phoneNumber"`
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Status      string   `json:"status,omitempty"`
	Priority    int      `json:"priority,omitempty"`
}

func (req *contactRequest) validate() map[string]string {
	details := map[string]string{}
	if errMsg := validatePhone("phoneNumber", req.PhoneNumber); errMsg != "" {
		details["phoneNumber"] = errMsg
	}
	if errMsg := validateStringLen("name", req.Name, maxNameLen); errMsg != "" {
		details["name"] = errMsg
	}
	if errMsg := validateEmail("email", req.Email); errMsg != "" {
		details["email"] = errMsg
	}
	if req.Status != "" && req.Status != models.ContactActive &&
		req.Status != models.ContactDoNotCall && req.Status != models.ContactCompleted {
		details["status"] = "status must be \"active\", \"do-not-call\", or \"completed\""
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

func (req *contactRequest) toModel() *models.Contact {
	c := &models.Contact{
		PhoneNumber: req.PhoneNumber,
		Name:        req.Name,
		Email:       req.Email,
		Status:      req.Status,
		Priority:    req.Priority,
	}
	if c.Status == "" {
		c.Status = models.ContactActive
	}
	if len(req.Tags) > 0 {
		if b, err := json.Marshal(req.Tags); err == nil {
			c.Tags = string(b)
		}
	}
	return c
}

// handleListContacts returns contacts with pagination and optional filters.
// Query params: status, search, page, limit, offset.
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	filter := database.ContactListFilter{
		Status: q.Get("status"),
		Search: q.Get("search"),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}

	contacts, total, err := s.deps.Store.Contacts.List(r.Context(), filter)
	if err != nil {
		slog.Error("list contacts: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]contactResponse, len(contacts))
	for i := range contacts {
		items[i] = toContactResponse(&contacts[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleCreateContact adds one contact to the roster.
func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.PhoneNumber = normalizePhone(req.PhoneNumber)
	if details := req.validate(); details != nil {
		writeErrorDetails(w, http.StatusBadRequest, "validation failed", details)
		return
	}

	contact := req.toModel()
	if err := s.deps.Store.Contacts.Create(r.Context(), contact); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			writeError(w, http.StatusConflict, "a contact with this phone number already exists")
			return
		}
		slog.Error("create contact: failed to write", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	contact.CreatedAt = time.Now().UTC()

	writeJSON(w, http.StatusCreated, toContactResponse(contact))
}

// handleGetContact returns one contact by ID.
func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	contact, err := s.deps.Store.Contacts.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "contact not found")
			return
		}
		slog.Error("get contact: failed to query", "error", err, "contact_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toContactResponse(contact))
}

// handleUpdateContact replaces a contact's mutable fields.
func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	var req contactRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.PhoneNumber = normalizePhone(req.PhoneNumber)
	if details := req.validate(); details != nil {
		writeErrorDetails(w, http.StatusBadRequest, "validation failed", details)
		return
	}

	existing, err := s.deps.Store.Contacts.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "contact not found")
			return
		}
		slog.Error("update contact: failed to query", "error", err, "contact_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated := req.toModel()
	updated.ID = existing.ID
	updated.CallCount = existing.CallCount
	updated.LastCallAt = existing.LastCallAt
	updated.CreatedAt = existing.CreatedAt

	if err := s.deps.Store.Contacts.Update(r.Context(), updated); err != nil {
		slog.Error("update contact: failed to write", "error", err, "contact_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toContactResponse(updated))
}

// handleDeleteContact removes a contact from the roster.
func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	if _, err := s.deps.Store.Contacts.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "contact not found")
			return
		}
		slog.Error("delete contact: failed to query", "error", err, "contact_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.deps.Store.Contacts.Delete(r.Context(), id); err != nil {
		slog.Error("delete contact: failed", "error", err, "contact_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

// phoneColumnSynonyms are the header names recognized as the phone column,
// matched after lowercasing and stripping spaces, underscores, and dashes.
var phoneColumnSynonyms = map[string]bool{
	"phone":         true,
	"phonenumber":   true,
	"mobile":        true,
	"telephone":     true,
	"contactnumber": true,
}

// normalizeHeader folds a CSV header cell for synonym matching.
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(h)
	return strings.TrimPrefix(h, "\uFEFF")
}

// csvColumns locates the phone/name/email columns in a CSV header row.
// Returns phoneIdx == -1 when no phone column is present.
func csvColumns(header []string) (phoneIdx, nameIdx, emailIdx int) {
	phoneIdx, nameIdx, emailIdx = -1, -1, -1
	for i, h := range header {
		switch n := normalizeHeader(h); {
		case phoneColumnSynonyms[n]:
			if phoneIdx == -1 {
				phoneIdx = i
			}
		case n == "name" || n == "fullname" || n == "contactname":
			if nameIdx == -1 {
				nameIdx = i
			}
		case n == "email" || n == "emailaddress":
			if emailIdx == -1 {
				emailIdx = i
			}
		}
	}
	return phoneIdx, nameIdx, emailIdx
}

// importResult summarizes a CSV import.
type importResult struct {
	Imported int     `json:"imported"`
	Skipped  int     `json:"skipped"`
	IDs      []int64 `json:"ids"`
}

// importContactsCSV reads contacts from CSV and upserts them by phone
// number. Rows without a recognizable phone are skipped, never fatal.
func (s *Server) importContactsCSV(r *http.Request, file io.Reader) (*importResult, string) {
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, "csv file is empty or unreadable"
	}
	phoneIdx, nameIdx, emailIdx := csvColumns(header)
	if phoneIdx == -1 {
		return nil, "csv has no recognizable phone column (phone, phonenumber, mobile, telephone, contactnumber)"
	}

	result := &importResult{IDs: []int64{}}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Skipped++
			continue
		}
		if phoneIdx >= len(row) {
			result.Skipped++
			continue
		}
		phone := normalizePhone(row[phoneIdx])
		if validatePhone("phone", phone) != "" {
			result.Skipped++
			continue
		}

		contact := &models.Contact{
			PhoneNumber: phone,
			Status:      models.ContactActive,
		}
		if nameIdx >= 0 && nameIdx < len(row) {
			contact.Name = strings.TrimSpace(row[nameIdx])
		}
		if emailIdx >= 0 && emailIdx < len(row) {
			contact.Email = strings.TrimSpace(row[emailIdx])
		}

		id, err := s.deps.Store.Contacts.UpsertByPhone(r.Context(), contact)
		if err != nil {
			slog.Error("contact import: upsert failed", "phone", phone, "error", err)
			result.Skipped++
			continue
		}
		result.Imported++
		result.IDs = append(result.IDs, id)
	}
	return result, ""
}

// handleImportContacts ingests a multipart CSV upload into the roster.
// Importing the same file twice is idempotent: contacts dedupe on phone.
func (s *Server) handleImportContacts(w http.ResponseWriter, r *http.Request) {
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

	result, errMsg := s.importContactsCSV(r, file)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	slog.Info("contacts imported", "imported", result.Imported, "skipped", result.Skipped)
	writeJSON(w, http.StatusOK, result)
}

// handleExportContacts streams the roster as CSV with the same filters as
// list. The column set round-trips through the importer.
func (s *Server) handleExportContacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.ContactListFilter{
		Status: q.Get("status"),
		Search: q.Get("search"),
		Limit:  10000,
	}

	contacts, _, err := s.deps.Store.Contacts.List(r.Context(), filter)
	if err != nil {
		slog.Error("export contacts: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=contacts.csv")

	cw := csv.NewWriter(w)
	cw.Write([]string{"Phone", "Name", "Email", "Status", "Priority", "Call Count", "Last Call At"})

	for _, c := range contacts {
		lastCall := ""
		if c.LastCallAt != nil {
			lastCall = c.LastCallAt.UTC().Format(time.RFC3339)
		}
		cw.Write([]string{
			c.PhoneNumber,
			c.Name,
			c.Email,
			c.Status,
			strconv.Itoa(c.Priority),
			strconv.Itoa(c.CallCount),
			lastCall,
		})
	}
	cw.Flush()
}
