package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crmbridge/crmbridge/internal/crmsync"
)

type ServerConfig struct {
	WebhookSecret  string
	WebhookMaxSkew time.Duration
	MaxBodyBytes   int64
}

type Server struct {
	engine *crmsync.Engine
	store  *crmsync.Store
	cfg    ServerConfig
}

func NewServer(engine *crmsync.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *crmsync.Engine, cfg ServerConfig) *Server {
	if cfg.WebhookMaxSkew <= 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		engine: engine,
		store:  engine.Store(),
		cfg:    cfg,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if (r.URL.Path == "/" || r.URL.Path == "/dashboard") && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/api/webhooks/hubspot" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}
	if r.URL.Path == "/api/events" && r.Method == http.MethodGet {
		s.handleEvents(w, r)
		return
	}
	if r.URL.Path == "/api/sync/logs" && r.Method == http.MethodGet {
		s.handleSyncLogs(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	switch parts[1] {
	case "contacts":
		s.routeContacts(w, r, parts)
	case "companies":
		s.routeCompanies(w, r, parts)
	case "conflicts":
		s.routeConflicts(w, r, parts)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) routeContacts(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.ListPersons())
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.handleCreateContact(w, r)
	case len(parts) == 3 && r.Method == http.MethodGet:
		s.handleGetContact(w, parts[2])
	case len(parts) == 3 && r.Method == http.MethodPut:
		s.handleUpdateContact(w, r, parts[2])
	case len(parts) == 3 && r.Method == http.MethodDelete:
		s.handleDeleteContact(w, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) routeCompanies(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.ListOrganizations())
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.handleCreateCompany(w, r)
	case len(parts) == 3 && r.Method == http.MethodGet:
		s.handleGetCompany(w, parts[2])
	case len(parts) == 3 && r.Method == http.MethodPut:
		s.handleUpdateCompany(w, r, parts[2])
	case len(parts) == 3 && r.Method == http.MethodDelete:
		s.handleDeleteCompany(w, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) routeConflicts(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.handleListConflicts(w, r)
	case len(parts) == 3 && r.Method == http.MethodGet:
		s.handleGetConflict(w, parts[2])
	case len(parts) == 4 && parts[3] == "resolve" && r.Method == http.MethodPost:
		s.handleResolveConflict(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req crmsync.Person
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	// Sync ownership of the external link is not negotiable over the API.
	req.ExternalID = ""
	created, err := s.store.CreatePerson(req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.scheduleOutbound(crmsync.EntityKindPerson, created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetContact(w http.ResponseWriter, id string) {
	person, err := s.store.GetPerson(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, person)
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request, id string) {
	existing, err := s.store.GetPerson(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// Decode over the current state so absent fields keep their values.
	updated := existing
	if !s.decodeJSONBody(w, r, &updated) {
		return
	}
	updated.ExternalID = existing.ExternalID
	result, err := s.store.UpdatePerson(id, updated)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.scheduleOutbound(crmsync.EntityKindPerson, result.ID)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, id string) {
	deleted, err := s.store.DeletePerson(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.recordLocalDelete(crmsync.EntityKindPerson, deleted.ID, deleted.ExternalID)
	writeJSON(w, http.StatusOK, deleted)
}

func (s *Server) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	var req crmsync.Organization
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	req.ExternalID = ""
	created, err := s.store.CreateOrganization(req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.scheduleOutbound(crmsync.EntityKindOrganization, created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetCompany(w http.ResponseWriter, id string) {
	org, err := s.store.GetOrganization(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (s *Server) handleUpdateCompany(w http.ResponseWriter, r *http.Request, id string) {
	existing, err := s.store.GetOrganization(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	updated := existing
	if !s.decodeJSONBody(w, r, &updated) {
		return
	}
	updated.ExternalID = existing.ExternalID
	result, err := s.store.UpdateOrganization(id, updated)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.scheduleOutbound(crmsync.EntityKindOrganization, result.ID)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteCompany(w http.ResponseWriter, id string) {
	deleted, err := s.store.DeleteOrganization(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.recordLocalDelete(crmsync.EntityKindOrganization, deleted.ID, deleted.ExternalID)
	writeJSON(w, http.StatusOK, deleted)
}

// scheduleOutbound fires the sync after the local write committed. A full
// queue never fails the API call; the engine records the dropped trigger as a
// FAILED sync log entry instead.
func (s *Server) scheduleOutbound(kind crmsync.EntityKind, entityID string) {
	if kind == crmsync.EntityKindOrganization {
		_ = s.engine.SyncOrganizationOutbound(entityID)
		return
	}
	_ = s.engine.SyncPersonOutbound(entityID)
}

// recordLocalDelete writes the audit entry for a delete. Deletes are not
// propagated to the external CRM; the remote record is left in place.
func (s *Server) recordLocalDelete(kind crmsync.EntityKind, entityID, externalID string) {
	_, _ = s.store.AppendSyncLog(crmsync.SyncLogEntry{
		EntityKind: kind,
		EntityID:   entityID,
		ExternalID: externalID,
		Action:     crmsync.SyncActionDelete,
		Status:     crmsync.SyncStatusSuccess,
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if authErr := verifyWebhookSignature(
		s.cfg.WebhookSecret,
		r.Method,
		r.URL.Path,
		body,
		r.Header.Get("X-Timestamp"),
		r.Header.Get("X-Signature"),
		time.Now().UTC(),
		s.cfg.WebhookMaxSkew,
	); authErr != nil {
		s.engine.RecordRejectedDelivery(authErr.message)
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	delivery, err := crmsync.ParseWebhookDelivery(body)
	if err != nil {
		s.engine.RecordRejectedDelivery(err.Error())
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	entry, err := s.engine.AcceptDelivery(delivery)
	if err != nil {
		if errors.Is(err, crmsync.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", "inbound sync queue is full")
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "accepted",
		"syncLogId": entry.ID,
	})
}

func (s *Server) handleSyncLogs(w http.ResponseWriter, r *http.Request) {
	filter := crmsync.SyncLogFilter{
		EntityKind: crmsync.EntityKind(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("entity")))),
		Status:     crmsync.SyncStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))),
		Limit:      parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000),
	}
	writeJSON(w, http.StatusOK, s.store.ListSyncLogs(filter))
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := true
	if raw := strings.TrimSpace(r.URL.Query().Get("resolved")); raw != "" {
		unresolvedOnly = raw != "true" && raw != "1"
	}
	filter := crmsync.ConflictFilter{
		EntityKind:     crmsync.EntityKind(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("entity")))),
		UnresolvedOnly: unresolvedOnly,
		Limit:          parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000),
	}
	writeJSON(w, http.StatusOK, s.store.ListConflicts(filter))
}

func (s *Server) handleGetConflict(w http.ResponseWriter, id string) {
	conflict, err := s.store.GetConflict(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Strategy   string            `json:"strategy"`
		MergedData map[string]string `json:"mergedData,omitempty"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	strategy := crmsync.ResolutionStrategy(strings.ToUpper(strings.TrimSpace(req.Strategy)))
	resolved, err := s.engine.ResolveConflict(id, strategy, req.MergedData)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crmsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, crmsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, crmsync.ErrDuplicate):
		writeError(w, http.StatusConflict, "duplicate", err.Error())
	case errors.Is(err, crmsync.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, crmsync.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if parsed < min {
		return min
	}
	if parsed > max {
		return max
	}
	return parsed
}
