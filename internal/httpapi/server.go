package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/refclip/refclip/internal/refclip"
)

type ServerConfig struct {
	MaxBodyBytes int64
}

// Server is the message-dispatch boundary between the extension and the
// core: one route per message type. Single-flight guarding of saves happens
// here (and in the outbox/auto-save paths), not inside the coordinator.
type Server struct {
	store       *refclip.Store
	registry    *refclip.InFlightRegistry
	coordinator *refclip.Coordinator
	outbox      *refclip.Outbox
	autosave    *refclip.AutoSaveManager
	reader      *refclip.ReadTracker
	directory   *refclip.ProjectDirectory
	hub         *Hub
	cfg         ServerConfig
	validator   *requestValidator
}

type ServerOptions struct {
	Store       *refclip.Store
	Registry    *refclip.InFlightRegistry
	Coordinator *refclip.Coordinator
	Outbox      *refclip.Outbox
	AutoSave    *refclip.AutoSaveManager
	Reader      *refclip.ReadTracker
	Directory   *refclip.ProjectDirectory
	Hub         *Hub
	Config      ServerConfig
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	return &Server{
		store:       opts.Store,
		registry:    opts.Registry,
		coordinator: opts.Coordinator,
		outbox:      opts.Outbox,
		autosave:    opts.AutoSave,
		reader:      opts.Reader,
		directory:   opts.Directory,
		hub:         opts.Hub,
		cfg:         cfg,
		validator:   newRequestValidator(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/events" && r.Method == http.MethodGet {
		if s.hub == nil {
			writeError(w, http.StatusNotFound, "not_found", "event stream disabled", getCorrelationID(r))
			return
		}
		s.hub.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	switch {
	case parts[1] == "pages" && len(parts) == 3 && parts[2] == "save" && r.Method == http.MethodPost:
		s.handleSavePage(w, r, correlationID)
	case parts[1] == "pages" && len(parts) == 2 && r.Method == http.MethodGet:
		s.handleListPages(w, r, correlationID)
	case parts[1] == "pages" && len(parts) == 3 && parts[2] == "status" && r.Method == http.MethodGet:
		s.handlePageStatus(w, r, correlationID)
	case parts[1] == "annotations" && len(parts) == 2 && r.Method == http.MethodPost:
		s.handleQueueAnnotation(w, r, correlationID)
	case parts[1] == "annotations" && len(parts) == 3 && parts[2] == "outbox" && r.Method == http.MethodGet:
		s.handleListOutbox(w, r, correlationID)
	case parts[1] == "annotations" && len(parts) == 4 && parts[3] == "retry" && r.Method == http.MethodPost:
		s.handleRetryAnnotation(w, r, parts[2], correlationID)
	case parts[1] == "annotations" && len(parts) == 3 && r.Method == http.MethodDelete:
		s.handleCancelAnnotation(w, r, parts[2], correlationID)
	case parts[1] == "tabs" && len(parts) == 4 && r.Method == http.MethodPost:
		s.handleTabAction(w, r, parts[2], parts[3], correlationID)
	case parts[1] == "tabs" && len(parts) == 4 && parts[3] == "pending-autosave" && r.Method == http.MethodGet:
		s.handleCheckPending(w, r, parts[2], correlationID)
	case parts[1] == "tabs" && len(parts) == 5 && parts[3] == "pending-autosave" && parts[4] == "cancel" && r.Method == http.MethodPost:
		s.handleCancelPending(w, r, parts[2], correlationID)
	case parts[1] == "snapshots" && len(parts) == 2 && r.Method == http.MethodGet:
		s.handleListSnapshots(w, r, correlationID)
	case parts[1] == "settings" && len(parts) == 2 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.GetSettings())
	case parts[1] == "settings" && len(parts) == 2 && r.Method == http.MethodPut:
		s.handlePutSettings(w, r, correlationID)
	case parts[1] == "projects" && len(parts) == 2 && r.Method == http.MethodGet:
		s.handleListProjects(w, r, correlationID)
	case parts[1] == "projects" && len(parts) == 3 && parts[2] == "resync" && r.Method == http.MethodPost:
		s.handleResyncProjects(w, r, correlationID)
	case parts[1] == "reading" && len(parts) == 3 && parts[2] == "range" && r.Method == http.MethodPost:
		s.handleReadingRange(w, r, correlationID)
	case parts[1] == "reading" && len(parts) == 2 && r.Method == http.MethodGet:
		s.handleReadingPercent(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type savePageRequest struct {
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	Projects     []string `json:"projects"`
	CapturedHTML string   `json:"capturedHtml"`
	TabID        int      `json:"tabId"`
	ArmAutoSave  bool     `json:"armAutoSave"`
}

func (s *Server) handleSavePage(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req savePageRequest
	if !s.decodeBody(w, r, schemaSavePage, &req, correlationID) {
		return
	}

	result, err := refclip.RunGuardedSave(r.Context(), s.registry, s.coordinator, refclip.SaveRequest{
		URL:             req.URL,
		Title:           req.Title,
		Projects:        req.Projects,
		PrecapturedHTML: req.CapturedHTML,
		TabID:           req.TabID,
	})
	if err != nil {
		status := http.StatusBadGateway
		code := "save_failed"
		if errors.Is(err, refclip.ErrProjectNotFound) {
			status = http.StatusUnprocessableEntity
			code = "project_not_found"
		} else if errors.Is(err, refclip.ErrInvalidInput) {
			status = http.StatusBadRequest
			code = "bad_request"
		}
		writeErrorWithDetail(w, status, code, err.Error(), correlationID, result)
		return
	}

	if req.ArmAutoSave && req.TabID > 0 {
		if succeeded := result.Succeeded(); len(succeeded) > 0 {
			_ = s.autosave.ArmTab(req.TabID, succeeded[0].ItemKey, result.URL)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListPages(w http.ResponseWriter, r *http.Request, correlationID string) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing url parameter", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pages": s.store.PagesForURL(refclip.NormalizeURL(url)),
	})
}

func (s *Server) handlePageStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing url parameter", correlationID)
		return
	}
	normalized := refclip.NormalizeURL(url)
	writeJSON(w, http.StatusOK, map[string]any{
		"url":        normalized,
		"inProgress": s.registry.InProgress(normalized),
		"saved":      len(s.store.PagesForURL(normalized)) > 0,
	})
}

type queueAnnotationRequest struct {
	URL       string                   `json:"url"`
	Title     string                   `json:"title"`
	Highlight refclip.HighlightPayload `json:"highlight"`
}

func (s *Server) handleQueueAnnotation(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req queueAnnotationRequest
	if !s.decodeBody(w, r, schemaQueueAnnotation, &req, correlationID) {
		return
	}
	outcome, err := s.outbox.QueueAnnotation(r.Context(), req.URL, req.Title, req.Highlight)
	if err != nil {
		if errors.Is(err, refclip.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusBadGateway, "annotation_failed", err.Error(), correlationID)
		return
	}
	status := http.StatusOK
	if outcome.Queued != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, outcome)
}

func (s *Server) handleListOutbox(w http.ResponseWriter, r *http.Request, correlationID string) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing url parameter", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"annotations": s.store.OutboxForURL(refclip.NormalizeURL(url)),
	})
}

func (s *Server) handleRetryAnnotation(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	err := s.outbox.Retry(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying", "id": id})
	case errors.Is(err, refclip.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "outbox annotation not found", correlationID)
	case errors.Is(err, refclip.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
	}
}

func (s *Server) handleCancelAnnotation(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	err := s.outbox.Cancel(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "id": id})
	case errors.Is(err, refclip.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "outbox annotation not found", correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
	}
}

type linkClickedRequest struct {
	TargetURL string `json:"targetUrl"`
}

type navigatedRequest struct {
	URL string `json:"url"`
}

type autoSaveRequest struct {
	URL          string `json:"url"`
	Title        string `json:"title"`
	CapturedHTML string `json:"capturedHtml"`
}

func (s *Server) handleTabAction(w http.ResponseWriter, r *http.Request, rawTabID, action, correlationID string) {
	tabID, err := strconv.Atoi(rawTabID)
	if err != nil || tabID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid tab id", correlationID)
		return
	}
	switch action {
	case "link-clicked":
		var req linkClickedRequest
		if !s.decodeBody(w, r, schemaLinkClicked, &req, correlationID) {
			return
		}
		if err := s.autosave.LinkClicked(r.Context(), tabID, req.TargetURL); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "navigated":
		var req navigatedRequest
		if !s.decodeBody(w, r, schemaNavigated, &req, correlationID) {
			return
		}
		if err := s.autosave.TabNavigationCompleted(r.Context(), tabID, req.URL); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "autosave":
		var req autoSaveRequest
		if !s.decodeBody(w, r, schemaAutoSave, &req, correlationID) {
			return
		}
		result, err := s.autosave.ExecuteAutoSave(r.Context(), tabID, req.URL, req.Title, req.CapturedHTML)
		if err != nil {
			writeErrorWithDetail(w, http.StatusBadGateway, "save_failed", err.Error(), correlationID, result)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "focus":
		var req navigatedRequest
		if !s.decodeBody(w, r, schemaNavigated, &req, correlationID) {
			return
		}
		if err := s.reader.StartFocus(tabID, req.URL); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "blur":
		s.reader.EndFocus(tabID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "closed":
		s.reader.EndFocus(tabID)
		if err := s.autosave.DisarmTab(tabID); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleCheckPending(w http.ResponseWriter, r *http.Request, rawTabID, correlationID string) {
	tabID, err := strconv.Atoi(rawTabID)
	if err != nil || tabID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid tab id", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.autosave.CheckPendingAutoSave(tabID))
}

func (s *Server) handleCancelPending(w http.ResponseWriter, r *http.Request, rawTabID, correlationID string) {
	tabID, err := strconv.Atoi(rawTabID)
	if err != nil || tabID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid tab id", correlationID)
		return
	}
	if err := s.autosave.CancelPendingAutoSave(tabID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request, correlationID string) {
	itemKey := r.URL.Query().Get("itemKey")
	backend := refclip.BackendID(r.URL.Query().Get("backend"))
	if itemKey == "" || !backend.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "itemKey and a valid backend are required", correlationID)
		return
	}
	client, ok := s.coordinator.Client(backend)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "backend not configured", correlationID)
		return
	}
	snapshots, err := client.ListChildSnapshots(r.Context(), itemKey)
	if err != nil {
		writeError(w, http.StatusBadGateway, "list_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request, correlationID string) {
	var settings refclip.Settings
	if !s.decodeBody(w, r, schemaSettings, &settings, correlationID) {
		return
	}
	if err := s.store.PutSettings(settings); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request, correlationID string) {
	backend := refclip.BackendID(r.URL.Query().Get("backend"))
	if backend != "" && !backend.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown backend", correlationID)
		return
	}
	var projects []refclip.Project
	if backend != "" {
		projects = s.store.ProjectsForBackend(backend)
	} else {
		projects = append(s.store.ProjectsForBackend(refclip.BackendZotero), s.store.ProjectsForBackend(refclip.BackendAtlos)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleResyncProjects(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.directory.Resync(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "resync_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readingRangeRequest struct {
	URL       string `json:"url"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	DocLength int    `json:"docLength"`
}

func (s *Server) handleReadingRange(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req readingRangeRequest
	if !s.decodeBody(w, r, schemaReadingRange, &req, correlationID) {
		return
	}
	percent, err := s.reader.RecordRange(req.URL, req.Start, req.End, req.DocLength)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"percent": percent})
}

func (s *Server) handleReadingPercent(w http.ResponseWriter, r *http.Request, correlationID string) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing url parameter", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"percent":       s.reader.Percent(url),
		"activeSeconds": s.reader.ActiveSeconds(url),
	})
}

// decodeBody reads, schema-validates, and unmarshals a request body.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, schemaName string, target any, correlationID string) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", correlationID)
		return false
	}
	if err := s.validator.validate(schemaName, body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), correlationID)
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), correlationID)
		return false
	}
	return true
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
	Detail        any    `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, errorBody{Code: code, Message: message, CorrelationID: correlationID})
}

// writeErrorWithDetail carries a partial save result alongside the error so
// the UI can show which targets did succeed.
func writeErrorWithDetail(w http.ResponseWriter, status int, code, message, correlationID string, detail any) {
	writeJSON(w, status, errorBody{Code: code, Message: message, CorrelationID: correlationID, Detail: detail})
}
