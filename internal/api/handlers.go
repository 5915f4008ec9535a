package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/spf13/cast"

	"github.com/BTreeMap/BotPipe/internal/models"
)

// SessionView is the result of session inspection.
type SessionView struct {
	Session    *models.Session          `json:"session"`
	Breadcrumb []string                 `json:"breadcrumb"`
	Transcript []models.TranscriptEntry `json:"transcript"`
}

func (s *Server) interceptHandler(w http.ResponseWriter, r *http.Request) {
	var req models.InterceptRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		slog.Warn("Server.interceptHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.interceptHandler: validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := s.engine.Intercept(r.Context(), req)
	slog.Debug("Server.interceptHandler: intercept done", "tenant", req.TenantID, "intercepted", resp.Intercepted, "new_state", resp.NewState)
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := r.PathValue("tenant"), r.PathValue("user")

	limit := DefaultTranscriptLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := cast.ToIntE(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	sess, err := s.repo.GetSession(r.Context(), tenantID, userID)
	if err != nil {
		slog.Error("Server.sessionHandler: failed to load session", "error", err, "tenant", tenantID, "user", userID)
		writeError(w, http.StatusInternalServerError, "Failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, models.ErrSessionNotFound.Error())
		return
	}

	view := SessionView{Session: sess, Breadcrumb: []string{}, Transcript: []models.TranscriptEntry{}}
	crumbs, err := s.engine.Menus().Breadcrumb(r.Context(), tenantID, sess.State)
	if err != nil {
		slog.Error("Server.sessionHandler: failed to build breadcrumb", "error", err, "tenant", tenantID, "state", sess.State)
		writeError(w, http.StatusInternalServerError, "Failed to load menus")
		return
	}
	if crumbs != nil {
		view.Breadcrumb = crumbs
	}
	if limit > 0 {
		entries, err := s.repo.ListTranscript(r.Context(), tenantID, userID, limit)
		if err != nil {
			slog.Error("Server.sessionHandler: failed to load transcript", "error", err, "tenant", tenantID, "user", userID)
			writeError(w, http.StatusInternalServerError, "Failed to load transcript")
			return
		}
		if entries != nil {
			view.Transcript = entries
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) resetSessionHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := r.PathValue("tenant"), r.PathValue("user")
	if err := s.engine.Sessions().Reset(r.Context(), tenantID, userID, s.now()); err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		slog.Error("Server.resetSessionHandler: reset failed", "error", err, "tenant", tenantID, "user", userID)
		writeError(w, http.StatusInternalServerError, "Failed to reset session")
		return
	}
	slog.Info("Server.resetSessionHandler: session reset", "tenant", tenantID, "user", userID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}
