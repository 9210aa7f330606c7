package worker

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/taleweaver/taleweaver/internal/story"
	"github.com/taleweaver/taleweaver/pkg/models"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn().Err(err).Msg("Response encode failed")
	}
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	code := story.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case story.CodeValidation:
		status = http.StatusBadRequest
	case story.CodeSessionNotFound:
		status = http.StatusNotFound
	case story.CodeGeneration, story.CodeParse:
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: err.Error()}})
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code:    story.CodeValidation,
			Message: "invalid JSON body",
		}})
		return false
	}
	return true
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if err := s.store.Ping(); err != nil || !s.ready.Load() {
		status = "unavailable"
		httpStatus = http.StatusServiceUnavailable
	}
	s.writeJSON(w, httpStatus, map[string]any{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"sse_clients":    s.broadcaster.ClientCount(),
	})
}

type startPayload struct {
	UserID                 string `json:"user_id"`
	ProtagonistName        string `json:"protagonist_name"`
	ProtagonistDescription string `json:"protagonist_description"`
	Theme                  string `json:"theme"`
}

// handleStart creates a session and kicks off the opening scene. The client
// polls the status endpoint (or listens on /api/events) for the result.
func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	var p startPayload
	if !s.decode(w, r, &p) {
		return
	}

	id, err := s.engine.StartAdventure(r.Context(), story.StartRequest{
		UserID:                 p.UserID,
		ProtagonistName:        p.ProtagonistName,
		ProtagonistDescription: p.ProtagonistDescription,
		Theme:                  p.Theme,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"status":     models.StatusGenerating,
	})
}

type turnPayload struct {
	SessionID string `json:"session_id"`
	Choice    string `json:"choice"`
}

// handleTurn advances the story synchronously and returns the new step.
func (s *Service) handleTurn(w http.ResponseWriter, r *http.Request) {
	var p turnPayload
	if !s.decode(w, r, &p) {
		return
	}

	step, err := s.engine.ProcessTurn(r.Context(), p.SessionID, p.Choice)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, step)
}

// handleTurnAsync accepts the turn and returns immediately; the client polls
// the status endpoint.
func (s *Service) handleTurnAsync(w http.ResponseWriter, r *http.Request) {
	var p turnPayload
	if !s.decode(w, r, &p) {
		return
	}

	if err := s.engine.ProcessTurnAsync(r.Context(), p.SessionID, p.Choice); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": p.SessionID,
		"status":     models.StatusGenerating,
	})
}

// handleStatus answers the generation poll. Answers are cached briefly;
// status transitions invalidate the cache immediately.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if cached, ok := s.statusCache.Get(sessionID); ok {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	res, err := s.engine.Status(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.statusCache.SetDefault(sessionID, res)
	s.writeJSON(w, http.StatusOK, res)
}

// handleSession returns the full session document.
func (s *Service) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

// handleImageStatus answers the illustration poll for one round.
func (s *Service) handleImageStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	round, err := strconv.Atoi(chi.URLParam(r, "round"))
	if err != nil || round < 1 {
		s.writeError(w, &story.ValidationError{Field: "round", Reason: "must be a positive integer"})
		return
	}

	res, err := s.engine.ImageStatus(r.Context(), sessionID, round)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.Status == models.ImageGenerating && res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleUserSessions lists the user's recent adventures, newest first.
func (s *Service) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 50 {
			s.writeError(w, &story.ValidationError{Field: "limit", Reason: "must be between 1 and 50"})
			return
		}
		limit = n
	}

	sessions, err := s.engine.ListUserSessions(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []models.SessionSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
