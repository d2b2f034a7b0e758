package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/StudyPipe/internal/flow"
	"github.com/BTreeMap/StudyPipe/internal/models"
)

func participantID(r *http.Request) string {
	return r.Header.Get(ParticipantHeader)
}

// startSessionResponse is the payload of a successful start.
type startSessionResponse struct {
	SessionID    string               `json:"sessionId"`
	Status       models.SessionStatus `json:"status"`
	CurrentBlock *models.BlockDef     `json:"currentBlock,omitempty"`
}

func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	studyID := r.PathValue("studyID")
	session, created, err := s.manager.Start(r.Context(), participantID(r), studyID)
	if err != nil {
		writeError(w, "Server.startSessionHandler", err)
		return
	}
	view, err := s.manager.View(r.Context(), session)
	if err != nil {
		writeError(w, "Server.startSessionHandler", err)
		return
	}
	body := startSessionResponse{SessionID: session.ID, Status: session.Status, CurrentBlock: view.CurrentBlock}
	if created {
		writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session started", body))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session already open", body))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.manager.Get(r.Context(), participantID(r), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, "Server.getSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) submitResponseHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	// Authenticate before reading the body.
	pid := participantID(r)
	if pid == "" {
		writeError(w, "Server.submitResponseHandler", flow.ErrAuthentication)
		return
	}

	var sub flow.Submission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&sub); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("Server.submitResponseHandler: body too large", "limit", tooLarge.Limit)
			writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.ErrorWithCode("body_too_large", "Request body too large"))
			return
		}
		slog.Warn("Server.submitResponseHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorWithCode("invalid_json", "Invalid JSON format"))
		return
	}
	if sub.BlockID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorWithCode("invalid_request", "blockId is required"))
		return
	}

	res, err := s.manager.SubmitResponse(r.Context(), pid, r.PathValue("sessionID"), sub)
	if err != nil {
		writeError(w, "Server.submitResponseHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) pauseSessionHandler(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.Pause(r.Context(), participantID(r), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, "Server.pauseSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session paused", session))
}

func (s *Server) resumeSessionHandler(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.Resume(r.Context(), participantID(r), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, "Server.resumeSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session resumed", session))
}

// requireAdmin rejects requests without the configured operator token.
func (s *Server) requireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(AdminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			slog.Warn("Server.requireAdmin: rejected admin request", "path", r.URL.Path, "tokenPresent", token != "")
			writeJSONResponse(w, http.StatusUnauthorized, models.ErrorWithCode("unauthorized", "Admin token required"))
			return
		}
		h(w, r)
	}
}

func (s *Server) abandonSessionHandler(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.Abandon(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		writeError(w, "Server.abandonSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session abandoned", session))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"state": "serving"}))
}
