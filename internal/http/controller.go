package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/auth"
	httpmiddleware "github.com/MarkerViktor/access-acontrol-system.main-node/internal/http/middleware"
)

// RoomLogin exchanges a room's permanent login token for a fresh temporary
// token, invalidating the previous one.
func (h *Handler) RoomLogin(w http.ResponseWriter, r *http.Request) {
	loginToken := strings.TrimSpace(r.Header.Get("Login-Token"))
	if loginToken == "" {
		WriteError(w, http.StatusUnauthorized, "AUTH", "missing login token", nil)
		return
	}

	grant, err := h.auth.LoginRoom(r.Context(), loginToken)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			WriteError(w, http.StatusUnauthorized, "AUTH", "invalid login token", nil)
			return
		}
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, grant)
}

type checkAccessPayload struct {
	Features []float64 `json:"features"`
}

// CheckAccess resolves a captured face descriptor for the calling room.
func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	identity, _ := httpmiddleware.GetIdentity(r.Context())

	var payload checkAccessPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON", nil)
		return
	}

	result, err := h.access.CheckAccess(r.Context(), identity.ID, payload.Features)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// NextTask hands the oldest pending task to the calling room. An empty
// queue yields a null task, not an error.
func (h *Handler) NextTask(w http.ResponseWriter, r *http.Request) {
	identity, _ := httpmiddleware.GetIdentity(r.Context())

	next, err := h.tasks.PollNext(r.Context(), identity.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"task": next})
}

type reportTaskPayload struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// ReportTask records the room controller's outcome for a dispatched task.
func (h *Handler) ReportTask(w http.ResponseWriter, r *http.Request) {
	identity, _ := httpmiddleware.GetIdentity(r.Context())

	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid task id", nil)
		return
	}

	var payload reportTaskPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON", nil)
		return
	}

	if err := h.tasks.Acknowledge(r.Context(), identity.ID, taskID, payload.Success, payload.Reason); err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]bool{"recorded": true})
}

type reportVisitPayload struct {
	UserID    uuid.UUID  `json:"user_id"`
	VisitedAt *time.Time `json:"visited_at,omitempty"`
}

// ReportVisit appends a visit observed directly by the room controller,
// for entries resolved locally (e.g. a cached decision during an outage).
func (h *Handler) ReportVisit(w http.ResponseWriter, r *http.Request) {
	identity, _ := httpmiddleware.GetIdentity(r.Context())

	var payload reportVisitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON", nil)
		return
	}
	if payload.UserID == uuid.Nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "user_id is required", nil)
		return
	}

	at := time.Now()
	if payload.VisitedAt != nil {
		at = *payload.VisitedAt
	}

	visit, err := h.access.RecordVisit(r.Context(), identity.ID, payload.UserID, at)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, visit)
}
