package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/access"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/task"
)

const (
	defaultVisitLimit = 500
	maxVisitLimit     = 5000
)

func urlUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

type userPayload struct {
	Name    string `json:"name"`
	Surname string `json:"surname"`
	Note    string `json:"note"`
}

func (p userPayload) input() (access.CreateUserInput, bool) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return access.CreateUserInput{}, false
	}
	return access.CreateUserInput{
		Name:    name,
		Surname: strings.TrimSpace(p.Surname),
		Note:    strings.TrimSpace(p.Note),
	}, true
}

// ListUsers returns every registered user.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.access.ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"users": users})
}

// CreateUser registers a new user.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var payload userPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON", nil)
		return
	}
	input, ok := payload.input()
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "name is required", nil)
		return
	}

	user, err := h.access.CreateUser(r.Context(), input)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, user)
}

// GetUser loads one user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid user id", nil)
		return
	}

	user, err := h.access.GetUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, user)
}

// UpdateUser replaces the user's identity fields.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid user id", nil)
		return
	}

	var payload userPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON", nil)
		return
	}
	input, ok := payload.input()
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "name is required", nil)
		return
	}

	user, err := h.access.UpdateUser(r.Context(), id, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, user)
}

// DeleteUser removes a user together with their descriptors.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid user id", nil)
		return
	}
	if err := h.access.DeleteUser(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type descriptorPayload struct {
	Features []float64 `json:"features"`
}

// EnrollDescriptor stores a face descriptor for the user.
func (h *Handler) EnrollDescriptor(w http.ResponseWriter, r *http.Request) {
	userID, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid user id", nil)
		return
	}

	var payload descriptorPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON", nil)
		return
	}

	descriptorID, err := h.access.EnrollDescriptor(r.Context(), userID, payload.Features)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"descriptor_id": descriptorID})
}

// RemoveDescriptor deletes one descriptor.
func (h *Handler) RemoveDescriptor(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid descriptor id", nil)
		return
	}
	if err := h.access.RemoveDescriptor(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// RemoveUserDescriptors deletes all of a user's descriptors.
func (h *Handler) RemoveUserDescriptors(w http.ResponseWriter, r *http.Request) {
	userID, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid user id", nil)
		return
	}
	if err := h.access.RemoveUserDescriptors(r.Context(), userID); err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type accessPermissionPayload struct {
	UserID    uuid.UUID  `json:"user_id"`
	RoomID    uuid.UUID  `json:"room_id"`
	AsManager *uuid.UUID `json:"as_manager,omitempty"`
}

func (p accessPermissionPayload) actor() access.Actor {
	if p.AsManager != nil {
		return access.ManagerActor(*p.AsManager)
	}
	return access.AdminActor()
}

// GrantAccess gives a user standing access to a room. When as_manager is
// set, the change is authorized with that manager's delegation instead of
// full admin authority.
func (h *Handler) GrantAccess(w http.ResponseWriter, r *http.Request) {
	var payload accessPermissionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON", nil)
		return
	}
	if payload.UserID == uuid.Nil || payload.RoomID == uuid.Nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "user_id and room_id are required", nil)
		return
	}

	if err := h.access.GrantAccess(r.Context(), payload.actor(), payload.UserID, payload.RoomID); err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"granted": true})
}

// RevokeAccess withdraws a user's standing access to a room.
func (h *Handler) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	var payload accessPermissionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON", nil)
		return
	}
	if payload.UserID == uuid.Nil || payload.RoomID == uuid.Nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "user_id and room_id are required", nil)
		return
	}

	if err := h.access.RevokeAccess(r.Context(), payload.actor(), payload.UserID, payload.RoomID); err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

type controlPermissionPayload struct {
	ManagerID uuid.UUID `json:"manager_id"`
	RoomID    uuid.UUID `json:"room_id"`
}

// GrantControl delegates a room to a manager.
func (h *Handler) GrantControl(w http.ResponseWriter, r *http.Request) {
	var payload controlPermissionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON", nil)
		return
	}
	if payload.ManagerID == uuid.Nil || payload.RoomID == uuid.Nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "manager_id and room_id are required", nil)
		return
	}

	if err := h.access.GrantControl(r.Context(), access.AdminActor(), payload.ManagerID, payload.RoomID); err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"granted": true})
}

// RevokeControl withdraws a manager's delegation.
func (h *Handler) RevokeControl(w http.ResponseWriter, r *http.Request) {
	var payload controlPermissionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON", nil)
		return
	}
	if payload.ManagerID == uuid.Nil || payload.RoomID == uuid.Nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "manager_id and room_id are required", nil)
		return
	}

	if err := h.access.RevokeControl(r.Context(), access.AdminActor(), payload.ManagerID, payload.RoomID); err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// ResolveAccess answers whether a user currently holds access to a room.
func (h *Handler) ResolveAccess(w http.ResponseWriter, r *http.Request) {
	userID, errUser := uuid.Parse(r.URL.Query().Get("user_id"))
	roomID, errRoom := uuid.Parse(r.URL.Query().Get("room_id"))
	if errUser != nil || errRoom != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "user_id and room_id are required", nil)
		return
	}

	allowed, err := h.access.Resolve(r.Context(), userID, roomID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

// GetRoom loads one room.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid room id", nil)
		return
	}

	room, err := h.access.GetRoom(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, room)
}

// AccessedUsers lists the users allowed into a room.
func (h *Handler) AccessedUsers(w http.ResponseWriter, r *http.Request) {
	roomID, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid room id", nil)
		return
	}

	users, err := h.access.AccessedUsers(r.Context(), roomID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"users": users})
}

// ControlledRooms lists the rooms delegated to a manager.
func (h *Handler) ControlledRooms(w http.ResponseWriter, r *http.Request) {
	managerID, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid manager id", nil)
		return
	}

	rooms, err := h.access.ControlledRooms(r.Context(), managerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

// ListRoomTasks returns the recent tasks of a room, newest first.
func (h *Handler) ListRoomTasks(w http.ResponseWriter, r *http.Request) {
	roomID, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid room id", nil)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid limit", nil)
			return
		}
		limit = parsed
	}

	tasks, err := h.tasks.ListByRoom(r.Context(), roomID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type createTaskPayload struct {
	Type task.Type       `json:"type"`
	Args json.RawMessage `json:"args,omitempty"`
}

// CreateRoomTask queues an ad-hoc task for a room controller.
func (h *Handler) CreateRoomTask(w http.ResponseWriter, r *http.Request) {
	roomID, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid room id", nil)
		return
	}

	var payload createTaskPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid JSON", nil)
		return
	}

	created, err := h.tasks.Create(r.Context(), roomID, payload.Type, payload.Args)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

// GetTask loads one task by id.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid task id", nil)
		return
	}

	found, err := h.tasks.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, found)
}

// ListVisits returns visit records matching the query, oldest first.
func (h *Handler) ListVisits(w http.ResponseWriter, r *http.Request) {
	filter, limit, err := visitQuery(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return
	}

	visits := make([]access.VisitReport, 0, 64)
	for visit, iterErr := range h.access.Visits(r.Context(), filter) {
		if iterErr != nil {
			writeServiceError(w, iterErr)
			return
		}
		visits = append(visits, visit)
		if len(visits) == limit {
			break
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{"visits": visits})
}

func visitQuery(r *http.Request) (access.VisitFilter, int, error) {
	var filter access.VisitFilter
	q := r.URL.Query()

	if raw := q.Get("room_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, 0, errInvalidQuery("room_id")
		}
		filter.RoomID = &id
	}
	if raw := q.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, 0, errInvalidQuery("user_id")
		}
		filter.UserID = &id
	}
	if raw := q.Get("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, errInvalidQuery("from")
		}
		filter.From = &ts
	}
	if raw := q.Get("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, errInvalidQuery("to")
		}
		filter.To = &ts
	}

	limit := defaultVisitLimit
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return filter, 0, errInvalidQuery("limit")
		}
		limit = min(parsed, maxVisitLimit)
	}

	return filter, limit, nil
}

type queryError string

func (e queryError) Error() string { return "invalid " + string(e) }

func errInvalidQuery(field string) error { return queryError(field) }

// RotateRoomLoginToken issues a fresh permanent login token for a room,
// invalidating the previous one. The raw token appears only in this
// response.
func (h *Handler) RotateRoomLoginToken(w http.ResponseWriter, r *http.Request) {
	roomID, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid room id", nil)
		return
	}

	raw, err := h.auth.RotateRoomLoginToken(r.Context(), roomID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"login_token": raw})
}

// RevokeRoomTokens invalidates both the login token and any live temporary
// token of a room.
func (h *Handler) RevokeRoomTokens(w http.ResponseWriter, r *http.Request) {
	roomID, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid room id", nil)
		return
	}
	if err := h.auth.RevokeRoomTokens(r.Context(), roomID); err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// RotateAdminToken issues a fresh token for an admin, invalidating the
// previous one.
func (h *Handler) RotateAdminToken(w http.ResponseWriter, r *http.Request) {
	adminID, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid admin id", nil)
		return
	}

	raw, err := h.auth.RotateAdminToken(r.Context(), adminID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"token": raw})
}

// RevokeAdminToken invalidates an admin's token.
func (h *Handler) RevokeAdminToken(w http.ResponseWriter, r *http.Request) {
	adminID, ok := urlUUID(r, "id")
	if !ok {
		WriteError(w, http.StatusBadRequest, "VALIDATION", "invalid admin id", nil)
		return
	}
	if err := h.auth.RevokeAdminToken(r.Context(), adminID); err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}
