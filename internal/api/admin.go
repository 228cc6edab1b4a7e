package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"parley/internal/auth"
	"parley/internal/models"
)

type SessionRegistry interface {
	Register(req auth.SessionRequest) (auth.SessionResponse, error)
	Revoke(token string) (string, error)
	RevokeProfile(profileID string) int
}

type GroupStore interface {
	CreateGroup(name string, members []string) (models.Group, error)
	AddMember(groupID, profileID string) (models.Group, error)
	RemoveMember(groupID, profileID string) (models.Group, error)
}

// Disconnector closes the live connections of a profile.
type Disconnector interface {
	Disconnect(profileID string) int
}

type AdminHandler struct {
	sessions SessionRegistry
	groups   GroupStore
	hub      Disconnector
}

func NewAdminHandler(sessions SessionRegistry, groups GroupStore, hub Disconnector) *AdminHandler {
	return &AdminHandler{sessions: sessions, groups: groups, hub: hub}
}

func (h *AdminHandler) AddSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.sessions.Register(req)
	if err != nil {
		writeJSON(w, models.HTTPStatus(err), auth.SessionResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to register session: %v", err),
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteSessionHandler revokes either a single token (?token=) or every token of a
// profile (?profileId=) and drops the profile's live connections.
func (h *AdminHandler) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		profileID = q.Get("profileId")
		revoked   int
	)

	switch token := q.Get("token"); {
	case token != "":
		var err error
		profileID, err = h.sessions.Revoke(token)
		if err != nil {
			writeError(w, err)
			return
		}
		revoked = 1
	case profileID != "":
		revoked = h.sessions.RevokeProfile(profileID)
	default:
		http.Error(w, "token or profileId is required", http.StatusBadRequest)
		return
	}

	disconnected := h.hub.Disconnect(profileID)
	slog.Info("sessions revoked", "profile_id", profileID, "tokens", revoked, "connections", disconnected)

	writeJSON(w, http.StatusOK, models.APIResponse{
		Success: true,
		Message: fmt.Sprintf("%d session(s) of %s revoked, %d connection(s) closed", revoked, profileID, disconnected),
	})
}

type AddGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type GroupResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Group   *models.Group `json:"group,omitempty"`
}

func (h *AdminHandler) AddGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req AddGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	group, err := h.groups.CreateGroup(req.Name, req.Members)
	h.writeGroup(w, group, err)
}

func (h *AdminHandler) AddMemberHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProfileID string `json:"profileId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	group, err := h.groups.AddMember(r.PathValue("id"), req.ProfileID)
	h.writeGroup(w, group, err)
}

func (h *AdminHandler) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	group, err := h.groups.RemoveMember(r.PathValue("id"), r.PathValue("profileId"))
	h.writeGroup(w, group, err)
}

func (h *AdminHandler) writeGroup(w http.ResponseWriter, group models.Group, err error) {
	if err != nil {
		writeJSON(w, models.HTTPStatus(err), GroupResponse{
			Success: false,
			Message: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, GroupResponse{Success: true, Group: &group})
}
