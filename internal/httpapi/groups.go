package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaylane/turnorchestrator/internal/group"
	"github.com/relaylane/turnorchestrator/internal/protocol"
)

// createGroupRequest seeds a new group conversation (spec §4.5) with its
// initial roster; every ClientID must already have an active session.
type createGroupRequest struct {
	Members []groupMember `json:"members"`
}

type groupMember struct {
	ClientID    string `json:"client_id"`
	DisplayName string `json:"display_name"`
}

type createGroupResponse struct {
	GroupID string   `json:"group_id"`
	Members []string `json:"members"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if len(req.Members) == 0 {
		respondError(w, http.StatusBadRequest, "members must not be empty")
		return
	}

	members := make([]group.Member, 0, len(req.Members))
	for _, m := range req.Members {
		if _, err := s.sessions.Get(m.ClientID); err != nil {
			respondError(w, http.StatusNotFound, "unknown session for client_id "+m.ClientID)
			return
		}
		members = append(members, group.Member{ClientID: m.ClientID, DisplayName: m.DisplayName})
	}

	groupID := uuid.NewString()
	g := s.groups.GetOrCreate(groupID, members)
	for _, m := range members {
		_ = s.sessions.SetGroup(m.ClientID, groupID)
	}

	respondJSON(w, http.StatusCreated, createGroupResponse{GroupID: groupID, Members: g.Members()})
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	var req groupMember
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ClientID == "" {
		respondError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	if _, err := s.sessions.Get(req.ClientID); err != nil {
		respondError(w, http.StatusNotFound, "unknown session for client_id "+req.ClientID)
		return
	}

	g, ok := s.groups.Get(groupID)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown group "+groupID)
		return
	}
	g.Join(group.Member{ClientID: req.ClientID, DisplayName: req.DisplayName})
	_ = s.sessions.SetGroup(req.ClientID, groupID)

	respondJSON(w, http.StatusOK, createGroupResponse{GroupID: groupID, Members: g.Members()})
}

// handleLeaveGroup removes clientID from groupID. If clientID was the
// group's current speaker, it interrupts the in-flight group turn the
// same way an explicit client interrupt would (spec §4.5), then prunes
// the group once its last member has left.
func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	clientID := chi.URLParam(r, "clientID")

	g, ok := s.groups.Get(groupID)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown group "+groupID)
		return
	}

	// Interrupt while clientID still resolves to the group, so the
	// handler cancels the task keyed by groupID.
	wasSpeaking := g.CurrentSpeaker() == clientID
	if wasSpeaking && s.handler != nil {
		s.handler.OnMessage(context.Background(), clientID, protocol.Interrupt{})
	}
	g.Leave(clientID)
	_ = s.sessions.ClearGroup(clientID)
	s.groups.RemoveIfEmpty(groupID)

	w.WriteHeader(http.StatusNoContent)
}
