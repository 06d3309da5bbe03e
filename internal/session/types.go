package session

import "time"

// CreateRequest is the payload for creating or resuming a client session.
type CreateRequest struct {
	ClientID string `json:"client_id"`
	VoiceID  string `json:"voice_id"`
}

// CreateResponse returns the session metadata the client needs to open its
// websocket connection.
type CreateResponse struct {
	ClientID          string    `json:"client_id"`
	Status            Status    `json:"status"`
	VoiceID           string    `json:"voice_id"`
	ActiveTurnID      string    `json:"active_turn_id,omitempty"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	InactivityTTLMS   int64     `json:"inactivity_ttl_ms"`
	GroupID           string    `json:"group_id,omitempty"`
}

// FromSession projects a Session into its wire representation.
func FromSession(s *Session, inactivityTTLMS int64) CreateResponse {
	return CreateResponse{
		ClientID:          s.ClientID,
		Status:            s.Status,
		VoiceID:           s.VoiceID,
		ActiveTurnID:      s.ActiveTurnID,
		InterruptionCount: s.InterruptionCount,
		StartedAt:         s.StartedAt,
		LastActivityAt:    s.LastActivityAt,
		InactivityTTLMS:   inactivityTTLMS,
		GroupID:           s.GroupID,
	}
}
