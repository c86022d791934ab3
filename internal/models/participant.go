package models

import (
	"time"

	"github.com/google/uuid"
)

// ParticipantRole distinguishes the broadcaster from the audience.
type ParticipantRole string

const (
	RoleHost   ParticipantRole = "host"
	RoleViewer ParticipantRole = "viewer"
)

// ParticipantConnection is one participant (host or viewer) in one session.
// ParticipantID is a session-scoped token, not an account identity; guests
// are permitted. LeftAt is set exactly once and the row is terminal after
// that.
type ParticipantConnection struct {
	ID            uuid.UUID       `json:"id"`
	SessionID     uuid.UUID       `json:"session_id"`
	ParticipantID string          `json:"participant_id"`
	Role          ParticipantRole `json:"role"`
	DisplayName   string          `json:"display_name"`
	IsGuest       bool            `json:"is_guest"`
	CameraEnabled bool            `json:"camera_enabled"`
	MicEnabled    bool            `json:"mic_enabled"`
	JoinedAt      time.Time       `json:"joined_at"`
	LeftAt        *time.Time      `json:"left_at,omitempty"`
}

// Publishing reports whether the participant currently publishes media back
// into the session.
func (p ParticipantConnection) Publishing() bool {
	return p.LeftAt == nil && (p.CameraEnabled || p.MicEnabled)
}
