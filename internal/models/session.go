package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the persisted lifecycle status of a stream session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionWaiting  SessionStatus = "waiting"
	SessionLive     SessionStatus = "live"
	SessionEnded    SessionStatus = "ended"
	SessionArchived SessionStatus = "archived"
)

// Active reports whether the status counts against the
// single-active-session-per-host invariant.
func (s SessionStatus) Active() bool {
	return s == SessionWaiting || s == SessionLive
}

// StreamSession is one live broadcast.
type StreamSession struct {
	ID                 uuid.UUID     `json:"id"`
	HostID             uuid.UUID     `json:"host_id"`
	Title              string        `json:"title"`
	Status             SessionStatus `json:"status"`
	CurrentViewerCount int           `json:"current_viewer_count"`
	TotalLikes         int           `json:"total_likes"`
	IsPrivate          bool          `json:"is_private"`
	JoinCodeHash       *string       `json:"-"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	LastActivityAt     time.Time     `json:"last_activity_at"`
	ArchiveURL         *string       `json:"archive_url,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}
