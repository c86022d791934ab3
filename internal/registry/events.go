package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/elraffme/oloo-live/internal/models"
)

// EventKind identifies a change-feed event.
type EventKind string

const (
	EventSessionUpdated    EventKind = "session_updated"
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
	EventParticipantMedia  EventKind = "participant_media"
)

// Event is one registry change notification, delivered per session over the
// change feed. Consumers receive events as a typed channel; cancelling the
// subscription closes the channel and releases everything.
type Event struct {
	Kind        EventKind                     `json:"kind"`
	SessionID   uuid.UUID                     `json:"session_id"`
	Session     *models.StreamSession         `json:"session,omitempty"`
	Participant *models.ParticipantConnection `json:"participant,omitempty"`
	At          time.Time                     `json:"at"`
}
