// Package transport is the media transport layer: connection setup,
// publish/subscribe and media events over WebRTC. The orchestration layer
// consumes the Transport interface; the pion-backed SFU implements it.
package transport

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Role is the participant's transport role.
type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

// TrackKind is a published media kind.
type TrackKind string

const (
	KindCamera TrackKind = "camera"
	KindMic    TrackKind = "mic"
)

// MediaConstraints describes which local devices a participant intends to
// publish.
type MediaConstraints struct {
	Camera bool
	Mic    bool
}

// Empty reports whether the participant publishes nothing (consume-only).
func (c MediaConstraints) Empty() bool { return !c.Camera && !c.Mic }

// MediaHandle is a non-owning reference to media managed by the transport.
// Holders must never dispose the underlying resource directly; release goes
// through Transport.Unpublish. Acquisition can return an empty handle on some
// platforms, so callers check HasKind before treating a handle as usable.
type MediaHandle interface {
	ID() string
	HasKind(kind TrackKind) bool
	// SetEnabled toggles a track in place, without renegotiation.
	SetEnabled(kind TrackKind, enabled bool) error
	Enabled(kind TrackKind) bool
}

// EventKind identifies a transport event.
type EventKind string

const (
	EventProducerAvailable      EventKind = "producer_available"
	EventProducerLost           EventKind = "producer_lost"
	EventConnectionStateChanged EventKind = "connection_state_changed"
	// EventMediaFlowing fires once when the first packet of a producer is
	// observed, confirming the pipeline is live end to end.
	EventMediaFlowing EventKind = "media_flowing"
)

// ConnState is a coarse connection state for EventConnectionStateChanged.
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnConnected  ConnState = "connected"
	ConnFailed     ConnState = "failed"
	ConnClosed     ConnState = "closed"
)

// Event is one transport notification.
type Event struct {
	Kind       EventKind
	ProducerID string
	Track      TrackKind
	State      ConnState
}

// Sentinel errors, classified so callers can surface a specific cause
// instead of a generic connection failure.
var (
	ErrPermissionDenied    = errors.New("media device permission denied")
	ErrDeviceNotFound      = errors.New("media device not found")
	ErrDeviceBusy          = errors.New("media device busy")
	ErrNegotiationRejected = errors.New("transport negotiation rejected")
	ErrSessionNotFound     = errors.New("session not found")
	ErrEmptyHandle         = errors.New("acquired media handle carries no tracks")
)

// Transport is the per-participant media transport client.
type Transport interface {
	// Connect performs the transport handshake for one participant.
	Connect(ctx context.Context, role Role, sessionID uuid.UUID) error
	// AcquireMedia acquires local media matching the constraints.
	AcquireMedia(ctx context.Context, c MediaConstraints) (MediaHandle, error)
	// Publish makes an acquired handle visible to consumers.
	Publish(ctx context.Context, h MediaHandle) error
	// Unpublish withdraws this participant's published media.
	Unpublish(ctx context.Context) error
	// Subscribe consumes a producer's media.
	Subscribe(ctx context.Context, producerID string) (MediaHandle, error)
	// Events delivers producer and connection notifications. The channel is
	// closed by Close.
	Events() <-chan Event
	Close() error
}

// Cause returns a human-readable message for a classified transport error,
// or the error text itself when unclassified.
func Cause(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "camera/microphone permission denied - check browser permissions"
	case errors.Is(err, ErrDeviceNotFound):
		return "no camera/microphone found on this device"
	case errors.Is(err, ErrDeviceBusy):
		return "camera/microphone is in use by another application"
	case errors.Is(err, ErrNegotiationRejected):
		return "media negotiation was rejected"
	case errors.Is(err, ErrSessionNotFound):
		return "stream session not found"
	case errors.Is(err, ErrEmptyHandle):
		return "media acquisition returned no usable tracks"
	case err == nil:
		return ""
	default:
		return err.Error()
	}
}

// Retryable reports whether an error class may be retried automatically.
// Device and permission failures need user action first.
func Retryable(err error) bool {
	return !errors.Is(err, ErrPermissionDenied) &&
		!errors.Is(err, ErrDeviceNotFound) &&
		!errors.Is(err, ErrDeviceBusy)
}
