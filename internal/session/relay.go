package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elraffme/oloo-live/internal/transport"
)

// Forwarder activates and withdraws fan-out of a participant's tracks. The
// SFU is the production implementation.
type Forwarder interface {
	StartForward(sessionID uuid.UUID, participantID string) error
	StopForward(sessionID uuid.UUID, participantID string) error
}

// RelayedMediaHandle is one viewer stream the host re-distributes to the
// audience. Active flips false synchronously when the viewer leaves so no
// reader ever sees a live handle for a departed viewer.
type RelayedMediaHandle struct {
	SourceParticipantID string
	DisplayName         string
	Handle              transport.MediaHandle
	Active              bool
}

// StreamRelay mirrors selected viewer cameras back out through the session.
// A viewer's stream goes live only once both facts are known: the registry
// announced the viewer, and their media arrived. The two notifications race
// freely; relay activation is idempotent in either arrival order.
type StreamRelay struct {
	sessionID uuid.UUID
	forwarder Forwarder
	log       *zap.Logger

	mu        sync.Mutex
	announced map[string]string              // participantID -> display name
	handles   map[string]*RelayedMediaHandle // participantID -> relay entry
	cleanOnce sync.Once
}

// NewStreamRelay creates the relay for one session.
func NewStreamRelay(sessionID uuid.UUID, forwarder Forwarder, log *zap.Logger) *StreamRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamRelay{
		sessionID: sessionID,
		forwarder: forwarder,
		announced: map[string]string{},
		handles:   map[string]*RelayedMediaHandle{},
		log:       log.With(zap.String("session_id", sessionID.String())),
	}
}

// NotifyViewerJoined records that the registry announced a viewer. If the
// viewer's media already arrived, the relay activates now.
func (r *StreamRelay) NotifyViewerJoined(participantID, displayName string) {
	r.mu.Lock()
	r.announced[participantID] = displayName
	h := r.handles[participantID]
	if h != nil && displayName != "" {
		h.DisplayName = displayName
	}
	r.mu.Unlock()
	if h != nil {
		r.activate(participantID, h)
	}
}

// OnNewViewerCamera records that a viewer's media arrived. If the registry
// already announced the viewer, the relay activates now.
func (r *StreamRelay) OnNewViewerCamera(m ViewerMedia) {
	r.mu.Lock()
	h, exists := r.handles[m.ParticipantID]
	if exists && h.Active {
		r.mu.Unlock()
		return
	}
	h = &RelayedMediaHandle{
		SourceParticipantID: m.ParticipantID,
		DisplayName:         m.DisplayName,
		Handle:              m.Handle,
	}
	if name, ok := r.announced[m.ParticipantID]; ok && name != "" {
		h.DisplayName = name
	}
	r.handles[m.ParticipantID] = h
	_, announced := r.announced[m.ParticipantID]
	r.mu.Unlock()
	if announced {
		r.activate(m.ParticipantID, h)
	}
}

func (r *StreamRelay) activate(participantID string, h *RelayedMediaHandle) {
	r.mu.Lock()
	if h.Active {
		r.mu.Unlock()
		return
	}
	h.Active = true
	r.mu.Unlock()

	if err := r.forwarder.StartForward(r.sessionID, participantID); err != nil {
		r.mu.Lock()
		h.Active = false
		r.mu.Unlock()
		r.log.Warn("relay activation failed",
			zap.String("participant_id", participantID), zap.Error(err))
		return
	}
	r.log.Info("viewer stream relayed", zap.String("participant_id", participantID))
}

// OnViewerLeft synchronously deactivates and forgets the viewer's relayed
// stream. After return, ActiveHandles never includes the viewer again unless
// they rejoin from scratch.
func (r *StreamRelay) OnViewerLeft(participantID string) {
	r.mu.Lock()
	h := r.handles[participantID]
	delete(r.handles, participantID)
	delete(r.announced, participantID)
	if h != nil {
		h.Active = false
	}
	r.mu.Unlock()
	if h != nil {
		if err := r.forwarder.StopForward(r.sessionID, participantID); err != nil {
			r.log.Warn("relay stop failed",
				zap.String("participant_id", participantID), zap.Error(err))
		}
	}
}

// ActiveHandles returns a snapshot of currently relayed viewer streams.
func (r *StreamRelay) ActiveHandles() []RelayedMediaHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RelayedMediaHandle, 0, len(r.handles))
	for _, h := range r.handles {
		if h.Active {
			out = append(out, *h)
		}
	}
	return out
}

// Cleanup stops every relayed stream and clears all state. Safe to call
// multiple times.
func (r *StreamRelay) Cleanup(ctx context.Context) {
	r.cleanOnce.Do(func() {
		r.mu.Lock()
		ids := make([]string, 0, len(r.handles))
		for id, h := range r.handles {
			if h.Active {
				ids = append(ids, id)
			}
			h.Active = false
		}
		r.handles = map[string]*RelayedMediaHandle{}
		r.announced = map[string]string{}
		r.mu.Unlock()
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			_ = r.forwarder.StopForward(r.sessionID, id)
		}
		r.log.Info("stream relay cleaned up")
	})
}
