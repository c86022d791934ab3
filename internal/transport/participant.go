package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// mediaPollInterval is how often a pending acquire/subscribe re-checks the
// SFU for the participant's tracks.
const mediaPollInterval = 100 * time.Millisecond

// Participant is the per-participant Transport implementation backed by the
// SFU. Each connection controller owns exactly one.
type Participant struct {
	sfu *SFU
	id  string

	mu        sync.Mutex
	role      Role
	sessionID uuid.UUID
	connected bool

	events    chan Event
	closeOnce sync.Once
}

// NewParticipant creates a transport client for one participant.
func NewParticipant(sfu *SFU, participantID string) *Participant {
	return &Participant{
		sfu:    sfu,
		id:     participantID,
		events: make(chan Event, 16),
	}
}

// Connect registers the participant with the session's room. Viewers require
// an existing room; the host creates it.
func (p *Participant) Connect(ctx context.Context, role Role, sessionID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var room *sfuRoom
	if role == RoleHost {
		room = p.sfu.getOrCreateRoom(sessionID)
		room.mu.Lock()
		room.hostID = p.id
		room.mu.Unlock()
	} else {
		room = p.sfu.getRoom(sessionID)
		if room == nil {
			return ErrSessionNotFound
		}
	}
	room.attachWatcher(p.id, p.events)

	p.mu.Lock()
	p.role = role
	p.sessionID = sessionID
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *Participant) session() (uuid.UUID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID, p.connected
}

// AcquireMedia waits for the participant's published tracks to land at the
// SFU. Client-reported device failures surface as classified errors; on
// deadline the handle is returned with whatever arrived, possibly nothing,
// so callers must check HasKind.
func (p *Participant) AcquireMedia(ctx context.Context, c MediaConstraints) (MediaHandle, error) {
	sessionID, ok := p.session()
	if !ok {
		return nil, ErrSessionNotFound
	}
	ticker := time.NewTicker(mediaPollInterval)
	defer ticker.Stop()
	for {
		if err := p.sfu.takePublishError(sessionID, p.id); err != nil {
			return nil, err
		}
		kinds := p.sfu.participantKinds(sessionID, p.id)
		if satisfies(kinds, c) {
			return p.handleFor(sessionID, p.id, kinds), nil
		}
		select {
		case <-ctx.Done():
			return p.handleFor(sessionID, p.id, kinds), nil
		case <-ticker.C:
		}
	}
}

func satisfies(kinds []TrackKind, c MediaConstraints) bool {
	have := map[TrackKind]bool{}
	for _, k := range kinds {
		have[k] = true
	}
	if c.Camera && !have[KindCamera] {
		return false
	}
	if c.Mic && !have[KindMic] {
		return false
	}
	return !c.Empty()
}

// Publish activates fan-out of the participant's acquired tracks.
func (p *Participant) Publish(ctx context.Context, h MediaHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sessionID, ok := p.session()
	if !ok {
		return ErrSessionNotFound
	}
	if h == nil || (!h.HasKind(KindCamera) && !h.HasKind(KindMic)) {
		return ErrEmptyHandle
	}
	return p.sfu.StartForward(sessionID, p.id)
}

// Unpublish withdraws the participant's tracks from fan-out.
func (p *Participant) Unpublish(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sessionID, ok := p.session()
	if !ok {
		return nil
	}
	return p.sfu.StopForward(sessionID, p.id)
}

// Subscribe resolves a handle for a producer's tracks, waiting briefly for
// them when subscription races the producer's arrival.
func (p *Participant) Subscribe(ctx context.Context, producerID string) (MediaHandle, error) {
	sessionID, ok := p.session()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return p.sfu.SubscribeHandle(ctx, sessionID, producerID)
}

// SubscribeHandle resolves a handle for a producer's tracks directly against
// the SFU, waiting briefly when resolution races the producer's arrival.
func (s *SFU) SubscribeHandle(ctx context.Context, sessionID uuid.UUID, producerID string) (MediaHandle, error) {
	ticker := time.NewTicker(mediaPollInterval)
	defer ticker.Stop()
	for {
		kinds := s.participantKinds(sessionID, producerID)
		if len(kinds) > 0 {
			h := &sfuHandle{sfu: s, sessionID: sessionID, ownerID: producerID, kinds: map[TrackKind]bool{}}
			for _, k := range kinds {
				h.kinds[k] = true
			}
			return h, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrNegotiationRejected
		case <-ticker.C:
		}
	}
}

// Events delivers producer and connection notifications for this participant.
func (p *Participant) Events() <-chan Event {
	return p.events
}

// Close detaches from the room and releases everything the participant
// holds. Safe to call more than once.
func (p *Participant) Close() error {
	p.closeOnce.Do(func() {
		sessionID, connected := p.session()
		if connected {
			if room := p.sfu.getRoom(sessionID); room != nil {
				room.detachWatcher(p.id)
			}
			p.sfu.RemoveParticipant(sessionID, p.id)
		}
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
		close(p.events)
	})
	return nil
}

func (p *Participant) handleFor(sessionID uuid.UUID, ownerID string, kinds []TrackKind) *sfuHandle {
	h := &sfuHandle{sfu: p.sfu, sessionID: sessionID, ownerID: ownerID, kinds: map[TrackKind]bool{}}
	for _, k := range kinds {
		h.kinds[k] = true
	}
	return h
}

// sfuHandle is a non-owning reference to tracks the SFU manages. It never
// closes or frees anything; release goes through Unpublish.
type sfuHandle struct {
	sfu       *SFU
	sessionID uuid.UUID
	ownerID   string
	kinds     map[TrackKind]bool
}

func (h *sfuHandle) ID() string { return h.ownerID }

func (h *sfuHandle) HasKind(kind TrackKind) bool { return h.kinds[kind] }

func (h *sfuHandle) SetEnabled(kind TrackKind, enabled bool) error {
	if !h.kinds[kind] {
		return ErrDeviceNotFound
	}
	return h.sfu.setTrackEnabled(h.sessionID, h.ownerID, kind, enabled)
}

func (h *sfuHandle) Enabled(kind TrackKind) bool {
	return h.sfu.trackEnabled(h.sessionID, h.ownerID, kind)
}
