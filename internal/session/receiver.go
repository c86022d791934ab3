package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elraffme/oloo-live/internal/registry"
	"github.com/elraffme/oloo-live/internal/transport"
)

// Feed is the slice of the change feed the receiver consumes.
type Feed interface {
	Subscribe(sessionID uuid.UUID) (<-chan registry.Event, func(), error)
}

// Subscriber resolves a media handle for an announced producer.
type Subscriber interface {
	Subscribe(ctx context.Context, producerID string) (transport.MediaHandle, error)
}

// ViewerMedia pairs a viewer's registry row with the media handle resolved
// for them.
type ViewerMedia struct {
	ParticipantID string
	DisplayName   string
	Handle        transport.MediaHandle
}

// CameraReceiver runs on the host and watches the change feed for viewers
// turning their cameras on. Each announced viewer stream is resolved to a
// media handle through the host's transport and handed to the relay.
type CameraReceiver struct {
	sessionID uuid.UUID
	hostID    string
	feed      Feed
	sub       Subscriber
	log       *zap.Logger

	onMedia func(ViewerMedia)
	onLeft  func(participantID string)

	mu        sync.Mutex
	seen      map[string]bool
	cancel    func()
	loopDone  chan struct{}
	cleanOnce sync.Once
}

// NewCameraReceiver creates a receiver for one session. onMedia fires once
// per announced viewer stream; onLeft fires when that viewer leaves.
func NewCameraReceiver(sessionID uuid.UUID, hostID string, feed Feed, sub Subscriber, onMedia func(ViewerMedia), onLeft func(string), log *zap.Logger) *CameraReceiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &CameraReceiver{
		sessionID: sessionID,
		hostID:    hostID,
		feed:      feed,
		sub:       sub,
		onMedia:   onMedia,
		onLeft:    onLeft,
		seen:      map[string]bool{},
		log:       log.With(zap.String("session_id", sessionID.String())),
	}
}

// Start subscribes to the session's change feed and begins dispatching.
func (r *CameraReceiver) Start(ctx context.Context) error {
	events, cancel, err := r.feed.Subscribe(r.sessionID)
	if err != nil {
		return err
	}
	runCtx, cancelCtx := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = func() {
		cancelCtx()
		cancel()
	}
	r.loopDone = done
	r.mu.Unlock()
	go r.loop(runCtx, events, done)
	return nil
}

func (r *CameraReceiver) loop(ctx context.Context, events <-chan registry.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *CameraReceiver) handle(ctx context.Context, ev registry.Event) {
	if ev.Participant == nil || ev.Participant.ParticipantID == r.hostID {
		return
	}
	pid := ev.Participant.ParticipantID
	switch ev.Kind {
	case registry.EventParticipantMedia, registry.EventParticipantJoined:
		if !ev.Participant.Publishing() {
			return
		}
		r.mu.Lock()
		if r.seen[pid] {
			r.mu.Unlock()
			return
		}
		r.seen[pid] = true
		r.mu.Unlock()

		handle, err := r.sub.Subscribe(ctx, pid)
		if err != nil {
			// the viewer may have already left; forget them so a later
			// re-announce can retry
			r.mu.Lock()
			delete(r.seen, pid)
			r.mu.Unlock()
			r.log.Warn("viewer camera subscribe failed",
				zap.String("participant_id", pid), zap.Error(err))
			return
		}
		r.log.Info("viewer camera received", zap.String("participant_id", pid))
		if r.onMedia != nil {
			r.onMedia(ViewerMedia{
				ParticipantID: pid,
				DisplayName:   ev.Participant.DisplayName,
				Handle:        handle,
			})
		}
	case registry.EventParticipantLeft:
		r.mu.Lock()
		delete(r.seen, pid)
		r.mu.Unlock()
		if r.onLeft != nil {
			r.onLeft(pid)
		}
	}
}

// Cleanup cancels the feed subscription and waits for the dispatch loop.
// Safe to call multiple times.
func (r *CameraReceiver) Cleanup() {
	r.cleanOnce.Do(func() {
		r.mu.Lock()
		cancel := r.cancel
		done := r.loopDone
		r.seen = map[string]bool{}
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		r.log.Info("camera receiver cleaned up")
	})
}
