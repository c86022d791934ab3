package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elraffme/oloo-live/internal/models"
	"github.com/elraffme/oloo-live/internal/registry"
)

// LifecycleState is the host-side broadcast lifecycle.
type LifecycleState string

const (
	LifecycleIdle      LifecycleState = "idle"
	LifecyclePreparing LifecycleState = "preparing"
	LifecycleWaiting   LifecycleState = "waiting"
	LifecycleLive      LifecycleState = "live"
	LifecycleEnding    LifecycleState = "ending"
	LifecycleEnded     LifecycleState = "ended"
)

// SessionStore is the registry slice the supervisor drives. The supervisor is
// the only component that writes lifecycle status.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.StreamSession, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error
	SetLive(ctx context.Context, id uuid.UUID) error
	Archive(ctx context.Context, id uuid.UUID) error
	ArchiveActiveByHost(ctx context.Context, hostID uuid.UUID) ([]uuid.UUID, error)
}

// ParticipantStore closes participant rows at session end.
type ParticipantStore interface {
	LeaveAllOpen(ctx context.Context, sessionID uuid.UUID) error
}

// EventSink publishes registry events onto the change feed.
type EventSink interface {
	Publish(ctx context.Context, ev registry.Event) error
}

// ExportQueue enqueues the post-session archive export job.
type ExportQueue interface {
	EnqueueArchiveExport(ctx context.Context, sessionID, hostID uuid.UUID) error
}

// Notifier pushes lifecycle messages to the session's connected signaling
// clients, on this instance and (via the control channel) every other one.
// The signaling hub is the production implementation.
type Notifier interface {
	BroadcastAndPublish(sessionID uuid.UUID, event string, payload interface{})
}

// BroadcastComponents bundles everything the supervisor tears down with the
// session.
type BroadcastComponents struct {
	Controller *Controller
	Broadcast  *BroadcastManager
	Receiver   *CameraReceiver
	Relay      *StreamRelay
}

// SupervisorConfig holds the supervisor's timeouts.
type SupervisorConfig struct {
	ChannelConnectTimeout time.Duration
	InactivityTimeout     time.Duration
	InactivityPoll        time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.ChannelConnectTimeout <= 0 {
		c.ChannelConnectTimeout = 20 * time.Second
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 5 * time.Minute
	}
	if c.InactivityPoll <= 0 {
		c.InactivityPoll = 30 * time.Second
	}
	return c
}

// LifecycleSupervisor owns one host broadcast from creation through archive.
// The session row never moves to live before the broadcast channel reports
// connected, and a failed start rolls the row back so no session is stranded
// in waiting.
type LifecycleSupervisor struct {
	hostID       uuid.UUID
	sessions     SessionStore
	participants ParticipantStore
	sink         EventSink
	notify       Notifier
	exports      ExportQueue
	cfg          SupervisorConfig
	log          *zap.Logger

	mu        sync.Mutex
	state     LifecycleState
	session   *models.StreamSession
	comps     BroadcastComponents
	watchStop context.CancelFunc
	watchDone chan struct{}
}

// NewLifecycleSupervisor creates a supervisor for one host.
func NewLifecycleSupervisor(hostID uuid.UUID, sessions SessionStore, participants ParticipantStore, sink EventSink, notify Notifier, exports ExportQueue, cfg SupervisorConfig, log *zap.Logger) *LifecycleSupervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LifecycleSupervisor{
		hostID:       hostID,
		sessions:     sessions,
		participants: participants,
		sink:         sink,
		notify:       notify,
		exports:      exports,
		cfg:          cfg.withDefaults(),
		state:        LifecycleIdle,
		log:          log.With(zap.String("host_id", hostID.String())),
	}
}

// State returns the current lifecycle state.
func (s *LifecycleSupervisor) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Session returns the supervised session row, or nil before StartBroadcast.
func (s *LifecycleSupervisor) Session() *models.StreamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// StartBroadcast takes over a pending session row, brings the broadcast
// channel up, and only then marks the session live. Any still-active session
// from the same host is archived first. Precondition: the host's connection
// controller is streaming local media.
func (s *LifecycleSupervisor) StartBroadcast(ctx context.Context, sess *models.StreamSession, comps BroadcastComponents) error {
	s.mu.Lock()
	if s.state != LifecycleIdle && s.state != LifecycleEnded {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("broadcast already %s", state)
	}
	s.state = LifecyclePreparing
	s.comps = comps
	s.session = sess
	s.mu.Unlock()

	if sess == nil || sess.Status != models.SessionPending {
		s.setState(LifecycleIdle)
		return fmt.Errorf("session is not pending")
	}
	if comps.Controller == nil || comps.Controller.Phase() != PhaseStreaming {
		s.setState(LifecycleIdle)
		return fmt.Errorf("host is not streaming local media")
	}

	// pending rows are excluded, so this never touches the session we are
	// about to promote
	orphans, err := s.sessions.ArchiveActiveByHost(ctx, s.hostID)
	if err != nil {
		s.setState(LifecycleIdle)
		return fmt.Errorf("archive stale sessions: %w", err)
	}
	for _, id := range orphans {
		s.log.Warn("archived stale session before new broadcast", zap.String("session_id", id.String()))
	}

	if err := s.sessions.UpdateStatus(ctx, sess.ID, models.SessionWaiting); err != nil {
		s.rollback(ctx, sess.ID)
		return fmt.Errorf("mark waiting: %w", err)
	}
	sess.Status = models.SessionWaiting
	s.setState(LifecycleWaiting)

	if err := comps.Broadcast.InitializeChannel(ctx); err != nil {
		s.rollback(ctx, sess.ID)
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ChannelConnectTimeout)
	err = comps.Broadcast.WaitConnected(waitCtx)
	cancel()
	if err != nil {
		s.rollback(ctx, sess.ID)
		return err
	}

	if err := s.sessions.SetLive(ctx, sess.ID); err != nil {
		s.rollback(ctx, sess.ID)
		return err
	}
	sess.Status = models.SessionLive
	now := time.Now()
	sess.StartedAt = &now
	s.publish(ctx, registry.EventSessionUpdated, sess)

	comps.Broadcast.Start(ctx)
	if comps.Receiver != nil {
		if err := comps.Receiver.Start(ctx); err != nil {
			s.log.Warn("camera receiver start failed", zap.Error(err))
		}
	}
	s.startWatchdog()
	s.setState(LifecycleLive)
	s.log.Info("broadcast live", zap.String("session_id", sess.ID.String()))
	return nil
}

// rollback archives the half-started session and tears components down so a
// failed start leaves nothing in waiting.
func (s *LifecycleSupervisor) rollback(ctx context.Context, sessionID uuid.UUID) {
	if err := s.sessions.Archive(ctx, sessionID); err != nil {
		s.log.Error("rollback archive failed", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	s.teardown(ctx)
	s.mu.Lock()
	s.state = LifecycleIdle
	s.session = nil
	s.mu.Unlock()
	s.log.Warn("broadcast start rolled back", zap.String("session_id", sessionID.String()))
}

func (s *LifecycleSupervisor) setState(st LifecycleState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *LifecycleSupervisor) publish(ctx context.Context, kind registry.EventKind, sess *models.StreamSession) {
	if s.sink == nil {
		return
	}
	ev := registry.Event{Kind: kind, SessionID: sess.ID, Session: sess, At: time.Now()}
	if err := s.sink.Publish(ctx, ev); err != nil {
		s.log.Warn("change feed publish failed", zap.Error(err))
	}
}

func (s *LifecycleSupervisor) startWatchdog() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.watchStop = cancel
	s.watchDone = done
	s.mu.Unlock()
	go s.watchdog(ctx, done)
}

// watchdog ends the session after a prolonged stretch with no activity.
func (s *LifecycleSupervisor) watchdog(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.InactivityPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			sess := s.session
			state := s.state
			s.mu.Unlock()
			if state != LifecycleLive || sess == nil {
				continue
			}
			row, err := s.sessions.GetByID(ctx, sess.ID)
			if err != nil || row == nil {
				continue
			}
			if time.Since(row.LastActivityAt) < s.cfg.InactivityTimeout {
				continue
			}
			s.log.Info("ending session for inactivity",
				zap.String("session_id", sess.ID.String()),
				zap.Time("last_activity_at", row.LastActivityAt))
			go func() {
				endCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := s.EndSession(endCtx); err != nil {
					s.log.Error("inactivity end failed", zap.Error(err))
				}
			}()
			return
		}
	}
}

func (s *LifecycleSupervisor) teardown(ctx context.Context) {
	s.mu.Lock()
	comps := s.comps
	stop := s.watchStop
	done := s.watchDone
	s.watchStop = nil
	s.watchDone = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if comps.Receiver != nil {
		comps.Receiver.Cleanup()
	}
	if comps.Relay != nil {
		comps.Relay.Cleanup(ctx)
	}
	if comps.Broadcast != nil {
		comps.Broadcast.Cleanup(ctx)
	}
	if comps.Controller != nil {
		comps.Controller.Cleanup(ctx)
	}
}

// EndSession performs the orderly end: tear down media components, close
// every open participant row, archive the session and queue the export.
func (s *LifecycleSupervisor) EndSession(ctx context.Context) error {
	s.mu.Lock()
	if s.state == LifecycleEnding || s.state == LifecycleEnded {
		s.mu.Unlock()
		return nil
	}
	sess := s.session
	s.state = LifecycleEnding
	s.mu.Unlock()
	if sess == nil {
		s.setState(LifecycleEnded)
		return nil
	}

	if err := s.sessions.UpdateStatus(ctx, sess.ID, models.SessionEnded); err != nil {
		s.log.Warn("mark ended failed", zap.Error(err))
	}
	// the change feed only reaches server-side consumers; connected clients
	// hear the end over their signaling sockets before anything is torn down
	if s.notify != nil {
		s.notify.BroadcastAndPublish(sess.ID, "session_ended", map[string]interface{}{
			"session_id": sess.ID.String(),
			"ended_at":   time.Now().UTC(),
		})
	}
	s.teardown(ctx)

	if err := s.participants.LeaveAllOpen(ctx, sess.ID); err != nil {
		s.log.Warn("close participant rows failed", zap.Error(err))
	}
	if err := s.sessions.Archive(ctx, sess.ID); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	sess.Status = models.SessionArchived
	sess.CurrentViewerCount = 0
	s.publish(ctx, registry.EventSessionUpdated, sess)

	if s.exports != nil {
		if err := s.exports.EnqueueArchiveExport(ctx, sess.ID, s.hostID); err != nil {
			s.log.Warn("archive export enqueue failed", zap.Error(err))
		}
	}
	s.setState(LifecycleEnded)
	s.log.Info("session ended", zap.String("session_id", sess.ID.String()))
	return nil
}

// EndAbruptly is the best-effort synchronous end used on process shutdown.
// It bounds every step with a short deadline and never blocks indefinitely.
func (s *LifecycleSupervisor) EndAbruptly() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.EndSession(ctx); err != nil {
		s.log.Error("abrupt end incomplete", zap.Error(err))
	}
}
