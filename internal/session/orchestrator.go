package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elraffme/oloo-live/internal/models"
	"github.com/elraffme/oloo-live/internal/registry"
	"github.com/elraffme/oloo-live/internal/tokens"
	"github.com/elraffme/oloo-live/internal/transport"
	"github.com/elraffme/oloo-live/pkg/utils"
)

var (
	ErrSessionNotJoinable = errors.New("session is not joinable")
	ErrBadJoinCode        = errors.New("invalid join code")
	ErrNotHost            = errors.New("only the host may do this")
	ErrNoLocalSession     = errors.New("session is not hosted on this instance")
)

// ChannelFactory builds the broadcast control channel for a session. The
// signaling hub's host-presence channel is the production implementation.
type ChannelFactory func(sessionID uuid.UUID) Channel

// OrchestratorConfig carries the timing knobs handed down to the per-session
// components.
type OrchestratorConfig struct {
	ProducerWait          time.Duration
	DeviceWait            time.Duration
	ChannelConnectWait    time.Duration
	InactivityTimeout     time.Duration
	InactivityInterval    time.Duration
	ViewerCountInterval   time.Duration
	ChannelHealthInterval time.Duration
}

// Orchestrator wires the per-session components together: one supervisor,
// broadcast manager, camera receiver and stream relay per hosted session,
// plus join/leave bookkeeping for viewers.
type Orchestrator struct {
	cfg          OrchestratorConfig
	sessions     *registry.Sessions
	participants *registry.Participants
	feed         *registry.ChangeFeed
	sfu          *transport.SFU
	exports      ExportQueue
	notify       Notifier
	tok          *tokens.Service
	channels     ChannelFactory
	log          *zap.Logger

	mu   sync.Mutex
	live map[uuid.UUID]*hostedSession
}

// hostedSession is the server-side state of one session hosted on this
// instance.
type hostedSession struct {
	hostID     uuid.UUID
	hostPID    string
	supervisor *LifecycleSupervisor
	comps      BroadcastComponents
}

// sessionSubscriber resolves viewer media handles against the SFU for one
// session.
type sessionSubscriber struct {
	sfu       *transport.SFU
	sessionID uuid.UUID
}

func (s sessionSubscriber) Subscribe(ctx context.Context, producerID string) (transport.MediaHandle, error) {
	return s.sfu.SubscribeHandle(ctx, s.sessionID, producerID)
}

// NewOrchestrator creates the session orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, sessions *registry.Sessions, participants *registry.Participants, feed *registry.ChangeFeed, sfu *transport.SFU, exports ExportQueue, notify Notifier, tok *tokens.Service, channels ChannelFactory, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		cfg:          cfg,
		sessions:     sessions,
		participants: participants,
		feed:         feed,
		sfu:          sfu,
		exports:      exports,
		notify:       notify,
		tok:          tok,
		channels:     channels,
		log:          log,
	}
}

// CreateSession creates a pending session and joins the host. The returned
// token lets the host open the signaling connection and publish media before
// going live.
func (o *Orchestrator) CreateSession(ctx context.Context, hostID uuid.UUID, title string, isPrivate bool, joinCode string) (*models.StreamSession, string, error) {
	var codeHash *string
	if isPrivate {
		if joinCode == "" {
			return nil, "", fmt.Errorf("private session requires a join code")
		}
		h, err := utils.HashJoinCode(joinCode)
		if err != nil {
			return nil, "", fmt.Errorf("hash join code: %w", err)
		}
		codeHash = &h
	}

	// an older waiting/live session keeps running until go-live, where the
	// supervisor archives it
	if stale, err := o.sessions.FindActiveByHost(ctx, hostID); err == nil && stale != nil {
		o.log.Warn("host already has an active session",
			zap.String("host_id", hostID.String()), zap.String("stale_session_id", stale.ID.String()))
	}

	sess, err := o.sessions.Create(ctx, hostID, title, isPrivate, codeHash)
	if err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}
	host, err := o.participants.Join(ctx, sess.ID, models.RoleHost, "host", false)
	if err != nil {
		return nil, "", fmt.Errorf("join host: %w", err)
	}
	token, err := o.tok.Generate(sess.ID, host.ParticipantID, models.RoleHost, host.DisplayName, false)
	if err != nil {
		return nil, "", fmt.Errorf("mint host token: %w", err)
	}

	hs := &hostedSession{hostID: hostID, hostPID: host.ParticipantID}
	o.mu.Lock()
	if o.live == nil {
		o.live = map[uuid.UUID]*hostedSession{}
	}
	o.live[sess.ID] = hs
	o.mu.Unlock()

	o.log.Info("session created",
		zap.String("session_id", sess.ID.String()), zap.String("host_id", hostID.String()))
	return sess, token, nil
}

func (o *Orchestrator) hosted(sessionID uuid.UUID) *hostedSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live[sessionID]
}

// GoLive connects the host's server-side controller to the already-published
// media and hands the session to a lifecycle supervisor. The session row is
// only marked live after the broadcast channel reports connected.
func (o *Orchestrator) GoLive(ctx context.Context, sessionID uuid.UUID, constraints transport.MediaConstraints) (*models.StreamSession, error) {
	hs := o.hosted(sessionID)
	if hs == nil {
		return nil, ErrNoLocalSession
	}
	sess, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil || sess == nil {
		return nil, fmt.Errorf("session not found")
	}

	ctrlLog := o.log.With(zap.String("session_id", sessionID.String()))
	ctrl := NewController(func() transport.Transport {
		return transport.NewParticipant(o.sfu, hs.hostPID)
	}, ControllerConfig{ProducerWait: o.cfg.ProducerWait, DeviceWait: o.cfg.DeviceWait}, ctrlLog)
	if err := ctrl.Initialize(ctx, transport.RoleHost, constraints, sessionID); err != nil {
		ctrl.Cleanup(ctx)
		return nil, fmt.Errorf("host media: %w", err)
	}

	broadcast := NewBroadcastManager(sessionID, hs.hostPID, o.channels(sessionID), o.sessions, o.sfu, o.sfu,
		BroadcastConfig{ViewerCountInterval: o.cfg.ViewerCountInterval, HealthInterval: o.cfg.ChannelHealthInterval}, o.log)
	relay := NewStreamRelay(sessionID, o.sfu, o.log)
	receiver := NewCameraReceiver(sessionID, hs.hostPID, o.feed, sessionSubscriber{sfu: o.sfu, sessionID: sessionID},
		relay.OnNewViewerCamera, relay.OnViewerLeft, o.log)

	comps := BroadcastComponents{Controller: ctrl, Broadcast: broadcast, Receiver: receiver, Relay: relay}
	supervisor := NewLifecycleSupervisor(hs.hostID, o.sessions, o.participants, o.feed, o.notify, o.exports,
		SupervisorConfig{
			ChannelConnectTimeout: o.cfg.ChannelConnectWait,
			InactivityTimeout:     o.cfg.InactivityTimeout,
			InactivityPoll:        o.cfg.InactivityInterval,
		}, o.log)

	if err := supervisor.StartBroadcast(ctx, sess, comps); err != nil {
		return nil, err
	}

	o.mu.Lock()
	hs.supervisor = supervisor
	hs.comps = comps
	o.mu.Unlock()
	return sess, nil
}

// JoinSession validates access, records the viewer and mints their token.
// Private sessions require the join code.
func (o *Orchestrator) JoinSession(ctx context.Context, sessionID uuid.UUID, displayName string, isGuest bool, joinCode string) (*models.ParticipantConnection, string, error) {
	sess, err := o.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if sess == nil || !sess.Status.Active() {
		return nil, "", ErrSessionNotJoinable
	}
	if sess.IsPrivate {
		if sess.JoinCodeHash == nil || !utils.CheckJoinCode(joinCode, *sess.JoinCodeHash) {
			return nil, "", ErrBadJoinCode
		}
	}
	if displayName == "" {
		displayName = "guest"
	}

	p, err := o.participants.Join(ctx, sessionID, models.RoleViewer, displayName, isGuest)
	if err != nil {
		return nil, "", fmt.Errorf("join: %w", err)
	}
	token, err := o.tok.Generate(sessionID, p.ParticipantID, models.RoleViewer, displayName, isGuest)
	if err != nil {
		return nil, "", fmt.Errorf("mint token: %w", err)
	}

	if err := o.feed.Publish(ctx, registry.Event{
		Kind:        registry.EventParticipantJoined,
		SessionID:   sessionID,
		Participant: p,
		At:          time.Now(),
	}); err != nil {
		o.log.Warn("join event publish failed", zap.Error(err))
	}
	if hs := o.hosted(sessionID); hs != nil && hs.comps.Relay != nil {
		hs.comps.Relay.NotifyViewerJoined(p.ParticipantID, displayName)
	}
	_ = o.sessions.TouchActivity(ctx, sessionID)
	return p, token, nil
}

// LeaveSession closes the participant row exactly once and tears down any
// relayed stream for the viewer.
func (o *Orchestrator) LeaveSession(ctx context.Context, sessionID uuid.UUID, participantID string) error {
	left, err := o.participants.Leave(ctx, sessionID, participantID)
	if err != nil {
		return err
	}
	if !left {
		// already gone, nothing more to do
		return nil
	}
	if hs := o.hosted(sessionID); hs != nil && hs.comps.Relay != nil {
		hs.comps.Relay.OnViewerLeft(participantID)
	}
	o.sfu.RemoveParticipant(sessionID, participantID)

	p, err := o.participants.Get(ctx, sessionID, participantID)
	if err == nil && p != nil {
		if err := o.feed.Publish(ctx, registry.Event{
			Kind:        registry.EventParticipantLeft,
			SessionID:   sessionID,
			Participant: p,
			At:          time.Now(),
		}); err != nil {
			o.log.Warn("leave event publish failed", zap.Error(err))
		}
	}
	return nil
}

// EndSession performs the host-initiated orderly end.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID uuid.UUID, participantID string) error {
	hs := o.hosted(sessionID)
	if hs == nil {
		return ErrNoLocalSession
	}
	if participantID != hs.hostPID {
		return ErrNotHost
	}
	if hs.supervisor != nil {
		if err := hs.supervisor.EndSession(ctx); err != nil {
			return err
		}
	}
	o.sfu.CloseSession(sessionID)
	o.mu.Lock()
	delete(o.live, sessionID)
	o.mu.Unlock()
	return nil
}

// ResetStream re-publishes the host's media without touching lifecycle state.
func (o *Orchestrator) ResetStream(ctx context.Context, sessionID uuid.UUID, participantID string) error {
	hs := o.hosted(sessionID)
	if hs == nil {
		return ErrNoLocalSession
	}
	if participantID != hs.hostPID {
		return ErrNotHost
	}
	if hs.comps.Broadcast == nil {
		return fmt.Errorf("session is not live")
	}
	return hs.comps.Broadcast.ResetStream(ctx)
}

// Shutdown abruptly ends every hosted session. Used on process exit.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	hosted := make([]*hostedSession, 0, len(o.live))
	for _, hs := range o.live {
		hosted = append(hosted, hs)
	}
	o.live = map[uuid.UUID]*hostedSession{}
	o.mu.Unlock()
	for _, hs := range hosted {
		if hs.supervisor != nil {
			hs.supervisor.EndAbruptly()
		}
	}
}
