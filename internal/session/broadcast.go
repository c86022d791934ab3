package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elraffme/oloo-live/internal/transport"
)

// ChannelStatus is the control channel's connectivity state.
type ChannelStatus string

const (
	ChannelConnecting ChannelStatus = "connecting"
	ChannelConnected  ChannelStatus = "connected"
	ChannelError      ChannelStatus = "error"
	ChannelClosed     ChannelStatus = "closed"
)

// Channel is the host's session control channel. The signaling hub provides
// the production implementation.
type Channel interface {
	Open(ctx context.Context) error
	SetStatusHandler(fn func(ChannelStatus))
	Status() ChannelStatus
	Close() error
}

// SessionWriter is the slice of the registry the broadcast manager writes:
// the best-effort viewer counter and the activity timestamp. It never writes
// lifecycle status.
type SessionWriter interface {
	UpdateViewerCount(ctx context.Context, id uuid.UUID, count int) error
	TouchActivity(ctx context.Context, id uuid.UUID) error
}

// ViewerCounter exposes the transport's connected-consumer count.
type ViewerCounter interface {
	ConnectedViewers(sessionID uuid.UUID) int
}

// BroadcastConfig holds the manager's polling intervals.
type BroadcastConfig struct {
	ViewerCountInterval time.Duration
	HealthInterval      time.Duration
}

func (c BroadcastConfig) withDefaults() BroadcastConfig {
	if c.ViewerCountInterval <= 0 {
		c.ViewerCountInterval = 3 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 15 * time.Second
	}
	return c
}

// BroadcastManager owns the host's outbound session: it publishes the host's
// local media, tracks the control channel's connectivity, and writes viewer
// telemetry. Its polling loop is the session's only viewer-count writer.
type BroadcastManager struct {
	sessionID uuid.UUID
	hostID    string
	channel   Channel
	registry  SessionWriter
	counter   ViewerCounter
	fw        Forwarder
	cfg       BroadcastConfig
	log       *zap.Logger

	mu            sync.Mutex
	status        ChannelStatus
	statusHandler func(ChannelStatus)
	local         transport.MediaHandle
	failures      int
	lastHealthyAt time.Time

	connectedOnce sync.Once
	connected     chan struct{}
	cancel        context.CancelFunc
	done          chan struct{}
	cleanOnce     sync.Once
}

// NewBroadcastManager creates the host-side broadcast manager.
func NewBroadcastManager(sessionID uuid.UUID, hostID string, channel Channel, registry SessionWriter, counter ViewerCounter, fw Forwarder, cfg BroadcastConfig, log *zap.Logger) *BroadcastManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &BroadcastManager{
		sessionID: sessionID,
		hostID:    hostID,
		channel:   channel,
		registry:  registry,
		counter:   counter,
		fw:        fw,
		cfg:       cfg.withDefaults(),
		log:       log.With(zap.String("session_id", sessionID.String())),
		status:    ChannelConnecting,
		connected: make(chan struct{}),
	}
}

// InitializeChannel opens the control channel and registers the status
// callback. The lifecycle supervisor must not mark the session live until
// WaitConnected returns.
func (m *BroadcastManager) InitializeChannel(ctx context.Context) error {
	m.channel.SetStatusHandler(m.onStatus)
	if err := m.channel.Open(ctx); err != nil {
		m.onStatus(ChannelError)
		return fmt.Errorf("open control channel: %w", err)
	}
	return nil
}

func (m *BroadcastManager) onStatus(s ChannelStatus) {
	m.mu.Lock()
	m.status = s
	handler := m.statusHandler
	switch s {
	case ChannelConnected:
		m.failures = 0
		m.lastHealthyAt = time.Now()
	case ChannelError, ChannelClosed:
		m.failures++
	}
	m.mu.Unlock()

	if s == ChannelConnected {
		m.connectedOnce.Do(func() { close(m.connected) })
	}
	if handler != nil {
		handler(s)
	}
	m.log.Debug("channel status", zap.String("status", string(s)))
}

// SetChannelStatusHandler registers a callback invoked on every status
// transition.
func (m *BroadcastManager) SetChannelStatusHandler(fn func(ChannelStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusHandler = fn
}

// WaitConnected blocks until the channel first reports connected, or ctx
// expires. This is the happens-before edge in front of the live transition.
func (m *BroadcastManager) WaitConnected(ctx context.Context) error {
	select {
	case <-m.connected:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("channel never reported connected: %w", ctx.Err())
	}
}

// PublishLocal activates fan-out of the host's local media.
func (m *BroadcastManager) PublishLocal(ctx context.Context, h transport.MediaHandle) error {
	if h == nil || (!h.HasKind(transport.KindCamera) && !h.HasKind(transport.KindMic)) {
		return transport.ErrEmptyHandle
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fw.StartForward(m.sessionID, m.hostID); err != nil {
		return err
	}
	m.mu.Lock()
	m.local = h
	m.mu.Unlock()
	return nil
}

// ResetStream forces a full re-publish without ending the session. Used for
// host-initiated manual recovery when viewers report stale video; lifecycle
// status is untouched.
func (m *BroadcastManager) ResetStream(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.fw.StopForward(m.sessionID, m.hostID); err != nil {
		return fmt.Errorf("withdraw for reset: %w", err)
	}
	if err := m.fw.StartForward(m.sessionID, m.hostID); err != nil {
		return fmt.Errorf("republish: %w", err)
	}
	m.log.Info("stream reset")
	return nil
}

// CheckChannelHealth recomputes channel health. Detects silent degradation
// distinct from an explicit closed event.
func (m *BroadcastManager) CheckChannelHealth() ConnectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.channel.Status()
	healthy := status == ChannelConnected
	details := ""
	if !healthy {
		details = fmt.Sprintf("channel %s", status)
	}
	if healthy {
		m.lastHealthyAt = time.Now()
	}
	return ConnectionHealth{
		IsHealthy:           healthy,
		LastHeartbeatAt:     m.lastHealthyAt,
		ConsecutiveFailures: m.failures,
		Details:             details,
	}
}

// GetViewerCount returns the transport's connected-consumer count. Best
// effort; the registry's participant rows remain the source of truth.
func (m *BroadcastManager) GetViewerCount() int {
	return m.counter.ConnectedViewers(m.sessionID)
}

// Start launches the telemetry loop: viewer-count writes on a fixed interval
// plus periodic channel health checks.
func (m *BroadcastManager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()
	go m.run(runCtx, done)
}

func (m *BroadcastManager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	viewerTicker := time.NewTicker(m.cfg.ViewerCountInterval)
	healthTicker := time.NewTicker(m.cfg.HealthInterval)
	defer viewerTicker.Stop()
	defer healthTicker.Stop()

	lastCount := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-viewerTicker.C:
			count := m.GetViewerCount()
			if err := m.registry.UpdateViewerCount(ctx, m.sessionID, count); err != nil {
				m.log.Warn("viewer count write failed", zap.Error(err))
				continue
			}
			if count > 0 || count != lastCount {
				_ = m.registry.TouchActivity(ctx, m.sessionID)
			}
			lastCount = count
		case <-healthTicker.C:
			if h := m.CheckChannelHealth(); !h.IsHealthy {
				m.log.Warn("channel unhealthy",
					zap.String("details", h.Details),
					zap.Int("consecutive_failures", h.ConsecutiveFailures))
			}
		}
	}
}

// Cleanup unpublishes, closes the channel and stops the telemetry loop. Safe
// to call multiple times.
func (m *BroadcastManager) Cleanup(ctx context.Context) {
	m.cleanOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		done := m.done
		m.local = nil
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		_ = m.fw.StopForward(m.sessionID, m.hostID)
		_ = m.channel.Close()
		m.log.Info("broadcast manager cleaned up")
	})
}
