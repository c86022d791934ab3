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

// ControllerConfig holds the controller's timing knobs.
type ControllerConfig struct {
	// ProducerWait bounds how long the controller sits in any intermediate
	// phase waiting for broadcaster media before flipping to timeout.
	ProducerWait time.Duration
	// DeviceWait bounds local media acquisition.
	DeviceWait time.Duration
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.ProducerWait <= 0 {
		c.ProducerWait = 40 * time.Second
	}
	if c.DeviceWait <= 0 {
		c.DeviceWait = 10 * time.Second
	}
	return c
}

// TransportFactory builds a fresh transport client for each connection
// attempt. A retry tears the old transport down completely and starts over.
type TransportFactory func() transport.Transport

// Controller drives one participant's journey from intent-to-join through
// active streaming. Phase transitions are totally ordered and monotonic
// until an explicit retry resets them; the controller never silently retries
// past its timeout window.
type Controller struct {
	newTransport TransportFactory
	cfg          ControllerConfig
	log          *zap.Logger

	mu          sync.Mutex
	tr          transport.Transport
	phase       Phase
	role        transport.Role
	sessionID   uuid.UUID
	constraints transport.MediaConstraints
	connErr     string
	waitStart   time.Time
	lastEvent   time.Time
	failures    int
	local       transport.MediaHandle
	remote      transport.MediaHandle
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
	onPhase     func(Phase)
}

// NewController creates a connection controller. The factory is invoked on
// every Initialize so retries start from a clean transport.
func NewController(factory TransportFactory, cfg ControllerConfig, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		newTransport: factory,
		cfg:          cfg.withDefaults(),
		log:          log,
		phase:        PhaseIdle,
	}
}

// SetPhaseHandler registers an observer invoked on every phase change.
func (c *Controller) SetPhaseHandler(fn func(Phase)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPhase = fn
}

// transitionLocked applies a phase change under c.mu, rejecting out-of-order
// transitions.
func (c *Controller) transitionLocked(to Phase) bool {
	if c.phase == to {
		return true
	}
	if !canTransition(c.phase, to) {
		c.log.Warn("rejected phase transition",
			zap.String("from", string(c.phase)), zap.String("to", string(to)))
		return false
	}
	c.log.Debug("phase transition",
		zap.String("from", string(c.phase)), zap.String("to", string(to)))
	c.phase = to
	c.lastEvent = time.Now()
	if fn := c.onPhase; fn != nil {
		go fn(to)
	}
	return true
}

// failLocked moves to the error phase carrying a specific cause.
func (c *Controller) failLocked(err error) {
	c.failures++
	c.connErr = transport.Cause(err)
	c.transitionLocked(PhaseError)
}

// Initialize starts the connection attempt. Re-invoking while already
// connected first tears the previous connection down. On failure the
// controller lands in the error phase with a human-readable cause and the
// error is also returned.
func (c *Controller) Initialize(ctx context.Context, role transport.Role, constraints transport.MediaConstraints, sessionID uuid.UUID) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		c.Cleanup(ctx)
		c.mu.Lock()
	}
	c.role = role
	c.constraints = constraints
	c.sessionID = sessionID
	c.connErr = ""
	c.tr = c.newTransport()
	tr := c.tr
	c.transitionLocked(PhaseConnecting)
	c.mu.Unlock()

	if err := tr.Connect(ctx, role, sessionID); err != nil {
		c.mu.Lock()
		c.failLocked(err)
		c.mu.Unlock()
		return err
	}

	// Local devices are acquired only when this participant intends to
	// publish; a consume-only viewer skips device_loading entirely.
	publishes := role == transport.RoleHost || !constraints.Empty()
	if publishes {
		c.mu.Lock()
		c.transitionLocked(PhaseDeviceLoading)
		c.mu.Unlock()
		devCtx, cancel := context.WithTimeout(ctx, c.cfg.DeviceWait)
		h, err := tr.AcquireMedia(devCtx, constraints)
		cancel()
		if err != nil {
			c.mu.Lock()
			c.failLocked(err)
			c.mu.Unlock()
			return err
		}
		c.mu.Lock()
		c.local = h
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.transitionLocked(PhaseJoiningRoom)
	c.mu.Unlock()

	if role == transport.RoleHost {
		// The host is the producer, not a consumer: publish and move
		// straight to streaming.
		c.mu.Lock()
		h := c.local
		c.mu.Unlock()
		if h == nil || (!h.HasKind(transport.KindCamera) && !h.HasKind(transport.KindMic)) {
			err := transport.ErrEmptyHandle
			c.mu.Lock()
			c.failLocked(err)
			c.mu.Unlock()
			return err
		}
		if err := tr.Publish(ctx, h); err != nil {
			c.mu.Lock()
			c.failLocked(err)
			c.mu.Unlock()
			return err
		}
		c.mu.Lock()
		c.transitionLocked(PhaseStreaming)
		c.startLoopLocked(tr)
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	c.transitionLocked(PhaseAwaitingProducers)
	c.waitStart = time.Now()
	c.startLoopLocked(tr)
	c.mu.Unlock()
	return nil
}

// startLoopLocked launches the event loop goroutine. Caller holds c.mu.
func (c *Controller) startLoopLocked(tr transport.Transport) {
	ctx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	done := make(chan struct{})
	c.loopDone = done
	go c.watch(ctx, tr, done)
}

// watch consumes transport events, driving awaiting_producers -> consuming ->
// streaming, and enforces the bounded producer wait. The timer bounds only
// the wait for broadcaster media: it is disarmed once the subscription lands,
// and a fire in any other phase never regresses the connection or stops the
// loop, which keeps serving events for as long as the transport lives.
func (c *Controller) watch(ctx context.Context, tr transport.Transport, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(c.cfg.ProducerWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.mu.Lock()
			if c.phase == PhaseAwaitingProducers {
				c.connErr = fmt.Sprintf("no broadcaster media after %s", c.cfg.ProducerWait)
				c.transitionLocked(PhaseTimeout)
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		case ev, ok := <-tr.Events():
			if !ok {
				return
			}
			if c.handleEvent(ctx, tr, ev) {
				return
			}
			c.mu.Lock()
			waiting := c.phase == PhaseAwaitingProducers
			c.mu.Unlock()
			if !waiting {
				timer.Stop()
			}
		}
	}
}

// handleEvent processes one transport event; returns true when the loop
// should stop.
func (c *Controller) handleEvent(ctx context.Context, tr transport.Transport, ev transport.Event) bool {
	switch ev.Kind {
	case transport.EventProducerAvailable:
		c.mu.Lock()
		waiting := c.phase == PhaseAwaitingProducers
		c.mu.Unlock()
		if !waiting {
			return false
		}
		h, err := tr.Subscribe(ctx, ev.ProducerID)
		if err != nil {
			c.mu.Lock()
			c.failures++
			if !transport.Retryable(err) {
				c.failLocked(err)
				c.mu.Unlock()
				return true
			}
			// negotiation hiccups retry automatically until the timeout
			// boundary hands control back to the caller
			c.mu.Unlock()
			return false
		}
		c.mu.Lock()
		c.remote = h
		c.failures = 0
		c.transitionLocked(PhaseConsuming)
		c.mu.Unlock()
	case transport.EventMediaFlowing:
		c.mu.Lock()
		if c.phase == PhaseConsuming && c.remote != nil && c.remote.ID() == ev.ProducerID {
			c.transitionLocked(PhaseStreaming)
		}
		c.lastEvent = time.Now()
		c.mu.Unlock()
	case transport.EventProducerLost:
		c.mu.Lock()
		if c.phase.Connected() {
			c.connErr = "broadcaster connection lost"
			c.transitionLocked(PhaseError)
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()
	case transport.EventConnectionStateChanged:
		c.mu.Lock()
		c.lastEvent = time.Now()
		if ev.State == transport.ConnFailed && !c.phase.Terminal() {
			c.failLocked(transport.ErrNegotiationRejected)
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()
	}
	return false
}

// PublishStream acquires a local device and publishes it. Device failures
// surface with a cause distinct per class; an acquisition that silently
// returns a handle without the requested kind is rejected rather than
// treated as usable.
func (c *Controller) PublishStream(ctx context.Context, kind transport.TrackKind, displayName string) (transport.MediaHandle, error) {
	c.mu.Lock()
	tr := c.tr
	phase := c.phase
	c.mu.Unlock()
	if tr == nil || phase == PhaseIdle || phase.Failed() {
		return nil, fmt.Errorf("cannot publish in phase %s", phase)
	}

	constraints := transport.MediaConstraints{
		Camera: kind == transport.KindCamera,
		Mic:    kind == transport.KindMic,
	}
	devCtx, cancel := context.WithTimeout(ctx, c.cfg.DeviceWait)
	h, err := tr.AcquireMedia(devCtx, constraints)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", transport.Cause(err), err)
	}
	if h == nil || !h.HasKind(kind) {
		return nil, transport.ErrEmptyHandle
	}
	if err := tr.Publish(ctx, h); err != nil {
		return nil, fmt.Errorf("%s: %w", transport.Cause(err), err)
	}
	c.mu.Lock()
	c.local = h
	c.mu.Unlock()
	c.log.Info("published stream",
		zap.String("kind", string(kind)), zap.String("display_name", displayName))
	return h, nil
}

// UnpublishStream withdraws this participant's published media.
func (c *Controller) UnpublishStream(ctx context.Context) error {
	c.mu.Lock()
	tr := c.tr
	c.local = nil
	c.mu.Unlock()
	if tr == nil {
		return nil
	}
	return tr.Unpublish(ctx)
}

// ToggleMute flips the mic track in place (no renegotiation) and returns the
// new enabled state.
func (c *Controller) ToggleMute() (bool, error) {
	return c.toggle(transport.KindMic)
}

// ToggleVideo flips the camera track in place and returns the new state.
func (c *Controller) ToggleVideo() (bool, error) {
	return c.toggle(transport.KindCamera)
}

func (c *Controller) toggle(kind transport.TrackKind) (bool, error) {
	c.mu.Lock()
	h := c.local
	c.mu.Unlock()
	if h == nil || !h.HasKind(kind) {
		return false, fmt.Errorf("no published %s track", kind)
	}
	next := !h.Enabled(kind)
	if err := h.SetEnabled(kind, next); err != nil {
		return false, err
	}
	return next, nil
}

// RetryConnection is valid only from timeout/error; it performs a full
// teardown and re-initializes with the same parameters.
func (c *Controller) RetryConnection(ctx context.Context) error {
	c.mu.Lock()
	if !c.phase.Failed() {
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("retry only valid from timeout/error, current phase %s", phase)
	}
	role, constraints, sessionID := c.role, c.constraints, c.sessionID
	// unblock cleanup's idle guard
	c.phase = PhaseIdle
	c.mu.Unlock()
	c.Cleanup(ctx)
	return c.Initialize(ctx, role, constraints, sessionID)
}

// Cleanup releases all devices, unpublishes, leaves the session and resets
// the phase to idle. Safe to call any number of times; every exit path must
// go through it exactly once in effect.
func (c *Controller) Cleanup(ctx context.Context) {
	c.mu.Lock()
	tr := c.tr
	cancel := c.loopCancel
	done := c.loopDone
	c.tr = nil
	c.loopCancel = nil
	c.loopDone = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if tr != nil {
		_ = tr.Unpublish(ctx)
		_ = tr.Close()
	}

	c.mu.Lock()
	c.local = nil
	c.remote = nil
	c.connErr = ""
	c.failures = 0
	c.phase = PhaseIdle
	c.mu.Unlock()
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Err returns the human-readable cause of the last failure, empty when none.
func (c *Controller) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connErr
}

// ElapsedWaitSeconds reports how long the controller has sat in
// awaiting_producers; surfaced to the caller while waiting.
func (c *Controller) ElapsedWaitSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseAwaitingProducers || c.waitStart.IsZero() {
		return 0
	}
	return int(time.Since(c.waitStart).Seconds())
}

// RemoteStream returns the consumed broadcaster handle, nil before consuming.
func (c *Controller) RemoteStream() transport.MediaHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// CameraEnabled is derived from the published handle, not tracked separately.
func (c *Controller) CameraEnabled() bool { return c.kindEnabled(transport.KindCamera) }

// MicEnabled is derived from the published handle, not tracked separately.
func (c *Controller) MicEnabled() bool { return c.kindEnabled(transport.KindMic) }

func (c *Controller) kindEnabled(kind transport.TrackKind) bool {
	c.mu.Lock()
	h := c.local
	c.mu.Unlock()
	return h != nil && h.HasKind(kind) && h.Enabled(kind)
}

// Health recomputes the connection health snapshot. Never persisted.
func (c *Controller) Health() ConnectionHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionHealth{
		IsHealthy:           c.phase.Connected(),
		LastHeartbeatAt:     c.lastEvent,
		ConsecutiveFailures: c.failures,
		Details:             c.connErr,
	}
}
