package signaling

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/elraffme/oloo-live/internal/session"
)

// HostChannel adapts the hub's host presence into the broadcast manager's
// control channel: the channel is connected exactly while the broadcaster's
// signaling connection is registered.
type HostChannel struct {
	hub       *Hub
	sessionID uuid.UUID

	mu      sync.Mutex
	status  session.ChannelStatus
	handler func(session.ChannelStatus)
	cancel  func()
}

// NewHostChannel creates the channel for one session.
func NewHostChannel(hub *Hub, sessionID uuid.UUID) *HostChannel {
	return &HostChannel{
		hub:       hub,
		sessionID: sessionID,
		status:    session.ChannelConnecting,
	}
}

// Open starts watching host presence. Presence is reported immediately, so a
// host already connected flips the channel to connected before Open returns.
func (ch *HostChannel) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cancel := ch.hub.WatchHost(ch.sessionID, func(present bool) {
		if present {
			ch.set(session.ChannelConnected)
			return
		}
		// a host that has not arrived yet is still "connecting"; only a
		// departure after connect is an error
		ch.mu.Lock()
		wasConnected := ch.status == session.ChannelConnected
		ch.mu.Unlock()
		if wasConnected {
			ch.set(session.ChannelError)
		}
	})
	ch.mu.Lock()
	ch.cancel = cancel
	ch.mu.Unlock()
	return nil
}

func (ch *HostChannel) set(s session.ChannelStatus) {
	ch.mu.Lock()
	if ch.status == s {
		ch.mu.Unlock()
		return
	}
	ch.status = s
	handler := ch.handler
	ch.mu.Unlock()
	if handler != nil {
		handler(s)
	}
}

// SetStatusHandler registers the status callback.
func (ch *HostChannel) SetStatusHandler(fn func(session.ChannelStatus)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handler = fn
}

// Status returns the current channel status.
func (ch *HostChannel) Status() session.ChannelStatus {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.status
}

// Close stops watching and marks the channel closed.
func (ch *HostChannel) Close() error {
	ch.mu.Lock()
	cancel := ch.cancel
	ch.cancel = nil
	ch.status = session.ChannelClosed
	handler := ch.handler
	ch.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if handler != nil {
		handler(session.ChannelClosed)
	}
	return nil
}
