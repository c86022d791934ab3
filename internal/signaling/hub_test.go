package signaling

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elraffme/oloo-live/internal/models"
	"github.com/elraffme/oloo-live/internal/session"
)

type fakeControl struct {
	mu        sync.Mutex
	published []string
	handlers  map[uuid.UUID]func(event string, payload []byte)
	cancelled int
}

func newFakeControl() *fakeControl {
	return &fakeControl{handlers: map[uuid.UUID]func(string, []byte){}}
}

func (f *fakeControl) PublishControl(sessionID uuid.UUID, event string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, event)
	return nil
}

func (f *fakeControl) SubscribeControl(sessionID uuid.UUID, handler func(event string, payload []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[sessionID] = handler
	return func() {
		f.mu.Lock()
		f.cancelled++
		delete(f.handlers, sessionID)
		f.mu.Unlock()
	}, nil
}

func testClient(sessionID uuid.UUID, id string, role models.ParticipantRole) *Client {
	return &Client{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		send:      make(chan WSMessage, 8),
	}
}

func TestHubTracksHostPresence(t *testing.T) {
	ctrl := newFakeControl()
	hub := NewHub(zap.NewNop(), ctrl, ctrl)
	sessionID := uuid.New()

	if hub.HostPresent(sessionID) {
		t.Fatal("host present before anyone registered")
	}

	viewer := testClient(sessionID, "v1", models.RoleViewer)
	hub.Register(viewer)
	if hub.HostPresent(sessionID) {
		t.Fatal("viewer registration must not count as host presence")
	}

	host := testClient(sessionID, "h1", models.RoleHost)
	hub.Register(host)
	if !hub.HostPresent(sessionID) {
		t.Fatal("host not tracked after registration")
	}
	if got := hub.AudienceCount(sessionID); got != 2 {
		t.Fatalf("audience = %d, want 2", got)
	}

	hub.Unregister(host)
	if hub.HostPresent(sessionID) {
		t.Fatal("host still present after unregister")
	}
}

func TestWatchHostReportsImmediatelyAndOnChange(t *testing.T) {
	ctrl := newFakeControl()
	hub := NewHub(zap.NewNop(), ctrl, ctrl)
	sessionID := uuid.New()

	var mu sync.Mutex
	var seen []bool
	cancel := hub.WatchHost(sessionID, func(present bool) {
		mu.Lock()
		seen = append(seen, present)
		mu.Unlock()
	})
	defer cancel()

	mu.Lock()
	if len(seen) != 1 || seen[0] {
		t.Fatalf("immediate report = %v, want [false]", seen)
	}
	mu.Unlock()

	host := testClient(sessionID, "h1", models.RoleHost)
	hub.Register(host)
	hub.Unregister(host)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || !seen[1] || seen[2] {
		t.Fatalf("presence reports = %v, want [false true false]", seen)
	}
}

func TestRegisterSubscribesControlOnce(t *testing.T) {
	ctrl := newFakeControl()
	hub := NewHub(zap.NewNop(), ctrl, ctrl)
	sessionID := uuid.New()

	a := testClient(sessionID, "a", models.RoleViewer)
	b := testClient(sessionID, "b", models.RoleViewer)
	hub.Register(a)
	hub.Register(b)

	ctrl.mu.Lock()
	subs := len(ctrl.handlers)
	ctrl.mu.Unlock()
	if subs != 1 {
		t.Fatalf("control subscriptions = %d, want 1", subs)
	}

	hub.Unregister(a)
	hub.Unregister(b)
	ctrl.mu.Lock()
	cancelled := ctrl.cancelled
	ctrl.mu.Unlock()
	if cancelled != 1 {
		t.Fatalf("cancelled subscriptions = %d, want 1 after the last client left", cancelled)
	}
}

func TestBroadcastToSessionDeliversLocally(t *testing.T) {
	ctrl := newFakeControl()
	hub := NewHub(zap.NewNop(), ctrl, ctrl)
	sessionID := uuid.New()

	a := testClient(sessionID, "a", models.RoleViewer)
	b := testClient(sessionID, "b", models.RoleViewer)
	hub.Register(a)
	hub.Register(b)

	hub.BroadcastToSession(sessionID, "audience_count", map[string]int{"count": 2})
	for _, c := range []*Client{a, b} {
		select {
		case msg := <-c.send:
			if msg.Event != "audience_count" {
				t.Fatalf("event = %q", msg.Event)
			}
		default:
			t.Fatalf("client %s got nothing", c.ID)
		}
	}
}

func TestPublishOnlyAvoidsLocalDoubleDelivery(t *testing.T) {
	ctrl := newFakeControl()
	hub := NewHub(zap.NewNop(), ctrl, ctrl)
	sessionID := uuid.New()

	a := testClient(sessionID, "a", models.RoleViewer)
	hub.Register(a)

	hub.PublishOnly(sessionID, "chat_message", map[string]string{"text": "hi"})
	select {
	case <-a.send:
		t.Fatal("publish-only must not deliver locally; the control subscriber does that")
	default:
	}
	ctrl.mu.Lock()
	published := len(ctrl.published)
	ctrl.mu.Unlock()
	if published != 1 {
		t.Fatalf("published = %d, want 1", published)
	}
}

func TestHostChannelFollowsPresence(t *testing.T) {
	ctrl := newFakeControl()
	hub := NewHub(zap.NewNop(), ctrl, ctrl)
	sessionID := uuid.New()

	ch := NewHostChannel(hub, sessionID)
	var mu sync.Mutex
	var statuses []session.ChannelStatus
	ch.SetStatusHandler(func(s session.ChannelStatus) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	// no host yet: still connecting, not an error
	if got := ch.Status(); got != session.ChannelConnecting {
		t.Fatalf("status = %s, want %s", got, session.ChannelConnecting)
	}

	host := testClient(sessionID, "h1", models.RoleHost)
	hub.Register(host)
	if got := ch.Status(); got != session.ChannelConnected {
		t.Fatalf("status = %s, want %s", got, session.ChannelConnected)
	}

	hub.Unregister(host)
	if got := ch.Status(); got != session.ChannelError {
		t.Fatalf("status = %s, want %s after host departure", got, session.ChannelError)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := ch.Status(); got != session.ChannelClosed {
		t.Fatalf("status = %s, want %s", got, session.ChannelClosed)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []session.ChannelStatus{session.ChannelConnected, session.ChannelError, session.ChannelClosed}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
}

func TestHostChannelConnectedImmediatelyWhenHostAlreadyPresent(t *testing.T) {
	ctrl := newFakeControl()
	hub := NewHub(zap.NewNop(), ctrl, ctrl)
	sessionID := uuid.New()

	hub.Register(testClient(sessionID, "h1", models.RoleHost))

	ch := NewHostChannel(hub, sessionID)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := ch.Status(); got != session.ChannelConnected {
		t.Fatalf("status = %s, want %s before any presence change", got, session.ChannelConnected)
	}
}
