package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/elraffme/oloo-live/internal/transport"
)

func newTestManager(ch *fakeChannel, fw *fakeForwarder, w *fakeSessionWriter, counter *fakeCounter, cfg BroadcastConfig) *BroadcastManager {
	return NewBroadcastManager(uuid.New(), "host-1", ch, w, counter, fw, cfg, nil)
}

func TestWaitConnectedBlocksUntilChannelUp(t *testing.T) {
	ch := newFakeChannel()
	m := newTestManager(ch, &fakeForwarder{}, &fakeSessionWriter{}, &fakeCounter{}, BroadcastConfig{})

	if err := m.InitializeChannel(context.Background()); err != nil {
		t.Fatalf("InitializeChannel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.WaitConnected(ctx); err == nil {
		t.Fatal("WaitConnected should fail while the channel is still connecting")
	}

	ch.fire(ChannelConnected)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := m.WaitConnected(ctx2); err != nil {
		t.Fatalf("WaitConnected after connect: %v", err)
	}
	if h := m.CheckChannelHealth(); !h.IsHealthy {
		t.Fatalf("health = %+v, want healthy", h)
	}
}

func TestChannelOpenFailureReportsError(t *testing.T) {
	ch := newFakeChannel()
	ch.openErr = context.DeadlineExceeded
	m := newTestManager(ch, &fakeForwarder{}, &fakeSessionWriter{}, &fakeCounter{}, BroadcastConfig{})

	var got ChannelStatus
	m.SetChannelStatusHandler(func(s ChannelStatus) { got = s })
	if err := m.InitializeChannel(context.Background()); err == nil {
		t.Fatal("expected open failure")
	}
	if got != ChannelError {
		t.Fatalf("status handler saw %s, want %s", got, ChannelError)
	}
	if h := m.CheckChannelHealth(); h.IsHealthy {
		t.Fatal("channel should be unhealthy after a failed open")
	}
}

func TestPublishLocalRejectsEmptyHandle(t *testing.T) {
	fw := &fakeForwarder{}
	m := newTestManager(newFakeChannel(), fw, &fakeSessionWriter{}, &fakeCounter{}, BroadcastConfig{})

	if err := m.PublishLocal(context.Background(), newFakeHandle("bare")); err == nil {
		t.Fatal("handle without tracks must be rejected")
	}
	if fw.startCount("host-1") != 0 {
		t.Fatal("no forward should start for a rejected handle")
	}
}

func TestPublishThenResetRepublishes(t *testing.T) {
	fw := &fakeForwarder{}
	m := newTestManager(newFakeChannel(), fw, &fakeSessionWriter{}, &fakeCounter{}, BroadcastConfig{})

	h := newFakeHandle("local", transport.KindCamera, transport.KindMic)
	if err := m.PublishLocal(context.Background(), h); err != nil {
		t.Fatalf("PublishLocal: %v", err)
	}
	if fw.startCount("host-1") != 1 {
		t.Fatalf("start forwards = %d, want 1", fw.startCount("host-1"))
	}

	if err := m.ResetStream(context.Background()); err != nil {
		t.Fatalf("ResetStream: %v", err)
	}
	if fw.stopCount("host-1") != 1 || fw.startCount("host-1") != 2 {
		t.Fatalf("reset should stop once and start again, got stop=%d start=%d",
			fw.stopCount("host-1"), fw.startCount("host-1"))
	}
}

func TestViewerCountLoopWritesAndTouchesActivity(t *testing.T) {
	w := &fakeSessionWriter{}
	counter := &fakeCounter{count: 3}
	m := newTestManager(newFakeChannel(), &fakeForwarder{}, w, counter,
		BroadcastConfig{ViewerCountInterval: 10 * time.Millisecond})

	m.Start(context.Background())
	defer m.Cleanup(context.Background())

	if !waitFor(time.Second, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.counts) >= 2
	}) {
		t.Fatal("viewer count never written")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.counts[0] != 3 {
		t.Fatalf("first count write = %d, want 3", w.counts[0])
	}
	if w.touches == 0 {
		t.Fatal("activity should be touched while viewers are present")
	}
}

func TestCleanupStopsForwardAndClosesChannel(t *testing.T) {
	ch := newFakeChannel()
	fw := &fakeForwarder{}
	m := newTestManager(ch, fw, &fakeSessionWriter{}, &fakeCounter{}, BroadcastConfig{})

	h := newFakeHandle("local", transport.KindCamera)
	if err := m.PublishLocal(context.Background(), h); err != nil {
		t.Fatalf("PublishLocal: %v", err)
	}
	m.Start(context.Background())
	m.Cleanup(context.Background())
	m.Cleanup(context.Background()) // idempotent

	if fw.stopCount("host-1") != 1 {
		t.Fatalf("stop forwards = %d, want exactly 1", fw.stopCount("host-1"))
	}
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if !closed {
		t.Fatal("channel not closed by cleanup")
	}
}
