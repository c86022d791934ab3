package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elraffme/oloo-live/internal/models"
	"github.com/elraffme/oloo-live/internal/registry"
	"github.com/elraffme/oloo-live/internal/transport"
)

// fakeHandle implements transport.MediaHandle.
type fakeHandle struct {
	mu      sync.Mutex
	id      string
	kinds   map[transport.TrackKind]bool
	enabled map[transport.TrackKind]bool
}

func newFakeHandle(id string, kinds ...transport.TrackKind) *fakeHandle {
	h := &fakeHandle{
		id:      id,
		kinds:   map[transport.TrackKind]bool{},
		enabled: map[transport.TrackKind]bool{},
	}
	for _, k := range kinds {
		h.kinds[k] = true
		h.enabled[k] = true
	}
	return h
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) HasKind(kind transport.TrackKind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kinds[kind]
}

func (h *fakeHandle) SetEnabled(kind transport.TrackKind, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.kinds[kind] {
		return transport.ErrDeviceNotFound
	}
	h.enabled[kind] = enabled
	return nil
}

func (h *fakeHandle) Enabled(kind transport.TrackKind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled[kind]
}

// fakeTransport implements transport.Transport with scriptable failures.
type fakeTransport struct {
	mu              sync.Mutex
	events          chan transport.Event
	connectErr      error
	acquireErr      error
	acquireHandle   transport.MediaHandle
	publishErr      error
	subscribeErr    error
	subscribeCalls  int
	published       bool
	unpublishCalls  int
	closed          bool
	closeOnce       sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 16)}
}

func (f *fakeTransport) Connect(ctx context.Context, role transport.Role, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeTransport) AcquireMedia(ctx context.Context, c transport.MediaConstraints) (transport.MediaHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	if f.acquireHandle != nil {
		return f.acquireHandle, nil
	}
	var kinds []transport.TrackKind
	if c.Camera {
		kinds = append(kinds, transport.KindCamera)
	}
	if c.Mic {
		kinds = append(kinds, transport.KindMic)
	}
	return newFakeHandle("local", kinds...), nil
}

func (f *fakeTransport) Publish(ctx context.Context, h transport.MediaHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	if h == nil || (!h.HasKind(transport.KindCamera) && !h.HasKind(transport.KindMic)) {
		return transport.ErrEmptyHandle
	}
	f.published = true
	return nil
}

func (f *fakeTransport) Unpublish(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unpublishCalls++
	f.published = false
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, producerID string) (transport.MediaHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return newFakeHandle(producerID, transport.KindCamera, transport.KindMic), nil
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeTransport) emit(ev transport.Event) { f.events <- ev }

func (f *fakeTransport) setSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

// fakeChannel implements Channel with a manually driven status.
type fakeChannel struct {
	mu          sync.Mutex
	handler     func(ChannelStatus)
	status      ChannelStatus
	openErr     error
	autoConnect bool
	closed      bool
}

func newFakeChannel() *fakeChannel { return &fakeChannel{status: ChannelConnecting} }

func (c *fakeChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	err := c.openErr
	auto := c.autoConnect
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if auto {
		c.fire(ChannelConnected)
	}
	return nil
}

func (c *fakeChannel) SetStatusHandler(fn func(ChannelStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

func (c *fakeChannel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.status = ChannelClosed
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) fire(s ChannelStatus) {
	c.mu.Lock()
	c.status = s
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// fakeForwarder implements Forwarder.
type fakeForwarder struct {
	mu       sync.Mutex
	started  []string
	stopped  []string
	startErr error
}

func (f *fakeForwarder) StartForward(sessionID uuid.UUID, participantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, participantID)
	return nil
}

func (f *fakeForwarder) StopForward(sessionID uuid.UUID, participantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, participantID)
	return nil
}

func (f *fakeForwarder) startCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.started {
		if s == id {
			n++
		}
	}
	return n
}

func (f *fakeForwarder) stopCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.stopped {
		if s == id {
			n++
		}
	}
	return n
}

// fakeSessionWriter implements SessionWriter.
type fakeSessionWriter struct {
	mu      sync.Mutex
	counts  []int
	touches int
}

func (w *fakeSessionWriter) UpdateViewerCount(ctx context.Context, id uuid.UUID, count int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counts = append(w.counts, count)
	return nil
}

func (w *fakeSessionWriter) TouchActivity(ctx context.Context, id uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touches++
	return nil
}

// fakeCounter implements ViewerCounter.
type fakeCounter struct {
	mu    sync.Mutex
	count int
}

func (c *fakeCounter) ConnectedViewers(sessionID uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// fakeFeed implements Feed.
type fakeFeed struct {
	ch        chan registry.Event
	cancelled bool
	mu        sync.Mutex
}

func newFakeFeed() *fakeFeed { return &fakeFeed{ch: make(chan registry.Event, 16)} }

func (f *fakeFeed) Subscribe(sessionID uuid.UUID) (<-chan registry.Event, func(), error) {
	return f.ch, func() {
		f.mu.Lock()
		f.cancelled = true
		f.mu.Unlock()
	}, nil
}

// fakeSubscriber implements Subscriber.
type fakeSubscriber struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, producerID string) (transport.MediaHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, producerID)
	if s.err != nil {
		return nil, s.err
	}
	return newFakeHandle(producerID, transport.KindCamera), nil
}

func (s *fakeSubscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// fakeSessionStore implements SessionStore.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.StreamSession
	archived []uuid.UUID
	statuses []models.SessionStatus
	liveSet  bool
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[uuid.UUID]*models.StreamSession{}}
}

func (s *fakeSessionStore) add(sess *models.StreamSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *fakeSessionStore) GetByID(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeSessionStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	if sess, ok := s.sessions[id]; ok {
		sess.Status = status
	}
	return nil
}

func (s *fakeSessionStore) SetLive(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || (sess.Status != models.SessionPending && sess.Status != models.SessionWaiting) {
		return context.Canceled
	}
	now := time.Now()
	sess.Status = models.SessionLive
	sess.StartedAt = &now
	sess.LastActivityAt = now
	s.liveSet = true
	return nil
}

func (s *fakeSessionStore) Archive(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, id)
	if sess, ok := s.sessions[id]; ok {
		sess.Status = models.SessionArchived
		sess.CurrentViewerCount = 0
	}
	return nil
}

func (s *fakeSessionStore) ArchiveActiveByHost(ctx context.Context, hostID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, sess := range s.sessions {
		if sess.HostID == hostID && sess.Status.Active() {
			sess.Status = models.SessionArchived
			ids = append(ids, id)
			s.archived = append(s.archived, id)
		}
	}
	return ids, nil
}

func (s *fakeSessionStore) UpdateViewerCount(ctx context.Context, id uuid.UUID, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.CurrentViewerCount = count
	}
	return nil
}

func (s *fakeSessionStore) TouchActivity(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastActivityAt = time.Now()
	}
	return nil
}

func (s *fakeSessionStore) archivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.archived)
}

func (s *fakeSessionStore) status(id uuid.UUID) models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Status
	}
	return ""
}

// fakeParticipantStore implements ParticipantStore.
type fakeParticipantStore struct {
	mu      sync.Mutex
	leftAll int
}

func (p *fakeParticipantStore) LeaveAllOpen(ctx context.Context, sessionID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leftAll++
	return nil
}

// fakeSink implements EventSink.
type fakeSink struct {
	mu     sync.Mutex
	events []registry.Event
}

func (s *fakeSink) Publish(ctx context.Context, ev registry.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// fakeNotifier implements Notifier.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) BroadcastAndPublish(sessionID uuid.UUID, event string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

// fakeExports implements ExportQueue.
type fakeExports struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (e *fakeExports) EnqueueArchiveExport(ctx context.Context, sessionID, hostID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enqueued = append(e.enqueued, sessionID)
	return nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
