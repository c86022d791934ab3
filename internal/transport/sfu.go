package transport

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTP buffer size (MTU-friendly). Used with sync.Pool to avoid per-packet allocs.
const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// ViewerTrackHandler is invoked when a viewer's published track arrives at
// the SFU. This is the integration point for the host-side camera receiver.
type ViewerTrackHandler func(sessionID uuid.UUID, participantID string, kind TrackKind)

// SFU relays media between the broadcaster and viewers, and fans each
// publishing viewer's media out to every other viewer. The host process is
// the selective-forwarding node; viewers never connect to each other.
type SFU struct {
	rooms map[uuid.UUID]*sfuRoom
	mu    sync.RWMutex
	log   *zap.Logger
	cfg   webrtc.Configuration

	onViewerTrack ViewerTrackHandler
}

type sfuRoom struct {
	sessionID   uuid.UUID
	hostID      string
	publishers  map[string]*publisherPeer
	tracks      []*relayTrack
	subscribers map[string]*subscriberPeer
	watchers    map[string]chan Event
	pubErrors   map[string]error
	mu          sync.RWMutex
	log         *zap.Logger
}

type publisherPeer struct {
	pc *webrtc.PeerConnection
}

type subscriberPeer struct {
	pc *webrtc.PeerConnection
}

type trackSender struct {
	local  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
}

type relayTrack struct {
	sourceID   string
	kind       TrackKind
	remote     *webrtc.TrackRemote
	senders    map[string]*trackSender // subscriber participant id -> sender
	enabled    atomic.Bool             // in-place mute/unmute, no renegotiation
	forwarding atomic.Bool             // viewer tracks stay parked until the relay activates them
	room       *sfuRoom
	firstOnce  sync.Once
	mu         sync.Mutex
}

// NewSFU creates an SFU with the given ICE (STUN/TURN) configuration.
func NewSFU(log *zap.Logger, iceServers []webrtc.ICEServer) *SFU {
	cfg := webrtc.Configuration{ICEServers: iceServers}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return &SFU{
		rooms: make(map[uuid.UUID]*sfuRoom),
		log:   log,
		cfg:   cfg,
	}
}

// SetViewerTrackHandler registers the hook invoked for each new viewer track.
func (s *SFU) SetViewerTrackHandler(fn ViewerTrackHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onViewerTrack = fn
}

func (s *SFU) getOrCreateRoom(sessionID uuid.UUID) *sfuRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[sessionID]; ok {
		return r
	}
	r := &sfuRoom{
		sessionID:   sessionID,
		publishers:  make(map[string]*publisherPeer),
		subscribers: make(map[string]*subscriberPeer),
		watchers:    make(map[string]chan Event),
		pubErrors:   make(map[string]error),
		log:         s.log.With(zap.String("session_id", sessionID.String())),
	}
	s.rooms[sessionID] = r
	return r
}

func (s *SFU) getRoom(sessionID uuid.UUID) *sfuRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[sessionID]
}

func kindOfRemote(t *webrtc.TrackRemote) TrackKind {
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		return KindCamera
	}
	return KindMic
}

// emit fans an event to every attached watcher except excludeID.
func (r *sfuRoom) emit(ev Event, excludeID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, ch := range r.watchers {
		if id == excludeID {
			continue
		}
		select {
		case ch <- ev:
		default:
			// watcher not draining, drop
		}
	}
}

func (r *sfuRoom) attachWatcher(participantID string, ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers[participantID] = ch
}

func (r *sfuRoom) detachWatcher(participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, participantID)
}

// HandlePublisherOffer handles an SDP offer from a publishing participant
// (the host, or a viewer publishing camera/mic back). Creates the publisher
// peer connection and sends the answer through sendToClient.
func (s *SFU) HandlePublisherOffer(sessionID uuid.UUID, participantID string, role Role, sdp webrtc.SessionDescription, sendToClient func(event string, payload interface{})) error {
	var r *sfuRoom
	if role == RoleHost {
		r = s.getOrCreateRoom(sessionID)
		r.mu.Lock()
		r.hostID = participantID
		r.mu.Unlock()
	} else {
		r = s.getRoom(sessionID)
		if r == nil {
			return ErrSessionNotFound
		}
	}

	r.mu.Lock()
	if prev, ok := r.publishers[participantID]; ok && prev.pc != nil {
		_ = prev.pc.Close()
		delete(r.publishers, participantID)
		r.dropTracksOfLocked(participantID)
	}
	r.mu.Unlock()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		sendToClient("webrtc_ice", map[string]interface{}{"target": "publisher", "candidate": json.RawMessage(b)})
	})

	fromHost := role == RoleHost
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &relayTrack{
			sourceID: participantID,
			kind:     kindOfRemote(track),
			remote:   track,
			senders:  make(map[string]*trackSender),
			room:     r,
		}
		rt.enabled.Store(true)
		r.mu.Lock()
		r.tracks = append(r.tracks, rt)
		r.mu.Unlock()
		if fromHost {
			// Host media fans out immediately; viewer media stays parked
			// until the stream relay activates it.
			rt.forwarding.Store(true)
			r.attachTrackToSubscribers(rt)
			r.emit(Event{Kind: EventProducerAvailable, ProducerID: participantID, Track: rt.kind}, participantID)
		} else {
			s.mu.RLock()
			handler := s.onViewerTrack
			s.mu.RUnlock()
			if handler != nil {
				handler(sessionID, participantID, rt.kind)
			}
		}
		go rt.readAndForward()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			r.emit(Event{Kind: EventConnectionStateChanged, ProducerID: participantID, State: ConnConnected}, "")
		case webrtc.PeerConnectionStateFailed:
			r.emit(Event{Kind: EventConnectionStateChanged, ProducerID: participantID, State: ConnFailed}, "")
		case webrtc.PeerConnectionStateClosed:
			if fromHost {
				r.emit(Event{Kind: EventProducerLost, ProducerID: participantID}, participantID)
			}
		}
	})

	if err := pc.SetRemoteDescription(sdp); err != nil {
		_ = pc.Close()
		return ErrNegotiationRejected
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return ErrNegotiationRejected
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return ErrNegotiationRejected
	}

	r.mu.Lock()
	r.publishers[participantID] = &publisherPeer{pc: pc}
	r.mu.Unlock()

	sendToClient("webrtc_publisher_answer", map[string]interface{}{
		"type": answer.Type.String(),
		"sdp":  answer.SDP,
	})
	return nil
}

func (rt *relayTrack) readAndForward() {
	for {
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := rt.remote.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			return
		}
		rt.firstOnce.Do(func() {
			rt.room.emit(Event{Kind: EventMediaFlowing, ProducerID: rt.sourceID, Track: rt.kind}, "")
		})
		if rt.enabled.Load() && rt.forwarding.Load() {
			// Copy the sender list under lock, write without holding it so one
			// slow subscriber doesn't block others.
			rt.mu.Lock()
			senders := make([]*trackSender, 0, len(rt.senders))
			for _, ts := range rt.senders {
				senders = append(senders, ts)
			}
			rt.mu.Unlock()
			for _, ts := range senders {
				_, _ = ts.local.Write(buf[:n])
			}
		}
		rtpBufferPool.Put(ptr)
	}
}

// attachTrackToSubscribers wires a relay track to every subscriber except its
// own source. A participant never receives their own media back.
func (r *sfuRoom) attachTrackToSubscribers(rt *relayTrack) {
	r.mu.RLock()
	subs := make(map[string]*subscriberPeer, len(r.subscribers))
	for id, sub := range r.subscribers {
		subs[id] = sub
	}
	r.mu.RUnlock()
	for id, sub := range subs {
		if id == rt.sourceID || sub.pc == nil {
			continue
		}
		rt.attachTo(id, sub)
	}
}

func (rt *relayTrack) attachTo(subscriberID string, sub *subscriberPeer) {
	rt.mu.Lock()
	if _, exists := rt.senders[subscriberID]; exists {
		rt.mu.Unlock()
		return
	}
	rt.mu.Unlock()
	local, err := webrtc.NewTrackLocalStaticRTP(rt.remote.Codec().RTPCodecCapability, rt.remote.ID(), rt.remote.StreamID())
	if err != nil {
		return
	}
	sender, err := sub.pc.AddTrack(local)
	if err != nil {
		return
	}
	rt.mu.Lock()
	rt.senders[subscriberID] = &trackSender{local: local, sender: sender}
	rt.mu.Unlock()
}

// detachFrom removes the track from one subscriber's peer connection.
func (rt *relayTrack) detachFrom(subscriberID string, sub *subscriberPeer) {
	rt.mu.Lock()
	ts, ok := rt.senders[subscriberID]
	if ok {
		delete(rt.senders, subscriberID)
	}
	rt.mu.Unlock()
	if ok && sub != nil && sub.pc != nil {
		_ = sub.pc.RemoveTrack(ts.sender)
	}
}

// dropTracksOfLocked removes all relay tracks sourced by a participant.
// Caller holds r.mu.
func (r *sfuRoom) dropTracksOfLocked(sourceID string) {
	kept := r.tracks[:0]
	for _, rt := range r.tracks {
		if rt.sourceID != sourceID {
			kept = append(kept, rt)
			continue
		}
		rt.forwarding.Store(false)
		rt.mu.Lock()
		senders := rt.senders
		rt.senders = make(map[string]*trackSender)
		rt.mu.Unlock()
		for subID, ts := range senders {
			if sub := r.subscribers[subID]; sub != nil && sub.pc != nil {
				_ = sub.pc.RemoveTrack(ts.sender)
			}
		}
	}
	r.tracks = kept
}

// HandleSubscribe creates a subscriber peer connection for a viewer and
// sends them an offer carrying every currently forwarding track except any
// they publish themselves.
func (s *SFU) HandleSubscribe(sessionID uuid.UUID, participantID string, sendToClient func(event string, payload interface{})) error {
	r := s.getRoom(sessionID)
	if r == nil {
		sendToClient("webrtc_error", map[string]string{"message": "no_stream"})
		return ErrSessionNotFound
	}
	r.mu.RLock()
	hasTracks := len(r.tracks) > 0
	r.mu.RUnlock()
	if !hasTracks {
		sendToClient("webrtc_error", map[string]string{"message": "no_stream"})
		return nil
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		sendToClient("webrtc_ice", map[string]interface{}{"target": "subscriber", "candidate": json.RawMessage(b)})
	})

	sub := &subscriberPeer{pc: pc}
	r.mu.Lock()
	if prev, ok := r.subscribers[participantID]; ok && prev.pc != nil {
		_ = prev.pc.Close()
	}
	r.subscribers[participantID] = sub
	tracks := make([]*relayTrack, len(r.tracks))
	copy(tracks, r.tracks)
	r.mu.Unlock()

	for _, rt := range tracks {
		if rt.sourceID == participantID || !rt.forwarding.Load() {
			continue
		}
		rt.attachTo(participantID, sub)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return ErrNegotiationRejected
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return ErrNegotiationRejected
	}
	sendToClient("webrtc_subscriber_offer", map[string]interface{}{
		"type": offer.Type.String(),
		"sdp":  offer.SDP,
	})
	return nil
}

// HandleSubscriberAnswer sets the remote description for a subscriber.
func (s *SFU) HandleSubscriberAnswer(sessionID uuid.UUID, participantID string, sdp webrtc.SessionDescription) error {
	r := s.getRoom(sessionID)
	if r == nil {
		return ErrSessionNotFound
	}
	r.mu.RLock()
	sub, ok := r.subscribers[participantID]
	r.mu.RUnlock()
	if !ok || sub.pc == nil {
		return nil
	}
	return sub.pc.SetRemoteDescription(sdp)
}

// HandlePublisherICE adds an ICE candidate to a publisher peer connection.
func (s *SFU) HandlePublisherICE(sessionID uuid.UUID, participantID string, candidate webrtc.ICECandidateInit) error {
	r := s.getRoom(sessionID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	pub, ok := r.publishers[participantID]
	r.mu.RUnlock()
	if !ok || pub.pc == nil {
		return nil
	}
	return pub.pc.AddICECandidate(candidate)
}

// HandleSubscriberICE adds an ICE candidate to a subscriber peer connection.
func (s *SFU) HandleSubscriberICE(sessionID uuid.UUID, participantID string, candidate webrtc.ICECandidateInit) error {
	r := s.getRoom(sessionID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	sub, ok := r.subscribers[participantID]
	r.mu.RUnlock()
	if !ok || sub.pc == nil {
		return nil
	}
	return sub.pc.AddICECandidate(candidate)
}

// StartForward activates fan-out of a viewer's tracks to all other viewers.
// Idempotent: already-forwarding tracks are left alone, so duplicate
// activation never creates a second relay path.
func (s *SFU) StartForward(sessionID uuid.UUID, sourceID string) error {
	r := s.getRoom(sessionID)
	if r == nil {
		return ErrSessionNotFound
	}
	r.mu.RLock()
	tracks := make([]*relayTrack, len(r.tracks))
	copy(tracks, r.tracks)
	r.mu.RUnlock()
	for _, rt := range tracks {
		if rt.sourceID != sourceID {
			continue
		}
		if rt.forwarding.CompareAndSwap(false, true) {
			r.attachTrackToSubscribers(rt)
		}
	}
	return nil
}

// StopForward synchronously stops fan-out of a viewer's tracks and removes
// them from every subscriber, so departed viewers never linger as frozen
// video.
func (s *SFU) StopForward(sessionID uuid.UUID, sourceID string) error {
	r := s.getRoom(sessionID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	tracks := make([]*relayTrack, len(r.tracks))
	copy(tracks, r.tracks)
	subs := make(map[string]*subscriberPeer, len(r.subscribers))
	for id, sub := range r.subscribers {
		subs[id] = sub
	}
	r.mu.RUnlock()
	for _, rt := range tracks {
		if rt.sourceID != sourceID {
			continue
		}
		rt.forwarding.Store(false)
		for subID, sub := range subs {
			rt.detachFrom(subID, sub)
		}
	}
	return nil
}

// setTrackEnabled toggles a participant's track in place.
func (s *SFU) setTrackEnabled(sessionID uuid.UUID, sourceID string, kind TrackKind, enabled bool) error {
	r := s.getRoom(sessionID)
	if r == nil {
		return ErrSessionNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.tracks {
		if rt.sourceID == sourceID && rt.kind == kind {
			rt.enabled.Store(enabled)
		}
	}
	return nil
}

func (s *SFU) trackEnabled(sessionID uuid.UUID, sourceID string, kind TrackKind) bool {
	r := s.getRoom(sessionID)
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.tracks {
		if rt.sourceID == sourceID && rt.kind == kind {
			return rt.enabled.Load()
		}
	}
	return false
}

// participantKinds reports which track kinds a participant has landed at the SFU.
func (s *SFU) participantKinds(sessionID uuid.UUID, sourceID string) []TrackKind {
	r := s.getRoom(sessionID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var kinds []TrackKind
	for _, rt := range r.tracks {
		if rt.sourceID == sourceID {
			kinds = append(kinds, rt.kind)
		}
	}
	return kinds
}

// SetPublishError records a client-reported device acquisition failure so
// the pending AcquireMedia can surface the specific cause.
func (s *SFU) SetPublishError(sessionID uuid.UUID, participantID string, reason string) {
	r := s.getRoom(sessionID)
	if r == nil {
		return
	}
	var err error
	switch reason {
	case "permission_denied":
		err = ErrPermissionDenied
	case "device_not_found":
		err = ErrDeviceNotFound
	case "device_busy":
		err = ErrDeviceBusy
	default:
		err = ErrNegotiationRejected
	}
	r.mu.Lock()
	r.pubErrors[participantID] = err
	r.mu.Unlock()
}

func (s *SFU) takePublishError(sessionID uuid.UUID, participantID string) error {
	r := s.getRoom(sessionID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.pubErrors[participantID]
	delete(r.pubErrors, participantID)
	return err
}

// ConnectedViewers returns the transport's connected-consumer count. This is
// the best-effort source for the session's viewer counter; the registry's
// participant rows stay authoritative.
func (s *SFU) ConnectedViewers(sessionID uuid.UUID) int {
	r := s.getRoom(sessionID)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// RemoveParticipant tears down everything the participant holds in the room.
func (s *SFU) RemoveParticipant(sessionID uuid.UUID, participantID string) {
	r := s.getRoom(sessionID)
	if r == nil {
		return
	}
	_ = s.StopForward(sessionID, participantID)
	r.mu.Lock()
	if sub, ok := r.subscribers[participantID]; ok {
		delete(r.subscribers, participantID)
		if sub.pc != nil {
			_ = sub.pc.Close()
		}
	}
	if pub, ok := r.publishers[participantID]; ok {
		delete(r.publishers, participantID)
		if pub.pc != nil {
			_ = pub.pc.Close()
		}
		r.dropTracksOfLocked(participantID)
	}
	isHost := r.hostID == participantID
	r.mu.Unlock()
	if isHost {
		r.emit(Event{Kind: EventProducerLost, ProducerID: participantID}, participantID)
	}
}

// CloseSession closes every peer connection and removes the room.
func (s *SFU) CloseSession(sessionID uuid.UUID) {
	s.mu.Lock()
	r, ok := s.rooms[sessionID]
	if ok {
		delete(s.rooms, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pub := range r.publishers {
		if pub.pc != nil {
			_ = pub.pc.Close()
		}
	}
	for _, sub := range r.subscribers {
		if sub.pc != nil {
			_ = sub.pc.Close()
		}
	}
	r.publishers = make(map[string]*publisherPeer)
	r.subscribers = make(map[string]*subscriberPeer)
	r.tracks = nil
}

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// ParseICEServers converts configured ICE URLs into pion server entries.
func ParseICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return defaultICE
	}
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}
