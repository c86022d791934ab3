package session

import "time"

// Phase is a connection controller phase. It is the sole source of truth for
// a participant's connection state; booleans like "is connected" are derived
// from it, never tracked separately.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseConnecting        Phase = "connecting"
	PhaseDeviceLoading     Phase = "device_loading"
	PhaseJoiningRoom       Phase = "joining_room"
	PhaseAwaitingProducers Phase = "awaiting_producers"
	PhaseConsuming         Phase = "consuming"
	PhaseStreaming         Phase = "streaming"
	PhaseTimeout           Phase = "timeout"
	PhaseError             Phase = "error"
)

// phaseOrder enforces monotonic forward progress: a controller never regresses
// to an earlier phase without passing through idle first.
var phaseOrder = map[Phase]int{
	PhaseIdle:              0,
	PhaseConnecting:        1,
	PhaseDeviceLoading:     2,
	PhaseJoiningRoom:       3,
	PhaseAwaitingProducers: 4,
	PhaseConsuming:         5,
	PhaseStreaming:         6,
}

// Failed reports whether the phase is a terminal failure.
func (p Phase) Failed() bool { return p == PhaseTimeout || p == PhaseError }

// Terminal reports whether no further forward transition is possible.
func (p Phase) Terminal() bool { return p == PhaseStreaming || p.Failed() }

// Connected reports whether media is flowing or about to flow.
func (p Phase) Connected() bool { return p == PhaseConsuming || p == PhaseStreaming }

// canTransition reports whether from -> to is a legal phase transition.
func canTransition(from, to Phase) bool {
	if from.Failed() {
		// failure phases only leave via an explicit retry, which resets to
		// connecting through cleanup
		return false
	}
	if to == PhaseTimeout || to == PhaseError {
		return from != PhaseIdle
	}
	fo, ok1 := phaseOrder[from]
	to2, ok2 := phaseOrder[to]
	if !ok1 || !ok2 {
		return false
	}
	return to2 > fo
}

// ConnectionHealth is a derived, non-persistent snapshot used only to decide
// whether reconnection should be attempted.
type ConnectionHealth struct {
	IsHealthy           bool      `json:"is_healthy"`
	LastHeartbeatAt     time.Time `json:"last_heartbeat_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Details             string    `json:"details,omitempty"`
}
