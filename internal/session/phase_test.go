package session

import "testing"

func TestCanTransitionForwardOnly(t *testing.T) {
	cases := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseIdle, PhaseConnecting, true},
		{PhaseConnecting, PhaseDeviceLoading, true},
		{PhaseConnecting, PhaseJoiningRoom, true}, // consume-only skips device_loading
		{PhaseJoiningRoom, PhaseAwaitingProducers, true},
		{PhaseAwaitingProducers, PhaseConsuming, true},
		{PhaseConsuming, PhaseStreaming, true},
		{PhaseJoiningRoom, PhaseStreaming, true}, // host path skips the consumer phases

		{PhaseStreaming, PhaseConsuming, false},
		{PhaseConsuming, PhaseAwaitingProducers, false},
		{PhaseDeviceLoading, PhaseConnecting, false},
		{PhaseStreaming, PhaseIdle, false},
	}
	for _, c := range cases {
		if got := canTransition(c.from, c.to); got != c.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestFailurePhasesOnlyLeaveViaRetry(t *testing.T) {
	for _, from := range []Phase{PhaseTimeout, PhaseError} {
		for _, to := range []Phase{PhaseIdle, PhaseConnecting, PhaseStreaming, PhaseError, PhaseTimeout} {
			if from == to {
				continue
			}
			if canTransition(from, to) {
				t.Errorf("canTransition(%s, %s) should be false", from, to)
			}
		}
	}
}

func TestFailureReachableFromAnyNonIdlePhase(t *testing.T) {
	active := []Phase{PhaseConnecting, PhaseDeviceLoading, PhaseJoiningRoom, PhaseAwaitingProducers, PhaseConsuming, PhaseStreaming}
	for _, from := range active {
		if !canTransition(from, PhaseError) {
			t.Errorf("canTransition(%s, error) should be true", from)
		}
		if !canTransition(from, PhaseTimeout) {
			t.Errorf("canTransition(%s, timeout) should be true", from)
		}
	}
	if canTransition(PhaseIdle, PhaseTimeout) {
		t.Error("idle cannot time out")
	}
	if canTransition(PhaseIdle, PhaseError) {
		t.Error("idle cannot fail")
	}
}

func TestPhasePredicates(t *testing.T) {
	if !PhaseTimeout.Failed() || !PhaseError.Failed() {
		t.Error("timeout and error are failure phases")
	}
	if PhaseStreaming.Failed() {
		t.Error("streaming is not a failure")
	}
	if !PhaseStreaming.Terminal() || !PhaseError.Terminal() {
		t.Error("streaming and error are terminal")
	}
	if PhaseConsuming.Terminal() {
		t.Error("consuming is not terminal")
	}
	if !PhaseConsuming.Connected() || !PhaseStreaming.Connected() {
		t.Error("consuming and streaming count as connected")
	}
	if PhaseAwaitingProducers.Connected() {
		t.Error("awaiting_producers is not connected")
	}
}
