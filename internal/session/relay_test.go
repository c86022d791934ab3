package session

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/elraffme/oloo-live/internal/transport"
)

func viewerMedia(pid, name string) ViewerMedia {
	return ViewerMedia{
		ParticipantID: pid,
		DisplayName:   name,
		Handle:        newFakeHandle(pid, transport.KindCamera),
	}
}

func TestRelayActivatesJoinThenMedia(t *testing.T) {
	fw := &fakeForwarder{}
	r := NewStreamRelay(uuid.New(), fw, nil)

	r.NotifyViewerJoined("v1", "Ada")
	if len(r.ActiveHandles()) != 0 {
		t.Fatal("relay must not activate before media arrives")
	}

	r.OnNewViewerCamera(viewerMedia("v1", ""))
	handles := r.ActiveHandles()
	if len(handles) != 1 {
		t.Fatalf("active handles = %d, want 1", len(handles))
	}
	if handles[0].SourceParticipantID != "v1" || handles[0].DisplayName != "Ada" {
		t.Fatalf("handle = %+v, want v1/Ada", handles[0])
	}
	if fw.startCount("v1") != 1 {
		t.Fatalf("start forwards = %d, want 1", fw.startCount("v1"))
	}
}

func TestRelayActivatesMediaThenJoin(t *testing.T) {
	fw := &fakeForwarder{}
	r := NewStreamRelay(uuid.New(), fw, nil)

	r.OnNewViewerCamera(viewerMedia("v1", "Ada"))
	if len(r.ActiveHandles()) != 0 {
		t.Fatal("relay must not activate before the registry announces the viewer")
	}

	r.NotifyViewerJoined("v1", "Ada")
	if len(r.ActiveHandles()) != 1 {
		t.Fatal("relay should activate once both facts are known")
	}
	if fw.startCount("v1") != 1 {
		t.Fatalf("start forwards = %d, want 1", fw.startCount("v1"))
	}
}

func TestRelayActivationIdempotent(t *testing.T) {
	fw := &fakeForwarder{}
	r := NewStreamRelay(uuid.New(), fw, nil)

	r.NotifyViewerJoined("v1", "Ada")
	r.OnNewViewerCamera(viewerMedia("v1", "Ada"))
	r.OnNewViewerCamera(viewerMedia("v1", "Ada"))
	r.NotifyViewerJoined("v1", "Ada")

	if fw.startCount("v1") != 1 {
		t.Fatalf("start forwards = %d, want exactly 1 despite duplicates", fw.startCount("v1"))
	}
	if len(r.ActiveHandles()) != 1 {
		t.Fatalf("active handles = %d, want 1", len(r.ActiveHandles()))
	}
}

func TestRelayStartFailureLeavesInactive(t *testing.T) {
	fw := &fakeForwarder{startErr: transport.ErrSessionNotFound}
	r := NewStreamRelay(uuid.New(), fw, nil)

	r.NotifyViewerJoined("v1", "Ada")
	r.OnNewViewerCamera(viewerMedia("v1", "Ada"))
	if len(r.ActiveHandles()) != 0 {
		t.Fatal("a failed forward start must not surface as active")
	}
}

func TestViewerLeftDeactivatesSynchronously(t *testing.T) {
	fw := &fakeForwarder{}
	r := NewStreamRelay(uuid.New(), fw, nil)

	r.NotifyViewerJoined("v1", "Ada")
	r.OnNewViewerCamera(viewerMedia("v1", "Ada"))

	r.OnViewerLeft("v1")
	if len(r.ActiveHandles()) != 0 {
		t.Fatal("departed viewer still listed as active")
	}
	if fw.stopCount("v1") != 1 {
		t.Fatalf("stop forwards = %d, want 1", fw.stopCount("v1"))
	}

	// late media for the departed viewer must not resurrect the relay
	r.OnNewViewerCamera(viewerMedia("v1", "Ada"))
	if len(r.ActiveHandles()) != 0 {
		t.Fatal("relay resurrected a departed viewer without a fresh join")
	}
}

func TestRelayCleanupStopsAllActive(t *testing.T) {
	fw := &fakeForwarder{}
	r := NewStreamRelay(uuid.New(), fw, nil)

	for _, pid := range []string{"v1", "v2"} {
		r.NotifyViewerJoined(pid, pid)
		r.OnNewViewerCamera(viewerMedia(pid, pid))
	}
	r.Cleanup(context.Background())
	r.Cleanup(context.Background()) // idempotent

	if fw.stopCount("v1") != 1 || fw.stopCount("v2") != 1 {
		t.Fatalf("cleanup should stop every active relay once, got v1=%d v2=%d",
			fw.stopCount("v1"), fw.stopCount("v2"))
	}
	if len(r.ActiveHandles()) != 0 {
		t.Fatal("handles remain after cleanup")
	}
}
