package matrix

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/kelvinbot/kelvin/internal/bus"
)

func testService(t *testing.T, evtCh chan bus.Event) *Service {
	t.Helper()
	svc, err := New("matrix", evtCh, Config{
		HomeserverURL: "https://matrix.example.org",
		UserID:        "kelvin",
		DataDir:       t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	svc.setIdentity("@kelvin:example.org")
	return svc
}

func textEvent(sender, body string) syncEvent {
	content, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
	return syncEvent{Type: "m.room.message", Sender: sender, EventID: "$ev", Content: content}
}

func syncWith(roomID string, events ...syncEvent) syncResponse {
	var resp syncResponse
	resp.Rooms.Join = map[string]struct {
		Timeline struct {
			Events []syncEvent `json:"events"`
		} `json:"timeline"`
	}{}
	entry := resp.Rooms.Join[roomID]
	entry.Timeline.Events = events
	resp.Rooms.Join[roomID] = entry
	return resp
}

func TestEmitTimelineClassifiesMessages(t *testing.T) {
	evtCh := bus.NewEventChannel(8)
	svc := testService(t, evtCh)
	svc.mu.Lock()
	svc.dmRooms["!dm:example.org"] = "@alice:example.org"
	svc.mu.Unlock()

	ctx := context.Background()

	t.Run("room message from local user", func(t *testing.T) {
		svc.emitTimeline(ctx, syncWith("!general:example.org", textEvent("@alice:example.org", "hi")))
		ev := <-evtCh
		msg, ok := ev.Kind.(bus.RoomMessage)
		if !ok {
			t.Fatalf("kind = %T", ev.Kind)
		}
		if msg.RoomID != "!general:example.org" || !msg.IsLocalUser || msg.IsSelf {
			t.Errorf("unexpected message: %+v", msg)
		}
	})

	t.Run("remote sender is not local", func(t *testing.T) {
		svc.emitTimeline(ctx, syncWith("!general:example.org", textEvent("@bob:elsewhere.org", "yo")))
		ev := <-evtCh
		if msg := ev.Kind.(bus.RoomMessage); msg.IsLocalUser {
			t.Errorf("remote sender flagged local: %+v", msg)
		}
	})

	t.Run("own message is self", func(t *testing.T) {
		svc.emitTimeline(ctx, syncWith("!general:example.org", textEvent("@kelvin:example.org", "beep")))
		ev := <-evtCh
		if msg := ev.Kind.(bus.RoomMessage); !msg.IsSelf {
			t.Errorf("own message not flagged self: %+v", msg)
		}
	})

	t.Run("dm room yields direct message", func(t *testing.T) {
		svc.emitTimeline(ctx, syncWith("!dm:example.org", textEvent("@alice:example.org", "psst")))
		ev := <-evtCh
		dm, ok := ev.Kind.(bus.DirectMessage)
		if !ok {
			t.Fatalf("kind = %T", ev.Kind)
		}
		if dm.UserID != "@alice:example.org" || dm.Body != "psst" {
			t.Errorf("unexpected dm: %+v", dm)
		}
	})

	t.Run("non-text events are skipped", func(t *testing.T) {
		content, _ := json.Marshal(map[string]string{"msgtype": "m.image", "body": "cat.png"})
		svc.emitTimeline(ctx, syncWith("!general:example.org",
			syncEvent{Type: "m.room.message", Sender: "@alice:example.org", Content: content},
			syncEvent{Type: "m.room.member", Sender: "@alice:example.org"},
		))
		select {
		case ev := <-evtCh:
			t.Fatalf("unexpected event %T", ev.Kind)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestApplyAccountDataTracksDirectRooms(t *testing.T) {
	svc := testService(t, bus.NewEventChannel(1))

	content, _ := json.Marshal(map[string][]string{
		"@alice:example.org": {"!dm1:example.org", "!dm2:example.org"},
	})
	var resp syncResponse
	resp.AccountData.Events = []syncEvent{{Type: "m.direct", Content: content}}
	svc.applyAccountData(resp)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.dmRooms["!dm1:example.org"] != "@alice:example.org" {
		t.Errorf("dmRooms = %v", svc.dmRooms)
	}
	if svc.dmPeers["@alice:example.org"] == "" {
		t.Errorf("dmPeers = %v", svc.dmPeers)
	}
}

func TestRenderMarkdown(t *testing.T) {
	if got := renderMarkdown(""); got != "" {
		t.Errorf("renderMarkdown(\"\") = %q", got)
	}

	got := renderMarkdown("**bold** text")
	if !strings.Contains(got, "<strong>bold</strong>") {
		t.Errorf("renderMarkdown() = %q", got)
	}
}

func TestSincePersistence(t *testing.T) {
	svc := testService(t, bus.NewEventChannel(1))

	if got := svc.loadSince(); got != "" {
		t.Errorf("loadSince() on fresh dir = %q", got)
	}
	svc.saveSince("s-123")
	if got := svc.loadSince(); got != "s-123" {
		t.Errorf("loadSince() = %q, want s-123", got)
	}
}
