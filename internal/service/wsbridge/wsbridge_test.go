package wsbridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kelvinbot/kelvin/internal/bus"
)

func TestHandleFrameTranslatesEvents(t *testing.T) {
	evtCh := bus.NewEventChannel(8)
	svc, err := New("bridge", evtCh, "wss://example.org/ws")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tests := []struct {
		name  string
		frame frame
		check func(t *testing.T, kind bus.EventKind)
	}{
		{
			name:  "room message",
			frame: frame{Type: "message", RoomID: "general", Body: "hi", SenderID: "u1", SenderName: "Alice"},
			check: func(t *testing.T, kind bus.EventKind) {
				msg, ok := kind.(bus.RoomMessage)
				if !ok {
					t.Fatalf("kind = %T", kind)
				}
				if msg.RoomID != "general" || msg.Body != "hi" || msg.SenderDisplayName != "Alice" {
					t.Errorf("unexpected message: %+v", msg)
				}
			},
		},
		{
			name:  "direct message",
			frame: frame{Type: "direct_message", UserID: "u2", Body: "psst", SenderID: "u2"},
			check: func(t *testing.T, kind bus.EventKind) {
				if _, ok := kind.(bus.DirectMessage); !ok {
					t.Fatalf("kind = %T", kind)
				}
			},
		},
		{
			name: "user list",
			frame: frame{Type: "user_list", Users: []frameUser{
				{ID: "u1", DisplayName: "Alice", IsActive: true},
				{ID: "bot", IsActive: true, IsSelf: true},
			}},
			check: func(t *testing.T, kind bus.EventKind) {
				update, ok := kind.(bus.UserListUpdate)
				if !ok {
					t.Fatalf("kind = %T", kind)
				}
				if len(update.Users) != 2 || !update.Users[1].IsSelf {
					t.Errorf("unexpected roster: %+v", update.Users)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc.handleFrame(ctx, tt.frame)
			select {
			case ev := <-evtCh:
				if ev.ServiceID != "bridge" {
					t.Errorf("ServiceID = %q", ev.ServiceID)
				}
				tt.check(t, ev.Kind)
			case <-time.After(time.Second):
				t.Fatal("no event emitted")
			}
		})
	}
}

func TestHandleFrameIgnoresUnknownTypes(t *testing.T) {
	evtCh := bus.NewEventChannel(1)
	svc, err := New("bridge", evtCh, "wss://example.org/ws")
	if err != nil {
		t.Fatal(err)
	}

	svc.handleFrame(context.Background(), frame{Type: "heartbeat"})
	select {
	case ev := <-evtCh:
		t.Fatalf("unexpected event %T", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAckResolvesPendingReply(t *testing.T) {
	svc, err := New("bridge", bus.NewEventChannel(1), "wss://example.org/ws")
	if err != nil {
		t.Fatal(err)
	}

	reply := bus.NewReply()
	svc.mu.Lock()
	svc.pending["frame-1"] = reply
	svc.mu.Unlock()

	svc.handleFrame(context.Background(), frame{Type: "ack", AckID: "frame-1", MessageID: "msg-9"})

	got, err := reply.Await(context.Background())
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if got != "msg-9" {
		t.Errorf("Await() = %q, want msg-9", got)
	}
}

func TestAckRejectsOnRemoteError(t *testing.T) {
	svc, err := New("bridge", bus.NewEventChannel(1), "wss://example.org/ws")
	if err != nil {
		t.Fatal(err)
	}

	reply := bus.NewReply()
	svc.mu.Lock()
	svc.pending["frame-2"] = reply
	svc.mu.Unlock()

	svc.handleFrame(context.Background(), frame{Type: "ack", AckID: "frame-2", Error: "room not found"})

	if _, err := reply.Await(context.Background()); err == nil {
		t.Error("Await() succeeded, want remote error")
	}
}

func TestCommandsRejectedWhileDisconnected(t *testing.T) {
	svc, err := New("bridge", bus.NewEventChannel(1), "wss://example.org/ws")
	if err != nil {
		t.Fatal(err)
	}

	reply := bus.NewReply()
	if err := svc.HandleCommand(context.Background(), bus.SendRoomMessage{
		ServiceID: "bridge", RoomID: "r", Body: "x", Reply: reply,
	}); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := reply.Await(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Await() error = %v, want not-connected rejection", err)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New("bridge", bus.NewEventChannel(1), ""); err == nil {
		t.Error("New() succeeded with empty url")
	}
}
