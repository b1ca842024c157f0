package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/kelvinbot/kelvin/internal/bus"
)

func startMiddleware(t *testing.T, mw bus.Middleware) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mw.Run(ctx)
	// Let Run capture its context before events arrive.
	time.Sleep(10 * time.Millisecond)
}

func recvCommand(t *testing.T, cmdCh <-chan bus.Command) bus.Command {
	t.Helper()
	select {
	case cmd := <-cmdCh:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a command")
		return nil
	}
}

func assertNoCommand(t *testing.T, cmdCh <-chan bus.Command) {
	t.Helper()
	select {
	case cmd := <-cmdCh:
		t.Fatalf("unexpected command %T", cmd)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEchoRepliesInKind(t *testing.T) {
	cmdCh := make(chan bus.Command, 4)
	echo := NewEcho(cmdCh, "!echo")
	startMiddleware(t, echo)

	t.Run("room message", func(t *testing.T) {
		ev := bus.Event{ServiceID: "chat", Kind: bus.RoomMessage{
			RoomID:   "room-1",
			Body:     "!echo hello there",
			SenderID: "alice",
		}}
		verdict, err := echo.OnEvent(&ev)
		if err != nil {
			t.Fatalf("OnEvent() error = %v", err)
		}
		if verdict != bus.VerdictContinue {
			t.Errorf("OnEvent() verdict = %v, want continue", verdict)
		}

		cmd, ok := recvCommand(t, cmdCh).(bus.SendRoomMessage)
		if !ok {
			t.Fatal("expected SendRoomMessage")
		}
		if cmd.ServiceID != "chat" || cmd.RoomID != "room-1" || cmd.Body != "hello there" {
			t.Errorf("unexpected command: %+v", cmd)
		}
		cmd.Reply.Resolve("msg-1")
	})

	t.Run("direct message", func(t *testing.T) {
		ev := bus.Event{ServiceID: "chat", Kind: bus.DirectMessage{
			UserID: "bob",
			Body:   "!echo hi",
		}}
		if _, err := echo.OnEvent(&ev); err != nil {
			t.Fatalf("OnEvent() error = %v", err)
		}

		cmd, ok := recvCommand(t, cmdCh).(bus.SendDirectMessage)
		if !ok {
			t.Fatal("expected SendDirectMessage")
		}
		if cmd.UserID != "bob" || cmd.Body != "hi" {
			t.Errorf("unexpected command: %+v", cmd)
		}
		cmd.Reply.Resolve("msg-2")
	})
}

func TestEchoIgnoresNonMatchingBodies(t *testing.T) {
	cmdCh := make(chan bus.Command, 4)
	echo := NewEcho(cmdCh, "!echo")
	startMiddleware(t, echo)

	tests := []struct {
		name string
		kind bus.EventKind
	}{
		{"unrelated body", bus.RoomMessage{RoomID: "r", Body: "hello"}},
		{"bare command without payload", bus.RoomMessage{RoomID: "r", Body: "!echo"}},
		{"command as substring", bus.RoomMessage{RoomID: "r", Body: "say !echo hi"}},
		{"user list update", bus.UserListUpdate{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := bus.Event{ServiceID: "chat", Kind: tt.kind}
			if _, err := echo.OnEvent(&ev); err != nil {
				t.Fatalf("OnEvent() error = %v", err)
			}
			assertNoCommand(t, cmdCh)
		})
	}
}
