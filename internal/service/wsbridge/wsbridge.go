// Package wsbridge adapts an arbitrary chat backend behind a websocket to
// the bus. The remote end speaks a small JSON frame protocol: inbound frames
// become events, commands become outbound frames, and send acknowledgements
// are correlated back to replies by frame ID.
package wsbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/kelvinbot/kelvin/internal/bus"
	"github.com/kelvinbot/kelvin/internal/service"
)

const ackTimeout = 30 * time.Second

// frame is the wire format in both directions. Type selects which fields
// are meaningful.
type frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// message / direct_message / send_message / send_direct_message
	RoomID      string `json:"room_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	Body        string `json:"body,omitempty"`
	SenderID    string `json:"sender_id,omitempty"`
	SenderName  string `json:"sender_name,omitempty"`
	IsLocalUser bool   `json:"is_local_user,omitempty"`
	IsSelf      bool   `json:"is_self,omitempty"`

	// edit_message
	MessageID string `json:"message_id,omitempty"`

	// user_list
	Users []frameUser `json:"users,omitempty"`

	// ack
	AckID string `json:"ack_id,omitempty"`
	Error string `json:"error,omitempty"`
}

type frameUser struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	IsActive    bool   `json:"is_active"`
	IsSelf      bool   `json:"is_self,omitempty"`
}

// Service bridges the bus to one websocket endpoint.
type Service struct {
	*service.Base
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	runCtx  context.Context
	pending map[string]*bus.Reply // outbound frame ID → reply awaiting ack
}

func New(id bus.ServiceID, evtTx chan<- bus.Event, url string) (*Service, error) {
	if url == "" {
		return nil, fmt.Errorf("websocket url cannot be empty")
	}
	return &Service{
		Base:    service.NewBase(id, evtTx),
		url:     url,
		pending: make(map[string]*bus.Reply),
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	slog.Info("starting websocket bridge", "service_id", s.ID(), "url", s.url)

	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(1 << 20) // 1MB

	s.mu.Lock()
	s.conn = conn
	s.runCtx = ctx
	s.mu.Unlock()

	defer func() {
		conn.Close(websocket.StatusNormalClosure, "shutting down")
		s.mu.Lock()
		s.conn = nil
		for id, reply := range s.pending {
			reply.Drop()
			delete(s.pending, id)
		}
		s.mu.Unlock()
	}()

	slog.Info("websocket bridge connected", "service_id", s.ID())

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if ctx.Err() != nil {
				slog.Info("websocket bridge shutdown requested", "service_id", s.ID())
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		s.handleFrame(ctx, f)
	}
}

func (s *Service) handleFrame(ctx context.Context, f frame) {
	switch f.Type {
	case "message":
		s.Emit(ctx, bus.RoomMessage{
			RoomID:            f.RoomID,
			Body:              f.Body,
			IsLocalUser:       f.IsLocalUser,
			SenderID:          f.SenderID,
			SenderDisplayName: f.SenderName,
			IsSelf:            f.IsSelf,
		})
	case "direct_message":
		s.Emit(ctx, bus.DirectMessage{
			UserID:            f.UserID,
			Body:              f.Body,
			IsLocalUser:       f.IsLocalUser,
			SenderID:          f.SenderID,
			SenderDisplayName: f.SenderName,
			IsSelf:            f.IsSelf,
		})
	case "user_list":
		users := make([]bus.User, 0, len(f.Users))
		for _, u := range f.Users {
			users = append(users, bus.User{
				ID:          u.ID,
				Username:    u.Username,
				DisplayName: u.DisplayName,
				IsActive:    u.IsActive,
				IsSelf:      u.IsSelf,
			})
		}
		s.Emit(ctx, bus.UserListUpdate{Users: users})
	case "ack":
		s.resolveAck(f)
	default:
		slog.Debug("websocket frame skipped", "service_id", s.ID(), "type", f.Type)
	}
}

func (s *Service) resolveAck(f frame) {
	s.mu.Lock()
	reply, ok := s.pending[f.AckID]
	delete(s.pending, f.AckID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if f.Error != "" {
		reply.Reject(fmt.Errorf("remote: %s", f.Error))
		return
	}
	reply.Resolve(f.MessageID)
}

// HandleCommand translates bus commands into outbound frames. Sends that
// carry a reply register it for ack correlation before writing.
func (s *Service) HandleCommand(ctx context.Context, cmd bus.Command) error {
	switch c := cmd.(type) {
	case bus.SendRoomMessage:
		go s.write(ctx, frame{
			Type:   "send_message",
			ID:     uuid.NewString(),
			RoomID: c.RoomID,
			Body:   c.Body,
		}, c.Reply)
	case bus.SendDirectMessage:
		go s.write(ctx, frame{
			Type:   "send_direct_message",
			ID:     uuid.NewString(),
			UserID: c.UserID,
			Body:   c.Body,
		}, c.Reply)
	case bus.EditMessage:
		go s.write(ctx, frame{
			Type:      "edit_message",
			ID:        uuid.NewString(),
			MessageID: c.MessageID,
			Body:      c.NewBody,
		}, nil)
	case bus.GenerateInviteToken:
		c.Reply.Reject(fmt.Errorf("websocket bridge cannot issue invite tokens"))
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
	return nil
}

func (s *Service) write(ctx context.Context, f frame, reply *bus.Reply) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		reply.Reject(fmt.Errorf("websocket bridge not connected"))
		return
	}

	if err := s.WaitSend(ctx); err != nil {
		reply.Reject(err)
		return
	}

	if reply != nil {
		s.mu.Lock()
		s.pending[f.ID] = reply
		s.mu.Unlock()
		// Bound the wait so a silent remote cannot leak pending replies.
		go s.expirePending(f.ID)
	}

	if err := wsjson.Write(ctx, conn, f); err != nil {
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
		reply.Reject(fmt.Errorf("ws write: %w", err))
	}
}

func (s *Service) expirePending(id string) {
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	s.mu.Lock()
	reply, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		reply.Reject(fmt.Errorf("no acknowledgement within %s", ackTimeout))
	}
}
