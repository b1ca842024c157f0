// Package matrix adapts a Matrix account to the bus over the plain
// client-server HTTP API. Joined rooms map to room events, rooms marked
// m.direct map to direct events, and GenerateInviteToken is served by the
// Synapse registration-token admin API. The access token and sync position
// are persisted under the service's data directory so restarts resume
// instead of replaying history.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/kelvinbot/kelvin/internal/bus"
	"github.com/kelvinbot/kelvin/internal/service"
)

const (
	syncTimeout = 30 * time.Second

	defaultInviteUses   = 1
	defaultInviteExpiry = 7 * 24 * time.Hour
)

// Config is the matrix-specific service configuration.
type Config struct {
	HomeserverURL string
	UserID        string
	Password      string
	DeviceID      string
	DataDir       string
}

// Service connects to a Matrix homeserver and relays both directions.
type Service struct {
	*service.Base
	cfg    Config
	client *client

	mu         sync.Mutex
	userID     string // full MXID after login
	serverName string
	dmRooms    map[string]string // room ID → peer user ID
	dmPeers    map[string]string // peer user ID → room ID
	sentRooms  map[string]string // event ID → room ID, for edits
}

func New(id bus.ServiceID, evtTx chan<- bus.Event, cfg Config) (*Service, error) {
	if cfg.HomeserverURL == "" || cfg.UserID == "" {
		return nil, fmt.Errorf("matrix requires homeserver_url and user_id")
	}
	return &Service{
		Base:      service.NewBase(id, evtTx),
		cfg:       cfg,
		client:    newClient(cfg.HomeserverURL),
		dmRooms:   make(map[string]string),
		dmPeers:   make(map[string]string),
		sentRooms: make(map[string]string),
	}, nil
}

type savedSession struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

func (s *Service) sessionPath() string { return filepath.Join(s.cfg.DataDir, "session.json") }
func (s *Service) sincePath() string   { return filepath.Join(s.cfg.DataDir, "since") }

func (s *Service) Run(ctx context.Context) error {
	slog.Info("starting matrix service", "service_id", s.ID(), "homeserver", s.cfg.HomeserverURL)

	if err := s.ensureLogin(ctx); err != nil {
		return err
	}

	since := s.loadSince()
	initial := since == ""

	for {
		resp, err := s.client.sync(ctx, since, syncTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				slog.Info("matrix service shutdown requested", "service_id", s.ID())
				return nil
			}
			return fmt.Errorf("matrix sync: %w", err)
		}

		s.applyAccountData(resp)
		if initial {
			// The first sync is a history snapshot, not live traffic.
			initial = false
		} else {
			s.emitTimeline(ctx, resp)
		}

		since = resp.NextBatch
		s.saveSince(since)
	}
}

func (s *Service) ensureLogin(ctx context.Context) error {
	if raw, err := os.ReadFile(s.sessionPath()); err == nil {
		var sess savedSession
		if json.Unmarshal(raw, &sess) == nil && sess.AccessToken != "" {
			s.client.setToken(sess.AccessToken)
			if userID, err := s.client.whoami(ctx); err == nil {
				s.setIdentity(userID)
				slog.Info("matrix session restored", "service_id", s.ID(), "user_id", userID)
				return nil
			}
			slog.Warn("persisted matrix session rejected, logging in again", "service_id", s.ID())
			s.client.setToken("")
		}
	}

	resp, err := s.client.login(ctx, s.cfg.UserID, s.cfg.Password, s.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}
	s.client.setToken(resp.AccessToken)
	s.setIdentity(resp.UserID)

	if err := os.MkdirAll(s.cfg.DataDir, 0o700); err == nil {
		raw, _ := json.Marshal(savedSession{
			UserID:      resp.UserID,
			AccessToken: resp.AccessToken,
			DeviceID:    resp.DeviceID,
		})
		if err := os.WriteFile(s.sessionPath(), raw, 0o600); err != nil {
			slog.Warn("failed to persist matrix session", "service_id", s.ID(), "error", err)
		}
	}

	slog.Info("matrix service logged in", "service_id", s.ID(), "user_id", resp.UserID, "device_id", resp.DeviceID)
	return nil
}

func (s *Service) setIdentity(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	if _, server, ok := strings.Cut(userID, ":"); ok {
		s.serverName = server
	}
}

func (s *Service) loadSince() string {
	raw, err := os.ReadFile(s.sincePath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func (s *Service) saveSince(since string) {
	if since == "" {
		return
	}
	if err := os.WriteFile(s.sincePath(), []byte(since), 0o600); err != nil {
		slog.Warn("failed to persist matrix sync position", "service_id", s.ID(), "error", err)
	}
}

// applyAccountData picks DM room assignments out of m.direct.
func (s *Service) applyAccountData(resp syncResponse) {
	for _, ev := range resp.AccountData.Events {
		if ev.Type != "m.direct" {
			continue
		}
		var direct map[string][]string
		if err := json.Unmarshal(ev.Content, &direct); err != nil {
			continue
		}
		s.mu.Lock()
		for userID, rooms := range direct {
			for _, roomID := range rooms {
				s.dmRooms[roomID] = userID
				s.dmPeers[userID] = roomID
			}
		}
		s.mu.Unlock()
	}
}

func (s *Service) emitTimeline(ctx context.Context, resp syncResponse) {
	for roomID, room := range resp.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			if ev.Type != "m.room.message" {
				continue
			}
			var content struct {
				MsgType string `json:"msgtype"`
				Body    string `json:"body"`
			}
			if err := json.Unmarshal(ev.Content, &content); err != nil || content.MsgType != "m.text" {
				continue
			}

			s.mu.Lock()
			isSelf := ev.Sender == s.userID
			isLocal := strings.HasSuffix(ev.Sender, ":"+s.serverName)
			dmPeer, isDM := s.dmRooms[roomID]
			s.mu.Unlock()

			if isDM {
				s.Emit(ctx, bus.DirectMessage{
					UserID:      dmPeer,
					Body:        content.Body,
					IsLocalUser: isLocal,
					SenderID:    ev.Sender,
					IsSelf:      isSelf,
				})
				continue
			}
			s.Emit(ctx, bus.RoomMessage{
				RoomID:      roomID,
				Body:        content.Body,
				IsLocalUser: isLocal,
				SenderID:    ev.Sender,
				IsSelf:      isSelf,
			})
		}
	}
}

// HandleCommand spawns the homeserver call so network latency never stalls
// the bus loop.
func (s *Service) HandleCommand(ctx context.Context, cmd bus.Command) error {
	switch c := cmd.(type) {
	case bus.SendRoomMessage:
		go s.sendRoom(ctx, c)
	case bus.SendDirectMessage:
		go s.sendDirect(ctx, c)
	case bus.EditMessage:
		go s.edit(ctx, c)
	case bus.GenerateInviteToken:
		go s.generateInvite(ctx, c)
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
	return nil
}

func (s *Service) sendRoom(ctx context.Context, c bus.SendRoomMessage) {
	eventID, err := s.send(ctx, c.RoomID, c.Body, c.MarkdownBody)
	if err != nil {
		c.Reply.Reject(err)
		return
	}
	c.Reply.Resolve(eventID)
}

func (s *Service) sendDirect(ctx context.Context, c bus.SendDirectMessage) {
	roomID, err := s.dmRoomFor(ctx, c.UserID)
	if err != nil {
		c.Reply.Reject(err)
		return
	}
	eventID, err := s.send(ctx, roomID, c.Body, "")
	if err != nil {
		c.Reply.Reject(err)
		return
	}
	c.Reply.Resolve(eventID)
}

func (s *Service) dmRoomFor(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	roomID, ok := s.dmPeers[userID]
	s.mu.Unlock()
	if ok {
		return roomID, nil
	}

	roomID, err := s.client.createDirectRoom(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("create dm room for %s: %w", userID, err)
	}
	s.mu.Lock()
	s.dmRooms[roomID] = userID
	s.dmPeers[userID] = roomID
	s.mu.Unlock()
	return roomID, nil
}

func (s *Service) send(ctx context.Context, roomID, body, markdownBody string) (string, error) {
	if err := s.WaitSend(ctx); err != nil {
		return "", err
	}

	content := messageContent{MsgType: "m.text", Body: body}
	if html := renderMarkdown(markdownBody); html != "" {
		content.Format = "org.matrix.custom.html"
		content.FormattedBody = html
	}

	eventID, err := s.client.sendMessage(ctx, roomID, uuid.NewString(), content)
	if err != nil {
		return "", fmt.Errorf("matrix send: %w", err)
	}

	s.mu.Lock()
	s.sentRooms[eventID] = roomID
	s.mu.Unlock()
	return eventID, nil
}

func (s *Service) edit(ctx context.Context, c bus.EditMessage) {
	s.mu.Lock()
	roomID, ok := s.sentRooms[c.MessageID]
	s.mu.Unlock()
	if !ok {
		slog.Warn("edit for unknown event", "service_id", s.ID(), "event_id", c.MessageID)
		return
	}

	inner := messageContent{MsgType: "m.text", Body: c.NewBody}
	if html := renderMarkdown(c.NewMarkdownBody); html != "" {
		inner.Format = "org.matrix.custom.html"
		inner.FormattedBody = html
	}
	newContent, err := json.Marshal(inner)
	if err != nil {
		slog.Error("matrix edit encode failed", "service_id", s.ID(), "error", err)
		return
	}

	content := messageContent{
		MsgType:       "m.text",
		Body:          "* " + c.NewBody,
		Format:        inner.Format,
		FormattedBody: inner.FormattedBody,
		NewContent:    newContent,
		RelatesTo:     &relatesTo{RelType: "m.replace", EventID: c.MessageID},
	}
	if _, err := s.client.sendMessage(ctx, roomID, uuid.NewString(), content); err != nil {
		slog.Error("matrix edit failed", "service_id", s.ID(), "event_id", c.MessageID, "error", err)
	}
}

func (s *Service) generateInvite(ctx context.Context, c bus.GenerateInviteToken) {
	uses := c.UsesAllowed
	if uses == 0 {
		uses = defaultInviteUses
	}
	expiry := c.Expiry
	if expiry == 0 {
		expiry = defaultInviteExpiry
	}

	token, err := s.client.newRegistrationToken(ctx, uses, time.Now().Add(expiry))
	if err != nil {
		c.Reply.Reject(fmt.Errorf("registration token: %w", err))
		return
	}
	c.Reply.Resolve(token)
}

func renderMarkdown(md string) string {
	if md == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}
