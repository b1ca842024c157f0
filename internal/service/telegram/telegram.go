// Package telegram adapts a Telegram bot (Bot API long polling) to the bus.
// Private chats map to direct events, groups and supergroups to room events
// with the numeric chat ID as room ID. Telegram edits address a chat and a
// message, so resolved message IDs carry both as "chatID:messageID".
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/kelvinbot/kelvin/internal/bus"
	"github.com/kelvinbot/kelvin/internal/service"
)

// Service connects to the Telegram Bot API using long polling.
type Service struct {
	*service.Base
	bot *telego.Bot
}

func New(id bus.ServiceID, evtTx chan<- bus.Event, token string) (*Service, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token cannot be empty")
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Service{
		Base: service.NewBase(id, evtTx),
		bot:  bot,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	slog.Info("starting telegram service (polling mode)", "service_id", s.ID())

	updates, err := s.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram service connected", "service_id", s.ID(), "username", s.bot.Username())

	for {
		select {
		case <-ctx.Done():
			slog.Info("telegram service shutdown requested", "service_id", s.ID())
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram updates channel closed")
			}
			if update.Message != nil {
				s.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (s *Service) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	display := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	isSelf := msg.From.Username != "" && msg.From.Username == s.bot.Username()

	// Telegram accounts are platform accounts, never homeserver-local.
	if msg.Chat.Type == telego.ChatTypePrivate {
		s.Emit(ctx, bus.DirectMessage{
			UserID:            senderID,
			Body:              msg.Text,
			IsLocalUser:       false,
			SenderID:          senderID,
			SenderDisplayName: display,
			IsSelf:            isSelf,
		})
		return
	}

	s.Emit(ctx, bus.RoomMessage{
		RoomID:            strconv.FormatInt(msg.Chat.ID, 10),
		Body:              msg.Text,
		IsLocalUser:       false,
		SenderID:          senderID,
		SenderDisplayName: display,
		IsSelf:            isSelf,
	})
}

// HandleCommand spawns the Bot API call so network latency never stalls the
// bus loop.
func (s *Service) HandleCommand(ctx context.Context, cmd bus.Command) error {
	switch c := cmd.(type) {
	case bus.SendRoomMessage:
		go s.send(ctx, c.RoomID, c.Body, c.Reply)
	case bus.SendDirectMessage:
		go s.send(ctx, c.UserID, c.Body, c.Reply)
	case bus.EditMessage:
		go s.edit(ctx, c.MessageID, c.NewBody)
	case bus.GenerateInviteToken:
		c.Reply.Reject(fmt.Errorf("telegram cannot issue registration tokens"))
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
	return nil
}

func (s *Service) send(ctx context.Context, chatIDStr, body string, reply *bus.Reply) {
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		reply.Reject(fmt.Errorf("invalid telegram chat id %q: %w", chatIDStr, err))
		return
	}
	if err := s.WaitSend(ctx); err != nil {
		reply.Reject(err)
		return
	}

	msg, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), body))
	if err != nil {
		reply.Reject(fmt.Errorf("telegram send: %w", err))
		return
	}
	reply.Resolve(encodeMessageID(chatID, msg.MessageID))
}

func (s *Service) edit(ctx context.Context, messageID, newBody string) {
	chatID, msgID, err := decodeMessageID(messageID)
	if err != nil {
		slog.Warn("edit for malformed message id", "service_id", s.ID(), "message_id", messageID, "error", err)
		return
	}
	_, err = s.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Text:      newBody,
	})
	if err != nil {
		slog.Error("telegram edit failed", "service_id", s.ID(), "message_id", messageID, "error", err)
	}
}

func encodeMessageID(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func decodeMessageID(s string) (int64, int, error) {
	chat, msg, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("expected chatID:messageID, got %q", s)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("chat id: %w", err)
	}
	msgID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("message id: %w", err)
	}
	return chatID, msgID, nil
}
