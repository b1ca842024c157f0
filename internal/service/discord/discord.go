// Package discord adapts a Discord bot account to the bus. Guild messages
// map to room events (channel ID as room), DMs map to direct events, and the
// occupants of one configured voice channel feed the user-list stream.
// GenerateInviteToken is backed by Discord channel invites.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/kelvinbot/kelvin/internal/bus"
	"github.com/kelvinbot/kelvin/internal/service"
)

// Config is the discord-specific service configuration.
type Config struct {
	Token           string
	GuildID         string
	VoiceChannelID  string // presence source; empty disables user-list events
	InviteChannelID string // invite target; empty disables token issuance
}

// Service connects to the Discord gateway and relays both directions.
type Service struct {
	*service.Base
	cfg     Config
	session *discordgo.Session

	handlersOnce sync.Once

	mu        sync.Mutex
	runCtx    context.Context
	botUserID string
	voice     map[string]bus.User // voice-channel occupants by user ID

	sentChannels sync.Map // message ID → channel ID, for edits
}

func New(id bus.ServiceID, evtTx chan<- bus.Event, cfg Config) (*Service, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token cannot be empty")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers

	return &Service{
		Base:    service.NewBase(id, evtTx),
		cfg:     cfg,
		session: session,
		voice:   make(map[string]bus.User),
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	slog.Info("starting discord service", "service_id", s.ID())

	s.handlersOnce.Do(func() {
		s.session.AddHandler(s.handleMessageCreate)
		s.session.AddHandler(s.handleVoiceStateUpdate)
		s.session.AddHandler(s.handleGuildCreate)
	})

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	if err := s.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := s.session.User("@me")
	if err != nil {
		s.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	s.mu.Lock()
	s.botUserID = user.ID
	s.mu.Unlock()

	slog.Info("discord service connected", "service_id", s.ID(), "username", user.Username)

	<-ctx.Done()
	slog.Info("discord service shutdown requested", "service_id", s.ID())
	return s.session.Close()
}

func (s *Service) emitCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

func (s *Service) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	s.mu.Lock()
	isSelf := m.Author.ID == s.botUserID
	s.mu.Unlock()

	display := m.Author.GlobalName
	if m.Member != nil && m.Member.Nick != "" {
		display = m.Member.Nick
	}
	if display == "" {
		display = m.Author.Username
	}

	ctx := s.emitCtx()
	if m.GuildID == "" {
		s.Emit(ctx, bus.DirectMessage{
			UserID:            m.Author.ID,
			Body:              m.Content,
			IsLocalUser:       true,
			SenderID:          m.Author.ID,
			SenderDisplayName: display,
			IsSelf:            isSelf,
		})
		return
	}

	if s.cfg.GuildID != "" && m.GuildID != s.cfg.GuildID {
		return
	}
	s.Emit(ctx, bus.RoomMessage{
		RoomID:            m.ChannelID,
		Body:              m.Content,
		IsLocalUser:       true,
		SenderID:          m.Author.ID,
		SenderDisplayName: display,
		IsSelf:            isSelf,
	})
}

// handleGuildCreate seeds the voice roster from the initial guild snapshot.
func (s *Service) handleGuildCreate(session *discordgo.Session, g *discordgo.GuildCreate) {
	if s.cfg.VoiceChannelID == "" {
		return
	}
	if s.cfg.GuildID != "" && g.ID != s.cfg.GuildID {
		return
	}

	s.mu.Lock()
	s.voice = make(map[string]bus.User)
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == s.cfg.VoiceChannelID {
			s.voice[vs.UserID] = s.voiceUser(session, g.ID, vs.UserID, vs.Member)
		}
	}
	s.mu.Unlock()

	s.emitUserList()
}

func (s *Service) handleVoiceStateUpdate(session *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if s.cfg.VoiceChannelID == "" {
		return
	}
	if s.cfg.GuildID != "" && vs.GuildID != s.cfg.GuildID {
		return
	}

	s.mu.Lock()
	if vs.ChannelID == s.cfg.VoiceChannelID {
		s.voice[vs.UserID] = s.voiceUser(session, vs.GuildID, vs.UserID, vs.Member)
	} else {
		delete(s.voice, vs.UserID)
	}
	s.mu.Unlock()

	s.emitUserList()
}

// voiceUser resolves one voice occupant. Caller holds s.mu.
func (s *Service) voiceUser(session *discordgo.Session, guildID, userID string, member *discordgo.Member) bus.User {
	if member == nil {
		if m, err := session.State.Member(guildID, userID); err == nil {
			member = m
		}
	}

	u := bus.User{
		ID:       userID,
		IsActive: true,
		IsSelf:   userID == s.botUserID,
	}
	if member != nil && member.User != nil {
		u.Username = member.User.Username
		u.DisplayName = member.User.GlobalName
		if member.Nick != "" {
			u.DisplayName = member.Nick
		}
	}
	if u.DisplayName == "" {
		u.DisplayName = u.Username
	}
	if u.DisplayName == "" {
		u.DisplayName = userID
	}
	return u
}

func (s *Service) emitUserList() {
	s.mu.Lock()
	users := make([]bus.User, 0, len(s.voice))
	for _, u := range s.voice {
		users = append(users, u)
	}
	s.mu.Unlock()

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	s.Emit(s.emitCtx(), bus.UserListUpdate{Users: users})
}

// HandleCommand spawns the backend call so slow Discord round trips never
// stall the bus loop. Results travel through the command's reply handle.
func (s *Service) HandleCommand(ctx context.Context, cmd bus.Command) error {
	switch c := cmd.(type) {
	case bus.SendRoomMessage:
		go s.sendMessage(ctx, c.RoomID, c.Body, c.Reply)
	case bus.SendDirectMessage:
		go s.sendDirect(ctx, c.UserID, c.Body, c.Reply)
	case bus.EditMessage:
		go s.editMessage(ctx, c.MessageID, c.NewBody)
	case bus.GenerateInviteToken:
		go s.generateInvite(ctx, c)
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
	return nil
}

func (s *Service) sendMessage(ctx context.Context, channelID, body string, reply *bus.Reply) {
	if err := s.WaitSend(ctx); err != nil {
		reply.Reject(err)
		return
	}
	msg, err := s.session.ChannelMessageSend(channelID, body)
	if err != nil {
		reply.Reject(fmt.Errorf("discord send: %w", err))
		return
	}
	s.sentChannels.Store(msg.ID, channelID)
	reply.Resolve(msg.ID)
}

func (s *Service) sendDirect(ctx context.Context, userID, body string, reply *bus.Reply) {
	if err := s.WaitSend(ctx); err != nil {
		reply.Reject(err)
		return
	}
	dm, err := s.session.UserChannelCreate(userID)
	if err != nil {
		reply.Reject(fmt.Errorf("discord dm channel: %w", err))
		return
	}
	msg, err := s.session.ChannelMessageSend(dm.ID, body)
	if err != nil {
		reply.Reject(fmt.Errorf("discord dm send: %w", err))
		return
	}
	s.sentChannels.Store(msg.ID, dm.ID)
	reply.Resolve(msg.ID)
}

func (s *Service) editMessage(ctx context.Context, messageID, newBody string) {
	channelID, ok := s.sentChannels.Load(messageID)
	if !ok {
		slog.Warn("edit for unknown message", "service_id", s.ID(), "message_id", messageID)
		return
	}
	if err := s.WaitSend(ctx); err != nil {
		slog.Warn("discord edit skipped", "service_id", s.ID(), "message_id", messageID, "error", err)
		return
	}
	if _, err := s.session.ChannelMessageEdit(channelID.(string), messageID, newBody); err != nil {
		slog.Error("discord edit failed", "service_id", s.ID(), "message_id", messageID, "error", err)
	}
}

func (s *Service) generateInvite(ctx context.Context, c bus.GenerateInviteToken) {
	if s.cfg.InviteChannelID == "" {
		c.Reply.Reject(fmt.Errorf("no invite channel configured"))
		return
	}
	if err := s.WaitSend(ctx); err != nil {
		c.Reply.Reject(err)
		return
	}

	maxUses := c.UsesAllowed
	if maxUses == 0 {
		maxUses = 1
	}
	maxAge := int(c.Expiry.Seconds())
	if maxAge == 0 {
		maxAge = 7 * 24 * 60 * 60
	}

	invite, err := s.session.ChannelInviteCreate(s.cfg.InviteChannelID, discordgo.Invite{
		MaxAge:  maxAge,
		MaxUses: maxUses,
		Unique:  true,
	})
	if err != nil {
		c.Reply.Reject(fmt.Errorf("discord invite: %w", err))
		return
	}
	c.Reply.Resolve(invite.Code)
}
