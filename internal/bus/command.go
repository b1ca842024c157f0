package bus

import "time"

// Command is an imperative request sent from a middleware to one service.
// Ownership transfers to the Bus and then to the target service; fields are
// immutable in transit.
type Command interface {
	// TargetService names the service the Bus dispatches this command to.
	TargetService() ServiceID
}

// SendDirectMessage asks the target service to message one user directly.
// Reply, when non-nil, resolves with the backend message ID.
type SendDirectMessage struct {
	ServiceID ServiceID
	UserID    string
	Body      string
	Reply     *Reply
}

// SendRoomMessage asks the target service to post into a room.
// MarkdownBody is an optional formatted rendition; empty means plain only.
// Reply, when non-nil, resolves with the backend message ID.
type SendRoomMessage struct {
	ServiceID    ServiceID
	RoomID       string
	Body         string
	MarkdownBody string
	Reply        *Reply
}

// EditMessage asks the target service to replace the body of a previously
// sent message. Fire-and-forget.
type EditMessage struct {
	ServiceID       ServiceID
	MessageID       string
	NewBody         string
	NewMarkdownBody string
}

// GenerateInviteToken asks the target service to issue a registration token
// through its admin API. Reply is mandatory and resolves with the token.
// Zero UsesAllowed and Expiry mean backend defaults (1 use, 7 days).
type GenerateInviteToken struct {
	ServiceID   ServiceID
	UserID      string
	UsesAllowed int
	Expiry      time.Duration
	Reply       *Reply
}

func (c SendDirectMessage) TargetService() ServiceID   { return c.ServiceID }
func (c SendRoomMessage) TargetService() ServiceID     { return c.ServiceID }
func (c EditMessage) TargetService() ServiceID         { return c.ServiceID }
func (c GenerateInviteToken) TargetService() ServiceID { return c.ServiceID }

// commandReply extracts the reply handle of a command, nil when absent.
func commandReply(cmd Command) *Reply {
	switch c := cmd.(type) {
	case SendDirectMessage:
		return c.Reply
	case SendRoomMessage:
		return c.Reply
	case GenerateInviteToken:
		return c.Reply
	default:
		return nil
	}
}

// NewCommandChannel creates the channel pair shared by all middlewares
// (producers) and the Bus (sole consumer).
func NewCommandChannel(capacity int) chan Command {
	return make(chan Command, capacity)
}
