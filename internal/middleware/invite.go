package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelvinbot/kelvin/internal/bus"
)

const (
	defaultInviteUses   = 1
	defaultInviteExpiry = 7 * 24 * time.Hour
)

// Invite issues registration tokens over the originating service's admin
// API when a local user DMs the configured command. Non-local users get a
// polite rejection instead.
type Invite struct {
	cmdTx       chan<- bus.Command
	command     string
	usesAllowed int
	expiry      time.Duration

	runCtx runContext
}

func NewInvite(cmdTx chan<- bus.Command, command string, usesAllowed int, expiry time.Duration) *Invite {
	return &Invite{
		cmdTx:       cmdTx,
		command:     command,
		usesAllowed: usesAllowed,
		expiry:      expiry,
	}
}

func (i *Invite) Run(ctx context.Context) error {
	i.runCtx.set(ctx)
	slog.Info("invite middleware running", "command", i.command)
	<-ctx.Done()
	slog.Info("invite middleware shutting down")
	return nil
}

func (i *Invite) OnEvent(ev *bus.Event) (bus.Verdict, error) {
	dm, ok := ev.Kind.(bus.DirectMessage)
	if !ok {
		return bus.VerdictContinue, nil
	}
	if strings.TrimSpace(dm.Body) != i.command {
		return bus.VerdictContinue, nil
	}

	if !dm.IsLocalUser {
		slog.Info("ignoring invite request from non-local user", "user_id", dm.UserID)
		i.sendAsync(bus.SendDirectMessage{
			ServiceID: ev.ServiceID,
			UserID:    dm.UserID,
			Body:      "Invite tokens can only be generated for users from this server.",
		})
		return bus.VerdictContinue, nil
	}

	uses := i.usesAllowed
	if uses == 0 {
		uses = defaultInviteUses
	}
	expiry := i.expiry
	if expiry == 0 {
		expiry = defaultInviteExpiry
	}

	reply := bus.NewReply()
	tokenCmd := bus.GenerateInviteToken{
		ServiceID:   ev.ServiceID,
		UserID:      dm.UserID,
		UsesAllowed: uses,
		Expiry:      expiry,
		Reply:       reply,
	}

	serviceID := ev.ServiceID
	userID := dm.UserID

	go func() {
		ctx, cancel := i.runCtx.withTimeout(replyTimeout)
		defer cancel()

		select {
		case i.cmdTx <- tokenCmd:
		case <-ctx.Done():
			slog.Error("failed to send generate invite token command", "error", ctx.Err())
			return
		}

		var body string
		token, err := reply.Await(ctx)
		if err != nil {
			slog.Error("token generation failed", "user_id", userID, "error", err)
			body = fmt.Sprintf(
				"Failed to generate registration token. The bot may not have admin permissions. Error: %v", err)
		} else {
			slog.Info("token generated successfully", "user_id", userID)
			expiresAt := time.Now().Add(expiry).UTC().Format("2006-01-02 15:04:05 UTC")
			body = fmt.Sprintf(
				"Registration token generated: %s\n\nUses allowed: %d\nExpires: %s\n\n"+
					"Use this token when registering a new account on this server.",
				token, uses, expiresAt)
		}

		select {
		case i.cmdTx <- bus.SendDirectMessage{ServiceID: serviceID, UserID: userID, Body: body}:
		case <-ctx.Done():
			slog.Error("failed to send invite token response", "error", ctx.Err())
		}
	}()

	slog.Info("processing invite command", "user_id", dm.UserID)
	return bus.VerdictContinue, nil
}

func (i *Invite) sendAsync(cmd bus.Command) {
	go func() {
		ctx, cancel := i.runCtx.withTimeout(replyTimeout)
		defer cancel()
		select {
		case i.cmdTx <- cmd:
		case <-ctx.Done():
			slog.Error("failed to send rejection message", "error", ctx.Err())
		}
	}()
}
