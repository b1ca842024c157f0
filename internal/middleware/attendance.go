package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kelvinbot/kelvin/internal/bus"
)

// SessionRecorder archives completed attendance sessions. Implemented by
// store.Store; nil disables archiving.
type SessionRecorder interface {
	RecordSession(ctx context.Context, sourceService string, startedAt, endedAt time.Time, participants []string) error
}

// AttendanceRelayConfig configures one presence-session tracker.
type AttendanceRelayConfig struct {
	SourceService string
	SourceRoom    string // ignored by services without a room concept
	DestService   string
	DestRoom      string

	SessionStartMessage     string
	SessionEndMessage       string
	SessionEndedEditMessage string
}

// sessionState is the presence state machine. Guarded by AttendanceRelay.mu.
// At the end of every state transition: active is a subset of
// allParticipants, isSessionActive matches active being non-empty, and
// liveMessageID is set only while a session is active (except while a failed
// initial send is being retried).
type sessionState struct {
	isSessionActive  bool
	active           map[string]struct{}
	allParticipants  map[string]struct{}
	sessionStartTime time.Time
	liveMessageID    string
}

func newSessionState() *sessionState {
	return &sessionState{
		active:          make(map[string]struct{}),
		allParticipants: make(map[string]struct{}),
	}
}

// AttendanceRelay maintains a live roster message in a destination room
// reflecting who is active in the source service, and posts a summary when
// the session ends.
type AttendanceRelay struct {
	cmdTx    chan<- bus.Command
	cfg      AttendanceRelayConfig
	recorder SessionRecorder

	mu    sync.Mutex
	state *sessionState

	runCtx runContext
}

func NewAttendanceRelay(cmdTx chan<- bus.Command, cfg AttendanceRelayConfig, recorder SessionRecorder) *AttendanceRelay {
	return &AttendanceRelay{
		cmdTx:    cmdTx,
		cfg:      cfg,
		recorder: recorder,
		state:    newSessionState(),
	}
}

func (a *AttendanceRelay) Run(ctx context.Context) error {
	a.runCtx.set(ctx)
	slog.Info("attendancerelay middleware running",
		"source_service", a.cfg.SourceService,
		"source_room", a.cfg.SourceRoom,
		"dest_service", a.cfg.DestService,
		"dest_room", a.cfg.DestRoom)
	<-ctx.Done()
	slog.Info("attendancerelay middleware shutting down")
	return nil
}

func (a *AttendanceRelay) OnEvent(ev *bus.Event) (bus.Verdict, error) {
	if ev.ServiceID != bus.ServiceID(a.cfg.SourceService) {
		return bus.VerdictContinue, nil
	}

	update, ok := ev.Kind.(bus.UserListUpdate)
	if !ok {
		return bus.VerdictContinue, nil
	}

	// SourceRoom filtering is a no-op today: user list updates carry no room
	// and services without a room concept are configured with an empty room.

	currentActive := make(map[string]struct{})
	for _, u := range update.Users {
		if u.IsSelf || !u.IsActive {
			continue
		}
		name := u.DisplayName
		if name == "" {
			name = u.Username
		}
		currentActive[name] = struct{}{}
	}

	// The mutex is held for the entire transition, including the await of
	// the initial send's reply. Bursty updates therefore apply in order and
	// never observe a session that has started but has no live message ID.
	go func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if err := a.applyUserListChange(currentActive); err != nil {
			slog.Error("failed to handle user list change", "error", err)
		}
	}()

	return bus.VerdictContinue, nil
}

func (a *AttendanceRelay) applyUserListChange(currentActive map[string]struct{}) error {
	wasActive := a.state.isSessionActive
	nowActive := len(currentActive) > 0

	switch {
	case !wasActive && nowActive:
		return a.startSession(currentActive)
	case wasActive && nowActive:
		return a.updateSession(currentActive)
	case wasActive && !nowActive:
		return a.endSession()
	default:
		return nil
	}
}

func (a *AttendanceRelay) startSession(currentActive map[string]struct{}) error {
	slog.Info("session started", "users", len(currentActive))

	a.state.isSessionActive = true
	a.state.sessionStartTime = time.Now()
	a.state.active = currentActive
	a.state.allParticipants = cloneSet(currentActive)

	return a.sendLiveMessage()
}

func (a *AttendanceRelay) updateSession(currentActive map[string]struct{}) error {
	for name := range currentActive {
		a.state.allParticipants[name] = struct{}{}
	}
	a.state.active = currentActive

	if a.state.liveMessageID != "" {
		body := formatLiveMessage(a.cfg.SessionStartMessage, a.state.active)
		a.send(bus.EditMessage{
			ServiceID:       bus.ServiceID(a.cfg.DestService),
			MessageID:       a.state.liveMessageID,
			NewBody:         body,
			NewMarkdownBody: body,
		})
		slog.Debug("updated live message", "participants", len(a.state.active))
		return nil
	}

	// No message ID: the initial send failed (e.g. destination not ready at
	// startup). Retry it instead of editing.
	slog.Info("no live message ID found, attempting to send new session start message")
	return a.sendLiveMessage()
}

func (a *AttendanceRelay) endSession() error {
	endedAt := time.Now()
	duration := endedAt.Sub(a.state.sessionStartTime)
	participants := sortedSet(a.state.allParticipants)

	slog.Info("session ended", "duration", duration, "total_participants", len(participants))

	if a.state.liveMessageID != "" {
		a.send(bus.EditMessage{
			ServiceID:       bus.ServiceID(a.cfg.DestService),
			MessageID:       a.state.liveMessageID,
			NewBody:         a.cfg.SessionEndedEditMessage,
			NewMarkdownBody: a.cfg.SessionEndedEditMessage,
		})
	}

	summary := formatSessionSummary(a.cfg.SessionEndMessage, participants, duration)
	a.send(bus.SendRoomMessage{
		ServiceID:    bus.ServiceID(a.cfg.DestService),
		RoomID:       a.cfg.DestRoom,
		Body:         summary,
		MarkdownBody: summary,
	})

	if a.recorder != nil {
		ctx, cancel := a.runCtx.withTimeout(replyTimeout)
		defer cancel()
		startedAt := endedAt.Add(-duration)
		if err := a.recorder.RecordSession(ctx, a.cfg.SourceService, startedAt, endedAt, participants); err != nil {
			slog.Debug("failed to archive session", "error", err)
		}
	}

	a.state = newSessionState()
	return nil
}

// sendLiveMessage posts the roster and waits for the resulting message ID
// while the state mutex is held.
func (a *AttendanceRelay) sendLiveMessage() error {
	body := formatLiveMessage(a.cfg.SessionStartMessage, a.state.active)
	reply := bus.NewReply()

	ctx, cancel := a.runCtx.withTimeout(replyTimeout)
	defer cancel()

	cmd := bus.SendRoomMessage{
		ServiceID:    bus.ServiceID(a.cfg.DestService),
		RoomID:       a.cfg.DestRoom,
		Body:         body,
		MarkdownBody: body,
		Reply:        reply,
	}
	select {
	case a.cmdTx <- cmd:
	case <-ctx.Done():
		return fmt.Errorf("send session start message: %w", ctx.Err())
	}

	messageID, err := reply.Await(ctx)
	if err != nil {
		// Not fatal: the next update retries the send.
		slog.Warn("failed to send session start message (will retry on next update)", "error", err)
		return nil
	}
	a.state.liveMessageID = messageID
	slog.Info("session start message sent", "message_id", messageID)
	return nil
}

func (a *AttendanceRelay) send(cmd bus.Command) {
	ctx, cancel := a.runCtx.withTimeout(replyTimeout)
	defer cancel()
	select {
	case a.cmdTx <- cmd:
	case <-ctx.Done():
		slog.Error("failed to send attendance command", "error", ctx.Err())
	}
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func sortedSet(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func formatLiveMessage(prefix string, participants map[string]struct{}) string {
	sorted := sortedSet(participants)

	list := "No active participants"
	if len(sorted) > 0 {
		lines := make([]string, len(sorted))
		for i, name := range sorted {
			lines[i] = "- " + name
		}
		list = strings.Join(lines, "\n")
	}

	return fmt.Sprintf("%s\n\n%s", prefix, list)
}

func formatSessionSummary(endMessage string, participants []string, duration time.Duration) string {
	lines := make([]string, len(participants))
	for i, name := range participants {
		lines[i] = "- " + name
	}

	return fmt.Sprintf("%s\n\nDuration: %s\n\nParticipants:\n%s",
		endMessage, formatDuration(duration), strings.Join(lines, "\n"))
}

// formatDuration renders "1h 2m 3s", "2m 3s" or "3s" depending on magnitude.
func formatDuration(d time.Duration) string {
	total := int64(d.Seconds())
	if total < 0 {
		total = 0
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
