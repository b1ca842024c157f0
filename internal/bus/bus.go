package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultChannelCapacity is the buffer size of the event and command
// channels. Overflow blocks producers (back-pressure).
const DefaultChannelCapacity = 1024

// defaultRecoveryThreshold is how long a service must stay up for a previous
// failure streak to count as recovered.
const defaultRecoveryThreshold = 30 * time.Second

// ReconnectionConfig tunes the supervised restart backoff.
// A zero RecoveryThreshold means the 30s default.
type ReconnectionConfig struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	JitterFactor      float64
	RecoveryThreshold time.Duration
}

// DefaultReconnection returns the stock backoff: 1s initial, 60s cap,
// doubling, ±10% jitter, 30s recovery threshold.
func DefaultReconnection() ReconnectionConfig {
	return ReconnectionConfig{
		InitialDelay:      time.Second,
		MaxDelay:          60 * time.Second,
		Multiplier:        2.0,
		JitterFactor:      0.1,
		RecoveryThreshold: defaultRecoveryThreshold,
	}
}

func (rc ReconnectionConfig) recoveryThreshold() time.Duration {
	if rc.RecoveryThreshold > 0 {
		return rc.RecoveryThreshold
	}
	return defaultRecoveryThreshold
}

func (rc ReconnectionConfig) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rc.InitialDelay
	bo.MaxInterval = rc.MaxDelay
	bo.Multiplier = rc.Multiplier
	bo.RandomizationFactor = rc.JitterFactor
	bo.MaxElapsedTime = 0 // the Bus retries forever
	bo.Reset()
	return bo
}

// serviceState is per-service supervision bookkeeping, owned exclusively by
// the Bus task.
type serviceState struct {
	backoff         *backoff.ExponentialBackOff
	attemptCount    uint32
	connectionStart time.Time
	disconnectedAt  time.Time // start of the current outage, zero when healthy
}

type serviceExit struct {
	id  ServiceID
	err error
}

// Bus owns the event and command channels, supervises service tasks and
// dispatches each event through the pipeline registered for its origin.
type Bus struct {
	evtCh chan Event
	cmdCh chan Command

	services  map[ServiceID]Service
	pipelines map[ServiceID][]Middleware
	state     map[ServiceID]*serviceState

	reconnection ReconnectionConfig
	tracer       trace.Tracer
}

// New assembles a Bus. The Bus takes sole consumer ownership of both
// channels; services and middlewares keep the send sides.
func New(
	evtCh chan Event,
	cmdCh chan Command,
	services map[ServiceID]Service,
	pipelines map[ServiceID][]Middleware,
	reconnection ReconnectionConfig,
) *Bus {
	state := make(map[ServiceID]*serviceState, len(services))
	for id := range services {
		state[id] = &serviceState{
			backoff:         reconnection.newBackoff(),
			connectionStart: time.Now(),
		}
	}
	return &Bus{
		evtCh:        evtCh,
		cmdCh:        cmdCh,
		services:     services,
		pipelines:    pipelines,
		state:        state,
		reconnection: reconnection,
		tracer:       otel.Tracer("kelvin/bus"),
	}
}

// Run starts every service and every distinct middleware, then loops over
// cancellation, service exits, events and commands until ctx is done or a
// channel closes. Events from one service are dispatched in arrival order;
// a pipeline pass completes before the next event is drawn.
func (b *Bus) Run(ctx context.Context) error {
	slog.Info("starting services with supervision", "count", len(b.services))
	exits := make(chan serviceExit, len(b.services)+1)
	for id, svc := range b.services {
		b.spawnService(ctx, id, svc, exits)
	}

	b.startMiddlewares(ctx)

	slog.Info("event bus running")
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown signal received")
			return nil
		case exit := <-exits:
			if done := b.superviseExit(ctx, exit, exits); done {
				return nil
			}
		case ev, ok := <-b.evtCh:
			if !ok {
				slog.Info("event channel closed")
				return nil
			}
			b.dispatchEvent(ctx, ev)
		case cmd, ok := <-b.cmdCh:
			if !ok {
				slog.Info("command channel closed")
				return nil
			}
			b.dispatchCommand(ctx, cmd)
		}
	}
}

func (b *Bus) spawnService(ctx context.Context, id ServiceID, svc Service, exits chan<- serviceExit) {
	if st := b.state[id]; st != nil {
		st.connectionStart = time.Now()
	}
	go func() {
		err := svc.Run(ctx)
		exits <- serviceExit{id: id, err: err}
	}()
}

// startMiddlewares launches Run for each distinct middleware instance across
// all pipelines exactly once, deduplicated by identity.
func (b *Bus) startMiddlewares(ctx context.Context) {
	started := make(map[Middleware]struct{})
	for _, pipeline := range b.pipelines {
		for _, mw := range pipeline {
			if _, ok := started[mw]; ok {
				continue
			}
			started[mw] = struct{}{}
			go func(mw Middleware) {
				if err := mw.Run(ctx); err != nil {
					slog.Error("middleware run failed", "error", err)
				}
			}(mw)
		}
	}
	slog.Info("middlewares started", "count", len(started))
}

// superviseExit applies the restart policy after a service run returned.
// Returns true when the Bus should stop (cancelled during backoff).
func (b *Bus) superviseExit(ctx context.Context, exit serviceExit, exits chan<- serviceExit) bool {
	if ctx.Err() != nil {
		slog.Info("service exited during shutdown", "service_id", exit.id)
		return false
	}

	st := b.state[exit.id]
	if st == nil {
		slog.Warn("exit from unknown service", "service_id", exit.id)
		return false
	}

	// A long healthy run after earlier failures counts as a recovery: the
	// failure streak resets and the outage is reported as over.
	if time.Since(st.connectionStart) > b.reconnection.recoveryThreshold() && st.attemptCount > 0 {
		downtime := st.connectionStart.Sub(st.disconnectedAt)
		slog.Info("service recovered after previous failures",
			"service_id", exit.id, "total_attempts", st.attemptCount)
		b.dispatchEvent(ctx, Event{ServiceID: exit.id, Kind: ServiceReconnected{
			Downtime:      downtime,
			TotalAttempts: st.attemptCount,
		}})
		st.backoff.Reset()
		st.attemptCount = 0
		st.disconnectedAt = time.Time{}
	}

	if st.attemptCount == 0 {
		st.disconnectedAt = time.Now()
	}
	st.attemptCount++

	reason := "service exited"
	if exit.err != nil {
		reason = exit.err.Error()
	}
	slog.Warn("service exited unexpectedly, will reconnect",
		"service_id", exit.id, "attempt", st.attemptCount, "reason", reason)
	b.dispatchEvent(ctx, Event{ServiceID: exit.id, Kind: ServiceDisconnected{
		Reason:  reason,
		Attempt: st.attemptCount,
	}})

	delay := st.backoff.NextBackOff()
	slog.Info("waiting before restart",
		"service_id", exit.id, "attempt", st.attemptCount, "delay", delay)
	b.dispatchEvent(ctx, Event{ServiceID: exit.id, Kind: ServiceReconnecting{
		Attempt: st.attemptCount,
		Delay:   delay,
	}})

	// Backoff sleep happens inline in the Bus task, under cancellation.
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		slog.Info("cancellation during backoff, not restarting", "service_id", exit.id)
		return true
	case <-timer.C:
	}

	svc, ok := b.services[exit.id]
	if !ok {
		return false
	}
	b.spawnService(ctx, exit.id, svc, exits)
	slog.Info("service restarted", "service_id", exit.id)
	return false
}

// dispatchEvent walks the origin service's pipeline in declared order,
// stopping at the first VerdictStop. Middleware errors are logged and do not
// stop the pipeline. Events without a pipeline are dropped.
func (b *Bus) dispatchEvent(ctx context.Context, ev Event) {
	pipeline, ok := b.pipelines[ev.ServiceID]
	if !ok {
		slog.Debug("no middleware pipeline configured for service", "service_id", ev.ServiceID)
		return
	}

	_, span := b.tracer.Start(ctx, "bus.dispatch_event", trace.WithAttributes(
		attribute.String("service_id", string(ev.ServiceID)),
		attribute.String("event_kind", KindName(ev.Kind)),
	))
	defer span.End()

	for _, mw := range pipeline {
		verdict, err := mw.OnEvent(&ev)
		if err != nil {
			slog.Error("middleware failed on event",
				"service_id", ev.ServiceID, "event_kind", KindName(ev.Kind), "error", err)
			continue
		}
		if verdict == VerdictStop {
			break
		}
	}
}

// dispatchCommand routes a command to the service it names. Unknown targets
// are logged and the command's reply, if any, is dropped so awaiters do not
// hang.
func (b *Bus) dispatchCommand(ctx context.Context, cmd Command) {
	id := cmd.TargetService()

	svc, ok := b.services[id]
	if !ok {
		slog.Warn("command sent to unknown service", "service_id", id)
		commandReply(cmd).Drop()
		return
	}

	cctx, span := b.tracer.Start(ctx, "bus.dispatch_command", trace.WithAttributes(
		attribute.String("service_id", string(id)),
	))
	defer span.End()

	if err := svc.HandleCommand(cctx, cmd); err != nil {
		slog.Error("failed to handle command", "service_id", id, "error", err)
	}
}
