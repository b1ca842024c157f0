// Package service contains the backend adapters ("services") that feed the
// bus with events and execute its commands: dummy (test), discord, telegram,
// matrix and a generic websocket bridge. Each lives in its own subpackage
// and embeds Base.
package service

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/kelvinbot/kelvin/internal/bus"
)

// outboundRate caps backend sends per service so a chatty pipeline cannot
// trip platform flood protection.
const (
	outboundRate  = 5 // sends per second
	outboundBurst = 10
)

// Base provides the shared plumbing of every service implementation:
// identity, event emission and outbound rate limiting. Implementations
// embed it.
type Base struct {
	id      bus.ServiceID
	evtTx   chan<- bus.Event
	limiter *rate.Limiter
}

// NewBase creates the shared service core.
func NewBase(id bus.ServiceID, evtTx chan<- bus.Event) *Base {
	return &Base{
		id:      id,
		evtTx:   evtTx,
		limiter: rate.NewLimiter(rate.Limit(outboundRate), outboundBurst),
	}
}

// ID returns the service identifier.
func (b *Base) ID() bus.ServiceID { return b.id }

// Emit pushes one event onto the bus. A false return means the run context
// is done and the current run must end.
func (b *Base) Emit(ctx context.Context, kind bus.EventKind) bool {
	select {
	case b.evtTx <- bus.Event{ServiceID: b.id, Kind: kind}:
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitSend blocks until the outbound rate limiter admits one send.
func (b *Base) WaitSend(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}
