package bus

import "context"

// Verdict controls pipeline continuation after a middleware inspected an event.
type Verdict int

const (
	// VerdictContinue hands the event to the next middleware in the pipeline.
	VerdictContinue Verdict = iota
	// VerdictStop short-circuits the pipeline for this event.
	VerdictStop
)

func (v Verdict) String() string {
	if v == VerdictStop {
		return "stop"
	}
	return "continue"
}

// Middleware is a policy element bound to one or more service pipelines.
//
// OnEvent runs under the Bus's per-service serialization point: it must be
// synchronous and non-blocking. Work that issues commands or awaits replies
// is spawned into background goroutines. An error return is logged by the
// Bus and treated as VerdictContinue.
//
// The same instance may appear in several pipelines and must tolerate
// concurrent OnEvent calls; Run is started exactly once regardless of how
// many pipelines reference the instance.
type Middleware interface {
	Run(ctx context.Context) error
	OnEvent(ev *Event) (Verdict, error)
}
