package middleware

import (
	"context"
	"sync"
	"time"
)

// runContext hands the context a middleware received in Run to the short
// background tasks OnEvent spawns, so reply awaits are bounded by the
// process-wide cancellation even though OnEvent itself carries no context.
type runContext struct {
	mu  sync.Mutex
	ctx context.Context
}

func (r *runContext) set(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
}

func (r *runContext) get() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func (r *runContext) withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.get(), d)
}
