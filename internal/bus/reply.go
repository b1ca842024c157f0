package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrReplyDropped is observed by an awaiter whose reply handle was discarded
// before a result was delivered (service crashed, command dropped, or the
// target service never existed).
var ErrReplyDropped = errors.New("reply dropped before a result was delivered")

type replyResult struct {
	value string
	err   error
}

// Reply is a write-once single-consumer result handle carried by a command.
// The producer settles it at most once with Resolve, Reject or Drop; the
// consumer calls Await exactly once. All methods are safe on a nil receiver
// so fire-and-forget commands need no special casing.
type Reply struct {
	once sync.Once
	ch   chan replyResult
}

// NewReply creates an unsettled reply handle.
func NewReply() *Reply {
	return &Reply{ch: make(chan replyResult, 1)}
}

// Resolve delivers a successful result. No-op if already settled.
func (r *Reply) Resolve(value string) {
	r.settle(replyResult{value: value})
}

// Reject delivers an error result. No-op if already settled.
func (r *Reply) Reject(err error) {
	r.settle(replyResult{err: err})
}

// Drop discards the handle without a result; the awaiter observes
// ErrReplyDropped.
func (r *Reply) Drop() {
	if r == nil {
		return
	}
	r.once.Do(func() { close(r.ch) })
}

func (r *Reply) settle(res replyResult) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.ch <- res
		close(r.ch)
	})
}

// Await blocks until the reply is settled or ctx is done. It must be called
// at most once.
func (r *Reply) Await(ctx context.Context) (string, error) {
	if r == nil {
		return "", ErrReplyDropped
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-r.ch:
		if !ok {
			return "", ErrReplyDropped
		}
		if res.err != nil {
			return "", res.err
		}
		return res.value, nil
	}
}
