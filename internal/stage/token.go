package stage

import (
	"context"
	"time"
)

// CancelToken is the shared cancellation signal every stage goroutine
// observes at its suspension points (channel send/recv, pool acquire).
// Separate from the stage's Context so the runtime can distinguish
// "stop requested" from "drain deadline elapsed".
type CancelToken struct {
	ctx        context.Context
	cancel     context.CancelFunc
	drainAfter time.Duration
}

// NewCancelToken derives a token from parent with the given drain deadline —
// the duration downstream stages are allowed to keep draining their input
// queues after cancellation before being forced to exit.
func NewCancelToken(parent context.Context, drainDeadline time.Duration) *CancelToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel, drainAfter: drainDeadline}
}

// Context returns the cancellable context stages should pass to Edge
// Send/Recv and Pool.Acquire.
func (t *CancelToken) Context() context.Context { return t.ctx }

// Cancel signals stop to every goroutine using Context(). The pipeline's
// stage loops return at their next Recv or Send without draining queued
// input; DrainDeadline and DrainContext are not used by them.
func (t *CancelToken) Cancel() { t.cancel() }

// Done reports whether Cancel has been called.
func (t *CancelToken) Done() <-chan struct{} { return t.ctx.Done() }

// DrainDeadline returns the configured grace period for downstream drain.
func (t *CancelToken) DrainDeadline() time.Duration { return t.drainAfter }

// DrainContext returns a fresh context that expires after DrainDeadline,
// for use by a stage's final drain loop once cancellation has fired.
func (t *CancelToken) DrainContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), t.drainAfter)
}
