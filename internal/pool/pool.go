// Package pool implements fixed-capacity, reusable sample buffers so the
// acquisition hot path never allocates once warmed up.
package pool

import (
	"context"
	"errors"
	"time"

	"elata.dev/eegd/internal/packet"
)

// ErrPoolExhausted is returned by TryAcquire when no buffer is immediately
// available.
var ErrPoolExhausted = errors.New("eegd: pool exhausted")

// ErrTimeout is returned by Acquire when deadline elapses before a buffer
// becomes available.
var ErrTimeout = errors.New("eegd: pool acquire timeout")

// Pool is a bounded set of reusable sample buffers of identical capacity. Its
// buffer capacity and count are fixed at construction; buffers are handed
// out via TryAcquire/Acquire and returned on Packet.Release. A buffered Go
// channel backs the free list, giving MPMC semantics with no explicit
// locking on the hot path.
type Pool[T packet.Sample] struct {
	bufCapacity int
	free        chan []T
}

// New constructs a Pool holding count buffers, each of length bufCapacity
// (batch_size * num_channels worth of samples). All buffers are pre-allocated
// up front so steady-state operation never touches the Go allocator.
func New[T packet.Sample](bufCapacity, count int) *Pool[T] {
	p := &Pool[T]{
		bufCapacity: bufCapacity,
		free:        make(chan []T, count),
	}
	for i := 0; i < count; i++ {
		p.free <- make([]T, bufCapacity)
	}
	return p
}

// Capacity returns the number of buffers this pool was constructed with.
func (p *Pool[T]) Capacity() int {
	return cap(p.free)
}

// BufferLen returns the sample length of every buffer this pool vends.
func (p *Pool[T]) BufferLen() int {
	return p.bufCapacity
}

// TryAcquire returns a buffer without blocking, or ErrPoolExhausted if none
// is free.
func (p *Pool[T]) TryAcquire() ([]T, error) {
	select {
	case buf := <-p.free:
		return buf, nil
	default:
		return nil, ErrPoolExhausted
	}
}

// Acquire cooperatively waits (without busy-polling) for a buffer, up to
// deadline. Used only by producers — the acquisition driver — when the pool
// has been drained by a slow downstream.
func (p *Pool[T]) Acquire(ctx context.Context, deadline time.Duration) ([]T, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case buf := <-p.free:
		return buf, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns buf to the pool's free list. If the pool's free channel is
// already full (the pool was shrunk or this buffer did not originate here),
// the buffer is dropped and left for the garbage collector.
func (p *Pool[T]) Release(buf []T) {
	if buf == nil {
		return
	}
	for i := range buf {
		var zero T
		buf[i] = zero
	}
	select {
	case p.free <- buf:
	default:
	}
}

// InUse reports how many buffers are currently checked out, for metrics.
func (p *Pool[T]) InUse() int {
	return cap(p.free) - len(p.free)
}
