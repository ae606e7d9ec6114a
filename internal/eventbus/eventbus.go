// Package eventbus implements an in-process publish/subscribe bus for
// pipeline lifecycle and source events, feeding both the SSE control-plane
// stream and any internal consumers (e.g. the recording coordinator).
//
// Grounded on the teacher's partitioned InMemoryEventBus; simplified to a
// single fan-out of every event to every subscriber since control-plane event volume here is low
// enough that per-event partition hashing buys nothing.
package eventbus

import (
	"encoding/json"
	"sync"
)

// Event is the closed set of kinds the control plane publishes (§4.11).
type Event struct {
	Kind    string // PipelineStarted | PipelineStopped | PipelineFailed | ConfigUpdated | SourceReady | RecordingState
	Payload any
}

// MarshalJSON emits the §6.4 single-key keyed-object envelope: {"<Kind>": payload}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{e.Kind: e.Payload})
}

// Bus is a fan-out publisher: every Subscribe call gets its own buffered
// channel fed a copy of every Publish.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener with the given channel buffer depth
// and returns the channel plus an unsubscribe function. Slow subscribers
// that fill their buffer simply miss subsequent events rather than
// blocking Publish — the control plane is not on the data hot path, but it
// must never stall pipeline shutdown waiting on an SSE client.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every current subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Kinds used as Event.Kind values, matching §4.11's event vocabulary.
const (
	KindPipelineStarted = "PipelineStarted"
	KindPipelineStopped = "PipelineStopped"
	KindPipelineFailed  = "PipelineFailed"
	KindConfigUpdated   = "ConfigUpdated"
	KindSourceReady     = "SourceReady"
	KindRecordingState  = "RecordingState"
)
