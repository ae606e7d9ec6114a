// Package stage defines the uniform contracts every pipeline node
// implements — Stage, and Runner for stages that drive their own loop — and
// the bounded, policy-driven edges that connect them.
package stage

import (
	"context"
	"errors"
)

// Kind classifies the failure a Step returned, mirroring the taxonomy the
// runtime reacts to differently (transient vs. backpressure vs. fatal).
type Kind int

const (
	// KindTransient is retried locally by the stage; the runtime takes no action.
	KindTransient Kind = iota
	// KindBackpressure means the stage's downstream edge rejected a send.
	KindBackpressure
	// KindContract rejects a single command; the pipeline keeps running.
	KindContract
	// KindFatal stops the pipeline and emits PipelineFailed.
	KindFatal
)

// Error wraps a stage failure with its Kind and a stable machine-readable
// Code, so the event stream and logs can surface one string across process
// boundaries.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal wraps err as a fatal stage error carrying code.
func Fatal(code string, err error) *Error { return &Error{Kind: KindFatal, Code: code, Err: err} }

// Contract wraps err as a contract (command-rejection) error.
func Contract(code string, err error) *Error { return &Error{Kind: KindContract, Code: code, Err: err} }

// Backpressured wraps err as a backpressure error.
func Backpressured(code string, err error) *Error {
	return &Error{Kind: KindBackpressure, Code: code, Err: err}
}

// ErrStopped is returned by Edge.Recv once the edge has been closed and
// every queued item has been received.
var ErrStopped = errors.New("eegd: stage stopped")

// Params is a parameter patch or full parameter set addressed by dotted
// path, as decoded from pipeline config or a SetParameter command.
type Params map[string]any

// Stage is the capability set every pipeline node implements. Not every
// stage uses every method meaningfully — a pure Source's Apply is typically
// a no-op — but the uniform shape lets the runtime drive all stages
// identically.
type Stage interface {
	// Name is the stage's identifier within its pipeline, unique per graph.
	Name() string
	// Init applies the stage's full initial parameter set.
	Init(params Params) error
	// Apply atomically applies a parameter patch. The runtime guarantees
	// Apply is never called concurrently with Step.
	Apply(patch Params) error
	// Shutdown releases any resources the stage holds (files, sockets,
	// hardware handles). Called once, after the stage's goroutine exits.
	Shutdown(ctx context.Context) error
}

// Runner is implemented by stages the scheduler drives directly with a
// cancellation context, rather than through the pipeline's per-packet step
// loops — used for stages whose natural shape is "run until cancelled"
// (e.g. eeg_source, which runs the driver's acquisition loop).
type Runner interface {
	Stage
	Run(ctx context.Context) error
}
