// Package pipeline builds and runs a pipeline graph from a declarative
// config.PipelineConfig (§6.1), scheduling one goroutine per stage and
// routing SetParameter commands to the right stage under the process
// recording lock.
//
// Grounded on the teacher's internal/pipeline partition/worker model
// (internal/otus/pipeline/pipeline.go), adapted from byte-oriented task
// partitions to a small, statically-known stage-type graph: source ->
// to_voltage -> gui_filter -> {fft, websocket_sink, csv_sink}.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"elata.dev/eegd/internal/eventbus"
	"elata.dev/eegd/internal/metrics"
	"elata.dev/eegd/internal/reclock"
	"elata.dev/eegd/internal/stage"
	"elata.dev/eegd/internal/stages"
	"elata.dev/eegd/internal/wsbroker"
)

// Status is the pipeline's lifecycle state (§4.9).
type Status int32

const (
	StatusStopped Status = iota
	StatusStarting
	StatusStarted
	StatusStopping
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "Stopped"
	case StatusStarting:
		return "Starting"
	case StatusStarted:
		return "Started"
	case StatusStopping:
		return "Stopping"
	case StatusError:
		return "Error"
	default:
		return "unknown"
	}
}

func (s Status) metricValue() float64 {
	switch s {
	case StatusStopped:
		return metrics.PipelineStatusStopped
	case StatusStarting:
		return metrics.PipelineStatusStarting
	case StatusStarted:
		return metrics.PipelineStatusStarted
	case StatusStopping:
		return metrics.PipelineStatusStopping
	default:
		return metrics.PipelineStatusError
	}
}

// Pipeline is one running (or stopped) instance of a declarative pipeline
// graph. Its stages are addressed by name for SetParameter routing and
// recording control.
type Pipeline struct {
	ID   string
	Name string

	bus    *eventbus.Bus
	lock   *reclock.Lock
	broker *wsbroker.Broker

	drainDeadline time.Duration

	stageTypes map[string]string // name -> declared type, for SetParameter field-gating
	stageObjs  map[string]stage.Stage
	stageMus   map[string]*sync.Mutex // guards Apply vs. the stage's Step call
	csvSinks   map[string]*stages.CsvSink
	source     *stages.EegSource

	runners []func(ctx context.Context) error

	mu          sync.Mutex
	status      atomic.Int32
	cancelToken *stage.CancelToken
	wg          sync.WaitGroup
	lastErr     error
}

// Status reports the pipeline's current lifecycle state.
func (p *Pipeline) Status() Status { return Status(p.status.Load()) }

// LastError returns the fatal error that moved the pipeline into StatusError,
// or nil.
func (p *Pipeline) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Pipeline) setStatus(s Status) {
	p.status.Store(int32(s))
	metrics.PipelineStatus.WithLabelValues(p.ID).Set(s.metricValue())
}

// Start transitions Stopped -> Starting -> Started, launching one goroutine
// per configured stage. Returns an error if the pipeline is not Stopped.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if Status(p.status.Load()) != StatusStopped {
		p.mu.Unlock()
		return fmt.Errorf("pipeline %q: cannot start from state %s", p.ID, Status(p.status.Load()))
	}
	p.setStatus(StatusStarting)
	p.cancelToken = stage.NewCancelToken(ctx, p.drainDeadline)
	p.lastErr = nil
	p.mu.Unlock()

	errCh := make(chan error, len(p.runners))
	for _, run := range p.runners {
		p.wg.Add(1)
		go func(run func(ctx context.Context) error) {
			defer p.wg.Done()
			if err := run(p.cancelToken.Context()); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}(run)
	}

	p.setStatus(StatusStarted)
	p.bus.Publish(eventbus.Event{Kind: eventbus.KindPipelineStarted, Payload: map[string]any{"id": p.ID}})

	go p.watchFailures(errCh)
	return nil
}

// watchFailures waits for the first fatal stage error and, if one arrives
// before Stop is called, transitions the pipeline into StatusError and
// publishes PipelineFailed.
func (p *Pipeline) watchFailures(errCh chan error) {
	select {
	case err, ok := <-errCh:
		if !ok || err == nil {
			return
		}
		p.mu.Lock()
		if Status(p.status.Load()) == StatusStopping || Status(p.status.Load()) == StatusStopped {
			p.mu.Unlock()
			return
		}
		p.lastErr = err
		p.setStatus(StatusError)
		p.lock.Unlock() // a fatal failure releases any held recording lock (§4.10)
		p.mu.Unlock()
		p.cancelToken.Cancel()
		p.bus.Publish(eventbus.Event{Kind: eventbus.KindPipelineFailed, Payload: map[string]any{
			"id": p.ID, "error": err.Error(),
		}})
	case <-p.cancelToken.Done():
		return
	}
}

// Stop transitions Started (or Error) -> Stopping -> Stopped, cancelling
// every stage and waiting up to the drain deadline plus one second for
// goroutines to exit.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	cur := Status(p.status.Load())
	if cur != StatusStarted && cur != StatusError {
		p.mu.Unlock()
		return fmt.Errorf("pipeline %q: cannot stop from state %s", p.ID, cur)
	}
	p.setStatus(StatusStopping)
	p.mu.Unlock()

	p.cancelToken.Cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.drainDeadline + time.Second):
	}

	for _, st := range p.stageObjs {
		shutdownCtx, cancel := context.WithTimeout(ctx, p.drainDeadline)
		_ = st.Shutdown(shutdownCtx)
		cancel()
	}

	p.mu.Lock()
	p.setStatus(StatusStopped)
	p.mu.Unlock()
	p.bus.Publish(eventbus.Event{Kind: eventbus.KindPipelineStopped, Payload: map[string]any{"id": p.ID}})
	return nil
}

// SetParameter routes a parameter patch to the named stage (§7). Gated
// driver fields are checked against the recording lock before Apply runs;
// Apply is never invoked concurrently with the stage's own Step.
func (p *Pipeline) SetParameter(stageName string, patch stage.Params) error {
	st, ok := p.stageObjs[stageName]
	if !ok {
		return stage.Contract("UnknownStage", fmt.Errorf("pipeline %q: no stage named %q", p.ID, stageName))
	}

	if stageName == p.sourceStageName() {
		if driverPatch, ok := patch["driver"].(map[string]any); ok {
			for field := range driverPatch {
				if err := p.lock.CheckField("driver." + field); err != nil {
					return stage.Contract("ConfigurationLocked", err)
				}
			}
		}
	}

	mu := p.stageMus[stageName]
	mu.Lock()
	defer mu.Unlock()
	if err := st.Apply(patch); err != nil {
		return err
	}
	p.bus.Publish(eventbus.Event{Kind: eventbus.KindConfigUpdated, Payload: map[string]any{
		"pipeline": p.ID, "stage": stageName,
	}})
	return nil
}

func (p *Pipeline) sourceStageName() string {
	if p.source == nil {
		return ""
	}
	return p.source.Name()
}

// StartRecording begins a recording on the named csv_sink stage, using the
// source's current SensorMeta.
func (p *Pipeline) StartRecording(stageName, recordingID string) error {
	sink, ok := p.csvSinks[stageName]
	if !ok {
		return stage.Contract("UnknownStage", fmt.Errorf("pipeline %q: no csv_sink named %q", p.ID, stageName))
	}
	if p.source == nil {
		return stage.Contract("NoSource", fmt.Errorf("pipeline %q: no eeg_source configured", p.ID))
	}
	return sink.StartRecording(recordingID, p.source.Meta())
}

// StopRecording ends the recording on the named csv_sink stage.
func (p *Pipeline) StopRecording(stageName string) error {
	sink, ok := p.csvSinks[stageName]
	if !ok {
		return stage.Contract("UnknownStage", fmt.Errorf("pipeline %q: no csv_sink named %q", p.ID, stageName))
	}
	return sink.StopRecording()
}

// StageNames returns every stage name in the graph, for control-plane
// introspection.
func (p *Pipeline) StageNames() []string {
	names := make([]string, 0, len(p.stageObjs))
	for name := range p.stageObjs {
		names = append(names, name)
	}
	return names
}
