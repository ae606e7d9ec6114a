// Package control implements the HTTP/SSE control plane (§4.11, §6.5) that
// replaces the teacher's Unix Domain Socket CLI protocol: pipeline
// lifecycle, SetParameter routing, and recording control are all exposed as
// a small REST API, with an SSE stream for the event bus.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"elata.dev/eegd/internal/config"
	"elata.dev/eegd/internal/eventbus"
	"elata.dev/eegd/internal/pipeline"
	"elata.dev/eegd/internal/wsbroker"
)

// Manager owns every loaded pipeline in the process, keyed by pipeline ID.
// Pipelines are loaded from pipelinesDir on demand (or eagerly at daemon
// startup) and may be started, stopped, and reconfigured independently.
type Manager struct {
	pipelinesDir  string
	drainDeadline time.Duration

	bus    *eventbus.Bus
	broker *wsbroker.Broker

	mu        sync.RWMutex
	pipelines map[string]*pipeline.Pipeline
}

// NewManager constructs a Manager rooted at pipelinesDir.
func NewManager(pipelinesDir string, drainDeadline time.Duration, bus *eventbus.Bus, broker *wsbroker.Broker) *Manager {
	return &Manager{
		pipelinesDir:  pipelinesDir,
		drainDeadline: drainDeadline,
		bus:           bus,
		broker:        broker,
		pipelines:     make(map[string]*pipeline.Pipeline),
	}
}

// LoadAll discovers and builds (but does not start) every pipeline document
// under pipelinesDir, matching the teacher's config-directory-scan startup
// pattern. A bad document is reported but does not stop the rest from
// loading.
func (m *Manager) LoadAll() []error {
	entries, err := os.ReadDir(m.pipelinesDir)
	if err != nil {
		return []error{fmt.Errorf("control: reading pipelines dir %q: %w", m.pipelinesDir, err)}
	}
	var errs []error
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		path := filepath.Join(m.pipelinesDir, ent.Name())
		if _, err := m.Load(path); err != nil {
			errs = append(errs, fmt.Errorf("control: loading %s: %w", path, err))
		}
	}
	return errs
}

// Load parses and builds a single pipeline document, registering it (not
// yet started) under its declared ID.
func (m *Manager) Load(path string) (*pipeline.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pc, err := config.ParsePipelineConfigAuto(data, path)
	if err != nil {
		return nil, err
	}
	pl, err := pipeline.Build(pc, m.bus, m.broker, m.drainDeadline)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.pipelines[pc.ID] = pl
	m.mu.Unlock()
	return pl, nil
}

// Get returns the pipeline with the given ID, or (nil, false).
func (m *Manager) Get(id string) (*pipeline.Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pl, ok := m.pipelines[id]
	return pl, ok
}

// List returns every registered pipeline, in no guaranteed order.
func (m *Manager) List() []*pipeline.Pipeline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*pipeline.Pipeline, 0, len(m.pipelines))
	for _, pl := range m.pipelines {
		out = append(out, pl)
	}
	return out
}

// StopAll stops every started pipeline, best-effort, used during daemon
// shutdown.
func (m *Manager) StopAll() {
	for _, pl := range m.List() {
		if pl.Status() == pipeline.StatusStarted || pl.Status() == pipeline.StatusError {
			_ = pl.Stop(context.Background())
		}
	}
}

// StopRunning stops every pipeline currently in StatusStarted and returns
// the ones it stopped, for the id-less POST /pipelines/stop operation
// (§4.11).
func (m *Manager) StopRunning(ctx context.Context) []*pipeline.Pipeline {
	var stopped []*pipeline.Pipeline
	for _, pl := range m.List() {
		if pl.Status() == pipeline.StatusStarted {
			if err := pl.Stop(ctx); err == nil {
				stopped = append(stopped, pl)
			}
		}
	}
	return stopped
}

// pipelineState is the GET /state JSON shape for one pipeline.
type pipelineState struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Status string   `json:"status"`
	Stages []string `json:"stages"`
	Error  string   `json:"error,omitempty"`
}

func describe(pl *pipeline.Pipeline) pipelineState {
	s := pipelineState{ID: pl.ID, Name: pl.Name, Status: pl.Status().String(), Stages: pl.StageNames()}
	if err := pl.LastError(); err != nil {
		s.Error = err.Error()
	}
	return s
}

func marshalState(pls []*pipeline.Pipeline) ([]byte, error) {
	states := make([]pipelineState, 0, len(pls))
	for _, pl := range pls {
		states = append(states, describe(pl))
	}
	return json.Marshal(states)
}
