package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"elata.dev/eegd/internal/stage"
)

// Server is the HTTP control-plane listener: pipeline lifecycle and
// SetParameter REST endpoints plus an SSE event stream, mounted alongside
// (but independent from) the Prometheus metrics server and the WebSocket
// broker (§6.5). Grounded on internal/metrics/server.go's http.Server
// wrapper shape.
type Server struct {
	addr    string
	manager *Manager
	server  *http.Server
}

// NewServer constructs a control-plane Server bound to addr.
func NewServer(addr string, manager *Manager) *Server {
	return &Server{addr: addr, manager: manager}
}

// Start launches the HTTP server in the background.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /pipelines", s.handleListPipelines)
	mux.HandleFunc("POST /pipelines/load", s.handleLoad)
	mux.HandleFunc("POST /pipelines/stop", s.handleStopRunning)
	mux.HandleFunc("POST /pipelines/{id}/start", s.handleStart)
	mux.HandleFunc("POST /pipelines/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /pipelines/{id}/control", s.handleControl)
	mux.HandleFunc("POST /pipelines/{id}/record/start", s.handleRecordStart)
	mux.HandleFunc("POST /pipelines/{id}/record/stop", s.handleRecordStop)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.Handle("/ws", s.manager.broker)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // /events streams indefinitely
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting control server", "addr", s.addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("control server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the control server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	data, err := marshalState(s.manager.List())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	s.handleState(w, r)
}

// handleLoad loads a pipeline document by filename (relative to the
// pipelines directory), registering it without starting it.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		File string `json:"file"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	path := filepath.Join(s.manager.pipelinesDir, body.File)
	pl, err := s.manager.Load(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, describe(pl))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown pipeline %q", r.PathValue("id")))
		return
	}
	if err := pl.Start(context.Background()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, describe(pl))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown pipeline %q", r.PathValue("id")))
		return
	}
	if err := pl.Stop(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, describe(pl))
}

// handleStopRunning implements the id-less "stop the running pipeline"
// operation (§4.11): every pipeline currently in StatusStarted is stopped.
func (s *Server) handleStopRunning(w http.ResponseWriter, r *http.Request) {
	stopped := s.manager.StopRunning(r.Context())
	states := make([]pipelineState, 0, len(stopped))
	for _, pl := range stopped {
		states = append(states, describe(pl))
	}
	writeJSON(w, http.StatusOK, states)
}

// handleControl implements SetParameter (§4.11/§6.1):
// {"SetParameter": {"target_stage": "...", "parameters": {...}}}.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown pipeline %q", r.PathValue("id")))
		return
	}
	var body struct {
		SetParameter struct {
			TargetStage string         `json:"target_stage"`
			Parameters  map[string]any `json:"parameters"`
		} `json:"SetParameter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := pl.SetParameter(body.SetParameter.TargetStage, stage.Params(body.SetParameter.Parameters)); err != nil {
		writeContractError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown pipeline %q", r.PathValue("id")))
		return
	}
	var body struct {
		Stage       string `json:"stage"`
		RecordingID string `json:"recording_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := pl.StartRecording(body.Stage, body.RecordingID); err != nil {
		writeContractError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	pl, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown pipeline %q", r.PathValue("id")))
		return
	}
	var body struct {
		Stage string `json:"stage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := pl.StopRecording(body.Stage); err != nil {
		writeContractError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams eventbus.Event values as SSE "data: {...}\n\n" lines
// until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	ch, unsubscribe := s.manager.bus.Subscribe(32)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeContractError maps a stage.Error's Kind onto an HTTP status: Contract
// errors (rejected single command) are 409 Conflict, everything else is 500.
func writeContractError(w http.ResponseWriter, err error) {
	var serr *stage.Error
	if errors.As(err, &serr) {
		switch serr.Kind {
		case stage.KindContract:
			writeError(w, http.StatusConflict, err)
			return
		case stage.KindBackpressure:
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	writeError(w, http.StatusInternalServerError, err)
}
