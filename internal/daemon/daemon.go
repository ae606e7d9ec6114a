// Package daemon implements the eegd daemon process lifecycle: config load,
// logging/metrics bring-up, pipeline discovery, the HTTP control plane, and
// signal-driven graceful shutdown/reload (§6.5).
//
// Grounded on the teacher's internal/daemon/daemon.go lifecycle shape
// (New/Start/Stop/Run/Reload, PID file, signal channel) with task
// manager/UDS/Kafka replaced by a control.Manager and an HTTP control
// plane.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"elata.dev/eegd/internal/config"
	"elata.dev/eegd/internal/control"
	"elata.dev/eegd/internal/eventbus"
	logpkg "elata.dev/eegd/internal/log"
	"elata.dev/eegd/internal/metrics"
	"elata.dev/eegd/internal/wsbroker"
)

// Daemon owns every long-lived process component.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string

	bus     *eventbus.Bus
	broker  *wsbroker.Broker
	manager *control.Manager

	metricsServer *metrics.Server
	controlServer *control.Server

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
}

// New loads configuration from configPath and constructs an unstarted Daemon.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes logging, metrics, the pipeline manager, and the control
// plane, then loads (without starting) every pipeline document found in
// PipelinesDir.
func (d *Daemon) Start() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting eegd daemon", "config", d.configPath, "listen", d.config.Listen)

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if d.config.Metrics.Enabled {
		d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
		if err := d.metricsServer.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	graceWindow, err := time.ParseDuration(d.config.WebSocket.GraceWindow)
	if err != nil {
		slog.Warn("invalid websocket.grace_window, defaulting to 2s", "value", d.config.WebSocket.GraceWindow)
		graceWindow = 2 * time.Second
	}
	d.bus = eventbus.New()
	d.broker = wsbroker.New(graceWindow, d.config.WebSocket.OutboxDepth)

	drainDeadline, err := time.ParseDuration(d.config.DrainDeadline)
	if err != nil || drainDeadline <= 0 {
		slog.Warn("invalid drain_deadline, defaulting to 2s", "value", d.config.DrainDeadline)
		drainDeadline = 2 * time.Second
	}
	d.manager = control.NewManager(d.config.PipelinesDir, drainDeadline, d.bus, d.broker)
	if errs := d.manager.LoadAll(); len(errs) > 0 {
		for _, e := range errs {
			slog.Warn("pipeline load error", "error", e)
		}
	}

	d.controlServer = control.NewServer(d.config.Listen, d.manager)
	if err := d.controlServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}

	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown: stop accepting control connections,
// stop every running pipeline, stop metrics, cancel the root context.
func (d *Daemon) Stop() {
	slog.Info("initiating graceful shutdown")

	if d.controlServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.controlServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping control server", "error", err)
		}
		cancel()
	}

	if d.manager != nil {
		slog.Info("stopping all pipelines")
		d.manager.StopAll()
	}

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		cancel()
	}

	d.cancel()

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")
}

// Run blocks until a shutdown signal (SIGTERM/SIGINT), an external
// TriggerShutdown, or the root context is cancelled. SIGHUP reloads the
// logging configuration without restarting running pipelines.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil
			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}
		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil
		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads configuration and hot-applies the logging section; the
// listen address, pipelines directory, and WebSocket outbox sizing are
// cold settings that require a restart to take effect.
func (d *Daemon) Reload() error {
	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	oldLevel, oldFormat := d.config.Log.Level, d.config.Log.Format
	oldListen, oldPipelinesDir := d.config.Listen, d.config.PipelinesDir
	d.config = newConfig
	if err := logpkg.Init(d.config.Log); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else if newConfig.Log.Level != oldLevel || newConfig.Log.Format != oldFormat {
		slog.Info("log configuration reloaded", "level", newConfig.Log.Level, "format", newConfig.Log.Format)
	}

	requiresRestart := []string{}
	if newConfig.Listen != oldListen {
		requiresRestart = append(requiresRestart, "listen")
	}
	if newConfig.PipelinesDir != oldPipelinesDir {
		requiresRestart = append(requiresRestart, "pipelines_dir")
	}
	if len(requiresRestart) > 0 {
		slog.Warn("configuration changes require a restart to take effect", "fields", requiresRestart)
	}
	return nil
}

// TriggerShutdown requests graceful shutdown from outside the signal loop
// (e.g., a future admin API).
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

func (d *Daemon) writePIDFile() error {
	if d.config.PIDFile == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(d.config.PIDFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.config.PIDFile, err)
	}
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.config.PIDFile == "" {
		return nil
	}
	if err := os.Remove(d.config.PIDFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.config.PIDFile, err)
	}
	return nil
}
