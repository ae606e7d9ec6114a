package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDaemon_StartStopIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	pipelinesDir := filepath.Join(tmpDir, "pipelines")
	if err := os.MkdirAll(pipelinesDir, 0o755); err != nil {
		t.Fatalf("failed to create pipelines dir: %v", err)
	}

	configPath := filepath.Join(tmpDir, "config.yml")
	pidFile := filepath.Join(tmpDir, "eegd.pid")
	configContent := `
eegd:
  listen: 127.0.0.1:0
  pipelines_dir: ` + pipelinesDir + `
  recordings_dir: ` + filepath.Join(tmpDir, "recordings") + `
  pid_file: ` + pidFile + `
  drain_deadline: 500ms
  metrics:
    enabled: false
  log:
    level: debug
    format: text
  websocket:
    grace_window: 1s
    outbox_depth: 64
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	d, err := New(configPath)
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}

	if _, err := os.Stat(pidFile); os.IsNotExist(err) {
		t.Errorf("PID file was not created: %s", pidFile)
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- d.Run()
	}()
	time.Sleep(50 * time.Millisecond)

	d.TriggerShutdown()

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("daemon.Run() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop within timeout")
	}

	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Errorf("PID file was not removed after shutdown: %s", pidFile)
	}
}
