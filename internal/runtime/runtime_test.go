//go:build unix

package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if raw, err := os.ReadFile(path); err == nil && len(raw) > 0 && raw[len(raw)-1] == '\n' {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never appeared", path)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestStartStopKillsRunningEngine checks that stopping the runtime mid-job
// kills the engine and removes its upload before Start returns.
func TestStartStopKillsRunningEngine(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "engine.pid")
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.HTTP.StaticDir = ""
	cfg.HTTP.ShutdownTimeoutMS = 300
	cfg.Telemetry.MetricsEnabled = false
	cfg.Upload.Dir = filepath.Join(t.TempDir(), "uploads")
	cfg.Upload.SweepEveryMS = 0
	cfg.Engine = shEngine(t, fmt.Sprintf("echo $$ > '%s'\nexec sleep 60", pidFile))
	cfg.Engine.VenvDir = filepath.Join(t.TempDir(), "no-venv")
	cfg.Engine.TimeoutMS = 60000

	rt := New(cfg, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan error, 1)
	go func() { started <- rt.Start(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTP.Port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/api/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	form := uploadRequest(t, "file", "clip.wav", []byte("audio"))
	req, err := http.NewRequest(http.MethodPost, base+"/api/transcribe", form.Body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", form.Header.Get("Content-Type"))
	go func() {
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()

	waitForFile(t, pidFile)
	pid := readPID(t, pidFile)
	cancel()

	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	waitForExit(t, pid)
	entries, err := os.ReadDir(cfg.Upload.Dir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("uploads left = %d", len(entries))
	}
}
