//go:build unix

package transcribe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubEngine writes a /bin/sh script standing in for the transcription engine.
func stubEngine(t *testing.T, body string) config.EngineConfig {
	t.Helper()
	script := filepath.Join(t.TempDir(), "engine.sh")
	mustWriteFile(t, script, "#!/bin/sh\n"+body+"\n", 0o755)
	return config.EngineConfig{
		Python:           "/bin/sh",
		Script:           script,
		TimeoutMS:        5000,
		MaxOutputBytes:   1 << 20,
		MaxConcurrent:    4,
		AcquireTimeoutMS: 5000,
	}
}

func invocationFor(cfg config.EngineConfig, input string) Invocation {
	return NewInvocation(Resolution{Interpreter: cfg.Python, Script: cfg.Script}, input, cfg)
}

func TestRunnerCapturesStdout(t *testing.T) {
	cfg := stubEngine(t, `printf 'hello world'`)
	r := NewRunner(cfg, discardLogger())

	out, err := r.Run(context.Background(), invocationFor(cfg, "/tmp/in.wav"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(out.Stdout) != "hello world" || out.ExitCode != 0 {
		t.Fatalf("output = %+v", out)
	}
	if r.Spawned() != 1 {
		t.Fatalf("spawned = %d, want 1", r.Spawned())
	}
}

// TestRunnerPassesInputAsSingleArgument checks shell metacharacters in the path are inert.
func TestRunnerPassesInputAsSingleArgument(t *testing.T) {
	dir := t.TempDir()
	cfg := stubEngine(t, `printf '%s|%s' "$#" "$1"`)
	cfg.WorkDir = dir
	r := NewRunner(cfg, discardLogger())

	input := filepath.Join(dir, "my clip; touch pwned $(touch pwned2).wav")
	out, err := r.Run(context.Background(), invocationFor(cfg, input))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(out.Stdout) != "1|"+input {
		t.Fatalf("stdout = %q", out.Stdout)
	}
	for _, name := range []string{"pwned", "pwned2"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("unexpected side effect %s: %v", name, err)
		}
	}
}

func TestRunnerNonZeroExit(t *testing.T) {
	cfg := stubEngine(t, `echo boom >&2; exit 1`)
	r := NewRunner(cfg, discardLogger())

	out, err := r.Run(context.Background(), invocationFor(cfg, "/tmp/in.wav"))
	var jobErr *Error
	if !errors.As(err, &jobErr) || jobErr.Kind != KindEngineExecutionFailed {
		t.Fatalf("err = %v, want EngineExecutionFailed", err)
	}
	if jobErr.Detail != "boom" {
		t.Fatalf("detail = %q, want boom", jobErr.Detail)
	}
	if out.ExitCode != 1 {
		t.Fatalf("exit code = %d", out.ExitCode)
	}
}

// TestRunnerTimeoutKillsProcess checks the engine is terminated and reaped on expiry.
func TestRunnerTimeoutKillsProcess(t *testing.T) {
	cfg := stubEngine(t, `echo $$ > "$1"; exec sleep 30`)
	cfg.TimeoutMS = 300
	r := NewRunner(cfg, discardLogger())
	pidFile := filepath.Join(t.TempDir(), "pid")

	start := time.Now()
	_, err := r.Run(context.Background(), invocationFor(cfg, pidFile))
	elapsed := time.Since(start)

	if KindOf(err) != KindEngineTimeout {
		t.Fatalf("kind = %q, want EngineTimeout (err=%v)", KindOf(err), err)
	}
	if elapsed > 300*time.Millisecond+waitDelay+time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	raw, readErr := os.ReadFile(pidFile)
	if readErr != nil {
		t.Fatalf("read pid: %v", readErr)
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
	if convErr != nil {
		t.Fatalf("parse pid %q: %v", raw, convErr)
	}
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Fatalf("engine pid %d still present: %v", pid, err)
	}
}

func TestRunnerOutputCeiling(t *testing.T) {
	cfg := stubEngine(t, `i=0; while [ $i -lt 100 ]; do printf 'xxxxxxxxxx'; i=$((i+1)); done`)
	cfg.MaxOutputBytes = 64
	r := NewRunner(cfg, discardLogger())

	out, err := r.Run(context.Background(), invocationFor(cfg, "/tmp/in.wav"))
	var jobErr *Error
	if !errors.As(err, &jobErr) || jobErr.Kind != KindEngineExecutionFailed {
		t.Fatalf("err = %v, want EngineExecutionFailed", err)
	}
	if !strings.Contains(jobErr.Message, "exceeded") {
		t.Fatalf("message = %q", jobErr.Message)
	}
	if len(out.Stdout) > 64 {
		t.Fatalf("captured %d bytes past the ceiling", len(out.Stdout))
	}
}

func TestRunnerStartFailure(t *testing.T) {
	cfg := stubEngine(t, `true`)
	r := NewRunner(cfg, discardLogger())
	inv := invocationFor(cfg, "/tmp/in.wav")
	inv.Interpreter = filepath.Join(t.TempDir(), "no-such-python")

	_, err := r.Run(context.Background(), inv)
	if KindOf(err) != KindEngineExecutionFailed {
		t.Fatalf("kind = %q (err=%v)", KindOf(err), err)
	}
	if r.Spawned() != 0 {
		t.Fatalf("spawned = %d, want 0", r.Spawned())
	}
}

// TestRunnerRejectsWhenSaturated checks the ceiling answers Busy without spawning.
func TestRunnerRejectsWhenSaturated(t *testing.T) {
	cfg := stubEngine(t, `sleep 1; printf done`)
	cfg.MaxConcurrent = 1
	cfg.AcquireTimeoutMS = 0
	r := NewRunner(cfg, discardLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = r.Run(context.Background(), invocationFor(cfg, "/tmp/a.wav"))
	}()

	deadline := time.Now().Add(3 * time.Second)
	for r.Spawned() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	_, err := r.Run(context.Background(), invocationFor(cfg, "/tmp/b.wav"))
	if KindOf(err) != KindBusy {
		t.Fatalf("kind = %q, want Busy (err=%v)", KindOf(err), err)
	}
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first run: %v", firstErr)
	}
	if r.Spawned() != 1 {
		t.Fatalf("spawned = %d, want 1", r.Spawned())
	}
}

// TestRunnerOutlivesCallerCancellation checks a disconnecting caller does not abort the engine.
func TestRunnerOutlivesCallerCancellation(t *testing.T) {
	cfg := stubEngine(t, `sleep 0.3; printf done`)
	cfg.AcquireTimeoutMS = 0
	r := NewRunner(cfg, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	out, err := r.Run(ctx, invocationFor(cfg, "/tmp/in.wav"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(out.Stdout) != "done" {
		t.Fatalf("stdout = %q", out.Stdout)
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{max: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	if b.String() != "defg" {
		t.Fatalf("tail = %q", b.String())
	}
}

// TestRunnerStopKillsRunningEngine checks Stop ends a job well before its timeout.
func TestRunnerStopKillsRunningEngine(t *testing.T) {
	cfg := stubEngine(t, `echo $$ > "$1"; exec sleep 30`)
	cfg.TimeoutMS = 60000
	r := NewRunner(cfg, discardLogger())
	pidFile := filepath.Join(t.TempDir(), "pid")

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), invocationFor(cfg, pidFile))
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if raw, err := os.ReadFile(pidFile); err == nil && strings.HasSuffix(string(raw), "\n") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine never started")
		}
		time.Sleep(20 * time.Millisecond)
	}
	raw, _ := os.ReadFile(pidFile)
	pid, _ := strconv.Atoi(strings.TrimSpace(string(raw)))

	r.Stop()
	select {
	case err := <-done:
		if KindOf(err) != KindEngineExecutionFailed {
			t.Fatalf("kind = %q (err=%v)", KindOf(err), err)
		}
	case <-time.After(waitDelay + 2*time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Fatalf("engine pid %d still present: %v", pid, err)
	}

	if _, err := r.Run(context.Background(), invocationFor(cfg, pidFile)); KindOf(err) != KindBusy {
		t.Fatalf("run after stop: kind = %q (err=%v)", KindOf(err), err)
	}
	if r.Spawned() != 1 {
		t.Fatalf("spawned = %d, want 1", r.Spawned())
	}
}
