package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"golang.org/x/sync/semaphore"
)

const (
	maxStderrBytes = 64 << 10
	// waitDelay bounds how long Wait keeps draining pipes after the process is killed.
	waitDelay = 2 * time.Second
)

// Invocation is one engine run for one uploaded file.
type Invocation struct {
	Interpreter     string
	InterpreterArgs []string
	Script          string
	Input           string
	WorkDir         string
	MaxOutputBytes  int64
	Timeout         time.Duration
}

// NewInvocation builds the invocation for input using the resolved engine and configured limits.
func NewInvocation(res Resolution, input string, cfg config.EngineConfig) Invocation {
	return Invocation{
		Interpreter:     res.Interpreter,
		InterpreterArgs: append([]string(nil), res.InterpreterArgs...),
		Script:          res.Script,
		Input:           input,
		WorkDir:         cfg.WorkDir,
		MaxOutputBytes:  cfg.MaxOutputBytes,
		Timeout:         time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}
}

// Args returns the argument vector passed to the interpreter. The input path
// is always a single discrete argument.
func (inv Invocation) Args() []string {
	args := make([]string, 0, len(inv.InterpreterArgs)+2)
	args = append(args, inv.InterpreterArgs...)
	args = append(args, inv.Script, inv.Input)
	return args
}

// Output is what a finished engine process left behind.
type Output struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner spawns engine processes under a global concurrency ceiling.
type Runner struct {
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	log            *slog.Logger
	spawned        atomic.Int64
	// stopped is cancelled by Stop; every running engine is killed with it.
	stopped context.Context
	stop    context.CancelFunc
}

func NewRunner(cfg config.EngineConfig, log *slog.Logger) *Runner {
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	stopped, stop := context.WithCancel(context.Background())
	return &Runner{
		sem:            semaphore.NewWeighted(int64(limit)),
		acquireTimeout: time.Duration(cfg.AcquireTimeoutMS) * time.Millisecond,
		log:            log.With(slog.String("component", "engine.runner")),
		stopped:        stopped,
		stop:           stop,
	}
}

// Stop kills every running engine process group and refuses further runs.
// Run calls in flight return once their process has been reaped.
func (r *Runner) Stop() {
	r.stop()
}

// Spawned reports how many engine processes were started.
func (r *Runner) Spawned() int64 {
	return r.spawned.Load()
}

// Run executes inv once. The caller's cancellation is not propagated to the
// process; only inv.Timeout or Stop ends it early.
func (r *Runner) Run(ctx context.Context, inv Invocation) (Output, error) {
	if err := r.acquire(ctx); err != nil {
		return Output{}, err
	}
	defer r.sem.Release(1)
	if r.stopped.Err() != nil {
		return Output{}, errStopped
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inv.Timeout)
	defer cancel()
	unlink := context.AfterFunc(r.stopped, cancel)
	defer unlink()

	stdout := &limitedBuffer{max: inv.MaxOutputBytes, onOverflow: cancel}
	stderr := &tailBuffer{max: maxStderrBytes}

	cmd := exec.CommandContext(runCtx, inv.Interpreter, inv.Args()...)
	cmd.Dir = inv.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Output{}, newError(KindEngineExecutionFailed, "failed to start transcription engine", err)
	}
	r.spawned.Add(1)
	r.log.Debug("engine started", slog.Int("pid", cmd.Process.Pid), slog.String("input", inv.Input))

	waitErr := cmd.Wait()
	out := Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	switch {
	case waitErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return out, &Error{
			Kind:    KindEngineTimeout,
			Message: fmt.Sprintf("transcription engine timed out after %s", inv.Timeout),
			Detail:  out.Stderr,
			Err:     context.DeadlineExceeded,
		}
	case waitErr != nil && r.stopped.Err() != nil:
		return out, &Error{
			Kind:    KindEngineExecutionFailed,
			Message: "transcription engine stopped: server shutting down",
			Detail:  strings.TrimSpace(out.Stderr),
			Err:     waitErr,
		}
	case stdout.Overflowed():
		return out, &Error{
			Kind:    KindEngineExecutionFailed,
			Message: fmt.Sprintf("transcription engine output exceeded %d bytes", inv.MaxOutputBytes),
			Detail:  out.Stderr,
			Err:     waitErr,
		}
	case waitErr != nil:
		return out, &Error{
			Kind:    KindEngineExecutionFailed,
			Message: fmt.Sprintf("transcription engine failed (exit code %d)", out.ExitCode),
			Detail:  strings.TrimSpace(out.Stderr),
			Err:     waitErr,
		}
	}
	return out, nil
}

var errStopped = newError(KindBusy, "server is shutting down", nil)

func (r *Runner) acquire(ctx context.Context) error {
	if r.stopped.Err() != nil {
		return errStopped
	}
	if r.acquireTimeout <= 0 {
		if !r.sem.TryAcquire(1) {
			return newError(KindBusy, "transcription capacity exhausted, retry later", nil)
		}
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, r.acquireTimeout)
	defer cancel()
	unlink := context.AfterFunc(r.stopped, cancel)
	defer unlink()
	if err := r.sem.Acquire(waitCtx, 1); err != nil {
		if r.stopped.Err() != nil {
			return errStopped
		}
		return newError(KindBusy, "transcription capacity exhausted, retry later", err)
	}
	return nil
}

// limitedBuffer collects up to max bytes and reports overflow once.
type limitedBuffer struct {
	mu         sync.Mutex
	buf        []byte
	max        int64
	overflow   bool
	onOverflow func()
}

var errOutputLimit = errors.New("output limit exceeded")

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.overflow {
		return 0, errOutputLimit
	}
	if int64(len(b.buf))+int64(len(p)) > b.max {
		b.overflow = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
		return 0, errOutputLimit
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

func (b *limitedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-b.max:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
