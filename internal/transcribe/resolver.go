package transcribe

import (
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// Resolution is the interpreter and script an invocation will use.
type Resolution struct {
	Interpreter     string
	InterpreterArgs []string
	Script          string
	Isolated        bool
}

// Resolver finds the engine once and serves the cached answer afterwards.
type Resolver struct {
	cfg  config.EngineConfig
	stat func(string) (os.FileInfo, error)

	once sync.Once
	res  Resolution
	err  error
}

func NewResolver(cfg config.EngineConfig) *Resolver {
	return &Resolver{cfg: cfg, stat: os.Stat}
}

// Resolve returns the memoized resolution. A missing script yields an
// EngineNotInstalled error on every call without touching the filesystem again.
func (r *Resolver) Resolve() (Resolution, error) {
	r.once.Do(func() {
		r.res, r.err = r.resolve()
	})
	return r.res, r.err
}

func (r *Resolver) resolve() (Resolution, error) {
	script, err := filepath.Abs(r.cfg.Script)
	if err != nil {
		return Resolution{}, newError(KindEngineNotInstalled, "transcribe script path is invalid", err)
	}
	if info, err := r.stat(script); err != nil || info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is a directory", script)
		}
		return Resolution{}, newError(KindEngineNotInstalled, "transcribe script not found on server", err)
	}

	if venv := r.venvInterpreter(); venv != "" {
		return Resolution{Interpreter: venv, Script: script, Isolated: true}, nil
	}

	args, err := shellwords.Parse(r.cfg.Python)
	if err != nil {
		return Resolution{}, newError(KindEngineNotInstalled, "engine interpreter command is invalid", err)
	}
	if len(args) == 0 {
		return Resolution{}, newError(KindEngineNotInstalled, "engine interpreter command is empty", nil)
	}
	return Resolution{Interpreter: args[0], InterpreterArgs: args[1:], Script: script}, nil
}

func (r *Resolver) venvInterpreter() string {
	if strings.TrimSpace(r.cfg.VenvDir) == "" {
		return ""
	}
	candidate := filepath.Join(r.cfg.VenvDir, "bin", "python3")
	if goruntime.GOOS == "windows" {
		candidate = filepath.Join(r.cfg.VenvDir, "Scripts", "python.exe")
	}
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return ""
	}
	info, err := r.stat(abs)
	if err != nil || info.IsDir() {
		return ""
	}
	return abs
}
