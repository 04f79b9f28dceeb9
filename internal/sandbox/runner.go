// Package sandbox runs untrusted compiled plugin modules as short-lived
// subprocesses speaking JSON over stdin and stdout.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/gatekeeper/internal/log"
	"github.com/mattjoyce/gatekeeper/internal/state"
	"github.com/mattjoyce/gatekeeper/internal/workspace"
)

// MemoryPlaceholder in a launcher argument is replaced by the memory limit.
const MemoryPlaceholder = "{max_memory_bytes}"

const (
	DefaultTimeout        = 2 * time.Second
	DefaultMaxMemoryBytes = 256 << 20
	DefaultMaxStderrBytes = 64 * 1024
	maxStdoutBytes        = 16 << 20

	// waitDelay bounds how long Wait blocks on pipes held open by stray
	// descendants after the module exits or is killed.
	waitDelay = 250 * time.Millisecond
)

// DefaultLauncher runs a WASI module with a memory cap.
var DefaultLauncher = []string{"wasmtime", "run", "-W", "max-memory-size=" + MemoryPlaceholder}

// Journal records completed runs.
type Journal interface {
	Record(ctx context.Context, inv state.Invocation) (string, error)
}

// Config configures a Runner.
type Config struct {
	// Launcher is the argv prefix; the module path is appended.
	Launcher       []string
	MaxMemoryBytes int64
	DefaultTimeout time.Duration
	MaxStderrBytes int
	// Workspaces provides per-run directories. Nil uses a directory under
	// the system temp dir.
	Workspaces workspace.Manager
	Journal    Journal
}

// Runner executes modules. It holds no per-run state and is safe for
// concurrent use.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a Runner, filling unset fields with defaults.
func NewRunner(cfg Config) (*Runner, error) {
	if len(cfg.Launcher) == 0 {
		cfg.Launcher = DefaultLauncher
	}
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxStderrBytes <= 0 {
		cfg.MaxStderrBytes = DefaultMaxStderrBytes
	}
	if cfg.Workspaces == nil {
		ws, err := workspace.NewFSManager(filepath.Join(os.TempDir(), "gatekeeper-sandbox"), "")
		if err != nil {
			return nil, err
		}
		cfg.Workspaces = ws
	}
	return &Runner{cfg: cfg, logger: log.WithComponent("sandbox")}, nil
}

// invocation labels one run for logs and the journal.
type invocation struct {
	pluginID string
	method   string
}

// Run writes input as JSON to the module's stdin and returns its stdout,
// which must be exactly one JSON object. A timeout of zero uses the
// configured default. Failures are *Error values; a canceled ctx kills the
// module and returns the context error.
func (r *Runner) Run(ctx context.Context, modulePath string, input any, timeout time.Duration) (json.RawMessage, error) {
	return r.run(ctx, modulePath, input, timeout, invocation{pluginID: moduleLabel(modulePath), method: "run"})
}

func (r *Runner) run(ctx context.Context, modulePath string, input any, timeout time.Duration, inv invocation) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	runID := uuid.NewString()
	logger := log.WithInvocation(inv.pluginID, runID).With("component", "sandbox", "method", inv.method)

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, newError(CodeLaunchFailed, "encode input: "+err.Error(), nil)
	}

	ws, err := r.cfg.Workspaces.Create(ctx, runID)
	if err != nil {
		return nil, newError(CodeLaunchFailed, "create workspace: "+err.Error(), nil)
	}
	defer func() {
		if err := r.cfg.Workspaces.Remove(ws); err != nil {
			logger.Warn("failed to remove run workspace", "error", err)
		}
	}()

	started := time.Now()
	res := r.spawn(ctx, modulePath, payload, timeout, ws, logger)
	out, runErr := res.finish()
	r.record(ctx, inv, runID, started, res, runErr, logger)
	return out, runErr
}

type spawnResult struct {
	stdout   []byte
	stderr   string
	exitCode *int
	err      error
}

func (s *spawnResult) finish() (json.RawMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	out, err := parseObject(s.stdout)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runner) spawn(ctx context.Context, modulePath string, payload []byte, timeout time.Duration, ws workspace.Workspace, logger *slog.Logger) *spawnResult {
	argv := r.argv(modulePath)

	// Termination is managed here rather than through CommandContext so the
	// whole process group goes down together.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = ws.Dir
	cmd.Env = append(os.Environ(),
		"GATEKEEPER_RUN_ID="+ws.RunID,
		"GATEKEEPER_WORK_DIR="+ws.Dir,
		"GATEKEEPER_CACHE_DIR="+ws.CacheDir,
		"GATEKEEPER_MAX_MEMORY_BYTES="+strconv.FormatInt(r.cfg.MaxMemoryBytes, 10),
		"XDG_CACHE_HOME="+ws.CacheDir,
	)
	cmd.WaitDelay = waitDelay
	isolate(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &spawnResult{err: newError(CodeLaunchFailed, "create stdin pipe: "+err.Error(), nil)}
	}
	stdout := &cappedBuffer{limit: maxStdoutBytes}
	stderr := &cappedBuffer{limit: r.cfg.MaxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("spawning module", "argv", argv, "timeout", timeout)
	if err := cmd.Start(); err != nil {
		return &spawnResult{err: newError(CodeLaunchFailed, "start process: "+err.Error(), map[string]any{"argv": argv})}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		_, err := stdin.Write(append(payload, '\n'))
		writeErr <- err
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	kill := func(reason string) {
		logger.Warn("killing module", "reason", reason)
		if err := killGroup(cmd); err != nil {
			logger.Error("failed to kill module", "error", err)
		}
		<-waitErr
	}

	select {
	case <-timer.C:
		kill("timeout")
		return &spawnResult{
			stderr: stderr.String(),
			err: newError(CodeTimeout, fmt.Sprintf("module did not finish within %s", timeout),
				map[string]any{"timeout_ms": timeout.Milliseconds(), "stderr": stderr.String()}),
		}

	case <-ctx.Done():
		kill("canceled")
		return &spawnResult{stderr: stderr.String(), err: fmt.Errorf("sandbox run canceled: %w", ctx.Err())}

	case err := <-waitErr:
		res := &spawnResult{stdout: stdout.Bytes(), stderr: stderr.String()}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				res.err = newError(CodeExecFailed, "wait for process: "+err.Error(), map[string]any{"stderr": res.stderr})
				return res
			}
			code := exitErr.ExitCode()
			res.exitCode = &code
			logger.Warn("module exited with non-zero status", "exit_code", code)
			res.err = newError(CodeExecFailed, "module execution failed", map[string]any{
				"exit_code": code,
				"stderr":    strings.TrimSpace(res.stderr),
			})
			return res
		}
		code := 0
		res.exitCode = &code

		if werr := <-writeErr; werr != nil && !errors.Is(werr, syscall.EPIPE) && !errors.Is(werr, os.ErrClosed) {
			res.err = newError(CodeExecFailed, "write input: "+werr.Error(), map[string]any{"stderr": res.stderr})
			return res
		}
		if stdout.truncated {
			res.err = newError(CodeInvalidOutput, "module output exceeds limit", map[string]any{"limit_bytes": maxStdoutBytes})
		}
		return res
	}
}

func (r *Runner) argv(modulePath string) []string {
	limit := strconv.FormatInt(r.cfg.MaxMemoryBytes, 10)
	argv := make([]string, 0, len(r.cfg.Launcher)+1)
	for _, a := range r.cfg.Launcher {
		argv = append(argv, strings.ReplaceAll(a, MemoryPlaceholder, limit))
	}
	return append(argv, modulePath)
}

func (r *Runner) record(ctx context.Context, inv invocation, runID string, started time.Time, res *spawnResult, runErr error, logger *slog.Logger) {
	entry := state.Invocation{
		ID:          runID,
		Plugin:      inv.pluginID,
		Method:      inv.method,
		Runtime:     "sandbox",
		Status:      "ok",
		ExitCode:    res.exitCode,
		Duration:    time.Since(started),
		Stderr:      res.stderr,
		CreatedAt:   started,
		CompletedAt: time.Now(),
	}
	if runErr != nil {
		entry.Status = "failed"
		var se *Error
		if errors.As(runErr, &se) {
			entry.ErrorCode = string(se.Code)
		} else {
			entry.ErrorCode = "sandbox.canceled"
		}
		logger.Warn("module run failed", "error", runErr, "duration_ms", entry.Duration.Milliseconds())
	} else {
		logger.Debug("module run completed", "duration_ms", entry.Duration.Milliseconds())
	}

	if r.cfg.Journal == nil {
		return
	}
	// The run context may already be canceled; the journal write is not.
	if _, err := r.cfg.Journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error("failed to record invocation", "error", err)
	}
}

// parseObject accepts exactly one JSON object, surrounded by optional whitespace.
func parseObject(stdout []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(stdout)
	invalid := func(reason string) error {
		return newError(CodeInvalidOutput, "module returned invalid JSON: "+reason,
			map[string]any{"stdout": string(trimmed)})
	}
	if len(trimmed) == 0 {
		return nil, invalid("empty output")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var doc json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return nil, invalid(err.Error())
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, invalid("trailing data after JSON document")
	}
	if doc[0] != '{' {
		return nil, invalid("output is not an object")
	}
	return doc, nil
}

// cappedBuffer keeps the first limit bytes written and discards the rest
// while still reporting full writes, so the child never blocks on a pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *cappedBuffer) String() string { return b.buf.String() }
