// Package jshost runs script plugins in-process on an embedded JavaScript
// engine. Each call gets a fresh runtime, so calls share no state and a
// runaway script is stopped by interrupting its own runtime only.
package jshost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/mattjoyce/gatekeeper/internal/log"
	"github.com/mattjoyce/gatekeeper/internal/protocol"
	"github.com/mattjoyce/gatekeeper/internal/state"
)

// DefaultTimeout bounds one script call.
const DefaultTimeout = time.Second

// Error codes placed in envelopes for scripts that throw.
const (
	CodeScriptError   = "script.error"
	CodeUnknownMethod = "script.unknown_method"
)

// ErrTimeout is returned when a call is interrupted for running too long.
var ErrTimeout = errors.New("script call timed out")

// Journal records completed calls.
type Journal interface {
	Record(ctx context.Context, inv state.Invocation) (string, error)
}

// Options configure a Plugin.
type Options struct {
	Timeout time.Duration
	Journal Journal
}

// Plugin is a compiled script plugin. It is safe for concurrent use.
type Plugin struct {
	id      string
	program *goja.Program
	opts    Options
	logger  *slog.Logger
}

// Load compiles the script at path for plugin id. The script is not run
// until the first call.
func Load(id, path string, opts Options) (*Plugin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script plugin: read %s: %w", path, err)
	}
	return Compile(id, path, string(data), opts)
}

// Compile compiles source as the script of plugin id; name is used in stack
// traces.
func Compile(id, name, source string, opts Options) (*Plugin, error) {
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("script plugin %s: compile: %w", id, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Plugin{
		id:      id,
		program: program,
		opts:    opts,
		logger:  log.WithPlugin(id).With("component", "jshost"),
	}, nil
}

// ID returns the plugin id.
func (p *Plugin) ID() string { return p.id }

// Call evaluates the script in a fresh runtime and invokes the export named
// after method, falling back to an exported handle(method, request). The
// export returns a response envelope. A thrown error becomes an error
// envelope; a thrown object with a code keeps that code.
func (p *Plugin) Call(ctx context.Context, method string, request any) (json.RawMessage, error) {
	started := time.Now()
	callID := uuid.NewString()
	logger := p.logger.With("invocation_id", callID, "method", method)

	out, err := p.call(ctx, method, request, logger)

	inv := state.Invocation{
		ID:          callID,
		Plugin:      p.id,
		Method:      method,
		Runtime:     "script",
		Status:      "ok",
		Duration:    time.Since(started),
		CreatedAt:   started,
		CompletedAt: time.Now(),
	}
	switch {
	case errors.Is(err, ErrTimeout):
		inv.Status, inv.ErrorCode = "failed", "script.timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		inv.Status, inv.ErrorCode = "failed", "script.canceled"
	case err != nil:
		inv.Status, inv.ErrorCode = "failed", "script.failed"
	}
	if err != nil {
		logger.Warn("script call failed", "error", err, "duration_ms", inv.Duration.Milliseconds())
	}
	if p.opts.Journal != nil {
		if _, jerr := p.opts.Journal.Record(context.WithoutCancel(ctx), inv); jerr != nil {
			logger.Error("failed to record invocation", "error", jerr)
		}
	}
	return out, err
}

func (p *Plugin) call(ctx context.Context, method string, request any, logger *slog.Logger) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	arg, err := toGeneric(request)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	var once sync.Once
	interrupt := func(why error) {
		once.Do(func() { vm.Interrupt(why) })
	}
	timer := time.AfterFunc(p.opts.Timeout, func() { interrupt(ErrTimeout) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { interrupt(ctx.Err()) })
	defer stop()

	exports, err := p.evaluate(vm, arg, logger)
	if err != nil {
		return p.outcome(nil, err)
	}

	fn, args := p.entry(vm, exports, method, arg)
	if fn == nil {
		return protocol.ErrorResponse(CodeUnknownMethod, fmt.Sprintf("script does not export %s", method), nil), nil
	}
	result, err := fn(goja.Undefined(), args...)
	return p.outcome(result, err)
}

// evaluate runs the program with CommonJS-style module and exports objects
// and the host API installed.
func (p *Plugin) evaluate(vm *goja.Runtime, request any, logger *slog.Logger) (*goja.Object, error) {
	exports := vm.NewObject()
	module := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := vm.Set("module", module); err != nil {
		return nil, err
	}
	if err := vm.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := vm.Set("host", p.hostAPI(vm, request, logger)); err != nil {
		return nil, err
	}

	if _, err := vm.RunProgram(p.program); err != nil {
		return nil, err
	}
	if v := module.Get("exports"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		return v.ToObject(vm), nil
	}
	return exports, nil
}

func (p *Plugin) entry(vm *goja.Runtime, exports *goja.Object, method string, request any) (goja.Callable, []goja.Value) {
	if fn, ok := goja.AssertFunction(exports.Get(method)); ok {
		return fn, []goja.Value{vm.ToValue(request)}
	}
	if fn, ok := goja.AssertFunction(exports.Get("handle")); ok {
		return fn, []goja.Value{vm.ToValue(method), vm.ToValue(request)}
	}
	return nil, nil
}

func (p *Plugin) hostAPI(vm *goja.Runtime, request any, logger *slog.Logger) *goja.Object {
	api := vm.NewObject()
	api.Set("log", func(level, message string, fields map[string]any) {
		args := []any{"source", "plugin"}
		for k, v := range fields {
			args = append(args, k, v)
		}
		logger.Log(context.Background(), log.ParseLevel(level), message, args...)
	})
	api.Set("get_context", func() any {
		if m, ok := request.(map[string]any); ok {
			return m["context"]
		}
		return nil
	})
	return api
}

// outcome maps the script's return value or failure onto a response
// envelope. Interrupts surface as Go errors.
func (p *Plugin) outcome(result goja.Value, err error) (json.RawMessage, error) {
	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			why, ok := ie.Value().(error)
			if !ok {
				why = ErrTimeout
			}
			return nil, fmt.Errorf("script plugin %s: %w", p.id, why)
		}
		var ex *goja.Exception
		if errors.As(err, &ex) {
			code, msg := CodeScriptError, ex.Error()
			if obj, ok := ex.Value().(*goja.Object); ok {
				if c := obj.Get("code"); c != nil && !goja.IsUndefined(c) && c.String() != "" {
					code = c.String()
				}
				if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) && m.String() != "" {
					msg = m.String()
				}
			}
			return protocol.ErrorResponse(code, msg, nil), nil
		}
		return protocol.ErrorResponse(CodeScriptError, err.Error(), nil), nil
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, fmt.Errorf("script plugin %s returned no value", p.id)
	}
	raw, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("script plugin %s: encode result: %w", p.id, err)
	}
	return raw, nil
}

// toGeneric converts request into plain maps and slices so scripts see JSON
// field names.
func toGeneric(request any) (any, error) {
	raw, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode script request: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode script request: %w", err)
	}
	return v, nil
}
