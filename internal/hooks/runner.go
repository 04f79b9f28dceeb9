// Package hooks dispatches constraint and render hook points to loaded
// plugins, one plugin at a time in ascending id order.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/gatekeeper/internal/log"
	"github.com/mattjoyce/gatekeeper/internal/plugin"
	"github.com/mattjoyce/gatekeeper/internal/protocol"
)

// Host-synthesized failure codes.
const (
	CodeInvalidResponse = "hook.invalid_response"
	CodeException       = "hook.exception"
)

// Diagnostic records the outcome of one plugin for one hook invocation.
type Diagnostic struct {
	PluginID string              `json:"plugin_id"`
	Hook     string              `json:"hook"`
	OK       bool                `json:"ok"`
	Error    *protocol.HookError `json:"error,omitempty"`
	Message  string              `json:"message,omitempty"`
}

// Runner invokes hook points. The zero value is usable.
type Runner struct {
	// Host is copied into every request; PluginID is overwritten per call.
	Host   protocol.HostContext
	Logger *slog.Logger
}

// NewRunner creates a Runner that reports hostVersion to plugins.
func NewRunner(hostVersion string) *Runner {
	return &Runner{
		Host:   protocol.HostContext{HostVersion: hostVersion},
		Logger: log.WithComponent("hooks"),
	}
}

// ConstraintsInput is one constraints.post_validate invocation.
type ConstraintsInput struct {
	Plugins        []*plugin.Loaded
	ProjectID      string
	RevisionID     string
	KitchenState   json.RawMessage
	BaseViolations []protocol.Violation
	Mode           string
	// AllowSuppress lets plugins remove violations by code.
	AllowSuppress bool
}

// ConstraintsOutput is the merged result. Violations is always a fresh slice.
type ConstraintsOutput struct {
	Violations  []protocol.Violation `json:"violations"`
	Diagnostics []Diagnostic         `json:"diagnostics"`
}

// RunConstraints invokes every constraints-capable plugin. Each plugin sees
// the base violations plus everything earlier plugins added.
func (r *Runner) RunConstraints(ctx context.Context, in ConstraintsInput) ConstraintsOutput {
	merged := copyViolations(in.BaseViolations)
	diags := []Diagnostic{}

	for _, p := range plugin.Select(in.Plugins, plugin.CapConstraints) {
		req := r.Request(p, in.ProjectID, in.RevisionID, protocol.ConstraintsParams{
			KitchenState:   in.KitchenState,
			BaseViolations: copyViolations(merged),
			Mode:           in.Mode,
		})
		res, herr := Call[protocol.ConstraintsResult](ctx, r, p, protocol.MethodConstraintsPostValidate, req)
		if herr != nil {
			diags = append(diags, Diagnostic{PluginID: p.ID(), Hook: protocol.HookConstraintsPostValidate, Error: herr})
			continue
		}

		merged = append(merged, copyViolations(res.AddViolations)...)
		if in.AllowSuppress && len(res.SuppressCodes) > 0 {
			merged = suppress(merged, res.SuppressCodes)
		}
		diags = append(diags, Diagnostic{
			PluginID: p.ID(),
			Hook:     protocol.HookConstraintsPostValidate,
			OK:       true,
			Message:  fmt.Sprintf("Added %d violation(s)", len(res.AddViolations)),
		})
	}

	return ConstraintsOutput{Violations: merged, Diagnostics: diags}
}

// RenderInput is one render.post_render invocation.
type RenderInput struct {
	Plugins      []*plugin.Loaded
	ProjectID    string
	RevisionID   string
	KitchenState json.RawMessage
	RenderModel  json.RawMessage
	Quality      string
}

// RenderOutput holds instructions concatenated in invocation order.
type RenderOutput struct {
	Instructions []protocol.RenderInstruction `json:"instructions"`
	Diagnostics  []Diagnostic                 `json:"diagnostics"`
}

// RunRender invokes every render-capable plugin.
func (r *Runner) RunRender(ctx context.Context, in RenderInput) RenderOutput {
	out := RenderOutput{Instructions: []protocol.RenderInstruction{}, Diagnostics: []Diagnostic{}}

	for _, p := range plugin.Select(in.Plugins, plugin.CapRender) {
		req := r.Request(p, in.ProjectID, in.RevisionID, protocol.RenderParams{
			KitchenState: in.KitchenState,
			RenderModel:  in.RenderModel,
			Quality:      in.Quality,
		})
		res, herr := Call[protocol.RenderResult](ctx, r, p, protocol.MethodRenderPostRender, req)
		if herr != nil {
			out.Diagnostics = append(out.Diagnostics, Diagnostic{PluginID: p.ID(), Hook: protocol.HookRenderPostRender, Error: herr})
			continue
		}

		out.Instructions = append(out.Instructions, res.Instructions...)
		out.Diagnostics = append(out.Diagnostics, Diagnostic{
			PluginID: p.ID(),
			Hook:     protocol.HookRenderPostRender,
			OK:       true,
			Message:  fmt.Sprintf("Returned %d instruction(s)", len(res.Instructions)),
		})
	}

	return out
}

// Request builds the envelope for one plugin call.
func (r *Runner) Request(p *plugin.Loaded, projectID, revisionID string, params any) *protocol.HookRequest {
	hc := r.Host
	hc.PluginID = p.ID()
	if projectID != "" {
		hc.ProjectID = projectID
	}
	if revisionID != "" {
		hc.RevisionID = revisionID
	}
	return &protocol.HookRequest{
		Context: hc,
		Project: protocol.Project{ProjectID: projectID, RevisionID: revisionID},
		Params:  params,
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.WithComponent("hooks")
}

// Call invokes method on p and decodes a successful result into T. Every
// failure, including a panicking Caller, comes back as a HookError.
func Call[T any](ctx context.Context, r *Runner, p *plugin.Loaded, method string, req *protocol.HookRequest) (res *T, herr *protocol.HookError) {
	logger := r.logger().With("plugin", p.ID(), "method", method)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("plugin call panicked", "panic", rec)
			res, herr = nil, exception(fmt.Errorf("panic: %v", rec))
		}
	}()

	if p.Caller == nil {
		return nil, exception(errors.New("plugin has no caller"))
	}
	raw, err := p.Caller.Call(ctx, method, req)
	if err != nil {
		logger.Warn("plugin call failed", "error", err)
		return nil, exception(err)
	}

	resp, err := protocol.ParseResponse(raw)
	if err != nil {
		logger.Warn("plugin returned invalid response", "error", err)
		return nil, &protocol.HookError{Code: CodeInvalidResponse, Message: err.Error()}
	}
	emitLogs(logger, resp.Logs)
	if !resp.OK {
		return nil, resp.Error
	}

	out, err := protocol.DecodeResult[T](resp)
	if err != nil {
		logger.Warn("plugin returned invalid result", "error", err)
		return nil, &protocol.HookError{Code: CodeInvalidResponse, Message: err.Error()}
	}
	return out, nil
}

func exception(err error) *protocol.HookError {
	return &protocol.HookError{
		Code:    CodeException,
		Message: "Exception during hook call",
		Details: map[string]any{"message": err.Error()},
	}
}

func emitLogs(logger *slog.Logger, logs []protocol.LogEntry) {
	for _, l := range logs {
		switch l.Level {
		case "debug":
			logger.Debug(l.Message, "source", "plugin")
		case "warn":
			logger.Warn(l.Message, "source", "plugin")
		case "error":
			logger.Error(l.Message, "source", "plugin")
		default:
			logger.Info(l.Message, "source", "plugin")
		}
	}
}

func copyViolations(in []protocol.Violation) []protocol.Violation {
	out := make([]protocol.Violation, 0, len(in))
	for _, v := range in {
		c := protocol.Violation{
			Code:      v.Code,
			Severity:  v.Severity,
			Message:   v.Message,
			ObjectIDs: append([]string{}, v.ObjectIDs...),
		}
		if v.Details != nil {
			c.Details = make(map[string]any, len(v.Details))
			for k, val := range v.Details {
				c.Details[k] = val
			}
		}
		out = append(out, c)
	}
	return out
}

func suppress(in []protocol.Violation, codes []string) []protocol.Violation {
	drop := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		drop[c] = struct{}{}
	}
	out := in[:0:0]
	for _, v := range in {
		if _, ok := drop[v.Code]; !ok {
			out = append(out, v)
		}
	}
	return out
}
