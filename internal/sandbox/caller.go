package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/gatekeeper/internal/protocol"
)

// CodeUnsupportedMethod is returned for hook methods a sandboxed module
// cannot serve.
const CodeUnsupportedMethod = "sandbox.unsupported_method"

// Caller adapts a sandboxed module to the plugin call interface. Constraint
// and pricing hooks are supported; sandbox failures come back as error
// envelopes carrying the public message.
type Caller struct {
	Runner     *Runner
	ModulePath string
	PluginID   string
	Timeout    time.Duration
}

// Call runs the module for method and wraps its output in a hook response.
func (c *Caller) Call(ctx context.Context, method string, request any) (json.RawMessage, error) {
	inv := invocation{pluginID: c.PluginID, method: method}
	if inv.pluginID == "" {
		inv.pluginID = moduleLabel(c.ModulePath)
	}

	switch method {
	case protocol.MethodConstraintsPostValidate:
		var params protocol.ConstraintsParams
		if err := requestParams(request, &params); err != nil {
			return nil, err
		}
		out, err := c.Runner.runValidate(ctx, c.ModulePath, ValidateInput{
			KitchenState: params.KitchenState,
			Mode:         params.Mode,
		}, c.Timeout, inv)
		if err != nil {
			return failure(err)
		}
		return protocol.OKResponse(protocol.ConstraintsResult{AddViolations: out.Violations})

	case protocol.MethodPricingPostQuote:
		var params protocol.PricingParams
		if err := requestParams(request, &params); err != nil {
			return nil, err
		}
		out, err := c.Runner.runPricing(ctx, c.ModulePath, params, c.Timeout, inv)
		if err != nil {
			return failure(err)
		}
		return protocol.OKResponse(out)

	default:
		return protocol.ErrorResponse(CodeUnsupportedMethod,
			fmt.Sprintf("sandboxed plugins do not support %s", method), nil), nil
	}
}

// failure turns a tagged sandbox error into an error envelope. Anything else,
// such as cancellation, stays a Go error.
func failure(err error) (json.RawMessage, error) {
	var se *Error
	if !errors.As(err, &se) {
		return nil, err
	}
	return protocol.ErrorResponse(string(se.Code), se.Public(), nil), nil
}

// requestParams extracts the params of a hook request into dst.
func requestParams(request any, dst any) error {
	var params any
	switch req := request.(type) {
	case *protocol.HookRequest:
		params = req.Params
	case protocol.HookRequest:
		params = req.Params
	default:
		params = request
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode hook params: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode hook params: %w", err)
	}
	return nil
}
