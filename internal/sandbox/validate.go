package sandbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mattjoyce/gatekeeper/internal/protocol"
)

// ValidateInput is the document a constraints module reads on stdin.
type ValidateInput struct {
	KitchenState json.RawMessage `json:"kitchen_state"`
	Mode         string          `json:"mode"`
}

// ValidateOutput is the document a constraints module writes on stdout.
type ValidateOutput struct {
	Violations []protocol.Violation `json:"violations"`
}

// RunValidate runs a constraints module. The output must carry a violations
// array; anything else is CodeInvalidOutput.
func (r *Runner) RunValidate(ctx context.Context, modulePath string, in ValidateInput, timeout time.Duration) (*ValidateOutput, error) {
	return r.runValidate(ctx, modulePath, in, timeout, invocation{pluginID: moduleLabel(modulePath), method: protocol.MethodConstraintsPostValidate})
}

func (r *Runner) runValidate(ctx context.Context, modulePath string, in ValidateInput, timeout time.Duration, inv invocation) (*ValidateOutput, error) {
	if len(in.KitchenState) == 0 {
		in.KitchenState = json.RawMessage("null")
	}
	if in.Mode == "" {
		in.Mode = protocol.ModeFull
	}
	raw, err := r.run(ctx, modulePath, in, timeout, inv)
	if err != nil {
		return nil, err
	}

	var shape struct {
		Violations json.RawMessage `json:"violations"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil || len(shape.Violations) == 0 || shape.Violations[0] != '[' {
		return nil, newError(CodeInvalidOutput, "missing violations", map[string]any{"stdout": string(raw)})
	}
	out := &ValidateOutput{}
	if err := json.Unmarshal(shape.Violations, &out.Violations); err != nil {
		return nil, newError(CodeInvalidOutput, "malformed violations: "+err.Error(), map[string]any{"stdout": string(raw)})
	}
	for i := range out.Violations {
		if out.Violations[i].ObjectIDs == nil {
			out.Violations[i].ObjectIDs = []string{}
		}
	}
	return out, nil
}

// RunPricing runs a pricing module with the post-quote parameters and decodes
// its contribution.
func (r *Runner) RunPricing(ctx context.Context, modulePath string, params protocol.PricingParams, timeout time.Duration) (*protocol.PricingResult, error) {
	return r.runPricing(ctx, modulePath, params, timeout, invocation{pluginID: moduleLabel(modulePath), method: protocol.MethodPricingPostQuote})
}

func (r *Runner) runPricing(ctx context.Context, modulePath string, params protocol.PricingParams, timeout time.Duration, inv invocation) (*protocol.PricingResult, error) {
	raw, err := r.run(ctx, modulePath, params, timeout, inv)
	if err != nil {
		return nil, err
	}
	var out protocol.PricingResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, newError(CodeInvalidOutput, "malformed pricing result: "+err.Error(), map[string]any{"stdout": string(raw)})
	}
	return &out, nil
}
