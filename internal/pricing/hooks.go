package pricing

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/gatekeeper/internal/hooks"
	"github.com/mattjoyce/gatekeeper/internal/plugin"
	"github.com/mattjoyce/gatekeeper/internal/protocol"
)

// PostQuoteInput is one pricing.post_quote invocation.
type PostQuoteInput struct {
	Plugins        []*plugin.Loaded
	ProjectID      string
	RevisionID     string
	KitchenState   json.RawMessage
	BaseQuote      protocol.Quote
	PricingContext *protocol.PricingContext
}

// PostQuoteOutput holds the contributions collected from pricing plugins.
// Diagnostics has one entry per plugin called, successful or not.
type PostQuoteOutput struct {
	Contributions []Contribution `json:"contributions"`
	Diagnostics   []Diagnostic   `json:"diagnostics"`
}

// RunPostQuote asks every pricing-capable plugin, in ascending id order, for
// its contribution to the base quote. A failing plugin contributes nothing.
func RunPostQuote(ctx context.Context, r *hooks.Runner, in PostQuoteInput) PostQuoteOutput {
	out := PostQuoteOutput{Contributions: []Contribution{}, Diagnostics: []Diagnostic{}}

	for _, p := range plugin.Select(in.Plugins, plugin.CapPricing) {
		req := r.Request(p, in.ProjectID, in.RevisionID, protocol.PricingParams{
			KitchenState:   in.KitchenState,
			Quote:          in.BaseQuote,
			PricingContext: in.PricingContext,
		})
		res, herr := hooks.Call[protocol.PricingResult](ctx, r, p, protocol.MethodPricingPostQuote, req)
		if herr != nil {
			out.Diagnostics = append(out.Diagnostics, Diagnostic{
				PluginID: p.ID(),
				Errors:   []string{herr.Code + ": " + herr.Message},
				Warnings: []string{},
			})
			continue
		}

		out.Contributions = append(out.Contributions, Contribution{
			PluginID:    p.ID(),
			AddItems:    res.AddItems,
			Adjustments: res.Adjustments,
		})
		out.Diagnostics = append(out.Diagnostics, Diagnostic{
			PluginID:         p.ID(),
			OK:               true,
			AddedItems:       len(res.AddItems),
			AddedAdjustments: len(res.Adjustments),
			Errors:           []string{},
			Warnings:         []string{},
		})
	}

	return out
}

// Apply collects contributions and merges them into the base quote. Plugins
// whose hook call failed appear in the result diagnostics ahead of the merge
// diagnostics.
func Apply(ctx context.Context, r *hooks.Runner, in PostQuoteInput) Result {
	collected := RunPostQuote(ctx, r, in)
	res := Merge(in.BaseQuote, collected.Contributions)

	var failed []Diagnostic
	for _, d := range collected.Diagnostics {
		if !d.OK {
			failed = append(failed, d)
		}
	}
	res.Diagnostics = append(failed, res.Diagnostics...)
	return res
}
