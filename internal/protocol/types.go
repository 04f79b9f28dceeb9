package protocol

import "encoding/json"

// Hook method names sent to plugins.
const (
	MethodConstraintsPostValidate = "plugin.constraints.post_validate"
	MethodRenderPostRender        = "plugin.render.post_render"
	MethodPricingPostQuote        = "plugin.pricing.post_quote"
)

// Hook names used in diagnostics.
const (
	HookConstraintsPostValidate = "constraints.post_validate"
	HookRenderPostRender        = "render.post_render"
	HookPricingPostQuote        = "pricing.post_quote"
)

// HostContext identifies the host and the plugin being called.
type HostContext struct {
	HostVersion string `json:"host_version"`
	PluginID    string `json:"plugin_id"`
	ProjectID   string `json:"project_id,omitempty"`
	RevisionID  string `json:"revision_id,omitempty"`
	Locale      string `json:"locale,omitempty"`
}

// Project scopes a hook call to a project revision.
type Project struct {
	ProjectID  string `json:"project_id,omitempty"`
	RevisionID string `json:"revision_id,omitempty"`
}

// HookRequest is the envelope sent to a plugin for every hook call.
type HookRequest struct {
	Context    HostContext `json:"context"`
	Project    Project     `json:"project"`
	Params     any         `json:"params"`
	InputsHash string      `json:"inputs_hash,omitempty"`
}

// HookResponse is the envelope a plugin returns. Exactly one of Result and
// Error is meaningful, selected by OK.
type HookResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *HookError      `json:"error,omitempty"`
	Logs   []LogEntry      `json:"logs,omitempty"`
}

// HookError is a plugin-reported or host-synthesized hook failure.
type HookError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *HookError) Error() string { return e.Code + ": " + e.Message }

// LogEntry represents a log message from a plugin.
type LogEntry struct {
	Level   string `json:"level"` // debug | info | warn | error
	Message string `json:"message"`
}

// Severity of a violation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Violation is a constraint finding on the kitchen state.
type Violation struct {
	Code      string         `json:"code"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	ObjectIDs []string       `json:"object_ids"`
	Details   map[string]any `json:"details,omitempty"`
}

// Validation modes for constraint hooks.
const (
	ModeDrag = "drag"
	ModeFull = "full"
)

// ConstraintsParams are the params of plugin.constraints.post_validate.
type ConstraintsParams struct {
	KitchenState   json.RawMessage `json:"kitchen_state"`
	BaseViolations []Violation     `json:"base_violations"`
	Mode           string          `json:"mode"`
}

// ConstraintsResult is the result of plugin.constraints.post_validate.
type ConstraintsResult struct {
	AddViolations []Violation        `json:"add_violations,omitempty"`
	SuppressCodes []string           `json:"suppress_codes,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}

// Render instruction kinds.
const (
	InstructionHighlight     = "highlight"
	InstructionOverlayLabels = "overlay_labels"
)

// RenderInstruction is one display instruction returned by a render hook.
// Highlights use ObjectIDs and Style; label overlays use Labels.
type RenderInstruction struct {
	Kind      string          `json:"kind"`
	ObjectIDs []string        `json:"object_ids,omitempty"`
	Style     *HighlightStyle `json:"style,omitempty"`
	Labels    []Label         `json:"labels,omitempty"`
}

type HighlightStyle struct {
	Mode string `json:"mode"` // outline | solid
}

type Label struct {
	ObjectID string `json:"object_id"`
	Text     string `json:"text"`
}

// RenderParams are the params of plugin.render.post_render.
type RenderParams struct {
	KitchenState json.RawMessage `json:"kitchen_state"`
	RenderModel  json.RawMessage `json:"render_model"`
	Quality      string          `json:"quality"` // draft | quality
}

// RenderResult is the result of plugin.render.post_render.
type RenderResult struct {
	Instructions []RenderInstruction `json:"instructions"`
}

// Money is an amount in a currency.
type Money struct {
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
}

// QuoteItem is one priced line of a quote.
type QuoteItem struct {
	Code      string         `json:"code"`
	Title     string         `json:"title"`
	Qty       float64        `json:"qty"`
	UnitPrice Money          `json:"unit_price"`
	Amount    Money          `json:"amount"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Quote is a priced list of items.
type Quote struct {
	RulesetVersion string         `json:"ruleset_version"`
	Currency       string         `json:"currency"`
	Total          Money          `json:"total"`
	Items          []QuoteItem    `json:"items"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// Adjustment kinds.
const (
	AdjustmentDiscount  = "discount"
	AdjustmentSurcharge = "surcharge"
)

// Adjustment is a directional price change proposed by a pricing plugin.
type Adjustment struct {
	Kind      string     `json:"kind"`
	Code      string     `json:"code"`
	Title     string     `json:"title"`
	Amount    Money      `json:"amount"`
	AppliesTo *AppliesTo `json:"applies_to,omitempty"`
}

type AppliesTo struct {
	ItemCodes []string `json:"item_codes,omitempty"`
}

// PricingContext narrows pricing to a region or sales channel.
type PricingContext struct {
	Region  string `json:"region,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// PricingParams are the params of plugin.pricing.post_quote.
type PricingParams struct {
	KitchenState   json.RawMessage `json:"kitchen_state"`
	Quote          Quote           `json:"quote"`
	PricingContext *PricingContext `json:"pricing_context,omitempty"`
}

// PricingResult is the result of plugin.pricing.post_quote.
type PricingResult struct {
	AddItems    []QuoteItem  `json:"add_items,omitempty"`
	Adjustments []Adjustment `json:"adjustments,omitempty"`
}
