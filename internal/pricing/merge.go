// Package pricing merges plugin price contributions into a base quote.
package pricing

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mattjoyce/gatekeeper/internal/protocol"
)

// Contribution is what one plugin proposes for a quote.
type Contribution struct {
	PluginID    string                `json:"plugin_id"`
	AddItems    []protocol.QuoteItem  `json:"add_items,omitempty"`
	Adjustments []protocol.Adjustment `json:"adjustments,omitempty"`
}

// Diagnostic summarizes one plugin's contribution.
type Diagnostic struct {
	PluginID         string   `json:"plugin_id"`
	OK               bool     `json:"ok"`
	AddedItems       int      `json:"added_items"`
	AddedAdjustments int      `json:"added_adjustments"`
	Errors           []string `json:"errors"`
	Warnings         []string `json:"warnings"`
}

// Result is a merged quote. Warnings concern the base quote itself.
type Result struct {
	Quote       protocol.Quote `json:"quote"`
	Diagnostics []Diagnostic   `json:"diagnostics"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// Merge folds contributions into base. Contributions are processed in
// ascending plugin id order, so the result does not depend on their order in
// the slice. base is not modified. Base items sharing a code keep the first;
// later ones are renamed <code>.2, <code>.3 with a warning.
//
// A contributed item whose code is taken is retried once as
// plugin.<id>.<code> and rejected if that is taken too. Adjustments become
// items coded pricing.adjustment.<id>.<code> and are never retried. Every
// amount is recomputed from qty and unit price; the total is the sum of all
// merged amounts in the quote currency.
func Merge(base protocol.Quote, contributions []Contribution) Result {
	currency := base.Currency
	used := make(map[string]struct{})
	items := make([]protocol.QuoteItem, 0, len(base.Items))
	var warnings []string

	for _, it := range base.Items {
		n, warning := normalizeItem(currency, it)
		if warning != "" {
			warnings = append(warnings, warning)
		}
		if n.UnitPrice.Currency != currency {
			warnings = append(warnings, fmt.Sprintf("currency mismatch for code=%s: %s excluded from %s total",
				n.Code, n.UnitPrice.Currency, currency))
		}
		if _, taken := used[n.Code]; taken {
			code := uniqueCode(used, n.Code)
			warnings = append(warnings, fmt.Sprintf("duplicate base item code=%s renamed to %s", n.Code, code))
			n.Code = code
		}
		used[n.Code] = struct{}{}
		items = append(items, n)
	}

	sorted := append([]Contribution(nil), contributions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].PluginID < sorted[j].PluginID })

	diags := make([]Diagnostic, 0, len(sorted))
	order := make([]string, 0, len(sorted))
	for _, c := range sorted {
		order = append(order, c.PluginID)
		d := Diagnostic{PluginID: c.PluginID, OK: true, Errors: []string{}, Warnings: []string{}}

		for _, it := range c.AddItems {
			n, warning := normalizeItem(currency, it)
			if n.UnitPrice.Currency != currency {
				d.fail(fmt.Sprintf("currency mismatch for code=%s: %s, quote is %s", n.Code, n.UnitPrice.Currency, currency))
				continue
			}
			code := n.Code
			if _, taken := used[code]; taken {
				code = "plugin." + c.PluginID + "." + n.Code
			}
			if _, taken := used[code]; taken {
				d.fail("duplicate item code even after prefixing: " + code)
				continue
			}
			if warning != "" {
				d.Warnings = append(d.Warnings, warning)
			}
			n.Code = code
			used[code] = struct{}{}
			items = append(items, n)
			d.AddedItems++
		}

		for _, adj := range c.Adjustments {
			n, err := adjustmentItem(currency, c.PluginID, adj)
			if err != "" {
				d.fail(err)
				continue
			}
			if _, taken := used[n.Code]; taken {
				d.fail("duplicate adjustment code: " + n.Code)
				continue
			}
			used[n.Code] = struct{}{}
			items = append(items, n)
			d.AddedAdjustments++
		}

		diags = append(diags, d)
	}

	meta := make(map[string]any, len(base.Meta)+1)
	for k, v := range base.Meta {
		meta[k] = v
	}
	meta["pricing_plugins"] = order

	return Result{
		Quote: protocol.Quote{
			RulesetVersion: base.RulesetVersion,
			Currency:       currency,
			Total:          Total(currency, items),
			Items:          items,
			Meta:           meta,
		},
		Diagnostics: diags,
		Warnings:    warnings,
	}
}

// uniqueCode returns code.<n> for the smallest n >= 2 that is not used.
func uniqueCode(used map[string]struct{}, code string) string {
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s.%d", code, n)
		if _, taken := used[candidate]; !taken {
			return candidate
		}
	}
}

func (d *Diagnostic) fail(msg string) {
	d.OK = false
	d.Errors = append(d.Errors, msg)
}

// Total sums the amounts of items priced in currency.
func Total(currency string, items []protocol.QuoteItem) protocol.Money {
	total := protocol.Money{Currency: currency}
	for _, it := range items {
		if it.Amount.Currency == currency {
			total.Amount = Round2(total.Amount + it.Amount.Amount)
		}
	}
	return total
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func normalizeItem(currency string, it protocol.QuoteItem) (protocol.QuoteItem, string) {
	code := normalizeCode(it.Code)
	unit := normalizeMoney(currency, it.UnitPrice)
	qty := normalizeQty(it.Qty)
	amount := protocol.Money{Currency: unit.Currency, Amount: Round2(qty * unit.Amount)}

	var warning string
	if it.Amount == (protocol.Money{}) {
		return quoteItem(code, it, qty, unit, amount), ""
	}
	if provided := normalizeMoney(currency, it.Amount); provided.Amount != amount.Amount {
		warning = fmt.Sprintf("amount mismatch for code=%s: provided=%s computed=%s; host uses computed",
			code, formatAmount(provided.Amount), formatAmount(amount.Amount))
	}

	return quoteItem(code, it, qty, unit, amount), warning
}

func quoteItem(code string, it protocol.QuoteItem, qty float64, unit, amount protocol.Money) protocol.QuoteItem {
	return protocol.QuoteItem{
		Code:      code,
		Title:     normalizeTitle(it.Title),
		Qty:       qty,
		UnitPrice: unit,
		Amount:    amount,
		Meta:      copyMeta(it.Meta),
	}
}

func adjustmentItem(currency, pluginID string, adj protocol.Adjustment) (protocol.QuoteItem, string) {
	code := "pricing.adjustment." + pluginID + "." + normalizeCode(adj.Code)
	amount := normalizeMoney(currency, adj.Amount)
	if amount.Currency != currency {
		return protocol.QuoteItem{}, fmt.Sprintf("currency mismatch for adjustment %s: %s, quote is %s", code, amount.Currency, currency)
	}
	switch adj.Kind {
	case protocol.AdjustmentDiscount:
		amount.Amount = -math.Abs(amount.Amount)
	case protocol.AdjustmentSurcharge:
		amount.Amount = math.Abs(amount.Amount)
	default:
		return protocol.QuoteItem{}, fmt.Sprintf("unknown adjustment kind %q for %s", adj.Kind, code)
	}

	meta := map[string]any{"kind": adj.Kind}
	if adj.AppliesTo != nil {
		meta["applies_to"] = *adj.AppliesTo
	}
	return protocol.QuoteItem{
		Code:      code,
		Title:     normalizeTitle(adj.Title),
		Qty:       1,
		UnitPrice: amount,
		Amount:    amount,
		Meta:      meta,
	}, ""
}

func normalizeCode(raw string) string {
	if s := strings.TrimSpace(raw); s != "" {
		return s
	}
	return "unknown"
}

func normalizeTitle(raw string) string {
	if s := strings.TrimSpace(raw); s != "" {
		return s
	}
	return "Untitled"
}

func normalizeQty(q float64) float64 {
	if math.IsNaN(q) || math.IsInf(q, 0) {
		return 1
	}
	return math.Max(0, math.Floor(q))
}

func normalizeMoney(currency string, m protocol.Money) protocol.Money {
	out := protocol.Money{Currency: m.Currency}
	if out.Currency == "" {
		out.Currency = currency
	}
	if !math.IsNaN(m.Amount) && !math.IsInf(m.Amount, 0) {
		out.Amount = Round2(m.Amount)
	}
	return out
}

func copyMeta(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func formatAmount(v float64) string {
	return fmt.Sprintf("%g", v)
}
