package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/gatekeeper/internal/doctor"
	"github.com/mattjoyce/gatekeeper/internal/host"
	"github.com/mattjoyce/gatekeeper/internal/license"
)

// theme keeps every CLI color in one place.
type theme struct {
	OK     lipgloss.Style
	Warn   lipgloss.Style
	Failed lipgloss.Style
	Header lipgloss.Style
	Dim    lipgloss.Style
}

var styles = theme{
	OK:     lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
	Warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	Failed: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
	Header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
	Dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
}

// column pads s to width measured in cells, ignoring style escapes.
func column(s string, width int) string {
	if pad := width - lipgloss.Width(s); pad > 0 {
		return s + strings.Repeat(" ", pad)
	}
	return s
}

func renderReports(w io.Writer, reports []host.Report) {
	idWidth := len("PLUGIN")
	for _, r := range reports {
		idWidth = max(idWidth, len(r.PluginID))
	}
	idWidth += 2

	fmt.Fprintln(w, styles.Header.Render(column("PLUGIN", idWidth)+column("STATUS", 10)+"CAPABILITIES / REASON"))
	for _, r := range reports {
		var status, detail string
		switch {
		case r.Loaded:
			status = styles.OK.Render("loaded")
			detail = strings.Join(r.Decision.AllowCapabilities.Names(), ",")
		case !r.Decision.AllowLoad:
			status = styles.Failed.Render("denied")
			detail = denialReason(r.Decision)
		default:
			status = styles.Warn.Render("skipped")
			detail = r.Error
		}
		fmt.Fprintln(w, column(r.PluginID, idWidth)+column(status, 10)+detail)
	}
	if len(reports) == 0 {
		fmt.Fprintln(w, styles.Dim.Render("no plugins discovered"))
	}
}

func renderHistory(w io.Writer, pluginID string, rows []historyRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, styles.Dim.Render("no invocations recorded for "+pluginID))
		return
	}
	fmt.Fprintln(w, styles.Header.Render(column("STARTED", 22)+column("METHOD", 10)+column("STATUS", 9)+column("DURATION", 10)+"ERROR"))
	for _, r := range rows {
		status := styles.OK.Render(r.Status)
		if r.Status != "ok" {
			status = styles.Failed.Render(r.Status)
		}
		duration := (time.Duration(r.DurationMS) * time.Millisecond).String()
		fmt.Fprintln(w, column(r.CreatedAt, 22)+column(r.Method, 10)+column(status, 9)+column(duration, 10)+r.ErrorCode)
	}
}

func denialReason(d license.Decision) string {
	if len(d.Diagnostics) == 0 {
		return ""
	}
	diag := d.Diagnostics[len(d.Diagnostics)-1]
	return fmt.Sprintf("%s: %s", diag.Code, diag.Message)
}

func renderDecision(w io.Writer, id string, d license.Decision) {
	if d.AllowLoad {
		fmt.Fprintf(w, "%s %s\n", styles.OK.Render("ALLOW"), id)
		caps := d.AllowCapabilities.Names()
		if len(caps) == 0 {
			fmt.Fprintln(w, styles.Dim.Render("  capabilities: none"))
		} else {
			fmt.Fprintf(w, "  capabilities: %s\n", strings.Join(caps, ", "))
		}
	} else {
		fmt.Fprintf(w, "%s %s\n", styles.Failed.Render("DENY"), id)
	}
	for _, diag := range d.Diagnostics {
		fmt.Fprintf(w, "  %s %s\n", styles.Warn.Render(string(diag.Code)), diag.Message)
	}
}

func renderStatus(w io.Writer, s license.Status) {
	if s.Error != nil {
		fmt.Fprintf(w, "%s %s: %s\n", styles.Failed.Render("INVALID"), s.Error.Code, s.Error.Message)
		return
	}
	verdict := styles.OK.Render("ALLOWED")
	if !s.Allowed {
		verdict = styles.Failed.Render("NOT ALLOWED")
	}
	fmt.Fprintln(w, verdict)
	if s.TokenID != "" {
		fmt.Fprintf(w, "  token id:      %s\n", s.TokenID)
	}
	fmt.Fprintf(w, "  expires:       %s\n", formatEpoch(s.Expiry))
	fmt.Fprintf(w, "  refresh at:    %s\n", formatEpoch(s.RefreshAt))
	fmt.Fprintf(w, "  last refresh:  %s\n", formatEpoch(s.LastGoodRefresh))
	if s.Revoked {
		fmt.Fprintln(w, styles.Failed.Render("  revoked"))
	}
}

func formatEpoch(sec int64) string {
	if sec <= 0 {
		return styles.Dim.Render("never")
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func renderValidation(w io.Writer, result *doctor.Result) {
	if result == nil {
		return
	}
	switch {
	case !result.Valid:
		fmt.Fprintln(w, styles.Failed.Render(fmt.Sprintf("Validation: failed (%d error(s), %d warning(s))",
			len(result.Errors), len(result.Warnings))))
	case len(result.Warnings) == 0:
		fmt.Fprintln(w, styles.OK.Render("Validation: ✓ All checks passed"))
	default:
		fmt.Fprintln(w, styles.OK.Render(fmt.Sprintf("Validation: ✓ passed with %d warning(s)", len(result.Warnings))))
	}
	for _, issue := range result.Errors {
		fmt.Fprintf(w, "  %s %s\n", styles.Failed.Render("ERROR"), formatIssue(issue))
	}
	for _, issue := range result.Warnings {
		fmt.Fprintf(w, "  %s %s\n", styles.Warn.Render("WARN "), formatIssue(issue))
	}
}

func formatIssue(issue doctor.Issue) string {
	if issue.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", issue.Category, issue.Field, issue.Message)
	}
	return fmt.Sprintf("[%s] %s", issue.Category, issue.Message)
}
