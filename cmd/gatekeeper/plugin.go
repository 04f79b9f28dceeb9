package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/gatekeeper/internal/host"
	"github.com/mattjoyce/gatekeeper/internal/license"
	"github.com/mattjoyce/gatekeeper/internal/log"
	"github.com/mattjoyce/gatekeeper/internal/plugin"
)

func runPluginNoun(args []string) int {
	if len(args) < 1 {
		printPluginNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPluginNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printPluginListHelp()
			return 0
		}
		return runPluginList(actionArgs)
	case "verify":
		if hasHelpFlag(actionArgs) {
			printPluginVerifyHelp()
			return 0
		}
		return runPluginVerify(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown plugin action: %s\n", action)
		return 1
	}
}

func runPluginList(args []string) int {
	var configPath, tok string
	var jsonOut bool

	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&tok, "token", "", "Entitlement token (overrides license.token)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	if tok != "" {
		cfg.License.Token = tok
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc, err := host.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open host: %v\n", err)
		return 1
	}
	defer svc.Close()

	reports, err := svc.Host.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin discovery error: %v\n", err)
		return 1
	}

	if jsonOut {
		return printJSON(reports)
	}
	renderReports(os.Stdout, reports)
	return 0
}

// runPluginVerify runs the license gate against one plugin directory and
// exits non-zero when the plugin would be denied.
func runPluginVerify(args []string) int {
	var configPath, tok string
	var jsonOut bool

	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&tok, "token", "", "Entitlement token (overrides license.token)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(splitPositional(args)); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		printPluginVerifyHelp()
		return 1
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	if tok == "" {
		tok = cfg.License.Token
	}

	candidates, err := plugin.Discover(fs.Arg(0), log.Func(log.WithComponent("cli")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin discovery error: %v\n", err)
		return 1
	}
	if len(candidates) == 0 {
		fmt.Fprintf(os.Stderr, "No readable plugin manifest under %s\n", fs.Arg(0))
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc, err := host.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open host: %v\n", err)
		return 1
	}
	defer svc.Close()

	store, err := svc.Trust.Get(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Trust store unavailable: %v\n", err)
		store = nil
	}
	var lastOK int64
	if tok != "" {
		lastOK = svc.Licenses.LastGoodRefresh(ctx, tok)
	}

	type verdict struct {
		PluginID string           `json:"plugin_id"`
		Dir      string           `json:"dir"`
		Decision license.Decision `json:"decision"`
	}
	verdicts := make([]verdict, 0, len(candidates))
	exit := 0
	for _, c := range candidates {
		d := license.VerifyPluginLicense(license.Input{
			Manifest:     c.Data,
			Artifacts:    c.Artifacts,
			TrustStore:   store,
			Token:        tok,
			Issuer:       cfg.License.Issuer,
			Audience:     cfg.License.Audience,
			Now:          time.Now(),
			LastOnlineOK: lastOK,
			IsRevoked:    svc.Licenses.IsRevoked,
		})
		if !d.AllowLoad {
			exit = 1
		}
		verdicts = append(verdicts, verdict{PluginID: c.ID, Dir: c.Dir, Decision: d})
	}

	if jsonOut {
		if code := printJSON(verdicts); code != 0 {
			return code
		}
		return exit
	}
	for _, v := range verdicts {
		renderDecision(os.Stdout, v.PluginID, v.Decision)
	}
	return exit
}

func printPluginNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: gatekeeper plugin <action>")
	fmt.Fprintln(w, "Actions: list, verify")
}

func printPluginListHelp() {
	fmt.Println("Usage: gatekeeper plugin list [--config PATH] [--token TOKEN] [--json]")
	fmt.Println("Discover plugins under every plugin root and show the license gate outcome.")
}

func printPluginVerifyHelp() {
	fmt.Println("Usage: gatekeeper plugin verify DIR [--config PATH] [--token TOKEN] [--json]")
	fmt.Println("Run the license gate against the plugin(s) under DIR.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Every plugin would be loaded")
	fmt.Println("  1  A plugin would be denied, or DIR could not be read")
}
