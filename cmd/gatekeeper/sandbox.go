package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattjoyce/gatekeeper/internal/config"
	"github.com/mattjoyce/gatekeeper/internal/host"
	"github.com/mattjoyce/gatekeeper/internal/sandbox"
)

func runSandboxNoun(args []string) int {
	if len(args) < 1 {
		printSandboxNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSandboxNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "run":
		if hasHelpFlag(actionArgs) {
			printSandboxRunHelp()
			return 0
		}
		return runSandboxRun(actionArgs)
	case "history":
		if hasHelpFlag(actionArgs) {
			printSandboxHistoryHelp()
			return 0
		}
		return runSandboxHistory(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown sandbox action: %s\n", action)
		return 1
	}
}

func runSandboxRun(args []string) int {
	var configPath, inputPath, method string
	var timeout time.Duration

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&inputPath, "input", "", "JSON input file, or - for stdin (default {})")
	fs.StringVar(&method, "method", "run", "run or validate")
	fs.DurationVar(&timeout, "timeout", 0, "Timeout (default sandbox.default_timeout)")
	if err := fs.Parse(splitPositional(args)); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		printSandboxRunHelp()
		return 1
	}
	if method != "run" && method != "validate" {
		fmt.Fprintf(os.Stderr, "Unknown method %q (want run or validate)\n", method)
		return 1
	}

	input, err := readInput(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Input error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	modulePath, err := resolveModule(cfg, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Module error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := host.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open host: %v\n", err)
		return 1
	}
	defer svc.Close()

	var out any
	switch method {
	case "validate":
		var in sandbox.ValidateInput
		if err := json.Unmarshal(input, &in); err != nil {
			fmt.Fprintf(os.Stderr, "Input error: validate input must be a JSON object: %v\n", err)
			return 1
		}
		out, err = svc.Sandbox.RunValidate(ctx, modulePath, in, timeout)
	default:
		out, err = svc.Sandbox.Run(ctx, modulePath, json.RawMessage(input), timeout)
	}
	if err != nil {
		var se *sandbox.Error
		if errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", styles.Failed.Render("FAILED"), se.Code, se.Message)
			if stderr, ok := se.Details["stderr"].(string); ok && stderr != "" {
				fmt.Fprintln(os.Stderr, styles.Dim.Render(stderr))
			}
		} else {
			fmt.Fprintf(os.Stderr, "%s %v\n", styles.Failed.Render("FAILED"), err)
		}
		return 1
	}
	return printJSON(out)
}

type historyRow struct {
	ID         string `json:"id"`
	Method     string `json:"method"`
	Runtime    string `json:"runtime"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

func runSandboxHistory(args []string) int {
	var configPath string
	var limit int
	var jsonOut bool

	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.IntVar(&limit, "limit", 20, "Maximum number of invocations")
	fs.BoolVar(&jsonOut, "json", false, "Output as JSON")
	if err := fs.Parse(splitPositional(args)); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		printSandboxHistoryHelp()
		return 1
	}
	pluginID := fs.Arg(0)

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	ctx := context.Background()
	svc, err := host.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open host: %v\n", err)
		return 1
	}
	defer svc.Close()

	invs, err := svc.Invocations.Recent(ctx, pluginID, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "History error: %v\n", err)
		return 1
	}

	rows := make([]historyRow, 0, len(invs))
	for _, inv := range invs {
		rows = append(rows, historyRow{
			ID:         inv.ID,
			Method:     inv.Method,
			Runtime:    inv.Runtime,
			Status:     inv.Status,
			ErrorCode:  inv.ErrorCode,
			ExitCode:   inv.ExitCode,
			DurationMS: inv.Duration.Milliseconds(),
			CreatedAt:  inv.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	if jsonOut {
		return printJSON(rows)
	}
	renderHistory(os.Stdout, pluginID, rows)
	return 0
}

// resolveModule accepts a module file path or a plugin id found under one of
// the configured plugin roots.
func resolveModule(cfg *config.Config, arg string) (string, error) {
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		return arg, nil
	}
	for _, root := range cfg.PluginRoots {
		if p, err := sandbox.ResolveModule(root, arg); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s is neither a module file nor a plugin id with %s", arg, sandbox.ModuleEntry)
}

func readInput(path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch path {
	case "":
		return []byte("{}"), nil
	case "-":
		data, err = io.ReadAll(os.Stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, errors.New("input is not valid JSON")
	}
	return data, nil
}

func printSandboxNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: gatekeeper sandbox <action>")
	fmt.Fprintln(w, "Actions: run, history")
}

func printSandboxRunHelp() {
	fmt.Println("Usage: gatekeeper sandbox run MODULE [--config PATH] [--input FILE|-] [--method run|validate] [--timeout DURATION]")
	fmt.Println("Run a sandboxed module once and print its JSON output.")
	fmt.Println("MODULE is a module file or the id of a plugin under a configured plugin root.")
}

func printSandboxHistoryHelp() {
	fmt.Println("Usage: gatekeeper sandbox history PLUGIN [--config PATH] [--limit N] [--json]")
	fmt.Println("Show the most recent recorded invocations of a plugin, newest first.")
}
