package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/gatekeeper/internal/host"
	"github.com/mattjoyce/gatekeeper/internal/license"
)

func runLicenseNoun(args []string) int {
	if len(args) < 1 {
		printLicenseNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printLicenseNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "status":
		if hasHelpFlag(actionArgs) {
			printLicenseStatusHelp()
			return 0
		}
		return runLicenseStatus(actionArgs)
	case "refresh":
		if hasHelpFlag(actionArgs) {
			printLicenseRefreshHelp()
			return 0
		}
		return runLicenseRefresh(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown license action: %s\n", action)
		return 1
	}
}

func licenseFlags(name string) (*flag.FlagSet, *string, *string, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	tok := fs.String("token", "", "Entitlement token (overrides license.token)")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	return fs, configPath, tok, jsonOut
}

func openLicenses(ctx context.Context, configPath, tok string) (*host.Services, string, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("config load error: %w", err)
	}
	if tok == "" {
		tok = cfg.License.Token
	}
	svc, err := host.Open(ctx, cfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open host: %w", err)
	}
	return svc, tok, nil
}

func runLicenseStatus(args []string) int {
	fs, configPath, tokFlag, jsonOut := licenseFlags("status")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc, tok, err := openLicenses(ctx, *configPath, *tokFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer svc.Close()

	status := svc.Licenses.Status(ctx, tok)
	exit := 0
	if !status.Allowed {
		exit = 1
	}
	if *jsonOut {
		if code := printJSON(status); code != 0 {
			return code
		}
		return exit
	}
	renderStatus(os.Stdout, status)
	return exit
}

func runLicenseRefresh(args []string) int {
	fs, configPath, tokFlag, jsonOut := licenseFlags("refresh")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	svc, tok, err := openLicenses(ctx, *configPath, *tokFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer svc.Close()

	res, err := svc.Licenses.Refresh(ctx, tok)
	if err != nil {
		var le *license.Error
		if errors.As(err, &le) {
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", styles.Failed.Render("REFRESH FAILED"), le.Code, le.Message)
		} else {
			fmt.Fprintf(os.Stderr, "%s %v\n", styles.Failed.Render("REFRESH FAILED"), err)
		}
		return 1
	}

	if *jsonOut {
		return printJSON(res)
	}
	fmt.Println(styles.OK.Render("REFRESHED"))
	fmt.Printf("  expires:       %s\n", formatEpoch(res.Expiry))
	fmt.Printf("  refresh at:    %s\n", formatEpoch(res.RefreshAt))
	fmt.Printf("  revoked ids:   %d\n", len(res.RevokedJTIs))
	if res.Token != tok {
		fmt.Println(styles.Warn.Render("  the server issued a new token; update license.token:"))
		fmt.Println(res.Token)
	}
	return 0
}

func printLicenseNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: gatekeeper license <action>")
	fmt.Fprintln(w, "Actions: status, refresh")
}

func printLicenseStatusHelp() {
	fmt.Println("Usage: gatekeeper license status [--config PATH] [--token TOKEN] [--json]")
	fmt.Println("Show whether the entitlement token currently allows licensed features.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Token allowed")
	fmt.Println("  1  Token missing, invalid, expired past grace or revoked")
}

func printLicenseRefreshHelp() {
	fmt.Println("Usage: gatekeeper license refresh [--config PATH] [--token TOKEN] [--json]")
	fmt.Println("Exchange the token with license.server_url and persist the refresh time and revocations.")
}
