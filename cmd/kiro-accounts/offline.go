package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pysugar/kiro-accounts/internal/account"
	"github.com/pysugar/kiro-accounts/internal/config"
	"golang.org/x/term"
)

func runExport(a *app, cfg config.Config, opts options) error {
	var pass string
	if opts.encrypt {
		p, err := promptPassphrase("Export passphrase: ", true)
		if err != nil {
			return err
		}
		pass = p
	}
	data, err := a.store.Export(opts.ids, account.ExportOptions{
		Redact:     opts.redact,
		Passphrase: pass,
		WorkFactor: cfg.Export.WorkFactor,
	})
	if err != nil {
		return err
	}
	if opts.out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(opts.out, data, 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(os.Stderr, "📦 Exported to %s\n", opts.out)
	return nil
}

func runImport(a *app, opts options, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kiro-accounts import [--overwrite] [--encrypt] FILE")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read import: %w", err)
	}
	var pass string
	if opts.encrypt || strings.HasPrefix(string(data), "age-encryption.org/") {
		if pass, err = promptPassphrase("Import passphrase: ", false); err != nil {
			return err
		}
	}
	report, err := a.store.Import(context.Background(), data, account.ImportOptions{
		Overwrite:  opts.overwrite,
		Passphrase: pass,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "📥 Added %d, updated %d, skipped %d, invalid %d\n",
		len(report.Added), len(report.Updated), len(report.Skipped), len(report.Invalid))
	for _, issue := range report.Invalid {
		fmt.Fprintf(os.Stderr, "   #%d %s: %s\n", issue.Index, issue.ID, issue.Reason)
	}
	return nil
}

func runScan(a *app) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(a.svc.LocalSessions())
}

// promptPassphrase reads a passphrase from the terminal without echo.
func promptPassphrase(prompt string, confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("a passphrase prompt needs a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(p) == 0 {
		return "", fmt.Errorf("empty passphrase")
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		if string(again) != string(p) {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return string(p), nil
}
