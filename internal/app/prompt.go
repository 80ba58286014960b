package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/parley/internal/config"
)

// PromptInteractive walks through the settings a new client needs. Invalid
// answers fall back to the values passed in.
func PromptInteractive(in io.Reader, out io.Writer, dir, cfgPath string, cfg config.Config) config.Config {
	r := bufio.NewReader(in)
	prev := cfg

	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "Parley interactive setup")
	fmt.Fprintf(out, " Client folder : %s\n", dir)
	fmt.Fprintf(out, " Config file   : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out)

	cfg.Account.ServerURL = askString(r, out, "Server URL", cfg.Account.ServerURL)
	cfg.Account.Email = askString(r, out, "Email", cfg.Account.Email)
	cfg.Account.Password = askString(r, out, "Password (empty=keep)", cfg.Account.Password)
	cfg.Translation.Language = askString(r, out, "Your language ("+strings.Join(config.Languages, ",")+")", cfg.Translation.Language)
	cfg.Translation.Enabled = askBool(r, out, "Translate calls", cfg.Translation.Enabled)
	cfg.Viewer.HTTPAddr = askString(r, out, "Control API addr (empty=off)", cfg.Viewer.HTTPAddr)
	cfg.Account.RefreshSec = askInt(r, out, "Contact refresh seconds", cfg.Account.RefreshSec)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Invalid config: %v\nKeeping previous values.\n", err)
		return prev
	}
	return cfg
}

func askString(in *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, out io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(out, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, out io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(out, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter y or n.")
	}
}
