package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/app"
	"github.com/petervdpas/parley/internal/config"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Parley v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	command, dir := args[0], args[1]
	switch command {
	case "client":
		runClient(dir)
	case "relay":
		runRelay(dir)
	case "setup":
		runSetup(dir)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// resolveDir returns the absolute directory and its config path.
func resolveDir(arg string) (string, string) {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}
	return absDir, filepath.Join(absDir, "parley.json")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runClient(arg string) {
	absDir, cfgPath := resolveDir(arg)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	printBanner("Client", absDir, cfgPath)
	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Control API:    %s\n\n", url)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := app.Run(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func runRelay(arg string) {
	absDir, cfgPath := resolveDir(arg)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s; add relay.users to allow sign-in.\n", cfgPath)
	}
	printBanner("Relay", absDir, cfgPath)
	fmt.Printf("Listening on:   %s%s\n\n", cfg.Relay.Bind, cfg.Signaling.Path)

	ctx, cancel := signalContext()
	defer cancel()
	if err := app.RunRelay(ctx, cfg); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

func runSetup(arg string) {
	absDir, cfgPath := resolveDir(arg)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func showUsage() {
	fmt.Println("Parley - translated calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  parley client <directory>   Run a client from <directory>/parley.json")
	fmt.Println("  parley relay <directory>    Run the development relay and directory")
	fmt.Println("  parley setup <directory>    Create or edit <directory>/parley.json interactively")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  parley relay ./relay")
	fmt.Println("  parley setup ./alice && parley client ./alice")
}

func printBanner(mode, dir, cfgPath string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Printf("║                   Parley %-8s                      ║\n", mode)
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:      %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Println()
}
