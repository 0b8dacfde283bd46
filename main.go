// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/callhub/internal/app"
	"github.com/petervdpas/callhub/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callhub v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "serve":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: serve command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: callhub serve <service-directory>")
			os.Exit(1)
		}
		runServe(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runServe(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid service directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create service directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printBanner(absDir, cfgPath, cfg, created)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("callhub failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("callhub - call signaling and presence coordinator")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callhub serve <directory>  Run the coordinator from a service directory")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve <directory>")
	fmt.Println("        Serve signaling, presence and admin endpoints")
	fmt.Println("        A default " + config.FileName + " is written when none exists")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  callhub serve ./deploy/callhub")
	fmt.Println()
	fmt.Println("Documentation:")
	fmt.Println("  • Protocol and operations: http://<addr>/docs")
	fmt.Println("  • Browser SDK: http://<addr>/sdk/callhub.js")
}

func printBanner(dir, cfgPath string, cfg config.Config, created bool) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                        callhub                         ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Service Directory: %s\n", dir)
	fmt.Printf("Config File:       %s\n", cfgPath)
	if created {
		fmt.Println("                   (created with defaults)")
	}
	fmt.Println()

	addr := cfg.Server.HTTPAddr
	if addr != "" && addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}
	fmt.Printf("Signaling socket:  ws://%s/ws\n", addr)
	fmt.Printf("Docs:              http://%s/docs\n", addr)
	if cfg.AdminEnabled() {
		fmt.Println("Admin API:         enabled (user \"admin\")")
	} else {
		fmt.Println("Admin API:         disabled")
	}
	if cfg.Journal.DBPath != "" {
		fmt.Printf("Journal:           %s (%dh retention)\n", cfg.Journal.DBPath, cfg.Journal.RetentionHours)
	}
	fmt.Println()

	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
