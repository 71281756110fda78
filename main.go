// Package main is the entry point for the gopost service.
package main

import (
	"context"
	"log"
	"os"

	"github.com/jonesrussell/gopost/internal/app"
)

const defaultConfigPath = "config.yaml"

var (
	// version can be set at build time via -ldflags
	version = "dev"
)

func main() {
	command := "run"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "run", "daemon":
		runApp(func(a *app.App) error { return a.Run(context.Background()) })
	case "once":
		runApp(func(a *app.App) error { return a.RunOnce(context.Background()) })
	case "api":
		runApp(func(a *app.App) error { return a.RunAPI(context.Background()) })
	case "version":
		log.Printf("gopost version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		log.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runApp(fn func(*app.App) error) {
	a, err := app.New(app.Options{
		ConfigPath: configPath(),
		Version:    version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			log.Printf("Cleanup error: %v", closeErr)
		}
	}()

	if err := fn(a); err != nil {
		os.Exit(1)
	}
}

func configPath() string {
	if path := os.Getenv("GOPOST_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func printUsage() {
	log.Println("gopost - content scheduling and publishing orchestrator")
	log.Println()
	log.Println("Usage:")
	log.Println("  gopost [command]")
	log.Println()
	log.Println("Commands:")
	log.Println("  run        Start the orchestrator and HTTP API (default)")
	log.Println("  once       Run a single orchestrator cycle and exit")
	log.Println("  api        Start the HTTP API only")
	log.Println("  version    Print version information")
	log.Println("  help       Show this help message")
	log.Println()
	log.Println("Environment Variables:")
	log.Println("  GOPOST_CONFIG           - Config file path (default: config.yaml)")
	log.Println("  GOPOST_PORT             - HTTP port (default: 8075)")
	log.Println("  GOPOST_DRY_RUN          - Simulate publishes: true|false")
	log.Println("  GOPOST_REVIEW_ENABLED   - Require human review: true|false")
	log.Println("  POSTGRES_HOST           - PostgreSQL host (default: localhost)")
	log.Println("  POSTGRES_PORT           - PostgreSQL port (default: 5432)")
	log.Println("  POSTGRES_USER           - PostgreSQL user (default: postgres)")
	log.Println("  POSTGRES_PASSWORD       - PostgreSQL password")
	log.Println("  POSTGRES_DB             - PostgreSQL database (default: gopost)")
	log.Println("  REDIS_ADDR              - Redis address (default: localhost:6379)")
	log.Println("  REDIS_PASSWORD          - Redis password (optional)")
	log.Println("  APP_DEBUG               - Debug logging: true|false")
}
