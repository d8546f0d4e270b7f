// ABOUTME: Entry point for the fleet-gateway control plane and its admin subcommands
// ABOUTME: serve runs the gateway; the rest talk to the admin API or the persisted registry

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
  __ _           _                    _
 / _| | ___  ___| |_       __ _  __ _| |_ _____      ____ _ _   _
| |_| |/ _ \/ _ \ __|____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
|  _| |  __/  __/ ||_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_|\___|\___|\__|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                          |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: FLEET_CONFIG env var > XDG_CONFIG_HOME/fleet/gateway.yaml > ~/.config/fleet/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FLEET_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(configDir(), "gateway.yaml")
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(dir, "fleet")
}

func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func printUsage() {
	yellow := color.New(color.FgYellow)

	fmt.Println("Usage: fleet-gateway <command> [args]")
	fmt.Println()
	yellow.Println("Server:")
	fmt.Println("  serve                         Start the gateway")
	fmt.Println()
	yellow.Println("Live fleet (admin API):")
	fmt.Println("  health                        Check liveness and readiness")
	fmt.Println("  agents [-guild ID]            List connected agents")
	fmt.Println("  sessions                      List leased sessions")
	fmt.Println("  plan -guild ID -desired N     Show the invite plan for a guild")
	fmt.Println()
	yellow.Println("Persisted registry:")
	fmt.Println("  worker list                   List registered workers")
	fmt.Println("  worker add -id ID ...         Register or update a worker")
	fmt.Println("  worker status ID STATUS       Set active|inactive|corrupt|suspended")
	fmt.Println("  worker credential ID SECRET   Store a per-worker hello credential")
	fmt.Println("  pool list                     List pools")
	fmt.Println("  pool create -id ID -owner U   Create a pool")
	fmt.Println("  token -subject S [-role R]    Issue an admin API token")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  FLEET_CONFIG                  Config file (default ~/.config/fleet/gateway.yaml)")
	fmt.Println("  FLEET_GATEWAY_URL             Admin API base URL (default from http_addr)")
	fmt.Println("  FLEET_TOKEN                   Admin API token (or ~/.config/fleet/token)")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx, args)
	case "sessions":
		err = runSessions(ctx)
	case "plan":
		err = runPlan(ctx, args)
	case "worker":
		err = runWorker(ctx, args)
	case "pool":
		err = runPool(ctx, args)
	case "token":
		err = runToken(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Control:   ws://%s/agents\n", cfg.Server.ControlAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Auth.RunnerSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("No runner secret: any worker may connect")
	}
	fmt.Println()

	logger.Info("starting fleet-gateway",
		"version", version,
		"config", configPath,
		"control_addr", cfg.Server.ControlAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
