// ABOUTME: Entry point for the taskagent gateway: serve, init, health, threads and version commands
// ABOUTME: Prints a colored banner on serve and wires config, logging and the gateway together

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/taskagent-gateway/internal/config"
	"github.com/2389/taskagent-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _            _                                 _
 | |_ __ _ ___| | ____ _  __ _  ___ _ __   ___ | |_
 | __/ _' / __| |/ / _' |/ _' |/ _ \ '_ \ / _ \| __|
 | || (_| \__ \   < (_| | (_| |  __/ | | | (_) | |_
  \__\__,_|___/_|\_\__,_|\__, |\___|_| |_|\___/ \__|
                         |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: TASKAGENT_CONFIG env var > XDG_CONFIG_HOME/taskagent/gateway.yaml > ~/.config/taskagent/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TASKAGENT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "taskagent", "gateway.yaml")
}

// getDataPath returns the path to the taskagent data directory.
// Priority: XDG_DATA_HOME/taskagent > ~/.local/share/taskagent
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "taskagent")
}

func usage() {
	fmt.Println("Usage: taskagent <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve      Start the gateway server")
	fmt.Println("  init       Create a new config file interactively")
	fmt.Println("  health     Check gateway health over gRPC")
	fmt.Println("  threads    List conversation threads")
	fmt.Println("  version    Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin)
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "threads":
		err = runThreads(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Model:     %s", cfg.Model.Provider)
	if cfg.Model.Name != "" {
		gray.Printf(" (%s)", cfg.Model.Name)
	}
	fmt.Println()
	if cfg.State.SealSecret == "" {
		yellow.Println("    ! thread snapshots are not sealed (state.seal_secret unset)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting taskagent gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
