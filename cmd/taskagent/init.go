// ABOUTME: Interactive init command that writes a YAML gateway config
// ABOUTME: Generates a random snapshot seal secret and creates the data directory

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	GRPCAddr    string
	HTTPAddr    string
	DBPath      string
	TasksPath   string
	Provider    string
	ModelName   string
	APIKeyEnv   string
	BaseURL     string
	SealSecret  string
	Tailscale   bool
	TSHostname  string
	TSAuthKey   string
	TSEphemeral bool
	LogLevel    string
	LogFormat   string
}

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("taskagent configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.GRPCAddr = prompt(reader, "gRPC address", "127.0.0.1:50051")
	a.HTTPAddr = prompt(reader, "HTTP address", "127.0.0.1:8080")

	fmt.Println("\n--- Database Configuration ---")
	a.DBPath = prompt(reader, "Conversation database path", filepath.Join(defaultDataPath, "conversations.db"))
	a.TasksPath = prompt(reader, "Task database path", filepath.Join(filepath.Dir(a.DBPath), "tasks.db"))

	fmt.Println("\n--- Model Configuration ---")
	a.Provider = strings.ToLower(prompt(reader, "Provider (openai/anthropic/langchain/scripted)", "scripted"))
	if a.Provider != "scripted" {
		a.ModelName = prompt(reader, "Model name", defaultModel(a.Provider))
		a.APIKeyEnv = prompt(reader, "Environment variable holding the API key", defaultKeyEnv(a.Provider))
		a.BaseURL = prompt(reader, "Base URL (leave empty for the provider default)", "")
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	a.Tailscale = yes(prompt(reader, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, "Tailscale hostname", "taskagent")
		a.TSAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		a.TSEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	secret, err := newSealSecret()
	if err != nil {
		return err
	}
	a.SealSecret = secret

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the seal secret, so keep it private.
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  taskagent serve\n")
	return nil
}

// renderConfig produces the YAML config file for a.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# taskagent gateway configuration\n")
	cfg.WriteString("# Generated by taskagent init\n\n")

	cfg.WriteString("server:\n")
	if !a.Tailscale {
		fmt.Fprintf(&cfg, "  http_addr: %q\n", a.HTTPAddr)
	}
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n", a.GRPCAddr)
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n", a.DBPath)
	fmt.Fprintf(&cfg, "  tasks_path: %q\n", a.TasksPath)
	cfg.WriteString("\n")

	cfg.WriteString("model:\n")
	fmt.Fprintf(&cfg, "  provider: %q\n", a.Provider)
	if a.ModelName != "" {
		fmt.Fprintf(&cfg, "  name: %q\n", a.ModelName)
	}
	if a.APIKeyEnv != "" {
		fmt.Fprintf(&cfg, "  api_key: \"${%s}\"\n", a.APIKeyEnv)
	}
	if a.BaseURL != "" {
		fmt.Fprintf(&cfg, "  base_url: %q\n", a.BaseURL)
	}
	cfg.WriteString("\n")

	cfg.WriteString("turn:\n")
	cfg.WriteString("  timeout: \"2m\"\n")
	cfg.WriteString("  max_tool_rounds: 8\n")
	cfg.WriteString("  metadata_retries: 3\n")
	cfg.WriteString("  retry_backoff: \"200ms\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("state:\n")
	fmt.Fprintf(&cfg, "  seal_secret: %q\n", a.SealSecret)
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.Tailscale)
	if a.Tailscale {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.TSHostname)
		if a.TSAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", a.TSAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", a.TSEphemeral)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.LogFormat)
	return cfg.String()
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4.1-mini"
	case "anthropic":
		return "claude-sonnet-4-5"
	case "langchain":
		return "llama3.1"
	}
	return ""
}

func defaultKeyEnv(provider string) string {
	switch provider {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "langchain":
		return "LLM_API_KEY"
	}
	return ""
}

func newSealSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating seal secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
