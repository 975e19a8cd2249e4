// Package main is the entry point for chat-bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/compresr/chat-bridge/internal/config"
	"github.com/compresr/chat-bridge/internal/gateway"
	"github.com/compresr/chat-bridge/internal/monitoring"
)

// Version is set at build time via ldflags.
var Version = "v0.1.0"

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 30 * time.Second

// loadEnvFiles loads .env from standard locations
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	// Try loading from ~/.config/chat-bridge/.env first
	configEnv := filepath.Join(homeDir, ".config", "chat-bridge", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Also load local .env (can override)
	_ = godotenv.Load()
}

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve", "start":
		runServer(args)
	case "check":
		if err := runCheck(args); err != nil {
			fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("config ok")
	case "version", "-v", "--version":
		fmt.Printf("chat-bridge %s\n", Version)
	case "help", "-h", "--help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printHelp()
		os.Exit(2)
	}
}

// resolveConfig resolves the config to load.
// Checks: user flag (file path or embedded name) -> filesystem locations -> embedded default.
// Returns raw bytes and source description.
func resolveConfig(userConfig string) ([]byte, string, error) {
	if userConfig != "" {
		if data, err := os.ReadFile(userConfig); err == nil {
			return data, userConfig, nil
		}
		if data, err := getEmbeddedConfig(userConfig); err == nil {
			return data, "(embedded) " + userConfig, nil
		}
		names, _ := listEmbeddedConfigs()
		return nil, "", fmt.Errorf("config %q not found (embedded: %s)", userConfig, strings.Join(names, ", "))
	}

	var searchPaths []string
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "chat-bridge", "config.yaml"))
	}
	searchPaths = append(searchPaths, "configs/config.yaml", "config.yaml")

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		}
	}

	data, err := getEmbeddedConfig("config")
	if err != nil {
		return nil, "", errors.New("no config file found, specify --config")
	}
	return data, "(embedded) config.yaml", nil
}

func loadConfig(userConfig string) (*config.Config, string, error) {
	data, source, err := resolveConfig(userConfig)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadFromBytes(data)
	if err != nil {
		return nil, source, err
	}
	return cfg, source, nil
}

// runCheck loads and validates a config without starting anything.
func runCheck(args []string) error {
	loadEnvFiles()

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, _, err := loadConfig(*configPath)
	return err
}

// runServer starts the gateway and blocks until a shutdown signal.
func runServer(args []string) {
	loadEnvFiles()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		monitoring.Global(monitoring.LoggerConfig{Format: "console"})
		log.Fatal().Err(err).Str("config", source).Msg("failed to load configuration")
	}

	logCfg := cfg.Monitoring.Logger()
	if *debug {
		logCfg.Level = "debug"
	}
	logger := monitoring.Global(logCfg)

	log.Info().
		Str("version", Version).
		Str("config", source).
		Str("log_level", logger.Level().String()).
		Int("port", cfg.Server.Port).
		Str("upstream", cfg.Upstream.BaseURL).
		Str("default_model", cfg.Upstream.DefaultModel).
		Str("busy_policy", cfg.Session.BusyPolicy).
		Bool("telemetry", cfg.Monitoring.TelemetryEnabled).
		Msg("chat-bridge starting")

	gw, err := gateway.New(cfg, gateway.WithLogger(logger))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway")
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := gw.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown error")
		}
	}()

	if err := gw.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("gateway error")
	}

	log.Info().Msg("chat-bridge stopped")
}

// printHelp prints usage information
func printHelp() {
	fmt.Println("chat-bridge - OpenAI-compatible gateway for a session-based chat service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  chat-bridge [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve        Start the gateway server (default)")
	fmt.Println("  check        Load and validate the configuration")
	fmt.Println("  version      Print version information")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config FILE    Config file path or embedded config name")
	fmt.Println("  --debug          Enable debug logging (serve only)")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  UPSTREAM_BASE_URL, UPSTREAM_TOKEN, UPSTREAM_COOKIES override the upstream section.")
	fmt.Println("  CHAT_BRIDGE_STORE_PATH sets the SQLite session store path.")
	fmt.Println("  SESSION_TELEMETRY_LOG enables the JSONL turn log at the given path.")
	fmt.Println("  .env files are read from ~/.config/chat-bridge/.env and the working directory.")
}
