// ABOUTME: Entry point for the mailbridge assistant bridge
// ABOUTME: Correlates ingested mail with messaging threads and drives responses

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/maigic/mailbridge/internal/bridge"
	"github.com/maigic/mailbridge/internal/config"
	"github.com/maigic/mailbridge/internal/correlator"
	"github.com/maigic/mailbridge/internal/dedupe"
	"github.com/maigic/mailbridge/internal/engine"
	"github.com/maigic/mailbridge/internal/store"
)

// version is set via -ldflags at build time.
var version = "dev"

// getConfigPath returns the path to the mailbridge config file.
// Priority: MAILBRIDGE_CONFIG env var > XDG_CONFIG_HOME/mailbridge/bridge.yaml > ~/.config/mailbridge/bridge.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MAILBRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mailbridge", "bridge.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mailbridge <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the bridge processing loop")
		fmt.Println("  init      Write a starter config file")
		fmt.Println("  check     Validate config and database reachability")
		fmt.Println("  version   Print the version")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
			os.Exit(1)
		}
	case "init":
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
			os.Exit(1)
		}
	case "check":
		if err := runCheck(); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
			os.Exit(1)
		}
	case "version":
		fmt.Println("mailbridge", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("mailbridge starting", "version", version)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	window := dedupe.NewWindow(cfg.Dedupe.Retention, cfg.Dedupe.MaxSize)
	defer window.Close()

	eng := engine.NewOpenAIClient(cfg.Engine.BaseURL, cfg.Engine.APIKey, cfg.Engine.Model)
	corr := correlator.New(st, st, eng,
		correlator.WithPrimer(cfg.Engine.Primer),
		correlator.WithLogger(logger),
	)
	poster := bridge.NewSlackPoster("", cfg.Slack.BotToken)

	br := bridge.New(window, st, corr, poster, bridge.Config{
		Channel:     cfg.Slack.Channel,
		ProcessRate: cfg.Bridge.ProcessRate,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := br.Run(ctx, cfg.Bridge.PollInterval); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("mailbridge stopped")
	return nil
}

const starterConfig = `# mailbridge configuration

database:
  path: ${HOME}/.local/share/mailbridge/bridge.db

engine:
  model: gpt-4o-mini
  api_key: ${OPENAI_API_KEY}

slack:
  bot_token: ${SLACK_BOT_TOKEN}
  channel: ""   # destination channel id for initial posts

dedupe:
  retention: 5m
  max_size: 10000

bridge:
  poll_interval: 30s
  process_rate: 1    # items per second

logging:
  level: info
  format: text
`

func runInit() error {
	path := getConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Println(color.GreenString("wrote"), path)
	return nil
}

func runCheck() error {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Println(color.GreenString("ok"), "config", path)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	st.Close()
	fmt.Println(color.GreenString("ok"), "database", cfg.Database.Path)
	return nil
}
