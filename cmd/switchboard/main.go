package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/switchboard/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Multi-channel conversational agent",
	Long:  "Switchboard routes chat messages from Telegram, Discord, the terminal, and a local dashboard through a single reasoning engine with persistent per-conversation state.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath,
		"config",
		filepath.Join(os.Getenv("HOME"), ".switchboard", "config.json"),
		"config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
