package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/user/switchboard/internal/terminal"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat from the terminal",
	Long:  "Start an interactive REPL against the local data directory. Shares history and memory with the daemon's terminal sessions.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		c, err := buildCore(cfg)
		if err != nil {
			return err
		}
		defer c.close()

		repl := terminal.New(c.orch)
		if err := repl.Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
