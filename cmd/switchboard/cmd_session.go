package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/switchboard/internal/state"
	"github.com/user/switchboard/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionConfigCmd, sessionArchiveCmd)
	sessionConfigCmd.AddCommand(sessionConfigGetCmd, sessionConfigSetCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

func openStore() (*state.Store, error) {
	cfg := loadConfig()
	return state.Open(filepath.Join(cfg.DataDir, "switchboard.db"))
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		list, err := store.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tMESSAGES\tLAST ACTIVE")
		for _, s := range list {
			count, err := store.CountUnarchived(ctx, s.Key)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n",
				s.Key,
				count,
				s.LastActiveAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or set a session's settings overrides",
}

var sessionConfigGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a session's settings overrides",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		raw, err := store.SessionConfig(context.Background(), types.SessionKey(args[0]))
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
		fmt.Fprintln(os.Stdout, string(raw))
		return nil
	},
}

var sessionConfigSetCmd = &cobra.Command{
	Use:   "set <key> <json>",
	Short: "Replace a session's settings overrides with a JSON object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		key := types.SessionKey(args[0])
		ctx := context.Background()
		if _, err := store.ResolveSession(ctx, key); err != nil {
			return err
		}
		if err := store.SetSessionConfig(ctx, key, json.RawMessage(args[1])); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Updated config for %s\n", key)
		return nil
	},
}

var sessionArchiveCmd = &cobra.Command{
	Use:   "archive <key>",
	Short: "Archive a session's conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		key := types.SessionKey(args[0])
		if err := store.MarkArchived(context.Background(), key); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Session %s archived.\n", key)
		return nil
	},
}
