package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/switchboard/internal/scheduler"
	"github.com/user/switchboard/internal/types"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd)

	taskAddCmd.Flags().String("name", "", "task name (required)")
	taskAddCmd.Flags().String("prompt", "", "prompt text (required)")
	taskAddCmd.Flags().String("schedule", "", "cron schedule expression, e.g. \"0 9 * * *\" or @hourly (required)")
	taskAddCmd.Flags().String("session-key", "", "session key, e.g. telegram:12345 (required)")
	taskAddCmd.Flags().Bool("conditional", false, "let the model decide whether the result is worth delivering")
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("prompt")
	_ = taskAddCmd.MarkFlagRequired("schedule")
	_ = taskAddCmd.MarkFlagRequired("session-key")
}

func taskStore() *scheduler.TaskStore {
	cfg := loadConfig()
	return scheduler.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		schedule, _ := cmd.Flags().GetString("schedule")
		sessionKey, _ := cmd.Flags().GetString("session-key")
		conditional, _ := cmd.Flags().GetBool("conditional")

		if err := scheduler.ValidateSpec(schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", schedule, err)
		}
		task := &scheduler.Task{
			Name:        name,
			Prompt:      prompt,
			Schedule:    schedule,
			SessionKey:  types.SessionKey(sessionKey),
			Conditional: conditional,
			Enabled:     true,
		}
		if err := taskStore().Add(task); err != nil {
			return fmt.Errorf("add task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q added.\n", name)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := taskStore().List()
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tCONDITIONAL\tSESSION")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\n",
				t.Name, t.Schedule, t.Enabled, t.Conditional, t.SessionKey)
		}
		return w.Flush()
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().Remove(args[0]); err != nil {
			return fmt.Errorf("remove task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q removed.\n", args[0])
		return nil
	},
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().SetEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q enabled.\n", args[0])
		return nil
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().SetEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q disabled.\n", args[0])
		return nil
	},
}
