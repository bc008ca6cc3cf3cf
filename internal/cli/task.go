package cli

import (
	"encoding/json"
	"fmt"

	"helixstream/internal/config"
	"helixstream/internal/ledger"
	"helixstream/internal/run"

	"github.com/spf13/cobra"
)

func newRunCommand(getApp func() *app) *cobra.Command {
	var input string
	var infra string
	var variant string

	cmd := &cobra.Command{
		Use:   "run <app>",
		Short: "Submit a task and follow it until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			params := run.RunParams{App: args[0], Infra: infra, Variant: variant}
			if input != "" {
				if err := json.Unmarshal([]byte(input), &params.Input); err != nil {
					return fmt.Errorf("--input must be a JSON object: %w", err)
				}
			}
			coord, err := a.runCoordinator()
			if err != nil {
				return err
			}

			opts := run.RunOptions{
				Wait: a.cfg.WaitMode != config.WaitNone,
				OnPartialUpdate: func(t run.Task, fields []string) {
					if fields == nil {
						fmt.Fprintf(a.out, "task %s: %s\n", t.ID, t.Status)
						return
					}
					fmt.Fprintf(a.out, "task %s: %s (changed %v)\n", t.ID, t.Status, fields)
				},
				OnError: func(err error) {
					a.log.Warn("task update error", "error", err)
				},
			}
			task, runErr := coord.Run(cmd.Context(), params, opts)
			if task.ID != "" {
				if err := a.printJSON(task); err != nil {
					return err
				}
				if err := a.dumpJournal(cmd.Context(), ledger.ResourceTask, task.ID); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "task input as a JSON object")
	cmd.Flags().StringVar(&infra, "infra", "", "infrastructure to run on")
	cmd.Flags().StringVar(&variant, "variant", "", "app variant")
	return cmd
}

func newTaskCommand(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "task <id>",
		Short: "Show the current state of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			coord, err := a.runCoordinator()
			if err != nil {
				return err
			}
			task, err := coord.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(task)
		},
	}
}

func newCancelCommand(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			coord, err := a.runCoordinator()
			if err != nil {
				return err
			}
			if err := coord.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "cancel requested for task %s\n", args[0])
			return nil
		},
	}
}
