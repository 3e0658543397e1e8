package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskrelay/worker"
)

// newSendCmd creates the "taskrelay send" producer subcommand.
func newSendCmd(configPath *string) *cobra.Command {
	var (
		prompt   string
		taskType string
		taskID   string
		delay    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish a task message onto the tasks queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}

			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			task := worker.TaskMessage{
				TaskID: taskID,
				Prompt: prompt,
				Type:   taskType,
			}

			if delay > 0 {
				if err := rt.publisher.PublishTaskDelayed(cmd.Context(), &task, delay); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scheduled task %s in %s\n", task.TaskID, delay)
				return nil
			}

			if err := rt.publisher.PublishTask(cmd.Context(), &task); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent task %s\n", task.TaskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&prompt, "prompt", "", "instruction text to execute")
	cmd.Flags().StringVar(&taskType, "type", "", "task type category (default \"general\")")
	cmd.Flags().StringVar(&taskID, "task-id", "", "explicit task id (generated when omitted)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "dispatch after this delay instead of immediately")

	return cmd
}
