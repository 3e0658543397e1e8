package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskrelay/worker"
)

// newPMSendCmd creates the "taskrelay pm-send" producer subcommand.
func newPMSendCmd(configPath *string) *cobra.Command {
	var (
		command string
		params  string
		taskID  string
	)

	cmd := &cobra.Command{
		Use:   "pm-send",
		Short: "Publish a pm command onto the pm queue",
		Long:  `Publishes a pm message, e.g. taskrelay pm-send --command run_code --params '{"prompt": "print hello"}'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if command == "" {
				return fmt.Errorf("--command is required")
			}

			paramMap := map[string]any{}
			if params != "" {
				if err := json.Unmarshal([]byte(params), &paramMap); err != nil {
					return fmt.Errorf("parse --params: %w", err)
				}
			}

			if taskID == "" {
				taskID = fmt.Sprintf("pm_%d", time.Now().UnixNano())
			}

			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.publisher.PublishPM(cmd.Context(), worker.PMMessage{
				TaskID:  taskID,
				Command: command,
				Params:  paramMap,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent pm task %s (%s)\n", taskID, command)
			return nil
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "pm command (run_code | generate_task)")
	cmd.Flags().StringVar(&params, "params", "", "JSON object with command parameters")
	cmd.Flags().StringVar(&taskID, "task-id", "", "explicit pm task id (generated when omitted)")

	return cmd
}
