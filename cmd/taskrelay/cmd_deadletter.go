package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newDeadLetterCmd creates the "taskrelay deadletter" subcommand.
func newDeadLetterCmd(configPath *string) *cobra.Command {
	var count int64

	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Peek at parked messages on the dead-letter queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			payloads, err := rt.deadLetter.Peek(cmd.Context(), count)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(payloads) == 0 {
				fmt.Fprintln(out, "dead-letter queue is empty")
				return nil
			}
			for _, payload := range payloads {
				fmt.Fprintln(out, payload)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&count, "count", 10, "maximum number of messages to show")

	return cmd
}
