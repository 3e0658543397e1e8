package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskrelay/redisstream"
	"taskrelay/worker"
)

// newStatsCmd creates the "taskrelay stats" subcommand.
func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print queue depths and processing timings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			queues := map[string]*redisstream.Queue{
				"tasks":      rt.tasks,
				"results":    rt.results,
				"pm":         rt.pm,
				"deadletter": rt.deadLetter,
			}
			for name, queue := range queues {
				metrics, err := queue.GetMetrics(ctx)
				if err != nil {
					return fmt.Errorf("metrics for %s: %w", name, err)
				}
				fmt.Fprintf(out, "%s:\n", name)
				for k, v := range metrics {
					fmt.Fprintf(out, "  %s: %v\n", k, v)
				}
			}

			timings, err := worker.ReadTimings(ctx, rt.client, timingKey)
			if err != nil {
				return fmt.Errorf("read timings: %w", err)
			}
			if len(timings) > 0 {
				fmt.Fprintln(out, "timings:")
				for taskType, stat := range timings {
					fmt.Fprintf(out, "  %s: count=%d avg=%s\n", taskType, stat.Count, stat.Average)
				}
			}

			return nil
		},
	}
}
