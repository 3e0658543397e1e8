package main

import (
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskrelay/executor"
	"taskrelay/worker"
)

// newPMCmd creates the "taskrelay pm" daemon subcommand.
func newPMCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pm",
		Short: "Run the project-management worker daemon",
		Long:  "Consumes the pm queue: run_code executes directly and relays the output downstream, generate_task fans subtasks onto the tasks queue. Stops on SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := rt.client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("broker connection failed: %w", err)
			}

			exec := executor.Detect(executor.Config{
				Tool:         rt.cfg.Tool.Name,
				Model:        rt.cfg.Tool.Model,
				AllowedTools: rt.cfg.Tool.AllowedTools,
				WorkDir:      rt.cfg.Tool.WorkDir,
				Timeout:      rt.cfg.Tool.Timeout.Std(),
			})

			pw := worker.NewPMWorker(worker.PMWorkerOptions{
				WorkerID:       rt.cfg.Worker.ID + "_pm",
				Group:          rt.cfg.Worker.Group,
				MaxReceive:     rt.cfg.Worker.MaxReceive,
				Queue:          rt.pm,
				Publisher:      rt.publisher,
				Executor:       exec,
				HeartbeatEvery: rt.cfg.Worker.ReclaimDelay.Std() / 3,
			})

			go drainErrors(ctx, pw.ErrorChannel())

			err = pw.Start(ctx)
			log.WithFields(log.Fields{
				"processed": pw.Processed(),
				"fails":     pw.Fails(),
			}).Info("pm worker stopped")
			return err
		},
	}
}
