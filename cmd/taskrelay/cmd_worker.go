package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskrelay/enrich"
	"taskrelay/executor"
	"taskrelay/history"
	"taskrelay/internal/locker"
	"taskrelay/notify"
	"taskrelay/redisstream"
	"taskrelay/worker"
)

const timingKey = "taskrelay:timing"

// newWorkerCmd creates the "taskrelay worker" daemon subcommand.
func newWorkerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the task worker daemon",
		Long:  "Consumes the tasks queue, executes prompts through the external tool (or the simulated fallback), persists artifacts and publishes results. Stops on SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(*configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// a broker that is down at startup is fatal, the supervisor restarts us
			if err := rt.client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("broker connection failed: %w", err)
			}

			store, err := history.Open(rt.cfg.Worker.HistoryPath)
			if err != nil {
				return err
			}
			defer store.Close()

			timing := worker.NewRedisTimingWriter(rt.client, timingKey, time.Second)
			defer timing.Close()

			exec := executor.Detect(executor.Config{
				Tool:         rt.cfg.Tool.Name,
				Model:        rt.cfg.Tool.Model,
				AllowedTools: rt.cfg.Tool.AllowedTools,
				WorkDir:      rt.cfg.Tool.WorkDir,
				Timeout:      rt.cfg.Tool.Timeout.Std(),
			})

			tw := worker.NewTaskWorker(worker.TaskWorkerOptions{
				WorkerID:       rt.cfg.Worker.ID,
				Group:          rt.cfg.Worker.Group,
				NumWorkers:     rt.cfg.Worker.NumWorkers,
				MaxReceive:     rt.cfg.Worker.MaxReceive,
				OutputRoot:     rt.cfg.Worker.OutputRoot,
				Queue:          rt.tasks,
				Publisher:      rt.publisher,
				Executor:       exec,
				Enricher:       enrich.NewHistoryEnricher(store, rt.cfg.Worker.EnrichLimit),
				Notifier:       notify.LogNotifier{},
				History:        store,
				Guard:          worker.NewGuard(rt.client, 24*time.Hour),
				Locker:         locker.NewRedisMutexLocker(rt.client),
				Timing:         timing,
				HeartbeatEvery: rt.cfg.Worker.ReclaimDelay.Std() / 3,
			})

			chores := worker.NewChores(rt.client, rt.cfg.Worker.Group, rt.cfg.Worker.ID, rt.publisher,
				map[string]*redisstream.Queue{
					"tasks":      rt.tasks,
					"results":    rt.results,
					"pm":         rt.pm,
					"deadletter": rt.deadLetter,
				})

			go drainErrors(ctx, tw.ErrorChannel())
			go drainErrors(ctx, chores.ErrorChannel())
			go func() {
				if err := chores.Start(ctx); err != nil {
					log.WithError(err).Error("chores stopped")
				}
			}()

			err = tw.Start(ctx)
			log.WithFields(log.Fields{
				"processed": tw.Processed(),
				"fails":     tw.Fails(),
			}).Info("task worker stopped")
			return err
		},
	}
}

func drainErrors(ctx context.Context, ch <-chan error) {
	for {
		select {
		case err := <-ch:
			log.WithError(err).Error("worker error")
		case <-ctx.Done():
			return
		}
	}
}
