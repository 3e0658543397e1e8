package main

import (
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"taskrelay/config"
	"taskrelay/redisstream"
	"taskrelay/worker"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "taskrelay",
		Short:         "Durable prompt-task distribution pipeline",
		Long:          "taskrelay relays prompt tasks through durable Redis Streams queues to workers that run an external text-generation tool and publish results.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")

	cmd.AddCommand(newWorkerCmd(&configPath))
	cmd.AddCommand(newPMCmd(&configPath))
	cmd.AddCommand(newSendCmd(&configPath))
	cmd.AddCommand(newPMSendCmd(&configPath))
	cmd.AddCommand(newStatsCmd(&configPath))
	cmd.AddCommand(newDeadLetterCmd(&configPath))

	return cmd
}

// runtime bundles everything the subcommands construct from config.
type runtime struct {
	cfg    config.Config
	client *redis.Client

	tasks      *redisstream.Queue
	results    *redisstream.Queue
	pm         *redisstream.Queue
	deadLetter *redisstream.Queue

	publisher *worker.Publisher
}

func newRuntime(configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})

	newQueue := func(name string) *redisstream.Queue {
		return redisstream.New(client, name,
			redisstream.WithPrefix(cfg.Queues.Prefix),
			redisstream.WithReclaimDelay(cfg.Worker.ReclaimDelay.Std()),
		)
	}

	rt := &runtime{
		cfg:        cfg,
		client:     client,
		tasks:      newQueue(cfg.Queues.Tasks),
		results:    newQueue(cfg.Queues.Results),
		pm:         newQueue(cfg.Queues.PM),
		deadLetter: newQueue(cfg.Queues.DeadLetter),
	}
	rt.publisher = worker.NewPublisher(client, rt.tasks, rt.results, rt.pm, rt.deadLetter)
	return rt, nil
}

func (rt *runtime) Close() error {
	return rt.client.Close()
}
