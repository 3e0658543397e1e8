package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskrelay/election"
	"taskrelay/redisstream"
)

const idleConsumerThreshold = 10 * time.Minute

// Chores are the singleton duties of a worker fleet: queue metrics
// reporting, idle consumer cleanup and delayed-task dispatch. All replicas
// run Chores; leader election makes sure only one of them actually acts.
type Chores struct {
	client    *redis.Client
	group     string
	host      string
	publisher *Publisher
	queues    map[string]*redisstream.Queue

	elector  *election.Elector
	isLeader atomic.Bool

	metricsEvery time.Duration
	delayedEvery time.Duration
	errorCh      chan error
}

func NewChores(client *redis.Client, group, host string, publisher *Publisher, queues map[string]*redisstream.Queue) *Chores {
	return &Chores{
		client:       client,
		group:        group,
		host:         host,
		publisher:    publisher,
		queues:       queues,
		metricsEvery: time.Minute,
		delayedEvery: 5 * time.Second,
		errorCh:      make(chan error, 16),
	}
}

func (c *Chores) IsLeader() bool {
	return c.isLeader.Load()
}

func (c *Chores) ErrorChannel() <-chan error {
	return c.errorCh
}

// Start runs the election and the schedule until ctx is canceled.
func (c *Chores) Start(ctx context.Context) error {
	c.startElection(ctx)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(c.metricsEvery),
		gocron.NewTask(func() { c.reportAndClean(ctx) }),
	); err != nil {
		return err
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(c.delayedEvery),
		gocron.NewTask(func() { c.dispatchDelayed(ctx) }),
	); err != nil {
		return err
	}

	scheduler.Start()

	<-ctx.Done()
	return scheduler.Shutdown()
}

func (c *Chores) startElection(ctx context.Context) {
	elector, onPromote, onDemote, onError := election.NewElector(c.host, election.Opts{
		Redis:    c.client,
		Key:      c.group,
		JitterMS: 5,
		TTL:      5 * time.Second,
		Wait:     6 * time.Second,
	})

	go func() {
		for {
			select {
			case <-onPromote:
				c.isLeader.Store(true)
			case <-onDemote:
				c.isLeader.Store(false)
			case err := <-onError:
				c.captureError(err)
			case <-ctx.Done():
				if err := elector.Stop(); err != nil {
					c.captureError(err)
				}
				return
			}
		}
	}()

	elector.Start()
	c.elector = elector
}

func (c *Chores) reportAndClean(ctx context.Context) {
	if !c.IsLeader() {
		return
	}

	for name, queue := range c.queues {
		metrics, err := queue.GetMetrics(ctx)
		if err != nil {
			c.captureError(err)
			continue
		}
		log.WithField("queue", name).WithFields(log.Fields(metrics)).Info("queue metrics")

		if err := queue.CleanupIdleConsumers(ctx, c.group, idleConsumerThreshold); err != nil {
			c.captureError(err)
		}
	}
}

func (c *Chores) dispatchDelayed(ctx context.Context) {
	if !c.IsLeader() {
		return
	}

	dispatched, err := c.publisher.DispatchDueTasks(ctx, 100)
	if err != nil {
		c.captureError(err)
		return
	}
	if dispatched > 0 {
		log.WithField("count", dispatched).Info("dispatched delayed tasks")
	}
}

func (c *Chores) captureError(err error) {
	select {
	case c.errorCh <- err:
	default:
	}
}
