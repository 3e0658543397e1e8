package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"

	"taskrelay/contracts"
)

// processFunc handles one delivery. A nil return acknowledges the message; a
// non-nil return leaves it unacknowledged so the broker reclaims and
// redelivers it later.
type processFunc func(ctx context.Context, msg contracts.Message) error

// consumer is the shared consume loop: a fetcher feeds deliveries into an
// ants pool, each pool worker runs process under panic recovery and with
// periodic heartbeats so long-running executions are not reclaimed
// mid-flight.
type consumer struct {
	queue          contracts.MessageQueue
	group          string
	name           string
	numWorkers     int
	heartbeatEvery time.Duration

	process processFunc
	errorCh chan error

	pool *ants.PoolWithFunc
	wg   sync.WaitGroup
}

type delivery struct {
	ctx context.Context
	msg contracts.Message
}

func newConsumer(queue contracts.MessageQueue, group, name string, numWorkers int, heartbeatEvery time.Duration, process processFunc, errorCh chan error) *consumer {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if heartbeatEvery <= 0 {
		heartbeatEvery = time.Minute
	}
	return &consumer{
		queue:          queue,
		group:          group,
		name:           name,
		numWorkers:     numWorkers,
		heartbeatEvery: heartbeatEvery,
		process:        process,
		errorCh:        errorCh,
	}
}

// run blocks until ctx is canceled, then drains the pool.
func (c *consumer) run(ctx context.Context) error {
	pool, err := ants.NewPoolWithFunc(c.numWorkers, func(arg interface{}) {
		d := arg.(delivery)
		c.handle(d.ctx, d.msg)
	}, ants.WithPanicHandler(c.panicHandler))
	if err != nil {
		return err
	}
	c.pool = pool

	c.wg.Add(1)
	go c.fetch(ctx)

	c.wg.Wait()
	c.pool.ReleaseTimeout(30 * time.Second)
	return nil
}

func (c *consumer) panicHandler(r interface{}) {
	if err, ok := r.(error); ok {
		log.WithError(err).Error("consumer worker panic")
		return
	}
	log.Errorf("consumer worker panic: %v", r)
}

func (c *consumer) fetch(ctx context.Context) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := c.queue.Receive(ctx, 5*time.Second, c.numWorkers, c.group, c.name)
		if err != nil {
			if errors.Is(err, contracts.ErrNoNewMessage) || ctx.Err() != nil {
				continue
			}
			c.captureError(err)
			continue
		}

		for _, message := range messages {
			if ctx.Err() != nil {
				return
			}
			// blocking invoke: fetching stalls while the pool is full, which
			// is the prefetch bound
			if err := c.pool.Invoke(delivery{ctx: ctx, msg: message}); err != nil {
				c.captureError(err)
			}
		}
	}
}

// handle runs process in its own goroutine so the consumer can heartbeat the
// message while a slow execution (up to the tool timeout) is in progress.
func (c *consumer) handle(ctx context.Context, msg contracts.Message) {
	resultCh := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- NewRetryable(fmt.Errorf("process panic: %v", r))
			}
		}()
		resultCh <- c.process(ctx, msg)
	}()

	for {
		select {
		case err := <-resultCh:
			if err != nil {
				logEntry := log.WithError(err).WithField("message_id", msg.ID)
				if IsRetryable(err) {
					logEntry.Warn("processing failed, message left for redelivery")
				} else {
					logEntry.Error("processing failed")
				}
				c.captureError(err)
				return
			}
			if err := c.queue.Ack(context.Background(), c.group, msg.ID); err != nil {
				c.captureError(err)
			}
			return

		case <-time.After(c.heartbeatEvery):
			if err := c.queue.HeartBeat(ctx, c.group, c.name, msg.ID); err != nil {
				c.captureError(err)
			}
		}
	}
}

func (c *consumer) captureError(err error) {
	select {
	case c.errorCh <- err:
	default:
		// nobody is draining the channel, do not block the loop
	}
}
