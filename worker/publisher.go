package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskrelay/contracts"
)

const delayedTasksKey = "taskrelay:delayed:tasks"

// Publisher owns the outbound side of every queue in the pipeline.
type Publisher struct {
	tasks      contracts.MessageQueue
	results    contracts.MessageQueue
	pm         contracts.MessageQueue
	deadLetter contracts.MessageQueue

	client *redis.Client
}

func NewPublisher(client *redis.Client, tasks, results, pm, deadLetter contracts.MessageQueue) *Publisher {
	return &Publisher{
		tasks:      tasks,
		results:    results,
		pm:         pm,
		deadLetter: deadLetter,
		client:     client,
	}
}

func publish(ctx context.Context, queue contracts.MessageQueue, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	message := contracts.Message{Payload: string(payload)}
	return queue.Add(ctx, &message)
}

// PublishTask enqueues a task message, filling in defaults first. The
// message is mutated so the caller sees the generated id.
func (p *Publisher) PublishTask(ctx context.Context, m *TaskMessage) error {
	m.EnsureDefaults()
	return publish(ctx, p.tasks, m)
}

func (p *Publisher) PublishResult(ctx context.Context, m ResultMessage) error {
	return publish(ctx, p.results, m)
}

func (p *Publisher) PublishPM(ctx context.Context, m PMMessage) error {
	return publish(ctx, p.pm, m)
}

// PublishDeadLetter parks an undeliverable payload on the dead-letter queue.
func (p *Publisher) PublishDeadLetter(ctx context.Context, source, reason, payload string) error {
	return publish(ctx, p.deadLetter, DeadLetterMessage{
		Reason:   reason,
		Source:   source,
		Payload:  payload,
		FailedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// PublishTaskDelayed schedules a task for dispatch after the delay. The
// leader's delayed-dispatch chore moves due entries onto the tasks queue, so
// the delay is approximate by one poll interval.
func (p *Publisher) PublishTaskDelayed(ctx context.Context, m *TaskMessage, delay time.Duration) error {
	m.EnsureDefaults()
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal delayed task: %w", err)
	}

	dueAt := time.Now().Add(delay).Unix()
	return p.client.ZAdd(ctx, delayedTasksKey, redis.Z{
		Score:  float64(dueAt),
		Member: string(payload),
	}).Err()
}

// DispatchDueTasks moves delayed tasks whose time has come onto the tasks
// queue. Returns how many were dispatched. Intended to run on the leader
// only.
func (p *Publisher) DispatchDueTasks(ctx context.Context, batchSize int64) (int, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())

	entries, err := p.client.ZRangeByScore(ctx, delayedTasksKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: batchSize,
	}).Result()
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, entry := range entries {
		var task TaskMessage
		if err := json.Unmarshal([]byte(entry), &task); err != nil {
			// unparseable entry would loop forever, park it instead
			if dlErr := p.PublishDeadLetter(ctx, "delayed", "invalid delayed payload", entry); dlErr != nil {
				return dispatched, dlErr
			}
			if err := p.client.ZRem(ctx, delayedTasksKey, entry).Err(); err != nil {
				return dispatched, err
			}
			continue
		}

		if err := p.PublishTask(ctx, &task); err != nil {
			return dispatched, err
		}
		if err := p.client.ZRem(ctx, delayedTasksKey, entry).Err(); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}
