package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"taskrelay/artifact"
	"taskrelay/contracts"
	"taskrelay/enrich"
	"taskrelay/executor"
	"taskrelay/history"
	"taskrelay/notify"
)

const inFlightLockPrefix = "taskrelay:inflight:"

// TaskWorkerOptions are the task worker's explicit dependencies, resolved
// once at startup. Optional collaborators (history, enricher, notifier,
// guard) may be nil; the worker degrades to skipping that side effect.
type TaskWorkerOptions struct {
	WorkerID   string
	Group      string
	NumWorkers int
	MaxReceive int64
	OutputRoot string

	Queue     contracts.MessageQueue
	Publisher *Publisher
	Executor  executor.Executor

	Enricher enrich.Enricher
	Notifier notify.Notifier
	History  *history.Store
	Guard    *Guard
	Locker   contracts.DistributedLocker
	Timing   *TimingWriter

	// HeartbeatEvery controls how often an in-flight message's idle clock is
	// reset while the executor runs. Must stay well below the queue's
	// reclaim delay.
	HeartbeatEvery time.Duration
}

// TaskWorker consumes the tasks queue: execute, persist, record, notify,
// publish result, ack.
type TaskWorker struct {
	opts TaskWorkerOptions

	consumer *consumer
	errorCh  chan error

	processed atomic.Int64
	fails     atomic.Int64

	started atomic.Bool
}

func NewTaskWorker(opts TaskWorkerOptions) *TaskWorker {
	if opts.Enricher == nil {
		opts.Enricher = enrich.NoopEnricher{}
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.MaxReceive <= 0 {
		opts.MaxReceive = 5
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = time.Minute
	}

	w := &TaskWorker{
		opts:    opts,
		errorCh: make(chan error, 16),
	}
	w.consumer = newConsumer(opts.Queue, opts.Group, opts.WorkerID, opts.NumWorkers, opts.HeartbeatEvery, w.process, w.errorCh)
	return w
}

// ErrorChannel surfaces consume-loop errors; draining it is optional.
func (w *TaskWorker) ErrorChannel() <-chan error {
	return w.errorCh
}

func (w *TaskWorker) Processed() int64 { return w.processed.Load() }
func (w *TaskWorker) Fails() int64     { return w.fails.Load() }

// Start blocks until ctx is canceled. An in-flight message at shutdown is
// abandoned unacknowledged and redelivered after the reclaim delay.
func (w *TaskWorker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	log.WithFields(log.Fields{
		"worker":   w.opts.WorkerID,
		"group":    w.opts.Group,
		"executor": w.opts.Executor.Name(),
	}).Info("task worker started")
	return w.consumer.run(ctx)
}

// process handles one task delivery end to end. Outcome-shaped failures
// (tool errors, timeouts) are recorded and acked; only parse and publish
// failures return a RetryableError and leave the message for redelivery.
func (w *TaskWorker) process(ctx context.Context, msg contracts.Message) error {
	if msg.ReceiveCount > w.opts.MaxReceive {
		return w.parkPoisonMessage(ctx, msg)
	}

	var task TaskMessage
	if err := json.Unmarshal([]byte(msg.Payload), &task); err != nil {
		w.fails.Add(1)
		log.WithError(err).WithField("payload", msg.Payload).Error("cannot parse task payload")
		return NewRetryable(ErrInvalidPayload)
	}
	task.EnsureDefaults()

	logEntry := log.WithFields(log.Fields{"task_id": task.TaskID, "type": task.Type})

	// Keep a second consumer that reclaimed this task while we are still
	// running it from doubling the side effects.
	if w.opts.Locker != nil {
		lock := w.opts.Locker.CreateMutexLock(inFlightLockPrefix+task.TaskID, contracts.LockOptions{
			Expiry:     w.opts.HeartbeatEvery * 4,
			RetryDelay: time.Millisecond,
			Retries:    1,
		})
		if err := lock.TryLock(); err != nil {
			logEntry.Warn("task already in flight elsewhere")
			return NewRetryable(ErrInFlightElsewhere)
		}
		defer func() {
			if _, err := lock.Unlock(); err != nil {
				logEntry.WithError(err).Warn("failed to release in-flight lock")
			}
		}()
	}

	start := time.Now()

	prompt, enriched := w.opts.Enricher.Enrich(ctx, task.Type, task.Prompt)
	if task.PreviousResult != "" {
		prompt = "Previous result:\n" + task.PreviousResult + "\n\n" + prompt
	}

	result := w.opts.Executor.Execute(ctx, prompt)

	response := result.Output
	if result.Failed() {
		w.fails.Add(1)
		response = result.Detail
		logEntry.WithField("detail", result.Detail).Warn("execution failed, recording failed outcome")
	}

	// First delivery of this task id gets the non-idempotent side effects;
	// redeliveries skip straight to the result publish.
	firstDelivery := true
	if w.opts.Guard != nil {
		firstDelivery = w.opts.Guard.FirstDelivery(ctx, task.TaskID)
	}

	outputFile := artifact.Path(w.opts.OutputRoot, task.Type, task.TaskID)

	notified := false
	if w.opts.Notifier != nil && firstDelivery {
		if err := w.opts.Notifier.Notify(ctx, notify.Event{
			TaskID:     task.TaskID,
			Worker:     w.opts.WorkerID,
			TaskType:   task.Type,
			Status:     string(result.Status),
			OutputFile: outputFile,
		}); err != nil {
			logEntry.WithError(err).Error("notification failed")
		} else {
			notified = true
		}
	}

	record := artifact.Record{
		TaskID:    task.TaskID,
		Worker:    w.opts.WorkerID,
		TaskType:  task.Type,
		Model:     w.opts.Executor.Name(),
		Enriched:  enriched,
		Notified:  notified,
		Simulated: result.Simulated,
		Timestamp: time.Now().UTC(),
		Prompt:    prompt,
		Response:  response,
	}
	if _, err := artifact.Write(w.opts.OutputRoot, record); err != nil {
		logEntry.WithError(err).Error("artifact write failed")
	}

	if w.opts.History != nil {
		if _, err := w.opts.History.Record(ctx, history.Run{
			TaskID:     task.TaskID,
			Worker:     w.opts.WorkerID,
			TaskType:   task.Type,
			Prompt:     task.Prompt,
			Response:   response,
			Status:     string(result.Status),
			OutputFile: outputFile,
			Model:      w.opts.Executor.Name(),
			Enriched:   enriched,
			Simulated:  result.Simulated,
		}); err != nil {
			logEntry.WithError(err).Error("history record failed")
		}
	}

	if err := w.opts.Publisher.PublishResult(ctx, ResultMessage{
		TaskID:     task.TaskID,
		Worker:     w.opts.WorkerID,
		Status:     string(result.Status),
		OutputFile: outputFile,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return NewRetryable(err)
	}

	if w.opts.Timing != nil {
		if err := w.opts.Timing.Store(task.Type, time.Since(start)); err != nil {
			logEntry.WithError(err).Debug("timing store failed")
		}
	}

	w.processed.Add(1)
	return nil
}

// parkPoisonMessage moves a message that keeps failing redelivery onto the
// dead-letter queue and acknowledges the original, breaking the infinite
// redelivery loop a malformed payload would otherwise cause.
func (w *TaskWorker) parkPoisonMessage(ctx context.Context, msg contracts.Message) error {
	log.WithFields(log.Fields{
		"message_id":    msg.ID,
		"receive_count": msg.ReceiveCount,
	}).Error("receive count exceeded, parking message on dead-letter queue")

	if err := w.opts.Publisher.PublishDeadLetter(ctx, "tasks", "max receive exceeded", msg.Payload); err != nil {
		return NewRetryable(err)
	}
	w.fails.Add(1)
	return nil
}
