package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"taskrelay/contracts"
	"taskrelay/executor"
	"taskrelay/internal/safemap"
)

// PMHandler routes one pm command kind.
type PMHandler func(ctx context.Context, pm PMMessage) error

// PMWorkerOptions are the pm worker's explicit dependencies.
type PMWorkerOptions struct {
	WorkerID   string
	Group      string
	MaxReceive int64

	Queue     contracts.MessageQueue
	Publisher *Publisher
	Executor  executor.Executor

	HeartbeatEvery time.Duration
}

// PMWorker consumes the pm queue and routes commands: run_code executes the
// prompt directly and relays the raw output downstream as previous_result;
// generate_task fans out subtasks onto the tasks queue. Unknown commands are
// parked on the dead-letter queue instead of silently dropped, so a bad
// producer is visible rather than lost.
type PMWorker struct {
	opts PMWorkerOptions

	handlers *safemap.SafeMap[string, PMHandler]

	consumer *consumer
	errorCh  chan error

	processed atomic.Int64
	fails     atomic.Int64

	started atomic.Bool
}

func NewPMWorker(opts PMWorkerOptions) *PMWorker {
	if opts.MaxReceive <= 0 {
		opts.MaxReceive = 5
	}

	w := &PMWorker{
		opts:     opts,
		handlers: safemap.New[string, PMHandler](),
		errorCh:  make(chan error, 16),
	}
	w.handlers.Set(CommandRunCode, w.handleRunCode)
	w.handlers.Set(CommandGenerateTask, w.handleGenerateTask)

	// PM routing is cheap, one handler at a time is plenty.
	w.consumer = newConsumer(opts.Queue, opts.Group, opts.WorkerID, 1, opts.HeartbeatEvery, w.process, w.errorCh)
	return w
}

// RegisterHandler adds or replaces routing for a command kind.
func (w *PMWorker) RegisterHandler(command string, handler PMHandler) {
	w.handlers.Set(command, handler)
}

func (w *PMWorker) ErrorChannel() <-chan error {
	return w.errorCh
}

func (w *PMWorker) Processed() int64 { return w.processed.Load() }
func (w *PMWorker) Fails() int64     { return w.fails.Load() }

// Start blocks until ctx is canceled.
func (w *PMWorker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	log.WithFields(log.Fields{
		"worker": w.opts.WorkerID,
		"group":  w.opts.Group,
	}).Info("pm worker started")
	return w.consumer.run(ctx)
}

func (w *PMWorker) process(ctx context.Context, msg contracts.Message) error {
	if msg.ReceiveCount > w.opts.MaxReceive {
		log.WithFields(log.Fields{
			"message_id":    msg.ID,
			"receive_count": msg.ReceiveCount,
		}).Error("receive count exceeded, parking pm message on dead-letter queue")
		if err := w.opts.Publisher.PublishDeadLetter(ctx, "pm", "max receive exceeded", msg.Payload); err != nil {
			return NewRetryable(err)
		}
		w.fails.Add(1)
		return nil
	}

	var pm PMMessage
	if err := json.Unmarshal([]byte(msg.Payload), &pm); err != nil {
		w.fails.Add(1)
		log.WithError(err).WithField("payload", msg.Payload).Error("cannot parse pm payload")
		return NewRetryable(ErrInvalidPayload)
	}

	handler, ok := w.handlers.Get(pm.Command)
	if !ok {
		// Deliberate change from ack-and-drop: the payload survives on the
		// dead-letter queue where an operator can see it.
		log.WithFields(log.Fields{"command": pm.Command, "task_id": pm.TaskID}).Warn("unknown pm command, parking on dead-letter queue")
		if err := w.opts.Publisher.PublishDeadLetter(ctx, "pm", "unknown command: "+pm.Command, msg.Payload); err != nil {
			return NewRetryable(err)
		}
		w.fails.Add(1)
		return nil
	}

	if err := handler(ctx, pm); err != nil {
		w.fails.Add(1)
		return err
	}

	w.processed.Add(1)
	return nil
}

// handleRunCode executes params.prompt directly and publishes a follow-up
// task carrying the raw output (including the simulated fallback text) as
// previous_result. No artifact is written here; execution context is
// delegated downstream.
func (w *PMWorker) handleRunCode(ctx context.Context, pm PMMessage) error {
	prompt, ok := stringParam(pm.Params, "prompt")
	if !ok {
		if err := w.opts.Publisher.PublishDeadLetter(ctx, "pm", "run_code without prompt param", mustJSON(pm)); err != nil {
			return NewRetryable(err)
		}
		return nil
	}

	result := w.opts.Executor.Execute(ctx, prompt)
	raw := result.Output
	if result.Failed() {
		raw = result.Detail
	}

	task := TaskMessage{
		Prompt:         prompt,
		Type:           "pm",
		PreviousResult: raw,
	}
	if err := w.opts.Publisher.PublishTask(ctx, &task); err != nil {
		return NewRetryable(err)
	}

	log.WithFields(log.Fields{
		"pm_task_id": pm.TaskID,
		"task_id":    task.TaskID,
		"status":     result.Status,
	}).Info("run_code relayed")
	return nil
}

// handleGenerateTask publishes one subtask built from params.description, or
// a generated default when absent. A single subtask is the whole
// decomposition strategy for now.
func (w *PMWorker) handleGenerateTask(ctx context.Context, pm PMMessage) error {
	description, ok := stringParam(pm.Params, "description")
	if !ok || description == "" {
		description = fmt.Sprintf("Generated subtask for pm task %s", pm.TaskID)
	}

	task := TaskMessage{
		Prompt: description,
		Type:   DefaultTaskType,
	}
	if err := w.opts.Publisher.PublishTask(ctx, &task); err != nil {
		return NewRetryable(err)
	}

	log.WithFields(log.Fields{
		"pm_task_id": pm.TaskID,
		"task_id":    task.TaskID,
	}).Info("generate_task fanned out")
	return nil
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}
