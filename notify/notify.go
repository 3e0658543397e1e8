// Package notify is the fire-and-forget side channel for task outcomes.
// Delivery failures are the caller's problem only to the extent of a log
// line; they never block acknowledgment.
package notify

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Event describes one finished task.
type Event struct {
	TaskID     string
	Worker     string
	TaskType   string
	Status     string
	OutputFile string
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier emits the event as a structured log line.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, event Event) error {
	log.WithFields(log.Fields{
		"task_id":     event.TaskID,
		"worker":      event.Worker,
		"task_type":   event.TaskType,
		"status":      event.Status,
		"output_file": event.OutputFile,
	}).Info("task finished")
	return nil
}
