package worker

import "errors"

type WorkerError string

func (e WorkerError) Error() string { return string(e) }

const (
	ErrInvalidPayload    = WorkerError("invalid message payload")
	ErrMissingPrompt     = WorkerError("task message has no prompt")
	ErrAlreadyStarted    = WorkerError("worker already started")
	ErrMissingParam      = WorkerError("pm message missing required param")
	ErrUnknownCommand    = WorkerError("unknown pm command")
	ErrInFlightElsewhere = WorkerError("task is in flight on another consumer")
)

// RetryableError marks transport- or parse-level failures. Processing either
// terminates in an Outcome (completed/failed, acked) or in a RetryableError,
// which leaves the message unacknowledged so the broker redelivers it.
type RetryableError struct {
	Err error
}

func NewRetryable(err error) *RetryableError {
	return &RetryableError{Err: err}
}

func (r *RetryableError) Error() string {
	return "retryable: " + r.Err.Error()
}

func (r *RetryableError) Unwrap() error {
	return r.Err
}

func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
