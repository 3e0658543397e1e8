package contracts

import (
	"context"
	"time"
)

// MessageQueue is a durable queue with at-least-once delivery and manual
// acknowledgment. Messages left unacknowledged are redelivered to a consumer
// of the same group once they have been idle long enough.
type MessageQueue interface {
	Add(ctx context.Context, message *Message) error
	Receive(ctx context.Context, block time.Duration, batchSize int, group, consumerName string) ([]Message, error)
	Ack(ctx context.Context, group, messageID string) error
	// HeartBeat resets the idle clock of an in-flight message so a slow
	// consumer is not raced by the reclaim path.
	HeartBeat(ctx context.Context, group, consumerName, messageID string) error
}

type HeartBeatFunc func(ctx context.Context) error
