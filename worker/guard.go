package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const processedKeyPrefix = "taskrelay:processed:"

// Guard deduplicates non-idempotent side effects across redeliveries. A task
// id is marked once; redelivered copies of the same task see the marker and
// skip the notification they would otherwise repeat.
type Guard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewGuard(client *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{client: client, ttl: ttl}
}

// FirstDelivery marks the task id as seen and reports whether this call did
// the marking. Guard errors fail open: a duplicate notification beats a
// missing one.
func (g *Guard) FirstDelivery(ctx context.Context, taskID string) bool {
	first, err := g.client.SetNX(ctx, processedKeyPrefix+taskID, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		log.WithError(err).WithField("task_id", taskID).Warn("dedup guard unavailable")
		return true
	}
	return first
}
