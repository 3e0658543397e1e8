// Package redisstream implements contracts.MessageQueue on top of Redis
// Streams with consumer groups. Unacknowledged messages stay in the group's
// pending entries list and are reclaimed by Receive once they have been idle
// for longer than the reclaim delay, which gives the pipeline its
// at-least-once redelivery behavior.
package redisstream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/redis/go-redis/v9"

	log "github.com/sirupsen/logrus"

	"taskrelay/contracts"
	"taskrelay/internal/ring"
)

const payloadKey = "payload"
const claimDelaySampleSize = 1000

// FetchMethod selects which end of the stream XREADGROUP reads from.
type FetchMethod string

const (
	FetchNewest = FetchMethod("NEWEST")
	FetchOldest = FetchMethod("OLDEST")
)

// redisIdleFilterMin is the first Redis version where XPENDING accepts the
// IDLE filter argument. Older servers get the filtering done client-side.
var redisIdleFilterMin = semver.MustParse("6.2")

type pendingMessage struct {
	ID         string
	Idle       time.Duration
	RetryCount int64
}

// Queue is a single named durable queue backed by one Redis stream.
type Queue struct {
	client *redis.Client

	stream string

	reclaimDelay time.Duration
	deleteOnAck  bool
	fetchMethod  FetchMethod

	redisVersion *semver.Version

	claimDelays *ring.Ring

	lastPendingCheck     time.Time
	lastPendingCheckLock sync.Mutex
}

// New creates a Queue for prefix:name. Defaults: reclaim after 5 minutes,
// delete entries on ack. Override with options.
func New(client *redis.Client, name string, options ...Option) *Queue {
	q := &Queue{
		client:       client,
		stream:       "taskrelay:" + name,
		deleteOnAck:  true,
		reclaimDelay: 5 * time.Minute,
		fetchMethod:  FetchOldest,
	}

	for _, option := range options {
		option(q)
	}
	q.claimDelays = ring.New(client, claimDelaySampleSize, q.stream+":claimdelay")

	if q.redisVersion == nil {
		info, _ := client.InfoMap(context.Background()).Result()
		if server, ok := info["Server"]; ok {
			if v, ok := server["redis_version"]; ok {
				q.redisVersion, _ = semver.NewVersion(v)
			}
		}
	}

	return q
}

// Stream returns the full Redis stream key of this queue.
func (q *Queue) Stream() string {
	return q.stream
}

// Add appends the message to the stream and fills in the broker-assigned ID.
func (q *Queue) Add(ctx context.Context, message *contracts.Message) error {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{payloadKey: message.Payload},
	}).Result()
	if err != nil {
		return err
	}
	message.ID = id
	return nil
}

// Receive returns the next batch of messages for the consumer. Reclaimable
// pending messages (idle beyond the reclaim delay) take priority over new
// ones, but the pending check runs at most once per reclaim delay so the hot
// path stays a single blocking XREADGROUP.
func (q *Queue) Receive(ctx context.Context, block time.Duration, batchSize int, group, consumerName string) ([]contracts.Message, error) {
	if q.shouldCheckPending() {
		reclaimed, err := q.reclaimPending(ctx, batchSize, group, consumerName)
		if err != nil && !errors.Is(err, contracts.ErrNoNewMessage) {
			return nil, err
		}
		if len(reclaimed) > 0 {
			return reclaimed, nil
		}
	}

	return q.fetchNew(ctx, block, batchSize, group, consumerName)
}

func (q *Queue) shouldCheckPending() bool {
	q.lastPendingCheckLock.Lock()
	defer q.lastPendingCheckLock.Unlock()
	if time.Since(q.lastPendingCheck) < q.reclaimDelay {
		return false
	}
	q.lastPendingCheck = time.Now()
	return true
}

func (q *Queue) fetchNew(ctx context.Context, block time.Duration, batchSize int, group, consumerName string) ([]contracts.Message, error) {
	id := ">"
	if q.fetchMethod == FetchNewest {
		id = "^"
	}

	result, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumerName,
		Count:    int64(batchSize),
		Streams:  []string{q.stream, id},
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, contracts.ErrNoNewMessage
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			if err := q.upsertConsumerGroup(group); err != nil {
				return nil, err
			}
			return q.fetchNew(ctx, block, batchSize, group, consumerName)
		}
		return nil, err
	}

	if len(result) == 0 || len(result[0].Messages) == 0 {
		return nil, contracts.ErrNoNewMessage
	}

	messages := make([]contracts.Message, len(result[0].Messages))
	for i, msg := range result[0].Messages {
		// First delivery of a fresh entry
		messages[i] = contracts.NewMessage(msg.ID, msg.Values[payloadKey].(string), 1)
	}
	return messages, nil
}

func (q *Queue) reclaimPending(ctx context.Context, batchSize int, group, consumerName string) ([]contracts.Message, error) {
	pendings, err := q.getPending(ctx, batchSize, group)
	if err != nil {
		return nil, err
	}
	if len(pendings) == 0 {
		return nil, contracts.ErrNoNewMessage
	}

	ids := make([]string, 0, len(pendings))
	byID := make(map[string]pendingMessage, len(pendings))
	for _, p := range pendings {
		ids = append(ids, p.ID)
		byID[p.ID] = p
	}

	claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    group,
		Consumer: consumerName,
		MinIdle:  q.reclaimDelay,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, contracts.ErrNoNewMessage
		}
		return nil, err
	}

	messages := make([]contracts.Message, 0, len(claimed))
	for _, msg := range claimed {
		info := byID[msg.ID]
		// XCLAIM bumps the delivery counter, account for it here.
		messages = append(messages, contracts.NewMessage(msg.ID, msg.Values[payloadKey].(string), info.RetryCount+1))

		// how long the message sat unacknowledged before a consumer picked
		// it back up, sampled for GetMetrics
		go func(idle time.Duration) {
			if err := q.claimDelays.Add(context.Background(), float64(idle)); err != nil {
				log.WithError(err).Debug("failed to sample claim delay")
			}
		}(info.Idle)
	}
	return messages, nil
}

func (q *Queue) getPending(ctx context.Context, batchSize int, group string) ([]pendingMessage, error) {
	args := &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(batchSize),
	}
	if q.redisVersion != nil && q.redisVersion.Compare(redisIdleFilterMin) >= 0 {
		args.Idle = q.reclaimDelay
	}

	result, err := q.client.XPendingExt(ctx, args).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			if err := q.upsertConsumerGroup(group); err != nil {
				return nil, err
			}
			return q.getPending(ctx, batchSize, group)
		}
		if errors.Is(err, redis.Nil) {
			return nil, contracts.ErrNoNewMessage
		}
		return nil, err
	}

	pendings := make([]pendingMessage, 0, len(result))
	for _, p := range result {
		if p.Idle < q.reclaimDelay {
			continue
		}
		pendings = append(pendings, pendingMessage{ID: p.ID, Idle: p.Idle, RetryCount: p.RetryCount})
	}
	return pendings, nil
}

func (q *Queue) upsertConsumerGroup(group string) error {
	err := q.client.XGroupCreateMkStream(context.Background(), q.stream, group, "0-0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// Ack removes the message from the pending entries list. With deleteOnAck the
// entry is also deleted from the stream so it does not grow unbounded. The
// delete only runs once the ack succeeded; a still-pending entry must never
// be dropped from the stream.
func (q *Queue) Ack(ctx context.Context, group, messageID string) error {
	if err := q.client.XAck(ctx, q.stream, group, messageID).Err(); err != nil {
		return err
	}

	if q.deleteOnAck {
		if delErr := q.client.XDel(ctx, q.stream, messageID).Err(); delErr != nil {
			log.WithError(delErr).Error("failed to delete acked message")
		}
	}

	return nil
}

// HeartBeat re-claims the message for the same consumer, resetting its idle
// time so the reclaim path does not steal it from a slow consumer.
func (q *Queue) HeartBeat(ctx context.Context, group, consumerName, messageID string) error {
	return q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    group,
		Consumer: consumerName,
		MinIdle:  0,
		Messages: []string{messageID},
	}).Err()
}

// Delete removes a specific message from the stream.
func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.client.XDel(ctx, q.stream, id).Err()
}

// Purge drops the whole stream.
func (q *Queue) Purge(ctx context.Context) error {
	return q.client.Del(ctx, q.stream).Err()
}

// Len returns the number of entries currently in the stream.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.stream).Result()
}

// Peek returns up to count payloads from the head of the stream without
// consuming them.
func (q *Queue) Peek(ctx context.Context, count int64) ([]string, error) {
	entries, err := q.client.XRangeN(ctx, q.stream, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	payloads := make([]string, 0, len(entries))
	for _, e := range entries {
		if p, ok := e.Values[payloadKey].(string); ok {
			payloads = append(payloads, p)
		}
	}
	return payloads, nil
}

// GetMetrics reports queue depth, per-group pending counts and claim-delay
// statistics sampled from reclaimed messages.
func (q *Queue) GetMetrics(ctx context.Context) (map[string]interface{}, error) {
	metrics := make(map[string]interface{})

	info, err := q.client.XInfoStreamFull(ctx, q.stream, 1).Result()
	if err != nil {
		// a queue nobody has published to yet has no stream key
		if strings.Contains(err.Error(), "no such key") {
			metrics["queue_size"] = int64(0)
			return metrics, nil
		}
		return nil, err
	}

	metrics["queue_size"] = info.Length
	metrics["claim_delay_avg"] = -1
	metrics["claim_delay_std"] = -1
	metrics["claim_delay_max"] = -1

	for _, group := range info.Groups {
		metrics["group_"+group.Name] = map[string]interface{}{
			"pending_entries_count": group.PelCount,
			"lag":                   group.Lag,
		}
	}

	values, err := q.claimDelays.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	// too few samples make the aggregate meaningless
	if len(values) > 10 {
		avg := ring.Average(values)
		metrics["claim_delay_avg"] = avg
		metrics["claim_delay_std"] = ring.StandardDeviation(values, avg)
		metrics["claim_delay_max"] = ring.Max(values)
	}

	return metrics, nil
}

// CleanupIdleConsumers drops consumers that have not interacted with the
// group for over threshold, so crashed worker processes do not pile up in
// XINFO forever. Intended to run on the leader only.
func (q *Queue) CleanupIdleConsumers(ctx context.Context, group string, threshold time.Duration) error {
	consumers, err := q.client.XInfoConsumers(ctx, q.stream, group).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil
		}
		return err
	}

	for _, consumer := range consumers {
		if consumer.Idle > threshold {
			if err := q.client.XGroupDelConsumer(ctx, q.stream, group, consumer.Name).Err(); err != nil {
				log.WithError(err).WithField("consumer", consumer.Name).Error("failed to delete idle consumer")
			}
		}
	}
	return nil
}
