package redisstream

import (
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

type Option func(*Queue)

func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		q.stream = prefix + ":" + strings.SplitN(q.stream, ":", 2)[1]
	}
}

func WithQueue(queue string) Option {
	return func(q *Queue) {
		q.stream = strings.SplitN(q.stream, ":", 2)[0] + ":" + queue
	}
}

func WithReclaimDelay(reclaimDelay time.Duration) Option {
	return func(q *Queue) {
		q.reclaimDelay = reclaimDelay
	}
}

func WithRedisVersion(version string) Option {
	return func(q *Queue) {
		q.redisVersion = semver.MustParse(version)
	}
}

func WithFetchMethod(fetchMethod FetchMethod) Option {
	return func(q *Queue) {
		q.fetchMethod = fetchMethod
	}
}

func WithDeleteOnAck(deleteOnAck bool) Option {
	return func(q *Queue) {
		q.deleteOnAck = deleteOnAck
	}
}
