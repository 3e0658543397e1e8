// Package locker adapts redsync mutexes to the contracts.DistributedLocker
// interface. Workers use these locks to keep two consumers from processing
// the same task id at the same time after a reclaim.
package locker

import (
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"taskrelay/contracts"
)

const defaultRetryDelay = 100 * time.Millisecond
const defaultRetries = 10

type RedisMutexLocker struct {
	pool redsyncredis.Pool
	rs   *redsync.Redsync
}

func NewRedisMutexLocker(client *redis.Client) *RedisMutexLocker {
	pool := goredis.NewPool(client)
	return &RedisMutexLocker{
		pool: pool,
		rs:   redsync.New(pool),
	}
}

func (r *RedisMutexLocker) CreateMutexLock(name string, lockOptions contracts.LockOptions) contracts.Lock {
	options := make([]redsync.Option, 0, 4)

	if lockOptions.Expiry > 0 {
		options = append(options, redsync.WithExpiry(lockOptions.Expiry))
	}
	if lockOptions.RetryDelay > 0 {
		options = append(options, redsync.WithRetryDelay(lockOptions.RetryDelay))
	} else {
		options = append(options, redsync.WithRetryDelay(defaultRetryDelay))
	}
	if lockOptions.Retries > 0 {
		options = append(options, redsync.WithTries(lockOptions.Retries+1))
	} else {
		options = append(options, redsync.WithTries(defaultRetries))
	}
	if len(lockOptions.Value) > 0 {
		options = append(options, redsync.WithValue(lockOptions.Value))
	}

	return r.rs.NewMutex(name, options...)
}
