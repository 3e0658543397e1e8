package election

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type leaderWatcher struct {
	promoted, demoted, errored atomic.Bool
}

func (l *leaderWatcher) reset() {
	l.promoted.Store(false)
	l.demoted.Store(false)
	l.errored.Store(false)
}

func makeRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return server, client
}

func makeWatcher(host string, opts Opts) (*Elector, *leaderWatcher) {
	lead, promote, demote, errCh := NewElector(host, opts)
	watcher := &leaderWatcher{}
	go func() {
		for {
			select {
			case <-promote:
				watcher.promoted.Store(true)
			case <-demote:
				watcher.demoted.Store(true)
			case <-errCh:
				watcher.errored.Store(true)
			}
		}
	}()
	return lead, watcher
}

func TestElector(t *testing.T) {
	server, client := makeRedis(t)

	opts := func(s redis.Scripter) Opts {
		return Opts{
			Redis:    s,
			TTL:      200 * time.Millisecond,
			Wait:     100 * time.Millisecond,
			JitterMS: 10,
			Key:      "test1",
		}
	}

	cli1 := &faultyScripter{client: client}
	leader1, watch1 := makeWatcher("leader1", opts(cli1))
	leader1.Start()
	time.Sleep(50 * time.Millisecond)

	cli2 := &faultyScripter{client: client}
	leader2, watch2 := makeWatcher("leader2", opts(cli2))
	leader2.Start()
	time.Sleep(50 * time.Millisecond)

	require.True(t, watch1.promoted.Load())
	require.False(t, watch2.promoted.Load())
	assert.NoError(t, leader1.IsLeader(context.Background()))
	assert.Error(t, leader2.IsLeader(context.Background()))

	t.Run("leader retains its lease across renewals", func(t *testing.T) {
		watch1.reset()
		watch2.reset()
		time.Sleep(500 * time.Millisecond)

		assert.False(t, watch1.errored.Load())
		assert.False(t, watch1.demoted.Load())
		assert.False(t, watch1.promoted.Load())

		assert.False(t, watch2.errored.Load())
		assert.False(t, watch2.promoted.Load())
	})

	t.Run("follower takes over when the leader loses redis", func(t *testing.T) {
		watch1.reset()
		watch2.reset()
		cli1.breakFlag = true

		// leader1's next renewal fails and demotes it
		require.Eventually(t, func() bool {
			return watch1.demoted.Load() && watch1.errored.Load()
		}, 2*time.Second, 10*time.Millisecond)

		// the lease only dies by TTL, which miniredis advances manually
		server.FastForward(time.Second)

		require.Eventually(t, func() bool {
			return watch2.promoted.Load()
		}, 2*time.Second, 10*time.Millisecond)
		assert.False(t, watch1.promoted.Load())
		assert.NoError(t, leader2.IsLeader(context.Background()))
	})
}

func TestElector_StopReleasesLeadership(t *testing.T) {
	_, client := makeRedis(t)

	scripter := &faultyScripter{client: client}
	leader, watch := makeWatcher("leader1", Opts{
		Redis:    scripter,
		TTL:      200 * time.Millisecond,
		Wait:     100 * time.Millisecond,
		JitterMS: 10,
		Key:      "stop-test",
	})
	leader.Start()

	require.Eventually(t, func() bool {
		return watch.promoted.Load()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, leader.Stop())
	// the demote signal is buffered in the channel before Stop returns, but
	// the watcher goroutine records it asynchronously
	require.Eventually(t, func() bool {
		return watch.demoted.Load()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Error(t, leader.IsLeader(context.Background()))

	// the lease key is gone, a new elector wins immediately
	follower, followerWatch := makeWatcher("leader2", Opts{
		Redis:    scripter,
		TTL:      200 * time.Millisecond,
		Wait:     100 * time.Millisecond,
		JitterMS: 10,
		Key:      "stop-test",
	})
	follower.Start()
	require.Eventually(t, func() bool {
		return followerWatch.promoted.Load()
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, follower.Stop())
}
