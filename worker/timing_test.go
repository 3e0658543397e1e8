package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimingWriter_Flush(t *testing.T) {
	c := make(chan bool)
	want := timingSample{taskType: "general", duration: 100 * time.Millisecond}

	w := newTimingWriter(time.Millisecond, func(samples []timingSample) error {
		assert.Equal(t, want, samples[0])
		c <- true
		return nil
	})

	require.NoError(t, w.Store(want.taskType, want.duration))

	<-c
}

func TestTimingWriter_Close(t *testing.T) {
	w := newTimingWriter(time.Millisecond, func(samples []timingSample) error {
		return nil
	})

	w.Close()

	assert.True(t, w.closed)
	assert.Error(t, w.Store("general", time.Second))
}

func TestRedisTimingWriter_RoundTrip(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	w := NewRedisTimingWriter(client, "test:timing", time.Millisecond)
	require.NoError(t, w.Store("general", 100*time.Millisecond))
	require.NoError(t, w.Store("general", 300*time.Millisecond))
	require.NoError(t, w.Store("pm", time.Second))

	require.Eventually(t, func() bool {
		stats, err := ReadTimings(context.Background(), client, "test:timing")
		return err == nil && stats["general"].Count == 2 && stats["pm"].Count == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats, err := ReadTimings(context.Background(), client, "test:timing")
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, stats["general"].Average)
	assert.Equal(t, time.Second, stats["pm"].Average)
}
