package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type timingSample struct {
	taskType string
	duration time.Duration
}

type flushFunc func(samples []timingSample) error

// TimingWriter buffers per-task processing durations and flushes them in
// bulk so timing bookkeeping never sits on the message hot path.
type TimingWriter struct {
	ticker    *time.Ticker
	tickerCh  <-chan time.Time
	buf       []timingSample
	data      chan timingSample
	closeLock sync.Mutex
	closed    bool
	quit      chan bool
	flush     flushFunc
}

func newTimingWriter(flushInterval time.Duration, flush flushFunc) *TimingWriter {
	w := &TimingWriter{
		buf:      make([]timingSample, 0),
		data:     make(chan timingSample),
		quit:     make(chan bool),
		flush:    flush,
		tickerCh: make(chan time.Time),
	}

	if flushInterval > 0 {
		w.ticker = time.NewTicker(flushInterval)
		w.tickerCh = w.ticker.C
	}

	go w.processor()

	return w
}

// NewRedisTimingWriter flushes aggregated counts and total durations into a
// Redis hash, fields "{type}:count" and "{type}:total_ns".
func NewRedisTimingWriter(client *redis.Client, key string, flushInterval time.Duration) *TimingWriter {
	return newTimingWriter(flushInterval, func(samples []timingSample) error {
		ctx := context.Background()
		pipe := client.Pipeline()
		for _, s := range samples {
			pipe.HIncrBy(ctx, key, s.taskType+":count", 1)
			pipe.HIncrBy(ctx, key, s.taskType+":total_ns", s.duration.Nanoseconds())
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (w *TimingWriter) processor() {
	for {
		select {
		case s := <-w.data:
			w.buf = append(w.buf, s)
		case <-w.tickerCh:
			w.doFlush()
		case <-w.quit:
			w.doFlush()
			return
		}
	}
}

// Store records one sample. Safe to call concurrently.
func (w *TimingWriter) Store(taskType string, d time.Duration) error {
	if w.closed {
		return errors.New("writing on a closed TimingWriter")
	}
	w.data <- timingSample{taskType: taskType, duration: d}
	return nil
}

func (w *TimingWriter) doFlush() {
	if len(w.buf) == 0 {
		return
	}
	if err := w.flush(w.buf); err != nil {
		log.WithError(err).Error("error while flushing timings")
	}
	w.buf = w.buf[:0]
}

func (w *TimingWriter) Close() {
	w.closeLock.Lock()
	defer w.closeLock.Unlock()

	if w.closed {
		log.Error("closing a closed TimingWriter")
		return
	}
	w.closed = true

	close(w.quit)
	if w.ticker != nil {
		w.ticker.Stop()
	}
}

// TimingStat is one task type's aggregate from the timing hash.
type TimingStat struct {
	Count   int64
	Average time.Duration
}

// ReadTimings loads the aggregates written by NewRedisTimingWriter.
func ReadTimings(ctx context.Context, client *redis.Client, key string) (map[string]TimingStat, error) {
	fields, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	totals := make(map[string]int64)
	for field, raw := range fields {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case len(field) > 6 && field[len(field)-6:] == ":count":
			counts[field[:len(field)-6]] = v
		case len(field) > 9 && field[len(field)-9:] == ":total_ns":
			totals[field[:len(field)-9]] = v
		}
	}

	stats := make(map[string]TimingStat, len(counts))
	for taskType, count := range counts {
		if count == 0 {
			continue
		}
		stats[taskType] = TimingStat{
			Count:   count,
			Average: time.Duration(totals[taskType] / count),
		}
	}
	return stats, nil
}
