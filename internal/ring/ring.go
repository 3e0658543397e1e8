// Package ring keeps a bounded sample of float64 observations in a Redis
// list, oldest entries evicted first.
package ring

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type Ring struct {
	client   *redis.Client
	capacity int
	key      string
}

func New(client *redis.Client, capacity int, key string) *Ring {
	return &Ring{
		client:   client,
		capacity: capacity,
		key:      "ring:" + key,
	}
}

func (r *Ring) Size(ctx context.Context) int {
	length, _ := r.client.LLen(ctx, r.key).Result()
	return int(length)
}

func (r *Ring) Add(ctx context.Context, item float64) error {
	if err := r.client.LPush(ctx, r.key, item).Err(); err != nil {
		return err
	}
	// trim rather than rotate: new samples always win
	return r.client.LTrim(ctx, r.key, 0, int64(r.capacity-1)).Err()
}

func (r *Ring) GetAll(ctx context.Context) ([]float64, error) {
	res, err := r.client.LRange(ctx, r.key, 0, int64(r.capacity)).Result()
	if err != nil {
		return []float64{}, err
	}

	result := make([]float64, 0, len(res))
	for _, raw := range res {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			log.WithError(err).Error("non-numeric sample in ring")
			continue
		}
		result = append(result, v)
	}
	return result, nil
}
