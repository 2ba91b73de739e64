package cache

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"road-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	recentEventsKey = "events:recent"
	worklistKey     = "worklist:latest"
)

// Options configures the Redis mirror.
type Options struct {
	Addr        string
	Password    string
	DB          int
	EventTTL    time.Duration
	RecentLimit int64
}

// RedisClient mirrors live session state into Redis for dashboards and other readers.
type RedisClient struct {
	client *redis.Client
	ttl    time.Duration
	limit  int64
}

func NewRedisClient(ctx context.Context, opts Options) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach Redis at %s: %w", opts.Addr, err)
	}

	limit := opts.RecentLimit
	if limit <= 0 {
		limit = 1000
	}

	return &RedisClient{
		client: client,
		ttl:    opts.EventTTL,
		limit:  limit,
	}, nil
}

func eventKey(id string) string {
	return "event:" + id
}

// MirrorEvent stores the event and indexes it by detection time. Re-mirroring an
// event after refinement overwrites it in place.
func (r *RedisClient) MirrorEvent(ctx context.Context, ev models.DetectionEvent) error {
	data, err := encode(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, eventKey(ev.ID), data, r.ttl)
		pipe.ZAdd(ctx, recentEventsKey, &redis.Z{
			Score:  float64(ev.Timestamp.UnixMilli()),
			Member: ev.ID,
		})
		// Keep only the newest entries in the index.
		pipe.ZRemRangeByRank(ctx, recentEventsKey, 0, -(r.limit + 1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store event in Redis: %w", err)
	}
	return nil
}

// MirrorWorklist replaces the published worklist.
func (r *RedisClient) MirrorWorklist(ctx context.Context, worklist []models.DefectCluster) error {
	data, err := encode(worklist)
	if err != nil {
		return fmt.Errorf("failed to encode worklist: %w", err)
	}
	if err := r.client.Set(ctx, worklistKey, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store worklist in Redis: %w", err)
	}
	return nil
}

// GetRecentEvents returns up to count events, newest first.
func (r *RedisClient) GetRecentEvents(ctx context.Context, count int64) ([]models.DetectionEvent, error) {
	ids, err := r.client.ZRevRange(ctx, recentEventsKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get recent event ids: %w", err)
	}

	var events []models.DetectionEvent
	for _, id := range ids {
		data, err := r.client.Get(ctx, eventKey(id)).Bytes()
		if err != nil {
			continue // expired
		}

		var ev models.DetectionEvent
		if err := decode(data, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

// encode uses the json tags so Redis readers see the same field names as the HTTP API.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
