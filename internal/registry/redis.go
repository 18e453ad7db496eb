package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/1ureka/mtcp/internal/config"
)

const (
	keyPrefix    = "mtcp:streams:"
	instancesKey = "mtcp:instances"
	keyTTL       = 24 * time.Hour
)

// redisStore keeps one hash per server instance: field = stream id, value = JSON Entry.
type redisStore struct {
	client   *redis.Client
	instance string
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(cfg config.RedisConfig, instance string) (Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if err := rdb.SAdd(ctx, instancesKey, instance).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis register instance: %w", err)
	}
	return &redisStore{client: rdb, instance: instance}, nil
}

var _ Store = (*redisStore)(nil)

func (r *redisStore) key() string { return keyPrefix + r.instance }

func (r *redisStore) Put(ctx context.Context, e Entry) error {
	e.Instance = r.instance
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal stream entry: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key(), strconv.FormatUint(uint64(e.StreamID), 10), data)
	pipe.Expire(ctx, r.key(), keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put stream %d: %w", e.StreamID, err)
	}
	return nil
}

func (r *redisStore) Delete(ctx context.Context, streamID uint32) error {
	if err := r.client.HDel(ctx, r.key(), strconv.FormatUint(uint64(streamID), 10)).Err(); err != nil {
		return fmt.Errorf("redis delete stream %d: %w", streamID, err)
	}
	return nil
}

// List returns the open streams of every registered instance.
func (r *redisStore) List(ctx context.Context) ([]Entry, error) {
	instances, err := r.client.SMembers(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list instances: %w", err)
	}
	var out []Entry
	for _, inst := range instances {
		fields, err := r.client.HGetAll(ctx, keyPrefix+inst).Result()
		if err != nil {
			return nil, fmt.Errorf("redis list streams of %s: %w", inst, err)
		}
		for _, raw := range fields {
			var e Entry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				continue
			}
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// Close removes this instance's streams and deregisters it.
func (r *redisStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = r.client.Del(ctx, r.key()).Err()
	_ = r.client.SRem(ctx, instancesKey, r.instance).Err()
	return r.client.Close()
}
