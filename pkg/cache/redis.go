package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

const backendRedis = "redis"

var errStaleGeneration = errors.New("stale cache generation")

// RedisCache shares entitlement entries across replicas. Every key written
// for an organization is tracked in a per-org set so the whole organization
// can be invalidated without SCAN. Invalidation also bumps a per-org
// generation counter, and SetAt drops fills computed under an older one, so
// a slow fill on one replica cannot resurrect a row another replica just
// invalidated.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *observability.Logger
}

// RedisOptions configures NewRedisCache
type RedisOptions struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TTL        time.Duration
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(opts RedisOptions, metrics *observability.Metrics, logger *observability.Logger) (*RedisCache, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.Password != "" {
		ropts.Password = opts.Password
	}
	if opts.DB > 0 {
		ropts.DB = opts.DB
	}
	if opts.PoolSize > 0 {
		ropts.PoolSize = opts.PoolSize
	}
	if opts.MaxRetries > 0 {
		ropts.MaxRetries = opts.MaxRetries
	}
	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = 3 * time.Second
	ropts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisCacheFromClient(client, opts.TTL, metrics, logger), nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration, metrics *observability.Metrics, logger *observability.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{
		client:  client,
		ttl:     ttl,
		metrics: metrics,
		logger:  observability.OrNop(logger),
	}
}

// Client exposes the underlying client for health checks
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func entryKey(orgID int64, key string) string {
	return fmt.Sprintf("gk:ent:%d:%s", orgID, key)
}

// The index and generation live outside the gk:ent: namespace so no module
// key can collide with them.
func indexKey(orgID int64) string {
	return fmt.Sprintf("gk:idx:%d", orgID)
}

func generationKey(orgID int64) string {
	return fmt.Sprintf("gk:gen:%d", orgID)
}

// Get returns a cached entry. A corrupt value is dropped and reported as a miss.
func (c *RedisCache) Get(ctx context.Context, orgID int64, key string) (Entry, bool, error) {
	k := entryKey(orgID, key)
	data, err := c.client.Get(ctx, k).Bytes()
	if err == redis.Nil {
		c.metrics.CacheMiss(backendRedis)
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.WithError(err).WithField("key", k).Warn("Dropping corrupt cache entry")
		c.client.Del(ctx, k)
		c.metrics.CacheMiss(backendRedis)
		return Entry{}, false, nil
	}
	c.metrics.CacheHit(backendRedis)
	return entry, true, nil
}

// Set stores an entry and indexes it under its organization
func (c *RedisCache) Set(ctx context.Context, orgID int64, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		c.queueSet(ctx, pipe, orgID, key, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (c *RedisCache) queueSet(ctx context.Context, pipe redis.Pipeliner, orgID int64, key string, data []byte) {
	k := entryKey(orgID, key)
	idx := indexKey(orgID)
	pipe.Set(ctx, k, data, c.ttl)
	pipe.SAdd(ctx, idx, k)
	pipe.Expire(ctx, idx, c.ttl)
}

// Generation returns the organization's invalidation counter
func (c *RedisCache) Generation(ctx context.Context, orgID int64) (uint64, error) {
	gen, err := c.client.Get(ctx, generationKey(orgID)).Uint64()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("redis get generation failed: %w", err)
	}
	return gen, nil
}

// SetAt stores an entry only while the organization is still at gen. A fill
// that lost the race with an invalidation is dropped silently.
func (c *RedisCache) SetAt(ctx context.Context, orgID int64, gen uint64, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	genKey := generationKey(orgID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Uint64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return errStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			c.queueSet(ctx, pipe, orgID, key, data)
			return nil
		})
		return err
	}, genKey)
	if err == errStaleGeneration || err == redis.TxFailedErr {
		c.logger.WithField("organization_id", orgID).WithField("key", key).Debug("Dropping cache fill from an older generation")
		return nil
	} else if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// InvalidateOrg advances the organization's generation, then deletes every
// indexed key and the index. Bumping first means any fill not yet committed
// fails its SetAt check and any fill already committed is in the index.
func (c *RedisCache) InvalidateOrg(ctx context.Context, orgID int64) error {
	if err := c.client.Incr(ctx, generationKey(orgID)).Err(); err != nil {
		return fmt.Errorf("redis incr generation failed: %w", err)
	}

	idx := indexKey(orgID)
	keys, err := c.client.SMembers(ctx, idx).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis smembers failed: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, idx)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate failed: %w", err)
	}
	c.metrics.CacheInvalidated(backendRedis)
	return nil
}

// Close closes the client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
