package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisBucketsKey        = "buckets"
	redisBucketsSeqKey     = "buckets:seq"
	redisBodiesSuffix      = ":bytes"
	redisStoredAtSuffix    = ":stored_at"
	redisPopulatedAtSuffix = ":populated_at"
	redisBucketKeyPrefix   = "bucket:"
)

// RedisCache stores buckets in redis.
// The bucket registry is a sorted set scored by a creation sequence number,
// each bucket is a pair of hashes (bytes and stored_at) keyed by entry key.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisCache creates a cache using the given client.
// All redis keys are prefixed with prefix, so several caches can share one database.
func NewRedisCache(client redis.UniversalClient, prefix string) RedisCache {
	return RedisCache{client: client, prefix: prefix}
}

func (r RedisCache) bucketKey(name string) string {
	return r.prefix + redisBucketKeyPrefix + name
}

func (r RedisCache) Open(ctx context.Context, name string) (Bucket, error) {
	registryKey := r.prefix + redisBucketsKey
	if err := r.client.ZScore(ctx, registryKey, name).Err(); err == nil {
		return RedisBucket{cache: r, name: name}, nil
	} else if !errors.Is(err, redis.Nil) {
		return nil, err
	}
	seq, err := r.client.Incr(ctx, r.prefix+redisBucketsSeqKey).Result()
	if err != nil {
		return nil, err
	}
	// NX keeps the first sequence number if the bucket was registered concurrently
	err = r.client.ZAddNX(ctx, registryKey, redis.Z{
		Score:  float64(seq),
		Member: name,
	}).Err()
	if err != nil {
		return nil, err
	}
	return RedisBucket{cache: r, name: name}, nil
}

func (r RedisCache) Match(ctx context.Context, key string) (Entry, error) {
	names, err := r.Buckets(ctx)
	if err != nil {
		return Entry{}, err
	}
	for _, name := range names {
		entry, err := RedisBucket{cache: r, name: name}.Match(ctx, key)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return entry, err
		}
	}
	return Entry{}, ErrNotFound
}

func (r RedisCache) Buckets(ctx context.Context) ([]string, error) {
	return r.client.ZRange(ctx, r.prefix+redisBucketsKey, 0, -1).Result()
}

func (r RedisCache) Close() error {
	return r.client.Close()
}

type RedisBucket struct {
	cache RedisCache
	name  string
}

func (b RedisBucket) Name() string {
	return b.name
}

func (b RedisBucket) Match(ctx context.Context, key string) (Entry, error) {
	bucketKey := b.cache.bucketKey(b.name)
	var bytesCmd, storedAtCmd *redis.StringCmd
	_, err := b.cache.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		bytesCmd = pipe.HGet(ctx, bucketKey+redisBodiesSuffix, key)
		storedAtCmd = pipe.HGet(ctx, bucketKey+redisStoredAtSuffix, key)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	} else if err != nil {
		return Entry{}, err
	}
	body, err := bytesCmd.Bytes()
	if err != nil {
		return Entry{}, err
	}
	storedAt, err := storedAtCmd.Int64()
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, StoredAt: time.Unix(storedAt, 0), Bytes: body}, nil
}

// PutAll writes all entries and the populated marker in one MULTI/EXEC transaction.
func (b RedisBucket) PutAll(ctx context.Context, entries []Entry) error {
	bucketKey := b.cache.bucketKey(b.name)
	bodies := make(map[string]interface{}, len(entries))
	storedAt := make(map[string]interface{}, len(entries))
	for _, entry := range entries {
		bodies[entry.Key] = entry.Bytes
		storedAt[entry.Key] = strconv.FormatInt(entry.StoredAt.Unix(), 10)
	}
	_, err := b.cache.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(entries) > 0 {
			pipe.HSet(ctx, bucketKey+redisBodiesSuffix, bodies)
			pipe.HSet(ctx, bucketKey+redisStoredAtSuffix, storedAt)
		}
		pipe.Set(ctx, bucketKey+redisPopulatedAtSuffix, time.Now().Unix(), 0)
		return nil
	})
	return err
}

func (b RedisBucket) Keys(ctx context.Context, cb func(string)) error {
	keys, err := b.cache.client.HKeys(ctx, b.cache.bucketKey(b.name)+redisBodiesSuffix).Result()
	if err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (b RedisBucket) PopulatedAt(ctx context.Context) (time.Time, error) {
	populatedAt, err := b.cache.client.Get(ctx, b.cache.bucketKey(b.name)+redisPopulatedAtSuffix).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	} else if err != nil {
		return time.Time{}, err
	}
	return time.Unix(populatedAt, 0), nil
}
