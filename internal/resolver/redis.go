// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wneessen/geohashd/internal/geohash"
	"github.com/wneessen/geohashd/internal/logger"
	"github.com/wneessen/geohashd/internal/metrics"
)

const (
	redisKeyPrefix = "geohashd:"
	tierRedis      = "redis"
)

// Redis is a shared resolution cache for multiple service instances. Redis failures never
// surface to the caller; the lookup falls through to the wrapped Lookup instead.
type Redis struct {
	lookup Lookup
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

func NewRedis(lookup Lookup, client *redis.Client, ttl time.Duration, log *logger.Logger) *Redis {
	return &Redis{
		lookup: lookup,
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

// OpenRedis returns a client for the Redis server at addr.
func OpenRedis(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func (r *Redis) Name() string {
	return "redis cache using " + r.lookup.Name()
}

func (r *Redis) Resolve(ctx context.Context, key geohash.Key) (Result, error) {
	cacheKey := redisKeyPrefix + key.String()

	payload, err := r.client.Get(ctx, cacheKey).Bytes()
	switch {
	case err == nil:
		var result Result
		if err = json.Unmarshal(payload, &result); err == nil {
			metrics.CacheHitsTotal.WithLabelValues(tierRedis).Inc()
			result.CacheHit = true
			return result, nil
		}
		r.log.Warn("discarding undecodable cached resolution", slog.String("key", cacheKey), logger.Err(err))
	case errors.Is(err, redis.Nil):
	default:
		r.log.Warn("redis lookup failed, resolving from spatial table", slog.String("key", cacheKey), logger.Err(err))
	}
	metrics.CacheMissesTotal.WithLabelValues(tierRedis).Inc()

	result, err := r.lookup.Resolve(ctx, key)
	if err != nil {
		return result, err
	}

	stored := result
	stored.CacheHit = false
	if payload, err = json.Marshal(stored); err != nil {
		r.log.Warn("failed to encode resolution for redis", slog.String("key", cacheKey), logger.Err(err))
		return result, nil
	}
	if err = r.client.Set(ctx, cacheKey, payload, r.ttl).Err(); err != nil {
		r.log.Warn("failed to store resolution in redis", slog.String("key", cacheKey), logger.Err(err))
	}
	return result, nil
}
