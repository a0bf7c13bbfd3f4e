package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"ves-rates/internal/config"
	"ves-rates/internal/storage"
)

const scanBatch = 100

// Rates serves ListCurrent from redis and falls through to the wrapped reader
// on a miss. Concurrent misses for one filter share a single store query.
// History and stats calls go straight to the wrapped reader.
type Rates struct {
	storage.QuoteReader

	client *redis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
	group  singleflight.Group
}

// NewClient builds a redis client from configuration.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRates wraps reader with a redis backed cache of current rates.
func NewRates(reader storage.QuoteReader, client *redis.Client, cfg config.RedisConfig, logger zerolog.Logger) *Rates {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "vesrates"
	}
	return &Rates{
		QuoteReader: reader,
		client:      client,
		ttl:         ttl,
		prefix:      prefix,
		logger:      logger.With().Str("component", "cache").Logger(),
	}
}

func (c *Rates) key(filter storage.RateFilter) string {
	return fmt.Sprintf("%s:rates:%s|%s", c.prefix, filter.ExchangeCode, filter.CurrencyPair)
}

// ListCurrent returns cached rows for filter, loading and caching them on a miss.
// Redis failures degrade to a direct store read.
func (c *Rates) ListCurrent(ctx context.Context, filter storage.RateFilter) ([]storage.Rate, error) {
	key := c.key(filter)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rates []storage.Rate
		decodeErr := json.Unmarshal(raw, &rates)
		if decodeErr == nil {
			c.logger.Debug().Str("key", key).Msg("cache hit")
			return rates, nil
		}
		c.logger.Warn().Err(decodeErr).Str("key", key).Msg("discarding undecodable cache entry")
	case errors.Is(err, redis.Nil):
		c.logger.Debug().Str("key", key).Msg("cache miss")
	default:
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		rates, loadErr := c.QuoteReader.ListCurrent(ctx, filter)
		if loadErr != nil {
			return nil, loadErr
		}
		c.store(ctx, key, rates)
		return rates, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]storage.Rate), nil
}

func (c *Rates) store(ctx context.Context, key string, rates []storage.Rate) {
	payload, err := json.Marshal(rates)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("encode cache entry")
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Invalidate drops every cached current-rates entry.
func (c *Rates) Invalidate(ctx context.Context) error {
	pattern := c.prefix + ":rates:*"
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete cache keys: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping checks redis connectivity.
func (c *Rates) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
