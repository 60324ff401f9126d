// Package cache stores the latest kernel summary per exchange and symbol in
// Redis so other processes can read current book metrics without a feed.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cryptoterm/internal/config"
	"cryptoterm/internal/types"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Latest when nothing is stored for the key
var ErrNotFound = errors.New("cache: not found")

// DefaultTTL applies when the configured TTL is not positive
const DefaultTTL = time.Minute

// MetricsCache keeps AggregationResults as hashes at
// "metrics:{exchange}:{symbol}".
type MetricsCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to Redis and pings it. It returns nil, nil when cfg.Addr is
// empty so callers can treat the cache as optional.
func New(ctx context.Context, cfg config.RedisConfig) (*MetricsCache, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewWithClient(rdb, cfg.TTL), nil
}

// NewWithClient wraps an existing client
func NewWithClient(rdb *redis.Client, ttl time.Duration) *MetricsCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MetricsCache{rdb: rdb, ttl: ttl}
}

// Key returns the hash key for exchange and symbol
func Key(exchange, symbol string) string {
	return "metrics:" + strings.ToLower(exchange) + ":" + strings.ToUpper(symbol)
}

// SetLatest overwrites the stored summary and refreshes its TTL
func (c *MetricsCache) SetLatest(ctx context.Context, exchange, symbol string, result types.AggregationResult) error {
	key := Key(exchange, symbol)
	fields := encode(result, time.Now())

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set metrics %s: %w", key, err)
	}
	return nil
}

// Latest reads the stored summary and the time it was written
func (c *MetricsCache) Latest(ctx context.Context, exchange, symbol string) (types.AggregationResult, time.Time, error) {
	key := Key(exchange, symbol)
	vals, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return types.AggregationResult{}, time.Time{}, fmt.Errorf("redis: get metrics %s: %w", key, err)
	}
	if len(vals) == 0 {
		return types.AggregationResult{}, time.Time{}, ErrNotFound
	}
	result, ts, err := decode(vals)
	if err != nil {
		return types.AggregationResult{}, time.Time{}, fmt.Errorf("redis: parse metrics %s: %w", key, err)
	}
	return result, ts, nil
}

// Close closes the Redis connection
func (c *MetricsCache) Close() error {
	return c.rdb.Close()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func encode(r types.AggregationResult, ts time.Time) map[string]any {
	return map[string]any{
		"midPrice":    formatFloat(r.MidPrice),
		"spread":      formatFloat(r.Spread),
		"spreadPct":   formatFloat(r.SpreadPct),
		"imbalance":   formatFloat(r.Imbalance),
		"bidVwap":     formatFloat(r.BidVWAP),
		"askVwap":     formatFloat(r.AskVWAP),
		"totalBidQty": formatFloat(r.TotalBidQty),
		"totalAskQty": formatFloat(r.TotalAskQty),
		"bestBid":     formatFloat(r.BestBid),
		"bestAsk":     formatFloat(r.BestAsk),
		"ts":          strconv.FormatInt(ts.UnixNano(), 10),
	}
}

func decode(vals map[string]string) (types.AggregationResult, time.Time, error) {
	var r types.AggregationResult
	targets := []struct {
		field string
		dst   *float64
	}{
		{"midPrice", &r.MidPrice},
		{"spread", &r.Spread},
		{"spreadPct", &r.SpreadPct},
		{"imbalance", &r.Imbalance},
		{"bidVwap", &r.BidVWAP},
		{"askVwap", &r.AskVWAP},
		{"totalBidQty", &r.TotalBidQty},
		{"totalAskQty", &r.TotalAskQty},
		{"bestBid", &r.BestBid},
		{"bestAsk", &r.BestAsk},
	}
	for _, t := range targets {
		s, ok := vals[t.field]
		if !ok {
			return r, time.Time{}, fmt.Errorf("missing field %q", t.field)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return r, time.Time{}, fmt.Errorf("field %q: %w", t.field, err)
		}
		*t.dst = f
	}

	nanos, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return r, time.Time{}, fmt.Errorf("field \"ts\": %w", err)
	}
	return r, time.Unix(0, nanos), nil
}
