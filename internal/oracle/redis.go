package oracle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisFeed reads prices published by an external price writer into Redis.
// Each pair is stored as a hash at key "price:{pair}" with fields "price"
// (decimal string) and "ts" (Unix nanosecond timestamp).
type RedisFeed struct {
	rdb  *redis.Client
	pair string
}

// NewRedisFeed creates a feed for one price pair, e.g. "USD/USDC".
func NewRedisFeed(rdb *redis.Client, pair string) *RedisFeed {
	return &RedisFeed{rdb: rdb, pair: pair}
}

func priceKey(pair string) string { return "price:" + pair }

// Latest implements PriceFeed.
func (f *RedisFeed) Latest(ctx context.Context) (decimal.Decimal, time.Time, error) {
	vals, err := f.rdb.HGetAll(ctx, priceKey(f.pair)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis feed %s: %w", f.pair, err)
	}
	if len(vals) == 0 {
		return decimal.Zero, time.Time{}, ErrNoReading
	}

	price, err := decimal.NewFromString(vals["price"])
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis feed %s: %w", f.pair, ErrInvalidPrice)
	}
	ns, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis feed %s: %w", f.pair, ErrInvalidPrice)
	}
	return price, time.Unix(0, ns), nil
}

// Publish writes a reading, for use by price publishers and tests.
func (f *RedisFeed) Publish(ctx context.Context, price decimal.Decimal, at time.Time) error {
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(at.UnixNano(), 10),
	}
	if err := f.rdb.HSet(ctx, priceKey(f.pair), fields).Err(); err != nil {
		return fmt.Errorf("redis feed %s: publish: %w", f.pair, err)
	}
	return nil
}
