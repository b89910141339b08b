// Package oracle supplies the quote-currency to USD conversion rate used
// for USD-denominated statistics.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Oracle returns the current USD value of one unit of quote currency.
type Oracle interface {
	QuoteToUSD(ctx context.Context) (decimal.Decimal, error)
}

// Publisher is an oracle whose rate can be updated at runtime.
type Publisher interface {
	Oracle
	SetQuoteToUSD(ctx context.Context, rate decimal.Decimal) error
}

// ErrReadOnly is returned when updating an oracle that is not a Publisher.
var ErrReadOnly = errors.New("oracle: rate is fixed by configuration")

// Static is a fixed conversion rate.
type Static struct {
	rate decimal.Decimal
}

// NewStatic creates an oracle that always returns rate.
func NewStatic(rate decimal.Decimal) *Static {
	return &Static{rate: rate}
}

func (s *Static) QuoteToUSD(context.Context) (decimal.Decimal, error) {
	if !s.rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("oracle: rate must be positive, got %s", s.rate)
	}
	return s.rate, nil
}

// Redis reads the rate from a Redis key written by an external price feed.
// A missing, unreadable or invalid value falls back to the static rate.
type Redis struct {
	rdb      *redis.Client
	key      string
	fallback *Static
}

// NewRedis creates a Redis-backed oracle.
func NewRedis(rdb *redis.Client, key string, fallback decimal.Decimal) *Redis {
	return &Redis{rdb: rdb, key: key, fallback: NewStatic(fallback)}
}

func (r *Redis) QuoteToUSD(ctx context.Context) (decimal.Decimal, error) {
	val, err := r.rdb.Get(ctx, r.key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("oracle read failed, using fallback rate", "key", r.key, "error", err)
		}
		return r.fallback.QuoteToUSD(ctx)
	}

	rate, err := ParseRate(val)
	if err != nil {
		slog.Warn("oracle value invalid, using fallback rate", "key", r.key, "value", val, "error", err)
		return r.fallback.QuoteToUSD(ctx)
	}
	return rate, nil
}

// SetQuoteToUSD publishes a new rate.
func (r *Redis) SetQuoteToUSD(ctx context.Context, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("oracle: rate must be positive, got %s", rate)
	}
	return r.rdb.Set(ctx, r.key, rate.String(), 0).Err()
}

// ParseRate parses a positive decimal rate.
func ParseRate(s string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: parse rate %q: %w", s, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("oracle: rate must be positive, got %s", rate)
	}
	return rate, nil
}
