// Package oracle adapts external price feeds into the fixed-point prices
// consumed by the collateral status engine.
//
// A PriceFeed is the opaque collaborator supplying timestamped readings;
// the Adapter layers staleness and validity checks on top and converts
// readings to Fix.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basketfi/vault-engine/internal/fix"
)

var (
	// ErrStalePrice is returned when the feed's last update is older
	// than the configured timeout.
	ErrStalePrice = errors.New("oracle: stale price")

	// ErrInvalidPrice is returned when the raw reading is non-positive
	// or unparsable.
	ErrInvalidPrice = errors.New("oracle: invalid price")

	// ErrNoReading is returned when the feed has never published.
	ErrNoReading = errors.New("oracle: no reading available")
)

// PriceFeed supplies the latest raw reading of one price pair, for example
// USD/USDC. Implementers must supply monotonically-timestamped readings.
type PriceFeed interface {
	Latest(ctx context.Context) (price decimal.Decimal, updatedAt time.Time, err error)
}

// Adapter wraps a feed and applies the staleness/validity policy.
type Adapter struct {
	feed PriceFeed
	now  func() time.Time
}

// NewAdapter wraps feed. The clock defaults to time.Now; tests override it
// via WithClock.
func NewAdapter(feed PriceFeed) *Adapter {
	return &Adapter{feed: feed, now: time.Now}
}

// WithClock replaces the adapter's clock and returns the adapter.
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

// Price returns the latest feed price as a Fix. It hard-fails with
// ErrStalePrice when the reading is older than timeout, and with
// ErrInvalidPrice when the reading is non-positive.
func (a *Adapter) Price(ctx context.Context, timeout time.Duration) (fix.Fix, error) {
	raw, at, err := a.feed.Latest(ctx)
	if err != nil {
		return fix.Fix{}, err
	}
	if a.now().Sub(at) > timeout {
		return fix.Fix{}, ErrStalePrice
	}
	if !raw.IsPositive() {
		return fix.Fix{}, ErrInvalidPrice
	}
	p, err := fix.New(raw)
	if err != nil {
		return fix.Fix{}, ErrInvalidPrice
	}
	return p, nil
}

// TryPrice is the non-throwing variant used by Refresh: feed failures,
// staleness and invalid readings all come back as ok=false rather than an
// error the caller would have to propagate.
func (a *Adapter) TryPrice(ctx context.Context, timeout time.Duration) (fix.Fix, bool) {
	p, err := a.Price(ctx, timeout)
	if err != nil {
		return fix.Fix{}, false
	}
	return p, true
}

// StaticFeed is an in-memory feed for tests and dev mode. Set publishes a
// reading; Fail makes subsequent reads return the given error.
type StaticFeed struct {
	price     decimal.Decimal
	updatedAt time.Time
	err       error
}

// NewStaticFeed creates a feed with no reading; reads fail with ErrNoReading
// until Set is called.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{err: ErrNoReading}
}

// Set publishes a reading with the given timestamp.
func (f *StaticFeed) Set(price decimal.Decimal, at time.Time) {
	f.price = price
	f.updatedAt = at
	f.err = nil
}

// Fail makes the feed return err on every read until the next Set.
func (f *StaticFeed) Fail(err error) {
	f.err = err
}

// Latest implements PriceFeed.
func (f *StaticFeed) Latest(_ context.Context) (decimal.Decimal, time.Time, error) {
	if f.err != nil {
		return decimal.Zero, time.Time{}, f.err
	}
	return f.price, f.updatedAt, nil
}
