package collateral

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basketfi/vault-engine/internal/fix"
	"github.com/basketfi/vault-engine/internal/model"
	"github.com/basketfi/vault-engine/internal/oracle"
)

var (
	// ErrNoTargetFeed is returned by PricePerTarget when a pegged asset
	// was constructed without its target feed.
	ErrNoTargetFeed = errors.New("collateral: no target price feed configured")

	// ErrInvalidConfig is returned by New for bad construction parameters.
	ErrInvalidConfig = errors.New("collateral: invalid configuration")
)

// never is the whenDefault sentinel meaning "no default pending".
var never = time.Unix(1<<48, 0)

// Config holds the construction parameters of one collateral asset.
type Config struct {
	Units UnitChain

	// Peg is the expected target-per-reference ratio, nominally 1.
	Peg fix.Fix

	// DefaultThreshold is the tolerated relative deviation from the peg,
	// e.g. 0.05 for a 5% band.
	DefaultThreshold fix.Fix

	// DelayUntilDefault is the grace period an asset may spend iffy
	// before defaulting permanently.
	DelayUntilDefault time.Duration

	// OracleTimeout bounds the age of an acceptable feed reading.
	OracleTimeout time.Duration
}

// Collateral is the status engine for one collateral asset.
//
// The engine holds a single piece of mutable state, whenDefault: the never
// sentinel while the peg holds, otherwise the instant at which the asset
// defaults unless a refresh confirms the peg first. Once now reaches
// whenDefault the asset is permanently defaulted; Refresh becomes a no-op.
type Collateral struct {
	cfg Config

	// refAdapter prices quote/reference; targetAdapter prices
	// quote/target and is nil when the target is the quote currency.
	refAdapter    *oracle.Adapter
	targetAdapter *oracle.Adapter

	whenDefault time.Time
	last        model.Status
	now         func() time.Time

	// OnStatusChange, when set, is invoked on every status transition.
	OnStatusChange func(old, new model.Status)
}

// New constructs a collateral status engine. targetFeed may be nil only
// when the unit chain's target is the quote currency.
func New(cfg Config, refFeed, targetFeed oracle.PriceFeed) (*Collateral, error) {
	if refFeed == nil {
		return nil, ErrInvalidConfig
	}
	if targetFeed == nil && !cfg.Units.TargetIsQuote() {
		return nil, ErrInvalidConfig
	}
	if !cfg.DefaultThreshold.IsPositive() || cfg.DelayUntilDefault <= 0 || cfg.OracleTimeout <= 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.Peg.IsZero() {
		cfg.Peg = fix.One
	}

	c := &Collateral{
		cfg:         cfg,
		refAdapter:  oracle.NewAdapter(refFeed),
		whenDefault: never,
		last:        model.StatusSound,
		now:         time.Now,
	}
	if targetFeed != nil {
		c.targetAdapter = oracle.NewAdapter(targetFeed)
	}
	return c, nil
}

// NewFiat builds a collateral whose target unit is the quote currency
// itself (e.g. USDC/USD/USD/USD), priced by a single reference feed.
func NewFiat(cfg Config, refFeed oracle.PriceFeed) (*Collateral, error) {
	return New(cfg, refFeed, nil)
}

// NewPegged builds a collateral whose target differs from the quote
// currency (e.g. EURT/EUR/EUR/USD) and therefore needs a target feed.
func NewPegged(cfg Config, refFeed, targetFeed oracle.PriceFeed) (*Collateral, error) {
	return New(cfg, refFeed, targetFeed)
}

// WithClock replaces the engine's clock (and its adapters') and returns
// the engine. Tests use this to drive time deterministically.
func (c *Collateral) WithClock(now func() time.Time) *Collateral {
	c.now = now
	c.refAdapter.WithClock(now)
	if c.targetAdapter != nil {
		c.targetAdapter.WithClock(now)
	}
	return c
}

// Symbol returns the collateral token symbol.
func (c *Collateral) Symbol() string { return c.cfg.Units.Token }

// Units returns the collateral's unit chain.
func (c *Collateral) Units() UnitChain { return c.cfg.Units }

// Status derives the current status from whenDefault and the clock.
func (c *Collateral) Status() model.Status {
	return c.statusAt(c.now())
}

func (c *Collateral) statusAt(now time.Time) model.Status {
	switch {
	case c.whenDefault.Equal(never):
		return model.StatusSound
	case now.Before(c.whenDefault):
		return model.StatusIffy
	default:
		return model.StatusDefaulted
	}
}

// WhenDefault returns the pending default instant, or the far-future
// sentinel when none is pending.
func (c *Collateral) WhenDefault() time.Time { return c.whenDefault }

// Refresh re-evaluates the peg and advances the state machine. Feed
// failures are never propagated: a reading that is stale, invalid, or
// absent merely fails to confirm the peg, starting (or leaving running)
// the default timer. Once defaulted, Refresh is a no-op.
func (c *Collateral) Refresh(ctx context.Context) {
	now := c.now()
	if !now.Before(c.whenDefault) {
		// Terminal. Still announce the final IFFY→DEFAULT transition
		// the first time it is observed.
		c.noteTransition(now)
		return
	}

	ok := false
	if p1, good := c.refAdapter.TryPrice(ctx, c.cfg.OracleTimeout); good {
		p2 := fix.One
		valid := true
		if c.targetAdapter != nil {
			p2, valid = c.targetAdapter.TryPrice(ctx, c.cfg.OracleTimeout)
		}
		if valid && p2.IsPositive() {
			ok = c.pegHolds(p1, p2)
		}
	}

	if ok {
		c.whenDefault = never
	} else if cand := now.Add(c.cfg.DelayUntilDefault); cand.Before(c.whenDefault) {
		// Monotonic: a running timer is only ever shortened, never
		// pushed later by a fresh deviation.
		c.whenDefault = cand
	}

	c.noteTransition(now)
}

// noteTransition emits the status-changed notification when the derived
// status differs from the last one observed.
func (c *Collateral) noteTransition(now time.Time) {
	cur := c.statusAt(now)
	if cur == c.last {
		return
	}
	old := c.last
	c.last = cur

	slog.Info("collateral status changed",
		"collateral", c.Symbol(),
		"old", old,
		"new", cur,
		"when_default", c.whenDefault.Unix(),
	)
	if c.OnStatusChange != nil {
		c.OnStatusChange(old, cur)
	}
}

// pegHolds checks peg - delta <= p1/p2 <= peg + delta. Arithmetic failures
// count as "peg not confirmed".
func (c *Collateral) pegHolds(p1, p2 fix.Fix) bool {
	p, err := p1.Div(p2)
	if err != nil {
		return false
	}
	delta, err := c.cfg.Peg.Mul(c.cfg.DefaultThreshold)
	if err != nil {
		return false
	}
	lo, err := c.cfg.Peg.Sub(delta)
	if err != nil {
		return false
	}
	hi, err := c.cfg.Peg.Add(delta)
	if err != nil {
		return false
	}
	return lo.Lte(p) && p.Lte(hi)
}

// PricePerTarget returns the {quote/target} price. Unlike Refresh, direct
// price queries surface stale/invalid feeds as hard errors. When the
// target is the quote currency the price is exactly 1.
func (c *Collateral) PricePerTarget(ctx context.Context) (fix.Fix, error) {
	if c.targetAdapter == nil {
		if c.cfg.Units.TargetIsQuote() {
			return fix.One, nil
		}
		return fix.Fix{}, ErrNoTargetFeed
	}
	return c.targetAdapter.Price(ctx, c.cfg.OracleTimeout)
}

// StrictPrice returns the {quote/reference} price, hard-failing on
// stale or invalid feeds.
func (c *Collateral) StrictPrice(ctx context.Context) (fix.Fix, error) {
	return c.refAdapter.Price(ctx, c.cfg.OracleTimeout)
}
