// Package collateral implements the per-asset default-detection state
// machine and the unit-of-account bookkeeping behind it.
package collateral

import (
	"errors"
	"fmt"
	"regexp"
)

// chainRegex matches: {TOKEN}/{REFERENCE}/{TARGET}/{QUOTE}
// Example: EURT/EUR/EUR/USD — the EURT token tracks EUR, EUR is its own
// target unit, and targets are priced in USD.
var chainRegex = regexp.MustCompile(
	`^([A-Z0-9]+)/([A-Z]+)/([A-Z]+)/([A-Z]+)$`,
)

// ErrInvalidUnitChain is returned for malformed unit-chain strings.
var ErrInvalidUnitChain = errors.New("collateral: invalid unit chain")

// UnitChain names the unit-of-account layers of one collateral asset:
// the token tracks a reference unit, the reference is expected pegged to a
// target unit, and targets are priced in the quote currency.
type UnitChain struct {
	Token     string `json:"token"`
	Reference string `json:"reference"`
	Target    string `json:"target"`
	Quote     string `json:"quote"`
}

// ParseUnitChain parses and validates a unit-chain string.
// Format: {TOKEN}/{REFERENCE}/{TARGET}/{QUOTE}
func ParseUnitChain(s string) (UnitChain, error) {
	matches := chainRegex.FindStringSubmatch(s)
	if matches == nil {
		return UnitChain{}, fmt.Errorf("%w: %s (expected TOKEN/REF/TARGET/QUOTE)",
			ErrInvalidUnitChain, s)
	}
	return UnitChain{
		Token:     matches[1],
		Reference: matches[2],
		Target:    matches[3],
		Quote:     matches[4],
	}, nil
}

// TargetIsQuote reports whether the target unit is the quote currency
// itself, in which case no target price feed is needed and the implied
// quote/target price is exactly 1.
func (u UnitChain) TargetIsQuote() bool {
	return u.Target == u.Quote
}

// String renders the chain back to TOKEN/REF/TARGET/QUOTE form.
func (u UnitChain) String() string {
	return u.Token + "/" + u.Reference + "/" + u.Target + "/" + u.Quote
}
