// Package model defines the core domain types shared across the vault engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/basketfi/vault-engine/internal/fix"
)

// Status is the soundness state of one collateral asset.
type Status string

const (
	// StatusSound means the peg is holding and no default timer runs.
	StatusSound Status = "SOUND"
	// StatusIffy means the peg is unconfirmed and the default timer runs.
	StatusIffy Status = "IFFY"
	// StatusDefaulted is terminal; a defaulted collateral never revives.
	StatusDefaulted Status = "DEFAULT"
)

// Event types recorded in the immutable journal.
const (
	EventIssued        = "bus_issued"
	EventRedeemed      = "bus_redeemed"
	EventTransferred   = "bus_transferred"
	EventStatusChanged = "default_status_changed"
	EventAuctionOpened = "auction_opened"
	EventBidPlaced     = "bid_placed"
	EventAuctionClosed = "auction_closed"
)

// Event is an immutable journal record. Once inserted, events are never
// modified or deleted.
type Event struct {
	ID         string          `json:"id" db:"id"`
	Type       string          `json:"type" db:"type"`
	From       string          `json:"from,omitempty" db:"from_account"`
	To         string          `json:"to,omitempty" db:"to_account"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Token      string          `json:"token,omitempty" db:"token"`
	Collateral string          `json:"collateral,omitempty" db:"collateral"`
	OldStatus  Status          `json:"old_status,omitempty" db:"old_status"`
	NewStatus  Status          `json:"new_status,omitempty" db:"new_status"`
	AuctionID  *uint64         `json:"auction_id,omitempty" db:"auction_id"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// BasketEntry is one (collateral token, quantity-per-BU) pair. Quantity is
// quoted in raw token units per whole basket unit. Basket order is fixed at
// construction; issuance amount lists are positional.
type BasketEntry struct {
	Token    string          `json:"token"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Bid is the single bid slot of an auction. A later bid overwrites an
// earlier one; there is no accumulation and no price-time priority.
type Bid struct {
	Bidder     string          `json:"bidder"`
	SellAmount decimal.Decimal `json:"sell_amount"`
	BuyAmount  decimal.Decimal `json:"buy_amount"`
}

// Auction is a single-bid sealed clearing auction. Open flips to false
// exactly once, at clear time, and never back.
type Auction struct {
	ID           uint64          `json:"id" db:"id"`
	Origin       string          `json:"origin" db:"origin"`
	SellToken    string          `json:"sell_token" db:"sell_token"`
	BuyToken     string          `json:"buy_token" db:"buy_token"`
	SellAmount   decimal.Decimal `json:"sell_amount" db:"sell_amount"`
	MinBuyAmount decimal.Decimal `json:"min_buy_amount" db:"min_buy_amount"`
	StartTime    time.Time       `json:"start_time" db:"start_time"`
	EndTime      time.Time       `json:"end_time" db:"end_time"`
	Open         bool            `json:"open" db:"open"`
	Bid          *Bid            `json:"bid,omitempty" db:"bid"`
}

// MinPrice returns the auction's implied minimum acceptable price,
// minBuyAmount / sellAmount, as a Fix.
func (a *Auction) MinPrice() (fix.Fix, error) {
	min, err := fix.New(a.MinBuyAmount)
	if err != nil {
		return fix.Fix{}, err
	}
	return min.DivRaw(a.SellAmount)
}

// Price returns the bid's implied price, buyAmount / sellAmount, as a Fix.
func (b *Bid) Price() (fix.Fix, error) {
	buy, err := fix.New(b.BuyAmount)
	if err != nil {
		return fix.Fix{}, err
	}
	return buy.DivRaw(b.SellAmount)
}
