// Package auction implements the single-bid batch auction market used to
// recapitalize the vault after a collateral default.
//
// Each auction sells a fixed lot of one token for a minimum amount of
// another. The market escrows the lot at initiation and every bid's payment
// at placement; settlement moves funds in one atomic batch at clear time.
//
// All monetary values use shopspring/decimal — never float64 for money.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/basketfi/vault-engine/internal/bank"
	"github.com/basketfi/vault-engine/internal/metrics"
	"github.com/basketfi/vault-engine/internal/model"
	"github.com/basketfi/vault-engine/internal/store"
	"github.com/basketfi/vault-engine/internal/stream"
)

var (
	// ErrInvalidAuction is returned by Initiate for malformed parameters.
	ErrInvalidAuction = errors.New("auction: invalid auction parameters")

	// ErrInvalidBid is returned by SetBid for malformed bids.
	ErrInvalidBid = errors.New("auction: invalid bid")

	// ErrClosed is returned when bidding on or clearing an already-closed
	// auction.
	ErrClosed = errors.New("auction: auction is closed")

	// ErrNotEnded is returned when clearing before the auction's end time.
	ErrNotEnded = errors.New("auction: auction has not ended")

	// ErrNotOrigin is returned when anyone but the initiating account
	// tries to clear.
	ErrNotOrigin = errors.New("auction: only the origin may clear")
)

// Market runs auctions against a token bank and an auction store. A single
// mutex serializes all mutations; the store's id allocator relies on that.
type Market struct {
	mu sync.Mutex

	// account is the market's escrow account at the bank.
	account string

	bank  bank.Bank
	store store.Store
	hub   *stream.Hub

	// refundSupersededBids pays an overwritten bidder back immediately.
	// When false, an overwritten bid's escrow stays with the market, which
	// matches historical behavior; bidders are expected to not overbid
	// themselves or others below the clearing price.
	refundSupersededBids bool

	now func() time.Time
}

// Option configures a Market.
type Option func(*Market)

// WithRefundSupersededBids makes the market refund a bidder whose bid is
// overwritten by a later one.
func WithRefundSupersededBids() Option {
	return func(m *Market) { m.refundSupersededBids = true }
}

// NewMarket creates an auction market escrowing funds under account.
func NewMarket(account string, bk bank.Bank, st store.Store, hub *stream.Hub, opts ...Option) (*Market, error) {
	if account == "" || bk == nil || st == nil {
		return nil, ErrInvalidAuction
	}
	m := &Market{
		account: account,
		bank:    bk,
		store:   st,
		hub:     hub,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// WithClock replaces the market's clock and returns the market.
func (m *Market) WithClock(now func() time.Time) *Market {
	m.now = now
	return m
}

// Account returns the market's escrow account.
func (m *Market) Account() string { return m.account }

// Initiate opens an auction selling sellAmount of sellToken for at least
// minBuyAmount of buyToken, escrowing the lot from origin. The auction runs
// from now until now+duration and can only be cleared after that.
func (m *Market) Initiate(ctx context.Context, origin, sellToken, buyToken string,
	sellAmount, minBuyAmount decimal.Decimal, duration time.Duration) (*model.Auction, error) {

	if origin == "" || sellToken == "" || buyToken == "" || sellToken == buyToken {
		return nil, fmt.Errorf("%w: bad tokens", ErrInvalidAuction)
	}
	if !sellAmount.IsPositive() || !minBuyAmount.IsPositive() {
		return nil, fmt.Errorf("%w: amounts must be positive", ErrInvalidAuction)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidAuction)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Escrow the lot up front so the auction is always fully funded.
	if err := m.bank.Transfer(ctx, bank.Transfer{
		Token:  sellToken,
		From:   origin,
		To:     m.account,
		Amount: sellAmount,
	}); err != nil {
		return nil, err
	}

	id, err := m.store.NextAuctionID(ctx)
	if err != nil {
		m.refund(ctx, sellToken, origin, sellAmount)
		return nil, err
	}

	now := m.now()
	a := &model.Auction{
		ID:           id,
		Origin:       origin,
		SellToken:    sellToken,
		BuyToken:     buyToken,
		SellAmount:   sellAmount,
		MinBuyAmount: minBuyAmount,
		StartTime:    now,
		EndTime:      now.Add(duration),
		Open:         true,
	}
	if err := m.store.SaveAuction(ctx, a); err != nil {
		m.refund(ctx, sellToken, origin, sellAmount)
		return nil, err
	}

	metrics.AuctionsOpenedTotal.Inc()
	m.record(ctx, model.Event{
		Type:      model.EventAuctionOpened,
		From:      origin,
		Amount:    sellAmount,
		Token:     sellToken,
		AuctionID: &a.ID,
	})
	slog.Info("auction opened",
		"id", a.ID,
		"origin", origin,
		"sell", sellToken,
		"buy", buyToken,
		"sell_amount", sellAmount,
		"min_buy_amount", minBuyAmount,
	)
	return a, nil
}

// Get returns one auction.
func (m *Market) Get(ctx context.Context, id uint64) (*model.Auction, error) {
	return m.store.GetAuction(ctx, id)
}

// List returns every auction, ordered by id.
func (m *Market) List(ctx context.Context) ([]model.Auction, error) {
	return m.store.ListAuctions(ctx)
}

// SetBid places a bid on an open auction, escrowing the bid's buy amount.
// The auction holds a single bid slot: a later bid overwrites an earlier
// one regardless of price. Bids are accepted any time before the auction is
// cleared, including after the end time; bids below the minimum price, or
// asking for more than the lot, are accepted too and simply clamp or fail
// to fill at clear time.
func (m *Market) SetBid(ctx context.Context, id uint64, b model.Bid) error {
	if b.Bidder == "" || !b.SellAmount.IsPositive() || !b.BuyAmount.IsPositive() {
		return ErrInvalidBid
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.store.GetAuction(ctx, id)
	if err != nil {
		return err
	}
	if !a.Open {
		return ErrClosed
	}

	// Escrow the payment before touching the bid slot.
	if err := m.bank.Transfer(ctx, bank.Transfer{
		Token:  a.BuyToken,
		From:   b.Bidder,
		To:     m.account,
		Amount: b.BuyAmount,
	}); err != nil {
		return err
	}

	superseded := a.Bid
	bid := b
	a.Bid = &bid
	if err := m.store.UpdateAuction(ctx, a); err != nil {
		m.refund(ctx, a.BuyToken, b.Bidder, b.BuyAmount)
		return err
	}

	if superseded != nil && m.refundSupersededBids {
		m.refund(ctx, a.BuyToken, superseded.Bidder, superseded.BuyAmount)
	}

	metrics.BidsTotal.Inc()
	m.record(ctx, model.Event{
		Type:      model.EventBidPlaced,
		From:      b.Bidder,
		Amount:    b.BuyAmount,
		Token:     a.BuyToken,
		AuctionID: &a.ID,
	})
	slog.Info("bid placed",
		"id", a.ID,
		"bidder", b.Bidder,
		"sell_amount", b.SellAmount,
		"buy_amount", b.BuyAmount,
	)
	return nil
}

// Clear settles an ended auction. Only the origin may clear, and only after
// the end time. The auction always closes: with a filling bid the lot and
// payment change hands (partially, when the bid asks for less than the
// lot); otherwise everyone is refunded.
func (m *Market) Clear(ctx context.Context, caller string, id uint64) (*model.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.store.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Open {
		return nil, ErrClosed
	}
	if caller != a.Origin {
		return nil, ErrNotOrigin
	}
	if m.now().Before(a.EndTime) {
		return nil, fmt.Errorf("%w: ends at %d", ErrNotEnded, a.EndTime.Unix())
	}

	transfers, filled, err := m.settlement(a)
	if err != nil {
		return nil, err
	}
	if err := m.bank.TransferBatch(ctx, transfers); err != nil {
		return nil, err
	}

	a.Open = false
	if err := m.store.UpdateAuction(ctx, a); err != nil {
		// Funds already moved; surface the store failure loudly rather
		// than attempting to claw transfers back.
		slog.Error("auction close update failed", "id", a.ID, "err", err)
		return nil, err
	}

	outcome := "unfilled"
	if filled {
		outcome = "filled"
	}
	metrics.AuctionsClearedTotal.WithLabelValues(outcome).Inc()
	m.record(ctx, model.Event{
		Type:      model.EventAuctionClosed,
		From:      a.Origin,
		Token:     a.SellToken,
		Amount:    a.SellAmount,
		AuctionID: &a.ID,
	})
	slog.Info("auction cleared", "id", a.ID, "outcome", outcome)
	return a, nil
}

// settlement computes the transfer batch that closes auction a.
//
// With a bid at or above the minimum price, the clearing quantity is the
// smaller of the bid's ask and the lot; the bidder pays price * quantity
// (truncated) and is refunded the rest of their escrow, and the origin gets
// back any unsold remainder. Otherwise all escrow is returned.
func (m *Market) settlement(a *model.Auction) ([]bank.Transfer, bool, error) {
	refundAll := func() []bank.Transfer {
		ts := []bank.Transfer{{
			Token:  a.SellToken,
			From:   m.account,
			To:     a.Origin,
			Amount: a.SellAmount,
		}}
		if a.Bid != nil {
			ts = append(ts, bank.Transfer{
				Token:  a.BuyToken,
				From:   m.account,
				To:     a.Bid.Bidder,
				Amount: a.Bid.BuyAmount,
			})
		}
		return ts
	}

	if a.Bid == nil {
		return refundAll(), false, nil
	}

	minPrice, err := a.MinPrice()
	if err != nil {
		return nil, false, err
	}
	bidPrice, err := a.Bid.Price()
	if err != nil {
		return nil, false, err
	}
	if bidPrice.Lt(minPrice) {
		return refundAll(), false, nil
	}

	clearingSell := decimal.Min(a.Bid.SellAmount, a.SellAmount)
	clearingBuyFix, err := bidPrice.MulRaw(clearingSell)
	if err != nil {
		return nil, false, err
	}
	clearingBuy := clearingBuyFix.Floor()

	ts := []bank.Transfer{
		{Token: a.SellToken, From: m.account, To: a.Bid.Bidder, Amount: clearingSell},
		{Token: a.BuyToken, From: m.account, To: a.Origin, Amount: clearingBuy},
	}
	if rest := a.SellAmount.Sub(clearingSell); rest.IsPositive() {
		ts = append(ts, bank.Transfer{
			Token: a.SellToken, From: m.account, To: a.Origin, Amount: rest,
		})
	}
	if rest := a.Bid.BuyAmount.Sub(clearingBuy); rest.IsPositive() {
		ts = append(ts, bank.Transfer{
			Token: a.BuyToken, From: m.account, To: a.Bid.Bidder, Amount: rest,
		})
	}
	return ts, true, nil
}

// refund returns escrowed funds on a failed operation. A refund failure is
// logged, not propagated; the caller's original error matters more.
func (m *Market) refund(ctx context.Context, token, to string, amount decimal.Decimal) {
	if err := m.bank.Transfer(ctx, bank.Transfer{
		Token:  token,
		From:   m.account,
		To:     to,
		Amount: amount,
	}); err != nil {
		slog.Error("escrow refund failed", "token", token, "to", to, "amount", amount, "err", err)
	}
}

// record journals an event and broadcasts it. Journal failures are logged,
// not propagated.
func (m *Market) record(ctx context.Context, e model.Event) {
	e.ID = uuid.New().String()
	e.Timestamp = m.now().UTC()
	if err := m.store.InsertEvent(ctx, &e); err != nil {
		slog.Warn("journal insert failed", "type", e.Type, "err", err)
	}
	msg := stream.Message{
		Type:   e.Type,
		From:   e.From,
		Amount: e.Amount.String(),
		Token:  e.Token,
	}
	if e.AuctionID != nil {
		msg.AuctionID = fmt.Sprintf("%d", *e.AuctionID)
	}
	m.hub.Broadcast(msg)
}
