package auction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basketfi/vault-engine/internal/bank"
	"github.com/basketfi/vault-engine/internal/model"
	"github.com/basketfi/vault-engine/internal/store"
)

const escrowAccount = "market"

type marketFixture struct {
	market *Market
	bank   *bank.MemoryBank
	store  *store.MemoryStore
	clock  *manualClock
}

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newMarketFixture(t *testing.T, opts ...Option) *marketFixture {
	t.Helper()
	clock := &manualClock{t: time.Unix(1000, 0)}
	bk := bank.NewMemoryBank()
	st := store.NewMemoryStore()
	m, err := NewMarket(escrowAccount, bk, st, nil, opts...)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	m.WithClock(clock.Now)
	return &marketFixture{market: m, bank: bk, store: st, clock: clock}
}

func (f *marketFixture) balance(t *testing.T, token, holder string) decimal.Decimal {
	t.Helper()
	bal, err := f.bank.BalanceOf(context.Background(), token, holder)
	if err != nil {
		t.Fatalf("balance of %s/%s: %v", token, holder, err)
	}
	return bal
}

// openAuction initiates a standard lot: 1000 TOKA for at least 900 USDC,
// running for one hour.
func (f *marketFixture) openAuction(t *testing.T) *model.Auction {
	t.Helper()
	f.bank.Mint("TOKA", "vault", decimal.NewFromInt(1000))
	a, err := f.market.Initiate(context.Background(), "vault", "TOKA", "USDC",
		decimal.NewFromInt(1000), decimal.NewFromInt(900), time.Hour)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return a
}

func TestInitiateEscrowsLot(t *testing.T) {
	f := newMarketFixture(t)
	a := f.openAuction(t)

	if a.ID != 0 {
		t.Fatalf("first auction id = %d, want 0", a.ID)
	}
	if !a.Open {
		t.Fatal("new auction should be open")
	}
	if got := f.balance(t, "TOKA", escrowAccount); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("escrow = %s, want 1000", got)
	}
	if got := f.balance(t, "TOKA", "vault"); !got.IsZero() {
		t.Fatalf("vault TOKA = %s, want 0", got)
	}
	if !a.EndTime.Equal(f.clock.t.Add(time.Hour)) {
		t.Fatalf("end time = %v, want start + 1h", a.EndTime)
	}
}

func TestAuctionIDsAreMonotonic(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	f.bank.Mint("TOKA", "vault", decimal.NewFromInt(30))

	for want := uint64(0); want < 3; want++ {
		a, err := f.market.Initiate(ctx, "vault", "TOKA", "USDC",
			decimal.NewFromInt(10), decimal.NewFromInt(9), time.Hour)
		if err != nil {
			t.Fatalf("initiate: %v", err)
		}
		if a.ID != want {
			t.Fatalf("auction id = %d, want %d", a.ID, want)
		}
	}
}

func TestInitiateValidation(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		origin   string
		sell     string
		buy      string
		sellAmt  int64
		minBuy   int64
		duration time.Duration
	}{
		{"same token", "vault", "TOKA", "TOKA", 10, 9, time.Hour},
		{"zero sell", "vault", "TOKA", "USDC", 0, 9, time.Hour},
		{"zero min buy", "vault", "TOKA", "USDC", 10, 0, time.Hour},
		{"zero duration", "vault", "TOKA", "USDC", 10, 9, 0},
		{"no origin", "", "TOKA", "USDC", 10, 9, time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.market.Initiate(ctx, tc.origin, tc.sell, tc.buy,
				decimal.NewFromInt(tc.sellAmt), decimal.NewFromInt(tc.minBuy), tc.duration)
			if !errors.Is(err, ErrInvalidAuction) {
				t.Fatalf("err = %v, want ErrInvalidAuction", err)
			}
		})
	}

	// An unfunded origin cannot open an auction.
	_, err := f.market.Initiate(ctx, "pauper", "TOKA", "USDC",
		decimal.NewFromInt(10), decimal.NewFromInt(9), time.Hour)
	if !errors.Is(err, bank.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want insufficient funds", err)
	}
}

func TestFullFill(t *testing.T) {
	// Lot of 1000 at min price 0.9; a bid of 950 for the full lot clears
	// at 0.95.
	f := newMarketFixture(t)
	ctx := context.Background()
	a := f.openAuction(t)

	f.bank.Mint("USDC", "bidder", decimal.NewFromInt(950))
	err := f.market.SetBid(ctx, a.ID, model.Bid{
		Bidder:     "bidder",
		SellAmount: decimal.NewFromInt(1000),
		BuyAmount:  decimal.NewFromInt(950),
	})
	if err != nil {
		t.Fatalf("set bid: %v", err)
	}
	if got := f.balance(t, "USDC", escrowAccount); !got.Equal(decimal.NewFromInt(950)) {
		t.Fatalf("bid escrow = %s, want 950", got)
	}

	f.clock.Advance(time.Hour)
	cleared, err := f.market.Clear(ctx, "vault", a.ID)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared.Open {
		t.Fatal("cleared auction should be closed")
	}

	if got := f.balance(t, "TOKA", "bidder"); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("bidder TOKA = %s, want 1000", got)
	}
	if got := f.balance(t, "USDC", "vault"); !got.Equal(decimal.NewFromInt(950)) {
		t.Fatalf("vault USDC = %s, want 950", got)
	}
	if got := f.balance(t, "TOKA", escrowAccount); !got.IsZero() {
		t.Fatalf("escrow TOKA = %s, want 0", got)
	}
	if got := f.balance(t, "USDC", escrowAccount); !got.IsZero() {
		t.Fatalf("escrow USDC = %s, want 0", got)
	}
}

func TestBidBelowMinPriceDoesNotFill(t *testing.T) {
	// A bid at 0.8 against a 0.9 minimum is accepted but never fills;
	// clearing refunds everyone in full.
	f := newMarketFixture(t)
	ctx := context.Background()
	a := f.openAuction(t)

	f.bank.Mint("USDC", "bidder", decimal.NewFromInt(800))
	err := f.market.SetBid(ctx, a.ID, model.Bid{
		Bidder:     "bidder",
		SellAmount: decimal.NewFromInt(1000),
		BuyAmount:  decimal.NewFromInt(800),
	})
	if err != nil {
		t.Fatalf("set bid: %v", err)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.market.Clear(ctx, "vault", a.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if got := f.balance(t, "TOKA", "vault"); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("vault TOKA = %s, want full refund 1000", got)
	}
	if got := f.balance(t, "USDC", "bidder"); !got.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("bidder USDC = %s, want full refund 800", got)
	}
	if got := f.balance(t, "TOKA", escrowAccount); !got.IsZero() {
		t.Fatalf("escrow TOKA = %s, want 0", got)
	}
}

func TestNoBidRefundsOrigin(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	a := f.openAuction(t)

	f.clock.Advance(time.Hour)
	if _, err := f.market.Clear(ctx, "vault", a.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := f.balance(t, "TOKA", "vault"); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("vault TOKA = %s, want 1000", got)
	}
}

func TestPartialFill(t *testing.T) {
	// A bid for 400 of the 1000 lot at 0.95 clears 400; the origin gets
	// the 600 remainder back alongside the 380 payment.
	f := newMarketFixture(t)
	ctx := context.Background()
	a := f.openAuction(t)

	f.bank.Mint("USDC", "bidder", decimal.NewFromInt(380))
	err := f.market.SetBid(ctx, a.ID, model.Bid{
		Bidder:     "bidder",
		SellAmount: decimal.NewFromInt(400),
		BuyAmount:  decimal.NewFromInt(380),
	})
	if err != nil {
		t.Fatalf("set bid: %v", err)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.market.Clear(ctx, "vault", a.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if got := f.balance(t, "TOKA", "bidder"); !got.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("bidder TOKA = %s, want 400", got)
	}
	if got := f.balance(t, "TOKA", "vault"); !got.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("vault TOKA remainder = %s, want 600", got)
	}
	if got := f.balance(t, "USDC", "vault"); !got.Equal(decimal.NewFromInt(380)) {
		t.Fatalf("vault USDC = %s, want 380", got)
	}
}

func TestOversizedBidClampedAtClear(t *testing.T) {
	// A bid asking for twice the lot is accepted; clearing clamps the
	// quantity to the lot and refunds the unused payment escrow.
	f := newMarketFixture(t)
	ctx := context.Background()
	a := f.openAuction(t)

	f.bank.Mint("USDC", "bidder", decimal.NewFromInt(1900))
	err := f.market.SetBid(ctx, a.ID, model.Bid{
		Bidder:     "bidder",
		SellAmount: decimal.NewFromInt(2000),
		BuyAmount:  decimal.NewFromInt(1900),
	})
	if err != nil {
		t.Fatalf("set bid: %v", err)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.market.Clear(ctx, "vault", a.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	// price = 1900/2000 = 0.95; clearing sell = min(2000, 1000) = 1000,
	// clearing buy = 950, and the other 950 of escrow returns.
	if got := f.balance(t, "TOKA", "bidder"); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("bidder TOKA = %s, want clamped 1000", got)
	}
	if got := f.balance(t, "USDC", "vault"); !got.Equal(decimal.NewFromInt(950)) {
		t.Fatalf("vault USDC = %s, want 950", got)
	}
	if got := f.balance(t, "USDC", "bidder"); !got.Equal(decimal.NewFromInt(950)) {
		t.Fatalf("bidder USDC refund = %s, want 950", got)
	}
	if got := f.balance(t, "USDC", escrowAccount); !got.IsZero() {
		t.Fatalf("escrow USDC = %s, want 0", got)
	}
}

func TestClearBeforeEndFails(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	a := f.openAuction(t)

	// One second before the end.
	f.clock.Advance(time.Hour - time.Second)
	_, err := f.market.Clear(ctx, "vault", a.ID)
	if !errors.Is(err, ErrNotEnded) {
		t.Fatalf("err = %v, want ErrNotEnded", err)
	}

	// Exactly at the end is allowed.
	f.clock.Advance(time.Second)
	if _, err := f.market.Clear(ctx, "vault", a.ID); err != nil {
		t.Fatalf("clear at end: %v", err)
	}
}

func TestOnlyOriginMayClear(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	a := f.openAuction(t)

	f.clock.Advance(time.Hour)
	_, err := f.market.Clear(ctx, "mallory", a.ID)
	if !errors.Is(err, ErrNotOrigin) {
		t.Fatalf("err = %v, want ErrNotOrigin", err)
	}
}

func TestDoubleClearFails(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	a := f.openAuction(t)

	f.clock.Advance(time.Hour)
	if _, err := f.market.Clear(ctx, "vault", a.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	_, err := f.market.Clear(ctx, "vault", a.ID)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestBidAfterEndTimeBeforeClear(t *testing.T) {
	// The end time gates clearing, not bidding: a bid landing between the
	// end time and the clear call is accepted and can fill.
	f := newMarketFixture(t)
	ctx := context.Background()
	a := f.openAuction(t)

	f.clock.Advance(2 * time.Hour)
	f.bank.Mint("USDC", "bidder", decimal.NewFromInt(950))
	err := f.market.SetBid(ctx, a.ID, model.Bid{
		Bidder:     "bidder",
		SellAmount: decimal.NewFromInt(1000),
		BuyAmount:  decimal.NewFromInt(950),
	})
	if err != nil {
		t.Fatalf("set bid after end time: %v", err)
	}

	if _, err := f.market.Clear(ctx, "vault", a.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := f.balance(t, "TOKA", "bidder"); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("bidder TOKA = %s, want 1000", got)
	}
	if got := f.balance(t, "USDC", "vault"); !got.Equal(decimal.NewFromInt(950)) {
		t.Fatalf("vault USDC = %s, want 950", got)
	}

	// A closed auction no longer takes bids.
	err = f.market.SetBid(ctx, a.ID, model.Bid{
		Bidder:     "late",
		SellAmount: decimal.NewFromInt(10),
		BuyAmount:  decimal.NewFromInt(10),
	})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestBidValidation(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	a := f.openAuction(t)

	// Zero amounts.
	err := f.market.SetBid(ctx, a.ID, model.Bid{Bidder: "bidder"})
	if !errors.Is(err, ErrInvalidBid) {
		t.Fatalf("err = %v, want ErrInvalidBid", err)
	}

	// Unknown auction.
	err = f.market.SetBid(ctx, 42, model.Bid{
		Bidder:     "bidder",
		SellAmount: decimal.NewFromInt(10),
		BuyAmount:  decimal.NewFromInt(10),
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSupersededBidIsStrandedByDefault(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	a := f.openAuction(t)

	f.bank.Mint("USDC", "first", decimal.NewFromInt(910))
	f.bank.Mint("USDC", "second", decimal.NewFromInt(950))

	bid := func(bidder string, buy int64) {
		t.Helper()
		err := f.market.SetBid(ctx, a.ID, model.Bid{
			Bidder:     bidder,
			SellAmount: decimal.NewFromInt(1000),
			BuyAmount:  decimal.NewFromInt(buy),
		})
		if err != nil {
			t.Fatalf("set bid: %v", err)
		}
	}
	bid("first", 910)
	bid("second", 950)

	// The first bidder's escrow is not returned.
	if got := f.balance(t, "USDC", "first"); !got.IsZero() {
		t.Fatalf("first bidder USDC = %s, want 0 (stranded)", got)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.market.Clear(ctx, "vault", a.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := f.balance(t, "TOKA", "second"); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("second bidder TOKA = %s, want 1000", got)
	}
	// The stranded 910 stays with the market escrow account.
	if got := f.balance(t, "USDC", escrowAccount); !got.Equal(decimal.NewFromInt(910)) {
		t.Fatalf("escrow USDC = %s, want stranded 910", got)
	}
}

func TestSupersededBidRefundOption(t *testing.T) {
	f := newMarketFixture(t, WithRefundSupersededBids())
	ctx := context.Background()
	a := f.openAuction(t)

	f.bank.Mint("USDC", "first", decimal.NewFromInt(910))
	f.bank.Mint("USDC", "second", decimal.NewFromInt(950))

	err := f.market.SetBid(ctx, a.ID, model.Bid{
		Bidder:     "first",
		SellAmount: decimal.NewFromInt(1000),
		BuyAmount:  decimal.NewFromInt(910),
	})
	if err != nil {
		t.Fatalf("set bid: %v", err)
	}
	err = f.market.SetBid(ctx, a.ID, model.Bid{
		Bidder:     "second",
		SellAmount: decimal.NewFromInt(1000),
		BuyAmount:  decimal.NewFromInt(950),
	})
	if err != nil {
		t.Fatalf("set bid: %v", err)
	}

	if got := f.balance(t, "USDC", "first"); !got.Equal(decimal.NewFromInt(910)) {
		t.Fatalf("first bidder USDC = %s, want refunded 910", got)
	}
}

func TestClearingPriceTruncates(t *testing.T) {
	// Lot of 3 at min price 1; a bid of 4 for the full lot implies a
	// price of 4/3, which the fixed-point truncates to 1.333... The
	// clearing payment becomes trunc(4/3 * 3) = 3, and the leftover unit
	// of escrow returns to the bidder.
	f := newMarketFixture(t)
	ctx := context.Background()

	f.bank.Mint("TOKA", "vault", decimal.NewFromInt(3))
	a, err := f.market.Initiate(ctx, "vault", "TOKA", "USDC",
		decimal.NewFromInt(3), decimal.NewFromInt(3), time.Hour)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	f.bank.Mint("USDC", "bidder", decimal.NewFromInt(4))
	err = f.market.SetBid(ctx, a.ID, model.Bid{
		Bidder:     "bidder",
		SellAmount: decimal.NewFromInt(3),
		BuyAmount:  decimal.NewFromInt(4),
	})
	if err != nil {
		t.Fatalf("set bid: %v", err)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.market.Clear(ctx, "vault", a.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if got := f.balance(t, "TOKA", "bidder"); !got.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("bidder TOKA = %s, want 3", got)
	}
	if got := f.balance(t, "USDC", "vault"); !got.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("vault USDC = %s, want truncated 3", got)
	}
	if got := f.balance(t, "USDC", "bidder"); !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("bidder USDC refund = %s, want 1", got)
	}
}

func TestClearJournalsEvents(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	a := f.openAuction(t)

	f.bank.Mint("USDC", "bidder", decimal.NewFromInt(950))
	err := f.market.SetBid(ctx, a.ID, model.Bid{
		Bidder:     "bidder",
		SellAmount: decimal.NewFromInt(1000),
		BuyAmount:  decimal.NewFromInt(950),
	})
	if err != nil {
		t.Fatalf("set bid: %v", err)
	}

	f.clock.Advance(time.Hour)
	if _, err := f.market.Clear(ctx, "vault", a.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	events, err := f.store.ListEvents(ctx)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
		if e.AuctionID == nil || *e.AuctionID != a.ID {
			t.Fatalf("event %s missing auction id", e.Type)
		}
	}
	want := []string{model.EventAuctionOpened, model.EventBidPlaced, model.EventAuctionClosed}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}
}
