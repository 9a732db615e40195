package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basketfi/vault-engine/internal/bank"
	"github.com/basketfi/vault-engine/internal/collateral"
	"github.com/basketfi/vault-engine/internal/fix"
	"github.com/basketfi/vault-engine/internal/model"
	"github.com/basketfi/vault-engine/internal/oracle"
	"github.com/basketfi/vault-engine/internal/store"
)

const vaultAccount = "vault"

// testFixture wires a two-token basket over in-memory collaborators with a
// manual clock and fresh peg-holding feeds.
type testFixture struct {
	vault *Vault
	bank  *bank.MemoryBank
	store *store.MemoryStore
	feedA *oracle.StaticFeed
	feedB *oracle.StaticFeed
	clock *manualClock
}

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time { return c.t }

// newFixture builds a vault over basket {TOKA: 1 per BU, TOKB: 2 per BU},
// both tokens with 18 decimals and USD feeds at 1.00.
func newFixture(t *testing.T) *testFixture {
	t.Helper()

	clock := &manualClock{t: time.Unix(1000, 0)}

	cfg := func(chain string) collateral.Config {
		units, err := collateral.ParseUnitChain(chain)
		if err != nil {
			t.Fatalf("parse unit chain: %v", err)
		}
		return collateral.Config{
			Units:             units,
			DefaultThreshold:  fix.MustFromString("0.05"),
			DelayUntilDefault: 24 * time.Hour,
			OracleTimeout:     time.Hour,
		}
	}

	feedA := oracle.NewStaticFeed()
	feedA.Set(decimal.NewFromInt(1), clock.t)
	feedB := oracle.NewStaticFeed()
	feedB.Set(decimal.NewFromInt(1), clock.t)

	colA, err := collateral.NewFiat(cfg("TOKA/USD/USD/USD"), feedA)
	if err != nil {
		t.Fatalf("new collateral: %v", err)
	}
	colB, err := collateral.NewFiat(cfg("TOKB/USD/USD/USD"), feedB)
	if err != nil {
		t.Fatalf("new collateral: %v", err)
	}
	colA.WithClock(clock.Now)
	colB.WithClock(clock.Now)

	basket := []model.BasketEntry{
		{Token: "TOKA", Quantity: decimal.New(1, 18)},
		{Token: "TOKB", Quantity: decimal.New(2, 18)},
	}

	bk := bank.NewMemoryBank()
	st := store.NewMemoryStore()

	v, err := New(vaultAccount, basket, []*collateral.Collateral{colA, colB}, bk, st, nil)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	v.WithClock(clock.Now)

	return &testFixture{vault: v, bank: bk, store: st, feedA: feedA, feedB: feedB, clock: clock}
}

// fund mints enough raw tokens for `bus` whole basket units to holder.
func (f *testFixture) fund(holder string, bus int64) {
	f.bank.Mint("TOKA", holder, decimal.New(bus, 18))
	f.bank.Mint("TOKB", holder, decimal.New(2*bus, 18))
}

func rawBalance(t *testing.T, bk *bank.MemoryBank, token, holder string) decimal.Decimal {
	t.Helper()
	bal, err := bk.BalanceOf(context.Background(), token, holder)
	if err != nil {
		t.Fatalf("balance of %s/%s: %v", token, holder, err)
	}
	return bal
}

func TestIssueRedeemRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund("alice", 10)

	if err := f.vault.Issue(ctx, "alice", "alice", fix.FromInt(10)); err != nil {
		t.Fatalf("issue: %v", err)
	}

	if got := f.vault.BalanceOf("alice"); !got.Equal(fix.FromInt(10)) {
		t.Fatalf("balance = %s, want 10", got)
	}
	if got := f.vault.TotalSupply(); !got.Equal(fix.FromInt(10)) {
		t.Fatalf("supply = %s, want 10", got)
	}
	if got := rawBalance(t, f.bank, "TOKA", vaultAccount); !got.Equal(decimal.New(10, 18)) {
		t.Fatalf("vault TOKA = %s, want 10e18", got)
	}
	if got := rawBalance(t, f.bank, "TOKB", vaultAccount); !got.Equal(decimal.New(20, 18)) {
		t.Fatalf("vault TOKB = %s, want 20e18", got)
	}
	if got := rawBalance(t, f.bank, "TOKA", "alice"); !got.IsZero() {
		t.Fatalf("alice TOKA = %s, want 0", got)
	}

	if err := f.vault.Redeem(ctx, "alice", "alice", fix.FromInt(10)); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if got := f.vault.TotalSupply(); !got.IsZero() {
		t.Fatalf("supply after redeem = %s, want 0", got)
	}
	if got := rawBalance(t, f.bank, "TOKA", "alice"); !got.Equal(decimal.New(10, 18)) {
		t.Fatalf("alice TOKA after redeem = %s, want 10e18", got)
	}
	if got := rawBalance(t, f.bank, "TOKB", "alice"); !got.Equal(decimal.New(20, 18)) {
		t.Fatalf("alice TOKB after redeem = %s, want 20e18", got)
	}
}

func TestIssueAtomicOnMissingCollateral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Alice has TOKA but no TOKB: the batch must fail without moving TOKA.
	f.bank.Mint("TOKA", "alice", decimal.New(10, 18))

	err := f.vault.Issue(ctx, "alice", "alice", fix.FromInt(10))
	if !errors.Is(err, bank.ErrInsufficientFunds) {
		t.Fatalf("issue err = %v, want insufficient funds", err)
	}

	if got := f.vault.BalanceOf("alice"); !got.IsZero() {
		t.Fatalf("balance after failed issue = %s, want 0", got)
	}
	if got := f.vault.TotalSupply(); !got.IsZero() {
		t.Fatalf("supply after failed issue = %s, want 0", got)
	}
	if got := rawBalance(t, f.bank, "TOKA", "alice"); !got.Equal(decimal.New(10, 18)) {
		t.Fatalf("alice TOKA after failed issue = %s, want untouched 10e18", got)
	}
	if got := rawBalance(t, f.bank, "TOKA", vaultAccount); !got.IsZero() {
		t.Fatalf("vault TOKA after failed issue = %s, want 0", got)
	}
}

func TestRedeemInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund("alice", 5)

	if err := f.vault.Issue(ctx, "alice", "alice", fix.FromInt(5)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	err := f.vault.Redeem(ctx, "alice", "alice", fix.FromInt(6))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("redeem err = %v, want ErrInsufficientBalance", err)
	}
	if got := f.vault.TotalSupply(); !got.Equal(fix.FromInt(5)) {
		t.Fatalf("supply = %s, want 5", got)
	}
}

func TestZeroAmountRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.vault.Issue(ctx, "alice", "alice", fix.Zero); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("issue zero err = %v, want ErrZeroAmount", err)
	}
	if err := f.vault.Redeem(ctx, "alice", "alice", fix.Zero); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("redeem zero err = %v, want ErrZeroAmount", err)
	}
	neg := fix.MustFromString("-1")
	if err := f.vault.Issue(ctx, "alice", "alice", neg); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("issue negative err = %v, want ErrZeroAmount", err)
	}
}

func TestTokenAmountsTruncation(t *testing.T) {
	f := newFixture(t)

	// 1.5 BUs over {TOKA: 1, TOKB: 2} per BU.
	amounts, err := f.vault.TokenAmounts(fix.MustFromString("1.5"))
	if err != nil {
		t.Fatalf("token amounts: %v", err)
	}
	if !amounts[0].Equal(decimal.New(15, 17)) {
		t.Fatalf("TOKA amount = %s, want 1.5e18", amounts[0])
	}
	if !amounts[1].Equal(decimal.New(3, 18)) {
		t.Fatalf("TOKB amount = %s, want 3e18", amounts[1])
	}

	// A sub-attounit share of a token truncates toward zero.
	tiny, err := f.vault.TokenAmounts(fix.MustFromString("0.000000000000000001"))
	if err != nil {
		t.Fatalf("token amounts: %v", err)
	}
	if !tiny[0].Equal(decimal.NewFromInt(1)) {
		t.Fatalf("TOKA tiny amount = %s, want 1", tiny[0])
	}
	if !tiny[1].Equal(decimal.NewFromInt(2)) {
		t.Fatalf("TOKB tiny amount = %s, want 2", tiny[1])
	}
}

func TestTokenAmountsLinearity(t *testing.T) {
	f := newFixture(t)

	x := fix.MustFromString("1.234567890123456789")
	twoX, err := x.Add(x)
	if err != nil {
		t.Fatalf("double: %v", err)
	}

	single, err := f.vault.TokenAmounts(x)
	if err != nil {
		t.Fatalf("token amounts: %v", err)
	}
	doubled, err := f.vault.TokenAmounts(twoX)
	if err != nil {
		t.Fatalf("token amounts: %v", err)
	}

	for i := range single {
		if !doubled[i].Equal(single[i].Mul(decimal.NewFromInt(2))) {
			t.Fatalf("member %d: amounts(2x) = %s, want 2 * %s", i, doubled[i], single[i])
		}
	}
}

func TestMaxIssuable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 10 TOKA covers 10 BUs; 30 TOKB at 2 per BU covers 15. Min is 10.
	f.bank.Mint("TOKA", "alice", decimal.New(10, 18))
	f.bank.Mint("TOKB", "alice", decimal.New(30, 18))

	max, err := f.vault.MaxIssuable(ctx, "alice")
	if err != nil {
		t.Fatalf("max issuable: %v", err)
	}
	if !max.Equal(fix.FromInt(10)) {
		t.Fatalf("max issuable = %s, want 10", max)
	}

	// An account with nothing can issue nothing.
	max, err = f.vault.MaxIssuable(ctx, "nobody")
	if err != nil {
		t.Fatalf("max issuable: %v", err)
	}
	if !max.IsZero() {
		t.Fatalf("max issuable for empty account = %s, want 0", max)
	}
}

func TestAllowanceAndPull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund("alice", 10)

	if err := f.vault.Issue(ctx, "alice", "alice", fix.FromInt(10)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := f.vault.SetAllowance("alice", "bob", fix.FromInt(5)); err != nil {
		t.Fatalf("set allowance: %v", err)
	}
	if err := f.vault.PullBUs(ctx, "bob", "alice", fix.FromInt(3)); err != nil {
		t.Fatalf("pull: %v", err)
	}

	if got := f.vault.BalanceOf("bob"); !got.Equal(fix.FromInt(3)) {
		t.Fatalf("bob balance = %s, want 3", got)
	}
	if got := f.vault.Allowance("alice", "bob"); !got.Equal(fix.FromInt(2)) {
		t.Fatalf("remaining allowance = %s, want 2", got)
	}

	err := f.vault.PullBUs(ctx, "bob", "alice", fix.FromInt(3))
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("pull err = %v, want ErrInsufficientAllowance", err)
	}

	// Setting an allowance replaces, never adds.
	if err := f.vault.SetAllowance("alice", "bob", fix.FromInt(1)); err != nil {
		t.Fatalf("set allowance: %v", err)
	}
	if got := f.vault.Allowance("alice", "bob"); !got.Equal(fix.FromInt(1)) {
		t.Fatalf("replaced allowance = %s, want 1", got)
	}
}

func TestSupplyMatchesBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund("alice", 20)

	if err := f.vault.Issue(ctx, "alice", "alice", fix.FromInt(12)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := f.vault.Issue(ctx, "alice", "bob", fix.FromInt(8)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := f.vault.SetAllowance("bob", "carol", fix.FromInt(8)); err != nil {
		t.Fatalf("set allowance: %v", err)
	}
	if err := f.vault.PullBUs(ctx, "carol", "bob", fix.FromInt(5)); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := f.vault.Redeem(ctx, "alice", "alice", fix.FromInt(4)); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	sum := fix.Zero
	for _, holder := range []string{"alice", "bob", "carol"} {
		var err error
		sum, err = sum.Add(f.vault.BalanceOf(holder))
		if err != nil {
			t.Fatalf("sum: %v", err)
		}
	}
	if !sum.Equal(f.vault.TotalSupply()) {
		t.Fatalf("Σ balances = %s, supply = %s", sum, f.vault.TotalSupply())
	}
}

func TestBasketRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Both feeds at 1.00: rate = 1*1 + 1*2 = 3.
	rate, err := f.vault.BasketRate(ctx)
	if err != nil {
		t.Fatalf("basket rate: %v", err)
	}
	if !rate.Equal(fix.FromInt(3)) {
		t.Fatalf("rate = %s, want 3", rate)
	}

	// A repriced member moves the rate: TOKA at 0.50 gives 0.5 + 2 = 2.5.
	f.feedA.Set(decimal.NewFromFloat(0.5), f.clock.t)
	rate, err = f.vault.BasketRate(ctx)
	if err != nil {
		t.Fatalf("basket rate: %v", err)
	}
	if !rate.Equal(fix.MustFromString("2.5")) {
		t.Fatalf("rate = %s, want 2.5", rate)
	}

	// A failing feed hard-fails the rate query.
	f.feedA.Fail(errors.New("feed down"))
	if _, err := f.vault.BasketRate(ctx); err == nil {
		t.Fatal("expected error from failing feed")
	}
}

func TestContainsOnly(t *testing.T) {
	f := newFixture(t)

	if !f.vault.ContainsOnly(map[string]bool{"TOKA": true, "TOKB": true, "TOKC": true}) {
		t.Fatal("superset should contain basket")
	}
	if f.vault.ContainsOnly(map[string]bool{"TOKA": true}) {
		t.Fatal("missing TOKB should fail")
	}
}

func TestIssueJournalsEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund("alice", 1)

	if err := f.vault.Issue(ctx, "alice", "alice", fix.FromInt(1)); err != nil {
		t.Fatalf("issue: %v", err)
	}

	events, err := f.store.ListEvents(ctx)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != model.EventIssued {
		t.Fatalf("event type = %s, want %s", events[0].Type, model.EventIssued)
	}
	if events[0].From != "alice" || events[0].To != "alice" {
		t.Fatalf("event parties = %s -> %s", events[0].From, events[0].To)
	}
}

func TestNewRejectsBadBaskets(t *testing.T) {
	f := newFixture(t)
	bk := bank.NewMemoryBank()
	st := store.NewMemoryStore()
	engines := f.vault.Collaterals()

	cases := []struct {
		name   string
		basket []model.BasketEntry
	}{
		{"zero quantity", []model.BasketEntry{{Token: "TOKA", Quantity: decimal.Zero}}},
		{"duplicate token", []model.BasketEntry{
			{Token: "TOKA", Quantity: decimal.New(1, 18)},
			{Token: "TOKA", Quantity: decimal.New(1, 18)},
		}},
		{"unknown collateral", []model.BasketEntry{{Token: "TOKX", Quantity: decimal.New(1, 18)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(vaultAccount, tc.basket, engines, bk, st, nil); err == nil {
				t.Fatal("expected construction error")
			}
		})
	}
}
