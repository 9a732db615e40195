// Package vault implements the basket vault: the basket-unit ledger, the
// issuance and redemption machinery, and the HTTP surface over them.
//
// The vault is an owned ledger aggregate. Balances, allowances, and supply
// are mutated only through its methods, under a single mutex, and every
// operation either fully completes or leaves no trace. Bookkeeping is
// updated before external token transfers and compensated if a transfer
// fails, so no partial state survives.
//
// All monetary values use shopspring/decimal — never float64 for money.
package vault

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
	"github.com/basketfi/vault-engine/internal/collateral"
	"github.com/basketfi/vault-engine/internal/fix"
	"github.com/basketfi/vault-engine/internal/metrics"
	"github.com/basketfi/vault-engine/internal/model"
	"github.com/basketfi/vault-engine/internal/store"
	"github.com/basketfi/vault-engine/internal/stream"
)

var (
	// ErrZeroAmount is returned for zero or negative issue/redeem/pull
	// amounts.
	ErrZeroAmount = errors.New("vault: amount must be positive")

	// ErrEmptyBasket is returned when issuing or redeeming against an
	// empty basket.
	ErrEmptyBasket = errors.New("vault: basket is empty")

	// ErrInsufficientBalance is returned when a holder's basket-unit
	// balance cannot cover the operation.
	ErrInsufficientBalance = errors.New("vault: insufficient balance")

	// ErrInsufficientAllowance is returned when the caller's allowance
	// from the owner cannot cover a pull.
	ErrInsufficientAllowance = errors.New("vault: insufficient allowance")

	// ErrInvalidBasket is returned at construction for malformed baskets.
	ErrInvalidBasket = errors.New("vault: invalid basket")

	// ErrUnknownCollateral is returned when a basket token has no
	// collateral engine registered.
	ErrUnknownCollateral = errors.New("vault: unknown collateral")
)

// buScale converts between raw 18-decimal token units and whole tokens.
var buScale = decimal.New(1, 18)

// Vault owns the basket definition and the basket-unit ledger.
type Vault struct {
	mu sync.Mutex

	// account is the vault's own token-bank account, holding the
	// collateral backing the outstanding supply.
	account string

	basket     []model.BasketEntry
	quantities map[string]decimal.Decimal // token -> quantity per BU
	engines    map[string]*collateral.Collateral

	bank    bank.Bank
	journal store.Store
	hub     *stream.Hub

	balances   map[string]fix.Fix
	allowances map[string]map[string]fix.Fix
	supply     fix.Fix

	now func() time.Time
}

// New constructs a vault over a fixed basket. Every basket entry needs a
// positive quantity, a unique token, and a registered collateral engine.
func New(account string, basket []model.BasketEntry, engines []*collateral.Collateral,
	bk bank.Bank, journal store.Store, hub *stream.Hub) (*Vault, error) {

	if account == "" || bk == nil || journal == nil {
		return nil, fmt.Errorf("%w: missing account, bank, or store", ErrInvalidBasket)
	}

	byToken := make(map[string]*collateral.Collateral, len(engines))
	for _, e := range engines {
		byToken[e.Symbol()] = e
	}

	v := &Vault{
		account:    account,
		quantities: make(map[string]decimal.Decimal, len(basket)),
		engines:    byToken,
		bank:       bk,
		journal:    journal,
		hub:        hub,
		balances:   make(map[string]fix.Fix),
		allowances: make(map[string]map[string]fix.Fix),
		now:        time.Now,
	}

	for _, entry := range basket {
		if !entry.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: %s quantity must be positive", ErrInvalidBasket, entry.Token)
		}
		if _, dup := v.quantities[entry.Token]; dup {
			return nil, fmt.Errorf("%w: duplicate token %s", ErrInvalidBasket, entry.Token)
		}
		if _, ok := byToken[entry.Token]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCollateral, entry.Token)
		}
		v.quantities[entry.Token] = entry.Quantity
		v.basket = append(v.basket, entry)
	}

	return v, nil
}

// WithClock replaces the vault's clock and returns the vault.
func (v *Vault) WithClock(now func() time.Time) *Vault {
	v.now = now
	return v
}

// Account returns the vault's token-bank account.
func (v *Vault) Account() string { return v.account }

// Basket returns a copy of the ordered basket definition.
func (v *Vault) Basket() []model.BasketEntry {
	out := make([]model.BasketEntry, len(v.basket))
	copy(out, v.basket)
	return out
}

// Collateral returns the status engine for a basket token.
func (v *Vault) Collateral(token string) (*collateral.Collateral, bool) {
	c, ok := v.engines[token]
	return c, ok
}

// Collaterals returns every registered status engine.
func (v *Vault) Collaterals() []*collateral.Collateral {
	out := make([]*collateral.Collateral, 0, len(v.engines))
	for _, entry := range v.basket {
		out = append(out, v.engines[entry.Token])
	}
	return out
}

// TotalSupply returns the outstanding basket-unit supply.
func (v *Vault) TotalSupply() fix.Fix {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.supply
}

// BalanceOf returns holder's basket-unit balance.
func (v *Vault) BalanceOf(holder string) fix.Fix {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[holder]
}

// Allowance returns the exact allowance spender holds over owner's units.
func (v *Vault) Allowance(owner, spender string) fix.Fix {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.allowances[owner][spender]
}

// TokenAmounts computes the raw token amount of each basket member backing
// amtBUs basket units, in basket order: amount_i = trunc(amtBUs * qty_i).
func (v *Vault) TokenAmounts(amtBUs fix.Fix) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, len(v.basket))
	for _, entry := range v.basket {
		scaled, err := amtBUs.MulRaw(entry.Quantity)
		if err != nil {
			return nil, err
		}
		out = append(out, scaled.Floor())
	}
	return out, nil
}

// Issue mints amount basket units to `to`, pulling the proportional
// collateral amounts from caller. All collateral transfers succeed or the
// whole issuance fails.
func (v *Vault) Issue(ctx context.Context, caller, to string, amount fix.Fix) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	if len(v.basket) == 0 {
		return ErrEmptyBasket
	}

	amounts, err := v.TokenAmounts(amount)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	newBalance, err := v.balances[to].Add(amount)
	if err != nil {
		return err
	}
	newSupply, err := v.supply.Add(amount)
	if err != nil {
		return err
	}

	// Bookkeeping before external transfers.
	oldBalance, oldSupply := v.balances[to], v.supply
	v.balances[to] = newBalance
	v.supply = newSupply

	transfers := make([]bank.Transfer, 0, len(v.basket))
	for i, entry := range v.basket {
		if amounts[i].IsZero() {
			continue
		}
		transfers = append(transfers, bank.Transfer{
			Token:  entry.Token,
			From:   caller,
			To:     v.account,
			Amount: amounts[i],
		})
	}
	if err := v.bank.TransferBatch(ctx, transfers); err != nil {
		// Compensate: the issuance never happened.
		v.balances[to] = oldBalance
		v.supply = oldSupply
		return err
	}

	metrics.IssuesTotal.Inc()
	metrics.BUSupply.Set(supplyGauge(v.supply))
	v.record(ctx, model.Event{
		Type:   model.EventIssued,
		From:   caller,
		To:     to,
		Amount: amount.Decimal(),
	})
	slog.Info("basket units issued", "from", caller, "to", to, "amount", amount.String())
	return nil
}

// Redeem burns amount basket units from caller and pays the proportional
// collateral amounts out to `to`. Debit-before-transfer ordering prevents
// reentrant double-redeem.
func (v *Vault) Redeem(ctx context.Context, caller, to string, amount fix.Fix) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	if len(v.basket) == 0 {
		return ErrEmptyBasket
	}

	amounts, err := v.TokenAmounts(amount)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.balances[caller].Lt(amount) {
		return ErrInsufficientBalance
	}

	newBalance, err := v.balances[caller].Sub(amount)
	if err != nil {
		return err
	}
	newSupply, err := v.supply.Sub(amount)
	if err != nil {
		return err
	}

	oldBalance, oldSupply := v.balances[caller], v.supply
	v.balances[caller] = newBalance
	v.supply = newSupply

	transfers := make([]bank.Transfer, 0, len(v.basket))
	for i, entry := range v.basket {
		if amounts[i].IsZero() {
			continue
		}
		transfers = append(transfers, bank.Transfer{
			Token:  entry.Token,
			From:   v.account,
			To:     to,
			Amount: amounts[i],
		})
	}
	if err := v.bank.TransferBatch(ctx, transfers); err != nil {
		v.balances[caller] = oldBalance
		v.supply = oldSupply
		return err
	}

	metrics.RedeemsTotal.Inc()
	metrics.BUSupply.Set(supplyGauge(v.supply))
	v.record(ctx, model.Event{
		Type:   model.EventRedeemed,
		From:   caller,
		To:     to,
		Amount: amount.Decimal(),
	})
	slog.Info("basket units redeemed", "from", caller, "to", to, "amount", amount.String())
	return nil
}

// SetAllowance sets spender's allowance over caller's units to exactly
// amount (not additive).
func (v *Vault) SetAllowance(caller, spender string, amount fix.Fix) error {
	if amount.IsNegative() {
		return ErrZeroAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	m, ok := v.allowances[caller]
	if !ok {
		m = make(map[string]fix.Fix)
		v.allowances[caller] = m
	}
	m[spender] = amount
	return nil
}

// PullBUs moves amount basket units from `from` to caller, consuming
// caller's allowance.
func (v *Vault) PullBUs(ctx context.Context, caller, from string, amount fix.Fix) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.balances[from].Lt(amount) {
		return ErrInsufficientBalance
	}
	allowance := v.allowances[from][caller]
	if allowance.Lt(amount) {
		return ErrInsufficientAllowance
	}

	newFrom, err := v.balances[from].Sub(amount)
	if err != nil {
		return err
	}
	newCaller, err := v.balances[caller].Add(amount)
	if err != nil {
		return err
	}
	newAllowance, err := allowance.Sub(amount)
	if err != nil {
		return err
	}

	v.balances[from] = newFrom
	v.balances[caller] = newCaller
	v.allowances[from][caller] = newAllowance

	metrics.TransfersTotal.Inc()
	v.record(ctx, model.Event{
		Type:   model.EventTransferred,
		From:   from,
		To:     caller,
		Amount: amount.Decimal(),
	})
	return nil
}

// BasketRate returns the quote-currency value of one whole basket unit,
// assuming every collateral holds its peg: Σ strictPrice_i * qty_i. It
// does not check default status; callers must check each collateral's
// status before trusting the rate.
func (v *Vault) BasketRate(ctx context.Context) (fix.Fix, error) {
	if len(v.basket) == 0 {
		return fix.Fix{}, ErrEmptyBasket
	}

	rate := fix.Zero
	for _, entry := range v.basket {
		price, err := v.engines[entry.Token].StrictPrice(ctx)
		if err != nil {
			return fix.Fix{}, fmt.Errorf("%s: %w", entry.Token, err)
		}
		term, err := price.MulRaw(entry.Quantity)
		if err != nil {
			return fix.Fix{}, err
		}
		term, err = term.DivRaw(buScale)
		if err != nil {
			return fix.Fix{}, err
		}
		rate, err = rate.Add(term)
		if err != nil {
			return fix.Fix{}, err
		}
	}
	return rate, nil
}

// MaxIssuable returns how many basket units issuer could mint from their
// current token balances: the minimum over basket members of
// balance_i / qty_i, seeded with MaxFix.
func (v *Vault) MaxIssuable(ctx context.Context, issuer string) (fix.Fix, error) {
	if len(v.basket) == 0 {
		return fix.Fix{}, ErrEmptyBasket
	}

	min := fix.MaxFix
	for _, entry := range v.basket {
		bal, err := v.bank.BalanceOf(ctx, entry.Token, issuer)
		if err != nil {
			return fix.Fix{}, err
		}
		f, err := fix.New(bal)
		if err != nil {
			return fix.Fix{}, err
		}
		issuable, err := f.DivRaw(entry.Quantity)
		if err != nil {
			return fix.Fix{}, err
		}
		min = fix.Min(min, issuable)
	}
	return min, nil
}

// ContainsOnly reports whether every basket member's token appears in set.
func (v *Vault) ContainsOnly(set map[string]bool) bool {
	for _, entry := range v.basket {
		if !set[entry.Token] {
			return false
		}
	}
	return true
}

// record journals an event and broadcasts it. Journal failures are logged,
// not propagated: the ledger mutation has already committed and the
// journal is an observer, not a participant.
func (v *Vault) record(ctx context.Context, e model.Event) {
	e.ID = uuid.New().String()
	e.Timestamp = v.now().UTC()
	if err := v.journal.InsertEvent(ctx, &e); err != nil {
		slog.Warn("journal insert failed", "type", e.Type, "err", err)
	}
	v.hub.Broadcast(stream.Message{
		Type:   e.Type,
		From:   e.From,
		To:     e.To,
		Amount: e.Amount.String(),
	})
}

// supplyGauge renders the supply for the prometheus gauge. Precision loss
// here is fine; the gauge is observability, not accounting.
func supplyGauge(s fix.Fix) float64 {
	f, _ := s.Decimal().Float64()
	return f
}
