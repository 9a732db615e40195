// Package bank defines the fungible-token transfer interface the vault and
// auction market consume, plus the in-memory implementation standing in for
// the host ledger.
//
// All monetary values use shopspring/decimal — never float64 for money.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a transfer exceeds the
	// sender's balance. Callers treat any transfer failure as fatal to
	// the enclosing operation.
	ErrInsufficientFunds = errors.New("bank: insufficient funds")

	// ErrInvalidTransfer is returned for non-positive amounts or empty
	// account/token identifiers.
	ErrInvalidTransfer = errors.New("bank: invalid transfer")
)

// Transfer moves Amount raw units of Token from From to To.
type Transfer struct {
	Token  string
	From   string
	To     string
	Amount decimal.Decimal
}

// Bank is the token-balance collaborator. TransferBatch is all-or-nothing:
// either every transfer applies or none does.
type Bank interface {
	BalanceOf(ctx context.Context, token, holder string) (decimal.Decimal, error)
	Transfer(ctx context.Context, t Transfer) error
	TransferBatch(ctx context.Context, ts []Transfer) error
}

// MemoryBank implements Bank with in-memory balances. It is the embedded
// stand-in for the host ledger in tests and dev mode.
type MemoryBank struct {
	mu       sync.RWMutex
	balances map[string]map[string]decimal.Decimal // token -> holder -> balance
}

// NewMemoryBank creates an empty bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{balances: make(map[string]map[string]decimal.Decimal)}
}

// Mint credits amount of token to holder, creating balances from nothing.
func (b *MemoryBank) Mint(token, holder string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(token, holder, amount)
}

func (b *MemoryBank) credit(token, holder string, amount decimal.Decimal) {
	m, ok := b.balances[token]
	if !ok {
		m = make(map[string]decimal.Decimal)
		b.balances[token] = m
	}
	m[holder] = m[holder].Add(amount)
}

// BalanceOf returns holder's balance of token (zero when unknown).
func (b *MemoryBank) BalanceOf(_ context.Context, token, holder string) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[token][holder], nil
}

// Transfer applies a single transfer.
func (b *MemoryBank) Transfer(ctx context.Context, t Transfer) error {
	return b.TransferBatch(ctx, []Transfer{t})
}

// TransferBatch validates every transfer against the balances that would
// result from applying the batch in order, then applies the whole batch.
// On any validation failure nothing is applied.
func (b *MemoryBank) TransferBatch(_ context.Context, ts []Transfer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Validate against projected balances before touching real state.
	projected := make(map[string]decimal.Decimal)
	key := func(token, holder string) string { return token + "\x00" + holder }

	for _, t := range ts {
		if t.Token == "" || t.From == "" || t.To == "" || !t.Amount.IsPositive() {
			return fmt.Errorf("%w: %s %s -> %s amount %s",
				ErrInvalidTransfer, t.Token, t.From, t.To, t.Amount)
		}
		k := key(t.Token, t.From)
		bal, ok := projected[k]
		if !ok {
			bal = b.balances[t.Token][t.From]
		}
		if bal.LessThan(t.Amount) {
			return fmt.Errorf("%w: %s needs %s %s, has %s",
				ErrInsufficientFunds, t.From, t.Amount, t.Token, bal)
		}
		projected[k] = bal.Sub(t.Amount)

		kTo := key(t.Token, t.To)
		balTo, ok := projected[kTo]
		if !ok {
			balTo = b.balances[t.Token][t.To]
		}
		projected[kTo] = balTo.Add(t.Amount)
	}

	for _, t := range ts {
		b.balances[t.Token][t.From] = b.balances[t.Token][t.From].Sub(t.Amount)
		b.credit(t.Token, t.To, t.Amount)
	}
	return nil
}
