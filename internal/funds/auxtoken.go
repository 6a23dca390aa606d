package funds

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/sale-engine/internal/model"
)

// AuxToken is a fungible token fully backed by native value held at its own
// address in the bank. Crediting never runs payee logic.
type AuxToken struct {
	mu       sync.Mutex
	addr     common.Address
	bank     *Bank
	balances map[common.Address]decimal.Decimal
}

// NewAuxToken creates a token whose reserves live at addr in bank.
func NewAuxToken(addr common.Address, bank *Bank) *AuxToken {
	return &AuxToken{
		addr:     addr,
		bank:     bank,
		balances: make(map[common.Address]decimal.Decimal),
	}
}

// Address returns the token's reserve account.
func (t *AuxToken) Address() common.Address {
	return t.addr
}

// CreditBalance wraps amount of from's native value and credits it to to.
func (t *AuxToken) CreditBalance(ctx context.Context, from, to common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if err := t.bank.Send(ctx, from, t.addr, amount); err != nil {
		return fmt.Errorf("wrap for %s: %w", to.Hex(), err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[to] = t.balances[to].Add(amount)
	return nil
}

// Restore replaces every token balance with the persisted ones. Reserves
// live in the bank and are restored there.
func (t *AuxToken) Restore(balances []model.Balance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances = make(map[common.Address]decimal.Decimal, len(balances))
	for _, bal := range balances {
		t.balances[bal.Account] = bal.Amount
	}
}

// BalanceOf returns the token balance of addr.
func (t *AuxToken) BalanceOf(_ context.Context, addr common.Address) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[addr], nil
}

// Transfer moves token balance between holders.
func (t *AuxToken) Transfer(_ context.Context, from, to common.Address, amount decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if t.balances[from].LessThan(amount) {
		return fmt.Errorf("%w: token balance of %s", ErrInsufficientBalance, from.Hex())
	}
	t.balances[from] = t.balances[from].Sub(amount)
	t.balances[to] = t.balances[to].Add(amount)
	return nil
}

// Unwrap burns amount of holder's tokens and returns the native value.
func (t *AuxToken) Unwrap(ctx context.Context, holder common.Address, amount decimal.Decimal) error {
	t.mu.Lock()
	if amount.IsNegative() {
		t.mu.Unlock()
		return ErrInvalidAmount
	}
	if t.balances[holder].LessThan(amount) {
		t.mu.Unlock()
		return fmt.Errorf("%w: token balance of %s", ErrInsufficientBalance, holder.Hex())
	}
	t.balances[holder] = t.balances[holder].Sub(amount)
	t.mu.Unlock()

	if err := t.bank.Send(ctx, t.addr, holder, amount); err != nil {
		t.mu.Lock()
		t.balances[holder] = t.balances[holder].Add(amount)
		t.mu.Unlock()
		return err
	}
	return nil
}
