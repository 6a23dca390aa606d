// Package funds provides the value-transfer rails the sale settles over:
// a native-balance Bank and an auxiliary fungible token used as the
// fallback channel when a payee refuses a native transfer.
package funds

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/sale-engine/internal/model"
)

var (
	// ErrInsufficientBalance is returned when the sender cannot cover a transfer.
	ErrInsufficientBalance = errors.New("funds: insufficient balance")

	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("funds: amount must not be negative")

	// ErrRejected wraps a payee's refusal of an incoming transfer.
	ErrRejected = errors.New("funds: transfer rejected by recipient")
)

// Receiver is payee-side logic run when value arrives through Transfer. It
// may reject the payment or call back into other components.
type Receiver func(ctx context.Context, from common.Address, amount decimal.Decimal) error

// Bank holds native balances. Safe for concurrent use.
type Bank struct {
	mu        sync.Mutex
	balances  map[common.Address]decimal.Decimal
	receivers map[common.Address]Receiver
}

// NewBank creates an empty bank.
func NewBank() *Bank {
	return &Bank{
		balances:  make(map[common.Address]decimal.Decimal),
		receivers: make(map[common.Address]Receiver),
	}
}

// Fund mints native value into addr. Used to seed accounts.
func (b *Bank) Fund(addr common.Address, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = b.balances[addr].Add(amount)
}

// BalanceOf returns the native balance of addr.
func (b *Bank) BalanceOf(addr common.Address) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[addr]
}

// Restore replaces every balance with the persisted ones.
func (b *Bank) Restore(balances []model.Balance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances = make(map[common.Address]decimal.Decimal, len(balances))
	for _, bal := range balances {
		b.balances[bal.Account] = bal.Amount
	}
}

// SetReceiver installs payee logic for addr; nil removes it.
func (b *Bank) SetReceiver(addr common.Address, r Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r == nil {
		delete(b.receivers, addr)
		return
	}
	b.receivers[addr] = r
}

func (b *Bank) move(from, to common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if b.balances[from].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s",
			ErrInsufficientBalance, from.Hex(), b.balances[from], amount)
	}
	b.balances[from] = b.balances[from].Sub(amount)
	b.balances[to] = b.balances[to].Add(amount)
	return nil
}

// Transfer moves amount from one account to another and runs the payee's
// receiver, if any. The receiver runs without the bank lock held so it may
// re-enter; if it fails the transfer is reversed.
func (b *Bank) Transfer(ctx context.Context, from, to common.Address, amount decimal.Decimal) error {
	b.mu.Lock()
	if err := b.move(from, to, amount); err != nil {
		b.mu.Unlock()
		return err
	}
	recv := b.receivers[to]
	b.mu.Unlock()

	if recv == nil {
		return nil
	}
	if err := recv(ctx, from, amount); err != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		if rerr := b.move(to, from, amount); rerr != nil {
			return errors.Join(fmt.Errorf("%w: %v", ErrRejected, err), rerr)
		}
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

// Send moves amount without running payee logic, so the payee can neither
// refuse it nor act on it.
func (b *Bank) Send(_ context.Context, from, to common.Address, amount decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(from, to, amount)
}
