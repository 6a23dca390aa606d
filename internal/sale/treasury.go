package sale

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/sale-engine/internal/model"
)

// Deposit tops up the treasury from any account, for instance to fund
// refund payouts.
func (e *Engine) Deposit(ctx context.Context, from common.Address, amount decimal.Decimal) (err error) {
	defer e.reject("deposit", &err)

	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	_, counters, err := e.load(ctx)
	if err != nil {
		return err
	}
	if err := e.bank.Transfer(ctx, from, e.self, amount); err != nil {
		return fmt.Errorf("collect deposit: %w", err)
	}

	counters.Treasury = counters.Treasury.Add(amount)
	entry := newEntry(model.EntryDeposit, from, e.clock())
	entry.Amount = amount
	if err := e.store.Commit(ctx, &model.Changeset{
		Counters: counters,
		Entries:  []model.LedgerEntry{entry},
		Balances: e.nativeBalances(from, e.self),
	}); err != nil {
		if rerr := e.bank.Send(ctx, e.self, from, amount); rerr != nil {
			slog.Error("return deposit", "from", from.Hex(), "amount", amount.String(), "err", rerr)
		}
		return fmt.Errorf("commit deposit: %w", err)
	}

	slog.Info("deposit", "from", from.Hex(), "amount", amount.String(), "treasury", counters.Treasury.String())
	return nil
}

// Withdraw pays amount from the treasury to the vault. The vault's receiver
// logic runs and may refuse the payment.
func (e *Engine) Withdraw(ctx context.Context, caller common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	return e.withdraw(ctx, caller, &amount, false)
}

// WithdrawAll pays the whole treasury to the vault.
func (e *Engine) WithdrawAll(ctx context.Context, caller common.Address) (decimal.Decimal, error) {
	return e.withdraw(ctx, caller, nil, false)
}

// WithdrawClassic pays amount to the vault without running its receiver
// logic.
func (e *Engine) WithdrawClassic(ctx context.Context, caller common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	return e.withdraw(ctx, caller, &amount, true)
}

func (e *Engine) withdraw(ctx context.Context, caller common.Address, amount *decimal.Decimal, classic bool) (paid decimal.Decimal, err error) {
	defer e.reject("withdraw", &err)

	e.mu.Lock()
	cfg, counters, err := e.load(ctx)
	if err != nil {
		e.mu.Unlock()
		return decimal.Zero, err
	}
	if err := requireOwner(cfg, caller); err != nil {
		e.mu.Unlock()
		return decimal.Zero, err
	}
	vault := cfg.Roles.Vault
	if vault == (common.Address{}) {
		e.mu.Unlock()
		return decimal.Zero, fmt.Errorf("vault: %w", ErrZeroAddress)
	}

	amt := counters.Treasury
	if amount != nil {
		amt = *amount
	}
	if !amt.IsPositive() {
		e.mu.Unlock()
		return decimal.Zero, ErrInvalidAmount
	}
	if counters.Treasury.LessThan(amt) {
		e.mu.Unlock()
		return decimal.Zero, fmt.Errorf("%w: want %s, hold %s", ErrInsufficientFunds, amt, counters.Treasury)
	}

	counters.Treasury = counters.Treasury.Sub(amt)
	if err := e.store.Commit(ctx, &model.Changeset{Counters: counters}); err != nil {
		e.mu.Unlock()
		return decimal.Zero, fmt.Errorf("commit withdrawal: %w", err)
	}
	e.mu.Unlock()

	var payErr error
	if classic {
		payErr = e.bank.Send(ctx, e.self, vault, amt)
	} else {
		payErr = e.bank.Transfer(ctx, e.self, vault, amt)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if payErr != nil {
		counters, err := e.store.LoadCounters(ctx)
		if err == nil {
			counters.Treasury = counters.Treasury.Add(amt)
			err = e.store.Commit(ctx, &model.Changeset{Counters: counters})
		}
		if err != nil {
			slog.Error("restore treasury", "amount", amt.String(), "err", err)
		}
		return decimal.Zero, fmt.Errorf("pay vault: %w", payErr)
	}

	entry := newEntry(model.EntryWithdraw, vault, e.clock())
	entry.Amount = amt
	if err := e.store.Commit(ctx, &model.Changeset{
		Entries:  []model.LedgerEntry{entry},
		Balances: e.nativeBalances(e.self, vault),
	}); err != nil {
		slog.Error("record withdrawal entry", "err", err)
	}

	slog.Info("withdrawal", "vault", vault.Hex(), "amount", amt.String(), "classic", classic)
	return amt, nil
}

// ForwardAuxTokens moves auxiliary-token balance held by the engine to to.
func (e *Engine) ForwardAuxTokens(ctx context.Context, caller, to common.Address, amount decimal.Decimal) (err error) {
	defer e.reject("forward_aux", &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, _, err := e.load(ctx)
	if err != nil {
		return err
	}
	if err := requireOwner(cfg, caller); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	aux, err := e.auxToken(cfg)
	if err != nil {
		return err
	}
	if err := aux.Transfer(ctx, e.self, to, amount); err != nil {
		return fmt.Errorf("forward aux tokens: %w", err)
	}

	entry := newEntry(model.EntryAuxForward, to, e.clock())
	entry.Amount = amount
	bals, err := auxBalances(ctx, aux, e.self, to)
	if err != nil {
		slog.Error("read aux balances", "err", err)
	}
	if err := e.store.Commit(ctx, &model.Changeset{
		Entries:  []model.LedgerEntry{entry},
		Balances: bals,
	}); err != nil {
		slog.Error("record aux forward entry", "err", err)
	}

	slog.Info("aux tokens forwarded", "to", to.Hex(), "amount", amount.String())
	return nil
}
