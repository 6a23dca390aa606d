package sale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/sale-engine/internal/curve"
	"github.com/atmx/sale-engine/internal/metrics"
	"github.com/atmx/sale-engine/internal/model"
	"github.com/atmx/sale-engine/internal/phase"
	"github.com/atmx/sale-engine/internal/store"
)

// Payout channels.
const (
	ChannelNative = "native"
	ChannelAux    = "aux"
)

// Payout describes one settled refund.
type Payout struct {
	Buyer   common.Address  `json:"buyer"`
	Amount  decimal.Decimal `json:"amount"`
	Channel string          `json:"channel,omitempty"` // empty when nothing was owed
}

// BatchResult summarizes a batch refund over an index range.
type BatchResult struct {
	Start   int64           `json:"start"`
	End     int64           `json:"end"`
	Payouts []Payout        `json:"payouts"`
	Total   decimal.Decimal `json:"total"`
}

func auctionPrice(cfg *model.SaleConfig, now time.Time) (decimal.Decimal, error) {
	c, err := curve.New(cfg.Curve, cfg.Times.AuctionStart)
	if err != nil {
		return decimal.Zero, err
	}
	return c.PriceAt(now), nil
}

// clearingPrice is the fixed final price, or else the curve price at the
// later of now and the auction's close. It never exceeds a price any bid
// paid and never drops below the lowest price.
func clearingPrice(cfg *model.SaleConfig, now time.Time) (decimal.Decimal, error) {
	if cfg.FinalPrice != nil {
		return *cfg.FinalPrice, nil
	}
	at := now
	if end := cfg.Times.AllowlistStart; !end.IsZero() && at.After(end) {
		at = end
	}
	return auctionPrice(cfg, at)
}

// CurrentClearingPrice returns the price refunds are computed against.
func (e *Engine) CurrentClearingPrice(ctx context.Context) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, _, err := e.load(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return clearingPrice(cfg, e.clock())
}

// CurrentPrice returns the auction curve price now.
func (e *Engine) CurrentPrice(ctx context.Context) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, _, err := e.load(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return auctionPrice(cfg, e.clock())
}

// RefundOwed returns what buyer is owed at the current clearing price. An
// address that never bid is owed zero.
func (e *Engine) RefundOwed(ctx context.Context, buyer common.Address) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, _, err := e.load(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	rec, err := e.store.GetAuctionRecord(ctx, buyer)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	price, err := clearingPrice(cfg, e.clock())
	if err != nil {
		return decimal.Zero, err
	}
	return rec.RefundOwed(price), nil
}

// IssueRefunds settles every buyer whose index lies in [start, end], in
// index order. A buyer that refuses the native payment is credited on the
// auxiliary token instead. The whole range is checked before anyone is
// paid: the call is rejected if the treasury or the engine's balance cannot
// cover every refund owed, or if the fallback token is unavailable. Should a
// payout still fail, the payouts already made are returned with the error.
func (e *Engine) IssueRefunds(ctx context.Context, caller common.Address, start, end int64) (res *BatchResult, err error) {
	defer e.reject("issue_refunds", &err)

	records, err := e.planRefunds(ctx, caller, start, end)
	if err != nil {
		return nil, err
	}

	res = &BatchResult{Start: start, End: end, Payouts: []Payout{}, Total: decimal.Zero}
	for _, r := range records {
		p, err := e.settle(ctx, r.Buyer)
		if err != nil {
			return res, fmt.Errorf("refund %s: %w", r.Buyer.Hex(), err)
		}
		res.Payouts = append(res.Payouts, p)
		res.Total = res.Total.Add(p.Amount)
	}

	slog.Info("batch refund",
		"caller", caller.Hex(),
		"start", start,
		"end", end,
		"buyers", len(records),
		"total", res.Total.String(),
	)
	return res, nil
}

// planRefunds authorizes a batch and checks it can be paid in full.
func (e *Engine) planRefunds(ctx context.Context, caller common.Address, start, end int64) ([]model.AuctionRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, counters, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := requireRefunder(cfg, caller); err != nil {
		return nil, err
	}
	if start < 0 || start > end || end >= counters.NumDaMinters {
		return nil, fmt.Errorf("%w: [%d, %d] with %d buyers", ErrInvalidRange, start, end, counters.NumDaMinters)
	}
	records, err := e.store.ListAuctionRecords(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list auction records: %w", err)
	}

	price, err := clearingPrice(cfg, e.clock())
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.RefundOwed(price))
	}
	if !total.IsPositive() {
		return records, nil
	}
	if _, err := e.auxToken(cfg); err != nil {
		return nil, err
	}
	if counters.Treasury.LessThan(total) {
		return nil, fmt.Errorf("%w: batch owes %s, treasury %s", ErrInsufficientFunds, total, counters.Treasury)
	}
	if held := e.bank.BalanceOf(e.self); held.LessThan(total) {
		return nil, fmt.Errorf("%w: batch owes %s, engine holds %s", ErrInsufficientFunds, total, held)
	}
	return records, nil
}

// RefundAddress settles a single buyer on behalf of the refunder or owner.
func (e *Engine) RefundAddress(ctx context.Context, caller, buyer common.Address) (p Payout, err error) {
	defer e.reject("refund_address", &err)

	e.mu.Lock()
	cfg, _, err := e.load(ctx)
	if err == nil {
		err = requireRefunder(cfg, caller)
	}
	e.mu.Unlock()
	if err != nil {
		return Payout{}, err
	}
	return e.settle(ctx, buyer)
}

// SelfRefund settles the caller's own refund once self refunds have opened.
func (e *Engine) SelfRefund(ctx context.Context, caller common.Address) (p Payout, err error) {
	defer e.reject("self_refund", &err)

	e.mu.Lock()
	cfg, _, err := e.load(ctx)
	if err == nil && !phase.New(cfg.Times).SelfRefundOpen(e.clock()) {
		err = ErrSelfRefundNotStarted
	}
	e.mu.Unlock()
	if err != nil {
		return Payout{}, err
	}
	return e.settle(ctx, caller)
}

// settle clears buyer's refund obligation, commits that, and only then pays
// it out with the engine unlocked. A receiver re-entering the engine during
// the payout finds nothing owed. If neither channel accepts the payout the
// obligation is restored.
func (e *Engine) settle(ctx context.Context, buyer common.Address) (Payout, error) {
	e.mu.Lock()
	cfg, counters, err := e.load(ctx)
	if err != nil {
		e.mu.Unlock()
		return Payout{}, err
	}
	rec, err := e.store.GetAuctionRecord(ctx, buyer)
	if errors.Is(err, store.ErrNotFound) {
		e.mu.Unlock()
		return Payout{Buyer: buyer, Amount: decimal.Zero}, nil
	}
	if err != nil {
		e.mu.Unlock()
		return Payout{}, fmt.Errorf("load auction record: %w", err)
	}

	price, err := clearingPrice(cfg, e.clock())
	if err != nil {
		e.mu.Unlock()
		return Payout{}, err
	}
	owed := rec.RefundOwed(price)
	if !owed.IsPositive() {
		e.mu.Unlock()
		return Payout{Buyer: buyer, Amount: decimal.Zero}, nil
	}
	if counters.Treasury.LessThan(owed) {
		e.mu.Unlock()
		return Payout{}, fmt.Errorf("%w: owe %s, hold %s", ErrInsufficientFunds, owed, counters.Treasury)
	}

	rec.AmountRefunded = rec.AmountRefunded.Add(owed)
	counters.Treasury = counters.Treasury.Sub(owed)
	if err := e.store.Commit(ctx, &model.Changeset{
		Counters: counters,
		Records:  []model.AuctionRecord{*rec},
	}); err != nil {
		e.mu.Unlock()
		return Payout{}, fmt.Errorf("clear refund: %w", err)
	}
	e.mu.Unlock()

	channel, payErr := e.pay(ctx, cfg, buyer, owed)

	e.mu.Lock()
	defer e.mu.Unlock()

	if payErr != nil {
		if err := e.restore(ctx, buyer, owed); err != nil {
			slog.Error("restore refund obligation", "buyer", buyer.Hex(), "amount", owed.String(), "err", err)
			return Payout{}, errors.Join(payErr, err)
		}
		return Payout{}, payErr
	}

	kind := model.EntryRefund
	if channel == ChannelAux {
		kind = model.EntryAuxCredit
	}
	entry := newEntry(kind, buyer, e.clock())
	entry.Amount = owed
	entry.Price = price
	cs := &model.Changeset{
		Entries:  []model.LedgerEntry{entry},
		Balances: e.nativeBalances(e.self, buyer),
	}
	if channel == ChannelAux {
		if aux, err := e.auxToken(cfg); err == nil {
			cs.Balances = append(cs.Balances, e.nativeBalances(aux.Address())...)
			bals, err := auxBalances(ctx, aux, buyer)
			if err != nil {
				slog.Error("read aux balance", "buyer", buyer.Hex(), "err", err)
			}
			cs.Balances = append(cs.Balances, bals...)
		}
	}
	if err := e.store.Commit(ctx, cs); err != nil {
		slog.Error("record refund", "buyer", buyer.Hex(), "amount", owed.String(), "err", err)
	}

	slog.Info("refund settled",
		"buyer", buyer.Hex(),
		"amount", owed.String(),
		"channel", channel,
		"clearing_price", price.String(),
	)
	metrics.RefundsTotal.WithLabelValues(channel).Inc()
	metrics.RefundedValue.WithLabelValues(channel).Add(owed.InexactFloat64())
	e.broadcast(WSMessage{
		Type:    "refund",
		Account: buyer.Hex(),
		Amount:  owed.String(),
		Price:   price.String(),
		Channel: channel,
	})

	return Payout{Buyer: buyer, Amount: owed, Channel: channel}, nil
}

// pay sends amount natively, falling back to an auxiliary-token credit when
// the payee refuses.
func (e *Engine) pay(ctx context.Context, cfg *model.SaleConfig, to common.Address, amount decimal.Decimal) (string, error) {
	nativeErr := e.bank.Transfer(ctx, e.self, to, amount)
	if nativeErr == nil {
		return ChannelNative, nil
	}

	aux, err := e.auxToken(cfg)
	if err != nil {
		return "", errors.Join(nativeErr, err)
	}
	if err := aux.CreditBalance(ctx, e.self, to, amount); err != nil {
		return "", errors.Join(nativeErr, fmt.Errorf("aux credit: %w", err))
	}

	slog.Warn("native refund refused, credited auxiliary token",
		"buyer", to.Hex(),
		"amount", amount.String(),
		"aux_token", aux.Address().Hex(),
		"reason", nativeErr,
	)
	return ChannelAux, nil
}

// restore reinstates an obligation whose payout failed. Callers hold e.mu.
func (e *Engine) restore(ctx context.Context, buyer common.Address, owed decimal.Decimal) error {
	counters, err := e.store.LoadCounters(ctx)
	if err != nil {
		return err
	}
	rec, err := e.store.GetAuctionRecord(ctx, buyer)
	if err != nil {
		return err
	}
	rec.AmountRefunded = rec.AmountRefunded.Sub(owed)
	counters.Treasury = counters.Treasury.Add(owed)
	return e.store.Commit(ctx, &model.Changeset{
		Counters: counters,
		Records:  []model.AuctionRecord{*rec},
	})
}
