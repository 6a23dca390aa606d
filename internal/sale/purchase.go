package sale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/sale-engine/internal/admission"
	"github.com/atmx/sale-engine/internal/metrics"
	"github.com/atmx/sale-engine/internal/model"
	"github.com/atmx/sale-engine/internal/phase"
	"github.com/atmx/sale-engine/internal/store"
	"github.com/atmx/sale-engine/internal/supply"
)

// PurchaseResult describes a committed purchase.
type PurchaseResult struct {
	EntryID  string          `json:"entry_id"`
	Buyer    common.Address  `json:"buyer"`
	Phase    model.Phase     `json:"phase"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Value    decimal.Decimal `json:"value"`
	Items    []uint64        `json:"items"`
	SoldOut  bool            `json:"sold_out,omitempty"`
}

// BidSummon buys qty units in the auction at the current curve price.
// value may exceed the price; the excess is settled later as a refund. The
// sale that exhausts the auction supply fixes the final price.
func (e *Engine) BidSummon(ctx context.Context, buyer common.Address, qty int64, value decimal.Decimal) (res *PurchaseResult, err error) {
	defer e.reject("bid", &err)
	started := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, counters, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Paused {
		return nil, ErrPaused
	}

	now := e.clock()
	gate := phase.New(cfg.Times)
	if !gate.AuctionStarted(now) {
		return nil, ErrAuctionNotStarted
	}
	if gate.AuctionOver(now) {
		return nil, ErrAuctionOver
	}
	if err := e.allocator.CheckQuantity(qty); err != nil {
		return nil, err
	}
	if err := e.allocator.CheckAuction(counters.NumSold, qty, cfg.Caps); err != nil {
		return nil, err
	}

	price, err := auctionPrice(cfg, now)
	if err != nil {
		return nil, err
	}
	cost := price.Mul(decimal.NewFromInt(qty))
	if value.LessThan(cost) {
		return nil, fmt.Errorf("%w: %s < %s", ErrValueTooLow, value, cost)
	}

	rec, err := e.store.GetAuctionRecord(ctx, buyer)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = &model.AuctionRecord{
			Buyer:          buyer,
			Index:          counters.NumDaMinters,
			AmountPaid:     decimal.Zero,
			AmountRefunded: decimal.Zero,
		}
		counters.NumDaMinters++
	case err != nil:
		return nil, fmt.Errorf("load auction record: %w", err)
	}
	rec.AmountPaid = rec.AmountPaid.Add(value)
	rec.NumMinted += qty

	counters.NumSold += qty
	counters.Treasury = counters.Treasury.Add(value)

	cs := &model.Changeset{
		Counters: counters,
		Records:  []model.AuctionRecord{*rec},
	}
	soldOut := supply.AuctionSoldOut(counters.NumSold, cfg.Caps)
	if soldOut {
		cfg.FinalPrice = &price
		cs.Config = cfg
	}

	entry := newEntry(model.EntryBid, buyer, now)
	entry.Quantity = qty
	entry.Amount = value
	entry.Price = price

	ids, err := e.issue(ctx, cfg, buyer, buyer, qty, value, cs, &entry)
	if err != nil {
		return nil, err
	}

	slog.Info("bid accepted",
		"entry_id", entry.ID,
		"buyer", buyer.Hex(),
		"index", rec.Index,
		"qty", qty,
		"price", price.String(),
		"value", value.String(),
		"num_sold", counters.NumSold,
	)
	if soldOut {
		slog.Info("auction sold out", "final_price", price.String())
	}
	e.committed(model.PhaseAuction, qty, counters.NumSold, started)
	metrics.AuctionPrice.Set(price.InexactFloat64())

	e.broadcast(WSMessage{
		Type:     "bid",
		Phase:    string(model.PhaseAuction),
		Account:  buyer.Hex(),
		Quantity: qty,
		Price:    price.String(),
		Amount:   value.String(),
		NumSold:  counters.NumSold,
	})
	if soldOut {
		e.broadcast(WSMessage{Type: "final_price", Price: price.String(), NumSold: counters.NumSold})
	}

	return &PurchaseResult{
		EntryID:  entry.ID,
		Buyer:    buyer,
		Phase:    model.PhaseAuction,
		Quantity: qty,
		Price:    price,
		Value:    value,
		Items:    ids,
		SoldOut:  soldOut,
	}, nil
}

// MintlistSummon buys exactly one unit at the clearing price for an address
// admitted by either allowlist root. Both roots share one used-set.
func (e *Engine) MintlistSummon(ctx context.Context, buyer common.Address, proof []common.Hash, value decimal.Decimal) (res *PurchaseResult, err error) {
	defer e.reject("allowlist", &err)
	started := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, counters, err := e.load(ctx)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	gate := phase.New(cfg.Times)
	if !gate.AllowlistOpen(now, supply.AuctionSoldOut(counters.NumSold, cfg.Caps)) {
		if gate.PublicOpen(now) {
			return nil, ErrAllowlistClosed
		}
		return nil, ErrAllowlistNotStarted
	}
	if err := e.allocator.CheckSale(counters.NumSold, 1, cfg.Caps); err != nil {
		return nil, err
	}

	used, err := e.store.IsMarked(ctx, model.ListAllowlist, buyer)
	if err != nil {
		return nil, fmt.Errorf("load admission mark: %w", err)
	}
	if err := admission.Admit(used, proof, buyer, cfg.Roots.Allowlist1, cfg.Roots.Allowlist2); err != nil {
		return nil, err
	}

	price, err := clearingPrice(cfg, now)
	if err != nil {
		return nil, err
	}
	if !value.Equal(price) {
		return nil, fmt.Errorf("%w: sent %s, price %s", ErrValueIncorrect, value, price)
	}

	counters.NumSold++
	counters.Treasury = counters.Treasury.Add(value)

	entry := newEntry(model.EntryAllowlist, buyer, now)
	entry.Quantity = 1
	entry.Amount = value
	entry.Price = price

	cs := &model.Changeset{
		Counters: counters,
		Marks:    []model.AdmissionMark{{List: model.ListAllowlist, Address: buyer}},
	}
	ids, err := e.issue(ctx, cfg, buyer, buyer, 1, value, cs, &entry)
	if err != nil {
		return nil, err
	}

	slog.Info("allowlist purchase",
		"entry_id", entry.ID,
		"buyer", buyer.Hex(),
		"price", price.String(),
		"item", ids[0],
	)
	e.committed(model.PhaseAllowlist, 1, counters.NumSold, started)
	e.broadcast(WSMessage{
		Type:     "allowlist",
		Phase:    string(model.PhaseAllowlist),
		Account:  buyer.Hex(),
		Quantity: 1,
		Price:    price.String(),
		Amount:   value.String(),
		NumSold:  counters.NumSold,
	})

	return &PurchaseResult{
		EntryID:  entry.ID,
		Buyer:    buyer,
		Phase:    model.PhaseAllowlist,
		Quantity: 1,
		Price:    price,
		Value:    value,
		Items:    ids,
	}, nil
}

// PublicSummon buys qty units at the clearing price. Payment must be exact.
func (e *Engine) PublicSummon(ctx context.Context, buyer common.Address, qty int64, value decimal.Decimal) (res *PurchaseResult, err error) {
	defer e.reject("public", &err)
	started := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, counters, err := e.load(ctx)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	if !phase.New(cfg.Times).PublicOpen(now) {
		return nil, ErrPublicNotStarted
	}
	if err := e.allocator.CheckQuantity(qty); err != nil {
		return nil, err
	}
	if err := e.allocator.CheckSale(counters.NumSold, qty, cfg.Caps); err != nil {
		return nil, err
	}

	price, err := clearingPrice(cfg, now)
	if err != nil {
		return nil, err
	}
	cost := price.Mul(decimal.NewFromInt(qty))
	if !value.Equal(cost) {
		return nil, fmt.Errorf("%w: sent %s, price %s", ErrValueIncorrect, value, cost)
	}

	counters.NumSold += qty
	counters.Treasury = counters.Treasury.Add(value)

	entry := newEntry(model.EntryPublic, buyer, now)
	entry.Quantity = qty
	entry.Amount = value
	entry.Price = price

	ids, err := e.issue(ctx, cfg, buyer, buyer, qty, value, &model.Changeset{Counters: counters}, &entry)
	if err != nil {
		return nil, err
	}

	slog.Info("public purchase",
		"entry_id", entry.ID,
		"buyer", buyer.Hex(),
		"qty", qty,
		"price", price.String(),
		"num_sold", counters.NumSold,
	)
	e.committed(model.PhasePublic, qty, counters.NumSold, started)
	e.broadcast(WSMessage{
		Type:     "public",
		Phase:    string(model.PhasePublic),
		Account:  buyer.Hex(),
		Quantity: qty,
		Price:    price.String(),
		Amount:   value.String(),
		NumSold:  counters.NumSold,
	})

	return &PurchaseResult{
		EntryID:  entry.ID,
		Buyer:    buyer,
		Phase:    model.PhasePublic,
		Quantity: qty,
		Price:    price,
		Value:    value,
		Items:    ids,
	}, nil
}

// ClaimSummon issues one free unit to an address admitted by the claim root.
func (e *Engine) ClaimSummon(ctx context.Context, claimer common.Address, proof []common.Hash) (res *PurchaseResult, err error) {
	defer e.reject("claim", &err)
	started := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, counters, err := e.load(ctx)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	if !phase.New(cfg.Times).ClaimOpen(now) {
		return nil, ErrClaimNotStarted
	}
	if err := e.allocator.CheckClaim(counters.NumClaimed, cfg.Caps); err != nil {
		return nil, err
	}

	used, err := e.store.IsMarked(ctx, model.ListClaim, claimer)
	if err != nil {
		return nil, fmt.Errorf("load admission mark: %w", err)
	}
	if err := admission.Admit(used, proof, claimer, cfg.Roots.Claimlist); err != nil {
		return nil, err
	}

	counters.NumClaimed++

	entry := newEntry(model.EntryClaim, claimer, now)
	entry.Quantity = 1

	cs := &model.Changeset{
		Counters: counters,
		Marks:    []model.AdmissionMark{{List: model.ListClaim, Address: claimer}},
	}
	ids, err := e.issue(ctx, cfg, claimer, claimer, 1, decimal.Zero, cs, &entry)
	if err != nil {
		return nil, err
	}

	slog.Info("claim issued",
		"entry_id", entry.ID,
		"claimer", claimer.Hex(),
		"item", ids[0],
		"num_claimed", counters.NumClaimed,
	)
	e.committed(model.PhaseClaim, 1, counters.NumSold, started)
	e.broadcast(WSMessage{
		Type:     "claim",
		Phase:    string(model.PhaseClaim),
		Account:  claimer.Hex(),
		Quantity: 1,
		NumSold:  counters.NumSold,
	})

	return &PurchaseResult{
		EntryID:  entry.ID,
		Buyer:    claimer,
		Phase:    model.PhaseClaim,
		Quantity: 1,
		Price:    decimal.Zero,
		Value:    decimal.Zero,
		Items:    ids,
	}, nil
}

// TeamSummon issues qty units to recipient for the owner. It bypasses
// phases, proofs, payment and the per-call cap, and does not count toward
// the sale or claim counters.
func (e *Engine) TeamSummon(ctx context.Context, caller, recipient common.Address, qty int64) (res *PurchaseResult, err error) {
	defer e.reject("team", &err)
	started := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, counters, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(cfg, caller); err != nil {
		return nil, err
	}
	if recipient == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if qty < 1 {
		return nil, supply.ErrQuantity
	}

	entry := newEntry(model.EntryTeam, recipient, e.clock())
	entry.Quantity = qty

	ids, err := e.issue(ctx, cfg, caller, recipient, qty, decimal.Zero, &model.Changeset{}, &entry)
	if err != nil {
		return nil, err
	}

	slog.Info("team allocation",
		"entry_id", entry.ID,
		"recipient", recipient.Hex(),
		"qty", qty,
		"first_item", ids[0],
	)
	e.committed("team", qty, counters.NumSold, started)
	e.broadcast(WSMessage{Type: "team", Account: recipient.Hex(), Quantity: qty, NumSold: counters.NumSold})

	return &PurchaseResult{
		EntryID:  entry.ID,
		Buyer:    recipient,
		Quantity: qty,
		Price:    decimal.Zero,
		Value:    decimal.Zero,
		Items:    ids,
	}, nil
}

// issue collects value from payer, mints qty items to recipient and commits
// cs with entry, the new items and the moved balances appended. Any failure burns what was minted and returns the
// payment, so the call leaves no trace.
func (e *Engine) issue(ctx context.Context, cfg *model.SaleConfig, payer, recipient common.Address,
	qty int64, value decimal.Decimal, cs *model.Changeset, entry *model.LedgerEntry) ([]uint64, error) {

	ledger, err := e.itemLedger(cfg)
	if err != nil {
		return nil, err
	}

	if value.IsPositive() {
		if err := e.bank.Transfer(ctx, payer, e.self, value); err != nil {
			return nil, fmt.Errorf("collect payment: %w", err)
		}
	}

	ids := make([]uint64, 0, qty)
	undo := func() {
		for _, id := range ids {
			if !ledger.Exists(id) {
				continue
			}
			if err := ledger.Burn(ctx, e.self, id); err != nil {
				slog.Error("burn after failed purchase", "item", id, "err", err)
			}
		}
		if value.IsPositive() {
			if err := e.bank.Send(ctx, e.self, payer, value); err != nil {
				slog.Error("return payment after failed purchase",
					"payer", payer.Hex(), "value", value.String(), "err", err)
			}
		}
	}

	for i := int64(0); i < qty; i++ {
		id, err := ledger.Mint(ctx, e.self, recipient)
		if err != nil {
			undo()
			return nil, fmt.Errorf("mint: %w", err)
		}
		ids = append(ids, id)
	}

	entry.FirstItem = int64(ids[0])
	cs.Entries = append(cs.Entries, *entry)
	for _, id := range ids {
		cs.Items = append(cs.Items, model.ItemRecord{Ledger: ledger.Address(), ID: id, Owner: recipient})
	}
	if value.IsPositive() {
		cs.Balances = append(cs.Balances, e.nativeBalances(payer, e.self)...)
	}
	if err := e.store.Commit(ctx, cs); err != nil {
		undo()
		return nil, fmt.Errorf("commit purchase: %w", err)
	}
	return ids, nil
}

func (e *Engine) committed(p model.Phase, qty, numSold int64, started time.Time) {
	metrics.PurchasesTotal.WithLabelValues(string(p)).Inc()
	metrics.UnitsIssued.WithLabelValues(string(p)).Add(float64(qty))
	metrics.PurchaseLatency.WithLabelValues(string(p)).Observe(time.Since(started).Seconds())
	metrics.NumSold.Set(float64(numSold))
}

// reject counts a failed call. Deferred with the call's named error.
func (e *Engine) reject(op string, err *error) {
	if *err != nil {
		metrics.Rejections.WithLabelValues(op).Inc()
	}
}
