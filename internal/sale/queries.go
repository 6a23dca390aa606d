package sale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/sale-engine/internal/metrics"
	"github.com/atmx/sale-engine/internal/model"
	"github.com/atmx/sale-engine/internal/phase"
	"github.com/atmx/sale-engine/internal/store"
	"github.com/atmx/sale-engine/internal/supply"
)

// Status is a point-in-time snapshot of the sale.
type Status struct {
	Now              time.Time        `json:"now"`
	Phase            model.Phase      `json:"phase"`
	OpenPhases       []model.Phase    `json:"open_phases"`
	Paused           bool             `json:"paused"`
	AuctionPrice     decimal.Decimal  `json:"auction_price"`
	ClearingPrice    decimal.Decimal  `json:"clearing_price"`
	FinalPrice       *decimal.Decimal `json:"final_price,omitempty"`
	NumSold          int64            `json:"num_sold"`
	NumClaimed       int64            `json:"num_claimed"`
	NumDaMinters     int64            `json:"num_da_minters"`
	AuctionRemaining int64            `json:"auction_remaining"`
	SaleRemaining    int64            `json:"sale_remaining"`
	ClaimRemaining   int64            `json:"claim_remaining"`
	ItemsMinted      uint64           `json:"items_minted"`
	Treasury         decimal.Decimal  `json:"treasury"`
}

// BuyerPosition is an auction record with its current refund obligation.
type BuyerPosition struct {
	model.AuctionRecord
	RefundOwed decimal.Decimal `json:"refund_owed"`
}

// Status reports phases, prices and counters at the engine's clock.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, counters, err := e.load(ctx)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	soldOut := supply.AuctionSoldOut(counters.NumSold, cfg.Caps)
	gate := phase.New(cfg.Times)

	price, err := auctionPrice(cfg, now)
	if err != nil {
		return nil, err
	}
	clearing, err := clearingPrice(cfg, now)
	if err != nil {
		return nil, err
	}
	metrics.AuctionPrice.Set(price.InexactFloat64())

	st := &Status{
		Now:              now.UTC(),
		Phase:            gate.Active(now, soldOut),
		OpenPhases:       gate.Open(now, soldOut),
		Paused:           cfg.Paused,
		AuctionPrice:     price,
		ClearingPrice:    clearing,
		FinalPrice:       cfg.FinalPrice,
		NumSold:          counters.NumSold,
		NumClaimed:       counters.NumClaimed,
		NumDaMinters:     counters.NumDaMinters,
		AuctionRemaining: supply.Remaining(counters.NumSold, supply.AuctionLimit(cfg.Caps)),
		SaleRemaining:    supply.Remaining(counters.NumSold, cfg.Caps.MaxForSale),
		ClaimRemaining:   supply.Remaining(counters.NumClaimed, cfg.Caps.MaxForClaim),
		Treasury:         counters.Treasury,
	}
	if st.OpenPhases == nil {
		st.OpenPhases = []model.Phase{}
	}
	if l, err := e.itemLedger(cfg); err == nil {
		st.ItemsMinted = l.NumMinted()
	}
	return st, nil
}

// Config returns the current configuration aggregate.
func (e *Engine) Config(ctx context.Context) (*model.SaleConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, _, err := e.load(ctx)
	return cfg, err
}

// NumDaMinters returns the number of distinct auction buyers.
func (e *Engine) NumDaMinters(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	counters, err := e.store.LoadCounters(ctx)
	if err != nil {
		return 0, err
	}
	return counters.NumDaMinters, nil
}

// Position returns buyer's auction record and refund obligation.
func (e *Engine) Position(ctx context.Context, buyer common.Address) (*BuyerPosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, _, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.GetAuctionRecord(ctx, buyer)
	if err != nil {
		return nil, err
	}
	price, err := clearingPrice(cfg, e.clock())
	if err != nil {
		return nil, err
	}
	return &BuyerPosition{AuctionRecord: *rec, RefundOwed: rec.RefundOwed(price)}, nil
}

// Buyers lists auction positions with index in [start, end], clipped to the
// buyers that exist, for planning batch refunds.
func (e *Engine) Buyers(ctx context.Context, start, end int64) ([]BuyerPosition, error) {
	if start < 0 || start > end {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, start, end)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, _, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	price, err := clearingPrice(cfg, e.clock())
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListAuctionRecords(ctx, start, end)
	if err != nil {
		return nil, err
	}

	out := make([]BuyerPosition, 0, len(records))
	for _, r := range records {
		out = append(out, BuyerPosition{AuctionRecord: r, RefundOwed: r.RefundOwed(price)})
	}
	return out, nil
}

// History returns the ledger entries recorded for account.
func (e *Engine) History(ctx context.Context, account common.Address) ([]model.LedgerEntry, error) {
	entries, err := e.store.GetLedgerEntriesByAccount(ctx, account)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

// AuxBalance returns addr's balance on the configured auxiliary token.
func (e *Engine) AuxBalance(ctx context.Context, addr common.Address) (decimal.Decimal, error) {
	e.mu.Lock()
	cfg, _, err := e.load(ctx)
	e.mu.Unlock()
	if err != nil {
		return decimal.Zero, err
	}
	aux, err := e.auxToken(cfg)
	if err != nil {
		return decimal.Zero, err
	}
	return aux.BalanceOf(ctx, addr)
}
