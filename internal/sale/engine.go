// Package sale runs the time-phased token sale: the descending-price
// auction, allowlist, public and claim purchases, refund settlement against
// the clearing price, and the owner-gated administrative surface.
//
// All monetary values use shopspring/decimal — never float64 for money.
package sale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/sale-engine/internal/curve"
	"github.com/atmx/sale-engine/internal/model"
	"github.com/atmx/sale-engine/internal/store"
	"github.com/atmx/sale-engine/internal/supply"
)

var (
	ErrUnauthorized         = errors.New("sale: caller is not authorized")
	ErrPaused               = errors.New("sale: auction is paused")
	ErrAuctionNotStarted    = errors.New("sale: auction has not started")
	ErrAuctionOver          = errors.New("sale: auction is over")
	ErrAllowlistNotStarted  = errors.New("sale: allowlist sale has not started")
	ErrAllowlistClosed      = errors.New("sale: allowlist sale is closed")
	ErrPublicNotStarted     = errors.New("sale: public sale has not started")
	ErrClaimNotStarted      = errors.New("sale: claim has not started")
	ErrSelfRefundNotStarted = errors.New("sale: self refunds have not started")
	ErrValueTooLow          = errors.New("sale: value below price")
	ErrValueIncorrect       = errors.New("sale: value must equal price")
	ErrFinalPriceBelowFloor = errors.New("sale: final price below lowest price")
	ErrCurveLocked          = errors.New("sale: curve is locked once the final price is fixed")
	ErrPhaseOrder           = errors.New("sale: phase start times out of order")
	ErrInvalidCap           = errors.New("sale: caps must not be negative")
	ErrInvalidRange         = errors.New("sale: invalid buyer index range")
	ErrZeroAddress          = errors.New("sale: zero address")
	ErrInvalidAmount        = errors.New("sale: amount must be positive")
	ErrInsufficientFunds    = errors.New("sale: insufficient treasury")
	ErrNoItemLedger         = errors.New("sale: no ownership ledger at the configured address")
	ErrNoAuxToken           = errors.New("sale: no auxiliary token at the configured address")
	ErrNotConfigured        = errors.New("sale: sale is not configured")
	ErrReserveShortfall     = errors.New("sale: engine holds less than the persisted treasury")
)

// ItemLedger is the ownership ledger the engine issues items through. The
// engine must hold the ledger's minter role.
type ItemLedger interface {
	Address() common.Address
	Mint(ctx context.Context, minter, to common.Address) (uint64, error)
	Burn(ctx context.Context, minter common.Address, id uint64) error
	Exists(id uint64) bool
	NumMinted() uint64
}

// Payments moves native value. Transfer runs payee logic, which may reject
// the payment or re-enter the engine; Send does not.
type Payments interface {
	Transfer(ctx context.Context, from, to common.Address, amount decimal.Decimal) error
	Send(ctx context.Context, from, to common.Address, amount decimal.Decimal) error
	BalanceOf(addr common.Address) decimal.Decimal
}

// Collaborators that keep their own state in process implement these so
// Recover can reload it from the store.
type (
	itemRestorer interface {
		Restore(records []model.ItemRecord) error
	}
	balanceRestorer interface {
		Restore(balances []model.Balance)
	}
	funder interface {
		Fund(addr common.Address, amount decimal.Decimal)
	}
)

// AuxToken is the auxiliary fungible token refunds fall back to.
type AuxToken interface {
	Address() common.Address
	CreditBalance(ctx context.Context, from, to common.Address, amount decimal.Decimal) error
	BalanceOf(ctx context.Context, addr common.Address) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to common.Address, amount decimal.Decimal) error
}

// Broadcaster receives committed sale events.
type Broadcaster interface {
	Broadcast(msg WSMessage)
}

// Options configure an Engine.
type Options struct {
	// Self is the engine's own account: it receives payments and holds the
	// minter role on the ownership ledger.
	Self common.Address

	// MaxPerCall bounds buyer-initiated purchases; zero means the default.
	MaxPerCall int64

	// Items and AuxTokens are the collaborators the engine can reach. The
	// configured Roles.Items and Roles.AuxToken addresses pick among them.
	Items     []ItemLedger
	AuxTokens []AuxToken

	// Clock returns the current time; nil means time.Now.
	Clock func() time.Time

	// Events receives committed events; nil disables broadcasting.
	Events Broadcaster
}

// Engine executes sale operations. A mutex serializes every call so each
// one sees and commits a consistent state (single-instance). Outbound
// payouts run after the mutex is released, once the obligation they settle
// has already been committed as cleared.
type Engine struct {
	store     store.Store
	bank      Payments
	self      common.Address
	allocator *supply.Allocator
	items     map[common.Address]ItemLedger
	aux       map[common.Address]AuxToken
	clock     func() time.Time
	events    Broadcaster
	mu        sync.Mutex
}

// NewEngine creates a sale engine over st settling through bank.
func NewEngine(st store.Store, bank Payments, opts Options) *Engine {
	e := &Engine{
		store:     st,
		bank:      bank,
		self:      opts.Self,
		allocator: supply.NewAllocator(opts.MaxPerCall),
		items:     make(map[common.Address]ItemLedger),
		aux:       make(map[common.Address]AuxToken),
		clock:     opts.Clock,
		events:    opts.Events,
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	for _, l := range opts.Items {
		e.items[l.Address()] = l
	}
	for _, t := range opts.AuxTokens {
		e.aux[t.Address()] = t
	}
	return e
}

// Self returns the engine's own account.
func (e *Engine) Self() common.Address {
	return e.self
}

// Bootstrap persists cfg when the store holds no configuration yet. An
// existing configuration always wins; it is returned unchanged.
func (e *Engine) Bootstrap(ctx context.Context, cfg *model.SaleConfig) (*model.SaleConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.store.LoadConfig(ctx)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if err := e.store.Commit(ctx, &model.Changeset{Config: cfg.Clone()}); err != nil {
		return nil, fmt.Errorf("persist sale config: %w", err)
	}

	slog.Info("sale configured",
		"owner", cfg.Roles.Owner.Hex(),
		"auction_start", cfg.Times.AuctionStart,
		"start_price", cfg.Curve.StartPrice.String(),
		"lowest_price", cfg.Curve.LowestPrice.String(),
		"max_for_sale", cfg.Caps.MaxForSale,
	)
	return cfg.Clone(), nil
}

// Recover reloads the state collaborators persisted through earlier
// commits: issued items, native balances and auxiliary-token balances.
// Accounts in seed without a persisted native balance are funded and the
// result persisted. Recover fails with ErrReserveShortfall when the engine
// holds less native value than the persisted treasury.
func (e *Engine) Recover(ctx context.Context, seed map[common.Address]decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var numItems int
	for addr, l := range e.items {
		r, ok := l.(itemRestorer)
		if !ok {
			continue
		}
		records, err := e.store.ListItems(ctx, addr)
		if err != nil {
			return fmt.Errorf("load items of %s: %w", addr.Hex(), err)
		}
		if err := r.Restore(records); err != nil {
			return err
		}
		numItems += len(records)
	}

	native, err := e.store.LoadBalances(ctx, model.AssetNative)
	if err != nil {
		return fmt.Errorf("load native balances: %w", err)
	}
	if r, ok := e.bank.(balanceRestorer); ok {
		r.Restore(native)
	}
	for addr, t := range e.aux {
		r, ok := t.(balanceRestorer)
		if !ok {
			continue
		}
		bals, err := e.store.LoadBalances(ctx, model.AuxAsset(addr))
		if err != nil {
			return fmt.Errorf("load balances of %s: %w", addr.Hex(), err)
		}
		r.Restore(bals)
	}

	known := make(map[common.Address]bool, len(native))
	for _, b := range native {
		known[b.Account] = true
	}
	var seeded []common.Address
	for addr, amount := range seed {
		if known[addr] {
			continue
		}
		f, ok := e.bank.(funder)
		if !ok {
			return errors.New("sale: payments rail cannot be seeded")
		}
		f.Fund(addr, amount)
		seeded = append(seeded, addr)
	}
	if len(seeded) > 0 {
		if err := e.store.Commit(ctx, &model.Changeset{Balances: e.nativeBalances(seeded...)}); err != nil {
			return fmt.Errorf("persist seeded balances: %w", err)
		}
	}

	counters, err := e.store.LoadCounters(ctx)
	if err != nil {
		return fmt.Errorf("load counters: %w", err)
	}
	held := e.bank.BalanceOf(e.self)
	if held.LessThan(counters.Treasury) {
		return fmt.Errorf("%w: treasury %s, held %s", ErrReserveShortfall, counters.Treasury, held)
	}

	slog.Info("state recovered",
		"items", numItems,
		"balances", len(native),
		"seeded", len(seeded),
		"treasury", counters.Treasury.String(),
		"held", held.String(),
	)
	return nil
}

// nativeBalances snapshots the native balances of accounts for a commit.
func (e *Engine) nativeBalances(accounts ...common.Address) []model.Balance {
	out := make([]model.Balance, 0, len(accounts))
	seen := make(map[common.Address]bool, len(accounts))
	for _, a := range accounts {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, model.Balance{Asset: model.AssetNative, Account: a, Amount: e.bank.BalanceOf(a)})
	}
	return out
}

// auxBalances snapshots token balances of accounts on t for a commit.
func auxBalances(ctx context.Context, t AuxToken, accounts ...common.Address) ([]model.Balance, error) {
	out := make([]model.Balance, 0, len(accounts))
	for _, a := range accounts {
		amount, err := t.BalanceOf(ctx, a)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Balance{Asset: model.AuxAsset(t.Address()), Account: a, Amount: amount})
	}
	return out, nil
}

// ValidateConfig checks a complete configuration aggregate.
func ValidateConfig(cfg *model.SaleConfig) error {
	if cfg.Roles.Owner == (common.Address{}) {
		return fmt.Errorf("owner: %w", ErrZeroAddress)
	}
	if err := curve.Validate(cfg.Curve); err != nil {
		return err
	}
	if err := validateTimes(cfg.Times); err != nil {
		return err
	}
	if err := validateCaps(cfg.Caps); err != nil {
		return err
	}
	if cfg.FinalPrice != nil && cfg.FinalPrice.LessThan(cfg.Curve.LowestPrice) {
		return ErrFinalPriceBelowFloor
	}
	return nil
}

// validateTimes requires scheduled phases to start in sale order.
func validateTimes(t model.PhaseTimes) error {
	ordered := []time.Time{t.AuctionStart, t.AllowlistStart, t.PublicStart, t.ClaimStart}
	var prev time.Time
	for _, at := range ordered {
		if at.IsZero() {
			continue
		}
		if !prev.IsZero() && at.Before(prev) {
			return ErrPhaseOrder
		}
		prev = at
	}
	return nil
}

func validateCaps(c model.Caps) error {
	if c.MaxDaSupply < 0 || c.MaxForSale < 0 || c.MaxForClaim < 0 {
		return ErrInvalidCap
	}
	return nil
}

// load reads the configuration and counters. Callers hold e.mu.
func (e *Engine) load(ctx context.Context) (*model.SaleConfig, *model.Counters, error) {
	cfg, err := e.store.LoadConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrNotConfigured
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	counters, err := e.store.LoadCounters(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load counters: %w", err)
	}
	return cfg, counters, nil
}

func (e *Engine) itemLedger(cfg *model.SaleConfig) (ItemLedger, error) {
	l, ok := e.items[cfg.Roles.Items]
	if !ok {
		return nil, ErrNoItemLedger
	}
	return l, nil
}

func (e *Engine) auxToken(cfg *model.SaleConfig) (AuxToken, error) {
	t, ok := e.aux[cfg.Roles.AuxToken]
	if !ok {
		return nil, ErrNoAuxToken
	}
	return t, nil
}

func requireOwner(cfg *model.SaleConfig, caller common.Address) error {
	if caller != cfg.Roles.Owner {
		return ErrUnauthorized
	}
	return nil
}

// requireRefunder admits the refunder and the owner.
func requireRefunder(cfg *model.SaleConfig, caller common.Address) error {
	if caller == cfg.Roles.Owner {
		return nil
	}
	if cfg.Roles.Refunder != (common.Address{}) && caller == cfg.Roles.Refunder {
		return nil
	}
	return ErrUnauthorized
}

func newEntry(kind string, account common.Address, now time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		ID:        uuid.New().String(),
		Kind:      kind,
		Account:   account,
		Amount:    decimal.Zero,
		Price:     decimal.Zero,
		FirstItem: -1,
		Timestamp: now.UTC(),
	}
}

func (e *Engine) broadcast(msg WSMessage) {
	if e.events != nil {
		e.events.Broadcast(msg)
	}
}
