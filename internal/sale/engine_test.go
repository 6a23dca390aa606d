package sale_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/sale-engine/internal/admission"
	"github.com/atmx/sale-engine/internal/funds"
	"github.com/atmx/sale-engine/internal/items"
	"github.com/atmx/sale-engine/internal/model"
	"github.com/atmx/sale-engine/internal/sale"
	"github.com/atmx/sale-engine/internal/store"
	"github.com/atmx/sale-engine/internal/supply"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	owner     = common.HexToAddress("0x0a")
	refunder  = common.HexToAddress("0x0b")
	vault     = common.HexToAddress("0x0c")
	self      = common.HexToAddress("0x5e")
	itemsAddr = common.HexToAddress("0x1d")
	auxAddr   = common.HexToAddress("0xa0")

	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
	carol = common.HexToAddress("0xca501")
	dave  = common.HexToAddress("0xda7e")

	t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) set(at time.Time) { c.now = at }

type testEnv struct {
	engine *sale.Engine
	store  *store.MemoryStore
	bank   *funds.Bank
	items  *items.Ledger
	aux    *funds.AuxToken
	clock  *clock
}

func testConfig() *model.SaleConfig {
	return &model.SaleConfig{
		Times: model.PhaseTimes{
			AuctionStart:    t0,
			AllowlistStart:  t0.Add(24 * time.Hour),
			PublicStart:     t0.Add(48 * time.Hour),
			ClaimStart:      t0.Add(72 * time.Hour),
			SelfRefundStart: t0.Add(96 * time.Hour),
		},
		Curve: model.CurveParams{
			StartPrice:   d(2.5),
			LowestPrice:  d(0.6),
			CurveLength:  380 * time.Minute,
			DropInterval: 10 * time.Minute,
		},
		Caps: model.Caps{MaxDaSupply: 8000, MaxForSale: 14190, MaxForClaim: 1100},
		Roles: model.Roles{
			Owner:    owner,
			Refunder: refunder,
			Vault:    vault,
			Items:    itemsAddr,
			AuxToken: auxAddr,
		},
	}
}

// newTestEnv creates an engine over an in-memory store with funded buyers.
// edit, if non-nil, adjusts the configuration before it is persisted.
func newTestEnv(t *testing.T, edit func(cfg *model.SaleConfig)) *testEnv {
	t.Helper()

	bank := funds.NewBank()
	for _, a := range []common.Address{alice, bob, carol, dave, owner} {
		bank.Fund(a, d(100))
	}
	ledger := items.NewLedger(itemsAddr, owner, "https://items.example/", 0)
	if err := ledger.SetMinter(owner, self); err != nil {
		t.Fatalf("set minter: %v", err)
	}
	aux := funds.NewAuxToken(auxAddr, bank)
	clk := &clock{now: t0}
	ms := store.NewMemoryStore()

	engine := sale.NewEngine(ms, bank, sale.Options{
		Self:      self,
		Items:     []sale.ItemLedger{ledger},
		AuxTokens: []sale.AuxToken{aux},
		Clock:     clk.Now,
	})

	cfg := testConfig()
	if edit != nil {
		edit(cfg)
	}
	if _, err := engine.Bootstrap(context.Background(), cfg); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return &testEnv{engine: engine, store: ms, bank: bank, items: ledger, aux: aux, clock: clk}
}

func (env *testEnv) bid(t *testing.T, buyer common.Address, qty int64, value decimal.Decimal) *sale.PurchaseResult {
	t.Helper()
	res, err := env.engine.BidSummon(context.Background(), buyer, qty, value)
	if err != nil {
		t.Fatalf("bid %s: %v", buyer.Hex(), err)
	}
	return res
}

func (env *testEnv) owed(t *testing.T, buyer common.Address) decimal.Decimal {
	t.Helper()
	owed, err := env.engine.RefundOwed(context.Background(), buyer)
	if err != nil {
		t.Fatalf("refund owed: %v", err)
	}
	return owed
}

func (env *testEnv) counters(t *testing.T) *model.Counters {
	t.Helper()
	c, err := env.store.LoadCounters(context.Background())
	if err != nil {
		t.Fatalf("load counters: %v", err)
	}
	return c
}

func tree(t *testing.T, addrs ...common.Address) *admission.Tree {
	t.Helper()
	tr, err := admission.NewTree(addrs)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	return tr
}

func proof(t *testing.T, tr *admission.Tree, addr common.Address) []common.Hash {
	t.Helper()
	p, err := tr.Proof(addr)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	return p
}

// --- Bootstrap ---

func TestBootstrap_ExistingConfigWins(t *testing.T) {
	env := newTestEnv(t, nil)

	other := testConfig()
	other.Caps.MaxForSale = 1
	cfg, err := env.engine.Bootstrap(context.Background(), other)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if cfg.Caps.MaxForSale != 14190 {
		t.Errorf("expected persisted cap 14190, got %d", cfg.Caps.MaxForSale)
	}
}

func TestBootstrap_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		edit func(cfg *model.SaleConfig)
		want error
	}{
		{"no owner", func(c *model.SaleConfig) { c.Roles.Owner = common.Address{} }, sale.ErrZeroAddress},
		{"negative cap", func(c *model.SaleConfig) { c.Caps.MaxForClaim = -1 }, sale.ErrInvalidCap},
		{"times out of order", func(c *model.SaleConfig) { c.Times.PublicStart = t0 }, sale.ErrPhaseOrder},
		{"final below floor", func(c *model.SaleConfig) { fp := d(0.5); c.FinalPrice = &fp }, sale.ErrFinalPriceBelowFloor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := sale.NewEngine(store.NewMemoryStore(), funds.NewBank(), sale.Options{Self: self})
			cfg := testConfig()
			tt.edit(cfg)
			if _, err := engine.Bootstrap(context.Background(), cfg); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestEngine_NotConfigured(t *testing.T) {
	engine := sale.NewEngine(store.NewMemoryStore(), funds.NewBank(), sale.Options{Self: self})
	_, err := engine.BidSummon(context.Background(), alice, 1, d(2.5))
	if !errors.Is(err, sale.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

// --- Auction ---

func TestBid_PriceFollowsCurve(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		elapsed time.Duration
		price   float64
	}{
		{0, 2.5},
		{9 * time.Minute, 2.5},
		{10 * time.Minute, 2.45},
		{100 * time.Minute, 2.0},
		{380 * time.Minute, 0.6},
		{20 * time.Hour, 0.6},
	}

	for _, tt := range tests {
		env.clock.set(t0.Add(tt.elapsed))
		res := env.bid(t, alice, 1, d(tt.price))
		if !res.Price.Equal(d(tt.price)) {
			t.Errorf("at +%s: expected price %v, got %s", tt.elapsed, tt.price, res.Price)
		}
	}
}

func TestBid_Overpay(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.bid(t, alice, 2, d(6))
	if !res.Price.Equal(d(2.5)) || !res.Value.Equal(d(6)) {
		t.Errorf("unexpected result %+v", res)
	}
	if !env.bank.BalanceOf(alice).Equal(d(94)) {
		t.Errorf("expected overpayment to be held, alice has %s", env.bank.BalanceOf(alice))
	}
	c := env.counters(t)
	if c.NumSold != 2 || c.NumDaMinters != 1 || !c.Treasury.Equal(d(6)) {
		t.Errorf("unexpected counters %+v", c)
	}
}

func TestBid_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		at    time.Time
		qty   int64
		value float64
		pause bool
		want  error
	}{
		{"before start", t0.Add(-time.Second), 1, 2.5, false, sale.ErrAuctionNotStarted},
		{"after close", t0.Add(24 * time.Hour), 1, 2.5, false, sale.ErrAuctionOver},
		{"zero quantity", t0, 0, 0, false, supply.ErrQuantity},
		{"over per-call cap", t0, 21, 100, false, supply.ErrQuantity},
		{"underpay", t0, 2, 4.99, false, sale.ErrValueTooLow},
		{"paused", t0, 1, 2.5, true, sale.ErrPaused},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *model.SaleConfig) { c.Paused = tt.pause })
			env.clock.set(tt.at)

			_, err := env.engine.BidSummon(context.Background(), alice, tt.qty, d(tt.value))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !env.bank.BalanceOf(alice).Equal(d(100)) {
				t.Error("rejected bid must not move funds")
			}
			if env.items.NumMinted() != 0 {
				t.Error("rejected bid must not mint")
			}
		})
	}
}

func TestBid_UnfundedBuyerLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, nil)
	poor := common.HexToAddress("0x9009")

	_, err := env.engine.BidSummon(context.Background(), poor, 1, d(2.5))
	if !errors.Is(err, funds.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if c := env.counters(t); c.NumSold != 0 || c.NumDaMinters != 0 {
		t.Errorf("unexpected counters %+v", c)
	}
	if env.items.NumMinted() != 0 {
		t.Error("unexpected mint")
	}
}

func TestBid_SupplyEdge(t *testing.T) {
	env := newTestEnv(t, func(c *model.SaleConfig) { c.Caps.MaxDaSupply = 5 })
	ctx := context.Background()

	env.bid(t, alice, 3, d(7.5))

	_, err := env.engine.BidSummon(ctx, bob, 3, d(7.5))
	if !errors.Is(err, supply.ErrNotEnoughRemaining) {
		t.Fatalf("expected ErrNotEnoughRemaining, got %v", err)
	}

	env.clock.set(t0.Add(30 * time.Minute))
	res := env.bid(t, bob, 2, d(5))
	if !res.SoldOut {
		t.Error("expected the last units to sell out the auction")
	}

	_, err = env.engine.BidSummon(ctx, carol, 1, d(2.5))
	if !errors.Is(err, supply.ErrAuctionSoldOut) {
		t.Errorf("expected ErrAuctionSoldOut, got %v", err)
	}

	cfg, _ := env.engine.Config(ctx)
	if cfg.FinalPrice == nil || !cfg.FinalPrice.Equal(d(2.35)) {
		t.Errorf("expected sell-out to fix final price 2.35, got %v", cfg.FinalPrice)
	}
	if c := env.counters(t); c.NumSold != 5 {
		t.Errorf("expected 5 sold, got %d", c.NumSold)
	}
}

func TestBid_RepeatBuyerKeepsIndex(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 1, d(2.5))
	env.bid(t, bob, 1, d(2.5))
	env.bid(t, alice, 2, d(5))

	rec, err := env.store.GetAuctionRecord(ctx, alice)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Index != 0 || rec.NumMinted != 3 || !rec.AmountPaid.Equal(d(7.5)) {
		t.Errorf("unexpected record %+v", rec)
	}
	if n, _ := env.engine.NumDaMinters(ctx); n != 2 {
		t.Errorf("expected 2 distinct buyers, got %d", n)
	}
}

func TestBid_IssuesSequentialItems(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.bid(t, alice, 2, d(5))
	second := env.bid(t, bob, 1, d(2.5))

	if len(first.Items) != 2 || first.Items[0] != 0 || first.Items[1] != 1 {
		t.Errorf("unexpected first items %v", first.Items)
	}
	if len(second.Items) != 1 || second.Items[0] != 2 {
		t.Errorf("unexpected second items %v", second.Items)
	}
	if owner, _ := env.items.OwnerOf(2); owner != bob {
		t.Errorf("expected bob to own item 2, got %s", owner.Hex())
	}
}

func TestBid_UnknownItemLedger(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.engine.SetItemsAddress(ctx, owner, common.HexToAddress("0xdead")); err != nil {
		t.Fatalf("set items: %v", err)
	}
	_, err := env.engine.BidSummon(ctx, alice, 1, d(2.5))
	if !errors.Is(err, sale.ErrNoItemLedger) {
		t.Errorf("expected ErrNoItemLedger, got %v", err)
	}
	if !env.bank.BalanceOf(alice).Equal(d(100)) {
		t.Error("failed bid must not move funds")
	}
}

// --- Settlement ---

func TestRefund_SingleBuyer(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 1, d(2.5))
	if err := env.engine.SetFinalPrice(ctx, owner, d(1)); err != nil {
		t.Fatalf("set final price: %v", err)
	}
	if owed := env.owed(t, alice); !owed.Equal(d(1.5)) {
		t.Fatalf("expected 1.5 owed, got %s", owed)
	}

	before := env.bank.BalanceOf(alice)
	res, err := env.engine.IssueRefunds(ctx, owner, 0, 0)
	if err != nil {
		t.Fatalf("issue refunds: %v", err)
	}
	if !res.Total.Equal(d(1.5)) {
		t.Errorf("expected total 1.5, got %s", res.Total)
	}
	if got := env.bank.BalanceOf(alice).Sub(before); !got.Equal(d(1.5)) {
		t.Errorf("expected alice to receive 1.5, got %s", got)
	}
	if owed := env.owed(t, alice); !owed.IsZero() {
		t.Errorf("expected nothing owed after settlement, got %s", owed)
	}

	// Idempotent.
	res, err = env.engine.IssueRefunds(ctx, owner, 0, 0)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !res.Total.IsZero() {
		t.Errorf("second run must pay zero, paid %s", res.Total)
	}
}

func TestRefund_ConservationAcrossBuyers(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 2, d(5)) // 2.5 each
	env.clock.set(t0.Add(100 * time.Minute))
	env.bid(t, bob, 1, d(2)) // 2.0
	env.clock.set(t0.Add(200 * time.Minute))
	env.bid(t, carol, 3, d(6)) // 1.5 each, overpaid by 1.5

	final := d(1.2)
	if err := env.engine.SetFinalPrice(ctx, owner, final); err != nil {
		t.Fatalf("set final price: %v", err)
	}

	want := map[common.Address]float64{alice: 2.6, bob: 0.8, carol: 2.4}
	totalOwed, totalMinted, totalPaid := decimal.Zero, int64(0), decimal.Zero
	positions, err := env.engine.Buyers(ctx, 0, 2)
	if err != nil {
		t.Fatalf("buyers: %v", err)
	}
	for _, p := range positions {
		if !p.RefundOwed.Equal(d(want[p.Buyer])) {
			t.Errorf("%s: expected %v owed, got %s", p.Buyer.Hex(), want[p.Buyer], p.RefundOwed)
		}
		totalOwed = totalOwed.Add(p.RefundOwed)
		totalMinted += p.NumMinted
		totalPaid = totalPaid.Add(p.AmountPaid)
	}
	if !totalOwed.Add(final.Mul(decimal.NewFromInt(totalMinted))).Equal(totalPaid) {
		t.Errorf("conservation violated: owed %s + %s × %d != paid %s", totalOwed, final, totalMinted, totalPaid)
	}

	// Settle in two batches.
	if _, err := env.engine.IssueRefunds(ctx, refunder, 0, 1); err != nil {
		t.Fatalf("batch 1: %v", err)
	}
	if _, err := env.engine.IssueRefunds(ctx, refunder, 2, 2); err != nil {
		t.Fatalf("batch 2: %v", err)
	}
	for _, a := range []common.Address{alice, bob, carol} {
		if owed := env.owed(t, a); !owed.IsZero() {
			t.Errorf("%s still owed %s", a.Hex(), owed)
		}
	}
	if c := env.counters(t); !c.Treasury.Equal(final.Mul(decimal.NewFromInt(totalMinted))) {
		t.Errorf("expected treasury to keep final × minted, got %s", c.Treasury)
	}
}

func TestRefund_RejectingRecipientGetsAuxCredit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 1, d(2.5))
	env.bid(t, bob, 1, d(2.5))
	env.bid(t, carol, 1, d(2.5))
	env.bank.SetReceiver(bob, func(context.Context, common.Address, decimal.Decimal) error {
		return errors.New("no thanks")
	})
	if err := env.engine.SetFinalPrice(ctx, owner, d(1)); err != nil {
		t.Fatalf("set final price: %v", err)
	}

	bobBefore := env.bank.BalanceOf(bob)
	res, err := env.engine.IssueRefunds(ctx, owner, 0, 2)
	if err != nil {
		t.Fatalf("issue refunds: %v", err)
	}

	channels := map[common.Address]string{}
	for _, p := range res.Payouts {
		channels[p.Buyer] = p.Channel
	}
	if channels[alice] != sale.ChannelNative || channels[carol] != sale.ChannelNative {
		t.Errorf("expected native payouts for cooperative buyers, got %v", channels)
	}
	if channels[bob] != sale.ChannelAux {
		t.Errorf("expected aux payout for bob, got %q", channels[bob])
	}

	if !env.bank.BalanceOf(bob).Equal(bobBefore) {
		t.Error("bob's native balance must not change")
	}
	if bal, _ := env.aux.BalanceOf(ctx, bob); !bal.Equal(d(1.5)) {
		t.Errorf("expected bob aux credit 1.5, got %s", bal)
	}
	if bal, _ := env.engine.AuxBalance(ctx, bob); !bal.Equal(d(1.5)) {
		t.Errorf("expected engine to report aux balance 1.5, got %s", bal)
	}
	if owed := env.owed(t, bob); !owed.IsZero() {
		t.Errorf("bob's position must be cleared, still owed %s", owed)
	}
}

func TestRefund_ReentrantReceiverFindsNothingOwed(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 1, d(2.5))
	if err := env.engine.SetFinalPrice(ctx, owner, d(1)); err != nil {
		t.Fatalf("set final price: %v", err)
	}

	var nested []decimal.Decimal
	env.bank.SetReceiver(alice, func(ctx context.Context, _ common.Address, _ decimal.Decimal) error {
		owed, err := env.engine.RefundOwed(ctx, alice)
		if err != nil {
			return err
		}
		nested = append(nested, owed)
		p, err := env.engine.RefundAddress(ctx, owner, alice)
		if err != nil {
			return err
		}
		nested = append(nested, p.Amount)
		return nil
	})

	before := env.bank.BalanceOf(alice)
	if _, err := env.engine.IssueRefunds(ctx, owner, 0, 0); err != nil {
		t.Fatalf("issue refunds: %v", err)
	}

	if len(nested) != 2 || !nested[0].IsZero() || !nested[1].IsZero() {
		t.Errorf("re-entrant calls must see nothing owed, got %v", nested)
	}
	if got := env.bank.BalanceOf(alice).Sub(before); !got.Equal(d(1.5)) {
		t.Errorf("expected exactly 1.5 paid, got %s", got)
	}
}

func TestRefund_RestoredWhenNoChannelAccepts(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 1, d(2.5))
	if err := env.engine.SetFinalPrice(ctx, owner, d(1)); err != nil {
		t.Fatalf("set final price: %v", err)
	}
	env.bank.SetReceiver(alice, func(context.Context, common.Address, decimal.Decimal) error {
		return errors.New("no thanks")
	})
	if err := env.engine.SetAuxTokenAddress(ctx, owner, common.HexToAddress("0xdead")); err != nil {
		t.Fatalf("set aux: %v", err)
	}

	if _, err := env.engine.RefundAddress(ctx, owner, alice); err == nil {
		t.Fatal("expected payout failure")
	}
	if owed := env.owed(t, alice); !owed.Equal(d(1.5)) {
		t.Errorf("expected obligation restored to 1.5, got %s", owed)
	}
	if c := env.counters(t); !c.Treasury.Equal(d(2.5)) {
		t.Errorf("expected treasury restored to 2.5, got %s", c.Treasury)
	}
}

func TestRefund_ImplicitClearingPrice(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 1, d(2.5))

	// During the auction the clearing price follows the curve.
	env.clock.set(t0.Add(100 * time.Minute))
	if owed := env.owed(t, alice); !owed.Equal(d(0.5)) {
		t.Errorf("expected 0.5 owed at price 2.0, got %s", owed)
	}

	// After the auction it stays at the closing price.
	env.clock.set(t0.Add(30 * 24 * time.Hour))
	price, err := env.engine.CurrentClearingPrice(ctx)
	if err != nil {
		t.Fatalf("clearing price: %v", err)
	}
	if !price.Equal(d(0.6)) {
		t.Errorf("expected clearing price 0.6, got %s", price)
	}
	if owed := env.owed(t, alice); !owed.Equal(d(1.9)) {
		t.Errorf("expected 1.9 owed, got %s", owed)
	}
}

func TestSelfRefund(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 2, d(5))
	if err := env.engine.SetFinalPrice(ctx, owner, d(1)); err != nil {
		t.Fatalf("set final price: %v", err)
	}

	env.clock.set(t0.Add(95 * time.Hour))
	if _, err := env.engine.SelfRefund(ctx, alice); !errors.Is(err, sale.ErrSelfRefundNotStarted) {
		t.Fatalf("expected ErrSelfRefundNotStarted, got %v", err)
	}

	env.clock.set(t0.Add(96 * time.Hour))
	p, err := env.engine.SelfRefund(ctx, alice)
	if err != nil {
		t.Fatalf("self refund: %v", err)
	}
	if !p.Amount.Equal(d(3)) || p.Channel != sale.ChannelNative {
		t.Errorf("unexpected payout %+v", p)
	}

	p, err = env.engine.SelfRefund(ctx, alice)
	if err != nil {
		t.Fatalf("second self refund: %v", err)
	}
	if !p.Amount.IsZero() {
		t.Errorf("second self refund must pay zero, paid %s", p.Amount)
	}

	// A non-buyer is owed nothing.
	if p, err := env.engine.SelfRefund(ctx, dave); err != nil || !p.Amount.IsZero() {
		t.Errorf("expected zero payout for non-buyer, got %+v (%v)", p, err)
	}
}

func TestRefund_Authorization(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.bid(t, alice, 1, d(2.5))

	if _, err := env.engine.IssueRefunds(ctx, alice, 0, 0); !errors.Is(err, sale.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for buyer, got %v", err)
	}
	if _, err := env.engine.RefundAddress(ctx, bob, alice); !errors.Is(err, sale.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.RefundAddress(ctx, refunder, alice); err != nil {
		t.Errorf("refunder must be allowed: %v", err)
	}
	// The refunder has no administrative rights.
	if err := env.engine.SetFinalPrice(ctx, refunder, d(1)); !errors.Is(err, sale.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for refunder setter, got %v", err)
	}
}

func TestIssueRefunds_InvalidRange(t *testing.T) {
	env := newTestEnv(t, nil)
	env.bid(t, alice, 1, d(2.5))
	env.bid(t, bob, 1, d(2.5))

	tests := []struct {
		name       string
		start, end int64
	}{
		{"negative start", -1, 0},
		{"start after end", 1, 0},
		{"end past last buyer", 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.IssueRefunds(context.Background(), owner, tt.start, tt.end)
			if !errors.Is(err, sale.ErrInvalidRange) {
				t.Errorf("expected ErrInvalidRange, got %v", err)
			}
		})
	}
}

// --- Allowlist ---

func TestAllowlist(t *testing.T) {
	tier1 := tree(t, alice, dave)
	tier2 := tree(t, bob, dave)
	env := newTestEnv(t, func(c *model.SaleConfig) {
		c.Roots.Allowlist1 = tier1.Root()
		c.Roots.Allowlist2 = tier2.Root()
	})
	ctx := context.Background()

	env.clock.set(t0.Add(time.Hour))
	_, err := env.engine.MintlistSummon(ctx, alice, proof(t, tier1, alice), d(0.6))
	if !errors.Is(err, sale.ErrAllowlistNotStarted) {
		t.Fatalf("expected ErrAllowlistNotStarted, got %v", err)
	}

	env.clock.set(t0.Add(24 * time.Hour))
	if _, err := env.engine.MintlistSummon(ctx, alice, proof(t, tier1, alice), d(0.7)); !errors.Is(err, sale.ErrValueIncorrect) {
		t.Errorf("expected ErrValueIncorrect for overpayment, got %v", err)
	}

	res, err := env.engine.MintlistSummon(ctx, alice, proof(t, tier1, alice), d(0.6))
	if err != nil {
		t.Fatalf("allowlist purchase: %v", err)
	}
	if res.Quantity != 1 || !res.Price.Equal(d(0.6)) {
		t.Errorf("unexpected result %+v", res)
	}

	// Second tier admits its own members.
	if _, err := env.engine.MintlistSummon(ctx, bob, proof(t, tier2, bob), d(0.6)); err != nil {
		t.Fatalf("tier 2 purchase: %v", err)
	}

	// Used is checked before the proof, even a garbage one.
	garbage := []common.Hash{common.HexToHash("0x1234")}
	if _, err := env.engine.MintlistSummon(ctx, alice, garbage, d(0.6)); !errors.Is(err, admission.ErrAlreadyUsed) {
		t.Errorf("expected ErrAlreadyUsed, got %v", err)
	}

	// Membership in both tiers still buys only once.
	if _, err := env.engine.MintlistSummon(ctx, dave, proof(t, tier1, dave), d(0.6)); err != nil {
		t.Fatalf("dave purchase: %v", err)
	}
	if _, err := env.engine.MintlistSummon(ctx, dave, proof(t, tier2, dave), d(0.6)); !errors.Is(err, admission.ErrAlreadyUsed) {
		t.Errorf("expected ErrAlreadyUsed across tiers, got %v", err)
	}

	// Someone else's proof does not admit carol.
	if _, err := env.engine.MintlistSummon(ctx, carol, proof(t, tier1, alice), d(0.6)); !errors.Is(err, admission.ErrInvalidProof) {
		t.Errorf("expected ErrInvalidProof, got %v", err)
	}

	env.clock.set(t0.Add(48 * time.Hour))
	if _, err := env.engine.MintlistSummon(ctx, carol, nil, d(0.6)); !errors.Is(err, sale.ErrAllowlistClosed) {
		t.Errorf("expected ErrAllowlistClosed, got %v", err)
	}

	if c := env.counters(t); c.NumSold != 3 {
		t.Errorf("expected 3 sold, got %d", c.NumSold)
	}
}

func TestAllowlist_OpensEarlyOnAuctionSellOut(t *testing.T) {
	list := tree(t, alice, bob)
	env := newTestEnv(t, func(c *model.SaleConfig) {
		c.Caps.MaxDaSupply = 1
		c.Roots.Allowlist1 = list.Root()
	})
	ctx := context.Background()

	env.bid(t, alice, 1, d(2.5))

	env.clock.set(t0.Add(time.Minute))
	res, err := env.engine.MintlistSummon(ctx, bob, proof(t, list, bob), d(2.5))
	if err != nil {
		t.Fatalf("expected allowlist open after sell-out: %v", err)
	}
	if !res.Price.Equal(d(2.5)) {
		t.Errorf("expected the sell-out price 2.5, got %s", res.Price)
	}
}

// --- Public ---

func TestPublic(t *testing.T) {
	env := newTestEnv(t, func(c *model.SaleConfig) { c.Caps.MaxForSale = 5 })
	ctx := context.Background()

	env.clock.set(t0.Add(47 * time.Hour))
	if _, err := env.engine.PublicSummon(ctx, alice, 1, d(0.6)); !errors.Is(err, sale.ErrPublicNotStarted) {
		t.Fatalf("expected ErrPublicNotStarted, got %v", err)
	}

	env.clock.set(t0.Add(48 * time.Hour))
	tests := []struct {
		name  string
		buyer common.Address
		qty   int64
		value float64
		want  error
	}{
		{"exact", alice, 2, 1.2, nil},
		{"overpay", bob, 1, 0.7, sale.ErrValueIncorrect},
		{"underpay", bob, 1, 0.5, sale.ErrValueIncorrect},
		{"too many", bob, 4, 2.4, supply.ErrNotEnoughRemaining},
		{"zero", bob, 0, 0, supply.ErrQuantity},
		{"to the edge", bob, 3, 1.8, nil},
		{"sold out", carol, 1, 0.6, supply.ErrSoldOut},
	}
	for _, tt := range tests {
		_, err := env.engine.PublicSummon(ctx, tt.buyer, tt.qty, d(tt.value))
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}

	// Public stays open through the claim phase.
	env.clock.set(t0.Add(100 * time.Hour))
	if err := env.engine.SetMaxForSale(ctx, owner, 6); err != nil {
		t.Fatalf("raise cap: %v", err)
	}
	if _, err := env.engine.PublicSummon(ctx, carol, 1, d(0.6)); err != nil {
		t.Errorf("expected public open during claim: %v", err)
	}
}

func TestPublic_CapLoweredBelowSoldIsSoldOut(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 5, d(12.5))
	if err := env.engine.SetMaxForSale(ctx, owner, 3); err != nil {
		t.Fatalf("lower cap: %v", err)
	}

	env.clock.set(t0.Add(48 * time.Hour))
	if _, err := env.engine.PublicSummon(ctx, bob, 1, d(0.6)); !errors.Is(err, supply.ErrSoldOut) {
		t.Errorf("expected ErrSoldOut, got %v", err)
	}
	st, err := env.engine.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.SaleRemaining != 0 {
		t.Errorf("expected nothing remaining, got %d", st.SaleRemaining)
	}
}

// --- Claim ---

func TestClaim(t *testing.T) {
	list := tree(t, alice, bob, carol)
	env := newTestEnv(t, func(c *model.SaleConfig) {
		c.Roots.Claimlist = list.Root()
		c.Caps.MaxForClaim = 2
	})
	ctx := context.Background()

	env.clock.set(t0.Add(71 * time.Hour))
	if _, err := env.engine.ClaimSummon(ctx, alice, proof(t, list, alice)); !errors.Is(err, sale.ErrClaimNotStarted) {
		t.Fatalf("expected ErrClaimNotStarted, got %v", err)
	}

	env.clock.set(t0.Add(72 * time.Hour))
	res, err := env.engine.ClaimSummon(ctx, alice, proof(t, list, alice))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Quantity != 1 || !res.Value.IsZero() {
		t.Errorf("unexpected result %+v", res)
	}
	if _, err := env.engine.ClaimSummon(ctx, alice, proof(t, list, alice)); !errors.Is(err, admission.ErrAlreadyUsed) {
		t.Errorf("expected ErrAlreadyUsed, got %v", err)
	}
	if _, err := env.engine.ClaimSummon(ctx, bob, proof(t, list, bob)); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if _, err := env.engine.ClaimSummon(ctx, carol, proof(t, list, carol)); !errors.Is(err, supply.ErrNoMoreClaims) {
		t.Errorf("expected ErrNoMoreClaims, got %v", err)
	}

	c := env.counters(t)
	if c.NumClaimed != 2 || c.NumSold != 0 {
		t.Errorf("claims must count separately from sales: %+v", c)
	}
}

// --- Team ---

func TestTeamSummon(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.TeamSummon(ctx, alice, alice, 1); !errors.Is(err, sale.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	env.bid(t, alice, 1, d(2.5))
	res, err := env.engine.TeamSummon(ctx, owner, dave, 30)
	if err != nil {
		t.Fatalf("team: %v", err)
	}
	if len(res.Items) != 30 || res.Items[0] != 1 {
		t.Errorf("expected 30 items from id 1, got %d from %v", len(res.Items), res.Items[:1])
	}
	if env.items.BalanceOf(dave) != 30 {
		t.Errorf("expected dave to hold 30 items, got %d", env.items.BalanceOf(dave))
	}
	if c := env.counters(t); c.NumSold != 1 || c.NumClaimed != 0 {
		t.Errorf("team allocation must not touch counters: %+v", c)
	}
}

// --- Administration ---

func TestSetters_OwnerOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	calls := map[string]func(caller common.Address) error{
		"start price": func(c common.Address) error { return env.engine.SetStartPrice(ctx, c, d(3)) },
		"max claim":   func(c common.Address) error { return env.engine.SetMaxForClaim(ctx, c, 5) },
		"root":        func(c common.Address) error { return env.engine.SetClaimlistRoot(ctx, c, common.HexToHash("0x01")) },
		"vault":       func(c common.Address) error { return env.engine.SetVault(ctx, c, dave) },
		"pause":       func(c common.Address) error { return env.engine.Pause(ctx, c) },
		"self refund": func(c common.Address) error { return env.engine.SetSelfRefundStart(ctx, c, t0) },
	}
	for name, call := range calls {
		if err := call(alice); !errors.Is(err, sale.ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", name, err)
		}
		if err := call(owner); err != nil {
			t.Errorf("%s: owner call failed: %v", name, err)
		}
	}
}

func TestSetFinalPrice(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.engine.SetFinalPrice(ctx, owner, d(0.59)); !errors.Is(err, sale.ErrFinalPriceBelowFloor) {
		t.Errorf("expected ErrFinalPriceBelowFloor, got %v", err)
	}
	if err := env.engine.SetFinalPrice(ctx, owner, d(0.6)); err != nil {
		t.Errorf("floor must be accepted: %v", err)
	}
	if err := env.engine.SetFinalPrice(ctx, owner, d(1.1)); err != nil {
		t.Errorf("final price must be revisable: %v", err)
	}
	price, _ := env.engine.CurrentClearingPrice(ctx)
	if !price.Equal(d(1.1)) {
		t.Errorf("expected clearing price 1.1, got %s", price)
	}

	// The curve is frozen once the final price is fixed.
	if err := env.engine.SetLowestPrice(ctx, owner, d(0.5)); !errors.Is(err, sale.ErrCurveLocked) {
		t.Errorf("expected ErrCurveLocked, got %v", err)
	}
}

func TestCurveSetters(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.engine.SetStartPrice(ctx, owner, d(3)); err != nil {
		t.Fatalf("start price: %v", err)
	}
	if err := env.engine.SetDropInterval(ctx, owner, 20*time.Minute); err != nil {
		t.Fatalf("drop interval: %v", err)
	}
	if err := env.engine.SetCurveLength(ctx, owner, 240*time.Minute); err != nil {
		t.Fatalf("curve length: %v", err)
	}
	if err := env.engine.SetLowestPrice(ctx, owner, d(3.1)); err == nil {
		t.Error("expected lowest above start to be rejected")
	}
	if err := env.engine.SetDropInterval(ctx, owner, 0); err == nil {
		t.Error("expected zero drop interval to be rejected")
	}

	// 12 steps of 0.2 from 3.0; takes effect immediately.
	env.clock.set(t0.Add(20 * time.Minute))
	price, err := env.engine.CurrentPrice(ctx)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !price.Equal(d(2.8)) {
		t.Errorf("expected 2.8, got %s", price)
	}
}

func TestSetPhaseTimes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	later := t0.Add(time.Hour)
	err := env.engine.SetPhaseTimes(ctx, owner, later, later.Add(time.Hour), later, later.Add(3*time.Hour))
	if !errors.Is(err, sale.ErrPhaseOrder) {
		t.Fatalf("expected ErrPhaseOrder, got %v", err)
	}

	if err := env.engine.SetPhaseTimes(ctx, owner, later, later.Add(time.Hour), later.Add(2*time.Hour), later.Add(3*time.Hour)); err != nil {
		t.Fatalf("set phase times: %v", err)
	}
	if _, err := env.engine.BidSummon(ctx, alice, 1, d(2.5)); !errors.Is(err, sale.ErrAuctionNotStarted) {
		t.Errorf("expected ErrAuctionNotStarted after moving the start, got %v", err)
	}

	cfg, _ := env.engine.Config(ctx)
	if !cfg.Times.SelfRefundStart.Equal(t0.Add(96 * time.Hour)) {
		t.Error("phase times setter must not touch the self refund start")
	}
}

func TestPause_BlocksAuctionOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.engine.Pause(ctx, owner); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := env.engine.BidSummon(ctx, alice, 1, d(2.5)); !errors.Is(err, sale.ErrPaused) {
		t.Errorf("expected ErrPaused, got %v", err)
	}

	env.clock.set(t0.Add(48 * time.Hour))
	if _, err := env.engine.PublicSummon(ctx, alice, 1, d(0.6)); err != nil {
		t.Errorf("public must not be paused: %v", err)
	}

	env.clock.set(t0)
	if err := env.engine.Unpause(ctx, owner); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	env.bid(t, alice, 1, d(2.5))
}

func TestTransferOwnership(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.engine.TransferOwnership(ctx, owner, common.Address{}); !errors.Is(err, sale.ErrZeroAddress) {
		t.Errorf("expected ErrZeroAddress, got %v", err)
	}
	if err := env.engine.TransferOwnership(ctx, owner, dave); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := env.engine.Pause(ctx, owner); !errors.Is(err, sale.ErrUnauthorized) {
		t.Errorf("old owner must lose rights, got %v", err)
	}
	if err := env.engine.Pause(ctx, dave); err != nil {
		t.Errorf("new owner must gain rights: %v", err)
	}
}

func TestSetRootKeepsUsedMarks(t *testing.T) {
	first := tree(t, alice, bob)
	env := newTestEnv(t, func(c *model.SaleConfig) { c.Roots.Allowlist1 = first.Root() })
	ctx := context.Background()
	env.clock.set(t0.Add(24 * time.Hour))

	if _, err := env.engine.MintlistSummon(ctx, alice, proof(t, first, alice), d(0.6)); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	second := tree(t, alice, carol)
	if err := env.engine.SetAllowlistRoot1(ctx, owner, second.Root()); err != nil {
		t.Fatalf("set root: %v", err)
	}
	if _, err := env.engine.MintlistSummon(ctx, alice, proof(t, second, alice), d(0.6)); !errors.Is(err, admission.ErrAlreadyUsed) {
		t.Errorf("expected ErrAlreadyUsed after root change, got %v", err)
	}
	if _, err := env.engine.MintlistSummon(ctx, carol, proof(t, second, carol), d(0.6)); err != nil {
		t.Errorf("new member must be admitted: %v", err)
	}
}

// --- Treasury ---

func TestDepositAndWithdraw(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 2, d(5))
	if err := env.engine.Deposit(ctx, owner, d(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.Deposit(ctx, owner, d(0)); !errors.Is(err, sale.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if c := env.counters(t); !c.Treasury.Equal(d(15)) {
		t.Fatalf("expected treasury 15, got %s", c.Treasury)
	}

	if _, err := env.engine.Withdraw(ctx, alice, d(1)); !errors.Is(err, sale.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.Withdraw(ctx, owner, d(16)); !errors.Is(err, sale.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	paid, err := env.engine.Withdraw(ctx, owner, d(4))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !paid.Equal(d(4)) || !env.bank.BalanceOf(vault).Equal(d(4)) {
		t.Errorf("expected vault to hold 4, got %s", env.bank.BalanceOf(vault))
	}

	paid, err = env.engine.WithdrawAll(ctx, owner)
	if err != nil {
		t.Fatalf("withdraw all: %v", err)
	}
	if !paid.Equal(d(11)) || !env.bank.BalanceOf(vault).Equal(d(15)) {
		t.Errorf("expected vault to hold 15, got %s", env.bank.BalanceOf(vault))
	}
	if !env.bank.BalanceOf(self).IsZero() {
		t.Errorf("engine balance must be empty, got %s", env.bank.BalanceOf(self))
	}
}

func TestWithdraw_RejectingVault(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 2, d(5))
	env.bank.SetReceiver(vault, func(context.Context, common.Address, decimal.Decimal) error {
		return errors.New("closed")
	})

	if _, err := env.engine.Withdraw(ctx, owner, d(5)); !errors.Is(err, funds.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if c := env.counters(t); !c.Treasury.Equal(d(5)) {
		t.Errorf("expected treasury restored to 5, got %s", c.Treasury)
	}

	// The classic variant skips the vault's receiver.
	if _, err := env.engine.WithdrawClassic(ctx, owner, d(5)); err != nil {
		t.Fatalf("withdraw classic: %v", err)
	}
	if !env.bank.BalanceOf(vault).Equal(d(5)) {
		t.Errorf("expected vault to hold 5, got %s", env.bank.BalanceOf(vault))
	}
}

func TestForwardAuxTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.aux.CreditBalance(ctx, alice, self, d(3)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := env.engine.ForwardAuxTokens(ctx, bob, bob, d(1)); !errors.Is(err, sale.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.ForwardAuxTokens(ctx, owner, bob, d(2)); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if bal, _ := env.aux.BalanceOf(ctx, bob); !bal.Equal(d(2)) {
		t.Errorf("expected bob to hold 2, got %s", bal)
	}
	if err := env.engine.ForwardAuxTokens(ctx, owner, bob, d(2)); !errors.Is(err, funds.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

// --- Queries ---

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 3, d(7.5))
	env.clock.set(t0.Add(10 * time.Minute))

	st, err := env.engine.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Phase != model.PhaseAuction {
		t.Errorf("expected auction phase, got %s", st.Phase)
	}
	if !st.AuctionPrice.Equal(d(2.45)) || !st.ClearingPrice.Equal(d(2.45)) {
		t.Errorf("unexpected prices %s / %s", st.AuctionPrice, st.ClearingPrice)
	}
	if st.NumSold != 3 || st.AuctionRemaining != 7997 || st.SaleRemaining != 14187 || st.ItemsMinted != 3 {
		t.Errorf("unexpected counters %+v", st)
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 1, d(2.5))
	if err := env.engine.SetFinalPrice(ctx, owner, d(1)); err != nil {
		t.Fatalf("set final price: %v", err)
	}
	if _, err := env.engine.RefundAddress(ctx, owner, alice); err != nil {
		t.Fatalf("refund: %v", err)
	}

	entries, err := env.engine.History(ctx, alice)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 || entries[0].Kind != model.EntryBid || entries[1].Kind != model.EntryRefund {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].FirstItem != 0 || !entries[1].Amount.Equal(d(1.5)) {
		t.Errorf("unexpected entry details %+v", entries)
	}
}

// --- Recovery ---

// rebuild creates a fresh engine with empty rails over env's store and
// recovers it, as a restarted server would.
func (env *testEnv) rebuild(t *testing.T, seed map[common.Address]decimal.Decimal) (*testEnv, error) {
	t.Helper()

	bank := funds.NewBank()
	ledger := items.NewLedger(itemsAddr, owner, "https://items.example/", 0)
	if err := ledger.SetMinter(owner, self); err != nil {
		t.Fatalf("set minter: %v", err)
	}
	aux := funds.NewAuxToken(auxAddr, bank)
	engine := sale.NewEngine(env.store, bank, sale.Options{
		Self:      self,
		Items:     []sale.ItemLedger{ledger},
		AuxTokens: []sale.AuxToken{aux},
		Clock:     env.clock.Now,
	})
	if _, err := engine.Bootstrap(context.Background(), testConfig()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	next := &testEnv{engine: engine, store: env.store, bank: bank, items: ledger, aux: aux, clock: env.clock}
	return next, engine.Recover(context.Background(), seed)
}

func TestRecover_RestoresBalancesAndItems(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res := env.bid(t, alice, 2, d(5))
	if len(res.Items) != 2 || res.Items[0] != 0 || res.Items[1] != 1 {
		t.Fatalf("expected items [0 1], got %v", res.Items)
	}

	restarted, err := env.rebuild(t, map[common.Address]decimal.Decimal{alice: d(100), bob: d(100)})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	// Alice's persisted balance wins over the seed; bob was never persisted.
	if got := restarted.bank.BalanceOf(alice); !got.Equal(d(95)) {
		t.Errorf("expected alice 95 after restart, got %s", got)
	}
	if got := restarted.bank.BalanceOf(bob); !got.Equal(d(100)) {
		t.Errorf("expected bob seeded to 100, got %s", got)
	}
	if got := restarted.bank.BalanceOf(self); !got.Equal(d(5)) {
		t.Errorf("expected engine to hold 5, got %s", got)
	}
	if n := restarted.items.NumMinted(); n != 2 {
		t.Errorf("expected 2 items minted, got %d", n)
	}
	if holder, err := restarted.items.OwnerOf(1); err != nil || holder != alice {
		t.Errorf("expected alice to own item 1, got %s (%v)", holder.Hex(), err)
	}

	if err := restarted.engine.SetFinalPrice(ctx, owner, d(1)); err != nil {
		t.Fatalf("set final price: %v", err)
	}
	batch, err := restarted.engine.IssueRefunds(ctx, owner, 0, 0)
	if err != nil {
		t.Fatalf("issue refunds after restart: %v", err)
	}
	if !batch.Total.Equal(d(3)) {
		t.Errorf("expected 3 refunded, got %s", batch.Total)
	}
	if got := restarted.bank.BalanceOf(alice); !got.Equal(d(98)) {
		t.Errorf("expected alice 98 after refund, got %s", got)
	}

	next := restarted.bid(t, bob, 1, d(2.5))
	if len(next.Items) != 1 || next.Items[0] != 2 {
		t.Errorf("expected bob to receive item 2, got %v", next.Items)
	}
}

func TestRecover_SecondRestartKeepsRefunds(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 2, d(5))
	if err := env.engine.SetFinalPrice(ctx, owner, d(1)); err != nil {
		t.Fatalf("set final price: %v", err)
	}
	if _, err := env.engine.IssueRefunds(ctx, owner, 0, 0); err != nil {
		t.Fatalf("issue refunds: %v", err)
	}

	restarted, err := env.rebuild(t, map[common.Address]decimal.Decimal{alice: d(100)})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := restarted.bank.BalanceOf(alice); !got.Equal(d(98)) {
		t.Errorf("expected alice 98 after restart, got %s", got)
	}
	if got := restarted.bank.BalanceOf(self); !got.Equal(d(2)) {
		t.Errorf("expected engine to hold 2, got %s", got)
	}
	if owed := restarted.owed(t, alice); !owed.IsZero() {
		t.Errorf("expected nothing owed after restart, got %s", owed)
	}
}

func TestRecover_RefusesReserveShortfall(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 2, d(5))
	// The persisted engine balance no longer covers the committed treasury.
	err := env.store.Commit(ctx, &model.Changeset{Balances: []model.Balance{
		{Asset: model.AssetNative, Account: self, Amount: d(1)},
	}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := env.rebuild(t, nil); !errors.Is(err, sale.ErrReserveShortfall) {
		t.Fatalf("expected ErrReserveShortfall, got %v", err)
	}
}

func TestRecover_EmptyStoreSeedsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	seed := map[common.Address]decimal.Decimal{carol: d(7)}

	first, err := env.rebuild(t, seed)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	first.bid(t, carol, 1, d(2.5))

	second, err := env.rebuild(t, seed)
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if got := second.bank.BalanceOf(carol); !got.Equal(d(4.5)) {
		t.Errorf("expected carol 4.5, not re-seeded, got %s", got)
	}
}

// --- Batch refund preflight ---

func TestIssueRefunds_ShortTreasuryPaysNoOne(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 1, d(2.5))
	env.bid(t, bob, 1, d(2.5))
	if err := env.engine.SetFinalPrice(ctx, owner, d(1)); err != nil {
		t.Fatalf("set final price: %v", err)
	}
	if _, err := env.engine.Withdraw(ctx, owner, d(3.5)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	aliceBefore := env.bank.BalanceOf(alice)
	res, err := env.engine.IssueRefunds(ctx, owner, 0, 1)
	if !errors.Is(err, sale.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}
	if got := env.bank.BalanceOf(alice); !got.Equal(aliceBefore) {
		t.Errorf("alice must not be paid, balance moved to %s", got)
	}
	if owed := env.owed(t, alice); !owed.Equal(d(1.5)) {
		t.Errorf("expected alice still owed 1.5, got %s", owed)
	}
	if c := env.counters(t); !c.Treasury.Equal(d(1.5)) {
		t.Errorf("expected treasury 1.5, got %s", c.Treasury)
	}

	// A range the treasury can cover still goes through.
	if _, err := env.engine.IssueRefunds(ctx, owner, 0, 0); err != nil {
		t.Fatalf("single refund: %v", err)
	}
}

func TestIssueRefunds_MissingAuxTokenPaysNoOne(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.bid(t, alice, 1, d(2.5))
	env.bid(t, bob, 1, d(2.5))
	if err := env.engine.SetFinalPrice(ctx, owner, d(1)); err != nil {
		t.Fatalf("set final price: %v", err)
	}
	if err := env.engine.SetAuxTokenAddress(ctx, owner, common.HexToAddress("0xdead")); err != nil {
		t.Fatalf("set aux: %v", err)
	}

	if _, err := env.engine.IssueRefunds(ctx, owner, 0, 1); !errors.Is(err, sale.ErrNoAuxToken) {
		t.Fatalf("expected ErrNoAuxToken, got %v", err)
	}
	if owed := env.owed(t, alice); !owed.Equal(d(1.5)) {
		t.Errorf("expected alice still owed 1.5, got %s", owed)
	}
}
