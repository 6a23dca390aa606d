package sale

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/sale-engine/internal/curve"
	"github.com/atmx/sale-engine/internal/model"
)

// updateConfig loads the configuration, checks the caller is the owner,
// applies mutate and commits the result.
func (e *Engine) updateConfig(ctx context.Context, caller common.Address, setting string,
	mutate func(cfg *model.SaleConfig) error) (cfg *model.SaleConfig, err error) {
	defer e.reject("set_"+setting, &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, _, err = e.load(ctx)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(cfg, caller); err != nil {
		return nil, err
	}
	if err := mutate(cfg); err != nil {
		return nil, err
	}
	if err := e.store.Commit(ctx, &model.Changeset{Config: cfg}); err != nil {
		return nil, fmt.Errorf("commit %s: %w", setting, err)
	}

	slog.Info("config updated", "setting", setting, "caller", caller.Hex())
	e.broadcast(WSMessage{Type: "config", Setting: setting})
	return cfg.Clone(), nil
}

// --- Phase times ---

// SetPhaseTimes replaces the four phase start times at once. Scheduled
// phases must start in sale order.
func (e *Engine) SetPhaseTimes(ctx context.Context, caller common.Address, auction, allowlist, public, claim time.Time) error {
	_, err := e.updateConfig(ctx, caller, "phase_times", func(cfg *model.SaleConfig) error {
		t := cfg.Times
		t.AuctionStart, t.AllowlistStart, t.PublicStart, t.ClaimStart = auction, allowlist, public, claim
		if err := validateTimes(t); err != nil {
			return err
		}
		cfg.Times = t
		return nil
	})
	return err
}

// SetAuctionStart schedules the descending-price auction.
func (e *Engine) SetAuctionStart(ctx context.Context, caller common.Address, at time.Time) error {
	_, err := e.updateConfig(ctx, caller, "auction_start", func(cfg *model.SaleConfig) error {
		cfg.Times.AuctionStart = at
		return nil
	})
	return err
}

// SetAllowlistStart schedules the allowlist phase.
func (e *Engine) SetAllowlistStart(ctx context.Context, caller common.Address, at time.Time) error {
	_, err := e.updateConfig(ctx, caller, "allowlist_start", func(cfg *model.SaleConfig) error {
		cfg.Times.AllowlistStart = at
		return nil
	})
	return err
}

// SetPublicStart schedules the public sale.
func (e *Engine) SetPublicStart(ctx context.Context, caller common.Address, at time.Time) error {
	_, err := e.updateConfig(ctx, caller, "public_start", func(cfg *model.SaleConfig) error {
		cfg.Times.PublicStart = at
		return nil
	})
	return err
}

// SetClaimStart schedules the free claim phase.
func (e *Engine) SetClaimStart(ctx context.Context, caller common.Address, at time.Time) error {
	_, err := e.updateConfig(ctx, caller, "claim_start", func(cfg *model.SaleConfig) error {
		cfg.Times.ClaimStart = at
		return nil
	})
	return err
}

// SetSelfRefundStart sets when buyers may pull their own refunds.
func (e *Engine) SetSelfRefundStart(ctx context.Context, caller common.Address, at time.Time) error {
	_, err := e.updateConfig(ctx, caller, "self_refund_start", func(cfg *model.SaleConfig) error {
		cfg.Times.SelfRefundStart = at
		return nil
	})
	return err
}

// --- Price curve ---

// setCurve applies a curve edit. The curve is frozen once the final price
// is fixed.
func (e *Engine) setCurve(ctx context.Context, caller common.Address, setting string, edit func(p *model.CurveParams)) error {
	_, err := e.updateConfig(ctx, caller, setting, func(cfg *model.SaleConfig) error {
		if cfg.FinalPrice != nil {
			return ErrCurveLocked
		}
		p := cfg.Curve
		edit(&p)
		if err := curve.Validate(p); err != nil {
			return err
		}
		cfg.Curve = p
		return nil
	})
	return err
}

// SetStartPrice sets the price the curve opens at.
func (e *Engine) SetStartPrice(ctx context.Context, caller common.Address, price decimal.Decimal) error {
	return e.setCurve(ctx, caller, "start_price", func(p *model.CurveParams) { p.StartPrice = price })
}

// SetLowestPrice sets the floor the curve settles on.
func (e *Engine) SetLowestPrice(ctx context.Context, caller common.Address, price decimal.Decimal) error {
	return e.setCurve(ctx, caller, "lowest_price", func(p *model.CurveParams) { p.LowestPrice = price })
}

// SetCurveLength sets how long the price keeps dropping.
func (e *Engine) SetCurveLength(ctx context.Context, caller common.Address, length time.Duration) error {
	return e.setCurve(ctx, caller, "curve_length", func(p *model.CurveParams) { p.CurveLength = length })
}

// SetDropInterval sets the step between price drops.
func (e *Engine) SetDropInterval(ctx context.Context, caller common.Address, interval time.Duration) error {
	return e.setCurve(ctx, caller, "drop_interval", func(p *model.CurveParams) { p.DropInterval = interval })
}

// SetFinalPrice fixes the clearing price. It may be revised, but never
// below the lowest price.
func (e *Engine) SetFinalPrice(ctx context.Context, caller common.Address, price decimal.Decimal) error {
	_, err := e.updateConfig(ctx, caller, "final_price", func(cfg *model.SaleConfig) error {
		if price.LessThan(cfg.Curve.LowestPrice) {
			return fmt.Errorf("%w: %s < %s", ErrFinalPriceBelowFloor, price, cfg.Curve.LowestPrice)
		}
		cfg.FinalPrice = &price
		return nil
	})
	if err == nil {
		e.broadcast(WSMessage{Type: "final_price", Price: price.String()})
	}
	return err
}

// --- Caps ---

// Caps may be lowered below what was already issued; the affected phase
// then reports sold out.
func (e *Engine) setCaps(ctx context.Context, caller common.Address, setting string, edit func(c *model.Caps)) error {
	_, err := e.updateConfig(ctx, caller, setting, func(cfg *model.SaleConfig) error {
		c := cfg.Caps
		edit(&c)
		if err := validateCaps(c); err != nil {
			return err
		}
		cfg.Caps = c
		return nil
	})
	return err
}

// SetMaxDaSupply caps how many items the auction may sell.
func (e *Engine) SetMaxDaSupply(ctx context.Context, caller common.Address, n int64) error {
	return e.setCaps(ctx, caller, "max_da_supply", func(c *model.Caps) { c.MaxDaSupply = n })
}

// SetMaxForSale caps paid sales across all phases.
func (e *Engine) SetMaxForSale(ctx context.Context, caller common.Address, n int64) error {
	return e.setCaps(ctx, caller, "max_for_sale", func(c *model.Caps) { c.MaxForSale = n })
}

// SetMaxForClaim caps free claims.
func (e *Engine) SetMaxForClaim(ctx context.Context, caller common.Address, n int64) error {
	return e.setCaps(ctx, caller, "max_for_claim", func(c *model.Caps) { c.MaxForClaim = n })
}

// --- Admission roots ---

// SetAllowlistRoot1 replaces the first allowlist tier root.
// Replacing a root keeps every used mark.
func (e *Engine) SetAllowlistRoot1(ctx context.Context, caller common.Address, root common.Hash) error {
	_, err := e.updateConfig(ctx, caller, "allowlist_root1", func(cfg *model.SaleConfig) error {
		cfg.Roots.Allowlist1 = root
		return nil
	})
	return err
}

// SetAllowlistRoot2 replaces the second allowlist tier root.
func (e *Engine) SetAllowlistRoot2(ctx context.Context, caller common.Address, root common.Hash) error {
	_, err := e.updateConfig(ctx, caller, "allowlist_root2", func(cfg *model.SaleConfig) error {
		cfg.Roots.Allowlist2 = root
		return nil
	})
	return err
}

// SetClaimlistRoot replaces the claim list root.
func (e *Engine) SetClaimlistRoot(ctx context.Context, caller common.Address, root common.Hash) error {
	_, err := e.updateConfig(ctx, caller, "claimlist_root", func(cfg *model.SaleConfig) error {
		cfg.Roots.Claimlist = root
		return nil
	})
	return err
}

// --- Roles ---

// SetVault sets where withdrawals are paid.
func (e *Engine) SetVault(ctx context.Context, caller, vault common.Address) error {
	_, err := e.updateConfig(ctx, caller, "vault", func(cfg *model.SaleConfig) error {
		if vault == (common.Address{}) {
			return ErrZeroAddress
		}
		cfg.Roles.Vault = vault
		return nil
	})
	return err
}

// SetRefunder assigns the settlement role. The zero address revokes it.
func (e *Engine) SetRefunder(ctx context.Context, caller, refunder common.Address) error {
	_, err := e.updateConfig(ctx, caller, "refunder", func(cfg *model.SaleConfig) error {
		cfg.Roles.Refunder = refunder
		return nil
	})
	return err
}

// SetItemsAddress points the sale at another ownership ledger.
func (e *Engine) SetItemsAddress(ctx context.Context, caller, addr common.Address) error {
	_, err := e.updateConfig(ctx, caller, "items", func(cfg *model.SaleConfig) error {
		if addr == (common.Address{}) {
			return ErrZeroAddress
		}
		cfg.Roles.Items = addr
		return nil
	})
	return err
}

// SetAuxTokenAddress selects the token refunds fall back to.
func (e *Engine) SetAuxTokenAddress(ctx context.Context, caller, addr common.Address) error {
	_, err := e.updateConfig(ctx, caller, "aux_token", func(cfg *model.SaleConfig) error {
		if addr == (common.Address{}) {
			return ErrZeroAddress
		}
		cfg.Roles.AuxToken = addr
		return nil
	})
	return err
}

// TransferOwnership hands every owner right to newOwner.
func (e *Engine) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	_, err := e.updateConfig(ctx, caller, "owner", func(cfg *model.SaleConfig) error {
		if newOwner == (common.Address{}) {
			return ErrZeroAddress
		}
		cfg.Roles.Owner = newOwner
		return nil
	})
	return err
}

// --- Pause ---

// Pause blocks auction bids only.
func (e *Engine) Pause(ctx context.Context, caller common.Address) error {
	_, err := e.updateConfig(ctx, caller, "pause", func(cfg *model.SaleConfig) error {
		cfg.Paused = true
		return nil
	})
	return err
}

// Unpause lets auction bids through again.
func (e *Engine) Unpause(ctx context.Context, caller common.Address) error {
	_, err := e.updateConfig(ctx, caller, "unpause", func(cfg *model.SaleConfig) error {
		cfg.Paused = false
		return nil
	})
	return err
}
