// Package phase resolves which parts of the sale are open at a given time.
//
// Nothing here is persisted: every predicate is a pure function of the
// configured start times, the wall clock, and whether the auction supply
// is exhausted. A zero start time means the phase is not scheduled.
package phase

import (
	"time"

	"github.com/atmx/sale-engine/internal/model"
)

// Gate answers phase questions for one set of start times.
type Gate struct {
	times model.PhaseTimes
}

// New creates a gate over the given start times.
func New(times model.PhaseTimes) *Gate {
	return &Gate{times: times}
}

func reached(now, at time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

// AuctionStarted reports whether the auction has begun. It stays true
// after the auction closes; see AuctionOpen.
func (g *Gate) AuctionStarted(now time.Time) bool {
	return reached(now, g.times.AuctionStart)
}

// AuctionOver reports whether the allowlist start time has passed.
func (g *Gate) AuctionOver(now time.Time) bool {
	return reached(now, g.times.AllowlistStart)
}

// AuctionOpen reports whether bids are accepted: started and not over.
func (g *Gate) AuctionOpen(now time.Time) bool {
	return g.AuctionStarted(now) && !g.AuctionOver(now)
}

// AllowlistOpen reports whether allowlist purchases are accepted. An
// auction that sold out opens the allowlist early.
func (g *Gate) AllowlistOpen(now time.Time, auctionSoldOut bool) bool {
	if g.PublicOpen(now) {
		return false
	}
	if g.AuctionOver(now) {
		return true
	}
	return auctionSoldOut && g.AuctionStarted(now)
}

// PublicOpen reports whether public purchases are accepted. The public
// phase stays open through the claim phase.
func (g *Gate) PublicOpen(now time.Time) bool {
	return reached(now, g.times.PublicStart)
}

// ClaimOpen reports whether free claims are accepted.
func (g *Gate) ClaimOpen(now time.Time) bool {
	return reached(now, g.times.ClaimStart)
}

// SelfRefundOpen reports whether buyers may settle their own refunds.
func (g *Gate) SelfRefundOpen(now time.Time) bool {
	return reached(now, g.times.SelfRefundStart)
}

// Active returns the most advanced open phase.
func (g *Gate) Active(now time.Time, auctionSoldOut bool) model.Phase {
	switch {
	case g.ClaimOpen(now):
		return model.PhaseClaim
	case g.PublicOpen(now):
		return model.PhasePublic
	case g.AllowlistOpen(now, auctionSoldOut):
		return model.PhaseAllowlist
	case g.AuctionOpen(now):
		return model.PhaseAuction
	default:
		return model.PhaseNone
	}
}

// Open lists every phase accepting calls at now, in sale order.
func (g *Gate) Open(now time.Time, auctionSoldOut bool) []model.Phase {
	var out []model.Phase
	if g.AuctionOpen(now) && !auctionSoldOut {
		out = append(out, model.PhaseAuction)
	}
	if g.AllowlistOpen(now, auctionSoldOut) {
		out = append(out, model.PhaseAllowlist)
	}
	if g.PublicOpen(now) {
		out = append(out, model.PhasePublic)
	}
	if g.ClaimOpen(now) {
		out = append(out, model.PhaseClaim)
	}
	return out
}
