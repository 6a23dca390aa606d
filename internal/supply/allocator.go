// Package supply enforces per-call quantity bounds and the phase and global
// supply caps of the sale.
//
// Every check is all-or-nothing: a request that does not fit entirely is
// rejected, never partially filled. Exhausted supply and "some left, but not
// this many" are reported with different errors so callers can tell a
// sold-out sale from an oversized request.
package supply

import (
	"errors"

	"github.com/atmx/sale-engine/internal/model"
)

// DefaultMaxPerCall is the largest quantity a buyer may request at once.
const DefaultMaxPerCall = 20

var (
	// ErrQuantity is returned for a zero or over-the-cap quantity.
	ErrQuantity = errors.New("supply: quantity must be between 1 and the per-call maximum")

	// ErrAuctionSoldOut is returned when no auction supply is left.
	ErrAuctionSoldOut = errors.New("supply: auction sold out")

	// ErrSoldOut is returned when no sale supply is left.
	ErrSoldOut = errors.New("supply: sold out")

	// ErrNotEnoughRemaining is returned when some supply is left but less
	// than requested.
	ErrNotEnoughRemaining = errors.New("supply: not enough remaining")

	// ErrNoMoreClaims is returned when the claim cap is reached.
	ErrNoMoreClaims = errors.New("supply: no more claims")
)

// Allocator checks requested quantities against the configured caps.
type Allocator struct {
	// MaxPerCall bounds a single buyer-initiated purchase.
	MaxPerCall int64
}

// NewAllocator creates an allocator with the given per-call maximum.
func NewAllocator(maxPerCall int64) *Allocator {
	if maxPerCall < 1 {
		maxPerCall = DefaultMaxPerCall
	}
	return &Allocator{MaxPerCall: maxPerCall}
}

// CheckQuantity validates a buyer-initiated quantity.
func (a *Allocator) CheckQuantity(qty int64) error {
	if qty < 1 || qty > a.MaxPerCall {
		return ErrQuantity
	}
	return nil
}

// Remaining returns how many units fit under limit, never negative. A cap
// lowered below what was already issued leaves nothing remaining.
func Remaining(issued, limit int64) int64 {
	if issued >= limit {
		return 0
	}
	return limit - issued
}

// AuctionLimit is the effective auction cap: the auction supply, bounded by
// the overall sale cap.
func AuctionLimit(caps model.Caps) int64 {
	return min(caps.MaxDaSupply, caps.MaxForSale)
}

// AuctionSoldOut reports whether the auction supply is exhausted.
func AuctionSoldOut(numSold int64, caps model.Caps) bool {
	return Remaining(numSold, AuctionLimit(caps)) == 0
}

// CheckAuction validates an auction purchase of qty given numSold so far.
func (a *Allocator) CheckAuction(numSold, qty int64, caps model.Caps) error {
	return check(numSold, qty, AuctionLimit(caps), ErrAuctionSoldOut)
}

// CheckSale validates an allowlist or public purchase.
func (a *Allocator) CheckSale(numSold, qty int64, caps model.Caps) error {
	return check(numSold, qty, caps.MaxForSale, ErrSoldOut)
}

// CheckClaim validates a single free claim.
func (a *Allocator) CheckClaim(numClaimed int64, caps model.Caps) error {
	if Remaining(numClaimed, caps.MaxForClaim) == 0 {
		return ErrNoMoreClaims
	}
	return nil
}

func check(issued, qty, limit int64, exhausted error) error {
	left := Remaining(issued, limit)
	if left == 0 {
		return exhausted
	}
	if qty > left {
		return ErrNotEnoughRemaining
	}
	return nil
}
