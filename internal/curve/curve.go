// Package curve implements the descending-price auction curve.
//
// The price starts at StartPrice and drops by a fixed step every
// DropInterval until CurveLength has elapsed, after which it stays at
// LowestPrice:
//
//	steps    = CurveLength / DropInterval
//	stepSize = (StartPrice - LowestPrice) / steps
//	price(t) = max(LowestPrice, StartPrice - stepSize * floor((t - start) / DropInterval))
//
// Divisions truncate at PriceScale fractional digits, which mirrors integer
// division over the smallest currency unit.
package curve

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sale-engine/internal/model"
)

var (
	// ErrNegativePrice is returned when either price is below zero.
	ErrNegativePrice = errors.New("curve: prices must not be negative")

	// ErrPriceOrder is returned when StartPrice < LowestPrice.
	ErrPriceOrder = errors.New("curve: start price must be at least the lowest price")

	// ErrInvalidInterval is returned when DropInterval <= 0 or CurveLength < 0.
	ErrInvalidInterval = errors.New("curve: drop interval must be positive and curve length non-negative")

	// PriceScale is the number of fractional digits kept by curve divisions.
	PriceScale int32 = 18
)

// Curve evaluates the auction price for a fixed parameter set. It holds no
// mutable state; build a new Curve whenever parameters change.
type Curve struct {
	params model.CurveParams
	start  time.Time
}

// Validate checks a parameter set without building a curve.
func Validate(p model.CurveParams) error {
	if p.StartPrice.IsNegative() || p.LowestPrice.IsNegative() {
		return ErrNegativePrice
	}
	if p.StartPrice.LessThan(p.LowestPrice) {
		return ErrPriceOrder
	}
	if p.DropInterval <= 0 || p.CurveLength < 0 {
		return ErrInvalidInterval
	}
	return nil
}

// New creates a curve anchored at the auction start time.
func New(p model.CurveParams, auctionStart time.Time) (*Curve, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	return &Curve{params: p, start: auctionStart}, nil
}

// Steps returns how many price drops the curve makes.
func (c *Curve) Steps() int64 {
	return int64(c.params.CurveLength / c.params.DropInterval)
}

// StepSize returns the amount removed from the price at each drop.
func (c *Curve) StepSize() decimal.Decimal {
	steps := c.Steps()
	if steps == 0 {
		return decimal.Zero
	}
	q, _ := c.params.StartPrice.Sub(c.params.LowestPrice).QuoRem(decimal.NewFromInt(steps), PriceScale)
	return q
}

// PriceAt returns the unit price at now. Before the auction starts the
// price is StartPrice; it never falls below LowestPrice.
func (c *Curve) PriceAt(now time.Time) decimal.Decimal {
	if now.Before(c.start) {
		return c.params.StartPrice
	}
	elapsed := now.Sub(c.start)
	if elapsed >= c.params.CurveLength {
		return c.params.LowestPrice
	}

	drops := int64(elapsed / c.params.DropInterval)
	deduction := c.StepSize().Mul(decimal.NewFromInt(drops))
	if deduction.GreaterThan(c.params.StartPrice.Sub(c.params.LowestPrice)) {
		return c.params.LowestPrice
	}
	return c.params.StartPrice.Sub(deduction)
}

// Schedule lists the price at each drop, from StartPrice down to the price
// reached after the final drop. Useful for publishing the curve.
func (c *Curve) Schedule() []decimal.Decimal {
	steps := c.Steps()
	out := make([]decimal.Decimal, 0, steps+1)
	for k := int64(0); k <= steps; k++ {
		at := c.start.Add(time.Duration(k) * c.params.DropInterval)
		out = append(out, c.PriceAt(at))
	}
	return out
}
