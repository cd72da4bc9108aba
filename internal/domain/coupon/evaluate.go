package coupon

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Evaluate decides whether c applies to the cart and prices the discount.
// It has no side effects: usage counters are only touched when an order is
// confirmed paid.
func Evaluate(c *Coupon, cart CartContext) (Outcome, error) {
	if reason, ok := check(c, cart); !ok {
		return Outcome{}, Reject(c.Code, reason)
	}

	discount := discountFor(c, cart.Subtotal)
	final := cart.Subtotal.Sub(discount)
	if final.IsNegative() {
		final = decimal.Zero
	}

	return Outcome{
		Code:       c.Code,
		Discount:   discount,
		FinalTotal: final,
	}, nil
}

// check applies the eligibility rules in order; the first failure wins.
func check(c *Coupon, cart CartContext) (Reason, bool) {
	if !c.IsActive {
		return ReasonInactive, false
	}
	if cart.Now.Before(c.ValidFrom) || cart.Now.After(c.ValidUntil) {
		return ReasonOutsideValidity, false
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return ReasonGlobalLimitReached, false
	}
	if c.Redemptions(cart.UserID) >= c.PerUserLimit {
		return ReasonPerUserLimitReached, false
	}
	if cart.Subtotal.LessThan(c.MinimumPurchase) {
		return ReasonBelowMinimumPurchase, false
	}
	return "", true
}

func discountFor(c *Coupon, subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.IsNegative() {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		amount = subtotal.Mul(c.DiscountValue).Div(hundred).Round(2)
		if c.MaximumDiscount != nil {
			amount = decimal.Min(amount, *c.MaximumDiscount)
		}
	case DiscountFixed:
		amount = decimal.Min(c.DiscountValue, subtotal)
	}

	// Rounding up a percentage can overshoot a sub-cent subtotal.
	return decimal.Min(amount, subtotal)
}
