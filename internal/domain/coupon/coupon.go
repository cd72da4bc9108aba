package coupon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the subtotal, optionally capped.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount, never more than the subtotal.
	DiscountFixed DiscountType = "fixed"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFixed
}

// Reason is a machine-readable coupon rejection reason.
type Reason string

const (
	ReasonNotFound             Reason = "not_found"
	ReasonLoginRequired        Reason = "login_required"
	ReasonInactive             Reason = "inactive"
	ReasonOutsideValidity      Reason = "expired_or_not_yet_valid"
	ReasonGlobalLimitReached   Reason = "global_limit_reached"
	ReasonPerUserLimitReached  Reason = "per_user_limit_reached"
	ReasonBelowMinimumPurchase Reason = "below_minimum_purchase"
)

// Message returns the customer-facing text for the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonNotFound:
		return "coupon code not found"
	case ReasonLoginRequired:
		return "sign in to use a coupon"
	case ReasonInactive:
		return "coupon is no longer active"
	case ReasonOutsideValidity:
		return "coupon is expired or not yet valid"
	case ReasonGlobalLimitReached:
		return "coupon usage limit reached"
	case ReasonPerUserLimitReached:
		return "coupon already used the maximum number of times"
	case ReasonBelowMinimumPurchase:
		return "order subtotal is below the coupon minimum"
	default:
		return "coupon cannot be applied"
	}
}

// RejectionError reports why a coupon cannot be applied.
type RejectionError struct {
	Code   string
	Reason Reason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("coupon %s rejected: %s", e.Code, e.Reason)
}

// Reject builds a RejectionError for the given code.
func Reject(code string, reason Reason) *RejectionError {
	return &RejectionError{Code: code, Reason: reason}
}

// Coupon is the persisted state of a discount code.
//
// UsedBy holds redemption counts per user. Repositories are free to populate
// it only for the users relevant to the current request.
type Coupon struct {
	Code            string
	Description     string
	DiscountType    DiscountType
	DiscountValue   decimal.Decimal
	MinimumPurchase decimal.Decimal
	MaximumDiscount *decimal.Decimal
	UsageLimit      *int
	PerUserLimit    int
	ValidFrom       time.Time
	ValidUntil      time.Time
	IsActive        bool
	UsageCount      int
	UsedBy          map[string]int
}

// Redemptions returns how many times userID has redeemed the coupon.
func (c *Coupon) Redemptions(userID string) int {
	return c.UsedBy[userID]
}

// Validate checks the static coupon definition.
func (c *Coupon) Validate() error {
	switch {
	case NormalizeCode(c.Code) == "":
		return fmt.Errorf("code is required")
	case !c.DiscountType.Valid():
		return fmt.Errorf("unsupported discount type %q", c.DiscountType)
	case !c.DiscountValue.IsPositive():
		return fmt.Errorf("discount value must be positive")
	case c.DiscountType == DiscountPercentage && c.DiscountValue.GreaterThan(hundred):
		return fmt.Errorf("percentage must not exceed 100")
	case c.MinimumPurchase.IsNegative():
		return fmt.Errorf("minimum purchase must not be negative")
	case c.MaximumDiscount != nil && c.MaximumDiscount.IsNegative():
		return fmt.Errorf("maximum discount must not be negative")
	case c.UsageLimit != nil && *c.UsageLimit < 0:
		return fmt.Errorf("usage limit must not be negative")
	case c.PerUserLimit < 1:
		return fmt.Errorf("per-user limit must be at least 1")
	case c.ValidUntil.Before(c.ValidFrom):
		return fmt.Errorf("validity window ends before it starts")
	}
	return nil
}

// NormalizeCode trims and upper-cases a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CartContext is the pricing input for a coupon evaluation.
type CartContext struct {
	Subtotal decimal.Decimal
	UserID   string
	Now      time.Time
}

// Outcome is the result of applying a coupon to a cart.
type Outcome struct {
	Code       string
	Discount   decimal.Decimal
	FinalTotal decimal.Decimal
}

// Repository provides read access to coupons.
type Repository interface {
	// FindByCode returns the coupon for the normalized code with UsedBy
	// populated for userID. Returns a *RejectionError with ReasonNotFound
	// when no coupon exists.
	FindByCode(ctx context.Context, code, userID string) (*Coupon, error)
}
