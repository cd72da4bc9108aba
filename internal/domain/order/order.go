package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/foodstore/internal/domain/payment"
)

// Status is the order lifecycle state. Payment states come first, the
// fulfillment states only apply once the order is paid.
type Status string

const (
	StatusCreated         Status = "created"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusPaid            Status = "paid"
	StatusPaymentFailed   Status = "payment_failed"
	StatusProcessing      Status = "processing"
	StatusShipped         Status = "shipped"
	StatusDelivered       Status = "delivered"
	StatusCancelled       Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusCreated:         {StatusAwaitingPayment},
	StatusAwaitingPayment: {StatusPaid, StatusPaymentFailed},
	StatusPaid:            {StatusProcessing, StatusCancelled},
	StatusProcessing:      {StatusShipped, StatusCancelled},
	StatusShipped:         {StatusDelivered, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusAwaitingPayment, StatusPaid, StatusPaymentFailed,
		StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Fulfillment reports whether s is a post-payment fulfillment state.
func (s Status) Fulfillment() bool {
	switch s {
	case StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Settled reports whether the payment outcome of an order in status s is final.
func (s Status) Settled() bool {
	return s == StatusPaid || s == StatusPaymentFailed || s.Fulfillment()
}

// LineItem is a price snapshot taken at checkout.
type LineItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Total returns UnitPrice * Quantity.
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// AppliedCoupon is the coupon frozen onto an order at checkout.
type AppliedCoupon struct {
	Code     string
	Discount decimal.Decimal
}

// Payment is the gateway sub-record of an order.
type Payment struct {
	GatewayOrderID    string
	GatewayPaymentID  string
	SignatureVerified bool
	IsPaid            bool
	FailureReason     string
}

// Order is a customer purchase and its payment lifecycle.
type Order struct {
	ID string
	// UserID is empty for guest orders.
	UserID     string
	LineItems  []LineItem
	Subtotal   decimal.Decimal
	Coupon     *AppliedCoupon
	TotalPrice decimal.Decimal
	Currency   string
	Payment    Payment
	Status     Status
	CreatedAt  time.Time
	PaidAt     *time.Time
	UpdatedAt  time.Time
}

// Discount returns the frozen coupon discount, or zero.
func (o *Order) Discount() decimal.Decimal {
	if o.Coupon == nil {
		return decimal.Zero
	}
	return o.Coupon.Discount
}

// CouponCode returns the applied coupon code, or "".
func (o *Order) CouponCode() string {
	if o.Coupon == nil {
		return ""
	}
	return o.Coupon.Code
}

// Failure describes a transition to payment_failed.
type Failure struct {
	GatewayPaymentID  string
	SignatureVerified bool
	Reason            string
}

// Repository defines persistence operations for orders. Every transition is a
// conditional update on the current status, so concurrent callers racing on
// the same order observe ErrTransitionConflict instead of double-applying.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*Order, error)

	// AttachIntent moves a created order to awaiting_payment and records the
	// gateway order id. Returns ErrDuplicateGatewayOrder when the id already
	// belongs to another order.
	AttachIntent(ctx context.Context, id, gatewayOrderID string) error

	// MarkPaid moves an awaiting_payment order to paid and, if the order has a
	// coupon and a user, redeems it. Both effects commit together. Returns
	// ErrTransitionConflict when the order is no longer awaiting payment and a
	// *coupon.RejectionError when the redemption would exceed a limit; in both
	// cases nothing is written.
	MarkPaid(ctx context.Context, p payment.VerifiedPayment, paidAt time.Time) (*Order, error)

	// MarkPaymentFailed moves an awaiting_payment order to payment_failed.
	MarkPaymentFailed(ctx context.Context, gatewayOrderID string, f Failure) (*Order, error)

	// UpdateStatus moves an order from one status to another if it is still in
	// from.
	UpdateStatus(ctx context.Context, id string, from, to Status) (*Order, error)
}

// EventPublisher announces settled payment transitions.
type EventPublisher interface {
	PublishPaid(ctx context.Context, o *Order) error
	PublishPaymentFailed(ctx context.Context, o *Order) error
}
