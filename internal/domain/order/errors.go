package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors for order validation and lifecycle.
var (
	ErrEmptyItems = errors.New("items required")
	ErrZeroTotal  = errors.New("order total must be greater than zero")
	// ErrTotalOutOfRange means the cart subtotal exceeds MaxOrderTotal.
	ErrTotalOutOfRange = errors.New("order total exceeds the maximum allowed amount")
	ErrNotFound   = errors.New("order not found")
	// ErrTransitionConflict means the order was not in the expected status when
	// the conditional update ran.
	ErrTransitionConflict = errors.New("order status changed concurrently")
	ErrIllegalTransition  = errors.New("illegal status transition")
	// ErrDuplicateGatewayOrder means the gateway order id is already attached
	// to another order.
	ErrDuplicateGatewayOrder = errors.New("gateway order id already attached")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item quantity outside
// [1, MaxQuantity].
type InvalidQuantityError struct {
	ProductID string
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be between 1 and %d for product %s", MaxQuantity, e.ProductID)
}

// IllegalTransitionError reports a transition the lifecycle does not allow.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// GatewayError reports a failed payment intent creation. The order stays in
// created and checkout can be retried.
type GatewayError struct {
	OrderID string
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("create payment intent for order %s: %v", e.OrderID, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable is always true: intent creation has no side effect to undo.
func (e *GatewayError) Retryable() bool { return true }
