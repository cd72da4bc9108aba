// Package payment defines the contract between the order lifecycle and the
// external payment gateway.
package payment

import (
	"context"
	"math"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrInvalidSignature is returned when a confirmation signature does not match
// the one computed with the server-held secret.
var ErrInvalidSignature = errors.New("invalid payment signature")

// ErrAmountOutOfRange is returned when an amount has no minor-unit
// representation the gateway accepts.
var ErrAmountOutOfRange = errors.New("amount out of gateway range")

// Intent is a gateway-side reservation of an expected payment amount.
type Intent struct {
	GatewayOrderID string
	// Amount in the gateway's minor units (paise for INR).
	Amount   int64
	Currency string
	// KeyID is the public gateway key the client checkout widget needs.
	KeyID string
}

// Confirmation is the triple a client submits after paying out-of-band.
type Confirmation struct {
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
}

// VerifiedPayment is a confirmation whose signature has been checked.
type VerifiedPayment struct {
	GatewayOrderID   string
	GatewayPaymentID string
}

// Gateway creates payment intents and verifies payment confirmations.
// Implementations never persist order state.
type Gateway interface {
	CreateIntent(ctx context.Context, orderID string, amount decimal.Decimal, currency string) (*Intent, error)
	Verify(c Confirmation) (VerifiedPayment, error)
}

var (
	hundred  = decimal.NewFromInt(100)
	maxMinor = decimal.NewFromInt(math.MaxInt64)
)

// MinorUnits converts an amount to the gateway's minor-unit integer. Negative
// amounts and amounts that do not fit in int64 return ErrAmountOutOfRange.
func MinorUnits(amount decimal.Decimal) (int64, error) {
	minor := amount.Round(2).Mul(hundred)
	if minor.IsNegative() || minor.GreaterThan(maxMinor) {
		return 0, errors.Wrapf(ErrAmountOutOfRange, "%s", amount)
	}
	return minor.IntPart(), nil
}
