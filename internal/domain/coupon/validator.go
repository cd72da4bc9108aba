package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Validator prices a coupon code against a cart subtotal for a user.
type Validator interface {
	Validate(ctx context.Context, code, userID string, subtotal decimal.Decimal) (*Outcome, error)
}

// RepoValidator implements Validator by looking up coupons from a Repository
// and evaluating them against the current time.
type RepoValidator struct {
	repo Repository
	now  func() time.Time
}

// NewRepoValidator creates a RepoValidator backed by the given Repository.
func NewRepoValidator(repo Repository) *RepoValidator {
	return &RepoValidator{repo: repo, now: time.Now}
}

// Validate normalizes the code, loads the coupon with the user's redemption
// count and evaluates it. Guests cannot redeem coupons since per-user limits
// could not be enforced for them.
func (v *RepoValidator) Validate(ctx context.Context, code, userID string, subtotal decimal.Decimal) (*Outcome, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, Reject(code, ReasonNotFound)
	}

	c, err := v.repo.FindByCode(ctx, code, userID)
	if err != nil {
		var rej *RejectionError
		if errors.As(err, &rej) {
			return nil, rej
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}
	if userID == "" {
		return nil, Reject(c.Code, ReasonLoginRequired)
	}

	out, err := Evaluate(c, CartContext{
		Subtotal: subtotal,
		UserID:   userID,
		Now:      v.now(),
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
