package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/foodstore/internal/domain/coupon"
)

const (
	findCouponSQL = `SELECT c.code, c.description, c.discount_type, c.discount_value,
			c.minimum_purchase, c.maximum_discount, c.usage_limit, c.per_user_limit,
			c.valid_from, c.valid_until, c.is_active, c.usage_count, COALESCE(r.count, 0)
		FROM coupons c
		LEFT JOIN coupon_redemptions r ON r.coupon_code = c.code AND r.user_id = $2
		WHERE c.code = $1`

	upsertCouponSQL = `INSERT INTO coupons (code, description, discount_type, discount_value,
			minimum_purchase, maximum_discount, usage_limit, per_user_limit,
			valid_from, valid_until, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (code) DO UPDATE SET
			description = EXCLUDED.description,
			discount_type = EXCLUDED.discount_type,
			discount_value = EXCLUDED.discount_value,
			minimum_purchase = EXCLUDED.minimum_purchase,
			maximum_discount = EXCLUDED.maximum_discount,
			usage_limit = EXCLUDED.usage_limit,
			per_user_limit = EXCLUDED.per_user_limit,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			is_active = EXCLUDED.is_active`

	// incrementCouponUsageSQL consumes one global use if any is left.
	incrementCouponUsageSQL = `UPDATE coupons SET usage_count = usage_count + 1
		WHERE code = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)`

	// redeemForUserSQL bumps the user's redemption count unless it already
	// reached per_user_limit, in which case no row is returned.
	redeemForUserSQL = `INSERT INTO coupon_redemptions AS r (coupon_code, user_id, count)
		SELECT code, $2, 1 FROM coupons WHERE code = $1
		ON CONFLICT (coupon_code, user_id) DO UPDATE SET count = r.count + 1
		WHERE r.count < (SELECT per_user_limit FROM coupons WHERE code = EXCLUDED.coupon_code)
		RETURNING count`

	couponExistsSQL = `SELECT EXISTS (SELECT 1 FROM coupons WHERE code = $1)`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode loads a coupon with the redemption count of userID. The code is
// normalized before lookup.
func (r *CouponRepository) FindByCode(ctx context.Context, code, userID string) (*coupon.Coupon, error) {
	code = coupon.NormalizeCode(code)

	var (
		c          coupon.Coupon
		discType   string
		maxDisc    decimal.NullDecimal
		usageLimit *int32
		perUser    int32
		usageCount int32
		redeemed   int32
	)
	err := r.pool.QueryRow(ctx, findCouponSQL, code, userID).Scan(
		&c.Code, &c.Description, &discType, &c.DiscountValue,
		&c.MinimumPurchase, &maxDisc, &usageLimit, &perUser,
		&c.ValidFrom, &c.ValidUntil, &c.IsActive, &usageCount, &redeemed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.Reject(code, coupon.ReasonNotFound)
		}
		return nil, fmt.Errorf("finding coupon %q: %w", code, err)
	}

	c.DiscountType = coupon.DiscountType(discType)
	if maxDisc.Valid {
		c.MaximumDiscount = &maxDisc.Decimal
	}
	if usageLimit != nil {
		limit := int(*usageLimit)
		c.UsageLimit = &limit
	}
	c.PerUserLimit = int(perUser)
	c.UsageCount = int(usageCount)
	c.UsedBy = map[string]int{}
	if userID != "" {
		c.UsedBy[userID] = int(redeemed)
	}
	return &c, nil
}

// Upsert inserts or updates a coupon definition. Usage counters are left
// untouched on update.
func (r *CouponRepository) Upsert(ctx context.Context, c coupon.Coupon) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid coupon %q: %w", c.Code, err)
	}
	_, err := r.pool.Exec(ctx, upsertCouponSQL, couponArgs(c)...)
	if err != nil {
		return fmt.Errorf("upserting coupon %q: %w", c.Code, err)
	}
	return nil
}

// UpsertBatch upserts coupons in a single transaction.
func (r *CouponRepository) UpsertBatch(ctx context.Context, coupons []coupon.Coupon) (int, error) {
	return withTx(ctx, r.pool, func(tx pgx.Tx) (int, error) {
		batch := &pgx.Batch{}
		for _, c := range coupons {
			if err := c.Validate(); err != nil {
				return 0, fmt.Errorf("invalid coupon %q: %w", c.Code, err)
			}
			batch.Queue(upsertCouponSQL, couponArgs(c)...)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("upserting coupon batch: %w", err)
		}
		return len(coupons), nil
	})
}

func couponArgs(c coupon.Coupon) []any {
	var maxDisc decimal.NullDecimal
	if c.MaximumDiscount != nil {
		maxDisc = decimal.NewNullDecimal(*c.MaximumDiscount)
	}
	var usageLimit *int32
	if c.UsageLimit != nil {
		v := int32(*c.UsageLimit)
		usageLimit = &v
	}
	return []any{
		coupon.NormalizeCode(c.Code), c.Description, string(c.DiscountType), c.DiscountValue,
		c.MinimumPurchase, maxDisc, usageLimit, int32(c.PerUserLimit),
		c.ValidFrom, c.ValidUntil, c.IsActive,
	}
}

// redeem consumes one global use and one use for userID inside tx. Guests only
// consume the global counter.
func redeem(ctx context.Context, tx pgx.Tx, code, userID string) error {
	tag, err := tx.Exec(ctx, incrementCouponUsageSQL, code)
	if err != nil {
		return fmt.Errorf("incrementing coupon usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, couponExistsSQL, code).Scan(&exists); err != nil {
			return fmt.Errorf("checking coupon: %w", err)
		}
		if !exists {
			return coupon.Reject(code, coupon.ReasonNotFound)
		}
		return coupon.Reject(code, coupon.ReasonGlobalLimitReached)
	}

	if userID == "" {
		return nil
	}
	var count int32
	err = tx.QueryRow(ctx, redeemForUserSQL, code, userID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.Reject(code, coupon.ReasonPerUserLimitReached)
		}
		return fmt.Errorf("recording redemption: %w", err)
	}
	return nil
}
