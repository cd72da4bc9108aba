package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/foodstore/internal/domain/order"
	"github.com/xenking/foodstore/internal/domain/payment"
)

const (
	orderColumns = `id, user_id, line_items, subtotal, discount, coupon_code, total_price,
		currency, status, COALESCE(gateway_order_id, ''), gateway_payment_id,
		signature_verified, is_paid, failure_reason, created_at, paid_at, updated_at`

	createOrderSQL = `INSERT INTO orders (id, user_id, line_items, subtotal, discount, coupon_code,
			total_price, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	getOrderSQL           = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	getOrderByGatewaySQL  = `SELECT ` + orderColumns + ` FROM orders WHERE gateway_order_id = $1`
	orderExistsSQL        = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`
	orderExistsGatewaySQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE gateway_order_id = $1)`

	attachIntentSQL = `UPDATE orders SET status = 'awaiting_payment', gateway_order_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'created'`

	markPaidSQL = `UPDATE orders SET status = 'paid', gateway_payment_id = $2,
			signature_verified = TRUE, is_paid = TRUE, paid_at = $3, updated_at = $3
		WHERE gateway_order_id = $1 AND status = 'awaiting_payment'
		RETURNING ` + orderColumns

	markPaymentFailedSQL = `UPDATE orders SET status = 'payment_failed',
			gateway_payment_id = CASE WHEN $2 <> '' THEN $2 ELSE gateway_payment_id END,
			signature_verified = $3, failure_reason = $4, updated_at = NOW()
		WHERE gateway_order_id = $1 AND status = 'awaiting_payment'
		RETURNING ` + orderColumns

	updateStatusSQL = `UPDATE orders SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + orderColumns
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Every
// transition is a single UPDATE guarded by the expected current status.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. Line items are serialized to JSON for storage
// in the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.LineItems)
	if err != nil {
		return fmt.Errorf("marshaling line items: %w", err)
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.UserID, itemsJSON, o.Subtotal, o.Discount(), o.CouponCode(),
		o.TotalPrice, o.Currency, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// Get returns an order by id.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.queryOne(ctx, r.pool, getOrderSQL, id)
}

// GetByGatewayOrderID returns the order a gateway intent was created for.
func (r *OrderRepository) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*order.Order, error) {
	return r.queryOne(ctx, r.pool, getOrderByGatewaySQL, gatewayOrderID)
}

// AttachIntent moves a created order to awaiting_payment.
func (r *OrderRepository) AttachIntent(ctx context.Context, id, gatewayOrderID string) error {
	tag, err := r.pool.Exec(ctx, attachIntentSQL, id, gatewayOrderID)
	if isUniqueViolation(err) {
		return order.ErrDuplicateGatewayOrder
	}
	if err != nil {
		return fmt.Errorf("attaching intent to order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, r.pool, orderExistsSQL, id)
	}
	return nil
}

// MarkPaid transitions the order to paid and redeems its coupon in one
// transaction.
func (r *OrderRepository) MarkPaid(ctx context.Context, p payment.VerifiedPayment, paidAt time.Time) (*order.Order, error) {
	return withTx(ctx, r.pool, func(tx pgx.Tx) (*order.Order, error) {
		o, err := r.queryOne(ctx, tx, markPaidSQL, p.GatewayOrderID, p.GatewayPaymentID, paidAt)
		if errors.Is(err, order.ErrNotFound) {
			return nil, r.missOrConflict(ctx, tx, orderExistsGatewaySQL, p.GatewayOrderID)
		}
		if err != nil {
			return nil, fmt.Errorf("marking order paid: %w", err)
		}

		if code := o.CouponCode(); code != "" {
			if err := redeem(ctx, tx, code, o.UserID); err != nil {
				return nil, err
			}
		}
		return o, nil
	})
}

// MarkPaymentFailed transitions an awaiting_payment order to payment_failed.
func (r *OrderRepository) MarkPaymentFailed(ctx context.Context, gatewayOrderID string, f order.Failure) (*order.Order, error) {
	o, err := r.queryOne(ctx, r.pool, markPaymentFailedSQL,
		gatewayOrderID, f.GatewayPaymentID, f.SignatureVerified, f.Reason)
	if errors.Is(err, order.ErrNotFound) {
		return nil, r.missOrConflict(ctx, r.pool, orderExistsGatewaySQL, gatewayOrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("marking payment failed: %w", err)
	}
	return o, nil
}

// UpdateStatus moves an order from one status to another.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to order.Status) (*order.Order, error) {
	o, err := r.queryOne(ctx, r.pool, updateStatusSQL, id, string(from), string(to))
	if errors.Is(err, order.ErrNotFound) {
		return nil, r.missOrConflict(ctx, r.pool, orderExistsSQL, id)
	}
	if err != nil {
		return nil, fmt.Errorf("updating order %q status: %w", id, err)
	}
	return o, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *OrderRepository) queryOne(ctx context.Context, q querier, sql string, args ...any) (*order.Order, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("scanning order: %w", err)
	}
	return o, nil
}

// missOrConflict tells a missing order apart from one whose status guard
// failed.
func (r *OrderRepository) missOrConflict(ctx context.Context, q querier, sql, key string) error {
	var exists bool
	if err := q.QueryRow(ctx, sql, key).Scan(&exists); err != nil {
		return fmt.Errorf("checking order: %w", err)
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrTransitionConflict
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		o          order.Order
		itemsJSON  []byte
		couponCode string
		status     string
		discount   decimal.Decimal
	)
	err := row.Scan(
		&o.ID, &o.UserID, &itemsJSON, &o.Subtotal, &discount, &couponCode, &o.TotalPrice,
		&o.Currency, &status, &o.Payment.GatewayOrderID, &o.Payment.GatewayPaymentID,
		&o.Payment.SignatureVerified, &o.Payment.IsPaid, &o.Payment.FailureReason,
		&o.CreatedAt, &o.PaidAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(itemsJSON, &o.LineItems); err != nil {
		return nil, fmt.Errorf("unmarshaling line items: %w", err)
	}
	o.Status = order.Status(status)
	if couponCode != "" {
		o.Coupon = &order.AppliedCoupon{Code: couponCode, Discount: discount}
	}
	return &o, nil
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
