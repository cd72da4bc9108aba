//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/xenking/foodstore/internal/domain/auth"
	"github.com/xenking/foodstore/internal/domain/coupon"
	"github.com/xenking/foodstore/internal/domain/order"
	"github.com/xenking/foodstore/internal/domain/payment"
	"github.com/xenking/foodstore/internal/domain/product"
	"github.com/xenking/foodstore/internal/storage/postgres"
)

type storageSuite struct {
	suite.Suite

	container *tcpostgres.PostgresContainer
	pool      *pgxpool.Pool

	products *postgres.ProductRepository
	coupons  *postgres.CouponRepository
	orders   *postgres.OrderRepository
	apikeys  *postgres.APIKeyRepository
}

func TestStorageSuite(t *testing.T) {
	suite.Run(t, new(storageSuite))
}

func (s *storageSuite) SetupSuite() {
	ctx := s.T().Context()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("foodstore"),
		tcpostgres.WithUsername("foodstore"),
		tcpostgres.WithPassword("foodstore"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = ctr

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.Require().NoError(postgres.RunMigrations(connStr))
	// Applying twice is a no-op.
	s.Require().NoError(postgres.RunMigrations(connStr))

	s.pool, err = postgres.NewPool(ctx, connStr)
	s.Require().NoError(err)

	s.products = postgres.NewProductRepository(s.pool)
	s.coupons = postgres.NewCouponRepository(s.pool)
	s.orders = postgres.NewOrderRepository(s.pool)
	s.apikeys = postgres.NewAPIKeyRepository(s.pool)
}

func (s *storageSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		s.NoError(testcontainers.TerminateContainer(s.container))
	}
}

func (s *storageSuite) TearDownTest() {
	_, err := s.pool.Exec(context.Background(),
		`TRUNCATE orders, coupon_redemptions, coupons, products, api_keys`)
	s.NoError(err)
}

func randomProduct() product.Product {
	return product.Product{
		ID:         uuid.NewString(),
		Name:       gofakeit.ProductName(),
		Price:      decimal.NewFromFloat(gofakeit.Price(10, 900)).Round(2),
		Category:   gofakeit.ProductCategory(),
		PackSize:   fmt.Sprintf("%dg", gofakeit.Number(50, 1000)),
		Vegetarian: gofakeit.Bool(),
		Image: product.Image{
			Thumbnail: gofakeit.URL(),
			Full:      gofakeit.URL(),
		},
	}
}

func newCoupon(code string, usageLimit *int, perUser int) coupon.Coupon {
	now := time.Now().UTC()
	return coupon.Coupon{
		Code:            code,
		Description:     gofakeit.Sentence(4),
		DiscountType:    coupon.DiscountPercentage,
		DiscountValue:   decimal.NewFromInt(20),
		MaximumDiscount: lo.ToPtr(decimal.NewFromInt(150)),
		UsageLimit:      usageLimit,
		PerUserLimit:    perUser,
		ValidFrom:       now.Add(-time.Hour).Truncate(time.Microsecond),
		ValidUntil:      now.Add(time.Hour).Truncate(time.Microsecond),
		IsActive:        true,
	}
}

func (s *storageSuite) awaitingOrder(userID, couponCode string) *order.Order {
	ctx := context.Background()
	p := randomProduct()
	s.Require().NoError(s.products.Upsert(ctx, p))

	now := time.Now().UTC().Truncate(time.Microsecond)
	o := &order.Order{
		ID:     uuid.NewString(),
		UserID: userID,
		LineItems: []order.LineItem{
			{ProductID: p.ID, Name: p.Name, Quantity: 2, UnitPrice: p.Price},
		},
		Subtotal:   p.Price.Mul(decimal.NewFromInt(2)),
		TotalPrice: p.Price.Mul(decimal.NewFromInt(2)),
		Currency:   "INR",
		Status:     order.StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if couponCode != "" {
		o.Coupon = &order.AppliedCoupon{Code: couponCode, Discount: decimal.NewFromInt(1)}
		o.TotalPrice = o.TotalPrice.Sub(decimal.NewFromInt(1))
	}
	s.Require().NoError(s.orders.Create(ctx, o))

	gid := "order_" + gofakeit.LetterN(14)
	s.Require().NoError(s.orders.AttachIntent(ctx, o.ID, gid))
	o.Status = order.StatusAwaitingPayment
	o.Payment.GatewayOrderID = gid
	return o
}

func (s *storageSuite) TestAttachIntentDuplicateGatewayOrder() {
	ctx := context.Background()
	first := s.awaitingOrder("u1", "")

	now := time.Now().UTC()
	second := &order.Order{
		ID:         uuid.NewString(),
		UserID:     "u2",
		Subtotal:   decimal.NewFromInt(10),
		TotalPrice: decimal.NewFromInt(10),
		Currency:   "INR",
		Status:     order.StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.Require().NoError(s.orders.Create(ctx, second))

	err := s.orders.AttachIntent(ctx, second.ID, first.Payment.GatewayOrderID)
	s.ErrorIs(err, order.ErrDuplicateGatewayOrder)

	got, err := s.orders.Get(ctx, second.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusCreated, got.Status)

	owner, err := s.orders.GetByGatewayOrderID(ctx, first.Payment.GatewayOrderID)
	s.Require().NoError(err)
	s.Equal(first.ID, owner.ID)
}

func (s *storageSuite) TestProducts() {
	ctx := context.Background()
	ps := []product.Product{randomProduct(), randomProduct(), randomProduct()}
	for _, p := range ps {
		s.Require().NoError(s.products.Upsert(ctx, p))
	}

	got, err := s.products.GetByIDs(ctx, []string{ps[0].ID, ps[2].ID, "missing"})
	s.Require().NoError(err)
	s.Len(got, 2)

	one, err := s.products.GetByID(ctx, ps[1].ID)
	s.Require().NoError(err)
	s.Equal(ps[1].Name, one.Name)
	s.True(ps[1].Price.Equal(one.Price))
	s.Equal(ps[1].PackSize, one.PackSize)
	s.Equal(ps[1].Vegetarian, one.Vegetarian)
	s.Equal(ps[1].Image, one.Image)

	bad := randomProduct()
	bad.Price = decimal.Zero
	s.Error(s.products.Upsert(ctx, bad))

	_, err = s.products.GetByID(ctx, "missing")
	s.ErrorIs(err, product.ErrNotFound)

	all, err := s.products.List(ctx)
	s.Require().NoError(err)
	s.Len(all, 3)
}

func (s *storageSuite) TestCouponFindByCode() {
	ctx := context.Background()
	c := newCoupon("save20", nil, 2)
	s.Require().NoError(s.coupons.Upsert(ctx, c))

	got, err := s.coupons.FindByCode(ctx, "Save20", "u1")
	s.Require().NoError(err)
	s.Equal("SAVE20", got.Code)
	s.Equal(coupon.DiscountPercentage, got.DiscountType)
	s.Require().NotNil(got.MaximumDiscount)
	s.True(decimal.NewFromInt(150).Equal(*got.MaximumDiscount))
	s.Nil(got.UsageLimit)
	s.Equal(2, got.PerUserLimit)
	s.Equal(0, got.Redemptions("u1"))

	_, err = s.coupons.FindByCode(ctx, "NOPE", "u1")
	var rej *coupon.RejectionError
	s.Require().ErrorAs(err, &rej)
	s.Equal(coupon.ReasonNotFound, rej.Reason)
}

func (s *storageSuite) TestCouponUpsertBatch() {
	ctx := context.Background()
	batch := lo.Times(25, func(i int) coupon.Coupon {
		return newCoupon(fmt.Sprintf("BULK%03d", i), lo.ToPtr(100), 1)
	})

	n, err := s.coupons.UpsertBatch(ctx, batch)
	s.Require().NoError(err)
	s.Equal(25, n)

	got, err := s.coupons.FindByCode(ctx, "BULK007", "")
	s.Require().NoError(err)
	s.Require().NotNil(got.UsageLimit)
	s.Equal(100, *got.UsageLimit)

	bad := newCoupon("", nil, 1)
	_, err = s.coupons.UpsertBatch(ctx, []coupon.Coupon{newCoupon("OK1", nil, 1), bad})
	s.Error(err)
	_, err = s.coupons.FindByCode(ctx, "OK1", "")
	s.Error(err, "failed batch must roll back")
}

func (s *storageSuite) TestOrderLifecycle() {
	ctx := context.Background()
	o := s.awaitingOrder("u1", "")

	got, err := s.orders.Get(ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusAwaitingPayment, got.Status)
	s.Equal(o.Payment.GatewayOrderID, got.Payment.GatewayOrderID)
	s.Require().Len(got.LineItems, 1)
	s.True(o.LineItems[0].UnitPrice.Equal(got.LineItems[0].UnitPrice))

	s.ErrorIs(s.orders.AttachIntent(ctx, o.ID, "order_other"), order.ErrTransitionConflict)
	s.ErrorIs(s.orders.AttachIntent(ctx, uuid.NewString(), "order_x"), order.ErrNotFound)

	paid, err := s.orders.MarkPaid(ctx, payment.VerifiedPayment{GatewayOrderID: o.Payment.GatewayOrderID, GatewayPaymentID: "pay_1"}, time.Now())
	s.Require().NoError(err)
	s.Equal(order.StatusPaid, paid.Status)
	s.True(paid.Payment.IsPaid)
	s.True(paid.Payment.SignatureVerified)
	s.NotNil(paid.PaidAt)

	_, err = s.orders.MarkPaid(ctx, payment.VerifiedPayment{GatewayOrderID: o.Payment.GatewayOrderID, GatewayPaymentID: "pay_1"}, time.Now())
	s.ErrorIs(err, order.ErrTransitionConflict)

	_, err = s.orders.MarkPaymentFailed(ctx, o.Payment.GatewayOrderID, order.Failure{Reason: "late"})
	s.ErrorIs(err, order.ErrTransitionConflict)

	_, err = s.orders.MarkPaid(ctx, payment.VerifiedPayment{GatewayOrderID: "order_unknown"}, time.Now())
	s.ErrorIs(err, order.ErrNotFound)

	shipped, err := s.orders.UpdateStatus(ctx, o.ID, order.StatusPaid, order.StatusProcessing)
	s.Require().NoError(err)
	s.Equal(order.StatusProcessing, shipped.Status)

	_, err = s.orders.UpdateStatus(ctx, o.ID, order.StatusPaid, order.StatusCancelled)
	s.ErrorIs(err, order.ErrTransitionConflict)
}

func (s *storageSuite) TestMarkPaymentFailed() {
	ctx := context.Background()
	o := s.awaitingOrder("u1", "")

	failed, err := s.orders.MarkPaymentFailed(ctx, o.Payment.GatewayOrderID, order.Failure{
		GatewayPaymentID: "pay_9",
		Reason:           "invalid_signature",
	})
	s.Require().NoError(err)
	s.Equal(order.StatusPaymentFailed, failed.Status)
	s.Equal("pay_9", failed.Payment.GatewayPaymentID)
	s.Equal("invalid_signature", failed.Payment.FailureReason)
	s.False(failed.Payment.IsPaid)
}

func (s *storageSuite) TestMarkPaidRedeemsCouponOnce() {
	ctx := context.Background()
	s.Require().NoError(s.coupons.Upsert(ctx, newCoupon("SAVE20", lo.ToPtr(10), 1)))
	o := s.awaitingOrder("u1", "SAVE20")

	_, err := s.orders.MarkPaid(ctx, payment.VerifiedPayment{GatewayOrderID: o.Payment.GatewayOrderID, GatewayPaymentID: "pay_1"}, time.Now())
	s.Require().NoError(err)
	_, err = s.orders.MarkPaid(ctx, payment.VerifiedPayment{GatewayOrderID: o.Payment.GatewayOrderID, GatewayPaymentID: "pay_1"}, time.Now())
	s.ErrorIs(err, order.ErrTransitionConflict)

	c, err := s.coupons.FindByCode(ctx, "SAVE20", "u1")
	s.Require().NoError(err)
	s.Equal(1, c.UsageCount)
	s.Equal(1, c.Redemptions("u1"))

	// Per-user limit blocks the same user's second order and leaves it unpaid.
	second := s.awaitingOrder("u1", "SAVE20")
	_, err = s.orders.MarkPaid(ctx, payment.VerifiedPayment{GatewayOrderID: second.Payment.GatewayOrderID}, time.Now())
	var rej *coupon.RejectionError
	s.Require().ErrorAs(err, &rej)
	s.Equal(coupon.ReasonPerUserLimitReached, rej.Reason)

	got, err := s.orders.Get(ctx, second.ID)
	s.Require().NoError(err)
	s.Equal(order.StatusAwaitingPayment, got.Status)

	c, err = s.coupons.FindByCode(ctx, "SAVE20", "u1")
	s.Require().NoError(err)
	s.Equal(1, c.UsageCount, "rolled back redemption must not count")
}

func (s *storageSuite) TestConcurrentRedemptionsRespectUsageLimit() {
	ctx := context.Background()
	s.Require().NoError(s.coupons.Upsert(ctx, newCoupon("RACE", lo.ToPtr(3), 1)))

	orders := lo.Times(12, func(i int) *order.Order {
		return s.awaitingOrder(fmt.Sprintf("user-%d", i), "RACE")
	})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		paid     int
		rejected int
	)
	for _, o := range orders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.orders.MarkPaid(ctx, payment.VerifiedPayment{GatewayOrderID: o.Payment.GatewayOrderID}, time.Now())
			mu.Lock()
			defer mu.Unlock()
			var rej *coupon.RejectionError
			switch {
			case err == nil:
				paid++
			case errors.As(err, &rej) && rej.Reason == coupon.ReasonGlobalLimitReached:
				rejected++
			default:
				s.Failf("unexpected error", "%v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(3, paid)
	s.Equal(9, rejected)

	c, err := s.coupons.FindByCode(ctx, "RACE", "")
	s.Require().NoError(err)
	s.Equal(3, c.UsageCount)
}

func (s *storageSuite) TestConcurrentDuplicateConfirmations() {
	ctx := context.Background()
	s.Require().NoError(s.coupons.Upsert(ctx, newCoupon("DUP", nil, 5)))
	o := s.awaitingOrder("u1", "DUP")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		paid int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.orders.MarkPaid(ctx, payment.VerifiedPayment{GatewayOrderID: o.Payment.GatewayOrderID, GatewayPaymentID: "pay_1"}, time.Now())
			if err == nil {
				mu.Lock()
				paid++
				mu.Unlock()
				return
			}
			s.ErrorIs(err, order.ErrTransitionConflict)
		}()
	}
	wg.Wait()

	s.Equal(1, paid)
	c, err := s.coupons.FindByCode(ctx, "DUP", "u1")
	s.Require().NoError(err)
	s.Equal(1, c.UsageCount)
	s.Equal(1, c.Redemptions("u1"))
}

func (s *storageSuite) TestAPIKeys() {
	ctx := context.Background()
	pepper := []byte("pepper")
	key := auth.APIKeyInfo{
		ID:      "admin",
		KeyHash: auth.HashKeyHex(pepper, "secret-key"),
		Name:    "Admin",
		Scopes:  []string{auth.ScopeAdmin},
	}
	s.Require().NoError(s.apikeys.Upsert(ctx, key))

	got, err := s.apikeys.FindByHash(ctx, key.KeyHash)
	s.Require().NoError(err)
	s.True(got.HasScope(auth.ScopeAdmin))

	_, err = s.apikeys.FindByHash(ctx, auth.HashKeyHex(pepper, "wrong"))
	s.ErrorIs(err, auth.ErrKeyNotFound)
}
