package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/foodstore/internal/domain/coupon"
	"github.com/xenking/foodstore/internal/domain/payment"
	"github.com/xenking/foodstore/internal/domain/product"
)

// Failure reasons recorded on payment_failed orders.
const (
	ReasonInvalidSignature = "invalid_signature"
	reasonCouponPrefix     = "coupon_"
	reasonGatewayPrefix    = "gateway_"
)

// Cart limits. MaxOrderTotal is the largest amount the NUMERIC(12,2) order
// columns hold, well inside the gateway's int64 minor units.
const MaxQuantity = 1000

var MaxOrderTotal = decimal.RequireFromString("9999999999.99")

// Outcome is the result of a confirmation or failure report.
type Outcome string

const (
	OutcomePaid             Outcome = "paid"
	OutcomePaymentFailed    Outcome = "payment_failed"
	OutcomeAlreadyFinalized Outcome = "already_finalized"
)

// ItemRequest is a cart line as submitted by the client.
type ItemRequest struct {
	ProductID string
	Quantity  int
}

// CheckoutRequest holds the input for a checkout.
type CheckoutRequest struct {
	// UserID is empty for guests.
	UserID     string
	Items      []ItemRequest
	CouponCode string
}

// CheckoutResult is an order awaiting payment together with its intent.
type CheckoutResult struct {
	Order  *Order
	Intent *payment.Intent
}

// Quote is a side-effect free pricing of a cart.
type Quote struct {
	LineItems  []LineItem
	Subtotal   decimal.Decimal
	Coupon     *AppliedCoupon
	FinalTotal decimal.Decimal
}

// SettleResult is the state of an order after a confirmation or failure report.
type SettleResult struct {
	Order   *Order
	Outcome Outcome
}

// Service drives orders through checkout, payment and fulfillment.
type Service struct {
	products product.Repository
	coupons  coupon.Validator
	orders   Repository
	gateway  payment.Gateway
	events   EventPublisher

	currency      string
	intentTimeout time.Duration
	now           func() time.Time

	tracer    trace.Tracer
	checkouts metric.Int64Counter
	settles   metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithEvents sets the publisher for settled payment transitions.
func WithEvents(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// WithCurrency sets the ISO 4217 code orders are priced in.
func WithCurrency(code string) Option {
	return func(s *Service) { s.currency = code }
}

// WithIntentTimeout bounds the gateway intent call.
func WithIntentTimeout(d time.Duration) Option {
	return func(s *Service) { s.intentTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTelemetry sets tracer and meter providers.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Option {
	return func(s *Service) {
		s.tracer = tp.Tracer("foodstore/order")
		s.initMetrics(mp)
	}
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	products product.Repository,
	coupons coupon.Validator,
	orders Repository,
	gateway payment.Gateway,
	opts ...Option,
) *Service {
	s := &Service{
		products:      products,
		coupons:       coupons,
		orders:        orders,
		gateway:       gateway,
		events:        nopPublisher{},
		currency:      "INR",
		intentTimeout: 10 * time.Second,
		now:           time.Now,
		tracer:        tracenoop.NewTracerProvider().Tracer("foodstore/order"),
	}
	s.initMetrics(metricnoop.NewMeterProvider())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) initMetrics(mp metric.MeterProvider) {
	meter := mp.Meter("foodstore/order")
	// Instrument creation only fails on invalid names.
	s.checkouts, _ = meter.Int64Counter("orders.checkout",
		metric.WithDescription("Checkout attempts by result"))
	s.settles, _ = meter.Int64Counter("orders.confirm",
		metric.WithDescription("Payment settlements by outcome"))
}

// Quote prices a cart and, if a code is given, applies the coupon. Nothing is
// persisted and coupon counters are not touched.
func (s *Service) Quote(ctx context.Context, userID string, items []ItemRequest, couponCode string) (*Quote, error) {
	lines, err := s.snapshot(ctx, items)
	if err != nil {
		return nil, err
	}

	subtotal := decimal.Zero
	for _, li := range lines {
		subtotal = subtotal.Add(li.Total())
	}
	subtotal = subtotal.Round(2)
	if subtotal.GreaterThan(MaxOrderTotal) {
		return nil, ErrTotalOutOfRange
	}

	q := &Quote{
		LineItems:  lines,
		Subtotal:   subtotal,
		FinalTotal: subtotal,
	}
	if couponCode == "" {
		return q, nil
	}

	out, err := s.coupons.Validate(ctx, couponCode, userID, subtotal)
	if err != nil {
		return nil, errors.Wrap(err, "validate coupon")
	}
	q.Coupon = &AppliedCoupon{Code: out.Code, Discount: out.Discount}
	q.FinalTotal = out.FinalTotal.Round(2)
	return q, nil
}

// snapshot validates items and captures current catalog prices.
func (s *Service) snapshot(ctx context.Context, items []ItemRequest) ([]LineItem, error) {
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}

	ids := make([]string, len(items))
	for i, item := range items {
		if item.Quantity <= 0 || item.Quantity > MaxQuantity {
			return nil, &InvalidQuantityError{ProductID: item.ProductID, Quantity: item.Quantity}
		}
		ids[i] = item.ProductID
	}

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	lines := make([]LineItem, 0, len(items))
	for _, item := range items {
		p, ok := byID[item.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		lines = append(lines, LineItem{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  item.Quantity,
			UnitPrice: p.Price,
		})
	}
	return lines, nil
}

// Checkout prices the cart, persists a created order and registers a payment
// intent for it. If the gateway call fails the order stays created and a
// *GatewayError is returned.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (_ *CheckoutResult, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Checkout")
	defer func() {
		result := "ok"
		if rerr != nil {
			result = checkoutResult(rerr)
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		s.checkouts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
		span.End()
	}()
	lg := zctx.From(ctx)

	q, err := s.Quote(ctx, req.UserID, req.Items, req.CouponCode)
	if err != nil {
		return nil, err
	}
	if !q.FinalTotal.IsPositive() {
		return nil, ErrZeroTotal
	}

	now := s.now().UTC()
	o := &Order{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		LineItems:  q.LineItems,
		Subtotal:   q.Subtotal,
		Coupon:     q.Coupon,
		TotalPrice: q.FinalTotal,
		Currency:   s.currency,
		Status:     StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	intentCtx, cancel := context.WithTimeout(ctx, s.intentTimeout)
	defer cancel()
	intent, err := s.gateway.CreateIntent(intentCtx, o.ID, o.TotalPrice, o.Currency)
	if err != nil {
		lg.Warn("Payment intent failed", zap.String("order_id", o.ID), zap.Error(err))
		if errors.Is(err, payment.ErrAmountOutOfRange) {
			return nil, err
		}
		return nil, &GatewayError{OrderID: o.ID, Err: err}
	}

	if err := s.orders.AttachIntent(ctx, o.ID, intent.GatewayOrderID); err != nil {
		return nil, errors.Wrap(err, "attach intent")
	}
	o.Status = StatusAwaitingPayment
	o.Payment.GatewayOrderID = intent.GatewayOrderID

	lg.Info("Order awaiting payment",
		zap.String("order_id", o.ID),
		zap.String("gateway_order_id", intent.GatewayOrderID),
		zap.String("total", o.TotalPrice.StringFixed(2)),
		zap.String("coupon", o.CouponCode()),
	)
	return &CheckoutResult{Order: o, Intent: intent}, nil
}

func checkoutResult(err error) string {
	var (
		rej *coupon.RejectionError
		gw  *GatewayError
	)
	switch {
	case errors.As(err, &rej):
		return "coupon_rejected"
	case errors.As(err, &gw):
		return "gateway_error"
	case errors.Is(err, ErrTotalOutOfRange), errors.Is(err, payment.ErrAmountOutOfRange):
		return "amount_out_of_range"
	default:
		return "error"
	}
}

// Confirm settles a payment confirmation submitted by userID. The order is
// found by the gateway order id. A verified confirmation marks it paid and
// redeems its coupon; a bad signature marks it payment_failed. Replays of an
// already settled order return OutcomeAlreadyFinalized without side effects.
func (s *Service) Confirm(ctx context.Context, userID string, c payment.Confirmation) (_ *SettleResult, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Confirm",
		trace.WithAttributes(attribute.String("gateway.order_id", c.GatewayOrderID)))
	var res *SettleResult
	defer func() {
		outcome := "error"
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		} else {
			outcome = string(res.Outcome)
		}
		s.settles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		span.End()
	}()
	lg := zctx.From(ctx).With(zap.String("gateway_order_id", c.GatewayOrderID))

	o, err := s.owned(ctx, userID, c.GatewayOrderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Settled() {
		res = &SettleResult{Order: o, Outcome: OutcomeAlreadyFinalized}
		return res, nil
	}

	verified, err := s.gateway.Verify(c)
	if err != nil {
		if !errors.Is(err, payment.ErrInvalidSignature) {
			return nil, errors.Wrap(err, "verify payment")
		}
		lg.Warn("Payment signature mismatch", zap.String("order_id", o.ID))
		res, err = s.fail(ctx, c.GatewayOrderID, Failure{
			GatewayPaymentID: c.GatewayPaymentID,
			Reason:           ReasonInvalidSignature,
		})
		return res, err
	}

	paid, err := s.orders.MarkPaid(ctx, verified, s.now().UTC())
	var rej *coupon.RejectionError
	switch {
	case err == nil:
		lg.Info("Order paid",
			zap.String("order_id", paid.ID),
			zap.String("gateway_payment_id", verified.GatewayPaymentID),
		)
		s.publish(ctx, paid, s.events.PublishPaid)
		res = &SettleResult{Order: paid, Outcome: OutcomePaid}
		return res, nil
	case errors.Is(err, ErrTransitionConflict):
		res, err = s.finalized(ctx, c.GatewayOrderID)
		return res, err
	case errors.As(err, &rej):
		// The coupon ran out between checkout and payment.
		lg.Warn("Coupon redemption rejected at confirmation",
			zap.String("order_id", o.ID),
			zap.String("reason", string(rej.Reason)),
		)
		res, err = s.fail(ctx, c.GatewayOrderID, Failure{
			GatewayPaymentID:  verified.GatewayPaymentID,
			SignatureVerified: true,
			Reason:            reasonCouponPrefix + string(rej.Reason),
		})
		return res, err
	default:
		return nil, errors.Wrap(err, "mark paid")
	}
}

// ReportFailure records a gateway-reported payment failure for userID's order.
func (s *Service) ReportFailure(ctx context.Context, userID, gatewayOrderID, reason string) (*SettleResult, error) {
	o, err := s.owned(ctx, userID, gatewayOrderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Settled() {
		return &SettleResult{Order: o, Outcome: OutcomeAlreadyFinalized}, nil
	}
	zctx.From(ctx).Info("Gateway reported payment failure",
		zap.String("order_id", o.ID),
		zap.String("reason", reason),
	)
	return s.fail(ctx, gatewayOrderID, Failure{Reason: reasonGatewayPrefix + reason})
}

// owned loads the order for a gateway order id, hiding orders that belong to
// another user.
func (s *Service) owned(ctx context.Context, userID, gatewayOrderID string) (*Order, error) {
	o, err := s.orders.GetByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != "" && o.UserID != userID {
		return nil, ErrNotFound
	}
	return o, nil
}

func (s *Service) fail(ctx context.Context, gatewayOrderID string, f Failure) (*SettleResult, error) {
	failed, err := s.orders.MarkPaymentFailed(ctx, gatewayOrderID, f)
	switch {
	case err == nil:
		s.publish(ctx, failed, s.events.PublishPaymentFailed)
		return &SettleResult{Order: failed, Outcome: OutcomePaymentFailed}, nil
	case errors.Is(err, ErrTransitionConflict):
		return s.finalized(ctx, gatewayOrderID)
	default:
		return nil, errors.Wrap(err, "mark payment failed")
	}
}

// finalized reloads an order another request already settled.
func (s *Service) finalized(ctx context.Context, gatewayOrderID string) (*SettleResult, error) {
	o, err := s.orders.GetByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return nil, errors.Wrap(err, "reload order")
	}
	return &SettleResult{Order: o, Outcome: OutcomeAlreadyFinalized}, nil
}

// publish is best-effort: the transition is already committed.
func (s *Service) publish(ctx context.Context, o *Order, fn func(context.Context, *Order) error) {
	if err := fn(ctx, o); err != nil {
		zctx.From(ctx).Error("Publish order event",
			zap.String("order_id", o.ID),
			zap.String("status", string(o.Status)),
			zap.Error(err),
		)
	}
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.orders.Get(ctx, id)
}

// UpdateFulfillment applies an admin fulfillment transition.
func (s *Service) UpdateFulfillment(ctx context.Context, id string, to Status) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !to.Fulfillment() || !o.Status.CanTransitionTo(to) {
		return nil, &IllegalTransitionError{From: o.Status, To: to}
	}
	updated, err := s.orders.UpdateStatus(ctx, id, o.Status, to)
	if err != nil {
		return nil, err
	}
	zctx.From(ctx).Info("Order status updated",
		zap.String("order_id", id),
		zap.String("from", string(o.Status)),
		zap.String("to", string(to)),
	)
	return updated, nil
}

type nopPublisher struct{}

func (nopPublisher) PublishPaid(context.Context, *Order) error          { return nil }
func (nopPublisher) PublishPaymentFailed(context.Context, *Order) error { return nil }
