package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/foodstore/internal/domain/order"
	"github.com/xenking/foodstore/internal/domain/payment"
	"github.com/xenking/foodstore/internal/idempotency"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

// Checkout creates an order and its payment intent.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principalFrom(ctx)

	var req checkoutRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	claim, replay, err := h.reserve(ctx, p, r.Header.Get(headerIdempotencyKey), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	if replay != nil {
		w.Header().Set(headerReplayed, "true")
		writeJSON(w, replay.Status, replay.Body)
		return
	}

	res, err := h.orders.Checkout(ctx, order.CheckoutRequest{
		UserID:     p.UserID,
		Items:      toItemRequests(req.Items),
		CouponCode: req.CouponCode,
	})
	if err != nil {
		h.release(ctx, claim)
		fail(w, r, err)
		return
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.FieldStart("order")
		encodeOrder(e, res.Order)
		e.FieldStart("payment")
		encodeIntent(e, res.Intent)
	})
	body := e.Bytes()
	h.complete(ctx, claim, body)
	writeJSON(w, http.StatusCreated, body)
}

// idemClaim is an idempotency key owned by the current request.
type idemClaim struct {
	key         string
	fingerprint string
}

// reserve claims the idempotency key of a checkout. It returns the claim to
// complete later, or the stored response of an earlier identical request.
// Replay protection fails open when the store is unreachable.
func (h *Handler) reserve(ctx context.Context, p Principal, key string, req checkoutRequest) (idemClaim, *idempotency.Response, error) {
	if h.idem == nil || key == "" {
		return idemClaim{}, nil, nil
	}
	if len(key) > 255 {
		return idemClaim{}, nil, &requestError{msg: headerIdempotencyKey + " is too long"}
	}
	c := idemClaim{
		key:         p.Key.ID + ":" + p.UserID + ":" + key,
		fingerprint: req.fingerprint(),
	}

	replay, err := h.idem.Begin(ctx, c.key, c.fingerprint)
	switch {
	case err == nil:
		return c, replay, nil
	case errors.Is(err, idempotency.ErrInProgress), errors.Is(err, idempotency.ErrKeyReused):
		return idemClaim{}, nil, err
	default:
		zctx.From(ctx).Warn("Idempotency store unavailable", zap.Error(err))
		return idemClaim{}, nil, nil
	}
}

func (h *Handler) complete(ctx context.Context, c idemClaim, body []byte) {
	if c.key == "" {
		return
	}
	resp := idempotency.Response{Status: http.StatusCreated, Body: body}
	if err := h.idem.Complete(ctx, c.key, c.fingerprint, resp); err != nil {
		zctx.From(ctx).Warn("Store idempotent response", zap.Error(err))
	}
}

func (h *Handler) release(ctx context.Context, c idemClaim) {
	if c.key == "" {
		return
	}
	if err := h.idem.Release(ctx, c.key, c.fingerprint); err != nil {
		zctx.From(ctx).Warn("Release idempotency key", zap.Error(err))
	}
}

// ConfirmPayment settles an order from a gateway success callback relayed by
// the client.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	res, err := h.orders.Confirm(r.Context(), principalFrom(r.Context()).UserID, payment.Confirmation{
		GatewayOrderID:   req.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.Signature,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, settleEncoder(res))
}

// ReportPaymentFailure records a gateway-reported failure.
func (h *Handler) ReportPaymentFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	res, err := h.orders.ReportFailure(r.Context(), principalFrom(r.Context()).UserID, req.GatewayOrderID, req.Reason)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, settleEncoder(res))
}

func settleEncoder(res *order.SettleResult) func(e *jx.Encoder) {
	return func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.FieldStart("orderId")
			e.Str(res.Order.ID)
			e.FieldStart("status")
			e.Str(string(res.Order.Status))
			e.FieldStart("outcome")
			e.Str(string(res.Outcome))
			if reason := res.Order.Payment.FailureReason; reason != "" {
				e.FieldStart("failureReason")
				e.Str(reason)
			}
		})
	}
}

// EvaluateCoupon previews a coupon against a cart without side effects.
func (h *Handler) EvaluateCoupon(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	q, err := h.orders.Quote(r.Context(), principalFrom(r.Context()).UserID, toItemRequests(req.Items), req.CouponCode)
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.FieldStart("couponCode")
			e.Str(q.Coupon.Code)
			money(e, "subtotal", q.Subtotal)
			money(e, "discount", q.Coupon.Discount)
			money(e, "finalTotal", q.FinalTotal)
		})
	})
}
