package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/foodstore/internal/domain/auth"
	"github.com/xenking/foodstore/internal/domain/coupon"
	"github.com/xenking/foodstore/internal/domain/order"
	"github.com/xenking/foodstore/internal/domain/payment"
	"github.com/xenking/foodstore/internal/domain/product"
	"github.com/xenking/foodstore/internal/gateway"
	"github.com/xenking/foodstore/internal/idempotency"
	"github.com/xenking/foodstore/internal/storage/memory"
)

var (
	pepper        = []byte("pepper")
	gatewaySecret = []byte("gateway-secret")
)

const (
	userKey  = "user-key"
	adminKey = "admin-key"
)

// --- Fakes ---

type fakeGateway struct {
	seq   atomic.Int64
	calls atomic.Int64
	down  atomic.Bool
}

func (g *fakeGateway) CreateIntent(_ context.Context, _ string, amount decimal.Decimal, currency string) (*payment.Intent, error) {
	g.calls.Add(1)
	if g.down.Load() {
		return nil, &gateway.TransientError{StatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")}
	}
	minor, err := payment.MinorUnits(amount)
	if err != nil {
		return nil, err
	}
	return &payment.Intent{
		GatewayOrderID: fmt.Sprintf("gw_%d", g.seq.Add(1)),
		Amount:         minor,
		Currency:       currency,
		KeyID:          "key_test",
	}, nil
}

func (g *fakeGateway) Verify(c payment.Confirmation) (payment.VerifiedPayment, error) {
	return gateway.VerifySignature(gatewaySecret, c)
}

// --- Helpers ---

type testEnv struct {
	store  *memory.Store
	gw     *fakeGateway
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	store.PutProduct(product.Product{
		ID:         "p1",
		Name:       "Masala Chips",
		Price:      decimal.RequireFromString("250.00"),
		Category:   "Snacks",
		PackSize:   "200g",
		Vegetarian: true,
		Image:      product.Image{Thumbnail: "/chips-thumb.jpg"},
	})
	store.PutProduct(product.Product{ID: "p2", Name: "Mango Pickle", Price: decimal.RequireFromString("500.00"), Category: "Pickles"})

	now := time.Now()
	maxDiscount := decimal.NewFromInt(150)
	store.PutCoupon(coupon.Coupon{
		Code:            "SAVE20",
		DiscountType:    coupon.DiscountPercentage,
		DiscountValue:   decimal.NewFromInt(20),
		MaximumDiscount: &maxDiscount,
		PerUserLimit:    1,
		ValidFrom:       now.Add(-time.Hour),
		ValidUntil:      now.Add(time.Hour),
		IsActive:        true,
	})
	store.PutAPIKey(auth.APIKeyInfo{ID: "k1", KeyHash: auth.HashKeyHex(pepper, userKey), Name: "storefront"})
	store.PutAPIKey(auth.APIKeyInfo{
		ID:      "k2",
		KeyHash: auth.HashKeyHex(pepper, adminKey),
		Name:    "back-office",
		Scopes:  []string{auth.ScopeAdmin},
	})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gw := &fakeGateway{}
	svc := order.NewService(store, coupon.NewRepoValidator(store), store.Orders(), gw)
	h := New(Config{ImageBaseURL: "https://cdn.example"}, store, svc,
		WithIdempotency(idempotency.NewRedisStore(rdb, time.Hour, time.Minute)),
	)
	return &testEnv{
		store:  store,
		gw:     gw,
		router: h.Router(NewSecurity(store, pepper)),
	}
}

type call struct {
	method  string
	path    string
	body    string
	key     string
	userID  string
	headers map[string]string
}

func (e *testEnv) do(t *testing.T, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
	if c.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("api_key", c.key)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var body map[string]any
	if strings.HasPrefix(strings.TrimSpace(w.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

// checkout places an order for userID and returns the gateway order id.
func (e *testEnv) checkout(t *testing.T, userID, body string) (string, map[string]any) {
	t.Helper()
	w, resp := e.do(t, call{method: http.MethodPost, path: "/api/checkout", body: body, key: userKey, userID: userID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return resp["payment"].(map[string]any)["gatewayOrderId"].(string), resp
}

func confirmBody(gatewayOrderID, paymentID string) string {
	return fmt.Sprintf(`{"gatewayOrderId":%q,"gatewayPaymentId":%q,"signature":%q}`,
		gatewayOrderID, paymentID, gateway.Sign(gatewaySecret, gatewayOrderID, paymentID))
}

const twoPickles = `{"items":[{"productId":"p2","quantity":2}]}`

// --- Auth ---

func TestAuthenticate(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		key  string
		want int
	}{
		{name: "Missing", want: http.StatusUnauthorized},
		{name: "Unknown", key: "nope", want: http.StatusUnauthorized},
		{name: "Valid", key: userKey, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := e.do(t, call{method: http.MethodGet, path: "/api/products", key: tt.key})
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "unauthorized", body["message"])
			}
		})
	}
}

// --- Products ---

func TestProducts(t *testing.T) {
	e := newTestEnv(t)

	w, _ := e.do(t, call{method: http.MethodGet, path: "/api/products", key: userKey})
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "p1", list[0]["id"])
	assert.Equal(t, 250.0, list[0]["price"])
	assert.Equal(t, "200g", list[0]["packSize"])
	assert.Equal(t, true, list[0]["vegetarian"])
	assert.Equal(t, map[string]any{"thumbnail": "https://cdn.example/chips-thumb.jpg"}, list[0]["image"])
	assert.NotContains(t, list[1], "packSize")
	assert.Equal(t, false, list[1]["vegetarian"])

	w, body := e.do(t, call{method: http.MethodGet, path: "/api/products/p2", key: userKey})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Mango Pickle", body["name"])

	w, body = e.do(t, call{method: http.MethodGet, path: "/api/products/missing", key: userKey})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "product not found", body["message"])
}

// --- Checkout ---

func TestCheckout_Created(t *testing.T) {
	e := newTestEnv(t)

	_, resp := e.checkout(t, "u1", `{"items":[{"productId":"p2","quantity":2}],"couponCode":"save20"}`)

	o := resp["order"].(map[string]any)
	assert.Equal(t, "awaiting_payment", o["status"])
	assert.Equal(t, "u1", o["userId"])
	assert.Equal(t, 1000.0, o["subtotal"])
	assert.Equal(t, 150.0, o["discount"])
	assert.Equal(t, 850.0, o["totalPrice"])
	assert.Equal(t, "SAVE20", o["couponCode"])

	p := resp["payment"].(map[string]any)
	assert.Equal(t, 85000.0, p["amount"])
	assert.Equal(t, "INR", p["currency"])
}

func TestCheckout_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		userID     string
		wantCode   int
		wantReason string
	}{
		{name: "MalformedJSON", body: `{"items":`, wantCode: http.StatusBadRequest},
		{name: "EmptyItems", body: `{"items":[]}`, wantCode: http.StatusBadRequest},
		{name: "MissingProductID", body: `{"items":[{"quantity":1}]}`, wantCode: http.StatusBadRequest},
		{name: "ZeroQuantity", body: `{"items":[{"productId":"p1","quantity":0}]}`, wantCode: http.StatusUnprocessableEntity},
		{name: "UnknownProduct", body: `{"items":[{"productId":"zzz","quantity":1}]}`, wantCode: http.StatusUnprocessableEntity},
		{name: "HugeQuantity", body: `{"items":[{"productId":"p2","quantity":4611686018427387904}]}`, wantCode: http.StatusBadRequest},
		{name: "QuantityAboveLimit", body: `{"items":[{"productId":"p2","quantity":1001}]}`, wantCode: http.StatusBadRequest},
		{
			name:       "UnknownCoupon",
			body:       `{"items":[{"productId":"p1","quantity":1}],"couponCode":"NOPE"}`,
			userID:     "u1",
			wantCode:   http.StatusUnprocessableEntity,
			wantReason: "not_found",
		},
		{
			name:       "GuestCoupon",
			body:       `{"items":[{"productId":"p1","quantity":1}],"couponCode":"SAVE20"}`,
			wantCode:   http.StatusUnprocessableEntity,
			wantReason: "login_required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			w, body := e.do(t, call{method: http.MethodPost, path: "/api/checkout", body: tt.body, key: userKey, userID: tt.userID})
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, float64(tt.wantCode), body["code"])
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, body["reason"])
			}
			assert.Zero(t, e.gw.calls.Load(), "no intent for rejected carts")
		})
	}
}

func TestCheckout_WrongContentType(t *testing.T) {
	e := newTestEnv(t)
	w, _ := e.do(t, call{
		method:  http.MethodPost,
		path:    "/api/checkout",
		body:    twoPickles,
		key:     userKey,
		headers: map[string]string{"Content-Type": "text/plain"},
	})
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestCheckout_GatewayDown(t *testing.T) {
	e := newTestEnv(t)
	e.gw.down.Store(true)

	w, body := e.do(t, call{method: http.MethodPost, path: "/api/checkout", body: twoPickles, key: userKey, userID: "u1"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, true, body["retryable"])
	orderID, ok := body["orderId"].(string)
	require.True(t, ok)

	o, err := e.store.Orders().Get(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCreated, o.Status)
}

func TestCheckout_IdempotencyKey(t *testing.T) {
	e := newTestEnv(t)
	c := call{
		method:  http.MethodPost,
		path:    "/api/checkout",
		body:    twoPickles,
		key:     userKey,
		userID:  "u1",
		headers: map[string]string{"Idempotency-Key": "abc-123"},
	}

	first, _ := e.do(t, c)
	require.Equal(t, http.StatusCreated, first.Code)
	second, _ := e.do(t, c)
	require.Equal(t, http.StatusCreated, second.Code)

	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int64(1), e.gw.calls.Load())

	// Another user may reuse the same key.
	c.userID = "u2"
	third, _ := e.do(t, c)
	require.Equal(t, http.StatusCreated, third.Code)
	assert.Empty(t, third.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int64(2), e.gw.calls.Load())
}

func TestCheckout_IdempotencyKeyReusedWithDifferentCart(t *testing.T) {
	e := newTestEnv(t)
	c := call{
		method:  http.MethodPost,
		path:    "/api/checkout",
		body:    twoPickles,
		key:     userKey,
		userID:  "u1",
		headers: map[string]string{"Idempotency-Key": "cart-1"},
	}

	first, _ := e.do(t, c)
	require.Equal(t, http.StatusCreated, first.Code)

	c.body = `{"items":[{"productId":"p2","quantity":5}]}`
	w, body := e.do(t, c)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "idempotency key was already used for a different request", body["message"])
	assert.Empty(t, w.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int64(1), e.gw.calls.Load())

	// Formatting and coupon case do not count as a different request.
	c.body = `{"items":[{"quantity":2,"productId":"p2","note":"x"}],"couponCode":null}`
	w, _ = e.do(t, c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
}

func TestCheckoutRequestFingerprint(t *testing.T) {
	base := checkoutRequest{Items: []itemDTO{{ProductID: "p1", Quantity: 2}}, CouponCode: "save20"}
	tests := []struct {
		name string
		req  checkoutRequest
		same bool
	}{
		{"coupon case", checkoutRequest{Items: []itemDTO{{ProductID: "p1", Quantity: 2}}, CouponCode: " SAVE20 "}, true},
		{"quantity", checkoutRequest{Items: []itemDTO{{ProductID: "p1", Quantity: 3}}, CouponCode: "save20"}, false},
		{"product", checkoutRequest{Items: []itemDTO{{ProductID: "p2", Quantity: 2}}, CouponCode: "save20"}, false},
		{"no coupon", checkoutRequest{Items: []itemDTO{{ProductID: "p1", Quantity: 2}}}, false},
		{"extra item", checkoutRequest{Items: []itemDTO{{ProductID: "p1", Quantity: 2}, {ProductID: "p3", Quantity: 1}}, CouponCode: "save20"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.same {
				assert.Equal(t, base.fingerprint(), tt.req.fingerprint())
			} else {
				assert.NotEqual(t, base.fingerprint(), tt.req.fingerprint())
			}
		})
	}
}

func TestCheckout_IdempotencyReleasedOnFailure(t *testing.T) {
	e := newTestEnv(t)
	e.gw.down.Store(true)
	c := call{
		method:  http.MethodPost,
		path:    "/api/checkout",
		body:    twoPickles,
		key:     userKey,
		userID:  "u1",
		headers: map[string]string{"Idempotency-Key": "retry-me"},
	}

	w, _ := e.do(t, c)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	e.gw.down.Store(false)
	w, _ = e.do(t, c)
	assert.Equal(t, http.StatusCreated, w.Code)
}

// --- Confirmation ---

func TestConfirm(t *testing.T) {
	e := newTestEnv(t)
	gid, _ := e.checkout(t, "u1", `{"items":[{"productId":"p2","quantity":2}],"couponCode":"SAVE20"}`)

	w, body := e.do(t, call{method: http.MethodPost, path: "/api/checkout/confirm", body: confirmBody(gid, "pay_1"), key: userKey, userID: "u1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "paid", body["outcome"])
	assert.Equal(t, "paid", body["status"])

	// Replayed callback.
	w, body = e.do(t, call{method: http.MethodPost, path: "/api/checkout/confirm", body: confirmBody(gid, "pay_1"), key: userKey, userID: "u1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "already_finalized", body["outcome"])

	c, ok := e.store.Coupon("SAVE20")
	require.True(t, ok)
	assert.Equal(t, 1, c.UsageCount)
}

func TestConfirm_InvalidSignature(t *testing.T) {
	e := newTestEnv(t)
	gid, _ := e.checkout(t, "u1", twoPickles)

	bad := fmt.Sprintf(`{"gatewayOrderId":%q,"gatewayPaymentId":"pay_1","signature":"deadbeef"}`, gid)
	w, body := e.do(t, call{method: http.MethodPost, path: "/api/checkout/confirm", body: bad, key: userKey, userID: "u1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "payment_failed", body["outcome"])
	assert.Equal(t, "invalid_signature", body["failureReason"])
}

func TestConfirm_NotFound(t *testing.T) {
	e := newTestEnv(t)
	gid, _ := e.checkout(t, "u1", twoPickles)

	tests := []struct {
		name   string
		gid    string
		userID string
	}{
		{name: "UnknownGatewayOrder", gid: "gw_missing", userID: "u1"},
		{name: "ForeignUser", gid: gid, userID: "u2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := e.do(t, call{method: http.MethodPost, path: "/api/checkout/confirm", body: confirmBody(tt.gid, "pay_1"), key: userKey, userID: tt.userID})
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Equal(t, "order not found", body["message"])
		})
	}

	w, _ := e.do(t, call{method: http.MethodPost, path: "/api/checkout/confirm", body: `{"signature":"x"}`, key: userKey, userID: "u1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportPaymentFailure(t *testing.T) {
	e := newTestEnv(t)
	gid, _ := e.checkout(t, "u1", twoPickles)

	body := fmt.Sprintf(`{"gatewayOrderId":%q,"reason":"card_declined"}`, gid)
	w, resp := e.do(t, call{method: http.MethodPost, path: "/api/checkout/failure", body: body, key: userKey, userID: "u1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "payment_failed", resp["outcome"])
	assert.Equal(t, "gateway_card_declined", resp["failureReason"])

	// A late success callback cannot resurrect the order.
	w, resp = e.do(t, call{method: http.MethodPost, path: "/api/checkout/confirm", body: confirmBody(gid, "pay_1"), key: userKey, userID: "u1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "already_finalized", resp["outcome"])
	assert.Equal(t, "payment_failed", resp["status"])
}

// --- Coupon preview ---

func TestEvaluateCoupon(t *testing.T) {
	e := newTestEnv(t)

	w, body := e.do(t, call{
		method: http.MethodPost,
		path:   "/api/coupons/evaluate",
		body:   `{"items":[{"productId":"p1","quantity":2}],"couponCode":"SAVE20"}`,
		key:    userKey,
		userID: "u1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 500.0, body["subtotal"])
	assert.Equal(t, 100.0, body["discount"])
	assert.Equal(t, 400.0, body["finalTotal"])

	c, _ := e.store.Coupon("SAVE20")
	assert.Zero(t, c.UsageCount, "preview must not redeem")

	w, _ = e.do(t, call{method: http.MethodPost, path: "/api/coupons/evaluate", body: `{"items":[{"productId":"p1","quantity":1}]}`, key: userKey, userID: "u1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Orders ---

func TestGetOrder(t *testing.T) {
	e := newTestEnv(t)
	_, resp := e.checkout(t, "u1", twoPickles)
	id := resp["order"].(map[string]any)["id"].(string)

	tests := []struct {
		name   string
		key    string
		userID string
		want   int
	}{
		{name: "Owner", key: userKey, userID: "u1", want: http.StatusOK},
		{name: "OtherUser", key: userKey, userID: "u2", want: http.StatusNotFound},
		{name: "Admin", key: adminKey, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := e.do(t, call{method: http.MethodGet, path: "/api/orders/" + id, key: tt.key, userID: tt.userID})
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, id, body["id"])
			}
		})
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	e := newTestEnv(t)
	gid, resp := e.checkout(t, "u1", twoPickles)
	id := resp["order"].(map[string]any)["id"].(string)
	path := "/api/admin/orders/" + id + "/status"

	w, _ := e.do(t, call{method: http.MethodPatch, path: path, body: `{"status":"processing"}`, key: userKey})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := e.do(t, call{method: http.MethodPatch, path: path, body: `{"status":"processing"}`, key: adminKey})
	assert.Equal(t, http.StatusConflict, w.Code, "awaiting_payment cannot be fulfilled")
	assert.Contains(t, body["message"], "awaiting_payment")

	w, _ = e.do(t, call{method: http.MethodPatch, path: path, body: `{"status":"paid"}`, key: adminKey})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(t, call{method: http.MethodPost, path: "/api/checkout/confirm", body: confirmBody(gid, "pay_1"), key: userKey, userID: "u1"})
	require.Equal(t, http.StatusOK, w.Code)

	for _, status := range []string{"processing", "shipped", "delivered"} {
		w, body = e.do(t, call{method: http.MethodPatch, path: path, body: `{"status":"` + status + `"}`, key: adminKey})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, status, body["status"])
	}

	w, _ = e.do(t, call{method: http.MethodPatch, path: path, body: `{"status":"cancelled"}`, key: adminKey})
	assert.Equal(t, http.StatusConflict, w.Code, "delivered is terminal")

	w, _ = e.do(t, call{method: http.MethodPatch, path: "/api/admin/orders/missing/status", body: `{"status":"processing"}`, key: adminKey})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMapError_HidesInternalErrors(t *testing.T) {
	e := mapError(errors.New("pq: password authentication failed"))
	assert.Equal(t, http.StatusInternalServerError, e.Status)
	assert.Equal(t, "internal server error", e.Message)
}

func TestValidationMessage_QuantityLimit(t *testing.T) {
	e := newTestEnv(t)
	w, body := e.do(t, call{
		method: http.MethodPost,
		path:   "/api/checkout",
		body:   `{"items":[{"productId":"p2","quantity":5000}]}`,
		key:    userKey,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "items[0].quantity must be at most 1000", body["message"])
}

func TestMapError_AmountOutOfRange(t *testing.T) {
	for _, err := range []error{
		order.ErrTotalOutOfRange,
		errors.Wrap(payment.ErrAmountOutOfRange, "2305843009213693952000"),
	} {
		e := mapError(err)
		assert.Equal(t, http.StatusUnprocessableEntity, e.Status)
		assert.False(t, e.Retryable)
	}
}
